package ingestion_engine

import "context"

// Ingestor is the surface the application wires in.
type Ingestor interface {
	Start(ctx context.Context)
	Enqueue(docID string) bool
	ProcessOne(ctx context.Context, docID string) error
}

var _ Ingestor = (*DocumentIngestor)(nil)
