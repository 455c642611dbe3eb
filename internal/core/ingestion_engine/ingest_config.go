package ingestion_engine

import (
	"context"
	"io"

	"golang.org/x/sync/errgroup"

	db "github.com/markdave123-py/docchat/internal/core/database"
	objectclient "github.com/markdave123-py/docchat/internal/core/object-client"
	"github.com/markdave123-py/docchat/internal/logger"
)

// IngestConfig tunes the streaming pipeline.
//
// TargetTokens:   approximate tokens per chunk (e.g., 500).
// OverlapTokens:  token overlap between consecutive chunks for context bleed (e.g., 50).
// BatchSize:      how many chunks to embed/write in one batch (e.g., 32).
// EmbedDim:       expected embedding dimension, must match the vector column.
// Workers:        goroutines draining the job queue.
type IngestConfig struct {
	TargetTokens  int
	OverlapTokens int
	BatchSize     int
	EmbedDim      int
	Workers       int
}

// DefaultIngestConfig matches the vector(768) column of file_chunks.
func DefaultIngestConfig() *IngestConfig {
	return &IngestConfig{
		TargetTokens:  500,
		OverlapTokens: 50,
		BatchSize:     32,
		EmbedDim:      768,
		Workers:       2,
	}
}

// EmbeddingProvider turns chunk texts into vectors, one per text.
type EmbeddingProvider interface {
	EmbedTexts(ctx context.Context, texts []string) ([][]float32, error)
}

// DocumentExtractor streams text fragments out of a stored document.
// Work is scheduled on g so extraction failures cancel the whole pipeline.
type DocumentExtractor interface {
	ExtractText(ctx context.Context, g *errgroup.Group, r io.Reader, contentType string) (<-chan string, error)
}

// chunk is the internal representation passed through the pipeline.
//
// Pos:      stable, zero-based position of the chunk inside the document.
// Text:     chunk content (built from one or more fragments).
// TokenCnt: approximate token count (used for batching and overlap math).
type chunk struct {
	Pos      int
	Text     string
	TokenCnt int
}

// DocumentIngestor orchestrates the background ingestion pipeline:
//
// db:        persistence for document and chunks.
// obj:       object storage for the uploaded bytes.
// embedder:  embedding provider, nil stores chunks without vectors.
// cfg:       runtime tuning knobs for the pipeline.
// jobs:      in-memory queue of document IDs to process.
type DocumentIngestor struct {
	db        db.DbClient
	obj       objectclient.ObjectClient
	embedder  EmbeddingProvider
	extractor DocumentExtractor
	cfg       *IngestConfig
	log       *logger.Logger
	jobs      chan string
}
