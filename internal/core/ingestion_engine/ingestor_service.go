package ingestion_engine

import (
	"context"
	"fmt"
	"mime"
	"path/filepath"
	"strings"
	"time"

	"code.sajari.com/docconv"
	"golang.org/x/sync/errgroup"

	db "github.com/markdave123-py/docchat/internal/core/database"
	objectclient "github.com/markdave123-py/docchat/internal/core/object-client"
	"github.com/markdave123-py/docchat/internal/logger"
	"github.com/markdave123-py/docchat/internal/models"
)

const processTimeout = 5 * time.Minute

// NewDocumentIngestor constructs the ingestor with a bounded job queue (64).
// emb may be nil. At least one worker is always started.
func NewDocumentIngestor(
	dbc db.DbClient,
	obj objectclient.ObjectClient,
	emb EmbeddingProvider,
	extractor DocumentExtractor,
	cfg *IngestConfig,
	log *logger.Logger,
) *DocumentIngestor {
	if cfg == nil {
		cfg = DefaultIngestConfig()
	}
	if cfg.Workers < 1 {
		c := *cfg
		c.Workers = 1
		cfg = &c
	}
	return &DocumentIngestor{
		db:        dbc,
		obj:       obj,
		embedder:  emb,
		extractor: extractor,
		cfg:       cfg,
		log:       log.With("service", "DocumentIngestor"),
		jobs:      make(chan string, 64),
	}
}

// Start launches cfg.Workers goroutines that drain the queue until ctx ends.
// It returns immediately.
func (i *DocumentIngestor) Start(ctx context.Context) {
	for w := 1; w <= i.cfg.Workers; w++ {
		go func(w int) {
			for {
				select {
				case <-ctx.Done():
					i.log.Debug("ingest worker shutting down", "worker", w)
					return
				case docID := <-i.jobs:
					i.log.Info("processing document", "document_id", docID, "worker", w)
					if err := i.ProcessOne(ctx, docID); err != nil {
						i.log.Error("document ingestion failed", "document_id", docID, "error", err)
					}
				}
			}
		}(w)
	}
	i.log.Info("ingest workers started", "workers", i.cfg.Workers)
}

// Enqueue schedules a document ID for ingestion without blocking.
// It reports false when the queue is full.
func (i *DocumentIngestor) Enqueue(docID string) bool {
	select {
	case i.jobs <- docID:
		return true
	default:
		return false
	}
}

// ProcessOne extracts, chunks, embeds and persists a single document and
// records the outcome on its status.
func (i *DocumentIngestor) ProcessOne(ctx context.Context, docID string) error {
	proctx, cancel := context.WithTimeout(ctx, processTimeout)
	defer cancel()

	doc, err := i.db.GetDocumentByID(proctx, docID)
	if err != nil {
		return fmt.Errorf("load document %s: %w", docID, err)
	}

	if err := i.run(proctx, doc); err != nil {
		i.setStatus(ctx, docID, models.DocumentFailed)
		return err
	}
	i.setStatus(ctx, docID, models.DocumentReady)
	i.log.Info("document ready", "document_id", docID)
	return nil
}

func (i *DocumentIngestor) run(ctx context.Context, doc *models.Document) error {
	rc, err := i.obj.Open(ctx, doc.StoredName)
	if err != nil {
		return fmt.Errorf("open object: %w", err)
	}
	defer rc.Close()

	// Build an errgroup to tie the pipeline stages together.
	g, gctx := errgroup.WithContext(ctx)

	fragCh, err := i.extractor.ExtractText(gctx, g, rc, contentTypeOf(doc.StoredName))
	if err != nil {
		return err
	}

	chunkCh := i.streamChunk(gctx, g, fragCh, i.cfg.TargetTokens, i.cfg.OverlapTokens)

	g.Go(func() error {
		return i.embedAndPersist(gctx, doc.ID, chunkCh, i.cfg.BatchSize)
	})

	// Any stage error cancels the rest.
	return g.Wait()
}

// setStatus survives cancellation of the worker context so shutdown does not
// leave a finished document stuck in processing.
func (i *DocumentIngestor) setStatus(ctx context.Context, docID, status string) {
	sctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 10*time.Second)
	defer cancel()
	if err := i.db.UpdateDocumentStatus(sctx, docID, status); err != nil {
		i.log.Error("document status not updated", "document_id", docID, "status", status, "error", err)
	}
}

func contentTypeOf(name string) string {
	ext := strings.ToLower(filepath.Ext(name))
	if ct := docconv.MimeTypeByExtension(name); ct != "" && ct != "application/octet-stream" {
		return ct
	}
	if ct := mime.TypeByExtension(ext); ct != "" {
		return strings.TrimSpace(strings.SplitN(ct, ";", 2)[0])
	}
	return ""
}
