package ingestion_engine

import (
	"context"
	"fmt"
	"time"

	"github.com/markdave123-py/docchat/internal/models"
)

// embedAndPersist consumes chunks, embeds them in batches, and writes to DB.
//
// docID:      current document ID.
// in:         chunk stream from streamChunk.
// batchSize:  number of chunks to embed/write per batch (limits memory).
func (i *DocumentIngestor) embedAndPersist(
	ctx context.Context,
	docID string,
	in <-chan chunk,
	batchSize int,
) error {
	if batchSize <= 0 {
		batchSize = 1
	}
	batch := make([]chunk, 0, batchSize)
	written := 0

	flush := func(items []chunk) error {
		if len(items) == 0 {
			return nil
		}

		var vecs [][]float32
		if i.embedder != nil {
			texts := make([]string, len(items))
			for idx := range items {
				texts[idx] = items[idx].Text
			}
			var err error
			vecs, err = i.embedder.EmbedTexts(ctx, texts)
			if err != nil {
				return fmt.Errorf("embed: %w", err)
			}
			if len(vecs) != len(items) {
				return fmt.Errorf("embed size mismatch: got %d want %d", len(vecs), len(items))
			}
			for k, v := range vecs {
				if i.cfg.EmbedDim > 0 && len(v) != i.cfg.EmbedDim {
					return fmt.Errorf("embedding %d has dimension %d, want %d", k, len(v), i.cfg.EmbedDim)
				}
			}
		}

		now := time.Now().UTC()
		rows := make([]models.FileChunk, len(items))
		for k := range items {
			rows[k] = models.FileChunk{
				DocumentID: docID,
				Position:   items[k].Pos,
				Text:       items[k].Text,
				TokenCount: items[k].TokenCnt,
				CreatedAt:  now,
			}
			if vecs != nil {
				rows[k].Embedding = vecs[k]
			}
		}
		if err := i.db.InsertFileChunks(ctx, rows); err != nil {
			return fmt.Errorf("insert chunks: %w", err)
		}
		written += len(rows)
		return nil
	}

	for c := range in {
		batch = append(batch, c)
		if len(batch) == batchSize {
			if err := flush(batch); err != nil {
				return err
			}
			batch = batch[:0]
		}
	}
	if err := flush(batch); err != nil {
		return err
	}
	if written == 0 {
		return fmt.Errorf("document %s produced no chunks", docID)
	}
	return nil
}
