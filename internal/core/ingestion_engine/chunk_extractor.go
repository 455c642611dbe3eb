package ingestion_engine

import (
	"context"
	"strings"

	"golang.org/x/sync/errgroup"
)

// streamChunk groups incoming fragments into token-bounded chunks with optional overlap.
//
// frags:          upstream fragments channel.
// targetTokens:   approximate tokens per chunk.
// overlapTokens:  tokens to retain from the end of the previous chunk as seed of the next (e.g., 50).
// out:            receive-only channel of chunk structs with Pos/Text/TokenCnt.
func (i *DocumentIngestor) streamChunk(
	ctx context.Context,
	g *errgroup.Group,
	frags <-chan string,
	targetTokens int,
	overlapTokens int,
) <-chan chunk {
	out := make(chan chunk, 8)

	g.Go(func() error {
		defer close(out)

		var (
			buf    []string
			tokSum int
			fresh  int // tokens added since the last emitted chunk
			pos    int
		)

		// flush emits the current buffer as a chunk and seeds the next one
		// with an overlap tail.
		flush := func() error {
			if fresh == 0 {
				return nil
			}
			ch := chunk{Pos: pos, Text: strings.Join(buf, "\n"), TokenCnt: tokSum}
			pos++

			select {
			case out <- ch:
			case <-ctx.Done():
				return ctx.Err()
			}
			i.log.Debug("chunk emitted", "position", ch.Pos, "tokens", tokSum, "lines", len(buf))

			buf, tokSum = overlapTail(buf, overlapTokens)
			fresh = 0
			return nil
		}

		for frag := range frags {
			select {
			case <-ctx.Done():
				return ctx.Err()
			default:
			}

			t := approxTokens(frag)
			buf = append(buf, frag)
			tokSum += t
			fresh += t

			if tokSum >= targetTokens {
				if err := flush(); err != nil {
					return err
				}
			}
		}
		return flush()
	})

	return out
}

// overlapTail keeps the trailing lines of buf whose tokens fit in budget.
// A line larger than the budget is never carried over.
func overlapTail(buf []string, budget int) ([]string, int) {
	if budget <= 0 {
		return nil, 0
	}
	start, sum := len(buf), 0
	for j := len(buf) - 1; j >= 0; j-- {
		t := approxTokens(buf[j])
		if sum+t > budget {
			break
		}
		sum += t
		start = j
	}
	return append([]string(nil), buf[start:]...), sum
}

// approxTokens is a cheap token estimator (~4 chars ≈ 1 token).
func approxTokens(s string) int {
	n := len([]rune(s))
	if n <= 0 {
		return 0
	}
	return (n + 3) / 4
}
