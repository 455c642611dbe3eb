package ingestion_engine

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"strings"

	"code.sajari.com/docconv"
	"golang.org/x/sync/errgroup"
)

var _ DocumentExtractor = (*DocconvExtractor)(nil)

// DocconvExtractor implements DocumentExtractor using sajari/docconv.
type DocconvExtractor struct {
	useReadability bool
}

func NewDocconvExtractor(useReadability bool) *DocconvExtractor {
	return &DocconvExtractor{useReadability: useReadability}
}

// ExtractText converts the document and emits its non-blank lines as fragments.
func (e *DocconvExtractor) ExtractText(ctx context.Context, g *errgroup.Group, r io.Reader, contentType string) (<-chan string, error) {
	if contentType == "" {
		return nil, fmt.Errorf("docconv: unknown content type")
	}
	out := make(chan string, 32)

	g.Go(func() error {
		defer close(out)

		res, err := docconv.Convert(r, contentType, e.useReadability)
		if err != nil {
			return fmt.Errorf("docconv: extraction failed for %q: %w", contentType, err)
		}
		if err := ctx.Err(); err != nil {
			return err
		}
		if strings.TrimSpace(res.Body) == "" {
			return fmt.Errorf("docconv: no text extracted for %q", contentType)
		}
		return emitLines(ctx, strings.NewReader(res.Body), out)
	})

	return out, nil
}

// emitLines sends every non-blank, trimmed line of r to out.
func emitLines(ctx context.Context, r io.Reader, out chan<- string) error {
	sc := bufio.NewScanner(r)
	sc.Buffer(make([]byte, 64*1024), 1024*1024)
	for sc.Scan() {
		line := strings.TrimSpace(sc.Text())
		if line == "" {
			continue
		}
		select {
		case out <- line:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	return sc.Err()
}
