package ingestion_engine

import (
	"context"
	"errors"
	"io"
	"strings"
	"testing"
	"time"

	"golang.org/x/sync/errgroup"

	objectclient "github.com/markdave123-py/docchat/internal/core/object-client"
	"github.com/markdave123-py/docchat/internal/logger"
	"github.com/markdave123-py/docchat/internal/models"
	"github.com/markdave123-py/docchat/internal/testutil"
)

// lineExtractor treats the stored bytes as plain text.
type lineExtractor struct{}

func (lineExtractor) ExtractText(ctx context.Context, g *errgroup.Group, r io.Reader, _ string) (<-chan string, error) {
	out := make(chan string, 4)
	g.Go(func() error {
		defer close(out)
		return emitLines(ctx, r, out)
	})
	return out, nil
}

type fakeEmbedder struct {
	dim   int
	err   error
	calls int
}

func (f *fakeEmbedder) EmbedTexts(_ context.Context, texts []string) ([][]float32, error) {
	f.calls++
	if f.err != nil {
		return nil, f.err
	}
	out := make([][]float32, len(texts))
	for i := range texts {
		out[i] = make([]float32, f.dim)
		out[i][0] = float32(i)
	}
	return out, nil
}

type ingestFixture struct {
	ing *DocumentIngestor
	db  *testutil.MemDB
	obj *objectclient.DiskClient
}

func newIngestFixture(t *testing.T, emb EmbeddingProvider) *ingestFixture {
	t.Helper()
	obj, err := objectclient.NewDiskClient(t.TempDir())
	if err != nil {
		t.Fatalf("disk client: %v", err)
	}
	mem := testutil.NewMemDB(t)
	cfg := &IngestConfig{TargetTokens: 30, OverlapTokens: 10, BatchSize: 2, EmbedDim: 4, Workers: 1}
	return &ingestFixture{
		ing: NewDocumentIngestor(mem, obj, emb, lineExtractor{}, cfg, logger.Nop()),
		db:  mem,
		obj: obj,
	}
}

func (f *ingestFixture) addDocument(t *testing.T, id, body string) {
	t.Helper()
	ctx := context.Background()
	name := id + ".pdf"
	if _, err := f.obj.Put(ctx, name, strings.NewReader(body), "application/pdf"); err != nil {
		t.Fatalf("put: %v", err)
	}
	doc := &models.Document{
		ID: id, UserID: "user-1", Filename: "a.pdf", StoredName: name,
		Filetype: "pdf", Status: models.DocumentProcessing, UploadedAt: time.Now(),
	}
	if err := f.db.CreateDocument(ctx, doc); err != nil {
		t.Fatalf("create document: %v", err)
	}
}

func (f *ingestFixture) status(t *testing.T, id string) string {
	t.Helper()
	d, err := f.db.GetDocumentByID(context.Background(), id)
	if err != nil {
		t.Fatalf("get document: %v", err)
	}
	return d.Status
}

// line returns a 40 character (10 token) fragment.
func line(tag string) string {
	return tag + strings.Repeat(".", 40-len(tag))
}

func collect(t *testing.T, ing *DocumentIngestor, frags []string, target, overlap int) []chunk {
	t.Helper()
	in := make(chan string, len(frags))
	for _, f := range frags {
		in <- f
	}
	close(in)

	g, ctx := errgroup.WithContext(context.Background())
	out := ing.streamChunk(ctx, g, in, target, overlap)
	var got []chunk
	for c := range out {
		got = append(got, c)
	}
	if err := g.Wait(); err != nil {
		t.Fatalf("streamChunk: %v", err)
	}
	return got
}

func TestStreamChunkOverlapWithoutTrailingDuplicate(t *testing.T) {
	f := newIngestFixture(t, nil)
	var frags []string
	for _, tag := range []string{"a1", "a2", "a3", "a4", "a5", "a6", "a7"} {
		frags = append(frags, line(tag))
	}

	got := collect(t, f.ing, frags, 30, 10)
	if len(got) != 3 {
		t.Fatalf("got %d chunks, want 3", len(got))
	}
	wantFirst := []string{"a1", "a3", "a5"}
	for i, c := range got {
		if c.Pos != i || c.TokenCnt != 30 {
			t.Fatalf("chunk %d = pos %d tokens %d", i, c.Pos, c.TokenCnt)
		}
		if !strings.HasPrefix(c.Text, wantFirst[i]) {
			t.Fatalf("chunk %d starts with %q", i, c.Text[:2])
		}
	}
}

func TestStreamChunkDoesNotCarryOversizedLine(t *testing.T) {
	f := newIngestFixture(t, nil)
	big := strings.Repeat("x", 400)

	got := collect(t, f.ing, []string{big, "tail"}, 30, 10)
	if len(got) != 2 {
		t.Fatalf("got %d chunks, want 2", len(got))
	}
	if got[1].Text != "tail" {
		t.Fatalf("oversized line leaked into overlap: %q", got[1].Text[:10])
	}
}

func TestProcessOneStoresEmbeddedChunks(t *testing.T) {
	emb := &fakeEmbedder{dim: 4}
	f := newIngestFixture(t, emb)
	body := strings.Join([]string{line("a"), "", line("b"), line("c"), line("d"), line("e")}, "\n")
	f.addDocument(t, "doc-1", body)

	if err := f.ing.ProcessOne(context.Background(), "doc-1"); err != nil {
		t.Fatalf("ProcessOne: %v", err)
	}
	if s := f.status(t, "doc-1"); s != models.DocumentReady {
		t.Fatalf("status = %s", s)
	}
	chunks := f.db.Chunks("doc-1")
	if len(chunks) != 2 {
		t.Fatalf("got %d chunks", len(chunks))
	}
	for i, c := range chunks {
		if c.Position != i || len(c.Embedding) != 4 {
			t.Fatalf("chunk %d = %+v", i, c)
		}
	}
}

func TestProcessOneWithoutEmbedder(t *testing.T) {
	f := newIngestFixture(t, nil)
	f.addDocument(t, "doc-1", "short text")

	if err := f.ing.ProcessOne(context.Background(), "doc-1"); err != nil {
		t.Fatalf("ProcessOne: %v", err)
	}
	chunks := f.db.Chunks("doc-1")
	if len(chunks) != 1 || chunks[0].Embedding != nil || chunks[0].Text != "short text" {
		t.Fatalf("unexpected chunks %+v", chunks)
	}
}

func TestProcessOneMarksFailures(t *testing.T) {
	cases := map[string]struct {
		emb  *fakeEmbedder
		body string
	}{
		"wrong dimension": {&fakeEmbedder{dim: 3}, "some text"},
		"embed error":     {&fakeEmbedder{dim: 4, err: errors.New("quota")}, "some text"},
		"no text":         {&fakeEmbedder{dim: 4}, "\n  \n"},
	}
	for name, tc := range cases {
		t.Run(name, func(t *testing.T) {
			f := newIngestFixture(t, tc.emb)
			f.addDocument(t, "doc-1", tc.body)

			if err := f.ing.ProcessOne(context.Background(), "doc-1"); err == nil {
				t.Fatal("expected error")
			}
			if s := f.status(t, "doc-1"); s != models.DocumentFailed {
				t.Fatalf("status = %s", s)
			}
			if n := len(f.db.Chunks("doc-1")); n != 0 {
				t.Fatalf("stored %d chunks", n)
			}
		})
	}
}

func TestEnqueueDoesNotBlock(t *testing.T) {
	f := newIngestFixture(t, nil)
	for i := 0; i < cap(f.ing.jobs); i++ {
		if !f.ing.Enqueue("doc") {
			t.Fatalf("enqueue %d rejected", i)
		}
	}
	if f.ing.Enqueue("doc") {
		t.Fatal("full queue must reject")
	}
}

func TestWorkersDrainQueue(t *testing.T) {
	f := newIngestFixture(t, &fakeEmbedder{dim: 4})
	f.addDocument(t, "doc-1", "hello world")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	f.ing.Start(ctx)
	f.ing.Enqueue("doc-1")

	deadline := time.Now().Add(5 * time.Second)
	for f.status(t, "doc-1") != models.DocumentReady {
		if time.Now().After(deadline) {
			t.Fatal("document never became ready")
		}
		time.Sleep(10 * time.Millisecond)
	}
}

func TestZeroWorkersStillDrainsQueue(t *testing.T) {
	f := newIngestFixture(t, nil)
	cfg := *f.ing.cfg
	cfg.Workers = 0
	ing := NewDocumentIngestor(f.db, f.obj, nil, lineExtractor{}, &cfg, logger.Nop())
	if ing.cfg.Workers != 1 || cfg.Workers != 0 {
		t.Fatalf("workers = %d, caller cfg = %d", ing.cfg.Workers, cfg.Workers)
	}
	f.addDocument(t, "doc-1", "hello world")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	ing.Start(ctx)
	ing.Enqueue("doc-1")

	deadline := time.Now().Add(5 * time.Second)
	for f.status(t, "doc-1") != models.DocumentReady {
		if time.Now().After(deadline) {
			t.Fatal("document never became ready")
		}
		time.Sleep(10 * time.Millisecond)
	}
}

func TestEmitLinesSkipsBlanks(t *testing.T) {
	out := make(chan string, 8)
	if err := emitLines(context.Background(), strings.NewReader(" a \n\n\t\nb\n"), out); err != nil {
		t.Fatal(err)
	}
	close(out)
	var got []string
	for s := range out {
		got = append(got, s)
	}
	if strings.Join(got, ",") != "a,b" {
		t.Fatalf("got %v", got)
	}
}
