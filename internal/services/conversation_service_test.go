package services

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	objectclient "github.com/markdave123-py/docchat/internal/core/object-client"
	"github.com/markdave123-py/docchat/internal/logger"
	"github.com/markdave123-py/docchat/internal/models"
)

type conversationFixture struct {
	svc       *ConversationService
	dir       string
	uploadDir string
}

func newConversationFixture(t *testing.T) *conversationFixture {
	t.Helper()
	root := t.TempDir()
	uploads := filepath.Join(root, "uploads")
	objects, err := objectclient.NewDiskClient(uploads)
	if err != nil {
		t.Fatalf("disk client: %v", err)
	}
	dir := filepath.Join(root, "conversations")
	svc, err := NewConversationService(dir, objects, logger.Nop())
	if err != nil {
		t.Fatalf("NewConversationService: %v", err)
	}
	return &conversationFixture{svc: svc, dir: dir, uploadDir: uploads}
}

func strPtr(s string) *string { return &s }

func msgs(contents ...string) *[]models.ConversationMessage {
	out := make([]models.ConversationMessage, 0, len(contents))
	for i, c := range contents {
		out = append(out, models.ConversationMessage{ID: models.MessageID(fmt.Sprintf("m%d", i)), Role: "user", Content: c})
	}
	return &out
}

func TestCreateRejectsEmpty(t *testing.T) {
	f := newConversationFixture(t)
	_, err := f.svc.Create(context.Background(), CreateConversationInput{Title: "  ", LastMessage: ""})
	if !errors.Is(err, ErrEmptyConversation) {
		t.Fatalf("expected ErrEmptyConversation, got %v", err)
	}
}

func TestCreateWithPDF(t *testing.T) {
	ctx := context.Background()
	f := newConversationFixture(t)

	c, err := f.svc.Create(ctx, CreateConversationInput{PDF: strings.NewReader("%PDF"), PDFName: "notes.pdf"})
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	if !c.HasPDF() || *c.PDFFile != filepath.Join(f.uploadDir, c.ID+".pdf") {
		t.Fatalf("pdf not recorded: %+v", c)
	}

	got, err := f.svc.Get(ctx, c.ID, "")
	if err != nil || got.ID != c.ID {
		t.Fatalf("Get = %+v, %v", got, err)
	}

	if err := f.svc.Delete(ctx, c.ID, ""); err != nil {
		t.Fatalf("Delete: %v", err)
	}
	if _, err := os.Stat(*c.PDFFile); !os.IsNotExist(err) {
		t.Fatalf("attached pdf must be removed, stat err = %v", err)
	}
	if err := f.svc.Delete(ctx, c.ID, ""); !errors.Is(err, ErrConversationNotFound) {
		t.Fatalf("second delete: %v", err)
	}
}

func TestUpsertIsIdempotentPerID(t *testing.T) {
	ctx := context.Background()
	f := newConversationFixture(t)
	id := "c0ffee00-0000-4000-8000-000000000001"

	res, err := f.svc.Upsert(ctx, id, models.ConversationPatch{Title: strPtr("A"), Messages: msgs("hello")}, "")
	if err != nil || res.Outcome != models.UpsertCreated || res.Conversation.Title != "A" {
		t.Fatalf("first upsert = %+v, %v", res, err)
	}
	res, err = f.svc.Upsert(ctx, id, models.ConversationPatch{Title: strPtr("B")}, "")
	if err != nil || res.Outcome != models.UpsertUpdated || res.Conversation.Title != "B" {
		t.Fatalf("second upsert = %+v, %v", res, err)
	}
	if len(res.Conversation.Messages) != 1 {
		t.Fatalf("absent messages field must be left alone, got %+v", res.Conversation.Messages)
	}

	list, err := f.svc.List(ctx, "")
	if err != nil || len(list) != 1 || list[0].ID != id {
		t.Fatalf("List = %+v, %v", list, err)
	}
}

func TestUpsertSkipsEmptyNewRecord(t *testing.T) {
	ctx := context.Background()
	f := newConversationFixture(t)

	res, err := f.svc.Upsert(ctx, "draft-1", models.ConversationPatch{Title: strPtr("A")}, "")
	if err != nil {
		t.Fatalf("Upsert: %v", err)
	}
	if res.Outcome != models.UpsertSkipped || res.Reason != SkipReasonNew || res.Conversation != nil {
		t.Fatalf("unexpected result %+v", res)
	}
	if _, err := f.svc.Get(ctx, "draft-1", ""); !errors.Is(err, ErrConversationNotFound) {
		t.Fatalf("skipped record must not exist: %v", err)
	}
}

func TestUpsertPrunesWhenEmptied(t *testing.T) {
	ctx := context.Background()
	f := newConversationFixture(t)

	c, err := f.svc.Create(ctx, CreateConversationInput{Title: "t", LastMessage: "m"})
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	empty := []models.ConversationMessage{}
	res, err := f.svc.Upsert(ctx, c.ID, models.ConversationPatch{Messages: &empty}, "")
	if err != nil || res.Outcome != models.UpsertSkipped || res.Reason != SkipReasonExisting {
		t.Fatalf("Upsert = %+v, %v", res, err)
	}
	if _, err := f.svc.Get(ctx, c.ID, ""); !errors.Is(err, ErrConversationNotFound) {
		t.Fatalf("pruned record still readable: %v", err)
	}
}

func TestListSkipsEmptyAndUnreadableAndSorts(t *testing.T) {
	ctx := context.Background()
	f := newConversationFixture(t)

	clock := newClock()
	f.svc.now = clock.Now
	_, _ = f.svc.Upsert(ctx, "older", models.ConversationPatch{Messages: msgs("one")}, "")
	clock.Advance(time.Minute)
	_, _ = f.svc.Upsert(ctx, "newer", models.ConversationPatch{Messages: msgs("two")}, "")

	// an empty draft left on disk by an older client
	if err := os.WriteFile(filepath.Join(f.dir, "draft.json"),
		[]byte(`{"id":"draft","title":"x","messages":[{"id":1,"content":"  "}],"pdf_file":null}`), 0o644); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(filepath.Join(f.dir, "broken.json"), []byte("{"), 0o644); err != nil {
		t.Fatal(err)
	}

	list, err := f.svc.List(ctx, "")
	if err != nil {
		t.Fatalf("List: %v", err)
	}
	if len(list) != 2 || list[0].ID != "newer" || list[1].ID != "older" {
		t.Fatalf("unexpected list: %+v", list)
	}
	if _, err := os.Stat(filepath.Join(f.dir, "draft.json")); err != nil {
		t.Fatal("listing must not delete empty drafts")
	}
}

func TestListNormalisesNumericMessageIDs(t *testing.T) {
	f := newConversationFixture(t)
	raw := `{"id":"legacy","title":"t","lastMessage":"","timestamp":"2024-05-01T10:00:00.123456",
		"messages":[{"id":1714557600000,"role":"user","content":"hi","timestamp":"x"}],"pdf_file":null}`
	if err := os.WriteFile(filepath.Join(f.dir, "legacy.json"), []byte(raw), 0o644); err != nil {
		t.Fatal(err)
	}
	c, err := f.svc.Get(context.Background(), "legacy", "")
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if c.Messages[0].ID != "1714557600000" {
		t.Fatalf("id = %q", c.Messages[0].ID)
	}
}

func TestOwnershipScoping(t *testing.T) {
	ctx := context.Background()
	f := newConversationFixture(t)
	_, _ = f.svc.Upsert(ctx, "mine", models.ConversationPatch{Messages: msgs("a")}, "user-1")
	_, _ = f.svc.Upsert(ctx, "theirs", models.ConversationPatch{Messages: msgs("b")}, "user-2")
	_, _ = f.svc.Upsert(ctx, "legacy", models.ConversationPatch{Messages: msgs("c")}, "")

	list, _ := f.svc.List(ctx, "user-1")
	ids := map[string]bool{}
	for _, c := range list {
		ids[c.ID] = true
	}
	if !ids["mine"] || !ids["legacy"] || ids["theirs"] {
		t.Fatalf("unexpected visibility: %v", ids)
	}
	if _, err := f.svc.Get(ctx, "theirs", "user-1"); !errors.Is(err, ErrConversationNotFound) {
		t.Fatalf("foreign record must look absent: %v", err)
	}
}

func TestMigrationHelpers(t *testing.T) {
	ctx := context.Background()
	f := newConversationFixture(t)
	_, _ = f.svc.Upsert(ctx, "a", models.ConversationPatch{Messages: msgs("x")}, "")
	_, _ = f.svc.Upsert(ctx, "b", models.ConversationPatch{Messages: msgs("y")}, "owner")

	n, err := f.svc.AssignOwner(ctx, "user-9")
	if err != nil || n != 1 {
		t.Fatalf("AssignOwner = %d, %v", n, err)
	}
	a, _ := f.svc.Get(ctx, "a", "")
	b, _ := f.svc.Get(ctx, "b", "")
	if a.UserID != "user-9" || b.UserID != "owner" {
		t.Fatalf("owners = %q, %q", a.UserID, b.UserID)
	}

	n, err = f.svc.PurgeAll(ctx)
	if err != nil || n != 2 {
		t.Fatalf("PurgeAll = %d, %v", n, err)
	}
}

func TestUpsertRejectsPathLikeIDs(t *testing.T) {
	f := newConversationFixture(t)
	_, err := f.svc.Upsert(context.Background(), "../escape", models.ConversationPatch{Messages: msgs("x")}, "")
	if !errors.Is(err, ErrInvalidConversationID) {
		t.Fatalf("got %v", err)
	}
}

func TestConcurrentUpsertsKeepValidJSON(t *testing.T) {
	ctx := context.Background()
	f := newConversationFixture(t)

	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			title := strings.Repeat("t", i+1)
			if _, err := f.svc.Upsert(ctx, "shared", models.ConversationPatch{Title: &title, Messages: msgs("m")}, ""); err != nil {
				t.Errorf("upsert %d: %v", i, err)
			}
		}(i)
	}
	wg.Wait()

	c, err := f.svc.Get(ctx, "shared", "")
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if len(c.Title) == 0 || len(c.Title) > 20 {
		t.Fatalf("unexpected title %q", c.Title)
	}
}

func TestUpsertIgnoresForeignPDFPath(t *testing.T) {
	ctx := context.Background()
	f := newConversationFixture(t)

	victim, err := f.svc.Create(ctx, CreateConversationInput{PDF: strings.NewReader("%PDF"), PDFName: "v.pdf"})
	if err != nil {
		t.Fatalf("Create: %v", err)
	}

	res, err := f.svc.Upsert(ctx, "intruder", models.ConversationPatch{Messages: msgs("hi"), PDFFile: victim.PDFFile}, "")
	if err != nil || res.Outcome != models.UpsertCreated {
		t.Fatalf("Upsert = %+v, %v", res, err)
	}
	if res.Conversation.PDFFile != nil {
		t.Fatalf("foreign pdf_file must be dropped, got %q", *res.Conversation.PDFFile)
	}

	// a record written by an older client that points at another upload
	raw := fmt.Sprintf(`{"id":"stale","title":"t","messages":[{"id":"1","content":"x"}],"pdf_file":%q}`, *victim.PDFFile)
	if err := os.WriteFile(filepath.Join(f.dir, "stale.json"), []byte(raw), 0o644); err != nil {
		t.Fatal(err)
	}
	if err := f.svc.Delete(ctx, "stale", ""); err != nil {
		t.Fatalf("Delete: %v", err)
	}
	if _, err := os.Stat(*victim.PDFFile); err != nil {
		t.Fatalf("another conversation's pdf was removed: %v", err)
	}
}

func TestUpsertKeepsOwnPDFPath(t *testing.T) {
	f := newConversationFixture(t)
	id := "with-pdf"
	loc := filepath.Join(f.uploadDir, id+".pdf")

	res, err := f.svc.Upsert(context.Background(), id, models.ConversationPatch{PDFFile: &loc}, "")
	if err != nil || res.Outcome != models.UpsertCreated {
		t.Fatalf("Upsert = %+v, %v", res, err)
	}
	if res.Conversation.PDFFile == nil || *res.Conversation.PDFFile != loc {
		t.Fatalf("own pdf_file lost: %+v", res.Conversation)
	}
}

func TestListBackfillsMissingID(t *testing.T) {
	f := newConversationFixture(t)
	raw := `{"title":"t","messages":[{"id":"1","role":"user","content":"hi"}],"pdf_file":null}`
	if err := os.WriteFile(filepath.Join(f.dir, "no-id.json"), []byte(raw), 0o644); err != nil {
		t.Fatal(err)
	}
	list, err := f.svc.List(context.Background(), "")
	if err != nil {
		t.Fatalf("List: %v", err)
	}
	if len(list) != 1 || list[0].ID != "no-id" {
		t.Fatalf("List = %+v", list)
	}
}
