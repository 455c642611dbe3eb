package services

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"mime"
	"os"
	"path"
	"path/filepath"
	"regexp"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/markdave123-py/docchat/internal/apperr"
	objectclient "github.com/markdave123-py/docchat/internal/core/object-client"
	"github.com/markdave123-py/docchat/internal/logger"
	"github.com/markdave123-py/docchat/internal/models"
)

const (
	SkipReasonNew      = "Skipping empty conversation"
	SkipReasonExisting = "Conversation is empty, not saving"
)

var (
	ErrConversationNotFound  = apperr.NotFound("Conversation not found")
	ErrEmptyConversation     = apperr.Validation("Cannot create empty conversation without PDF")
	ErrInvalidConversationID = apperr.Validation("invalid conversation id")
)

var idPattern = regexp.MustCompile(`^[A-Za-z0-9_-]{1,128}$`)

// keyedMutex hands out one mutex per key and forgets it once unused.
type keyedMutex struct {
	mu    sync.Mutex
	locks map[string]*keyedEntry
}

type keyedEntry struct {
	mu   sync.Mutex
	refs int
}

func (k *keyedMutex) Lock(key string) func() {
	k.mu.Lock()
	if k.locks == nil {
		k.locks = map[string]*keyedEntry{}
	}
	e, ok := k.locks[key]
	if !ok {
		e = &keyedEntry{}
		k.locks[key] = e
	}
	e.refs++
	k.mu.Unlock()

	e.mu.Lock()
	return func() {
		e.mu.Unlock()
		k.mu.Lock()
		e.refs--
		if e.refs == 0 {
			delete(k.locks, key)
		}
		k.mu.Unlock()
	}
}

// CreateConversationInput is the payload of an explicit create. PDF is optional.
type CreateConversationInput struct {
	Title       string
	LastMessage string
	PDF         io.Reader
	PDFName     string
	OwnerID     string
}

// ConversationService persists one JSON file per conversation.
type ConversationService struct {
	dir     string
	objects objectclient.ObjectClient
	log     *logger.Logger
	locks   keyedMutex
	now     func() time.Time
}

func NewConversationService(dir string, objects objectclient.ObjectClient, log *logger.Logger) (*ConversationService, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create conversation dir: %w", err)
	}
	return &ConversationService{
		dir:     dir,
		objects: objects,
		log:     log.With("service", "ConversationService"),
		now:     time.Now,
	}, nil
}

func (s *ConversationService) pathFor(id string) string {
	return filepath.Join(s.dir, id+".json")
}

func (s *ConversationService) timestamp() string {
	return s.now().UTC().Format(time.RFC3339Nano)
}

// List returns every non-prunable conversation visible to ownerID, newest first.
// An empty ownerID sees everything. Prunable records stay on disk.
func (s *ConversationService) List(ctx context.Context, ownerID string) ([]models.Conversation, error) {
	paths, err := filepath.Glob(filepath.Join(s.dir, "*.json"))
	if err != nil {
		return nil, apperr.Storage(err)
	}
	out := make([]models.Conversation, 0, len(paths))
	for _, p := range paths {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		c, err := readConversation(p)
		if err != nil {
			s.log.Warn("skipping unreadable conversation", "file", filepath.Base(p), "error", err)
			continue
		}
		if c.ID == "" {
			c.ID = strings.TrimSuffix(filepath.Base(p), ".json")
		}
		if c.Prunable() || !visibleTo(c, ownerID) {
			continue
		}
		out = append(out, *c)
	}
	sortNewestFirst(out)
	return out, nil
}

func visibleTo(c *models.Conversation, ownerID string) bool {
	return ownerID == "" || c.UserID == "" || c.UserID == ownerID
}

// Get loads one conversation.
func (s *ConversationService) Get(_ context.Context, id, ownerID string) (*models.Conversation, error) {
	if !idPattern.MatchString(id) {
		return nil, ErrConversationNotFound
	}
	c, err := s.load(id)
	if err != nil {
		return nil, err
	}
	if !visibleTo(c, ownerID) {
		return nil, ErrConversationNotFound
	}
	return c, nil
}

func (s *ConversationService) load(id string) (*models.Conversation, error) {
	c, err := readConversation(s.pathFor(id))
	if errors.Is(err, fs.ErrNotExist) {
		return nil, ErrConversationNotFound
	}
	if err != nil {
		return nil, apperr.Storage(err)
	}
	if c.ID == "" {
		c.ID = id
	}
	return c, nil
}

// Create stores a new conversation, with its PDF when one is supplied.
func (s *ConversationService) Create(ctx context.Context, in CreateConversationInput) (*models.Conversation, error) {
	if in.PDF == nil && strings.TrimSpace(in.Title) == "" && strings.TrimSpace(in.LastMessage) == "" {
		return nil, ErrEmptyConversation
	}
	c := &models.Conversation{
		ID:          uuid.NewString(),
		Title:       in.Title,
		LastMessage: in.LastMessage,
		Timestamp:   s.timestamp(),
		Messages:    []models.ConversationMessage{},
		UserID:      in.OwnerID,
	}
	unlock := s.locks.Lock(c.ID)
	defer unlock()

	if in.PDF != nil {
		ext := strings.ToLower(filepath.Ext(in.PDFName))
		loc, err := s.objects.Put(ctx, c.ID+ext, in.PDF, mime.TypeByExtension(ext))
		if err != nil {
			return nil, apperr.Storage(fmt.Errorf("store conversation pdf: %w", err))
		}
		c.PDFFile = &loc
	}
	if err := s.write(c); err != nil {
		return nil, err
	}
	s.log.Info("conversation created", "conversation_id", c.ID, "owner_id", in.OwnerID)
	return c, nil
}

// Upsert applies patch to the conversation id, synthesising it when absent.
// A result with nothing worth keeping is not written, and an existing file is removed.
func (s *ConversationService) Upsert(_ context.Context, id string, patch models.ConversationPatch, ownerID string) (*models.UpsertResult, error) {
	if !idPattern.MatchString(id) {
		return nil, ErrInvalidConversationID
	}
	unlock := s.locks.Lock(id)
	defer unlock()

	existing, err := s.load(id)
	switch {
	case errors.Is(err, ErrConversationNotFound):
		existing = nil
	case err != nil:
		return nil, err
	case !visibleTo(existing, ownerID):
		return nil, ErrConversationNotFound
	}

	c := existing
	if c == nil {
		c = &models.Conversation{
			ID:        id,
			Title:     fmt.Sprintf("Conversation %s", id),
			Timestamp: s.timestamp(),
			Messages:  []models.ConversationMessage{},
			PDFFile:   s.ownPDF(id, patch.PDFFile),
			UserID:    ownerID,
		}
	}
	patch.Apply(c)
	if c.Messages == nil {
		c.Messages = []models.ConversationMessage{}
	}

	if c.Prunable() {
		if existing == nil {
			return &models.UpsertResult{Outcome: models.UpsertSkipped, Reason: SkipReasonNew}, nil
		}
		if err := os.Remove(s.pathFor(id)); err != nil && !errors.Is(err, fs.ErrNotExist) {
			return nil, apperr.Storage(err)
		}
		s.log.Info("empty conversation pruned", "conversation_id", id)
		return &models.UpsertResult{Outcome: models.UpsertSkipped, Reason: SkipReasonExisting}, nil
	}

	if err := s.write(c); err != nil {
		return nil, err
	}
	outcome := models.UpsertUpdated
	if existing == nil {
		outcome = models.UpsertCreated
	}
	return &models.UpsertResult{Outcome: outcome, Conversation: c}, nil
}

// attachedName returns the stored object name of a PDF that belongs to the
// conversation id, i.e. one named <id><ext>.
func attachedName(id string, loc *string) (string, bool) {
	if loc == nil || *loc == "" {
		return "", false
	}
	name := path.Base(filepath.ToSlash(*loc))
	if strings.TrimSuffix(name, path.Ext(name)) != id {
		return "", false
	}
	return name, true
}

// ownPDF keeps a client supplied pdf_file only when it is this conversation's own upload.
func (s *ConversationService) ownPDF(id string, loc *string) *string {
	name, ok := attachedName(id, loc)
	if !ok || *loc != s.objects.Location(name) {
		return nil
	}
	v := *loc
	return &v
}

// Delete removes the record and, best effort, its PDF.
func (s *ConversationService) Delete(ctx context.Context, id, ownerID string) error {
	if !idPattern.MatchString(id) {
		return ErrConversationNotFound
	}
	unlock := s.locks.Lock(id)
	defer unlock()

	c, err := s.load(id)
	if err != nil {
		return err
	}
	if !visibleTo(c, ownerID) {
		return ErrConversationNotFound
	}
	if name, ok := attachedName(id, c.PDFFile); ok {
		if err := s.objects.Delete(ctx, name); err != nil && !errors.Is(err, objectclient.ErrObjectNotFound) {
			s.log.Warn("attached pdf not removed", "conversation_id", id, "error", err)
		}
	}
	if err := os.Remove(s.pathFor(id)); err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return ErrConversationNotFound
		}
		return apperr.Storage(err)
	}
	s.log.Info("conversation deleted", "conversation_id", id)
	return nil
}

// AssignOwner stamps userID on every record that has no owner yet.
func (s *ConversationService) AssignOwner(ctx context.Context, userID string) (int, error) {
	if strings.TrimSpace(userID) == "" {
		return 0, apperr.Validation("user id is required")
	}
	paths, err := filepath.Glob(filepath.Join(s.dir, "*.json"))
	if err != nil {
		return 0, apperr.Storage(err)
	}
	migrated := 0
	for _, p := range paths {
		if err := ctx.Err(); err != nil {
			return migrated, err
		}
		id := strings.TrimSuffix(filepath.Base(p), ".json")
		n, err := s.assignOne(id, p, userID)
		if err != nil {
			s.log.Error("conversation not migrated", "file", filepath.Base(p), "error", err)
			continue
		}
		migrated += n
	}
	return migrated, nil
}

func (s *ConversationService) assignOne(id, p, userID string) (int, error) {
	unlock := s.locks.Lock(id)
	defer unlock()

	c, err := readConversation(p)
	if err != nil {
		return 0, err
	}
	if c.UserID != "" {
		return 0, nil
	}
	c.UserID = userID
	if c.ID == "" {
		c.ID = id
	}
	if err := s.write(c); err != nil {
		return 0, err
	}
	return 1, nil
}

// PurgeAll deletes every conversation record. Attached PDFs are left alone.
func (s *ConversationService) PurgeAll(ctx context.Context) (int, error) {
	paths, err := filepath.Glob(filepath.Join(s.dir, "*.json"))
	if err != nil {
		return 0, apperr.Storage(err)
	}
	deleted := 0
	for _, p := range paths {
		if err := ctx.Err(); err != nil {
			return deleted, err
		}
		if err := os.Remove(p); err != nil {
			s.log.Error("conversation not deleted", "file", filepath.Base(p), "error", err)
			continue
		}
		deleted++
	}
	return deleted, nil
}

// write replaces the record atomically via a temp file in the same directory.
func (s *ConversationService) write(c *models.Conversation) error {
	data, err := json.Marshal(c)
	if err != nil {
		return apperr.Storage(fmt.Errorf("encode conversation: %w", err))
	}
	tmp, err := os.CreateTemp(s.dir, ".conversation-*.tmp")
	if err != nil {
		return apperr.Storage(err)
	}
	defer os.Remove(tmp.Name())

	if _, err := tmp.Write(data); err != nil {
		_ = tmp.Close()
		return apperr.Storage(err)
	}
	if err := tmp.Close(); err != nil {
		return apperr.Storage(err)
	}
	if err := os.Rename(tmp.Name(), s.pathFor(c.ID)); err != nil {
		return apperr.Storage(err)
	}
	return nil
}

func readConversation(p string) (*models.Conversation, error) {
	data, err := os.ReadFile(p)
	if err != nil {
		return nil, err
	}
	var c models.Conversation
	if err := json.Unmarshal(data, &c); err != nil {
		return nil, fmt.Errorf("decode %s: %w", filepath.Base(p), err)
	}
	if c.Messages == nil {
		c.Messages = []models.ConversationMessage{}
	}
	return &c, nil
}

var timestampLayouts = []string{
	time.RFC3339Nano,
	"2006-01-02T15:04:05.999999999",
	"2006-01-02 15:04:05.999999999",
}

func parseTimestamp(v string) time.Time {
	for _, layout := range timestampLayouts {
		if t, err := time.Parse(layout, v); err == nil {
			return t
		}
	}
	return time.Time{}
}

func sortNewestFirst(cs []models.Conversation) {
	sort.SliceStable(cs, func(i, j int) bool {
		ti, tj := parseTimestamp(cs[i].Timestamp), parseTimestamp(cs[j].Timestamp)
		if !ti.Equal(tj) {
			return ti.After(tj)
		}
		return cs[i].ID < cs[j].ID
	})
}
