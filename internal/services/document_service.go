package services

import (
	"context"
	"errors"
	"fmt"
	"io"
	"mime"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/markdave123-py/docchat/internal/apperr"
	db "github.com/markdave123-py/docchat/internal/core/database"
	objectclient "github.com/markdave123-py/docchat/internal/core/object-client"
	"github.com/markdave123-py/docchat/internal/logger"
	"github.com/markdave123-py/docchat/internal/models"
)

var ErrDocumentNotFound = apperr.NotFound("Document not found")

// IngestQueue accepts uploaded documents for background processing.
type IngestQueue interface {
	Enqueue(docID string) bool
}

type UploadInput struct {
	Reader   io.Reader
	Filename string
	OwnerID  string
}

// UploadResult is returned to the uploader.
type UploadResult struct {
	ID             string `json:"id"`
	Filename       string `json:"filename"`
	StoredFilename string `json:"stored_filename"`
	Path           string `json:"path"`
}

// countingReader tracks how many bytes were streamed to storage.
type countingReader struct {
	r io.Reader
	n int64
}

func (c *countingReader) Read(p []byte) (int, error) {
	n, err := c.r.Read(p)
	c.n += int64(n)
	return n, err
}

type DocumentService struct {
	db          db.DbClient
	storage     objectclient.ObjectClient
	queue       IngestQueue
	log         *logger.Logger
	allowed     map[string]bool
	unsupported *apperr.Error
}

// NewDocumentService wires the blob store. dbc and queue may be nil, in which
// case uploads are stored without metadata or ingestion.
func NewDocumentService(
	dbc db.DbClient,
	storage objectclient.ObjectClient,
	queue IngestQueue,
	log *logger.Logger,
	allowedExtensions []string,
) *DocumentService {
	allowed := make(map[string]bool, len(allowedExtensions))
	for _, e := range allowedExtensions {
		allowed[strings.ToLower(e)] = true
	}
	msg := "Only PDF files are allowed"
	if len(allowed) != 1 || !allowed[".pdf"] {
		msg = "Unsupported file type, allowed: " + strings.Join(allowedExtensions, ", ")
	}
	return &DocumentService{
		db:          dbc,
		storage:     storage,
		queue:       queue,
		log:         log.With("service", "DocumentService"),
		allowed:     allowed,
		unsupported: apperr.Validation(msg),
	}
}

// IsUnsupportedType reports whether err is an upload type rejection.
func (s *DocumentService) IsUnsupportedType(err error) bool {
	return errors.Is(err, s.unsupported)
}

// Upload stores the bytes verbatim as <uuid><ext>.
func (s *DocumentService) Upload(ctx context.Context, in UploadInput) (*UploadResult, error) {
	ext := filepath.Ext(in.Filename)
	if !s.allowed[strings.ToLower(ext)] {
		return nil, s.unsupported
	}

	id := uuid.NewString()
	stored := id + ext
	body := &countingReader{r: in.Reader}
	loc, err := s.storage.Put(ctx, stored, body, mime.TypeByExtension(strings.ToLower(ext)))
	if err != nil {
		return nil, apperr.Storage(fmt.Errorf("store document: %w", err))
	}
	s.log.Info("document stored", "document_id", id, "bytes", body.n)

	if in.OwnerID != "" && s.db != nil {
		s.recordMetadata(ctx, &models.Document{
			ID:         id,
			UserID:     in.OwnerID,
			Filename:   in.Filename,
			StoredName: stored,
			Filetype:   strings.TrimPrefix(strings.ToLower(ext), "."),
			SizeBytes:  body.n,
			Status:     models.DocumentProcessing,
			UploadedAt: time.Now().UTC(),
		})
	}

	return &UploadResult{ID: id, Filename: in.Filename, StoredFilename: stored, Path: loc}, nil
}

// recordMetadata never fails the upload; the blob is already stored.
func (s *DocumentService) recordMetadata(ctx context.Context, doc *models.Document) {
	if err := s.db.CreateDocument(ctx, doc); err != nil {
		s.log.Error("document metadata not recorded", "document_id", doc.ID, "owner_id", doc.UserID, "error", err)
		return
	}
	if s.queue != nil && !s.queue.Enqueue(doc.ID) {
		s.log.Warn("ingestion queue full, document left in processing", "document_id", doc.ID)
	}
}

// Fetch returns the stored name and content of document id.
func (s *DocumentService) Fetch(ctx context.Context, id string) (string, io.ReadCloser, error) {
	name, err := s.find(ctx, id)
	if err != nil {
		return "", nil, err
	}
	rc, err := s.storage.Open(ctx, name)
	if errors.Is(err, objectclient.ErrObjectNotFound) {
		return "", nil, ErrDocumentNotFound
	}
	if err != nil {
		return "", nil, apperr.Storage(err)
	}
	return name, rc, nil
}

// Delete removes the blob and, when present, its metadata row and chunks.
func (s *DocumentService) Delete(ctx context.Context, id string) error {
	name, err := s.find(ctx, id)
	if err != nil {
		return err
	}
	if err := s.storage.Delete(ctx, name); err != nil {
		if errors.Is(err, objectclient.ErrObjectNotFound) {
			return ErrDocumentNotFound
		}
		return apperr.Storage(err)
	}
	if s.db != nil {
		if err := s.db.DeleteDocument(ctx, id); err != nil && !errors.Is(err, db.ErrNotFound) {
			s.log.Error("document metadata not removed", "document_id", id, "error", err)
		}
	}
	s.log.Info("document deleted", "document_id", id)
	return nil
}

// List returns the metadata of documents uploaded by ownerID.
func (s *DocumentService) List(ctx context.Context, ownerID string) ([]models.Document, error) {
	if s.db == nil {
		return []models.Document{}, nil
	}
	docs, err := s.db.ListDocumentsByUser(ctx, ownerID)
	if err != nil {
		return nil, apperr.Storage(err)
	}
	if docs == nil {
		docs = []models.Document{}
	}
	return docs, nil
}

func (s *DocumentService) find(ctx context.Context, id string) (string, error) {
	if !idPattern.MatchString(id) {
		return "", ErrDocumentNotFound
	}
	name, err := s.storage.FindByPrefix(ctx, id+".")
	if errors.Is(err, objectclient.ErrObjectNotFound) {
		return "", ErrDocumentNotFound
	}
	if err != nil {
		return "", apperr.Storage(err)
	}
	return name, nil
}
