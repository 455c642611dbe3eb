package handlers

import (
	"io"
	"mime"
	"net/http"
	"path/filepath"
	"strings"

	"github.com/go-chi/chi/v5"

	middleware "github.com/markdave123-py/docchat/internal/api/middlewares"
	"github.com/markdave123-py/docchat/internal/apperr"
	"github.com/markdave123-py/docchat/internal/logger"
	"github.com/markdave123-py/docchat/internal/models"
	"github.com/markdave123-py/docchat/internal/services"
)

type DocumentHandler struct {
	docs     *services.DocumentService
	maxBytes int64
	log      *logger.Logger
}

func NewDocumentHandler(docs *services.DocumentService, maxUploadBytes int64, log *logger.Logger) *DocumentHandler {
	return &DocumentHandler{docs: docs, maxBytes: maxUploadBytes, log: log.With("handler", "DocumentHandler")}
}

// UploadDocument stores the multipart "file" part verbatim.
func (h *DocumentHandler) UploadDocument(w http.ResponseWriter, r *http.Request) {
	r.Body = http.MaxBytesReader(w, r.Body, h.maxBytes+(1<<20))
	if err := r.ParseMultipartForm(32 << 20); err != nil {
		detailError(w, r, h.log, formError(err))
		return
	}
	defer r.MultipartForm.RemoveAll()

	file, header, err := r.FormFile("file")
	if err != nil {
		detailError(w, r, h.log, apperr.Validation("file is required").Wrap(err))
		return
	}
	defer file.Close()

	res, err := h.docs.Upload(r.Context(), services.UploadInput{
		Reader:   file,
		Filename: filepath.Base(header.Filename),
		OwnerID:  ownerOf(r),
	})
	if err != nil {
		detailError(w, r, h.log, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

// GetDocuments lists the relational records of the caller's uploads.
func (h *DocumentHandler) GetDocuments(w http.ResponseWriter, r *http.Request) {
	user, ok := middleware.UserFrom(r.Context())
	if !ok {
		detailError(w, r, h.log, apperr.Authentication(services.MsgUnauthorized))
		return
	}
	docs, err := h.docs.List(r.Context(), user.ID)
	if err != nil {
		detailError(w, r, h.log, err)
		return
	}
	if docs == nil {
		docs = []models.Document{}
	}
	writeJSON(w, http.StatusOK, docs)
}

// GetDocument streams the stored bytes as an attachment.
func (h *DocumentHandler) GetDocument(w http.ResponseWriter, r *http.Request) {
	name, rc, err := h.docs.Fetch(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		detailError(w, r, h.log, err)
		return
	}
	defer rc.Close()

	ct := mime.TypeByExtension(strings.ToLower(filepath.Ext(name)))
	if ct == "" {
		ct = "application/octet-stream"
	}
	w.Header().Set("Content-Type", ct)
	w.Header().Set("Content-Disposition", mime.FormatMediaType("attachment", map[string]string{"filename": name}))
	w.WriteHeader(http.StatusOK)
	if _, err := io.Copy(w, rc); err != nil {
		h.log.Warn("document stream interrupted", "stored_name", name, "error", err)
	}
}

func (h *DocumentHandler) DeleteDocument(w http.ResponseWriter, r *http.Request) {
	if err := h.docs.Delete(r.Context(), chi.URLParam(r, "id")); err != nil {
		detailError(w, r, h.log, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"message": "Document deleted successfully"})
}
