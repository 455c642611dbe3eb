package handlers

import (
	"errors"
	"mime/multipart"
	"net/http"

	"github.com/go-chi/chi/v5"

	middleware "github.com/markdave123-py/docchat/internal/api/middlewares"
	"github.com/markdave123-py/docchat/internal/apperr"
	"github.com/markdave123-py/docchat/internal/logger"
	"github.com/markdave123-py/docchat/internal/models"
	"github.com/markdave123-py/docchat/internal/services"
)

type ConversationHandler struct {
	convs    *services.ConversationService
	maxBytes int64
	log      *logger.Logger
}

func NewConversationHandler(convs *services.ConversationService, maxUploadBytes int64, log *logger.Logger) *ConversationHandler {
	return &ConversationHandler{convs: convs, maxBytes: maxUploadBytes, log: log.With("handler", "ConversationHandler")}
}

// ownerOf is empty for anonymous requests, which see every record.
func ownerOf(r *http.Request) string {
	if u, ok := middleware.UserFrom(r.Context()); ok {
		return u.ID
	}
	return ""
}

func (h *ConversationHandler) List(w http.ResponseWriter, r *http.Request) {
	list, err := h.convs.List(r.Context(), ownerOf(r))
	if err != nil {
		detailError(w, r, h.log, err)
		return
	}
	if list == nil {
		list = []models.Conversation{}
	}
	writeJSON(w, http.StatusOK, list)
}

func (h *ConversationHandler) Get(w http.ResponseWriter, r *http.Request) {
	c, err := h.convs.Get(r.Context(), chi.URLParam(r, "id"), ownerOf(r))
	if err != nil {
		detailError(w, r, h.log, err)
		return
	}
	writeJSON(w, http.StatusOK, c)
}

// Create takes a multipart form with title, last_message and an optional pdf_file.
func (h *ConversationHandler) Create(w http.ResponseWriter, r *http.Request) {
	r.Body = http.MaxBytesReader(w, r.Body, h.maxBytes+(1<<20))
	if err := r.ParseMultipartForm(32 << 20); err != nil {
		detailError(w, r, h.log, formError(err))
		return
	}
	defer r.MultipartForm.RemoveAll()

	in := services.CreateConversationInput{
		Title:       r.FormValue("title"),
		LastMessage: r.FormValue("last_message"),
		OwnerID:     ownerOf(r),
	}
	file, header, err := r.FormFile("pdf_file")
	switch {
	case err == nil:
		defer file.Close()
		in.PDF = file
		in.PDFName = header.Filename
	case !errors.Is(err, http.ErrMissingFile):
		detailError(w, r, h.log, apperr.Validation("invalid pdf_file").Wrap(err))
		return
	}

	c, err := h.convs.Create(r.Context(), in)
	if err != nil {
		detailError(w, r, h.log, err)
		return
	}
	writeJSON(w, http.StatusOK, c)
}

// Upsert applies a JSON patch, creating the record when the id is new.
// A skipped write answers {detail: reason} with status 200.
func (h *ConversationHandler) Upsert(w http.ResponseWriter, r *http.Request) {
	var patch models.ConversationPatch
	if err := decodeJSON(w, r, &patch); err != nil {
		detailError(w, r, h.log, err)
		return
	}
	res, err := h.convs.Upsert(r.Context(), chi.URLParam(r, "id"), patch, ownerOf(r))
	if err != nil {
		detailError(w, r, h.log, err)
		return
	}
	if res.Outcome == models.UpsertSkipped {
		writeJSON(w, http.StatusOK, map[string]string{"detail": res.Reason})
		return
	}
	writeJSON(w, http.StatusOK, res.Conversation)
}

func (h *ConversationHandler) Delete(w http.ResponseWriter, r *http.Request) {
	if err := h.convs.Delete(r.Context(), chi.URLParam(r, "id"), ownerOf(r)); err != nil {
		detailError(w, r, h.log, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"message": "Conversation deleted successfully"})
}

func formError(err error) error {
	var tooBig *http.MaxBytesError
	if errors.As(err, &tooBig) || errors.Is(err, multipart.ErrMessageTooLarge) {
		return apperr.Validation("File too large").Wrap(err)
	}
	return apperr.Validation("invalid multipart form").Wrap(err)
}
