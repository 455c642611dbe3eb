package handlers

import (
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"

	middleware "github.com/markdave123-py/docchat/internal/api/middlewares"
	"github.com/markdave123-py/docchat/internal/apperr"
	"github.com/markdave123-py/docchat/internal/logger"
	"github.com/markdave123-py/docchat/internal/services"
)

type AuthHandler struct {
	auth *services.AuthService
	log  *logger.Logger
}

func NewAuthHandler(auth *services.AuthService, log *logger.Logger) *AuthHandler {
	return &AuthHandler{auth: auth, log: log.With("handler", "AuthHandler")}
}

type registerRequest struct {
	Email    string `json:"email"`
	Password string `json:"password"`
	FullName string `json:"fullName"`
}

type credentialsRequest struct {
	Email    string `json:"email"`
	Password string `json:"password"`
}

type resetRequest struct {
	Token    string `json:"token"`
	Password string `json:"password"`
}

func (h *AuthHandler) Register(w http.ResponseWriter, r *http.Request) {
	var req registerRequest
	if err := decodeJSON(w, r, &req); err != nil {
		authError(w, r, h.log, err)
		return
	}
	if strings.TrimSpace(req.Email) == "" || req.Password == "" {
		authError(w, r, h.log, apperr.Validation("Missing required fields"))
		return
	}

	res, err := h.auth.Register(r.Context(), services.RegisterInput{
		Email:    req.Email,
		Password: req.Password,
		FullName: req.FullName,
	})
	if err != nil {
		authError(w, r, h.log, err)
		return
	}
	writeJSON(w, http.StatusCreated, map[string]any{
		"success": true,
		"message": "User registered successfully",
		"token":   res.Token,
		"user":    res.User,
	})
}

func (h *AuthHandler) Login(w http.ResponseWriter, r *http.Request) {
	var req credentialsRequest
	if err := decodeJSON(w, r, &req); err != nil {
		authError(w, r, h.log, err)
		return
	}
	if strings.TrimSpace(req.Email) == "" || req.Password == "" {
		authError(w, r, h.log, apperr.Validation("Missing email or password"))
		return
	}

	res, err := h.auth.Login(r.Context(), req.Email, req.Password)
	if err != nil {
		authError(w, r, h.log, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"success": true,
		"message": "Login successful",
		"token":   res.Token,
		"user":    res.User,
	})
}

// ForgotPassword answers identically for known and unknown addresses.
func (h *AuthHandler) ForgotPassword(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Email string `json:"email"`
	}
	if err := decodeJSON(w, r, &req); err != nil {
		authError(w, r, h.log, err)
		return
	}
	if strings.TrimSpace(req.Email) == "" {
		authError(w, r, h.log, apperr.Validation("Email is required"))
		return
	}
	if err := h.auth.RequestPasswordReset(r.Context(), req.Email); err != nil {
		authError(w, r, h.log, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"success": true, "message": services.ForgotPasswordMessage})
}

func (h *AuthHandler) ResetPassword(w http.ResponseWriter, r *http.Request) {
	var req resetRequest
	if err := decodeJSON(w, r, &req); err != nil {
		authError(w, r, h.log, err)
		return
	}
	if req.Token == "" || req.Password == "" {
		authError(w, r, h.log, apperr.Validation("Token and new password are required"))
		return
	}
	if err := h.auth.ResetPassword(r.Context(), req.Token, req.Password); err != nil {
		authError(w, r, h.log, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"success": true, "message": "Password has been reset successfully"})
}

func (h *AuthHandler) Me(w http.ResponseWriter, r *http.Request) {
	user, ok := middleware.UserFrom(r.Context())
	if !ok {
		authError(w, r, h.log, apperr.Authentication(services.MsgUnauthorized))
		return
	}
	view, err := h.auth.Me(r.Context(), user.ID)
	if err != nil {
		authError(w, r, h.log, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"success": true, "user": view})
}

// RoleProbe answers role-guarded test routes.
func (h *AuthHandler) RoleProbe(message string) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		user, _ := middleware.UserFrom(r.Context())
		writeJSON(w, http.StatusOK, map[string]any{"success": true, "message": message, "user_id": user.ID})
	}
}

func (h *AuthHandler) DeleteUser(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if err := h.auth.DeleteUser(r.Context(), id); err != nil {
		authError(w, r, h.log, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"success": true, "message": "User deleted"})
}
