package models

import (
	"time"
)

// User represents an authenticated user of the system.
type User struct {
	ID           string    `db:"id" json:"id"`
	Email        string    `db:"email" json:"email"`
	PasswordHash string    `db:"password_hash" json:"-"`
	RoleID       int64     `db:"role_id" json:"role_id"`
	CreatedAt    time.Time `db:"created_at" json:"created_at"`
	UpdatedAt    time.Time `db:"updated_at" json:"updated_at"`
}

// Role groups permissions. Users hold exactly one role.
type Role struct {
	ID   int64  `db:"id" json:"id"`
	Name string `db:"name" json:"name"`
}

// Permission is granted to roles only.
type Permission struct {
	ID   int64  `db:"id" json:"id"`
	Name string `db:"name" json:"name"`
}

// Profile is the 1:1 extension of User.
type Profile struct {
	UserID    string  `db:"user_id" json:"user_id"`
	FullName  string  `db:"full_name" json:"full_name"`
	AvatarURL *string `db:"avatar_url" json:"avatar_url"`
	Bio       *string `db:"bio" json:"bio"`
}

// ResetToken is a single-use password reset secret. One per user.
type ResetToken struct {
	ID        int64     `db:"id" json:"-"`
	UserID    string    `db:"user_id" json:"-"`
	Token     string    `db:"token" json:"-"`
	ExpiresAt time.Time `db:"expires_at" json:"expires_at"`
	CreatedAt time.Time `db:"created_at" json:"created_at"`
}

// Expired reports whether the token can no longer be used at now.
func (t *ResetToken) Expired(now time.Time) bool {
	return !now.Before(t.ExpiresAt)
}

// Document statuses.
const (
	DocumentProcessing = "processing"
	DocumentReady      = "ready"
	DocumentFailed     = "failed"
)

// Document is the relational record of an uploaded file.
type Document struct {
	ID         string    `db:"id" json:"id"`
	UserID     string    `db:"user_id" json:"user_id"`
	Filename   string    `db:"filename" json:"filename"`
	StoredName string    `db:"stored_name" json:"stored_name"`
	Filetype   string    `db:"filetype" json:"filetype"`
	SizeBytes  int64     `db:"size_bytes" json:"size_bytes"`
	Status     string    `db:"status" json:"status"`
	UploadedAt time.Time `db:"uploaded_at" json:"uploaded_at"`
}

// FileChunk represents one text chunk from a document.
type FileChunk struct {
	ID         int64     `db:"id" json:"id"`
	DocumentID string    `db:"document_id" json:"document_id"`
	Position   int       `db:"position" json:"position"`
	Text       string    `db:"text" json:"text"`
	TokenCount int       `db:"token_count" json:"token_count"`
	Embedding  []float32 `db:"embedding" json:"embedding,omitempty"` // pgvector column, nil when not embedded
	CreatedAt  time.Time `db:"created_at" json:"created_at"`
}
