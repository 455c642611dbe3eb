package db

import (
	"context"
	"errors"
	"time"

	"github.com/markdave123-py/docchat/internal/models"
)

var (
	// ErrNotFound is returned by single-row lookups that match nothing.
	ErrNotFound = errors.New("record not found")
	// ErrDuplicate is returned when a unique constraint rejects a write.
	ErrDuplicate = errors.New("duplicate record")
)

// DbClient defines all persistence operations the services need.
// It abstracts Postgres/pgvector so higher layers never depend on a specific DB.
// Methods that touch more than one row run inside a single transaction.
type DbClient interface {
	// CreateUserWithProfile inserts the user and its profile atomically.
	CreateUserWithProfile(ctx context.Context, user *models.User, profile *models.Profile) error
	GetUserByEmail(ctx context.Context, email string) (*models.User, error)
	GetUserByID(ctx context.Context, id string) (*models.User, error)
	GetProfile(ctx context.Context, userID string) (*models.Profile, error)
	DeleteUser(ctx context.Context, id string) error

	GetRoleByID(ctx context.Context, id int64) (*models.Role, error)
	GetRoleByName(ctx context.Context, name string) (*models.Role, error)
	ListRolePermissions(ctx context.Context, roleID int64) ([]models.Permission, error)

	// ReplaceResetToken removes any token held by tok.UserID and stores tok.
	ReplaceResetToken(ctx context.Context, tok *models.ResetToken) error
	GetResetToken(ctx context.Context, token string) (*models.ResetToken, error)
	DeleteResetToken(ctx context.Context, id int64) error
	// ResetPassword stores the new hash and deletes the consumed token atomically.
	ResetPassword(ctx context.Context, userID, passwordHash string, tokenID int64, at time.Time) error

	CreateDocument(ctx context.Context, doc *models.Document) error
	GetDocumentByID(ctx context.Context, id string) (*models.Document, error)
	ListDocumentsByUser(ctx context.Context, userID string) ([]models.Document, error)
	UpdateDocumentStatus(ctx context.Context, id string, status string) error
	DeleteDocument(ctx context.Context, id string) error
	InsertFileChunks(ctx context.Context, chunks []models.FileChunk) error

	Close() error
}
