package db

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"net/url"
	"os"
	"time"

	"github.com/jackc/pgx/v5/pgconn"
	"github.com/pgvector/pgvector-go"

	_ "github.com/jackc/pgx/v5/stdlib"

	"github.com/markdave123-py/docchat/internal/config"
	"github.com/markdave123-py/docchat/internal/models"
)

const uniqueViolation = "23505"

type DatabaseClient struct {
	db *sql.DB
}

var _ DbClient = (*DatabaseClient)(nil)

func NewDatabaseClient(ctx context.Context, cfg *config.Config) (*DatabaseClient, error) {
	if cfg == nil {
		return nil, fmt.Errorf("database client configuration is nil")
	}
	dsn, err := buildDSN(cfg)
	if err != nil {
		return nil, err
	}

	db, err := sql.Open("pgx", dsn)
	if err != nil {
		return nil, fmt.Errorf("open db: %w", err)
	}

	db.SetMaxOpenConns(20)
	db.SetMaxIdleConns(10)
	db.SetConnMaxLifetime(30 * time.Minute)
	db.SetConnMaxIdleTime(10 * time.Minute)

	pingCtx, cancel := context.WithTimeout(ctx, 30*time.Second)
	defer cancel()
	if err := db.PingContext(pingCtx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ping db: %w", err)
	}

	if err := EnsureBootstrapped(ctx, db); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("bootstrap: %w", err)
	}

	return &DatabaseClient{db: db}, nil
}

// buildDSN appends certificate verification to DATABASE_URL when SSL_CERT_PATH is set.
func buildDSN(cfg *config.Config) (string, error) {
	if cfg.DatabaseURL == "" {
		return "", fmt.Errorf("DATABASE_URL is empty")
	}
	if cfg.SslCertPath == "" {
		return cfg.DatabaseURL, nil
	}
	if _, err := os.Stat(cfg.SslCertPath); err != nil {
		return "", fmt.Errorf("ssl cert not accessible at %q: %w", cfg.SslCertPath, err)
	}
	u, err := url.Parse(cfg.DatabaseURL)
	if err != nil {
		return "", fmt.Errorf("invalid DATABASE_URL: %w", err)
	}
	q := u.Query()
	q.Set("sslmode", "verify-ca")
	q.Set("sslrootcert", cfg.SslCertPath)
	u.RawQuery = q.Encode()
	return u.String(), nil
}

func (c *DatabaseClient) Close() error {
	if c.db != nil {
		return c.db.Close()
	}
	return nil
}

// withTx runs fn in a transaction and rolls back on any error.
func (c *DatabaseClient) withTx(ctx context.Context, fn func(tx *sql.Tx) error) error {
	tx, err := c.db.BeginTx(ctx, &sql.TxOptions{})
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	if err := fn(tx); err != nil {
		_ = tx.Rollback()
		return err
	}
	return tx.Commit()
}

func translate(err error) error {
	if errors.Is(err, sql.ErrNoRows) {
		return ErrNotFound
	}
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) && pgErr.Code == uniqueViolation {
		return fmt.Errorf("%w: %s", ErrDuplicate, pgErr.ConstraintName)
	}
	return err
}

// Users

func (c *DatabaseClient) CreateUserWithProfile(ctx context.Context, user *models.User, profile *models.Profile) error {
	if user == nil || profile == nil {
		return errors.New("nil user or profile")
	}
	return c.withTx(ctx, func(tx *sql.Tx) error {
		const qUser = `
			INSERT INTO rag_app.users (id, email, password_hash, role_id, created_at, updated_at)
			VALUES ($1, $2, $3, $4, $5, $6)
		`
		if _, err := tx.ExecContext(ctx, qUser,
			user.ID, user.Email, user.PasswordHash, user.RoleID, user.CreatedAt, user.UpdatedAt,
		); err != nil {
			return translate(err)
		}
		const qProfile = `
			INSERT INTO rag_app.profiles (user_id, full_name, avatar_url, bio)
			VALUES ($1, $2, $3, $4)
		`
		if _, err := tx.ExecContext(ctx, qProfile,
			user.ID, profile.FullName, profile.AvatarURL, profile.Bio,
		); err != nil {
			return translate(err)
		}
		return nil
	})
}

func (c *DatabaseClient) GetUserByEmail(ctx context.Context, email string) (*models.User, error) {
	const q = `
		SELECT id, email, password_hash, role_id, created_at, updated_at
		FROM rag_app.users WHERE email = $1
	`
	return c.scanUser(c.db.QueryRowContext(ctx, q, email))
}

func (c *DatabaseClient) GetUserByID(ctx context.Context, id string) (*models.User, error) {
	const q = `
		SELECT id, email, password_hash, role_id, created_at, updated_at
		FROM rag_app.users WHERE id = $1
	`
	return c.scanUser(c.db.QueryRowContext(ctx, q, id))
}

func (c *DatabaseClient) scanUser(row *sql.Row) (*models.User, error) {
	var u models.User
	if err := row.Scan(&u.ID, &u.Email, &u.PasswordHash, &u.RoleID, &u.CreatedAt, &u.UpdatedAt); err != nil {
		return nil, translate(err)
	}
	return &u, nil
}

func (c *DatabaseClient) GetProfile(ctx context.Context, userID string) (*models.Profile, error) {
	const q = `
		SELECT user_id, full_name, avatar_url, bio
		FROM rag_app.profiles WHERE user_id = $1
	`
	var (
		p         models.Profile
		avatar    sql.NullString
		biography sql.NullString
	)
	if err := c.db.QueryRowContext(ctx, q, userID).Scan(&p.UserID, &p.FullName, &avatar, &biography); err != nil {
		return nil, translate(err)
	}
	if avatar.Valid {
		p.AvatarURL = &avatar.String
	}
	if biography.Valid {
		p.Bio = &biography.String
	}
	return &p, nil
}

func (c *DatabaseClient) DeleteUser(ctx context.Context, id string) error {
	res, err := c.db.ExecContext(ctx, `DELETE FROM rag_app.users WHERE id = $1`, id)
	if err != nil {
		return err
	}
	return requireAffected(res)
}

// Roles and permissions

func (c *DatabaseClient) GetRoleByID(ctx context.Context, id int64) (*models.Role, error) {
	var r models.Role
	err := c.db.QueryRowContext(ctx, `SELECT id, name FROM rag_app.roles WHERE id = $1`, id).Scan(&r.ID, &r.Name)
	if err != nil {
		return nil, translate(err)
	}
	return &r, nil
}

func (c *DatabaseClient) GetRoleByName(ctx context.Context, name string) (*models.Role, error) {
	var r models.Role
	err := c.db.QueryRowContext(ctx, `SELECT id, name FROM rag_app.roles WHERE name = $1`, name).Scan(&r.ID, &r.Name)
	if err != nil {
		return nil, translate(err)
	}
	return &r, nil
}

func (c *DatabaseClient) ListRolePermissions(ctx context.Context, roleID int64) ([]models.Permission, error) {
	const q = `
		SELECT p.id, p.name
		FROM rag_app.permissions p
		JOIN rag_app.role_permissions rp ON rp.perm_id = p.id
		WHERE rp.role_id = $1
		ORDER BY p.name
	`
	rows, err := c.db.QueryContext(ctx, q, roleID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []models.Permission
	for rows.Next() {
		var p models.Permission
		if err := rows.Scan(&p.ID, &p.Name); err != nil {
			return nil, err
		}
		out = append(out, p)
	}
	return out, rows.Err()
}

// Reset tokens

func (c *DatabaseClient) ReplaceResetToken(ctx context.Context, tok *models.ResetToken) error {
	if tok == nil {
		return errors.New("nil reset token")
	}
	return c.withTx(ctx, func(tx *sql.Tx) error {
		if _, err := tx.ExecContext(ctx, `DELETE FROM rag_app.reset_tokens WHERE user_id = $1`, tok.UserID); err != nil {
			return err
		}
		const q = `
			INSERT INTO rag_app.reset_tokens (user_id, token, expires_at, created_at)
			VALUES ($1, $2, $3, $4)
			RETURNING id
		`
		if err := tx.QueryRowContext(ctx, q, tok.UserID, tok.Token, tok.ExpiresAt, tok.CreatedAt).Scan(&tok.ID); err != nil {
			return translate(err)
		}
		return nil
	})
}

func (c *DatabaseClient) GetResetToken(ctx context.Context, token string) (*models.ResetToken, error) {
	const q = `
		SELECT id, user_id, token, expires_at, created_at
		FROM rag_app.reset_tokens WHERE token = $1
	`
	var t models.ResetToken
	if err := c.db.QueryRowContext(ctx, q, token).Scan(&t.ID, &t.UserID, &t.Token, &t.ExpiresAt, &t.CreatedAt); err != nil {
		return nil, translate(err)
	}
	return &t, nil
}

func (c *DatabaseClient) DeleteResetToken(ctx context.Context, id int64) error {
	_, err := c.db.ExecContext(ctx, `DELETE FROM rag_app.reset_tokens WHERE id = $1`, id)
	return err
}

func (c *DatabaseClient) ResetPassword(ctx context.Context, userID, passwordHash string, tokenID int64, at time.Time) error {
	return c.withTx(ctx, func(tx *sql.Tx) error {
		res, err := tx.ExecContext(ctx,
			`UPDATE rag_app.users SET password_hash = $2, updated_at = $3 WHERE id = $1`,
			userID, passwordHash, at)
		if err != nil {
			return err
		}
		if err := requireAffected(res); err != nil {
			return err
		}
		res, err = tx.ExecContext(ctx, `DELETE FROM rag_app.reset_tokens WHERE id = $1`, tokenID)
		if err != nil {
			return err
		}
		// a concurrent reset already consumed the token
		return requireAffected(res)
	})
}

// Documents

func (c *DatabaseClient) CreateDocument(ctx context.Context, doc *models.Document) error {
	if doc == nil {
		return errors.New("nil document")
	}
	const q = `
		INSERT INTO rag_app.documents
			(id, user_id, filename, stored_name, filetype, size_bytes, status, uploaded_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
	`
	_, err := c.db.ExecContext(ctx, q,
		doc.ID, doc.UserID, doc.Filename, doc.StoredName, doc.Filetype, doc.SizeBytes, doc.Status, doc.UploadedAt)
	return translate(err)
}

const documentColumns = `id, user_id, filename, stored_name, filetype, size_bytes, status, uploaded_at`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanDocument(row rowScanner) (*models.Document, error) {
	var (
		d        models.Document
		filetype sql.NullString
		size     sql.NullInt64
	)
	if err := row.Scan(&d.ID, &d.UserID, &d.Filename, &d.StoredName, &filetype, &size, &d.Status, &d.UploadedAt); err != nil {
		return nil, err
	}
	d.Filetype = filetype.String
	d.SizeBytes = size.Int64
	return &d, nil
}

func (c *DatabaseClient) GetDocumentByID(ctx context.Context, id string) (*models.Document, error) {
	q := `SELECT ` + documentColumns + ` FROM rag_app.documents WHERE id = $1`
	d, err := scanDocument(c.db.QueryRowContext(ctx, q, id))
	if err != nil {
		return nil, translate(err)
	}
	return d, nil
}

func (c *DatabaseClient) ListDocumentsByUser(ctx context.Context, userID string) ([]models.Document, error) {
	q := `SELECT ` + documentColumns + ` FROM rag_app.documents WHERE user_id = $1 ORDER BY uploaded_at DESC`
	rows, err := c.db.QueryContext(ctx, q, userID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []models.Document
	for rows.Next() {
		d, err := scanDocument(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *d)
	}
	return out, rows.Err()
}

func (c *DatabaseClient) UpdateDocumentStatus(ctx context.Context, id string, status string) error {
	res, err := c.db.ExecContext(ctx, `UPDATE rag_app.documents SET status = $2 WHERE id = $1`, id, status)
	if err != nil {
		return err
	}
	return requireAffected(res)
}

func (c *DatabaseClient) DeleteDocument(ctx context.Context, id string) error {
	res, err := c.db.ExecContext(ctx, `DELETE FROM rag_app.documents WHERE id = $1`, id)
	if err != nil {
		return err
	}
	return requireAffected(res)
}

// InsertFileChunks inserts chunks in a single transaction. A chunk without an
// embedding is stored with a NULL vector.
func (c *DatabaseClient) InsertFileChunks(ctx context.Context, chunks []models.FileChunk) error {
	if len(chunks) == 0 {
		return nil
	}
	return c.withTx(ctx, func(tx *sql.Tx) error {
		const q = `
			INSERT INTO rag_app.file_chunks
				(document_id, position, chunk_text, token_count, embedding, created_at)
			VALUES ($1, $2, $3, $4, $5, $6)
		`
		stmt, err := tx.PrepareContext(ctx, q)
		if err != nil {
			return err
		}
		defer stmt.Close()

		for i := range chunks {
			ch := &chunks[i]
			var vec any
			if len(ch.Embedding) > 0 {
				vec = pgvector.NewVector(ch.Embedding)
			}
			if _, err := stmt.ExecContext(ctx,
				ch.DocumentID, ch.Position, ch.Text, ch.TokenCount, vec, ch.CreatedAt,
			); err != nil {
				return err
			}
		}
		return nil
	})
}

func requireAffected(res sql.Result) error {
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}
