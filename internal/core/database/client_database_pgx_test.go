package db

import (
	"context"
	"errors"
	"os"
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/markdave123-py/docchat/internal/config"
	"github.com/markdave123-py/docchat/internal/models"
)

func TestBuildDSNWithoutCert(t *testing.T) {
	dsn, err := buildDSN(&config.Config{DatabaseURL: "postgres://u:p@localhost/app"})
	if err != nil {
		t.Fatalf("buildDSN: %v", err)
	}
	if dsn != "postgres://u:p@localhost/app" {
		t.Fatalf("dsn changed: %s", dsn)
	}
}

func TestBuildDSNMissingCert(t *testing.T) {
	_, err := buildDSN(&config.Config{DatabaseURL: "postgres://localhost/app", SslCertPath: "/nope/ca.pem"})
	if err == nil {
		t.Fatal("expected error for unreadable cert")
	}
}

// integrationClient connects to TEST_DATABASE_URL or skips.
func integrationClient(t *testing.T) *DatabaseClient {
	t.Helper()
	url := os.Getenv("TEST_DATABASE_URL")
	if url == "" {
		t.Skip("TEST_DATABASE_URL not set")
	}
	ctx := context.Background()
	c, err := NewDatabaseClient(ctx, &config.Config{DatabaseURL: url})
	if err != nil {
		t.Fatalf("connect: %v", err)
	}
	t.Cleanup(func() { _ = c.Close() })

	seed, err := LoadSeed()
	if err != nil {
		t.Fatalf("seed: %v", err)
	}
	if err := c.ApplySeed(ctx, seed); err != nil {
		t.Fatalf("apply seed: %v", err)
	}
	return c
}

func TestUserLifecycleAgainstPostgres(t *testing.T) {
	c := integrationClient(t)
	ctx := context.Background()
	now := time.Now().UTC().Truncate(time.Second)

	u := &models.User{
		ID:           uuid.NewString(),
		Email:        uuid.NewString() + "@example.com",
		PasswordHash: "hash",
		RoleID:       2,
		CreatedAt:    now,
		UpdatedAt:    now,
	}
	if err := c.CreateUserWithProfile(ctx, u, &models.Profile{FullName: "Ada"}); err != nil {
		t.Fatalf("create: %v", err)
	}
	t.Cleanup(func() { _ = c.DeleteUser(context.Background(), u.ID) })

	dup := *u
	dup.ID = uuid.NewString()
	if err := c.CreateUserWithProfile(ctx, &dup, &models.Profile{}); !errors.Is(err, ErrDuplicate) {
		t.Fatalf("duplicate email: got %v", err)
	}

	p, err := c.GetProfile(ctx, u.ID)
	if err != nil || p.FullName != "Ada" {
		t.Fatalf("profile: %+v %v", p, err)
	}

	tok := &models.ResetToken{UserID: u.ID, Token: uuid.NewString(), ExpiresAt: now.Add(time.Hour), CreatedAt: now}
	if err := c.ReplaceResetToken(ctx, tok); err != nil {
		t.Fatalf("reset token: %v", err)
	}
	if err := c.ResetPassword(ctx, u.ID, "new-hash", tok.ID, now); err != nil {
		t.Fatalf("reset password: %v", err)
	}
	if _, err := c.GetResetToken(ctx, tok.Token); !errors.Is(err, ErrNotFound) {
		t.Fatalf("token must be consumed, got %v", err)
	}

	perms, err := c.ListRolePermissions(ctx, 1)
	if err != nil || len(perms) == 0 {
		t.Fatalf("admin permissions: %v %v", perms, err)
	}
}
