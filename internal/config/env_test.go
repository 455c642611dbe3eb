package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func setBaseEnv(t *testing.T) {
	t.Helper()
	t.Setenv("DATABASE_URL", "postgres://localhost/docchat")
	t.Setenv("JWT_SECRET", strings.Repeat("s", 32))
}

func TestLoadConfigDefaults(t *testing.T) {
	setBaseEnv(t)
	t.Chdir(t.TempDir())

	cfg, err := LoadConfig()
	if err != nil {
		t.Fatalf("LoadConfig: %v", err)
	}
	if cfg.TokenTTL != 24*time.Hour || cfg.ResetTokenTTL != time.Hour {
		t.Fatalf("unexpected ttls: %v %v", cfg.TokenTTL, cfg.ResetTokenTTL)
	}
	if len(cfg.AllowedExtensions) != 1 || cfg.AllowedExtensions[0] != ".pdf" {
		t.Fatalf("unexpected extensions: %v", cfg.AllowedExtensions)
	}
	if cfg.StorageBackend != StorageDisk || cfg.UploadDir != "uploads" || cfg.ConversationDir != "conversations" {
		t.Fatalf("unexpected storage defaults: %+v", cfg)
	}
	if cfg.MaxUploadBytes != 50<<20 {
		t.Fatalf("MaxUploadBytes = %d", cfg.MaxUploadBytes)
	}
}

func TestLoadConfigFromEnvFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "test.env")
	body := "DATABASE_URL=postgres://file/db\nJWT_SECRET=" + strings.Repeat("k", 40) + "\nALLOWED_UPLOAD_EXTENSIONS=PDF, .txt\nTOKEN_TTL=30m\n"
	if err := os.WriteFile(path, []byte(body), 0o600); err != nil {
		t.Fatalf("write env: %v", err)
	}
	for _, k := range []string{"DATABASE_URL", "JWT_SECRET", "ALLOWED_UPLOAD_EXTENSIONS", "TOKEN_TTL"} {
		t.Setenv(k, "")
		os.Unsetenv(k)
	}

	cfg, err := LoadConfig(path)
	if err != nil {
		t.Fatalf("LoadConfig: %v", err)
	}
	if cfg.DatabaseURL != "postgres://file/db" {
		t.Fatalf("DatabaseURL = %q", cfg.DatabaseURL)
	}
	if cfg.TokenTTL != 30*time.Minute {
		t.Fatalf("TokenTTL = %v", cfg.TokenTTL)
	}
	if got := strings.Join(cfg.AllowedExtensions, ","); got != ".pdf,.txt" {
		t.Fatalf("AllowedExtensions = %q", got)
	}
}

func TestValidateRejectsShortSecretOutsideDevelopment(t *testing.T) {
	setBaseEnv(t)
	t.Setenv("JWT_SECRET", "short")
	t.Chdir(t.TempDir())

	if _, err := LoadConfig(); err == nil {
		t.Fatalf("expected short secret to be rejected")
	}

	t.Setenv("APP_ENV", "development")
	if _, err := LoadConfig(); err != nil {
		t.Fatalf("development should accept short secret: %v", err)
	}
}

func TestValidateS3NeedsCredentials(t *testing.T) {
	setBaseEnv(t)
	t.Setenv("STORAGE_BACKEND", "s3")
	t.Chdir(t.TempDir())

	_, err := LoadConfig()
	if err == nil || !strings.Contains(err.Error(), "AWS credentials") {
		t.Fatalf("expected AWS credential error, got %v", err)
	}
}

func TestBadIntIsReported(t *testing.T) {
	setBaseEnv(t)
	t.Setenv("SMTP_PORT", "abc")
	t.Chdir(t.TempDir())

	if _, err := LoadConfig(); err == nil {
		t.Fatalf("expected parse error for SMTP_PORT")
	}
}

func TestValidateRequiresIngestWorker(t *testing.T) {
	setBaseEnv(t)
	t.Setenv("INGEST_WORKERS", "0")
	t.Chdir(t.TempDir())

	_, err := LoadConfig()
	if err == nil || !strings.Contains(err.Error(), "INGEST_WORKERS") {
		t.Fatalf("expected INGEST_WORKERS error, got %v", err)
	}
}
