package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

const (
	StorageDisk = "disk"
	StorageS3   = "s3"
)

// Config is loaded once at startup and handed to constructors. Nothing mutates it afterwards.
type Config struct {
	AppEnv  string
	Port    string
	LogMode string

	DatabaseURL string
	SslCertPath string

	JWTSecret     string
	TokenTTL      time.Duration
	ResetTokenTTL time.Duration
	ResetURLBase  string
	DefaultRole   string

	UploadDir         string
	ConversationDir   string
	AllowedExtensions []string
	MaxUploadBytes    int64

	StorageBackend string
	AwsAccessKey   string
	AwsSecretKey   string
	AwsRegion      string
	BucketName     string
	S3Endpoint     string
	S3Prefix       string

	SMTPHost     string
	SMTPPort     int
	SMTPUser     string
	SMTPPassword string
	EmailFrom    string

	AIAPIKey      string
	EmbedModel    string
	EmbedDim      int
	IngestWorkers int

	CORSOrigins []string

	AdminEmail    string
	AdminPassword string
}

// LoadConfig reads the optional env file(s) and the process environment.
// With no arguments it tries ./.env; a missing file is not an error.
func LoadConfig(envFiles ...string) (*Config, error) {
	if len(envFiles) == 0 {
		_ = godotenv.Load()
	} else if err := godotenv.Load(envFiles...); err != nil {
		return nil, fmt.Errorf("load env file: %w", err)
	}

	maxMB, err := getEnvInt("MAX_UPLOAD_MB", 50)
	if err != nil {
		return nil, err
	}
	smtpPort, err := getEnvInt("SMTP_PORT", 587)
	if err != nil {
		return nil, err
	}
	embedDim, err := getEnvInt("EMBED_DIM", 768)
	if err != nil {
		return nil, err
	}
	workers, err := getEnvInt("INGEST_WORKERS", 2)
	if err != nil {
		return nil, err
	}
	tokenTTL, err := getEnvDuration("TOKEN_TTL", 24*time.Hour)
	if err != nil {
		return nil, err
	}
	resetTTL, err := getEnvDuration("RESET_TOKEN_TTL", time.Hour)
	if err != nil {
		return nil, err
	}

	cfg := &Config{
		AppEnv:  getEnv("APP_ENV", "production"),
		Port:    getEnv("PORT", "8080"),
		LogMode: getEnv("LOG_MODE", "prod"),

		DatabaseURL: getEnv("DATABASE_URL", ""),
		SslCertPath: getEnv("SSL_CERT_PATH", ""),

		JWTSecret:     getEnv("JWT_SECRET", ""),
		TokenTTL:      tokenTTL,
		ResetTokenTTL: resetTTL,
		ResetURLBase:  getEnv("RESET_URL_BASE", "http://localhost:3000/reset-password"),
		DefaultRole:   getEnv("DEFAULT_ROLE", "user"),

		UploadDir:         getEnv("UPLOAD_DIR", "uploads"),
		ConversationDir:   getEnv("CONVERSATION_DIR", "conversations"),
		AllowedExtensions: normalizeExtensions(getEnvList("ALLOWED_UPLOAD_EXTENSIONS", []string{".pdf"})),
		MaxUploadBytes:    int64(maxMB) << 20,

		StorageBackend: strings.ToLower(getEnv("STORAGE_BACKEND", StorageDisk)),
		AwsAccessKey:   getEnv("AWS_ACCESS_KEY", ""),
		AwsSecretKey:   getEnv("AWS_SECRET_KEY", ""),
		AwsRegion:      getEnv("AWS_REGION", "us-east-2"),
		BucketName:     getEnv("BUCKET_NAME", "docchat-uploads"),
		S3Endpoint:     getEnv("S3_ENDPOINT", ""),
		S3Prefix:       getEnv("S3_PREFIX", "uploads/"),

		SMTPHost:     getEnv("SMTP_HOST", ""),
		SMTPPort:     smtpPort,
		SMTPUser:     getEnv("SMTP_USER", ""),
		SMTPPassword: getEnv("SMTP_PASSWORD", ""),
		EmailFrom:    getEnv("EMAIL_FROM", "no-reply@docchat.local"),

		AIAPIKey:      getEnv("GEMINI_API_KEY", ""),
		EmbedModel:    getEnv("EMBED_MODEL", "text-embedding-004"),
		EmbedDim:      embedDim,
		IngestWorkers: workers,

		CORSOrigins: getEnvList("CORS_ORIGINS", []string{"http://localhost:5173", "http://localhost:3000"}),

		AdminEmail:    getEnv("ADMIN_EMAIL", "admin@example.com"),
		AdminPassword: getEnv("ADMIN_PASSWORD", ""),
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// IsDevelopment reports whether relaxed secret checks apply.
func (c *Config) IsDevelopment() bool {
	return c.AppEnv == "development" || c.AppEnv == "dev"
}

// Validate checks the settings the services cannot run without.
func (c *Config) Validate() error {
	var errs []error
	if c.DatabaseURL == "" {
		errs = append(errs, errors.New("DATABASE_URL not set"))
	}
	switch {
	case c.JWTSecret == "":
		errs = append(errs, errors.New("JWT_SECRET not set"))
	case len(c.JWTSecret) < 32 && !c.IsDevelopment():
		errs = append(errs, errors.New("JWT_SECRET must be at least 32 bytes"))
	}
	if c.TokenTTL <= 0 || c.ResetTokenTTL <= 0 {
		errs = append(errs, errors.New("TOKEN_TTL and RESET_TOKEN_TTL must be positive"))
	}
	if len(c.AllowedExtensions) == 0 {
		errs = append(errs, errors.New("ALLOWED_UPLOAD_EXTENSIONS is empty"))
	}
	switch c.StorageBackend {
	case StorageDisk:
		if c.UploadDir == "" {
			errs = append(errs, errors.New("UPLOAD_DIR not set"))
		}
	case StorageS3:
		if c.AwsAccessKey == "" || c.AwsSecretKey == "" {
			errs = append(errs, errors.New("AWS credentials not set"))
		}
		if c.BucketName == "" {
			errs = append(errs, errors.New("BUCKET_NAME not set"))
		}
	default:
		errs = append(errs, fmt.Errorf("unknown STORAGE_BACKEND %q", c.StorageBackend))
	}
	if c.ConversationDir == "" {
		errs = append(errs, errors.New("CONVERSATION_DIR not set"))
	}
	if c.IngestWorkers < 1 {
		errs = append(errs, errors.New("INGEST_WORKERS must be at least 1"))
	}
	return errors.Join(errs...)
}

// Helper to read environment variables with a default fallback
func getEnv(key, fallback string) string {
	if value, exists := os.LookupEnv(key); exists {
		return value
	}
	return fallback
}

func getEnvInt(key string, def int) (int, error) {
	v := getEnv(key, "")
	if v == "" {
		return def, nil
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return 0, fmt.Errorf("%s=%q is not an int", key, v)
	}
	return n, nil
}

func getEnvDuration(key string, def time.Duration) (time.Duration, error) {
	v := getEnv(key, "")
	if v == "" {
		return def, nil
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return 0, fmt.Errorf("%s=%q is not a duration", key, v)
	}
	return d, nil
}

// getEnvList splits a comma separated value, dropping blanks.
func getEnvList(key string, def []string) []string {
	v, ok := os.LookupEnv(key)
	if !ok {
		return def
	}
	var out []string
	for _, part := range strings.Split(v, ",") {
		if p := strings.TrimSpace(part); p != "" {
			out = append(out, p)
		}
	}
	return out
}

func normalizeExtensions(exts []string) []string {
	out := make([]string, 0, len(exts))
	for _, e := range exts {
		e = strings.ToLower(e)
		if !strings.HasPrefix(e, ".") {
			e = "." + e
		}
		out = append(out, e)
	}
	return out
}
