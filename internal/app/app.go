package app

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/markdave123-py/docchat/internal/api/handlers"
	appMiddleware "github.com/markdave123-py/docchat/internal/api/middlewares"
	"github.com/markdave123-py/docchat/internal/config"
	db "github.com/markdave123-py/docchat/internal/core/database"
	"github.com/markdave123-py/docchat/internal/core/ingestion_engine"
	"github.com/markdave123-py/docchat/internal/core/llm"
	"github.com/markdave123-py/docchat/internal/core/mail"
	objectclient "github.com/markdave123-py/docchat/internal/core/object-client"
	"github.com/markdave123-py/docchat/internal/logger"
	"github.com/markdave123-py/docchat/internal/services"
)

const shutdownTimeout = 10 * time.Second

// Deps are the external collaborators of the application.
// Embedder may be nil, in which case chunks are stored without vectors.
type Deps struct {
	DB       db.DbClient
	Objects  objectclient.ObjectClient
	Mailer   mail.Mailer
	Embedder ingestion_engine.EmbeddingProvider
}

type App struct {
	cfg      *config.Config
	log      *logger.Logger
	closers  []func() error
	Auth     *services.AuthService
	Convs    *services.ConversationService
	Ingestor ingestion_engine.Ingestor
	handler  http.Handler
	Server   *Server
}

// NewApp connects to the database and object storage described by cfg.
func NewApp(ctx context.Context, cfg *config.Config, log *logger.Logger) (*App, error) {
	initCtx, cancel := context.WithTimeout(ctx, 2*time.Minute)
	defer cancel()

	dbClient, err := db.NewDatabaseClient(initCtx, cfg)
	if err != nil {
		return nil, err
	}
	log.Info("database initialized and ready")
	closers := []func() error{dbClient.Close}

	objects, err := NewObjectClient(initCtx, cfg, log)
	if err != nil {
		_ = dbClient.Close()
		return nil, err
	}
	log.Info("object client initialized", "backend", cfg.StorageBackend)

	var embedder ingestion_engine.EmbeddingProvider
	if cfg.AIAPIKey != "" {
		g, err := llm.NewGeminiEmbedder(initCtx, cfg.AIAPIKey, cfg.EmbedModel)
		if err != nil {
			_ = dbClient.Close()
			return nil, fmt.Errorf("couldn't initialize the embedder: %w", err)
		}
		embedder = g
		closers = append(closers, g.Close)
	} else {
		log.Warn("GEMINI_API_KEY not set, chunks are stored without embeddings")
	}

	a, err := New(cfg, log, Deps{DB: dbClient, Objects: objects, Mailer: mail.New(cfg, log), Embedder: embedder})
	if err != nil {
		for _, c := range closers {
			_ = c()
		}
		return nil, err
	}
	a.closers = closers
	return a, nil
}

// NewObjectClient picks the blob backend named by STORAGE_BACKEND.
func NewObjectClient(ctx context.Context, cfg *config.Config, log *logger.Logger) (objectclient.ObjectClient, error) {
	switch cfg.StorageBackend {
	case config.StorageS3:
		return objectclient.NewS3Client(ctx, cfg, log)
	case config.StorageDisk:
		return objectclient.NewDiskClient(cfg.UploadDir)
	default:
		return nil, fmt.Errorf("unknown storage backend %q", cfg.StorageBackend)
	}
}

// New wires services, the ingestion pipeline and the router around deps.
func New(cfg *config.Config, log *logger.Logger, deps Deps) (*App, error) {
	tokens := services.NewTokenService(deps.DB, cfg.JWTSecret, cfg.TokenTTL, cfg.ResetTokenTTL)
	auth := services.NewAuthService(deps.DB, tokens, deps.Mailer, log, cfg.DefaultRole, cfg.ResetURLBase)
	access := services.NewAccessService(deps.DB, tokens, log)

	convs, err := services.NewConversationService(cfg.ConversationDir, deps.Objects, log)
	if err != nil {
		return nil, err
	}

	ingCfg := ingestion_engine.DefaultIngestConfig()
	ingCfg.EmbedDim = cfg.EmbedDim
	if cfg.IngestWorkers > 0 {
		ingCfg.Workers = cfg.IngestWorkers
	}
	ingestor := ingestion_engine.NewDocumentIngestor(
		deps.DB, deps.Objects, deps.Embedder, ingestion_engine.NewDocconvExtractor(false), ingCfg, log,
	)
	docs := services.NewDocumentService(deps.DB, deps.Objects, ingestor, log, cfg.AllowedExtensions)

	handler := NewRouter(cfg, log, Routes{
		Auth:          handlers.NewAuthHandler(auth, log),
		Conversations: handlers.NewConversationHandler(convs, cfg.MaxUploadBytes, log),
		Documents:     handlers.NewDocumentHandler(docs, cfg.MaxUploadBytes, log),
		Access:        appMiddleware.NewAuthMiddleware(access, log),
	})

	return &App{
		cfg:      cfg,
		log:      log,
		Auth:     auth,
		Convs:    convs,
		Ingestor: ingestor,
		handler:  handler,
		Server:   NewServer(cfg, log, handler),
	}, nil
}

func (a *App) Handler() http.Handler { return a.handler }

// Run starts the ingestion workers and the HTTP server, and shuts both down
// once ctx is cancelled.
func (a *App) Run(ctx context.Context) error {
	a.Ingestor.Start(ctx)

	errc := make(chan error, 1)
	go func() { errc <- a.Server.Start() }()

	select {
	case err := <-errc:
		return err
	case <-ctx.Done():
	}

	shutCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), shutdownTimeout)
	defer cancel()
	if err := a.Server.Shutdown(shutCtx); err != nil {
		return fmt.Errorf("shutdown: %w", err)
	}
	return <-errc
}

func (a *App) Close() {
	var errs []error
	for _, c := range a.closers {
		errs = append(errs, c())
	}
	if err := errors.Join(errs...); err != nil {
		a.log.Error("close failed", "error", err)
	}
}
