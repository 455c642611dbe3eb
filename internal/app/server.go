package app

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"

	"github.com/markdave123-py/docchat/internal/api/handlers"
	appMiddleware "github.com/markdave123-py/docchat/internal/api/middlewares"
	"github.com/markdave123-py/docchat/internal/config"
	"github.com/markdave123-py/docchat/internal/logger"
)

const (
	roleAdmin int64 = 1
	roleUser  int64 = 2
)

// Routes groups the handlers the router needs.
type Routes struct {
	Auth          *handlers.AuthHandler
	Conversations *handlers.ConversationHandler
	Documents     *handlers.DocumentHandler
	Access        *appMiddleware.AuthMiddleware
}

// NewRouter builds the chi router with the shared middleware stack.
func NewRouter(cfg *config.Config, log *logger.Logger, rt Routes) http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(appMiddleware.RequestLogger(log))
	r.Use(middleware.Recoverer)
	r.Use(middleware.Timeout(60 * time.Second))

	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   cfg.CORSOrigins,
		AllowedMethods:   []string{"GET", "POST", "PUT", "DELETE", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type"},
		AllowCredentials: true,
		MaxAge:           300,
	}))

	r.Get("/healthz", handlers.Healthz)

	r.Route("/api", func(api chi.Router) {
		api.Route("/auth", func(auth chi.Router) {
			auth.Post("/register", rt.Auth.Register)
			auth.Post("/login", rt.Auth.Login)
			auth.Post("/forgot-password", rt.Auth.ForgotPassword)
			auth.Post("/reset-password", rt.Auth.ResetPassword)

			auth.Group(func(protected chi.Router) {
				protected.Use(rt.Access.RequireAuth)
				protected.Get("/me", rt.Auth.Me)
				protected.With(rt.Access.RequireRole(roleAdmin)).Get("/admin-test", rt.Auth.RoleProbe("You have admin access"))
				protected.With(rt.Access.RequireRole(roleUser)).Get("/user-test", rt.Auth.RoleProbe("You have user access"))
			})
		})

		api.Route("/admin", func(admin chi.Router) {
			admin.Use(rt.Access.RequireAuth)
			admin.Use(rt.Access.RequirePermission("user:manage"))
			admin.Delete("/users/{id}", rt.Auth.DeleteUser)
		})
	})

	// Conversation and document routes stay open; a bearer token only scopes ownership.
	r.Group(func(open chi.Router) {
		open.Use(rt.Access.OptionalAuth)

		open.Route("/conversations", func(c chi.Router) {
			c.Get("/", rt.Conversations.List)
			c.Post("/", rt.Conversations.Create)
			c.Get("/{id}", rt.Conversations.Get)
			c.Put("/{id}", rt.Conversations.Upsert)
			c.Delete("/{id}", rt.Conversations.Delete)
		})

		open.Route("/documents", func(d chi.Router) {
			d.Get("/", rt.Documents.GetDocuments)
			d.Post("/upload", rt.Documents.UploadDocument)
			d.Get("/{id}", rt.Documents.GetDocument)
			d.Delete("/{id}", rt.Documents.DeleteDocument)
		})
	})

	return r
}

// Server wraps the HTTP server instance.
type Server struct {
	httpServer *http.Server
	log        *logger.Logger
}

func NewServer(cfg *config.Config, log *logger.Logger, handler http.Handler) *Server {
	return &Server{
		httpServer: &http.Server{
			Addr:              ":" + cfg.Port,
			Handler:           handler,
			ReadHeaderTimeout: 10 * time.Second,
		},
		log: log,
	}
}

// Start runs the HTTP server until Shutdown is called.
func (s *Server) Start() error {
	s.log.Info("HTTP server listening", "addr", s.httpServer.Addr)
	if err := s.httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// Shutdown gracefully stops the server.
func (s *Server) Shutdown(ctx context.Context) error {
	s.log.Info("shutting down HTTP server")
	return s.httpServer.Shutdown(ctx)
}
