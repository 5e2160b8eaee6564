package api

import (
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"

	"github.com/voxgate/backend/internal/api/handlers"
	"github.com/voxgate/backend/internal/api/middleware"
	"github.com/voxgate/backend/internal/auth"
	"github.com/voxgate/backend/internal/config"
	"github.com/voxgate/backend/internal/db"
	"github.com/voxgate/backend/internal/engine"
	"github.com/voxgate/backend/internal/gate"
	"github.com/voxgate/backend/internal/ledger"
	"github.com/voxgate/backend/internal/speech"
	"github.com/voxgate/backend/internal/stream"
	"github.com/voxgate/backend/internal/telemetry"
)

// Deps carries everything the HTTP surface is built from.
type Deps struct {
	Config  *config.Config
	DB      *db.Database
	JWT     *auth.JWTService
	Speech  *speech.Service
	Gate    *gate.Gate
	Ledger  *ledger.Ledger
	Metrics *telemetry.Metrics
	Engines *engine.Set
	Logger  *slog.Logger
}

func NewRouter(d Deps) *chi.Mux {
	logger := d.Logger
	if logger == nil {
		logger = slog.Default()
	}
	cfg := d.Config

	r := chi.NewRouter()

	// Global middleware
	r.Use(chimw.Recoverer)
	r.Use(chimw.RealIP)
	r.Use(middleware.Logger(logger))
	r.Use(cors.Handler(middleware.CORSHandler(cfg.CORSOrigins)))

	// Handlers
	systemHandler := handlers.NewSystemHandler(d.DB, d.Gate, d.Engines)
	authHandler := handlers.NewAuthHandler(d.DB, d.JWT, logger)
	speechHandler := handlers.NewSpeechHandler(d.Speech, d.Ledger, cfg, logger)
	streamHandler := handlers.NewStreamHandler(d.Gate, stream.ConfigFromConfig(cfg), d.Ledger, d.Metrics, cfg.CORSOrigins, logger)
	requestsHandler := handlers.NewRequestsHandler(d.Ledger)
	limiter := middleware.NewRateLimiter(cfg.RateLimit)

	// protect guards a group with JWT auth when it is enabled
	protect := func(r chi.Router) {
		if cfg.AuthEnabled {
			r.Use(middleware.AuthMiddleware(d.JWT))
		}
	}

	r.Get("/", systemHandler.Root)
	r.Get("/docs", systemHandler.Docs)
	r.Get("/api/health", systemHandler.Health)
	r.Method(http.MethodGet, "/metrics", d.Metrics.Handler())

	// Speech
	r.Group(func(r chi.Router) {
		protect(r)
		r.Use(limiter.Handler)

		r.Post("/transcribe", speechHandler.Transcribe)
		r.Post("/translate", speechHandler.Translate)
		r.Post("/synthesize", speechHandler.Synthesize)
		r.Get("/stream", streamHandler.Serve)

		r.Post("/fwhisper/transcribe", speechHandler.LegacyTranscribe)
		r.Post("/fwhisper/translate", speechHandler.LegacyTranslate)
		r.Post("/gtts/text-to-speech", speechHandler.Synthesize)
		r.Get("/fwhisper/speech-recognition", streamHandler.Serve)
	})

	r.Route("/api", func(r chi.Router) {
		// Auth (public)
		r.With(middleware.MaxBodySize(1<<20)).Post("/auth/login", authHandler.Login)

		// Protected routes
		r.Group(func(r chi.Router) {
			r.Use(middleware.AuthMiddleware(d.JWT))
			r.Get("/auth/me", authHandler.Me)
		})

		// Request history exposes client addresses; admins only
		r.Group(func(r chi.Router) {
			protect(r)
			if cfg.AuthEnabled {
				r.Use(middleware.RequireRole("admin"))
			}
			r.Get("/requests", requestsHandler.List)
			r.Get("/requests/{id}", requestsHandler.Get)
		})
	})

	systemHandler.SetRoutes(r)
	return r
}
