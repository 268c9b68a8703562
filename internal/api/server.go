// Package api exposes the repricing engine over HTTP: rule management,
// manual triggers, sessions, competitor monitoring, buy-box events and
// one-off optimizations.
package api

import (
	"context"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"

	"github.com/ignite/repricer/internal/domain"
	"github.com/ignite/repricer/internal/engine"
	"github.com/ignite/repricer/internal/pkg/logger"
)

// RuleService is the rule lifecycle the handlers drive.
type RuleService interface {
	Get(ctx context.Context, id string) (*domain.RepricingRule, error)
	List(ctx context.Context, f domain.RuleFilter) ([]domain.RepricingRule, error)
	Create(ctx context.Context, r domain.RepricingRule) (*domain.RepricingRule, error)
	Update(ctx context.Context, id string, r domain.RepricingRule) (*domain.RepricingRule, error)
	Activate(ctx context.Context, id string) (*domain.RepricingRule, error)
	Pause(ctx context.Context, id string) (*domain.RepricingRule, error)
	Archive(ctx context.Context, id string) (*domain.RepricingRule, error)
}

// Config holds the HTTP surface settings.
type Config struct {
	AllowedOrigins []string
}

// Server holds the handler dependencies.
type Server struct {
	rules       RuleService
	engine      *engine.Orchestrator
	competitors engine.CompetitorStore
	health      *HealthChecker
	cfg         Config
	log         *logger.Logger
	now         func() time.Time
}

// NewServer creates the API server. health may be nil.
func NewServer(rules RuleService, eng *engine.Orchestrator, competitors engine.CompetitorStore, health *HealthChecker, cfg Config) *Server {
	if health == nil {
		health = NewHealthChecker()
	}
	return &Server{
		rules:       rules,
		engine:      eng,
		competitors: competitors,
		health:      health,
		cfg:         cfg,
		log:         logger.With("component", "api"),
		now:         time.Now,
	}
}

// Routes builds the router.
func (s *Server) Routes() http.Handler {
	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(s.requestLogger)
	r.Use(middleware.Recoverer)

	origins := s.cfg.AllowedOrigins
	if len(origins) == 0 {
		origins = []string{"http://localhost:5173", "http://localhost:8080"}
	}
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins: origins,
		AllowedMethods: []string{"GET", "POST", "PUT", "DELETE", "OPTIONS"},
		AllowedHeaders: []string{"Accept", "Authorization", "Content-Type"},
		ExposedHeaders: []string{"Link"},
		MaxAge:         300,
	}))

	r.Get("/health", s.health.HandleHealth)
	r.Get("/health/live", s.health.HandleLiveness)
	r.Get("/health/ready", s.health.HandleReadiness)

	r.Route("/api", func(r chi.Router) {
		r.Route("/rules", func(r chi.Router) {
			r.Post("/", s.createRule)
			r.Get("/", s.listRules)
			r.Get("/{id}", s.getRule)
			r.Put("/{id}", s.updateRule)
			r.Post("/{id}/pause", s.pauseRule)
			r.Post("/{id}/activate", s.activateRule)
			r.Post("/{id}/archive", s.archiveRule)
			r.Post("/{id}/trigger", s.triggerRule)
		})

		r.Route("/sessions/{id}", func(r chi.Router) {
			r.Get("/", s.getSession)
			r.Get("/results", s.getSessionResults)
			r.Post("/stop", s.stopSession)
		})

		r.Route("/competitors", func(r chi.Router) {
			r.Get("/", s.listCompetitors)
			r.Post("/", s.addCompetitor)
			r.Put("/{asin}/{sellerId}", s.updateCompetitor)
			r.Delete("/{asin}/{sellerId}", s.removeCompetitor)
			r.Post("/{asin}/{sellerId}/poll", s.pollCompetitor)
			r.Get("/{asin}/{sellerId}/history", s.competitorHistory)
		})

		r.Post("/buybox/events", s.recordBuyBoxEvent)
		r.Get("/buybox/{asin}/metrics", s.buyBoxMetrics)

		r.Post("/optimize", s.optimize)
	})

	return r
}

func (s *Server) requestLogger(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		start := time.Now()
		next.ServeHTTP(ww, r)
		s.log.Debug("request",
			"method", r.Method,
			"path", r.URL.Path,
			"status", ww.Status(),
			"duration_ms", time.Since(start).Milliseconds(),
			"request_id", middleware.GetReqID(r.Context()),
		)
	})
}
