// Package api exposes the assistant over HTTP (JSON and server-sent events)
// and over MCP.
package api

import (
	"context"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"

	"github.com/orbitdocs/spacebio/internal/assistant"
	"github.com/orbitdocs/spacebio/internal/metrics"
	"github.com/orbitdocs/spacebio/internal/prefetch"
	"github.com/orbitdocs/spacebio/internal/resource"
	"github.com/orbitdocs/spacebio/internal/storage"
)

const maxRequestBodySize = 1 << 20 // 1MB

// Assistant answers chat turns and the per-resource assist features.
type Assistant interface {
	Chat(ctx context.Context, req assistant.Request) (assistant.Reply, error)
	ChatStream(ctx context.Context, req assistant.Request) (string, <-chan assistant.Event, error)
	Summary(ctx context.Context, id int) (string, error)
	Keywords(ctx context.Context, id int) ([]string, error)
	Related(ctx context.Context, id int) ([]resource.Resource, error)
}

// Resources is the resource store as seen by the HTTP layer.
type Resources interface {
	All() []resource.Resource
	Search(query string) []resource.Resource
	Get(id int) (resource.Resource, bool)
	Content(ctx context.Context, id int) (string, error)
	Invalidate(id int)
	Enriched() []resource.Enriched
	Experiments() []resource.Experiment
}

// Store is the persistence used by the HTTP layer.
type Store interface {
	prefetch.JobStore
	Ping(ctx context.Context) error
	SessionInteractions(sessionID string, limit int) ([]storage.Interaction, error)
}

type Deps struct {
	Assistant Assistant
	Resources Resources
	Store     Store
	// Gatherer backs GET /metrics; nil disables the endpoint.
	Gatherer prometheus.Gatherer
	// Dev exposes error details in 500 bodies.
	Dev    bool
	Logger zerolog.Logger
}

type handler struct {
	assistant Assistant
	resources Resources
	store     Store
	dev       bool
	logger    zerolog.Logger
}

// NewHandler returns the HTTP API.
func NewHandler(deps Deps) http.Handler {
	h := &handler{
		assistant: deps.Assistant,
		resources: deps.Resources,
		store:     deps.Store,
		dev:       deps.Dev,
		logger:    deps.Logger,
	}

	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(accessLog(deps.Logger))
	r.Use(middleware.Recoverer)
	r.Use(metrics.Middleware)

	r.Get("/health", h.handleHealth)
	if deps.Gatherer != nil {
		r.Method(http.MethodGet, "/metrics", promhttp.HandlerFor(deps.Gatherer, promhttp.HandlerOpts{}))
	}

	r.Post("/chat", h.handleChat)
	r.Post("/chat/stream", h.handleChatStream)

	r.Get("/resources", h.handleListResources)
	r.Route("/resources/{id}", func(r chi.Router) {
		r.Get("/", h.handleGetResource)
		r.Get("/summary", h.handleSummary)
		r.Get("/keywords", h.handleKeywords)
		r.Get("/related", h.handleRelated)
		r.Post("/prefetch", h.handlePrefetch)
	})
	r.Get("/resources-enriched", h.handleEnriched)
	r.Get("/experiments", h.handleExperiments)

	r.Get("/sessions/{id}/interactions", h.handleInteractions)

	return r
}

func (h *handler) handleHealth(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
	defer cancel()
	if err := h.store.Ping(ctx); err != nil {
		h.logger.Warn().Err(err).Msg("health check failed")
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{"status": "unavailable"})
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"status": "ok", "resources": len(h.resources.All())})
}

// accessLog logs one line per request once the handler returns.
func accessLog(logger zerolog.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
			next.ServeHTTP(ww, r)

			status := ww.Status()
			if status == 0 {
				status = http.StatusOK
			}
			ev := logger.Info()
			if status >= http.StatusInternalServerError {
				ev = logger.Warn()
			}
			ev.Str("method", r.Method).
				Str("path", r.URL.Path).
				Int("status", status).
				Int("bytes", ww.BytesWritten()).
				Dur("duration", time.Since(start)).
				Str("request_id", requestID(r)).
				Msg("http request")
		})
	}
}

func requestID(r *http.Request) string {
	return middleware.GetReqID(r.Context())
}
