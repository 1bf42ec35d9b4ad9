package api

import (
	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/comigor/chatrelay/internal/api/middleware"
	"github.com/comigor/chatrelay/internal/handlers"
)

// Uploads carry inline base64 avatars, so the body limit is generous.
const maxBodyBytes = 8 << 20

// ChatOptions configures the chat server's router.
type ChatOptions struct {
	RateLimitRPS   float64
	RateLimitBurst int
}

// NewChatRouter serves the chat API.
func NewChatRouter(h *handlers.Handler, opts ChatOptions) *chi.Mux {
	r := base("chat")

	limiter := middleware.NewRateLimiter(opts.RateLimitRPS, opts.RateLimitBurst)

	r.Get("/api/health", h.Health)
	r.Get("/health", h.Health)

	r.Group(func(r chi.Router) {
		r.Use(limiter.Middleware)

		r.Get("/api/get-chat", h.GetChat)
		r.Post("/api/chat", h.Chat)
		r.Post("/api/save_template", h.SaveTemplate)
		r.Post("/api/save_feedback", h.SaveFeedback)
	})

	return r
}

// NewAnalysisRouter serves the analysis endpoint called by the chat server.
func NewAnalysisRouter(h *handlers.Handler) *chi.Mux {
	r := base("analysis")

	r.Get("/health", h.Health)
	r.Post("/analyze", h.Analyze)

	return r
}

func base(service string) *chi.Mux {
	r := chi.NewRouter()

	// Metrics middleware (first to capture all requests)
	r.Use(middleware.Metrics)
	r.Use(middleware.MaxBodySize(maxBodyBytes))

	r.Use(chimw.RequestID)
	r.Use(chimw.RealIP)
	r.Use(middleware.Logger(service))
	r.Use(chimw.Recoverer)

	// The browser frontend may be served from another origin.
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   []string{"*"},
		AllowedMethods:   []string{"GET", "POST", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Content-Type"},
		ExposedHeaders:   []string{"Retry-After"},
		AllowCredentials: false,
		MaxAge:           300,
	}))

	r.Handle("/metrics", promhttp.Handler())
	return r
}
