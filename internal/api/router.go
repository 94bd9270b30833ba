package api

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
)

// RouterConfig wires handlers into the HTTP router. Nil handlers leave
// their routes unregistered.
type RouterConfig struct {
	CORSOrigins []string
	Timeout     time.Duration

	System  *SystemHandler
	Jobs    *JobHandler
	Results *ResultHandler
	Cameras *CameraHandler
	Hub     *Hub
}

// NewRouter creates the HTTP router with all routes
func NewRouter(cfg RouterConfig) *chi.Mux {
	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)

	origins := cfg.CORSOrigins
	if len(origins) == 0 {
		origins = []string{"http://localhost:*", "http://127.0.0.1:*"}
	}
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   origins,
		AllowedMethods:   []string{"GET", "POST", "PUT", "PATCH", "DELETE", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type", "X-Request-ID"},
		ExposedHeaders:   []string{"Link", "X-Request-ID"},
		AllowCredentials: true,
		MaxAge:           300,
	}))

	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 60 * time.Second
	}

	// Long-lived connections bypass the request timeout
	if cfg.Hub != nil {
		r.Get("/api/ws", cfg.Hub.HandleWebSocket)
	}
	if cfg.System != nil {
		r.Get("/api/logs/stream", cfg.System.StreamLogs)
	}

	r.Group(func(r chi.Router) {
		r.Use(middleware.Timeout(timeout))

		if cfg.System != nil {
			r.Get("/health", cfg.System.Health)
			r.Get("/api/pipeline", cfg.System.Pipeline)
			r.Get("/api/logs", cfg.System.Logs)
		}
		if cfg.Jobs != nil {
			r.Post("/api/jobs", cfg.Jobs.Submit)
		}
		if cfg.Results != nil {
			r.Mount("/api/results", cfg.Results.Routes())
			r.Get("/api/failures", cfg.Results.ListFailures)
		}
		if cfg.Cameras != nil {
			r.Mount("/api/cameras", cfg.Cameras.Routes())
		}
	})

	r.NotFound(func(w http.ResponseWriter, r *http.Request) {
		NotFound(w, "Route not found")
	})

	return r
}
