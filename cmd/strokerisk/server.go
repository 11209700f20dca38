package main

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"go.uber.org/zap"

	"github.com/serbia-gov/strokerisk/internal/form"
	"github.com/serbia-gov/strokerisk/internal/predictor"
	"github.com/serbia-gov/strokerisk/internal/shared/auth"
	"github.com/serbia-gov/strokerisk/internal/shared/config"
	"github.com/serbia-gov/strokerisk/internal/shared/metrics"
	secmiddleware "github.com/serbia-gov/strokerisk/internal/shared/middleware"
)

// App holds all application dependencies
type App struct {
	Config  *config.Config
	Logger  *zap.Logger
	Service *predictor.Service
}

// Router builds the HTTP surface: the form at /, the JSON API under /api/v1,
// and the unauthenticated ops endpoints.
func (app *App) Router() http.Handler {
	cfg := app.Config
	r := chi.NewRouter()

	// Global middleware
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(secmiddleware.RequestLogger(app.Logger))
	r.Use(middleware.Recoverer)
	r.Use(middleware.Timeout(60 * time.Second))
	r.Use(secmiddleware.SecurityHeaders)
	r.Use(metrics.Middleware)

	corsConfig := secmiddleware.DefaultCORSConfig()
	corsConfig.AllowedOrigins = cfg.CORS.AllowedOrigins
	r.Use(secmiddleware.CORS(corsConfig))
	r.Use(secmiddleware.InputSanitizer)

	// Health checks (unauthenticated)
	r.Get("/health", healthHandler)
	r.Get("/ready", app.readyHandler)
	r.Handle("/metrics", metrics.Handler())

	limiter := secmiddleware.NewIPRateLimiter(cfg.RateLimit.RPS, cfg.RateLimit.Burst)

	// Interactive form
	formHandler := form.NewHandler(app.Service, app.Logger)
	r.With(limiter.Middleware).Get("/", formHandler.Show)
	r.With(limiter.Middleware).Post("/", formHandler.Submit)

	// API routes
	r.Route("/api/v1", func(r chi.Router) {
		if cfg.Auth.Enabled {
			r.Use(auth.Middleware(cfg.Auth))
			if len(cfg.Auth.RequiredRoles) > 0 {
				r.Use(auth.RequireRoles(cfg.Auth.RequiredRoles...))
			}
		}
		r.Use(limiter.Middleware)
		r.Mount("/", predictor.NewHandler(app.Service).Routes())
	})

	return r
}

func healthHandler(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	json.NewEncoder(w).Encode(map[string]string{
		"status": "healthy",
	})
}

func (app *App) readyHandler(w http.ResponseWriter, r *http.Request) {
	checks := map[string]string{
		"server": "ready",
	}

	allReady := true
	if err := app.Service.Ready(r.Context()); err != nil {
		checks["model"] = "not ready: " + err.Error()
		allReady = false
	} else {
		checks["model"] = "ready"
	}

	status := http.StatusOK
	if !allReady {
		status = http.StatusServiceUnavailable
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(map[string]any{
		"status": map[bool]string{true: "ready", false: "not ready"}[allReady],
		"checks": checks,
	})
}
