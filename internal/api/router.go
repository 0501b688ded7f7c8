package api

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	chimiddleware "github.com/go-chi/chi/v5/middleware"
	"go.uber.org/zap"

	"github.com/vnmchuo/storefront-ai/internal/auth"
)

// NewRouter mounts the public and key-protected routes.
func NewRouter(h *Handler, authMiddleware auth.Middleware, logger *zap.Logger) http.Handler {
	r := chi.NewRouter()
	r.Use(chimiddleware.RealIP)
	r.Use(requestLogger(logger))
	r.Use(chimiddleware.Recoverer)

	r.Get("/healthz", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok", "service": "aicore"})
	})

	r.Group(func(r chi.Router) {
		r.Use(authMiddleware)

		r.Route("/v1", func(r chi.Router) {
			r.Post("/generate", h.HandleGenerate)
			r.Post("/features/{name}", h.HandleFeature)
			r.Post("/features/{name}/estimate", h.HandleEstimate)
			r.Get("/usage", h.HandleUsage)
			r.Get("/providers", h.HandleProviders)
		})

		r.Route("/admin", func(r chi.Router) {
			r.Post("/reinitialize", h.HandleReinitialize)
			r.Get("/cache", h.HandleCacheStats)
			r.Delete("/cache", h.HandleCacheClear)
		})
	})

	return r
}

func requestLogger(logger *zap.Logger) func(http.Handler) http.Handler {
	if logger == nil {
		logger = zap.NewNop()
	}
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			ww := chimiddleware.NewWrapResponseWriter(w, r.ProtoMajor)
			next.ServeHTTP(ww, r)
			logger.Info("http request",
				zap.String("method", r.Method),
				zap.String("path", r.URL.Path),
				zap.Int("status", ww.Status()),
				zap.Int("bytes", ww.BytesWritten()),
				zap.Duration("duration", time.Since(start)),
				zap.String("request_id", ww.Header().Get("X-Request-ID")),
			)
		})
	}
}
