package httpx

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
)

// ServerConfig holds the options for NewRouter.
type ServerConfig struct {
	ServiceName string
}

// NewRouter returns a chi.Mux pre-wired for the runtime's internal ops
// surface — a liveness probe and a Prometheus scrape endpoint, nothing else.
// There is no public API behind this router, so the CORS/rate-limiting/
// security-header stack the teacher wires for its HTTP service has nothing
// to protect here; see DESIGN.md for why those three deps were dropped.
//
// Middleware order (outermost → innermost):
//  1. recoveryMiddleware — catches panics
//  2. RequestID          — unique X-Request-Id per request
//  3. loggerMiddleware   — logs request + trace_id/span_id
//  4. Timeout            — 5 s handler deadline
func NewRouter(
	cfg ServerConfig,
	loggerMiddleware func(http.Handler) http.Handler,
	recoveryMiddleware func(http.Handler) http.Handler,
) *chi.Mux {
	r := chi.NewRouter()
	r.Use(
		recoveryMiddleware,
		middleware.RequestID,
		loggerMiddleware,
		middleware.Timeout(5*time.Second),
	)
	return r
}

// NewServer returns an *http.Server with production-ready timeouts.
func NewServer(addr string, handler http.Handler) *http.Server {
	return &http.Server{
		Addr:           addr,
		Handler:        handler,
		ReadTimeout:    10 * time.Second,
		WriteTimeout:   10 * time.Second,
		IdleTimeout:    60 * time.Second,
		MaxHeaderBytes: 1 << 20, // 1 MB
	}
}
