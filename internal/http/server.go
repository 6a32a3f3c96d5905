// Package http serves the OpenAI-compatible API in front of the browser
// session pool.
package http

import (
	"context"
	"net/http"
	"time"

	"github.com/roelfdiedericks/chatrelay/internal/config"
	. "github.com/roelfdiedericks/chatrelay/internal/logging"
	"github.com/roelfdiedericks/chatrelay/internal/pool"
	"github.com/roelfdiedericks/chatrelay/internal/queue"
)

// Server is the HTTP front end
type Server struct {
	server *http.Server

	cfg   config.ServerConfig
	relay config.RelayConfig
	page  config.PageConfig

	queue *queue.Queue
	pool  *pool.Pool
}

// NewServer wires the API onto the admission queue and session pool
func NewServer(cfg *config.Config, q *queue.Queue, p *pool.Pool) *Server {
	s := &Server{
		cfg:   cfg.Server,
		relay: cfg.Relay,
		page:  cfg.Page,
		queue: q,
		pool:  p,
	}

	s.server = &http.Server{
		Addr:        cfg.Server.Listen,
		Handler:     s.setupRoutes(),
		ReadTimeout: 30 * time.Second,
		// No write timeout: streaming responses run until the page
		// signals completion
		IdleTimeout: 120 * time.Second,
	}

	return s
}

// setupRoutes configures all HTTP routes
func (s *Server) setupRoutes() http.Handler {
	mux := http.NewServeMux()

	// Middleware chain: logging -> strip headers -> api key
	wrap := func(h http.HandlerFunc) http.HandlerFunc {
		return s.logRequest(s.stripHeaders(s.checkAPIKey(h)))
	}

	mux.HandleFunc("/v1/chat/completions", wrap(s.handleChatCompletions))
	mux.HandleFunc("/health", s.logRequest(s.stripHeaders(s.handleHealth)))

	return mux
}

// Start begins serving in the background
func (s *Server) Start() {
	go func() {
		L_info("http: server starting", "addr", s.server.Addr)
		err := s.server.ListenAndServe()
		if err != nil && err != http.ErrServerClosed {
			L_error("http: server error", "error", err)
		}
	}()
}

// Stop gracefully shuts down the HTTP server
func (s *Server) Stop() error {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := s.server.Shutdown(ctx); err != nil {
		L_error("http: shutdown error", "error", err)
		return err
	}

	L_info("http: server stopped")
	return nil
}

// logRequest wraps an HTTP handler to log requests
func (s *Server) logRequest(handler http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		lw := &loggingResponseWriter{ResponseWriter: w, statusCode: http.StatusOK}

		handler(lw, r)

		L_debug("http: request",
			"method", r.Method,
			"path", r.URL.Path,
			"status", lw.statusCode,
			"duration", time.Since(start))
	}
}

// loggingResponseWriter wraps ResponseWriter to capture status code
type loggingResponseWriter struct {
	http.ResponseWriter
	statusCode int
}

func (lw *loggingResponseWriter) WriteHeader(code int) {
	lw.statusCode = code
	lw.ResponseWriter.WriteHeader(code)
}

// Flush implements http.Flusher for SSE support
func (lw *loggingResponseWriter) Flush() {
	if f, ok := lw.ResponseWriter.(http.Flusher); ok {
		f.Flush()
	}
}

// stripHeaders removes fingerprinting headers
func (s *Server) stripHeaders(handler http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		w.Header().Del("Server")
		w.Header().Del("X-Powered-By")

		handler(w, r)
	}
}

// checkAPIKey enforces the shared key when one is configured
func (s *Server) checkAPIKey(handler http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if s.cfg.APIKey != "" && r.Header.Get("apikey") != s.cfg.APIKey {
			L_warn("http: rejected request with bad api key", "path", r.URL.Path)
			writeError(w, http.StatusUnauthorized, "Invalid API key")
			return
		}
		handler(w, r)
	}
}
