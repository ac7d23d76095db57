package server

import (
	"context"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/michaelbrown/wasmbox/internal/config"
	"github.com/michaelbrown/wasmbox/internal/metrics"
	"github.com/michaelbrown/wasmbox/internal/storage"
)

// Server is the HTTP server for the wasmbox API.
type Server struct {
	cfg     *config.Config
	exec    *Executor
	store   storage.Store
	metrics *metrics.Metrics
	logger  *zap.Logger
	router  chi.Router
	http    *http.Server

	connMu sync.Mutex
	conns  map[*websocket.Conn]struct{}
}

// New creates a new Server. store may be nil, in which case the history
// endpoints report that history is disabled.
func New(cfg *config.Config, exec *Executor, store storage.Store, m *metrics.Metrics, logger *zap.Logger) *Server {
	if logger == nil {
		logger = zap.NewNop()
	}
	s := &Server{
		cfg:     cfg,
		exec:    exec,
		store:   store,
		metrics: m,
		logger:  logger,
		router:  chi.NewRouter(),
		conns:   make(map[*websocket.Conn]struct{}),
	}
	s.setupRoutes()
	return s
}

func (s *Server) setupRoutes() {
	r := s.router

	// Global middleware
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(requestLogger(s.logger))
	r.Use(middleware.Recoverer)
	if s.metrics != nil {
		r.Use(metrics.Middleware(s.metrics))
	}

	r.Get("/health", s.handleHealth)
	if s.metrics != nil {
		r.Method(http.MethodGet, "/metrics", s.metrics.Handler())
	}

	limit := globalRateLimit(s.cfg.Server.RateLimit, s.metrics)

	// WebSocket (no JSON content-type)
	r.With(limit).Get("/ws", s.handleWebSocket)

	r.Group(func(r chi.Router) {
		r.Use(jsonContentType)

		r.With(limit).Post("/execute", s.handleExecute)

		r.Get("/inflight", s.handleInflight)
		r.Get("/executions", s.handleListExecutions)
		r.Get("/executions/{id}", s.handleGetExecution)
	})
}

// jsonContentType sets Content-Type to application/json for API routes.
func jsonContentType(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		next.ServeHTTP(w, r)
	})
}

// requestLogger logs one line per request at info level.
func requestLogger(logger *zap.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)

			next.ServeHTTP(ww, r)

			logger.Info("request",
				zap.String("method", r.Method),
				zap.String("path", r.URL.Path),
				zap.Int("status", ww.Status()),
				zap.Int("bytes", ww.BytesWritten()),
				zap.Duration("duration", time.Since(start)),
				zap.String("request_id", middleware.GetReqID(r.Context())),
				zap.String("remote", r.RemoteAddr),
			)
		})
	}
}

// Handler returns the root handler, for embedding or tests.
func (s *Server) Handler() http.Handler { return s.router }

// Start begins listening on the given port.
func (s *Server) Start(port int) error {
	addr := fmt.Sprintf(":%d", port)
	s.http = &http.Server{
		Addr:              addr,
		Handler:           s.router,
		ReadHeaderTimeout: 10 * time.Second,
	}

	s.logger.Info("wasmbox server starting", zap.String("addr", "http://localhost"+addr))
	return s.http.ListenAndServe()
}

// Shutdown closes websocket connections and gracefully shuts down the
// server. Running executions finish within their own deadlines.
func (s *Server) Shutdown(ctx context.Context) error {
	s.logger.Info("shutting down server")
	s.closeConns()

	if s.http == nil {
		return nil
	}
	shutdownCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()

	return s.http.Shutdown(shutdownCtx)
}
