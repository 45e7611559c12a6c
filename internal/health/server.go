package health

import (
	"context"
	"encoding/json"
	"errors"
	"net"
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"grimm.is/harborshield/internal/logging"
)

// Server serves /health, /livez, /metrics and /debug/logs.
type Server struct {
	checker *Checker
	logs    *logging.RingBuffer
	metrics http.Handler
	logger  *logging.Logger
	srv     *http.Server
}

// NewServer creates a server on addr. A nil metrics handler serves the
// default Prometheus registry; a nil logs buffer disables /debug/logs.
func NewServer(addr string, checker *Checker, metrics http.Handler, logs *logging.RingBuffer) *Server {
	if metrics == nil {
		metrics = promhttp.Handler()
	}
	s := &Server{
		checker: checker,
		logs:    logs,
		metrics: metrics,
		logger:  logging.WithComponent("health"),
	}
	s.srv = &http.Server{
		Addr:              addr,
		Handler:           s.Handler(),
		ReadHeaderTimeout: 5 * time.Second,
		ReadTimeout:       10 * time.Second,
		WriteTimeout:      15 * time.Second,
		IdleTimeout:       60 * time.Second,
	}
	return s
}

// Handler returns the route mux.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.Handle("GET /health", s.checker.Handler())
	mux.Handle("GET /livez", LivenessHandler())
	mux.Handle("GET /metrics", s.metrics)
	if s.logs != nil {
		mux.HandleFunc("GET /debug/logs", s.handleLogs)
	}
	return mux
}

// Serve listens on ln until ctx is cancelled, then shuts down gracefully.
func (s *Server) Serve(ctx context.Context, ln net.Listener) error {
	errCh := make(chan error, 1)
	go func() { errCh <- s.srv.Serve(ln) }()
	s.logger.Info("health endpoint listening", "addr", ln.Addr().String())

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
	defer cancel()
	if err := s.srv.Shutdown(shutdownCtx); err != nil {
		return err
	}
	if err := <-errCh; !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// ListenAndServe binds the configured address and calls Serve.
func (s *Server) ListenAndServe(ctx context.Context) error {
	ln, err := net.Listen("tcp", s.srv.Addr)
	if err != nil {
		return err
	}
	return s.Serve(ctx, ln)
}

func (s *Server) handleLogs(w http.ResponseWriter, r *http.Request) {
	limit := 200
	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n <= 0 {
			http.Error(w, "invalid limit", http.StatusBadRequest)
			return
		}
		limit = n
	}

	var entries []logging.AppLogEntry
	if source := r.URL.Query().Get("source"); source != "" {
		entries = s.logs.BySource(source, limit)
	} else {
		entries = s.logs.Tail(limit)
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(entries)
}
