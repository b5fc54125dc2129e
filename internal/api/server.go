// Package api provides the optional HTTP surface that runs alongside a scan:
// Prometheus metrics, a health check, the learned network profiles and the
// hosts finished so far.
package api

import (
	"context"
	"encoding/json"
	"fmt"
	"net"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/handlers"
	"github.com/gorilla/mux"

	"github.com/anstrom/portscope/internal/adaptive"
	"github.com/anstrom/portscope/internal/logging"
	"github.com/anstrom/portscope/internal/metrics"
	"github.com/anstrom/portscope/internal/netclass"
	"github.com/anstrom/portscope/internal/scanning"
)

// Server timeout constants.
const (
	serverShutdownTimeout = 5 * time.Second
	readHeaderTimeout     = 5 * time.Second
	writeTimeout          = 10 * time.Second
)

// ProfileSource is the read side of the learning engine.
type ProfileSource interface {
	Profiles() []adaptive.Profile
	Profile(class netclass.Class) (adaptive.Profile, bool)
	Recommend(class netclass.Class) adaptive.Recommendation
}

// Config holds API server configuration.
type Config struct {
	Listen      string
	EnableCORS  bool
	CORSOrigins []string
	Version     string
}

// DefaultConfig returns default API server configuration.
func DefaultConfig() Config {
	return Config{
		Listen:      "127.0.0.1:9109",
		EnableCORS:  true,
		CORSOrigins: []string{"*"},
		Version:     "dev",
	}
}

// Server represents the API server.
type Server struct {
	httpServer *http.Server
	router     *mux.Router
	config     Config
	profiles   ProfileSource
	progress   *Progress
	prom       *metrics.PrometheusMetrics
	logger     *logging.Logger
	startTime  time.Time
}

// New creates a server. prom and progress may be nil; the corresponding
// endpoints then report that nothing is available.
func New(cfg Config, profiles ProfileSource, prom *metrics.PrometheusMetrics, progress *Progress, logger *logging.Logger) *Server {
	if logger == nil {
		logger = logging.Default()
	}
	s := &Server{
		router:    mux.NewRouter(),
		config:    cfg,
		profiles:  profiles,
		progress:  progress,
		prom:      prom,
		logger:    logger.WithComponent("api"),
		startTime: time.Now(),
	}
	s.setupRoutes()
	s.setupMiddleware()

	s.httpServer = &http.Server{
		Addr:              cfg.Listen,
		Handler:           s.router,
		ReadHeaderTimeout: readHeaderTimeout,
		WriteTimeout:      writeTimeout,
	}
	return s
}

// Start binds the listener, so a bad address fails immediately, and serves
// until ctx is done.
func (s *Server) Start(ctx context.Context) error {
	ln, err := net.Listen("tcp", s.httpServer.Addr)
	if err != nil {
		return fmt.Errorf("API server failed to listen on %s: %w", s.httpServer.Addr, err)
	}
	s.logger.Info("Starting API server", "address", ln.Addr().String())

	errChan := make(chan error, 1)
	go func() {
		if err := s.httpServer.Serve(ln); err != nil && err != http.ErrServerClosed {
			errChan <- fmt.Errorf("API server failed: %w", err)
		}
	}()

	select {
	case <-ctx.Done():
		return s.Stop()
	case err := <-errChan:
		return err
	}
}

// Stop gracefully stops the API server.
func (s *Server) Stop() error {
	ctx, cancel := context.WithTimeout(context.Background(), serverShutdownTimeout)
	defer cancel()

	if err := s.httpServer.Shutdown(ctx); err != nil {
		s.logger.Error("API server shutdown error", "error", err)
		return fmt.Errorf("server shutdown failed: %w", err)
	}
	s.logger.Info("API server stopped")
	return nil
}

// Handler returns the routed handler with middleware applied.
func (s *Server) Handler() http.Handler {
	return s.router
}

func (s *Server) setupRoutes() {
	s.router.HandleFunc("/healthz", s.healthHandler).Methods(http.MethodGet)
	if s.prom != nil {
		s.router.Handle("/metrics", s.prom.Handler()).Methods(http.MethodGet)
	}

	api := s.router.PathPrefix("/api/v1").Subrouter()
	api.HandleFunc("/profiles", s.listProfilesHandler).Methods(http.MethodGet)
	api.HandleFunc("/profiles/{class}", s.getProfileHandler).Methods(http.MethodGet)
	api.HandleFunc("/scan/hosts", s.scanHostsHandler).Methods(http.MethodGet)
}

func (s *Server) setupMiddleware() {
	s.router.Use(s.recoveryMiddleware)
	s.router.Use(s.loggingMiddleware)

	if s.config.EnableCORS {
		origins := s.config.CORSOrigins
		if len(origins) == 0 {
			origins = []string{"*"}
		}
		s.router.Use(handlers.CORS(
			handlers.AllowedOrigins(origins),
			handlers.AllowedMethods([]string{http.MethodGet, http.MethodOptions}),
			handlers.AllowedHeaders([]string{"Content-Type"}),
		))
	}
}

// ErrorResponse represents a standard API error response.
type ErrorResponse struct {
	Error     string    `json:"error"`
	Timestamp time.Time `json:"timestamp"`
}

// ProfileResponse is a learned profile together with what it recommends.
type ProfileResponse struct {
	Class                  netclass.Class `json:"class"`
	Learned                bool           `json:"learned"`
	TimeoutEMAMillis       float64        `json:"timeout_ema_ms"`
	SuccessRateEMA         float64        `json:"success_rate_ema"`
	RecommendedParallelism int            `json:"recommended_parallelism"`
	SampleCount            uint64         `json:"sample_count"`
	LastUpdated            *time.Time     `json:"last_updated,omitempty"`
	TimeoutMillis          int64          `json:"recommended_timeout_ms"`
	Rate                   float64        `json:"recommended_rate"`
	Parallelism            int            `json:"recommended_port_parallelism"`
}

func (s *Server) profileResponse(class netclass.Class, p adaptive.Profile, learned bool) ProfileResponse {
	rec := s.profiles.Recommend(class)
	resp := ProfileResponse{
		Class:         class,
		Learned:       learned,
		TimeoutMillis: rec.Timeout.Milliseconds(),
		Rate:          rec.Rate,
		Parallelism:   rec.Parallelism,
	}
	if learned {
		resp.TimeoutEMAMillis = p.TimeoutEMA
		resp.SuccessRateEMA = p.SuccessRateEMA
		resp.RecommendedParallelism = p.RecommendedParallelism
		resp.SampleCount = p.SampleCount
		updated := p.LastUpdated
		resp.LastUpdated = &updated
	}
	return resp
}

func (s *Server) healthHandler(w http.ResponseWriter, r *http.Request) {
	response := map[string]interface{}{
		"status":    "ok",
		"version":   s.config.Version,
		"uptime":    time.Since(s.startTime).Round(time.Second).String(),
		"timestamp": time.Now().UTC(),
	}
	if s.progress != nil {
		response["hosts_completed"] = s.progress.Count()
	}
	s.writeJSON(w, r, http.StatusOK, response)
}

// listProfilesHandler reports every class, learned or not.
func (s *Server) listProfilesHandler(w http.ResponseWriter, r *http.Request) {
	if s.profiles == nil {
		s.writeError(w, r, http.StatusServiceUnavailable, fmt.Errorf("learning engine not available"))
		return
	}
	learned := make(map[netclass.Class]adaptive.Profile)
	for _, p := range s.profiles.Profiles() {
		learned[p.Class] = p
	}

	out := make([]ProfileResponse, 0, len(netclass.All))
	for _, class := range netclass.All {
		p, ok := learned[class]
		out = append(out, s.profileResponse(class, p, ok))
	}
	s.writeJSON(w, r, http.StatusOK, out)
}

func (s *Server) getProfileHandler(w http.ResponseWriter, r *http.Request) {
	if s.profiles == nil {
		s.writeError(w, r, http.StatusServiceUnavailable, fmt.Errorf("learning engine not available"))
		return
	}
	class, ok := parseClass(mux.Vars(r)["class"])
	if !ok {
		s.writeError(w, r, http.StatusBadRequest, fmt.Errorf("unknown network class %q", mux.Vars(r)["class"]))
		return
	}
	p, learned := s.profiles.Profile(class)
	s.writeJSON(w, r, http.StatusOK, s.profileResponse(class, p, learned))
}

func (s *Server) scanHostsHandler(w http.ResponseWriter, r *http.Request) {
	if s.progress == nil {
		s.writeError(w, r, http.StatusNotFound, fmt.Errorf("no scan is running"))
		return
	}
	hosts := s.progress.Hosts()
	s.writeJSON(w, r, http.StatusOK, map[string]interface{}{
		"completed": len(hosts),
		"hosts":     hosts,
	})
}

func parseClass(s string) (netclass.Class, bool) {
	for _, c := range netclass.All {
		if strings.EqualFold(string(c), s) {
			return c, true
		}
	}
	return "", false
}

func (s *Server) writeJSON(w http.ResponseWriter, r *http.Request, statusCode int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)

	if err := json.NewEncoder(w).Encode(data); err != nil {
		s.logger.Error("Failed to encode JSON response",
			"error", err,
			"path", r.URL.Path,
			"method", r.Method)
	}
}

func (s *Server) writeError(w http.ResponseWriter, r *http.Request, statusCode int, err error) {
	s.logger.Debug("API error",
		"method", r.Method,
		"path", r.URL.Path,
		"status", statusCode,
		"error", err)
	s.writeJSON(w, r, statusCode, ErrorResponse{Error: err.Error(), Timestamp: time.Now().UTC()})
}

// recoveryMiddleware recovers from panics and returns a 500 error.
func (s *Server) recoveryMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		defer func() {
			if err := recover(); err != nil {
				s.logger.Error("Panic in API handler",
					"error", err,
					"path", r.URL.Path,
					"method", r.Method)
				s.writeError(w, r, http.StatusInternalServerError, fmt.Errorf("internal server error"))
			}
		}()
		next.ServeHTTP(w, r)
	})
}

// loggingMiddleware logs requests and reports them to Prometheus under the
// route template, so per-class paths share one series.
func (s *Server) loggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		wrapped := &responseWriter{ResponseWriter: w, statusCode: http.StatusOK}

		next.ServeHTTP(wrapped, r)

		duration := time.Since(start)
		path := r.URL.Path
		if route := mux.CurrentRoute(r); route != nil {
			if tmpl, err := route.GetPathTemplate(); err == nil {
				path = tmpl
			}
		}
		s.logger.Debug("HTTP request",
			"method", r.Method,
			"path", path,
			"status", wrapped.statusCode,
			"duration", duration,
			"remote_addr", r.RemoteAddr)

		if s.prom != nil {
			s.prom.IncrementHTTPRequests(r.Method, path, strconv.Itoa(wrapped.statusCode))
			s.prom.RecordHTTPDuration(r.Method, path, duration)
		}
	})
}

// responseWriter wraps http.ResponseWriter to capture status code.
type responseWriter struct {
	http.ResponseWriter
	statusCode int
}

func (rw *responseWriter) WriteHeader(code int) {
	rw.statusCode = code
	rw.ResponseWriter.WriteHeader(code)
}

// Progress collects finished host reports while a scan runs. Record is
// shaped to be passed to scanning.WithHostCallback.
type Progress struct {
	mu    sync.RWMutex
	hosts []scanning.HostResult
}

// NewProgress returns an empty tracker.
func NewProgress() *Progress {
	return &Progress{}
}

// Record stores a finished host.
func (p *Progress) Record(h scanning.HostResult) {
	p.mu.Lock()
	p.hosts = append(p.hosts, h)
	p.mu.Unlock()
}

// Count returns how many hosts have finished.
func (p *Progress) Count() int {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return len(p.hosts)
}

// Hosts returns a copy of the finished hosts in completion order.
func (p *Progress) Hosts() []scanning.HostResult {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return append([]scanning.HostResult(nil), p.hosts...)
}
