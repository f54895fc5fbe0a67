package api

import (
	"context"
	"encoding/json"
	"net/http"
	"runtime"
	"time"

	"github.com/gorilla/mux"
	"github.com/jonboulle/clockwork"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/cors"
	"go.uber.org/zap"

	"kioskwatch/internal/metrics"
	"kioskwatch/internal/presence"
	"kioskwatch/internal/reconcile"
	"kioskwatch/pkg/interfaces"
	"kioskwatch/pkg/types"
)

// Reconciler is the manual trigger surface of the reconcile package.
type Reconciler interface {
	RunManual(ctx context.Context, params reconcile.ManualParams) (types.CleanupResult, error)
	Stats(ctx context.Context) (types.SessionStats, error)
}

// HealthChecker verifies a dependency is usable.
type HealthChecker interface {
	HealthCheck(ctx context.Context) error
}

// Deps are the collaborators the HTTP surface delegates to.
type Deps struct {
	Sessions   interfaces.SessionManager
	Reconciler Reconciler
	Store      HealthChecker
	Evaluator  *presence.Evaluator
	WebSocket  http.Handler
	Gatherer   prometheus.Gatherer
	Metrics    *metrics.Metrics
	Limiter    *RateLimiter
	Clock      clockwork.Clock
	Logger     *zap.Logger

	// Components report liveness of background workers for /health.
	Components map[string]func() bool
	// Connections reports the number of open dashboard sockets.
	Connections func() int

	AllowedOrigins []string
}

// ARCHITECTURAL DISCOVERY: HTTP API layer serves as pure interface between external clients and internal components
// Clean separation - no business logic, only HTTP handling and JSON serialization
type Server struct {
	sessions   interfaces.SessionManager
	reconciler Reconciler
	store      HealthChecker
	evaluator  *presence.Evaluator
	limiter    *RateLimiter
	metrics    *metrics.Metrics
	clock      clockwork.Clock
	logger     *zap.Logger
	components map[string]func() bool
	conns      func() int
	started    time.Time

	router  *mux.Router
	handler http.Handler
}

// FUNCTIONAL DISCOVERY: Constructor initializes all dependencies and sets up routing
// Dependency injection pattern maintains architectural boundaries
func NewServer(d Deps) *Server {
	if d.Logger == nil {
		d.Logger = zap.NewNop()
	}
	if d.Clock == nil {
		d.Clock = clockwork.NewRealClock()
	}
	if d.Evaluator == nil {
		d.Evaluator = presence.NewEvaluator(0, d.Clock)
	}
	if d.Limiter == nil {
		d.Limiter = NewRateLimiter(1, 5, d.Clock)
	}
	if d.Gatherer == nil {
		d.Gatherer = prometheus.DefaultGatherer
	}
	if len(d.AllowedOrigins) == 0 {
		d.AllowedOrigins = []string{"*"}
	}

	s := &Server{
		sessions:   d.Sessions,
		reconciler: d.Reconciler,
		store:      d.Store,
		evaluator:  d.Evaluator,
		limiter:    d.Limiter,
		metrics:    d.Metrics,
		clock:      d.Clock,
		logger:     d.Logger.With(zap.String("component", "api")),
		components: d.Components,
		conns:      d.Connections,
		started:    d.Clock.Now(),
		router:     mux.NewRouter(),
	}

	s.setupRoutes(d.WebSocket, d.Gatherer)

	c := cors.New(cors.Options{
		AllowedOrigins: d.AllowedOrigins,
		AllowedMethods: []string{http.MethodGet, http.MethodPost, http.MethodOptions},
		AllowedHeaders: []string{"Content-Type", "Authorization"},
		MaxAge:         86400,
	})
	s.handler = c.Handler(s.router)
	return s
}

// ARCHITECTURAL DISCOVERY: Route setup follows REST conventions with proper middleware
func (s *Server) setupRoutes(ws http.Handler, gatherer prometheus.Gatherer) {
	s.router.Use(s.recoveryMiddleware)
	s.router.Use(tracingMiddleware)
	s.router.Use(s.loggingMiddleware)

	s.router.Handle("/metrics", promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{}))
	if ws != nil {
		s.router.Handle("/ws/sessions", ws).Methods(http.MethodGet)
	}

	api := s.router.NewRoute().Subrouter()
	api.Use(jsonMiddleware)

	// manual trigger answers 405 itself so the envelope stays JSON
	api.HandleFunc("/cleanup", s.handleCleanup)
	api.HandleFunc("/stats", s.handleStats)
	api.HandleFunc("/health", s.healthCheck).Methods(http.MethodGet)

	kiosks := api.PathPrefix("/api/kiosks").Subrouter()
	kiosks.HandleFunc("/sessions", s.openSession).Methods(http.MethodPost)
	kiosks.HandleFunc("/sessions", s.listSessions).Methods(http.MethodGet)
	kiosks.HandleFunc("/{kioskId}/heartbeat", s.heartbeat).Methods(http.MethodPost)
	kiosks.HandleFunc("/{kioskId}/end", s.endSession).Methods(http.MethodPost)
	kiosks.HandleFunc("/{kioskId}", s.getSession).Methods(http.MethodGet)

	s.router.NotFoundHandler = jsonMiddleware(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		s.sendError(w, "Not found", http.StatusNotFound)
	}))
	s.router.MethodNotAllowedHandler = jsonMiddleware(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		s.sendError(w, "Method not allowed", http.StatusMethodNotAllowed)
	}))
}

// FUNCTIONAL DISCOVERY: Implement http.Handler interface for integration with standard HTTP server
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.handler.ServeHTTP(w, r)
}

// Limiter exposes the heartbeat limiter so the owner can schedule Cleanup.
func (s *Server) Limiter() *RateLimiter {
	return s.limiter
}

type HealthResponse struct {
	Status      string                 `json:"status"`
	Timestamp   time.Time              `json:"timestamp"`
	Database    string                 `json:"database"`
	Components  map[string]string      `json:"components"`
	Connections int                    `json:"connections"`
	System      map[string]interface{} `json:"system"`
}

type ErrorResponse struct {
	Error   string `json:"error"`
	Code    int    `json:"code"`
	Message string `json:"message"`
}

// FUNCTIONAL DISCOVERY: GET /health - System health check with component validation
func (s *Server) healthCheck(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
	defer cancel()

	status := "healthy"
	dbStatus := "healthy"
	if s.store != nil {
		if err := s.store.HealthCheck(ctx); err != nil {
			status = "unhealthy"
			dbStatus = "error: " + err.Error()
		}
	}

	components := make(map[string]string, len(s.components))
	for name, running := range s.components {
		if running() {
			components[name] = "running"
		} else {
			components[name] = "stopped"
			status = "unhealthy"
		}
	}

	connections := 0
	if s.conns != nil {
		connections = s.conns()
	}

	response := HealthResponse{
		Status:      status,
		Timestamp:   s.clock.Now(),
		Database:    dbStatus,
		Components:  components,
		Connections: connections,
		System: map[string]interface{}{
			"goroutines": runtime.NumGoroutine(),
			"uptime":     s.clock.Since(s.started).Round(time.Second).String(),
		},
	}

	// FUNCTIONAL DISCOVERY: Return 503 if any component is unhealthy
	code := http.StatusOK
	if status == "unhealthy" {
		code = http.StatusServiceUnavailable
	}
	s.writeJSON(w, code, response)
}

func (s *Server) writeJSON(w http.ResponseWriter, code int, v interface{}) {
	w.WriteHeader(code)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		s.logger.Debug("failed to write response", zap.Error(err))
	}
}

// FUNCTIONAL DISCOVERY: Consistent error response format
func (s *Server) sendError(w http.ResponseWriter, message string, code int) {
	s.writeJSON(w, code, ErrorResponse{
		Error:   http.StatusText(code),
		Code:    code,
		Message: message,
	})
}
