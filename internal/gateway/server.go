package gateway

import (
	"log/slog"
	"net/http"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/basket/activity-sync/internal/activity"
	"github.com/basket/activity-sync/internal/broker"
	"github.com/basket/activity-sync/internal/config"
	"github.com/basket/activity-sync/internal/ghtoken"
	"github.com/basket/activity-sync/internal/identity"
	"github.com/basket/activity-sync/internal/otel"
)

// Config wires every dependency the gateway's HTTP/WS surface needs.
// Grounded on the teacher's internal/gateway/gateway.go Config shape: a flat
// struct of already-constructed collaborators, assembled once in cmd/ and
// handed to New.
type Config struct {
	Activity    *activity.Repository
	Broker      *broker.Broker
	Identity    *identity.Verifier
	GHExchanger *ghtoken.Exchanger

	// Pool and ActivityChannel back the pg_notify leg of publish — see
	// handlers.go's publish. Pool may be nil in tests that never mutate.
	Pool            *pgxpool.Pool
	ActivityChannel string

	Logger *slog.Logger

	// AuditRecord, when set, is called after every mutation decision.
	// Typically audit.Record from internal/audit.
	AuditRecord func(decision, org, taskID, actingUser, eventType, reason string)

	PrometheusHandler http.Handler

	// Metrics records the §4.11 OTel counters/histograms. Left nil in tests
	// that don't care about telemetry; every call site guards against that.
	Metrics *otel.Metrics

	RateLimit config.RateLimitConfig
	CORS      config.CORSConfig

	AuthEnabled          bool
	MaxRequestBodyBytes  int64
	ActivityDefaultLimit int

	ActivityCatchupBatchSize int
	WSAuthRefreshInterval    time.Duration
	WSBulkSyncThreshold      int
}

// Server holds the gateway's wired dependencies and serves SPEC_FULL.md §6's
// REST + WebSocket surface.
type Server struct {
	cfg Config
}

// New constructs a Server from cfg, filling in conservative defaults for any
// zero-valued tunable.
func New(cfg Config) *Server {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.ActivityDefaultLimit <= 0 {
		cfg.ActivityDefaultLimit = 200
	}
	if cfg.ActivityCatchupBatchSize <= 0 {
		cfg.ActivityCatchupBatchSize = 100
	}
	if cfg.WSAuthRefreshInterval <= 0 {
		cfg.WSAuthRefreshInterval = 2 * time.Minute
	}
	if cfg.WSBulkSyncThreshold <= 0 {
		cfg.WSBulkSyncThreshold = 100
	}
	if cfg.PrometheusHandler == nil {
		cfg.PrometheusHandler = http.NotFoundHandler()
	}
	return &Server{cfg: cfg}
}

// Handler builds the full route table, wrapped by the CORS, rate-limit,
// auth, and request-size-limit middleware in that order — mirroring the
// teacher's outermost-first Wrap nesting in internal/gateway/gateway.go.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("GET /health", s.handleHealth)
	mux.HandleFunc("GET /metrics", s.handleMetrics)
	mux.HandleFunc("GET /v1/identity", s.handleIdentity)
	mux.HandleFunc("GET /v1/tasks/bulk", s.handleBulkSnapshot)
	mux.HandleFunc("POST /v1/tasks", s.handleCreateTask)
	mux.HandleFunc("PATCH /v1/tasks/{id}", s.handleUpdateTask)
	mux.HandleFunc("POST /v1/tasks/{id}/assign", s.handleAssignTask)
	mux.HandleFunc("DELETE /v1/tasks/{id}", s.handleDeleteTask)
	mux.HandleFunc("GET /v1/activity", s.handleActivitySince)
	mux.HandleFunc("GET /v1/oauth/github/token", s.handleGitHubToken)
	mux.HandleFunc("GET /ws", s.handleWebSocket)

	rateLimiter := NewRateLimitMiddleware(s.cfg.RateLimit)
	rateLimiter.SetMetrics(s.cfg.Metrics)

	var handler http.Handler = mux
	handler = NewAuthMiddleware(s.cfg.Identity, s.cfg.AuthEnabled).Wrap(handler)
	handler = rateLimiter.Wrap(handler)
	handler = NewCORSMiddleware(s.cfg.CORS)(handler)
	handler = RequestSizeLimitMiddleware(s.cfg.MaxRequestBodyBytes)(handler)
	handler = s.requestDurationMiddleware(handler)
	return handler
}

// requestDurationMiddleware times the full middleware-wrapped request,
// recording activity_sync.request.duration. Kept outermost so the recorded
// duration includes rate limiting, auth, and CORS handling, not just the
// route handler itself.
func (s *Server) requestDurationMiddleware(next http.Handler) http.Handler {
	if s.cfg.Metrics == nil {
		return next
	}
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		next.ServeHTTP(w, r)
		s.cfg.Metrics.RequestDuration.Record(r.Context(), time.Since(start).Seconds())
	})
}
