package server

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/movingally/smsrelay/internal/evidence"
	"github.com/movingally/smsrelay/internal/orchestrator"
	relayotel "github.com/movingally/smsrelay/internal/otel"
)

const (
	defaultTimeout = 60 * time.Second
	// defaultTurnTimeout bounds a whole turn: screening, the policy (which
	// has its own 30s deadline), actions and delivery.
	defaultTurnTimeout = 90 * time.Second
	maxBodyBytes       = 1 << 20
)

// Server holds the dependencies of the HTTP surface.
type Server struct {
	router        *chi.Mux
	turns         *orchestrator.Set
	evidenceStore *evidence.Store
	apiKeys       map[string]string
	inboundAuth   bool
	corsOrigins   []string
	limiter       *RateLimiter
	turnTimeout   time.Duration
	startTime     time.Time
}

// Option configures the Server.
type Option func(*Server)

// WithAPIKeys sets the accepted API keys, mapping key to caller name.
func WithAPIKeys(keys map[string]string) Option {
	return func(s *Server) { s.apiKeys = keys }
}

// WithInboundAuth requires an API key on /lead-details as well.
func WithInboundAuth(enabled bool) Option {
	return func(s *Server) { s.inboundAuth = enabled }
}

// WithCORSOrigins sets allowed CORS origins (["*"] for any).
func WithCORSOrigins(origins []string) Option {
	return func(s *Server) { s.corsOrigins = origins }
}

// WithRateLimits limits inbound messages per minute, globally and per lead.
// Zero disables the corresponding limit.
func WithRateLimits(globalRPM, perLeadRPM int) Option {
	return func(s *Server) { s.limiter = NewRateLimiter(globalRPM, perLeadRPM) }
}

// WithTurnTimeout overrides the per-turn deadline.
func WithTurnTimeout(d time.Duration) Option {
	return func(s *Server) {
		if d > 0 {
			s.turnTimeout = d
		}
	}
}

// NewServer builds a Server for the given profiles and audit store.
func NewServer(turns *orchestrator.Set, evidenceStore *evidence.Store, opts ...Option) *Server {
	s := &Server{
		router:        chi.NewRouter(),
		turns:         turns,
		evidenceStore: evidenceStore,
		corsOrigins:   []string{"*"},
		turnTimeout:   defaultTurnTimeout,
		startTime:     time.Now(),
	}
	for _, opt := range opts {
		opt(s)
	}
	if s.apiKeys == nil {
		s.apiKeys = make(map[string]string)
	}
	if s.limiter == nil {
		s.limiter = NewRateLimiter(0, 0)
	}
	return s
}

// Routes returns the chi router with all middleware and routes.
func (s *Server) Routes() http.Handler {
	r := s.router
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	r.Use(relayotel.Middleware())
	r.Use(CORSMiddleware(s.corsOrigins))

	// Unauthenticated
	r.Get("/health", s.handleHealth)

	// Inbound customer messages from the CRM gateway. No request timeout
	// middleware: the turn carries its own deadline.
	r.Group(func(r chi.Router) {
		if s.inboundAuth {
			r.Use(AuthMiddleware(s.apiKeys))
		}
		r.Post("/lead-details", s.handleLeadDetails)
		r.Post("/lead-details/{profile}", s.handleLeadDetails)
	})

	// Operator API
	r.Group(func(r chi.Router) {
		r.Use(AuthMiddleware(s.apiKeys))
		r.Use(middleware.Timeout(defaultTimeout))
		r.Get("/v1/turns", s.handleTurnList)
		r.Get("/v1/turns/export", s.handleTurnExport)
		r.Get("/v1/turns/{id}", s.handleTurnGet)
		r.Get("/v1/turns/{id}/verify", s.handleTurnVerify)
		r.Get("/v1/turns/{id}/timeline", s.handleTurnTimeline)
		r.Get("/v1/profiles", s.handleProfiles)
	})

	return r
}
