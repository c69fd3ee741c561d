package server

import (
	"context"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/voundbrand/vc83-com-sub003/internal/agent"
	"github.com/voundbrand/vc83-com-sub003/internal/evidence"
	tkotel "github.com/voundbrand/vc83-com-sub003/internal/otel"
	"github.com/voundbrand/vc83-com-sub003/internal/tenant"
)

const (
	defaultTimeout = 60 * time.Second
	// inboundTimeout bounds a whole turn: model failover, tool rounds and delivery.
	inboundTimeout = 5 * time.Minute
	maxBodyBytes   = 1 << 20
)

// TurnService is what the API needs from the orchestrator.
// *agent.Orchestrator implements it.
type TurnService interface {
	Run(ctx context.Context, ev agent.InboundEvent) (*agent.TurnResult, error)
	SessionStatus(ctx context.Context, sessionID string) (*agent.SessionView, error)
	Takeover(ctx context.Context, sessionID string) error
	Resolve(ctx context.Context, sessionID string) error
	PendingApprovals(ctx context.Context, orgID string) ([]*agent.Approval, error)
	Approval(ctx context.Context, id string) (*agent.Approval, error)
	ResolveApproval(ctx context.Context, id, reviewer string, approve bool, reason string) (*agent.ApprovalResolution, error)
}

// AuditReader looks up signed turn records. *evidence.Store implements it.
type AuditReader interface {
	GetByTurn(ctx context.Context, turnID string) (*evidence.Evidence, error)
	VerifyTurn(ctx context.Context, turnID string) (*evidence.Evidence, bool, error)
}

// Server holds the dependencies of the HTTP API.
type Server struct {
	router        *chi.Mux
	turns         TurnService
	audit         AuditReader
	tenantManager *tenant.Manager
	apiKeys       map[string]string
	channels      map[string]bool
	startTime     time.Time
}

// Option configures the Server.
type Option func(*Server)

// WithTenantManager sets the per-org ingestion limiter.
func WithTenantManager(tm *tenant.Manager) Option {
	return func(s *Server) { s.tenantManager = tm }
}

// WithChannels restricts inbound events to the named channels. Without it
// every channel name is accepted and delivery decides what it can send.
func WithChannels(channels ...string) Option {
	return func(s *Server) {
		s.channels = make(map[string]bool, len(channels))
		for _, c := range channels {
			s.channels[c] = true
		}
	}
}

// NewServer builds a Server. apiKeys maps API key -> org id.
func NewServer(turns TurnService, audit AuditReader, apiKeys map[string]string, opts ...Option) *Server {
	s := &Server{
		router:    chi.NewRouter(),
		turns:     turns,
		audit:     audit,
		apiKeys:   apiKeys,
		startTime: time.Now(),
	}
	for _, opt := range opts {
		opt(s)
	}
	if s.apiKeys == nil {
		s.apiKeys = make(map[string]string)
	}
	return s
}

// Routes returns the chi router with all middleware and routes. The inbound
// route runs a full turn and gets its own longer timeout; the rate limiter
// sits only in front of ingestion.
func (s *Server) Routes() http.Handler {
	r := s.router
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	r.Use(tkotel.Middleware())

	r.Get("/health", s.handleHealth)

	r.Group(func(r chi.Router) {
		r.Use(AuthMiddleware(s.apiKeys))

		r.Group(func(r chi.Router) {
			r.Use(RateLimitMiddleware(s.tenantManager))
			r.Use(middleware.Timeout(inboundTimeout))
			r.Post("/v1/inbound/{channel}", s.handleInbound)
		})

		r.Group(func(r chi.Router) {
			r.Use(middleware.Timeout(defaultTimeout))
			r.Get("/v1/sessions/{id}", s.handleSessionGet)
			r.Post("/v1/sessions/{id}/takeover", s.handleTakeover)
			r.Post("/v1/sessions/{id}/resolve", s.handleResolve)

			r.Get("/v1/approvals/pending", s.handleApprovalsPending)
			r.Post("/v1/approvals/{id}/approve", s.handleApprove)
			r.Post("/v1/approvals/{id}/reject", s.handleReject)

			r.Get("/v1/audit/{turn_id}", s.handleAuditGet)
			r.Get("/v1/audit/{turn_id}/verify", s.handleAuditVerify)
		})
	})
	return r
}
