// Package server exposes the request agent over HTTP.
package server

import (
	"context"
	"errors"
	"net/http"
	"time"

	ra "github.com/Laboratory-for-Safe-and-Secure-Systems/kritis3m_ra"
	"github.com/Laboratory-for-Safe-and-Secure-Systems/kritis3m_ra/internal/alogger"
	"github.com/Laboratory-for-Safe-and-Secure-Systems/kritis3m_ra/internal/authz"
	"github.com/Laboratory-for-Safe-and-Secure-Systems/kritis3m_ra/internal/common"
	"github.com/Laboratory-for-Safe-and-Secure-Systems/kritis3m_ra/internal/db"
	"github.com/Laboratory-for-Safe-and-Secure-Systems/kritis3m_ra/internal/processor"
	"github.com/Laboratory-for-Safe-and-Secure-Systems/kritis3m_ra/internal/status"
	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// URI constants.
const (
	checkRequestEndpoint = "/ca/checkRequest"
	requestEndpoint      = "/ca/requests/{" + requestIDParamName + "}"
	requestsEndpoint     = "/ca/requests"
	processEndpoint      = "/ca/processReq"
	auditEventsEndpoint  = "/audit/events"
	auditFeedEndpoint    = "/audit/feed"
	healthCheckEndpoint  = "/healthcheck"
	metricsEndpoint      = "/metrics"

	requestIDParamName = "requestId"
)

// AuditReader reads back appended audit records.
type AuditReader interface {
	Records(ctx context.Context, f db.AuditFilter) ([]ra.AuditRecord, error)
}

// Config contains the router configuration.
type Config struct {
	Subsystems    ra.Subsystems
	Status        *status.Checker
	Processor     *processor.Processor
	Authenticator *authz.Authenticator

	// AuditLog serves the audit events endpoint. The endpoint is not
	// mounted when nil.
	AuditLog AuditReader

	// AuditFeed streams audit records over websocket. The endpoint is not
	// mounted when nil.
	AuditFeed http.Handler

	// Health reports whether the backing store is reachable.
	Health func(ctx context.Context) error

	// SubmitValidity is the validity of certificates requested through
	// the submit endpoint.
	SubmitValidity time.Duration

	Logger    common.Logger
	Timeout   time.Duration
	RateLimit int
}

type server struct {
	queue      ra.RequestQueue
	authorizer ra.Authorizer
	status     *status.Checker
	processor  *processor.Processor
	auditLog   AuditReader
	auditFeed  http.Handler
	health     func(ctx context.Context) error
	validity   time.Duration
}

const defaultSubmitValidity = 90 * 24 * time.Hour

// NewRouter creates the HTTP handler serving the request agent endpoints.
func NewRouter(cfg *Config) (http.Handler, error) {
	switch {
	case cfg == nil:
		return nil, errors.New("no configuration provided")
	case cfg.Status == nil || cfg.Processor == nil:
		return nil, errors.New("status checker and processor are required")
	case cfg.Authenticator == nil:
		return nil, errors.New("no authenticator provided")
	case cfg.Subsystems.Queue == nil || cfg.Subsystems.Authorizer == nil:
		return nil, errors.New("request queue and authorizer are required")
	}

	s := &server{
		queue:      cfg.Subsystems.Queue,
		authorizer: cfg.Subsystems.Authorizer,
		status:     cfg.Status,
		processor:  cfg.Processor,
		auditLog:   cfg.AuditLog,
		auditFeed:  cfg.AuditFeed,
		health:     cfg.Health,
		validity:   cfg.SubmitValidity,
	}
	if s.validity <= 0 {
		s.validity = defaultSubmitValidity
	}

	logger := alogger.OrNop(cfg.Logger).With(common.FieldModule, "http")

	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(withLogger(logger))
	r.Use(middleware.Recoverer)
	r.Use(recordMetrics)
	if cfg.RateLimit > 0 {
		r.Use(rateLimit(cfg.RateLimit))
	}

	r.Get(healthCheckEndpoint, s.healthcheck)
	r.Handle(metricsEndpoint, promhttp.Handler())

	r.Group(func(r chi.Router) {
		r.Use(authenticate(cfg.Authenticator))

		r.Group(func(r chi.Router) {
			if cfg.Timeout > 0 {
				r.Use(middleware.Timeout(cfg.Timeout))
			}

			r.Get(checkRequestEndpoint, s.checkRequest)
			r.Post(checkRequestEndpoint, s.checkRequest)
			r.Get(requestEndpoint, s.checkRequest)
			r.Get(requestsEndpoint, s.listRequests)
			r.Post(requestsEndpoint, s.submitRequest)
			r.Post(processEndpoint, s.processRequest)

			if s.auditLog != nil {
				r.Get(auditEventsEndpoint, s.auditEvents)
			}
		})

		// The feed is long lived and must not be cut by the timeout.
		if s.auditFeed != nil {
			r.Get(auditFeedEndpoint, s.auditFeedHandler)
		}
	})

	return r, nil
}
