// Package authz gates the API behind an external accounting service.
package authz

import (
	"context"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/audax/qabel-index/internal/index/metrics"
	"github.com/audax/qabel-index/internal/platform/config"
	dErrors "github.com/audax/qabel-index/pkg/domain-errors"
	"github.com/audax/qabel-index/pkg/platform/audit"
	"github.com/audax/qabel-index/pkg/platform/circuit"
	"github.com/audax/qabel-index/pkg/platform/httputil"
	"github.com/audax/qabel-index/pkg/requestcontext"
)

// Reasons shown to clients. They never carry accounting service details.
const (
	ReasonMissing     = "No authorization supplied."
	ReasonUnreachable = "Accounting server unreachable."
	ReasonRejected    = "Authorization rejected."
)

const (
	decisionApproved    = "approved"
	decisionDenied      = "denied"
	decisionMissing     = "missing"
	decisionUnreachable = "unreachable"
)

// Gate admits a request only after the accounting service approves its
// Authorization header. Identical concurrent checks share one upstream call.
// After repeated outages the breaker opens and checks fail fast as unreachable.
type Gate struct {
	checker Checker
	cache   ApprovalCache
	ttl     time.Duration
	breaker *circuit.Breaker
	group   singleflight.Group
	metrics *metrics.Metrics
	auditor audit.Emitter
	logger  *slog.Logger
}

type Option func(*Gate)

// WithCache enables approval caching for ttl.
func WithCache(cache ApprovalCache, ttl time.Duration) Option {
	return func(g *Gate) {
		if cache != nil && ttl > 0 {
			g.cache = cache
			g.ttl = ttl
		}
	}
}

func WithBreaker(b *circuit.Breaker) Option {
	return func(g *Gate) {
		if b != nil {
			g.breaker = b
		}
	}
}

func WithMetrics(m *metrics.Metrics) Option {
	return func(g *Gate) {
		g.metrics = m
	}
}

func WithAuditor(a audit.Emitter) Option {
	return func(g *Gate) {
		if a != nil {
			g.auditor = a
		}
	}
}

func WithLogger(logger *slog.Logger) Option {
	return func(g *Gate) {
		if logger != nil {
			g.logger = logger
		}
	}
}

func NewGate(checker Checker, opts ...Option) *Gate {
	g := &Gate{
		checker: checker,
		breaker: circuit.New("accounting"),
		auditor: audit.Nop{},
		logger:  slog.Default(),
	}
	for _, opt := range opts {
		opt(g)
	}
	return g
}

// Check returns nil when authorization is approved and a not_approved domain
// error with a client-safe reason otherwise.
func (g *Gate) Check(ctx context.Context, authorization string) error {
	if strings.TrimSpace(authorization) == "" {
		return g.deny(ctx, decisionMissing, ReasonMissing)
	}

	key := cacheKey(authorization)
	if g.cache != nil {
		ok, err := g.cache.IsApproved(ctx, key)
		if err != nil {
			g.logger.WarnContext(ctx, "approval cache lookup failed",
				"error", err,
				"request_id", requestcontext.RequestID(ctx),
			)
		}
		if ok {
			g.metrics.IncrementAuthorizationCacheHit()
			g.metrics.IncrementAuthorization(decisionApproved)
			return nil
		}
	}

	if !g.breaker.Allow() {
		return g.deny(ctx, decisionUnreachable, ReasonUnreachable)
	}

	// Callers sharing one upstream call share one breaker outcome.
	v, err, _ := g.group.Do(key, func() (any, error) {
		verdict, err := g.checker.Check(context.WithoutCancel(ctx), authorization)
		if err != nil {
			if _, change := g.breaker.RecordFailure(); change.Opened {
				g.logger.WarnContext(ctx, "accounting circuit opened", "breaker", g.breaker.Name())
			}
			return nil, err
		}
		if _, change := g.breaker.RecordSuccess(); change.Closed {
			g.logger.InfoContext(ctx, "accounting circuit closed", "breaker", g.breaker.Name())
		}
		return verdict, nil
	})
	if err != nil {
		g.logger.ErrorContext(ctx, "accounting check failed",
			"error", err,
			"request_id", requestcontext.RequestID(ctx),
		)
		return g.deny(ctx, decisionUnreachable, ReasonUnreachable)
	}

	if v.(Verdict) != Approved {
		return g.deny(ctx, decisionDenied, ReasonRejected)
	}
	if g.cache != nil {
		if err := g.cache.Remember(ctx, key, g.ttl); err != nil {
			g.logger.WarnContext(ctx, "approval cache write failed",
				"error", err,
				"request_id", requestcontext.RequestID(ctx),
			)
		}
	}
	g.metrics.IncrementAuthorization(decisionApproved)
	return nil
}

func (g *Gate) deny(ctx context.Context, decision, reason string) error {
	g.metrics.IncrementAuthorization(decision)
	g.logger.WarnContext(ctx, "request not authorized",
		"decision", decision,
		"request_id", requestcontext.RequestID(ctx),
	)
	if err := g.auditor.Emit(ctx, audit.Event{
		Action:   string(audit.EventAuthorizationDenied),
		Decision: decision,
		Reason:   reason,
	}); err != nil {
		g.logger.WarnContext(ctx, "failed to emit audit event", "error", err)
	}
	return dErrors.New(dErrors.CodeNotApproved, reason)
}

// Require rejects requests whose Authorization header is not approved with 403.
func (g *Gate) Require(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if err := g.Check(r.Context(), r.Header.Get("Authorization")); err != nil {
			httputil.WriteError(w, err)
			return
		}
		next.ServeHTTP(w, r)
	})
}

// FromConfig builds a Gate for cfg. cache may be nil.
func FromConfig(cfg config.AccountingConfig, cache ApprovalCache, opts ...Option) *Gate {
	client := NewAccountingClient(cfg.URL, cfg.APISecret, cfg.Timeout)
	return NewGate(client, append([]Option{WithCache(cache, cfg.CacheTTL)}, opts...)...)
}
