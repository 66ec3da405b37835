// Package service implements the index core: the update pipeline, the
// verification workflow and search. Handlers stay thin and call in here.
package service

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"log/slog"
	"strings"
	"time"

	"go.opentelemetry.io/otel"

	"github.com/audax/qabel-index/internal/index/metrics"
	"github.com/audax/qabel-index/internal/index/models"
	"github.com/audax/qabel-index/internal/index/notify"
	"github.com/audax/qabel-index/internal/index/store"
	"github.com/audax/qabel-index/internal/sealbox"
	dErrors "github.com/audax/qabel-index/pkg/domain-errors"
	"github.com/audax/qabel-index/pkg/platform/audit"
	"github.com/audax/qabel-index/pkg/platform/sentinel"
	"github.com/audax/qabel-index/pkg/requestcontext"
)

const (
	DefaultVerificationTTL = 72 * time.Hour
	DefaultPublicURL       = "http://localhost:8080"
	// maxConcurrentNotifications bounds the fan-out of one update.
	maxConcurrentNotifications = 4
)

var tracer = otel.Tracer("github.com/audax/qabel-index/internal/index/service")

// Service is the index core. The key pair is created once at startup and
// only read afterwards.
type Service struct {
	store         store.Store
	tx            store.Tx
	keys          *sealbox.KeyPair
	notifier      notify.Notifier
	auditor       audit.Emitter
	metrics       *metrics.Metrics
	logger        *slog.Logger
	ttl           time.Duration
	publicURL     string
	defaultRegion string
}

type Option func(*Service)

func WithNotifier(n notify.Notifier) Option {
	return func(s *Service) {
		if n != nil {
			s.notifier = n
		}
	}
}

func WithAuditor(a audit.Emitter) Option {
	return func(s *Service) {
		if a != nil {
			s.auditor = a
		}
	}
}

func WithMetrics(m *metrics.Metrics) Option {
	return func(s *Service) {
		s.metrics = m
	}
}

func WithLogger(logger *slog.Logger) Option {
	return func(s *Service) {
		if logger != nil {
			s.logger = logger
		}
	}
}

// WithVerificationTTL sets how long confirm and deny links stay valid.
func WithVerificationTTL(ttl time.Duration) Option {
	return func(s *Service) {
		if ttl > 0 {
			s.ttl = ttl
		}
	}
}

// WithPublicURL sets the externally reachable base URL used in verification links.
func WithPublicURL(u string) Option {
	return func(s *Service) {
		if u != "" {
			s.publicURL = strings.TrimRight(u, "/")
		}
	}
}

// WithDefaultRegion sets the phone region used when the request carries none.
func WithDefaultRegion(region string) Option {
	return func(s *Service) {
		s.defaultRegion = region
	}
}

func New(st store.Store, tx store.Tx, keys *sealbox.KeyPair, opts ...Option) *Service {
	s := &Service{
		store:     st,
		tx:        tx,
		keys:      keys,
		notifier:  notify.NewLogNotifier(slog.Default()),
		auditor:   audit.Nop{},
		logger:    slog.Default(),
		ttl:       DefaultVerificationTTL,
		publicURL: DefaultPublicURL,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// PublicKey is the key clients seal update requests to.
func (s *Service) PublicKey() sealbox.Key {
	return s.keys.PublicKey()
}

func (s *Service) region(ctx context.Context) string {
	if r := requestcontext.Region(ctx); r != "" {
		return r
	}
	return s.defaultRegion
}

// emit sends an audit event; failures are logged and never surface.
func (s *Service) emit(ctx context.Context, event audit.Event) {
	if err := s.auditor.Emit(ctx, event); err != nil {
		s.logger.WarnContext(ctx, "failed to emit audit event",
			"action", event.Action,
			"error", err,
			"request_id", requestcontext.RequestID(ctx),
		)
	}
}

// storeError turns a failure from inside a transaction into a domain error.
// Domain errors raised by the service itself pass through unchanged.
func (s *Service) storeError(ctx context.Context, err error, msg string) error {
	if _, ok := dErrors.As(err); ok {
		return err
	}
	switch {
	case errors.Is(err, context.DeadlineExceeded), errors.Is(err, context.Canceled):
		return dErrors.Wrap(err, dErrors.CodeTimeout, msg)
	case errors.Is(err, sentinel.ErrUnavailable):
		s.logger.ErrorContext(ctx, msg, "error", err, "request_id", requestcontext.RequestID(ctx))
		return dErrors.Wrap(err, dErrors.CodeUnavailable, msg)
	default:
		s.logger.ErrorContext(ctx, msg, "error", err, "request_id", requestcontext.RequestID(ctx))
		return dErrors.Wrap(err, dErrors.CodeInternal, msg)
	}
}

// valueHash identifies an attribute in audit events without recording it.
func valueHash(pair models.FieldValue) string {
	sum := sha256.Sum256([]byte(string(pair.Field) + ":" + pair.Value))
	return hex.EncodeToString(sum[:])
}
