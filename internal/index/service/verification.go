package service

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/audax/qabel-index/internal/index/models"
	"github.com/audax/qabel-index/internal/index/store"
	dErrors "github.com/audax/qabel-index/pkg/domain-errors"
	"github.com/audax/qabel-index/pkg/platform/audit"
	"github.com/audax/qabel-index/pkg/platform/sentinel"
	"github.com/audax/qabel-index/pkg/requestcontext"
)

const (
	outcomeConfirmed = "confirmed"
	outcomeDenied    = "denied"
	outcomeExpired   = "expired"
	outcomeNotFound  = "not_found"
)

// Unknown, expired and consumed tokens all look the same from outside.
func errVerificationNotFound() error {
	return dErrors.New(dErrors.CodeNotFound, "Verification request not found.")
}

// Review describes the change behind token without touching it.
func (s *Service) Review(ctx context.Context, token string) (*models.PendingSummary, error) {
	if token == "" {
		return nil, errVerificationNotFound()
	}
	pending, err := s.store.FindPendingByTokenHash(ctx, models.Token(token).Hash())
	if errors.Is(err, sentinel.ErrNotFound) {
		return nil, errVerificationNotFound()
	}
	if err != nil {
		return nil, s.storeError(ctx, err, "failed to load verification request")
	}
	if !pending.IsActionable(requestcontext.Now(ctx)) {
		return nil, errVerificationNotFound()
	}

	identity, err := s.store.FindIdentityByID(ctx, pending.IdentityID)
	if errors.Is(err, sentinel.ErrNotFound) {
		return nil, errVerificationNotFound()
	}
	if err != nil {
		return nil, s.storeError(ctx, err, "failed to load identity")
	}
	return &models.PendingSummary{
		Action: pending.Action,
		Field:  string(pending.Field),
		Value:  pending.Value,
		Identity: models.IdentityView{
			PublicKey: identity.PublicKey,
			DropURL:   identity.DropURL,
			Alias:     identity.Alias,
		},
		ExpiresAt: pending.ExpiresAt,
	}, nil
}

// Confirm applies the pending change behind token. The token is consumed.
func (s *Service) Confirm(ctx context.Context, token string) (*models.VerificationResponse, error) {
	return s.resolve(ctx, token, models.StatusConfirmed)
}

// Deny discards the pending change behind token. The token is consumed.
func (s *Service) Deny(ctx context.Context, token string) (*models.VerificationResponse, error) {
	return s.resolve(ctx, token, models.StatusDenied)
}

// resolve moves a pending change to decision under a row lock so that of
// two racing calls exactly one sees it PENDING. A record found past its
// expiry is marked EXPIRED in the same transaction and reported as not found.
func (s *Service) resolve(ctx context.Context, token string, decision models.PendingStatus) (*models.VerificationResponse, error) {
	ctx, span := tracer.Start(ctx, "index.Resolve", trace.WithAttributes(
		attribute.String("decision", string(decision)),
	))
	defer span.End()

	if token == "" {
		s.metrics.IncrementVerification(outcomeNotFound)
		return nil, errVerificationNotFound()
	}
	hash := models.Token(token).Hash()
	now := requestcontext.Now(ctx)

	var (
		resolved *models.PendingChange
		outcome  string
	)
	err := s.tx.RunInTx(ctx, func(st store.Store) error {
		resolved, outcome = nil, outcomeNotFound

		pending, err := st.LockPendingByTokenHash(ctx, hash)
		if errors.Is(err, sentinel.ErrNotFound) {
			return nil
		}
		if err != nil {
			return fmt.Errorf("lock pending change: %w", err)
		}
		if pending.Status != models.StatusPending {
			return nil
		}

		if pending.IsExpired(now) {
			if err := s.finish(ctx, st, pending, models.StatusExpired, now); err != nil {
				return err
			}
			resolved, outcome = pending, outcomeExpired
			return nil
		}

		if decision == models.StatusConfirmed {
			if err := s.apply(ctx, st, pending); err != nil {
				return err
			}
		}
		if err := s.finish(ctx, st, pending, decision, now); err != nil {
			return err
		}
		resolved = pending
		outcome = outcomeConfirmed
		if decision == models.StatusDenied {
			outcome = outcomeDenied
		}
		return nil
	})
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "resolve failed")
		return nil, s.storeError(ctx, err, "failed to resolve verification request")
	}

	span.SetAttributes(attribute.String("outcome", outcome))
	s.metrics.IncrementVerification(outcome)
	if resolved == nil {
		return nil, errVerificationNotFound()
	}
	s.auditResolution(ctx, resolved)
	if outcome == outcomeExpired {
		return nil, errVerificationNotFound()
	}

	return &models.VerificationResponse{
		Status: resolved.Status,
		Action: resolved.Action,
		Field:  string(resolved.Field),
		Value:  resolved.Value,
	}, nil
}

func (s *Service) finish(ctx context.Context, st store.Store, pending *models.PendingChange, status models.PendingStatus, now time.Time) error {
	if err := pending.Resolve(status, now); err != nil {
		return dErrors.Wrap(err, dErrors.CodeInvalidState, "verification request already resolved")
	}
	if err := st.ResolvePending(ctx, pending); err != nil {
		return fmt.Errorf("resolve pending change: %w", err)
	}
	return nil
}

// apply executes a confirmed change. A create takes the attribute over from
// whoever holds it; a delete only removes the entry while the requesting
// identity still owns it.
func (s *Service) apply(ctx context.Context, st store.Store, pending *models.PendingChange) error {
	pair := pending.Pair()
	existing, err := st.FindEntry(ctx, pair)
	if err != nil && !errors.Is(err, sentinel.ErrNotFound) {
		return fmt.Errorf("find entry: %w", err)
	}

	switch pending.Action {
	case models.ActionCreate:
		if existing == nil {
			err := st.ClaimEntry(ctx, &models.Entry{IdentityID: pending.IdentityID, Field: pair.Field, Value: pair.Value})
			if !errors.Is(err, sentinel.ErrAlreadyUsed) {
				return err
			}
			if existing, err = st.FindEntry(ctx, pair); err != nil {
				return fmt.Errorf("find claimed entry: %w", err)
			}
		}
		if existing.IdentityID == pending.IdentityID {
			return nil
		}
		if err := st.ReassignEntry(ctx, existing.ID, pending.IdentityID); err != nil {
			return fmt.Errorf("reassign entry: %w", err)
		}
		return nil
	case models.ActionDelete:
		if existing == nil || existing.IdentityID != pending.IdentityID {
			return nil
		}
		if err := st.DeleteEntry(ctx, existing.ID); err != nil && !errors.Is(err, sentinel.ErrNotFound) {
			return fmt.Errorf("delete entry: %w", err)
		}
		return nil
	default:
		return dErrors.New(dErrors.CodeInvalidState, fmt.Sprintf("unknown pending action %q", pending.Action))
	}
}

func (s *Service) auditResolution(ctx context.Context, pending *models.PendingChange) {
	subject := ""
	if identity, err := s.store.FindIdentityByID(ctx, pending.IdentityID); err == nil {
		subject = identity.PublicKey.String()
	}
	event := audit.Event{
		Subject:   subject,
		Field:     string(pending.Field),
		Decision:  string(pending.Action),
		ValueHash: valueHash(pending.Pair()),
		PendingID: pending.ID.String(),
	}
	switch pending.Status {
	case models.StatusConfirmed:
		event.Action = string(audit.EventVerificationConfirmed)
		s.emit(ctx, event)
		event.Action = string(audit.EventEntryCreated)
		if pending.Action == models.ActionDelete {
			event.Action = string(audit.EventEntryDeleted)
		}
	case models.StatusDenied:
		event.Action = string(audit.EventVerificationDenied)
	case models.StatusExpired:
		event.Action = string(audit.EventVerificationExpired)
	default:
		return
	}
	s.emit(ctx, event)
}

// Sweep expires overdue pending changes and purges terminal ones resolved
// more than retention ago. Lookups already treat overdue records as gone;
// this only keeps the table small.
func (s *Service) Sweep(ctx context.Context, retention time.Duration) (expired, purged int, err error) {
	now := requestcontext.Now(ctx)
	err = s.tx.RunInTx(ctx, func(st store.Store) error {
		var err error
		if expired, err = st.ExpirePending(ctx, now); err != nil {
			return fmt.Errorf("expire pending changes: %w", err)
		}
		if purged, err = st.DeleteResolvedBefore(ctx, now.Add(-retention)); err != nil {
			return fmt.Errorf("purge resolved pending changes: %w", err)
		}
		return nil
	})
	if err != nil {
		return 0, 0, s.storeError(ctx, err, "failed to sweep pending changes")
	}
	return expired, purged, nil
}
