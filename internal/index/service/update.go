package service

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"mime"
	"strings"
	"time"

	"github.com/asaskevich/govalidator"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/errgroup"

	"github.com/audax/qabel-index/internal/index/fields"
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
	ContentTypeJSON   = "application/json"
	ContentTypeSealed = "application/vnd.qabel.noisebox+json"
)

// disposition is what happened to one update item.
type disposition string

const (
	dispositionApplied disposition = "applied"
	dispositionPending disposition = "pending"
	dispositionNoop    disposition = "noop"
)

// outgoing is a committed pending change whose owner still has to be told.
type outgoing struct {
	pending *models.PendingChange
	token   models.Token
}

// ProcessUpdate decodes, validates and applies one update request body.
// Nothing is written unless every item is valid.
func (s *Service) ProcessUpdate(ctx context.Context, contentType string, body []byte) (*models.UpdateResult, error) {
	req, err := s.DecodeUpdate(contentType, body)
	if err != nil {
		s.metrics.IncrementUpdate("rejected")
		return nil, err
	}
	upd, err := s.NormalizeUpdate(ctx, req)
	if err != nil {
		s.metrics.IncrementUpdate("rejected")
		return nil, err
	}
	return s.Update(ctx, upd)
}

// DecodeUpdate parses a plaintext body, or opens a sealed one first.
func (s *Service) DecodeUpdate(contentType string, body []byte) (*models.UpdateRequest, error) {
	mediaType := ContentTypeJSON
	if contentType != "" {
		parsed, _, err := mime.ParseMediaType(contentType)
		if err != nil {
			return nil, dErrors.Wrap(err, dErrors.CodeBadRequest, "invalid content type")
		}
		mediaType = parsed
	}

	switch mediaType {
	case ContentTypeJSON:
	case ContentTypeSealed:
		plaintext, err := s.keys.Open(body)
		if err != nil {
			return nil, err
		}
		body = plaintext
	default:
		return nil, dErrors.New(dErrors.CodeBadRequest, fmt.Sprintf("unsupported content type %q", mediaType))
	}

	var req models.UpdateRequest
	if err := json.Unmarshal(body, &req); err != nil {
		return nil, dErrors.Wrap(err, dErrors.CodeValidation, "request body is not a valid update")
	}
	return &req, nil
}

// NormalizeUpdate validates every part of req and canonicalizes item values.
func (s *Service) NormalizeUpdate(ctx context.Context, req *models.UpdateRequest) (*models.Update, error) {
	if req.Identity == nil {
		return nil, dErrors.New(dErrors.CodeValidation, "identity is required")
	}
	publicKey, err := sealbox.DecodeKey(req.Identity.PublicKey)
	if err != nil {
		return nil, err
	}
	dropURL := strings.TrimSpace(req.Identity.DropURL)
	if dropURL == "" {
		return nil, dErrors.New(dErrors.CodeValidation, "identity.drop_url is required")
	}
	if !govalidator.IsRequestURL(dropURL) {
		return nil, dErrors.New(dErrors.CodeValidation, "identity.drop_url must be an absolute URL")
	}
	if len(req.Items) == 0 {
		return nil, dErrors.New(dErrors.CodeValidation, "items must not be empty")
	}

	region := s.region(ctx)
	upd := &models.Update{
		PublicKey: publicKey,
		DropURL:   dropURL,
		Alias:     req.Identity.Alias,
		Items:     make([]models.Item, 0, len(req.Items)),
	}
	for i, raw := range req.Items {
		item, err := normalizeItem(raw, region)
		if err != nil {
			return nil, itemError(i, err)
		}
		upd.Items = append(upd.Items, item)
	}
	return upd, nil
}

func normalizeItem(raw models.UpdateItem, region string) (models.Item, error) {
	action := models.Action(raw.Action)
	if !action.IsValid() {
		return models.Item{}, dErrors.New(dErrors.CodeValidation, fmt.Sprintf("unknown action %q", raw.Action))
	}
	kind, err := fields.Parse(raw.Field)
	if err != nil {
		return models.Item{}, err
	}
	value, err := kind.Normalize(raw.Value, region)
	if err != nil {
		return models.Item{}, err
	}
	return models.Item{Action: action, FieldValue: models.FieldValue{Field: kind, Value: value}}, nil
}

// itemError prefixes the reason with the item position and reports it as a
// validation error. The inner domain message is replaced, not repeated.
func itemError(i int, err error) error {
	msg := fmt.Sprintf("items[%d]: %s", i, messageOf(err))
	if de, ok := dErrors.As(err); ok {
		err = de.Err
	}
	if err == nil {
		return dErrors.New(dErrors.CodeValidation, msg)
	}
	return dErrors.Wrap(err, dErrors.CodeValidation, msg)
}

// Update applies a normalized update in one transaction. Items that assert
// ownership over someone else's attribute, and deletes of the requester's own
// entries, become pending changes and their owners are notified after commit.
// A delete naming an entry owned by another identity is a no-op.
func (s *Service) Update(ctx context.Context, upd *models.Update) (*models.UpdateResult, error) {
	ctx, span := tracer.Start(ctx, "index.Update", trace.WithAttributes(
		attribute.Int("items", len(upd.Items)),
	))
	defer span.End()

	now := requestcontext.Now(ctx)
	var (
		identity *models.Identity
		result   models.UpdateResult
		outbox   []outgoing
		applied  []models.Item
	)
	err := s.tx.RunInTx(ctx, func(st store.Store) error {
		result, outbox, applied = models.UpdateResult{}, nil, nil

		var err error
		identity, err = st.UpsertIdentity(ctx, &models.Identity{
			PublicKey: upd.PublicKey,
			DropURL:   upd.DropURL,
			Alias:     upd.Alias,
		})
		if err != nil {
			return fmt.Errorf("upsert identity: %w", err)
		}

		for _, item := range upd.Items {
			disp, out, err := s.applyItem(ctx, st, identity, item, now)
			if err != nil {
				return err
			}
			switch disp {
			case dispositionApplied:
				result.Applied++
				applied = append(applied, item)
			case dispositionPending:
				result.Pending++
				outbox = append(outbox, *out)
			}
		}
		return nil
	})
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "update failed")
		s.metrics.IncrementUpdate("error")
		return nil, s.storeError(ctx, err, "failed to apply update")
	}

	result.Status = models.UpdateAccepted
	if result.Pending > 0 {
		result.Status = models.UpdatePending
	}
	span.SetAttributes(
		attribute.Int("applied", result.Applied),
		attribute.Int("pending", result.Pending),
	)
	s.metrics.IncrementUpdate(string(result.Status))

	subject := identity.PublicKey.String()
	for _, item := range applied {
		action := audit.EventEntryCreated
		if item.Action == models.ActionDelete {
			action = audit.EventEntryDeleted
		}
		s.emit(ctx, audit.Event{
			Subject:   subject,
			Action:    string(action),
			Field:     string(item.Field),
			ValueHash: valueHash(item.FieldValue),
		})
	}
	for _, out := range outbox {
		s.emit(ctx, audit.Event{
			Subject:   subject,
			Action:    string(audit.EventVerificationStarted),
			Field:     string(out.pending.Field),
			Decision:  string(out.pending.Action),
			ValueHash: valueHash(out.pending.Pair()),
			PendingID: out.pending.ID.String(),
		})
	}

	s.dispatch(ctx, identity, outbox)
	return &result, nil
}

func (s *Service) applyItem(ctx context.Context, st store.Store, identity *models.Identity, item models.Item, now time.Time) (disposition, *outgoing, error) {
	var disp disposition
	var err error
	switch item.Action {
	case models.ActionCreate:
		disp, err = s.decideCreate(ctx, st, identity, item.FieldValue)
	case models.ActionDelete:
		disp, err = s.decideDelete(ctx, st, identity, item.FieldValue)
	default:
		return "", nil, dErrors.New(dErrors.CodeValidation, fmt.Sprintf("unknown action %q", item.Action))
	}
	if err != nil {
		return "", nil, err
	}
	s.metrics.IncrementItem(string(item.Action), string(disp))
	if disp != dispositionPending {
		return disp, nil, nil
	}

	token, err := models.NewToken()
	if err != nil {
		return "", nil, err
	}
	pending := models.NewPendingChange(token, identity.ID, item.Action, item.FieldValue, now, s.ttl)
	if err := st.CreatePending(ctx, pending); err != nil {
		return "", nil, fmt.Errorf("create pending change: %w", err)
	}
	return disp, &outgoing{pending: pending, token: token}, nil
}

// decideCreate claims an unowned attribute immediately. An attribute owned by
// another identity needs its owner's confirmation; one already owned by the
// requester is left alone.
func (s *Service) decideCreate(ctx context.Context, st store.Store, identity *models.Identity, pair models.FieldValue) (disposition, error) {
	existing, err := st.FindEntry(ctx, pair)
	switch {
	case err == nil:
		return ownedDisposition(existing, identity), nil
	case !errors.Is(err, sentinel.ErrNotFound):
		return "", fmt.Errorf("find entry: %w", err)
	}

	entry := &models.Entry{IdentityID: identity.ID, Field: pair.Field, Value: pair.Value}
	err = st.ClaimEntry(ctx, entry)
	if err == nil {
		return dispositionApplied, nil
	}
	if !errors.Is(err, sentinel.ErrAlreadyUsed) {
		return "", fmt.Errorf("claim entry: %w", err)
	}

	// Lost the race to a concurrent claim.
	existing, err = st.FindEntry(ctx, pair)
	if err != nil {
		return "", fmt.Errorf("find claimed entry: %w", err)
	}
	return ownedDisposition(existing, identity), nil
}

func ownedDisposition(existing *models.Entry, identity *models.Identity) disposition {
	if existing.IdentityID == identity.ID {
		return dispositionNoop
	}
	return dispositionPending
}

// decideDelete gates deletion of the requester's own entry behind
// verification. Anything else is a no-op.
func (s *Service) decideDelete(ctx context.Context, st store.Store, identity *models.Identity, pair models.FieldValue) (disposition, error) {
	existing, err := st.FindEntry(ctx, pair)
	if errors.Is(err, sentinel.ErrNotFound) {
		return dispositionNoop, nil
	}
	if err != nil {
		return "", fmt.Errorf("find entry: %w", err)
	}
	if existing.IdentityID != identity.ID {
		return dispositionNoop, nil
	}
	return dispositionPending, nil
}

// dispatch notifies the owner of every pending change. The changes are already
// committed, so failures are only logged.
func (s *Service) dispatch(ctx context.Context, identity *models.Identity, outbox []outgoing) {
	if len(outbox) == 0 {
		return
	}
	view := models.IdentityView{
		PublicKey: identity.PublicKey,
		DropURL:   identity.DropURL,
		Alias:     identity.Alias,
	}

	var g errgroup.Group
	g.SetLimit(maxConcurrentNotifications)
	for _, out := range outbox {
		msg := s.message(view, out)
		pendingID := out.pending.ID.String()
		g.Go(func() error {
			if err := s.notifier.Send(ctx, msg); err != nil {
				s.metrics.IncrementNotification("failed")
				s.logger.WarnContext(ctx, "failed to send verification notification",
					"pending_id", pendingID,
					"channel", string(msg.Channel),
					"error", err,
					"request_id", requestcontext.RequestID(ctx),
				)
				s.emit(ctx, audit.Event{
					Subject:   view.PublicKey.String(),
					Action:    string(audit.EventNotificationFailed),
					Field:     string(msg.Channel),
					Reason:    err.Error(),
					PendingID: pendingID,
				})
				return nil
			}
			s.metrics.IncrementNotification("sent")
			return nil
		})
	}
	_ = g.Wait()
}

func (s *Service) message(view models.IdentityView, out outgoing) notify.Message {
	base := s.publicURL + "/verify/" + string(out.token) + "/"
	return notify.Message{
		Channel:    out.pending.Field,
		To:         out.pending.Value,
		Action:     out.pending.Action,
		Identity:   view,
		ReviewURL:  base,
		ConfirmURL: base + "confirm/",
		DenyURL:    base + "deny/",
		ExpiresAt:  out.pending.ExpiresAt,
	}
}
