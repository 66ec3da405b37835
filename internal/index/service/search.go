package service

import (
	"context"
	"fmt"
	"sort"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/audax/qabel-index/internal/index/fields"
	"github.com/audax/qabel-index/internal/index/models"
	dErrors "github.com/audax/qabel-index/pkg/domain-errors"
	"github.com/audax/qabel-index/pkg/platform/audit"
)

// Search resolves exact (field, value) matches to the identities owning them.
// Any one matching term is enough. Each identity lists only its own matches,
// ordered by field kind and then by insertion; identities appear in order of
// their earliest matching entry.
func (s *Service) Search(ctx context.Context, terms []models.SearchTerm) (*models.SearchResponse, error) {
	ctx, span := tracer.Start(ctx, "index.Search", trace.WithAttributes(
		attribute.Int("terms", len(terms)),
	))
	defer span.End()
	start := time.Now()

	pairs, err := s.normalizeQuery(ctx, terms)
	if err != nil {
		return nil, err
	}
	if len(pairs) == 0 {
		s.metrics.ObserveSearch(time.Since(start), 0)
		return &models.SearchResponse{Identities: []models.IdentityMatch{}}, nil
	}

	entries, err := s.store.FindEntriesByPairs(ctx, pairs)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "lookup failed")
		return nil, s.storeError(ctx, err, "failed to search entries")
	}

	var order []uuid.UUID
	groups := make(map[uuid.UUID][]*models.Entry)
	for _, e := range entries {
		if _, seen := groups[e.IdentityID]; !seen {
			order = append(order, e.IdentityID)
		}
		groups[e.IdentityID] = append(groups[e.IdentityID], e)
	}

	identities, err := s.store.FindIdentitiesByIDs(ctx, order)
	if err != nil {
		return nil, s.storeError(ctx, err, "failed to load identities")
	}

	resp := &models.SearchResponse{Identities: make([]models.IdentityMatch, 0, len(order))}
	for _, id := range order {
		identity, ok := identities[id]
		if !ok {
			continue
		}
		matches := groups[id]
		sort.SliceStable(matches, func(i, j int) bool {
			oi, oj := matches[i].Field.Order(), matches[j].Field.Order()
			if oi != oj {
				return oi < oj
			}
			return matches[i].Seq < matches[j].Seq
		})
		match := models.IdentityMatch{
			PublicKey: identity.PublicKey,
			DropURL:   identity.DropURL,
			Alias:     identity.Alias,
			Matches:   make([]models.FieldValue, 0, len(matches)),
		}
		for _, e := range matches {
			match.Matches = append(match.Matches, e.Pair())
		}
		resp.Identities = append(resp.Identities, match)
	}

	span.SetAttributes(attribute.Int("identities", len(resp.Identities)))
	s.metrics.ObserveSearch(time.Since(start), len(resp.Identities))
	s.emit(ctx, audit.Event{
		Action: string(audit.EventSearchPerformed),
		Reason: fmt.Sprintf("pairs=%d identities=%d", len(pairs), len(resp.Identities)),
	})
	return resp, nil
}

// normalizeQuery validates terms and canonicalizes each value the same way
// entries are stored. Duplicate pairs collapse. A value that cannot be
// normalized for a known kind can never have been stored, so it is dropped
// and matches nothing.
func (s *Service) normalizeQuery(ctx context.Context, terms []models.SearchTerm) ([]models.FieldValue, error) {
	if len(terms) == 0 {
		return nil, dErrors.New(dErrors.CodeValidation, "No fields specified.")
	}
	region := s.region(ctx)
	seen := make(map[models.FieldValue]bool, len(terms))
	pairs := make([]models.FieldValue, 0, len(terms))
	for _, term := range terms {
		kind, err := fields.Parse(term.Field)
		if err != nil {
			return nil, err
		}
		value, err := kind.Normalize(term.Value, region)
		if err != nil {
			s.logger.DebugContext(ctx, "search term dropped", "field", kind.String(), "reason", messageOf(err))
			continue
		}
		pair := models.FieldValue{Field: kind, Value: value}
		if seen[pair] {
			continue
		}
		seen[pair] = true
		pairs = append(pairs, pair)
	}
	return pairs, nil
}

func messageOf(err error) string {
	if de, ok := dErrors.As(err); ok {
		return de.Message
	}
	return err.Error()
}
