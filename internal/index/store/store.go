// Package store declares the persistence contract of the index. Backends live
// in the memory and postgres subpackages.
//
// Stores return sentinel errors (sentinel.ErrNotFound, sentinel.ErrAlreadyUsed)
// and never domain errors; the service translates them.
package store

import (
	"context"
	"time"

	"github.com/google/uuid"

	"github.com/audax/qabel-index/internal/index/models"
)

type Store interface {
	// UpsertIdentity returns the identity for (PublicKey, DropURL), creating it
	// or updating its alias. The returned value carries the stored ID.
	UpsertIdentity(ctx context.Context, identity *models.Identity) (*models.Identity, error)
	FindIdentityByID(ctx context.Context, id uuid.UUID) (*models.Identity, error)
	FindIdentitiesByIDs(ctx context.Context, ids []uuid.UUID) (map[uuid.UUID]*models.Identity, error)

	FindEntry(ctx context.Context, pair models.FieldValue) (*models.Entry, error)
	// ClaimEntry inserts the entry only if its (field, value) is unclaimed, as
	// one atomic step. Returns sentinel.ErrAlreadyUsed when it is taken.
	ClaimEntry(ctx context.Context, entry *models.Entry) error
	ReassignEntry(ctx context.Context, entryID, identityID uuid.UUID) error
	DeleteEntry(ctx context.Context, entryID uuid.UUID) error
	// FindEntriesByPairs returns entries exactly matching any pair, in insertion order.
	FindEntriesByPairs(ctx context.Context, pairs []models.FieldValue) ([]*models.Entry, error)

	CreatePending(ctx context.Context, pending *models.PendingChange) error
	FindPendingByTokenHash(ctx context.Context, hash models.TokenHash) (*models.PendingChange, error)
	// LockPendingByTokenHash is FindPendingByTokenHash that also holds the row
	// until the surrounding transaction ends.
	LockPendingByTokenHash(ctx context.Context, hash models.TokenHash) (*models.PendingChange, error)
	// ResolvePending persists Status and ResolvedAt.
	ResolvePending(ctx context.Context, pending *models.PendingChange) error
	// ExpirePending marks every PENDING record with expires_at <= now as EXPIRED.
	ExpirePending(ctx context.Context, now time.Time) (int, error)
	// DeleteResolvedBefore removes terminal records resolved before cutoff.
	DeleteResolvedBefore(ctx context.Context, cutoff time.Time) (int, error)
}

// Tx provides the transactional boundary for read-modify-write sequences.
// fn's Store sees only the transaction; any error from fn discards all of its writes.
type Tx interface {
	RunInTx(ctx context.Context, fn func(store Store) error) error
}
