package memory

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/audax/qabel-index/internal/index/models"
	"github.com/audax/qabel-index/internal/index/store"
	dErrors "github.com/audax/qabel-index/pkg/domain-errors"
	"github.com/audax/qabel-index/pkg/platform/sentinel"
)

const defaultTxTimeout = 5 * time.Second

type identityKey struct {
	publicKey [32]byte
	dropURL   string
}

// state is one immutable-once-published snapshot of the data set.
type state struct {
	seq            int64
	identities     map[uuid.UUID]models.Identity
	identityByKey  map[identityKey]uuid.UUID
	entries        map[uuid.UUID]models.Entry
	entryByPair    map[models.FieldValue]uuid.UUID
	pending        map[uuid.UUID]models.PendingChange
	pendingByToken map[models.TokenHash]uuid.UUID
}

func newState() *state {
	return &state{
		identities:     make(map[uuid.UUID]models.Identity),
		identityByKey:  make(map[identityKey]uuid.UUID),
		entries:        make(map[uuid.UUID]models.Entry),
		entryByPair:    make(map[models.FieldValue]uuid.UUID),
		pending:        make(map[uuid.UUID]models.PendingChange),
		pendingByToken: make(map[models.TokenHash]uuid.UUID),
	}
}

func (s *state) clone() *state {
	c := &state{
		seq:            s.seq,
		identities:     make(map[uuid.UUID]models.Identity, len(s.identities)),
		identityByKey:  make(map[identityKey]uuid.UUID, len(s.identityByKey)),
		entries:        make(map[uuid.UUID]models.Entry, len(s.entries)),
		entryByPair:    make(map[models.FieldValue]uuid.UUID, len(s.entryByPair)),
		pending:        make(map[uuid.UUID]models.PendingChange, len(s.pending)),
		pendingByToken: make(map[models.TokenHash]uuid.UUID, len(s.pendingByToken)),
	}
	for k, v := range s.identities {
		c.identities[k] = v
	}
	for k, v := range s.identityByKey {
		c.identityByKey[k] = v
	}
	for k, v := range s.entries {
		c.entries[k] = v
	}
	for k, v := range s.entryByPair {
		c.entryByPair[k] = v
	}
	for k, v := range s.pending {
		c.pending[k] = v
	}
	for k, v := range s.pendingByToken {
		c.pendingByToken[k] = v
	}
	return c
}

// InMemoryStore keeps the index in process. Transactions run against a
// private copy that replaces the live state only when fn succeeds, so a
// failed transaction leaves no trace. Writers are serialized by one mutex.
type InMemoryStore struct {
	mu      sync.RWMutex
	st      *state
	clock   func() time.Time
	timeout time.Duration
}

type Option func(*InMemoryStore)

// WithClock sets the clock used for created/updated timestamps.
func WithClock(clock func() time.Time) Option {
	return func(s *InMemoryStore) {
		if clock != nil {
			s.clock = clock
		}
	}
}

func New(opts ...Option) *InMemoryStore {
	s := &InMemoryStore{st: newState(), clock: time.Now, timeout: defaultTxTimeout}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

var _ store.Store = (*InMemoryStore)(nil)
var _ store.Tx = (*InMemoryStore)(nil)

func (s *InMemoryStore) RunInTx(ctx context.Context, fn func(store store.Store) error) error {
	if err := ctx.Err(); err != nil {
		return dErrors.Wrap(err, dErrors.CodeTimeout, "transaction aborted: context cancelled")
	}
	if _, hasDeadline := ctx.Deadline(); !hasDeadline {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, s.timeout)
		defer cancel()
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if err := ctx.Err(); err != nil {
		return dErrors.Wrap(err, dErrors.CodeTimeout, "transaction aborted: context cancelled")
	}

	working := s.st.clone()
	if err := fn(&view{st: working, clock: s.clock}); err != nil {
		return err
	}
	s.st = working
	return nil
}

// live wraps the published state for single statements outside RunInTx; callers hold s.mu.
func (s *InMemoryStore) live() *view {
	return &view{st: s.st, clock: s.clock}
}

func (s *InMemoryStore) UpsertIdentity(ctx context.Context, identity *models.Identity) (*models.Identity, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.live().UpsertIdentity(ctx, identity)
}

func (s *InMemoryStore) FindIdentityByID(ctx context.Context, id uuid.UUID) (*models.Identity, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.live().FindIdentityByID(ctx, id)
}

func (s *InMemoryStore) FindIdentitiesByIDs(ctx context.Context, ids []uuid.UUID) (map[uuid.UUID]*models.Identity, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.live().FindIdentitiesByIDs(ctx, ids)
}

func (s *InMemoryStore) FindEntry(ctx context.Context, pair models.FieldValue) (*models.Entry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.live().FindEntry(ctx, pair)
}

func (s *InMemoryStore) ClaimEntry(ctx context.Context, entry *models.Entry) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.live().ClaimEntry(ctx, entry)
}

func (s *InMemoryStore) ReassignEntry(ctx context.Context, entryID, identityID uuid.UUID) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.live().ReassignEntry(ctx, entryID, identityID)
}

func (s *InMemoryStore) DeleteEntry(ctx context.Context, entryID uuid.UUID) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.live().DeleteEntry(ctx, entryID)
}

func (s *InMemoryStore) FindEntriesByPairs(ctx context.Context, pairs []models.FieldValue) ([]*models.Entry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.live().FindEntriesByPairs(ctx, pairs)
}

func (s *InMemoryStore) CreatePending(ctx context.Context, pending *models.PendingChange) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.live().CreatePending(ctx, pending)
}

func (s *InMemoryStore) FindPendingByTokenHash(ctx context.Context, hash models.TokenHash) (*models.PendingChange, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.live().FindPendingByTokenHash(ctx, hash)
}

func (s *InMemoryStore) LockPendingByTokenHash(ctx context.Context, hash models.TokenHash) (*models.PendingChange, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.live().LockPendingByTokenHash(ctx, hash)
}

func (s *InMemoryStore) ResolvePending(ctx context.Context, pending *models.PendingChange) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.live().ResolvePending(ctx, pending)
}

func (s *InMemoryStore) ExpirePending(ctx context.Context, now time.Time) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.live().ExpirePending(ctx, now)
}

func (s *InMemoryStore) DeleteResolvedBefore(ctx context.Context, cutoff time.Time) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.live().DeleteResolvedBefore(ctx, cutoff)
}

// view implements store.Store over one state without locking; callers hold the lock.
type view struct {
	st    *state
	clock func() time.Time
}

func (v *view) UpsertIdentity(_ context.Context, identity *models.Identity) (*models.Identity, error) {
	key := identityKey{publicKey: identity.PublicKey, dropURL: identity.DropURL}
	now := v.clock()
	if id, ok := v.st.identityByKey[key]; ok {
		existing := v.st.identities[id]
		if existing.Alias != identity.Alias {
			existing.Alias = identity.Alias
			existing.UpdatedAt = now
			v.st.identities[id] = existing
		}
		return &existing, nil
	}
	created := *identity
	if created.ID == uuid.Nil {
		created.ID = uuid.New()
	}
	created.CreatedAt = now
	created.UpdatedAt = now
	v.st.identities[created.ID] = created
	v.st.identityByKey[key] = created.ID
	return &created, nil
}

func (v *view) FindIdentityByID(_ context.Context, id uuid.UUID) (*models.Identity, error) {
	identity, ok := v.st.identities[id]
	if !ok {
		return nil, sentinel.ErrNotFound
	}
	return &identity, nil
}

func (v *view) FindIdentitiesByIDs(_ context.Context, ids []uuid.UUID) (map[uuid.UUID]*models.Identity, error) {
	out := make(map[uuid.UUID]*models.Identity, len(ids))
	for _, id := range ids {
		if identity, ok := v.st.identities[id]; ok {
			out[id] = &identity
		}
	}
	return out, nil
}

func (v *view) FindEntry(_ context.Context, pair models.FieldValue) (*models.Entry, error) {
	id, ok := v.st.entryByPair[pair]
	if !ok {
		return nil, sentinel.ErrNotFound
	}
	entry := v.st.entries[id]
	return &entry, nil
}

func (v *view) ClaimEntry(_ context.Context, entry *models.Entry) error {
	pair := entry.Pair()
	if _, taken := v.st.entryByPair[pair]; taken {
		return sentinel.ErrAlreadyUsed
	}
	if entry.ID == uuid.Nil {
		entry.ID = uuid.New()
	}
	v.st.seq++
	entry.Seq = v.st.seq
	entry.CreatedAt = v.clock()
	v.st.entries[entry.ID] = *entry
	v.st.entryByPair[pair] = entry.ID
	return nil
}

func (v *view) ReassignEntry(_ context.Context, entryID, identityID uuid.UUID) error {
	entry, ok := v.st.entries[entryID]
	if !ok {
		return sentinel.ErrNotFound
	}
	entry.IdentityID = identityID
	v.st.entries[entryID] = entry
	return nil
}

func (v *view) DeleteEntry(_ context.Context, entryID uuid.UUID) error {
	entry, ok := v.st.entries[entryID]
	if !ok {
		return sentinel.ErrNotFound
	}
	delete(v.st.entries, entryID)
	delete(v.st.entryByPair, entry.Pair())
	return nil
}

func (v *view) FindEntriesByPairs(_ context.Context, pairs []models.FieldValue) ([]*models.Entry, error) {
	seen := make(map[uuid.UUID]bool, len(pairs))
	var out []*models.Entry
	for _, pair := range pairs {
		id, ok := v.st.entryByPair[pair]
		if !ok || seen[id] {
			continue
		}
		seen[id] = true
		entry := v.st.entries[id]
		out = append(out, &entry)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Seq < out[j].Seq })
	return out, nil
}

func (v *view) CreatePending(_ context.Context, pending *models.PendingChange) error {
	if _, exists := v.st.pendingByToken[pending.TokenHash]; exists {
		return sentinel.ErrAlreadyUsed
	}
	v.st.pending[pending.ID] = *pending
	v.st.pendingByToken[pending.TokenHash] = pending.ID
	return nil
}

func (v *view) FindPendingByTokenHash(_ context.Context, hash models.TokenHash) (*models.PendingChange, error) {
	id, ok := v.st.pendingByToken[hash]
	if !ok {
		return nil, sentinel.ErrNotFound
	}
	pending := v.st.pending[id]
	return &pending, nil
}

// Within RunInTx the store mutex already serializes writers.
func (v *view) LockPendingByTokenHash(ctx context.Context, hash models.TokenHash) (*models.PendingChange, error) {
	return v.FindPendingByTokenHash(ctx, hash)
}

func (v *view) ResolvePending(_ context.Context, pending *models.PendingChange) error {
	stored, ok := v.st.pending[pending.ID]
	if !ok {
		return sentinel.ErrNotFound
	}
	stored.Status = pending.Status
	stored.ResolvedAt = pending.ResolvedAt
	v.st.pending[pending.ID] = stored
	return nil
}

func (v *view) ExpirePending(_ context.Context, now time.Time) (int, error) {
	n := 0
	for id, pending := range v.st.pending {
		if pending.Status != models.StatusPending || !pending.IsExpired(now) {
			continue
		}
		if err := pending.Resolve(models.StatusExpired, now); err != nil {
			return n, err
		}
		v.st.pending[id] = pending
		n++
	}
	return n, nil
}

func (v *view) DeleteResolvedBefore(_ context.Context, cutoff time.Time) (int, error) {
	n := 0
	for id, pending := range v.st.pending {
		if !pending.Status.IsTerminal() || pending.ResolvedAt == nil || !pending.ResolvedAt.Before(cutoff) {
			continue
		}
		delete(v.st.pending, id)
		delete(v.st.pendingByToken, pending.TokenHash)
		n++
	}
	return n, nil
}
