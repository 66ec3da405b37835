package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/lib/pq"

	"github.com/audax/qabel-index/internal/index/fields"
	"github.com/audax/qabel-index/internal/index/models"
	"github.com/audax/qabel-index/internal/index/store"
	"github.com/audax/qabel-index/internal/sealbox"
	"github.com/audax/qabel-index/pkg/platform/sentinel"
)

const uniqueViolation = "23505"

// dbtx is satisfied by both *sql.DB and *sql.Tx.
type dbtx interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

// PostgresStore persists identities, entries and pending changes in PostgreSQL.
// This store is pure I/O; ownership and verification policy belong in the service.
type PostgresStore struct {
	db    dbtx
	clock func() time.Time
}

// New constructs a store over a connection pool.
func New(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db, clock: time.Now}
}

// NewTx constructs a store bound to an open transaction.
func NewTx(tx *sql.Tx) *PostgresStore {
	return &PostgresStore{db: tx, clock: time.Now}
}

var _ store.Store = (*PostgresStore)(nil)

func (s *PostgresStore) UpsertIdentity(ctx context.Context, identity *models.Identity) (*models.Identity, error) {
	id := identity.ID
	if id == uuid.Nil {
		id = uuid.New()
	}
	now := s.clock()
	query := `
		INSERT INTO identities (id, public_key, drop_url, alias, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $5)
		ON CONFLICT (public_key, drop_url) DO UPDATE SET
			alias = EXCLUDED.alias,
			updated_at = CASE WHEN identities.alias = EXCLUDED.alias THEN identities.updated_at ELSE EXCLUDED.updated_at END
		RETURNING id, public_key, drop_url, alias, created_at, updated_at
	`
	stored, err := scanIdentity(s.db.QueryRowContext(ctx, query, id, identity.PublicKey[:], identity.DropURL, identity.Alias, now))
	if err != nil {
		return nil, fmt.Errorf("upsert identity: %w", err)
	}
	return stored, nil
}

func (s *PostgresStore) FindIdentityByID(ctx context.Context, id uuid.UUID) (*models.Identity, error) {
	query := `SELECT id, public_key, drop_url, alias, created_at, updated_at FROM identities WHERE id = $1`
	identity, err := scanIdentity(s.db.QueryRowContext(ctx, query, id))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, sentinel.ErrNotFound
		}
		return nil, fmt.Errorf("find identity by id: %w", err)
	}
	return identity, nil
}

func (s *PostgresStore) FindIdentitiesByIDs(ctx context.Context, ids []uuid.UUID) (map[uuid.UUID]*models.Identity, error) {
	out := make(map[uuid.UUID]*models.Identity, len(ids))
	if len(ids) == 0 {
		return out, nil
	}
	raw := make([]string, len(ids))
	for i, id := range ids {
		raw[i] = id.String()
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, public_key, drop_url, alias, created_at, updated_at
		FROM identities
		WHERE id = ANY($1::uuid[])
	`, pq.Array(raw))
	if err != nil {
		return nil, fmt.Errorf("find identities: %w", err)
	}
	defer rows.Close()
	for rows.Next() {
		identity, err := scanIdentity(rows)
		if err != nil {
			return nil, fmt.Errorf("scan identity: %w", err)
		}
		out[identity.ID] = identity
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate identities: %w", err)
	}
	return out, nil
}

func (s *PostgresStore) FindEntry(ctx context.Context, pair models.FieldValue) (*models.Entry, error) {
	query := `SELECT id, seq, identity_id, field, value, created_at FROM entries WHERE field = $1 AND value = $2`
	entry, err := scanEntry(s.db.QueryRowContext(ctx, query, string(pair.Field), pair.Value))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, sentinel.ErrNotFound
		}
		return nil, fmt.Errorf("find entry: %w", err)
	}
	return entry, nil
}

// ClaimEntry relies on UNIQUE(field, value): concurrent claims serialize on the
// index and exactly one insert returns a row.
func (s *PostgresStore) ClaimEntry(ctx context.Context, entry *models.Entry) error {
	if entry.ID == uuid.Nil {
		entry.ID = uuid.New()
	}
	query := `
		INSERT INTO entries (id, identity_id, field, value, created_at)
		VALUES ($1, $2, $3, $4, $5)
		ON CONFLICT (field, value) DO NOTHING
		RETURNING seq, created_at
	`
	err := s.db.QueryRowContext(ctx, query, entry.ID, entry.IdentityID, string(entry.Field), entry.Value, s.clock()).
		Scan(&entry.Seq, &entry.CreatedAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return sentinel.ErrAlreadyUsed
		}
		return fmt.Errorf("claim entry: %w", err)
	}
	return nil
}

func (s *PostgresStore) ReassignEntry(ctx context.Context, entryID, identityID uuid.UUID) error {
	res, err := s.db.ExecContext(ctx, `UPDATE entries SET identity_id = $2 WHERE id = $1`, entryID, identityID)
	if err != nil {
		return fmt.Errorf("reassign entry: %w", err)
	}
	return requireOneRow(res)
}

func (s *PostgresStore) DeleteEntry(ctx context.Context, entryID uuid.UUID) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM entries WHERE id = $1`, entryID)
	if err != nil {
		return fmt.Errorf("delete entry: %w", err)
	}
	return requireOneRow(res)
}

// FindEntriesByPairs zips the pairs into a relation so a value only ever
// matches under its own field.
func (s *PostgresStore) FindEntriesByPairs(ctx context.Context, pairs []models.FieldValue) ([]*models.Entry, error) {
	if len(pairs) == 0 {
		return nil, nil
	}
	fieldNames := make([]string, len(pairs))
	values := make([]string, len(pairs))
	for i, p := range pairs {
		fieldNames[i] = string(p.Field)
		values[i] = p.Value
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT e.id, e.seq, e.identity_id, e.field, e.value, e.created_at
		FROM entries e
		JOIN (SELECT DISTINCT field, value FROM unnest($1::text[], $2::text[]) AS q(field, value)) q
			ON e.field = q.field AND e.value = q.value
		ORDER BY e.seq
	`, pq.Array(fieldNames), pq.Array(values))
	if err != nil {
		return nil, fmt.Errorf("find entries: %w", err)
	}
	defer rows.Close()

	var out []*models.Entry
	for rows.Next() {
		entry, err := scanEntry(rows)
		if err != nil {
			return nil, fmt.Errorf("scan entry: %w", err)
		}
		out = append(out, entry)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate entries: %w", err)
	}
	return out, nil
}

func (s *PostgresStore) CreatePending(ctx context.Context, pending *models.PendingChange) error {
	query := `
		INSERT INTO pending_changes (id, token_hash, identity_id, action, field, value, status, created_at, expires_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
	`
	_, err := s.db.ExecContext(ctx, query,
		pending.ID,
		pending.TokenHash[:],
		pending.IdentityID,
		string(pending.Action),
		string(pending.Field),
		pending.Value,
		string(pending.Status),
		pending.CreatedAt,
		pending.ExpiresAt,
	)
	if err != nil {
		if isUniqueViolation(err) {
			return sentinel.ErrAlreadyUsed
		}
		return fmt.Errorf("create pending change: %w", err)
	}
	return nil
}

const pendingColumns = `id, token_hash, identity_id, action, field, value, status, created_at, expires_at, resolved_at`

func (s *PostgresStore) FindPendingByTokenHash(ctx context.Context, hash models.TokenHash) (*models.PendingChange, error) {
	return s.findPending(ctx, `SELECT `+pendingColumns+` FROM pending_changes WHERE token_hash = $1`, hash)
}

// LockPendingByTokenHash must run inside RunInTx; the row lock lasts until commit.
func (s *PostgresStore) LockPendingByTokenHash(ctx context.Context, hash models.TokenHash) (*models.PendingChange, error) {
	return s.findPending(ctx, `SELECT `+pendingColumns+` FROM pending_changes WHERE token_hash = $1 FOR UPDATE`, hash)
}

func (s *PostgresStore) findPending(ctx context.Context, query string, hash models.TokenHash) (*models.PendingChange, error) {
	pending, err := scanPending(s.db.QueryRowContext(ctx, query, hash[:]))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, sentinel.ErrNotFound
		}
		return nil, fmt.Errorf("find pending change: %w", err)
	}
	return pending, nil
}

func (s *PostgresStore) ResolvePending(ctx context.Context, pending *models.PendingChange) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE pending_changes SET status = $2, resolved_at = $3 WHERE id = $1`,
		pending.ID, string(pending.Status), pending.ResolvedAt,
	)
	if err != nil {
		return fmt.Errorf("resolve pending change: %w", err)
	}
	return requireOneRow(res)
}

func (s *PostgresStore) ExpirePending(ctx context.Context, now time.Time) (int, error) {
	res, err := s.db.ExecContext(ctx, `
		UPDATE pending_changes SET status = $1, resolved_at = $2
		WHERE status = $3 AND expires_at <= $2
	`, string(models.StatusExpired), now, string(models.StatusPending))
	if err != nil {
		return 0, fmt.Errorf("expire pending changes: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("expire pending changes: %w", err)
	}
	return int(n), nil
}

func (s *PostgresStore) DeleteResolvedBefore(ctx context.Context, cutoff time.Time) (int, error) {
	res, err := s.db.ExecContext(ctx, `
		DELETE FROM pending_changes
		WHERE status = ANY($1::text[]) AND resolved_at < $2
	`, pq.Array([]string{
		string(models.StatusConfirmed),
		string(models.StatusDenied),
		string(models.StatusExpired),
	}), cutoff)
	if err != nil {
		return 0, fmt.Errorf("delete resolved pending changes: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("delete resolved pending changes: %w", err)
	}
	return int(n), nil
}

type scanner interface {
	Scan(dest ...any) error
}

func scanIdentity(row scanner) (*models.Identity, error) {
	var identity models.Identity
	var key []byte
	if err := row.Scan(&identity.ID, &key, &identity.DropURL, &identity.Alias, &identity.CreatedAt, &identity.UpdatedAt); err != nil {
		return nil, err
	}
	if len(key) != sealbox.KeySize {
		return nil, fmt.Errorf("identity %s has a %d byte public key", identity.ID, len(key))
	}
	copy(identity.PublicKey[:], key)
	return &identity, nil
}

func scanEntry(row scanner) (*models.Entry, error) {
	var entry models.Entry
	var field string
	if err := row.Scan(&entry.ID, &entry.Seq, &entry.IdentityID, &field, &entry.Value, &entry.CreatedAt); err != nil {
		return nil, err
	}
	entry.Field = fields.Kind(field)
	return &entry, nil
}

func scanPending(row scanner) (*models.PendingChange, error) {
	var p models.PendingChange
	var hash []byte
	var action, field, status string
	var resolvedAt sql.NullTime
	if err := row.Scan(&p.ID, &hash, &p.IdentityID, &action, &field, &p.Value, &status, &p.CreatedAt, &p.ExpiresAt, &resolvedAt); err != nil {
		return nil, err
	}
	copy(p.TokenHash[:], hash)
	p.Action = models.Action(action)
	p.Field = fields.Kind(field)
	p.Status = models.PendingStatus(status)
	if resolvedAt.Valid {
		t := resolvedAt.Time
		p.ResolvedAt = &t
	}
	return &p, nil
}

func requireOneRow(res sql.Result) error {
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("rows affected: %w", err)
	}
	if n == 0 {
		return sentinel.ErrNotFound
	}
	return nil
}

// isUniqueViolation recognizes the error shape of both pgx and lib/pq.
func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgErr.Code == uniqueViolation
	}
	var pqErr *pq.Error
	if errors.As(err, &pqErr) {
		return string(pqErr.Code) == uniqueViolation
	}
	return false
}
