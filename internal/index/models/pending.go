package models

import (
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/audax/qabel-index/internal/index/fields"
)

// PendingStatus is the lifecycle state of a PendingChange.
// PENDING moves to exactly one of CONFIRMED, DENIED or EXPIRED and never leaves it.
type PendingStatus string

const (
	StatusPending   PendingStatus = "pending"
	StatusConfirmed PendingStatus = "confirmed"
	StatusDenied    PendingStatus = "denied"
	StatusExpired   PendingStatus = "expired"
)

func (s PendingStatus) IsTerminal() bool {
	return s == StatusConfirmed || s == StatusDenied || s == StatusExpired
}

// PendingChange is a create or delete awaiting confirmation by the owner of
// the attribute. Only the SHA-256 of the token is stored.
type PendingChange struct {
	ID         uuid.UUID
	TokenHash  TokenHash
	IdentityID uuid.UUID
	Action     Action
	Field      fields.Kind
	Value      string
	Status     PendingStatus
	CreatedAt  time.Time
	ExpiresAt  time.Time
	ResolvedAt *time.Time
}

// NewPendingChange builds a PENDING record expiring ttl after now.
func NewPendingChange(token Token, identityID uuid.UUID, action Action, pair FieldValue, now time.Time, ttl time.Duration) *PendingChange {
	return &PendingChange{
		ID:         uuid.New(),
		TokenHash:  token.Hash(),
		IdentityID: identityID,
		Action:     action,
		Field:      pair.Field,
		Value:      pair.Value,
		Status:     StatusPending,
		CreatedAt:  now,
		ExpiresAt:  now.Add(ttl),
	}
}

// IsExpired reports whether now is at or past the expiry horizon.
func (p *PendingChange) IsExpired(now time.Time) bool {
	return !now.Before(p.ExpiresAt)
}

// IsActionable reports whether confirm or deny may still act on this record.
func (p *PendingChange) IsActionable(now time.Time) bool {
	return p.Status == StatusPending && !p.IsExpired(now)
}

// Resolve moves a PENDING record into a terminal status.
func (p *PendingChange) Resolve(status PendingStatus, now time.Time) error {
	if p.Status != StatusPending {
		return fmt.Errorf("pending change %s already %s", p.ID, p.Status)
	}
	if !status.IsTerminal() {
		return fmt.Errorf("cannot resolve to %s", status)
	}
	p.Status = status
	p.ResolvedAt = &now
	return nil
}

func (p *PendingChange) Pair() FieldValue {
	return FieldValue{Field: p.Field, Value: p.Value}
}

// Token is the single-use secret embedded in confirm and deny links.
type Token string

// TokenHash is how a token is looked up at rest.
type TokenHash [sha256.Size]byte

const tokenBytes = 32

// NewToken returns 256 bits from crypto/rand, base64url encoded without padding.
func NewToken() (Token, error) {
	var b [tokenBytes]byte
	if _, err := rand.Read(b[:]); err != nil {
		return "", fmt.Errorf("generate token: %w", err)
	}
	return Token(base64.RawURLEncoding.EncodeToString(b[:])), nil
}

func (t Token) Hash() TokenHash {
	return sha256.Sum256([]byte(t))
}
