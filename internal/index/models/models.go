package models

import (
	"time"

	"github.com/google/uuid"

	"github.com/audax/qabel-index/internal/index/fields"
	"github.com/audax/qabel-index/internal/sealbox"
)

// Identity is a published key holder. (PublicKey, DropURL) is its natural key.
type Identity struct {
	ID        uuid.UUID
	PublicKey sealbox.Key
	DropURL   string
	Alias     string
	CreatedAt time.Time
	UpdatedAt time.Time
}

// Entry binds one contact attribute to an identity. At most one entry exists
// per (Field, Value).
type Entry struct {
	ID         uuid.UUID
	Seq        int64
	IdentityID uuid.UUID
	Field      fields.Kind
	Value      string
	CreatedAt  time.Time
}

// Pair returns the entry's (field, value).
func (e *Entry) Pair() FieldValue {
	return FieldValue{Field: e.Field, Value: e.Value}
}

// FieldValue is a normalized (field, value) pair.
type FieldValue struct {
	Field fields.Kind `json:"field"`
	Value string      `json:"value"`
}

// Action is what an update item or pending change does to an entry.
type Action string

const (
	ActionCreate Action = "create"
	ActionDelete Action = "delete"
)

func (a Action) IsValid() bool {
	return a == ActionCreate || a == ActionDelete
}
