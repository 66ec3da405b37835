package models

import (
	"time"

	"github.com/audax/qabel-index/internal/sealbox"
)

// UpdateRequest is the plaintext body of PUT /api/v0/update, also the
// payload inside a sealed box.
type UpdateRequest struct {
	Identity *IdentityPayload `json:"identity"`
	Items    []UpdateItem     `json:"items"`
}

type IdentityPayload struct {
	PublicKey string `json:"public_key"`
	DropURL   string `json:"drop_url"`
	Alias     string `json:"alias"`
}

type UpdateItem struct {
	Action string `json:"action"`
	Field  string `json:"field"`
	Value  string `json:"value"`
}

// Update is a parsed and normalized UpdateRequest.
type Update struct {
	PublicKey sealbox.Key
	DropURL   string
	Alias     string
	Items     []Item
}

type Item struct {
	Action Action
	FieldValue
}

// UpdateStatus is the outcome of an update.
type UpdateStatus string

const (
	// UpdateAccepted means every item was applied (or was a no-op).
	UpdateAccepted UpdateStatus = "accepted"
	// UpdatePending means at least one item awaits verification.
	UpdatePending UpdateStatus = "pending"
)

type UpdateResult struct {
	Status  UpdateStatus
	Applied int
	Pending int
}

// SearchRequest is the POST /api/v0/search body.
type SearchRequest struct {
	Query []SearchTerm `json:"query"`
}

type SearchTerm struct {
	Field string `json:"field"`
	Value string `json:"value"`
}

// SearchResponse groups matches by identity.
type SearchResponse struct {
	Identities []IdentityMatch `json:"identities"`
}

type IdentityMatch struct {
	PublicKey sealbox.Key  `json:"public_key"`
	DropURL   string       `json:"drop_url"`
	Alias     string       `json:"alias"`
	Matches   []FieldValue `json:"matches"`
}

// PendingSummary is what a verification link reveals about its change.
type PendingSummary struct {
	Action    Action       `json:"action"`
	Field     string       `json:"field"`
	Value     string       `json:"value"`
	Identity  IdentityView `json:"identity"`
	ExpiresAt time.Time    `json:"expires_at"`
}

type IdentityView struct {
	PublicKey sealbox.Key `json:"public_key"`
	DropURL   string      `json:"drop_url"`
	Alias     string      `json:"alias"`
}

// VerificationResponse is returned by confirm and deny.
type VerificationResponse struct {
	Status PendingStatus `json:"status"`
	Action Action        `json:"action"`
	Field  string        `json:"field"`
	Value  string        `json:"value"`
}

// KeyResponse is the GET /api/v0/key body.
type KeyResponse struct {
	PublicKey sealbox.Key `json:"public_key"`
}
