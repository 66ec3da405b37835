package audit

import (
	"context"
	"time"
)

// EventCategory classifies audit events so sinks can apply different retention.
type EventCategory string

const (
	// CategoryCompliance covers changes to what the index publishes about a person.
	CategoryCompliance EventCategory = "compliance"
	// CategorySecurity covers rejected or suspicious access.
	CategorySecurity EventCategory = "security"
	// CategoryOperations covers routine activity.
	CategoryOperations EventCategory = "operations"
)

// Event is emitted from domain logic to capture key actions. Keep it
// transport-agnostic so stores and sinks can fan out.
type Event struct {
	Category  EventCategory `json:"category"`
	Timestamp time.Time     `json:"timestamp"`
	// Subject is the hex public key of the identity the action concerns.
	Subject  string `json:"subject,omitempty"`
	Action   string `json:"action"`
	Field    string `json:"field,omitempty"`
	Decision string `json:"decision,omitempty"`
	Reason   string `json:"reason,omitempty"`
	// Value is never the raw email or phone number; callers pass a hash.
	ValueHash string `json:"value_hash,omitempty"`
	PendingID string `json:"pending_id,omitempty"`
	RequestID string `json:"request_id,omitempty"`
	ClientIP  string `json:"client_ip,omitempty"`
	Client    string `json:"client,omitempty"`
}

type AuditEvent string

const (
	EventEntryCreated          AuditEvent = "entry_created"
	EventEntryDeleted          AuditEvent = "entry_deleted"
	EventVerificationStarted   AuditEvent = "verification_started"
	EventVerificationConfirmed AuditEvent = "verification_confirmed"
	EventVerificationDenied    AuditEvent = "verification_denied"
	EventVerificationExpired   AuditEvent = "verification_expired"
	EventNotificationFailed    AuditEvent = "notification_failed"
	EventAuthorizationDenied   AuditEvent = "authorization_denied"
	EventSearchPerformed       AuditEvent = "search_performed"
)

var eventCategories = map[AuditEvent]EventCategory{
	EventEntryCreated:          CategoryCompliance,
	EventEntryDeleted:          CategoryCompliance,
	EventVerificationConfirmed: CategoryCompliance,
	EventVerificationDenied:    CategoryCompliance,

	EventAuthorizationDenied: CategorySecurity,
	EventNotificationFailed:  CategorySecurity,

	EventVerificationStarted: CategoryOperations,
	EventVerificationExpired: CategoryOperations,
	EventSearchPerformed:     CategoryOperations,
}

// Category returns the EventCategory for this audit event.
// Unknown events default to CategoryOperations.
func (e AuditEvent) Category() EventCategory {
	if cat, ok := eventCategories[e]; ok {
		return cat
	}
	return CategoryOperations
}

// Store persists audit events.
type Store interface {
	Append(ctx context.Context, event Event) error
}

// Emitter is what services depend on. The publisher implements it; tests use
// the memory store directly or a no-op.
type Emitter interface {
	Emit(ctx context.Context, event Event) error
}

// Nop discards every event.
type Nop struct{}

func (Nop) Emit(context.Context, Event) error { return nil }
