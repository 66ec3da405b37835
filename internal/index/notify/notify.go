// Package notify delivers verification requests to the owner of a contact attribute.
package notify

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/audax/qabel-index/internal/index/fields"
	"github.com/audax/qabel-index/internal/index/models"
)

// ErrUnsupportedChannel is returned when no notifier is configured for a field kind.
var ErrUnsupportedChannel = errors.New("unsupported notification channel")

// Message is one verification request. To is the attribute value itself.
type Message struct {
	Channel    fields.Kind
	To         string
	Action     models.Action
	Identity   models.IdentityView
	ConfirmURL string
	DenyURL    string
	ReviewURL  string
	ExpiresAt  time.Time
}

// Notifier sends a message. Delivery is best-effort; callers log failures.
type Notifier interface {
	Send(ctx context.Context, msg Message) error
}

// Router dispatches each message to the notifier configured for its channel.
type Router struct {
	channels map[fields.Kind]Notifier
}

func NewRouter(channels map[fields.Kind]Notifier) *Router {
	return &Router{channels: channels}
}

func (r *Router) Send(ctx context.Context, msg Message) error {
	n, ok := r.channels[msg.Channel]
	if !ok || n == nil {
		return fmt.Errorf("%w: %s", ErrUnsupportedChannel, msg.Channel)
	}
	return n.Send(ctx, msg)
}
