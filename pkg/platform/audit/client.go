package audit

import (
	"context"
	"strings"

	"github.com/mssola/useragent"

	"github.com/audax/qabel-index/pkg/requestcontext"
)

// Enrich fills request correlation fields from the context without
// overwriting anything the caller already set.
func Enrich(ctx context.Context, event Event) Event {
	if event.RequestID == "" {
		event.RequestID = requestcontext.RequestID(ctx)
	}
	if event.ClientIP == "" {
		event.ClientIP = requestcontext.ClientIP(ctx)
	}
	if event.Client == "" {
		event.Client = ClientSummary(requestcontext.UserAgent(ctx))
	}
	return event
}

// ClientSummary condenses a User-Agent header into "browser version (os)".
// Bots are reported as "bot: name".
func ClientSummary(header string) string {
	if strings.TrimSpace(header) == "" {
		return ""
	}
	ua := useragent.New(header)
	name, version := ua.Browser()
	if ua.Bot() {
		return "bot: " + name
	}
	summary := name
	if version != "" {
		summary += " " + version
	}
	if os := ua.OS(); os != "" {
		summary += " (" + os + ")"
	}
	if ua.Mobile() {
		summary += " mobile"
	}
	return strings.TrimSpace(summary)
}
