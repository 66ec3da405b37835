package notify

import (
	"bytes"
	"fmt"
	"text/template"

	"github.com/audax/qabel-index/internal/index/models"
	"github.com/audax/qabel-index/pkg/email"
)

var subjects = map[models.Action]string{
	models.ActionCreate: "Confirm your entry in the Qabel index",
	models.ActionDelete: "Confirm removal from the Qabel index",
}

var bodies = template.Must(template.New("bodies").Parse(`
{{- define "create" -}}
Hello {{.Greeting}},

someone asked to publish {{.To}} in the Qabel index for the identity
"{{.Identity.Alias}}" (key {{.Identity.PublicKey}}).

If this was you, confirm here:
{{.ConfirmURL}}

If not, reject the request:
{{.DenyURL}}

The links expire on {{.ExpiresAt.UTC.Format "2006-01-02 15:04 MST"}}.
{{end -}}
{{- define "delete" -}}
Hello {{.Greeting}},

someone asked to remove {{.To}} from the Qabel index.
Identity: "{{.Identity.Alias}}" (key {{.Identity.PublicKey}})

Confirm the removal:
{{.ConfirmURL}}

Keep the entry:
{{.DenyURL}}

The links expire on {{.ExpiresAt.UTC.Format "2006-01-02 15:04 MST"}}.
{{end -}}
`))

type templateData struct {
	Message
	Greeting string
}

// Render returns the subject and plain-text body for msg.
func Render(msg Message) (string, string, error) {
	subject, ok := subjects[msg.Action]
	if !ok {
		return "", "", fmt.Errorf("no template for action %q", msg.Action)
	}
	var body bytes.Buffer
	data := templateData{Message: msg, Greeting: email.GreetingName(msg.To)}
	if err := bodies.ExecuteTemplate(&body, string(msg.Action), data); err != nil {
		return "", "", fmt.Errorf("render %s template: %w", msg.Action, err)
	}
	return subject, body.String(), nil
}
