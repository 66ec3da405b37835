package notify

import (
	"context"
	"fmt"
	"net"
	"strconv"
	"time"

	"github.com/wneessen/go-mail"

	"github.com/audax/qabel-index/internal/platform/config"
)

const smtpTimeout = 10 * time.Second

// SMTPNotifier sends verification mails through a relay. STARTTLS is used
// when the relay offers it.
type SMTPNotifier struct {
	host string
	from string
	opts []mail.Option
}

func NewSMTPNotifier(cfg config.SMTPConfig) *SMTPNotifier {
	host, portStr, err := net.SplitHostPort(cfg.Addr)
	if err != nil {
		host, portStr = cfg.Addr, ""
	}
	opts := []mail.Option{
		mail.WithTLSPolicy(mail.TLSOpportunistic),
		mail.WithTimeout(smtpTimeout),
	}
	if port, err := strconv.Atoi(portStr); err == nil {
		opts = append(opts, mail.WithPort(port))
	}
	if cfg.Username != "" {
		opts = append(opts,
			mail.WithSMTPAuth(mail.SMTPAuthPlain),
			mail.WithUsername(cfg.Username),
			mail.WithPassword(cfg.Password),
		)
	}
	return &SMTPNotifier{host: host, from: cfg.From, opts: opts}
}

func (n *SMTPNotifier) Send(ctx context.Context, msg Message) error {
	subject, body, err := Render(msg)
	if err != nil {
		return err
	}

	m := mail.NewMsg(mail.WithEncoding(mail.NoEncoding))
	if err := m.From(n.from); err != nil {
		return fmt.Errorf("smtp sender: %w", err)
	}
	if err := m.To(msg.To); err != nil {
		return fmt.Errorf("smtp recipient: %w", err)
	}
	m.Subject(subject)
	m.SetDate()
	m.SetMessageID()
	m.SetBodyString(mail.TypeTextPlain, body)

	client, err := mail.NewClient(n.host, n.opts...)
	if err != nil {
		return fmt.Errorf("smtp client: %w", err)
	}
	if err := client.DialAndSendWithContext(ctx, m); err != nil {
		return fmt.Errorf("smtp send: %w", err)
	}
	return nil
}
