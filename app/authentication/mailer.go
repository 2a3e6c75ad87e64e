package authentication

import (
	"bytes"
	"context"
	"fmt"
	"log"
	"text/template"

	"github.com/wneessen/go-mail"

	"github.com/stockroom/inventory-api/app/config"
)

// Message is a plain-text email.
type Message struct {
	To      string
	Subject string
	Body    string
}

// Mailer delivers email.
type Mailer interface {
	Send(ctx context.Context, msg Message) error
}

// NewMailer returns an SMTP mailer, or a LogMailer when no SMTP host is configured.
func NewMailer(cfg config.SMTPConfig) (Mailer, error) {
	if cfg.Host == "" {
		return LogMailer{}, nil
	}
	return NewSMTPMailer(cfg)
}

// SMTPMailer sends through an SMTP relay, upgrading to STARTTLS when the
// server offers it.
type SMTPMailer struct {
	client *mail.Client
	from   string
}

func NewSMTPMailer(cfg config.SMTPConfig) (*SMTPMailer, error) {
	opts := []mail.Option{
		mail.WithPort(cfg.Port),
		mail.WithTLSPolicy(mail.TLSOpportunistic),
	}
	if cfg.Username != "" {
		opts = append(opts,
			mail.WithSMTPAuth(mail.SMTPAuthPlain),
			mail.WithUsername(cfg.Username),
			mail.WithPassword(cfg.Password),
		)
	}

	client, err := mail.NewClient(cfg.Host, opts...)
	if err != nil {
		return nil, fmt.Errorf("smtp client: %w", err)
	}
	return &SMTPMailer{client: client, from: cfg.From}, nil
}

func (m *SMTPMailer) Send(ctx context.Context, msg Message) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	email := mail.NewMsg()
	if err := email.From(m.from); err != nil {
		return fmt.Errorf("sender %q: %w", m.from, err)
	}
	if err := email.To(msg.To); err != nil {
		return fmt.Errorf("recipient %q: %w", msg.To, err)
	}
	email.Subject(msg.Subject)
	email.SetBodyString(mail.TypeTextPlain, msg.Body)

	if err := m.client.DialAndSendWithContext(ctx, email); err != nil {
		return fmt.Errorf("send mail to %s: %w", msg.To, err)
	}
	return nil
}

// LogMailer writes messages to the log instead of sending them.
type LogMailer struct{}

func (LogMailer) Send(ctx context.Context, msg Message) error {
	log.Printf("mail to %s: %s\n%s", msg.To, msg.Subject, msg.Body)
	return nil
}

var resetEmailTemplate = template.Must(template.New("reset").Parse(
	`Hello {{.Username}},

Someone asked to reset the password of your account. Follow the link below
to choose a new one:

{{.Link}}

The link can be used once and expires in {{.TTL}}. If you did not ask for
a reset you can ignore this message.
`))

type resetEmailData struct {
	Username string
	Link     string
	TTL      string
}

func renderResetEmail(data resetEmailData) (string, error) {
	var buf bytes.Buffer
	if err := resetEmailTemplate.Execute(&buf, data); err != nil {
		return "", err
	}
	return buf.String(), nil
}
