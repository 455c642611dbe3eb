package mail

import (
	"bytes"
	"context"
	"fmt"
	"html/template"

	gomail "github.com/wneessen/go-mail"

	"github.com/markdave123-py/docchat/internal/apperr"
	"github.com/markdave123-py/docchat/internal/config"
	"github.com/markdave123-py/docchat/internal/logger"
)

// Mailer delivers one HTML message.
type Mailer interface {
	Send(ctx context.Context, to, subject, htmlBody string) error
}

// SMTPMailer sends through an SMTP relay with mandatory STARTTLS.
type SMTPMailer struct {
	from string
	opts []gomail.Option
	host string
}

func NewSMTPMailer(cfg *config.Config) *SMTPMailer {
	opts := []gomail.Option{
		gomail.WithPort(cfg.SMTPPort),
		gomail.WithTLSPortPolicy(gomail.TLSMandatory),
	}
	if cfg.SMTPUser != "" {
		opts = append(opts,
			gomail.WithSMTPAuth(gomail.SMTPAuthPlain),
			gomail.WithUsername(cfg.SMTPUser),
			gomail.WithPassword(cfg.SMTPPassword),
		)
	}
	return &SMTPMailer{from: cfg.EmailFrom, opts: opts, host: cfg.SMTPHost}
}

func (m *SMTPMailer) Send(ctx context.Context, to, subject, htmlBody string) error {
	msg := gomail.NewMsg()
	if err := msg.From(m.from); err != nil {
		return apperr.Delivery(fmt.Errorf("sender address: %w", err))
	}
	if err := msg.To(to); err != nil {
		return apperr.Delivery(fmt.Errorf("recipient address: %w", err))
	}
	msg.Subject(subject)
	msg.SetBodyString(gomail.TypeTextHTML, htmlBody)

	client, err := gomail.NewClient(m.host, m.opts...)
	if err != nil {
		return apperr.Delivery(fmt.Errorf("smtp client: %w", err))
	}
	if err := client.DialAndSendWithContext(ctx, msg); err != nil {
		return apperr.Delivery(err)
	}
	return nil
}

// LogMailer stands in when no SMTP relay is configured. Bodies carry reset
// links, so only the subject is logged.
type LogMailer struct {
	log *logger.Logger
}

func NewLogMailer(log *logger.Logger) *LogMailer {
	return &LogMailer{log: log.With("service", "LogMailer")}
}

func (m *LogMailer) Send(_ context.Context, to, subject, _ string) error {
	m.log.Info("mail not sent, no SMTP relay configured", "email", to, "subject", subject)
	return nil
}

// New picks SMTP when SMTP_HOST is set.
func New(cfg *config.Config, log *logger.Logger) Mailer {
	if cfg.SMTPHost == "" {
		return NewLogMailer(log)
	}
	return NewSMTPMailer(cfg)
}

var resetTemplate = template.Must(template.New("reset").Parse(`<!DOCTYPE html>
<html>
  <body style="font-family: sans-serif;">
    <p>Hello{{if .Name}} {{.Name}}{{end}},</p>
    <p>We received a request to reset your password. The link below is valid for {{.Validity}}.</p>
    <p><a href="{{.Link}}">Reset your password</a></p>
    <p>If you did not ask for this, you can ignore this email.</p>
  </body>
</html>
`))

// ResetEmail is the data rendered into the password reset message.
type ResetEmail struct {
	Name     string
	Link     string
	Validity string
}

// RenderResetEmail returns the HTML body for a password reset.
func RenderResetEmail(data ResetEmail) (string, error) {
	var buf bytes.Buffer
	if err := resetTemplate.Execute(&buf, data); err != nil {
		return "", fmt.Errorf("render reset email: %w", err)
	}
	return buf.String(), nil
}
