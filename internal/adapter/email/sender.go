// Package email delivers rendered emails over SMTP.
package email

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/wneessen/go-mail"
	"go.uber.org/zap"

	"github.com/cwygoda/herald/internal/config"
	"github.com/cwygoda/herald/internal/domain"
)

// New returns an SMTP sender, or a LogSender when no SMTP host is set.
func New(cfg config.EmailConfig, logger *zap.Logger) (domain.EmailSender, error) {
	if cfg.Host == "" {
		return NewLogSender(logger), nil
	}
	return NewSMTPSender(cfg, logger)
}

// SMTPSender sends email through an SMTP relay.
type SMTPSender struct {
	client *mail.Client
	from   string
	logger *zap.Logger
}

func NewSMTPSender(cfg config.EmailConfig, logger *zap.Logger) (*SMTPSender, error) {
	opts := []mail.Option{
		mail.WithPort(cfg.Port),
		mail.WithTLSPolicy(tlsPolicy(cfg.TLS)),
		mail.WithTimeout(30 * time.Second),
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
	return &SMTPSender{client: client, from: cfg.From, logger: logger}, nil
}

func tlsPolicy(s string) mail.TLSPolicy {
	switch strings.ToLower(s) {
	case "none":
		return mail.NoTLS
	case "opportunistic":
		return mail.TLSOpportunistic
	default:
		return mail.TLSMandatory
	}
}

// Send delivers msg. Connection failures are transient; bad addresses are
// validation errors.
func (s *SMTPSender) Send(ctx context.Context, msg domain.EmailMessage) error {
	m, err := buildMsg(s.from, msg)
	if err != nil {
		return err
	}
	if err := s.client.DialAndSendWithContext(ctx, m); err != nil {
		return &domain.TransientProviderError{Provider: "smtp", Err: err}
	}
	s.logger.Debug("email sent", zap.Strings("to", msg.To), zap.String("subject", msg.Subject))
	return nil
}

func buildMsg(from string, msg domain.EmailMessage) (*mail.Msg, error) {
	m := mail.NewMsg()
	if err := m.From(from); err != nil {
		return nil, &domain.ValidationError{Field: "from", Err: err}
	}
	if len(msg.To) == 0 {
		return nil, &domain.ValidationError{Field: "to", Err: domain.ErrInvalidPayload}
	}
	if err := m.To(msg.To...); err != nil {
		return nil, &domain.ValidationError{Field: "to", Err: err}
	}
	m.Subject(msg.Subject)
	m.SetBodyString(mail.TypeTextPlain, msg.TextBody)
	if msg.HTMLBody != "" {
		m.AddAlternativeString(mail.TypeTextHTML, msg.HTMLBody)
	}
	return m, nil
}

// LogSender logs emails instead of sending them.
type LogSender struct {
	logger *zap.Logger
}

func NewLogSender(logger *zap.Logger) *LogSender {
	return &LogSender{logger: logger}
}

func (s *LogSender) Send(ctx context.Context, msg domain.EmailMessage) error {
	if len(msg.To) == 0 {
		return &domain.ValidationError{Field: "to", Err: domain.ErrInvalidPayload}
	}
	s.logger.Info("email",
		zap.Strings("to", msg.To),
		zap.String("subject", msg.Subject),
		zap.String("body", msg.TextBody),
	)
	return nil
}
