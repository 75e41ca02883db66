package mail

import (
	"context"
	"errors"
	"fmt"
	"net/mail"
	"strings"
)

// Sender delivers one rendered message. A returned error is the transport's
// diagnostic for that message only.
type Sender interface {
	Send(ctx context.Context, msg *Message) error
}

// Message is a fully rendered email.
type Message struct {
	From    string // RFC 5322 address, e.g. "Acme <hello@acme.io>"
	To      string
	Subject string
	HTML    string
}

var (
	ErrNoRecipient = errors.New("mail: message must have a recipient")
	ErrNoSender    = errors.New("mail: message must have a sender")
)

// Address formats a display name and email into an RFC 5322 address.
func Address(name, email string) string {
	if strings.TrimSpace(name) == "" {
		return email
	}
	return (&mail.Address{Name: name, Address: email}).String()
}

func (m *Message) validate() error {
	if strings.TrimSpace(m.To) == "" {
		return ErrNoRecipient
	}
	if strings.TrimSpace(m.From) == "" {
		return ErrNoSender
	}
	return nil
}

// Config selects and configures the outbound transport.
type Config struct {
	Provider  string
	FromEmail string
	SMTP      SMTPConfig
	ResendKey string
}

// NewSender builds the transport named by cfg.Provider.
func NewSender(cfg Config) (Sender, error) {
	switch cfg.Provider {
	case "smtp":
		return NewSMTPSender(cfg.SMTP)
	case "resend":
		return NewResendSender(cfg.ResendKey)
	default:
		return nil, fmt.Errorf("mail: unknown provider %q", cfg.Provider)
	}
}
