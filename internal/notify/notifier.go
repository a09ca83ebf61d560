package notify

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/trananhvu/authgate/pkg/mail"
)

// Notifier delivers the two outbound messages the auth flows depend on.
// Failures are reported as opaque errors; the caller decides whether to retry.
type Notifier interface {
	SendVerification(ctx context.Context, email, code string) error
	SendPasswordReset(ctx context.Context, email, token string) error
}

// Config holds the static pieces of outbound messages.
type Config struct {
	// ResetBaseURL is the page the reset link points at; the token is appended
	// as a query parameter.
	ResetBaseURL string
}

// EmailNotifier implements Notifier over an SMTP mailer. It is constructed
// once at startup and injected wherever notifications are sent; there is no
// runtime reconfiguration.
type EmailNotifier struct {
	mailer       mail.Mailer
	resetBaseURL string
}

// NewEmailNotifier builds a notifier over the provided mailer.
func NewEmailNotifier(mailer mail.Mailer, cfg Config) (*EmailNotifier, error) {
	if mailer == nil {
		return nil, errors.New("notify: mailer is required")
	}

	return &EmailNotifier{
		mailer:       mailer,
		resetBaseURL: strings.TrimRight(strings.TrimSpace(cfg.ResetBaseURL), "/"),
	}, nil
}

// SendVerification emails the 6-digit signup code to the address.
func (n *EmailNotifier) SendVerification(ctx context.Context, email, code string) error {
	msg := mail.Message{
		To:      []string{email},
		Subject: "Verify your email address",
		Body: fmt.Sprintf(
			"Welcome!\n\nYour verification code is: %s\n\nThe code expires in 15 minutes. If you did not create an account, you can ignore this message.\n",
			code,
		),
	}

	if err := n.mailer.Send(ctx, msg); err != nil {
		return fmt.Errorf("notify: send verification: %w", err)
	}
	return nil
}

// SendPasswordReset emails a single-use reset link to the address.
func (n *EmailNotifier) SendPasswordReset(ctx context.Context, email, token string) error {
	msg := mail.Message{
		To:      []string{email},
		Subject: "Password reset request",
		Body: fmt.Sprintf(
			"You requested a password reset. Visit the link below to choose a new password:\n%s\n\nThe link expires in 3 days. If you did not request a reset, you can ignore this message.\n",
			n.resetLink(token),
		),
	}

	if err := n.mailer.Send(ctx, msg); err != nil {
		return fmt.Errorf("notify: send password reset: %w", err)
	}
	return nil
}

func (n *EmailNotifier) resetLink(token string) string {
	if n.resetBaseURL == "" {
		return token
	}
	return fmt.Sprintf("%s?token=%s", n.resetBaseURL, token)
}
