package app

import (
	"github.com/trananhvu/authgate/internal/notify"
	"github.com/trananhvu/authgate/pkg/mail"
)

// SMTPSettings converts EmailConfig to the mail package representation.
func (c EmailConfig) SMTPSettings() mail.SMTPSettings {
	return mail.SMTPSettings{
		Enabled:  c.SMTP.Enabled,
		Host:     c.SMTP.Host,
		Port:     c.SMTP.Port,
		Username: c.SMTP.Username,
		Password: c.SMTP.Password,
		From:     c.SMTP.From,
		UseTLS:   c.SMTP.UseTLS,
		Timeout:  c.SMTP.Timeout,
	}
}

// NotifierConfig converts EmailConfig to the notify package representation.
func (c EmailConfig) NotifierConfig() notify.Config {
	return notify.Config{
		ResetBaseURL: c.ResetBaseURL,
	}
}
