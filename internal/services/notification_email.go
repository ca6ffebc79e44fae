package services

import (
	"fmt"
	"net/smtp"

	"github.com/shadowpanel/backend/internal/config"
)

// EmailSender delivers alerts over SMTP. When no host is configured the
// sender is disabled and Send becomes a logged no-op.
type EmailSender struct {
	Host     string
	Port     string
	Username string
	Password string
	From     string
	To       string
}

func NewEmailSender(cfg *config.Config) *EmailSender {
	return &EmailSender{
		Host:     cfg.SMTPHost,
		Port:     cfg.SMTPPort,
		Username: cfg.SMTPUsername,
		Password: cfg.SMTPPassword,
		From:     cfg.SMTPFrom,
		To:       cfg.AlertEmail,
	}
}

func (e *EmailSender) Send(subject, body string) error {
	if e.Host == "" || e.To == "" {
		alertLog.Debug().Str("subject", subject).Msg("smtp not configured, dropping alert")
		return nil
	}

	msg := fmt.Sprintf("From: %s\r\nTo: %s\r\nSubject: %s\r\n\r\n%s\r\n",
		e.From, e.To, subject, body)

	var auth smtp.Auth
	if e.Username != "" {
		auth = smtp.PlainAuth("", e.Username, e.Password, e.Host)
	}

	addr := e.Host + ":" + e.Port
	if err := smtp.SendMail(addr, auth, e.From, []string{e.To}, []byte(msg)); err != nil {
		return fmt.Errorf("smtp send: %w", err)
	}
	return nil
}
