package app

import (
	"crypto/tls"
	"fmt"
	"net/smtp"

	"github.com/quantachat/gserve/internal/config"
)

// Mailer delivers a one-time password to a recipient.
type Mailer interface {
	Send(recipient, code string) error
}

// SMTPMailer sends OTP mail over SMTP with implicit TLS.
type SMTPMailer struct {
	host     string
	port     int
	sender   string
	password string
}

// NewSMTPMailer builds a mailer from the [smtp] configuration section.
func NewSMTPMailer(cfg *config.Config) *SMTPMailer {
	return &SMTPMailer{
		host:     cfg.SMTP.Host,
		port:     cfg.SMTP.Port,
		sender:   cfg.SMTP.Sender,
		password: cfg.SMTP.Password,
	}
}

// Send delivers the OTP mail. Missing credentials are an error, matching
// the original service's refusal to silently drop mail.
func (m *SMTPMailer) Send(recipient, code string) error {
	if m.sender == "" || m.password == "" {
		return fmt.Errorf("email credentials not set (EMAIL_ADDRESS, EMAIL_PASSWORD)")
	}

	addr := fmt.Sprintf("%s:%d", m.host, m.port)
	conn, err := tls.Dial("tcp", addr, &tls.Config{ServerName: m.host})
	if err != nil {
		return fmt.Errorf("cannot connect to %s: %v", addr, err)
	}

	client, err := smtp.NewClient(conn, m.host)
	if err != nil {
		conn.Close()
		return fmt.Errorf("smtp handshake with %s failed: %v", addr, err)
	}
	defer client.Close()

	auth := smtp.PlainAuth("", m.sender, m.password, m.host)
	if err := client.Auth(auth); err != nil {
		return fmt.Errorf("smtp auth failed: %v", err)
	}

	if err := client.Mail(m.sender); err != nil {
		return fmt.Errorf("smtp MAIL failed: %v", err)
	}
	if err := client.Rcpt(recipient); err != nil {
		return fmt.Errorf("smtp RCPT failed: %v", err)
	}

	wc, err := client.Data()
	if err != nil {
		return fmt.Errorf("smtp DATA failed: %v", err)
	}

	msg := fmt.Sprintf("From: %s\r\nTo: %s\r\nSubject: Your Quantum-Powered OTP\r\n\r\n"+
		"Your secure One-Time Password is: %s\r\n\r\nThis OTP will expire shortly.\r\n",
		m.sender, recipient, code)
	if _, err := wc.Write([]byte(msg)); err != nil {
		wc.Close()
		return fmt.Errorf("cannot write mail body: %v", err)
	}
	if err := wc.Close(); err != nil {
		return fmt.Errorf("cannot finish mail body: %v", err)
	}

	return client.Quit()
}
