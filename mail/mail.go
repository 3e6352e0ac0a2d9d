// Package mail sends the locale-aware transactional emails the user
// lifecycle needs: a fresh-address verification link, a notice that an
// address was changed, and a temporary password.
package mail

import (
	"bytes"
	"fmt"
	"html/template"
	"net"
	"time"

	"github.com/sirupsen/logrus"
	"gopkg.in/gomail.v2"

	"github.com/mrfriendly-bv/wilford/storage"
)

// Mailer is the interface user.Service depends on; Local and RemoteCRM
// callers alike drive it the same way.
type Mailer interface {
	SendVerificationEmail(to, name, verifyLink string, locale storage.Locale) error
	SendEmailChangedNotice(to, name string, locale storage.Locale) error
	SendTemporaryPassword(to, name, tempPassword string, locale storage.Locale) error
}

// Config is the `email` section of the JSON config file.
type Config struct {
	Host     string `json:"host"`
	Port     int    `json:"port"`
	Username string `json:"username"`
	Password string `json:"password"`
	From     string `json:"from"`
}

type SMTPMailer struct {
	dialer *gomail.Dialer
	from   string
	logger logrus.FieldLogger
	tpls   *template.Template
}

func NewSMTPMailer(cfg Config, logger logrus.FieldLogger) (*SMTPMailer, error) {
	if cfg.From == "" {
		return nil, fmt.Errorf(`missing "from" field in email config`)
	}
	tpls, err := template.ParseFS(templateFS, "templates/*.html")
	if err != nil {
		return nil, fmt.Errorf("parse email templates: %w", err)
	}

	var dialer *gomail.Dialer
	if cfg.Username == "" {
		dialer = &gomail.Dialer{Host: cfg.Host, Port: cfg.Port, SSL: cfg.Port == 465}
	} else {
		dialer = gomail.NewPlainDialer(cfg.Host, cfg.Port, cfg.Username, cfg.Password)
	}

	return &SMTPMailer{dialer: dialer, from: cfg.From, logger: logger, tpls: tpls}, nil
}

// probeOutboundV4 confirms an IPv4 route exists before attempting SMTP: a
// UDP "connect" to a public address never sends a packet, it only asks the
// kernel to pick a local route.
func probeOutboundV4(logger logrus.FieldLogger) error {
	conn, err := net.DialTimeout("udp4", "8.8.8.8:80", 3*time.Second)
	if err != nil {
		return fmt.Errorf("no ipv4 route available for outbound mail: %w", err)
	}
	defer conn.Close()
	logger.WithField("local_addr", conn.LocalAddr().String()).Debug("resolved outbound ipv4 address for smtp")
	return nil
}

func subjectFor(locale storage.Locale, en, nl string) string {
	if locale == storage.LocaleNl {
		return nl
	}
	return en
}

func (m *SMTPMailer) send(to, subject, templateName string, data interface{}) error {
	if err := probeOutboundV4(m.logger); err != nil {
		return err
	}
	var body bytes.Buffer
	if err := m.tpls.ExecuteTemplate(&body, templateName, data); err != nil {
		return fmt.Errorf("render template %s: %w", templateName, err)
	}
	msg := gomail.NewMessage()
	msg.SetHeader("From", m.from)
	msg.SetHeader("To", to)
	msg.SetHeader("Subject", subject)
	msg.SetBody("text/html", body.String())
	if err := m.dialer.DialAndSend(msg); err != nil {
		m.logger.WithError(err).Warn("failed to send mail")
		return err
	}
	return nil
}

type verifyEmailData struct {
	Name            string
	EmailVerifyLink string
}

func (m *SMTPMailer) SendVerificationEmail(to, name, verifyLink string, locale storage.Locale) error {
	subject := subjectFor(locale, "Email verification", "Email verificatie")
	return m.send(to, subject, "verify_email.html", verifyEmailData{Name: name, EmailVerifyLink: verifyLink})
}

type emailChangedData struct {
	Name string
}

func (m *SMTPMailer) SendEmailChangedNotice(to, name string, locale storage.Locale) error {
	subject := subjectFor(locale, "Your email address was changed", "Je email adres is gewijzigd")
	return m.send(to, subject, "email_changed.html", emailChangedData{Name: name})
}

type temporaryPasswordData struct {
	Name         string
	TempPassword string
}

func (m *SMTPMailer) SendTemporaryPassword(to, name, tempPassword string, locale storage.Locale) error {
	subject := subjectFor(locale, "Your temporary password", "Je tijdelijke wachtwoord")
	return m.send(to, subject, "temporary_password.html", temporaryPasswordData{Name: name, TempPassword: tempPassword})
}
