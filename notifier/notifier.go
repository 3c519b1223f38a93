// Package notifier sends the three transactional emails the token state
// machines dispatch: password reset, and the two old-email "revoke" notices
// sent when a user's email or password changes. An Emailer interface
// abstracts SMTP and file-sink implementations, with an html/text template
// renderer layered on top.
//
// A send failure is logged at warn level and never fails the operation that
// triggered it: notification delivery is best-effort.
package notifier

import (
	"bytes"
	"context"
	"errors"
	htmltemplate "html/template"
	"net"
	"os"
	"path/filepath"
	"strconv"
	"text/template"
	"time"

	"github.com/sirupsen/logrus"
	"gopkg.in/gomail.v2"

	"github.com/ssoforge/idcore/storage"
)

// dialTimeout bounds the SMTP dial+send.
const dialTimeout = 30 * time.Second

// MessageKind names which of the three transactional emails to render.
type MessageKind string

const (
	KindResetPassword  MessageKind = "reset_password"
	KindUpdateEmail    MessageKind = "update_email"
	KindUpdatePassword MessageKind = "update_password"
)

// Message carries everything a template needs to render one of the three
// transactional emails, plus the audit context the caller already built.
type Message struct {
	Kind    MessageKind
	Service storage.Service
	User    storage.User
	// OldEmail is set for KindUpdateEmail: the revoke link is sent to the
	// address being replaced, not the new one. When empty, the message goes
	// to User.Email.
	OldEmail string
	Token    string
	URL      string
}

func (m Message) subject() string {
	switch m.Kind {
	case KindResetPassword:
		return "Reset your password"
	case KindUpdateEmail:
		return "Your email address was changed"
	case KindUpdatePassword:
		return "Your password was changed"
	default:
		return "Account notice"
	}
}

func (m Message) templateName() string {
	return string(m.Kind)
}

func (m Message) recipient() string {
	if m.OldEmail != "" {
		return m.OldEmail
	}
	return m.User.Email
}

// Emailer is the outbound message contract. At least one of text or html
// must be non-empty.
type Emailer interface {
	SendMail(from, subject, text, html string, to ...string) error
}

// Notifier renders a Message through the configured templates and dispatches
// it via the underlying Emailer. Send failures are logged, not propagated.
type Notifier struct {
	Emailer  Emailer
	From     string
	Logger   logrus.FieldLogger
	textTpls *template.Template
	htmlTpls *htmltemplate.Template
}

// New parses the text/html template globs (one file per MessageKind, named
// "<kind>.txt" / "<kind>.html") and returns a Notifier.
func New(emailer Emailer, from string, logger logrus.FieldLogger, textGlob, htmlGlob string) (*Notifier, error) {
	textTpls, err := template.ParseGlob(textGlob)
	if err != nil {
		return nil, err
	}
	htmlTpls, err := htmltemplate.ParseGlob(htmlGlob)
	if err != nil {
		return nil, err
	}
	if logger == nil {
		logger = logrus.StandardLogger()
	}
	return &Notifier{Emailer: emailer, From: from, Logger: logger, textTpls: textTpls, htmlTpls: htmlTpls}, nil
}

// Send renders and dispatches msg. It never returns an error to a caller
// that must propagate it — callers should invoke it and move on; the bool
// return reports whether the send was attempted successfully, for tests.
func (n *Notifier) Send(ctx context.Context, msg Message) bool {
	data := map[string]interface{}{
		"Service": msg.Service,
		"User":    msg.User,
		"Token":   msg.Token,
		"URL":     msg.URL,
		"to":      msg.recipient(),
		"from":    n.From,
		"subject": msg.subject(),
	}

	var textBuf, htmlBuf bytes.Buffer
	name := msg.templateName()
	if tpl := n.textTpls.Lookup(name + ".txt"); tpl != nil {
		if err := tpl.Execute(&textBuf, data); err != nil {
			n.Logger.WithError(err).Warn("notifier: render text template")
			return false
		}
	}
	if tpl := n.htmlTpls.Lookup(name + ".html"); tpl != nil {
		if err := tpl.Execute(&htmlBuf, data); err != nil {
			n.Logger.WithError(err).Warn("notifier: render html template")
			return false
		}
	}
	if textBuf.Len() == 0 && htmlBuf.Len() == 0 {
		n.Logger.WithField("kind", msg.Kind).Warn("notifier: no template found, dropping message")
		return false
	}

	done := make(chan error, 1)
	go func() {
		done <- n.Emailer.SendMail(n.From, msg.subject(), textBuf.String(), htmlBuf.String(), msg.recipient())
	}()
	select {
	case err := <-done:
		if err != nil {
			n.Logger.WithError(err).Warn("notifier: send failed")
			return false
		}
		return true
	case <-ctx.Done():
		n.Logger.WithError(ctx.Err()).Warn("notifier: send timed out")
		return false
	case <-time.After(dialTimeout):
		n.Logger.Warn("notifier: send timed out")
		return false
	}
}

// SMTPEmailer sends mail over SMTP through a gomail dialer. The dialer gets
// no TLS configuration and no auth mechanism from this package: the minimum
// TLS version and the SMTP auth mechanism are gomail's and crypto/tls's
// defaults. Neither a TLS 1.0 floor nor LOGIN auth is set.
type SMTPEmailer struct {
	dialer *gomail.Dialer
}

// NewSMTPEmailer builds an SMTPEmailer from host:port credentials. If
// username is empty, no auth is attempted (relay configurations).
func NewSMTPEmailer(host string, port int, username, password string) (*SMTPEmailer, error) {
	if host == "" {
		return nil, errors.New("notifier: missing SMTP host")
	}
	if port == 0 {
		_, portStr, err := net.SplitHostPort(host)
		if err != nil {
			return nil, errors.New(`notifier: SMTP host must be "host:port" or PORT must be set`)
		}
		if port, err = strconv.Atoi(portStr); err != nil {
			return nil, err
		}
	}

	var dialer *gomail.Dialer
	if username == "" {
		dialer = &gomail.Dialer{Host: host, Port: port, SSL: port == 465}
	} else {
		dialer = gomail.NewPlainDialer(host, port, username, password)
	}
	return &SMTPEmailer{dialer: dialer}, nil
}

func (e *SMTPEmailer) SendMail(from, subject, text, html string, to ...string) error {
	msg := gomail.NewMessage()
	msg.SetHeader("From", from)
	msg.SetHeader("To", to...)
	msg.SetHeader("Subject", subject)
	if text != "" {
		msg.SetBody("text/plain", text)
	}
	if html != "" {
		msg.AddAlternative("text/html", html)
	}
	return e.dialer.DialAndSend(msg)
}

// FileEmailer writes each message to <dir>/<timestamp>.eml instead of
// sending it, for local development when SMTP isn't configured.
type FileEmailer struct {
	Dir string
}

func (e *FileEmailer) SendMail(from, subject, text, html string, to ...string) error {
	if err := os.MkdirAll(e.Dir, 0o755); err != nil {
		return err
	}
	name := filepath.Join(e.Dir, time.Now().UTC().Format("20060102T150405.000000")+".eml")
	var buf bytes.Buffer
	buf.WriteString("From: " + from + "\n")
	buf.WriteString("To: ")
	for i, t := range to {
		if i > 0 {
			buf.WriteString(", ")
		}
		buf.WriteString(t)
	}
	buf.WriteString("\nSubject: " + subject + "\n\n")
	buf.WriteString(text)
	if html != "" {
		buf.WriteString("\n--- html ---\n" + html)
	}
	return os.WriteFile(name, buf.Bytes(), 0o644)
}
