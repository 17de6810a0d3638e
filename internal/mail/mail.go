// Package mail is the run-completion notification sink (A6): a thin wrapper
// over net/smtp, since none of the retrieved repos import a third-party mail
// client and SMTP submission needs nothing beyond what net/smtp already
// provides (see DESIGN.md).
package mail

import (
	"fmt"
	"net/smtp"
	"strings"

	"github.com/jianglibo/bkoverssh/internal/config"
)

// Notifier sends plain-text notification mail using a fixed MailConf.
type Notifier struct {
	conf config.MailConf
}

// New returns a Notifier, or (nil, false) if conf has no hostname configured
// (notifications are then a no-op at the call site).
func New(conf config.MailConf) (*Notifier, bool) {
	if !conf.Enabled() {
		return nil, false
	}

	return &Notifier{conf: conf}, true
}

// Send delivers a single-part plain-text message to recipients.
func (n *Notifier) Send(subject, body string, recipients []string) error {
	if len(recipients) == 0 {
		return fmt.Errorf("mail: no recipients")
	}

	addr := fmt.Sprintf("%s:%d", n.conf.Hostname, n.conf.Port)

	var auth smtp.Auth
	if n.conf.Username != "" {
		auth = smtp.PlainAuth("", n.conf.Username, n.conf.Password, n.conf.Hostname)
	}

	msg := buildMessage(n.conf.From, recipients, subject, body)

	if err := smtp.SendMail(addr, auth, n.conf.From, recipients, msg); err != nil {
		return fmt.Errorf("mail: sending to %s via %s: %w", strings.Join(recipients, ","), addr, err)
	}

	return nil
}

func buildMessage(from string, to []string, subject, body string) []byte {
	var b strings.Builder

	fmt.Fprintf(&b, "From: %s\r\n", from)
	fmt.Fprintf(&b, "To: %s\r\n", strings.Join(to, ", "))
	fmt.Fprintf(&b, "Subject: %s\r\n", subject)
	b.WriteString("\r\n")
	b.WriteString(body)

	return []byte(b.String())
}

// RunSummary formats a short run-completion or run-failure body from a
// count of successes, failures, and bytes transferred.
func RunSummary(host string, succeeded, failed int, bytesTransferred uint64) string {
	return fmt.Sprintf(
		"server: %s\nsucceeded: %d\nfailed: %d\nbytes transferred: %d\n",
		host, succeeded, failed, bytesTransferred,
	)
}
