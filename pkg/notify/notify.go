// Package notify delivers completion notices for finished sessions.
package notify

import (
	"crypto/tls"
	"fmt"
	"net/smtp"
	"strings"
	"time"

	"medscraper/pkg/config"
	"medscraper/pkg/logger"
	"medscraper/pkg/session"
)

// Notifier delivers a session summary to a recipient address. Delivery is
// best effort; a failed notification never changes session state.
type Notifier interface {
	Notify(address string, summary session.Summary) error
}

// SMTPNotifier sends plain-text completion emails.
type SMTPNotifier struct {
	host     string
	port     int
	username string
	password string
	from     string
	useTLS   bool
}

// NewSMTPNotifier builds a notifier from SMTP settings.
func NewSMTPNotifier(cfg *config.SMTPConfig) *SMTPNotifier {
	return &SMTPNotifier{
		host:     cfg.Host,
		port:     cfg.Port,
		username: cfg.Username,
		password: cfg.Password,
		from:     cfg.From,
		useTLS:   cfg.UseTLS,
	}
}

func (n *SMTPNotifier) Notify(address string, summary session.Summary) error {
	subject := fmt.Sprintf("Scrape session %s %s", summary.SessionID, summary.Status)
	body := formatSummary(summary)

	msg := strings.Join([]string{
		fmt.Sprintf("From: %s", n.from),
		fmt.Sprintf("To: %s", address),
		fmt.Sprintf("Subject: %s", subject),
		"MIME-Version: 1.0",
		`Content-Type: text/plain; charset="utf-8"`,
		"",
		body,
	}, "\r\n")

	addr := fmt.Sprintf("%s:%d", n.host, n.port)
	if n.useTLS {
		return n.sendTLS(addr, address, []byte(msg))
	}
	return smtp.SendMail(addr, n.auth(), n.from, []string{address}, []byte(msg))
}

func (n *SMTPNotifier) auth() smtp.Auth {
	if n.username == "" {
		return nil
	}
	return smtp.PlainAuth("", n.username, n.password, n.host)
}

// sendTLS delivers over an implicit-TLS connection (typically port 465),
// where the handshake happens before any SMTP traffic.
func (n *SMTPNotifier) sendTLS(addr, to string, msg []byte) error {
	conn, err := tls.Dial("tcp", addr, &tls.Config{ServerName: n.host})
	if err != nil {
		return err
	}

	c, err := smtp.NewClient(conn, n.host)
	if err != nil {
		conn.Close()
		return err
	}
	defer c.Close()

	if auth := n.auth(); auth != nil {
		if err := c.Auth(auth); err != nil {
			return err
		}
	}
	if err := c.Mail(n.from); err != nil {
		return err
	}
	if err := c.Rcpt(to); err != nil {
		return err
	}

	w, err := c.Data()
	if err != nil {
		return err
	}
	if _, err := w.Write(msg); err != nil {
		return err
	}
	if err := w.Close(); err != nil {
		return err
	}
	return c.Quit()
}

func formatSummary(s session.Summary) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Session:     %s\n", s.SessionID)
	fmt.Fprintf(&b, "Status:      %s\n", s.Status)
	fmt.Fprintf(&b, "Search:      %s in %s\n", s.SearchTerm, s.Location)
	fmt.Fprintf(&b, "Sites:       %s\n", strings.Join(s.Sites, ", "))
	fmt.Fprintf(&b, "Tasks:       %d completed, %d failed of %d\n", s.Completed, s.Failed, s.TotalTasks)
	fmt.Fprintf(&b, "Records:     %d\n", s.RecordCount)
	fmt.Fprintf(&b, "Duration:    %s\n", s.Duration.Round(time.Second))
	if s.LastError != "" {
		fmt.Fprintf(&b, "Last error:  %s\n", s.LastError)
	}
	return b.String()
}

// LogNotifier writes the summary to the log instead of sending mail. Used
// when no SMTP host is configured.
type LogNotifier struct {
	log logger.Logger
}

func NewLogNotifier(log logger.Logger) *LogNotifier {
	return &LogNotifier{log: log}
}

func (n *LogNotifier) Notify(address string, summary session.Summary) error {
	n.log.InfoWithFields("session finished", map[string]interface{}{
		"session_id": summary.SessionID,
		"status":     string(summary.Status),
		"records":    summary.RecordCount,
		"completed":  summary.Completed,
		"failed":     summary.Failed,
		"notify_to":  address,
	})
	return nil
}
