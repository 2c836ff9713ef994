package notify

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"medscraper/pkg/config"
	"medscraper/pkg/logger"
	"medscraper/pkg/session"
)

func TestFormatSummary(t *testing.T) {
	s := session.Summary{
		SessionID:   "abc-123",
		Status:      session.StatusCompleted,
		Sites:       []string{"gelbeseiten.de", "jameda.de"},
		SearchTerm:  "zahnarzt",
		Location:    "hamburg",
		TotalTasks:  4,
		Completed:   4,
		RecordCount: 17,
		Duration:    83 * time.Second,
	}

	out := formatSummary(s)
	assert.Contains(t, out, "abc-123")
	assert.Contains(t, out, "completed")
	assert.Contains(t, out, "zahnarzt in hamburg")
	assert.Contains(t, out, "gelbeseiten.de, jameda.de")
	assert.Contains(t, out, "Records:     17")
	assert.NotContains(t, out, "Last error", "no error line for clean sessions")
}

func TestFormatSummaryIncludesLastError(t *testing.T) {
	s := session.Summary{
		SessionID: "abc-456",
		Status:    session.StatusFailed,
		LastError: "no proxy routes available",
	}

	out := formatSummary(s)
	assert.Contains(t, out, "no proxy routes available")
}

func TestNewSMTPNotifierCarriesSettings(t *testing.T) {
	n := NewSMTPNotifier(&config.SMTPConfig{
		Host:     "mail.example.com",
		Port:     465,
		Username: "scraper",
		Password: "secret",
		From:     "noreply@example.com",
		UseTLS:   true,
	})

	assert.Equal(t, "mail.example.com", n.host)
	assert.Equal(t, 465, n.port)
	assert.True(t, n.useTLS, "TLS setting must reach the notifier")
	assert.NotNil(t, n.auth())
}

func TestSMTPAuthSkippedWithoutUsername(t *testing.T) {
	n := NewSMTPNotifier(&config.SMTPConfig{Host: "mail.example.com", Port: 25})
	assert.Nil(t, n.auth(), "anonymous relays must not get a PLAIN auth attempt")
}

func TestLogNotifierNeverFails(t *testing.T) {
	n := NewLogNotifier(logger.NewNopLogger())
	err := n.Notify("ops@example.com", session.Summary{SessionID: "x", Status: session.StatusFailed})
	assert.NoError(t, err)
}
