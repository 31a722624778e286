package security

import (
	"io"
	"log/slog"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestAuditLogRoundTrip(t *testing.T) {
	log := slog.New(slog.NewTextHandler(io.Discard, nil))
	a := NewAuditLogger(log, t.TempDir())
	defer a.Close()

	a.Log("127.0.0.1", "curl/8.0", "POST /v1/queue", 201, "")
	a.Log("203.0.113.9", "curl/8.0", "GET /v1/status", 403, "external access denied")

	entries := a.GetRecentLogs(10)
	assert.Len(t, entries, 2)
	// Newest first.
	assert.Equal(t, "GET /v1/status", entries[0].Action)
	assert.Equal(t, 403, entries[0].Status)
	assert.Equal(t, "POST /v1/queue", entries[1].Action)
	assert.NotEmpty(t, entries[0].ID)
}

func TestGetRecentLogsLimit(t *testing.T) {
	log := slog.New(slog.NewTextHandler(io.Discard, nil))
	a := NewAuditLogger(log, t.TempDir())
	defer a.Close()

	for i := 0; i < 5; i++ {
		a.Log("127.0.0.1", "", "GET /v1/queue", 200, "")
	}
	assert.Len(t, a.GetRecentLogs(3), 3)
}

func TestGetRecentLogsMissingFile(t *testing.T) {
	log := slog.New(slog.NewTextHandler(io.Discard, nil))
	a := &AuditLogger{logPath: "/nonexistent/audit.log", logger: log}
	assert.Empty(t, a.GetRecentLogs(10))
}
