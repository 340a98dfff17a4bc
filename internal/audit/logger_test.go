package audit_test

import (
	"os"
	"testing"

	"github.com/xabxx/acs-keyvault-agent/internal/audit"
)

func TestAuditLog(t *testing.T) {
	f, _ := os.CreateTemp("", "keyvault-agent-audit-*.log")
	f.Close()
	defer os.Remove(f.Name())

	logger, err := audit.New(f.Name())
	if err != nil {
		t.Fatalf("audit.New() error = %v", err)
	}
	defer logger.Close()

	logger.Log(audit.Entry{
		Action:     "fetch",
		Key:        "dbpass",
		Kind:       "secret",
		Version:    "abc123",
		DurationMs: 87,
	})
	logger.Log(audit.Entry{
		Action: "write",
		Key:    "tls",
		Kind:   "cert",
		File:   "tls.crt",
	})

	entries, err := logger.Query(audit.QueryOptions{Key: "dbpass"})
	if err != nil {
		t.Fatalf("Query() error = %v", err)
	}
	if len(entries) != 1 {
		t.Fatalf("got %d entries, want 1", len(entries))
	}
	if entries[0].Version != "abc123" || entries[0].Action != "fetch" {
		t.Errorf("unexpected entry: %+v", entries[0])
	}
}

func TestAuditQueryAll(t *testing.T) {
	f, _ := os.CreateTemp("", "keyvault-agent-audit-*.log")
	f.Close()
	defer os.Remove(f.Name())

	logger, _ := audit.New(f.Name())
	defer logger.Close()

	logger.Log(audit.Entry{Action: "fetch", Key: "a"})
	logger.Log(audit.Entry{Action: "fetch", Key: "b", Error: "transient: vault request"})

	entries, err := logger.Query(audit.QueryOptions{})
	if err != nil {
		t.Fatalf("Query() error = %v", err)
	}
	if len(entries) != 2 {
		t.Errorf("got %d entries, want 2", len(entries))
	}
}

func TestAuditPrune(t *testing.T) {
	f, _ := os.CreateTemp("", "keyvault-agent-audit-*.log")
	f.Close()
	defer os.Remove(f.Name())

	logger, _ := audit.New(f.Name())
	defer logger.Close()

	logger.Log(audit.Entry{Action: "fetch", Key: "recent"})

	// Entries logged just now survive any retention window.
	if err := logger.Prune(7); err != nil {
		t.Fatalf("Prune() error = %v", err)
	}
	entries, _ := logger.Query(audit.QueryOptions{})
	if len(entries) != 1 {
		t.Errorf("got %d entries after prune, want 1", len(entries))
	}
}
