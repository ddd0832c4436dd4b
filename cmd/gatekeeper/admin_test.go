package main

import (
	"bytes"
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/basket/gatekeeper/internal/persistence"
)

func seedAudit(t *testing.T, home string) {
	t.Helper()
	store, err := persistence.Open(persistence.DefaultDBPath(home))
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	defer store.Close()
	for _, row := range [][]string{
		{"allow", "verify.captcha", "approved", "user:1"},
		{"deny", "verify.captcha", "FAKE_REQUEST", "user:2"},
		{"deny", "join.policy", "bio_link", "user:3"},
	} {
		if _, err := store.DB().Exec(
			`INSERT INTO audit_log (trace_id, subject, action, decision, reason, policy_version) VALUES ('', ?, ?, ?, ?, '');`,
			row[3], row[1], row[0], row[2],
		); err != nil {
			t.Fatalf("insert audit row: %v", err)
		}
	}
}

func TestRunAuditCommand_FiltersDecision(t *testing.T) {
	home := setTestConfig(t, "127.0.0.1:0")
	seedAudit(t, home)

	var out bytes.Buffer
	if code := runAuditCommand(context.Background(), []string{"-decision", "deny", "-json"}, &out); code != 0 {
		t.Fatalf("exit code %d", code)
	}
	var entries []persistence.AuditEntry
	if err := json.Unmarshal(out.Bytes(), &entries); err != nil {
		t.Fatalf("decode: %v\n%s", err, out.String())
	}
	if len(entries) != 2 {
		t.Fatalf("expected 2 deny rows, got %d", len(entries))
	}
	if entries[0].Subject != "user:3" {
		t.Fatalf("expected newest first, got %+v", entries[0])
	}
}

func TestRunAuditCommand_Table(t *testing.T) {
	home := setTestConfig(t, "127.0.0.1:0")
	seedAudit(t, home)

	var out bytes.Buffer
	if code := runAuditCommand(context.Background(), nil, &out); code != 0 {
		t.Fatalf("exit code %d", code)
	}
	if got := strings.Count(out.String(), "verify.captcha"); got != 2 {
		t.Fatalf("expected 2 verify.captcha rows, got %d:\n%s", got, out.String())
	}
}

func TestRunBackupCommand(t *testing.T) {
	home := setTestConfig(t, "127.0.0.1:0")
	seedAudit(t, home)
	dest := filepath.Join(t.TempDir(), "copy.db")

	if code := runBackupCommand(context.Background(), []string{dest}); code != 0 {
		t.Fatalf("exit code %d", code)
	}
	if _, err := os.Stat(dest); err != nil {
		t.Fatalf("backup missing: %v", err)
	}
	if code := runBackupCommand(context.Background(), []string{dest}); code != 1 {
		t.Fatalf("expected exit 1 for existing destination, got %d", code)
	}
	if code := runBackupCommand(context.Background(), nil); code != 2 {
		t.Fatalf("expected usage exit 2, got %d", code)
	}
}
