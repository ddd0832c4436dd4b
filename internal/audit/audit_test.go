package audit

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/basket/gatekeeper/internal/persistence"
	"github.com/basket/gatekeeper/internal/shared"
)

func readEntries(t *testing.T, home string) []map[string]any {
	t.Helper()
	raw, err := os.ReadFile(filepath.Join(home, "logs", "audit.jsonl"))
	if err != nil {
		t.Fatalf("read audit file: %v", err)
	}
	var out []map[string]any
	for i, line := range strings.Split(strings.TrimSpace(string(raw)), "\n") {
		var e map[string]any
		if err := json.Unmarshal([]byte(line), &e); err != nil {
			t.Fatalf("line %d is not valid JSON: %v", i, err)
		}
		out = append(out, e)
	}
	return out
}

func TestRecordWritesAuditEntry(t *testing.T) {
	home := t.TempDir()
	if err := Init(home); err != nil {
		t.Fatalf("init audit: %v", err)
	}
	t.Cleanup(func() { _ = Close() })

	before := DenyCount()
	Record(Deny, "verify.captcha", "FAKE_REQUEST", "user:42 chat:-100")
	Record(Allow, "verify.captcha", "approved", "user:43 chat:-100")

	entries := readEntries(t, home)
	if len(entries) < 2 {
		t.Fatalf("expected at least two audit entries, got %d", len(entries))
	}
	first := entries[0]
	if first["decision"] != "deny" {
		t.Fatalf("expected deny decision, got %#v", first["decision"])
	}
	if first["action"] != "verify.captcha" {
		t.Fatalf("expected action verify.captcha, got %#v", first["action"])
	}
	if first["reason"] != "FAKE_REQUEST" {
		t.Fatalf("unexpected reason: %#v", first)
	}
	if _, ok := first["timestamp"]; !ok {
		t.Fatal("missing timestamp")
	}
	if DenyCount() != before+1 {
		t.Fatalf("expected deny count to grow by one, got %d -> %d", before, DenyCount())
	}
}

func TestRecordCtx_TraceIDAndRedaction(t *testing.T) {
	home := t.TempDir()
	if err := Init(home); err != nil {
		t.Fatalf("init audit: %v", err)
	}
	t.Cleanup(func() { _ = Close() })

	ctx := shared.WithTraceID(context.Background(), "trace-123")
	RecordCtx(ctx, Deny, "verify.captcha", "bad signature=c501b71e775f74ce10e377dea85a7ea24ecd640b223ea86dfe453e0eaed2e2b2", "user:1")

	entries := readEntries(t, home)
	last := entries[len(entries)-1]
	if last["trace_id"] != "trace-123" {
		t.Fatalf("expected trace id, got %#v", last["trace_id"])
	}
	if reason, _ := last["reason"].(string); strings.Contains(reason, "c501b71e") {
		t.Fatalf("signature not redacted: %q", reason)
	}
}

func TestRecordWritesAuditLogTable(t *testing.T) {
	home := t.TempDir()
	if err := Init(home); err != nil {
		t.Fatalf("init audit: %v", err)
	}
	store, err := persistence.Open(filepath.Join(home, "gatekeeper.db"))
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	SetDB(store.DB())
	t.Cleanup(func() {
		_ = Close()
		_ = store.Close()
	})

	Record(Allow, "policy.update", "join_check=on", "chat:-100")

	got, err := store.ListAudit(context.Background(), Allow, 10)
	if err != nil {
		t.Fatalf("list audit: %v", err)
	}
	if len(got) != 1 || got[0].Action != "policy.update" || got[0].Subject != "chat:-100" {
		t.Fatalf("unexpected audit rows: %+v", got)
	}
}

func TestAuditAppendOnly(t *testing.T) {
	home := t.TempDir()
	if err := Init(home); err != nil {
		t.Fatalf("init audit: %v", err)
	}
	t.Cleanup(func() { _ = Close() })

	Record(Allow, "test.op1", "test", "subject1")
	Record(Deny, "test.op2", "test2", "subject2")

	path := filepath.Join(home, "logs", "audit.jsonl")
	info1, err := os.Stat(path)
	if err != nil {
		t.Fatalf("stat audit file: %v", err)
	}

	Record(Allow, "test.op3", "test3", "subject3")

	info2, err := os.Stat(path)
	if err != nil {
		t.Fatalf("stat audit file after append: %v", err)
	}
	if info2.Size() <= info1.Size() {
		t.Fatalf("expected file to grow, size before=%d after=%d", info1.Size(), info2.Size())
	}
	if n := len(readEntries(t, home)); n < 3 {
		t.Fatalf("expected at least 3 lines, got %d", n)
	}
}
