package persistence_test

import (
	"context"
	"database/sql"
	"errors"
	"path/filepath"
	"strings"
	"testing"

	"github.com/basket/gatekeeper/internal/deathqueue"
	"github.com/basket/gatekeeper/internal/persistence"
)

func openTestStore(t *testing.T) (*persistence.Store, string) {
	t.Helper()
	dir := t.TempDir()
	dbPath := filepath.Join(dir, "gatekeeper.db")
	store, err := persistence.Open(dbPath)
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() {
		_ = store.Close()
	})
	return store, dbPath
}

func queryOneString(t *testing.T, db *sql.DB, q string) string {
	t.Helper()
	var out string
	if err := db.QueryRow(q).Scan(&out); err != nil {
		t.Fatalf("query %q: %v", q, err)
	}
	return out
}

func TestStore_OpenConfiguresWALAndSchema(t *testing.T) {
	store, _ := openTestStore(t)
	db := store.DB()

	journal := queryOneString(t, db, "PRAGMA journal_mode;")
	if journal != "wal" {
		t.Fatalf("expected journal_mode=wal, got %q", journal)
	}

	var synchronous int
	if err := db.QueryRow("PRAGMA synchronous;").Scan(&synchronous); err != nil {
		t.Fatalf("pragma synchronous: %v", err)
	}
	if synchronous != 2 {
		t.Fatalf("expected synchronous FULL(2), got %d", synchronous)
	}

	for _, table := range []string{"schema_migrations", "death_queue", "verify_requests", "kv_store", "audit_log"} {
		var got string
		if err := db.QueryRow("SELECT name FROM sqlite_master WHERE type='table' AND name = ?", table).Scan(&got); err != nil {
			t.Fatalf("table %s not found: %v", table, err)
		}
	}
}

func TestStore_MigrationLedgerHasChecksum(t *testing.T) {
	store, _ := openTestStore(t)

	var version int
	var checksum string
	if err := store.DB().QueryRow(`SELECT version, checksum FROM schema_migrations ORDER BY version DESC LIMIT 1;`).Scan(&version, &checksum); err != nil {
		t.Fatalf("query schema_migrations: %v", err)
	}
	if version != 2 {
		t.Fatalf("expected version 2, got %d", version)
	}
	if !strings.HasPrefix(checksum, "gk-v2-") {
		t.Fatalf("unexpected checksum %q", checksum)
	}
}

func TestStore_ReopenIsIdempotent(t *testing.T) {
	store, dbPath := openTestStore(t)
	if err := store.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}
	again, err := persistence.Open(dbPath)
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	defer again.Close()

	var rows int
	if err := again.DB().QueryRow(`SELECT COUNT(1) FROM schema_migrations;`).Scan(&rows); err != nil {
		t.Fatalf("count migrations: %v", err)
	}
	if rows != 2 {
		t.Fatalf("expected 2 ledger rows after reopen, got %d", rows)
	}
}

func TestStore_UpgradesFromV1(t *testing.T) {
	dbPath := filepath.Join(t.TempDir(), "gatekeeper.db")
	db, err := sql.Open("sqlite3", dbPath)
	if err != nil {
		t.Fatalf("open raw db: %v", err)
	}
	for _, stmt := range []string{
		`CREATE TABLE schema_migrations (version INTEGER PRIMARY KEY, checksum TEXT NOT NULL, applied_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP);`,
		`INSERT INTO schema_migrations(version, checksum) VALUES(1, 'gk-v1-2026-09-02-death-queue');`,
		`CREATE TABLE verify_requests (signature TEXT PRIMARY KEY, user_id INTEGER NOT NULL, chat_id INTEGER NOT NULL,
			message_id INTEGER NOT NULL, join_time INTEGER NOT NULL, passed INTEGER NOT NULL DEFAULT 0,
			created_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP, updated_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP);`,
		`INSERT INTO verify_requests(signature, user_id, chat_id, message_id, join_time) VALUES('old', 1, -100, 5, 1000);`,
	} {
		if _, err := db.Exec(stmt); err != nil {
			t.Fatalf("seed v1: %v", err)
		}
	}
	_ = db.Close()

	store, err := persistence.Open(dbPath)
	if err != nil {
		t.Fatalf("open v1 db: %v", err)
	}
	defer store.Close()

	rec, err := store.FindBySignature(context.Background(), "old")
	if err != nil {
		t.Fatalf("find migrated row: %v", err)
	}
	if rec.Language != "" || rec.UserID != 1 {
		t.Fatalf("unexpected migrated row: %+v", rec)
	}
}

func TestStore_OpenRejectsFutureSchemaVersion(t *testing.T) {
	dbPath := filepath.Join(t.TempDir(), "gatekeeper.db")

	db, err := sql.Open("sqlite3", dbPath)
	if err != nil {
		t.Fatalf("open raw db: %v", err)
	}
	t.Cleanup(func() { _ = db.Close() })
	if _, err := db.Exec(`
		CREATE TABLE schema_migrations (
			version INTEGER PRIMARY KEY,
			checksum TEXT NOT NULL,
			applied_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
		);
	`); err != nil {
		t.Fatalf("create schema_migrations: %v", err)
	}
	if _, err := db.Exec(`INSERT INTO schema_migrations(version, checksum) VALUES(999, 'future');`); err != nil {
		t.Fatalf("insert future version: %v", err)
	}
	_ = db.Close()

	_, err = persistence.Open(dbPath)
	if err == nil {
		t.Fatalf("expected error for future schema version")
	}
	if !strings.Contains(err.Error(), "newer than supported") {
		t.Fatalf("expected newer-version error, got %v", err)
	}
}

func TestStore_OpenRejectsChecksumMismatch(t *testing.T) {
	store, dbPath := openTestStore(t)
	if _, err := store.DB().Exec(`UPDATE schema_migrations SET checksum='tampered' WHERE version=2;`); err != nil {
		t.Fatalf("tamper checksum: %v", err)
	}
	if err := store.Close(); err != nil {
		t.Fatalf("close store: %v", err)
	}

	_, err := persistence.Open(dbPath)
	if err == nil {
		t.Fatalf("expected checksum mismatch error")
	}
	if !strings.Contains(err.Error(), "checksum mismatch") {
		t.Fatalf("expected checksum mismatch error, got %v", err)
	}
}

func TestStore_DefaultPath(t *testing.T) {
	tmp := t.TempDir()
	t.Setenv("HOME", tmp)

	if got, want := persistence.DefaultDBPath(""), filepath.Join(tmp, ".gatekeeper", "gatekeeper.db"); got != want {
		t.Fatalf("expected %s, got %s", want, got)
	}
	if got, want := persistence.DefaultDBPath("/srv/gk"), filepath.Join("/srv/gk", "gatekeeper.db"); got != want {
		t.Fatalf("expected %s, got %s", want, got)
	}
}

func TestStore_QueueRoundTrip(t *testing.T) {
	store, _ := openTestStore(t)
	ctx := context.Background()

	reqs := []deathqueue.JoinRequest{
		{UserID: 3, ChatID: -100, MessageID: 30, JoinTime: 3000, Language: "zh"},
		{UserID: 1, ChatID: -100, MessageID: 10, JoinTime: 1000},
		{UserID: 2, ChatID: -200, MessageID: 20, JoinTime: 2000, Language: "en"},
	}
	for _, r := range reqs {
		if err := store.Put(ctx, r); err != nil {
			t.Fatalf("put: %v", err)
		}
	}
	// Upsert keeps one row per key.
	if err := store.Put(ctx, deathqueue.JoinRequest{UserID: 1, ChatID: -100, MessageID: 11, JoinTime: 1100}); err != nil {
		t.Fatalf("put again: %v", err)
	}
	if err := store.Delete(ctx, deathqueue.Key{UserID: 2, ChatID: -200}); err != nil {
		t.Fatalf("delete: %v", err)
	}
	// Deleting an absent key is fine.
	if err := store.Delete(ctx, deathqueue.Key{UserID: 99, ChatID: -1}); err != nil {
		t.Fatalf("delete absent: %v", err)
	}

	got, err := store.LoadAll(ctx)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if len(got) != 2 {
		t.Fatalf("expected 2 rows, got %d: %+v", len(got), got)
	}
	if got[0].UserID != 1 || got[0].MessageID != 11 || got[0].JoinTime != 1100 {
		t.Fatalf("unexpected first row: %+v", got[0])
	}
	if got[1].UserID != 3 || got[1].Language != "zh" {
		t.Fatalf("unexpected second row: %+v", got[1])
	}

	depth, err := store.QueueDepth(ctx)
	if err != nil || depth != 2 {
		t.Fatalf("queue depth = %d, %v", depth, err)
	}
}

func TestStore_BacksDeathQueueManager(t *testing.T) {
	store, _ := openTestStore(t)
	ctx := context.Background()

	m, err := deathqueue.NewManager(ctx, deathqueue.Options{Store: store, TTL: 180_000_000_000})
	if err != nil {
		t.Fatalf("new manager: %v", err)
	}
	if err := m.Enqueue(deathqueue.JoinRequest{UserID: 1, ChatID: -100, MessageID: 7, JoinTime: 500}); err != nil {
		t.Fatalf("enqueue: %v", err)
	}
	if err := m.Enqueue(deathqueue.JoinRequest{UserID: 2, ChatID: -100, MessageID: 8, JoinTime: 600}); err != nil {
		t.Fatalf("enqueue: %v", err)
	}
	if _, ok := m.Remove(1, -100); !ok {
		t.Fatal("expected remove to succeed")
	}
	if err := m.Close(ctx); err != nil {
		t.Fatalf("close manager: %v", err)
	}

	rows, err := store.LoadAll(ctx)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if len(rows) != 1 || rows[0].UserID != 2 {
		t.Fatalf("expected only user 2 persisted, got %+v", rows)
	}
}

func TestStore_History(t *testing.T) {
	store, _ := openTestStore(t)
	ctx := context.Background()

	rec := persistence.HistoryRecord{Signature: "sig-a", UserID: 1, ChatID: -100, MessageID: 5, JoinTime: 1000, Language: "en"}
	if err := store.CreateHistory(ctx, rec); err != nil {
		t.Fatalf("create: %v", err)
	}
	if err := store.CreateHistory(ctx, persistence.HistoryRecord{Signature: "sig-b", UserID: 2, ChatID: -100, MessageID: 6, JoinTime: 2000}); err != nil {
		t.Fatalf("create: %v", err)
	}
	if err := store.CreateHistory(ctx, persistence.HistoryRecord{}); err == nil {
		t.Fatal("expected error for empty signature")
	}

	got, err := store.FindBySignature(ctx, "sig-a")
	if err != nil {
		t.Fatalf("find: %v", err)
	}
	if got.Passed || got.UserID != 1 || got.Language != "en" {
		t.Fatalf("unexpected record: %+v", got)
	}

	if err := store.MarkPassed(ctx, "sig-a"); err != nil {
		t.Fatalf("mark passed: %v", err)
	}
	got, err = store.FindBySignature(ctx, "sig-a")
	if err != nil {
		t.Fatalf("find: %v", err)
	}
	if !got.Passed {
		t.Fatal("expected passed")
	}

	if err := store.MarkPassed(ctx, "missing"); !errors.Is(err, persistence.ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
	if _, err := store.FindBySignature(ctx, "missing"); !errors.Is(err, persistence.ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}

	unpassed, err := store.ListUnpassed(ctx, 10)
	if err != nil {
		t.Fatalf("list unpassed: %v", err)
	}
	if len(unpassed) != 1 || unpassed[0].Signature != "sig-b" {
		t.Fatalf("unexpected unpassed: %+v", unpassed)
	}
}

func TestStore_KVSetAndOverwrite(t *testing.T) {
	store, _ := openTestStore(t)
	ctx := context.Background()

	if v, err := store.KVGet(ctx, "telegram_offset"); err != nil || v != "" {
		t.Fatalf("expected empty missing key, got %q %v", v, err)
	}
	if err := store.KVSet(ctx, "telegram_offset", "10"); err != nil {
		t.Fatalf("kv set: %v", err)
	}
	if err := store.KVSet(ctx, "telegram_offset", "11"); err != nil {
		t.Fatalf("kv overwrite: %v", err)
	}
	if v, err := store.KVGet(ctx, "telegram_offset"); err != nil || v != "11" {
		t.Fatalf("expected 11, got %q %v", v, err)
	}
	if v, _ := store.KVGet(ctx, "absent"); v != "" {
		t.Fatalf("expected empty value for missing key, got %q", v)
	}

	if err := store.KVDelete(ctx, "telegram_offset"); err != nil {
		t.Fatalf("kv delete: %v", err)
	}
	if v, _ := store.KVGet(ctx, "telegram_offset"); v != "" {
		t.Fatalf("expected deleted key to read empty, got %q", v)
	}
	if err := store.KVDelete(ctx, "telegram_offset"); err != nil {
		t.Fatalf("deleting a missing key: %v", err)
	}
}

func TestStore_Backup(t *testing.T) {
	store, _ := openTestStore(t)
	ctx := context.Background()

	if err := store.Put(ctx, deathqueue.JoinRequest{UserID: 1, ChatID: -100, MessageID: 1, JoinTime: 1}); err != nil {
		t.Fatalf("put: %v", err)
	}

	backupPath := filepath.Join(t.TempDir(), "backup.db")
	if err := store.Backup(ctx, backupPath); err != nil {
		t.Fatalf("backup: %v", err)
	}

	backupStore, err := persistence.Open(backupPath)
	if err != nil {
		t.Fatalf("open backup: %v", err)
	}
	defer backupStore.Close()

	rows, err := backupStore.LoadAll(ctx)
	if err != nil {
		t.Fatalf("load backup: %v", err)
	}
	if len(rows) != 1 {
		t.Fatalf("expected 1 queue row in backup, got %d", len(rows))
	}

	if err := store.Backup(ctx, backupPath); err == nil {
		t.Fatal("expected error backing up to existing file")
	}
}

func TestStore_RunRetention(t *testing.T) {
	store, _ := openTestStore(t)
	ctx := context.Background()

	if err := store.CreateHistory(ctx, persistence.HistoryRecord{Signature: "s", UserID: 1, ChatID: -1, MessageID: 1, JoinTime: 1}); err != nil {
		t.Fatalf("create: %v", err)
	}
	if _, err := store.DB().Exec(`INSERT INTO audit_log (action, decision) VALUES ('verify.captcha', 'allow');`); err != nil {
		t.Fatalf("insert audit: %v", err)
	}

	result, err := store.RunRetention(ctx, 0, 0)
	if err != nil {
		t.Fatalf("retention (keep forever): %v", err)
	}
	if result.PurgedHistory != 0 || result.PurgedAuditLogs != 0 {
		t.Fatalf("expected 0 purged with 0 retention, got %+v", result)
	}

	if _, err := store.DB().Exec(`UPDATE verify_requests SET created_at = datetime('now', '-40 days');`); err != nil {
		t.Fatalf("age history: %v", err)
	}
	result, err = store.RunRetention(ctx, 30, 30)
	if err != nil {
		t.Fatalf("retention (30 days): %v", err)
	}
	if result.PurgedHistory != 1 || result.PurgedAuditLogs != 0 {
		t.Fatalf("unexpected retention result %+v", result)
	}
}

func TestStore_ListAudit(t *testing.T) {
	store, _ := openTestStore(t)
	ctx := context.Background()

	for _, d := range []string{"allow", "deny", "deny"} {
		if _, err := store.DB().Exec(`INSERT INTO audit_log (subject, action, decision, reason) VALUES ('user:1', 'verify.captcha', ?, 'x');`, d); err != nil {
			t.Fatalf("insert audit: %v", err)
		}
	}
	all, err := store.ListAudit(ctx, "", 10)
	if err != nil {
		t.Fatalf("list audit: %v", err)
	}
	if len(all) != 3 {
		t.Fatalf("expected 3 entries, got %d", len(all))
	}
	denies, err := store.ListAudit(ctx, "deny", 10)
	if err != nil {
		t.Fatalf("list denies: %v", err)
	}
	if len(denies) != 2 {
		t.Fatalf("expected 2 denies, got %d", len(denies))
	}
}

func TestStore_Ping(t *testing.T) {
	store, _ := openTestStore(t)
	if err := store.Ping(context.Background()); err != nil {
		t.Fatalf("ping: %v", err)
	}
}
