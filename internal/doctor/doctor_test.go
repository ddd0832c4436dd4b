package doctor

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"

	"github.com/basket/gatekeeper/internal/config"
)

func testConfig(t *testing.T) *config.Config {
	t.Helper()
	return &config.Config{
		HomeDir: t.TempDir(),
		Telegram: config.TelegramConfig{
			Token:        "123:abc",
			ChallengeURL: "https://gate.example/challenge",
		},
		SigningSecret: "s3cret",
		Cloudflare:    config.CloudflareConfig{SecretKey: "cf"},
		Queue:         config.QueueConfig{Backend: config.BackendSQLite},
		PolicyCache:   config.PolicyCacheConfig{Backend: config.BackendMemory},
	}
}

func TestCheckConfig(t *testing.T) {
	cfg := testConfig(t)
	if got := checkConfig(context.Background(), cfg); got.Status != StatusPass {
		t.Fatalf("expected PASS, got %+v", got)
	}

	cfg.Telegram.Token = ""
	got := checkConfig(context.Background(), cfg)
	if got.Status != StatusFail || !strings.Contains(got.Message, "telegram.token") {
		t.Fatalf("expected missing token failure, got %+v", got)
	}

	cfg = testConfig(t)
	cfg.Telegram.ChallengeURL = "http://gate.example/challenge"
	if got := checkConfig(context.Background(), cfg); got.Status != StatusFail {
		t.Fatalf("expected FAIL for non-https challenge url, got %+v", got)
	}

	if got := checkConfig(context.Background(), nil); got.Status != StatusFail {
		t.Fatalf("expected FAIL for nil config, got %s", got.Status)
	}
}

func TestCheckSecrets(t *testing.T) {
	cfg := testConfig(t)
	if got := checkSecrets(context.Background(), cfg); got.Status != StatusPass {
		t.Fatalf("expected PASS, got %+v", got)
	}
	cfg.SigningSecret = ""
	cfg.Cloudflare.SecretKey = ""
	got := checkSecrets(context.Background(), cfg)
	if got.Status != StatusWarn || got.Message != "2 warning(s)" {
		t.Fatalf("expected two warnings, got %+v", got)
	}
}

func TestCheckDatabase(t *testing.T) {
	cfg := testConfig(t)
	got := checkDatabase(context.Background(), cfg)
	if got.Status != StatusPass || got.Detail != "queued=0" {
		t.Fatalf("expected PASS with empty queue, got %+v", got)
	}
	if _, err := os.Stat(filepath.Join(cfg.HomeDir, "gatekeeper.db")); err != nil {
		t.Fatalf("database file not created: %v", err)
	}
}

func TestCheckPermissions(t *testing.T) {
	cfg := testConfig(t)
	if got := checkPermissions(context.Background(), cfg); got.Status != StatusPass {
		t.Fatalf("expected PASS, got %+v", got)
	}
	cfg.HomeDir = filepath.Join(cfg.HomeDir, "missing", "dir")
	if got := checkPermissions(context.Background(), cfg); got.Status != StatusFail {
		t.Fatalf("expected FAIL for missing dir, got %+v", got)
	}
}

func TestCheckRedis(t *testing.T) {
	cfg := testConfig(t)
	if got := checkRedis(context.Background(), cfg); got.Status != StatusSkip {
		t.Fatalf("expected SKIP without redis backends, got %+v", got)
	}

	mr := miniredis.RunT(t)
	cfg.Queue.Backend = config.BackendRedis
	cfg.Redis.URL = "redis://" + mr.Addr()
	if got := checkRedis(context.Background(), cfg); got.Status != StatusPass {
		t.Fatalf("expected PASS, got %+v", got)
	}

	mr.Close()
	if got := checkRedis(context.Background(), cfg); got.Status != StatusFail {
		t.Fatalf("expected FAIL after redis stopped, got %+v", got)
	}
}

func TestNetworkHosts(t *testing.T) {
	cfg := testConfig(t)
	hosts := networkHosts(cfg)
	if len(hosts) != 2 || hosts[0] != "api.telegram.org" || hosts[1] != "challenges.cloudflare.com" {
		t.Fatalf("unexpected hosts: %v", hosts)
	}

	cfg.Cloudflare.SecretKey = ""
	cfg.Telegram.Endpoint = "http://botapi.local:8081/bot%s/%s"
	hosts = networkHosts(cfg)
	if len(hosts) != 1 || hosts[0] != "botapi.local" {
		t.Fatalf("unexpected hosts with endpoint override: %v", hosts)
	}
}

func TestCheckNetwork(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	result := checkNetwork(ctx, testConfig(t))
	// Allow FAIL in CI/offline environments.
	if result.Status != StatusPass && result.Status != StatusFail {
		t.Fatalf("expected PASS or FAIL, got %s", result.Status)
	}
	if result.Name != "Network" {
		t.Fatalf("expected name Network, got %s", result.Name)
	}
	if got := checkNetwork(context.Background(), nil); got.Status != StatusSkip {
		t.Fatalf("expected SKIP for nil config, got %s", got.Status)
	}
}

func TestRun_FailedAggregates(t *testing.T) {
	pass := func(context.Context, *config.Config) CheckResult { return CheckResult{Status: StatusPass} }
	fail := func(context.Context, *config.Config) CheckResult { return CheckResult{Status: StatusFail} }

	d := run(context.Background(), nil, "v-test", []check{pass, pass})
	if d.Failed() || len(d.Results) != 2 || d.System.Version != "v-test" {
		t.Fatalf("unexpected diagnosis: %+v", d)
	}
	if d := run(context.Background(), nil, "v-test", []check{pass, fail}); !d.Failed() {
		t.Fatal("expected Failed with one failing check")
	}
}
