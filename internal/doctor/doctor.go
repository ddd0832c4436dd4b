// Package doctor runs offline and network diagnostics for a gatekeeper
// install.
package doctor

import (
	"context"
	"fmt"
	"net"
	"net/url"
	"os"
	"path/filepath"
	"runtime"
	"strings"
	"time"

	"github.com/basket/gatekeeper/internal/config"
	"github.com/basket/gatekeeper/internal/persistence"
	"github.com/basket/gatekeeper/internal/rediskv"
)

const (
	StatusPass = "PASS"
	StatusFail = "FAIL"
	StatusWarn = "WARN"
	StatusSkip = "SKIP"
)

type CheckResult struct {
	Name    string `json:"name"`
	Status  string `json:"status"`
	Message string `json:"message"`
	Detail  string `json:"detail,omitempty"`
}

type Diagnosis struct {
	Timestamp time.Time     `json:"timestamp"`
	System    SystemInfo    `json:"system"`
	Results   []CheckResult `json:"results"`
}

type SystemInfo struct {
	OS      string `json:"os"`
	Arch    string `json:"arch"`
	Go      string `json:"go_version"`
	Version string `json:"version"`
}

// Failed reports whether any check failed.
func (d Diagnosis) Failed() bool {
	for _, r := range d.Results {
		if r.Status == StatusFail {
			return true
		}
	}
	return false
}

type check func(context.Context, *config.Config) CheckResult

// Run executes all diagnostic checks.
func Run(ctx context.Context, cfg *config.Config, version string) Diagnosis {
	return run(ctx, cfg, version, []check{
		checkConfig,
		checkSecrets,
		checkDatabase,
		checkPermissions,
		checkRedis,
		checkNetwork,
	})
}

func run(ctx context.Context, cfg *config.Config, version string, checks []check) Diagnosis {
	d := Diagnosis{
		Timestamp: time.Now().UTC(),
		System: SystemInfo{
			OS:      runtime.GOOS,
			Arch:    runtime.GOARCH,
			Go:      runtime.Version(),
			Version: version,
		},
	}
	for _, c := range checks {
		d.Results = append(d.Results, c(ctx, cfg))
	}
	return d
}

func checkConfig(_ context.Context, cfg *config.Config) CheckResult {
	if cfg == nil {
		return CheckResult{Name: "Config", Status: StatusFail, Message: "Configuration not loaded"}
	}
	var missing []string
	if strings.TrimSpace(cfg.Telegram.Token) == "" {
		missing = append(missing, "telegram.token")
	}
	if strings.TrimSpace(cfg.Telegram.ChallengeURL) == "" {
		missing = append(missing, "telegram.challenge_url")
	} else if u, err := url.Parse(cfg.Telegram.ChallengeURL); err != nil || u.Scheme != "https" {
		return CheckResult{
			Name:    "Config",
			Status:  StatusFail,
			Message: "challenge_url must be an https URL",
			Detail:  cfg.Telegram.ChallengeURL,
		}
	}
	if len(missing) > 0 {
		return CheckResult{
			Name:    "Config",
			Status:  StatusFail,
			Message: fmt.Sprintf("Missing required settings: %s", strings.Join(missing, ", ")),
		}
	}
	return CheckResult{
		Name:    "Config",
		Status:  StatusPass,
		Message: fmt.Sprintf("Loaded from %s", cfg.HomeDir),
		Detail:  cfg.Fingerprint(),
	}
}

func checkSecrets(_ context.Context, cfg *config.Config) CheckResult {
	if cfg == nil {
		return CheckResult{Name: "Secrets", Status: StatusSkip, Message: "Config missing"}
	}
	var warnings []string
	if strings.TrimSpace(cfg.SigningSecret) == "" {
		warnings = append(warnings, "signing_secret unset, challenge signatures are keyed by the bot token")
	}
	if strings.TrimSpace(cfg.Cloudflare.SecretKey) == "" {
		warnings = append(warnings, "cloudflare.secret_key unset, verify-cloudflare will always fail")
	}
	if len(warnings) > 0 {
		return CheckResult{
			Name:    "Secrets",
			Status:  StatusWarn,
			Message: fmt.Sprintf("%d warning(s)", len(warnings)),
			Detail:  strings.Join(warnings, "; "),
		}
	}
	return CheckResult{Name: "Secrets", Status: StatusPass, Message: "Signing and Turnstile secrets set"}
}

func checkDatabase(ctx context.Context, cfg *config.Config) CheckResult {
	if cfg == nil {
		return CheckResult{Name: "Database", Status: StatusSkip, Message: "Config missing"}
	}
	store, err := persistence.Open(persistence.DefaultDBPath(cfg.HomeDir))
	if err != nil {
		return CheckResult{Name: "Database", Status: StatusFail, Message: fmt.Sprintf("Open failed: %v", err)}
	}
	defer store.Close()

	depth, err := store.QueueDepth(ctx)
	if err != nil {
		return CheckResult{Name: "Database", Status: StatusFail, Message: fmt.Sprintf("Query failed: %v", err)}
	}
	return CheckResult{
		Name:    "Database",
		Status:  StatusPass,
		Message: "Connection and schema valid",
		Detail:  fmt.Sprintf("queued=%d", depth),
	}
}

func checkPermissions(_ context.Context, cfg *config.Config) CheckResult {
	if cfg == nil {
		return CheckResult{Name: "Permissions", Status: StatusSkip, Message: "Config missing"}
	}
	testFile := filepath.Join(cfg.HomeDir, ".write_test")
	if err := os.WriteFile(testFile, []byte("test"), 0o600); err != nil {
		return CheckResult{Name: "Permissions", Status: StatusFail, Message: fmt.Sprintf("Home dir unwritable: %v", err)}
	}
	_ = os.Remove(testFile)
	return CheckResult{Name: "Permissions", Status: StatusPass, Message: "Home directory writable"}
}

func checkRedis(ctx context.Context, cfg *config.Config) CheckResult {
	if cfg == nil {
		return CheckResult{Name: "Redis", Status: StatusSkip, Message: "Config missing"}
	}
	if cfg.Queue.Backend != config.BackendRedis && cfg.PolicyCache.Backend != config.BackendRedis {
		return CheckResult{Name: "Redis", Status: StatusSkip, Message: "No backend uses Redis"}
	}
	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	rdb, err := rediskv.Open(pingCtx, cfg.Redis.URL)
	if err != nil {
		return CheckResult{Name: "Redis", Status: StatusFail, Message: fmt.Sprintf("Unreachable: %v", err)}
	}
	defer rdb.Close()
	return CheckResult{Name: "Redis", Status: StatusPass, Message: "PING ok"}
}

// networkHosts lists the hosts the daemon talks to.
func networkHosts(cfg *config.Config) []string {
	hosts := []string{hostOf(cfg.Telegram.Endpoint, "api.telegram.org")}
	if strings.TrimSpace(cfg.Cloudflare.SecretKey) != "" {
		hosts = append(hosts, hostOf(cfg.Cloudflare.Endpoint, "challenges.cloudflare.com"))
	}
	return hosts
}

// hostOf extracts the host of an endpoint override. The Telegram endpoint
// is a format string, so the placeholders are stripped before parsing.
func hostOf(endpoint, fallback string) string {
	endpoint = strings.TrimSpace(endpoint)
	if endpoint == "" {
		return fallback
	}
	u, err := url.Parse(strings.ReplaceAll(endpoint, "%s", "x"))
	if err != nil || u.Hostname() == "" {
		return fallback
	}
	return u.Hostname()
}

func checkNetwork(ctx context.Context, cfg *config.Config) CheckResult {
	if cfg == nil {
		return CheckResult{Name: "Network", Status: StatusSkip, Message: "Config missing"}
	}

	lookupCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	var resolved []string
	start := time.Now()
	for _, host := range networkHosts(cfg) {
		addrs, err := net.DefaultResolver.LookupHost(lookupCtx, host)
		if err != nil {
			return CheckResult{
				Name:    "Network",
				Status:  StatusFail,
				Message: fmt.Sprintf("DNS lookup failed for %s: %v", host, err),
				Detail:  fmt.Sprintf("latency=%dms", time.Since(start).Milliseconds()),
			}
		}
		resolved = append(resolved, fmt.Sprintf("%s=%d", host, len(addrs)))
	}
	return CheckResult{
		Name:    "Network",
		Status:  StatusPass,
		Message: fmt.Sprintf("DNS resolved %d host(s) in %dms", len(resolved), time.Since(start).Milliseconds()),
		Detail:  strings.Join(resolved, ", "),
	}
}
