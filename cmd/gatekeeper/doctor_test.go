package main

import (
	"bytes"
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/basket/gatekeeper/internal/doctor"
)

func writeDoctorConfig(t *testing.T, body string) {
	t.Helper()
	home := t.TempDir()
	t.Setenv("GATEKEEPER_HOME", home)
	if err := os.WriteFile(filepath.Join(home, "config.yaml"), []byte(body), 0o644); err != nil {
		t.Fatal(err)
	}
}

func TestRunDoctorCommand_MissingTokenFails(t *testing.T) {
	writeDoctorConfig(t, "bind_addr: 127.0.0.1:0\n")

	var out bytes.Buffer
	code := runDoctorCommand(context.Background(), nil, &out)
	if code != 1 {
		t.Fatalf("got exit code %d, want 1 without a bot token", code)
	}
	if !strings.Contains(out.String(), "[FAIL] Config") {
		t.Fatalf("expected config failure in report:\n%s", out.String())
	}
}

func TestRunDoctorCommand_JSONOutput(t *testing.T) {
	writeDoctorConfig(t, "telegram:\n  token: \"1:x\"\n  challenge_url: https://gate.example/c\n")

	var out bytes.Buffer
	if code := runDoctorCommand(context.Background(), []string{"--json"}, &out); code != 0 {
		t.Fatalf("got exit code %d, want 0 for JSON output", code)
	}
	var diag doctor.Diagnosis
	if err := json.Unmarshal(out.Bytes(), &diag); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if diag.System.Version != Version || len(diag.Results) == 0 {
		t.Fatalf("unexpected diagnosis: %+v", diag)
	}
}

func TestRunDoctorCommand_UnknownFlag(t *testing.T) {
	writeDoctorConfig(t, "")
	if code := runDoctorCommand(context.Background(), []string{"-v"}, &bytes.Buffer{}); code != 2 {
		t.Fatalf("got exit code %d, want 2", code)
	}
}
