package main

import (
	"io"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/mattjoyce/drover/internal/config"
)

func captureOutputWithExitCode(t *testing.T, run func() int) (int, string, string) {
	t.Helper()

	oldStdout := os.Stdout
	oldStderr := os.Stderr

	stdoutR, stdoutW, err := os.Pipe()
	if err != nil {
		t.Fatalf("os.Pipe stdout failed: %v", err)
	}
	stderrR, stderrW, err := os.Pipe()
	if err != nil {
		t.Fatalf("os.Pipe stderr failed: %v", err)
	}

	os.Stdout = stdoutW
	os.Stderr = stderrW

	code := run()

	_ = stdoutW.Close()
	_ = stderrW.Close()
	os.Stdout = oldStdout
	os.Stderr = oldStderr

	stdoutBytes, _ := io.ReadAll(stdoutR)
	stderrBytes, _ := io.ReadAll(stderrR)

	_ = stdoutR.Close()
	_ = stderrR.Close()

	return code, string(stdoutBytes), string(stderrBytes)
}

func writeTestConfig(t *testing.T) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	content := `
clients:
  oracle:
    kind: oracle
    binary: sh
targets:
  - name: orcl1
    client: oracle
    login: scott/tiger@orcl1
`
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}
	return path
}

func TestRunCLIUnknownCommand(t *testing.T) {
	code, _, stderr := captureOutputWithExitCode(t, func() int {
		return runCLI([]string{"frobnicate"})
	})
	if code != 1 {
		t.Errorf("exit code = %d", code)
	}
	if !strings.Contains(stderr, "Unknown command") {
		t.Errorf("stderr = %q", stderr)
	}
}

func TestRunCLIHelp(t *testing.T) {
	code, stdout, _ := captureOutputWithExitCode(t, func() int {
		return runCLI([]string{"help"})
	})
	if code != 0 {
		t.Errorf("exit code = %d", code)
	}
	for _, want := range []string{"run", "ping", "config check", "journal inspect"} {
		if !strings.Contains(stdout, want) {
			t.Errorf("usage missing %q", want)
		}
	}
}

func TestRunCLIVersion(t *testing.T) {
	code, stdout, _ := captureOutputWithExitCode(t, func() int {
		return runCLI([]string{"version"})
	})
	if code != 0 {
		t.Errorf("exit code = %d", code)
	}
	if !strings.Contains(stdout, "drover") {
		t.Errorf("stdout = %q", stdout)
	}
}

func TestConfigCheckValid(t *testing.T) {
	path := writeTestConfig(t)
	code, stdout, _ := captureOutputWithExitCode(t, func() int {
		return runConfigCheck([]string{"--config", path})
	})
	if code != 0 {
		t.Errorf("exit code = %d, output:\n%s", code, stdout)
	}
	if !strings.Contains(stdout, "Configuration valid") {
		t.Errorf("stdout = %q", stdout)
	}
}

func TestConfigCheckInvalid(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	content := `
clients:
  oracle:
    kind: oracle
    binary: definitely-not-a-real-binary-xyz
targets:
  - name: orcl1
    client: oracle
`
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}

	code, stdout, _ := captureOutputWithExitCode(t, func() int {
		return runConfigCheck([]string{"--config", path})
	})
	if code != 1 {
		t.Errorf("exit code = %d, output:\n%s", code, stdout)
	}
	if !strings.Contains(stdout, "ERROR") {
		t.Errorf("stdout = %q", stdout)
	}
}

func TestConfigShow(t *testing.T) {
	path := writeTestConfig(t)
	code, stdout, _ := captureOutputWithExitCode(t, func() int {
		return runConfigShow([]string{"--config", path})
	})
	if code != 0 {
		t.Errorf("exit code = %d", code)
	}
	if !strings.Contains(stdout, "orcl1") {
		t.Errorf("stdout missing target:\n%s", stdout)
	}
}

func TestRunRejectsConflictingFlags(t *testing.T) {
	code, _, stderr := captureOutputWithExitCode(t, func() int {
		return runRun([]string{"--command", "x", "--script", "y"})
	})
	if code != 1 {
		t.Errorf("exit code = %d", code)
	}
	if !strings.Contains(stderr, "only one of") {
		t.Errorf("stderr = %q", stderr)
	}
}

func TestSplitCSV(t *testing.T) {
	tests := []struct {
		in   string
		want []string
	}{
		{"", nil},
		{"a", []string{"a"}},
		{"a,b", []string{"a", "b"}},
		{" a , b ,", []string{"a", "b"}},
	}
	for _, tt := range tests {
		got := splitCSV(tt.in)
		if len(got) != len(tt.want) {
			t.Errorf("splitCSV(%q) = %v, want %v", tt.in, got, tt.want)
			continue
		}
		for i := range tt.want {
			if got[i] != tt.want[i] {
				t.Errorf("splitCSV(%q)[%d] = %q, want %q", tt.in, i, got[i], tt.want[i])
			}
		}
	}
}

func TestJournalLockPath(t *testing.T) {
	cfg := config.Defaults()
	cfg.Journal.Path = "/var/lib/drover/journal.db"
	if got := journalLockPath(cfg); got != "/var/lib/drover/drover.lock" {
		t.Errorf("lock path = %q", got)
	}
}
