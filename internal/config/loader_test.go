package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}
	return path
}

func TestLoadFullConfig(t *testing.T) {
	path := writeConfig(t, `
service:
  name: fleet-check
  log_level: debug
  log_format: json
dispatcher:
  parallelism: 8
  stall_timeout: 90s
  poll_interval: 2s
  warn_after: [5s, 30s]
  max_retries: 3
journal:
  path: /var/lib/drover/journal.db
clients:
  oracle:
    kind: oracle
    binary: sqlplus
    home_env: ORACLE_HOME
targets:
  - name: orcl1
    client: oracle
    login: scott/tiger@orcl1
  - name: orcl2
    client: oracle
    login: scott/tiger@orcl2
`)

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}

	if cfg.Service.Name != "fleet-check" {
		t.Errorf("service.name = %q", cfg.Service.Name)
	}
	if cfg.Dispatcher.Parallelism != 8 {
		t.Errorf("parallelism = %d", cfg.Dispatcher.Parallelism)
	}
	if cfg.Dispatcher.StallTimeout != 90*time.Second {
		t.Errorf("stall_timeout = %s", cfg.Dispatcher.StallTimeout)
	}
	if cfg.Dispatcher.MaxRetries != 3 {
		t.Errorf("max_retries = %d", cfg.Dispatcher.MaxRetries)
	}
	if len(cfg.Dispatcher.WarnAfter) != 2 || cfg.Dispatcher.WarnAfter[1] != 30*time.Second {
		t.Errorf("warn_after = %v", cfg.Dispatcher.WarnAfter)
	}
	if len(cfg.Targets) != 2 || cfg.Targets[1].Name != "orcl2" {
		t.Errorf("targets = %+v", cfg.Targets)
	}
}

func TestLoadAppliesDefaults(t *testing.T) {
	path := writeConfig(t, `
targets:
  - name: orcl1
    client: oracle
`)

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}

	def := Defaults()
	if cfg.Dispatcher.Parallelism != def.Dispatcher.Parallelism {
		t.Errorf("parallelism = %d, want default %d", cfg.Dispatcher.Parallelism, def.Dispatcher.Parallelism)
	}
	if cfg.Dispatcher.StallTimeout != def.Dispatcher.StallTimeout {
		t.Errorf("stall_timeout = %s, want default %s", cfg.Dispatcher.StallTimeout, def.Dispatcher.StallTimeout)
	}
	if len(cfg.Dispatcher.ErrorPrefixes) == 0 {
		t.Error("error_prefixes default missing")
	}
	// The default client set includes oracle, so the target resolves.
	if _, ok := cfg.Clients["oracle"]; !ok {
		t.Error("default clients not applied")
	}
	if cfg.Service.LogLevel != "info" {
		t.Errorf("log_level = %q", cfg.Service.LogLevel)
	}
}

func TestLoadFromDirectory(t *testing.T) {
	dir := t.TempDir()
	content := `
targets:
  - name: db1
    client: mysql
`
	if err := os.WriteFile(filepath.Join(dir, "config.yaml"), []byte(content), 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}

	cfg, err := Load(dir)
	if err != nil {
		t.Fatalf("Load dir: %v", err)
	}
	if len(cfg.Targets) != 1 || cfg.Targets[0].Name != "db1" {
		t.Errorf("targets = %+v", cfg.Targets)
	}
}

func TestLoadMissingFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "nope.yaml"))
	if err == nil {
		t.Fatal("expected error for missing config")
	}
}

func TestLoadExpandsLoginEnv(t *testing.T) {
	t.Setenv("DROVER_TEST_PW", "s3cret")

	path := writeConfig(t, `
targets:
  - name: orcl1
    client: oracle
    login: scott/${DROVER_TEST_PW}@orcl1
  - name: orcl2
    client: oracle
    login: scott/${DROVER_TEST_UNSET}@orcl2
`)

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Targets[0].Login != "scott/s3cret@orcl1" {
		t.Errorf("login = %q", cfg.Targets[0].Login)
	}
	// Unset variables survive untouched; doctor warns about them later.
	if cfg.Targets[1].Login != "scott/${DROVER_TEST_UNSET}@orcl2" {
		t.Errorf("unset login = %q", cfg.Targets[1].Login)
	}
	if !HasUnresolvedEnv(cfg.Targets[1].Login) {
		t.Error("HasUnresolvedEnv should flag the unset reference")
	}
}

func TestLoadRejectsUnknownClient(t *testing.T) {
	path := writeConfig(t, `
targets:
  - name: orcl1
    client: db2
`)

	_, err := Load(path)
	if err == nil || !strings.Contains(err.Error(), "unknown client") {
		t.Fatalf("expected unknown client error, got %v", err)
	}
}

func TestLoadRejectsDuplicateTargets(t *testing.T) {
	path := writeConfig(t, `
targets:
  - name: orcl1
    client: oracle
  - name: orcl1
    client: oracle
`)

	_, err := Load(path)
	if err == nil || !strings.Contains(err.Error(), "duplicates") {
		t.Fatalf("expected duplicate target error, got %v", err)
	}
}

func TestLoadRejectsUnknownClientKind(t *testing.T) {
	path := writeConfig(t, `
clients:
  weird:
    kind: postgres
    binary: psql
`)

	_, err := Load(path)
	if err == nil || !strings.Contains(err.Error(), "unknown kind") {
		t.Fatalf("expected unknown kind error, got %v", err)
	}
}

func TestLoadRejectsBadTimings(t *testing.T) {
	path := writeConfig(t, `
dispatcher:
  parallelism: -1
`)

	_, err := Load(path)
	if err == nil || !strings.Contains(err.Error(), "parallelism") {
		t.Fatalf("expected parallelism error, got %v", err)
	}
}

func TestDiscoverConfigDirEnvOverride(t *testing.T) {
	dir := t.TempDir()
	t.Setenv("DROVER_CONFIG_DIR", dir)

	got, err := DiscoverConfigDir()
	if err != nil {
		t.Fatalf("DiscoverConfigDir: %v", err)
	}
	if got != dir {
		t.Errorf("got %q, want %q", got, dir)
	}
}
