package config

import (
	"fmt"
	"os"
	"path/filepath"
	"regexp"

	"gopkg.in/yaml.v3"
)

var envVarPattern = regexp.MustCompile(`\$\{([A-Za-z_][A-Za-z0-9_]*)\}`)

// Load reads and parses configuration from a file or a directory containing
// config.yaml. Missing optional sections fall back to Defaults().
func Load(configPath string) (*Config, error) {
	absPath, err := filepath.Abs(configPath)
	if err != nil {
		return nil, fmt.Errorf("failed to resolve config path %q: %w", configPath, err)
	}

	info, err := os.Stat(absPath)
	if err != nil {
		return nil, fmt.Errorf("config file not found: %s\n"+
			"Hint: Check the path or run with --config flag", absPath)
	}

	if info.IsDir() {
		absPath = filepath.Join(absPath, "config.yaml")
		if _, err := os.Stat(absPath); err != nil {
			return nil, fmt.Errorf("directory provided but config.yaml not found: %s", absPath)
		}
	}

	data, err := os.ReadFile(absPath)
	if err != nil {
		return nil, fmt.Errorf("read config %s: %w", absPath, err)
	}

	cfg := Defaults()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parse config %s: %w", absPath, err)
	}

	applyDefaults(cfg)
	expandEnv(cfg)

	if err := validate(cfg); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return cfg, nil
}

// DiscoverConfigDir finds the config directory by checking standard locations.
// Priority order: $DROVER_CONFIG_DIR, ~/.config/drover, /etc/drover, ./config.yaml.
func DiscoverConfigDir() (string, error) {
	if dir := os.Getenv("DROVER_CONFIG_DIR"); dir != "" {
		if _, err := os.Stat(dir); err == nil {
			return dir, nil
		}
	}

	if homeDir, err := os.UserHomeDir(); err == nil {
		userConfigDir := filepath.Join(homeDir, ".config", "drover")
		if _, err := os.Stat(userConfigDir); err == nil {
			return userConfigDir, nil
		}
	}

	if _, err := os.Stat("/etc/drover"); err == nil {
		return "/etc/drover", nil
	}

	if _, err := os.Stat("config.yaml"); err == nil {
		return "config.yaml", nil
	}

	return "", fmt.Errorf("no configuration found\n" +
		"Hint: Set DROVER_CONFIG_DIR, create ~/.config/drover, or pass --config")
}

// applyDefaults fills zero-valued knobs after unmarshalling, so a partial
// YAML file doesn't silently disable supervision.
func applyDefaults(cfg *Config) {
	def := Defaults()
	if cfg.Service.Name == "" {
		cfg.Service.Name = def.Service.Name
	}
	if cfg.Service.LogLevel == "" {
		cfg.Service.LogLevel = def.Service.LogLevel
	}
	if cfg.Service.LogFormat == "" {
		cfg.Service.LogFormat = def.Service.LogFormat
	}
	if cfg.Dispatcher.Parallelism == 0 {
		cfg.Dispatcher.Parallelism = def.Dispatcher.Parallelism
	}
	if cfg.Dispatcher.StallTimeout == 0 {
		cfg.Dispatcher.StallTimeout = def.Dispatcher.StallTimeout
	}
	if cfg.Dispatcher.PollInterval == 0 {
		cfg.Dispatcher.PollInterval = def.Dispatcher.PollInterval
	}
	if len(cfg.Dispatcher.ErrorPrefixes) == 0 {
		cfg.Dispatcher.ErrorPrefixes = def.Dispatcher.ErrorPrefixes
	}
	if cfg.Journal.Path == "" {
		cfg.Journal.Path = def.Journal.Path
	}
	if cfg.API.Listen == "" {
		cfg.API.Listen = def.API.Listen
	}
	if len(cfg.Clients) == 0 {
		cfg.Clients = def.Clients
	}
}

// expandEnv substitutes ${VAR} references in credential-bearing fields.
// Unresolved variables are left as-is; doctor warns about them.
func expandEnv(cfg *Config) {
	for i, t := range cfg.Targets {
		cfg.Targets[i].Login = ExpandEnv(t.Login)
	}
	cfg.API.APIKey = ExpandEnv(cfg.API.APIKey)
}

// ExpandEnv replaces ${VAR} with the value of VAR where VAR is set.
func ExpandEnv(s string) string {
	return envVarPattern.ReplaceAllStringFunc(s, func(m string) string {
		name := envVarPattern.FindStringSubmatch(m)[1]
		if v, ok := os.LookupEnv(name); ok {
			return v
		}
		return m
	})
}

// HasUnresolvedEnv reports whether s still contains ${VAR} references.
func HasUnresolvedEnv(s string) bool {
	return envVarPattern.MatchString(s)
}

func validate(cfg *Config) error {
	if cfg.Dispatcher.Parallelism < 1 {
		return fmt.Errorf("dispatcher.parallelism must be >= 1, got %d", cfg.Dispatcher.Parallelism)
	}
	if cfg.Dispatcher.StallTimeout <= 0 {
		return fmt.Errorf("dispatcher.stall_timeout must be positive")
	}
	if cfg.Dispatcher.PollInterval <= 0 {
		return fmt.Errorf("dispatcher.poll_interval must be positive")
	}
	if cfg.Dispatcher.MaxRetries < 0 {
		return fmt.Errorf("dispatcher.max_retries must be >= 0 (0 = unlimited)")
	}

	seen := make(map[string]int)
	for i, t := range cfg.Targets {
		if t.Name == "" {
			return fmt.Errorf("targets[%d].name is empty", i)
		}
		if prev, dup := seen[t.Name]; dup {
			return fmt.Errorf("targets[%d].name %q duplicates targets[%d]", i, t.Name, prev)
		}
		seen[t.Name] = i
		if t.Client == "" {
			return fmt.Errorf("targets[%d] (%s): client is empty", i, t.Name)
		}
		if _, ok := cfg.Clients[t.Client]; !ok {
			return fmt.Errorf("targets[%d] (%s): unknown client %q", i, t.Name, t.Client)
		}
	}

	for name, cc := range cfg.Clients {
		switch cc.Kind {
		case "oracle", "mysql", "tnsping":
		default:
			return fmt.Errorf("clients.%s: unknown kind %q (expected oracle, mysql or tnsping)", name, cc.Kind)
		}
		if cc.Binary == "" {
			return fmt.Errorf("clients.%s: binary is empty", name)
		}
	}
	return nil
}
