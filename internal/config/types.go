package config

import "time"

// Config represents the complete drover configuration.
type Config struct {
	Service    ServiceConfig           `yaml:"service"`
	Dispatcher DispatcherConfig        `yaml:"dispatcher"`
	Journal    JournalConfig           `yaml:"journal"`
	API        APIConfig               `yaml:"api,omitempty"`
	Clients    map[string]ClientConfig `yaml:"clients"`
	Targets    []TargetConfig          `yaml:"targets"`
}

// ServiceConfig defines core service settings.
type ServiceConfig struct {
	Name      string `yaml:"name"`
	LogLevel  string `yaml:"log_level"`
	LogFormat string `yaml:"log_format"`
}

// DispatcherConfig defines the knobs of the bounded parallel dispatcher.
type DispatcherConfig struct {
	// Parallelism bounds concurrent in-flight client processes.
	Parallelism int `yaml:"parallelism"`
	// StallTimeout is how long a unit's output may stay unchanged before it
	// is declared stalled, terminated and requeued.
	StallTimeout time.Duration `yaml:"stall_timeout"`
	// PollInterval is the sleep between supervision ticks.
	PollInterval time.Duration `yaml:"poll_interval"`
	// WarnAfter lists elapsed-unchanged checkpoints at which a non-fatal
	// stall warning is emitted.
	WarnAfter []time.Duration `yaml:"warn_after,omitempty"`
	// MaxRetries caps how often a stalled unit is requeued. 0 means
	// unlimited, which matches the historical behavior of the ad hoc
	// shell dispatchers this replaces.
	MaxRetries int `yaml:"max_retries"`
	// ErrorPrefixes are line prefixes that mark a completed unit as failed.
	ErrorPrefixes []string `yaml:"error_prefixes,omitempty"`
}

// JournalConfig defines the run journal database settings.
type JournalConfig struct {
	Path      string        `yaml:"path"`
	Retention time.Duration `yaml:"retention,omitempty"`
}

// APIConfig defines the optional HTTP status server.
type APIConfig struct {
	Enabled bool   `yaml:"enabled"`
	Listen  string `yaml:"listen"`
	APIKey  string `yaml:"api_key,omitempty"`
}

// ClientConfig describes how to invoke one external database client binary.
type ClientConfig struct {
	// Kind selects the invocation convention: oracle, mysql or tnsping.
	Kind string `yaml:"kind"`
	// Binary is the executable name or absolute path.
	Binary string `yaml:"binary"`
	// HomeEnv names an environment variable whose value is the client
	// installation directory (ORACLE_HOME style). When set and non-empty,
	// the binary is resolved under its bin/ subdirectory.
	HomeEnv string `yaml:"home_env,omitempty"`
	// ExtraArgs are prepended to every invocation.
	ExtraArgs []string `yaml:"extra_args,omitempty"`
}

// TargetConfig describes one database target.
type TargetConfig struct {
	Name   string `yaml:"name"`
	Client string `yaml:"client"`
	// Login is the connect descriptor handed to the client
	// (user/password@alias for sqlplus, host:port for mysql). Supports
	// ${VAR} environment expansion so credentials stay out of the file.
	Login string `yaml:"login,omitempty"`
	// Command optionally overrides the run-level command template for
	// this target.
	Command string `yaml:"command,omitempty"`
}

// Defaults returns a Config with the defaults observed in the shell
// dispatchers this tool replaces.
func Defaults() *Config {
	return &Config{
		Service: ServiceConfig{
			Name:      "drover",
			LogLevel:  "info",
			LogFormat: "text",
		},
		Dispatcher: DispatcherConfig{
			Parallelism:   4,
			StallTimeout:  60 * time.Second,
			PollInterval:  1 * time.Second,
			WarnAfter:     []time.Duration{5 * time.Second, 10 * time.Second},
			MaxRetries:    0,
			ErrorPrefixes: DefaultErrorPrefixes(),
		},
		Journal: JournalConfig{
			Path:      "./data/journal.db",
			Retention: 30 * 24 * time.Hour,
		},
		API: APIConfig{
			Enabled: false,
			Listen:  "127.0.0.1:8080",
		},
		Clients: map[string]ClientConfig{
			"oracle":  {Kind: "oracle", Binary: "sqlplus", HomeEnv: "ORACLE_HOME"},
			"mysql":   {Kind: "mysql", Binary: "mysql"},
			"tnsping": {Kind: "tnsping", Binary: "tnsping", HomeEnv: "ORACLE_HOME"},
		},
	}
}

// DefaultErrorPrefixes returns the error markers the wrapped clients print
// into their output stream. A completed unit whose output contains a line
// starting with one of these is classified as failed.
func DefaultErrorPrefixes() []string {
	return []string{"ORA-", "SP2-", "PLS-", "TNS-", "ERROR "}
}
