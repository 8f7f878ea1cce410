// Package doctor validates drover configuration and host environment before
// any work unit is queued. Errors here abort the whole run; per-target
// failures later never do.
package doctor

import (
	"encoding/json"
	"fmt"
	"os"
	"strings"

	"github.com/mattjoyce/drover/internal/config"
	"github.com/mattjoyce/drover/internal/runner"
)

// Result holds the outcome of a validation run.
type Result struct {
	Valid    bool    `json:"valid"`
	Errors   []Issue `json:"errors,omitempty"`
	Warnings []Issue `json:"warnings,omitempty"`
}

// Issue describes a single validation error or warning.
type Issue struct {
	Category string `json:"category"`
	Message  string `json:"message"`
	Field    string `json:"field,omitempty"`
}

// Doctor validates configuration against the host environment.
type Doctor struct {
	cfg *config.Config
}

// New creates a Doctor from a loaded config.
func New(cfg *config.Config) *Doctor {
	return &Doctor{cfg: cfg}
}

// Validate runs all checks and returns a result.
func (d *Doctor) Validate() *Result {
	r := &Result{Valid: true}

	d.validateDispatcher(r)
	d.validateTargets(r)
	d.validateClients(r)
	d.validateJournal(r)
	d.warnUnresolvedEnv(r)
	d.warnTimings(r)

	r.Valid = len(r.Errors) == 0
	return r
}

func (d *Doctor) addError(r *Result, category, field, msg string) {
	r.Errors = append(r.Errors, Issue{Category: category, Field: field, Message: msg})
}

func (d *Doctor) addWarning(r *Result, category, field, msg string) {
	r.Warnings = append(r.Warnings, Issue{Category: category, Field: field, Message: msg})
}

func (d *Doctor) validateDispatcher(r *Result) {
	disp := d.cfg.Dispatcher
	if disp.Parallelism < 1 {
		d.addError(r, "dispatcher", "dispatcher.parallelism", "parallelism must be >= 1")
	}
	if disp.StallTimeout <= 0 {
		d.addError(r, "dispatcher", "dispatcher.stall_timeout", "stall_timeout must be positive")
	}
	if disp.PollInterval <= 0 {
		d.addError(r, "dispatcher", "dispatcher.poll_interval", "poll_interval must be positive")
	}
	if disp.PollInterval > 0 && disp.StallTimeout > 0 && disp.PollInterval >= disp.StallTimeout {
		d.addError(r, "dispatcher", "dispatcher.poll_interval",
			fmt.Sprintf("poll_interval (%s) must be shorter than stall_timeout (%s)",
				disp.PollInterval, disp.StallTimeout))
	}
	for i, mark := range disp.WarnAfter {
		if mark >= disp.StallTimeout {
			d.addWarning(r, "dispatcher", fmt.Sprintf("dispatcher.warn_after[%d]", i),
				fmt.Sprintf("warning checkpoint %s is at or beyond stall_timeout %s and will never fire",
					mark, disp.StallTimeout))
		}
	}
}

func (d *Doctor) validateTargets(r *Result) {
	if len(d.cfg.Targets) == 0 {
		d.addWarning(r, "targets", "targets", "no targets configured; runs will do nothing")
	}
	seen := make(map[string]int)
	for i, t := range d.cfg.Targets {
		field := fmt.Sprintf("targets[%d]", i)
		if t.Name == "" {
			d.addError(r, "targets", field+".name", "target name is empty")
			continue
		}
		if prev, dup := seen[t.Name]; dup {
			d.addError(r, "targets", field+".name",
				fmt.Sprintf("target %q duplicates targets[%d]", t.Name, prev))
		}
		seen[t.Name] = i
		if _, ok := d.cfg.Clients[t.Client]; !ok {
			d.addError(r, "targets", field+".client",
				fmt.Sprintf("target %q references unknown client %q", t.Name, t.Client))
		}
	}
}

// validateClients checks that every client binary actually referenced by a
// target is resolvable on this host.
func (d *Doctor) validateClients(r *Result) {
	used := make(map[string]bool)
	for _, t := range d.cfg.Targets {
		used[t.Client] = true
	}

	for name, cc := range d.cfg.Clients {
		if !used[name] {
			continue
		}
		field := fmt.Sprintf("clients.%s", name)
		if _, err := runner.ResolveBinary(cc); err != nil {
			d.addError(r, "clients", field+".binary", err.Error())
		}
		if cc.HomeEnv != "" && os.Getenv(cc.HomeEnv) == "" {
			d.addWarning(r, "clients", field+".home_env",
				fmt.Sprintf("environment variable %s is not set; falling back to PATH lookup", cc.HomeEnv))
		}
	}
}

func (d *Doctor) validateJournal(r *Result) {
	if d.cfg.Journal.Path == "" {
		d.addError(r, "journal", "journal.path", "journal.path is required")
	}
}

// warnUnresolvedEnv flags ${VAR} references that survived env expansion.
func (d *Doctor) warnUnresolvedEnv(r *Result) {
	for i, t := range d.cfg.Targets {
		if config.HasUnresolvedEnv(t.Login) {
			d.addWarning(r, "env_vars", fmt.Sprintf("targets[%d].login", i),
				fmt.Sprintf("login for target %q contains unresolved environment variables", t.Name))
		}
	}
	if config.HasUnresolvedEnv(d.cfg.API.APIKey) {
		d.addWarning(r, "env_vars", "api.api_key", "api_key contains unresolved environment variables")
	}
}

func (d *Doctor) warnTimings(r *Result) {
	if d.cfg.Dispatcher.StallTimeout.Seconds() < 5 {
		d.addWarning(r, "dispatcher", "dispatcher.stall_timeout",
			fmt.Sprintf("stall_timeout %s is very short; slow but healthy clients will be terminated",
				d.cfg.Dispatcher.StallTimeout))
	}
}

// FormatHuman returns a human-readable validation report.
func FormatHuman(r *Result) string {
	var b strings.Builder

	if r.Valid && len(r.Warnings) == 0 {
		b.WriteString("Configuration valid.\n")
		return b.String()
	}

	if r.Valid && len(r.Warnings) > 0 {
		b.WriteString("Configuration valid")
		fmt.Fprintf(&b, " (%d warning(s))\n", len(r.Warnings))
	}

	if !r.Valid {
		fmt.Fprintf(&b, "Configuration invalid (%d error(s), %d warning(s))\n", len(r.Errors), len(r.Warnings))
	}

	for _, e := range r.Errors {
		if e.Field != "" {
			fmt.Fprintf(&b, "  ERROR [%s] %s: %s\n", e.Category, e.Field, e.Message)
		} else {
			fmt.Fprintf(&b, "  ERROR [%s] %s\n", e.Category, e.Message)
		}
	}
	for _, w := range r.Warnings {
		if w.Field != "" {
			fmt.Fprintf(&b, "  WARN  [%s] %s: %s\n", w.Category, w.Field, w.Message)
		} else {
			fmt.Fprintf(&b, "  WARN  [%s] %s\n", w.Category, w.Message)
		}
	}

	return b.String()
}

// FormatJSON returns the result as indented JSON.
func FormatJSON(r *Result) (string, error) {
	data, err := json.MarshalIndent(r, "", "  ")
	if err != nil {
		return "", err
	}
	return string(data), nil
}
