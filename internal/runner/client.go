package runner

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"syscall"

	"github.com/mattjoyce/drover/internal/config"
	"github.com/mattjoyce/drover/internal/dispatch"
	"github.com/mattjoyce/drover/internal/log"
)

// Client runs work units through one external client binary. The binary is
// resolved once at construction; a missing binary is a fatal pre-flight
// failure, not a per-unit error.
type Client struct {
	name   string
	kind   string
	binary string
	extra  []string
	logins map[dispatch.Target]string
	logger *slog.Logger
}

// NewClient resolves the client binary and builds a runner for it. logins
// maps each target to its connect descriptor (already env-expanded).
func NewClient(name string, cfg config.ClientConfig, logins map[dispatch.Target]string) (*Client, error) {
	binary, err := ResolveBinary(cfg)
	if err != nil {
		return nil, err
	}
	return &Client{
		name:   name,
		kind:   cfg.Kind,
		binary: binary,
		extra:  cfg.ExtraArgs,
		logins: logins,
		logger: log.WithComponent("runner").With("client", name),
	}, nil
}

// ResolveBinary locates the client executable: the configured install
// directory (via HomeEnv, ORACLE_HOME style) wins over PATH lookup.
func ResolveBinary(cfg config.ClientConfig) (string, error) {
	if cfg.HomeEnv != "" {
		if home := os.Getenv(cfg.HomeEnv); home != "" {
			p := filepath.Join(home, "bin", cfg.Binary)
			if _, err := os.Stat(p); err == nil {
				return p, nil
			}
		}
	}
	p, err := exec.LookPath(cfg.Binary)
	if err != nil {
		return "", fmt.Errorf("client binary %q not found: %w", cfg.Binary, err)
	}
	return p, nil
}

// Start spawns one client process for unit. Exit status is captured for
// logging only; success is decided downstream by scanning the output for
// error-prefix lines, because the wrapped clients mix diagnostics into the
// same text stream they print results to.
func (c *Client) Start(ctx context.Context, unit dispatch.WorkUnit) (dispatch.Handle, error) {
	args, stdin := c.invocation(unit)

	// Termination is managed through the handle, not the context: a stalled
	// client gets SIGTERM then SIGKILL from the dispatcher.
	cmd := exec.Command(c.binary, args...)
	out := &lockedBuffer{}
	cmd.Stdout = out
	cmd.Stderr = out
	if stdin != "" {
		cmd.Stdin = strings.NewReader(stdin)
	}

	c.logger.Debug("spawning client", "target", unit.Target, "attempt", unit.Attempt, "binary", c.binary)

	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("start %s: %w", c.binary, err)
	}

	p := &process{
		proc: &processRef{
			signal: func(sig syscall.Signal) error { return cmd.Process.Signal(sig) },
			kill:   func() error { return cmd.Process.Kill() },
		},
		out:  out,
		done: make(chan struct{}),
	}

	go func() {
		err := cmd.Wait()
		if err != nil {
			if exitErr, ok := err.(*exec.ExitError); ok {
				c.logger.Debug("client exited with non-zero status",
					"target", unit.Target, "exit_code", exitErr.ExitCode())
			} else {
				c.logger.Error("wait for client failed", "target", unit.Target, "error", err)
			}
		}
		close(p.done)
	}()

	return p, nil
}

// invocation builds argv and stdin text per client convention.
func (c *Client) invocation(unit dispatch.WorkUnit) (args []string, stdin string) {
	login := c.logins[unit.Target]
	args = append(args, c.extra...)

	switch c.kind {
	case "oracle":
		// Silent, non-interactive; command text piped on stdin, the client
		// exits on EOF.
		args = append(args, "-S", "-L", login)
		stdin = ensureNewline(unit.Command)
	case "mysql":
		args = append(args, "--batch", "--silent")
		args = append(args, strings.Fields(login)...)
		args = append(args, "-e", unit.Command)
	case "tnsping":
		// Reachability check: the target descriptor is the whole command.
		if login != "" {
			args = append(args, login)
		} else {
			args = append(args, string(unit.Target))
		}
	}
	return args, stdin
}

func ensureNewline(s string) string {
	if s == "" || strings.HasSuffix(s, "\n") {
		return s
	}
	return s + "\n"
}

var _ dispatch.Runner = (*Client)(nil)

// Mux routes each target to the client runner configured for it.
type Mux struct {
	byTarget map[dispatch.Target]dispatch.Runner
}

func NewMux() *Mux {
	return &Mux{byTarget: make(map[dispatch.Target]dispatch.Runner)}
}

func (m *Mux) Bind(target dispatch.Target, r dispatch.Runner) {
	m.byTarget[target] = r
}

func (m *Mux) Start(ctx context.Context, unit dispatch.WorkUnit) (dispatch.Handle, error) {
	r, ok := m.byTarget[unit.Target]
	if !ok {
		return nil, fmt.Errorf("no client bound for target %q", unit.Target)
	}
	return r.Start(ctx, unit)
}

var _ dispatch.Runner = (*Mux)(nil)
