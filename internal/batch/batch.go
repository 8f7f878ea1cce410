// Package batch coordinates one batch run: pre-flight validation, work unit
// construction from config targets, dispatcher execution and result fan-out
// to the caller, the events hub and the journal.
package batch

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/mattjoyce/drover/internal/config"
	"github.com/mattjoyce/drover/internal/dispatch"
	"github.com/mattjoyce/drover/internal/doctor"
	"github.com/mattjoyce/drover/internal/events"
	"github.com/mattjoyce/drover/internal/log"
	"github.com/mattjoyce/drover/internal/runner"
	"github.com/mattjoyce/drover/internal/template"
)

// Batch runs operations across the configured target fleet.
type Batch struct {
	cfg      *config.Config
	recorder Recorder
	hub      *events.Hub
	logger   *slog.Logger
}

// New creates a Batch. recorder and hub may be nil.
func New(cfg *config.Config, recorder Recorder, hub *events.Hub) *Batch {
	return &Batch{
		cfg:      cfg,
		recorder: recorder,
		hub:      hub,
		logger:   log.WithComponent("batch"),
	}
}

// RunOptions selects what one run does.
type RunOptions struct {
	// Command is the command template applied to every target that has no
	// per-target override. Placeholders: ${target}, ${login}.
	Command string
	// Targets restricts the run to the named targets. Empty = all.
	Targets []string
	// ClientOverride forces every selected target through the named client
	// (drover ping runs everything through tnsping this way).
	ClientOverride string
}

// Summary is the terminal tally of one run.
type Summary struct {
	RunID     string
	Targets   int
	Succeeded int
	Failed    int
	Stalls    int
}

// Run executes one batch. Results stream to sink in completion order as they
// become available; interim stall records are flagged via JobResult.Stalled.
// Pre-flight failures abort before any unit is queued.
func (b *Batch) Run(ctx context.Context, opts RunOptions, sink func(dispatch.JobResult)) (*Summary, error) {
	if result := doctor.New(b.cfg).Validate(); !result.Valid {
		return nil, fmt.Errorf("pre-flight validation failed:\n%s", doctor.FormatHuman(result))
	}

	targets, err := b.selectTargets(opts)
	if err != nil {
		return nil, err
	}
	if len(targets) == 0 {
		return nil, fmt.Errorf("no targets selected")
	}

	units, err := b.buildUnits(targets, opts.Command)
	if err != nil {
		return nil, err
	}

	mux, err := b.buildMux(targets, opts.ClientOverride)
	if err != nil {
		return nil, err
	}

	disp, err := dispatch.New(mux, dispatch.Options{
		Parallelism:   b.cfg.Dispatcher.Parallelism,
		StallTimeout:  b.cfg.Dispatcher.StallTimeout,
		PollInterval:  b.cfg.Dispatcher.PollInterval,
		WarnAfter:     b.cfg.Dispatcher.WarnAfter,
		MaxRetries:    b.cfg.Dispatcher.MaxRetries,
		ErrorPrefixes: b.cfg.Dispatcher.ErrorPrefixes,
	}, b.hub)
	if err != nil {
		return nil, err
	}

	var runID string
	if b.recorder != nil {
		runID, err = b.recorder.Begin(ctx, b.cfg.Service.Name, opts.Command, len(units))
		if err != nil {
			return nil, fmt.Errorf("begin journal run: %w", err)
		}
	}

	b.publish(events.TypeRunStarted, map[string]any{
		"run_id":  runID,
		"targets": len(units),
		"command": opts.Command,
	})
	b.logger.Info("run started", "run_id", runID, "targets", len(units))

	summary := &Summary{RunID: runID, Targets: len(units)}
	for res := range disp.Run(ctx, units) {
		if sink != nil {
			sink(res)
		}
		if b.recorder != nil {
			if err := b.recorder.Record(ctx, runID, res); err != nil {
				b.logger.Error("failed to journal result", "target", res.Target, "error", err)
			}
		}
		switch {
		case res.Stalled:
			summary.Stalls++
		case res.Succeeded:
			summary.Succeeded++
		default:
			summary.Failed++
		}
	}

	if b.recorder != nil {
		if err := b.recorder.Finish(ctx, runID, summary.Succeeded, summary.Failed); err != nil {
			b.logger.Error("failed to finish journal run", "run_id", runID, "error", err)
		}
	}
	b.publish(events.TypeRunFinished, map[string]any{
		"run_id":    runID,
		"succeeded": summary.Succeeded,
		"failed":    summary.Failed,
		"stalls":    summary.Stalls,
	})
	b.logger.Info("run finished",
		"run_id", runID,
		"succeeded", summary.Succeeded,
		"failed", summary.Failed,
		"stalls", summary.Stalls,
	)

	if err := ctx.Err(); err != nil {
		return summary, fmt.Errorf("run cancelled: %w", err)
	}
	return summary, nil
}

func (b *Batch) selectTargets(opts RunOptions) ([]config.TargetConfig, error) {
	if len(opts.Targets) == 0 {
		return b.cfg.Targets, nil
	}

	byName := make(map[string]config.TargetConfig, len(b.cfg.Targets))
	for _, t := range b.cfg.Targets {
		byName[t.Name] = t
	}

	out := make([]config.TargetConfig, 0, len(opts.Targets))
	for _, name := range opts.Targets {
		t, ok := byName[name]
		if !ok {
			return nil, fmt.Errorf("unknown target %q", name)
		}
		out = append(out, t)
	}
	return out, nil
}

func (b *Batch) buildUnits(targets []config.TargetConfig, command string) ([]dispatch.WorkUnit, error) {
	now := time.Now()
	units := make([]dispatch.WorkUnit, 0, len(targets))
	for _, t := range targets {
		tmpl := command
		if t.Command != "" {
			tmpl = t.Command
		}
		resolved, err := template.Resolve(tmpl, template.Vars{Target: t.Name, Login: t.Login})
		if err != nil {
			return nil, fmt.Errorf("target %q: %w", t.Name, err)
		}
		units = append(units, dispatch.WorkUnit{
			Target:    dispatch.Target(t.Name),
			Command:   resolved,
			Attempt:   1,
			CreatedAt: now,
		})
	}
	return units, nil
}

// buildMux constructs one client runner per distinct client referenced by the
// selected targets and binds each target to its runner. Binary resolution
// failures surface here, before anything is queued.
func (b *Batch) buildMux(targets []config.TargetConfig, clientOverride string) (*runner.Mux, error) {
	logins := make(map[string]map[dispatch.Target]string)
	for _, t := range targets {
		clientName := t.Client
		if clientOverride != "" {
			clientName = clientOverride
		}
		if logins[clientName] == nil {
			logins[clientName] = make(map[dispatch.Target]string)
		}
		logins[clientName][dispatch.Target(t.Name)] = t.Login
	}

	mux := runner.NewMux()
	for clientName, byTarget := range logins {
		cc, ok := b.cfg.Clients[clientName]
		if !ok {
			return nil, fmt.Errorf("unknown client %q", clientName)
		}
		client, err := runner.NewClient(clientName, cc, byTarget)
		if err != nil {
			return nil, err
		}
		for target := range byTarget {
			mux.Bind(target, client)
		}
	}
	return mux, nil
}

func (b *Batch) publish(eventType string, data any) {
	if b.hub != nil {
		b.hub.Publish(eventType, data)
	}
}
