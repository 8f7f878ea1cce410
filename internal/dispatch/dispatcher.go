package dispatch

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/mattjoyce/drover/internal/events"
	"github.com/mattjoyce/drover/internal/log"
)

// Dispatcher owns the queue, the concurrency limit, the in-flight set and the
// stall detectors. All of that state is confined to the single control
// goroutine started by Run; the parallelism comes from the external client
// processes, not from concurrent dispatcher logic.
type Dispatcher struct {
	runner Runner
	opts   Options
	hub    *events.Hub
	logger *slog.Logger
}

// New creates a Dispatcher. hub may be nil when nobody watches the run.
func New(runner Runner, opts Options, hub *events.Hub) (*Dispatcher, error) {
	if runner == nil {
		return nil, fmt.Errorf("runner is nil")
	}
	if opts.Parallelism < 1 {
		return nil, fmt.Errorf("parallelism must be >= 1, got %d", opts.Parallelism)
	}
	if opts.StallTimeout <= 0 {
		return nil, fmt.Errorf("stall timeout must be positive")
	}
	if opts.PollInterval <= 0 {
		return nil, fmt.Errorf("poll interval must be positive")
	}
	return &Dispatcher{
		runner: runner,
		opts:   opts,
		hub:    hub,
		logger: log.WithComponent("dispatch"),
	}, nil
}

// inFlightJob binds one WorkUnit to its running process handle and detector.
type inFlightJob struct {
	unit      WorkUnit
	handle    Handle
	detector  *stallDetector
	startedAt time.Time
}

// Run executes all units and streams their results. The returned channel is
// closed once the queue and the in-flight set are both empty; no unit is
// dropped silently. Cancelling ctx terminates every in-flight process and
// surfaces the remaining units as failed results.
func (d *Dispatcher) Run(ctx context.Context, units []WorkUnit) <-chan JobResult {
	queue := make([]WorkUnit, 0, len(units))
	now := time.Now()
	for _, u := range units {
		if u.Attempt == 0 {
			u.Attempt = 1
		}
		if u.CreatedAt.IsZero() {
			u.CreatedAt = now
		}
		queue = append(queue, u)
	}

	results := make(chan JobResult, len(units))
	go d.loop(ctx, queue, results)
	return results
}

func (d *Dispatcher) loop(ctx context.Context, queue []WorkUnit, results chan<- JobResult) {
	defer close(results)

	d.logger.Info("dispatch loop started",
		"units", len(queue),
		"parallelism", d.opts.Parallelism,
		"stall_timeout", d.opts.StallTimeout,
	)
	defer d.logger.Info("dispatch loop stopped")

	var inflight []*inFlightJob

	for len(queue) > 0 || len(inflight) > 0 {
		// Admission: fill free slots FIFO from the head of the queue.
		for len(queue) > 0 && len(inflight) < d.opts.Parallelism {
			unit := queue[0]
			queue = queue[1:]
			job, err := d.admit(ctx, unit)
			if err != nil {
				// The client could not even be started. Terminal, not retried.
				results <- JobResult{
					Target:      unit.Target,
					Attempt:     unit.Attempt,
					Succeeded:   false,
					ErrorLine:   fmt.Sprintf("start client: %v", err),
					StartedAt:   time.Now(),
					CompletedAt: time.Now(),
				}
				continue
			}
			inflight = append(inflight, job)
		}

		// Completion sweep: emit a result for every terminated process.
		remaining := inflight[:0]
		for _, job := range inflight {
			if !job.handle.Done() {
				remaining = append(remaining, job)
				continue
			}
			results <- d.complete(job)
		}
		inflight = remaining

		// Stall sweep: peek each still-running unit without consuming.
		now := time.Now()
		remaining = inflight[:0]
		for _, job := range inflight {
			// A unit that finished after this tick's completion sweep is not
			// stalled, however old its clock; the next completion sweep emits
			// its result.
			if job.handle.Done() {
				remaining = append(remaining, job)
				continue
			}
			v, warnings := job.detector.observe(now, job.handle.Peek())
			for _, mark := range warnings {
				d.logger.Warn("unit output unchanged",
					"target", job.unit.Target,
					"attempt", job.unit.Attempt,
					"unchanged_for", mark,
				)
				d.publish(events.TypeStallWarning, map[string]any{
					"target":        job.unit.Target,
					"attempt":       job.unit.Attempt,
					"unchanged_for": mark.String(),
				})
			}
			if v != verdictStalled {
				remaining = append(remaining, job)
				continue
			}
			result, requeued := d.stall(job)
			results <- result
			if requeued != nil {
				queue = append(queue, *requeued) // tail, never head
			}
		}
		inflight = remaining

		if len(queue) == 0 && len(inflight) == 0 {
			break
		}

		select {
		case <-ctx.Done():
			d.abort(ctx, queue, inflight, results)
			return
		case <-time.After(d.opts.PollInterval):
		}
	}
}

func (d *Dispatcher) admit(ctx context.Context, unit WorkUnit) (*inFlightJob, error) {
	handle, err := d.runner.Start(ctx, unit)
	if err != nil {
		d.logger.Error("failed to start client", "target", unit.Target, "error", err)
		return nil, err
	}
	d.logger.Debug("unit admitted", "target", unit.Target, "attempt", unit.Attempt)
	d.publish(events.TypeAdmitted, map[string]any{
		"target":  unit.Target,
		"attempt": unit.Attempt,
	})
	return &inFlightJob{
		unit:      unit,
		handle:    handle,
		detector:  newStallDetector(d.opts.StallTimeout, d.opts.WarnAfter),
		startedAt: time.Now(),
	}, nil
}

// complete classifies a terminated unit. Process completion is terminal
// regardless of output content; only the error-prefix scan decides success.
func (d *Dispatcher) complete(job *inFlightJob) JobResult {
	lines := job.handle.Output()
	errorLine := d.firstErrorLine(lines)

	result := JobResult{
		Target:      job.unit.Target,
		Output:      lines,
		Attempt:     job.unit.Attempt,
		Succeeded:   errorLine == "",
		ErrorLine:   errorLine,
		StartedAt:   job.startedAt,
		CompletedAt: time.Now(),
	}

	if result.Succeeded {
		d.logger.Info("unit completed", "target", job.unit.Target, "attempt", job.unit.Attempt)
	} else {
		d.logger.Warn("unit failed", "target", job.unit.Target, "attempt", job.unit.Attempt, "error_line", errorLine)
	}
	d.publish(events.TypeCompleted, map[string]any{
		"target":     job.unit.Target,
		"attempt":    job.unit.Attempt,
		"succeeded":  result.Succeeded,
		"error_line": errorLine,
	})
	return result
}

// stall terminates a stalled unit and decides between tail requeue and giving
// up. The interim result is flagged Stalled so consumers can tell it apart
// from a terminal outcome.
func (d *Dispatcher) stall(job *inFlightJob) (JobResult, *WorkUnit) {
	if err := job.handle.Terminate(); err != nil {
		d.logger.Error("failed to terminate stalled client", "target", job.unit.Target, "error", err)
	}

	retriesLeft := d.opts.MaxRetries == 0 || job.unit.Attempt <= d.opts.MaxRetries

	result := JobResult{
		Target:      job.unit.Target,
		Output:      job.handle.Output(),
		Attempt:     job.unit.Attempt,
		Succeeded:   false,
		Stalled:     retriesLeft,
		StartedAt:   job.startedAt,
		CompletedAt: time.Now(),
	}

	if !retriesLeft {
		result.ErrorLine = fmt.Sprintf("no output change within %s on %d attempts, giving up",
			d.opts.StallTimeout, job.unit.Attempt)
		d.logger.Error("unit exhausted retries", "target", job.unit.Target, "attempts", job.unit.Attempt)
		d.publish(events.TypeDead, map[string]any{
			"target":   job.unit.Target,
			"attempts": job.unit.Attempt,
		})
		return result, nil
	}

	result.ErrorLine = fmt.Sprintf("no output change within %s, terminated and requeued", d.opts.StallTimeout)
	d.logger.Warn("unit stalled, requeueing", "target", job.unit.Target, "attempt", job.unit.Attempt)
	d.publish(events.TypeStalled, map[string]any{
		"target":  job.unit.Target,
		"attempt": job.unit.Attempt,
	})

	requeued := WorkUnit{
		Target:    job.unit.Target,
		Command:   job.unit.Command,
		Attempt:   job.unit.Attempt + 1,
		CreatedAt: time.Now(),
	}
	d.publish(events.TypeRequeued, map[string]any{
		"target":  requeued.Target,
		"attempt": requeued.Attempt,
	})
	return result, &requeued
}

// abort handles context cancellation: kill everything, surface everything.
func (d *Dispatcher) abort(ctx context.Context, queue []WorkUnit, inflight []*inFlightJob, results chan<- JobResult) {
	d.logger.Warn("run cancelled", "queued", len(queue), "inflight", len(inflight))

	now := time.Now()
	for _, job := range inflight {
		_ = job.handle.Terminate()
		results <- JobResult{
			Target:      job.unit.Target,
			Output:      job.handle.Output(),
			Attempt:     job.unit.Attempt,
			Succeeded:   false,
			ErrorLine:   fmt.Sprintf("cancelled: %v", ctx.Err()),
			StartedAt:   job.startedAt,
			CompletedAt: now,
		}
	}
	for _, unit := range queue {
		results <- JobResult{
			Target:      unit.Target,
			Attempt:     unit.Attempt,
			Succeeded:   false,
			ErrorLine:   fmt.Sprintf("cancelled before start: %v", ctx.Err()),
			StartedAt:   now,
			CompletedAt: now,
		}
	}
}

func (d *Dispatcher) firstErrorLine(lines []string) string {
	for _, line := range lines {
		trimmed := strings.TrimSpace(line)
		for _, prefix := range d.opts.ErrorPrefixes {
			if strings.HasPrefix(trimmed, prefix) {
				return trimmed
			}
		}
	}
	return ""
}

func (d *Dispatcher) publish(eventType string, data any) {
	if d.hub != nil {
		d.hub.Publish(eventType, data)
	}
}
