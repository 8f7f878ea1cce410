// Package dispatch implements the bounded parallel job dispatcher: it fans a
// batch of work units out across external database client processes, bounded
// by a concurrency limit, supervises them for stalls via an output-unchanged
// heuristic, and streams per-unit results as they become terminal.
package dispatch

import (
	"context"
	"time"
)

// Target is the logical identifier of a remote database instance. It is
// opaque to the dispatcher; only non-emptiness is required.
type Target string

// WorkUnit is one target plus one fully-resolved command awaiting execution.
// Immutable once queued. A unit requeued after a stall is a new WorkUnit with
// the attempt counter advanced; the unit itself keeps no other memory of
// having stalled.
type WorkUnit struct {
	Target    Target
	Command   string
	Attempt   int // 1-based
	CreatedAt time.Time
}

// JobResult is the per-unit outcome record.
//
// Stalled=true marks an interim record: the unit was terminated for making no
// visible progress and has been requeued at the tail. Every target eventually
// produces exactly one record with Stalled=false (its terminal outcome),
// unless retries are unlimited and the target never completes.
type JobResult struct {
	Target      Target
	Output      []string
	Attempt     int
	Succeeded   bool
	Stalled     bool
	ErrorLine   string
	StartedAt   time.Time
	CompletedAt time.Time
}

// Handle supervises one running external client process. The process's
// lifetime is owned by the dispatcher through this handle.
type Handle interface {
	// Peek returns a snapshot of the combined output produced so far
	// without consuming it.
	Peek() string
	// Done reports whether the process has terminated.
	Done() bool
	// Output returns the final output as ordered lines. Valid after Done.
	Output() []string
	// Terminate forcibly stops the process.
	Terminate() error
}

// Runner starts one external client process for one WorkUnit. Implementations
// exist per client convention (sqlplus, mysql, tnsping); the dispatcher is
// agnostic to which is plugged in.
type Runner interface {
	Start(ctx context.Context, unit WorkUnit) (Handle, error)
}

// Options configures a Dispatcher.
type Options struct {
	// Parallelism bounds concurrent in-flight units. Required, >= 1.
	Parallelism int
	// StallTimeout is how long a unit's output may remain unchanged before
	// the unit is declared stalled.
	StallTimeout time.Duration
	// PollInterval is the sleep between supervision ticks.
	PollInterval time.Duration
	// WarnAfter lists elapsed-unchanged checkpoints at which a non-fatal
	// stall warning is emitted, each at most once per attempt.
	WarnAfter []time.Duration
	// MaxRetries caps how many times a stalled unit is requeued.
	// 0 preserves the historical behavior: retry forever.
	MaxRetries int
	// ErrorPrefixes classify a completed unit as failed when any output
	// line starts with one of them. The first matching line becomes the
	// result's ErrorLine.
	ErrorPrefixes []string
}
