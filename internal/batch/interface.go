package batch

import (
	"context"

	"github.com/mattjoyce/drover/internal/dispatch"
)

//go:generate mockgen -destination=mocks/mock_recorder.go -package=mocks github.com/mattjoyce/drover/internal/batch Recorder

// Recorder receives the terminal and interim results of a run for audit.
// journal.Journal is the production implementation; a nil Recorder disables
// journalling entirely.
type Recorder interface {
	Begin(ctx context.Context, name, command string, targetCount int) (string, error)
	Record(ctx context.Context, runID string, res dispatch.JobResult) error
	Finish(ctx context.Context, runID string, succeeded, failed int) error
}
