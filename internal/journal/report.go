package journal

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"
)

// BuildReport renders a human-readable report of one journalled run.
func (j *Journal) BuildReport(ctx context.Context, runID string) (string, error) {
	run, attempts, err := j.load(ctx, runID)
	if err != nil {
		return "", err
	}

	var b strings.Builder
	fmt.Fprintf(&b, "Run %s (%s)\n", run.ID, run.Name)
	fmt.Fprintf(&b, "  Command:  %s\n", run.Command)
	fmt.Fprintf(&b, "  Targets:  %d\n", run.TargetCount)
	fmt.Fprintf(&b, "  Started:  %s\n", run.StartedAt.Format(time.RFC3339))
	if run.FinishedAt != nil {
		fmt.Fprintf(&b, "  Finished: %s (%s)\n", run.FinishedAt.Format(time.RFC3339),
			run.FinishedAt.Sub(run.StartedAt).Round(time.Millisecond))
	} else {
		b.WriteString("  Finished: (still running)\n")
	}
	fmt.Fprintf(&b, "  Outcome:  %d succeeded, %d failed\n\n", run.Succeeded, run.Failed)

	for _, a := range attempts {
		status := "OK"
		switch {
		case a.Stalled:
			status = "STALLED (requeued)"
		case !a.Succeeded:
			status = "FAILED"
		}
		fmt.Fprintf(&b, "  %-20s attempt %d  %-20s %s\n",
			a.Target, a.Attempt, status, a.CompletedAt.Sub(a.StartedAt).Round(time.Millisecond))
		if a.ErrorLine != "" {
			fmt.Fprintf(&b, "    %s\n", a.ErrorLine)
		}
	}
	return b.String(), nil
}

// BuildJSONReport renders the same report as indented JSON.
func (j *Journal) BuildJSONReport(ctx context.Context, runID string) (string, error) {
	run, attempts, err := j.load(ctx, runID)
	if err != nil {
		return "", err
	}

	report := struct {
		Run      *Run      `json:"run"`
		Attempts []Attempt `json:"attempts"`
	}{run, attempts}

	data, err := json.MarshalIndent(report, "", "  ")
	if err != nil {
		return "", fmt.Errorf("marshal report: %w", err)
	}
	return string(data) + "\n", nil
}

func (j *Journal) load(ctx context.Context, runID string) (*Run, []Attempt, error) {
	run, err := j.GetRun(ctx, runID)
	if err != nil {
		return nil, nil, err
	}
	attempts, err := j.Attempts(ctx, runID)
	if err != nil {
		return nil, nil, err
	}
	return run, attempts, nil
}
