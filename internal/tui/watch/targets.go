package watch

import (
	"encoding/json"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/mattjoyce/drover/internal/events"
)

// TargetState tracks one target's progress through the run.
type TargetState struct {
	Name      string
	Status    string // queued, running, ok, failed, stalled, dead
	Attempt   int
	ErrorLine string
	UpdatedAt time.Time
}

type eventData struct {
	Target    string `json:"target"`
	Attempt   int    `json:"attempt"`
	Attempts  int    `json:"attempts"`
	Succeeded bool   `json:"succeeded"`
	ErrorLine string `json:"error_line"`
}

// updateTargetState folds one hub event into the per-target state map.
func updateTargetState(targets map[string]*TargetState, ev events.Event) {
	var data eventData
	if err := json.Unmarshal(ev.Data, &data); err != nil || data.Target == "" {
		return
	}

	st, ok := targets[data.Target]
	if !ok {
		st = &TargetState{Name: data.Target, Status: "queued"}
		targets[data.Target] = st
	}
	st.UpdatedAt = ev.At

	switch ev.Type {
	case events.TypeAdmitted:
		st.Status = "running"
		st.Attempt = data.Attempt
	case events.TypeCompleted:
		if data.Succeeded {
			st.Status = "ok"
			st.ErrorLine = ""
		} else {
			st.Status = "failed"
			st.ErrorLine = data.ErrorLine
		}
	case events.TypeStalled:
		st.Status = "stalled"
	case events.TypeRequeued:
		st.Status = "queued"
		st.Attempt = data.Attempt
	case events.TypeDead:
		st.Status = "dead"
		st.Attempt = data.Attempts
	}
}

func renderTargets(targets map[string]*TargetState, theme Theme, width int) string {
	names := make([]string, 0, len(targets))
	for name := range targets {
		names = append(names, name)
	}
	sort.Strings(names)

	var b strings.Builder
	b.WriteString(theme.Header.Render(fmt.Sprintf("%-24s %-10s %-8s %s", "TARGET", "STATUS", "ATTEMPT", "DETAIL")))
	b.WriteString("\n")

	for _, name := range names {
		st := targets[name]
		style := theme.StatusQueued
		switch st.Status {
		case "ok":
			style = theme.StatusOK
		case "running":
			style = theme.StatusRunning
		case "failed", "dead":
			style = theme.StatusFailed
		case "stalled":
			style = theme.StatusStalled
		}

		detail := st.ErrorLine
		if len(detail) > 40 && width < 120 {
			detail = detail[:40] + "…"
		}
		line := fmt.Sprintf("%-24s %-10s %-8d %s", st.Name, st.Status, st.Attempt, detail)
		b.WriteString(style.Render(line))
		b.WriteString("\n")
	}

	return theme.Border.Width(width - 6).Render(b.String())
}
