package watch

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/mattjoyce/drover/internal/events"
)

func event(eventType string, data map[string]any) events.Event {
	payload, _ := json.Marshal(data)
	return events.Event{Type: eventType, At: time.Now(), Data: payload}
}

func TestUpdateTargetStateLifecycle(t *testing.T) {
	t.Parallel()

	targets := make(map[string]*TargetState)

	updateTargetState(targets, event(events.TypeAdmitted, map[string]any{"target": "orcl1", "attempt": 1}))
	if st := targets["orcl1"]; st == nil || st.Status != "running" || st.Attempt != 1 {
		t.Fatalf("after admit: %+v", targets["orcl1"])
	}

	updateTargetState(targets, event(events.TypeStalled, map[string]any{"target": "orcl1", "attempt": 1}))
	if st := targets["orcl1"]; st.Status != "stalled" {
		t.Fatalf("after stall: %+v", st)
	}

	updateTargetState(targets, event(events.TypeRequeued, map[string]any{"target": "orcl1", "attempt": 2}))
	if st := targets["orcl1"]; st.Status != "queued" || st.Attempt != 2 {
		t.Fatalf("after requeue: %+v", st)
	}

	updateTargetState(targets, event(events.TypeAdmitted, map[string]any{"target": "orcl1", "attempt": 2}))
	updateTargetState(targets, event(events.TypeCompleted, map[string]any{"target": "orcl1", "attempt": 2, "succeeded": true}))
	if st := targets["orcl1"]; st.Status != "ok" || st.ErrorLine != "" {
		t.Fatalf("after success: %+v", st)
	}
}

func TestUpdateTargetStateFailure(t *testing.T) {
	t.Parallel()

	targets := make(map[string]*TargetState)
	updateTargetState(targets, event(events.TypeCompleted, map[string]any{
		"target": "orcl2", "attempt": 1, "succeeded": false,
		"error_line": "ORA-01017: invalid username/password",
	}))

	st := targets["orcl2"]
	if st.Status != "failed" {
		t.Errorf("status = %q", st.Status)
	}
	if st.ErrorLine != "ORA-01017: invalid username/password" {
		t.Errorf("error line = %q", st.ErrorLine)
	}
}

func TestUpdateTargetStateDead(t *testing.T) {
	t.Parallel()

	targets := make(map[string]*TargetState)
	updateTargetState(targets, event(events.TypeDead, map[string]any{"target": "orcl3", "attempts": 4}))

	st := targets["orcl3"]
	if st.Status != "dead" || st.Attempt != 4 {
		t.Errorf("state = %+v", st)
	}
}

func TestUpdateTargetStateIgnoresNonTargetEvents(t *testing.T) {
	t.Parallel()

	targets := make(map[string]*TargetState)
	updateTargetState(targets, event(events.TypeRunStarted, map[string]any{"run_id": "x", "targets": 3}))
	if len(targets) != 0 {
		t.Errorf("run-level event created target state: %v", targets)
	}
}

func TestRenderTargetsIsStable(t *testing.T) {
	t.Parallel()

	targets := map[string]*TargetState{
		"b": {Name: "b", Status: "ok"},
		"a": {Name: "a", Status: "running"},
	}
	theme := NewDefaultTheme()

	first := renderTargets(targets, theme, 80)
	second := renderTargets(targets, theme, 80)
	if first != second {
		t.Error("render output not deterministic across calls")
	}
}
