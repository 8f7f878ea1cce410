package events

import (
	"encoding/json"
	"testing"
)

func TestHubPublishSubscribe(t *testing.T) {
	t.Parallel()

	h := NewHub(10)
	ch, cancel := h.Subscribe()
	defer cancel()

	h.Publish(TypeAdmitted, map[string]any{"target": "orcl1", "attempt": 1})

	ev := <-ch
	if ev.Type != TypeAdmitted {
		t.Errorf("type = %q", ev.Type)
	}
	if ev.ID != 1 {
		t.Errorf("id = %d", ev.ID)
	}

	var data map[string]any
	if err := json.Unmarshal(ev.Data, &data); err != nil {
		t.Fatalf("unmarshal payload: %v", err)
	}
	if data["target"] != "orcl1" {
		t.Errorf("payload = %v", data)
	}
}

func TestHubIDsAreMonotonic(t *testing.T) {
	t.Parallel()

	h := NewHub(10)
	for i := 0; i < 5; i++ {
		h.Publish(TypeCompleted, nil)
	}

	snap := h.SnapshotSince(0)
	if len(snap) != 5 {
		t.Fatalf("expected 5 events, got %d", len(snap))
	}
	for i, ev := range snap {
		if ev.ID != int64(i+1) {
			t.Errorf("event %d has id %d", i, ev.ID)
		}
	}
}

func TestHubSnapshotSince(t *testing.T) {
	t.Parallel()

	h := NewHub(10)
	for i := 0; i < 6; i++ {
		h.Publish(TypeCompleted, nil)
	}

	snap := h.SnapshotSince(4)
	if len(snap) != 2 {
		t.Fatalf("expected 2 events after id 4, got %d", len(snap))
	}
	if snap[0].ID != 5 || snap[1].ID != 6 {
		t.Errorf("ids = %d, %d", snap[0].ID, snap[1].ID)
	}
}

func TestHubRingOverwritesOldest(t *testing.T) {
	t.Parallel()

	h := NewHub(3)
	for i := 0; i < 5; i++ {
		h.Publish(TypeCompleted, nil)
	}

	snap := h.SnapshotSince(0)
	if len(snap) != 3 {
		t.Fatalf("expected ring capped at 3, got %d", len(snap))
	}
	if snap[0].ID != 3 {
		t.Errorf("oldest retained id = %d, want 3", snap[0].ID)
	}
}

func TestHubSlowSubscriberDoesNotBlock(t *testing.T) {
	t.Parallel()

	h := NewHub(10)
	_, cancel := h.Subscribe() // never drained
	defer cancel()

	// More publishes than the subscriber channel can buffer must not hang.
	for i := 0; i < 300; i++ {
		h.Publish(TypeCompleted, nil)
	}
}

func TestHubCancelClosesChannel(t *testing.T) {
	t.Parallel()

	h := NewHub(10)
	ch, cancel := h.Subscribe()
	cancel()

	if _, ok := <-ch; ok {
		t.Error("expected channel closed after cancel")
	}

	// Publishing after cancel must not panic.
	h.Publish(TypeCompleted, nil)
}
