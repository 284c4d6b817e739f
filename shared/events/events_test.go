package events

import (
	"encoding/json"
	"testing"
	"time"
)

func TestNewEnvelope(t *testing.T) {
	at := time.Date(2026, 3, 1, 10, 0, 0, 0, time.FixedZone("x", 3600))
	env, err := New("t1", AggregateInteraction, "i-1", SlaBreached, map[string]string{"kind": "resolution"}, at)
	if err != nil {
		t.Fatalf("new: %v", err)
	}
	if env.OccurredAt.Location() != time.UTC {
		t.Fatalf("expected utc timestamp, got %s", env.OccurredAt)
	}
	var payload map[string]string
	if err := json.Unmarshal(env.Payload, &payload); err != nil || payload["kind"] != "resolution" {
		t.Fatalf("unexpected payload %s: %v", env.Payload, err)
	}
}

func TestTopicFor(t *testing.T) {
	cases := map[string]string{
		SlaReminder:         TopicSLAEvents,
		DispatchFailed:      TopicDispatchEvents,
		InteractionAssigned: TopicInteractionEvents,
	}
	for ev, want := range cases {
		if got := TopicFor(ev); got != want {
			t.Fatalf("%s: expected %s, got %s", ev, want, got)
		}
	}
}
