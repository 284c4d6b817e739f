package sla

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"omnichannel-routing-system/core/internal/eventbus"
	"omnichannel-routing-system/core/internal/models"
	"omnichannel-routing-system/shared/events"
	"omnichannel-routing-system/shared/logx"
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

func newMonitor(t *testing.T, queue int) (*Monitor, *eventbus.Recorder, *fakeClock) {
	t.Helper()
	rec := &eventbus.Recorder{}
	clk := &fakeClock{now: time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)}
	m := New(Options{
		Bus:              eventbus.New(rec, logx.Discard()),
		Logger:           logx.Discard(),
		ReminderPercents: []int{80, 50, 50},
		QueueSize:        queue,
		Now:              clk.Now,
	})
	return m, rec, clk
}

func slaPayloads(t *testing.T, rec *eventbus.Recorder) []events.SLAPayload {
	t.Helper()
	var out []events.SLAPayload
	for _, env := range rec.Events() {
		var p events.SLAPayload
		require.NoError(t, json.Unmarshal(env.Payload, &p))
		out = append(out, p)
	}
	return out
}

func TestRemindersAndBreachFireOnceInOrder(t *testing.T) {
	m, rec, clk := newMonitor(t, 4)
	ctx := context.Background()
	m.StartClock("i1", "t1", time.Time{}, clk.Now().Add(100*time.Minute))

	assert.Equal(t, 0, m.Sweep(ctx))
	clk.Advance(50 * time.Minute)
	assert.Equal(t, 1, m.Sweep(ctx))
	assert.Equal(t, 0, m.Sweep(ctx))
	clk.Advance(30 * time.Minute)
	assert.Equal(t, 1, m.Sweep(ctx))
	clk.Advance(20 * time.Minute)
	assert.Equal(t, 1, m.Sweep(ctx))
	clk.Advance(time.Hour)
	assert.Equal(t, 0, m.Sweep(ctx))

	assert.Equal(t, []string{events.SlaReminder, events.SlaReminder, events.SlaBreached}, rec.Types("i1"))
	payloads := slaPayloads(t, rec)
	assert.Equal(t, 50, payloads[0].Percent)
	assert.Equal(t, 80, payloads[1].Percent)
	assert.Equal(t, string(KindResolution), payloads[2].Kind)

	select {
	case req := <-m.Escalations():
		assert.Equal(t, "i1", req.InteractionID)
		assert.Equal(t, ReasonResolutionBreach, req.Reason)
	default:
		t.Fatal("expected escalation request")
	}
}

func TestLateSweepSkipsRemindersOnceBreached(t *testing.T) {
	m, rec, clk := newMonitor(t, 4)
	m.StartClock("i1", "t1", clk.Now().Add(10*time.Minute), time.Time{})

	clk.Advance(time.Hour)
	assert.Equal(t, 1, m.Sweep(context.Background()))
	assert.Equal(t, []string{events.SlaBreached}, rec.Types("i1"))

	select {
	case <-m.Escalations():
		t.Fatal("first response breach must not escalate")
	default:
	}
}

func TestStoppedClockNeverFires(t *testing.T) {
	m, rec, clk := newMonitor(t, 4)
	m.StartClock("i1", "t1", clk.Now().Add(time.Minute), clk.Now().Add(2*time.Minute))
	m.StopClock("i1")
	clk.Advance(time.Hour)
	assert.Equal(t, 0, m.Sweep(context.Background()))
	assert.Empty(t, rec.Events())
	assert.False(t, m.Tracking("i1"))
}

func TestMarkFirstResponseStopsOnlyFirstDeadline(t *testing.T) {
	m, rec, clk := newMonitor(t, 4)
	m.StartClock("i1", "t1", clk.Now().Add(time.Minute), clk.Now().Add(10*time.Minute))
	m.MarkFirstResponse("i1")
	clk.Advance(11 * time.Minute)
	m.Sweep(context.Background())

	payloads := slaPayloads(t, rec)
	for _, p := range payloads {
		assert.Equal(t, string(KindResolution), p.Kind)
	}
	assert.Contains(t, rec.Types("i1"), events.SlaBreached)
}

func TestRescheduleRearmsBreach(t *testing.T) {
	m, rec, clk := newMonitor(t, 4)
	ctx := context.Background()
	m.StartClock("i1", "t1", time.Time{}, clk.Now().Add(time.Minute))
	clk.Advance(2 * time.Minute)
	require.Equal(t, 1, m.Sweep(ctx))

	require.True(t, m.Reschedule("i1", clk.Now().Add(time.Minute)))
	assert.Equal(t, 0, m.Sweep(ctx))
	clk.Advance(30 * time.Second)
	assert.Equal(t, 1, m.Sweep(ctx))
	clk.Advance(90 * time.Second)
	assert.Equal(t, 1, m.Sweep(ctx))
	assert.Equal(t, []string{events.SlaBreached, events.SlaReminder, events.SlaBreached}, rec.Types("i1"))
	assert.False(t, m.Reschedule("missing", clk.Now()))
}

func TestFullEscalationQueueRetriesOnLaterSweep(t *testing.T) {
	m, rec, clk := newMonitor(t, 1)
	ctx := context.Background()
	m.StartClock("i1", "t1", time.Time{}, clk.Now().Add(time.Minute))
	m.StartClock("i2", "t1", time.Time{}, clk.Now().Add(time.Minute))
	clk.Advance(time.Hour)

	assert.Equal(t, 2, m.Sweep(ctx))
	require.Len(t, m.Escalations(), 1)
	assert.True(t, m.EscalationPending("i2"))

	first := <-m.Escalations()
	assert.Equal(t, "i1", first.InteractionID)
	assert.Equal(t, 0, m.Sweep(ctx))
	select {
	case req := <-m.Escalations():
		assert.Equal(t, "i2", req.InteractionID)
	default:
		t.Fatal("deferred escalation was not offered again")
	}
	// The breach itself is emitted once per deadline.
	assert.Equal(t, []string{events.SlaBreached, events.SlaBreached}, rec.Types(""))
}

func TestTransientEscalationFailureIsRetried(t *testing.T) {
	m, _, clk := newMonitor(t, 4)
	m.StartClock("i1", "t1", time.Time{}, clk.Now().Add(time.Minute))
	clk.Advance(time.Hour)
	m.Sweep(context.Background())

	req := <-m.Escalations()
	m.settle(req, errors.New("lock timeout"))
	assert.True(t, m.EscalationPending("i1"))

	m.Sweep(context.Background())
	assert.Empty(t, m.Escalations(), "retry must wait for its backoff")

	clk.Advance(m.retryDelay(1))
	m.Sweep(context.Background())
	retried := <-m.Escalations()
	assert.Equal(t, "i1", retried.InteractionID)

	m.settle(retried, nil)
	assert.False(t, m.EscalationPending("i1"))
	clk.Advance(time.Hour)
	m.Sweep(context.Background())
	assert.Empty(t, m.Escalations())
}

func TestPermanentEscalationFailureIsNotRetried(t *testing.T) {
	m, _, clk := newMonitor(t, 4)
	m.StartClock("i1", "t1", time.Time{}, clk.Now().Add(time.Minute))
	clk.Advance(time.Hour)
	m.Sweep(context.Background())

	req := <-m.Escalations()
	m.settle(req, &models.TransitionError{InteractionID: "i1", From: "closed", Event: "escalate"})
	assert.False(t, m.EscalationPending("i1"))
}

func TestRetryDelayBacksOffToCap(t *testing.T) {
	m, _, _ := newMonitor(t, 1)
	assert.Equal(t, m.interval, m.retryDelay(1))
	assert.Equal(t, 4*m.interval, m.retryDelay(3))
	assert.Equal(t, maxEscalationBackoff, m.retryDelay(40))
}

type gatedSink struct {
	entered chan struct{}
	release chan struct{}
	mu      sync.Mutex
	emitted []string
}

func (s *gatedSink) Emit(_ context.Context, env events.Envelope) error {
	if env.EventType == events.SlaBreached {
		s.entered <- struct{}{}
		<-s.release
	}
	s.mu.Lock()
	s.emitted = append(s.emitted, env.EventType)
	s.mu.Unlock()
	return nil
}

func TestStopClockWaitsForInFlightFiring(t *testing.T) {
	sink := &gatedSink{entered: make(chan struct{}, 1), release: make(chan struct{})}
	clk := &fakeClock{now: time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)}
	m := New(Options{Bus: eventbus.New(sink, logx.Discard()), Logger: logx.Discard(), QueueSize: 4, Now: clk.Now})
	m.StartClock("i1", "t1", clk.Now().Add(time.Minute), time.Time{})
	clk.Advance(time.Hour)

	go m.Sweep(context.Background())
	<-sink.entered

	stopped := make(chan struct{})
	go func() {
		m.StopClock("i1")
		close(stopped)
	}()
	select {
	case <-stopped:
		t.Fatal("StopClock returned while a breach was being published")
	case <-time.After(50 * time.Millisecond):
	}

	close(sink.release)
	select {
	case <-stopped:
	case <-time.After(2 * time.Second):
		t.Fatal("StopClock did not return")
	}
	sink.mu.Lock()
	assert.Equal(t, []string{events.SlaBreached}, sink.emitted)
	sink.mu.Unlock()
	assert.Equal(t, 0, m.Sweep(context.Background()))
}

type escalatorFunc func(ctx context.Context, req models.EscalationRequest) error

func (f escalatorFunc) ApplyEscalation(ctx context.Context, req models.EscalationRequest) error {
	return f(ctx, req)
}

func TestRunEscalationsRetriesUntilApplied(t *testing.T) {
	m, _, clk := newMonitor(t, 4)
	m.StartClock("i1", "t1", time.Time{}, clk.Now().Add(time.Minute))
	m.StartClock("i2", "t1", time.Time{}, clk.Now().Add(time.Minute))
	clk.Advance(time.Hour)
	m.Sweep(context.Background())

	ctx, cancel := context.WithCancel(context.Background())
	var mu sync.Mutex
	calls := map[string]int{}
	done := make(chan error, 1)
	go func() {
		done <- m.RunEscalations(ctx, escalatorFunc(func(_ context.Context, req models.EscalationRequest) error {
			mu.Lock()
			defer mu.Unlock()
			calls[req.InteractionID]++
			if req.InteractionID == "i1" && calls["i1"] == 1 {
				return errors.New("transient")
			}
			return nil
		}))
	}()

	require.Eventually(t, func() bool {
		clk.Advance(time.Minute)
		m.Sweep(context.Background())
		mu.Lock()
		defer mu.Unlock()
		return calls["i1"] == 2 && calls["i2"] == 1
	}, 2*time.Second, 10*time.Millisecond)
	require.Eventually(t, func() bool {
		return !m.EscalationPending("i1") && !m.EscalationPending("i2")
	}, time.Second, 10*time.Millisecond)

	cancel()
	require.NoError(t, <-done)
	mu.Lock()
	assert.Equal(t, 2, calls["i1"])
	assert.Equal(t, 1, calls["i2"])
	mu.Unlock()
}
