package sla

import (
	"context"
	"errors"
	"log/slog"
	"slices"
	"sort"
	"sync"
	"time"

	"omnichannel-routing-system/core/internal/eventbus"
	"omnichannel-routing-system/core/internal/models"
	"omnichannel-routing-system/shared/events"
	"omnichannel-routing-system/shared/logx"
	"omnichannel-routing-system/shared/metricsx"
)

type Kind string

const (
	KindFirstResponse Kind = "first_response"
	KindResolution    Kind = "resolution"
)

const ReasonResolutionBreach = "resolution_sla_breached"

const maxEscalationBackoff = 2 * time.Minute

type Options struct {
	Bus              *eventbus.Bus
	Logger           logx.Logger
	ReminderPercents []int
	SweepInterval    time.Duration
	QueueSize        int
	Now              func() time.Time
}

// Monitor owns one clock per open interaction. The sweep works on a copy of
// the clocks and claims each firing under the lock, so a reminder or breach
// is emitted at most once per deadline. Firings hold the clock's gate while
// publishing and StopClock waits on it, so nothing is emitted after
// StopClock returns.
//
// A resolution breach stays pending until the escalation worker settles it.
// Requests that do not fit the queue, or fail transiently, are offered
// again by later sweeps.
type Monitor struct {
	bus       *eventbus.Bus
	logger    logx.Logger
	percents  []int
	interval  time.Duration
	now       func() time.Time
	escalated chan models.EscalationRequest

	mu     sync.Mutex
	clocks map[string]*clock
}

type deadline struct {
	start    time.Time
	due      time.Time
	reminded int // reminders already emitted, indexes percents
	breached bool
	done     bool
	gen      uint64
	esc      escalation
}

// escalation tracks the request owed for a resolution breach.
type escalation struct {
	pending     bool
	queued      bool
	requestedAt time.Time
	attempts    int
	retryAt     time.Time
}

type clock struct {
	interactionID string
	tenantID      string
	first         deadline
	resolution    deadline
	gate          *sync.Mutex
}

func (c *clock) deadline(k Kind) *deadline {
	if k == KindFirstResponse {
		return &c.first
	}
	return &c.resolution
}

type firing struct {
	interactionID string
	tenantID      string
	kind          Kind
	gen           uint64
	reminder      int // index into percents, -1 for a breach
	due           time.Time
}

func New(opts Options) *Monitor {
	if opts.Now == nil {
		opts.Now = func() time.Time { return time.Now().UTC() }
	}
	if opts.SweepInterval <= 0 {
		opts.SweepInterval = 2 * time.Second
	}
	if opts.QueueSize <= 0 {
		opts.QueueSize = 1024
	}
	percents := slices.Clone(opts.ReminderPercents)
	sort.Ints(percents)
	percents = slices.Compact(percents)
	return &Monitor{
		bus:       opts.Bus,
		logger:    opts.Logger,
		percents:  percents,
		interval:  opts.SweepInterval,
		now:       opts.Now,
		escalated: make(chan models.EscalationRequest, opts.QueueSize),
		clocks:    map[string]*clock{},
	}
}

// StartClock (re)arms both deadlines for an interaction. A zero deadline is
// not tracked.
func (m *Monitor) StartClock(interactionID string, tenantID string, firstResponseDue time.Time, resolutionDue time.Time) {
	now := m.now()
	m.mu.Lock()
	defer m.mu.Unlock()
	c, ok := m.clocks[interactionID]
	if !ok {
		c = &clock{interactionID: interactionID, tenantID: tenantID, gate: &sync.Mutex{}}
		m.clocks[interactionID] = c
	}
	arm(&c.first, now, firstResponseDue)
	arm(&c.resolution, now, resolutionDue)
}

func arm(d *deadline, now time.Time, due time.Time) {
	*d = deadline{start: now, due: due, done: due.IsZero(), gen: d.gen + 1}
}

// MarkFirstResponse stops first-response tracking; the resolution deadline
// keeps running.
func (m *Monitor) MarkFirstResponse(interactionID string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if c, ok := m.clocks[interactionID]; ok {
		c.first.done = true
	}
}

// Reschedule moves the resolution deadline and re-arms its reminders and
// breach.
func (m *Monitor) Reschedule(interactionID string, resolutionDue time.Time) bool {
	now := m.now()
	m.mu.Lock()
	defer m.mu.Unlock()
	c, ok := m.clocks[interactionID]
	if !ok {
		return false
	}
	arm(&c.resolution, now, resolutionDue)
	return true
}

// StopClock forgets the clock and waits out a firing already publishing for
// it.
func (m *Monitor) StopClock(interactionID string) {
	m.mu.Lock()
	c, ok := m.clocks[interactionID]
	delete(m.clocks, interactionID)
	m.mu.Unlock()
	if ok {
		c.gate.Lock()
		c.gate.Unlock()
	}
}

// EscalationPending reports whether a resolution breach is still waiting to
// be applied.
func (m *Monitor) EscalationPending(interactionID string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	c, ok := m.clocks[interactionID]
	return ok && c.resolution.esc.pending
}

func (m *Monitor) Tracking(interactionID string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, ok := m.clocks[interactionID]
	return ok
}

// Escalations is the bounded queue of resolution breaches.
func (m *Monitor) Escalations() <-chan models.EscalationRequest {
	return m.escalated
}

func (m *Monitor) Run(ctx context.Context) error {
	ticker := time.NewTicker(m.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			m.Sweep(ctx)
		}
	}
}

// Sweep evaluates every clock once and returns the number of events fired.
func (m *Monitor) Sweep(ctx context.Context) int {
	now := m.now()
	m.mu.Lock()
	snapshot := make([]clock, 0, len(m.clocks))
	for _, c := range m.clocks {
		snapshot = append(snapshot, *c)
	}
	m.mu.Unlock()
	sort.Slice(snapshot, func(i, j int) bool { return snapshot[i].interactionID < snapshot[j].interactionID })

	fired := 0
	for i := range snapshot {
		c := &snapshot[i]
		for _, f := range m.due(c, now) {
			if m.claimAndFire(ctx, c.gate, f) {
				fired++
			}
		}
		if esc := c.resolution.esc; esc.pending && !esc.queued && !now.Before(esc.retryAt) {
			m.offer(ctx, c.interactionID, c.resolution.gen)
		}
	}
	return fired
}

func (m *Monitor) claimAndFire(ctx context.Context, gate *sync.Mutex, f firing) bool {
	gate.Lock()
	defer gate.Unlock()
	if !m.claim(f) {
		return false
	}
	m.fire(ctx, f)
	return true
}

// due lists the firings a clock copy owes at now, in deadline order.
func (m *Monitor) due(c *clock, now time.Time) []firing {
	var out []firing
	for _, k := range []Kind{KindFirstResponse, KindResolution} {
		d := c.deadline(k)
		if d.done || d.breached {
			continue
		}
		base := firing{interactionID: c.interactionID, tenantID: c.tenantID, kind: k, gen: d.gen, due: d.due}
		if !now.Before(d.due) {
			f := base
			f.reminder = -1
			out = append(out, f)
			continue
		}
		window := d.due.Sub(d.start)
		for i := d.reminded; i < len(m.percents); i++ {
			at := d.start.Add(window * time.Duration(m.percents[i]) / 100)
			if now.Before(at) {
				break
			}
			f := base
			f.reminder = i
			out = append(out, f)
		}
	}
	return out
}

// claim records a firing against the live clock. It fails when the clock was
// stopped, re-armed or already advanced past the firing.
func (m *Monitor) claim(f firing) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	c, ok := m.clocks[f.interactionID]
	if !ok {
		return false
	}
	d := c.deadline(f.kind)
	if d.gen != f.gen || d.done || d.breached {
		return false
	}
	if f.reminder < 0 {
		d.breached = true
		d.reminded = len(m.percents)
		if f.kind == KindResolution {
			d.esc = escalation{pending: true}
		}
		return true
	}
	if f.reminder < d.reminded {
		return false
	}
	d.reminded = f.reminder + 1
	return true
}

func (m *Monitor) fire(ctx context.Context, f firing) {
	payload := events.SLAPayload{
		InteractionID: f.interactionID,
		TenantID:      f.tenantID,
		Kind:          string(f.kind),
		Deadline:      f.due,
	}
	if f.reminder >= 0 {
		payload.Percent = m.percents[f.reminder]
		metricsx.IncSLAReminder(string(f.kind))
		m.bus.Publish(ctx, f.tenantID, events.AggregateInteraction, f.interactionID, events.SlaReminder, payload)
		return
	}

	metricsx.IncSLABreach(string(f.kind))
	m.bus.Publish(ctx, f.tenantID, events.AggregateInteraction, f.interactionID, events.SlaBreached, payload)
	m.logger.Warn(ctx, "sla_breached", "interaction breached its sla",
		slog.String("tenant_id", f.tenantID),
		slog.String("interaction_id", f.interactionID),
		slog.String("kind", string(f.kind)),
	)
	if f.kind == KindResolution {
		m.offer(ctx, f.interactionID, f.gen)
	}
}

// offer puts the pending escalation for a breached resolution deadline on
// the queue. A full queue leaves it pending for the next sweep.
func (m *Monitor) offer(ctx context.Context, interactionID string, gen uint64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	c, ok := m.clocks[interactionID]
	if !ok {
		return
	}
	d := &c.resolution
	if d.gen != gen || !d.esc.pending || d.esc.queued {
		return
	}
	req := models.EscalationRequest{
		InteractionID: c.interactionID,
		TenantID:      c.tenantID,
		Reason:        ReasonResolutionBreach,
		RequestedAt:   m.now(),
	}
	select {
	case m.escalated <- req:
		d.esc.queued = true
		d.esc.requestedAt = req.RequestedAt
		metricsx.IncEscalation("queued")
	default:
		metricsx.IncEscalation("deferred")
		m.logger.Warn(ctx, "escalation_deferred", "escalation queue full, retrying on next sweep",
			slog.String("error_code", "ESCALATION_QUEUE_FULL"),
			slog.String("tenant_id", c.tenantID),
			slog.String("interaction_id", c.interactionID),
		)
	}
}

// settle records the worker's outcome for a queued request. Success or a
// permanent failure clears the escalation; anything else is retried with
// backoff. Requests superseded by a reschedule are ignored.
func (m *Monitor) settle(req models.EscalationRequest, err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	c, ok := m.clocks[req.InteractionID]
	if !ok {
		return
	}
	esc := &c.resolution.esc
	if !esc.queued || !esc.requestedAt.Equal(req.RequestedAt) {
		return
	}
	esc.queued = false
	if err == nil || permanent(err) {
		esc.pending = false
		return
	}
	esc.attempts++
	esc.retryAt = m.now().Add(m.retryDelay(esc.attempts))
}

func permanent(err error) bool {
	return errors.Is(err, models.ErrInvalidTransition) ||
		errors.Is(err, models.ErrNotFound) ||
		errors.Is(err, models.ErrTenantMismatch)
}

// retryDelay doubles from the sweep interval up to maxEscalationBackoff.
func (m *Monitor) retryDelay(attempt int) time.Duration {
	delay := m.interval
	for i := 1; i < attempt && delay < maxEscalationBackoff; i++ {
		delay *= 2
	}
	return min(delay, maxEscalationBackoff)
}
