package dispatch

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"

	"omnichannel-routing-system/core/internal/models"
	"omnichannel-routing-system/shared/config"
	"omnichannel-routing-system/shared/logx"
	"omnichannel-routing-system/shared/metricsx"
	"omnichannel-routing-system/shared/observability"
)

// Adapter sends outbound messages to one provider.
type Adapter interface {
	Name() string
	Send(ctx context.Context, msg models.OutboundMessage) (models.Receipt, error)
}

// Receiver delivers normalized inbound messages to the registered handler.
type Receiver interface {
	OnReceive(handler func(ctx context.Context, msg models.InboundMessage) error)
}

type Request struct {
	InteractionID  string
	TenantID       string
	Channel        string
	Recipient      string
	Content        string
	IdempotencyKey string
}

type Result struct {
	AdapterUsed string
	Attempts    int
	Receipt     models.Receipt
}

type Options struct {
	MaxAttempts        int
	AttemptsPerAdapter int
	BackoffBase        time.Duration
	BackoffMax         time.Duration
	AttemptTimeout     time.Duration
	Budget             time.Duration
	BreakerThreshold   int
	BreakerReset       time.Duration
	Logger             logx.Logger
	Now                func() time.Time
	// Sleep waits between attempts; tests replace it.
	Sleep func(ctx context.Context, d time.Duration) error
}

func OptionsFromConfig(cfg config.Config, logger logx.Logger) Options {
	return Options{
		MaxAttempts:        cfg.DispatchMaxAttempts,
		AttemptsPerAdapter: cfg.DispatchAttemptsPerAdapter,
		BackoffBase:        time.Duration(cfg.DispatchBackoffBaseMS) * time.Millisecond,
		BackoffMax:         time.Duration(cfg.DispatchBackoffMaxMS) * time.Millisecond,
		AttemptTimeout:     time.Duration(cfg.DispatchAttemptTimeoutMS) * time.Millisecond,
		Budget:             time.Duration(cfg.DispatchBudgetMS) * time.Millisecond,
		Logger:             logger,
	}
}

type registered struct {
	adapter Adapter
	breaker *circuitBreaker
}

// Orchestrator dispatches outbound messages with per-channel failover.
type Orchestrator struct {
	opts Options

	mu       sync.RWMutex
	adapters map[string][]*registered

	flightMu sync.Mutex
	inflight map[string]map[uint64]context.CancelFunc
	seq      uint64
}

func New(opts Options) *Orchestrator {
	if opts.MaxAttempts <= 0 {
		opts.MaxAttempts = 3
	}
	if opts.AttemptsPerAdapter <= 0 {
		opts.AttemptsPerAdapter = 2
	}
	if opts.BackoffBase <= 0 {
		opts.BackoffBase = 100 * time.Millisecond
	}
	if opts.BackoffMax < opts.BackoffBase {
		opts.BackoffMax = 20 * opts.BackoffBase
	}
	if opts.AttemptTimeout <= 0 {
		opts.AttemptTimeout = 3 * time.Second
	}
	if opts.Budget <= 0 {
		opts.Budget = 15 * time.Second
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	if opts.Sleep == nil {
		opts.Sleep = sleep
	}
	return &Orchestrator{
		opts:     opts,
		adapters: map[string][]*registered{},
		inflight: map[string]map[uint64]context.CancelFunc{},
	}
}

// Register appends adapters for a channel. The first registered adapter is
// the primary.
func (o *Orchestrator) Register(channel string, adapters ...Adapter) {
	channel = strings.ToLower(strings.TrimSpace(channel))
	o.mu.Lock()
	defer o.mu.Unlock()
	for _, a := range adapters {
		if a == nil {
			continue
		}
		o.adapters[channel] = append(o.adapters[channel], &registered{
			adapter: a,
			breaker: newCircuitBreaker(o.opts.BreakerThreshold, o.opts.BreakerReset, o.opts.Now),
		})
	}
}

func (o *Orchestrator) Supports(channel string) bool {
	o.mu.RLock()
	defer o.mu.RUnlock()
	return len(o.adapters[channel]) > 0
}

func (o *Orchestrator) Channels() []string {
	o.mu.RLock()
	defer o.mu.RUnlock()
	out := make([]string, 0, len(o.adapters))
	for ch := range o.adapters {
		out = append(out, ch)
	}
	sort.Strings(out)
	return out
}

// plan lists adapters in attempt order. Each adapter gets up to
// AttemptsPerAdapter consecutive attempts while leaving at least one for
// every later adapter; the total is max(MaxAttempts, len(adapters)).
func (o *Orchestrator) plan(channel string) []*registered {
	o.mu.RLock()
	all := append([]*registered(nil), o.adapters[channel]...)
	o.mu.RUnlock()

	usable := make([]*registered, 0, len(all))
	for _, r := range all {
		if !r.breaker.Open() {
			usable = append(usable, r)
		}
	}
	if len(usable) == 0 {
		usable = all
	}

	total := max(o.opts.MaxAttempts, len(usable))
	out := make([]*registered, 0, total)
	for i, r := range usable {
		later := len(usable) - i - 1
		n := min(o.opts.AttemptsPerAdapter, total-len(out)-later)
		for j := 0; j < max(n, 1); j++ {
			out = append(out, r)
		}
	}
	return out
}

// Dispatch sends the message, failing over between the channel's adapters.
// It returns *models.DispatchExhaustedError when every attempt failed, the
// budget ran out or the dispatch was cancelled.
func (o *Orchestrator) Dispatch(ctx context.Context, req Request) (Result, error) {
	channel := strings.ToLower(strings.TrimSpace(req.Channel))
	attempts := o.plan(channel)
	if len(attempts) == 0 {
		return Result{}, fmt.Errorf("%w: no adapter registered for channel %q", models.ErrValidation, req.Channel)
	}

	ctx, span := observability.Start(ctx, "dispatch", "dispatch.send")
	defer span.End()
	span.SetAttributes(
		attribute.String("tenant.id", req.TenantID),
		attribute.String("interaction.id", req.InteractionID),
		attribute.String("channel", channel),
	)

	ctx, cancel := context.WithTimeout(ctx, o.opts.Budget)
	defer cancel()
	release := o.track(req.InteractionID, cancel)
	defer release()

	key := req.IdempotencyKey
	if key == "" {
		key = req.InteractionID + ":" + uuid.NewString()
	}
	msg := models.OutboundMessage{
		InteractionID:  req.InteractionID,
		TenantID:       req.TenantID,
		Channel:        channel,
		To:             req.Recipient,
		Content:        req.Content,
		IdempotencyKey: key,
	}

	start := o.opts.Now()
	var lastErr error
	made := 0
	for i, r := range attempts {
		if i > 0 {
			if err := o.opts.Sleep(ctx, o.backoff(i)); err != nil {
				lastErr = errors.Join(lastErr, err)
				break
			}
		}
		made++
		receipt, err := o.attempt(ctx, r, msg)
		if err == nil {
			r.breaker.Success()
			metricsx.IncDispatchAttempt(channel, r.adapter.Name(), "success")
			metricsx.ObserveDispatchLatency(channel, "success", o.opts.Now().Sub(start))
			return Result{AdapterUsed: r.adapter.Name(), Attempts: made, Receipt: receipt}, nil
		}
		lastErr = err
		r.breaker.Fail()
		outcome := "error"
		if errors.Is(err, context.DeadlineExceeded) {
			outcome = "timeout"
		}
		metricsx.IncDispatchAttempt(channel, r.adapter.Name(), outcome)
		o.opts.Logger.Warn(ctx, "dispatch_attempt_failed", "adapter send failed",
			slog.String("error_code", "DISPATCH_ATTEMPT_FAILED"),
			slog.String("tenant_id", req.TenantID),
			slog.String("interaction_id", req.InteractionID),
			slog.String("adapter", r.adapter.Name()),
			slog.Int("attempt", made),
			slog.String("error", err.Error()),
		)
		if ctx.Err() != nil {
			lastErr = errors.Join(lastErr, ctx.Err())
			break
		}
	}

	metricsx.ObserveDispatchLatency(channel, "exhausted", o.opts.Now().Sub(start))
	span.RecordError(lastErr)
	return Result{Attempts: made}, &models.DispatchExhaustedError{
		InteractionID: req.InteractionID,
		Channel:       channel,
		Attempts:      made,
		LastErr:       lastErr,
	}
}

func (o *Orchestrator) attempt(ctx context.Context, r *registered, msg models.OutboundMessage) (models.Receipt, error) {
	actx, cancel := context.WithTimeout(ctx, o.opts.AttemptTimeout)
	defer cancel()
	receipt, err := r.adapter.Send(actx, msg)
	if err != nil {
		return models.Receipt{}, fmt.Errorf("%s: %w", r.adapter.Name(), err)
	}
	return receipt, nil
}

// backoff returns the wait before attempt i (1-based retries): base doubling,
// capped at BackoffMax.
func (o *Orchestrator) backoff(i int) time.Duration {
	d := o.opts.BackoffBase
	for n := 1; n < i; n++ {
		d *= 2
		if d >= o.opts.BackoffMax {
			return o.opts.BackoffMax
		}
	}
	return d
}

// Cancel aborts every in-flight dispatch for the interaction.
func (o *Orchestrator) Cancel(interactionID string) int {
	o.flightMu.Lock()
	defer o.flightMu.Unlock()
	n := 0
	for _, cancel := range o.inflight[interactionID] {
		cancel()
		n++
	}
	delete(o.inflight, interactionID)
	return n
}

func (o *Orchestrator) track(interactionID string, cancel context.CancelFunc) func() {
	o.flightMu.Lock()
	defer o.flightMu.Unlock()
	o.seq++
	id := o.seq
	if o.inflight[interactionID] == nil {
		o.inflight[interactionID] = map[uint64]context.CancelFunc{}
	}
	o.inflight[interactionID][id] = cancel
	return func() {
		o.flightMu.Lock()
		defer o.flightMu.Unlock()
		if m := o.inflight[interactionID]; m != nil {
			delete(m, id)
			if len(m) == 0 {
				delete(o.inflight, interactionID)
			}
		}
	}
}

func sleep(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
