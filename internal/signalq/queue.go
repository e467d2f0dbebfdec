// Package signalq implements the signal intake queue.
//
// The queue normalises raw signals and hands them one at a time to a [Sink]
// (the episode coordinator). Delivery marks the queue as processing; nothing
// else is delivered until the sink calls [Queue.Resume], which waits a short
// settle delay and then delivers exactly one buffered signal. Signals are
// never dropped and always leave in arrival order.
package signalq

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/MrWong99/stagecraft/internal/clock"
	"github.com/MrWong99/stagecraft/internal/events"
	"github.com/MrWong99/stagecraft/internal/observe"
	"github.com/MrWong99/stagecraft/pkg/types"
)

// DefaultSettleDelay is the pause between [Queue.Resume] and the next delivery.
const DefaultSettleDelay = 600 * time.Millisecond

var (
	// ErrClosed is returned by [Queue.Ingest] after [Queue.Close].
	ErrClosed = errors.New("signalq: queue closed")

	// ErrDeferred may be wrapped by a [Sink] to refuse a signal for now. The
	// queue puts the signal back at the front and waits for the next Resume.
	ErrDeferred = errors.New("signalq: delivery deferred")
)

// Sink receives delivered signals. Any error other than [ErrDeferred] is
// logged and the signal is considered consumed.
type Sink func(ctx context.Context, sig types.Signal) error

// Status is a snapshot of the queue state.
type Status struct {
	Length     int  `json:"length"`
	Paused     bool `json:"paused"`
	Processing bool `json:"processing"`
}

// Queue is a strictly serialised FIFO of signals. All methods are safe for
// concurrent use.
type Queue struct {
	sink        Sink
	bus         *events.Bus
	clk         clock.Clock
	settleDelay time.Duration
	metrics     *observe.Metrics

	mu         sync.Mutex
	buf        []types.Signal
	paused     bool
	processing bool
	settle     clock.Timer
	settleGen  uint64
	closed     bool
	subs       []*events.Subscription
}

// Option configures a [Queue].
type Option func(*Queue)

// WithClock sets the clock used for the settle delay. Default: [clock.Real].
func WithClock(c clock.Clock) Option {
	return func(q *Queue) { q.clk = c }
}

// WithSettleDelay overrides [DefaultSettleDelay].
func WithSettleDelay(d time.Duration) Option {
	return func(q *Queue) {
		if d >= 0 {
			q.settleDelay = d
		}
	}
}

// WithBus publishes [events.QueueStatus] on every state change.
func WithBus(b *events.Bus) Option {
	return func(q *Queue) { q.bus = b }
}

// WithMetrics records intake metrics. Default: [observe.DefaultMetrics].
func WithMetrics(m *observe.Metrics) Option {
	return func(q *Queue) { q.metrics = m }
}

// New creates a Queue delivering to sink.
func New(sink Sink, opts ...Option) *Queue {
	q := &Queue{
		sink:        sink,
		clk:         clock.Real(),
		settleDelay: DefaultSettleDelay,
	}
	for _, o := range opts {
		o(q)
	}
	if q.metrics == nil {
		q.metrics = observe.DefaultMetrics()
	}
	return q
}

// Listen subscribes the queue to raw signal events and episode cancellation
// on bus. The subscriptions are released by [Queue.Close].
func (q *Queue) Listen(bus *events.Bus) {
	ingest := func(raw map[string]any) {
		if err := q.Ingest(context.Background(), raw); err != nil {
			slog.Warn("signal rejected", "err", err)
		}
	}
	subs := []*events.Subscription{
		events.On(bus, func(ev events.StageSignal) { ingest(ev.Raw) }),
		events.On(bus, func(ev events.SignalInject) { ingest(ev.Raw) }),
		events.On(bus, func(ev events.EpisodeCancelled) { q.Resume() }),
	}
	q.mu.Lock()
	q.subs = append(q.subs, subs...)
	q.mu.Unlock()
}

// Ingest normalises raw and appends it. When the queue is idle the front
// signal is delivered before Ingest returns.
func (q *Queue) Ingest(ctx context.Context, raw map[string]any) error {
	sig, err := Normalize(raw, q.clk.Now())
	if err != nil {
		q.metrics.RecordRejected(ctx, "invalid")
		return err
	}

	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return ErrClosed
	}
	q.buf = append(q.buf, sig)
	q.metrics.RecordSignal(ctx, string(sig.Kind))
	next, ok := q.takeLocked()
	st := q.statusLocked()
	q.mu.Unlock()

	slog.Debug("signal queued", "signal_id", sig.ID, "kind", sig.Kind, "length", st.Length)
	q.publish(ctx, st)
	if ok {
		q.deliver(ctx, next)
	}
	return nil
}

// Pause holds delivery until [Queue.Resume]. A pending settle is cancelled.
func (q *Queue) Pause() {
	q.mu.Lock()
	q.paused = true
	q.stopSettleLocked()
	st := q.statusLocked()
	q.mu.Unlock()
	q.publish(context.Background(), st)
}

// Resume schedules the next delivery after the settle delay. Calling Resume
// while a settle is already pending has no effect.
func (q *Queue) Resume() {
	q.mu.Lock()
	if q.closed || q.settle != nil {
		q.mu.Unlock()
		return
	}
	q.settleGen++
	gen := q.settleGen
	q.settle = q.clk.AfterFunc(q.settleDelay, func() { q.settled(gen) })
	q.mu.Unlock()
}

// SetSettleDelay changes the settle delay for the next [Queue.Resume].
// Negative values are ignored.
func (q *Queue) SetSettleDelay(d time.Duration) {
	if d < 0 {
		return
	}
	q.mu.Lock()
	q.settleDelay = d
	q.mu.Unlock()
}

// Status returns the current queue state.
func (q *Queue) Status() Status {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.statusLocked()
}

// Close stops the settle timer and releases bus subscriptions. Buffered
// signals are discarded.
func (q *Queue) Close() {
	q.mu.Lock()
	q.closed = true
	q.stopSettleLocked()
	subs := q.subs
	q.subs = nil
	q.mu.Unlock()
	for _, s := range subs {
		s.Close()
	}
}

func (q *Queue) settled(gen uint64) {
	q.mu.Lock()
	if gen != q.settleGen || q.closed {
		q.mu.Unlock()
		return
	}
	q.settle = nil
	q.paused = false
	q.processing = false
	next, ok := q.takeLocked()
	st := q.statusLocked()
	q.mu.Unlock()

	q.publish(context.Background(), st)
	if ok {
		q.deliver(context.Background(), next)
	}
}

// takeLocked pops the front signal if the queue is idle and marks it as
// processing.
func (q *Queue) takeLocked() (types.Signal, bool) {
	if q.paused || q.processing || q.settle != nil || len(q.buf) == 0 {
		return types.Signal{}, false
	}
	sig := q.buf[0]
	q.buf[0] = types.Signal{}
	q.buf = q.buf[1:]
	q.processing = true
	return sig, true
}

func (q *Queue) deliver(ctx context.Context, sig types.Signal) {
	err := q.sink(ctx, sig)
	if err == nil {
		return
	}
	if errors.Is(err, ErrDeferred) {
		q.mu.Lock()
		q.buf = append([]types.Signal{sig}, q.buf...)
		st := q.statusLocked()
		q.mu.Unlock()
		slog.Info("signal deferred", "signal_id", sig.ID, "err", err)
		q.publish(ctx, st)
		return
	}
	slog.Warn("signal delivery failed", "signal_id", sig.ID, "err", fmt.Errorf("signalq: deliver: %w", err))
}

func (q *Queue) stopSettleLocked() {
	if q.settle != nil {
		q.settle.Stop()
		q.settle = nil
	}
	q.settleGen++
}

func (q *Queue) statusLocked() Status {
	return Status{Length: len(q.buf), Paused: q.paused, Processing: q.processing}
}

func (q *Queue) publish(ctx context.Context, st Status) {
	q.metrics.RecordQueueDepth(ctx, st.Length)
	if q.bus != nil {
		q.bus.Publish(events.QueueStatus{Length: st.Length, Paused: st.Paused, Processing: st.Processing})
	}
}
