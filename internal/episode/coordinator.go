// Package episode implements the episode coordinator: the timed phase state
// machine that stages exactly one incident at a time.
//
// An episode moves strictly forward through setup, active, resolving and
// after, and is then removed. Every transition goes through a single
// function that stops the timers of the phase being left before arming the
// timers of the phase being entered. Each armed callback captures the
// coordinator's generation counter and does nothing if a transition happened
// since, so a stale timer can never fire into a phase it does not describe.
//
// Events are published and the [Pacer] is called outside the coordinator's
// lock, so subscribers may call back into the coordinator.
package episode

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/trace"

	"github.com/MrWong99/stagecraft/internal/clock"
	"github.com/MrWong99/stagecraft/internal/events"
	"github.com/MrWong99/stagecraft/internal/incident"
	"github.com/MrWong99/stagecraft/internal/observe"
	"github.com/MrWong99/stagecraft/internal/signalq"
	"github.com/MrWong99/stagecraft/pkg/types"
)

// Confidence values attached to resolutions.
const (
	PlayerConfidence    = 1.0
	AutopilotConfidence = 0.6
)

// DefaultHistorySize is the number of completed episodes kept in memory.
const DefaultHistorySize = 50

var (
	// ErrBusy is returned by [Coordinator.Begin] while an episode is staged.
	// It wraps [signalq.ErrDeferred] so the queue keeps the signal.
	ErrBusy = fmt.Errorf("episode: an episode is already active: %w", signalq.ErrDeferred)

	// ErrNoEpisode is returned when no episode is staged.
	ErrNoEpisode = errors.New("episode: no active episode")

	// ErrWrongPhase is returned when an operation is not valid in the current phase.
	ErrWrongPhase = errors.New("episode: operation not valid in current phase")

	// ErrWrongMode is returned when an operation does not apply to the
	// incident's mechanics mode.
	ErrWrongMode = errors.New("episode: operation not valid for mechanics mode")

	// ErrInvalidIncident is returned by [Coordinator.Begin] when the signal
	// does not yield an incident.
	ErrInvalidIncident = errors.New("episode: invalid incident")

	// ErrClosed is returned after [Coordinator.Close].
	ErrClosed = errors.New("episode: coordinator closed")
)

// Pacer is the flow control the coordinator drives. It is implemented by
// [signalq.Queue].
type Pacer interface {
	Pause()
	Resume()
}

// Timings are the fixed phase delays.
type Timings struct {
	Setup     time.Duration
	Resolving time.Duration
	Aftermath time.Duration
	Tick      time.Duration
}

// DefaultTimings returns the stock phase delays.
func DefaultTimings() Timings {
	return Timings{
		Setup:     2 * time.Second,
		Resolving: 1500 * time.Millisecond,
		Aftermath: 2500 * time.Millisecond,
		Tick:      time.Second,
	}
}

// Record is a completed episode kept in history.
type Record struct {
	Episode     types.Episode    `json:"episode"`
	Incident    types.Incident   `json:"incident"`
	Resolution  types.Resolution `json:"resolution"`
	VitalsDelta *types.Vitals    `json:"vitalsDelta,omitempty"`
}

// staged is the mutable state of the current episode.
type staged struct {
	ep       types.Episode
	in       types.Incident
	started  time.Time
	entered  time.Time
	deadline time.Time
}

// batch collects side effects produced under the lock.
type batch struct {
	evs    []events.Event
	pause  bool
	resume bool
}

func (b *batch) add(ev events.Event) { b.evs = append(b.evs, ev) }

// Coordinator owns at most one episode. All methods are safe for concurrent
// use.
type Coordinator struct {
	bus         *events.Bus
	pacer       Pacer
	clk         clock.Clock
	factory     *incident.Factory
	timings     Timings
	historySize int
	metrics     *observe.Metrics
	newID       func() string

	mu      sync.Mutex
	cur     *staged
	gen     uint64
	timers  []clock.Timer
	history []Record
	closed  bool
	subs    []*events.Subscription
}

// Option configures a [Coordinator].
type Option func(*Coordinator)

// WithClock sets the clock driving phase timers. Default: [clock.Real].
func WithClock(c clock.Clock) Option {
	return func(co *Coordinator) { co.clk = c }
}

// WithTimings overrides [DefaultTimings]. Zero fields keep their default.
func WithTimings(t Timings) Option {
	return func(co *Coordinator) { co.timings = co.timings.merge(t) }
}

// merge returns d with every positive field of t applied.
func (d Timings) merge(t Timings) Timings {
	if t.Setup > 0 {
		d.Setup = t.Setup
	}
	if t.Resolving > 0 {
		d.Resolving = t.Resolving
	}
	if t.Aftermath > 0 {
		d.Aftermath = t.Aftermath
	}
	if t.Tick > 0 {
		d.Tick = t.Tick
	}
	return d
}

// WithFactory sets the incident factory. Default: a UTC [incident.Factory].
func WithFactory(f *incident.Factory) Option {
	return func(co *Coordinator) { co.factory = f }
}

// WithHistorySize overrides [DefaultHistorySize].
func WithHistorySize(n int) Option {
	return func(co *Coordinator) {
		if n > 0 {
			co.historySize = n
		}
	}
}

// WithMetrics records episode metrics. Default: [observe.DefaultMetrics].
func WithMetrics(m *observe.Metrics) Option {
	return func(co *Coordinator) { co.metrics = m }
}

// WithIDGenerator overrides the episode id generator (UUIDv4 by default).
func WithIDGenerator(fn func() string) Option {
	return func(co *Coordinator) { co.newID = fn }
}

// New creates a Coordinator publishing on bus and pacing p. p may be nil.
func New(bus *events.Bus, p Pacer, opts ...Option) *Coordinator {
	c := &Coordinator{
		bus:         bus,
		pacer:       p,
		clk:         clock.Real(),
		timings:     DefaultTimings(),
		historySize: DefaultHistorySize,
		newID:       uuid.NewString,
	}
	for _, o := range opts {
		o(c)
	}
	if c.factory == nil {
		c.factory = incident.New()
	}
	if c.metrics == nil {
		c.metrics = observe.DefaultMetrics()
	}
	return c
}

// SetPacer replaces the pacer. It exists so the coordinator and the queue
// can be constructed in either order.
func (c *Coordinator) SetPacer(p Pacer) {
	c.mu.Lock()
	c.pacer = p
	c.mu.Unlock()
}

// SetTimings replaces the phase delays. Zero fields keep their current
// value. Timers already armed keep their original deadline; the new delays
// apply from the next phase entered.
func (c *Coordinator) SetTimings(t Timings) {
	c.mu.Lock()
	c.timings = c.timings.merge(t)
	c.mu.Unlock()
}

// Timings returns the current phase delays.
func (c *Coordinator) Timings() Timings {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.timings
}

// Listen subscribes the coordinator to player choices and autobattler
// outcomes on bus. The subscriptions are released by [Coordinator.Close].
func (c *Coordinator) Listen(bus *events.Bus) {
	subs := []*events.Subscription{
		events.On(bus, func(ev events.SubmitChoice) {
			if err := c.SubmitChoice(ev.ChoiceID); err != nil {
				slog.Debug("player choice ignored", "choice_id", ev.ChoiceID, "err", err)
			}
		}),
		events.On(bus, func(ev events.AutobattlerResolve) {
			if err := c.HandleAutobattlerResolve(ev); err != nil {
				slog.Debug("autobattler outcome ignored", "episode_id", ev.EpisodeID, "err", err)
			}
		}),
	}
	c.mu.Lock()
	c.subs = append(c.subs, subs...)
	c.mu.Unlock()
}

// Begin stages the incident derived from sig. Its signature matches
// [signalq.Sink].
func (c *Coordinator) Begin(ctx context.Context, sig types.Signal) (err error) {
	ctx, span := observe.StartSpan(ctx, "episode.Begin", trace.WithAttributes(
		observe.AttrSignalID.String(sig.ID),
		observe.AttrSignalKind.String(string(sig.Kind)),
	))
	defer func() { observe.EndSpan(span, err) }()

	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return ErrClosed
	}
	if c.cur != nil {
		c.mu.Unlock()
		return ErrBusy
	}
	in := c.factory.Create(sig)
	if in == nil {
		p := c.pacer
		c.mu.Unlock()
		slog.Warn("signal produced no incident", "signal_id", sig.ID)
		if p != nil {
			p.Resume()
		}
		return fmt.Errorf("%w: signal %q", ErrInvalidIncident, sig.ID)
	}

	now := c.clk.Now()
	c.cur = &staged{
		ep: types.Episode{
			ID:          c.newID(),
			IncidentID:  in.ID,
			StartedAtMs: now.UnixMilli(),
		},
		in:      *in,
		started: now,
	}
	b := &batch{pause: true}
	started := c.cur.ep
	started.Phase = types.PhaseSetup
	b.add(events.EpisodeStarted{Episode: started, Incident: c.cur.in})
	c.enterLocked(b, types.PhaseSetup)
	span.SetAttributes(observe.EpisodeAttrs(c.cur.ep.ID, in.ID, string(in.Mechanics.Mode))...)
	c.metrics.RecordEpisodeStarted(ctx, string(in.Mechanics.Mode))
	observe.Logger(observe.WithEpisode(ctx, c.cur.ep.ID)).Info("episode started",
		"incident_id", in.ID,
		"kind", in.Kind,
		"mode", in.Mechanics.Mode,
		"difficulty", in.Mechanics.Difficulty,
	)
	c.mu.Unlock()

	c.flush(b)
	return nil
}

// SubmitChoice resolves the active episode with a player choice. Only valid
// while active and not in autobattler mode.
func (c *Coordinator) SubmitChoice(choiceID string) error {
	choiceID = strings.TrimSpace(choiceID)
	if choiceID == "" {
		return fmt.Errorf("episode: submit choice: empty choice id")
	}
	c.mu.Lock()
	if err := c.checkActiveLocked(); err != nil {
		c.mu.Unlock()
		return fmt.Errorf("episode: submit choice: %w", err)
	}
	if c.cur.in.Mechanics.Mode == types.ModeAutobattler {
		c.mu.Unlock()
		return fmt.Errorf("episode: submit choice: %w", ErrWrongMode)
	}
	b := &batch{}
	b.add(events.PlayerChoice{EpisodeID: c.cur.ep.ID, ChoiceID: choiceID})
	vitals := VitalsFor(choiceID, c.cur.in.Mechanics.Difficulty, c.cur.in.Amount)
	c.resolveLocked(b, types.Resolution{
		Mode:        types.ResolvedByPlayer,
		ChoiceID:    choiceID,
		Confidence:  PlayerConfidence,
		VitalsDelta: &vitals,
	})
	c.mu.Unlock()

	c.flush(b)
	return nil
}

// ForceResolve immediately takes the autopilot path. Only valid while
// active; it also works in autobattler mode as an escape hatch for a silent
// combat collaborator.
func (c *Coordinator) ForceResolve() error {
	c.mu.Lock()
	if err := c.checkActiveLocked(); err != nil {
		c.mu.Unlock()
		return fmt.Errorf("episode: force resolve: %w", err)
	}
	b := &batch{}
	res := c.autopilotLocked()
	res.Notes = "forced"
	c.resolveLocked(b, res)
	c.mu.Unlock()

	c.flush(b)
	return nil
}

// HandleAutobattlerResolve consumes the combat collaborator's outcome.
// Missing fields fall back to autopilot defaults; the episode completes
// either way. No local vitals delta is computed.
func (c *Coordinator) HandleAutobattlerResolve(ev events.AutobattlerResolve) error {
	c.mu.Lock()
	if err := c.checkActiveLocked(); err != nil {
		c.mu.Unlock()
		return fmt.Errorf("episode: autobattler resolve: %w", err)
	}
	if c.cur.in.Mechanics.Mode != types.ModeAutobattler {
		c.mu.Unlock()
		return fmt.Errorf("episode: autobattler resolve: %w", ErrWrongMode)
	}
	if ev.EpisodeID != "" && ev.EpisodeID != c.cur.ep.ID {
		c.mu.Unlock()
		return fmt.Errorf("episode: autobattler resolve: outcome for %q: %w", ev.EpisodeID, ErrNoEpisode)
	}

	res := c.autopilotLocked()
	res.VitalsDelta = nil
	if ev.ChoiceID != "" {
		res.ChoiceID = ev.ChoiceID
	}
	if ev.Outcome != "" {
		res.Confidence = PlayerConfidence
		res.Notes = ev.Outcome
		if ev.Rounds > 0 {
			res.Notes = fmt.Sprintf("%s after %d rounds", ev.Outcome, ev.Rounds)
		}
	} else {
		res.Notes = "autobattler resolved without outcome"
		slog.Warn("autobattler outcome incomplete", "episode_id", c.cur.ep.ID)
	}
	b := &batch{}
	c.resolveLocked(b, res)
	c.mu.Unlock()

	c.flush(b)
	return nil
}

// Cancel drops the staged episode from any phase. No resolved event is
// published and nothing is added to history.
func (c *Coordinator) Cancel(reason string) error {
	c.mu.Lock()
	if c.cur == nil {
		c.mu.Unlock()
		return fmt.Errorf("episode: cancel: %w", ErrNoEpisode)
	}
	phase := c.cur.ep.Phase
	id := c.cur.ep.ID
	c.stopTimersLocked()
	c.cur = nil
	c.metrics.RecordEpisodeCancelled(context.Background(), string(phase))
	c.mu.Unlock()

	slog.Info("episode cancelled", "episode_id", id, "phase", phase, "reason", reason)
	c.flush(&batch{evs: []events.Event{events.EpisodeCancelled{EpisodeID: id, Phase: phase, Reason: reason}}})
	return nil
}

// Active returns a copy of the staged episode, or nil.
func (c *Coordinator) Active() *types.Episode {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.cur == nil {
		return nil
	}
	ep := cloneEpisode(c.cur.ep)
	return &ep
}

// ActiveIncident returns a copy of the staged incident, or nil.
func (c *Coordinator) ActiveIncident() *types.Incident {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.cur == nil {
		return nil
	}
	in := c.cur.in
	return &in
}

// PhaseAge reports how long the staged episode has been in its current
// phase. ok is false when nothing is staged.
func (c *Coordinator) PhaseAge() (phase types.Phase, age time.Duration, ok bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.cur == nil {
		return "", 0, false
	}
	return c.cur.ep.Phase, c.clk.Now().Sub(c.cur.entered), true
}

// History returns completed episodes, oldest first.
func (c *Coordinator) History() []Record {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]Record, len(c.history))
	copy(out, c.history)
	return out
}

// Close stops all timers and releases bus subscriptions. A staged episode is
// discarded silently.
func (c *Coordinator) Close() {
	c.mu.Lock()
	c.closed = true
	c.stopTimersLocked()
	c.cur = nil
	subs := c.subs
	c.subs = nil
	c.mu.Unlock()
	for _, s := range subs {
		s.Close()
	}
}

// ── State machine ────────────────────────────────────────────────────────────

// enterLocked is the only place the phase changes. It stops every timer of
// the phase being left, then arms the timers of the new phase.
func (c *Coordinator) enterLocked(b *batch, to types.Phase) {
	s := c.cur
	from := s.ep.Phase
	if from != "" && to.Order() <= from.Order() {
		slog.Error("refusing backward phase transition", "episode_id", s.ep.ID, "from", from, "to", to)
		return
	}
	c.stopTimersLocked()
	now := c.clk.Now()
	s.ep.Phase = to
	s.entered = now
	b.add(events.PhaseChanged{EpisodeID: s.ep.ID, From: from, To: to})

	switch to {
	case types.PhaseSetup:
		b.add(events.EpisodeSetup{EpisodeID: s.ep.ID, DelayMs: c.timings.Setup.Milliseconds()})
		c.armLocked(c.timings.Setup, func(b *batch) { c.enterLocked(b, types.PhaseActive) })

	case types.PhaseActive:
		total := time.Duration(s.in.Mechanics.DurationS) * time.Second
		if s.in.Mechanics.Mode == types.ModeAutobattler {
			b.add(events.EpisodeActive{
				EpisodeID:          s.ep.ID,
				MechanicsMode:      s.in.Mechanics.Mode,
				TotalMs:            total.Milliseconds(),
				AwaitingEngagement: true,
			})
			b.add(events.AutobattlerSpawn{EpisodeID: s.ep.ID, Incident: s.in})
			return
		}
		s.deadline = now.Add(total)
		b.add(events.EpisodeActive{
			EpisodeID:     s.ep.ID,
			MechanicsMode: s.in.Mechanics.Mode,
			TotalMs:       total.Milliseconds(),
		})
		c.armLocked(total, func(b *batch) { c.resolveLocked(b, c.autopilotLocked()) })
		if c.timings.Tick < total {
			c.armLocked(c.timings.Tick, c.tickLocked)
		}

	case types.PhaseResolving:
		b.add(events.EpisodeResolving{EpisodeID: s.ep.ID, Resolution: *s.ep.Resolution})
		c.armLocked(c.timings.Resolving, func(b *batch) { c.enterLocked(b, types.PhaseAfter) })

	case types.PhaseAfter:
		at := now.UnixMilli()
		s.ep.ResolvedAtMs = &at
		b.add(events.EpisodeAftermath{
			EpisodeID:    s.ep.ID,
			ResolvedAtMs: at,
			Resolution:   *s.ep.Resolution,
			Caption:      s.in.Narrative.Exit,
		})
		c.armLocked(c.timings.Aftermath, c.completeLocked)
	}
}

// resolveLocked attaches res and moves to resolving.
func (c *Coordinator) resolveLocked(b *batch, res types.Resolution) {
	r := res
	if r.VitalsDelta != nil {
		v := *r.VitalsDelta
		r.VitalsDelta = &v
	}
	c.cur.ep.Resolution = &r
	c.enterLocked(b, types.PhaseResolving)
}

// completeLocked removes the episode, records it and resumes the pacer.
func (c *Coordinator) completeLocked(b *batch) {
	s := c.cur
	c.stopTimersLocked()
	c.cur = nil

	ep := cloneEpisode(s.ep)
	res := *ep.Resolution
	rec := Record{Episode: ep, Incident: s.in, Resolution: res, VitalsDelta: res.VitalsDelta}
	c.history = append(c.history, rec)
	if over := len(c.history) - c.historySize; over > 0 {
		c.history = append(c.history[:0:0], c.history[over:]...)
	}

	c.metrics.RecordEpisodeResolved(context.Background(),
		string(s.in.Mechanics.Mode), string(res.Mode), c.clk.Now().Sub(s.started).Seconds())
	slog.Info("episode resolved",
		"episode_id", ep.ID,
		"resolution", res.Mode,
		"choice_id", res.ChoiceID,
	)
	b.add(events.EpisodeResolved{Episode: ep, Incident: s.in, Resolution: res, VitalsDelta: res.VitalsDelta})
	b.resume = true
}

// tickLocked publishes autopilot progress and re-arms itself while time
// remains.
func (c *Coordinator) tickLocked(b *batch) {
	s := c.cur
	total := time.Duration(s.in.Mechanics.DurationS) * time.Second
	remaining := max(s.deadline.Sub(c.clk.Now()), 0)
	pct := 0.0
	if total > 0 {
		pct = float64(total-remaining) / float64(total) * 100
	}
	b.add(events.TimerTick{
		EpisodeID:   s.ep.ID,
		RemainingMs: remaining.Milliseconds(),
		TotalMs:     total.Milliseconds(),
		Percent:     pct,
	})
	if remaining > c.timings.Tick {
		c.armLocked(c.timings.Tick, c.tickLocked)
	}
}

// autopilotLocked builds the automatic resolution for the staged incident.
func (c *Coordinator) autopilotLocked() types.Resolution {
	in := c.cur.in
	choice := strings.ToLower(in.Category)
	if choice == "" {
		choice = ChoiceUnknown
	}
	v := VitalsFor(choice, in.Mechanics.Difficulty, in.Amount)
	return types.Resolution{
		Mode:        types.ResolvedByAuto,
		ChoiceID:    choice,
		Confidence:  AutopilotConfidence,
		VitalsDelta: &v,
	}
}

func (c *Coordinator) checkActiveLocked() error {
	if c.closed {
		return ErrClosed
	}
	if c.cur == nil {
		return ErrNoEpisode
	}
	if c.cur.ep.Phase != types.PhaseActive {
		return ErrWrongPhase
	}
	return nil
}

// armLocked schedules fn for the current generation.
func (c *Coordinator) armLocked(d time.Duration, fn func(*batch)) {
	gen := c.gen
	t := c.clk.AfterFunc(d, func() {
		c.mu.Lock()
		if c.gen != gen || c.cur == nil {
			c.mu.Unlock()
			return
		}
		b := &batch{}
		fn(b)
		c.mu.Unlock()
		c.flush(b)
	})
	c.timers = append(c.timers, t)
}

// stopTimersLocked cancels every armed timer and invalidates callbacks that
// are already running.
func (c *Coordinator) stopTimersLocked() {
	for _, t := range c.timers {
		t.Stop()
	}
	c.timers = c.timers[:0]
	c.gen++
}

// flush performs the side effects of b outside the lock.
func (c *Coordinator) flush(b *batch) {
	c.mu.Lock()
	p := c.pacer
	c.mu.Unlock()

	if b.pause && p != nil {
		p.Pause()
	}
	if c.bus != nil {
		for _, ev := range b.evs {
			c.bus.Publish(ev)
		}
	}
	if b.resume && p != nil {
		p.Resume()
	}
}

func cloneEpisode(ep types.Episode) types.Episode {
	if ep.ResolvedAtMs != nil {
		at := *ep.ResolvedAtMs
		ep.ResolvedAtMs = &at
	}
	if ep.Resolution != nil {
		r := *ep.Resolution
		if r.VitalsDelta != nil {
			v := *r.VitalsDelta
			r.VitalsDelta = &v
		}
		ep.Resolution = &r
	}
	return ep
}
