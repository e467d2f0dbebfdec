package episode_test

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"go.uber.org/goleak"

	"github.com/MrWong99/stagecraft/internal/clock/mock"
	"github.com/MrWong99/stagecraft/internal/episode"
	pacermock "github.com/MrWong99/stagecraft/internal/episode/mock"
	"github.com/MrWong99/stagecraft/internal/events"
	"github.com/MrWong99/stagecraft/internal/signalq"
	"github.com/MrWong99/stagecraft/pkg/types"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

var epoch = time.Date(2026, 3, 4, 12, 0, 0, 0, time.UTC)

// ─── helpers ──────────────────────────────────────────────────────────────────

type harness struct {
	bus   *events.Bus
	clk   *mock.Clock
	pacer *pacermock.Pacer
	c     *episode.Coordinator

	mu  sync.Mutex
	evs []events.Event
}

func newHarness(t *testing.T, opts ...episode.Option) *harness {
	t.Helper()
	h := &harness{
		bus:   events.NewBus(),
		clk:   mock.New(epoch),
		pacer: &pacermock.Pacer{},
	}
	sub := h.bus.Subscribe(func(ev events.Event) {
		h.mu.Lock()
		h.evs = append(h.evs, ev)
		h.mu.Unlock()
	})
	opts = append([]episode.Option{episode.WithClock(h.clk)}, opts...)
	h.c = episode.New(h.bus, h.pacer, opts...)
	h.c.Listen(h.bus)
	t.Cleanup(func() {
		h.c.Close()
		sub.Close()
	})
	return h
}

func (h *harness) events() []events.Event {
	h.mu.Lock()
	defer h.mu.Unlock()
	return append([]events.Event(nil), h.evs...)
}

func (h *harness) names() []string {
	var out []string
	for _, ev := range h.events() {
		out = append(out, ev.Name())
	}
	return out
}

func (h *harness) phases() []types.Phase {
	var out []types.Phase
	for _, ev := range h.events() {
		if pc, ok := ev.(events.PhaseChanged); ok {
			out = append(out, pc.To)
		}
	}
	return out
}

func (h *harness) count(name string) int {
	n := 0
	for _, ev := range h.events() {
		if ev.Name() == name {
			n++
		}
	}
	return n
}

func lastOf[T events.Event](t *testing.T, h *harness) T {
	t.Helper()
	evs := h.events()
	for i := len(evs) - 1; i >= 0; i-- {
		if ev, ok := evs[i].(T); ok {
			return ev
		}
	}
	var zero T
	t.Fatalf("no %T event published", zero)
	return zero
}

func choiceSignal(id string) types.Signal {
	return types.Signal{
		ID:      id,
		Kind:    types.SignalTransaction,
		AtMs:    epoch.UnixMilli(),
		Payload: map[string]any{"amount": 40.0, "category": "subscription", "merchant": "StreamCo"},
	}
}

func battleSignal(id string) types.Signal {
	return types.Signal{
		ID:      id,
		Kind:    types.SignalTransaction,
		AtMs:    epoch.UnixMilli(),
		Payload: map[string]any{"amount": 650.0, "category": "discretionary"},
	}
}

func begin(t *testing.T, h *harness, sig types.Signal) string {
	t.Helper()
	if err := h.c.Begin(context.Background(), sig); err != nil {
		t.Fatalf("Begin: %v", err)
	}
	ep := h.c.Active()
	if ep == nil {
		t.Fatal("no active episode after Begin")
	}
	return ep.ID
}

func equalPhases(got, want []types.Phase) bool {
	if len(got) != len(want) {
		return false
	}
	for i := range got {
		if got[i] != want[i] {
			return false
		}
	}
	return true
}

var fullSequence = []types.Phase{types.PhaseSetup, types.PhaseActive, types.PhaseResolving, types.PhaseAfter}

// ─── natural completion ───────────────────────────────────────────────────────

func TestCoordinator_AutopilotCompletion(t *testing.T) {
	t.Parallel()
	h := newHarness(t)
	begin(t, h, choiceSignal("s1"))

	if got := h.names()[:3]; got[0] != events.NameEpisodeStarted || got[1] != events.NamePhaseChange || got[2] != events.NameEpisodeSetup {
		t.Errorf("opening events: got %v", got)
	}
	if h.pacer.Pauses() != 1 {
		t.Errorf("pauses: got %d, want 1", h.pacer.Pauses())
	}

	h.clk.Advance(2 * time.Second)
	if ep := h.c.Active(); ep.Phase != types.PhaseActive {
		t.Fatalf("phase after setup delay: got %q, want active", ep.Phase)
	}
	active := lastOf[events.EpisodeActive](t, h)
	if active.MechanicsMode != types.ModeChoice || active.TotalMs != 20000 || active.AwaitingEngagement {
		t.Errorf("active event: got %+v", active)
	}

	h.clk.Advance(20 * time.Second)
	if ep := h.c.Active(); ep.Phase != types.PhaseResolving {
		t.Fatalf("phase after autopilot: got %q, want resolving", ep.Phase)
	}
	if n := h.count(events.NameTimerTick); n != 19 {
		t.Errorf("ticks: got %d, want 19", n)
	}

	h.clk.Advance(1500 * time.Millisecond)
	ep := h.c.Active()
	if ep.Phase != types.PhaseAfter || ep.ResolvedAtMs == nil {
		t.Fatalf("after phase: got %+v", ep)
	}
	if caption := lastOf[events.EpisodeAftermath](t, h).Caption; !strings.Contains(caption, "Renewal Familiar") {
		t.Errorf("aftermath caption: got %q", caption)
	}

	h.clk.Advance(2500 * time.Millisecond)
	if h.c.Active() != nil {
		t.Fatal("episode still active after aftermath")
	}
	if got := h.phases(); !equalPhases(got, fullSequence) {
		t.Errorf("phases: got %v, want %v", got, fullSequence)
	}
	if n := h.clk.Pending(); n != 0 {
		t.Errorf("pending timers: got %d, want 0", n)
	}
	if h.pacer.Resumes() != 1 {
		t.Errorf("resumes: got %d, want 1", h.pacer.Resumes())
	}

	resolved := lastOf[events.EpisodeResolved](t, h)
	res := resolved.Resolution
	if res.Mode != types.ResolvedByAuto || res.ChoiceID != "subscription" || res.Confidence != episode.AutopilotConfidence {
		t.Errorf("resolution: got %+v", res)
	}
	want := types.Vitals{Health: -2, Mana: -2, Stamina: -2, Essence: 2}
	if resolved.VitalsDelta == nil || *resolved.VitalsDelta != want {
		t.Errorf("vitals: got %+v, want %+v", resolved.VitalsDelta, want)
	}

	hist := h.c.History()
	if len(hist) != 1 || hist[0].Episode.ID != resolved.Episode.ID {
		t.Fatalf("history: got %+v", hist)
	}
}

func TestCoordinator_TickProgress(t *testing.T) {
	t.Parallel()
	h := newHarness(t)
	begin(t, h, choiceSignal("s1"))
	h.clk.Advance(2 * time.Second)
	h.clk.Advance(5 * time.Second)

	tick := lastOf[events.TimerTick](t, h)
	if tick.RemainingMs != 15000 || tick.TotalMs != 20000 || tick.Percent != 25 {
		t.Errorf("tick: got %+v, want 15000/20000/25%%", tick)
	}
}

// ─── player override ──────────────────────────────────────────────────────────

func TestCoordinator_PlayerChoice(t *testing.T) {
	t.Parallel()
	h := newHarness(t)
	begin(t, h, choiceSignal("s1"))
	h.clk.Advance(5 * time.Second)

	h.bus.Publish(events.SubmitChoice{ChoiceID: "health"})
	ep := h.c.Active()
	if ep.Phase != types.PhaseResolving {
		t.Fatalf("phase after choice: got %q, want resolving", ep.Phase)
	}
	if ep.Resolution.Mode != types.ResolvedByPlayer || ep.Resolution.Confidence != episode.PlayerConfidence {
		t.Errorf("resolution: got %+v", ep.Resolution)
	}
	want := types.Vitals{Health: -10, Essence: 5}
	if *ep.Resolution.VitalsDelta != want {
		t.Errorf("vitals: got %+v, want %+v", *ep.Resolution.VitalsDelta, want)
	}
	if pc := lastOf[events.PlayerChoice](t, h); pc.ChoiceID != "health" || pc.EpisodeID != ep.ID {
		t.Errorf("player choice event: got %+v", pc)
	}

	ticks := h.count(events.NameTimerTick)
	h.clk.Advance(time.Minute)
	if got := h.count(events.NameTimerTick); got != ticks {
		t.Errorf("ticks after choice: got %d more", got-ticks)
	}
	if h.count(events.NameEpisodeResolved) != 1 {
		t.Error("expected exactly one resolved event")
	}
	if got := h.phases(); !equalPhases(got, fullSequence) {
		t.Errorf("phases: got %v", got)
	}
}

func TestCoordinator_SubmitChoiceErrors(t *testing.T) {
	t.Parallel()
	h := newHarness(t)
	if err := h.c.SubmitChoice("health"); !errors.Is(err, episode.ErrNoEpisode) {
		t.Errorf("no episode: got %v", err)
	}

	begin(t, h, choiceSignal("s1"))
	if err := h.c.SubmitChoice("health"); !errors.Is(err, episode.ErrWrongPhase) {
		t.Errorf("setup phase: got %v", err)
	}
	h.clk.Advance(2 * time.Second)
	if err := h.c.SubmitChoice("  "); err == nil {
		t.Error("empty choice accepted")
	}
	if err := h.c.SubmitChoice("mana"); err != nil {
		t.Fatalf("active phase: %v", err)
	}
	if err := h.c.SubmitChoice("stamina"); !errors.Is(err, episode.ErrWrongPhase) {
		t.Errorf("second choice: got %v", err)
	}
}

// ─── autobattler ──────────────────────────────────────────────────────────────

func TestCoordinator_AutobattlerWaitsPassively(t *testing.T) {
	t.Parallel()
	h := newHarness(t)
	id := begin(t, h, battleSignal("b1"))
	h.clk.Advance(2 * time.Second)

	spawn := lastOf[events.AutobattlerSpawn](t, h)
	if spawn.EpisodeID != id || spawn.Incident.Mechanics.Mode != types.ModeAutobattler {
		t.Errorf("spawn: got %+v", spawn)
	}
	if !lastOf[events.EpisodeActive](t, h).AwaitingEngagement {
		t.Error("active event should await engagement")
	}
	if n := h.clk.Pending(); n != 0 {
		t.Errorf("autobattler armed %d local timers, want 0", n)
	}

	h.clk.Advance(time.Hour)
	if ep := h.c.Active(); ep == nil || ep.Phase != types.PhaseActive {
		t.Fatalf("autobattler episode should stay active, got %+v", ep)
	}
	if err := h.c.SubmitChoice("health"); !errors.Is(err, episode.ErrWrongMode) {
		t.Errorf("player choice in autobattler mode: got %v", err)
	}

	h.bus.Publish(events.AutobattlerResolve{EpisodeID: id, Outcome: "victory", ChoiceID: "mana", Rounds: 4})
	ep := h.c.Active()
	if ep.Phase != types.PhaseResolving {
		t.Fatalf("phase: got %q, want resolving", ep.Phase)
	}
	if ep.Resolution.VitalsDelta != nil {
		t.Error("autobattler resolution must not carry a local vitals delta")
	}
	if ep.Resolution.ChoiceID != "mana" || ep.Resolution.Notes != "victory after 4 rounds" {
		t.Errorf("resolution: got %+v", ep.Resolution)
	}

	h.clk.Advance(4 * time.Second)
	resolved := lastOf[events.EpisodeResolved](t, h)
	if resolved.VitalsDelta != nil {
		t.Errorf("resolved vitals: got %+v, want nil", resolved.VitalsDelta)
	}
	if n := h.clk.Pending(); n != 0 {
		t.Errorf("pending timers: got %d, want 0", n)
	}
}

func TestCoordinator_AutobattlerMissingFields(t *testing.T) {
	t.Parallel()
	h := newHarness(t)
	begin(t, h, battleSignal("b1"))
	h.clk.Advance(2 * time.Second)

	if err := h.c.HandleAutobattlerResolve(events.AutobattlerResolve{}); err != nil {
		t.Fatalf("HandleAutobattlerResolve: %v", err)
	}
	h.clk.Advance(4 * time.Second)

	resolved := lastOf[events.EpisodeResolved](t, h)
	if resolved.Resolution.ChoiceID != "discretionary" || resolved.Resolution.Confidence != episode.AutopilotConfidence {
		t.Errorf("fallback resolution: got %+v", resolved.Resolution)
	}
	if !strings.Contains(resolved.Resolution.Notes, "without outcome") {
		t.Errorf("notes: got %q", resolved.Resolution.Notes)
	}
}

func TestCoordinator_AutobattlerForeignEpisode(t *testing.T) {
	t.Parallel()
	h := newHarness(t)
	begin(t, h, battleSignal("b1"))
	h.clk.Advance(2 * time.Second)

	err := h.c.HandleAutobattlerResolve(events.AutobattlerResolve{EpisodeID: "someone-else", Outcome: "victory"})
	if !errors.Is(err, episode.ErrNoEpisode) {
		t.Errorf("got %v, want ErrNoEpisode", err)
	}
	if ep := h.c.Active(); ep.Phase != types.PhaseActive {
		t.Errorf("phase: got %q, want active", ep.Phase)
	}
}

func TestCoordinator_AutobattlerResolveInChoiceMode(t *testing.T) {
	t.Parallel()
	h := newHarness(t)
	begin(t, h, choiceSignal("s1"))
	h.clk.Advance(2 * time.Second)
	if err := h.c.HandleAutobattlerResolve(events.AutobattlerResolve{Outcome: "victory"}); !errors.Is(err, episode.ErrWrongMode) {
		t.Errorf("got %v, want ErrWrongMode", err)
	}
}

// ─── forced resolve and cancel ────────────────────────────────────────────────

func TestCoordinator_ForceResolve(t *testing.T) {
	t.Parallel()
	h := newHarness(t)
	begin(t, h, battleSignal("b1"))

	if err := h.c.ForceResolve(); !errors.Is(err, episode.ErrWrongPhase) {
		t.Errorf("force in setup: got %v, want ErrWrongPhase", err)
	}
	h.clk.Advance(2 * time.Second)
	if err := h.c.ForceResolve(); err != nil {
		t.Fatalf("ForceResolve: %v", err)
	}
	if err := h.c.ForceResolve(); !errors.Is(err, episode.ErrWrongPhase) {
		t.Errorf("force in resolving: got %v, want ErrWrongPhase", err)
	}

	ep := h.c.Active()
	if ep.Resolution.Mode != types.ResolvedByAuto || ep.Resolution.Notes != "forced" {
		t.Errorf("resolution: got %+v", ep.Resolution)
	}
	// difficulty 3, amount 650: base = floor(5 + 9 + 32.5) = 46, unknown row.
	want := types.Vitals{Health: -11, Mana: -11, Stamina: -11, Essence: 11}
	if *ep.Resolution.VitalsDelta != want {
		t.Errorf("vitals: got %+v, want %+v", *ep.Resolution.VitalsDelta, want)
	}

	h.clk.Advance(time.Minute)
	if got := h.phases(); !equalPhases(got, fullSequence) {
		t.Errorf("phases: got %v, want %v", got, fullSequence)
	}
	if n := h.clk.Pending(); n != 0 {
		t.Errorf("pending timers: got %d, want 0", n)
	}
	if h.count(events.NameEpisodeResolved) != 1 {
		t.Error("expected exactly one resolved event")
	}
}

func TestCoordinator_ForceResolveDuringChoiceStopsTicks(t *testing.T) {
	t.Parallel()
	h := newHarness(t)
	begin(t, h, choiceSignal("s1"))
	h.clk.Advance(3 * time.Second)
	if err := h.c.ForceResolve(); err != nil {
		t.Fatalf("ForceResolve: %v", err)
	}
	// Only the resolving delay is armed; tick and autopilot are gone.
	if n := h.clk.Pending(); n != 1 {
		t.Errorf("pending timers: got %d, want 1", n)
	}
}

func TestCoordinator_CancelFromEveryPhase(t *testing.T) {
	t.Parallel()
	tests := []struct {
		name    string
		advance time.Duration
		force   bool
		want    types.Phase
	}{
		{"setup", 0, false, types.PhaseSetup},
		{"active", 3 * time.Second, false, types.PhaseActive},
		{"resolving", 2 * time.Second, true, types.PhaseResolving},
		{"after", 2*time.Second + 1500*time.Millisecond, true, types.PhaseAfter},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			h := newHarness(t)
			id := begin(t, h, choiceSignal("s1"))
			if tt.force {
				h.clk.Advance(2 * time.Second)
				if err := h.c.ForceResolve(); err != nil {
					t.Fatalf("ForceResolve: %v", err)
				}
				h.clk.Advance(tt.advance - 2*time.Second)
			} else {
				h.clk.Advance(tt.advance)
			}
			if ep := h.c.Active(); ep.Phase != tt.want {
				t.Fatalf("phase before cancel: got %q, want %q", ep.Phase, tt.want)
			}

			if err := h.c.Cancel("test"); err != nil {
				t.Fatalf("Cancel: %v", err)
			}
			if h.c.Active() != nil {
				t.Error("episode still active after cancel")
			}
			if n := h.clk.Pending(); n != 0 {
				t.Errorf("pending timers after cancel: got %d, want 0", n)
			}
			cancelled := lastOf[events.EpisodeCancelled](t, h)
			if cancelled.EpisodeID != id || cancelled.Phase != tt.want || cancelled.Reason != "test" {
				t.Errorf("cancelled event: got %+v", cancelled)
			}

			h.clk.Advance(time.Hour)
			if h.count(events.NameEpisodeResolved) != 0 {
				t.Error("cancelled episode published resolved")
			}
			if len(h.c.History()) != 0 {
				t.Error("cancelled episode recorded in history")
			}
		})
	}
}

func TestCoordinator_CancelWithoutEpisode(t *testing.T) {
	t.Parallel()
	h := newHarness(t)
	if err := h.c.Cancel(""); !errors.Is(err, episode.ErrNoEpisode) {
		t.Errorf("got %v, want ErrNoEpisode", err)
	}
}

// ─── admission ────────────────────────────────────────────────────────────────

func TestCoordinator_BusyDefersToQueue(t *testing.T) {
	t.Parallel()
	h := newHarness(t)
	begin(t, h, choiceSignal("s1"))
	err := h.c.Begin(context.Background(), choiceSignal("s2"))
	if !errors.Is(err, episode.ErrBusy) || !errors.Is(err, signalq.ErrDeferred) {
		t.Errorf("got %v, want ErrBusy wrapping ErrDeferred", err)
	}
}

func TestCoordinator_InvalidIncidentResumesPacer(t *testing.T) {
	t.Parallel()
	h := newHarness(t)
	err := h.c.Begin(context.Background(), types.Signal{Kind: types.SignalTransaction})
	if !errors.Is(err, episode.ErrInvalidIncident) {
		t.Fatalf("got %v, want ErrInvalidIncident", err)
	}
	if h.pacer.Resumes() != 1 {
		t.Errorf("resumes: got %d, want 1", h.pacer.Resumes())
	}
	if h.c.Active() != nil || len(h.events()) != 0 {
		t.Error("invalid signal must not stage an episode")
	}
}

func TestCoordinator_HistoryBounded(t *testing.T) {
	t.Parallel()
	n := 0
	h := newHarness(t, episode.WithHistorySize(3), episode.WithIDGenerator(func() string {
		n++
		return fmt.Sprintf("ep-%d", n)
	}))
	for i := range 5 {
		begin(t, h, battleSignal(fmt.Sprintf("b%d", i)))
		h.clk.Advance(2 * time.Second)
		if err := h.c.ForceResolve(); err != nil {
			t.Fatalf("ForceResolve: %v", err)
		}
		h.clk.Advance(4 * time.Second)
	}
	hist := h.c.History()
	if len(hist) != 3 {
		t.Fatalf("history length: got %d, want 3", len(hist))
	}
	for i, want := range []string{"ep-3", "ep-4", "ep-5"} {
		if hist[i].Episode.ID != want {
			t.Errorf("history[%d]: got %q, want %q", i, hist[i].Episode.ID, want)
		}
	}
}

func TestCoordinator_CloseStopsTimers(t *testing.T) {
	t.Parallel()
	h := newHarness(t)
	begin(t, h, choiceSignal("s1"))
	h.clk.Advance(3 * time.Second)
	h.c.Close()
	if n := h.clk.Pending(); n != 0 {
		t.Errorf("pending timers after close: got %d, want 0", n)
	}
	if err := h.c.Begin(context.Background(), choiceSignal("s2")); !errors.Is(err, episode.ErrClosed) {
		t.Errorf("Begin after close: got %v, want ErrClosed", err)
	}
}

// ─── with the real queue ──────────────────────────────────────────────────────

func TestPipeline_FIFOAndSingleEpisode(t *testing.T) {
	t.Parallel()
	bus := events.NewBus()
	clk := mock.New(epoch)

	var c *episode.Coordinator
	q := signalq.New(func(ctx context.Context, sig types.Signal) error { return c.Begin(ctx, sig) },
		signalq.WithClock(clk), signalq.WithBus(bus))
	c = episode.New(bus, q, episode.WithClock(clk))
	q.Listen(bus)
	c.Listen(bus)
	defer q.Close()
	defer c.Close()

	var (
		mu      sync.Mutex
		active  int
		peak    int
		started []string
	)
	sub := bus.Subscribe(func(ev events.Event) {
		mu.Lock()
		defer mu.Unlock()
		switch e := ev.(type) {
		case events.EpisodeStarted:
			active++
			peak = max(peak, active)
			started = append(started, strings.TrimPrefix(e.Incident.ID, "inc-"))
		case events.EpisodeResolved, events.EpisodeCancelled:
			active--
		}
	})
	defer sub.Close()

	ids := []string{"a", "b", "c", "d", "e"}
	for i, id := range ids {
		raw := map[string]any{"id": id, "amount": 40.0, "category": "subscription"}
		if i%2 == 1 {
			raw["category"] = "dining"
		}
		bus.Publish(events.StageSignal{Raw: raw})
	}

	// Autobattler episodes need an external outcome; force them along.
	for range 20 {
		clk.Advance(5 * time.Second)
		if ep := c.Active(); ep != nil && ep.Phase == types.PhaseActive {
			if in := c.ActiveIncident(); in.Mechanics.Mode == types.ModeAutobattler {
				bus.Publish(events.AutobattlerResolve{EpisodeID: ep.ID, Outcome: "victory"})
			}
		}
	}
	clk.Advance(time.Minute)

	mu.Lock()
	defer mu.Unlock()
	if peak != 1 {
		t.Errorf("peak concurrent episodes: got %d, want 1", peak)
	}
	if len(started) != len(ids) {
		t.Fatalf("episodes started: got %v, want %v", started, ids)
	}
	for i := range ids {
		if started[i] != ids[i] {
			t.Errorf("episode %d: got %q, want %q", i, started[i], ids[i])
		}
	}
	if got := len(c.History()); got != len(ids) {
		t.Errorf("history: got %d, want %d", got, len(ids))
	}
	if st := q.Status(); st.Length != 0 || st.Processing || st.Paused {
		t.Errorf("queue status after drain: got %+v", st)
	}
}

func TestPipeline_CancelResumesQueue(t *testing.T) {
	t.Parallel()
	bus := events.NewBus()
	clk := mock.New(epoch)

	var c *episode.Coordinator
	q := signalq.New(func(ctx context.Context, sig types.Signal) error { return c.Begin(ctx, sig) },
		signalq.WithClock(clk))
	c = episode.New(bus, q, episode.WithClock(clk))
	q.Listen(bus)
	defer q.Close()
	defer c.Close()

	for _, id := range []string{"a", "b"} {
		if err := q.Ingest(context.Background(), map[string]any{"id": id, "category": "subscription"}); err != nil {
			t.Fatalf("Ingest: %v", err)
		}
	}
	first := c.ActiveIncident()
	if err := c.Cancel("skip"); err != nil {
		t.Fatalf("Cancel: %v", err)
	}
	clk.Advance(signalq.DefaultSettleDelay)
	second := c.ActiveIncident()
	if first == nil || second == nil || first.ID != "inc-a" || second.ID != "inc-b" {
		t.Errorf("expected inc-a then inc-b, got %v then %v", first, second)
	}
}

func TestCoordinator_SetTimingsAppliesToNextPhase(t *testing.T) {
	t.Parallel()
	h := newHarness(t)
	begin(t, h, choiceSignal("s1"))

	h.c.SetTimings(episode.Timings{Setup: 5 * time.Second, Tick: 250 * time.Millisecond})
	if got := h.c.Timings(); got.Setup != 5*time.Second || got.Resolving != 1500*time.Millisecond {
		t.Errorf("Timings: got %+v", got)
	}

	// The setup timer armed before the change keeps its deadline.
	h.clk.Advance(2 * time.Second)
	if ep := h.c.Active(); ep == nil || ep.Phase != types.PhaseActive {
		t.Fatalf("phase after original setup delay: got %+v", ep)
	}
	if d, ok := h.clk.NextDeadline(); !ok || d != 250*time.Millisecond {
		t.Errorf("next deadline: got %s (%v), want the new tick interval", d, ok)
	}
}
