package combat

import (
	"log/slog"
	"sync"
	"time"

	"github.com/MrWong99/stagecraft/internal/clock"
	"github.com/MrWong99/stagecraft/internal/events"
	"github.com/MrWong99/stagecraft/pkg/types"
)

// DefaultRoundInterval is the wall time one duel round takes to play out.
const DefaultRoundInterval = 700 * time.Millisecond

// Simulator answers autobattler:spawn with a seeded duel. At most one fight
// per episode is pending; it is dropped when the episode is cancelled or
// resolved by other means.
//
// All methods are safe for concurrent use.
type Simulator struct {
	bus      *events.Bus
	clk      clock.Clock
	interval time.Duration
	seed     int64

	mu      sync.Mutex
	pending map[string]clock.Timer
	subs    []*events.Subscription
	closed  bool
}

// Option configures a [Simulator].
type Option func(*Simulator)

// WithClock sets the clock driving round timers. Default: [clock.Real].
func WithClock(c clock.Clock) Option {
	return func(s *Simulator) { s.clk = c }
}

// WithRoundInterval overrides [DefaultRoundInterval]. Non-positive values
// are ignored.
func WithRoundInterval(d time.Duration) Option {
	return func(s *Simulator) {
		if d > 0 {
			s.interval = d
		}
	}
}

// WithSeed sets the base seed mixed into every episode's dice.
func WithSeed(seed int64) Option {
	return func(s *Simulator) { s.seed = seed }
}

// New creates a Simulator that publishes outcomes on bus.
func New(bus *events.Bus, opts ...Option) *Simulator {
	s := &Simulator{
		bus:      bus,
		clk:      clock.Real(),
		interval: DefaultRoundInterval,
		pending:  make(map[string]clock.Timer),
	}
	for _, o := range opts {
		o(s)
	}
	return s
}

// Listen subscribes to spawn requests and to the events that end an
// episode. The subscriptions are released by [Simulator.Close].
func (s *Simulator) Listen(bus *events.Bus) {
	subs := []*events.Subscription{
		events.On(bus, func(ev events.AutobattlerSpawn) { s.Spawn(ev) }),
		events.On(bus, func(ev events.EpisodeCancelled) { s.abort(ev.EpisodeID) }),
		events.On(bus, func(ev events.EpisodeResolved) { s.abort(ev.Episode.ID) }),
	}
	s.mu.Lock()
	s.subs = append(s.subs, subs...)
	s.mu.Unlock()
}

// Spawn simulates the fight for ev and schedules its outcome. The outcome is
// published once every round has played at the round interval. A second
// spawn for the same episode replaces the first.
func (s *Simulator) Spawn(ev events.AutobattlerSpawn) Result {
	res := Simulate(ev.Incident, ev.EpisodeID, s.seed)
	out := events.AutobattlerResolve{
		EpisodeID: ev.EpisodeID,
		Outcome:   res.Outcome,
		Rounds:    len(res.Rounds),
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return res
	}
	if t, ok := s.pending[ev.EpisodeID]; ok {
		t.Stop()
	}
	var timer clock.Timer
	timer = s.clk.AfterFunc(time.Duration(len(res.Rounds))*s.interval, func() {
		s.mu.Lock()
		if s.pending[ev.EpisodeID] != timer {
			s.mu.Unlock()
			return
		}
		delete(s.pending, ev.EpisodeID)
		s.mu.Unlock()

		slog.Info("autobattler fight finished", "episode_id", out.EpisodeID, "outcome", out.Outcome, "rounds", out.Rounds)
		s.bus.Publish(out)
	})
	s.pending[ev.EpisodeID] = timer

	slog.Debug("autobattler fight started",
		"episode_id", ev.EpisodeID,
		"opponent", ev.Incident.Opponent().Name,
		"rounds", len(res.Rounds),
	)
	return res
}

// Pending returns the number of fights still playing out.
func (s *Simulator) Pending() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.pending)
}

// Close stops pending fights and releases bus subscriptions.
func (s *Simulator) Close() {
	s.mu.Lock()
	s.closed = true
	for id, t := range s.pending {
		t.Stop()
		delete(s.pending, id)
	}
	subs := s.subs
	s.subs = nil
	s.mu.Unlock()
	for _, sub := range subs {
		sub.Close()
	}
}

func (s *Simulator) abort(episodeID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if t, ok := s.pending[episodeID]; ok {
		t.Stop()
		delete(s.pending, episodeID)
	}
}

// Simulate runs the duel for an incident without scheduling anything.
func Simulate(in types.Incident, episodeID string, seed int64) Result {
	opp := in.Opponent()
	name := opp.Name
	if name == "" {
		name = "Foe"
	}
	return Duel(Hero(), Foe(name, in.Mechanics.Difficulty, opp.Tier), Dice(seed, episodeID))
}
