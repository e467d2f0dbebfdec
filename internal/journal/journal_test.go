package journal_test

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/MrWong99/stagecraft/internal/events"
	"github.com/MrWong99/stagecraft/internal/journal"
	"github.com/MrWong99/stagecraft/pkg/types"
)

var epoch = time.Date(2026, 3, 4, 12, 0, 0, 0, time.UTC)

func rec(id string) journal.Record {
	return journal.Record{
		EpisodeID:      id,
		IncidentID:     "in-" + id,
		Kind:           types.IncidentCombat,
		MechanicsMode:  types.ModeAutobattler,
		ResolutionMode: types.ResolvedByAuto,
		ChoiceID:       "health",
		Confidence:     0.6,
		StartedAt:      epoch,
		ResolvedAt:     epoch.Add(10 * time.Second),
	}
}

func ids(recs []journal.Record) []string {
	out := make([]string, len(recs))
	for i, r := range recs {
		out[i] = r.EpisodeID
	}
	return out
}

func equal(a, b []string) bool {
	return fmt.Sprint(a) == fmt.Sprint(b)
}

func TestFromResolved(t *testing.T) {
	t.Parallel()
	resolvedAt := epoch.Add(9 * time.Second).UnixMilli()
	ev := events.EpisodeResolved{
		Episode:     types.Episode{ID: "ep-1", IncidentID: "in-1", StartedAtMs: epoch.UnixMilli(), ResolvedAtMs: &resolvedAt},
		Incident:    types.Incident{ID: "in-1", Kind: types.IncidentSocial, Mechanics: types.Mechanics{Mode: types.ModeChoice}, Category: "subscription", Amount: 12.5},
		Resolution:  types.Resolution{Mode: types.ResolvedByPlayer, ChoiceID: "mana", Confidence: 1, Notes: "n"},
		VitalsDelta: &types.Vitals{Mana: 2},
	}
	r := journal.FromResolved(ev)

	if r.EpisodeID != "ep-1" || r.IncidentID != "in-1" || r.Kind != types.IncidentSocial || r.MechanicsMode != types.ModeChoice {
		t.Errorf("identity: got %+v", r)
	}
	if r.Category != "subscription" || r.Amount != 12.5 || r.ResolutionMode != types.ResolvedByPlayer || r.ChoiceID != "mana" {
		t.Errorf("resolution: got %+v", r)
	}
	if !r.StartedAt.Equal(epoch) || !r.ResolvedAt.Equal(epoch.Add(9*time.Second)) {
		t.Errorf("times: got %v .. %v", r.StartedAt, r.ResolvedAt)
	}
	if r.VitalsDelta == nil || r.VitalsDelta.Mana != 2 {
		t.Fatalf("vitals: got %+v", r.VitalsDelta)
	}
	ev.VitalsDelta.Mana = 99
	if r.VitalsDelta.Mana != 2 {
		t.Error("record shares the event's vitals")
	}
}

func TestMemStore_RingBuffer(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	s := journal.NewMemStore(3)

	for _, id := range []string{"a", "b", "c", "d"} {
		if err := s.Append(ctx, rec(id)); err != nil {
			t.Fatalf("Append(%s): %v", id, err)
		}
	}
	got, err := s.Recent(ctx, 0)
	if err != nil {
		t.Fatalf("Recent: %v", err)
	}
	if want := []string{"d", "c", "b"}; !equal(ids(got), want) {
		t.Errorf("Recent: got %v, want %v", ids(got), want)
	}

	got, _ = s.Recent(ctx, 2)
	if want := []string{"d", "c"}; !equal(ids(got), want) {
		t.Errorf("Recent(2): got %v, want %v", ids(got), want)
	}

	// "a" was evicted, so it may be appended again.
	_ = s.Append(ctx, rec("a"))
	got, _ = s.Recent(ctx, 10)
	if want := []string{"a", "d", "c"}; !equal(ids(got), want) {
		t.Errorf("after re-append: got %v, want %v", ids(got), want)
	}
	if s.Len() != 3 {
		t.Errorf("Len: got %d, want 3", s.Len())
	}
}

func TestMemStore_DuplicateKeepsFirst(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	s := journal.NewMemStore(0)

	first := rec("a")
	second := rec("a")
	second.ChoiceID = "stamina"
	_ = s.Append(ctx, first)
	_ = s.Append(ctx, second)

	got, _ := s.Recent(ctx, 0)
	if len(got) != 1 || got[0].ChoiceID != "health" {
		t.Errorf("got %+v, want the first record only", got)
	}
}

func TestMemStore_CancelledContext(t *testing.T) {
	t.Parallel()
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	s := journal.NewMemStore(2)
	if err := s.Append(ctx, rec("a")); err == nil {
		t.Error("Append with cancelled context: want error")
	}
	if _, err := s.Recent(ctx, 1); err == nil {
		t.Error("Recent with cancelled context: want error")
	}
}

func TestWriter_JournalsResolvedEpisodes(t *testing.T) {
	t.Parallel()
	bus := events.NewBus()
	store := journal.NewMemStore(10)
	w := journal.NewWriter(store, 0)
	w.Listen(bus)
	t.Cleanup(w.Close)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- w.Run(ctx) }()

	bus.Publish(events.EpisodeResolved{Episode: types.Episode{ID: "ep-1"}})
	bus.Publish(events.EpisodeResolved{Episode: types.Episode{ID: "ep-2"}})

	deadline := time.Now().Add(2 * time.Second)
	for store.Len() < 2 && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}
	cancel()
	if err := <-done; err != nil {
		t.Errorf("Run: %v", err)
	}
	got, _ := store.Recent(context.Background(), 0)
	if want := []string{"ep-2", "ep-1"}; !equal(ids(got), want) {
		t.Errorf("journal: got %v, want %v", ids(got), want)
	}

	w.Close()
	if bus.Len() != 0 {
		t.Errorf("subscriptions after Close: got %d", bus.Len())
	}
}

func TestWriter_DrainsOnShutdown(t *testing.T) {
	t.Parallel()
	store := journal.NewMemStore(10)
	w := journal.NewWriter(store, 4)
	for _, id := range []string{"a", "b", "c"} {
		w.Enqueue(rec(id))
	}

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if err := w.Run(ctx); err != nil {
		t.Fatalf("Run: %v", err)
	}
	if store.Len() != 3 {
		t.Errorf("drained records: got %d, want 3", store.Len())
	}
}

func TestWriter_DropsWhenFull(t *testing.T) {
	t.Parallel()
	w := journal.NewWriter(journal.NewMemStore(1), 1)
	if !w.Enqueue(rec("a")) {
		t.Fatal("first Enqueue dropped")
	}
	if w.Enqueue(rec("b")) {
		t.Error("Enqueue into a full buffer should drop")
	}
}
