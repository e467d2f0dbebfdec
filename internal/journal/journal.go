// Package journal keeps a durable log of resolved episodes.
//
// The coordinator only holds a bounded in-memory history. The journal
// receives every episode:resolved event and appends it to a [Store]: a
// [MemStore] ring buffer when no database is configured, or a
// [PostgresStore] otherwise.
package journal

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/MrWong99/stagecraft/internal/events"
	"github.com/MrWong99/stagecraft/pkg/types"
)

// Record is one resolved episode.
type Record struct {
	EpisodeID      string               `json:"episodeId"`
	IncidentID     string               `json:"incidentId"`
	Kind           types.IncidentKind   `json:"kind"`
	MechanicsMode  types.MechanicsMode  `json:"mechanicsMode"`
	Category       string               `json:"category,omitempty"`
	Amount         float64              `json:"amount"`
	ResolutionMode types.ResolutionMode `json:"resolutionMode"`
	ChoiceID       string               `json:"choiceId"`
	Confidence     float64              `json:"confidence"`
	Notes          string               `json:"notes,omitempty"`
	VitalsDelta    *types.Vitals        `json:"vitalsDelta,omitempty"`
	StartedAt      time.Time            `json:"startedAt"`
	ResolvedAt     time.Time            `json:"resolvedAt"`
}

// FromResolved converts an episode:resolved event into a Record.
func FromResolved(ev events.EpisodeResolved) Record {
	r := Record{
		EpisodeID:      ev.Episode.ID,
		IncidentID:     ev.Incident.ID,
		Kind:           ev.Incident.Kind,
		MechanicsMode:  ev.Incident.Mechanics.Mode,
		Category:       ev.Incident.Category,
		Amount:         ev.Incident.Amount,
		ResolutionMode: ev.Resolution.Mode,
		ChoiceID:       ev.Resolution.ChoiceID,
		Confidence:     ev.Resolution.Confidence,
		Notes:          ev.Resolution.Notes,
		StartedAt:      time.UnixMilli(ev.Episode.StartedAtMs).UTC(),
	}
	if ev.VitalsDelta != nil {
		v := *ev.VitalsDelta
		r.VitalsDelta = &v
	}
	if ev.Episode.ResolvedAtMs != nil {
		r.ResolvedAt = time.UnixMilli(*ev.Episode.ResolvedAtMs).UTC()
	}
	return r
}

// Store persists records.
type Store interface {
	// Append stores r. Appending an episode id twice keeps the first record.
	Append(ctx context.Context, r Record) error

	// Recent returns up to n records, newest first.
	Recent(ctx context.Context, n int) ([]Record, error)
}

// DefaultBuffer is the number of records a [Writer] queues before dropping.
const DefaultBuffer = 64

const (
	appendTimeout = 5 * time.Second
	drainTimeout  = 2 * time.Second
)

// Writer moves records from the event bus to a [Store] on its own goroutine
// so that slow storage never blocks a phase timer.
type Writer struct {
	store Store
	ch    chan Record

	mu  sync.Mutex
	sub *events.Subscription
}

// NewWriter returns a Writer feeding store. buffer <= 0 selects
// [DefaultBuffer].
func NewWriter(store Store, buffer int) *Writer {
	if buffer <= 0 {
		buffer = DefaultBuffer
	}
	return &Writer{store: store, ch: make(chan Record, buffer)}
}

// Listen subscribes the writer to episode:resolved on bus.
func (w *Writer) Listen(bus *events.Bus) {
	sub := events.On(bus, func(ev events.EpisodeResolved) { w.Enqueue(FromResolved(ev)) })
	w.mu.Lock()
	w.sub = sub
	w.mu.Unlock()
}

// Enqueue queues r for writing. It never blocks; when the buffer is full
// the record is dropped and a warning is logged.
func (w *Writer) Enqueue(r Record) bool {
	select {
	case w.ch <- r:
		return true
	default:
		slog.Warn("journal buffer full, record dropped", "episode_id", r.EpisodeID)
		return false
	}
}

// Run writes queued records until ctx is cancelled, then drains what is
// still buffered. It always returns nil.
func (w *Writer) Run(ctx context.Context) error {
	for {
		select {
		case r := <-w.ch:
			w.write(ctx, r)
		case <-ctx.Done():
			w.drain(context.WithoutCancel(ctx))
			return nil
		}
	}
}

// Close releases the bus subscription.
func (w *Writer) Close() {
	w.mu.Lock()
	sub := w.sub
	w.sub = nil
	w.mu.Unlock()
	sub.Close()
}

func (w *Writer) drain(ctx context.Context) {
	ctx, cancel := context.WithTimeout(ctx, drainTimeout)
	defer cancel()
	for {
		select {
		case r := <-w.ch:
			w.write(ctx, r)
		default:
			return
		}
	}
}

func (w *Writer) write(ctx context.Context, r Record) {
	ctx, cancel := context.WithTimeout(ctx, appendTimeout)
	defer cancel()
	if err := w.store.Append(ctx, r); err != nil {
		slog.Warn("journal append failed", "episode_id", r.EpisodeID, "err", err)
		return
	}
	slog.Debug("episode journaled", "episode_id", r.EpisodeID)
}
