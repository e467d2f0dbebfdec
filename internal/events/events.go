// Package events defines the typed event vocabulary of the stage pipeline and
// a synchronous publish/subscribe [Bus] to carry it.
//
// Every event is a concrete struct implementing [Event]; consumers switch on
// the dynamic type (or use [On]) instead of dispatching on strings. The wire
// name returned by [Event.Name] is kept for logging and for the JSON stream
// served to the presentation layer.
package events

import (
	"encoding/json"

	"github.com/MrWong99/stagecraft/pkg/types"
)

// Wire names of all events.
const (
	NameEpisodeStarted     = "episode:started"
	NamePhaseChange        = "episode:phaseChange"
	NameEpisodeSetup       = "episode:setup"
	NameEpisodeActive      = "episode:active"
	NameTimerTick          = "episode:timerTick"
	NamePlayerChoice       = "episode:playerChoice"
	NameEpisodeResolving   = "episode:resolving"
	NameEpisodeAftermath   = "episode:aftermath"
	NameEpisodeResolved    = "episode:resolved"
	NameEpisodeCancelled   = "episode:cancelled"
	NameQueueStatus        = "stageSignals:queueStatus"
	NameAutobattlerSpawn   = "autobattler:spawn"
	NameStageSignal        = "stage:signal"
	NameSubmitChoice       = "episode:submitChoice"
	NameSignalInject       = "signal:inject"
	NameAutobattlerResolve = "autobattler:resolve"
)

// Event is implemented by every message carried on the [Bus].
type Event interface {
	// Name returns the wire name of the event (e.g. "episode:started").
	Name() string
}

// ── Emitted by the coordinator ───────────────────────────────────────────────

// EpisodeStarted is published when a new episode enters setup.
type EpisodeStarted struct {
	Episode  types.Episode  `json:"episode"`
	Incident types.Incident `json:"incident"`
}

// PhaseChanged is published on every phase transition.
type PhaseChanged struct {
	EpisodeID string      `json:"episodeId"`
	From      types.Phase `json:"from,omitempty"`
	To        types.Phase `json:"to"`
}

// EpisodeSetup is published when the setup phase begins.
type EpisodeSetup struct {
	EpisodeID string `json:"episodeId"`
	DelayMs   int64  `json:"delayMs"`
}

// EpisodeActive is published when the active phase begins.
type EpisodeActive struct {
	EpisodeID     string              `json:"episodeId"`
	MechanicsMode types.MechanicsMode `json:"mechanicsMode"`
	TotalMs       int64               `json:"totalMs"`

	// AwaitingEngagement is true when resolution depends on an external
	// collaborator rather than a local autopilot timer.
	AwaitingEngagement bool `json:"awaitingEngagement"`
}

// TimerTick reports autopilot progress roughly once per second.
type TimerTick struct {
	EpisodeID   string  `json:"episodeId"`
	RemainingMs int64   `json:"remainingMs"`
	TotalMs     int64   `json:"totalMs"`
	Percent     float64 `json:"percent"`
}

// PlayerChoice is published when a player override is accepted.
type PlayerChoice struct {
	EpisodeID string `json:"episodeId"`
	ChoiceID  string `json:"choiceId"`
}

// EpisodeResolving is published when a resolution has been attached.
type EpisodeResolving struct {
	EpisodeID  string           `json:"episodeId"`
	Resolution types.Resolution `json:"resolution"`
}

// EpisodeAftermath is published when the aftermath phase begins.
type EpisodeAftermath struct {
	EpisodeID    string           `json:"episodeId"`
	ResolvedAtMs int64            `json:"resolvedAtMs"`
	Resolution   types.Resolution `json:"resolution"`
	Caption      string           `json:"caption"`
}

// EpisodeResolved is published once an episode has completed.
type EpisodeResolved struct {
	Episode     types.Episode    `json:"episode"`
	Incident    types.Incident   `json:"incident"`
	Resolution  types.Resolution `json:"resolution"`
	VitalsDelta *types.Vitals    `json:"vitalsDelta,omitempty"`
}

// EpisodeCancelled is published when an episode is dropped without completion.
type EpisodeCancelled struct {
	EpisodeID string      `json:"episodeId"`
	Phase     types.Phase `json:"phase"`
	Reason    string      `json:"reason,omitempty"`
}

// AutobattlerSpawn asks the combat collaborator to stage a fight.
type AutobattlerSpawn struct {
	EpisodeID string         `json:"episodeId"`
	Incident  types.Incident `json:"incident"`
}

// ── Emitted by the queue ─────────────────────────────────────────────────────

// QueueStatus reports the signal queue state for observability.
type QueueStatus struct {
	Length     int  `json:"length"`
	Paused     bool `json:"paused"`
	Processing bool `json:"processing"`
}

// ── Consumed ─────────────────────────────────────────────────────────────────

// StageSignal carries a raw incoming signal.
type StageSignal struct {
	Raw map[string]any `json:"raw"`
}

// SignalInject carries a raw signal injected by tooling or demos.
type SignalInject struct {
	Raw map[string]any `json:"raw"`
}

// SubmitChoice is a player override for the active episode.
type SubmitChoice struct {
	ChoiceID string `json:"choiceId"`
}

// AutobattlerResolve is the combat collaborator's outcome. Fields may be
// missing; the coordinator completes the episode regardless.
type AutobattlerResolve struct {
	EpisodeID string `json:"episodeId,omitempty"`
	Outcome   string `json:"outcome,omitempty"`
	ChoiceID  string `json:"choiceId,omitempty"`
	Rounds    int    `json:"rounds,omitempty"`
}

func (EpisodeStarted) Name() string     { return NameEpisodeStarted }
func (PhaseChanged) Name() string       { return NamePhaseChange }
func (EpisodeSetup) Name() string       { return NameEpisodeSetup }
func (EpisodeActive) Name() string      { return NameEpisodeActive }
func (TimerTick) Name() string          { return NameTimerTick }
func (PlayerChoice) Name() string       { return NamePlayerChoice }
func (EpisodeResolving) Name() string   { return NameEpisodeResolving }
func (EpisodeAftermath) Name() string   { return NameEpisodeAftermath }
func (EpisodeResolved) Name() string    { return NameEpisodeResolved }
func (EpisodeCancelled) Name() string   { return NameEpisodeCancelled }
func (AutobattlerSpawn) Name() string   { return NameAutobattlerSpawn }
func (QueueStatus) Name() string        { return NameQueueStatus }
func (StageSignal) Name() string        { return NameStageSignal }
func (SignalInject) Name() string       { return NameSignalInject }
func (SubmitChoice) Name() string       { return NameSubmitChoice }
func (AutobattlerResolve) Name() string { return NameAutobattlerResolve }

// Envelope is the JSON form of an event on the wire.
type Envelope struct {
	Name string `json:"name"`
	Data any    `json:"data"`
}

// Marshal encodes ev as a JSON [Envelope].
func Marshal(ev Event) ([]byte, error) {
	return json.Marshal(Envelope{Name: ev.Name(), Data: ev})
}
