// Package types defines the shared data model used across all Stagecraft packages.
//
// These types form the lingua franca between signal intake, the incident
// factory, the episode coordinator, and the asset resolver. Each package keeps
// its own domain types, but the structures that cross package boundaries live
// here to avoid circular imports.
package types

import (
	"math"
	"strconv"
	"strings"
)

// SignalKind classifies an incoming [Signal].
type SignalKind string

const (
	SignalTransaction SignalKind = "transaction"
	SignalAnomaly     SignalKind = "anomaly"
	SignalSchedule    SignalKind = "schedule"
	SignalThreshold   SignalKind = "threshold"
	SignalAmbient     SignalKind = "ambient"
)

// IsValid reports whether k is a recognised signal kind.
func (k SignalKind) IsValid() bool {
	switch k {
	case SignalTransaction, SignalAnomaly, SignalSchedule, SignalThreshold, SignalAmbient:
		return true
	}
	return false
}

// Signal is an immutable external fact fed into the pipeline. Signals are
// created by intake normalisation and never mutated afterwards.
type Signal struct {
	// ID uniquely identifies the signal. A signal without an ID is invalid.
	ID string `json:"id"`

	// Kind classifies the signal.
	Kind SignalKind `json:"kind"`

	// AtMs is the signal timestamp in Unix milliseconds.
	AtMs int64 `json:"atMs"`

	// SourceRef names the upstream system the signal came from.
	SourceRef string `json:"sourceRef,omitempty"`

	// Payload is opaque upstream data (amount, merchant, category, isAnomaly…).
	Payload map[string]any `json:"payload,omitempty"`
}

// Amount returns the payload amount as a float. Missing, non-numeric or
// non-finite amounts yield 0.
func (s Signal) Amount() float64 {
	var f float64
	switch v := s.Payload["amount"].(type) {
	case float64:
		f = v
	case float32:
		f = float64(v)
	case int:
		f = float64(v)
	case int64:
		f = float64(v)
	case string:
		f, _ = strconv.ParseFloat(strings.TrimSpace(v), 64)
	}
	if math.IsNaN(f) || math.IsInf(f, 0) {
		return 0
	}
	return f
}

// Category returns the payload category, or "" when absent.
func (s Signal) Category() string {
	c, _ := s.Payload["category"].(string)
	return c
}

// Merchant returns the payload merchant, or "" when absent.
func (s Signal) Merchant() string {
	m, _ := s.Payload["merchant"].(string)
	return m
}

// IsAnomaly reports whether the payload flags the signal as anomalous.
func (s Signal) IsAnomaly() bool {
	b, _ := s.Payload["isAnomaly"].(bool)
	return b
}

// IncidentKind classifies what is staged for an [Incident].
type IncidentKind string

const (
	IncidentCombat    IncidentKind = "combat"
	IncidentTraversal IncidentKind = "traversal"
	IncidentSocial    IncidentKind = "social"
	IncidentAnomaly   IncidentKind = "anomaly"
)

// MechanicsMode selects how an incident is played out.
type MechanicsMode string

const (
	// ModeAutobattler delegates resolution to an external combat collaborator.
	ModeAutobattler MechanicsMode = "autobattler"
	ModeTurn        MechanicsMode = "turn"
	ModeChoice      MechanicsMode = "choice"
	ModeTiming      MechanicsMode = "timing"
)

// Mood is the emotional register of an incident.
type Mood string

const (
	MoodCalm  Mood = "calm"
	MoodTense Mood = "tense"
	MoodDire  Mood = "dire"
)

// Token describes an actor that must be present to stage an incident.
type Token struct {
	Role string `json:"role"`
	ID   string `json:"id"`
	Name string `json:"name"`
	Tier int    `json:"tier,omitempty"`
}

// Tone is the mood and intensity (1–5) of an incident.
type Tone struct {
	Mood      Mood `json:"mood"`
	Intensity int  `json:"intensity"`
}

// Mechanics describes how an incident is played. Mode never changes once
// computed.
type Mechanics struct {
	Mode       MechanicsMode `json:"mode"`
	Difficulty int           `json:"difficulty"`
	DurationS  int           `json:"durationS"`
}

// TagOption is one labelled answer to a [TaggingPrompt].
type TagOption struct {
	ID    string `json:"id"`
	Label string `json:"label"`
}

// TaggingPrompt is the question put to the player during an incident.
type TaggingPrompt struct {
	Question string      `json:"question"`
	Options  []TagOption `json:"options"`
}

// Narrative holds the entry and exit captions of an incident.
type Narrative struct {
	Entry string `json:"entry"`
	Exit  string `json:"exit"`
}

// Recipe is a resolution request for the asset resolver. It is constructed
// per call and never stored.
type Recipe struct {
	BeatType      string   `json:"beatType"`
	ActivityPhase string   `json:"activityPhase,omitempty"`
	Region        string   `json:"region,omitempty"`
	TimeBucket    string   `json:"timeBucket,omitempty"`
	IntensityTier int      `json:"intensityTier,omitempty"`
	RequiredTags  []string `json:"requiredTags,omitempty"`
	PreferredTags []string `json:"preferredTags,omitempty"`
	ExcludeTags   []string `json:"excludeTags,omitempty"`
	ActiveTags    []string `json:"activeTags,omitempty"`
}

// DioramaSpec is the render plan of an incident.
type DioramaSpec struct {
	Region    string   `json:"region"`
	State     string   `json:"state"`
	TimeOfDay string   `json:"timeOfDay"`
	Actors    []string `json:"actors"`
	Props     []string `json:"props"`
	Effects   []string `json:"effects"`
	Camera    string   `json:"camera"`

	// Routing is the asset-routing recipe the presentation layer hands to the
	// resolver. May be nil.
	Routing *Recipe `json:"routing,omitempty"`
}

// Incident is the narrative unit derived 1:1 from a [Signal].
type Incident struct {
	ID             string        `json:"id"`
	SignalID       string        `json:"signalId"`
	AtMs           int64         `json:"atMs"`
	Kind           IncidentKind  `json:"kind"`
	RequiredTokens []Token       `json:"requiredTokens"`
	Tone           Tone          `json:"tone"`
	Mechanics      Mechanics     `json:"mechanics"`
	TaggingPrompt  TaggingPrompt `json:"taggingPrompt"`
	Narrative      Narrative     `json:"narrative"`
	RenderPlan     DioramaSpec   `json:"renderPlan"`

	// Category and Amount are copied from the signal payload so the
	// coordinator can resolve without holding on to the raw signal.
	Category string  `json:"category,omitempty"`
	Amount   float64 `json:"amount"`
}

// Opponent returns the opponent token, or the zero Token when the incident
// has none.
func (in *Incident) Opponent() Token {
	for _, t := range in.RequiredTokens {
		if t.Role == "opponent" {
			return t
		}
	}
	return Token{}
}

// Phase is the lifecycle stage of an [Episode]. Phases only move forward.
type Phase string

const (
	PhaseSetup     Phase = "setup"
	PhaseActive    Phase = "active"
	PhaseResolving Phase = "resolving"
	PhaseAfter     Phase = "after"
)

// Order returns the position of p in the lifecycle, or -1 for unknown phases.
func (p Phase) Order() int {
	switch p {
	case PhaseSetup:
		return 0
	case PhaseActive:
		return 1
	case PhaseResolving:
		return 2
	case PhaseAfter:
		return 3
	}
	return -1
}

// ResolutionMode records who resolved an episode.
type ResolutionMode string

const (
	ResolvedByPlayer ResolutionMode = "player"
	ResolvedByAuto   ResolutionMode = "auto"
)

// Vitals is a delta applied to the player's vitals.
type Vitals struct {
	Health  int `json:"health"`
	Mana    int `json:"mana"`
	Stamina int `json:"stamina"`
	Essence int `json:"essence"`
}

// Resolution is attached to an episode when it starts resolving.
type Resolution struct {
	Mode       ResolutionMode `json:"mode"`
	ChoiceID   string         `json:"choiceId"`
	Confidence float64        `json:"confidence"`

	// VitalsDelta is nil when an external collaborator already applied the
	// effects.
	VitalsDelta *Vitals `json:"vitalsDelta,omitempty"`
	Notes       string  `json:"notes,omitempty"`
}

// Episode wraps exactly one incident for the duration of its staging.
type Episode struct {
	ID           string      `json:"id"`
	IncidentID   string      `json:"incidentId"`
	Phase        Phase       `json:"phase"`
	StartedAtMs  int64       `json:"startedAtMs"`
	ResolvedAtMs *int64      `json:"resolvedAtMs,omitempty"`
	Resolution   *Resolution `json:"resolution,omitempty"`
}
