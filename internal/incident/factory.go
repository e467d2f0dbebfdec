// Package incident converts signals into staged incidents.
//
// The conversion is a pure function of the signal: no I/O, no randomness,
// and the wall-clock hour used for time-of-day comes from the signal's own
// timestamp. Given the same signal the factory always returns the same
// incident.
package incident

import (
	"fmt"
	"strings"
	"time"

	"github.com/MrWong99/stagecraft/pkg/types"
)

// Difficulty bounds.
const (
	MinDifficulty = 1
	MaxDifficulty = 5
)

// Mechanics durations in seconds.
const (
	baseDurationS   = 30
	stepDurationS   = 15
	socialDurationS = 20
)

// Factory builds incidents. The zero value is not usable; call [New].
type Factory struct {
	loc *time.Location
}

// Option configures a [Factory].
type Option func(*Factory)

// WithLocation sets the time zone used to derive time-of-day. Default: UTC.
func WithLocation(loc *time.Location) Option {
	return func(f *Factory) {
		if loc != nil {
			f.loc = loc
		}
	}
}

// New creates a [Factory].
func New(opts ...Option) *Factory {
	f := &Factory{loc: time.UTC}
	for _, o := range opts {
		o(f)
	}
	return f
}

var defaultFactory = New()

// CreateIncidentFromSignal converts sig using a UTC factory. It returns nil
// when sig is structurally invalid.
func CreateIncidentFromSignal(sig types.Signal) *types.Incident {
	return defaultFactory.Create(sig)
}

// Create converts sig into an incident, or returns nil if sig has no ID.
func (f *Factory) Create(sig types.Signal) *types.Incident {
	if strings.TrimSpace(sig.ID) == "" {
		return nil
	}

	family := Family(strings.ToLower(sig.Category()))
	kind := Classify(sig, family)
	opp := selectOpponent(sig, kind, family)
	amount := sig.Amount()
	difficulty := Difficulty(opp.Tier, amount)
	mech := ComputeMechanics(kind, difficulty)
	tone := types.Tone{Mood: MoodFor(difficulty), Intensity: difficulty}
	bucket := TimeBucket(time.UnixMilli(sig.AtMs).In(f.loc).Hour())

	in := &types.Incident{
		ID:       "inc-" + sig.ID,
		SignalID: sig.ID,
		AtMs:     sig.AtMs,
		Kind:     kind,
		RequiredTokens: []types.Token{
			{Role: "hero", ID: "hero", Name: "Hero"},
			{Role: "opponent", ID: opp.ID, Name: opp.Name, Tier: opp.Tier},
		},
		Tone:          tone,
		Mechanics:     mech,
		TaggingPrompt: clonePrompt(prompts[kind]),
		Narrative:     narrate(kind, opp, sig.Merchant(), amount),
		Category:      sig.Category(),
		Amount:        amount,
	}
	in.RenderPlan = renderPlan(in, opp, bucket)
	return in
}

// Classify maps a signal to an incident kind. Transactions are classified by
// category family and anomaly flag; other kinds map directly.
func Classify(sig types.Signal, family string) types.IncidentKind {
	switch sig.Kind {
	case types.SignalAnomaly:
		return types.IncidentAnomaly
	case types.SignalSchedule:
		return types.IncidentSocial
	case types.SignalThreshold:
		return types.IncidentCombat
	case types.SignalAmbient:
		return types.IncidentTraversal
	}
	switch {
	case family == CategorySubscription:
		return types.IncidentSocial
	case family == CategoryEssential:
		return types.IncidentTraversal
	case sig.IsAnomaly():
		return types.IncidentAnomaly
	default:
		return types.IncidentCombat
	}
}

// Difficulty computes tier + 1 above $200 + 1 above $1000, clamped to
// [MinDifficulty, MaxDifficulty].
func Difficulty(tier int, amount float64) int {
	d := tier
	if amount > 200 {
		d++
	}
	if amount > 1000 {
		d++
	}
	return clamp(d, MinDifficulty, MaxDifficulty)
}

// ComputeMechanics returns the mechanics for an incident. Social incidents
// are always a 20 second choice; everything else is an autobattler whose
// duration grows with difficulty.
func ComputeMechanics(kind types.IncidentKind, difficulty int) types.Mechanics {
	difficulty = clamp(difficulty, MinDifficulty, MaxDifficulty)
	if kind == types.IncidentSocial {
		return types.Mechanics{Mode: types.ModeChoice, Difficulty: difficulty, DurationS: socialDurationS}
	}
	dur := baseDurationS
	if difficulty >= 3 {
		dur += stepDurationS
	}
	if difficulty >= 4 {
		dur += stepDurationS
	}
	return types.Mechanics{Mode: types.ModeAutobattler, Difficulty: difficulty, DurationS: dur}
}

// MoodFor maps difficulty to mood.
func MoodFor(difficulty int) types.Mood {
	switch {
	case difficulty < 2:
		return types.MoodCalm
	case difficulty < 4:
		return types.MoodTense
	default:
		return types.MoodDire
	}
}

// TimeBucket maps an hour of day to dawn, day, dusk or night.
func TimeBucket(hour int) string {
	switch {
	case hour >= 5 && hour < 8:
		return "dawn"
	case hour >= 8 && hour < 17:
		return "day"
	case hour >= 17 && hour < 20:
		return "dusk"
	default:
		return "night"
	}
}

func stateFor(difficulty int) string {
	switch {
	case difficulty < 2:
		return "stable"
	case difficulty < 4:
		return "strained"
	default:
		return "crisis"
	}
}

func renderPlan(in *types.Incident, opp Opponent, bucket string) types.DioramaSpec {
	region := regions[in.Kind]
	preferred := []string{string(in.Tone.Mood)}
	if in.Category != "" {
		preferred = append(preferred, strings.ToLower(in.Category))
	}
	return types.DioramaSpec{
		Region:    region,
		State:     stateFor(in.Mechanics.Difficulty),
		TimeOfDay: bucket,
		Actors:    []string{"hero", opp.ID},
		Props:     append([]string(nil), props[in.Kind]...),
		Effects:   append([]string(nil), effects[in.Tone.Mood]...),
		Camera:    cameras[in.Mechanics.Mode],
		Routing: &types.Recipe{
			BeatType:      string(in.Kind),
			ActivityPhase: "focus",
			Region:        region,
			TimeBucket:    bucket,
			IntensityTier: in.Mechanics.Difficulty,
			PreferredTags: preferred,
			ActiveTags:    []string{string(in.Kind), string(in.Tone.Mood), bucket},
		},
	}
}

func narrate(kind types.IncidentKind, opp Opponent, merchant string, amount float64) types.Narrative {
	if merchant == "" {
		merchant = "the market"
	}
	r := strings.NewReplacer(
		"{opponent}", opp.Name,
		"{merchant}", merchant,
		"{amount}", fmt.Sprintf("$%.2f", amount),
	)
	t := narratives[kind]
	return types.Narrative{Entry: r.Replace(t.entry), Exit: r.Replace(t.exit)}
}

func clonePrompt(p types.TaggingPrompt) types.TaggingPrompt {
	p.Options = append([]types.TagOption(nil), p.Options...)
	return p
}

func clamp(v, lo, hi int) int {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}
