package episode

import (
	"math"

	"github.com/MrWong99/stagecraft/pkg/types"
)

// Choice ids understood by the vitals table. Any other id (including a bare
// category used by autopilot) is treated as [ChoiceUnknown].
const (
	ChoiceHealth  = "health"
	ChoiceMana    = "mana"
	ChoiceStamina = "stamina"
	ChoiceUnknown = "unknown"
)

// MaxDamageAmount caps the amount fed into [BaseDamage] so the result stays
// well inside the int range.
const MaxDamageAmount = 1e9

// BaseDamage is floor(5 + difficulty*3 + amount*0.05). Negative and NaN
// amounts count as 0 and amounts above [MaxDamageAmount] are capped.
func BaseDamage(difficulty int, amount float64) int {
	if !(amount > 0) {
		amount = 0
	}
	amount = min(amount, MaxDamageAmount)
	return int(math.Floor(5 + float64(difficulty)*3 + amount*0.05))
}

// VitalsFor maps a choice to its vitals delta for an incident of the given
// difficulty and amount.
func VitalsFor(choiceID string, difficulty int, amount float64) types.Vitals {
	base := BaseDamage(difficulty, amount)
	switch choiceID {
	case ChoiceHealth:
		return types.Vitals{Health: -base, Essence: base / 2}
	case ChoiceMana:
		return types.Vitals{Mana: -base / 2, Stamina: -base / 2, Essence: base}
	case ChoiceStamina:
		return types.Vitals{Stamina: -base, Essence: base / 2}
	default:
		q := base / 4
		return types.Vitals{Health: -q, Mana: -q, Stamina: -q, Essence: q}
	}
}
