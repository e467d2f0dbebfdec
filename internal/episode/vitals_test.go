package episode_test

import (
	"math"
	"testing"

	"github.com/MrWong99/stagecraft/internal/episode"
	"github.com/MrWong99/stagecraft/pkg/types"
)

func TestBaseDamage(t *testing.T) {
	t.Parallel()
	tests := []struct {
		difficulty int
		amount     float64
		want       int
	}{
		{1, 0, 8},
		{1, 40, 10},
		{3, 650, 46},
		{5, 1000, 70},
		{2, 19.99, 11},
		{1, -50, 8},
		{1, math.NaN(), 8},
		{1, math.Inf(-1), 8},
		{1, math.Inf(1), 50_000_008},
		{1, 1e300, 50_000_008},
	}
	for _, tt := range tests {
		if got := episode.BaseDamage(tt.difficulty, tt.amount); got != tt.want {
			t.Errorf("BaseDamage(%d, %.2f): got %d, want %d", tt.difficulty, tt.amount, got, tt.want)
		}
	}
}

func TestVitalsFor(t *testing.T) {
	t.Parallel()
	// base = 10 for difficulty 1, amount 40.
	tests := []struct {
		choice string
		want   types.Vitals
	}{
		{episode.ChoiceHealth, types.Vitals{Health: -10, Essence: 5}},
		{episode.ChoiceMana, types.Vitals{Mana: -5, Stamina: -5, Essence: 10}},
		{episode.ChoiceStamina, types.Vitals{Stamina: -10, Essence: 5}},
		{episode.ChoiceUnknown, types.Vitals{Health: -2, Mana: -2, Stamina: -2, Essence: 2}},
		{"dining", types.Vitals{Health: -2, Mana: -2, Stamina: -2, Essence: 2}},
	}
	for _, tt := range tests {
		t.Run(tt.choice, func(t *testing.T) {
			t.Parallel()
			if got := episode.VitalsFor(tt.choice, 1, 40); got != tt.want {
				t.Errorf("got %+v, want %+v", got, tt.want)
			}
		})
	}
}

func TestVitalsFor_HugeAmountKeepsSigns(t *testing.T) {
	t.Parallel()
	for _, amount := range []float64{1e300, math.Inf(1), math.NaN()} {
		got := episode.VitalsFor(episode.ChoiceHealth, 5, amount)
		if got.Health >= 0 || got.Essence <= 0 {
			t.Errorf("amount %v: got %+v, want health loss and essence gain", amount, got)
		}
		if got.Essence != -got.Health/2 {
			t.Errorf("amount %v: essence %d not half of damage %d", amount, got.Essence, -got.Health)
		}
	}
}
