// Package combat is the built-in autobattler collaborator. It answers
// autobattler:spawn with a seeded duel between the hero and the incident's
// opponent and reports the outcome as autobattler:resolve once the fight has
// played out at the configured round cadence.
package combat

import (
	"hash/fnv"
	"math/rand/v2"
)

// Outcomes reported in autobattler:resolve.
const (
	OutcomeVictory   = "victory"
	OutcomeDefeat    = "defeat"
	OutcomeStalemate = "stalemate"
)

// MaxRounds ends a duel that neither side can finish.
const MaxRounds = 20

// Fighter is one side of a duel.
type Fighter struct {
	Name    string
	HP      int
	Attack  int
	Defence int
}

// Hero is the player's fighter. Its stats are fixed; incidents scale the
// opponent instead.
func Hero() Fighter {
	return Fighter{Name: "Hero", HP: 32, Attack: 4, Defence: 2}
}

// Foe builds an opponent for an incident of the given difficulty (1..5) and
// base tier (1..3).
func Foe(name string, difficulty, tier int) Fighter {
	difficulty = max(1, min(5, difficulty))
	tier = max(1, min(3, tier))
	return Fighter{
		Name:    name,
		HP:      8 + 6*difficulty,
		Attack:  1 + difficulty + tier/2,
		Defence: tier,
	}
}

// Round records one exchange of blows. FoeHit is zero when the foe fell
// before striking back.
type Round struct {
	N       int
	HeroHit int
	FoeHit  int
	HeroHP  int
	FoeHP   int
}

// Result is a fully simulated duel.
type Result struct {
	Outcome string
	Rounds  []Round
}

// Duel simulates hero against foe. Each round the hero strikes first for
// 1d6 + attack - defence (minimum 1); the foe answers if still standing.
func Duel(hero, foe Fighter, rng *rand.Rand) Result {
	heroHP, foeHP := hero.HP, foe.HP
	var rounds []Round
	for n := 1; n <= MaxRounds; n++ {
		r := Round{N: n}
		r.HeroHit = strike(rng, hero, foe)
		foeHP -= r.HeroHit
		if foeHP > 0 {
			r.FoeHit = strike(rng, foe, hero)
			heroHP -= r.FoeHit
		}
		r.HeroHP, r.FoeHP = max(heroHP, 0), max(foeHP, 0)
		rounds = append(rounds, r)

		switch {
		case foeHP <= 0:
			return Result{Outcome: OutcomeVictory, Rounds: rounds}
		case heroHP <= 0:
			return Result{Outcome: OutcomeDefeat, Rounds: rounds}
		}
	}
	return Result{Outcome: OutcomeStalemate, Rounds: rounds}
}

func strike(rng *rand.Rand, attacker, defender Fighter) int {
	return max(1, rng.IntN(6)+1+attacker.Attack-defender.Defence)
}

// Dice returns the deterministic generator for an episode. The same seed and
// episode id always replay the same duel.
func Dice(seed int64, episodeID string) *rand.Rand {
	h := fnv.New64a()
	_, _ = h.Write([]byte(episodeID))
	return rand.New(rand.NewPCG(uint64(seed), h.Sum64()))
}
