package incident

import "github.com/MrWong99/stagecraft/pkg/types"

// Category names understood by the factory. Payload categories are
// canonicalised to one of these during signal intake.
const (
	CategorySubscription  = "subscription"
	CategoryEssential     = "essential"
	CategoryDiscretionary = "discretionary"
	CategoryDining        = "dining"
	CategoryTravel        = "travel"
	CategoryEntertainment = "entertainment"
)

// categoryAliases maps recognised payload categories to their family.
var categoryAliases = map[string]string{
	"subscription":  CategorySubscription,
	"subscriptions": CategorySubscription,
	"streaming":     CategorySubscription,
	"membership":    CategorySubscription,
	"essential":     CategoryEssential,
	"essentials":    CategoryEssential,
	"groceries":     CategoryEssential,
	"utilities":     CategoryEssential,
	"rent":          CategoryEssential,
	"housing":       CategoryEssential,
	"transport":     CategoryEssential,
	"healthcare":    CategoryEssential,
	"insurance":     CategoryEssential,
	"discretionary": CategoryDiscretionary,
	"shopping":      CategoryDiscretionary,
	"dining":        CategoryDining,
	"restaurants":   CategoryDining,
	"travel":        CategoryTravel,
	"entertainment": CategoryEntertainment,
}

// KnownCategories returns every payload category name the factory recognises.
func KnownCategories() []string {
	out := make([]string, 0, len(categoryAliases))
	for name := range categoryAliases {
		out = append(out, name)
	}
	return out
}

// Family returns the category family for a payload category, or "" if the
// category is not recognised.
func Family(category string) string {
	return categoryAliases[category]
}

// Opponent is one entry in an escalation catalog.
type Opponent struct {
	ID   string
	Name string
	Tier int // base tier in [1,3]
}

// escalation steps: amount < $100, $100–$499, >= $500.
const (
	escalateStep1 = 100.0
	escalateStep2 = 500.0
)

// catalogs holds three opponents per key, ordered by escalation step.
var catalogs = map[string][3]Opponent{
	CategoryDiscretionary: {
		{ID: "impulse-imp", Name: "Impulse Imp", Tier: 1},
		{ID: "cart-goblin", Name: "Cart Goblin", Tier: 1},
		{ID: "splurge-wyrm", Name: "Splurge Wyrm", Tier: 2},
	},
	CategoryDining: {
		{ID: "snack-sprite", Name: "Snack Sprite", Tier: 1},
		{ID: "takeout-troll", Name: "Takeout Troll", Tier: 1},
		{ID: "banquet-ogre", Name: "Banquet Ogre", Tier: 2},
	},
	CategoryTravel: {
		{ID: "toll-bandit", Name: "Toll Bandit", Tier: 1},
		{ID: "fare-harpy", Name: "Fare Harpy", Tier: 2},
		{ID: "jetlag-chimera", Name: "Jetlag Chimera", Tier: 3},
	},
	CategoryEntertainment: {
		{ID: "ticket-tout", Name: "Ticket Tout", Tier: 1},
		{ID: "arcade-golem", Name: "Arcade Golem", Tier: 2},
		{ID: "festival-hydra", Name: "Festival Hydra", Tier: 3},
	},
	CategorySubscription: {
		{ID: "renewal-familiar", Name: "Renewal Familiar", Tier: 1},
		{ID: "autopay-courtier", Name: "Autopay Courtier", Tier: 1},
		{ID: "bundle-baron", Name: "Bundle Baron", Tier: 2},
	},
	CategoryEssential: {
		{ID: "pantry-path", Name: "Pantry Path", Tier: 1},
		{ID: "utility-pass", Name: "Utility Pass", Tier: 1},
		{ID: "rent-ridge", Name: "Rent Ridge", Tier: 2},
	},
	string(types.SignalAnomaly): {
		{ID: "glitch-wisp", Name: "Glitch Wisp", Tier: 2},
		{ID: "phantom-charge", Name: "Phantom Charge", Tier: 2},
		{ID: "ledger-wraith", Name: "Ledger Wraith", Tier: 3},
	},
	string(types.SignalThreshold): {
		{ID: "budget-sentinel", Name: "Budget Sentinel", Tier: 2},
		{ID: "overdraft-colossus", Name: "Overdraft Colossus", Tier: 3},
		{ID: "debt-leviathan", Name: "Debt Leviathan", Tier: 3},
	},
	string(types.SignalSchedule): {
		{ID: "reminder-herald", Name: "Reminder Herald", Tier: 1},
		{ID: "deadline-courier", Name: "Deadline Courier", Tier: 1},
		{ID: "audit-envoy", Name: "Audit Envoy", Tier: 2},
	},
	string(types.SignalAmbient): {
		{ID: "drifting-moth", Name: "Drifting Moth", Tier: 1},
		{ID: "market-crowd", Name: "Market Crowd", Tier: 1},
		{ID: "storm-front", Name: "Storm Front", Tier: 2},
	},
}

// escalationStep returns the catalog index for amount.
func escalationStep(amount float64) int {
	switch {
	case amount >= escalateStep2:
		return 2
	case amount >= escalateStep1:
		return 1
	default:
		return 0
	}
}

// selectOpponent picks the opponent for a signal. Anomalies use the anomaly
// catalog, transactions their category family, other signal kinds their
// own catalog; everything else falls back to the discretionary catalog.
func selectOpponent(sig types.Signal, kind types.IncidentKind, family string) Opponent {
	key := CategoryDiscretionary
	switch {
	case kind == types.IncidentAnomaly:
		key = string(types.SignalAnomaly)
	case sig.Kind != types.SignalTransaction && sig.Kind != "":
		if _, ok := catalogs[string(sig.Kind)]; ok {
			key = string(sig.Kind)
		}
	case family != "":
		key = family
	}
	return catalogs[key][escalationStep(sig.Amount())]
}

// template holds the entry and exit captions of an incident kind.
// Placeholders: {opponent}, {merchant}, {amount}.
type template struct {
	entry string
	exit  string
}

var narratives = map[types.IncidentKind]template{
	types.IncidentCombat: {
		entry: "{opponent} bursts out of {merchant}, hungry for {amount}.",
		exit:  "{opponent} retreats. {amount} at {merchant} is settled.",
	},
	types.IncidentTraversal: {
		entry: "The road to {merchant} climbs ahead. {opponent} costs {amount} to cross.",
		exit:  "{opponent} lies behind you. {amount} well travelled.",
	},
	types.IncidentSocial: {
		entry: "{opponent} from {merchant} bows and asks for {amount} again.",
		exit:  "{opponent} takes their leave with {amount}.",
	},
	types.IncidentAnomaly: {
		entry: "Reality flickers near {merchant}. {opponent} whispers of {amount}.",
		exit:  "The rift around {merchant} seals. {opponent} fades.",
	},
}

var prompts = map[types.IncidentKind]types.TaggingPrompt{
	types.IncidentCombat: {
		Question: "How do you face this charge?",
		Options: []types.TagOption{
			{ID: "health", Label: "Take it on the chin"},
			{ID: "mana", Label: "Channel focus"},
			{ID: "stamina", Label: "Outlast it"},
		},
	},
	types.IncidentTraversal: {
		Question: "How did this essential cost feel?",
		Options: []types.TagOption{
			{ID: "stamina", Label: "A steady march"},
			{ID: "health", Label: "A hard climb"},
			{ID: "unknown", Label: "Just the road"},
		},
	},
	types.IncidentSocial: {
		Question: "Is this subscription still worth it?",
		Options: []types.TagOption{
			{ID: "mana", Label: "Worth every coin"},
			{ID: "health", Label: "Cancel it soon"},
			{ID: "unknown", Label: "Not sure"},
		},
	},
	types.IncidentAnomaly: {
		Question: "Do you recognise this charge?",
		Options: []types.TagOption{
			{ID: "mana", Label: "Yes, it is mine"},
			{ID: "health", Label: "No, flag it"},
			{ID: "unknown", Label: "Not sure"},
		},
	},
}

var regions = map[types.IncidentKind]string{
	types.IncidentCombat:    "wilds",
	types.IncidentTraversal: "road",
	types.IncidentSocial:    "town",
	types.IncidentAnomaly:   "rift",
}

var props = map[types.IncidentKind][]string{
	types.IncidentCombat:    {"banner", "coin-pile"},
	types.IncidentTraversal: {"signpost", "cart"},
	types.IncidentSocial:    {"table", "ledger"},
	types.IncidentAnomaly:   {"shard", "static"},
}

var effects = map[types.Mood][]string{
	types.MoodCalm:  {"motes"},
	types.MoodTense: {"embers"},
	types.MoodDire:  {"storm", "embers"},
}

var cameras = map[types.MechanicsMode]string{
	types.ModeAutobattler: "wide",
	types.ModeChoice:      "close",
	types.ModeTurn:        "over-shoulder",
	types.ModeTiming:      "tracking",
}
