package signalq

import (
	"errors"
	"fmt"
	"maps"
	"math"
	"strconv"
	"strings"
	"time"

	"github.com/antzucaro/matchr"

	"github.com/MrWong99/stagecraft/internal/incident"
	"github.com/MrWong99/stagecraft/pkg/types"
)

// ErrInvalidSignal is returned for raw signals that cannot be normalised.
var ErrInvalidSignal = errors.New("signalq: invalid signal")

// categoryThreshold is the minimum Jaro-Winkler similarity for a misspelt
// category to be snapped to a known one.
const categoryThreshold = 0.88

// payloadKeys are folded into the payload when a producer sends them at the
// top level instead of inside "payload".
var payloadKeys = []string{"amount", "merchant", "category", "isAnomaly"}

// Normalize converts a raw signal map into a [types.Signal]. now supplies
// the timestamp for signals that carry none.
func Normalize(raw map[string]any, now time.Time) (types.Signal, error) {
	if raw == nil {
		return types.Signal{}, fmt.Errorf("%w: empty", ErrInvalidSignal)
	}
	id := strings.TrimSpace(stringify(raw["id"]))
	if id == "" {
		return types.Signal{}, fmt.Errorf("%w: missing id", ErrInvalidSignal)
	}

	kind := types.SignalKind(strings.ToLower(strings.TrimSpace(stringify(raw["kind"]))))
	if !kind.IsValid() {
		kind = types.SignalTransaction
	}

	atMs, ok := toInt64(raw["atMs"])
	if !ok || atMs <= 0 {
		atMs = now.UnixMilli()
	}

	payload := make(map[string]any)
	if p, ok := raw["payload"].(map[string]any); ok {
		maps.Copy(payload, p)
	}
	for _, k := range payloadKeys {
		if v, ok := raw[k]; ok {
			if _, exists := payload[k]; !exists {
				payload[k] = v
			}
		}
	}
	if v, ok := payload["amount"]; ok {
		if f, ok := toFloat(v); ok {
			payload["amount"] = f
		} else {
			delete(payload, "amount")
		}
	}
	if c, ok := payload["category"].(string); ok {
		payload["category"] = CanonicalCategory(c)
	}
	if b, ok := payload["isAnomaly"].(string); ok {
		payload["isAnomaly"], _ = strconv.ParseBool(b)
	}

	return types.Signal{
		ID:        id,
		Kind:      kind,
		AtMs:      atMs,
		SourceRef: stringify(raw["sourceRef"]),
		Payload:   payload,
	}, nil
}

// CanonicalCategory lower-cases c and snaps near-misses ("groceris",
// "Subscriptons") onto the closest known category.
func CanonicalCategory(c string) string {
	c = strings.ToLower(strings.TrimSpace(c))
	if c == "" || incident.Family(c) != "" {
		return c
	}
	best, bestScore := "", 0.0
	for _, known := range incident.KnownCategories() {
		if s := matchr.JaroWinkler(c, known, false); s > bestScore || (s == bestScore && known < best) {
			best, bestScore = known, s
		}
	}
	if bestScore >= categoryThreshold {
		return best
	}
	return c
}

func stringify(v any) string {
	switch x := v.(type) {
	case nil:
		return ""
	case string:
		return x
	case float64:
		return strconv.FormatFloat(x, 'f', -1, 64)
	case int:
		return strconv.Itoa(x)
	case int64:
		return strconv.FormatInt(x, 10)
	default:
		return fmt.Sprint(x)
	}
}

// toFloat rejects NaN and infinities so they never reach the vitals math.
func toFloat(v any) (float64, bool) {
	f, ok := rawFloat(v)
	if !ok || math.IsNaN(f) || math.IsInf(f, 0) {
		return 0, false
	}
	return f, true
}

func rawFloat(v any) (float64, bool) {
	switch x := v.(type) {
	case float64:
		return x, true
	case float32:
		return float64(x), true
	case int:
		return float64(x), true
	case int64:
		return float64(x), true
	case string:
		f, err := strconv.ParseFloat(strings.TrimSpace(strings.TrimPrefix(x, "$")), 64)
		return f, err == nil
	}
	return 0, false
}

func toInt64(v any) (int64, bool) {
	switch x := v.(type) {
	case int64:
		return x, true
	case int:
		return int64(x), true
	case float64:
		return int64(x), true
	case string:
		n, err := strconv.ParseInt(strings.TrimSpace(x), 10, 64)
		return n, err == nil
	}
	return 0, false
}
