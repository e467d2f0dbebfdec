// Package manifest parses asset manifests into a single normalised schema.
//
// Three on-disk shapes exist. V1 is a plain list of filenames (either a bare
// JSON array or a "backgrounds" list). V2 declares "items" objects carrying
// tags, weight and constraints. V3 adds per-layer item lists under "layers".
// [Parse] sniffs the shape and returns a [Document], a tagged union of
// [V1], [V2] and [V3]; [Normalize] turns any of them into a [Manifest].
package manifest

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"maps"
	"slices"
	"strings"
)

// ErrUnsupportedVersion is returned for an explicit version outside 1–3.
var ErrUnsupportedVersion = errors.New("manifest: unsupported version")

// Document is a parsed, not yet normalised manifest. It is one of [V1],
// [V2] or [V3].
type Document interface {
	// Version returns the schema version of the document.
	Version() int
	isDocument()
}

// V1 is a plain filename list.
type V1 struct {
	Filenames []string
	Defaults  *Defaults
}

// V2 is a flat list of described items plus optional legacy filenames.
type V2 struct {
	Items    []RawItem
	Legacy   []string
	Defaults *Defaults
}

// V3 is a layered manifest. Items is the non-layered fallback list.
type V3 struct {
	Layers   map[Layer][]RawItem
	Items    []RawItem
	Legacy   []string
	Defaults *Defaults
}

func (V1) Version() int { return 1 }
func (V2) Version() int { return 2 }
func (V3) Version() int { return 3 }

func (V1) isDocument() {}
func (V2) isDocument() {}
func (V3) isDocument() {}

// RawItem is an item as declared on disk. Constraint fields may appear
// either at the top level or nested under "constraints".
type RawItem struct {
	ID          string          `json:"id"`
	Filename    string          `json:"filename"`
	File        string          `json:"file"`
	Tags        []string        `json:"tags"`
	Weight      *float64        `json:"weight"`
	Constraints *RawConstraints `json:"constraints"`

	RawConstraints

	object bool
}

// RawConstraints are the declared item constraints.
type RawConstraints struct {
	MinIntensity *int     `json:"minIntensity"`
	MaxIntensity *int     `json:"maxIntensity"`
	TimeBuckets  []string `json:"timeBuckets"`
	ExcludeWith  []string `json:"excludeWith"`
	RequireWith  []string `json:"requireWith"`
}

// envelope is the union of every top-level key any version may carry.
type envelope struct {
	Version     *int                       `json:"version"`
	Items       []json.RawMessage          `json:"items"`
	Layers      map[string]json.RawMessage `json:"layers"`
	Backgrounds []string                   `json:"backgrounds"`
	Defaults    *Defaults                  `json:"defaults"`
}

// Parse decodes data and detects its version: an explicit "version" wins;
// otherwise a "layers" object means V3, "items" given as objects (filename,
// tags, weight) mean V2, and anything else is V1.
func Parse(data []byte) (Document, error) {
	data = bytes.TrimSpace(data)
	if len(data) == 0 {
		return V1{}, nil
	}
	if data[0] == '[' {
		var list []json.RawMessage
		if err := json.Unmarshal(data, &list); err != nil {
			return nil, fmt.Errorf("manifest: parse: %w", err)
		}
		items, err := decodeItems(list)
		if err != nil {
			return nil, err
		}
		return V1{Filenames: filenames(items)}, nil
	}

	var env envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return nil, fmt.Errorf("manifest: parse: %w", err)
	}
	items, err := decodeItems(env.Items)
	if err != nil {
		return nil, err
	}

	version := sniff(env, items)
	if env.Version != nil {
		version = *env.Version
	}

	switch version {
	case 1:
		return V1{Filenames: append(filenames(items), env.Backgrounds...), Defaults: env.Defaults}, nil
	case 2:
		return V2{Items: items, Legacy: env.Backgrounds, Defaults: env.Defaults}, nil
	case 3:
		layers := make(map[Layer][]RawItem, len(env.Layers))
		for _, name := range slices.Sorted(maps.Keys(env.Layers)) {
			raw := env.Layers[name]
			var list []json.RawMessage
			if err := json.Unmarshal(raw, &list); err != nil {
				return nil, fmt.Errorf("manifest: parse layer %q: %w", name, err)
			}
			li, err := decodeItems(list)
			if err != nil {
				return nil, fmt.Errorf("manifest: parse layer %q: %w", name, err)
			}
			l := Layer(strings.ToLower(strings.TrimSpace(name)))
			if !slices.Contains(Layers, l) {
				slog.Warn("manifest: ignoring unknown layer", "layer", name, "items", len(li))
				continue
			}
			layers[l] = append(layers[l], li...)
		}
		return V3{Layers: layers, Items: items, Legacy: env.Backgrounds, Defaults: env.Defaults}, nil
	default:
		return nil, fmt.Errorf("%w: %d", ErrUnsupportedVersion, version)
	}
}

func sniff(env envelope, items []RawItem) int {
	if env.Layers != nil {
		return 3
	}
	for _, it := range items {
		if it.object {
			return 2
		}
	}
	return 1
}

// decodeItems accepts a mix of filename strings and item objects.
func decodeItems(list []json.RawMessage) ([]RawItem, error) {
	out := make([]RawItem, 0, len(list))
	for i, raw := range list {
		raw = bytes.TrimSpace(raw)
		if len(raw) > 0 && raw[0] == '"' {
			var name string
			if err := json.Unmarshal(raw, &name); err != nil {
				return nil, fmt.Errorf("manifest: item %d: %w", i, err)
			}
			out = append(out, RawItem{Filename: name})
			continue
		}
		var it RawItem
		if err := json.Unmarshal(raw, &it); err != nil {
			return nil, fmt.Errorf("manifest: item %d: %w", i, err)
		}
		it.object = true
		out = append(out, it)
	}
	return out, nil
}

func (it RawItem) filename() string {
	if it.Filename != "" {
		return it.Filename
	}
	return it.File
}

func filenames(items []RawItem) []string {
	out := make([]string, 0, len(items))
	for _, it := range items {
		if f := it.filename(); f != "" {
			out = append(out, f)
		}
	}
	return out
}
