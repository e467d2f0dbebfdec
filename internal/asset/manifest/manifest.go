package manifest

import (
	"path"
	"slices"
	"strings"
)

// Intensity bounds applied when an item declares none.
const (
	MinIntensity = 1
	MaxIntensity = 5
)

// LegacyWeight and LegacyTag mark plain filenames folded into V2/V3
// manifests.
const (
	LegacyWeight = 0.5
	LegacyTag    = "legacy"
)

// Layer names a composited render layer of a V3 manifest.
type Layer string

const (
	LayerBackground Layer = "background"
	LayerHero       Layer = "hero"
	LayerEnemy      Layer = "enemy"
	LayerVFX        Layer = "vfx"
	LayerForeground Layer = "foreground"
	LayerGrade      Layer = "grade"
)

// Layers lists the recognised layers in compositing order.
var Layers = []Layer{LayerBackground, LayerHero, LayerEnemy, LayerVFX, LayerForeground, LayerGrade}

// Constraints restrict when an item may be used.
type Constraints struct {
	MinIntensity int      `json:"minIntensity"`
	MaxIntensity int      `json:"maxIntensity"`
	TimeBuckets  []string `json:"timeBuckets"` // nil means any bucket
	ExcludeWith  []string `json:"excludeWith"`
	RequireWith  []string `json:"requireWith"`
}

// DeclaresIntensity reports whether the range is narrower than the default.
func (c Constraints) DeclaresIntensity() bool {
	return c.MinIntensity > MinIntensity || c.MaxIntensity < MaxIntensity
}

// Item is one candidate asset.
type Item struct {
	ID          string      `json:"id"`
	Filename    string      `json:"filename"`
	Tags        []string    `json:"tags"`
	Weight      float64     `json:"weight"`
	Constraints Constraints `json:"constraints"`
}

// HasTag reports whether the item carries tag.
func (it Item) HasTag(tag string) bool {
	return slices.Contains(it.Tags, tag)
}

// Defaults are applied by the resolver when a recipe leaves a dimension
// empty.
type Defaults struct {
	TimeBucket string `json:"timeBucket,omitempty"`
	Intensity  int    `json:"intensity,omitempty"`
}

// Manifest is the normalised form of any manifest version.
type Manifest struct {
	Version    int              `json:"version"`
	FolderPath string           `json:"folderPath"`
	Items      []Item           `json:"items"`
	Layers     map[Layer][]Item `json:"layers,omitempty"`
	Defaults   *Defaults        `json:"defaults,omitempty"`
}

// NormalizeManifest parses data and normalises it for folder.
func NormalizeManifest(data []byte, folder string) (*Manifest, error) {
	doc, err := Parse(data)
	if err != nil {
		return nil, err
	}
	return Normalize(doc, folder), nil
}

// Normalize converts a parsed document into a [Manifest].
func Normalize(doc Document, folder string) *Manifest {
	m := &Manifest{Version: doc.Version(), FolderPath: folder}
	switch d := doc.(type) {
	case V1:
		m.Defaults = d.Defaults
		for _, f := range d.Filenames {
			if f = strings.TrimSpace(f); f != "" {
				m.Items = appendPlain(m.Items, plainItem(f, 1, nil))
			}
		}
	case V2:
		m.Defaults = d.Defaults
		m.Items = normalizeItems(d.Items)
		m.Items = foldLegacy(m.Items, d.Legacy)
	case V3:
		m.Defaults = d.Defaults
		m.Items = foldLegacy(normalizeItems(d.Items), d.Legacy)
		for _, l := range Layers {
			if raw, ok := d.Layers[l]; ok {
				if items := normalizeItems(raw); len(items) > 0 {
					if m.Layers == nil {
						m.Layers = make(map[Layer][]Item)
					}
					m.Layers[l] = items
				}
			}
		}
	}
	return m
}

// Merge combines manifests in priority order (highest first). Items and
// layer entries are de-duplicated by id with the first occurrence winning;
// the result takes the highest version and the first non-nil defaults.
// Merge returns nil when every input is nil.
func Merge(list ...*Manifest) *Manifest {
	var out *Manifest
	for _, m := range list {
		if m == nil {
			continue
		}
		if out == nil {
			out = &Manifest{FolderPath: m.FolderPath}
		}
		out.Version = max(out.Version, m.Version)
		if out.Defaults == nil && m.Defaults != nil {
			d := *m.Defaults
			out.Defaults = &d
		}
		for _, it := range m.Items {
			out.Items = appendUnique(out.Items, it)
		}
		for l, items := range m.Layers {
			if out.Layers == nil {
				out.Layers = make(map[Layer][]Item)
			}
			for _, it := range items {
				out.Layers[l] = appendUnique(out.Layers[l], it)
			}
		}
	}
	return out
}

// HasAssets reports whether the manifest lists at least one item in any
// list.
func (m *Manifest) HasAssets() bool {
	if m == nil {
		return false
	}
	if len(m.Items) > 0 {
		return true
	}
	for _, items := range m.Layers {
		if len(items) > 0 {
			return true
		}
	}
	return false
}

// SupportsLayers reports whether the manifest has at least one populated
// layer.
func (m *Manifest) SupportsLayers() bool {
	if m == nil || m.Version < 3 {
		return false
	}
	for _, items := range m.Layers {
		if len(items) > 0 {
			return true
		}
	}
	return false
}

// Candidates returns the flat item list, falling back to the background
// layer for layered manifests without top-level items.
func (m *Manifest) Candidates() []Item {
	if m == nil {
		return nil
	}
	if len(m.Items) > 0 {
		return m.Items
	}
	return m.Layers[LayerBackground]
}

// Layer returns the items of layer l.
func (m *Manifest) Layer(l Layer) []Item {
	if m == nil {
		return nil
	}
	return m.Layers[l]
}

func normalizeItems(raw []RawItem) []Item {
	out := make([]Item, 0, len(raw))
	for _, r := range raw {
		it, ok := normalizeItem(r)
		if !ok {
			continue
		}
		if strings.TrimSpace(r.ID) == "" {
			out = appendPlain(out, it)
		} else {
			out = appendUnique(out, it)
		}
	}
	return out
}

// normalizeItem applies the per-item rules. Items without a filename or
// with a non-positive weight are dropped.
func normalizeItem(r RawItem) (Item, bool) {
	filename := strings.TrimSpace(r.filename())
	if filename == "" {
		return Item{}, false
	}
	weight := 1.0
	if r.Weight != nil {
		weight = *r.Weight
	}
	if weight <= 0 {
		return Item{}, false
	}
	it := plainItem(filename, weight, normTags(r.Tags))
	if id := strings.TrimSpace(r.ID); id != "" {
		it.ID = id
	}

	c := r.RawConstraints
	if r.Constraints != nil {
		c = mergeConstraints(*r.Constraints, c)
	}
	if c.MinIntensity != nil {
		it.Constraints.MinIntensity = clampIntensity(*c.MinIntensity)
	}
	if c.MaxIntensity != nil {
		it.Constraints.MaxIntensity = clampIntensity(*c.MaxIntensity)
	}
	if it.Constraints.MinIntensity > it.Constraints.MaxIntensity {
		it.Constraints.MinIntensity, it.Constraints.MaxIntensity = it.Constraints.MaxIntensity, it.Constraints.MinIntensity
	}
	if len(c.TimeBuckets) > 0 {
		it.Constraints.TimeBuckets = normTags(c.TimeBuckets)
	}
	it.Constraints.ExcludeWith = normTags(c.ExcludeWith)
	it.Constraints.RequireWith = normTags(c.RequireWith)
	return it, true
}

// mergeConstraints prefers nested values and fills gaps from top-level ones.
func mergeConstraints(nested, top RawConstraints) RawConstraints {
	if nested.MinIntensity == nil {
		nested.MinIntensity = top.MinIntensity
	}
	if nested.MaxIntensity == nil {
		nested.MaxIntensity = top.MaxIntensity
	}
	if nested.TimeBuckets == nil {
		nested.TimeBuckets = top.TimeBuckets
	}
	if nested.ExcludeWith == nil {
		nested.ExcludeWith = top.ExcludeWith
	}
	if nested.RequireWith == nil {
		nested.RequireWith = top.RequireWith
	}
	return nested
}

func plainItem(filename string, weight float64, tags []string) Item {
	if tags == nil {
		tags = []string{}
	}
	return Item{
		ID:       strings.TrimSuffix(path.Base(filename), path.Ext(filename)),
		Filename: filename,
		Tags:     tags,
		Weight:   weight,
		Constraints: Constraints{
			MinIntensity: MinIntensity,
			MaxIntensity: MaxIntensity,
			ExcludeWith:  []string{},
			RequireWith:  []string{},
		},
	}
}

func foldLegacy(items []Item, legacy []string) []Item {
	for _, f := range legacy {
		f = strings.TrimSpace(f)
		if f == "" {
			continue
		}
		items = appendPlain(items, plainItem(f, LegacyWeight, []string{LegacyTag}))
	}
	return items
}

// appendPlain adds an item whose id was derived from its filename. The same
// file listed twice collapses; a different file with the same stem (a.png
// next to a.jpg) keeps its extension in the id instead.
func appendPlain(items []Item, it Item) []Item {
	for _, x := range items {
		if x.ID == it.ID && x.Filename != it.Filename {
			it.ID = path.Base(it.Filename)
			break
		}
	}
	return appendUnique(items, it)
}

func appendUnique(items []Item, it Item) []Item {
	for _, x := range items {
		if x.ID == it.ID {
			return items
		}
	}
	return append(items, it)
}

func normTags(tags []string) []string {
	out := make([]string, 0, len(tags))
	for _, t := range tags {
		t = strings.ToLower(strings.TrimSpace(t))
		if t != "" && !slices.Contains(out, t) {
			out = append(out, t)
		}
	}
	return out
}

func clampIntensity(v int) int {
	return min(max(v, MinIntensity), MaxIntensity)
}
