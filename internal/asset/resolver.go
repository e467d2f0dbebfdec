// Package asset picks the best visual asset for a [types.Recipe].
//
// A [Resolver] probes manifest folders from the most specific
// (beatType/phase/region) to the universal idle fallback, filters every item
// against the recipe's hard constraints, scores the survivors and returns the
// deterministic arg-max. Recently picked assets are penalised so repeated
// incidents rotate through equally good candidates.
//
// Manifests are cached per resolver instance with a TTL; absent and empty
// manifests are cached too. Nothing is shared between instances.
package asset

import (
	"context"
	"errors"
	"log/slog"
	"path"
	"slices"
	"strings"
	"sync"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/errgroup"

	"github.com/MrWong99/stagecraft/internal/asset/manifest"
	"github.com/MrWong99/stagecraft/internal/clock"
	"github.com/MrWong99/stagecraft/internal/observe"
	"github.com/MrWong99/stagecraft/pkg/types"
)

const (
	// ManifestFile is the manifest name inside every probe folder.
	ManifestFile = "manifest.json"

	// IdleBeat is the universal fallback folder.
	IdleBeat = "idle"

	// DefaultCacheTTL is how long a loaded manifest stays fresh.
	DefaultCacheTTL = 5 * time.Minute

	// DefaultRecencySize is the length of the recently-picked list.
	DefaultRecencySize = 10

	// DefaultPublicPrefix is prepended to resolved asset paths.
	DefaultPublicPrefix = "/assets"

	// earlyStopLevel is the probe level at which a found candidate ends the
	// search.
	earlyStopLevel = 2

	// prewarmConcurrency bounds parallel manifest loads in Prewarm.
	prewarmConcurrency = 4
)

// Scoring weights.
const (
	dimensionScore   = 10.0
	positionPenalty  = 0.5
	idlePathScore    = 1.0
	timeBucketBonus  = 2.0
	intensityBonus   = 1.0
	preferredTagHit  = 1.0
	requiredTagBonus = 3.0
	recencyFloor     = 0.3
)

// Result is the outcome of a resolution. When Success is false the caller is
// expected to fall back to a static placeholder.
type Result struct {
	Success       bool    `json:"success"`
	URL           string  `json:"url,omitempty"`
	AssetID       string  `json:"assetId,omitempty"`
	Path          string  `json:"path,omitempty"`
	FallbackLevel int     `json:"fallbackLevel"`
	Score         float64 `json:"score"`
}

// Stats is a snapshot of the resolver's caches.
type Stats struct {
	Manifests int      `json:"manifests"`
	Negative  int      `json:"negative"`
	Recent    []string `json:"recent"`
}

type cacheEntry struct {
	m       *manifest.Manifest // nil for absent or empty manifests
	expires time.Time
}

// Resolver selects assets for recipes. It is safe for concurrent use;
// resolutions are serialised so the recency list evolves deterministically.
type Resolver struct {
	src          Source
	clk          clock.Clock
	ttl          time.Duration
	recencySize  int
	publicPrefix string
	metrics      *observe.Metrics

	resolveMu sync.Mutex

	mu        sync.Mutex
	cache     map[string]cacheEntry
	available map[string]bool
	recent    []string // most recent first
}

// Option configures a [Resolver].
type Option func(*Resolver)

// WithClock sets the clock used for cache expiry.
func WithClock(c clock.Clock) Option {
	return func(r *Resolver) { r.clk = c }
}

// WithCacheTTL sets the manifest cache TTL.
func WithCacheTTL(d time.Duration) Option {
	return func(r *Resolver) {
		if d > 0 {
			r.ttl = d
		}
	}
}

// WithRecencySize sets the length of the repetition-penalty window.
func WithRecencySize(n int) Option {
	return func(r *Resolver) {
		if n > 0 {
			r.recencySize = n
		}
	}
}

// WithPublicPrefix sets the URL prefix of resolved assets.
func WithPublicPrefix(p string) Option {
	return func(r *Resolver) { r.publicPrefix = strings.TrimRight(p, "/") }
}

// WithMetrics sets the metrics sink. Default: [observe.DefaultMetrics].
func WithMetrics(m *observe.Metrics) Option {
	return func(r *Resolver) { r.metrics = m }
}

// New creates a Resolver reading manifests from src.
func New(src Source, opts ...Option) *Resolver {
	r := &Resolver{
		src:          src,
		clk:          clock.Real(),
		ttl:          DefaultCacheTTL,
		recencySize:  DefaultRecencySize,
		publicPrefix: DefaultPublicPrefix,
		cache:        make(map[string]cacheEntry),
		available:    make(map[string]bool),
	}
	for _, o := range opts {
		o(r)
	}
	if r.metrics == nil {
		r.metrics = observe.DefaultMetrics()
	}
	return r
}

// ── Resolution ──────────────────────────────────────────────────────────────

// Resolve picks the best asset for rc and records it as recently used.
func (r *Resolver) Resolve(ctx context.Context, rc types.Recipe) Result {
	r.resolveMu.Lock()
	defer r.resolveMu.Unlock()

	start := r.clk.Now()
	ctx, span := observe.StartSpan(ctx, "asset.Resolve", trace.WithAttributes(
		attribute.String("beat_type", rc.BeatType),
		attribute.String("activity_phase", rc.ActivityPhase),
		attribute.String("region", rc.Region),
	))
	defer span.End()

	res := r.pick(ctx, rc, (*manifest.Manifest).Candidates)
	if res.Success {
		r.remember(res.AssetID)
	} else {
		observe.Logger(ctx).Debug("no asset for recipe", "beat_type", rc.BeatType, "phase", rc.ActivityPhase, "region", rc.Region)
	}

	span.SetAttributes(
		attribute.Bool("success", res.Success),
		attribute.Int("fallback_level", res.FallbackLevel),
		attribute.String("asset_id", res.AssetID),
	)
	r.metrics.RecordResolve(ctx, res.Success, res.FallbackLevel, r.clk.Now().Sub(start).Seconds())
	return res
}

// ResolveLayers picks one asset per compositing layer from layered
// manifests. Layers without a surviving candidate are absent from the map.
// The recency list is consulted but not updated.
func (r *Resolver) ResolveLayers(ctx context.Context, rc types.Recipe) map[manifest.Layer]Result {
	r.resolveMu.Lock()
	defer r.resolveMu.Unlock()

	ctx, span := observe.StartSpan(ctx, "asset.ResolveLayers", trace.WithAttributes(
		attribute.String("beat_type", rc.BeatType),
	))
	defer span.End()

	out := make(map[manifest.Layer]Result)
	for _, l := range manifest.Layers {
		res := r.pick(ctx, rc, func(m *manifest.Manifest) []manifest.Item {
			if !m.SupportsLayers() {
				return nil
			}
			return m.Layer(l)
		})
		if res.Success {
			out[l] = res
		}
	}
	span.SetAttributes(attribute.Int("layers", len(out)))
	return out
}

// pick runs the probe loop over the items that candidates selects from each
// manifest.
func (r *Resolver) pick(ctx context.Context, rc types.Recipe, candidates func(*manifest.Manifest) []manifest.Item) Result {
	q := newQuery(rc)
	r.mu.Lock()
	recent := slices.Clone(r.recent)
	window, prefix := r.recencySize, r.publicPrefix
	r.mu.Unlock()

	var best Result
	for level, p := range probePaths(rc) {
		m := r.load(ctx, p.path)
		if m != nil {
			bucket, tier := q.bucket, q.tier
			if m.Defaults != nil {
				if bucket == "" {
					bucket = strings.ToLower(m.Defaults.TimeBucket)
				}
				if tier == 0 {
					tier = m.Defaults.Intensity
				}
			}
			for _, it := range candidates(m) {
				score, ok := q.score(it, p.score, bucket, tier)
				if !ok {
					continue
				}
				score *= recencyFactor(recent, it.ID, window)
				if !best.Success || score > best.Score {
					best = Result{
						Success:       true,
						URL:           prefix + "/" + path.Join(p.path, it.Filename),
						AssetID:       it.ID,
						Path:          p.path,
						FallbackLevel: level,
						Score:         score,
					}
				}
			}
		}
		if best.Success && level >= earlyStopLevel {
			break
		}
	}
	return best
}

// ── Probe paths ─────────────────────────────────────────────────────────────

type probe struct {
	path  string
	score float64
}

// probePaths lists the folders to search, most specific first.
func probePaths(rc types.Recipe) []probe {
	beat, phase, region := segment(rc.BeatType), segment(rc.ActivityPhase), segment(rc.Region)

	type cand struct {
		path string
		dims int
	}
	var cands []cand
	if beat != "" {
		if phase != "" && region != "" {
			cands = append(cands, cand{beat + "/" + phase + "/" + region, 3})
		}
		if phase != "" {
			cands = append(cands, cand{beat + "/" + phase, 2})
		}
		cands = append(cands, cand{beat, 1})
	}
	if beat != IdleBeat {
		cands = append(cands, cand{IdleBeat, 0})
	}

	out := make([]probe, len(cands))
	for i, c := range cands {
		s := idlePathScore
		if c.dims > 0 {
			s = float64(c.dims)*dimensionScore - float64(i)*positionPenalty
		}
		out[i] = probe{path: c.path, score: s}
	}
	slices.SortStableFunc(out, func(a, b probe) int {
		switch {
		case a.score > b.score:
			return -1
		case a.score < b.score:
			return 1
		}
		return 0
	})
	return out
}

// segment normalises one path component. Components that could escape the
// asset root are dropped.
func segment(s string) string {
	s = strings.ToLower(strings.TrimSpace(s))
	if s == "." || s == ".." || strings.ContainsAny(s, `/\`) {
		return ""
	}
	return s
}

// ── Scoring ─────────────────────────────────────────────────────────────────

type query struct {
	bucket    string
	tier      int
	required  []string
	preferred []string
	exclude   []string
	active    []string
}

func newQuery(rc types.Recipe) query {
	return query{
		bucket:    strings.ToLower(strings.TrimSpace(rc.TimeBucket)),
		tier:      rc.IntensityTier,
		required:  lowerAll(rc.RequiredTags),
		preferred: lowerAll(rc.PreferredTags),
		exclude:   lowerAll(rc.ExcludeTags),
		active:    lowerAll(rc.ActiveTags),
	}
}

// score applies the hard constraints and returns the weighted score of it,
// or false when it is disqualified. Time bucket and intensity only filter
// when the item declares them; a satisfied declaration earns a bonus.
func (q query) score(it manifest.Item, base float64, bucket string, tier int) (float64, bool) {
	c := it.Constraints
	for _, t := range c.RequireWith {
		if !slices.Contains(q.active, t) {
			return 0, false
		}
	}
	for _, t := range c.ExcludeWith {
		if slices.Contains(q.active, t) {
			return 0, false
		}
	}
	for _, t := range q.required {
		if !it.HasTag(t) {
			return 0, false
		}
	}
	for _, t := range q.exclude {
		if it.HasTag(t) {
			return 0, false
		}
	}

	s := base
	if len(c.TimeBuckets) > 0 && bucket != "" {
		if !slices.Contains(c.TimeBuckets, bucket) {
			return 0, false
		}
		s += timeBucketBonus
	}
	if c.DeclaresIntensity() && tier > 0 {
		if tier < c.MinIntensity || tier > c.MaxIntensity {
			return 0, false
		}
		s += intensityBonus
	}
	for _, t := range q.preferred {
		if it.HasTag(t) {
			s += preferredTagHit
		}
	}
	s += requiredTagBonus * float64(len(q.required))
	return s * it.Weight, true
}

// recencyFactor scales a recently picked item: 0.3 for the latest pick,
// rising linearly to 1 at the edge of the window.
func recencyFactor(recent []string, id string, window int) float64 {
	i := slices.Index(recent, id)
	if i < 0 || window <= 0 {
		return 1
	}
	return recencyFloor + (1-recencyFloor)*float64(i)/float64(window)
}

func lowerAll(in []string) []string {
	if len(in) == 0 {
		return nil
	}
	out := make([]string, 0, len(in))
	for _, s := range in {
		if s = strings.ToLower(strings.TrimSpace(s)); s != "" {
			out = append(out, s)
		}
	}
	return out
}

// ── Recency ─────────────────────────────────────────────────────────────────

func (r *Resolver) remember(id string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.recent = slices.DeleteFunc(r.recent, func(s string) bool { return s == id })
	r.recent = slices.Insert(r.recent, 0, id)
	if len(r.recent) > r.recencySize {
		r.recent = r.recent[:r.recencySize]
	}
}

// ── Manifest cache ──────────────────────────────────────────────────────────

// load returns the manifest at folder p, or nil when it is absent, empty or
// unreadable. Missing and malformed manifests are cached; transient fetch
// errors are not.
func (r *Resolver) load(ctx context.Context, p string) *manifest.Manifest {
	m, _ := r.loadErr(ctx, p)
	return m
}

func (r *Resolver) loadErr(ctx context.Context, p string) (*manifest.Manifest, error) {
	now := r.clk.Now()
	r.mu.Lock()
	src := r.src
	if e, ok := r.cache[p]; ok && now.Before(e.expires) {
		r.mu.Unlock()
		if e.m == nil {
			r.metrics.RecordManifestCache(ctx, "negative")
		} else {
			r.metrics.RecordManifestCache(ctx, "hit")
		}
		return e.m, nil
	}
	r.mu.Unlock()
	r.metrics.RecordManifestCache(ctx, "miss")

	data, err := src.Fetch(ctx, p+"/"+ManifestFile)
	var m *manifest.Manifest
	switch {
	case errors.Is(err, ErrNotFound):
	case err != nil:
		observe.Logger(ctx).Warn("manifest fetch failed", "path", p, "err", err)
		return nil, err
	default:
		m, err = manifest.NormalizeManifest(data, p)
		if err != nil {
			observe.Logger(ctx).Warn("malformed manifest", "path", p, "err", err)
			m = nil
		}
	}
	if !m.HasAssets() {
		m = nil
	}

	r.mu.Lock()
	r.cache[p] = cacheEntry{m: m, expires: r.clk.Now().Add(r.ttl)}
	r.available[p] = m != nil
	r.mu.Unlock()
	return m, nil
}

// Available reports whether the folder p held assets when it was last
// loaded. known is false when p has not been probed since the last
// [Resolver.ClearCache].
func (r *Resolver) Available(p string) (available, known bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	available, known = r.available[p]
	return available, known
}

// Prewarm loads the top-level manifest of every beat type concurrently.
// Missing manifests are not errors; the first transient fetch error is
// returned after all loads finish.
func (r *Resolver) Prewarm(ctx context.Context, beatTypes []string) error {
	g, ctx := errgroup.WithContext(ctx)
	g.SetLimit(prewarmConcurrency)
	seen := make(map[string]bool, len(beatTypes))
	for _, b := range beatTypes {
		p := segment(b)
		if p == "" || seen[p] {
			continue
		}
		seen[p] = true
		g.Go(func() error {
			_, err := r.loadErr(ctx, p)
			return err
		})
	}
	err := g.Wait()
	slog.Info("asset manifests prewarmed", "beat_types", len(seen), "err", err)
	return err
}

// ClearCache drops every cached manifest, the availability index and the
// recency list.
func (r *Resolver) ClearCache() {
	r.mu.Lock()
	defer r.mu.Unlock()
	clear(r.cache)
	clear(r.available)
	r.recent = nil
}

// Reconfigure swaps the manifest source and applies opts, then clears every
// cache. A nil src keeps the current source. [WithClock] and [WithMetrics]
// are ignored here.
func (r *Resolver) Reconfigure(src Source, opts ...Option) {
	next := &Resolver{ttl: DefaultCacheTTL, recencySize: DefaultRecencySize, publicPrefix: DefaultPublicPrefix}
	for _, o := range opts {
		o(next)
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if src != nil {
		r.src = src
	}
	r.ttl = next.ttl
	r.recencySize = next.recencySize
	r.publicPrefix = next.publicPrefix
	clear(r.cache)
	clear(r.available)
	r.recent = nil
}

// Stats returns a snapshot of the caches.
func (r *Resolver) Stats() Stats {
	r.mu.Lock()
	defer r.mu.Unlock()
	st := Stats{Recent: slices.Clone(r.recent)}
	for _, e := range r.cache {
		if e.m == nil {
			st.Negative++
		} else {
			st.Manifests++
		}
	}
	return st
}
