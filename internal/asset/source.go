package asset

import (
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"net/http"
	"net/url"
	"os"
	"strings"
	"time"

	"github.com/MrWong99/stagecraft/internal/resilience"
)

// ErrNotFound is returned by a [Source] when the requested file does not
// exist. The resolver treats it as "no manifest here", never as a failure.
var ErrNotFound = errors.New("asset: not found")

// maxManifestBytes bounds how much of a remote manifest is read.
const maxManifestBytes = 4 << 20

// Source fetches files relative to the asset storage root.
type Source interface {
	// Fetch returns the content of the slash-separated path p. A missing file
	// yields an error matching [ErrNotFound].
	Fetch(ctx context.Context, p string) ([]byte, error)
}

// ── Filesystem ──────────────────────────────────────────────────────────────

// FSSource reads assets from an [fs.FS].
type FSSource struct {
	fsys fs.FS
}

var _ Source = (*FSSource)(nil)

// NewFSSource wraps fsys.
func NewFSSource(fsys fs.FS) *FSSource {
	return &FSSource{fsys: fsys}
}

// NewDirSource reads assets below dir on the local filesystem.
func NewDirSource(dir string) *FSSource {
	return NewFSSource(os.DirFS(dir))
}

// Fetch implements [Source].
func (s *FSSource) Fetch(ctx context.Context, p string) ([]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	data, err := fs.ReadFile(s.fsys, p)
	if errors.Is(err, fs.ErrNotExist) || errors.Is(err, fs.ErrInvalid) {
		return nil, fmt.Errorf("asset: read %q: %w", p, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("asset: read %q: %w", p, err)
	}
	return data, nil
}

// ── HTTP ────────────────────────────────────────────────────────────────────

// HTTPSource fetches assets from a remote mirror.
type HTTPSource struct {
	base   *url.URL
	client *http.Client
}

var _ Source = (*HTTPSource)(nil)

// HTTPOption configures an [HTTPSource].
type HTTPOption func(*HTTPSource)

// WithHTTPClient replaces the default client (10s timeout).
func WithHTTPClient(c *http.Client) HTTPOption {
	return func(s *HTTPSource) { s.client = c }
}

// NewHTTPSource creates a source rooted at baseURL.
func NewHTTPSource(baseURL string, opts ...HTTPOption) (*HTTPSource, error) {
	u, err := url.Parse(baseURL)
	if err != nil {
		return nil, fmt.Errorf("asset: parse base url: %w", err)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return nil, fmt.Errorf("asset: base url %q: scheme must be http or https", baseURL)
	}
	s := &HTTPSource{
		base:   u,
		client: &http.Client{Timeout: 10 * time.Second},
	}
	for _, o := range opts {
		o(s)
	}
	return s, nil
}

// Fetch implements [Source]. A 404 maps to [ErrNotFound]; any other non-2xx
// status is an error.
func (s *HTTPSource) Fetch(ctx context.Context, p string) ([]byte, error) {
	u := s.base.JoinPath(strings.Split(p, "/")...)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u.String(), nil)
	if err != nil {
		return nil, fmt.Errorf("asset: fetch %q: %w", p, err)
	}
	resp, err := s.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("asset: fetch %q: %w", p, err)
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusNotFound:
		return nil, fmt.Errorf("asset: fetch %q: %w", p, ErrNotFound)
	case resp.StatusCode < 200 || resp.StatusCode > 299:
		return nil, fmt.Errorf("asset: fetch %q: unexpected status %s", p, resp.Status)
	}
	data, err := io.ReadAll(io.LimitReader(resp.Body, maxManifestBytes))
	if err != nil {
		return nil, fmt.Errorf("asset: fetch %q: read body: %w", p, err)
	}
	return data, nil
}

// ── Failover ────────────────────────────────────────────────────────────────

// NamedSource labels a [Source] inside a [FallbackSource].
type NamedSource struct {
	Name   string
	Source Source
}

// FallbackSource tries several sources in order, each behind its own circuit
// breaker. A source answering [ErrNotFound] is not counted as failing, so a
// sparse mirror does not trip its breaker.
type FallbackSource struct {
	chain *resilience.Chain[Source]
}

var _ Source = (*FallbackSource)(nil)

// NewFallbackSource builds a failover chain. At least one source is required.
func NewFallbackSource(cb resilience.CircuitBreakerConfig, sources ...NamedSource) (*FallbackSource, error) {
	cb.Benign = func(err error) bool { return errors.Is(err, ErrNotFound) }
	members := make([]resilience.Member[Source], len(sources))
	for i, s := range sources {
		members[i] = resilience.Member[Source]{Name: s.Name, Value: s.Source}
	}
	chain, err := resilience.NewChain(cb, members...)
	if err != nil {
		return nil, fmt.Errorf("asset: %w", err)
	}
	return &FallbackSource{chain: chain}, nil
}

// Fetch implements [Source]. When every source fails the last error is
// wrapped, so a chain that only saw missing files still matches
// [ErrNotFound].
func (s *FallbackSource) Fetch(ctx context.Context, p string) ([]byte, error) {
	return resilience.Try(ctx, s.chain, func(src Source) ([]byte, error) {
		return src.Fetch(ctx, p)
	})
}

// Status reports the breaker state of every source.
func (s *FallbackSource) Status() []resilience.EntryStatus {
	return s.chain.Status()
}
