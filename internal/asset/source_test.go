package asset_test

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"testing/fstest"
	"time"

	"github.com/MrWong99/stagecraft/internal/asset"
	"github.com/MrWong99/stagecraft/internal/clock/mock"
	"github.com/MrWong99/stagecraft/internal/resilience"
	"github.com/MrWong99/stagecraft/pkg/types"
)

func TestFSSource(t *testing.T) {
	t.Parallel()
	src := asset.NewFSSource(fstest.MapFS{"combat/manifest.json": file(`["a.png"]`)})

	data, err := src.Fetch(context.Background(), "combat/manifest.json")
	if err != nil || string(data) != `["a.png"]` {
		t.Fatalf("Fetch = %q, %v", data, err)
	}
	if _, err := src.Fetch(context.Background(), "social/manifest.json"); !errors.Is(err, asset.ErrNotFound) {
		t.Errorf("missing file: err = %v, want ErrNotFound", err)
	}
	if _, err := src.Fetch(context.Background(), "../secret"); !errors.Is(err, asset.ErrNotFound) {
		t.Errorf("invalid path: err = %v, want ErrNotFound", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if _, err := src.Fetch(ctx, "combat/manifest.json"); !errors.Is(err, context.Canceled) {
		t.Errorf("cancelled ctx: err = %v", err)
	}
}

func TestDirSource(t *testing.T) {
	t.Parallel()
	src := asset.NewDirSource(t.TempDir())
	if _, err := src.Fetch(context.Background(), "idle/manifest.json"); !errors.Is(err, asset.ErrNotFound) {
		t.Errorf("err = %v, want ErrNotFound", err)
	}
}

func newMirror(t *testing.T) *httptest.Server {
	t.Helper()
	mux := http.NewServeMux()
	mux.HandleFunc("GET /stage/combat/manifest.json", func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"items": [{"id": "remote", "filename": "r.png"}]}`))
	})
	mux.HandleFunc("GET /stage/broken/manifest.json", func(w http.ResponseWriter, _ *http.Request) {
		http.Error(w, "upstream", http.StatusBadGateway)
	})
	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)
	return srv
}

func TestHTTPSource(t *testing.T) {
	t.Parallel()
	srv := newMirror(t)
	src, err := asset.NewHTTPSource(srv.URL+"/stage", asset.WithHTTPClient(srv.Client()))
	if err != nil {
		t.Fatalf("NewHTTPSource: %v", err)
	}

	if _, err := src.Fetch(context.Background(), "combat/manifest.json"); err != nil {
		t.Errorf("existing manifest: %v", err)
	}
	if _, err := src.Fetch(context.Background(), "social/manifest.json"); !errors.Is(err, asset.ErrNotFound) {
		t.Errorf("404: err = %v, want ErrNotFound", err)
	}
	_, err = src.Fetch(context.Background(), "broken/manifest.json")
	if err == nil || errors.Is(err, asset.ErrNotFound) {
		t.Errorf("502: err = %v, want a non-ErrNotFound error", err)
	}
}

func TestNewHTTPSource_RejectsBadURL(t *testing.T) {
	t.Parallel()
	for _, u := range []string{"ftp://mirror", "::bad", ""} {
		if _, err := asset.NewHTTPSource(u); err == nil {
			t.Errorf("NewHTTPSource(%q): expected error", u)
		}
	}
}

func TestResolver_OverHTTP(t *testing.T) {
	t.Parallel()
	srv := newMirror(t)
	src, err := asset.NewHTTPSource(srv.URL+"/stage", asset.WithHTTPClient(srv.Client()))
	if err != nil {
		t.Fatalf("NewHTTPSource: %v", err)
	}
	r := asset.New(src)

	res := r.Resolve(context.Background(), focusRecipe)
	if res.AssetID != "remote" || res.FallbackLevel != 2 {
		t.Errorf("got %+v, want remote at level 2", res)
	}
}

func TestFallbackSource(t *testing.T) {
	t.Parallel()
	srv := newMirror(t)
	mirror, err := asset.NewHTTPSource(srv.URL+"/stage", asset.WithHTTPClient(srv.Client()))
	if err != nil {
		t.Fatalf("NewHTTPSource: %v", err)
	}
	local := asset.NewFSSource(fstest.MapFS{
		"social/manifest.json": file(`["tavern.png"]`),
		"broken/manifest.json": file(`["local.png"]`),
	})
	clk := mock.New(time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC))
	src, err := asset.NewFallbackSource(
		resilience.CircuitBreakerConfig{MaxFailures: 2, ResetTimeout: time.Minute, Clock: clk},
		asset.NamedSource{Name: "mirror", Source: mirror},
		asset.NamedSource{Name: "local", Source: local},
	)
	if err != nil {
		t.Fatalf("NewFallbackSource: %v", err)
	}
	ctx := context.Background()

	if data, err := src.Fetch(ctx, "combat/manifest.json"); err != nil || len(data) == 0 {
		t.Errorf("mirror hit: %q, %v", data, err)
	}
	// 404 on the mirror falls through to local without tripping the breaker.
	for range 3 {
		if _, err := src.Fetch(ctx, "social/manifest.json"); err != nil {
			t.Fatalf("local fallback: %v", err)
		}
	}
	if st := src.Status(); st[0].State != "closed" {
		t.Errorf("mirror breaker = %s after 404s, want closed", st[0].State)
	}
	if _, err := src.Fetch(ctx, "nowhere/manifest.json"); !errors.Is(err, asset.ErrNotFound) {
		t.Errorf("missing everywhere: err = %v, want ErrNotFound", err)
	}

	// Real mirror failures open its breaker.
	for range 2 {
		if _, err := src.Fetch(ctx, "broken/manifest.json"); err != nil {
			t.Fatalf("broken via local: %v", err)
		}
	}
	if st := src.Status(); st[0].State != "open" || st[1].State != "closed" {
		t.Errorf("status = %+v, want mirror open", st)
	}

	if _, err := asset.NewFallbackSource(resilience.CircuitBreakerConfig{}); err == nil {
		t.Error("expected error for empty chain")
	}
}

func TestResolver_FallbackSourceIntegration(t *testing.T) {
	t.Parallel()
	local := asset.NewFSSource(fstest.MapFS{"social/manifest.json": file(`["tavern.png"]`)})
	src, err := asset.NewFallbackSource(resilience.CircuitBreakerConfig{},
		asset.NamedSource{Name: "local", Source: local})
	if err != nil {
		t.Fatalf("NewFallbackSource: %v", err)
	}
	r := asset.New(src)
	res := r.Resolve(context.Background(), types.Recipe{BeatType: "social", ActivityPhase: "focus"})
	if res.AssetID != "tavern" || res.FallbackLevel != 1 {
		t.Errorf("got %+v, want tavern at level 1", res)
	}
	if st := r.Stats(); st.Manifests != 1 || st.Negative != 2 {
		t.Errorf("stats = %+v, want social cached and the phase and idle folders negative", st)
	}
}
