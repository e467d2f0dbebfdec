// Package app wires all Stagecraft subsystems into a running application.
//
// The App struct owns the full lifecycle: New creates and connects all
// subsystems, Run serves the HTTP gateway and the background workers, and
// Shutdown tears everything down in order.
//
// For testing, inject doubles via functional options (WithClock,
// WithJournalStore, WithSender, WithSource, ...). When an option is not
// provided, New creates real implementations from the config.
package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"runtime/debug"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"golang.org/x/sync/errgroup"

	"github.com/MrWong99/stagecraft/internal/asset"
	"github.com/MrWong99/stagecraft/internal/clock"
	"github.com/MrWong99/stagecraft/internal/combat"
	"github.com/MrWong99/stagecraft/internal/config"
	"github.com/MrWong99/stagecraft/internal/episode"
	"github.com/MrWong99/stagecraft/internal/events"
	"github.com/MrWong99/stagecraft/internal/gateway"
	"github.com/MrWong99/stagecraft/internal/health"
	"github.com/MrWong99/stagecraft/internal/incident"
	"github.com/MrWong99/stagecraft/internal/journal"
	"github.com/MrWong99/stagecraft/internal/narrator"
	"github.com/MrWong99/stagecraft/internal/observe"
	"github.com/MrWong99/stagecraft/internal/resilience"
	"github.com/MrWong99/stagecraft/internal/signalq"
	"github.com/MrWong99/stagecraft/pkg/types"
)

const (
	serverShutdownTimeout = 10 * time.Second
	readHeaderTimeout     = 10 * time.Second

	// wedgeGrace is added to every phase delay before the readiness probe
	// reports the coordinator as stuck.
	wedgeGrace = 30 * time.Second
)

// App owns all subsystem lifetimes.
type App struct {
	cfg *config.Config

	clk      clock.Clock
	level    *slog.LevelVar
	bus      *events.Bus
	metrics  *observe.Metrics
	provider *observe.Provider

	// Subsystems, initialised in New and torn down in Shutdown.
	queue    *signalq.Queue
	coord    *episode.Coordinator
	assets   *liveSource
	resolver *asset.Resolver
	sim      *combat.Simulator
	store    journal.Store
	writer   *journal.Writer
	sender   narrator.Sender
	narr     *narrator.Narrator
	health   *health.Handler
	gateway  *gateway.Server
	server   *http.Server
	listener net.Listener

	watchPath     string
	watchInterval time.Duration
	watcher       *config.Watcher

	// mu guards cfg after New.
	mu sync.Mutex

	// closers are called in order during Shutdown.
	closers []func() error

	// stopOnce guards the Shutdown path.
	stopOnce sync.Once
}

// Option is a functional option for New. Use these to inject test doubles.
type Option func(*App)

// WithClock sets the clock driving every timer. Default: [clock.Real].
func WithClock(c clock.Clock) Option {
	return func(a *App) { a.clk = c }
}

// WithLevelVar lets hot reload change the level of the installed logger.
func WithLevelVar(v *slog.LevelVar) Option {
	return func(a *App) { a.level = v }
}

// WithMetrics injects a metrics sink instead of initialising the
// OpenTelemetry providers. /metrics is not served in that case.
func WithMetrics(m *observe.Metrics) Option {
	return func(a *App) { a.metrics = m }
}

// WithJournalStore injects a journal store instead of creating one from
// config.
func WithJournalStore(s journal.Store) Option {
	return func(a *App) { a.store = s }
}

// WithSender injects the narrator's Discord client. The narrator runs when
// discord.channel_id is set.
func WithSender(s narrator.Sender) Option {
	return func(a *App) { a.sender = s }
}

// WithSource injects the asset source instead of building the mirror and
// local chain from config.
func WithSource(src asset.Source) Option {
	return func(a *App) { a.assets = &liveSource{src: src} }
}

// WithListener serves the gateway on ln instead of server.listen_addr.
func WithListener(ln net.Listener) Option {
	return func(a *App) { a.listener = ln }
}

// WithConfigWatch polls path for changes and applies them with
// [App.ApplyConfig]. interval <= 0 keeps the watcher default.
func WithConfigWatch(path string, interval time.Duration) Option {
	return func(a *App) {
		a.watchPath = path
		a.watchInterval = interval
	}
}

// ─── New ─────────────────────────────────────────────────────────────────────

// New creates an App by wiring all subsystems together. Use Option functions
// to inject test doubles for any subsystem.
func New(ctx context.Context, cfg *config.Config, opts ...Option) (*App, error) {
	a := &App{
		cfg: cfg,
		clk: clock.Real(),
		bus: events.NewBus(),
	}
	for _, o := range opts {
		o(a)
	}

	// ── 1. Telemetry ─────────────────────────────────────────────────────
	if err := a.initTelemetry(ctx); err != nil {
		return nil, fmt.Errorf("app: init telemetry: %w", err)
	}

	// ── 2. Episode pipeline ──────────────────────────────────────────────
	a.initPipeline()

	// ── 3. Asset resolver ────────────────────────────────────────────────
	if err := a.initAssets(); err != nil {
		a.abort()
		return nil, fmt.Errorf("app: init assets: %w", err)
	}

	// ── 4. Autobattler ───────────────────────────────────────────────────
	if cfg.Combat.Simulator == config.SimulatorBuiltin {
		a.sim = combat.New(a.bus,
			combat.WithClock(a.clk),
			combat.WithRoundInterval(cfg.Combat.RoundInterval),
			combat.WithSeed(cfg.Combat.Seed),
		)
		a.sim.Listen(a.bus)
		a.closers = append(a.closers, func() error {
			a.sim.Close()
			return nil
		})
	}

	// ── 5. Journal ───────────────────────────────────────────────────────
	if err := a.initJournal(ctx); err != nil {
		a.abort()
		return nil, fmt.Errorf("app: init journal: %w", err)
	}

	// ── 6. Narrator ──────────────────────────────────────────────────────
	if err := a.initNarrator(); err != nil {
		a.abort()
		return nil, fmt.Errorf("app: init narrator: %w", err)
	}

	// ── 7. Gateway ───────────────────────────────────────────────────────
	a.initGateway()

	// ── 8. Config watcher ────────────────────────────────────────────────
	if a.watchPath != "" {
		var wopts []config.WatcherOption
		if a.watchInterval > 0 {
			wopts = append(wopts, config.WithInterval(a.watchInterval))
		}
		w, err := config.NewWatcher(a.watchPath, a.ApplyConfig, wopts...)
		if err != nil {
			a.abort()
			return nil, fmt.Errorf("app: %w", err)
		}
		a.watcher = w
		a.closers = append(a.closers, func() error {
			w.Stop()
			return nil
		})
	}

	if a.provider != nil {
		a.closers = append(a.closers, func() error {
			return a.provider.Shutdown(context.Background())
		})
	}

	slog.Info("app initialised",
		"simulator", cfg.Combat.Simulator,
		"journal", journalKind(cfg),
		"narrator", a.narr != nil,
	)
	return a, nil
}

// ─── Init helpers ────────────────────────────────────────────────────────────

// initTelemetry installs the OpenTelemetry providers unless metrics were
// injected.
func (a *App) initTelemetry(ctx context.Context) error {
	if a.metrics != nil {
		return nil
	}
	p, err := observe.InitProvider(ctx, observe.ProviderConfig{
		ServiceName:    a.cfg.Telemetry.ServiceName,
		ServiceVersion: version(),
		Environment:    a.cfg.Telemetry.Environment,
		SampleRatio:    a.cfg.Telemetry.TraceSampleRatio,
	})
	if err != nil {
		return err
	}
	m, err := observe.NewMetrics(otel.GetMeterProvider())
	if err != nil {
		_ = p.Shutdown(ctx)
		return err
	}
	a.provider = p
	a.metrics = m
	return nil
}

// initPipeline builds the queue and the coordinator and connects them.
func (a *App) initPipeline() {
	cfg := a.cfg
	a.coord = episode.New(a.bus, nil,
		episode.WithClock(a.clk),
		episode.WithTimings(timingsFrom(cfg.Timing)),
		episode.WithFactory(incident.New(incident.WithLocation(cfg.Timing.Location()))),
		episode.WithHistorySize(cfg.Queue.HistorySize),
		episode.WithMetrics(a.metrics),
	)
	a.queue = signalq.New(a.coord.Begin,
		signalq.WithClock(a.clk),
		signalq.WithSettleDelay(cfg.Timing.ResumeSettle),
		signalq.WithBus(a.bus),
		signalq.WithMetrics(a.metrics),
	)
	a.coord.SetPacer(a.queue)
	a.queue.Listen(a.bus)
	a.coord.Listen(a.bus)

	a.closers = append(a.closers,
		func() error {
			a.queue.Close()
			return nil
		},
		func() error {
			a.coord.Close()
			return nil
		},
	)
}

// initAssets builds the asset source chain unless one was injected, then the
// resolver on top of it.
func (a *App) initAssets() error {
	if a.assets == nil {
		src, err := a.buildSource(a.cfg.Assets)
		if err != nil {
			return err
		}
		a.assets = &liveSource{src: src}
	}
	opts := append(resolverOptions(a.cfg.Assets),
		asset.WithClock(a.clk),
		asset.WithMetrics(a.metrics),
	)
	a.resolver = asset.New(a.assets, opts...)
	return nil
}

// buildSource chains the remote mirror (when set) in front of the local
// directory (when set), each behind its own circuit breaker.
func (a *App) buildSource(cfg config.AssetsConfig) (asset.Source, error) {
	var chain []asset.NamedSource
	if cfg.BaseURL != "" {
		mirror, err := asset.NewHTTPSource(cfg.BaseURL)
		if err != nil {
			return nil, err
		}
		chain = append(chain, asset.NamedSource{Name: "mirror", Source: mirror})
	}
	if cfg.BaseDir != "" {
		chain = append(chain, asset.NamedSource{Name: "local", Source: asset.NewDirSource(cfg.BaseDir)})
	}
	if len(chain) == 0 {
		return noAssets{}, nil
	}
	return asset.NewFallbackSource(resilience.CircuitBreakerConfig{
		Name:         "assets",
		MaxFailures:  cfg.CircuitBreaker.MaxFailures,
		ResetTimeout: cfg.CircuitBreaker.ResetTimeout,
		Clock:        a.clk,
		OnStateChange: func(name string, _, to resilience.State) {
			a.metrics.RecordBreakerTransition(context.Background(), name, to.String())
		},
	}, chain...)
}

// initJournal sets up the journal store or uses the injected one, and the
// writer feeding it.
func (a *App) initJournal(ctx context.Context) error {
	if a.store == nil {
		if dsn := a.cfg.Journal.PostgresDSN; dsn != "" {
			pg, err := journal.OpenPostgres(ctx, dsn)
			if err != nil {
				return err
			}
			a.store = pg
			a.closers = append(a.closers, func() error {
				pg.Close()
				return nil
			})
		} else {
			a.store = journal.NewMemStore(a.cfg.Journal.MemorySize)
		}
	}
	a.writer = journal.NewWriter(a.store, journal.DefaultBuffer)
	a.writer.Listen(a.bus)
	// Prepended so the subscription is released before the store closes.
	a.closers = append([]func() error{func() error {
		a.writer.Close()
		return nil
	}}, a.closers...)
	return nil
}

// initNarrator creates the Discord narrator when it is configured.
func (a *App) initNarrator() error {
	d := a.cfg.Discord
	if a.sender == nil {
		if !d.Enabled() {
			return nil
		}
		s, err := narrator.NewSession(d.Token)
		if err != nil {
			return err
		}
		a.sender = s
	}
	if d.ChannelID == "" {
		slog.Warn("narrator sender set but discord.channel_id is empty; narrator disabled")
		return nil
	}
	a.narr = narrator.New(a.sender, d.ChannelID)
	a.narr.Listen(a.bus)
	a.closers = append(a.closers, func() error {
		a.narr.Close()
		return nil
	})
	return nil
}

// initGateway builds the health checkers, the HTTP surface and the server.
func (a *App) initGateway() {
	t := a.cfg.Timing
	a.health = health.New(
		health.AssetSource(a.assets, asset.ManifestFile, asset.ErrNotFound),
		health.AssetBreakers(a.assets),
		health.Coordinator(a.coord, map[types.Phase]time.Duration{
			types.PhaseSetup:     t.SetupDelay + wedgeGrace,
			types.PhaseResolving: t.ResolvingDelay + wedgeGrace,
			types.PhaseAfter:     t.AftermathDelay + wedgeGrace,
		}),
	)

	gcfg := gateway.Config{
		Bus:         a.bus,
		Coordinator: a.coord,
		Queue:       a.queue,
		Resolver:    a.resolver,
		Journal:     a.store,
		Health:      a.health,
		Observe:     a.metrics,
	}
	if a.provider != nil {
		gcfg.Metrics = a.provider.MetricsHandler
	}
	a.gateway = gateway.New(gcfg)
	a.server = &http.Server{
		Addr:              a.cfg.Server.ListenAddr,
		Handler:           a.gateway.Handler(),
		ReadHeaderTimeout: readHeaderTimeout,
	}
	a.closers = append([]func() error{func() error {
		a.gateway.Close()
		return nil
	}}, a.closers...)
}

// abort runs the closers registered so far after a failed New.
func (a *App) abort() {
	for _, c := range a.closers {
		_ = c()
	}
	if a.provider != nil {
		_ = a.provider.Shutdown(context.Background())
	}
}

// ─── Accessors ───────────────────────────────────────────────────────────────

// Bus returns the application event bus.
func (a *App) Bus() *events.Bus { return a.bus }

// Coordinator returns the episode coordinator.
func (a *App) Coordinator() *episode.Coordinator { return a.coord }

// Queue returns the signal queue.
func (a *App) Queue() *signalq.Queue { return a.queue }

// Resolver returns the asset resolver.
func (a *App) Resolver() *asset.Resolver { return a.resolver }

// Handler returns the HTTP handler of the gateway.
func (a *App) Handler() http.Handler { return a.gateway.Handler() }

// Config returns the config currently in effect.
func (a *App) Config() *config.Config {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.cfg
}

// ─── Run ─────────────────────────────────────────────────────────────────────

// Run serves the gateway and runs the background workers until ctx is
// cancelled. When ctx is done, Run stops the HTTP server gracefully and
// returns ctx.Err(). A failure to bind or serve is returned immediately.
func (a *App) Run(ctx context.Context) error {
	ln := a.listener
	if ln == nil {
		var err error
		ln, err = net.Listen("tcp", a.cfg.Server.ListenAddr)
		if err != nil {
			return fmt.Errorf("app: listen %s: %w", a.cfg.Server.ListenAddr, err)
		}
	}

	g, gctx := errgroup.WithContext(ctx)

	// ── HTTP gateway ─────────────────────────────────────────────────────
	g.Go(func() error {
		var err error
		if tls := a.cfg.Server.TLS; tls != nil {
			err = a.server.ServeTLS(ln, tls.CertFile, tls.KeyFile)
		} else {
			err = a.server.Serve(ln)
		}
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return fmt.Errorf("app: serve: %w", err)
	})
	g.Go(func() error {
		<-gctx.Done()
		// Websocket streams are hijacked and ignored by Shutdown.
		a.gateway.Close()
		sctx, cancel := context.WithTimeout(context.WithoutCancel(gctx), serverShutdownTimeout)
		defer cancel()
		return a.server.Shutdown(sctx)
	})

	// ── Workers ──────────────────────────────────────────────────────────
	g.Go(func() error { return a.writer.Run(gctx) })
	if a.narr != nil {
		g.Go(func() error { return a.narr.Run(gctx) })
	}
	if a.watcher != nil {
		g.Go(func() error { return a.watcher.Run(gctx) })
	}
	if beats := a.cfg.Assets.Prewarm; len(beats) > 0 {
		g.Go(func() error {
			if err := a.resolver.Prewarm(gctx, beats); err != nil {
				slog.Warn("asset prewarm incomplete", "err", err)
			}
			return nil
		})
	}

	slog.Info("app running", "addr", ln.Addr().String())
	if err := g.Wait(); err != nil {
		return err
	}
	return ctx.Err()
}

// ─── Hot reload ──────────────────────────────────────────────────────────────

// ApplyConfig applies the hot-reloadable differences between old and new:
// log level, phase timings and asset settings. Other changes are logged as
// requiring a restart. Its signature matches the [config.Watcher] callback.
func (a *App) ApplyConfig(old, new *config.Config) {
	d := config.Diff(old, new)
	if d.Empty() {
		return
	}

	if d.LogLevelChanged {
		if a.level != nil {
			a.level.Set(d.NewLogLevel.Level())
		}
		slog.Info("log level changed", "level", d.NewLogLevel)
	}

	if d.TimingChanged {
		a.coord.SetTimings(timingsFrom(new.Timing))
		a.queue.SetSettleDelay(new.Timing.ResumeSettle)
		if old.Timing.Timezone != new.Timing.Timezone {
			slog.Warn("config change requires restart", "field", "timing.timezone")
		}
		slog.Info("timings changed", "timing", new.Timing)
	}

	if d.AssetsChanged {
		src, err := a.buildSource(new.Assets)
		if err != nil {
			slog.Error("asset config rejected, keeping previous sources", "err", err)
		} else {
			a.assets.set(src)
			a.resolver.Reconfigure(nil, resolverOptions(new.Assets)...)
			slog.Info("asset settings changed, cache cleared",
				"base_dir", new.Assets.BaseDir,
				"base_url", new.Assets.BaseURL,
			)
		}
	}

	for _, section := range d.RestartRequired {
		slog.Warn("config change requires restart", "section", section)
	}

	a.mu.Lock()
	a.cfg = new
	a.mu.Unlock()
}

// ─── Shutdown ────────────────────────────────────────────────────────────────

// Shutdown tears down all subsystems in order. It respects the context
// deadline: if ctx expires before all closers finish, remaining closers are
// skipped and the context error is returned.
func (a *App) Shutdown(ctx context.Context) error {
	var shutdownErr error
	a.stopOnce.Do(func() {
		slog.Info("shutting down", "closers", len(a.closers))

		for i, closer := range a.closers {
			select {
			case <-ctx.Done():
				slog.Warn("shutdown deadline exceeded", "remaining", len(a.closers)-i)
				shutdownErr = ctx.Err()
				return
			default:
			}
			if err := closer(); err != nil {
				slog.Warn("closer error", "index", i, "err", err)
			}
		}

		slog.Info("shutdown complete")
	})
	return shutdownErr
}

// ─── Helpers ─────────────────────────────────────────────────────────────────

func timingsFrom(t config.TimingConfig) episode.Timings {
	return episode.Timings{
		Setup:     t.SetupDelay,
		Resolving: t.ResolvingDelay,
		Aftermath: t.AftermathDelay,
		Tick:      t.TickInterval,
	}
}

func resolverOptions(cfg config.AssetsConfig) []asset.Option {
	return []asset.Option{
		asset.WithCacheTTL(cfg.CacheTTL),
		asset.WithRecencySize(cfg.RecencySize),
		asset.WithPublicPrefix(cfg.PublicPrefix),
	}
}

func journalKind(cfg *config.Config) string {
	if cfg.Journal.PostgresDSN != "" {
		return "postgres"
	}
	return "memory"
}

// version reports the module version the binary was built from.
func version() string {
	if bi, ok := debug.ReadBuildInfo(); ok && bi.Main.Version != "" {
		return bi.Main.Version
	}
	return "devel"
}

// liveSource lets hot reload swap the asset source underneath the resolver
// and the readiness probe.
type liveSource struct {
	mu  sync.RWMutex
	src asset.Source
}

var _ asset.Source = (*liveSource)(nil)

func (l *liveSource) Fetch(ctx context.Context, p string) ([]byte, error) {
	l.mu.RLock()
	src := l.src
	l.mu.RUnlock()
	return src.Fetch(ctx, p)
}

// Status reports the breakers of the current source chain, if it has any.
func (l *liveSource) Status() []resilience.EntryStatus {
	l.mu.RLock()
	src := l.src
	l.mu.RUnlock()
	if r, ok := src.(health.BreakerReporter); ok {
		return r.Status()
	}
	return nil
}

func (l *liveSource) set(src asset.Source) {
	l.mu.Lock()
	l.src = src
	l.mu.Unlock()
}

// noAssets answers every fetch with [asset.ErrNotFound], so every
// resolution falls back to the static placeholder.
type noAssets struct{}

func (noAssets) Fetch(_ context.Context, p string) ([]byte, error) {
	return nil, fmt.Errorf("app: no asset storage configured for %q: %w", p, asset.ErrNotFound)
}
