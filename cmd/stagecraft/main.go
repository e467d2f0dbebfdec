// Command stagecraft is the main entry point for the Stagecraft episode
// server.
//
// Usage:
//
//	stagecraft [-config config.yaml] [-watch=true]
//	stagecraft inject [-server http://localhost:8080] signals.yaml
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"
	_ "time/tzdata"

	"github.com/MrWong99/stagecraft/internal/app"
	"github.com/MrWong99/stagecraft/internal/config"
)

const shutdownTimeout = 15 * time.Second

func main() {
	os.Exit(run(os.Args[1:], os.Stdout, os.Stderr))
}

func run(args []string, stdout, stderr io.Writer) int {
	if len(args) > 0 && args[0] == "inject" {
		return runInject(args[1:], stdout, stderr)
	}

	// ── CLI flags ──────────────────────────────────────────────────────────────
	fs := flag.NewFlagSet("stagecraft", flag.ContinueOnError)
	fs.SetOutput(stderr)
	configPath := fs.String("config", "config.yaml", "path to the YAML configuration file")
	watch := fs.Bool("watch", true, "hot-reload the configuration file when it changes")
	if err := fs.Parse(args); err != nil {
		return 2
	}

	// ── Load configuration ────────────────────────────────────────────────────
	cfg, err := config.Load(*configPath)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			fmt.Fprintf(stderr, "stagecraft: config file %q not found; pass -config or create one\n", *configPath)
		} else {
			fmt.Fprintf(stderr, "stagecraft: %v\n", err)
		}
		return 1
	}

	// ── Logger ────────────────────────────────────────────────────────────────
	logger, level := newLogger(stderr, cfg.Server.LogLevel)
	slog.SetDefault(logger)

	slog.Info("stagecraft starting",
		"config", *configPath,
		"listen_addr", cfg.Server.ListenAddr,
		"log_level", cfg.Server.LogLevel,
	)

	// ── Signal context ────────────────────────────────────────────────────────
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// ── Startup summary ───────────────────────────────────────────────────────
	printStartupSummary(stdout, cfg)

	opts := []app.Option{app.WithLevelVar(level)}
	if *watch {
		opts = append(opts, app.WithConfigWatch(*configPath, 0))
	}
	application, err := app.New(ctx, cfg, opts...)
	if err != nil {
		slog.Error("failed to initialise application", "err", err)
		return 1
	}

	slog.Info("server ready, press Ctrl+C to shut down")

	runErr := application.Run(ctx)
	if runErr != nil && !errors.Is(runErr, context.Canceled) {
		slog.Error("run error", "err", runErr)
	}

	// ── Graceful shutdown ─────────────────────────────────────────────────────
	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()

	slog.Info("shutdown signal received, stopping…")

	if err := application.Shutdown(shutdownCtx); err != nil {
		slog.Error("shutdown error", "err", err)
		return 1
	}
	if runErr != nil && !errors.Is(runErr, context.Canceled) {
		return 1
	}
	slog.Info("goodbye")
	return 0
}

// ── Startup summary ───────────────────────────────────────────────────────────

func printStartupSummary(w io.Writer, cfg *config.Config) {
	fmt.Fprintln(w, "╔═══════════════════════════════════════╗")
	fmt.Fprintln(w, "║       Stagecraft: startup summary     ║")
	fmt.Fprintln(w, "╠═══════════════════════════════════════╣")
	printRow(w, "Listen addr", cfg.Server.ListenAddr)
	printRow(w, "Assets dir", orNone(cfg.Assets.BaseDir))
	printRow(w, "Assets mirror", orNone(cfg.Assets.BaseURL))
	printRow(w, "Simulator", string(cfg.Combat.Simulator))
	if cfg.Journal.PostgresDSN != "" {
		printRow(w, "Journal", "postgres")
	} else {
		printRow(w, "Journal", fmt.Sprintf("memory (%d)", cfg.Journal.MemorySize))
	}
	if cfg.Discord.Enabled() {
		printRow(w, "Narrator", "discord")
	} else {
		printRow(w, "Narrator", "(disabled)")
	}
	printRow(w, "Timezone", orNone(cfg.Timing.Timezone))
	fmt.Fprintln(w, "╚═══════════════════════════════════════╝")
}

func printRow(w io.Writer, label, value string) {
	if len(value) > 19 {
		value = value[:16] + "…"
	}
	fmt.Fprintf(w, "║  %-13s   : %-19s ║\n", label, value)
}

func orNone(s string) string {
	if s == "" {
		return "(not configured)"
	}
	return s
}

// ── Logger ─────────────────────────────────────────────────────────────────────

// newLogger builds the text logger. The returned LevelVar lets hot reload
// change the level later.
func newLogger(w io.Writer, level config.LogLevel) (*slog.Logger, *slog.LevelVar) {
	lvl := new(slog.LevelVar)
	lvl.Set(level.Level())
	return slog.New(slog.NewTextHandler(w, &slog.HandlerOptions{Level: lvl})), lvl
}
