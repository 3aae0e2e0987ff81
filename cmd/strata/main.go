// Command strata is the main entry point for the strata memory substrate server.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/MrWong99/strata/internal/app"
	"github.com/MrWong99/strata/internal/config"
	"github.com/MrWong99/strata/internal/observe"
	"github.com/MrWong99/strata/pkg/memory"
	"github.com/MrWong99/strata/pkg/memory/postgres"
	"github.com/MrWong99/strata/pkg/memory/sqlite"
	"github.com/MrWong99/strata/pkg/provider/embeddings"
	"github.com/MrWong99/strata/pkg/provider/embeddings/hashembed"
	ollamaembed "github.com/MrWong99/strata/pkg/provider/embeddings/ollama"
	oaembed "github.com/MrWong99/strata/pkg/provider/embeddings/openai"
)

// version is overridden at build time with -ldflags "-X main.version=...".
var version = "dev"

func main() {
	os.Exit(run())
}

func run() int {
	// ── CLI flags ──────────────────────────────────────────────────────────────
	configPath := flag.String("config", "config.yaml", "path to the YAML configuration file")
	watch := flag.Bool("watch", true, "reload log level and schedules when the config file changes")
	flag.Parse()

	// ── Load configuration ────────────────────────────────────────────────────
	cfg, err := config.Load(*configPath)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			fmt.Fprintf(os.Stderr, "strata: config file %q not found, copy configs/example.yaml to get started\n", *configPath)
		} else {
			fmt.Fprintf(os.Stderr, "strata: %v\n", err)
		}
		return 1
	}

	// ── Logger ────────────────────────────────────────────────────────────────
	level := new(slog.LevelVar)
	level.Set(app.SlogLevel(cfg.Server.LogLevel))
	slog.SetDefault(slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level})))

	slog.Info("strata starting",
		"version", version,
		"config", *configPath,
		"listen_addr", cfg.Server.ListenAddr,
		"log_level", cfg.Server.LogLevel,
	)

	// ── Signal context ────────────────────────────────────────────────────────
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// ── Telemetry ─────────────────────────────────────────────────────────────
	otelShutdown, err := observe.InitProvider(ctx, observe.ProviderConfig{ServiceVersion: version})
	if err != nil {
		slog.Error("failed to initialise telemetry", "err", err)
		return 1
	}
	defer func() {
		sctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := otelShutdown(sctx); err != nil {
			slog.Warn("telemetry shutdown error", "err", err)
		}
	}()

	// ── Provider registry ─────────────────────────────────────────────────────
	reg := config.NewRegistry()
	registerBuiltinProviders(reg)

	providers, err := buildProviders(ctx, cfg, reg)
	if err != nil {
		slog.Error("failed to build providers", "err", err)
		return 1
	}

	// ── Startup summary ───────────────────────────────────────────────────────
	printStartupSummary(cfg)

	application, err := app.New(ctx, cfg, providers, app.WithLogLevel(level))
	if err != nil {
		slog.Error("failed to initialise application", "err", err)
		if providers.Store != nil {
			_ = providers.Store.Close()
		}
		return 1
	}

	// ── Config hot reload ─────────────────────────────────────────────────────
	if *watch {
		w, err := config.NewWatcher(*configPath, func(_, _ *config.Config, diff config.ConfigDiff) {
			application.ApplyConfig(diff)
		})
		if err != nil {
			slog.Warn("config watcher disabled", "err", err)
		} else {
			defer w.Stop()
		}
	}

	slog.Info("server ready, press Ctrl+C to shut down")

	runErr := application.Run(ctx)
	if runErr != nil && !errors.Is(runErr, context.Canceled) {
		slog.Error("run error", "err", runErr)
	}

	// ── Graceful shutdown ─────────────────────────────────────────────────────
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
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

// ── Provider wiring ───────────────────────────────────────────────────────────

// registerBuiltinProviders wires all built-in embeddings and store factories
// into reg.
func registerBuiltinProviders(reg *config.Registry) {
	// ── Embeddings ────────────────────────────────────────────────────────────

	reg.RegisterEmbeddings("openai", func(entry config.ProviderEntry, dims int) (embeddings.Provider, error) {
		opts := []oaembed.Option{oaembed.WithDimensions(dims)}
		if entry.BaseURL != "" {
			opts = append(opts, oaembed.WithBaseURL(entry.BaseURL))
		}
		if org := optString(entry.Options, "organization"); org != "" {
			opts = append(opts, oaembed.WithOrganization(org))
		}
		if d, ok := optDuration(entry.Options, "timeout"); ok {
			opts = append(opts, oaembed.WithTimeout(d))
		}
		return oaembed.New(entry.APIKey, entry.Model, opts...)
	})

	// ollama is a local server; it uses BaseURL for the address, not an API key.
	reg.RegisterEmbeddings("ollama", func(entry config.ProviderEntry, dims int) (embeddings.Provider, error) {
		opts := []ollamaembed.Option{ollamaembed.WithDimensions(dims)}
		if d, ok := optDuration(entry.Options, "timeout"); ok {
			opts = append(opts, ollamaembed.WithTimeout(d))
		}
		if d, ok := optDuration(entry.Options, "keep_alive"); ok {
			opts = append(opts, ollamaembed.WithKeepAlive(d))
		}
		return ollamaembed.New(entry.BaseURL, entry.Model, opts...)
	})

	reg.RegisterEmbeddings("hashembed", func(_ config.ProviderEntry, dims int) (embeddings.Provider, error) {
		return hashembed.New(dims)
	})

	// ── Fragment stores ───────────────────────────────────────────────────────

	reg.RegisterStore(config.BackendSQLite, func(ctx context.Context, cfg config.StorageConfig, grid float64, _ int) (memory.FragmentStore, error) {
		if err := os.MkdirAll(cfg.DataDir, 0o755); err != nil {
			return nil, err
		}
		return sqlite.Open(ctx, filepath.Join(cfg.DataDir, sqlite.FileName), grid)
	})

	reg.RegisterStore(config.BackendPostgres, func(ctx context.Context, cfg config.StorageConfig, grid float64, dims int) (memory.FragmentStore, error) {
		return postgres.NewStore(ctx, cfg.PostgresDSN, grid, dims)
	})

	// A nil store keeps fragments in RAM only.
	reg.RegisterStore(config.BackendMemory, func(context.Context, config.StorageConfig, float64, int) (memory.FragmentStore, error) {
		return nil, nil
	})

	for _, name := range reg.EmbeddingsNames() {
		slog.Debug("registered provider", "kind", "embeddings", "name", name)
	}
}

// buildProviders instantiates the embeddings chain and the fragment store
// named in cfg using the registry.
func buildProviders(ctx context.Context, cfg *config.Config, reg *config.Registry) (*app.Providers, error) {
	ps := &app.Providers{}
	dims := cfg.Memory.Reservoir.InputDim

	if name := cfg.Providers.Embeddings.Name; name != "" {
		p, err := reg.CreateEmbeddings(cfg.Providers.Embeddings, dims)
		if err != nil {
			return nil, fmt.Errorf("create embeddings provider %q: %w", name, err)
		}
		ps.Embeddings = p
		slog.Info("provider created", "kind", "embeddings", "name", name, "model", p.ModelID())
	}

	for _, entry := range cfg.Providers.EmbeddingsFallback {
		p, err := reg.CreateEmbeddings(entry, dims)
		if errors.Is(err, config.ErrProviderNotRegistered) {
			slog.Warn("fallback provider not registered, skipping", "kind", "embeddings", "name", entry.Name)
			continue
		}
		if err != nil {
			return nil, fmt.Errorf("create embeddings fallback %q: %w", entry.Name, err)
		}
		ps.EmbeddingsFallback = append(ps.EmbeddingsFallback, p)
		slog.Info("provider created", "kind", "embeddings-fallback", "name", entry.Name)
	}

	store, err := reg.CreateStore(ctx, cfg.Storage, cfg.Memory.Sediment.GridSize, dims)
	if err != nil {
		return nil, fmt.Errorf("open %s store: %w", cfg.Storage.Backend, err)
	}
	ps.Store = store
	slog.Info("fragment store opened", "backend", cfg.Storage.Backend)

	return ps, nil
}

// ── Startup summary ───────────────────────────────────────────────────────────

func printStartupSummary(cfg *config.Config) {
	fmt.Println("╔═══════════════════════════════════════╗")
	fmt.Println("║          strata: startup summary      ║")
	fmt.Println("╠═══════════════════════════════════════╣")
	printProvider("Embeddings", cfg.Providers.Embeddings.Name, cfg.Providers.Embeddings.Model)
	fmt.Printf("║  Fallbacks       : %-19d ║\n", len(cfg.Providers.EmbeddingsFallback))
	fmt.Printf("║  Dimensions      : %-19d ║\n", cfg.Memory.Reservoir.InputDim)
	fmt.Printf("║  Store           : %-19s ║\n", cfg.Storage.Backend)
	if cfg.Substrate.SleepInterval > 0 {
		fmt.Printf("║  Sleep every     : %-19s ║\n", cfg.Substrate.SleepInterval)
	} else {
		fmt.Printf("║  Sleep every     : %-19s ║\n", "(manual)")
	}
	if cfg.Server.ListenAddr != "" {
		fmt.Printf("║  Listen addr     : %-19s ║\n", cfg.Server.ListenAddr)
	}
	fmt.Println("╚═══════════════════════════════════════╝")
}

func printProvider(kind, name, model string) {
	value := name
	if value == "" {
		value = "hashembed (offline)"
	} else if model != "" {
		value = name + " / " + model
	}
	if len(value) > 19 {
		value = value[:16] + "…"
	}
	fmt.Printf("║  %-12s    : %-19s ║\n", kind, value)
}

// ── Helpers ───────────────────────────────────────────────────────────────────

// optString extracts a string value from a provider Options map[string]any.
// Returns "" if the map is nil, the key is absent, or the value is not a string.
func optString(opts map[string]any, key string) string {
	if opts == nil {
		return ""
	}
	s, _ := opts[key].(string)
	return s
}

// optDuration parses a duration string such as "30s" from opts.
func optDuration(opts map[string]any, key string) (time.Duration, bool) {
	s := optString(opts, key)
	if s == "" {
		return 0, false
	}
	d, err := time.ParseDuration(s)
	if err != nil {
		slog.Warn("ignoring malformed provider option", "key", key, "value", s, "err", err)
		return 0, false
	}
	return d, true
}
