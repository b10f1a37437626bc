// Command tile-cache serves map tile archives over HTTP and maintains
// them with seed and cleanup jobs.
package main

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/alecthomas/kong"
	"github.com/lmittmann/tint"

	"github.com/mapsmith/tile-cache/lock"
	"github.com/mapsmith/tile-cache/server"
	"github.com/mapsmith/tile-cache/telemetry"
)

var version = "dev"

type cli struct {
	Config  string `short:"c" default:"tile-cache.json" help:"Path to the targets configuration document."`
	Address string `default:":8080" help:"Address to listen on."`

	StatusPath string `default:"./jobs.db" help:"Path to the job status database."`
	AuthToken  string `env:"TILE_CACHE_AUTH_TOKEN" help:"Bearer token protecting the job endpoints. Empty disables auth."`

	TileCacheSize int           `default:"4096" help:"Entries in the in-process serve cache."`
	TileCacheTTL  time.Duration `default:"1m" help:"How long a served tile may be reused from the in-process cache."`

	SweepLocks bool `default:"true" negatable:"" help:"Remove orphaned lock markers at startup."`

	Metrics      bool   `help:"Expose Prometheus metrics on /metrics."`
	OTLPEndpoint string `help:"OTLP gRPC endpoint for metric export. Empty disables OTLP."`

	LogLevel  string           `default:"info" enum:"debug,info,warn,error" help:"Log level."`
	LogFormat string           `default:"text" enum:"text,json" help:"Log format."`
	Version   kong.VersionFlag `help:"Print version and exit."`
}

// configDocument is the on-disk shape of the targets file.
type configDocument struct {
	Targets map[string]server.TargetConfig `json:"targets"`
}

func main() {
	var flags cli
	kctx := kong.Parse(&flags,
		kong.Name("tile-cache"),
		kong.Description("Map tile cache server with seed and cleanup jobs."),
		kong.Vars{"version": version},
	)
	kctx.FatalIfErrorf(run(flags))
}

func run(flags cli) error {
	logger, err := newLogger(flags.LogLevel, flags.LogFormat)
	if err != nil {
		return err
	}
	slog.SetDefault(logger)

	doc, err := loadConfig(flags.Config)
	if err != nil {
		return err
	}
	if len(doc.Targets) == 0 {
		return fmt.Errorf("%s defines no targets", flags.Config)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	shutdownMetrics, err := telemetry.InitMetrics(ctx, telemetry.MetricsConfig{
		ServiceName:      "tile-cache",
		ServiceVersion:   version,
		OTLPEndpoint:     flags.OTLPEndpoint,
		EnablePrometheus: flags.Metrics,
	})
	if err != nil {
		return fmt.Errorf("initialising metrics: %w", err)
	}
	defer func() {
		mctx, mcancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer mcancel()
		_ = shutdownMetrics(mctx)
	}()

	// No job can legitimately be mid-write before the server starts, so
	// any marker found now was left by a crashed process.
	if flags.SweepLocks {
		for name, tc := range doc.Targets {
			if tc.Store != server.StoreXYZ {
				continue
			}
			removed, err := lock.SweepStale(tc.Path, logger)
			if err != nil {
				logger.Warn("sweeping stale locks failed", "target", name, "error", err)
				continue
			}
			if len(removed) > 0 {
				logger.Info("removed stale locks", "target", name, "count", len(removed))
			}
		}
	}

	srv, err := server.New(server.Config{
		Address:       flags.Address,
		Targets:       doc.Targets,
		StatusPath:    flags.StatusPath,
		AuthToken:     flags.AuthToken,
		TileCacheSize: flags.TileCacheSize,
		TileCacheTTL:  flags.TileCacheTTL,
		Logger:        logger,
	})
	if err != nil {
		return fmt.Errorf("creating server: %w", err)
	}

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	go func() {
		sig := <-sigCh
		logger.Info("received signal, shutting down", "signal", sig)
		cancel()
	}()

	errCh := make(chan error, 1)
	go func() {
		if err := srv.Start(); err != nil {
			errCh <- err
		}
	}()

	logger.Info("server started",
		"address", srv.Address(),
		"targets", len(doc.Targets),
		"version", version,
	)

	select {
	case <-ctx.Done():
		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer shutdownCancel()
		return srv.Shutdown(shutdownCtx)
	case err := <-errCh:
		return err
	}
}

func newLogger(level, format string) (*slog.Logger, error) {
	var lvl slog.Level
	if err := lvl.UnmarshalText([]byte(level)); err != nil {
		return nil, fmt.Errorf("invalid log level: %s", level)
	}

	var handler slog.Handler
	switch format {
	case "text":
		handler = tint.NewHandler(os.Stdout, &tint.Options{Level: lvl})
	case "json":
		handler = slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: lvl})
	default:
		return nil, fmt.Errorf("invalid log format: %s", format)
	}
	return slog.New(handler), nil
}

func loadConfig(path string) (*configDocument, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading configuration: %w", err)
	}
	var doc configDocument
	if err := json.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("parsing %s: %w", path, err)
	}
	return &doc, nil
}
