package cmd

import (
	"context"
	"log/slog"
	"net"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/nextlevelbuilder/hybridmem/internal/admin"
	"github.com/nextlevelbuilder/hybridmem/internal/config"
	httpapi "github.com/nextlevelbuilder/hybridmem/internal/http"
	"github.com/nextlevelbuilder/hybridmem/internal/memory"
	"github.com/nextlevelbuilder/hybridmem/internal/providers"
)

func serveCmd() *cobra.Command {
	var noWatch bool
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the memory engine with the management API and host hooks",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			return runServe(ctx, resolveConfigPath(), loadConfig(), noWatch)
		},
	}
	cmd.Flags().BoolVar(&noWatch, "no-watch", false, "do not reload the config file on change")
	return cmd
}

// runServe blocks until ctx is cancelled or the server fails. Errors are
// returned after the engine and telemetry have been shut down.
func runServe(ctx context.Context, cfgPath string, cfg *config.Config, noWatch bool) error {
	shutdownTelemetry := initOTelExporter(ctx, cfg)
	defer shutdownTelemetry()

	engine, err := memory.Open(ctx, cfg, providers.NewOrFallback(cfg.Summarizer))
	if err != nil {
		return err
	}
	defer func() {
		if err := engine.Close(); err != nil {
			slog.Warn("engine close", "error", err)
		}
	}()
	engine.Coordinator.StartDecayLoop()

	if !noWatch {
		if w := startConfigWatcher(cfgPath, engine.ApplyConfig); w != nil {
			defer w.Stop()
		}
	}

	addr := net.JoinHostPort(cfg.Gateway.Host, strconv.Itoa(cfg.Gateway.Port))
	dispatcher := admin.NewDispatcher(engine, "http://"+addr)
	server := httpapi.NewServer(engine, dispatcher, cfg.Gateway)

	slog.Info("hybridmem starting",
		"version", Version,
		"data_dir", cfg.ResolvedDataDir(),
		"storage", cfg.Storage.Driver,
		"summarizer", cfg.Summarizer.Provider,
		"long_term", engine.LongTerm.Enabled(),
	)
	if err := server.ListenAndServe(ctx); err != nil {
		return err
	}
	slog.Info("hybridmem stopped")
	return nil
}

// startConfigWatcher reloads tunables when the config file changes. A
// missing config file is not watched.
func startConfigWatcher(path string, apply func(*config.Config)) *config.Watcher {
	if _, err := os.Stat(path); err != nil {
		slog.Debug("config file not found, hot reload disabled", "path", path)
		return nil
	}
	w, err := config.NewWatcher(path)
	if err != nil {
		slog.Warn("config watcher unavailable", "error", err)
		return nil
	}
	w.OnChange(apply)
	if err := w.Start(); err != nil {
		slog.Warn("config watcher failed to start", "error", err)
		return nil
	}
	return w
}

// shutdownTimeout bounds telemetry flushing on exit.
const shutdownTimeout = 5 * time.Second
