// Command mgmtd is the management daemon: it owns the buddy group and target
// state registries, watches storage nodes and performs failover.
package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/dreamware/buddymirror/internal/config"
	"github.com/dreamware/buddymirror/internal/dispatch"
	"github.com/dreamware/buddymirror/internal/snapshot"
	"github.com/dreamware/buddymirror/internal/storage"
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	var (
		cfgPath string
		listen  string
		dbPath  string
	)
	cmd := &cobra.Command{
		Use:           "mgmtd",
		Short:         "Buddy mirror management daemon",
		SilenceUsage:  true,
		SilenceErrors: false,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(cfgPath)
			if err != nil {
				return err
			}
			if listen != "" {
				cfg.Mgmtd.Listen = listen
			}
			if dbPath != "" {
				cfg.Mgmtd.DBPath = dbPath
			}
			return run(cfg)
		},
	}
	cmd.Flags().StringVarP(&cfgPath, "config", "c", "", "path to YAML config")
	cmd.Flags().StringVar(&listen, "listen", "", "listen address (overrides config)")
	cmd.Flags().StringVar(&dbPath, "db", "", "bbolt database path (overrides config)")
	return cmd
}

func openStore(path string) (storage.Store, error) {
	if path == "" {
		return storage.NewMemoryStore(), nil
	}
	return storage.OpenBoltStore(path)
}

func run(cfg config.Config) error {
	lg, err := config.NewLogger(cfg.Log)
	if err != nil {
		return err
	}
	defer func() { _ = lg.Sync() }()
	lg = lg.Named("mgmtd")

	store, err := openStore(cfg.Mgmtd.DBPath)
	if err != nil {
		return errors.Wrap(err, "open store")
	}
	defer store.Close()

	srv, err := newServer(cfg, store, dispatch.HTTPTransport{}, nil, lg)
	if err != nil {
		return errors.Wrap(err, "load registries")
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	srv.runBackground(ctx)

	httpSrv := &http.Server{
		Addr:              cfg.Mgmtd.Listen,
		Handler:           srv.routes(),
		ReadHeaderTimeout: 5 * time.Second,
	}
	errc := make(chan error, 1)
	go func() {
		lg.Info("listening",
			zap.String("addr", cfg.Mgmtd.Listen),
			zap.String("db", cfg.Mgmtd.DBPath),
			zap.Int("groups", srv.groups.Len()),
			zap.Int("targets", srv.states.Len()))
		if err := httpSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errc <- err
		}
	}()

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, os.Interrupt, syscall.SIGTERM)
	select {
	case <-stop:
	case err := <-errc:
		return errors.Wrap(err, "listen")
	}

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer shutdownCancel()
	_ = httpSrv.Shutdown(shutdownCtx)
	srv.health.Stop()
	cancel()
	srv.waitBackground()
	if err := snapshot.Save(store, srv.groups, srv.states); err != nil {
		lg.Error("final save failed", zap.Error(err))
	}
	lg.Info("stopped")
	return nil
}
