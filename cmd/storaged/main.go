// Command storaged is the storage daemon. It hosts one or more storage
// targets, answers peer messages for them and runs buddy resync jobs whose
// source target is local.
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

	"github.com/dreamware/buddymirror/internal/cluster"
	"github.com/dreamware/buddymirror/internal/config"
	"github.com/dreamware/buddymirror/internal/dispatch"
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	var (
		cfgPath string
		nodeID  uint16
		targets string
		mgmtd   string
	)
	cmd := &cobra.Command{
		Use:          "storaged",
		Short:        "Buddy mirror storage daemon",
		SilenceUsage: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(cfgPath)
			if err != nil {
				return err
			}
			if nodeID != 0 {
				cfg.Storaged.NodeID = cluster.NodeID(nodeID)
			}
			if targets != "" {
				if cfg.Storaged.Targets, err = config.ParseTargets(targets); err != nil {
					return err
				}
			}
			if mgmtd != "" {
				cfg.Storaged.MgmtdAddr = mgmtd
			}
			return run(cfg)
		},
	}
	cmd.Flags().StringVarP(&cfgPath, "config", "c", "", "path to YAML config")
	cmd.Flags().Uint16Var(&nodeID, "node-id", 0, "node id (overrides config)")
	cmd.Flags().StringVar(&targets, "targets", "", `hosted targets as "101=/data/t101,102=/data/t102"`)
	cmd.Flags().StringVar(&mgmtd, "mgmtd", "", "management daemon URL (overrides config)")
	return cmd
}

func run(cfg config.Config) error {
	lg, err := config.NewLogger(cfg.Log)
	if err != nil {
		return err
	}
	defer func() { _ = lg.Sync() }()
	lg = lg.Named("storaged")

	n, err := newNode(cfg, dispatch.HTTPTransport{}, nil, lg)
	if err != nil {
		return err
	}
	defer n.coord.Close()

	httpSrv := &http.Server{
		Addr:              cfg.Storaged.Listen,
		Handler:           n.routes(),
		ReadHeaderTimeout: 5 * time.Second,
	}
	errc := make(chan error, 1)
	go func() {
		lg.Info("listening",
			zap.Uint16("nodeID", uint16(n.self.ID)),
			zap.String("addr", cfg.Storaged.Listen),
			zap.String("public", n.self.Addr))
		if err := httpSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errc <- err
		}
	}()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	if err := n.register(ctx); err != nil {
		return err
	}
	go n.syncLoop(ctx)

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, os.Interrupt, syscall.SIGTERM)
	select {
	case <-stop:
	case err := <-errc:
		return errors.Wrap(err, "listen")
	}

	cancel()
	n.coord.AbortAll()
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer shutdownCancel()
	_ = httpSrv.Shutdown(shutdownCtx)
	lg.Info("stopped")
	return nil
}
