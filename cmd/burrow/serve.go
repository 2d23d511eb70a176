package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/cuemby/burrow/pkg/config"
	"github.com/cuemby/burrow/pkg/log"
	"github.com/cuemby/burrow/pkg/metrics"
	"github.com/cuemby/burrow/pkg/repository"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Open the repository and serve it until interrupted",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfgPath, _ := cmd.Flags().GetString("config")
		cfg, err := config.Load(cfgPath)
		if err != nil {
			return err
		}

		repo, err := repository.Open(cfg)
		if err != nil {
			return err
		}
		defer repo.Close()

		ctx, cancel := context.WithCancel(cmd.Context())
		defer cancel()

		if _, err := repo.Workspace(cfg.DefaultWorkspace); err != nil {
			return err
		}
		if cfg.ClusterID != "" {
			repo.StartCluster(ctx, 2*time.Second)
			log.Info("cluster journal replay started")
		}

		if cfg.MetricsAddr != "" {
			mux := http.NewServeMux()
			mux.Handle("/metrics", metrics.Handler())
			srv := &http.Server{Addr: cfg.MetricsAddr, Handler: mux}
			go func() {
				if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
					log.Errorf("metrics server failed", err)
				}
			}()
			defer srv.Shutdown(context.Background())
			log.Info(fmt.Sprintf("metrics listening on %s", cfg.MetricsAddr))
		}

		sigCh := make(chan os.Signal, 1)
		signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
		<-sigCh
		log.Info("shutting down")
		return nil
	},
}

func init() {
	serveCmd.Flags().String("config", "burrow.yaml", "Path to the repository configuration file")
}
