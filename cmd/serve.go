package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/sells-group/tagging-cli/internal/api"
	"github.com/sells-group/tagging-cli/internal/auth"
	"github.com/sells-group/tagging-cli/internal/config"
	"github.com/sells-group/tagging-cli/internal/monitoring"
	"github.com/sells-group/tagging-cli/internal/session"
)

var servePort int

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the annotation server",
	Long:  "Runs the startup recovery check, loads the master catalog, and serves annotation sessions until interrupted.",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
		defer stop()

		env, err := initStoreEnv(ctx, cfg)
		if err != nil {
			return err
		}
		defer env.Close()

		rec, err := runRecovery(ctx, cfg, env)
		if err != nil {
			return err
		}
		if w := rec.Warning(); w != "" {
			fmt.Fprintln(os.Stderr, w)
		}

		cat, err := loadCatalog(ctx, cfg)
		if err != nil {
			return err
		}
		env.Metrics.SetCatalogRecords(cat.Len())

		gate, err := loadGate(cfg.Auth)
		if err != nil {
			return err
		}

		manager := session.NewManager(session.Deps{
			Catalog: cat,
			Store:   env.Store,
			Ledger:  env.Ledger,
			Metrics: env.Metrics,
			Alerter: env.Alerter,
		}, time.Duration(cfg.Server.SessionIdleMinutes)*time.Minute)

		port := servePort
		if port == 0 {
			port = cfg.Server.Port
		}
		srv := &http.Server{
			Addr:              fmt.Sprintf(":%d", port),
			Handler:           api.New(manager, gate, env.Metrics, cfg.Server.CORSOrigins).Router(),
			ReadHeaderTimeout: 10 * time.Second,
		}

		checker := monitoring.NewChecker(
			time.Duration(cfg.Monitoring.CheckIntervalSecs)*time.Second,
			maintenanceTasks(cfg, env, manager)...,
		)

		g, gctx := errgroup.WithContext(ctx)
		g.Go(func() error {
			zap.L().Info("starting server", zap.Int("port", port), zap.Int("catalog_records", cat.Len()))
			if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
				return eris.Wrap(err, "server listen")
			}
			return nil
		})
		g.Go(func() error {
			checker.Run(gctx)
			return nil
		})
		g.Go(func() error {
			<-gctx.Done()
			zap.L().Info("shutting down server")
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
			defer cancel()
			return srv.Shutdown(shutdownCtx)
		})

		return g.Wait()
	},
}

// loadGate reads the credentials file. A missing file leaves the server
// running with logins disabled.
func loadGate(c config.AuthConfig) (*auth.Gate, error) {
	if c.CredentialsFile == "" {
		zap.L().Warn("no credentials file configured, logins disabled")
		return nil, nil
	}
	if _, err := os.Stat(c.CredentialsFile); os.IsNotExist(err) {
		zap.L().Warn("credentials file not found, logins disabled", zap.String("path", c.CredentialsFile))
		return nil, nil
	}
	creds, err := auth.LoadCredentials(c.CredentialsFile)
	if err != nil {
		return nil, err
	}
	return auth.NewGate(creds, c.AttemptsPerMinute), nil
}

// maintenanceTasks are the periodic jobs run while serving.
func maintenanceTasks(c *config.Config, env *storeEnv, manager *session.Manager) []monitoring.Task {
	return []monitoring.Task{
		{
			Name: "backup_retention",
			Run: func(context.Context) error {
				removed, err := pruneBackups(c, env.Backups)
				if len(removed) > 0 {
					zap.L().Info("pruned backups", zap.Int("removed", len(removed)))
				}
				return err
			},
		},
		{
			Name: "session_expiry",
			Run: func(context.Context) error {
				manager.Expire()
				return nil
			},
		},
	}
}

func init() {
	serveCmd.Flags().IntVar(&servePort, "port", 0, "server port (default from config)")
	rootCmd.AddCommand(serveCmd)
}
