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

	"github.com/dartcloud/dartcloud/internal/api"
	"github.com/dartcloud/dartcloud/internal/auth"
	"github.com/dartcloud/dartcloud/internal/cache"
	"github.com/dartcloud/dartcloud/internal/config"
	"github.com/dartcloud/dartcloud/internal/deploy"
	"github.com/dartcloud/dartcloud/internal/domain"
	"github.com/dartcloud/dartcloud/internal/fsx"
	"github.com/dartcloud/dartcloud/internal/invoke"
	"github.com/dartcloud/dartcloud/internal/logging"
	"github.com/dartcloud/dartcloud/internal/metrics"
	"github.com/dartcloud/dartcloud/internal/observability"
	"github.com/dartcloud/dartcloud/internal/runtime"
	"github.com/dartcloud/dartcloud/internal/store"
)

func serveCmd() *cobra.Command {
	var (
		configPath string
		reqLogPath string
	)

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the DartCloud engine",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(configPath)
			if err != nil {
				return err
			}

			logging.SetLevelFromString(cfg.LogLevel)
			logging.InitJSON()

			if err := observability.Init(cmd.Context(), cfg.Tracing.Enabled, cfg.Tracing.Endpoint); err != nil {
				return fmt.Errorf("init tracing: %w", err)
			}
			defer observability.Shutdown(context.Background())

			if reqLogPath != "" {
				if err := logging.Default().SetOutput(reqLogPath); err != nil {
					return fmt.Errorf("open request log: %w", err)
				}
				defer logging.Default().Close()
			}

			startCtx, cancel := context.WithTimeout(cmd.Context(), 30*time.Second)
			st, err := buildStore(startCtx, cfg)
			cancel()
			if err != nil {
				return err
			}
			defer st.Close()

			rt, shutdownRuntime := buildRuntime(cfg)
			defer shutdownRuntime()

			fs := fsx.NewOS()
			if err := fs.EnsureDir(cfg.Paths.FunctionsDir); err != nil {
				return fmt.Errorf("create functions dir: %w", err)
			}

			m := metrics.New()
			if err := verifyRuntime(cmd.Context(), rt); err != nil {
				return err
			}
			m.RuntimeUp.Set(1)

			deployer := deploy.New(st, rt, fs, cfg, m)
			engine := invoke.New(st, rt, fs, cfg, m, logging.Default())
			keys := auth.NewKeys(st, nil)
			server := api.New(cfg, st, deployer, engine, keys, rt, m)

			httpServer := &http.Server{
				Addr:              fmt.Sprintf(":%d", cfg.Port),
				Handler:           server.Handler(),
				ReadHeaderTimeout: 10 * time.Second,
			}

			errCh := make(chan error, 1)
			go func() {
				logging.Op().Info("engine started", "port", cfg.Port,
					"runtime_mode", string(cfg.Container.RuntimeMode))
				if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
					errCh <- err
				}
			}()

			sigCh := make(chan os.Signal, 1)
			signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

			select {
			case sig := <-sigCh:
				logging.Op().Info("shutdown signal received", "signal", sig.String())
				ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
				defer cancel()
				if err := httpServer.Shutdown(ctx); err != nil {
					return fmt.Errorf("shutdown http server: %w", err)
				}
				return nil
			case err := <-errCh:
				return fmt.Errorf("http server: %w", err)
			}
		},
	}

	cmd.Flags().StringVar(&configPath, "config", "", "Path to YAML config (optional)")
	cmd.Flags().StringVar(&reqLogPath, "request-log", "", "Path to JSON invocation log (optional)")

	return cmd
}

func loadConfig(path string) (*config.Config, error) {
	cfg := config.Default()
	if path != "" {
		loaded, err := config.LoadFile(path)
		if err != nil {
			return nil, fmt.Errorf("load config: %w", err)
		}
		cfg = loaded
	}
	config.LoadEnv(cfg)
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// buildStore opens Postgres and layers the read cache on top: Redis when
// configured, in-process otherwise.
func buildStore(ctx context.Context, cfg *config.Config) (store.Store, error) {
	pg, err := store.NewPostgresStore(ctx, cfg.Database.URL)
	if err != nil {
		return nil, fmt.Errorf("open store: %w", err)
	}

	var c cache.Cache
	if cfg.Redis.Addr != "" {
		c, err = cache.NewRedis(ctx, cfg.Redis.Addr, cfg.Redis.Password, cfg.Redis.DB)
		if err != nil {
			pg.Close()
			return nil, fmt.Errorf("open redis: %w", err)
		}
		logging.Op().Info("using redis cache", "addr", cfg.Redis.Addr)
	} else {
		c = cache.NewMemory()
	}

	return store.NewCachedStore(pg, c, 0), nil
}

// verifyRuntime probes the container runtime once at startup. An engine that
// cannot run containers has nothing to serve, so the process refuses to start.
func verifyRuntime(ctx context.Context, rt runtime.Runtime) error {
	if !rt.Available(ctx) {
		return fmt.Errorf("%w: container runtime is not responding", domain.ErrRuntimeUnavailable)
	}
	return nil
}

func buildRuntime(cfg *config.Config) (runtime.Runtime, func()) {
	if cfg.Container.RuntimeMode == config.RuntimeModeSidecar {
		sc := runtime.NewSidecar(cfg.Container.SidecarPath, cfg.Container.SocketPath)
		return sc, sc.Shutdown
	}
	return runtime.NewCLI(), func() {}
}
