package main

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/flitsinc/go-hostagent/internal/api"
	"github.com/flitsinc/go-hostagent/internal/config"
	"github.com/flitsinc/go-hostagent/internal/eventbus"
	"github.com/flitsinc/go-hostagent/internal/orchestrator"
	"github.com/flitsinc/go-hostagent/internal/reasoner"
	"github.com/flitsinc/go-hostagent/internal/remote"
	"github.com/flitsinc/go-hostagent/internal/state"
	"github.com/flitsinc/go-hostagent/internal/store"
	"github.com/flitsinc/go-hostagent/internal/tasks"
)

var (
	version    = "0.1.0"
	logger     *slog.Logger
	configPath string
)

func main() {
	logger = slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelInfo}))
	slog.SetDefault(logger)

	root := &cobra.Command{
		Use:   "hostagentd",
		Short: "Host agent daemon: conversation and task orchestration over remote agents",
	}
	root.PersistentFlags().StringVarP(&configPath, "config", "c", "hostagent.yaml", "path to config file")

	root.AddCommand(serveCmd())
	root.AddCommand(versionCmd())

	if err := root.Execute(); err != nil {
		os.Exit(1)
	}
}

func versionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print the version",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Println("hostagentd", version)
		},
	}
}

func serveCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the host agent daemon",
		RunE:  runServe,
	}
}

func runServe(cmd *cobra.Command, args []string) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}
	if err := os.MkdirAll(cfg.DataDir, 0o755); err != nil {
		return fmt.Errorf("create data dir: %w", err)
	}

	db, err := state.Open(cfg.DBPath)
	if err != nil {
		return fmt.Errorf("open db: %w", err)
	}
	defer db.Close()

	st := store.NewStore(db)
	bus := eventbus.NewBus(db)
	machine := tasks.NewMachine(st, bus)
	registry := remote.NewRegistry(st, remote.WithLogger(logger))

	engine := reasoner.NewOpenAI(reasoner.OpenAIConfig{
		APIKey:  cfg.LLM.APIKey,
		APIBase: cfg.LLM.APIBase,
		Model:   cfg.LLM.Model,
		Logger:  logger,
	})
	orch := orchestrator.New(st, machine, registry, reasoner.New(engine, logger),
		orchestrator.WithPolicy(orchestrator.Policy(cfg.DelegationPolicy)),
		orchestrator.WithLogger(logger),
	)

	serverCtx, serverCancel := context.WithCancel(context.Background())
	defer serverCancel()

	// Register configured remote agents, then give late starters a moment
	// before the first message is processed.
	registry.Init(serverCtx, cfg.RemoteAgents)
	if len(cfg.RemoteAgents) > 0 && cfg.SettleDelay > 0 {
		logger.Info("waiting for remote agents to settle", "delay", cfg.SettleDelay)
		time.Sleep(cfg.SettleDelay)
	}

	orch.StartPendingSweep(serverCtx, cfg.SweepInterval, cfg.PendingTTL)

	apiServer := &api.Server{
		Store:        st,
		Bus:          bus,
		Orchestrator: orch,
		Registry:     registry,
		StartedAt:    time.Now().UTC(),
	}
	httpServer := &http.Server{
		Addr:              cfg.HTTPAddr,
		Handler:           loggingMiddleware(apiServer.Handler()),
		ReadHeaderTimeout: 5 * time.Second,
		BaseContext: func(_ net.Listener) context.Context {
			return serverCtx
		},
	}

	go func() {
		logger.Info("hostagentd listening", "addr", cfg.HTTPAddr)
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Error("http server error", "error", err)
			os.Exit(1)
		}
	}()

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, syscall.SIGINT, syscall.SIGTERM)
	<-stop

	serverCancel()

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := httpServer.Shutdown(ctx); err != nil {
		logger.Warn("server shutdown error", "error", err)
	}
	orch.Wait()
	return nil
}

func loggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		next.ServeHTTP(w, r)
		logger.Info("request", "method", r.Method, "path", r.URL.Path, "duration", time.Since(start))
	})
}
