package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/fatih/color"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"conductor/internal/archive"
	"conductor/internal/config"
	"conductor/internal/cost"
	"conductor/internal/discovery"
	"conductor/internal/executor"
	"conductor/internal/hub"
	"conductor/internal/ledger"
	"conductor/internal/logging"
	"conductor/internal/observability"
	"conductor/internal/registry"
	httpserver "conductor/internal/server/http"
	"conductor/internal/session"
)

var (
	version = "dev"
	commit  = "unknown"
)

func main() {
	root := &cobra.Command{
		Use:   "conductor",
		Short: "Remote task orchestration core",
		Long:  "conductor queues and executes tasks, probes remote services and streams state changes to connected clients.",
	}
	root.AddCommand(serveCmd(), versionCmd())

	if err := root.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, color.RedString("error: %v", err))
		os.Exit(1)
	}
}

func versionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Printf("conductor %s (%s)\n", version, commit)
		},
	}
}

func serveCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the orchestrator",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load()
			if err != nil {
				return err
			}
			return serve(cfg)
		},
	}
}

func serve(cfg *config.Config) error {
	logger := logging.NewComponentLogger("main")
	banner()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	metrics := observability.DefaultMetrics()

	tracer, err := observability.NewTracerProvider(cfg.Tracing)
	if err != nil {
		return fmt.Errorf("init tracing: %w", err)
	}
	defer tracer.Shutdown(context.Background())

	sessions := session.NewStore(cfg.Session.TTL, logging.NewComponentLogger("session"))
	realtimeHub := hub.New(sessions, logging.NewComponentLogger("hub"),
		hub.WithAuthGrace(cfg.Hub.AuthGrace),
		hub.WithMetrics(metrics),
	)
	defer realtimeHub.Close()

	serviceRegistry := registry.New(realtimeHub, logging.NewComponentLogger("registry"),
		registry.WithProbeInterval(cfg.Registry.ProbeInterval),
		registry.WithProbeTimeout(cfg.Registry.ProbeTimeout),
		registry.WithForwardTimeout(cfg.Registry.ForwardTimeout),
		registry.WithMetrics(metrics),
		registry.WithTracer(tracer),
	)
	for _, svc := range cfg.Services {
		if err := serviceRegistry.Register(svc.Name, svc.Address); err != nil {
			return fmt.Errorf("register service %q: %w", svc.Name, err)
		}
	}
	if err := serviceRegistry.Start(); err != nil {
		return err
	}
	defer serviceRegistry.Stop()

	model := cost.NewModel(cfg.Cost.BaseCosts)

	ledgerOpts := []ledger.Option{ledger.WithMetrics(metrics)}
	if cfg.Archive.DatabaseURL != "" {
		taskArchive, err := archive.NewPostgresArchive(ctx, cfg.Archive.DatabaseURL, logging.NewComponentLogger("archive"))
		if err != nil {
			return fmt.Errorf("init task archive: %w", err)
		}
		defer taskArchive.Close()
		ledgerOpts = append(ledgerOpts, ledger.WithArchive(taskArchive))
	}
	taskLedger := ledger.NewInMemoryLedger(model, realtimeHub, logging.NewComponentLogger("ledger"), ledgerOpts...)

	exec := executor.New(taskLedger, model, logging.NewComponentLogger("executor"),
		executor.WithTaskTimeout(cfg.Executor.TaskTimeout),
		executor.WithMetrics(metrics),
		executor.WithTracer(tracer),
	)
	if err := exec.RegisterHandler(executor.KindEcho, executor.EchoHandler()); err != nil {
		return err
	}
	if err := exec.RegisterHandler(executor.KindProxy, executor.ProxyHandler(serviceRegistry)); err != nil {
		return err
	}
	if err := exec.Start(ctx); err != nil {
		return err
	}
	defer exec.Stop()

	server := httpserver.NewServer(httpserver.Options{
		Sessions:       sessions,
		Ledger:         taskLedger,
		Executor:       exec,
		Registry:       serviceRegistry,
		Hub:            realtimeHub,
		Logger:         logging.NewComponentLogger("http"),
		RequestsPerMin: cfg.Server.RequestsPerMin,
	})

	group, groupCtx := errgroup.WithContext(ctx)

	group.Go(func() error {
		return server.Run(groupCtx, cfg.ListenAddr(), cfg.Server.ShutdownTimeout)
	})

	if cfg.Discovery.Enabled {
		responder := discovery.New(cfg.Server.Port, serviceRegistry,
			logging.NewComponentLogger("discovery"),
			discovery.WithMetrics(metrics),
		)
		group.Go(func() error {
			if err := responder.Start(groupCtx, cfg.Discovery.Listen); err != nil {
				return err
			}
			responder.Wait()
			return nil
		})
	}

	logger.Info("conductor %s up, http on %s", version, cfg.ListenAddr())
	err = group.Wait()
	logger.Info("shutting down")
	return err
}

func banner() {
	c := color.New(color.FgCyan, color.Bold)
	c.Println("conductor")
	color.New(color.Faint).Printf("task orchestration core %s\n\n", version)
}
