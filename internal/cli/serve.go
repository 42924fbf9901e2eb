package cli

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	v1 "conductor/api/v1"
	"conductor/internal/approval"
	"conductor/internal/bridge"
	"conductor/internal/checkpoint"
	"conductor/internal/config"
	"conductor/internal/engine"
	"conductor/internal/gateway"
	"conductor/internal/modesel"
	"conductor/internal/orchestrator"
	"conductor/internal/risk"
	"conductor/internal/scheduler"
	"conductor/internal/storage"
	"conductor/pkg/logger"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the coordinator gateway",
	RunE: func(cmd *cobra.Command, args []string) error {
		return runServe()
	},
}

func init() {
	rootCmd.AddCommand(serveCmd)
}

func runServe() error {
	dbPath, err := cfg.StoragePath()
	if err != nil {
		return err
	}

	db, err := storage.Open(dbPath)
	if err != nil {
		return fmt.Errorf("open storage: %w", err)
	}
	defer db.Close()

	riskEngine, watcher, err := buildRiskEngine(cfg)
	if err != nil {
		return err
	}
	if watcher != nil {
		defer watcher.Stop()
	}

	approvals := approval.NewController(approval.Config{
		Audit:         db,
		Timeout:       cfg.Approval.Timeout,
		SweepInterval: cfg.Approval.PollInterval,
		MaxPending:    cfg.Approval.MaxPending,
		Policy:        approval.Policy(cfg.Approval.Policy),
	})
	defer approvals.Close()

	checkpoints := checkpoint.NewStore(db, checkpoint.Config{
		TTL:                cfg.Checkpoint.TTL,
		MaxCompressedBytes: cfg.Checkpoint.MaxCompressedBytes,
	})

	reaper := checkpoint.NewReaper(db, cfg.Checkpoint.ReapSchedule)
	if err := reaper.Start(); err != nil {
		return fmt.Errorf("start checkpoint reaper: %w", err)
	}
	defer reaper.Stop()

	broker := bridge.NewBroker()
	sharedState := bridge.NewSharedState(db, broker)
	runs := scheduler.NewRegistry()

	orch := orchestrator.New(orchestrator.Deps{
		DB:               db,
		Engines:          []engine.Engine{engine.NewWorkflowEngine(), engine.NewChatEngine()},
		Tools:            engine.NewSimulatedExecutor(),
		Risk:             riskEngine,
		Approvals:        approvals,
		Checkpoints:      checkpoints,
		Selector:         modesel.NewSelector(cfg.Selector.ConfidenceThreshold),
		Runs:             runs,
		Broker:           broker,
		ExecutionTimeout: cfg.Orchestrator.ExecutionTimeout,
		AutoCheckpoint:   cfg.Orchestrator.AutoCheckpoint,
	})

	server := gateway.NewServer(gateway.Config{
		Host: cfg.Gateway.Host,
		Port: cfg.Gateway.Port,
	}, v1.Deps{
		Orchestrator: orch,
		DB:           db,
		Risk:         riskEngine,
		Approvals:    approvals,
		Checkpoints:  checkpoints,
		Runs:         runs,
		State:        sharedState,
		Broker:       broker,
		Version:      Version,
	})

	errCh := make(chan error, 1)
	go func() {
		errCh <- server.Start()
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	select {
	case err := <-errCh:
		return err
	case sig := <-sigCh:
		logger.Info().Str("signal", sig.String()).Msg("Shutting down")
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	return server.Shutdown(shutdownCtx)
}

func buildRiskEngine(cfg *config.Config) (*risk.Engine, *risk.Watcher, error) {
	var extra []risk.Rule
	if cfg.Risk.RulesFile != "" {
		path, err := config.ExpandPath(cfg.Risk.RulesFile)
		if err != nil {
			return nil, nil, err
		}
		rules, err := risk.LoadRulesFile(path)
		if err != nil {
			return nil, nil, fmt.Errorf("load risk rules: %w", err)
		}
		extra = rules

		eng := risk.NewEngine(risk.Config{
			MediumRequiresApproval: cfg.Risk.MediumRequiresApproval,
			ExtraRules:             extra,
		})

		watcher, err := risk.NewWatcher(eng, path)
		if err != nil {
			return nil, nil, err
		}
		if err := watcher.Start(); err != nil {
			return nil, nil, err
		}
		return eng, watcher, nil
	}

	return risk.NewEngine(risk.Config{
		MediumRequiresApproval: cfg.Risk.MediumRequiresApproval,
	}), nil, nil
}
