package main

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/opencron/condwatch/internal/config"
	"github.com/opencron/condwatch/internal/dispatcher"
	"github.com/opencron/condwatch/internal/engine"
	"github.com/opencron/condwatch/internal/evaluator"
	"github.com/opencron/condwatch/internal/logging"
	"github.com/opencron/condwatch/internal/store"
)

var configFile string

func main() {
	if err := newRootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:          "condwatch",
		Short:        "Watches web search results for user-defined conditions",
		SilenceUsage: true,
	}
	root.PersistentFlags().StringVarP(&configFile, "config", "c", "", "path to a YAML config file")

	root.AddCommand(
		newServeCmd(),
		newRunCmd(),
		newTestWebhookCmd(),
		newVerifySignatureCmd(),
	)
	return root
}

// app holds the wired components shared by the commands.
type app struct {
	cfg        *config.Config
	logger     *zap.Logger
	store      *store.Store
	dispatcher *dispatcher.Dispatcher
	executor   *engine.Executor
	scheduler  *engine.Scheduler
}

func loadConfig() (*config.Config, *zap.Logger, error) {
	cfg, err := config.Load(configFile)
	if err != nil {
		return nil, nil, err
	}
	logger, err := logging.New(cfg.Log.Level, cfg.Log.JSON)
	if err != nil {
		return nil, nil, err
	}
	return cfg, logger, nil
}

func newApp() (*app, error) {
	cfg, logger, err := loadConfig()
	if err != nil {
		return nil, err
	}

	if err := os.MkdirAll(cfg.DataDir, 0o755); err != nil {
		return nil, fmt.Errorf("creating data directory: %w", err)
	}
	s, err := store.New(filepath.Join(cfg.DataDir, "condwatch.db"))
	if err != nil {
		return nil, fmt.Errorf("opening store: %w", err)
	}

	pc := cfg.ProviderConfig()
	search, err := evaluator.NewProvider(cfg.Evaluator.SearchProvider, pc)
	if err != nil {
		_ = s.Close()
		return nil, fmt.Errorf("search provider: %w", err)
	}
	judge, err := evaluator.NewProvider(cfg.Evaluator.JudgeProvider, pc)
	if err != nil {
		_ = s.Close()
		return nil, fmt.Errorf("judge provider: %w", err)
	}
	ev := evaluator.New(search, judge,
		evaluator.WithTimeout(cfg.Evaluator.Timeout),
		evaluator.WithRequestsPerMinute(cfg.Evaluator.RequestsPerMinute),
		evaluator.WithLogger(logger.Named("evaluator")),
	)

	d := dispatcher.New(s, cfg.DispatcherConfig(), dispatcher.WithLogger(logger.Named("dispatcher")))
	exec := engine.NewExecutor(s, ev,
		engine.WithNotifier(d),
		engine.WithExecutorLogger(logger.Named("executor")),
	)
	sched := engine.NewScheduler(s, exec, cfg.SchedulerConfig(), engine.WithSchedulerLogger(logger.Named("scheduler")))

	return &app{
		cfg:        cfg,
		logger:     logger,
		store:      s,
		dispatcher: d,
		executor:   exec,
		scheduler:  sched,
	}, nil
}

func (a *app) Close() {
	if err := a.store.Close(); err != nil {
		a.logger.Error("closing store", zap.Error(err))
	}
	_ = a.logger.Sync()
}
