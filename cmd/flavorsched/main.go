// Command flavorsched runs and inspects the flavor compatibility test
// scheduler.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"flavorsched/internal/audit"
	"flavorsched/internal/cloudcli"
	"flavorsched/internal/config"
	"flavorsched/internal/executor"
	"flavorsched/internal/logging"
	"flavorsched/internal/model"
	"flavorsched/internal/patch"
	"flavorsched/internal/provision"
	"flavorsched/internal/sandbox"
	"flavorsched/internal/scheduler"
	"flavorsched/internal/store"
	"flavorsched/internal/zone"
)

var (
	verbose      bool
	configPath   string
	taskListPath string

	logger *zap.Logger
)

var rootCmd = &cobra.Command{
	Use:   "flavorsched",
	Short: "Flavor compatibility test scheduler",
	Long: `flavorsched schedules cloud instance-type compatibility test attempts
across a bounded pool of sandboxes, resolving availability zones and
retrying resource and testcase failures independently.`,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		zcfg := zap.NewProductionConfig()
		if verbose {
			zcfg.Level = zap.NewAtomicLevelAt(zapcore.DebugLevel)
		}
		zcfg.Encoding = "console"
		zcfg.EncoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder
		var err error
		logger, err = zcfg.Build()
		if err != nil {
			return fmt.Errorf("build console logger: %w", err)
		}
		return nil
	},
	PersistentPostRun: func(cmd *cobra.Command, args []string) {
		if logger != nil {
			_ = logger.Sync()
		}
		logging.CloseAll()
	},
}

func init() {
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "enable debug logging")
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "flavorsched.toml", "path to configuration file")
	rootCmd.PersistentFlags().StringVarP(&taskListPath, "task-list", "t", "tasks.toml", "path to the task list file")

	rootCmd.AddCommand(runCmd, statusCmd, patchCmd)
}

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Start the scheduler and drive every pending task to completion",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := config.Load(configPath)
		if err != nil {
			return err
		}
		if err := cfg.Validate(); err != nil {
			return fmt.Errorf("invalid configuration: %w", err)
		}

		if err := logging.Initialize(cfg.Scheduler.LogPath); err != nil {
			logger.Warn("file logging disabled", zap.Error(err))
		}

		s := store.New(taskListPath)
		if err := s.Load(); err != nil {
			return fmt.Errorf("load task list: %w", err)
		}

		auditPath := filepath.Join(cfg.Scheduler.LogPath, "audit.db")
		trail, err := audit.Open(auditPath)
		if err != nil {
			logger.Warn("audit trail disabled", zap.Error(err))
		} else {
			s.SetRecorder(trail)
			defer trail.Close()
		}

		ctx, cancel := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
		defer cancel()

		deps, err := buildExecutorDeps(ctx, cfg)
		if err != nil {
			return err
		}

		sched := scheduler.New(s, taskListPath, cfg.Scheduler.MaxThreads, deps)

		logger.Info("scheduler starting",
			zap.String("task_list", taskListPath),
			zap.Int("max_threads", cfg.Scheduler.MaxThreads),
			zap.Bool("dry_run", cfg.Scheduler.DryRun),
		)
		err = sched.Run(ctx)
		if err != nil && ctx.Err() == nil {
			return err
		}
		logger.Info("scheduler stopped")
		return nil
	},
}

func buildExecutorDeps(ctx context.Context, cfg *config.Config) (executor.Deps, error) {
	if err := os.MkdirAll(cfg.Scheduler.LogPath, 0755); err != nil {
		return executor.Deps{}, fmt.Errorf("create log directory: %w", err)
	}

	credsPath := cfg.Executor.Test.IdentityFile
	cli := cloudcli.New("aliyun", cfg.Executor.Test.Provider, credsPath)

	overrideZone := cfg.Executor.Zone
	if cfg.Scheduler.DryRun && overrideZone == "" {
		// Dry-run mode needs the resolver to short-circuit too, since
		// there is no real cloud CLI to list occupied zones against.
		overrideZone = "dry-run-zone-a"
	}
	zoneCfg := zone.Config{
		DistributionPath:   cfg.Executor.DistributionFile,
		DistributionHelper: cfg.Executor.DistributionHelper,
		EnabledRegions:     cfg.Executor.EnabledRegions,
		OverrideZone:       overrideZone,
		ReservedLabel:      cfg.Executor.ReservedLabel,
	}
	resolver := zone.New(zoneCfg, cli)
	if !cfg.Scheduler.DryRun && zoneCfg.OverrideZone == "" {
		loadCtx, cancel := context.WithTimeout(ctx, 5*time.Minute)
		if err := resolver.Refresh(loadCtx); err != nil {
			cancel()
			return executor.Deps{}, fmt.Errorf("load zone distribution: %w", err)
		}
		cancel()
		resolver.WatchDistribution(ctx)
	}

	var runtime sandbox.Runtime
	if cfg.Scheduler.DryRun {
		runtime = sandbox.DryRunRuntime{Test: executor.NewDryRunRunner(nil)}
	} else {
		runtime = sandbox.ExecRuntime{
			Binary:     "docker",
			Image:      cfg.Executor.ContainerImage,
			TestRunner: "run-avocado-test",
			SharedPath: cfg.Executor.ContainerPath,
		}
	}
	pool := sandbox.New(cfg.Executor.ContainerPoolName, cfg.Executor.ContainerPoolSize, runtime)

	var provisionCLI provision.CloudCLI = cli
	if cfg.Scheduler.DryRun {
		provisionCLI = nil
	}
	provisioner := provision.New(cfg.Executor.ContainerPath, "templates", cfg.Executor.Test, provisionCLI)

	return executor.Deps{
		Zone:      resolver,
		Sandbox:   pool,
		Provision: provisioner,
		LockSecs:  7200,
		LogDir:    cfg.Scheduler.LogPath,
	}, nil
}

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Print the current status of every task",
	RunE: func(cmd *cobra.Command, args []string) error {
		s := store.New(taskListPath)
		if err := s.Load(); err != nil {
			return fmt.Errorf("load task list: %w", err)
		}
		snap, err := s.Snapshot()
		if err != nil {
			return err
		}

		fmt.Printf("%-20s %-12s %-6s %-8s %-8s %-12s %s\n",
			"FLAVOR", "STATUS", "CODE", "RES_LEFT", "TC_LEFT", "TIME_USED", "LOG")
		for flavor, rec := range snap {
			fmt.Printf("%-20s %-12s %-6d %-8d %-8d %-12.1f %s\n",
				flavor, rec.EffectiveStatus(), rec.ReturnCode,
				rec.RemainingRetriesResource, rec.RemainingRetriesTestcase,
				rec.TimeUsed, rec.TestLog)
		}
		return nil
	},
}

var (
	patchWithdraw bool
)

var patchCmd = &cobra.Command{
	Use:   "patch FLAVOR",
	Short: "Drop a one-shot patch scheduling or withdrawing a single flavor",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		flavor := args[0]

		patchPath := patch.Path(taskListPath)
		if _, err := os.Stat(patchPath); err == nil {
			return fmt.Errorf("a patch is already pending at %s", patchPath)
		}
		if _, err := os.Stat(taskListPath); err != nil {
			return fmt.Errorf("task list %s does not exist: %w", taskListPath, err)
		}

		action := model.ActionSchedule
		if patchWithdraw {
			action = model.ActionWithdraw
		}
		patches := map[string]model.PatchRecord{flavor: {Action: action}}

		return writePatchFile(patchPath, patches)
	},
}

func init() {
	patchCmd.Flags().BoolVar(&patchWithdraw, "withdraw", false, "withdraw the flavor instead of (re)scheduling it")
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
