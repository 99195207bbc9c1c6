// Command taskctl is an operator surface over the Background Manager:
// zap for human-facing console output, the internal logging package for
// file telemetry.
package main

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"taskforge/internal/bgtask"
	"taskforge/internal/config"
	"taskforge/internal/logging"
)

var (
	logger  *zap.Logger
	cfgPath string
	cfg     *config.Config
	manager *bgtask.Manager
)

func main() {
	root := &cobra.Command{
		Use:   "taskctl",
		Short: "Inspect and drive the background task manager",
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			zapCfg := zap.NewProductionConfig()
			zapCfg.Encoding = "console"
			z, err := zapCfg.Build()
			if err != nil {
				return err
			}
			logger = z

			c, err := config.Load(cfgPath)
			if err != nil {
				return fmt.Errorf("load config: %w", err)
			}
			cfg = c

			if err := logging.Initialize(c.RuntimeDir, c.Logging); err != nil {
				return fmt.Errorf("init logging: %w", err)
			}

			store, err := bgtask.NewFileStore(c.RuntimeDir)
			if err != nil {
				return fmt.Errorf("open store: %w", err)
			}
			manager = bgtask.NewManager(store, cfg)
			return nil
		},
		PersistentPostRun: func(cmd *cobra.Command, args []string) {
			if logger != nil {
				_ = logger.Sync()
			}
			logging.CloseAll()
		},
	}
	root.PersistentFlags().StringVar(&cfgPath, "config", "", "path to a taskforge config YAML file")

	root.AddCommand(listCmd(), getCmd(), cancelCmd(), retryCmd(), cleanCmd(), tickCmd())

	if err := root.Execute(); err != nil {
		os.Exit(1)
	}
}

func listCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List every checkpointed task",
		RunE: func(cmd *cobra.Command, args []string) error {
			tasks, err := manager.List()
			if err != nil {
				return err
			}
			for _, t := range tasks {
				fmt.Printf("%s\t%s\t%s\n", t.ID, t.Status, t.Description)
			}
			logger.Info("listed tasks", zap.Int("count", len(tasks)))
			return nil
		},
	}
}

func getCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "get <id>",
		Short: "Show one task's checkpoint",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			t, err := manager.Get(args[0])
			if err != nil {
				logger.Error("get failed", zap.String("id", args[0]), zap.Error(err))
				return err
			}
			fmt.Printf("%+v\n", t)
			return nil
		},
	}
}

func cancelCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "cancel <id>",
		Short: "Request cancellation of a running task",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			_, err := manager.Cancel(args[0])
			if err != nil {
				logger.Error("cancel failed", zap.String("id", args[0]), zap.Error(err))
				return err
			}
			logger.Info("cancel requested", zap.String("id", args[0]))
			return nil
		},
	}
}

func retryCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "retry <id>",
		Short: "Requeue a failed or interrupted task",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
			defer cancel()
			t, err := manager.Retry(ctx, args[0])
			if err != nil {
				logger.Error("retry failed", zap.String("id", args[0]), zap.Error(err))
				return err
			}
			logger.Info("retry queued", zap.String("id", args[0]), zap.Int("attempt", t.Attempt))
			return nil
		},
	}
}

func cleanCmd() *cobra.Command {
	var maxAge string
	c := &cobra.Command{
		Use:   "clean",
		Short: "Remove terminal task checkpoints older than --max-age",
		RunE: func(cmd *cobra.Command, args []string) error {
			age, err := time.ParseDuration(maxAge)
			if err != nil {
				return fmt.Errorf("parse --max-age: %w", err)
			}
			n, err := manager.Clean(age)
			if err != nil {
				return err
			}
			logger.Info("cleaned terminal tasks", zap.Int("removed", n))
			return nil
		},
	}
	c.Flags().StringVar(&maxAge, "max-age", "24h", "remove terminal tasks whose checkpoint is older than this")
	return c
}

func tickCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "tick",
		Short: "Run one reaper+starter pass",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
			defer cancel()
			if err := manager.Tick(ctx); err != nil {
				logger.Error("tick failed", zap.Error(err))
				return err
			}
			logger.Info("tick complete")
			return nil
		},
	}
}
