package main

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/mihaimyh/gopremium/pkg/billing"
	"github.com/mihaimyh/gopremium/pkg/entitlement"
	zerologadapter "github.com/mihaimyh/gopremium/pkg/entitlement/logger/zerolog"
	"github.com/mihaimyh/gopremium/pkg/resync"
)

var workerCmd = &cobra.Command{
	Use:   "resync-worker",
	Short: "Consume the bulk re-sync queue and reconcile users against their providers",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig(envFile)
		if err != nil {
			return err
		}
		ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
		defer stop()

		a, err := newApp(ctx, cfg, false)
		if err != nil {
			return err
		}
		defer a.close()

		client, err := newRedisClient(ctx, cfg)
		if err != nil {
			return err
		}
		defer client.Close()
		queue, err := newQueue(ctx, cfg, client)
		if err != nil {
			return err
		}

		pool, err := newWorkerPool(cfg, queue, a.providers, zerologadapter.NewLogger(a.log.With().Str("component", "resync").Logger()))
		if err != nil {
			return err
		}

		a.log.Info().Int("workers", cfg.Workers).Str("stream", cfg.ResyncStream).Msg("resync worker started")
		return pool.Run(ctx)
	},
}

func newWorkerPool(
	cfg *Config, queue resync.Queue, providers []billing.Provider, logger entitlement.Logger,
) (*resync.Pool, error) {
	syncers := make(map[string]resync.Syncer, len(providers))
	for _, p := range providers {
		syncers[p.Name()] = p
	}

	poolConfig := resync.DefaultConfig()
	poolConfig.Queue = queue
	poolConfig.Syncers = syncers
	poolConfig.Workers = cfg.Workers
	poolConfig.TaskTimeout = cfg.TaskTimeout
	poolConfig.Logger = logger
	poolConfig.OnResult = func(task resync.Task, outcome *entitlement.Outcome, err error) {
		if err == nil && outcome != nil && outcome.Changed {
			logger.Info("resync changed entitlement",
				entitlement.Field{Key: "user_id", Value: task.UserID},
				entitlement.Field{Key: "provider", Value: task.Provider},
				entitlement.Field{Key: "premium", Value: outcome.IsPremium},
			)
		}
	}
	return resync.NewPool(poolConfig)
}

var (
	enqueueProviders []string
	enqueueStdin     bool
)

var enqueueCmd = &cobra.Command{
	Use:   "enqueue-resync [user-id...]",
	Short: "Queue users for a provider re-sync",
	Long: `Queue users for a provider re-sync. User ids are taken from the arguments,
or one per line from standard input with --stdin.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig(envFile)
		if err != nil {
			return err
		}
		ctx := cmd.Context()

		userIDs := args
		if enqueueStdin {
			if userIDs, err = readUserIDs(cmd.InOrStdin()); err != nil {
				return err
			}
		}
		tasks, err := buildTasks(userIDs, enqueueProviders, time.Now().UTC())
		if err != nil {
			return err
		}

		client, err := newRedisClient(ctx, cfg)
		if err != nil {
			return err
		}
		defer client.Close()
		queue, err := newQueue(ctx, cfg, client)
		if err != nil {
			return err
		}

		if err := enqueueBatches(ctx, queue, tasks, 500); err != nil {
			return err
		}
		fmt.Fprintf(cmd.OutOrStdout(), "queued %d tasks for %d users\n", len(tasks), len(userIDs))
		return nil
	},
}

func init() {
	enqueueCmd.Flags().StringSliceVar(&enqueueProviders, "provider", []string{"stripe", "appstore"}, "providers to re-sync")
	enqueueCmd.Flags().BoolVar(&enqueueStdin, "stdin", false, "read user ids from standard input")
}

func readUserIDs(r io.Reader) ([]string, error) {
	var ids []string
	scanner := bufio.NewScanner(r)
	for scanner.Scan() {
		if id := strings.TrimSpace(scanner.Text()); id != "" && !strings.HasPrefix(id, "#") {
			ids = append(ids, id)
		}
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("read user ids: %w", err)
	}
	return ids, nil
}

func buildTasks(userIDs, providers []string, now time.Time) ([]resync.Task, error) {
	if len(userIDs) == 0 {
		return nil, fmt.Errorf("no user ids given")
	}
	tasks := make([]resync.Task, 0, len(userIDs)*len(providers))
	for _, userID := range userIDs {
		for _, provider := range providers {
			task := resync.Task{UserID: userID, Provider: provider, EnqueuedAt: now}
			if err := task.Validate(); err != nil {
				return nil, fmt.Errorf("user %q: %w", userID, err)
			}
			tasks = append(tasks, task)
		}
	}
	return tasks, nil
}

func enqueueBatches(ctx context.Context, queue resync.Queue, tasks []resync.Task, size int) error {
	for start := 0; start < len(tasks); start += size {
		end := min(start+size, len(tasks))
		if err := queue.Enqueue(ctx, tasks[start:end]...); err != nil {
			return err
		}
	}
	return nil
}
