package main

import (
	"context"
	"fmt"
	"io"

	"github.com/spf13/cobra"

	"llm_broker/internal/audit"
	"llm_broker/internal/config"
	"llm_broker/internal/logging"
	"llm_broker/internal/queue"
	"llm_broker/internal/storage"
)

var dlqLimit int

var auditCmd = &cobra.Command{
	Use:   "audit",
	Short: "Inspect the call audit export",
}

var auditDLQCmd = &cobra.Command{
	Use:   "dlq",
	Short: "Manage call records the archive kept rejecting",
}

var auditDLQListCmd = &cobra.Command{
	Use:   "list",
	Short: "Show dead-lettered call records and the export backlog",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		return withAuditWorker(func(w *audit.Worker) error {
			return listDeadLetters(cmd.Context(), w, cmd.OutOrStdout(), dlqLimit)
		})
	},
}

var auditDLQRetryCmd = &cobra.Command{
	Use:   "retry <id>...",
	Short: "Put dead-lettered call records back on the export queue",
	Args:  cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return withAuditWorker(func(w *audit.Worker) error {
			return retryDeadLetters(cmd.Context(), w, cmd.OutOrStdout(), args)
		})
	},
}

func init() {
	auditDLQListCmd.Flags().IntVar(&dlqLimit, "limit", 50, "maximum number of records to show, 0 for all")
	auditDLQCmd.AddCommand(auditDLQListCmd, auditDLQRetryCmd)
	auditCmd.AddCommand(auditDLQCmd)
	rootCmd.AddCommand(auditCmd)
}

// withAuditWorker opens the Redis-backed audit queues of the configuration.
// The memory backend lives inside the serving process and cannot be reached.
func withAuditWorker(fn func(w *audit.Worker) error) error {
	cfg, err := config.Load(cfgFile)
	if err != nil {
		return err
	}
	if err := cfg.Validate(); err != nil {
		return err
	}
	if queue.Backend(cfg.Audit.Backend) != queue.BackendRedis {
		return fmt.Errorf("audit backend %q keeps its dead letters in the server process", cfg.Audit.Backend)
	}

	client, err := storage.NewRedisClient(storage.RedisConfig{
		Address:      cfg.Redis.Address,
		Password:     cfg.Redis.Password,
		DB:           cfg.Redis.DB,
		PoolSize:     2,
		DialTimeout:  cfg.Redis.DialTimeout,
		ReadTimeout:  cfg.Redis.ReadTimeout,
		WriteTimeout: cfg.Redis.WriteTimeout,
	})
	if err != nil {
		return err
	}
	defer client.Close()

	qcfg := queue.DefaultConfig(cfg.Audit.QueueName)
	qcfg.Backend = queue.BackendRedis
	q, dlq, err := queue.New[logging.CallRecord](qcfg, client)
	if err != nil {
		return err
	}
	return fn(audit.NewWorker(q, dlq, nil, audit.Config{}, nil))
}

func listDeadLetters(ctx context.Context, w *audit.Worker, out io.Writer, limit int) error {
	backlog, err := w.QueueLength(ctx)
	if err != nil {
		return fmt.Errorf("failed to read queue length: %w", err)
	}
	items, err := w.DeadLetters(ctx, limit)
	if err != nil {
		return fmt.Errorf("failed to list dead letters: %w", err)
	}

	fmt.Fprintf(out, "%d records waiting for export, %d dead letters shown\n", backlog, len(items))
	for _, dl := range items {
		fmt.Fprintf(out, "%s  %s  call=%s job=%s attempts=%d  %s\n",
			dl.ID, dl.Timestamp.UTC().Format("2006-01-02T15:04:05Z"), dl.Item.CallID, dl.Item.JobID, dl.Attempts, dl.Error)
	}
	return nil
}

func retryDeadLetters(ctx context.Context, w *audit.Worker, out io.Writer, ids []string) error {
	for _, id := range ids {
		if err := w.RetryDeadLetter(ctx, id); err != nil {
			return fmt.Errorf("failed to retry %s: %w", id, err)
		}
		fmt.Fprintf(out, "requeued %s\n", id)
	}
	return nil
}
