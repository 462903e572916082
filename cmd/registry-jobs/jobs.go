package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"strconv"
	"text/tabwriter"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/spf13/cobra"

	"github.com/scarson/registry-jobs/internal/config"
	"github.com/scarson/registry-jobs/internal/store"
	"github.com/scarson/registry-jobs/internal/worker"
)

// openDB loads config, installs the logger and connects. The caller closes
// the returned pool.
func openDB(ctx context.Context) (*config.Config, *pgxpool.Pool, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, nil, fmt.Errorf("config: %w", err)
	}
	slog.SetDefault(newLogger(cfg))
	db, err := newPool(ctx, cfg)
	if err != nil {
		return nil, nil, fmt.Errorf("database: %w", err)
	}
	return cfg, db, nil
}

// ── enqueue ───────────────────────────────────────────────────────────────────

func enqueueCmd() *cobra.Command {
	var force bool
	cmd := &cobra.Command{
		Use:   "enqueue <type> [json]",
		Short: "Insert one job row",
		Args:  cobra.RangeArgs(1, 2),
		RunE: func(cmd *cobra.Command, args []string) error {
			jobType, data := args[0], "null"
			if len(args) == 2 {
				data = args[1]
			}
			if !json.Valid([]byte(data)) {
				return fmt.Errorf("payload for %s is not valid JSON", jobType)
			}
			if !force && !newRegistry().Has(jobType) {
				return fmt.Errorf("unknown job type %q (known: %v); pass --force to enqueue anyway",
					jobType, newRegistry().Names())
			}

			_, db, err := openDB(cmd.Context())
			if err != nil {
				return err
			}
			defer db.Close()

			id, err := store.EnqueueJob(cmd.Context(), db, jobType, json.RawMessage(data))
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), id)
			return nil
		},
	}
	cmd.Flags().BoolVar(&force, "force", false, "enqueue even if no handler is registered for the type")
	return cmd
}

// ── jobs ──────────────────────────────────────────────────────────────────────

func jobsCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "jobs",
		Short: "Inspect and manage queued jobs",
	}
	cmd.AddCommand(jobsListCmd(), jobsRetryCmd(), jobsDeleteCmd())
	return cmd
}

func jobsListCmd() *cobra.Command {
	var f store.ListFilter
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List queued jobs ordered by id",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, db, err := openDB(cmd.Context())
			if err != nil {
				return err
			}
			defer db.Close()

			infos, err := newJobStore(cfg).ListJobs(cmd.Context(), db, f)
			if err != nil {
				return err
			}
			return printJobs(cmd.OutOrStdout(), infos)
		},
	}
	cmd.Flags().StringVar(&f.JobType, "type", "", "only jobs of this type")
	cmd.Flags().Int32Var(&f.MinRetries, "min-retries", 0, "only jobs with at least this many failed attempts")
	cmd.Flags().BoolVar(&f.DeadOnly, "dead", false, "only dead-lettered jobs")
	cmd.Flags().Int64Var(&f.AfterID, "after", 0, "only jobs with an id greater than this")
	cmd.Flags().Uint64Var(&f.Limit, "limit", 100, "maximum number of rows")
	return cmd
}

func printJobs(w io.Writer, infos []store.JobInfo) error {
	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "ID\tTYPE\tRETRIES\tDEAD\tCREATED\tNEXT ATTEMPT\tDATA")
	for _, j := range infos {
		fmt.Fprintf(tw, "%d\t%s\t%d\t%t\t%s\t%s\t%s\n",
			j.ID, j.JobType, j.Retries, j.Dead,
			j.CreatedAt.UTC().Format(time.RFC3339),
			j.NextAttemptAt.UTC().Format(time.RFC3339),
			j.Data,
		)
	}
	return tw.Flush()
}

func jobsRetryCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "retry <id>",
		Short: "Clear a job's retry history so it runs on the next poll",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withJobID(cmd, args[0], func(ctx context.Context, js *store.JobStore, db *pgxpool.Pool, id int64) (bool, error) {
				return js.ResetJob(ctx, db, id)
			})
		},
	}
}

func jobsDeleteCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "delete <id>",
		Short: "Delete a job without running it",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withJobID(cmd, args[0], func(ctx context.Context, js *store.JobStore, db *pgxpool.Pool, id int64) (bool, error) {
				return js.RemoveJob(ctx, db, id)
			})
		},
	}
}

func withJobID(
	cmd *cobra.Command,
	rawID string,
	fn func(context.Context, *store.JobStore, *pgxpool.Pool, int64) (bool, error),
) error {
	id, err := strconv.ParseInt(rawID, 10, 64)
	if err != nil {
		return fmt.Errorf("job id %q: %w", rawID, err)
	}
	cfg, db, err := openDB(cmd.Context())
	if err != nil {
		return err
	}
	defer db.Close()

	ok, err := fn(cmd.Context(), newJobStore(cfg), db, id)
	if err != nil {
		return err
	}
	if !ok {
		return fmt.Errorf("job %d not found", id)
	}
	slog.Info("job updated", "job_id", id, "command", cmd.Name())
	return nil
}

// ── check ─────────────────────────────────────────────────────────────────────

func checkCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "check",
		Short: "Exit non-zero when dead-lettered jobs exist",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, db, err := openDB(cmd.Context())
			if err != nil {
				return err
			}
			defer db.Close()

			n, err := newJobStore(cfg).CountFailed(cmd.Context(), db)
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), n)
			if n > 0 {
				return &worker.JobsFailedError{Count: n}
			}
			return nil
		},
	}
}
