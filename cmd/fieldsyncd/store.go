package main

import (
	"fmt"
	"io"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/mdrrmo/fieldsync/internal/cache"
	"github.com/mdrrmo/fieldsync/internal/db"
	"github.com/mdrrmo/fieldsync/internal/models"
	"github.com/mdrrmo/fieldsync/internal/sync/queue"
)

// withQueue opens the store in the configured data directory for one
// maintenance command.
func withQueue(opts *RootOptions, fn func(*queue.Queue) error) error {
	h, err := db.Acquire(opts.Config.DataDir)
	if err != nil {
		return fmt.Errorf("open store: %w", err)
	}
	defer h.Release()

	q := queue.NewQueue(h.Store, opts.Config.Agent.MaxQueue)
	if err := sealQueue(q, opts.Config.Agent.QueueKey); err != nil {
		return err
	}
	return fn(q)
}

// NewQueueCommand groups write-queue maintenance commands.
func NewQueueCommand(rootOpts *RootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "queue",
		Short: "Inspect and repair the write queue",
	}
	cmd.AddCommand(newQueueListCommand(rootOpts))
	cmd.AddCommand(newQueueDropCommand(rootOpts))
	cmd.AddCommand(newQueueDeadCommand(rootOpts))
	cmd.AddCommand(newQueueRequeueCommand(rootOpts))
	return cmd
}

func newQueueListCommand(opts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List queued operations in replay order",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return withQueue(opts, func(q *queue.Queue) error {
				ops, err := q.Pending(cmd.Context())
				if err != nil {
					return err
				}
				if opts.Format == "json" {
					if ops == nil {
						ops = []models.QueuedOperation{}
					}
					return writeJSON(cmd.OutOrStdout(), ops)
				}
				return printOperations(cmd.OutOrStdout(), ops)
			})
		},
	}
}

func printOperations(w io.Writer, ops []models.QueuedOperation) error {
	if len(ops) == 0 {
		fmt.Fprintln(w, "queue is empty")
		return nil
	}
	tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
	fmt.Fprintln(tw, "QUEUE ID\tQUEUED AT\tMETHOD\tTARGET")
	for _, op := range ops {
		fmt.Fprintf(tw, "%s\t%s\t%s\t%s\n",
			op.QueueID, op.EnqueuedAt().UTC().Format(time.RFC3339), op.Method, op.TargetURL)
	}
	return tw.Flush()
}

func newQueueDropCommand(opts *RootOptions) *cobra.Command {
	var dead bool

	cmd := &cobra.Command{
		Use:   "drop <queue-id>",
		Short: "Discard a queued operation or, with --dead, a dead letter",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withQueue(opts, func(q *queue.Queue) error {
				var err error
				if dead {
					err = q.DropDeadLetter(cmd.Context(), args[0])
				} else {
					err = q.Remove(cmd.Context(), args[0])
				}
				if err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "dropped %s\n", args[0])
				return nil
			})
		},
	}
	cmd.Flags().BoolVar(&dead, "dead", false, "drop from the dead-letter collection")
	return cmd
}

func newQueueDeadCommand(opts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "dead",
		Short: "List operations the remote store rejected permanently",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return withQueue(opts, func(q *queue.Queue) error {
				dls, err := q.DeadLetters(cmd.Context())
				if err != nil {
					return err
				}
				if opts.Format == "json" {
					if dls == nil {
						dls = []models.DeadLetter{}
					}
					return writeJSON(cmd.OutOrStdout(), dls)
				}
				w := cmd.OutOrStdout()
				if len(dls) == 0 {
					fmt.Fprintln(w, "no dead letters")
					return nil
				}
				tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
				fmt.Fprintln(tw, "QUEUE ID\tSTATUS\tREASON\tMETHOD\tTARGET")
				for _, dl := range dls {
					fmt.Fprintf(tw, "%s\t%d\t%s\t%s\t%s\n",
						dl.Operation.QueueID, dl.Status, dl.Reason, dl.Operation.Method, dl.Operation.TargetURL)
				}
				return tw.Flush()
			})
		},
	}
}

func newQueueRequeueCommand(opts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "requeue <queue-id>",
		Short: "Move a dead letter back to the end of the queue",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withQueue(opts, func(q *queue.Queue) error {
				op, err := q.Requeue(cmd.Context(), args[0])
				if err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "requeued %s at %d\n", op.QueueID, op.QueueTimestamp)
				return nil
			})
		},
	}
}

// NewCacheCommand groups cache maintenance commands.
func NewCacheCommand(rootOpts *RootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "cache",
		Short: "Manage cached reference data",
	}
	cmd.AddCommand(newCacheClearCommand(rootOpts))
	return cmd
}

func newCacheClearCommand(opts *RootOptions) *cobra.Command {
	var all bool

	cmd := &cobra.Command{
		Use:   "clear",
		Short: "Remove cached entries; --all also drops reference sets and assets",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			h, err := db.Acquire(opts.Config.DataDir)
			if err != nil {
				return fmt.Errorf("open store: %w", err)
			}
			defer h.Release()

			m := cache.New(ctx, h.Store, cache.Options{Version: opts.Config.CacheVersion})
			m.ClearAll(ctx)
			if all {
				m.ClearReferences(ctx)
				m.ClearAssets(ctx)
			}
			fmt.Fprintln(cmd.OutOrStdout(), "cache cleared")
			return nil
		},
	}
	cmd.Flags().BoolVar(&all, "all", false, "also drop reference sets and cached assets")
	return cmd
}

// NewStoreCommand groups durable store maintenance commands.
func NewStoreCommand(rootOpts *RootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "store",
		Short: "Maintain the durable store",
	}
	cmd.AddCommand(newStoreDowngradeCommand(rootOpts))
	return cmd
}

func newStoreDowngradeCommand(opts *RootOptions) *cobra.Command {
	var to int

	cmd := &cobra.Command{
		Use:   "downgrade",
		Short: "Roll the store schema back before installing an older release",
		Long: `Roll the store schema back to --to so an older fieldsyncd opens it as is.
An older release that finds a newer schema resets the store and drops the
queue. Stop the agent first. Collections added after --to are dropped.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			from, err := db.Downgrade(opts.Config.DataDir, to)
			if err != nil {
				return err
			}
			if from == to {
				fmt.Fprintf(cmd.OutOrStdout(), "store already at schema version %d\n", to)
				return nil
			}
			fmt.Fprintf(cmd.OutOrStdout(), "store downgraded from schema version %d to %d\n", from, to)
			return nil
		},
	}
	cmd.Flags().IntVar(&to, "to", 0, "target schema version")
	cmd.MarkFlagRequired("to")
	return cmd
}
