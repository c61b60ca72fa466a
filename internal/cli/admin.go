package cli

import (
	"context"
	"fmt"
	"text/tabwriter"
	"time"

	"github.com/juju/errors"
	"github.com/spf13/cobra"

	"github.com/fairyhunter13/product-catalog-service/internal/kv"
	"github.com/fairyhunter13/product-catalog-service/internal/maintenance"
	"github.com/fairyhunter13/product-catalog-service/internal/propagate"
	"github.com/fairyhunter13/product-catalog-service/internal/sink/events"
	"github.com/fairyhunter13/product-catalog-service/internal/store"
)

// withDB runs fn against the configured database and closes it afterwards.
func withDB(opts *RootOptions, fn func(db *kv.DB) error) error {
	db, err := openDB(opts)
	if err != nil {
		return errors.Annotate(err, "opening database (is the server running?)")
	}
	defer closeDB(db)
	return fn(db)
}

// NewCheckpointCommand creates the checkpoint command group.
func NewCheckpointCommand(opts *RootOptions) *cobra.Command {
	cmd := &cobra.Command{Use: "checkpoint", Short: "Inspect and reset sink checkpoints"}

	var (
		sinkName, keyPrefix string
		limit               int
	)
	show := &cobra.Command{
		Use:   "show",
		Short: "List applied sequences and pending retries",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withDB(opts, func(db *kv.DB) error {
				cps, err := propagate.NewCheckpoints(db).List(sinkName, keyPrefix, limit)
				if err != nil {
					return errors.Trace(err)
				}
				if opts.Format == "json" {
					return writeJSON(cmd.OutOrStdout(), cps)
				}
				tw := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
				fmt.Fprintln(tw, "SINK\tKEY\tLAST_APPLIED\tRETRY")
				for _, cp := range cps {
					retry := "-"
					if cp.Retry != nil {
						retry = fmt.Sprintf("seq=%d attempts=%d next=%s", cp.Retry.Sequence, cp.Retry.Attempts,
							cp.Retry.NextEligible.Format(time.RFC3339))
					}
					fmt.Fprintf(tw, "%s\t%s\t%d\t%s\n", cp.Sink, cp.Key, cp.LastApplied, retry)
				}
				return tw.Flush()
			})
		},
	}
	show.Flags().StringVar(&sinkName, "sink", "", "restrict to one sink")
	show.Flags().StringVar(&keyPrefix, "key-prefix", "", "restrict to keys with this prefix (requires --sink)")
	show.Flags().IntVar(&limit, "limit", 100, "maximum entries")

	var resetSink, resetKey string
	reset := &cobra.Command{
		Use:   "reset",
		Short: "Forget what a sink applied for a key so it is delivered again",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withDB(opts, func(db *kv.DB) error {
				if err := propagate.NewCheckpoints(db).Reset(resetSink, resetKey); err != nil {
					return errors.Trace(err)
				}
				fmt.Fprintf(cmd.OutOrStdout(), "reset %s/%s\n", resetSink, resetKey)
				return nil
			})
		},
	}
	reset.Flags().StringVar(&resetSink, "sink", "", "sink name")
	reset.Flags().StringVar(&resetKey, "key", "", "product key")
	_ = reset.MarkFlagRequired("sink")
	_ = reset.MarkFlagRequired("key")

	var (
		partition int
		offset    uint64
	)
	setCursor := &cobra.Command{
		Use:   "set-cursor",
		Short: "Move a partition cursor",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withDB(opts, func(db *kv.DB) error {
				if partition < 0 || partition >= opts.Cfg.Partitions {
					return errors.NotValidf("partition %d", partition)
				}
				if err := propagate.NewCheckpoints(db).ResetCursor(partition, offset); err != nil {
					return errors.Trace(err)
				}
				fmt.Fprintf(cmd.OutOrStdout(), "partition %d cursor set to %d\n", partition, offset)
				return nil
			})
		},
	}
	setCursor.Flags().IntVar(&partition, "partition", 0, "partition number")
	setCursor.Flags().Uint64Var(&offset, "offset", 0, "new cursor offset")
	_ = setCursor.MarkFlagRequired("partition")
	_ = setCursor.MarkFlagRequired("offset")

	cmd.AddCommand(show, reset, setCursor)
	return cmd
}

// NewDeadLettersCommand creates the deadletters command group.
func NewDeadLettersCommand(opts *RootOptions) *cobra.Command {
	cmd := &cobra.Command{Use: "deadletters", Aliases: []string{"dlq"}, Short: "Inspect and purge quarantined events"}

	var f propagate.ListFilter
	list := &cobra.Command{
		Use:   "list",
		Short: "List dead letters in creation order",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withDB(opts, func(db *kv.DB) error {
				dls, err := propagate.NewDeadLetters(db).List(f)
				if err != nil {
					return errors.Trace(err)
				}
				if opts.Format == "json" {
					return writeJSON(cmd.OutOrStdout(), dls)
				}
				tw := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
				fmt.Fprintln(tw, "ID\tSINK\tKEY\tSEQ\tATTEMPTS\tCREATED\tREASON")
				for _, dl := range dls {
					fmt.Fprintf(tw, "%s\t%s\t%s\t%d\t%d\t%s\t%s\n", dl.ID, dl.Sink, dl.Key, dl.Sequence,
						dl.Attempts, dl.CreatedAt.Format(time.RFC3339), dl.Reason)
				}
				return tw.Flush()
			})
		},
	}
	list.Flags().StringVar(&f.Sink, "sink", "", "restrict to one sink")
	list.Flags().StringVar(&f.Key, "key", "", "restrict to one key")
	list.Flags().StringVar(&f.After, "after", "", "start after this id")
	list.Flags().IntVar(&f.Limit, "limit", 100, "maximum entries")

	var olderThan time.Duration
	purge := &cobra.Command{
		Use:   "purge",
		Short: "Delete dead letters older than a duration",
		RunE: func(cmd *cobra.Command, args []string) error {
			if olderThan <= 0 {
				return errors.NotValidf("--older-than %s", olderThan)
			}
			return withDB(opts, func(db *kv.DB) error {
				n, err := propagate.NewDeadLetters(db).PurgeBefore(cmd.Context(), time.Now().Add(-olderThan))
				if err != nil {
					return errors.Trace(err)
				}
				fmt.Fprintf(cmd.OutOrStdout(), "purged %d dead letters\n", n)
				return nil
			})
		},
	}
	purge.Flags().DurationVar(&olderThan, "older-than", 0, "age threshold, e.g. 168h")
	_ = purge.MarkFlagRequired("older-than")

	del := &cobra.Command{
		Use:   "delete ID",
		Short: "Delete one dead letter",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withDB(opts, func(db *kv.DB) error {
				if err := propagate.NewDeadLetters(db).Delete(args[0]); err != nil {
					return errors.Trace(err)
				}
				fmt.Fprintf(cmd.OutOrStdout(), "deleted %s\n", args[0])
				return nil
			})
		},
	}

	cmd.AddCommand(list, purge, del)
	return cmd
}

// NewMaintenanceCommand creates the maintenance command group.
func NewMaintenanceCommand(opts *RootOptions) *cobra.Command {
	cmd := &cobra.Command{Use: "maintenance", Short: "Housekeeping tasks"}
	run := &cobra.Command{
		Use:   "run",
		Short: "Trim consumed log entries and expired events once",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withDB(opts, func(db *kv.DB) error {
				rep, err := runMaintenance(cmd.Context(), opts, db)
				if err != nil {
					return err
				}
				if opts.Format == "json" {
					return writeJSON(cmd.OutOrStdout(), rep)
				}
				fmt.Fprintf(cmd.OutOrStdout(), "log entries: %d\ndead letters: %d\nevents: %d\n",
					rep.LogEntries, rep.DeadLetters, rep.Events)
				return nil
			})
		},
	}
	cmd.AddCommand(run)
	return cmd
}

func runMaintenance(ctx context.Context, opts *RootOptions, db *kv.DB) (maintenance.Report, error) {
	cfg := opts.Cfg
	st, err := store.New(db, store.Options{Partitions: cfg.Partitions})
	if err != nil {
		return maintenance.Report{}, errors.Trace(err)
	}
	var topic *events.Topic
	for _, name := range cfg.Sinks {
		if name == events.Name {
			if topic, err = events.Open(db); err != nil {
				return maintenance.Report{}, errors.Trace(err)
			}
		}
	}
	m, err := maintenance.New(maintenance.Options{
		Cron:         cfg.MaintenanceCron,
		LogRetention: cfg.LogRetention,
		DLQRetention: cfg.DLQRetention,
	}, st.Log(), propagate.NewCheckpoints(db), propagate.NewDeadLetters(db), topic)
	if err != nil {
		return maintenance.Report{}, errors.Trace(err)
	}
	return m.RunOnce(ctx, time.Now())
}

// PartitionInfo is the offline view of one partition.
type PartitionInfo struct {
	Partition int              `json:"partition"`
	Cursor    uint64           `json:"cursor"`
	Head      uint64           `json:"head"`
	Lease     *propagate.Lease `json:"lease,omitempty"`
	Error     string           `json:"error,omitempty"`
}

// NewPartitionsCommand creates the partitions command.
func NewPartitionsCommand(opts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "partitions",
		Short: "Show cursor, head and lease of every partition",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withDB(opts, func(db *kv.DB) error {
				infos, err := partitionInfos(opts, db)
				if err != nil {
					return err
				}
				if opts.Format == "json" {
					return writeJSON(cmd.OutOrStdout(), infos)
				}
				tw := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
				fmt.Fprintln(tw, "PARTITION\tCURSOR\tHEAD\tOWNER\tTOKEN\tERROR")
				for _, pi := range infos {
					owner, token := "-", uint64(0)
					if pi.Lease != nil {
						owner, token = pi.Lease.Owner, pi.Lease.Token
					}
					fmt.Fprintf(tw, "%d\t%d\t%d\t%s\t%d\t%s\n", pi.Partition, pi.Cursor, pi.Head, owner, token, pi.Error)
				}
				return tw.Flush()
			})
		},
	}
}

func partitionInfos(opts *RootOptions, db *kv.DB) ([]PartitionInfo, error) {
	st, err := store.New(db, store.Options{Partitions: opts.Cfg.Partitions})
	if err != nil {
		return nil, errors.Trace(err)
	}
	cps := propagate.NewCheckpoints(db)
	leases := propagate.NewLeases(db, nil)
	out := make([]PartitionInfo, 0, st.Log().Partitions())
	for p := 0; p < st.Log().Partitions(); p++ {
		pi := PartitionInfo{Partition: p, Head: st.Log().Head(p)}
		if pi.Cursor, err = cps.Cursor(p); err != nil {
			pi.Error = err.Error()
		}
		ls, found, err := leases.Get(p)
		if err != nil {
			return nil, errors.Trace(err)
		}
		if found {
			pi.Lease = &ls
		}
		out = append(out, pi)
	}
	return out, nil
}
