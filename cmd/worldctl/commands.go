package main

import (
	"context"
	"fmt"
	"time"

	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"

	"pkg.world.dev/world-engine/worldstore/change"
	"pkg.world.dev/world-engine/worldstore/filter"
	"pkg.world.dev/world-engine/worldstore/gamestate"
	"pkg.world.dev/world-engine/worldstore/replica"
	"pkg.world.dev/world-engine/worldstore/storage"
	"pkg.world.dev/world-engine/worldstore/txn"
)

func newGetCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "get <id>...",
		Short: "Print entities and their ticks",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ids, err := parseIDs(args)
			if err != nil {
				return err
			}
			states, err := a.store.GetWithVersion(cmd.Context(), ids...)
			if err != nil {
				return err
			}
			for _, s := range states {
				view, err := viewEntity(s.ID, s.Version.Tick, s.Entity)
				if err != nil {
					return err
				}
				if err := printJSON(cmd.OutOrStdout(), view); err != nil {
					return err
				}
			}
			return nil
		},
	}
}

func newDeleteCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "delete <id>...",
		Short: "Delete entities, one transaction each",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ids, err := parseIDs(args)
			if err != nil {
				return err
			}
			txs := make([]txn.ChangeToApply, len(ids))
			for i, id := range ids {
				txs[i] = txn.ChangeToApply{
					Iffs:    []txn.Iff{txn.Exists(id)},
					Changes: []change.ProposedChange{change.NewDelete(id)},
				}
			}
			result, err := a.store.Apply(cmd.Context(), txs...)
			if err != nil {
				return err
			}
			for i, id := range ids {
				status := result.Outcomes[i].String()
				if result.Outcomes[i] == txn.Conflict {
					status = "absent"
				}
				fmt.Fprintf(cmd.OutOrStdout(), "%d %s\n", id, status)
			}
			return nil
		},
	}
}

func newBootstrapCmd(a *app) *cobra.Command {
	var (
		batch int64
		where string
		dump  bool
	)
	cmd := &cobra.Command{
		Use:   "bootstrap",
		Short: "Scan the whole world and count the live entities",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			f, err := compileFilter(where)
			if err != nil {
				return err
			}
			if batch <= 0 {
				batch = a.cfg.BootstrapBatchSize
			}
			live, deleted := 0, 0
			cursor := ""
			for {
				page, err := a.store.Bootstrap(cmd.Context(), cursor, batch, f)
				if err != nil {
					return err
				}
				for _, c := range page.Changes {
					if c.Kind == change.Delete {
						deleted++
						continue
					}
					live++
					if dump {
						view, err := viewEntity(c.ID, c.Tick, c.Entity)
						if err != nil {
							return err
						}
						if err := printJSON(cmd.OutOrStdout(), view); err != nil {
							return err
						}
					}
				}
				if page.Done {
					break
				}
				cursor = page.Cursor
			}
			fmt.Fprintf(cmd.OutOrStdout(), "entities: %d deleted: %d\n", live, deleted)
			return nil
		},
	}
	cmd.Flags().Int64Var(&batch, "batch", 0, "entities per scan page, defaults to BOOTSTRAP_BATCH_SIZE")
	cmd.Flags().StringVar(&where, "where", "", `filter query, for example "CONTAINS(health) & !ANY(iced)"`)
	cmd.Flags().BoolVar(&dump, "dump", false, "print every live entity")
	return cmd
}

func compileFilter(query string) (*filter.Compiled, error) {
	if query == "" {
		return nil, nil
	}
	f, err := filter.Parse(query)
	if err != nil {
		return nil, err
	}
	return f.Compile(), nil
}

func newWatchCmd(a *app) *cobra.Command {
	var (
		from  string
		limit int
	)
	cmd := &cobra.Command{
		Use:   "watch",
		Short: "Print change stream entries as they are written",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx := cmd.Context()
			if from == "" {
				mark, err := a.store.Mark(ctx)
				if err != nil {
					return err
				}
				from = mark
			}
			printed := 0
			for ctx.Err() == nil {
				entries, err := a.store.ReadStream(ctx, from, a.cfg.StreamReadCount, a.cfg.StreamBlock())
				if err != nil {
					if ctx.Err() != nil {
						break
					}
					return err
				}
				for _, entry := range entries {
					view, err := viewEntry(entry)
					if err != nil {
						return err
					}
					if err := printJSON(cmd.OutOrStdout(), view); err != nil {
						return err
					}
					from = entry.ID
					printed++
					if limit > 0 && printed >= limit {
						return nil
					}
				}
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&from, "from", "", "stream id to read after, defaults to the newest entry")
	cmd.Flags().IntVar(&limit, "limit", 0, "stop after this many entries")
	return cmd
}

func newFollowCmd(a *app) *cobra.Command {
	var (
		where     string
		interval  time.Duration
		bootstrap bool
	)
	cmd := &cobra.Command{
		Use:   "follow",
		Short: "Run a replica and report its size",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			f, err := compileFilter(where)
			if err != nil {
				return err
			}
			opts := replica.OptionsFromConfig(a.cfg)
			opts.Filter = f
			opts.Logger = &a.logger
			r := replica.New(a.store, opts)

			ctx, cancel := context.WithCancel(cmd.Context())
			defer cancel()
			done := make(chan error, 1)
			go func() {
				done <- r.Run(ctx)
			}()

			size := func() int {
				n := 0
				r.View(func(table *gamestate.MetaIndexTable) {
					n = table.Len()
				})
				return n
			}
			select {
			case <-r.Bootstrapped():
				fmt.Fprintf(cmd.OutOrStdout(), "replica %s bootstrapped with %d entities\n", r.ID(), size())
			case err := <-done:
				return eris.Wrap(err, "replica stopped before bootstrapping")
			}
			if bootstrap {
				cancel()
				return <-done
			}

			ticker := time.NewTicker(interval)
			defer ticker.Stop()
			for {
				select {
				case <-ticker.C:
					fmt.Fprintf(cmd.OutOrStdout(), "entities: %d\n", size())
				case err := <-done:
					return err
				}
			}
		},
	}
	cmd.Flags().StringVar(&where, "where", "", "only replicate entities matching this filter query")
	cmd.Flags().DurationVar(&interval, "interval", 5*time.Second, "how often to report")
	cmd.Flags().BoolVar(&bootstrap, "until-bootstrapped", false, "exit once the replica has caught up")
	return cmd
}

func newTickCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "tick",
		Short: "Print the world tick",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			tick, err := a.store.Tick(cmd.Context())
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), tick)
			return nil
		},
	}
}

func newLeaderboardCmd(a *app) *cobra.Command {
	var limit int64
	cmd := &cobra.Command{
		Use:   "leaderboard <kind>",
		Short: "Print the entities with the most events of a kind",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			entries, err := a.store.Leaderboard(cmd.Context(), args[0], limit)
			if err != nil {
				return err
			}
			printLeaderboard(cmd, entries)
			return nil
		},
	}
	cmd.Flags().Int64Var(&limit, "limit", 10, "number of entries")
	return cmd
}

func printLeaderboard(cmd *cobra.Command, entries []storage.LeaderboardEntry) {
	for i, e := range entries {
		fmt.Fprintf(cmd.OutOrStdout(), "%d. %d %g\n", i+1, e.ID, e.Value)
	}
}

func newEventsCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "events",
		Short: "Print the recorded transaction events",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			events, err := a.store.Events(cmd.Context())
			if err != nil {
				return err
			}
			for _, e := range events {
				if err := printJSON(cmd.OutOrStdout(), e); err != nil {
					return err
				}
			}
			return nil
		},
	}
}
