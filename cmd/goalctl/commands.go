package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log"
	"os"
	"time"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"example.com/fractalgoals/internal/bootstrap"
	"example.com/fractalgoals/internal/config"
	"example.com/fractalgoals/internal/domain"
	"example.com/fractalgoals/internal/persistence/sqlite"
	"example.com/fractalgoals/internal/timing"
)

type cliOptions struct {
	dbPath  string
	tenant  string
	verbose bool
}

func newRootCmd() *cobra.Command {
	opts := &cliOptions{}
	root := &cobra.Command{
		Use:          "goalctl",
		Short:        "Inspect fractal goal trees and session timings in a local SQLite store",
		SilenceUsage: true,
	}
	root.PersistentFlags().StringVar(&opts.dbPath, "db", config.Load().SQLitePath, "path to the SQLite database")
	root.PersistentFlags().StringVar(&opts.tenant, "tenant", "local", "owner whose trees are queried")
	root.PersistentFlags().BoolVarP(&opts.verbose, "verbose", "v", false, "log SQL and service diagnostics to stderr")

	root.AddCommand(
		newSeedCmd(opts),
		newDescendantsCmd(opts),
		newActivitiesCmd(opts),
		newSmartCmd(opts),
		newLevelCmd(opts),
		newReplayCmd(),
	)
	return root
}

func openService(ctx context.Context, opts *cliOptions) (*sqlite.Store, *domain.Service, func(), error) {
	cfg := config.Config{StoreDriver: config.DriverSQLite, SQLitePath: opts.dbPath}
	backend, err := bootstrap.OpenStore(ctx, cfg)
	if err != nil {
		return nil, nil, nil, err
	}
	logOut := io.Discard
	if opts.verbose {
		logOut = os.Stderr
	}
	svc, err := bootstrap.NewService(cfg, backend, log.New(logOut, "[goalctl] ", 0))
	if err != nil {
		backend.Close()
		return nil, nil, nil, err
	}
	return backend.Store.(*sqlite.Store), svc, backend.Close, nil
}

func newSeedCmd(opts *cliOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "seed <fixture.yaml>",
		Short: "Load goals, activities, sessions and level overrides from a YAML fixture",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			raw, err := os.ReadFile(args[0])
			if err != nil {
				return err
			}
			var fixture sqlite.Fixture
			if err := yaml.Unmarshal(raw, &fixture); err != nil {
				return fmt.Errorf("parse %s: %w", args[0], err)
			}
			if fixture.Tenant == "" {
				fixture.Tenant = opts.tenant
			}

			store, _, closeFn, err := openService(cmd.Context(), opts)
			if err != nil {
				return err
			}
			defer closeFn()
			if err := store.Import(cmd.Context(), fixture); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "seeded %d goals, %d activities, %d sessions for %s\n",
				len(fixture.Goals), len(fixture.Activities), len(fixture.Sessions), fixture.Tenant)
			return nil
		},
	}
}

func newDescendantsCmd(opts *cliOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "descendants <goal-id>",
		Short: "List live descendants of a goal, breadth first",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			_, svc, closeFn, err := openService(cmd.Context(), opts)
			if err != nil {
				return err
			}
			defer closeFn()
			ids, err := svc.Descendants(cmd.Context(), opts.tenant, args[0])
			if err != nil {
				return err
			}
			for _, id := range ids {
				fmt.Fprintln(cmd.OutOrStdout(), id)
			}
			return nil
		},
	}
}

func newActivitiesCmd(opts *cliOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "activities <goal-id>",
		Short: "List activities visible at a goal with their provenance",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			_, svc, closeFn, err := openService(cmd.Context(), opts)
			if err != nil {
				return err
			}
			defer closeFn()
			visible, err := svc.VisibleActivities(cmd.Context(), opts.tenant, args[0])
			if err != nil {
				return err
			}
			enc := json.NewEncoder(cmd.OutOrStdout())
			for _, v := range visible {
				if err := enc.Encode(map[string]any{
					"activity_id": v.Activity.ID,
					"name":        v.Activity.Name,
					"provenance":  v.Provenance,
				}); err != nil {
					return err
				}
			}
			return nil
		},
	}
}

func newSmartCmd(opts *cliOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "smart <goal-id>",
		Short: "Re-evaluate and store a goal's SMART flag",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			_, svc, closeFn, err := openService(cmd.Context(), opts)
			if err != nil {
				return err
			}
			defer closeFn()
			report, changed, err := svc.EvaluateSmart(cmd.Context(), opts.tenant, args[0])
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "measurable=%t achievable=%t relevant=%t time_bound=%t\n",
				report.Measurable, report.Achievable, report.Relevant, report.TimeBound)
			fmt.Fprintf(out, "is_smart=%t changed=%t\n", report.IsSmart(), changed)
			return nil
		},
	}
}

func newLevelCmd(opts *cliOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "level <goal-id>",
		Short: "Show the level row of a goal after overrides",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			_, svc, closeFn, err := openService(cmd.Context(), opts)
			if err != nil {
				return err
			}
			defer closeFn()
			def, err := svc.ResolveLevel(cmd.Context(), opts.tenant, args[0])
			if err != nil {
				return err
			}
			out, err := yaml.Marshal(def)
			if err != nil {
				return err
			}
			_, err = cmd.OutOrStdout().Write(out)
			return err
		},
	}
}

// replayFile is the YAML document accepted by the replay command.
type replayFile struct {
	Now    *time.Time     `yaml:"now"`
	Events []timing.Event `yaml:"events"`
}

func newReplayCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "replay <events.yaml>",
		Short: "Replay start/pause/resume/stop events and print the resulting timing",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			raw, err := os.ReadFile(args[0])
			if err != nil {
				return err
			}
			var doc replayFile
			if err := yaml.Unmarshal(raw, &doc); err != nil {
				return fmt.Errorf("parse %s: %w", args[0], err)
			}

			state, replayErr := timing.Replay(doc.Events)
			now := time.Now().UTC()
			if doc.Now != nil {
				now = *doc.Now
			} else if n := len(doc.Events); n > 0 {
				now = doc.Events[n-1].At
			}

			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "state=%s total_paused_seconds=%d", state.State(), state.TotalPausedSeconds)
			if state.DurationSeconds != nil {
				fmt.Fprintf(out, " duration_seconds=%d", *state.DurationSeconds)
			}
			fmt.Fprintf(out, " net_seconds=%d\n", state.NetDuration(now).Seconds)
			return replayErr
		},
	}
}
