// Command learnctl runs administrative tasks against the learning engine.
package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/p-n-ai/pai-learn/internal/catalog"
	"github.com/p-n-ai/pai-learn/internal/directory"
	"github.com/p-n-ai/pai-learn/internal/leaderboard"
	"github.com/p-n-ai/pai-learn/internal/platform/cache"
	"github.com/p-n-ai/pai-learn/internal/platform/config"
	"github.com/p-n-ai/pai-learn/internal/platform/database"
)

func main() {
	slog.SetDefault(slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelWarn})))
	if err := newRootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:          "learnctl",
		Short:        "Administer the learning engine",
		SilenceUsage: true,
	}
	root.AddCommand(newMigrateCmd(), newCatalogCmd(), newLeaderboardCmd())
	return root
}

func loadConfig() (*config.Config, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func newMigrateCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "migrate",
		Short: "Apply database migrations",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			ctx := cmd.Context()
			db, err := database.New(ctx, cfg.Database.URL, 2, 0)
			if err != nil {
				return err
			}
			defer db.Close()

			if err := db.Migrate(ctx); err != nil {
				return err
			}
			names, err := database.MigrationNames()
			if err != nil {
				return err
			}
			for _, n := range names {
				fmt.Fprintln(cmd.OutOrStdout(), "applied", n)
			}
			return nil
		},
	}
}

func newCatalogCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "catalog",
		Short: "Inspect learning path documents",
	}
	cmd.AddCommand(&cobra.Command{
		Use:   "validate <dir>",
		Short: "Validate every path document under dir",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			repo, err := catalog.Load(args[0])
			if err != nil {
				return err
			}
			for _, p := range repo.AllPaths() {
				order, err := catalog.ValidateGraph(p)
				if err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "%s: %d modules, %d quizzes, order %v\n",
					p.ID, len(p.Modules), len(p.Quizzes), order)
			}
			return nil
		},
	})
	return cmd
}

func newLeaderboardCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "leaderboard",
		Short: "Export or freeze leaderboards",
	}

	var period, department, out string
	var limit int
	export := &cobra.Command{
		Use:   "export",
		Short: "Write the current leaderboard to an .xlsx file",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			p, err := leaderboard.ParsePeriod(period)
			if err != nil {
				return err
			}
			agg, cleanup, err := openAggregator(cmd.Context())
			if err != nil {
				return err
			}
			defer cleanup()

			snap, err := agg.GetLeaderboard(cmd.Context(), p, department, limit)
			if err != nil {
				return err
			}
			f, err := os.Create(out)
			if err != nil {
				return err
			}
			if err := leaderboard.WriteXLSX(f, snap); err != nil {
				f.Close()
				return err
			}
			if err := f.Close(); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "wrote %d entries to %s\n", len(snap.Entries), out)
			return nil
		},
	}
	export.Flags().StringVar(&period, "period", "weekly", "weekly or monthly")
	export.Flags().StringVar(&department, "department", "", "restrict to one department")
	export.Flags().StringVar(&out, "out", "leaderboard.xlsx", "output file")
	export.Flags().IntVar(&limit, "limit", 100, "maximum entries")

	var at string
	freeze := &cobra.Command{
		Use:   "freeze",
		Short: "Freeze the most recently closed window of every period",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			when := time.Now()
			if at != "" {
				t, err := time.Parse(time.RFC3339, at)
				if err != nil {
					return fmt.Errorf("--at: %w", err)
				}
				when = t
			}
			agg, cleanup, err := openAggregator(cmd.Context())
			if err != nil {
				return err
			}
			defer cleanup()

			if err := agg.FreezeClosed(cmd.Context(), when); err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), "frozen windows closed before", when.Format(time.RFC3339))
			return nil
		},
	}
	freeze.Flags().StringVar(&at, "at", "", "reference time (RFC3339), default now")

	cmd.AddCommand(export, freeze)
	return cmd
}

// openAggregator connects to the cache and database the server uses.
func openAggregator(ctx context.Context) (*leaderboard.Aggregator, func(), error) {
	cfg, err := loadConfig()
	if err != nil {
		return nil, nil, err
	}
	loc, _ := cfg.Location()
	resetDay, _ := cfg.WeeklyResetWeekday()

	c, err := cache.New(ctx, cfg.Cache.URL)
	if err != nil {
		return nil, nil, err
	}
	db, err := database.New(ctx, cfg.Database.URL, 2, 0)
	if err != nil {
		c.Close()
		return nil, nil, err
	}
	dir, err := directory.NewPostgresDirectory(db.Pool)
	if err != nil {
		c.Close()
		db.Close()
		return nil, nil, err
	}

	agg := leaderboard.NewAggregator(leaderboard.AggregatorConfig{
		Board:     leaderboard.NewRedisBoard(c.Client, 0),
		Directory: dir,
		Calendar: leaderboard.Calendar{
			Location:        loc,
			WeeklyResetDay:  resetDay,
			WeeklyResetHour: cfg.Leaderboard.WeeklyResetHour,
		},
		DefaultLimit: cfg.Leaderboard.DefaultLimit,
	})
	cleanup := func() {
		c.Close()
		db.Close()
	}
	return agg, cleanup, nil
}
