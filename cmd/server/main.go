package main

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/p-n-ai/pai-learn/internal/api"
	"github.com/p-n-ai/pai-learn/internal/catalog"
	"github.com/p-n-ai/pai-learn/internal/directory"
	"github.com/p-n-ai/pai-learn/internal/events"
	"github.com/p-n-ai/pai-learn/internal/gamification"
	"github.com/p-n-ai/pai-learn/internal/leaderboard"
	"github.com/p-n-ai/pai-learn/internal/learning"
	"github.com/p-n-ai/pai-learn/internal/notify"
	"github.com/p-n-ai/pai-learn/internal/platform/cache"
	"github.com/p-n-ai/pai-learn/internal/platform/config"
	"github.com/p-n-ai/pai-learn/internal/platform/database"
	"github.com/p-n-ai/pai-learn/internal/progress"
	"github.com/p-n-ai/pai-learn/internal/quiz"
)

func main() {
	slog.SetDefault(slog.New(slog.NewJSONHandler(os.Stdout, nil)))

	cfg, err := config.Load()
	if err != nil {
		slog.Error("failed to load config", "error", err)
		os.Exit(1)
	}
	if err := cfg.Validate(); err != nil {
		slog.Error("invalid config", "error", err)
		os.Exit(1)
	}
	slog.SetDefault(newLogger(cfg.Log, os.Stdout))

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGTERM, syscall.SIGINT)
	defer stop()

	if err := run(ctx, cfg); err != nil {
		slog.Error("server error", "error", err)
		os.Exit(1)
	}
}

func run(ctx context.Context, cfg *config.Config) error {
	db, err := database.New(ctx, cfg.Database.URL, cfg.Database.MaxConns, cfg.Database.MinConns)
	if err != nil {
		return err
	}
	defer db.Close()
	if err := db.Migrate(ctx); err != nil {
		return err
	}

	repo, err := catalog.Load(cfg.Catalog.Path)
	if err != nil {
		return fmt.Errorf("loading catalog: %w", err)
	}

	d, err := postgresDeps(db)
	if err != nil {
		return err
	}
	checks := map[string]api.Checker{"database": db}

	d.board = leaderboard.NewMemoryBoard()
	if cfg.Cache.Enabled {
		c, err := cache.New(ctx, cfg.Cache.URL)
		if err != nil {
			return err
		}
		defer c.Close()
		d.board = leaderboard.NewRedisBoard(c.Client, 0)
		checks["cache"] = c
	} else {
		slog.Warn("cache disabled, leaderboard kept in memory")
	}

	svc, agg, err := newService(cfg, repo, d)
	if err != nil {
		return err
	}
	defer svc.Close()

	if cfg.Leaderboard.FreezeSchedule {
		sched := leaderboard.NewScheduler(agg)
		if err := sched.Start(); err != nil {
			return err
		}
		defer sched.Stop()
	}

	srv := &http.Server{
		Addr:         fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.Port),
		Handler:      api.NewHandler(svc, checks).Routes(),
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		slog.Info("server starting", "addr", srv.Addr, "paths", len(repo.AllPaths()))
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}
	slog.Info("shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		slog.Error("shutdown error", "error", err)
	}
	return nil
}

// deps are the storage backends behind the service.
type deps struct {
	progress progress.Store
	quiz     quiz.Store
	ledger   gamification.Store
	dir      directory.Directory
	board    leaderboard.Board
	audit    events.EventLogger
}

func postgresDeps(db *database.DB) (deps, error) {
	ps, err := progress.NewPostgresStore(db.Pool)
	if err != nil {
		return deps{}, err
	}
	qs, err := quiz.NewPostgresStore(db.Pool)
	if err != nil {
		return deps{}, err
	}
	gs, err := gamification.NewPostgresStore(db.Pool)
	if err != nil {
		return deps{}, err
	}
	dir, err := directory.NewPostgresDirectory(db.Pool)
	if err != nil {
		return deps{}, err
	}
	return deps{
		progress: ps,
		quiz:     qs,
		ledger:   gs,
		dir:      dir,
		audit:    events.NewPostgresEventLogger(db.Pool),
	}, nil
}

func newService(cfg *config.Config, repo catalog.Repository, d deps) (*learning.Service, *leaderboard.Aggregator, error) {
	loc, err := cfg.Location()
	if err != nil {
		return nil, nil, err
	}
	resetDay, err := cfg.WeeklyResetWeekday()
	if err != nil {
		return nil, nil, err
	}

	grader := quiz.NewGrader(quiz.GraderConfig{Store: d.quiz, MaxAttempts: cfg.Quiz.MaxAttempts})
	manager := progress.NewManager(progress.ManagerConfig{Store: d.progress, Catalog: repo})
	tracker := progress.NewTracker(progress.TrackerConfig{
		Store:   d.progress,
		Catalog: repo,
		Quizzes: grader,
		Manager: manager,
	})
	ledger := gamification.NewLedger(gamification.LedgerConfig{
		Store:      d.ledger,
		Rules:      gamification.Rules{PointsPerLevel: cfg.Gamification.PointsPerLevel, MaxLevel: cfg.Gamification.MaxLevel},
		Location:   loc,
		MaxRetries: cfg.Gamification.MaxRetries,
	})
	agg := leaderboard.NewAggregator(leaderboard.AggregatorConfig{
		Board:     d.board,
		Directory: d.dir,
		Calendar: leaderboard.Calendar{
			Location:        loc,
			WeeklyResetDay:  resetDay,
			WeeklyResetHour: cfg.Leaderboard.WeeklyResetHour,
		},
		DefaultLimit: cfg.Leaderboard.DefaultLimit,
	})

	gw := notify.NewGateway("log")
	gw.Register("log", notify.LogChannel{})

	svc := learning.NewService(learning.Config{
		Catalog:     repo,
		Manager:     manager,
		Tracker:     tracker,
		Grader:      grader,
		Ledger:      ledger,
		Leaderboard: agg,
		Bus: events.NewBus(events.BusConfig{
			BufferSize:   cfg.Events.BufferSize,
			Workers:      cfg.Events.Workers,
			MaxRetries:   cfg.Events.MaxRetries,
			RetryBackoff: cfg.Events.RetryBackoff,
		}),
		Events:   d.audit,
		Notifier: gw,
	})
	return svc, agg, nil
}

// newLogger builds the process logger from the log settings.
func newLogger(cfg config.LogConfig, w io.Writer) *slog.Logger {
	opts := &slog.HandlerOptions{Level: parseLevel(cfg.Level)}
	if strings.EqualFold(cfg.Format, "text") {
		return slog.New(slog.NewTextHandler(w, opts))
	}
	return slog.New(slog.NewJSONHandler(w, opts))
}

func parseLevel(s string) slog.Level {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "debug":
		return slog.LevelDebug
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}
