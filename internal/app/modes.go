package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/alanyoungcy/ctfsettle/internal/command"
	"github.com/alanyoungcy/ctfsettle/internal/service"
)

var errNoResolution = errors.New("app: resolution relay not configured (needs redis and oracle.address)")

// ReplayMode executes the configured command source once and writes one
// result line per command. With Redis configured the settlement lock is held
// for the whole replay so no other process commits concurrently.
func (a *App) ReplayMode(ctx context.Context, deps *Dependencies) (command.Summary, error) {
	a.logger.InfoContext(ctx, "starting replay mode", slog.String("input", a.cfg.Replay.Input))

	if deps.LockManager != nil {
		release, err := deps.LockManager.Hold(ctx, service.SettlementLockKey, a.cfg.Replay.LockTTL.Duration)
		if err != nil {
			return command.Summary{}, fmt.Errorf("app: replay: %w", err)
		}
		defer release()
	}

	src, err := command.Open(ctx, a.cfg.Replay.Input, deps.BlobReader)
	if err != nil {
		return command.Summary{}, fmt.Errorf("app: replay: %w", err)
	}
	defer src.Close()

	sum, err := deps.Dispatcher.Replay(ctx, src)
	if err != nil {
		return sum, fmt.Errorf("app: replay: %w", err)
	}

	if err := command.WriteResults(a.out, sum, a.cfg.Replay.Output); err != nil {
		return sum, fmt.Errorf("app: %w", err)
	}

	a.logger.InfoContext(ctx, "replay finished",
		slog.String("summary", sum.String()),
		slog.Any("failures_by_class", sum.ByClass),
	)
	return sum, nil
}

// ResolveMode runs the resolution relay until ctx is cancelled.
func (a *App) ResolveMode(ctx context.Context, deps *Dependencies) error {
	if deps.Resolution == nil {
		return errNoResolution
	}
	a.logger.InfoContext(ctx, "starting resolve mode",
		slog.String("oracle", a.cfg.Oracle.Address),
		slog.Duration("poll_interval", a.cfg.Oracle.PollInterval.Duration),
	)
	return deps.Resolution.Run(ctx)
}

// ArchiveMode exports journaled events older than the retention window to
// object storage and, when configured, prunes them from the journal.
func (a *App) ArchiveMode(ctx context.Context, deps *Dependencies) error {
	if deps.Archiver == nil {
		return errors.New("app: archive mode requires s3")
	}
	before := time.Now().UTC().Add(-a.cfg.Archive.Retention.Duration)
	a.logger.InfoContext(ctx, "starting archive mode", slog.Time("before", before))

	n, err := deps.Archiver.ArchiveEvents(ctx, before)
	if err != nil {
		return fmt.Errorf("app: archive: %w", err)
	}
	if n == 0 || !a.cfg.Archive.Prune {
		return nil
	}
	if deps.Pruner == nil {
		a.logger.WarnContext(ctx, "journal backend cannot prune, keeping archived events")
		return nil
	}

	pruned, err := deps.Pruner.Prune(ctx, before)
	if err != nil {
		return fmt.Errorf("app: prune journal: %w", err)
	}
	a.logger.InfoContext(ctx, "journal pruned",
		slog.Int64("archived", n),
		slog.Int64("pruned", pruned),
	)
	return nil
}

// FullMode replays the command source and keeps the resolution relay running
// until ctx is cancelled.
func (a *App) FullMode(ctx context.Context, deps *Dependencies) error {
	if deps.Resolution == nil {
		return errNoResolution
	}
	a.logger.InfoContext(ctx, "starting full mode")

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return deps.Resolution.Run(ctx)
	})
	g.Go(func() error {
		_, err := a.ReplayMode(ctx, deps)
		return err
	})
	return g.Wait()
}
