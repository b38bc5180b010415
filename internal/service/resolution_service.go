package service

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"

	"github.com/alanyoungcy/ctfsettle/internal/domain"
)

// SettlementLockKey is the LockManager key every committing process shares.
const SettlementLockKey = "settlement"

// PayoutReporter is the slice of the position engine the relay needs.
type PayoutReporter interface {
	ReportPayouts(ctx context.Context, caller, oracle common.Address, questionID common.Hash, payouts []*uint256.Int) error
}

// ResolutionService relays final outcomes from an external resolver into the
// position engine, reporting as the configured oracle.
type ResolutionService struct {
	conditions domain.ConditionStore
	resolver   domain.ConditionResolver
	reporter   PayoutReporter
	locks      domain.LockManager
	oracle     common.Address
	pollDur    time.Duration
	lockTTL    time.Duration
	logger     *slog.Logger
}

// NewResolutionService creates a ResolutionService. locks may be nil when a
// single process owns the state. pollInterval is how often to sweep.
func NewResolutionService(
	conditions domain.ConditionStore,
	resolver domain.ConditionResolver,
	reporter PayoutReporter,
	locks domain.LockManager,
	oracle common.Address,
	pollInterval time.Duration,
	logger *slog.Logger,
) *ResolutionService {
	if pollInterval <= 0 {
		pollInterval = 30 * time.Second
	}
	return &ResolutionService{
		conditions: conditions,
		resolver:   resolver,
		reporter:   reporter,
		locks:      locks,
		oracle:     oracle,
		pollDur:    pollInterval,
		lockTTL:    2 * pollInterval,
		logger:     logger.With(slog.String("component", "resolution_service")),
	}
}

// Run sweeps once immediately and then on every tick until ctx ends.
func (s *ResolutionService) Run(ctx context.Context) error {
	s.sweepAndLog(ctx)

	ticker := time.NewTicker(s.pollDur)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			s.sweepAndLog(ctx)
		}
	}
}

func (s *ResolutionService) sweepAndLog(ctx context.Context) {
	n, err := s.Sweep(ctx)
	switch {
	case errors.Is(err, domain.ErrLockHeld):
		s.logger.DebugContext(ctx, "settlement lock busy, skipping sweep")
	case err != nil:
		s.logger.ErrorContext(ctx, "resolution sweep failed", slog.String("error", err.Error()))
	case n > 0:
		s.logger.InfoContext(ctx, "resolution sweep reported payouts", slog.Int("reported", n))
	}
}

// Sweep reports every condition of the oracle that the resolver says is
// final and returns how many were reported. A condition that fails is
// logged and skipped; infrastructure failures are joined into the error.
func (s *ResolutionService) Sweep(ctx context.Context) (int, error) {
	if s.locks != nil {
		unlock, err := s.locks.Acquire(ctx, SettlementLockKey, s.lockTTL)
		if err != nil {
			return 0, fmt.Errorf("service: resolution sweep: %w", err)
		}
		defer unlock()
	}

	open, err := s.conditions.ListUnresolved(ctx, s.oracle)
	if err != nil {
		return 0, fmt.Errorf("service: list unresolved: %w", err)
	}

	var (
		reported int
		errs     []error
	)
	for _, c := range open {
		resolved, payouts, err := s.resolver.Outcome(ctx, c.ID)
		if err != nil {
			s.logger.WarnContext(ctx, "resolution fetch failed",
				slog.String("condition_id", c.ID.Hex()),
				slog.String("error", err.Error()),
			)
			errs = append(errs, err)
			continue
		}
		if !resolved {
			continue
		}

		err = s.reporter.ReportPayouts(ctx, s.oracle, s.oracle, c.QuestionID, payouts)
		switch {
		case err == nil:
			reported++
			s.logger.InfoContext(ctx, "condition resolved",
				slog.String("condition_id", c.ID.Hex()),
				slog.Int("outcomes", c.OutcomeCount),
			)
		case errors.Is(err, domain.ErrAlreadyResolved):
			// Another relay got there first.
		case domain.ClassOf(err) == domain.ClassInfrastructure:
			errs = append(errs, fmt.Errorf("report %s: %w", c.ID.Hex(), err))
		default:
			s.logger.WarnContext(ctx, "resolver supplied unusable payouts",
				slog.String("condition_id", c.ID.Hex()),
				slog.String("error_class", domain.ClassOf(err).String()),
				slog.String("error", err.Error()),
			)
		}
	}
	return reported, errors.Join(errs...)
}
