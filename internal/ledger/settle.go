package ledger

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/alanyoungcy/ctfsettle/internal/domain"
	"github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"
)

// Movement is one collateral leg between a holder and engine custody.
type Movement struct {
	Holder common.Address
	Amount *uint256.Int
}

// Settler commits a Batch together with its collateral legs. Pulls run
// first, then the ledger commit, then payouts. A failure at any step
// compensates every step already taken.
type Settler struct {
	store  domain.StateCommitter
	vault  domain.Vault
	logger *slog.Logger
}

// NewSettler creates a Settler.
func NewSettler(store domain.StateCommitter, vault domain.Vault, logger *slog.Logger) *Settler {
	return &Settler{
		store:  store,
		vault:  vault,
		logger: logger.With(slog.String("component", "settler")),
	}
}

// Vault returns the collateral vault the settler moves funds through.
func (s *Settler) Vault() domain.Vault { return s.vault }

// Commit applies the batch with no collateral legs.
func (s *Settler) Commit(ctx context.Context, b *Batch) error {
	if err := s.store.Commit(ctx, b.ChangeSet()); err != nil {
		return fmt.Errorf("ledger: commit: %w", err)
	}
	return nil
}

// Settle pulls every in leg, commits the batch, then pays every out leg.
func (s *Settler) Settle(ctx context.Context, b *Batch, in, out []Movement) error {
	var pulled []Movement
	for _, m := range in {
		if m.Amount == nil || m.Amount.IsZero() {
			continue
		}
		if err := s.vault.TransferIn(ctx, m.Holder, m.Amount); err != nil {
			s.refund(ctx, pulled)
			return fmt.Errorf("ledger: transfer in from %s: %w", m.Holder.Hex(), err)
		}
		pulled = append(pulled, m)
	}

	if err := s.store.Commit(ctx, b.ChangeSet()); err != nil {
		s.refund(ctx, pulled)
		return fmt.Errorf("ledger: commit: %w", err)
	}

	var paid []Movement
	for _, m := range out {
		if m.Amount == nil || m.Amount.IsZero() {
			continue
		}
		if err := s.vault.TransferOut(ctx, m.Holder, m.Amount); err != nil {
			outErr := fmt.Errorf("ledger: transfer out to %s: %w", m.Holder.Hex(), err)
			if undoErr := s.store.Commit(ctx, b.Undo()); undoErr != nil {
				s.logger.Error("ledger undo failed", slog.String("error", undoErr.Error()))
				outErr = errors.Join(outErr, fmt.Errorf("ledger: undo: %w", undoErr))
			}
			s.reclaim(ctx, paid)
			s.refund(ctx, pulled)
			return outErr
		}
		paid = append(paid, m)
	}
	return nil
}

// refund returns pulled collateral to its holders.
func (s *Settler) refund(ctx context.Context, pulled []Movement) {
	for i := len(pulled) - 1; i >= 0; i-- {
		m := pulled[i]
		if err := s.vault.TransferOut(ctx, m.Holder, m.Amount); err != nil {
			s.logger.Error("refund failed",
				slog.String("holder", m.Holder.Hex()),
				slog.String("amount", m.Amount.Dec()),
				slog.String("error", err.Error()),
			)
		}
	}
}

// reclaim pulls back payouts made before a later payout failed.
func (s *Settler) reclaim(ctx context.Context, paid []Movement) {
	for i := len(paid) - 1; i >= 0; i-- {
		m := paid[i]
		if err := s.vault.TransferIn(ctx, m.Holder, m.Amount); err != nil {
			s.logger.Error("reclaim failed",
				slog.String("holder", m.Holder.Hex()),
				slog.String("amount", m.Amount.Dec()),
				slog.String("error", err.Error()),
			)
		}
	}
}
