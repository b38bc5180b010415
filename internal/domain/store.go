package domain

import (
	"context"

	"github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"
)

// ConditionStore reads the condition table keyed by condition id.
type ConditionStore interface {
	// GetCondition returns ErrNotFound when the id was never prepared.
	GetCondition(ctx context.Context, id common.Hash) (Condition, error)
	ListUnresolved(ctx context.Context, oracle common.Address) ([]Condition, error)
}

// BalanceStore reads the claim ledger keyed by (position id, holder).
type BalanceStore interface {
	// BalanceOf returns zero for unknown keys.
	BalanceOf(ctx context.Context, position *uint256.Int, holder common.Address) (*uint256.Int, error)
}

// OrderStateStore reads the order-fill table keyed by order hash.
type OrderStateStore interface {
	// OrderState returns the zero state for unknown hashes.
	OrderState(ctx context.Context, hash common.Hash) (OrderState, error)
}

// NonceStore reads the per-maker nonce counter.
type NonceStore interface {
	NonceOf(ctx context.Context, maker common.Address) (*uint256.Int, error)
}

// StateCommitter applies a ChangeSet all-or-nothing.
type StateCommitter interface {
	Commit(ctx context.Context, cs ChangeSet) error
}

// StateStore is the full persisted state layout.
type StateStore interface {
	ConditionStore
	BalanceStore
	OrderStateStore
	NonceStore
	StateCommitter
}

// Vault custodies the single fungible collateral asset. Each call is
// exactly-once and all-or-nothing; a failure aborts the calling operation.
type Vault interface {
	Asset() common.Address
	TransferIn(ctx context.Context, from common.Address, amount *uint256.Int) error
	TransferOut(ctx context.Context, to common.Address, amount *uint256.Int) error
	BalanceOf(ctx context.Context, holder common.Address) (*uint256.Int, error)
}

// ConditionResolver supplies the finalized payout vector for a condition.
// It is read-only from the engine's perspective.
type ConditionResolver interface {
	Outcome(ctx context.Context, conditionID common.Hash) (resolved bool, payouts []*uint256.Int, err error)
}

// PricingStrategy is the capability shared by market kinds layered on the
// position engine. Quote never mutates state; Settle commits.
type PricingStrategy interface {
	Kind() string
	Quote(ctx context.Context, req MatchRequest) (MatchResult, error)
	Settle(ctx context.Context, req MatchRequest) (MatchResult, error)
}
