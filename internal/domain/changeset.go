package domain

import (
	"github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"
)

// ChangeSet is the atomic write unit handed to a StateCommitter. Every value
// is the post-image of its key, so applying a ChangeSet twice is harmless.
// A zero balance means the ledger entry is removed.
type ChangeSet struct {
	Conditions  map[common.Hash]Condition
	Balances    map[BalanceKey]*uint256.Int
	OrderStates map[common.Hash]OrderState
	Nonces      map[common.Address]*uint256.Int
}

// NewChangeSet returns a ChangeSet with all maps allocated.
func NewChangeSet() ChangeSet {
	return ChangeSet{
		Conditions:  make(map[common.Hash]Condition),
		Balances:    make(map[BalanceKey]*uint256.Int),
		OrderStates: make(map[common.Hash]OrderState),
		Nonces:      make(map[common.Address]*uint256.Int),
	}
}

// Empty reports whether the ChangeSet writes nothing.
func (cs ChangeSet) Empty() bool {
	return len(cs.Conditions) == 0 && len(cs.Balances) == 0 &&
		len(cs.OrderStates) == 0 && len(cs.Nonces) == 0
}
