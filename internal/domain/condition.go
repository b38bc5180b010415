package domain

import (
	"github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"
)

// MaxOutcomeCount bounds a condition's outcome slots so that every index set
// fits in a single 256-bit mask.
const MaxOutcomeCount = 256

// Condition is an event tracked by an oracle. Payouts stays nil until the
// oracle reports, and is never rewritten afterwards.
type Condition struct {
	ID           common.Hash
	Oracle       common.Address
	QuestionID   common.Hash
	OutcomeCount int
	Payouts      []*uint256.Int
}

// Resolved reports whether payout numerators have been set.
func (c Condition) Resolved() bool {
	return len(c.Payouts) > 0
}

// Clone returns a deep copy so stores never share numerators with callers.
func (c Condition) Clone() Condition {
	out := c
	if c.Payouts != nil {
		out.Payouts = make([]*uint256.Int, len(c.Payouts))
		for i, p := range c.Payouts {
			out.Payouts[i] = p.Clone()
		}
	}
	return out
}
