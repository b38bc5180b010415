package ctf

import (
	"fmt"

	"github.com/alanyoungcy/ctfsettle/internal/domain"
	"github.com/holiman/uint256"
)

// checkIndexSet rejects an empty mask or one naming outcomes past the
// condition's last slot.
func checkIndexSet(set, full *uint256.Int) error {
	if set == nil || set.IsZero() {
		return fmt.Errorf("empty index set: %w", domain.ErrInvalidIndexSet)
	}
	if !new(uint256.Int).And(set, full).Eq(set) {
		return fmt.Errorf("index set %s outside outcome range: %w", set.Hex(), domain.ErrInvalidIndexSet)
	}
	return nil
}

// checkPartition validates a split/merge partition. It returns the union
// of the entries when they leave some outcome uncovered, or nil when the
// partition is complete.
func checkPartition(partition []*uint256.Int, outcomeCount int) (*uint256.Int, error) {
	if len(partition) < 2 {
		return nil, fmt.Errorf("need at least two entries, got %d: %w", len(partition), domain.ErrInvalidPartition)
	}
	full := FullIndexSet(outcomeCount)
	free := full.Clone()
	for _, set := range partition {
		if err := checkIndexSet(set, full); err != nil {
			return nil, fmt.Errorf("%w: %w", domain.ErrInvalidPartition, err)
		}
		if set.Eq(full) {
			return nil, fmt.Errorf("entry covers every outcome: %w", domain.ErrInvalidPartition)
		}
		if !new(uint256.Int).And(set, free).Eq(set) {
			return nil, fmt.Errorf("entries overlap at %s: %w", set.Hex(), domain.ErrInvalidPartition)
		}
		free.Xor(free, set)
	}
	if free.IsZero() {
		return nil, nil
	}
	return new(uint256.Int).Xor(full, free), nil
}

// payoutNumerator sums the payout numerators of every outcome in set.
func payoutNumerator(payouts []*uint256.Int, set *uint256.Int) (*uint256.Int, error) {
	num := new(uint256.Int)
	bit := new(uint256.Int)
	for i, p := range payouts {
		if bit.Rsh(set, uint(i)).Uint64()&1 == 0 {
			continue
		}
		if _, overflow := num.AddOverflow(num, p); overflow {
			return nil, domain.ErrOverflow
		}
	}
	return num, nil
}
