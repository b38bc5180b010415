// Package memory implements the domain state stores in process memory.
package memory

import (
	"context"
	"sort"
	"sync"

	"github.com/alanyoungcy/ctfsettle/internal/domain"
	"github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"
)

// Store is a map-backed domain.StateStore.
type Store struct {
	mu          sync.RWMutex
	conditions  map[common.Hash]domain.Condition
	balances    map[domain.BalanceKey]uint256.Int
	orderStates map[common.Hash]domain.OrderState
	nonces      map[common.Address]uint256.Int

	// commitErr, when set, fails the next Commit.
	commitErr error
}

var _ domain.StateStore = (*Store)(nil)

// New returns an empty Store.
func New() *Store {
	return &Store{
		conditions:  make(map[common.Hash]domain.Condition),
		balances:    make(map[domain.BalanceKey]uint256.Int),
		orderStates: make(map[common.Hash]domain.OrderState),
		nonces:      make(map[common.Address]uint256.Int),
	}
}

// GetCondition returns the stored condition or domain.ErrNotFound.
func (s *Store) GetCondition(_ context.Context, id common.Hash) (domain.Condition, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	c, ok := s.conditions[id]
	if !ok {
		return domain.Condition{}, domain.ErrNotFound
	}
	return c.Clone(), nil
}

// ListUnresolved returns unresolved conditions reported by oracle, ordered by id.
func (s *Store) ListUnresolved(_ context.Context, oracle common.Address) ([]domain.Condition, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []domain.Condition
	for _, c := range s.conditions {
		if c.Oracle == oracle && !c.Resolved() {
			out = append(out, c.Clone())
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID.Cmp(out[j].ID) < 0 })
	return out, nil
}

// BalanceOf returns holder's balance of position.
func (s *Store) BalanceOf(_ context.Context, position *uint256.Int, holder common.Address) (*uint256.Int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	v := s.balances[domain.NewBalanceKey(position, holder)]
	return v.Clone(), nil
}

// OrderState returns the fill state for hash.
func (s *Store) OrderState(_ context.Context, hash common.Hash) (domain.OrderState, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	st, ok := s.orderStates[hash]
	if !ok {
		return domain.OrderState{Filled: new(uint256.Int)}, nil
	}
	return st.Clone(), nil
}

// NonceOf returns maker's current nonce.
func (s *Store) NonceOf(_ context.Context, maker common.Address) (*uint256.Int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	v := s.nonces[maker]
	return v.Clone(), nil
}

// Commit applies cs under a single write lock.
func (s *Store) Commit(_ context.Context, cs domain.ChangeSet) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.commitErr; err != nil {
		s.commitErr = nil
		return err
	}
	for id, c := range cs.Conditions {
		s.conditions[id] = c.Clone()
	}
	for k, v := range cs.Balances {
		if v == nil || v.IsZero() {
			delete(s.balances, k)
			continue
		}
		s.balances[k] = *v
	}
	for h, st := range cs.OrderStates {
		s.orderStates[h] = st.Clone()
	}
	for m, n := range cs.Nonces {
		s.nonces[m] = *n
	}
	return nil
}

// FailNextCommit makes the next Commit return err without writing.
func (s *Store) FailNextCommit(err error) {
	s.mu.Lock()
	s.commitErr = err
	s.mu.Unlock()
}

// Holdings returns every non-zero balance. Used for conservation checks.
func (s *Store) Holdings() map[domain.BalanceKey]*uint256.Int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make(map[domain.BalanceKey]*uint256.Int, len(s.balances))
	for k, v := range s.balances {
		out[k] = v.Clone()
	}
	return out
}
