// Package ledger stages engine writes so each public operation commits
// all-or-nothing, and serializes operations across both engines.
package ledger

import (
	"context"
	"errors"
	"fmt"

	"github.com/alanyoungcy/ctfsettle/internal/domain"
	"github.com/alanyoungcy/ctfsettle/internal/fixedpoint"
	"github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"
)

// Reader is the read side of the persisted state.
type Reader interface {
	domain.ConditionStore
	domain.BalanceStore
	domain.OrderStateStore
	domain.NonceStore
}

// Batch is a write overlay over a Reader. Reads observe staged writes.
// Nothing reaches the store until the ChangeSet is committed.
type Batch struct {
	src Reader

	conditions  map[common.Hash]domain.Condition
	balances    map[domain.BalanceKey]*uint256.Int
	orderStates map[common.Hash]domain.OrderState
	nonces      map[common.Address]*uint256.Int

	// pre-images, captured on first write to each key
	prevConditions  map[common.Hash]*domain.Condition
	prevBalances    map[domain.BalanceKey]*uint256.Int
	prevOrderStates map[common.Hash]domain.OrderState
	prevNonces      map[common.Address]*uint256.Int
}

// NewBatch returns an empty overlay over src.
func NewBatch(src Reader) *Batch {
	return &Batch{
		src:             src,
		conditions:      make(map[common.Hash]domain.Condition),
		balances:        make(map[domain.BalanceKey]*uint256.Int),
		orderStates:     make(map[common.Hash]domain.OrderState),
		nonces:          make(map[common.Address]*uint256.Int),
		prevConditions:  make(map[common.Hash]*domain.Condition),
		prevBalances:    make(map[domain.BalanceKey]*uint256.Int),
		prevOrderStates: make(map[common.Hash]domain.OrderState),
		prevNonces:      make(map[common.Address]*uint256.Int),
	}
}

// Condition returns the staged or stored condition. A missing condition
// yields domain.ErrNotFound.
func (b *Batch) Condition(ctx context.Context, id common.Hash) (domain.Condition, error) {
	if c, ok := b.conditions[id]; ok {
		return c.Clone(), nil
	}
	c, err := b.src.GetCondition(ctx, id)
	if err != nil {
		return domain.Condition{}, err
	}
	return c, nil
}

// PutCondition stages a condition insert or payout write.
func (b *Batch) PutCondition(ctx context.Context, c domain.Condition) error {
	if _, seen := b.prevConditions[c.ID]; !seen {
		if _, staged := b.conditions[c.ID]; !staged {
			prev, err := b.src.GetCondition(ctx, c.ID)
			switch {
			case err == nil:
				b.prevConditions[c.ID] = &prev
			case isNotFound(err):
				b.prevConditions[c.ID] = nil
			default:
				return fmt.Errorf("ledger: load condition: %w", err)
			}
		}
	}
	b.conditions[c.ID] = c.Clone()
	return nil
}

// BalanceOf returns the staged or stored balance.
func (b *Batch) BalanceOf(ctx context.Context, position *uint256.Int, holder common.Address) (*uint256.Int, error) {
	key := domain.NewBalanceKey(position, holder)
	if v, ok := b.balances[key]; ok {
		return v.Clone(), nil
	}
	v, err := b.src.BalanceOf(ctx, position, holder)
	if err != nil {
		return nil, fmt.Errorf("ledger: load balance: %w", err)
	}
	if v == nil {
		v = fixedpoint.Zero()
	}
	return v, nil
}

func (b *Batch) setBalance(ctx context.Context, position *uint256.Int, holder common.Address, v *uint256.Int) error {
	key := domain.NewBalanceKey(position, holder)
	if _, seen := b.prevBalances[key]; !seen {
		prev, err := b.BalanceOf(ctx, position, holder)
		if err != nil {
			return err
		}
		b.prevBalances[key] = prev
	}
	b.balances[key] = v
	return nil
}

// Credit adds amount to holder's balance of position.
func (b *Batch) Credit(ctx context.Context, position *uint256.Int, holder common.Address, amount *uint256.Int) error {
	cur, err := b.BalanceOf(ctx, position, holder)
	if err != nil {
		return err
	}
	next, err := fixedpoint.Add(cur, amount)
	if err != nil {
		return fmt.Errorf("ledger: credit %s: %w", position.Hex(), err)
	}
	return b.setBalance(ctx, position, holder, next)
}

// Debit subtracts amount from holder's balance of position. A short balance
// is ErrInsufficientBalance, never an underflow.
func (b *Batch) Debit(ctx context.Context, position *uint256.Int, holder common.Address, amount *uint256.Int) error {
	cur, err := b.BalanceOf(ctx, position, holder)
	if err != nil {
		return err
	}
	if cur.Lt(amount) {
		return fmt.Errorf("ledger: debit %s: %w", position.Hex(), domain.ErrInsufficientBalance)
	}
	return b.setBalance(ctx, position, holder, new(uint256.Int).Sub(cur, amount))
}

// Move debits from and credits to by amount. Moving to oneself is a no-op
// once the balance check passes.
func (b *Batch) Move(ctx context.Context, position *uint256.Int, from, to common.Address, amount *uint256.Int) error {
	if err := b.Debit(ctx, position, from, amount); err != nil {
		return err
	}
	return b.Credit(ctx, position, to, amount)
}

// OrderState returns the staged or stored fill state.
func (b *Batch) OrderState(ctx context.Context, hash common.Hash) (domain.OrderState, error) {
	if st, ok := b.orderStates[hash]; ok {
		return st, nil
	}
	st, err := b.src.OrderState(ctx, hash)
	if err != nil {
		return domain.OrderState{}, fmt.Errorf("ledger: load order state: %w", err)
	}
	return st, nil
}

// PutOrderState stages an order-state write.
func (b *Batch) PutOrderState(ctx context.Context, hash common.Hash, st domain.OrderState) error {
	if _, seen := b.prevOrderStates[hash]; !seen {
		prev, err := b.OrderState(ctx, hash)
		if err != nil {
			return err
		}
		b.prevOrderStates[hash] = prev
	}
	b.orderStates[hash] = st.Clone()
	return nil
}

// NonceOf returns the staged or stored maker nonce.
func (b *Batch) NonceOf(ctx context.Context, maker common.Address) (*uint256.Int, error) {
	if n, ok := b.nonces[maker]; ok {
		return n.Clone(), nil
	}
	n, err := b.src.NonceOf(ctx, maker)
	if err != nil {
		return nil, fmt.Errorf("ledger: load nonce: %w", err)
	}
	if n == nil {
		n = fixedpoint.Zero()
	}
	return n, nil
}

// PutNonce stages a nonce write.
func (b *Batch) PutNonce(ctx context.Context, maker common.Address, n *uint256.Int) error {
	if _, seen := b.prevNonces[maker]; !seen {
		prev, err := b.NonceOf(ctx, maker)
		if err != nil {
			return err
		}
		b.prevNonces[maker] = prev
	}
	b.nonces[maker] = n.Clone()
	return nil
}

// ChangeSet returns the staged post-images.
func (b *Batch) ChangeSet() domain.ChangeSet {
	cs := domain.NewChangeSet()
	for id, c := range b.conditions {
		cs.Conditions[id] = c.Clone()
	}
	for k, v := range b.balances {
		cs.Balances[k] = v.Clone()
	}
	for h, st := range b.orderStates {
		cs.OrderStates[h] = st
	}
	for m, n := range b.nonces {
		cs.Nonces[m] = n.Clone()
	}
	return cs
}

// Undo returns the ChangeSet restoring every pre-image. Conditions that did
// not exist before the batch cannot be removed through a ChangeSet and are
// left out.
func (b *Batch) Undo() domain.ChangeSet {
	cs := domain.NewChangeSet()
	for id, prev := range b.prevConditions {
		if prev != nil {
			cs.Conditions[id] = prev.Clone()
		}
	}
	for k, v := range b.prevBalances {
		cs.Balances[k] = v.Clone()
	}
	for h, st := range b.prevOrderStates {
		cs.OrderStates[h] = st
	}
	for m, n := range b.prevNonces {
		cs.Nonces[m] = n.Clone()
	}
	return cs
}

func isNotFound(err error) bool {
	return errors.Is(err, domain.ErrNotFound)
}
