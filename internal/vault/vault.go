// Package vault provides an in-memory collateral vault.
package vault

import (
	"context"
	"fmt"
	"sync"

	"github.com/alanyoungcy/ctfsettle/internal/domain"
	"github.com/alanyoungcy/ctfsettle/internal/fixedpoint"
	"github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"
)

// Direction tells a Hook which way collateral is moving.
type Direction int

const (
	In Direction = iota
	Out
)

// Hook runs before a transfer is applied. A non-nil error aborts the
// transfer. Tests use it to inject failures and re-entrant calls. A hook
// that calls back into an engine must pass ctx along; see ledger.Guard.
type Hook func(ctx context.Context, dir Direction, holder common.Address, amount *uint256.Int) error

// Memory holds wallet balances for one collateral asset plus the engine's
// custody balance.
type Memory struct {
	mu      sync.Mutex
	asset   common.Address
	wallets map[common.Address]*uint256.Int
	custody *uint256.Int
	hook    Hook
}

var _ domain.Vault = (*Memory)(nil)

// NewMemory returns an empty vault for asset.
func NewMemory(asset common.Address) *Memory {
	return &Memory{
		asset:   asset,
		wallets: make(map[common.Address]*uint256.Int),
		custody: new(uint256.Int),
	}
}

// Asset returns the collateral token this vault holds.
func (m *Memory) Asset() common.Address { return m.asset }

// SetHook installs h, replacing any previous hook. Pass nil to clear.
func (m *Memory) SetHook(h Hook) {
	m.mu.Lock()
	m.hook = h
	m.mu.Unlock()
}

// Deposit credits a wallet from outside the system.
func (m *Memory) Deposit(holder common.Address, amount *uint256.Int) error {
	if holder == (common.Address{}) {
		return fmt.Errorf("vault: deposit: %w", domain.ErrZeroAddress)
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	next, err := fixedpoint.Add(m.walletLocked(holder), amount)
	if err != nil {
		return fmt.Errorf("vault: deposit: %w", err)
	}
	m.wallets[holder] = next
	return nil
}

// TransferIn moves amount from holder's wallet into custody.
func (m *Memory) TransferIn(ctx context.Context, from common.Address, amount *uint256.Int) error {
	if from == (common.Address{}) {
		return fmt.Errorf("vault: transfer in: %w", domain.ErrZeroAddress)
	}
	if err := m.runHook(ctx, In, from, amount); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	bal := m.walletLocked(from)
	if bal.Lt(amount) {
		return fmt.Errorf("vault: transfer in from %s: %w", from.Hex(), domain.ErrInsufficientBalance)
	}
	custody, err := fixedpoint.Add(m.custody, amount)
	if err != nil {
		return fmt.Errorf("vault: transfer in: %w", err)
	}
	m.wallets[from] = new(uint256.Int).Sub(bal, amount)
	m.custody = custody
	return nil
}

// TransferOut moves amount from custody to holder's wallet.
func (m *Memory) TransferOut(ctx context.Context, to common.Address, amount *uint256.Int) error {
	if to == (common.Address{}) {
		return fmt.Errorf("vault: transfer out: %w", domain.ErrZeroAddress)
	}
	if err := m.runHook(ctx, Out, to, amount); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.custody.Lt(amount) {
		return fmt.Errorf("vault: transfer out to %s: %w", to.Hex(), domain.ErrInsufficientBalance)
	}
	next, err := fixedpoint.Add(m.walletLocked(to), amount)
	if err != nil {
		return fmt.Errorf("vault: transfer out: %w", err)
	}
	m.custody = new(uint256.Int).Sub(m.custody, amount)
	m.wallets[to] = next
	return nil
}

// BalanceOf returns holder's wallet balance.
func (m *Memory) BalanceOf(_ context.Context, holder common.Address) (*uint256.Int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.walletLocked(holder).Clone(), nil
}

// Custody returns the collateral held on behalf of the engine.
func (m *Memory) Custody() *uint256.Int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.custody.Clone()
}

func (m *Memory) walletLocked(holder common.Address) *uint256.Int {
	if v, ok := m.wallets[holder]; ok {
		return v
	}
	return new(uint256.Int)
}

func (m *Memory) runHook(ctx context.Context, dir Direction, holder common.Address, amount *uint256.Int) error {
	m.mu.Lock()
	h := m.hook
	m.mu.Unlock()
	if h == nil {
		return nil
	}
	return h(ctx, dir, holder, amount)
}
