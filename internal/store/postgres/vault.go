package postgres

import (
	"context"
	"fmt"

	"github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/alanyoungcy/ctfsettle/internal/domain"
)

// Vault implements domain.Vault over the collateral_accounts and
// collateral_custody tables. Each transfer debits one side and credits the
// other inside a single serializable transaction.
type Vault struct {
	pool  *pgxpool.Pool
	asset common.Address
}

var _ domain.Vault = (*Vault)(nil)

// NewVault creates a Vault for the given collateral asset.
func NewVault(pool *pgxpool.Pool, asset common.Address) *Vault {
	return &Vault{pool: pool, asset: asset}
}

// Asset returns the collateral token this vault holds.
func (v *Vault) Asset() common.Address { return v.asset }

// Deposit credits holder's wallet from outside the system.
func (v *Vault) Deposit(ctx context.Context, holder common.Address, amount *uint256.Int) error {
	if holder == (common.Address{}) {
		return fmt.Errorf("postgres: vault deposit: %w", domain.ErrZeroAddress)
	}
	err := serializable(ctx, v.pool, func(tx pgx.Tx) error {
		return v.creditWallet(ctx, tx, holder, amount)
	})
	if err != nil {
		return fmt.Errorf("postgres: vault deposit %s: %w", holder.Hex(), err)
	}
	return nil
}

// TransferIn moves amount from holder's wallet into custody.
func (v *Vault) TransferIn(ctx context.Context, from common.Address, amount *uint256.Int) error {
	if from == (common.Address{}) {
		return fmt.Errorf("postgres: vault transfer in: %w", domain.ErrZeroAddress)
	}
	if amount.IsZero() {
		return nil
	}
	err := serializable(ctx, v.pool, func(tx pgx.Tx) error {
		if err := v.debitWallet(ctx, tx, from, amount); err != nil {
			return err
		}
		return v.creditCustody(ctx, tx, amount)
	})
	if err != nil {
		return fmt.Errorf("postgres: vault transfer in from %s: %w", from.Hex(), err)
	}
	return nil
}

// TransferOut moves amount from custody to holder's wallet.
func (v *Vault) TransferOut(ctx context.Context, to common.Address, amount *uint256.Int) error {
	if to == (common.Address{}) {
		return fmt.Errorf("postgres: vault transfer out: %w", domain.ErrZeroAddress)
	}
	if amount.IsZero() {
		return nil
	}
	err := serializable(ctx, v.pool, func(tx pgx.Tx) error {
		if err := v.debitCustody(ctx, tx, amount); err != nil {
			return err
		}
		return v.creditWallet(ctx, tx, to, amount)
	})
	if err != nil {
		return fmt.Errorf("postgres: vault transfer out to %s: %w", to.Hex(), err)
	}
	return nil
}

// BalanceOf returns holder's wallet balance.
func (v *Vault) BalanceOf(ctx context.Context, holder common.Address) (*uint256.Int, error) {
	const query = `SELECT amount::text FROM collateral_accounts WHERE asset = $1 AND holder = $2`

	amount, err := scanAmount(v.pool.QueryRow(ctx, query, v.asset.Bytes(), holder.Bytes()))
	if err != nil {
		return nil, fmt.Errorf("postgres: vault balance of %s: %w", holder.Hex(), err)
	}
	return amount, nil
}

// Custody returns the collateral currently held by the engine.
func (v *Vault) Custody(ctx context.Context) (*uint256.Int, error) {
	const query = `SELECT amount::text FROM collateral_custody WHERE asset = $1`

	amount, err := scanAmount(v.pool.QueryRow(ctx, query, v.asset.Bytes()))
	if err != nil {
		return nil, fmt.Errorf("postgres: vault custody: %w", err)
	}
	return amount, nil
}

const (
	debitWalletSQL = `
		UPDATE collateral_accounts
		SET amount = amount - $3::text::numeric, updated_at = NOW()
		WHERE asset = $1 AND holder = $2 AND amount >= $3::text::numeric`

	creditWalletSQL = `
		INSERT INTO collateral_accounts (asset, holder, amount)
		VALUES ($1, $2, $3::text::numeric)
		ON CONFLICT (asset, holder) DO UPDATE SET
			amount     = collateral_accounts.amount + EXCLUDED.amount,
			updated_at = NOW()`

	debitCustodySQL = `
		UPDATE collateral_custody
		SET amount = amount - $2::text::numeric, updated_at = NOW()
		WHERE asset = $1 AND amount >= $2::text::numeric`

	creditCustodySQL = `
		INSERT INTO collateral_custody (asset, amount)
		VALUES ($1, $2::text::numeric)
		ON CONFLICT (asset) DO UPDATE SET
			amount     = collateral_custody.amount + EXCLUDED.amount,
			updated_at = NOW()`
)

func (v *Vault) debitWallet(ctx context.Context, tx pgx.Tx, holder common.Address, amount *uint256.Int) error {
	tag, err := tx.Exec(ctx, debitWalletSQL, v.asset.Bytes(), holder.Bytes(), amount.Dec())
	if err != nil {
		return fmt.Errorf("debit: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return domain.ErrInsufficientBalance
	}
	return nil
}

func (v *Vault) creditWallet(ctx context.Context, tx pgx.Tx, holder common.Address, amount *uint256.Int) error {
	if _, err := tx.Exec(ctx, creditWalletSQL, v.asset.Bytes(), holder.Bytes(), amount.Dec()); err != nil {
		// The amount CHECK rejects totals past 2^256-1.
		if isCheckViolation(err) {
			return domain.ErrOverflow
		}
		return fmt.Errorf("credit: %w", err)
	}
	return nil
}

func (v *Vault) debitCustody(ctx context.Context, tx pgx.Tx, amount *uint256.Int) error {
	tag, err := tx.Exec(ctx, debitCustodySQL, v.asset.Bytes(), amount.Dec())
	if err != nil {
		return fmt.Errorf("debit custody: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return domain.ErrInsufficientBalance
	}
	return nil
}

func (v *Vault) creditCustody(ctx context.Context, tx pgx.Tx, amount *uint256.Int) error {
	if _, err := tx.Exec(ctx, creditCustodySQL, v.asset.Bytes(), amount.Dec()); err != nil {
		if isCheckViolation(err) {
			return domain.ErrOverflow
		}
		return fmt.Errorf("credit custody: %w", err)
	}
	return nil
}
