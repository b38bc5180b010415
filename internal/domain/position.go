package domain

import (
	"github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"
)

// BalanceKey addresses one entry of the claim ledger. A position exists
// implicitly while any holder's balance for it is non-zero.
type BalanceKey struct {
	Position uint256.Int
	Holder   common.Address
}

// NewBalanceKey copies position into a comparable key.
func NewBalanceKey(position *uint256.Int, holder common.Address) BalanceKey {
	return BalanceKey{Position: *position, Holder: holder}
}

// CheckAccounts rejects the zero address. It never names a holder, so a
// balance or collateral movement addressed to it would mint or burn value.
func CheckAccounts(accounts ...common.Address) error {
	for _, a := range accounts {
		if a == (common.Address{}) {
			return ErrZeroAddress
		}
	}
	return nil
}
