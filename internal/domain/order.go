package domain

import (
	"github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"
)

// Side indicates what the maker offers. BUY offers collateral for claims,
// SELL offers claims for collateral.
type Side uint8

const (
	SideBuy  Side = 0
	SideSell Side = 1
)

func (s Side) String() string {
	if s == SideSell {
		return "SELL"
	}
	return "BUY"
}

// SignatureType selects the scheme used to authenticate an order.
type SignatureType uint8

const (
	SignatureEOA SignatureType = 0 // plain secp256k1 key signature
)

// Order is an off-band signed intent to trade a position against collateral.
// Orders are immutable; fill progress lives in OrderState keyed by hash.
type Order struct {
	Salt          *uint256.Int
	Maker         common.Address
	Signer        common.Address
	Taker         common.Address // zero address means any counterparty
	TokenID       *uint256.Int
	MakerAmount   *uint256.Int
	TakerAmount   *uint256.Int
	Expiration    uint64 // unix seconds
	Nonce         *uint256.Int
	FeeRateBps    uint64
	Side          Side
	SignatureType SignatureType
}

// RestrictsTaker reports whether only a specific counterparty may fill.
func (o Order) RestrictsTaker() bool {
	return o.Taker != (common.Address{})
}

// OrderStatus is the lifecycle position of an order hash.
type OrderStatus string

const (
	OrderStatusOpen            OrderStatus = "open"
	OrderStatusPartiallyFilled OrderStatus = "partially_filled"
	OrderStatusFilled          OrderStatus = "filled"
	OrderStatusCancelled       OrderStatus = "cancelled"
)

// OrderState holds the only two mutable facts tracked per order hash.
// Filled never exceeds the order's MakerAmount and Cancelled never reverts.
type OrderState struct {
	Filled    *uint256.Int
	Cancelled bool
}

// FilledOrZero returns Filled, treating an untouched state as zero.
func (s OrderState) FilledOrZero() *uint256.Int {
	if s.Filled == nil {
		return new(uint256.Int)
	}
	return s.Filled
}

// Status derives the lifecycle status given the order's maker amount.
func (s OrderState) Status(makerAmount *uint256.Int) OrderStatus {
	filled := s.FilledOrZero()
	switch {
	case s.Cancelled:
		return OrderStatusCancelled
	case makerAmount != nil && !makerAmount.IsZero() && !filled.Lt(makerAmount):
		return OrderStatusFilled
	case !filled.IsZero():
		return OrderStatusPartiallyFilled
	default:
		return OrderStatusOpen
	}
}

// MatchRequest is what an operator submits after off-band negotiation.
// FillAmount is denominated in the maker order's MakerAmount units.
type MatchRequest struct {
	Operator   common.Address
	Maker      Order
	Taker      Order
	MakerSig   []byte
	TakerSig   []byte
	FillAmount *uint256.Int
}

// MatchResult reports a settled (or previewed) match for the caller's
// bookkeeping. Deltas are in each order's own MakerAmount units; fees are
// collateral.
type MatchResult struct {
	MakerHash        common.Hash
	TakerHash        common.Hash
	MakerFillDelta   *uint256.Int
	TakerFillDelta   *uint256.Int
	MakerFilled      *uint256.Int
	TakerFilled      *uint256.Int
	MakerStatus      OrderStatus
	TakerStatus      OrderStatus
	Buyer            common.Address
	Seller           common.Address
	TokenID          *uint256.Int
	ClaimAmount      *uint256.Int
	CollateralAmount *uint256.Int
	MakerFee         *uint256.Int
	TakerFee         *uint256.Int
}

// Clone returns a copy that shares no pointers with s.
func (s OrderState) Clone() OrderState {
	return OrderState{Filled: s.FilledOrZero().Clone(), Cancelled: s.Cancelled}
}
