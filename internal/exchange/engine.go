// Package exchange validates signed orders and settles matched pairs
// against the claim ledger and the collateral vault.
package exchange

import (
	"context"
	"fmt"
	"log/slog"
	"strconv"
	"time"

	"github.com/alanyoungcy/ctfsettle/internal/ctf"
	"github.com/alanyoungcy/ctfsettle/internal/domain"
	"github.com/alanyoungcy/ctfsettle/internal/events"
	"github.com/alanyoungcy/ctfsettle/internal/fixedpoint"
	"github.com/alanyoungcy/ctfsettle/internal/ledger"
	"github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"
)

// Verifier hashes orders and recovers who signed them.
type Verifier interface {
	OrderHash(o domain.Order) common.Hash
	RecoverSigner(o domain.Order, sig []byte) (common.Address, error)
}

// Config holds exchange-wide settlement parameters.
type Config struct {
	Operators     []common.Address
	FeeRecipient  common.Address
	MaxFeeRateBps uint64
}

// Option customizes an Engine.
type Option func(*Engine)

// WithClock replaces the wall clock used for expiration checks.
func WithClock(now func() time.Time) Option {
	return func(e *Engine) { e.now = now }
}

// Engine tracks per-order fill state and per-maker nonces, and settles
// matches through the position engine it shares a guard with.
type Engine struct {
	positions *ctf.Engine
	store     domain.StateStore
	settler   *ledger.Settler
	guard     *ledger.Guard
	verifier  Verifier

	operators    map[common.Address]struct{}
	feeRecipient common.Address
	maxFeeBps    uint64

	now    func() time.Time
	sink   domain.EventSink
	logger *slog.Logger
}

// New creates an Engine writing the same store and vault as positions.
func New(positions *ctf.Engine, verifier Verifier, cfg Config, sink domain.EventSink, logger *slog.Logger, opts ...Option) *Engine {
	if sink == nil {
		sink = events.Discard{}
	}
	ops := make(map[common.Address]struct{}, len(cfg.Operators))
	for _, op := range cfg.Operators {
		if op == (common.Address{}) {
			continue
		}
		ops[op] = struct{}{}
	}
	e := &Engine{
		positions:    positions,
		store:        positions.Store(),
		settler:      ledger.NewSettler(positions.Store(), positions.Vault(), logger),
		guard:        positions.Guard(),
		verifier:     verifier,
		operators:    ops,
		feeRecipient: cfg.FeeRecipient,
		maxFeeBps:    cfg.MaxFeeRateBps,
		now:          time.Now,
		sink:         sink,
		logger:       logger.With(slog.String("component", "exchange")),
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// IsOperator reports whether addr may submit matches.
func (e *Engine) IsOperator(addr common.Address) bool {
	_, ok := e.operators[addr]
	return ok
}

// OrderHash returns the fill-tracking key of o.
func (e *Engine) OrderHash(o domain.Order) common.Hash {
	return e.verifier.OrderHash(o)
}

// Validate checks o against committed state and returns its hash. Checks
// run in a fixed order: expiration, nonce, amounts, cancellation,
// signature.
func (e *Engine) Validate(ctx context.Context, o domain.Order, sig []byte) (common.Hash, error) {
	h, err := e.validate(ctx, ledger.NewBatch(e.store), o, sig)
	if err != nil {
		return common.Hash{}, e.fail("validate", err)
	}
	return h, nil
}

func (e *Engine) validate(ctx context.Context, b *ledger.Batch, o domain.Order, sig []byte) (common.Hash, error) {
	if err := domain.CheckAccounts(o.Maker, o.Signer); err != nil {
		return common.Hash{}, fmt.Errorf("maker: %w", err)
	}
	if now := e.now().Unix(); now < 0 || o.Expiration <= uint64(now) {
		return common.Hash{}, fmt.Errorf("expired at %d: %w", o.Expiration, domain.ErrExpired)
	}
	current, err := b.NonceOf(ctx, o.Maker)
	if err != nil {
		return common.Hash{}, err
	}
	nonce := o.Nonce
	if nonce == nil {
		nonce = fixedpoint.Zero()
	}
	if nonce.Lt(current) {
		return common.Hash{}, fmt.Errorf("nonce %s below %s: %w", nonce.Dec(), current.Dec(), domain.ErrStaleNonce)
	}
	if o.MakerAmount == nil || o.MakerAmount.IsZero() || o.TakerAmount == nil || o.TakerAmount.IsZero() {
		return common.Hash{}, domain.ErrZeroAmount
	}

	h := e.verifier.OrderHash(o)
	st, err := b.OrderState(ctx, h)
	if err != nil {
		return common.Hash{}, err
	}
	if st.Cancelled {
		return common.Hash{}, fmt.Errorf("%s: %w", h.Hex(), domain.ErrCancelled)
	}

	signer, err := e.verifier.RecoverSigner(o, sig)
	if err != nil {
		return common.Hash{}, err
	}
	if signer != o.Signer || o.Signer != o.Maker {
		return common.Hash{}, fmt.Errorf("recovered %s for maker %s: %w", signer.Hex(), o.Maker.Hex(), domain.ErrInvalidSignature)
	}
	return h, nil
}

// settlement is a fully staged match awaiting commit.
type settlement struct {
	result domain.MatchResult
	in     []ledger.Movement
	out    []ledger.Movement
	events []domain.Event
}

// MatchOrders settles a maker/taker pair submitted by an operator. The
// maker gives FillAmount of its maker asset; the taker gives the
// proportional cross-fill. Claims move seller to buyer, the buyer's
// collateral goes to the seller net of both fees, and fees go to the fee
// recipient.
//
// Each side's fee is collateral*feeRateBps/10000, rounded down, where
// collateral is the collateral leg of the fill: FillAmount when the maker
// buys, the taker's cross-fill when the maker sells. A match that charges a
// fee fails with ErrZeroAddress unless a fee recipient is configured.
func (e *Engine) MatchOrders(ctx context.Context, req domain.MatchRequest) (domain.MatchResult, error) {
	const op = "match orders"
	ctx, release, err := e.guard.Enter(ctx)
	if err != nil {
		return domain.MatchResult{}, e.fail(op, err)
	}
	defer release()

	b := ledger.NewBatch(e.store)
	s, err := e.stage(ctx, b, req)
	if err != nil {
		return domain.MatchResult{}, e.fail(op, err)
	}
	if err := e.settler.Settle(ctx, b, s.in, s.out); err != nil {
		return domain.MatchResult{}, e.fail(op, err)
	}

	e.logger.Debug("orders matched",
		slog.String("maker_hash", s.result.MakerHash.Hex()),
		slog.String("taker_hash", s.result.TakerHash.Hex()),
		slog.String("claims", s.result.ClaimAmount.Dec()),
		slog.String("collateral", s.result.CollateralAmount.Dec()),
	)
	events.Publish(ctx, e.sink, e.logger, s.events...)
	return s.result, nil
}

// Preview runs every check of MatchOrders and returns the result it would
// produce, without committing. The buyer's vault balance is not checked.
func (e *Engine) Preview(ctx context.Context, req domain.MatchRequest) (domain.MatchResult, error) {
	ctx, release, err := e.guard.Enter(ctx)
	if err != nil {
		return domain.MatchResult{}, e.fail("preview", err)
	}
	defer release()

	s, err := e.stage(ctx, ledger.NewBatch(e.store), req)
	if err != nil {
		return domain.MatchResult{}, e.fail("preview", err)
	}
	return s.result, nil
}

func (e *Engine) stage(ctx context.Context, b *ledger.Batch, req domain.MatchRequest) (settlement, error) {
	if !e.IsOperator(req.Operator) {
		return settlement{}, fmt.Errorf("%s: %w", req.Operator.Hex(), domain.ErrNotOperator)
	}
	maker, taker := req.Maker, req.Taker

	makerHash, err := e.validate(ctx, b, maker, req.MakerSig)
	if err != nil {
		return settlement{}, fmt.Errorf("maker order: %w", err)
	}
	takerHash, err := e.validate(ctx, b, taker, req.TakerSig)
	if err != nil {
		return settlement{}, fmt.Errorf("taker order: %w", err)
	}

	if maker.Side == taker.Side || maker.TokenID == nil || taker.TokenID == nil || !maker.TokenID.Eq(taker.TokenID) {
		return settlement{}, domain.ErrSideOrTokenMismatch
	}
	if maker.RestrictsTaker() && maker.Taker != taker.Maker {
		return settlement{}, fmt.Errorf("maker order restricted to %s: %w", maker.Taker.Hex(), domain.ErrUnauthorizedCounterparty)
	}
	if taker.RestrictsTaker() && taker.Taker != maker.Maker {
		return settlement{}, fmt.Errorf("taker order restricted to %s: %w", taker.Taker.Hex(), domain.ErrUnauthorizedCounterparty)
	}
	if maker.FeeRateBps > e.maxFeeBps || taker.FeeRateBps > e.maxFeeBps {
		return settlement{}, fmt.Errorf("max %d bps: %w", e.maxFeeBps, domain.ErrFeeTooHigh)
	}
	if !fixedpoint.CrossGE(maker.MakerAmount, taker.MakerAmount, maker.TakerAmount, taker.TakerAmount) {
		return settlement{}, domain.ErrNotCrossing
	}

	fill := req.FillAmount
	if fill == nil || fill.IsZero() {
		return settlement{}, domain.ErrZeroFill
	}
	takerFill, err := fixedpoint.MulDiv(fill, taker.MakerAmount, maker.MakerAmount)
	if err != nil {
		return settlement{}, err
	}
	if takerFill.IsZero() {
		return settlement{}, domain.ErrZeroFill
	}
	// Neither side may trade worse than the ratio it signed.
	if !fixedpoint.CrossGE(takerFill, maker.MakerAmount, fill, maker.TakerAmount) ||
		!fixedpoint.CrossGE(fill, taker.MakerAmount, takerFill, taker.TakerAmount) {
		return settlement{}, fmt.Errorf("fill %s/%s outside signed limits: %w", fill.Dec(), takerFill.Dec(), domain.ErrNotCrossing)
	}

	makerState, makerFilled, err := e.advance(ctx, b, makerHash, maker, fill)
	if err != nil {
		return settlement{}, fmt.Errorf("maker order: %w", err)
	}
	takerState, takerFilled, err := e.advance(ctx, b, takerHash, taker, takerFill)
	if err != nil {
		return settlement{}, fmt.Errorf("taker order: %w", err)
	}

	buyer, seller := maker.Maker, taker.Maker
	claims, collateral := takerFill, fill
	if maker.Side == domain.SideSell {
		buyer, seller = taker.Maker, maker.Maker
		claims, collateral = fill, takerFill
	}

	makerFee, err := fixedpoint.Bps(collateral, maker.FeeRateBps)
	if err != nil {
		return settlement{}, err
	}
	takerFee, err := fixedpoint.Bps(collateral, taker.FeeRateBps)
	if err != nil {
		return settlement{}, err
	}
	fees, err := fixedpoint.Add(makerFee, takerFee)
	if err != nil {
		return settlement{}, err
	}
	proceeds, err := fixedpoint.Sub(collateral, fees)
	if err != nil {
		return settlement{}, fmt.Errorf("fees %s exceed collateral %s: %w", fees.Dec(), collateral.Dec(), domain.ErrFeeTooHigh)
	}

	transferEv, err := e.positions.StageTransfer(ctx, b, seller, buyer, maker.TokenID, claims)
	if err != nil {
		return settlement{}, fmt.Errorf("seller claims: %w", err)
	}

	res := domain.MatchResult{
		MakerHash:        makerHash,
		TakerHash:        takerHash,
		MakerFillDelta:   fill.Clone(),
		TakerFillDelta:   takerFill,
		MakerFilled:      makerFilled,
		TakerFilled:      takerFilled,
		MakerStatus:      makerState.Status(maker.MakerAmount),
		TakerStatus:      takerState.Status(taker.MakerAmount),
		Buyer:            buyer,
		Seller:           seller,
		TokenID:          maker.TokenID.Clone(),
		ClaimAmount:      claims,
		CollateralAmount: collateral,
		MakerFee:         makerFee,
		TakerFee:         takerFee,
	}

	evs := []domain.Event{
		transferEv,
		filledEvent(makerHash, maker, taker.Maker, fill, takerFill, makerFee),
		filledEvent(takerHash, taker, maker.Maker, takerFill, fill, takerFee),
		events.New(domain.EventOrdersMatched, map[string]string{
			"maker_hash":   makerHash.Hex(),
			"taker_hash":   takerHash.Hex(),
			"token_id":     maker.TokenID.Dec(),
			"buyer":        buyer.Hex(),
			"seller":       seller.Hex(),
			"claims":       claims.Dec(),
			"collateral":   collateral.Dec(),
			"maker_status": string(res.MakerStatus),
			"taker_status": string(res.TakerStatus),
		}),
	}
	out := []ledger.Movement{{Holder: seller, Amount: proceeds}}
	if !fees.IsZero() {
		if e.feeRecipient == (common.Address{}) {
			return settlement{}, fmt.Errorf("fee recipient: %w", domain.ErrZeroAddress)
		}
		out = append(out, ledger.Movement{Holder: e.feeRecipient, Amount: fees})
		evs = append(evs, events.New(domain.EventFeeCharged, map[string]string{
			"recipient": e.feeRecipient.Hex(),
			"maker_fee": makerFee.Dec(),
			"taker_fee": takerFee.Dec(),
		}))
	}

	return settlement{
		result: res,
		in:     []ledger.Movement{{Holder: buyer, Amount: collateral}},
		out:    out,
		events: evs,
	}, nil
}

// advance adds delta to the order's filled amount, rejecting any fill past
// MakerAmount. It never clamps.
func (e *Engine) advance(ctx context.Context, b *ledger.Batch, h common.Hash, o domain.Order, delta *uint256.Int) (domain.OrderState, *uint256.Int, error) {
	st, err := b.OrderState(ctx, h)
	if err != nil {
		return domain.OrderState{}, nil, err
	}
	filled, err := fixedpoint.Add(st.FilledOrZero(), delta)
	if err != nil || filled.Gt(o.MakerAmount) {
		return domain.OrderState{}, nil, fmt.Errorf("filled %s + %s > %s: %w",
			st.FilledOrZero().Dec(), delta.Dec(), o.MakerAmount.Dec(), domain.ErrOverfill)
	}
	st.Filled = filled
	if err := b.PutOrderState(ctx, h, st); err != nil {
		return domain.OrderState{}, nil, err
	}
	return st, filled.Clone(), nil
}

// Cancel marks o cancelled. Only the maker may cancel. Cancelling an order
// that is already cancelled or completely filled succeeds without effect.
func (e *Engine) Cancel(ctx context.Context, caller common.Address, o domain.Order) error {
	return e.CancelOrders(ctx, caller, []domain.Order{o})
}

// CancelOrders cancels every order in one commit, or none of them.
func (e *Engine) CancelOrders(ctx context.Context, caller common.Address, orders []domain.Order) error {
	const op = "cancel"
	if err := domain.CheckAccounts(caller); err != nil {
		return e.fail(op, fmt.Errorf("caller: %w", err))
	}
	for _, o := range orders {
		if o.Maker != caller {
			return e.fail(op, fmt.Errorf("%s is not %s: %w", caller.Hex(), o.Maker.Hex(), domain.ErrNotMaker))
		}
	}

	ctx, release, err := e.guard.Enter(ctx)
	if err != nil {
		return e.fail(op, err)
	}
	defer release()

	b := ledger.NewBatch(e.store)
	var evs []domain.Event
	for _, o := range orders {
		h := e.verifier.OrderHash(o)
		st, err := b.OrderState(ctx, h)
		if err != nil {
			return e.fail(op, err)
		}
		if st.Status(o.MakerAmount) == domain.OrderStatusCancelled || st.Status(o.MakerAmount) == domain.OrderStatusFilled {
			continue
		}
		st.Cancelled = true
		if err := b.PutOrderState(ctx, h, st); err != nil {
			return e.fail(op, err)
		}
		evs = append(evs, events.New(domain.EventOrderCancelled, map[string]string{
			"order_hash": h.Hex(),
			"maker":      o.Maker.Hex(),
		}))
	}
	if len(evs) == 0 {
		return nil
	}
	if err := e.settler.Commit(ctx, b); err != nil {
		return e.fail(op, err)
	}
	e.logger.Debug("orders cancelled", slog.String("maker", caller.Hex()), slog.Int("count", len(evs)))
	events.Publish(ctx, e.sink, e.logger, evs...)
	return nil
}

// BumpNonce increments maker's nonce by one and returns the new value.
// Every unfilled order signed with a lower nonce becomes invalid.
func (e *Engine) BumpNonce(ctx context.Context, maker common.Address) (*uint256.Int, error) {
	const op = "bump nonce"
	if err := domain.CheckAccounts(maker); err != nil {
		return nil, e.fail(op, fmt.Errorf("maker: %w", err))
	}
	ctx, release, err := e.guard.Enter(ctx)
	if err != nil {
		return nil, e.fail(op, err)
	}
	defer release()

	b := ledger.NewBatch(e.store)
	cur, err := b.NonceOf(ctx, maker)
	if err != nil {
		return nil, e.fail(op, err)
	}
	next, err := fixedpoint.Add(cur, uint256.NewInt(1))
	if err != nil {
		return nil, e.fail(op, err)
	}
	if err := b.PutNonce(ctx, maker, next); err != nil {
		return nil, e.fail(op, err)
	}
	if err := e.settler.Commit(ctx, b); err != nil {
		return nil, e.fail(op, err)
	}

	e.logger.Debug("nonce incremented", slog.String("maker", maker.Hex()), slog.String("nonce", next.Dec()))
	events.Publish(ctx, e.sink, e.logger, events.New(domain.EventNonceIncremented, map[string]string{
		"maker": maker.Hex(),
		"nonce": next.Dec(),
	}))
	return next, nil
}

// Nonce returns maker's current nonce.
func (e *Engine) Nonce(ctx context.Context, maker common.Address) (*uint256.Int, error) {
	n, err := e.store.NonceOf(ctx, maker)
	if err != nil {
		return nil, fmt.Errorf("exchange: nonce: %w", err)
	}
	return n, nil
}

// OrderStatus returns the committed fill state of o and its lifecycle status.
func (e *Engine) OrderStatus(ctx context.Context, o domain.Order) (domain.OrderStatus, domain.OrderState, error) {
	st, err := e.store.OrderState(ctx, e.verifier.OrderHash(o))
	if err != nil {
		return "", domain.OrderState{}, fmt.Errorf("exchange: order status: %w", err)
	}
	return st.Status(o.MakerAmount), st, nil
}

func (e *Engine) fail(op string, err error) error {
	e.logger.Debug("operation rejected",
		slog.String("op", op),
		slog.String("class", domain.ClassOf(err).String()),
		slog.String("error", err.Error()),
	)
	return fmt.Errorf("exchange: %s: %w", op, err)
}

func filledEvent(h common.Hash, o domain.Order, counterparty common.Address, gave, got, fee *uint256.Int) domain.Event {
	return events.New(domain.EventOrderFilled, map[string]string{
		"order_hash":   h.Hex(),
		"maker":        o.Maker.Hex(),
		"counterparty": counterparty.Hex(),
		"side":         o.Side.String(),
		"token_id":     o.TokenID.Dec(),
		"gave":         gave.Dec(),
		"got":          got.Dec(),
		"fee":          fee.Dec(),
		"fee_rate_bps": strconv.FormatUint(o.FeeRateBps, 10),
	})
}
