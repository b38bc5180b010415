// Package ctf implements conditional-token position accounting: condition
// preparation and resolution, and the split, merge, redeem and transfer
// operations over the claim ledger.
package ctf

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"strings"

	"github.com/alanyoungcy/ctfsettle/internal/domain"
	"github.com/alanyoungcy/ctfsettle/internal/events"
	"github.com/alanyoungcy/ctfsettle/internal/fixedpoint"
	"github.com/alanyoungcy/ctfsettle/internal/ledger"
	"github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"
)

var errUnguarded = errors.New("ctf: staged transfer outside a guarded operation")

// Engine owns the claim ledger. Every mutating call runs under the shared
// guard and commits through a single ledger batch.
type Engine struct {
	store   domain.StateStore
	vault   domain.Vault
	settler *ledger.Settler
	guard   *ledger.Guard
	sink    domain.EventSink
	logger  *slog.Logger
}

// NewEngine creates an Engine. The guard may be shared with other engines
// that write the same store.
func NewEngine(
	store domain.StateStore,
	vault domain.Vault,
	guard *ledger.Guard,
	sink domain.EventSink,
	logger *slog.Logger,
) *Engine {
	if guard == nil {
		guard = ledger.NewGuard()
	}
	if sink == nil {
		sink = events.Discard{}
	}
	return &Engine{
		store:   store,
		vault:   vault,
		settler: ledger.NewSettler(store, vault, logger),
		guard:   guard,
		sink:    sink,
		logger:  logger.With(slog.String("component", "ctf")),
	}
}

// Guard returns the guard serializing this engine.
func (e *Engine) Guard() *ledger.Guard { return e.guard }

// Store returns the state store backing the ledger.
func (e *Engine) Store() domain.StateStore { return e.store }

// Vault returns the collateral vault.
func (e *Engine) Vault() domain.Vault { return e.vault }

// PrepareCondition registers a condition and returns its id.
func (e *Engine) PrepareCondition(ctx context.Context, oracle common.Address, questionID common.Hash, outcomeCount int) (common.Hash, error) {
	const op = "prepare condition"
	if err := domain.CheckAccounts(oracle); err != nil {
		return common.Hash{}, e.fail(op, fmt.Errorf("oracle: %w", err))
	}
	if outcomeCount < 2 || outcomeCount > domain.MaxOutcomeCount {
		return common.Hash{}, e.fail(op, fmt.Errorf("%d outcomes: %w", outcomeCount, domain.ErrInvalidOutcomeCount))
	}

	ctx, release, err := e.guard.Enter(ctx)
	if err != nil {
		return common.Hash{}, e.fail(op, err)
	}
	defer release()

	id := ConditionID(oracle, questionID, outcomeCount)
	b := ledger.NewBatch(e.store)
	_, err = b.Condition(ctx, id)
	switch {
	case err == nil:
		return common.Hash{}, e.fail(op, fmt.Errorf("%s: %w", id.Hex(), domain.ErrAlreadyPrepared))
	case !errors.Is(err, domain.ErrNotFound):
		return common.Hash{}, e.fail(op, err)
	}

	cond := domain.Condition{ID: id, Oracle: oracle, QuestionID: questionID, OutcomeCount: outcomeCount}
	if err := b.PutCondition(ctx, cond); err != nil {
		return common.Hash{}, e.fail(op, err)
	}
	if err := e.settler.Commit(ctx, b); err != nil {
		return common.Hash{}, e.fail(op, err)
	}

	e.logger.Debug("condition prepared", slog.String("condition_id", id.Hex()), slog.Int("outcomes", outcomeCount))
	e.publish(ctx, events.New(domain.EventConditionPreparation, map[string]string{
		"condition_id":  id.Hex(),
		"oracle":        oracle.Hex(),
		"question_id":   questionID.Hex(),
		"outcome_count": strconv.Itoa(outcomeCount),
	}))
	return id, nil
}

// SplitPosition converts amount of the parent position (or collateral when
// parent is the root) into amount of each partition entry. A partition that
// leaves outcomes uncovered draws from the position of its union instead.
func (e *Engine) SplitPosition(
	ctx context.Context,
	caller, collateral common.Address,
	parent, conditionID common.Hash,
	partition []*uint256.Int,
	amount *uint256.Int,
) error {
	const op = "split position"
	if err := e.checkRequest(caller, amount, collateral); err != nil {
		return e.fail(op, err)
	}

	ctx, release, err := e.guard.Enter(ctx)
	if err != nil {
		return e.fail(op, err)
	}
	defer release()

	b := ledger.NewBatch(e.store)
	cond, err := e.condition(ctx, b, conditionID)
	if err != nil {
		return e.fail(op, err)
	}
	union, err := checkPartition(partition, cond.OutcomeCount)
	if err != nil {
		return e.fail(op, err)
	}

	var in []ledger.Movement
	switch {
	case union != nil:
		src := PositionID(collateral, CollectionID(parent, conditionID, union))
		if err := b.Debit(ctx, src, caller, amount); err != nil {
			return e.fail(op, err)
		}
	case parent == (common.Hash{}):
		in = append(in, ledger.Movement{Holder: caller, Amount: amount})
	default:
		if err := b.Debit(ctx, PositionID(collateral, parent), caller, amount); err != nil {
			return e.fail(op, err)
		}
	}
	for _, set := range partition {
		child := PositionID(collateral, CollectionID(parent, conditionID, set))
		if err := b.Credit(ctx, child, caller, amount); err != nil {
			return e.fail(op, err)
		}
	}

	if err := e.settler.Settle(ctx, b, in, nil); err != nil {
		return e.fail(op, err)
	}

	e.logger.Debug("position split",
		slog.String("holder", caller.Hex()),
		slog.String("condition_id", conditionID.Hex()),
		slog.String("amount", amount.Dec()),
	)
	e.publish(ctx, events.New(domain.EventPositionSplit, map[string]string{
		"holder":               caller.Hex(),
		"collateral":           collateral.Hex(),
		"parent_collection_id": parent.Hex(),
		"condition_id":         conditionID.Hex(),
		"partition":            joinSets(partition),
		"amount":               amount.Dec(),
	}))
	return nil
}

// MergePositions is the inverse of SplitPosition.
func (e *Engine) MergePositions(
	ctx context.Context,
	caller, collateral common.Address,
	parent, conditionID common.Hash,
	partition []*uint256.Int,
	amount *uint256.Int,
) error {
	const op = "merge positions"
	if err := e.checkRequest(caller, amount, collateral); err != nil {
		return e.fail(op, err)
	}

	ctx, release, err := e.guard.Enter(ctx)
	if err != nil {
		return e.fail(op, err)
	}
	defer release()

	b := ledger.NewBatch(e.store)
	cond, err := e.condition(ctx, b, conditionID)
	if err != nil {
		return e.fail(op, err)
	}
	union, err := checkPartition(partition, cond.OutcomeCount)
	if err != nil {
		return e.fail(op, err)
	}

	for _, set := range partition {
		child := PositionID(collateral, CollectionID(parent, conditionID, set))
		if err := b.Debit(ctx, child, caller, amount); err != nil {
			return e.fail(op, err)
		}
	}

	var out []ledger.Movement
	switch {
	case union != nil:
		dst := PositionID(collateral, CollectionID(parent, conditionID, union))
		if err := b.Credit(ctx, dst, caller, amount); err != nil {
			return e.fail(op, err)
		}
	case parent == (common.Hash{}):
		out = append(out, ledger.Movement{Holder: caller, Amount: amount})
	default:
		if err := b.Credit(ctx, PositionID(collateral, parent), caller, amount); err != nil {
			return e.fail(op, err)
		}
	}

	if err := e.settler.Settle(ctx, b, nil, out); err != nil {
		return e.fail(op, err)
	}

	e.logger.Debug("positions merged",
		slog.String("holder", caller.Hex()),
		slog.String("condition_id", conditionID.Hex()),
		slog.String("amount", amount.Dec()),
	)
	e.publish(ctx, events.New(domain.EventPositionsMerge, map[string]string{
		"holder":               caller.Hex(),
		"collateral":           collateral.Hex(),
		"parent_collection_id": parent.Hex(),
		"condition_id":         conditionID.Hex(),
		"partition":            joinSets(partition),
		"amount":               amount.Dec(),
	}))
	return nil
}

// ReportPayouts sets the payout numerators of the condition identified by
// (oracle, questionID, len(payouts)). Only the oracle itself may report,
// and only once.
func (e *Engine) ReportPayouts(ctx context.Context, caller, oracle common.Address, questionID common.Hash, payouts []*uint256.Int) error {
	const op = "report payouts"
	if err := domain.CheckAccounts(caller); err != nil {
		return e.fail(op, fmt.Errorf("caller: %w", err))
	}
	if caller != oracle {
		return e.fail(op, fmt.Errorf("%s: %w", caller.Hex(), domain.ErrNotOracle))
	}
	if len(payouts) < 2 || len(payouts) > domain.MaxOutcomeCount {
		return e.fail(op, fmt.Errorf("%d numerators: %w", len(payouts), domain.ErrPayoutLength))
	}
	numerators := make([]*uint256.Int, len(payouts))
	for i, p := range payouts {
		if p == nil {
			numerators[i] = new(uint256.Int)
			continue
		}
		numerators[i] = p.Clone()
	}
	den, err := fixedpoint.Sum(numerators...)
	if err != nil {
		return e.fail(op, err)
	}
	if den.IsZero() {
		return e.fail(op, domain.ErrZeroPayouts)
	}

	ctx, release, err := e.guard.Enter(ctx)
	if err != nil {
		return e.fail(op, err)
	}
	defer release()

	id := ConditionID(oracle, questionID, len(payouts))
	b := ledger.NewBatch(e.store)
	cond, err := e.condition(ctx, b, id)
	if err != nil {
		return e.fail(op, err)
	}
	if cond.Resolved() {
		return e.fail(op, fmt.Errorf("%s: %w", id.Hex(), domain.ErrAlreadyResolved))
	}
	cond.Payouts = numerators
	if err := b.PutCondition(ctx, cond); err != nil {
		return e.fail(op, err)
	}
	if err := e.settler.Commit(ctx, b); err != nil {
		return e.fail(op, err)
	}

	e.logger.Debug("condition resolved", slog.String("condition_id", id.Hex()), slog.String("payouts", joinDec(numerators)))
	e.publish(ctx, events.New(domain.EventConditionResolution, map[string]string{
		"condition_id":  id.Hex(),
		"oracle":        oracle.Hex(),
		"question_id":   questionID.Hex(),
		"outcome_count": strconv.Itoa(len(numerators)),
		"payouts":       joinDec(numerators),
	}))
	return nil
}

// RedeemPositions burns the caller's balance in each index set's position
// under a resolved condition and pays floor(balance*numerator/denominator)
// into the parent position, or out as collateral at the root. It returns
// the total paid.
func (e *Engine) RedeemPositions(
	ctx context.Context,
	caller, collateral common.Address,
	parent, conditionID common.Hash,
	indexSets []*uint256.Int,
) (*uint256.Int, error) {
	const op = "redeem positions"
	if err := domain.CheckAccounts(caller); err != nil {
		return nil, e.fail(op, fmt.Errorf("caller: %w", err))
	}
	if collateral != e.vault.Asset() {
		return nil, e.fail(op, fmt.Errorf("%s: %w", collateral.Hex(), domain.ErrInvalidCollateral))
	}
	if len(indexSets) == 0 {
		return nil, e.fail(op, fmt.Errorf("no index sets: %w", domain.ErrInvalidIndexSet))
	}

	ctx, release, err := e.guard.Enter(ctx)
	if err != nil {
		return nil, e.fail(op, err)
	}
	defer release()

	b := ledger.NewBatch(e.store)
	cond, err := e.condition(ctx, b, conditionID)
	if err != nil {
		return nil, e.fail(op, err)
	}
	if !cond.Resolved() {
		return nil, e.fail(op, fmt.Errorf("%s: %w", conditionID.Hex(), domain.ErrNotResolved))
	}
	den, err := fixedpoint.Sum(cond.Payouts...)
	if err != nil {
		return nil, e.fail(op, err)
	}

	full := FullIndexSet(cond.OutcomeCount)
	total := new(uint256.Int)
	for _, set := range indexSets {
		if err := checkIndexSet(set, full); err != nil {
			return nil, e.fail(op, err)
		}
		pos := PositionID(collateral, CollectionID(parent, conditionID, set))
		bal, err := b.BalanceOf(ctx, pos, caller)
		if err != nil {
			return nil, e.fail(op, err)
		}
		if bal.IsZero() {
			continue
		}
		num, err := payoutNumerator(cond.Payouts, set)
		if err != nil {
			return nil, e.fail(op, err)
		}
		share, err := fixedpoint.MulDiv(bal, num, den)
		if err != nil {
			return nil, e.fail(op, err)
		}
		if total, err = fixedpoint.Add(total, share); err != nil {
			return nil, e.fail(op, err)
		}
		if err := b.Debit(ctx, pos, caller, bal); err != nil {
			return nil, e.fail(op, err)
		}
	}

	var out []ledger.Movement
	if !total.IsZero() {
		if parent == (common.Hash{}) {
			out = append(out, ledger.Movement{Holder: caller, Amount: total})
		} else if err := b.Credit(ctx, PositionID(collateral, parent), caller, total); err != nil {
			return nil, e.fail(op, err)
		}
	}
	if err := e.settler.Settle(ctx, b, nil, out); err != nil {
		return nil, e.fail(op, err)
	}

	e.logger.Debug("positions redeemed",
		slog.String("holder", caller.Hex()),
		slog.String("condition_id", conditionID.Hex()),
		slog.String("payout", total.Dec()),
	)
	e.publish(ctx, events.New(domain.EventPayoutRedemption, map[string]string{
		"redeemer":             caller.Hex(),
		"collateral":           collateral.Hex(),
		"parent_collection_id": parent.Hex(),
		"condition_id":         conditionID.Hex(),
		"index_sets":           joinSets(indexSets),
		"payout":               total.Dec(),
	}))
	return total, nil
}

// Transfer moves amount of position from caller to to.
func (e *Engine) Transfer(ctx context.Context, caller, to common.Address, position, amount *uint256.Int) error {
	return e.BatchTransfer(ctx, caller, to, []*uint256.Int{position}, []*uint256.Int{amount})
}

// BatchTransfer moves several positions from caller to to in one commit.
func (e *Engine) BatchTransfer(ctx context.Context, caller, to common.Address, positions, amounts []*uint256.Int) error {
	const op = "transfer"
	if err := domain.CheckAccounts(caller, to); err != nil {
		return e.fail(op, err)
	}
	if len(positions) != len(amounts) {
		return e.fail(op, fmt.Errorf("%d positions, %d amounts: %w", len(positions), len(amounts), domain.ErrLengthMismatch))
	}
	for _, a := range amounts {
		if a == nil || a.IsZero() {
			return e.fail(op, domain.ErrZeroAmount)
		}
	}

	ctx, release, err := e.guard.Enter(ctx)
	if err != nil {
		return e.fail(op, err)
	}
	defer release()

	b := ledger.NewBatch(e.store)
	evs := make([]domain.Event, 0, len(positions))
	for i := range positions {
		ev, err := e.StageTransfer(ctx, b, caller, to, positions[i], amounts[i])
		if err != nil {
			return e.fail(op, err)
		}
		evs = append(evs, ev)
	}
	if err := e.settler.Commit(ctx, b); err != nil {
		return e.fail(op, err)
	}
	e.publish(ctx, evs...)
	return nil
}

// StageTransfer stages a claim transfer into b on behalf of an operation
// already holding the guard, and returns the event to publish once b
// commits.
func (e *Engine) StageTransfer(ctx context.Context, b *ledger.Batch, from, to common.Address, position, amount *uint256.Int) (domain.Event, error) {
	if !e.guard.Held(ctx) {
		return domain.Event{}, errUnguarded
	}
	if err := domain.CheckAccounts(from, to); err != nil {
		return domain.Event{}, err
	}
	if err := b.Move(ctx, position, from, to, amount); err != nil {
		return domain.Event{}, err
	}
	return events.New(domain.EventTransfer, map[string]string{
		"from":     from.Hex(),
		"to":       to.Hex(),
		"position": position.Dec(),
		"amount":   amount.Dec(),
	}), nil
}

// BalanceOf returns holder's committed balance of position.
func (e *Engine) BalanceOf(ctx context.Context, position *uint256.Int, holder common.Address) (*uint256.Int, error) {
	bal, err := e.store.BalanceOf(ctx, position, holder)
	if err != nil {
		return nil, fmt.Errorf("ctf: balance of: %w", err)
	}
	return bal, nil
}

// BalanceOfBatch returns the balances for paired positions and holders.
func (e *Engine) BalanceOfBatch(ctx context.Context, positions []*uint256.Int, holders []common.Address) ([]*uint256.Int, error) {
	if len(positions) != len(holders) {
		return nil, fmt.Errorf("ctf: balance of batch: %w", domain.ErrLengthMismatch)
	}
	out := make([]*uint256.Int, len(positions))
	for i := range positions {
		bal, err := e.BalanceOf(ctx, positions[i], holders[i])
		if err != nil {
			return nil, err
		}
		out[i] = bal
	}
	return out, nil
}

// Condition returns a prepared condition.
func (e *Engine) Condition(ctx context.Context, id common.Hash) (domain.Condition, error) {
	c, err := e.store.GetCondition(ctx, id)
	if errors.Is(err, domain.ErrNotFound) {
		return domain.Condition{}, fmt.Errorf("ctf: condition %s: %w", id.Hex(), domain.ErrConditionNotFound)
	}
	if err != nil {
		return domain.Condition{}, fmt.Errorf("ctf: condition: %w", err)
	}
	return c, nil
}

// OutcomeSlotCount returns the outcome count of id, or 0 when unprepared.
func (e *Engine) OutcomeSlotCount(ctx context.Context, id common.Hash) (int, error) {
	c, err := e.Condition(ctx, id)
	if errors.Is(err, domain.ErrConditionNotFound) {
		return 0, nil
	}
	if err != nil {
		return 0, err
	}
	return c.OutcomeCount, nil
}

// PayoutDenominator returns the sum of the payout numerators, zero while
// the condition is unresolved.
func (e *Engine) PayoutDenominator(ctx context.Context, id common.Hash) (*uint256.Int, error) {
	c, err := e.Condition(ctx, id)
	if err != nil {
		return nil, err
	}
	return fixedpoint.Sum(c.Payouts...)
}

func (e *Engine) condition(ctx context.Context, b *ledger.Batch, id common.Hash) (domain.Condition, error) {
	c, err := b.Condition(ctx, id)
	if errors.Is(err, domain.ErrNotFound) {
		return domain.Condition{}, fmt.Errorf("%s: %w", id.Hex(), domain.ErrConditionNotFound)
	}
	return c, err
}

func (e *Engine) checkRequest(caller common.Address, amount *uint256.Int, collateral common.Address) error {
	if err := domain.CheckAccounts(caller); err != nil {
		return fmt.Errorf("caller: %w", err)
	}
	if amount == nil || amount.IsZero() {
		return domain.ErrZeroAmount
	}
	if collateral != e.vault.Asset() {
		return fmt.Errorf("%s: %w", collateral.Hex(), domain.ErrInvalidCollateral)
	}
	return nil
}

func (e *Engine) fail(op string, err error) error {
	e.logger.Debug("operation rejected",
		slog.String("op", op),
		slog.String("class", domain.ClassOf(err).String()),
		slog.String("error", err.Error()),
	)
	return fmt.Errorf("ctf: %s: %w", op, err)
}

func (e *Engine) publish(ctx context.Context, evs ...domain.Event) {
	events.Publish(ctx, e.sink, e.logger, evs...)
}

func joinSets(sets []*uint256.Int) string {
	parts := make([]string, len(sets))
	for i, s := range sets {
		parts[i] = s.Hex()
	}
	return strings.Join(parts, ",")
}

func joinDec(vals []*uint256.Int) string {
	parts := make([]string, len(vals))
	for i, v := range vals {
		parts[i] = v.Dec()
	}
	return strings.Join(parts, ",")
}
