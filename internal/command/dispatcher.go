package command

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"strconv"

	"github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"

	"github.com/alanyoungcy/ctfsettle/internal/domain"
)

// Positions is the position engine surface the dispatcher drives.
type Positions interface {
	PrepareCondition(ctx context.Context, oracle common.Address, questionID common.Hash, outcomeCount int) (common.Hash, error)
	SplitPosition(ctx context.Context, caller, collateral common.Address, parent, conditionID common.Hash, partition []*uint256.Int, amount *uint256.Int) error
	MergePositions(ctx context.Context, caller, collateral common.Address, parent, conditionID common.Hash, partition []*uint256.Int, amount *uint256.Int) error
	ReportPayouts(ctx context.Context, caller, oracle common.Address, questionID common.Hash, payouts []*uint256.Int) error
	RedeemPositions(ctx context.Context, caller, collateral common.Address, parent, conditionID common.Hash, indexSets []*uint256.Int) (*uint256.Int, error)
	BatchTransfer(ctx context.Context, caller, to common.Address, positions, amounts []*uint256.Int) error
}

// Exchange is the matching engine surface the dispatcher drives.
type Exchange interface {
	MatchOrders(ctx context.Context, req domain.MatchRequest) (domain.MatchResult, error)
	CancelOrders(ctx context.Context, caller common.Address, orders []domain.Order) error
	BumpNonce(ctx context.Context, maker common.Address) (*uint256.Int, error)
}

// Funder credits collateral wallets from outside the system.
type Funder func(ctx context.Context, holder common.Address, amount *uint256.Int) error

// Result is the outcome of one command.
type Result struct {
	Line      int               `json:"line"`
	ID        string            `json:"id,omitempty"`
	Kind      Kind              `json:"kind"`
	OK        bool              `json:"ok"`
	Error     string            `json:"error,omitempty"`
	Class     string            `json:"error_class,omitempty"`
	Retryable bool              `json:"retryable,omitempty"`
	Output    map[string]string `json:"output,omitempty"`
}

// Summary counts a replay's results.
type Summary struct {
	Total    int            `json:"total"`
	OK       int            `json:"ok"`
	Failed   int            `json:"failed"`
	ByClass  map[string]int `json:"by_class,omitempty"`
	Executed []Result       `json:"-"`
}

// Dispatcher routes commands to the engines.
type Dispatcher struct {
	positions Positions
	exchange  Exchange
	fund      Funder
	logger    *slog.Logger
}

// NewDispatcher creates a Dispatcher. fund may be nil, in which case deposit
// commands are rejected.
func NewDispatcher(positions Positions, exchange Exchange, fund Funder, logger *slog.Logger) *Dispatcher {
	return &Dispatcher{
		positions: positions,
		exchange:  exchange,
		fund:      fund,
		logger:    logger.With(slog.String("component", "dispatcher")),
	}
}

// Replay executes every command in r in order. A failing command is
// recorded and the replay moves on; only a read error or a cancelled
// context stops it early.
func (d *Dispatcher) Replay(ctx context.Context, r io.Reader) (Summary, error) {
	sum := Summary{ByClass: make(map[string]int)}
	sc := NewScanner(r)
	for sc.Next() {
		if err := ctx.Err(); err != nil {
			return sum, fmt.Errorf("command: replay: %w", err)
		}
		line := sc.Line()
		var res Result
		if line.Err != nil {
			res = failure(line.Command, line.Err)
		} else {
			res = d.Execute(ctx, line.Command)
		}
		res.Line = line.No

		sum.Total++
		if res.OK {
			sum.OK++
		} else {
			sum.Failed++
			sum.ByClass[res.Class]++
			d.logger.WarnContext(ctx, "command rejected",
				slog.Int("line", res.Line),
				slog.String("kind", string(res.Kind)),
				slog.String("error_class", res.Class),
				slog.String("error", res.Error),
			)
		}
		sum.Executed = append(sum.Executed, res)
	}
	if err := sc.Err(); err != nil {
		return sum, err
	}
	d.logger.InfoContext(ctx, "replay complete",
		slog.Int("total", sum.Total),
		slog.Int("ok", sum.OK),
		slog.Int("failed", sum.Failed),
	)
	return sum, nil
}

// Execute runs a single command.
func (d *Dispatcher) Execute(ctx context.Context, cmd Command) Result {
	out, err := d.execute(ctx, cmd)
	if err != nil {
		return failure(cmd, err)
	}
	return Result{ID: cmd.ID, Kind: cmd.Kind, OK: true, Output: out}
}

func (d *Dispatcher) execute(ctx context.Context, cmd Command) (map[string]string, error) {
	if cmd.Kind != KindDeposit && cmd.Caller == (common.Address{}) {
		return nil, fmt.Errorf("missing caller: %w", domain.ErrZeroAddress)
	}

	switch cmd.Kind {
	case KindPrepare:
		id, err := d.positions.PrepareCondition(ctx, cmd.Oracle, cmd.QuestionID, cmd.OutcomeCount)
		if err != nil {
			return nil, err
		}
		return map[string]string{"condition_id": id.Hex()}, nil

	case KindSplit, KindMerge:
		if cmd.Amount == nil {
			return nil, missing("amount")
		}
		run := d.positions.SplitPosition
		if cmd.Kind == KindMerge {
			run = d.positions.MergePositions
		}
		return nil, run(ctx, cmd.Caller, cmd.Collateral, cmd.ParentCollection, cmd.ConditionID, amounts(cmd.Partition), cmd.Amount.Ptr())

	case KindReport:
		return nil, d.positions.ReportPayouts(ctx, cmd.Caller, cmd.Oracle, cmd.QuestionID, amounts(cmd.Payouts))

	case KindRedeem:
		paid, err := d.positions.RedeemPositions(ctx, cmd.Caller, cmd.Collateral, cmd.ParentCollection, cmd.ConditionID, amounts(cmd.IndexSets))
		if err != nil {
			return nil, err
		}
		return map[string]string{"payout": paid.Dec()}, nil

	case KindTransfer:
		if len(cmd.Positions) == 0 {
			return nil, missing("positions")
		}
		return nil, d.positions.BatchTransfer(ctx, cmd.Caller, cmd.To, amounts(cmd.Positions), amounts(cmd.Amounts))

	case KindMatch:
		return d.match(ctx, cmd)

	case KindCancel:
		if len(cmd.Orders) == 0 {
			return nil, missing("orders")
		}
		orders := make([]domain.Order, len(cmd.Orders))
		for i, so := range cmd.Orders {
			o, err := so.Order()
			if err != nil {
				return nil, err
			}
			orders[i] = o
		}
		return nil, d.exchange.CancelOrders(ctx, cmd.Caller, orders)

	case KindBumpNonce:
		n, err := d.exchange.BumpNonce(ctx, cmd.Caller)
		if err != nil {
			return nil, err
		}
		return map[string]string{"nonce": n.Dec()}, nil

	case KindDeposit:
		if d.fund == nil {
			return nil, fmt.Errorf("deposits disabled: %w", domain.ErrInvalidCommand)
		}
		if cmd.Holder == (common.Address{}) {
			return nil, fmt.Errorf("missing holder: %w", domain.ErrZeroAddress)
		}
		if cmd.Amount == nil {
			return nil, missing("amount")
		}
		return nil, d.fund(ctx, cmd.Holder, cmd.Amount.Ptr())
	}
	return nil, fmt.Errorf("kind %q: %w", cmd.Kind, domain.ErrInvalidCommand)
}

func (d *Dispatcher) match(ctx context.Context, cmd Command) (map[string]string, error) {
	if cmd.Maker == nil || cmd.Taker == nil || cmd.Fill == nil {
		return nil, missing("maker_order, taker_order and fill_amount")
	}
	maker, err := cmd.Maker.Order()
	if err != nil {
		return nil, err
	}
	taker, err := cmd.Taker.Order()
	if err != nil {
		return nil, err
	}
	res, err := d.exchange.MatchOrders(ctx, domain.MatchRequest{
		Operator:   cmd.Caller,
		Maker:      maker,
		Taker:      taker,
		MakerSig:   cmd.Maker.Signature,
		TakerSig:   cmd.Taker.Signature,
		FillAmount: cmd.Fill.Ptr(),
	})
	if err != nil {
		return nil, err
	}
	return map[string]string{
		"maker_hash":        res.MakerHash.Hex(),
		"taker_hash":        res.TakerHash.Hex(),
		"maker_fill":        res.MakerFillDelta.Dec(),
		"taker_fill":        res.TakerFillDelta.Dec(),
		"maker_status":      string(res.MakerStatus),
		"taker_status":      string(res.TakerStatus),
		"claim_amount":      res.ClaimAmount.Dec(),
		"collateral_amount": res.CollateralAmount.Dec(),
		"maker_fee":         res.MakerFee.Dec(),
		"taker_fee":         res.TakerFee.Dec(),
	}, nil
}

func missing(field string) error {
	return fmt.Errorf("missing %s: %w", field, domain.ErrInvalidCommand)
}

func failure(cmd Command, err error) Result {
	class := domain.ClassOf(err)
	return Result{
		ID:        cmd.ID,
		Kind:      cmd.Kind,
		Error:     err.Error(),
		Class:     class.String(),
		Retryable: domain.Retryable(err),
	}
}

// Failures returns only the failed results of s.
func (s Summary) Failures() []Result {
	var out []Result
	for _, r := range s.Executed {
		if !r.OK {
			out = append(out, r)
		}
	}
	return out
}

// String renders a one-line summary.
func (s Summary) String() string {
	return "total=" + strconv.Itoa(s.Total) + " ok=" + strconv.Itoa(s.OK) + " failed=" + strconv.Itoa(s.Failed)
}
