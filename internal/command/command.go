// Package command decodes newline-delimited JSON settlement commands and
// replays them through the position and exchange engines.
package command

import (
	"bufio"
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"strings"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/holiman/uint256"

	"github.com/alanyoungcy/ctfsettle/internal/domain"
	"github.com/alanyoungcy/ctfsettle/internal/fixedpoint"
)

// Kind names a command.
type Kind string

const (
	KindPrepare   Kind = "prepare"
	KindSplit     Kind = "split"
	KindMerge     Kind = "merge"
	KindReport    Kind = "report"
	KindRedeem    Kind = "redeem"
	KindTransfer  Kind = "transfer"
	KindMatch     Kind = "match"
	KindCancel    Kind = "cancel"
	KindBumpNonce Kind = "bump_nonce"
	KindDeposit   Kind = "deposit"
)

// maxLineSize bounds a single command line.
const maxLineSize = 1 << 20

// Amount is an unsigned 256-bit integer written in JSON either as a decimal
// or 0x-hex string, or as a plain number.
type Amount struct {
	uint256.Int
}

// NewAmount wraps v.
func NewAmount(v uint64) Amount {
	var a Amount
	a.SetUint64(v)
	return a
}

// UnmarshalJSON accepts "123", "0x7b" or 123.
func (a *Amount) UnmarshalJSON(b []byte) error {
	s := strings.TrimSpace(string(b))
	if len(s) >= 2 && s[0] == '"' {
		if err := json.Unmarshal(b, &s); err != nil {
			return err
		}
	}
	v, err := fixedpoint.Parse(s)
	if err != nil {
		return fmt.Errorf("amount %q: %w", s, err)
	}
	a.Set(v)
	return nil
}

// MarshalJSON writes the decimal string form.
func (a Amount) MarshalJSON() ([]byte, error) {
	return json.Marshal(a.Dec())
}

// Ptr returns a fresh *uint256.Int holding a's value.
func (a *Amount) Ptr() *uint256.Int {
	if a == nil {
		return nil
	}
	return a.Int.Clone()
}

func amounts(as []Amount) []*uint256.Int {
	out := make([]*uint256.Int, len(as))
	for i := range as {
		out[i] = as[i].Ptr()
	}
	return out
}

// SignedOrder is the wire form of an order plus its signature.
type SignedOrder struct {
	Salt          Amount         `json:"salt"`
	Maker         common.Address `json:"maker"`
	Signer        common.Address `json:"signer"`
	Taker         common.Address `json:"taker"`
	TokenID       Amount         `json:"token_id"`
	MakerAmount   Amount         `json:"maker_amount"`
	TakerAmount   Amount         `json:"taker_amount"`
	Expiration    uint64         `json:"expiration"`
	Nonce         Amount         `json:"nonce"`
	FeeRateBps    uint64         `json:"fee_rate_bps"`
	Side          string         `json:"side"`
	SignatureType uint8          `json:"signature_type"`
	Signature     hexutil.Bytes  `json:"signature,omitempty"`
}

// Order converts the wire form to a domain order.
func (s SignedOrder) Order() (domain.Order, error) {
	var side domain.Side
	switch strings.ToUpper(s.Side) {
	case "BUY", "0":
		side = domain.SideBuy
	case "SELL", "1":
		side = domain.SideSell
	default:
		return domain.Order{}, fmt.Errorf("side %q: %w", s.Side, domain.ErrInvalidCommand)
	}
	return domain.Order{
		Salt:          s.Salt.Ptr(),
		Maker:         s.Maker,
		Signer:        s.Signer,
		Taker:         s.Taker,
		TokenID:       s.TokenID.Ptr(),
		MakerAmount:   s.MakerAmount.Ptr(),
		TakerAmount:   s.TakerAmount.Ptr(),
		Expiration:    s.Expiration,
		Nonce:         s.Nonce.Ptr(),
		FeeRateBps:    s.FeeRateBps,
		Side:          side,
		SignatureType: domain.SignatureType(s.SignatureType),
	}, nil
}

// FromOrder builds the wire form of a signed order.
func FromOrder(o domain.Order, sig []byte) SignedOrder {
	amt := func(v *uint256.Int) Amount {
		var a Amount
		if v != nil {
			a.Set(v)
		}
		return a
	}
	return SignedOrder{
		Salt:          amt(o.Salt),
		Maker:         o.Maker,
		Signer:        o.Signer,
		Taker:         o.Taker,
		TokenID:       amt(o.TokenID),
		MakerAmount:   amt(o.MakerAmount),
		TakerAmount:   amt(o.TakerAmount),
		Expiration:    o.Expiration,
		Nonce:         amt(o.Nonce),
		FeeRateBps:    o.FeeRateBps,
		Side:          o.Side.String(),
		SignatureType: uint8(o.SignatureType),
		Signature:     sig,
	}
}

// Command is one line of a replay file. Caller is the identity the
// submitting gateway already authenticated; only the fields its Kind uses
// are read.
type Command struct {
	ID     string         `json:"id,omitempty"`
	Kind   Kind           `json:"kind"`
	Caller common.Address `json:"caller"`

	// prepare, report
	Oracle       common.Address `json:"oracle,omitempty"`
	QuestionID   common.Hash    `json:"question_id,omitempty"`
	OutcomeCount int            `json:"outcome_count,omitempty"`
	Payouts      []Amount       `json:"payouts,omitempty"`

	// split, merge, redeem
	Collateral       common.Address `json:"collateral,omitempty"`
	ParentCollection common.Hash    `json:"parent_collection,omitempty"`
	ConditionID      common.Hash    `json:"condition_id,omitempty"`
	Partition        []Amount       `json:"partition,omitempty"`
	IndexSets        []Amount       `json:"index_sets,omitempty"`

	// split, merge, deposit
	Amount *Amount `json:"amount,omitempty"`

	// transfer
	To        common.Address `json:"to,omitempty"`
	Positions []Amount       `json:"positions,omitempty"`
	Amounts   []Amount       `json:"amounts,omitempty"`

	// match
	Maker *SignedOrder `json:"maker_order,omitempty"`
	Taker *SignedOrder `json:"taker_order,omitempty"`
	Fill  *Amount      `json:"fill_amount,omitempty"`

	// cancel
	Orders []SignedOrder `json:"orders,omitempty"`

	// deposit
	Holder common.Address `json:"holder,omitempty"`
}

// Line is a decoded command with its 1-based position in the input.
type Line struct {
	No      int
	Command Command
	Err     error
}

// Scanner reads commands one line at a time. Blank lines and lines starting
// with '#' are skipped. A line that does not decode is returned with Err set
// so the replay can report it and continue.
type Scanner struct {
	sc   *bufio.Scanner
	no   int
	line Line
}

// NewScanner reads commands from r.
func NewScanner(r io.Reader) *Scanner {
	sc := bufio.NewScanner(r)
	sc.Buffer(make([]byte, 64*1024), maxLineSize)
	return &Scanner{sc: sc}
}

// Next advances to the next command. It returns false at end of input or on
// a read error; check Err afterwards.
func (s *Scanner) Next() bool {
	for s.sc.Scan() {
		s.no++
		raw := bytes.TrimSpace(s.sc.Bytes())
		if len(raw) == 0 || raw[0] == '#' {
			continue
		}
		s.line = Line{No: s.no}
		dec := json.NewDecoder(bytes.NewReader(raw))
		dec.DisallowUnknownFields()
		if err := dec.Decode(&s.line.Command); err != nil {
			s.line.Err = fmt.Errorf("line %d: %w: %w", s.no, domain.ErrInvalidCommand, err)
		}
		return true
	}
	return false
}

// Line returns the command read by the last call to Next.
func (s *Scanner) Line() Line { return s.line }

// Err returns the first read error, if any.
func (s *Scanner) Err() error {
	if err := s.sc.Err(); err != nil {
		return fmt.Errorf("command: read: %w", err)
	}
	return nil
}
