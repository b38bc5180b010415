package command_test

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
	ethcrypto "github.com/ethereum/go-ethereum/crypto"
	"github.com/holiman/uint256"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/alanyoungcy/ctfsettle/internal/command"
	"github.com/alanyoungcy/ctfsettle/internal/crypto"
	"github.com/alanyoungcy/ctfsettle/internal/ctf"
	"github.com/alanyoungcy/ctfsettle/internal/domain"
	"github.com/alanyoungcy/ctfsettle/internal/exchange"
	"github.com/alanyoungcy/ctfsettle/internal/store/memory"
	"github.com/alanyoungcy/ctfsettle/internal/vault"
)

var (
	usdc     = common.HexToAddress("0xc0ffee")
	oracle   = common.HexToAddress("0x0a")
	operator = common.HexToAddress("0x0b")
	carol    = common.HexToAddress("0x0c")
	question = common.HexToHash("0x51")

	testDomain = crypto.Domain{Name: "CTF Exchange", Version: "1", ChainID: 137, VerifyingContract: common.HexToAddress("0xe0")}
)

func amt(v uint64) *command.Amount {
	a := command.NewAmount(v)
	return &a
}

func amts(vals ...uint64) []command.Amount {
	out := make([]command.Amount, len(vals))
	for i, v := range vals {
		out[i] = command.NewAmount(v)
	}
	return out
}

type env struct {
	dispatcher *command.Dispatcher
	vault      *vault.Memory
	positions  *ctf.Engine
}

func newEnv(t *testing.T) env {
	t.Helper()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	v := vault.NewMemory(usdc)
	pos := ctf.NewEngine(memory.New(), v, nil, nil, logger)
	ex := exchange.New(pos, crypto.NewSchemeVerifier(testDomain), exchange.Config{
		Operators:     []common.Address{operator},
		MaxFeeRateBps: 100,
	}, nil, logger)
	fund := func(_ context.Context, holder common.Address, amount *uint256.Int) error {
		return v.Deposit(holder, amount)
	}
	return env{dispatcher: command.NewDispatcher(pos, ex, fund, logger), vault: v, positions: pos}
}

func encode(t *testing.T, lines ...any) *bytes.Buffer {
	t.Helper()
	var buf bytes.Buffer
	for _, l := range lines {
		switch v := l.(type) {
		case string:
			buf.WriteString(v)
			buf.WriteByte('\n')
		default:
			b, err := json.Marshal(v)
			require.NoError(t, err)
			buf.Write(b)
			buf.WriteByte('\n')
		}
	}
	return &buf
}

func TestReplayFullLifecycle(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()

	aliceKey, err := ethcrypto.GenerateKey()
	require.NoError(t, err)
	bobKey, err := ethcrypto.GenerateKey()
	require.NoError(t, err)
	alice := crypto.NewSignerFromKey(aliceKey, testDomain)
	bob := crypto.NewSignerFromKey(bobKey, testDomain)

	cond := ctf.ConditionID(oracle, question, 2)
	yes := ctf.PositionID(usdc, ctf.CollectionID(common.Hash{}, cond, uint256.NewInt(1)))
	no := ctf.PositionID(usdc, ctf.CollectionID(common.Hash{}, cond, uint256.NewInt(2)))
	exp := uint64(time.Now().Add(time.Hour).Unix())

	sell := domain.Order{
		Salt: uint256.NewInt(1), Maker: alice.Address(), Signer: alice.Address(),
		TokenID: yes, MakerAmount: uint256.NewInt(1000), TakerAmount: uint256.NewInt(500),
		Expiration: exp, Nonce: uint256.NewInt(0), Side: domain.SideSell,
	}
	buy := domain.Order{
		Salt: uint256.NewInt(2), Maker: bob.Address(), Signer: bob.Address(),
		TokenID: yes, MakerAmount: uint256.NewInt(500), TakerAmount: uint256.NewInt(1000),
		Expiration: exp, Nonce: uint256.NewInt(0), Side: domain.SideBuy,
	}
	sellSig, err := alice.SignOrder(sell)
	require.NoError(t, err)
	buySig, err := bob.SignOrder(buy)
	require.NoError(t, err)
	sellWire := command.FromOrder(sell, sellSig)
	buyWire := command.FromOrder(buy, buySig)

	input := encode(t,
		"# funding",
		command.Command{ID: "fund-a", Kind: command.KindDeposit, Holder: alice.Address(), Amount: amt(1000)},
		command.Command{ID: "fund-b", Kind: command.KindDeposit, Holder: bob.Address(), Amount: amt(500)},
		command.Command{ID: "prep", Kind: command.KindPrepare, Caller: oracle, Oracle: oracle, QuestionID: question, OutcomeCount: 2},
		command.Command{ID: "split", Kind: command.KindSplit, Caller: alice.Address(), Collateral: usdc, ConditionID: cond, Partition: amts(1, 2), Amount: amt(1000)},
		command.Command{ID: "match", Kind: command.KindMatch, Caller: operator, Maker: &sellWire, Taker: &buyWire, Fill: amt(1000)},
		command.Command{ID: "bad-cancel", Kind: command.KindCancel, Caller: bob.Address(), Orders: []command.SignedOrder{sellWire}},
		command.Command{ID: "bump", Kind: command.KindBumpNonce, Caller: alice.Address()},
		"",
		command.Command{ID: "report", Kind: command.KindReport, Caller: oracle, Oracle: oracle, QuestionID: question, Payouts: amts(1, 0)},
		command.Command{ID: "redeem", Kind: command.KindRedeem, Caller: bob.Address(), Collateral: usdc, ConditionID: cond, IndexSets: amts(1)},
		`{"kind": "split", "amount": }`,
		command.Command{ID: "teleport", Kind: "teleport"},
		command.Command{ID: "gift", Kind: command.KindTransfer, Caller: alice.Address(), To: carol, Positions: []command.Amount{{Int: *no}}, Amounts: amts(1000)},
	)

	sum, err := e.dispatcher.Replay(ctx, input)
	require.NoError(t, err)
	assert.Equal(t, 12, sum.Total)
	assert.Equal(t, 9, sum.OK)
	assert.Equal(t, 3, sum.Failed)
	assert.Equal(t, map[string]int{"authorization": 1, "input_validation": 2}, sum.ByClass)

	byID := map[string]command.Result{}
	for _, r := range sum.Executed {
		byID[r.ID] = r
	}
	assert.Equal(t, cond.Hex(), byID["prep"].Output["condition_id"])
	assert.Equal(t, "filled", byID["match"].Output["maker_status"])
	assert.Equal(t, "500", byID["match"].Output["collateral_amount"])
	assert.Equal(t, "1", byID["bump"].Output["nonce"])
	assert.Equal(t, "1000", byID["redeem"].Output["payout"])
	assert.Equal(t, "authorization", byID["bad-cancel"].Class)
	assert.False(t, byID["bad-cancel"].Retryable)
	assert.Equal(t, 7, byID["bad-cancel"].Line)

	failed := sum.Failures()
	require.Len(t, failed, 3)
	assert.Equal(t, 12, failed[1].Line)

	aliceCash, err := e.vault.BalanceOf(ctx, alice.Address())
	require.NoError(t, err)
	bobCash, err := e.vault.BalanceOf(ctx, bob.Address())
	require.NoError(t, err)
	assert.Equal(t, uint64(500), aliceCash.Uint64())
	assert.Equal(t, uint64(1000), bobCash.Uint64())

	carolNo, err := e.positions.BalanceOf(ctx, no, carol)
	require.NoError(t, err)
	assert.Equal(t, uint64(1000), carolNo.Uint64())
}

func TestExecuteMissingFields(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()
	for _, cmd := range []command.Command{
		{Kind: command.KindSplit},
		{Kind: command.KindDeposit},
		{Kind: command.KindMatch},
		{Kind: command.KindCancel},
		{Kind: command.KindTransfer},
		{Kind: command.KindMatch, Maker: &command.SignedOrder{Side: "HOLD"}, Taker: &command.SignedOrder{Side: "BUY"}, Fill: amt(1)},
	} {
		res := e.dispatcher.Execute(ctx, cmd)
		assert.False(t, res.OK, cmd.Kind)
		assert.Equal(t, "input_validation", res.Class, cmd.Kind)
	}
}

func TestExecuteRejectsZeroAccounts(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()
	cond := common.HexToHash("0x77")
	for _, cmd := range []command.Command{
		{Kind: command.KindSplit, Collateral: usdc, ConditionID: cond, Partition: amts(1, 2), Amount: amt(1)},
		{Kind: command.KindBumpNonce},
		{Kind: command.KindDeposit, Amount: amt(1)},
	} {
		res := e.dispatcher.Execute(ctx, cmd)
		assert.False(t, res.OK, cmd.Kind)
		assert.Equal(t, "input_validation", res.Class, cmd.Kind)
		assert.Contains(t, res.Error, "zero address", cmd.Kind)
	}
	assert.True(t, e.vault.Custody().IsZero())
}

func TestDepositsDisabled(t *testing.T) {
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	pos := ctf.NewEngine(memory.New(), vault.NewMemory(usdc), nil, nil, logger)
	d := command.NewDispatcher(pos, nil, nil, logger)

	res := d.Execute(context.Background(), command.Command{Kind: command.KindDeposit, Amount: amt(1)})
	assert.False(t, res.OK)
	assert.Contains(t, res.Error, "deposits disabled")
}

func TestAmountJSON(t *testing.T) {
	var got struct {
		A command.Amount `json:"a"`
		B command.Amount `json:"b"`
		C command.Amount `json:"c"`
	}
	require.NoError(t, json.Unmarshal([]byte(`{"a":"115792089237316195423570985008687907853269984665640564039457584007913129639935","b":"0xff","c":42}`), &got))
	assert.True(t, got.A.Eq(new(uint256.Int).SetAllOne()))
	assert.Equal(t, uint64(255), got.B.Uint64())
	assert.Equal(t, uint64(42), got.C.Uint64())

	b, err := json.Marshal(got.B)
	require.NoError(t, err)
	assert.Equal(t, `"255"`, string(b))

	var bad command.Amount
	require.Error(t, json.Unmarshal([]byte(`"-1"`), &bad))
	require.Error(t, json.Unmarshal([]byte(`"115792089237316195423570985008687907853269984665640564039457584007913129639936"`), &bad))
}

func TestScannerRejectsUnknownFields(t *testing.T) {
	sc := command.NewScanner(strings.NewReader(`{"kind":"prepare","colour":"red"}` + "\n"))
	require.True(t, sc.Next())
	require.ErrorIs(t, sc.Line().Err, domain.ErrInvalidCommand)
	assert.False(t, sc.Next())
	require.NoError(t, sc.Err())
}

type fakeBlobs struct{ objects map[string]string }

func (f fakeBlobs) Get(_ context.Context, path string) (io.ReadCloser, error) {
	s, ok := f.objects[path]
	if !ok {
		return nil, domain.ErrNotFound
	}
	return io.NopCloser(strings.NewReader(s)), nil
}

func (f fakeBlobs) List(context.Context, string) ([]domain.BlobInfo, error) { return nil, nil }

func (f fakeBlobs) Exists(_ context.Context, path string) (bool, error) {
	_, ok := f.objects[path]
	return ok, nil
}

func TestOpenSources(t *testing.T) {
	ctx := context.Background()

	path := filepath.Join(t.TempDir(), "cmds.jsonl")
	require.NoError(t, os.WriteFile(path, []byte("{}\n"), 0o600))
	rc, err := command.Open(ctx, path, nil)
	require.NoError(t, err)
	require.NoError(t, rc.Close())

	blobs := fakeBlobs{objects: map[string]string{"in/day1.jsonl": "{}\n"}}
	rc, err = command.Open(ctx, "s3://in/day1.jsonl", blobs)
	require.NoError(t, err)
	body, err := io.ReadAll(rc)
	require.NoError(t, err)
	assert.Equal(t, "{}\n", string(body))

	_, err = command.Open(ctx, "s3://in/missing.jsonl", blobs)
	require.ErrorIs(t, err, domain.ErrNotFound)

	_, err = command.Open(ctx, "s3://in/day1.jsonl", nil)
	require.ErrorIs(t, err, command.ErrNoBlobStore)

	_, err = command.Open(ctx, "", nil)
	require.ErrorIs(t, err, domain.ErrInvalidCommand)
}
