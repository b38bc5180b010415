package app

import (
	"bufio"
	"bytes"
	"context"
	"encoding/hex"
	"encoding/json"
	"errors"
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

	s3blob "github.com/alanyoungcy/ctfsettle/internal/blob/s3"
	"github.com/alanyoungcy/ctfsettle/internal/command"
	"github.com/alanyoungcy/ctfsettle/internal/config"
	"github.com/alanyoungcy/ctfsettle/internal/ctf"
	"github.com/alanyoungcy/ctfsettle/internal/domain"
	"github.com/alanyoungcy/ctfsettle/internal/events"
)

const (
	assetHex    = "0x2791Bca1f2de4661ED88A30C99A7a9449Aa84174"
	contractHex = "0x4bFb41d5B3570DeFd03C39a9A4D8dE6Bd8B8982E"
	oracleHex   = "0x6A9D222616C90FcA5754cd1333cFD9b7fb6a4F74"
	feesHex     = "0x9d1E4f1a2B3c4D5e6F708192a3B4c5D6e7F80912"
)

var (
	alice    = common.HexToAddress("0xa11ce")
	question = common.HexToHash("0x51")
)

func testLogger() *slog.Logger {
	return slog.New(slog.DiscardHandler)
}

func writeCommands(t *testing.T, cmds ...command.Command) string {
	t.Helper()
	var buf bytes.Buffer
	for _, c := range cmds {
		b, err := json.Marshal(c)
		require.NoError(t, err)
		buf.Write(b)
		buf.WriteByte('\n')
	}
	path := filepath.Join(t.TempDir(), "commands.jsonl")
	require.NoError(t, os.WriteFile(path, buf.Bytes(), 0o600))
	return path
}

func memoryConfig(input string) *config.Config {
	cfg := config.Defaults()
	cfg.Exchange.VerifyingContract = contractHex
	cfg.Collateral.Asset = assetHex
	cfg.Exchange.FeeRecipient = feesHex
	cfg.Replay.Input = input
	cfg.Replay.AllowDeposits = true
	return &cfg
}

func amount(v uint64) *command.Amount {
	a := command.NewAmount(v)
	return &a
}

func TestReplayModeOnMemoryBackend(t *testing.T) {
	ctx := context.Background()
	oracle := common.HexToAddress(oracleHex)
	asset := common.HexToAddress(assetHex)
	cond := ctf.ConditionID(oracle, question, 2)

	input := writeCommands(t,
		command.Command{ID: "fund", Kind: command.KindDeposit, Holder: alice, Amount: amount(100)},
		command.Command{ID: "prep", Kind: command.KindPrepare, Caller: oracle, Oracle: oracle, QuestionID: question, OutcomeCount: 2},
		command.Command{ID: "split", Kind: command.KindSplit, Caller: alice, Collateral: asset, ConditionID: cond,
			Partition: []command.Amount{command.NewAmount(1), command.NewAmount(2)}, Amount: amount(60)},
		command.Command{ID: "overspend", Kind: command.KindSplit, Caller: alice, Collateral: asset, ConditionID: cond,
			Partition: []command.Amount{command.NewAmount(1), command.NewAmount(2)}, Amount: amount(500)},
	)
	cfg := memoryConfig(input)
	require.NoError(t, cfg.Validate())

	deps, cleanup, err := Wire(ctx, cfg, testLogger())
	require.NoError(t, err)
	defer cleanup()

	var out bytes.Buffer
	a := New(cfg, testLogger())
	a.SetOutput(&out)

	sum, err := a.ReplayMode(ctx, deps)
	require.NoError(t, err)
	assert.Equal(t, 4, sum.Total)
	assert.Equal(t, 3, sum.OK)
	assert.Equal(t, 1, sum.Failed)

	var results []command.Result
	sc := bufio.NewScanner(&out)
	for sc.Scan() {
		var r command.Result
		require.NoError(t, json.Unmarshal(sc.Bytes(), &r))
		results = append(results, r)
	}
	require.Len(t, results, 4)
	assert.Equal(t, cond.Hex(), results[1].Output["condition_id"])
	assert.False(t, results[3].OK)
	assert.Equal(t, "overspend", results[3].ID)

	cash, err := deps.Vault.BalanceOf(ctx, alice)
	require.NoError(t, err)
	assert.Equal(t, uint64(40), cash.Uint64())

	yes := ctf.PositionID(asset, ctf.CollectionID(common.Hash{}, cond, uint256.NewInt(1)))
	held, err := deps.Positions.BalanceOf(ctx, yes, alice)
	require.NoError(t, err)
	assert.Equal(t, uint64(60), held.Uint64())

	journaled, err := deps.Journal.ListBefore(ctx, time.Now().Add(time.Minute))
	require.NoError(t, err)
	kinds := make([]domain.EventKind, 0, len(journaled))
	for _, ev := range journaled {
		kinds = append(kinds, ev.Kind)
	}
	assert.Equal(t, []domain.EventKind{domain.EventConditionPreparation, domain.EventPositionSplit}, kinds)
}

func TestRunReplayMode(t *testing.T) {
	input := writeCommands(t,
		command.Command{ID: "fund", Kind: command.KindDeposit, Holder: alice, Amount: amount(1)},
	)
	cfg := memoryConfig(input)
	a := New(cfg, testLogger())
	a.SetOutput(io.Discard)
	defer a.Close()

	require.NoError(t, a.Run(context.Background()))
}

func TestDepositsDisabledByDefault(t *testing.T) {
	ctx := context.Background()
	input := writeCommands(t,
		command.Command{ID: "fund", Kind: command.KindDeposit, Holder: alice, Amount: amount(1)},
	)
	cfg := memoryConfig(input)
	cfg.Replay.AllowDeposits = false

	deps, cleanup, err := Wire(ctx, cfg, testLogger())
	require.NoError(t, err)
	defer cleanup()

	a := New(cfg, testLogger())
	a.SetOutput(io.Discard)
	sum, err := a.ReplayMode(ctx, deps)
	require.NoError(t, err)
	require.Len(t, sum.Failures(), 1)
	assert.Equal(t, domain.ClassInputValidation.String(), sum.Failures()[0].Class)
}

func TestReplayMissingInput(t *testing.T) {
	ctx := context.Background()
	cfg := memoryConfig(filepath.Join(t.TempDir(), "absent.jsonl"))
	deps, cleanup, err := Wire(ctx, cfg, testLogger())
	require.NoError(t, err)
	defer cleanup()

	_, err = New(cfg, testLogger()).ReplayMode(ctx, deps)
	require.Error(t, err)

	cfg.Replay.Input = "s3://batches/001.jsonl"
	_, err = New(cfg, testLogger()).ReplayMode(ctx, deps)
	require.ErrorIs(t, err, command.ErrNoBlobStore)
}

func TestOperatorFromWallet(t *testing.T) {
	pk, err := ethcrypto.GenerateKey()
	require.NoError(t, err)
	cfg := memoryConfig("unused")
	cfg.Wallet.PrivateKey = "0x" + hex.EncodeToString(ethcrypto.FromECDSA(pk))

	deps, cleanup, err := Wire(context.Background(), cfg, testLogger())
	require.NoError(t, err)
	defer cleanup()

	assert.True(t, deps.Exchange.IsOperator(ethcrypto.PubkeyToAddress(pk.PublicKey)))
	assert.Nil(t, deps.Resolution, "no relay without redis")
	assert.Nil(t, deps.Archiver, "no archiver without s3")
}

func TestSigningDomain(t *testing.T) {
	cfg := memoryConfig("unused")
	cfg.Exchange.ChainID = 80002
	d := SigningDomain(cfg)
	assert.Equal(t, "CTF Exchange", d.Name)
	assert.Equal(t, uint64(80002), d.ChainID)
	assert.Equal(t, common.HexToAddress(contractHex), d.VerifyingContract)
}

func TestModesWithoutOptionalBackends(t *testing.T) {
	ctx := context.Background()
	cfg := memoryConfig("unused")
	deps, cleanup, err := Wire(ctx, cfg, testLogger())
	require.NoError(t, err)
	defer cleanup()

	a := New(cfg, testLogger())
	assert.ErrorIs(t, a.ResolveMode(ctx, deps), errNoResolution)
	assert.ErrorIs(t, a.FullMode(ctx, deps), errNoResolution)
	assert.Error(t, a.ArchiveMode(ctx, deps))
}

type memWriter struct {
	paths []string
}

func (w *memWriter) Put(_ context.Context, path string, data io.Reader, _ string) error {
	if _, err := io.Copy(io.Discard, data); err != nil {
		return err
	}
	w.paths = append(w.paths, path)
	return nil
}

func (w *memWriter) PutMultipart(ctx context.Context, path string, data io.Reader, _ int64) error {
	return w.Put(ctx, path, data, "")
}

type countingPruner struct {
	calls  int
	before time.Time
	err    error
}

func (p *countingPruner) Prune(_ context.Context, before time.Time) (int64, error) {
	p.calls++
	p.before = before
	return 1, p.err
}

func TestArchiveModePrunesAfterUpload(t *testing.T) {
	ctx := context.Background()
	rec := events.NewRecorder()
	old := events.New(domain.EventTransfer, map[string]string{"amount": "5"})
	old.At = time.Now().Add(-72 * time.Hour)
	require.NoError(t, rec.Emit(ctx, old))

	w := &memWriter{}
	pruner := &countingPruner{}
	deps := &Dependencies{
		Journal:  rec,
		Pruner:   pruner,
		Archiver: s3blob.NewArchiver(w, rec, testLogger()),
	}

	cfg := memoryConfig("unused")
	cfg.Archive.Retention.Duration = 24 * time.Hour
	cfg.Archive.Prune = true
	a := New(cfg, testLogger())

	require.NoError(t, a.ArchiveMode(ctx, deps))
	require.Len(t, w.paths, 1)
	assert.True(t, strings.HasPrefix(w.paths[0], "archive/events/"))
	assert.Equal(t, 1, pruner.calls)
	assert.WithinDuration(t, time.Now().Add(-24*time.Hour), pruner.before, time.Minute)

	pruner.err = errors.New("connection reset")
	assert.Error(t, a.ArchiveMode(ctx, deps))

	cfg.Archive.Prune = false
	pruner.calls = 0
	require.NoError(t, a.ArchiveMode(ctx, deps))
	assert.Zero(t, pruner.calls)
}
