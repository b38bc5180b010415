package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const (
	testContract = "0x4bFb41d5B3570DeFd03C39a9A4D8dE6Bd8B8982E"
	testAsset    = "0x2791Bca1f2de4661ED88A30C99A7a9449Aa84174"
	testOracle   = "0x6A9D222616C90FcA5754cd1333cFD9b7fb6a4F74"
	testFees     = "0x9d1E4f1a2B3c4D5e6F708192a3B4c5D6e7F80912"
)

func validReplay() Config {
	cfg := Defaults()
	cfg.Exchange.VerifyingContract = testContract
	cfg.Collateral.Asset = testAsset
	cfg.Exchange.FeeRecipient = testFees
	cfg.Replay.Input = "commands.jsonl"
	return cfg
}

func TestDefaultsNeedAddresses(t *testing.T) {
	cfg := Defaults()
	err := cfg.Validate()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "exchange.verifying_contract must be set")
	assert.Contains(t, err.Error(), "collateral.asset must be set")
	assert.Contains(t, err.Error(), "replay: input must be set")
}

func TestValidReplayConfig(t *testing.T) {
	cfg := validReplay()
	require.NoError(t, cfg.Validate())
}

func TestValidateCollectsEveryProblem(t *testing.T) {
	cfg := validReplay()
	cfg.Mode = "trade"
	cfg.LogLevel = "loud"
	cfg.Exchange.Operators = []string{"not-an-address"}
	cfg.Exchange.MaxFeeRateBps = 20_000
	cfg.Store.Backend = "sqlite"

	err := cfg.Validate()
	require.Error(t, err)
	msg := err.Error()
	assert.Contains(t, msg, "config validation failed:")
	assert.Contains(t, msg, `unknown mode "trade"`)
	assert.Contains(t, msg, `unknown log_level "loud"`)
	assert.Contains(t, msg, `"not-an-address" is not a hex address`)
	assert.Contains(t, msg, "max_fee_rate_bps must be <= 10000")
	assert.Contains(t, msg, `unknown backend "sqlite"`)
}

func TestFeeRecipientRules(t *testing.T) {
	cfg := validReplay()
	cfg.Exchange.FeeRecipient = ""
	err := cfg.Validate()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "fee_recipient is required when max_fee_rate_bps > 0")

	cfg.Exchange.MaxFeeRateBps = 0
	require.NoError(t, cfg.Validate())

	cfg.Exchange.FeeRecipient = "0x0000000000000000000000000000000000000000"
	cfg.Exchange.Operators = []string{"0x0000000000000000000000000000000000000000"}
	err = cfg.Validate()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "exchange.fee_recipient must not be the zero address")
	assert.Contains(t, err.Error(), "exchange.operators must not be the zero address")
}

func TestModeRequirements(t *testing.T) {
	t.Run("resolve needs oracle and redis", func(t *testing.T) {
		cfg := validReplay()
		cfg.Mode = "resolve"
		err := cfg.Validate()
		require.Error(t, err)
		assert.Contains(t, err.Error(), "oracle.address must be set")
		assert.Contains(t, err.Error(), "redis: must be enabled for mode resolve")

		cfg.Oracle.Address = testOracle
		cfg.Redis.Enabled = true
		require.NoError(t, cfg.Validate())
	})

	t.Run("archive needs s3 and postgres", func(t *testing.T) {
		cfg := validReplay()
		cfg.Mode = "archive"
		err := cfg.Validate()
		require.Error(t, err)
		assert.Contains(t, err.Error(), "s3: must be enabled for mode archive")
		assert.Contains(t, err.Error(), "store: mode archive")

		cfg.S3.Enabled = true
		cfg.Store.Backend = "postgres"
		require.NoError(t, cfg.Validate())
	})

	t.Run("s3 input needs s3", func(t *testing.T) {
		cfg := validReplay()
		cfg.Replay.Input = "s3://batches/001.jsonl"
		err := cfg.Validate()
		require.Error(t, err)
		assert.Contains(t, err.Error(), "s3:// input requires s3.enabled")
	})
}

func TestPostgresValidation(t *testing.T) {
	cfg := validReplay()
	cfg.Store.Backend = "postgres"
	cfg.Postgres.Host = ""
	cfg.Postgres.PoolMinConns = 20
	err := cfg.Validate()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "postgres: host must not be empty")
	assert.Contains(t, err.Error(), "pool_min_conns must not exceed pool_max_conns")

	cfg.Postgres.DSN = "postgres://u:p@db:5432/ctfsettle"
	cfg.Postgres.PoolMinConns = 1
	require.NoError(t, cfg.Validate())
}

func TestLoadFileAndEnv(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "ctfsettle.toml")
	body := `
mode = "resolve"

[exchange]
chain_id = 80002
verifying_contract = "` + testContract + `"
operators = ["` + testOracle + `"]
fee_recipient = "` + testFees + `"

[collateral]
asset = "` + testAsset + `"

[oracle]
address = "` + testOracle + `"
poll_interval = "5s"
`
	require.NoError(t, os.WriteFile(path, []byte(body), 0o600))

	t.Setenv("CTFSETTLE_REDIS_ENABLED", "true")
	t.Setenv("CTFSETTLE_EXCHANGE_MAX_FEE_RATE_BPS", "250")
	t.Setenv("CTFSETTLE_ARCHIVE_RETENTION", "48h")
	t.Setenv("CTFSETTLE_POSTGRES_PORT", "not-a-number")

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, "resolve", cfg.Mode)
	assert.Equal(t, uint64(80002), cfg.Exchange.ChainID)
	assert.Equal(t, "CTF Exchange", cfg.Exchange.Name)
	assert.Equal(t, 5*time.Second, cfg.Oracle.PollInterval.Duration)
	assert.True(t, cfg.Redis.Enabled)
	assert.Equal(t, uint64(250), cfg.Exchange.MaxFeeRateBps)
	assert.Equal(t, 48*time.Hour, cfg.Archive.Retention.Duration)
	assert.Equal(t, 5432, cfg.Postgres.Port, "unparseable override is ignored")
	require.NoError(t, cfg.Validate())

	ops := cfg.Exchange.OperatorAddresses()
	require.Len(t, ops, 1)
	assert.Equal(t, Addr(testOracle), ops[0])
}

func TestLoadMissingFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "absent.toml"))
	require.Error(t, err)
}

func TestStringSliceOverride(t *testing.T) {
	t.Setenv("CTFSETTLE_EXCHANGE_OPERATORS", " "+testOracle+" ,, "+testAsset)
	cfg := Defaults()
	applyEnvOverrides(&cfg)
	assert.Equal(t, []string{testOracle, testAsset}, cfg.Exchange.Operators)
}

func TestRedactedConfig(t *testing.T) {
	cfg := validReplay()
	cfg.Wallet.PrivateKey = "0xdeadbeef"
	cfg.Postgres.DSN = "postgres://u:secret@db/ctfsettle"
	cfg.S3.SecretKey = "s3cr3t"
	cfg.Exchange.Operators = []string{testOracle}

	out := RedactedConfig(&cfg)
	assert.Equal(t, "***", out.Wallet.PrivateKey)
	assert.Equal(t, "***", out.Postgres.DSN)
	assert.Equal(t, "***", out.S3.SecretKey)
	assert.Empty(t, out.Redis.Password, "empty secrets stay empty")

	out.Exchange.Operators[0] = "changed"
	assert.Equal(t, testOracle, cfg.Exchange.Operators[0])
	assert.Equal(t, "0xdeadbeef", cfg.Wallet.PrivateKey)
}

func TestWalletKeyConfig(t *testing.T) {
	w := WalletConfig{EncryptedKeyPath: "/keys/op.json", KeyPassword: "pw"}
	assert.True(t, w.HasKey())
	kc := w.KeyConfig()
	assert.Equal(t, "/keys/op.json", kc.EncryptedKeyPath)
	assert.Equal(t, "pw", kc.KeyPassword)
	assert.False(t, WalletConfig{}.HasKey())
}
