package config

import (
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/joho/godotenv"
)

// Load reads a TOML configuration file at path, merges it on top of the
// built-in defaults, applies CTFSETTLE_* environment variable overrides, and
// returns the final Config. The returned Config has NOT been validated; the
// caller should invoke Config.Validate() after Load.
//
// An empty path skips the file and uses defaults plus environment.
func Load(path string) (*Config, error) {
	cfg := Defaults()

	if path != "" {
		if _, err := toml.DecodeFile(path, &cfg); err != nil {
			return nil, err
		}
	}

	// Load .env file if present (silently ignore if missing).
	_ = godotenv.Load()

	applyEnvOverrides(&cfg)

	return &cfg, nil
}

// applyEnvOverrides reads well-known CTFSETTLE_* environment variables and
// overwrites the corresponding Config fields when a variable is set (i.e. not
// empty). This lets operators inject secrets at deploy time without touching
// the TOML file.
func applyEnvOverrides(cfg *Config) {
	// ── Exchange ──
	setStr(&cfg.Exchange.Name, "CTFSETTLE_EXCHANGE_NAME")
	setStr(&cfg.Exchange.Version, "CTFSETTLE_EXCHANGE_VERSION")
	setUint64(&cfg.Exchange.ChainID, "CTFSETTLE_EXCHANGE_CHAIN_ID")
	setStr(&cfg.Exchange.VerifyingContract, "CTFSETTLE_EXCHANGE_VERIFYING_CONTRACT")
	setStringSlice(&cfg.Exchange.Operators, "CTFSETTLE_EXCHANGE_OPERATORS")
	setStr(&cfg.Exchange.FeeRecipient, "CTFSETTLE_EXCHANGE_FEE_RECIPIENT")
	setUint64(&cfg.Exchange.MaxFeeRateBps, "CTFSETTLE_EXCHANGE_MAX_FEE_RATE_BPS")

	// ── Collateral / Oracle ──
	setStr(&cfg.Collateral.Asset, "CTFSETTLE_COLLATERAL_ASSET")
	setStr(&cfg.Oracle.Address, "CTFSETTLE_ORACLE_ADDRESS")
	setDuration(&cfg.Oracle.PollInterval, "CTFSETTLE_ORACLE_POLL_INTERVAL")

	// ── Wallet ──
	setStr(&cfg.Wallet.PrivateKey, "CTFSETTLE_WALLET_PRIVATE_KEY")
	setStr(&cfg.Wallet.EncryptedKeyPath, "CTFSETTLE_WALLET_ENCRYPTED_KEY_PATH")
	setStr(&cfg.Wallet.KeyPassword, "CTFSETTLE_WALLET_KEY_PASSWORD")

	// ── Store ──
	setStr(&cfg.Store.Backend, "CTFSETTLE_STORE_BACKEND")

	// ── Postgres ──
	setStr(&cfg.Postgres.DSN, "CTFSETTLE_POSTGRES_DSN")
	setStr(&cfg.Postgres.DSN, "DATABASE_URL") // compatibility alias
	setStr(&cfg.Postgres.Host, "CTFSETTLE_POSTGRES_HOST")
	setInt(&cfg.Postgres.Port, "CTFSETTLE_POSTGRES_PORT")
	setStr(&cfg.Postgres.Database, "CTFSETTLE_POSTGRES_DATABASE")
	setStr(&cfg.Postgres.User, "CTFSETTLE_POSTGRES_USER")
	setStr(&cfg.Postgres.Password, "CTFSETTLE_POSTGRES_PASSWORD")
	setStr(&cfg.Postgres.SSLMode, "CTFSETTLE_POSTGRES_SSL_MODE")
	setInt(&cfg.Postgres.PoolMaxConns, "CTFSETTLE_POSTGRES_POOL_MAX_CONNS")
	setInt(&cfg.Postgres.PoolMinConns, "CTFSETTLE_POSTGRES_POOL_MIN_CONNS")
	setBool(&cfg.Postgres.RunMigrations, "CTFSETTLE_POSTGRES_RUN_MIGRATIONS")

	// ── Redis ──
	setBool(&cfg.Redis.Enabled, "CTFSETTLE_REDIS_ENABLED")
	setStr(&cfg.Redis.Addr, "CTFSETTLE_REDIS_ADDR")
	setStr(&cfg.Redis.Password, "CTFSETTLE_REDIS_PASSWORD")
	setInt(&cfg.Redis.DB, "CTFSETTLE_REDIS_DB")
	setInt(&cfg.Redis.PoolSize, "CTFSETTLE_REDIS_POOL_SIZE")
	setInt(&cfg.Redis.MaxRetries, "CTFSETTLE_REDIS_MAX_RETRIES")
	setBool(&cfg.Redis.TLSEnabled, "CTFSETTLE_REDIS_TLS_ENABLED")
	setStr(&cfg.Redis.EventStream, "CTFSETTLE_REDIS_EVENT_STREAM")

	// ── S3 ──
	setBool(&cfg.S3.Enabled, "CTFSETTLE_S3_ENABLED")
	setStr(&cfg.S3.Endpoint, "CTFSETTLE_S3_ENDPOINT")
	setStr(&cfg.S3.Region, "CTFSETTLE_S3_REGION")
	setStr(&cfg.S3.Bucket, "CTFSETTLE_S3_BUCKET")
	setStr(&cfg.S3.AccessKey, "CTFSETTLE_S3_ACCESS_KEY")
	setStr(&cfg.S3.SecretKey, "CTFSETTLE_S3_SECRET_KEY")
	setBool(&cfg.S3.UseSSL, "CTFSETTLE_S3_USE_SSL")
	setBool(&cfg.S3.ForcePathStyle, "CTFSETTLE_S3_FORCE_PATH_STYLE")
	setStr(&cfg.S3.Prefix, "CTFSETTLE_S3_PREFIX")

	// ── Replay / Archive ──
	setStr(&cfg.Replay.Input, "CTFSETTLE_REPLAY_INPUT")
	setDuration(&cfg.Replay.LockTTL, "CTFSETTLE_REPLAY_LOCK_TTL")
	setBool(&cfg.Replay.AllowDeposits, "CTFSETTLE_REPLAY_ALLOW_DEPOSITS")
	setStr(&cfg.Replay.Output, "CTFSETTLE_REPLAY_OUTPUT")
	setDuration(&cfg.Archive.Retention, "CTFSETTLE_ARCHIVE_RETENTION")
	setBool(&cfg.Archive.Prune, "CTFSETTLE_ARCHIVE_PRUNE")

	// ── Top-level ──
	setStr(&cfg.Mode, "CTFSETTLE_MODE")
	setStr(&cfg.LogLevel, "CTFSETTLE_LOG_LEVEL")
}

// ---------------------------------------------------------------------------
// Typed env-var helpers. Each only mutates the target when the environment
// variable is present and non-empty.
// ---------------------------------------------------------------------------

func setStr(dst *string, key string) {
	if v := os.Getenv(key); v != "" {
		*dst = v
	}
}

func setInt(dst *int, key string) {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			*dst = n
		}
	}
}

func setUint64(dst *uint64, key string) {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.ParseUint(v, 10, 64); err == nil {
			*dst = n
		}
	}
}

func setBool(dst *bool, key string) {
	if v := os.Getenv(key); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			*dst = b
		}
	}
}

func setDuration(dst *duration, key string) {
	if v := os.Getenv(key); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			dst.Duration = d
		}
	}
}

func setStringSlice(dst *[]string, key string) {
	if v := os.Getenv(key); v != "" {
		parts := strings.Split(v, ",")
		cleaned := make([]string, 0, len(parts))
		for _, p := range parts {
			p = strings.TrimSpace(p)
			if p != "" {
				cleaned = append(cleaned, p)
			}
		}
		if len(cleaned) > 0 {
			*dst = cleaned
		}
	}
}
