// Package config defines the top-level configuration for the settlement
// service and provides validation helpers.
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"
)

// Config is the root configuration structure. Fields are populated from a TOML
// file and then optionally overridden by CTFSETTLE_* environment variables.
type Config struct {
	Exchange   ExchangeConfig   `toml:"exchange"`
	Collateral CollateralConfig `toml:"collateral"`
	Oracle     OracleConfig     `toml:"oracle"`
	Wallet     WalletConfig     `toml:"wallet"`
	Store      StoreConfig      `toml:"store"`
	Postgres   PostgresConfig   `toml:"postgres"`
	Redis      RedisConfig      `toml:"redis"`
	S3         S3Config         `toml:"s3"`
	Replay     ReplayConfig     `toml:"replay"`
	Archive    ArchiveConfig    `toml:"archive"`
	Mode       string           `toml:"mode"`
	LogLevel   string           `toml:"log_level"`
}

// ExchangeConfig holds the EIP-712 domain and matching parameters.
type ExchangeConfig struct {
	Name              string   `toml:"name"`
	Version           string   `toml:"version"`
	ChainID           uint64   `toml:"chain_id"`
	VerifyingContract string   `toml:"verifying_contract"`
	Operators         []string `toml:"operators"`
	FeeRecipient      string   `toml:"fee_recipient"`
	MaxFeeRateBps     uint64   `toml:"max_fee_rate_bps"`
}

// CollateralConfig names the single fungible collateral asset.
type CollateralConfig struct {
	Asset string `toml:"asset"`
}

// OracleConfig identifies the oracle the resolution relay reports as.
type OracleConfig struct {
	Address      string   `toml:"address"`
	PollInterval duration `toml:"poll_interval"`
}

// WalletConfig holds the operator key used to sign orders from the CLI.
type WalletConfig struct {
	PrivateKey       string `toml:"private_key"`
	EncryptedKeyPath string `toml:"encrypted_key_path"`
	KeyPassword      string `toml:"key_password"`
}

// StoreConfig selects the state backend.
type StoreConfig struct {
	Backend string `toml:"backend"` // memory | postgres
}

// PostgresConfig holds PostgreSQL connection parameters.
type PostgresConfig struct {
	DSN           string `toml:"dsn"`
	Host          string `toml:"host"`
	Port          int    `toml:"port"`
	Database      string `toml:"database"`
	User          string `toml:"user"`
	Password      string `toml:"password"`
	SSLMode       string `toml:"ssl_mode"`
	PoolMaxConns  int    `toml:"pool_max_conns"`
	PoolMinConns  int    `toml:"pool_min_conns"`
	RunMigrations bool   `toml:"run_migrations"`
}

// RedisConfig holds Redis connection parameters. Redis is optional; without
// it there is no cross-process lock, event stream or resolution feed.
type RedisConfig struct {
	Enabled     bool   `toml:"enabled"`
	Addr        string `toml:"addr"`
	Password    string `toml:"password"`
	DB          int    `toml:"db"`
	PoolSize    int    `toml:"pool_size"`
	MaxRetries  int    `toml:"max_retries"`
	TLSEnabled  bool   `toml:"tls_enabled"`
	EventStream string `toml:"event_stream"`
}

// S3Config holds S3-compatible object storage parameters.
type S3Config struct {
	Enabled        bool   `toml:"enabled"`
	Endpoint       string `toml:"endpoint"`
	Region         string `toml:"region"`
	Bucket         string `toml:"bucket"`
	AccessKey      string `toml:"access_key"`
	SecretKey      string `toml:"secret_key"`
	UseSSL         bool   `toml:"use_ssl"`
	ForcePathStyle bool   `toml:"force_path_style"`
	Prefix         string `toml:"prefix"`
}

// ReplayConfig controls command replay.
type ReplayConfig struct {
	// Input is a file path, "-" for stdin, or s3://key.
	Input         string   `toml:"input"`
	LockTTL       duration `toml:"lock_ttl"`
	AllowDeposits bool     `toml:"allow_deposits"`
	// Output is the result format: jsonl or table.
	Output string `toml:"output"`
}

// ArchiveConfig controls the journal export.
type ArchiveConfig struct {
	// Retention is how much recent history stays out of the archive.
	Retention duration `toml:"retention"`
	// Prune deletes archived rows from the journal after upload.
	Prune bool `toml:"prune"`
}

// duration is a wrapper around time.Duration that supports TOML string decoding
// (e.g. "5m", "30s").
type duration struct {
	time.Duration
}

// UnmarshalText implements encoding.TextUnmarshaler so the TOML decoder can
// parse duration strings like "5m" or "30s".
func (d *duration) UnmarshalText(text []byte) error {
	var err error
	d.Duration, err = time.ParseDuration(string(text))
	return err
}

// MarshalText implements encoding.TextMarshaler for round-trip encoding.
func (d duration) MarshalText() ([]byte, error) {
	return []byte(d.Duration.String()), nil
}

// Defaults returns a Config populated with reasonable default values.
// These match the values in config.example.toml.
func Defaults() Config {
	return Config{
		Exchange: ExchangeConfig{
			Name:          "CTF Exchange",
			Version:       "1",
			ChainID:       137,
			MaxFeeRateBps: 1000,
		},
		Oracle: OracleConfig{
			PollInterval: duration{30 * time.Second},
		},
		Store: StoreConfig{
			Backend: "memory",
		},
		Postgres: PostgresConfig{
			Host:          "localhost",
			Port:          5432,
			Database:      "ctfsettle",
			User:          "postgres",
			SSLMode:       "disable",
			PoolMaxConns:  10,
			PoolMinConns:  2,
			RunMigrations: true,
		},
		Redis: RedisConfig{
			Addr:        "localhost:6379",
			PoolSize:    20,
			MaxRetries:  3,
			EventStream: "events",
		},
		S3: S3Config{
			Endpoint:       "http://localhost:9000",
			Region:         "us-east-1",
			Bucket:         "ctfsettle",
			ForcePathStyle: true,
		},
		Replay: ReplayConfig{
			LockTTL: duration{30 * time.Second},
			Output:  "jsonl",
		},
		Archive: ArchiveConfig{
			Retention: duration{30 * 24 * time.Hour},
		},
		Mode:     "replay",
		LogLevel: "info",
	}
}

// validModes enumerates the accepted values for Config.Mode.
var validModes = map[string]bool{
	"replay":  true,
	"resolve": true,
	"archive": true,
	"full":    true,
}

// validLogLevels enumerates the accepted values for Config.LogLevel.
var validLogLevels = map[string]bool{
	"debug": true,
	"info":  true,
	"warn":  true,
	"error": true,
}

// Validate checks Config for obviously invalid or missing values and returns a
// combined error describing every problem found.
func (c *Config) Validate() error {
	var errs []string
	mode := strings.ToLower(c.Mode)

	if !validModes[mode] {
		errs = append(errs, fmt.Sprintf("unknown mode %q (valid: replay, resolve, archive, full)", c.Mode))
	}
	if !validLogLevels[strings.ToLower(c.LogLevel)] {
		errs = append(errs, fmt.Sprintf("unknown log_level %q (valid: debug, info, warn, error)", c.LogLevel))
	}

	// Exchange
	if c.Exchange.Name == "" || c.Exchange.Version == "" {
		errs = append(errs, "exchange: name and version must not be empty")
	}
	if c.Exchange.ChainID == 0 {
		errs = append(errs, "exchange: chain_id must be positive")
	}
	errs = checkAddress(errs, "exchange.verifying_contract", c.Exchange.VerifyingContract, true)
	errs = checkAddress(errs, "exchange.fee_recipient", c.Exchange.FeeRecipient, false)
	for _, op := range c.Exchange.Operators {
		errs = checkAddress(errs, "exchange.operators", op, true)
	}
	if c.Exchange.MaxFeeRateBps > 10_000 {
		errs = append(errs, fmt.Sprintf("exchange: max_fee_rate_bps must be <= 10000, got %d", c.Exchange.MaxFeeRateBps))
	}
	if c.Exchange.MaxFeeRateBps > 0 && c.Exchange.FeeRecipient == "" {
		errs = append(errs, "exchange: fee_recipient is required when max_fee_rate_bps > 0")
	}

	errs = checkAddress(errs, "collateral.asset", c.Collateral.Asset, true)

	// Wallet
	if c.Wallet.EncryptedKeyPath != "" && c.Wallet.KeyPassword == "" {
		errs = append(errs, "wallet: key_password is required when encrypted_key_path is set")
	}

	// Store
	switch c.Store.Backend {
	case "memory":
	case "postgres":
		errs = c.validatePostgres(errs)
	default:
		errs = append(errs, fmt.Sprintf("store: unknown backend %q (valid: memory, postgres)", c.Store.Backend))
	}

	// Redis
	if c.Redis.Enabled {
		if c.Redis.Addr == "" {
			errs = append(errs, "redis: addr must not be empty")
		}
		if c.Redis.PoolSize < 1 {
			errs = append(errs, "redis: pool_size must be >= 1")
		}
	}

	// S3
	if c.S3.Enabled {
		if c.S3.Bucket == "" {
			errs = append(errs, "s3: bucket must not be empty")
		}
		if c.S3.Region == "" {
			errs = append(errs, "s3: region must not be empty")
		}
	}

	// Mode requirements
	if mode == "resolve" || mode == "full" {
		errs = checkAddress(errs, "oracle.address", c.Oracle.Address, true)
		if !c.Redis.Enabled {
			errs = append(errs, "redis: must be enabled for mode "+mode+" (resolution feed)")
		}
		if c.Oracle.PollInterval.Duration <= 0 {
			errs = append(errs, "oracle: poll_interval must be > 0")
		}
	}
	if mode == "replay" || mode == "full" {
		if c.Replay.Input == "" {
			errs = append(errs, "replay: input must be set (or pass -input)")
		}
		if strings.HasPrefix(c.Replay.Input, "s3://") && !c.S3.Enabled {
			errs = append(errs, "replay: s3:// input requires s3.enabled")
		}
		if c.Replay.LockTTL.Duration <= 0 {
			errs = append(errs, "replay: lock_ttl must be > 0")
		}
		if c.Replay.Output != "jsonl" && c.Replay.Output != "table" {
			errs = append(errs, fmt.Sprintf("replay: unknown output %q (valid: jsonl, table)", c.Replay.Output))
		}
	}
	if mode == "archive" {
		if !c.S3.Enabled {
			errs = append(errs, "s3: must be enabled for mode archive")
		}
		if c.Store.Backend != "postgres" {
			errs = append(errs, "store: mode archive reads the postgres event journal")
		}
		if c.Archive.Retention.Duration < 0 {
			errs = append(errs, "archive: retention must be >= 0")
		}
	}

	if len(errs) > 0 {
		return fmt.Errorf("config validation failed:\n  - %s", strings.Join(errs, "\n  - "))
	}
	return nil
}

func (c *Config) validatePostgres(errs []string) []string {
	if strings.TrimSpace(c.Postgres.DSN) == "" {
		if c.Postgres.Host == "" {
			errs = append(errs, "postgres: host must not be empty (or set postgres.dsn)")
		}
		if c.Postgres.Port <= 0 || c.Postgres.Port > 65535 {
			errs = append(errs, fmt.Sprintf("postgres: port must be 1-65535, got %d", c.Postgres.Port))
		}
		if c.Postgres.Database == "" {
			errs = append(errs, "postgres: database must not be empty")
		}
	}
	if c.Postgres.PoolMaxConns < 1 {
		errs = append(errs, "postgres: pool_max_conns must be >= 1")
	}
	if c.Postgres.PoolMinConns < 0 {
		errs = append(errs, "postgres: pool_min_conns must be >= 0")
	}
	if c.Postgres.PoolMinConns > c.Postgres.PoolMaxConns {
		errs = append(errs, "postgres: pool_min_conns must not exceed pool_max_conns")
	}
	return errs
}

func checkAddress(errs []string, field, value string, required bool) []string {
	switch {
	case value == "" && required:
		return append(errs, field+" must be set")
	case value != "" && !common.IsHexAddress(value):
		return append(errs, fmt.Sprintf("%s: %q is not a hex address", field, value))
	case value != "" && common.HexToAddress(value) == (common.Address{}):
		return append(errs, field+" must not be the zero address")
	}
	return errs
}

// OperatorAddresses parses Exchange.Operators. Call after Validate.
func (c ExchangeConfig) OperatorAddresses() []common.Address {
	out := make([]common.Address, 0, len(c.Operators))
	for _, op := range c.Operators {
		out = append(out, common.HexToAddress(op))
	}
	return out
}

// Addr parses a validated hex address field; empty reads as the zero address.
func Addr(s string) common.Address {
	return common.HexToAddress(s)
}
