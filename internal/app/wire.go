package app

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"

	s3blob "github.com/alanyoungcy/ctfsettle/internal/blob/s3"
	"github.com/alanyoungcy/ctfsettle/internal/cache/redis"
	"github.com/alanyoungcy/ctfsettle/internal/command"
	"github.com/alanyoungcy/ctfsettle/internal/config"
	"github.com/alanyoungcy/ctfsettle/internal/crypto"
	"github.com/alanyoungcy/ctfsettle/internal/ctf"
	"github.com/alanyoungcy/ctfsettle/internal/domain"
	"github.com/alanyoungcy/ctfsettle/internal/events"
	"github.com/alanyoungcy/ctfsettle/internal/exchange"
	"github.com/alanyoungcy/ctfsettle/internal/ledger"
	"github.com/alanyoungcy/ctfsettle/internal/service"
	"github.com/alanyoungcy/ctfsettle/internal/store/memory"
	"github.com/alanyoungcy/ctfsettle/internal/store/postgres"
	"github.com/alanyoungcy/ctfsettle/internal/vault"
)

// Pruner deletes journaled events that have been archived.
type Pruner interface {
	Prune(ctx context.Context, before time.Time) (int64, error)
}

// Dependencies bundles everything the application modes need. It is
// constructed by Wire and torn down by the returned cleanup function.
type Dependencies struct {
	// State
	Store   domain.StateStore
	Vault   domain.Vault
	Journal domain.EventJournal
	Pruner  Pruner
	Sink    domain.EventSink

	// Engines
	Positions  *ctf.Engine
	Exchange   *exchange.Engine
	Verifier   *crypto.SchemeVerifier
	Dispatcher *command.Dispatcher

	// Coordination (nil without Redis)
	LockManager *redis.LockManager
	Resolution  *service.ResolutionService

	// Blob storage (nil without S3)
	BlobReader domain.BlobReader
	BlobWriter domain.BlobWriter
	Archiver   *s3blob.EventArchiver
}

// Wire constructs all concrete dependency implementations from the given
// configuration and returns them together with a cleanup function that should
// be called on shutdown to release resources.
func Wire(ctx context.Context, cfg *config.Config, logger *slog.Logger) (*Dependencies, func(), error) {
	var closers []func()
	cleanup := func() {
		for i := len(closers) - 1; i >= 0; i-- {
			closers[i]()
		}
	}

	deps := &Dependencies{}
	asset := config.Addr(cfg.Collateral.Asset)
	var fund command.Funder

	// --- State backend ---
	switch cfg.Store.Backend {
	case "postgres":
		pgClient, err := postgres.New(ctx, postgres.ClientConfig{
			DSN:      cfg.Postgres.DSN,
			Host:     cfg.Postgres.Host,
			Port:     cfg.Postgres.Port,
			Database: cfg.Postgres.Database,
			User:     cfg.Postgres.User,
			Password: cfg.Postgres.Password,
			SSLMode:  cfg.Postgres.SSLMode,
			MaxConns: cfg.Postgres.PoolMaxConns,
			MinConns: cfg.Postgres.PoolMinConns,
		})
		if err != nil {
			cleanup()
			return nil, nil, fmt.Errorf("wire: postgres: %w", err)
		}
		closers = append(closers, pgClient.Close)

		if cfg.Postgres.RunMigrations {
			if err := pgClient.RunMigrations(ctx); err != nil {
				cleanup()
				return nil, nil, fmt.Errorf("wire: postgres migrations: %w", err)
			}
		}

		pool := pgClient.Pool()
		pv := postgres.NewVault(pool, asset)
		journal := postgres.NewEventJournal(pool)
		deps.Store = postgres.NewStateStore(pool)
		deps.Vault = pv
		deps.Journal = journal
		deps.Pruner = journal
		fund = pv.Deposit
	default:
		mv := vault.NewMemory(asset)
		deps.Store = memory.New()
		deps.Vault = mv
		deps.Journal = events.NewRecorder()
		fund = func(_ context.Context, holder common.Address, amount *uint256.Int) error {
			return mv.Deposit(holder, amount)
		}
	}
	if !cfg.Replay.AllowDeposits {
		fund = nil
	}

	// --- Redis (optional) ---
	sinks := events.Fanout{events.NewLogSink(logger, slog.LevelInfo), deps.Journal}
	var resolver domain.ConditionResolver
	if cfg.Redis.Enabled {
		redisClient, err := redis.New(ctx, redis.ClientConfig{
			Addr:       cfg.Redis.Addr,
			Password:   cfg.Redis.Password,
			DB:         cfg.Redis.DB,
			PoolSize:   cfg.Redis.PoolSize,
			MaxRetries: cfg.Redis.MaxRetries,
			TLSEnabled: cfg.Redis.TLSEnabled,
		})
		if err != nil {
			cleanup()
			return nil, nil, fmt.Errorf("wire: redis: %w", err)
		}
		closers = append(closers, func() { _ = redisClient.Close() })

		deps.LockManager = redis.NewLockManager(redisClient)
		resolver = redis.NewResolutionFeed(redisClient)
		if cfg.Redis.EventStream != "" {
			sinks = append(sinks, redis.NewEventStream(redisClient, cfg.Redis.EventStream))
		}
	}
	deps.Sink = sinks

	// --- Engines ---
	operators := cfg.Exchange.OperatorAddresses()
	if len(operators) == 0 && cfg.Wallet.HasKey() {
		pk, err := crypto.LoadKey(cfg.Wallet.KeyConfig())
		if err != nil {
			cleanup()
			return nil, nil, fmt.Errorf("wire: operator key: %w", err)
		}
		operators = []common.Address{crypto.NewSignerFromKey(pk, crypto.Domain{}).Address()}
	}

	deps.Verifier = crypto.NewSchemeVerifier(SigningDomain(cfg))
	deps.Positions = ctf.NewEngine(deps.Store, deps.Vault, ledger.NewGuard(), deps.Sink, logger)
	deps.Exchange = exchange.New(deps.Positions, deps.Verifier, exchange.Config{
		Operators:     operators,
		FeeRecipient:  config.Addr(cfg.Exchange.FeeRecipient),
		MaxFeeRateBps: cfg.Exchange.MaxFeeRateBps,
	}, deps.Sink, logger)
	deps.Dispatcher = command.NewDispatcher(deps.Positions, deps.Exchange, fund, logger)

	if resolver != nil && cfg.Oracle.Address != "" {
		var locks domain.LockManager
		if deps.LockManager != nil {
			locks = deps.LockManager
		}
		deps.Resolution = service.NewResolutionService(
			deps.Store,
			resolver,
			deps.Positions,
			locks,
			config.Addr(cfg.Oracle.Address),
			cfg.Oracle.PollInterval.Duration,
			logger,
		)
	}

	// --- S3 blob storage (optional) ---
	if cfg.S3.Enabled {
		s3Client, err := s3blob.New(ctx, s3blob.ClientConfig{
			Endpoint:       cfg.S3.Endpoint,
			Region:         cfg.S3.Region,
			Bucket:         cfg.S3.Bucket,
			AccessKey:      cfg.S3.AccessKey,
			SecretKey:      cfg.S3.SecretKey,
			UseSSL:         cfg.S3.UseSSL,
			ForcePathStyle: cfg.S3.ForcePathStyle,
			Prefix:         cfg.S3.Prefix,
		})
		if err != nil {
			cleanup()
			return nil, nil, fmt.Errorf("wire: s3: %w", err)
		}
		closers = append(closers, func() { _ = s3Client.Close() })

		deps.BlobReader = s3blob.NewReader(s3Client)
		deps.BlobWriter = s3blob.NewWriter(s3Client)
		deps.Archiver = s3blob.NewArchiver(deps.BlobWriter, deps.Journal, logger)
	}

	return deps, cleanup, nil
}

// SigningDomain returns the EIP-712 domain orders are signed under.
func SigningDomain(cfg *config.Config) crypto.Domain {
	return crypto.Domain{
		Name:              cfg.Exchange.Name,
		Version:           cfg.Exchange.Version,
		ChainID:           cfg.Exchange.ChainID,
		VerifyingContract: config.Addr(cfg.Exchange.VerifyingContract),
	}
}
