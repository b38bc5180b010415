// Command ctfsettle is the entry point for the settlement service. It loads
// configuration, validates it, wires dependencies, sets up signal handling,
// and runs the configured mode. The sign-order and keygen subcommands are
// operator utilities that share the same configuration.
package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/ethereum/go-ethereum/common"
	ethcrypto "github.com/ethereum/go-ethereum/crypto"

	"github.com/alanyoungcy/ctfsettle/internal/app"
	"github.com/alanyoungcy/ctfsettle/internal/command"
	"github.com/alanyoungcy/ctfsettle/internal/config"
	"github.com/alanyoungcy/ctfsettle/internal/crypto"
)

func main() {
	if len(os.Args) > 1 {
		switch os.Args[1] {
		case "sign-order":
			exit(signOrder(os.Args[2:]))
			return
		case "keygen":
			exit(keygen(os.Args[2:]))
			return
		}
	}
	exit(run(os.Args[1:]))
}

func exit(err error) {
	if err != nil {
		fmt.Fprintf(os.Stderr, "fatal: %v\n", err)
		os.Exit(1)
	}
}

func run(args []string) error {
	fs := flag.NewFlagSet("ctfsettle", flag.ExitOnError)
	configPath := fs.String("config", "config.toml", "path to configuration file")
	mode := fs.String("mode", "", "override the configured mode (replay, resolve, archive, full)")
	input := fs.String("input", "", "command source: file path, - for stdin, or s3://key")
	output := fs.String("output", "", "replay result format: jsonl or table")
	_ = fs.Parse(args)

	// Setup structured JSON logger.
	logger := slog.New(slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{
		Level: slog.LevelInfo,
	}))
	slog.SetDefault(logger)

	// Load configuration.
	cfg, err := config.Load(*configPath)
	if err != nil {
		logger.Error("failed to load config",
			slog.String("path", *configPath),
			slog.String("error", err.Error()),
		)
		return err
	}
	if *mode != "" {
		cfg.Mode = *mode
	}
	if *input != "" {
		cfg.Replay.Input = *input
	}
	if *output != "" {
		cfg.Replay.Output = *output
	}

	// Set log level from config.
	logger = slog.New(slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{
		Level: parseLevel(cfg.LogLevel),
	}))
	slog.SetDefault(logger)

	// Validate configuration.
	if err := cfg.Validate(); err != nil {
		logger.Error("invalid configuration", slog.String("error", err.Error()))
		return err
	}

	logger.Info("ctfsettle starting",
		slog.String("mode", cfg.Mode),
		slog.String("config", *configPath),
		slog.Any("settings", config.RedactedConfig(cfg)),
	)

	application := app.New(cfg, logger)
	defer application.Close()

	// Setup signal handling for graceful shutdown.
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := application.Run(ctx); err != nil {
		// context.Canceled is expected on clean shutdown.
		if errors.Is(err, context.Canceled) {
			logger.Info("application shut down gracefully")
			return nil
		}
		logger.Error("application exited with error", slog.String("error", err.Error()))
		return err
	}

	logger.Info("ctfsettle stopped")
	return nil
}

func parseLevel(s string) slog.Level {
	switch s {
	case "debug":
		return slog.LevelDebug
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// signOrder reads an unsigned order as JSON, signs it with the wallet key
// under the configured exchange domain and writes the signed order.
func signOrder(args []string) error {
	fs := flag.NewFlagSet("sign-order", flag.ExitOnError)
	configPath := fs.String("config", "config.toml", "path to configuration file")
	orderPath := fs.String("order", "-", "unsigned order JSON, - for stdin")
	_ = fs.Parse(args)

	cfg, err := config.Load(*configPath)
	if err != nil {
		return err
	}
	if !common.IsHexAddress(cfg.Exchange.VerifyingContract) {
		return errors.New("sign-order: exchange.verifying_contract must be set")
	}
	if !cfg.Wallet.HasKey() {
		return errors.New("sign-order: no wallet key configured")
	}
	pk, err := crypto.LoadKey(cfg.Wallet.KeyConfig())
	if err != nil {
		return err
	}
	signer := crypto.NewSignerFromKey(pk, app.SigningDomain(cfg))

	var r io.Reader = os.Stdin
	if *orderPath != "-" {
		f, err := os.Open(*orderPath)
		if err != nil {
			return err
		}
		defer f.Close()
		r = f
	}

	var wire command.SignedOrder
	dec := json.NewDecoder(r)
	dec.DisallowUnknownFields()
	if err := dec.Decode(&wire); err != nil {
		return fmt.Errorf("sign-order: decode: %w", err)
	}
	if wire.Maker == (common.Address{}) {
		wire.Maker = signer.Address()
	}
	if wire.Signer == (common.Address{}) {
		wire.Signer = signer.Address()
	}
	if wire.Signer != signer.Address() {
		return fmt.Errorf("sign-order: order signer %s does not match wallet %s", wire.Signer.Hex(), signer.Address().Hex())
	}

	o, err := wire.Order()
	if err != nil {
		return fmt.Errorf("sign-order: %w", err)
	}
	sig, err := signer.SignOrder(o)
	if err != nil {
		return fmt.Errorf("sign-order: %w", err)
	}

	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(command.FromOrder(o, sig))
}

// keygen creates a fresh operator key sealed with the configured password.
func keygen(args []string) error {
	fs := flag.NewFlagSet("keygen", flag.ExitOnError)
	configPath := fs.String("config", "config.toml", "path to configuration file")
	out := fs.String("out", "", "encrypted key file to write (defaults to wallet.encrypted_key_path)")
	_ = fs.Parse(args)

	cfg, err := config.Load(*configPath)
	if err != nil {
		return err
	}
	path := *out
	if path == "" {
		path = cfg.Wallet.EncryptedKeyPath
	}
	if path == "" {
		return errors.New("keygen: -out or wallet.encrypted_key_path is required")
	}

	pk, err := ethcrypto.GenerateKey()
	if err != nil {
		return fmt.Errorf("keygen: %w", err)
	}
	if err := crypto.WriteKeyFile(path, pk, cfg.Wallet.KeyPassword); err != nil {
		return err
	}
	fmt.Println(ethcrypto.PubkeyToAddress(pk.PublicKey).Hex())
	return nil
}
