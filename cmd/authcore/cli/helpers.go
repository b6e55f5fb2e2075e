package cli

import (
	"fmt"
	"log/slog"
	"os"

	"github.com/spf13/viper"

	"github.com/shopfed/authcore/internal/config"
	"github.com/shopfed/authcore/internal/identity"
	"github.com/shopfed/authcore/internal/keystore"
)

// loadConfig reads the effective configuration: the file named by --config
// (or the viper search path), with defaults for everything unset.
func loadConfig() (*config.Config, error) {
	path := cfgFile
	if path == "" {
		path = viper.ConfigFileUsed()
	}
	if path == "" {
		cfg := config.Default()
		if err := cfg.Validate(); err != nil {
			return nil, err
		}
		return cfg, nil
	}
	return config.Load(path)
}

// newLogger builds the process logger from the logging section.
func newLogger(cfg *config.Config) *slog.Logger {
	level := slog.LevelInfo
	switch cfg.Logging.Level {
	case "debug":
		level = slog.LevelDebug
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	}
	opts := &slog.HandlerOptions{Level: level}
	if cfg.Logging.Format == "json" {
		return slog.New(slog.NewJSONHandler(os.Stderr, opts))
	}
	return slog.New(slog.NewTextHandler(os.Stderr, opts))
}

// openIdentityStore opens the identity database named by the config.
func openIdentityStore(cfg *config.Config) (*identity.Store, error) {
	if cfg.Identity.Driver == "sqlite" && cfg.Identity.DSN == "" {
		return identity.NewStore(cfg.Identity.DataDir)
	}
	return identity.OpenStore(cfg.Identity.Driver, cfg.Identity.DSN)
}

// openKeystore opens both key file backends and wraps them in a keystore.
func openKeystore(cfg *config.Config, logger *slog.Logger) (*keystore.Keystore, error) {
	ks := cfg.Keystore
	secret, err := keystore.NewFileBackend(ks.SecretPath, keystore.FileBackendOptions{
		RequiredFields: keystore.SecretFields,
		MaxExpiryDays:  ks.MaxExpiredAfterDays,
		FlushThreshold: ks.FlushThreshold,
		Logger:         logger,
	})
	if err != nil {
		return nil, fmt.Errorf("open secret backend: %w", err)
	}
	public, err := keystore.NewFileBackend(ks.PublicPath, keystore.FileBackendOptions{
		RequiredFields: keystore.PublicFields,
		MaxExpiryDays:  ks.MaxExpiredAfterDays,
		FlushThreshold: ks.FlushThreshold,
		Logger:         logger,
	})
	if err != nil {
		return nil, fmt.Errorf("open public backend: %w", err)
	}
	return keystore.New(secret, public, ks.ExpiredAfterDaysSecret, ks.ExpiredAfterDaysPublic, logger), nil
}

// openStoreFromConfig is the one-liner most subcommands need: load the
// config, then open the identity store it names.
func openStoreFromConfig() (*identity.Store, error) {
	cfg, err := loadConfig()
	if err != nil {
		return nil, err
	}
	return openIdentityStore(cfg)
}
