// Package config defines the top-level configuration for the keeper and
// provides validation helpers.
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"
)

// Config is the root configuration structure. Fields are populated from a TOML
// file and then optionally overridden by KEEPER_* environment variables.
type Config struct {
	Chain       ChainConfig       `toml:"chain"`
	Contracts   ContractsConfig   `toml:"contracts"`
	Wallet      WalletConfig      `toml:"wallet"`
	Store       StoreConfig       `toml:"store"`
	Redis       RedisConfig       `toml:"redis"`
	S3          S3Config          `toml:"s3"`
	Indexer     IndexerConfig     `toml:"indexer"`
	Liquidation LiquidationConfig `toml:"liquidation"`
	Funding     FundingConfig     `toml:"funding"`
	Archive     ArchiveConfig     `toml:"archive"`
	Server      ServerConfig      `toml:"server"`
	Notify      NotifyConfig      `toml:"notify"`
	Mode        string            `toml:"mode"`
	LogLevel    string            `toml:"log_level"`
}

// ChainConfig holds RPC endpoints and provider limits.
type ChainConfig struct {
	RPCURL string `toml:"rpc_url"`
	// WSURL enables push log subscriptions when set.
	WSURL             string   `toml:"ws_url"`
	ChainID           int64    `toml:"chain_id"`
	MaxBlockRange     uint64   `toml:"max_block_range"`
	RequestsPerSecond float64  `toml:"requests_per_second"`
	RequestBurst      int      `toml:"request_burst"`
	GasMultiplier     float64  `toml:"gas_multiplier"`
	Confirmations     uint64   `toml:"confirmations"`
	ReceiptTimeout    duration `toml:"receipt_timeout"`
	ReceiptPoll       duration `toml:"receipt_poll"`
}

// ContractsConfig holds the protocol contract addresses and the fixed-point
// scales of the values they return.
type ContractsConfig struct {
	PositionManager     string `toml:"position_manager"`
	PositionNFT         string `toml:"position_nft"`
	PriceOracle         string `toml:"price_oracle"`
	CollateralDecimals  int32  `toml:"collateral_decimals"`
	PriceDecimals       int32  `toml:"price_decimals"`
	LeverageDecimals    int32  `toml:"leverage_decimals"`
	FundingRateDecimals int32  `toml:"funding_rate_decimals"`
}

// WalletConfig holds the keeper's signing key.
type WalletConfig struct {
	PrivateKey       string `toml:"private_key"`
	EncryptedKeyPath string `toml:"encrypted_key_path"`
	KeyPassword      string `toml:"key_password"`
}

// StoreConfig selects and configures the state store.
type StoreConfig struct {
	// Driver is "postgres" or "memory".
	Driver        string `toml:"driver"`
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

// RedisConfig holds Redis connection parameters. Redis is optional; when
// enabled it backs cross-instance liquidation leases, the funding debounce
// and the keeper event feed.
type RedisConfig struct {
	Enabled      bool   `toml:"enabled"`
	Addr         string `toml:"addr"`
	Password     string `toml:"password"`
	DB           int    `toml:"db"`
	PoolSize     int    `toml:"pool_size"`
	MaxRetries   int    `toml:"max_retries"`
	TLSEnabled   bool   `toml:"tls_enabled"`
	StreamMaxLen int    `toml:"stream_max_len"`
}

// S3Config holds S3-compatible object storage parameters for the audit
// archive.
type S3Config struct {
	Enabled        bool   `toml:"enabled"`
	Endpoint       string `toml:"endpoint"`
	Region         string `toml:"region"`
	Bucket         string `toml:"bucket"`
	AccessKey      string `toml:"access_key"`
	SecretKey      string `toml:"secret_key"`
	UseSSL         bool   `toml:"use_ssl"`
	ForcePathStyle bool   `toml:"force_path_style"`
}

// IndexerConfig holds position indexer parameters.
type IndexerConfig struct {
	// Backfill seeds a missing cursor at StartBlock instead of chain head.
	Backfill      bool     `toml:"backfill"`
	StartBlock    uint64   `toml:"start_block"`
	PollInterval  duration `toml:"poll_interval"`
	ChunkDelay    duration `toml:"chunk_delay"`
	EventDelay    duration `toml:"event_delay"`
	Confirmations uint64   `toml:"confirmations"`
	QueueSize     int      `toml:"queue_size"`
}

// LiquidationConfig holds liquidation engine parameters.
type LiquidationConfig struct {
	Enabled           bool     `toml:"enabled"`
	ScanInterval      duration `toml:"scan_interval"`
	StaleAfter        duration `toml:"stale_after"`
	BatchSize         int      `toml:"batch_size"`
	Concurrency       int      `toml:"concurrency"`
	MaxRetries        int      `toml:"max_retries"`
	RetryBaseDelay    duration `toml:"retry_base_delay"`
	LeaseTTL          duration `toml:"lease_ttl"`
	LocalPrefilter    bool     `toml:"local_prefilter"`
	MaintenanceMargin float64  `toml:"maintenance_margin"`
}

// FundingConfig holds funding scheduler parameters.
type FundingConfig struct {
	Enabled         bool     `toml:"enabled"`
	CheckInterval   duration `toml:"check_interval"`
	FundingInterval duration `toml:"funding_interval"`
	Debounce        duration `toml:"debounce"`
	RetryDelay      duration `toml:"retry_delay"`
	MaxGasPriceGwei float64  `toml:"max_gas_price_gwei"`
}

// ArchiveConfig holds the audit export schedule.
type ArchiveConfig struct {
	Enabled      bool   `toml:"enabled"`
	Cron         string `toml:"cron"`
	Prefix       string `toml:"prefix"`
	LookbackDays int    `toml:"lookback_days"`
}

// ServerConfig holds the health/metrics HTTP server parameters.
type ServerConfig struct {
	Enabled bool `toml:"enabled"`
	Port    int  `toml:"port"`
}

// NotifyConfig holds notification channel credentials.
type NotifyConfig struct {
	TelegramToken     string   `toml:"telegram_token"`
	TelegramChatID    string   `toml:"telegram_chat_id"`
	DiscordWebhookURL string   `toml:"discord_webhook_url"`
	Events            []string `toml:"events"`
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
func Defaults() Config {
	return Config{
		Chain: ChainConfig{
			ChainID:           1,
			MaxBlockRange:     2000,
			RequestsPerSecond: 10,
			RequestBurst:      5,
			GasMultiplier:     1.2,
			Confirmations:     1,
			ReceiptTimeout:    duration{3 * time.Minute},
			ReceiptPoll:       duration{2 * time.Second},
		},
		Contracts: ContractsConfig{
			CollateralDecimals:  18,
			PriceDecimals:       18,
			LeverageDecimals:    0,
			FundingRateDecimals: 0,
		},
		Store: StoreConfig{
			Driver:        "postgres",
			Host:          "localhost",
			Port:          5432,
			Database:      "keeper",
			User:          "postgres",
			SSLMode:       "disable",
			PoolMaxConns:  10,
			PoolMinConns:  2,
			RunMigrations: true,
		},
		Redis: RedisConfig{
			Enabled:      false,
			Addr:         "localhost:6379",
			PoolSize:     10,
			MaxRetries:   3,
			StreamMaxLen: 10000,
		},
		S3: S3Config{
			Enabled:        false,
			Endpoint:       "http://localhost:9000",
			Region:         "us-east-1",
			Bucket:         "keeper-audit",
			ForcePathStyle: true,
		},
		Indexer: IndexerConfig{
			Backfill:     false,
			PollInterval: duration{15 * time.Second},
			ChunkDelay:   duration{250 * time.Millisecond},
			EventDelay:   duration{100 * time.Millisecond},
			QueueSize:    256,
		},
		Liquidation: LiquidationConfig{
			Enabled:           true,
			ScanInterval:      duration{30 * time.Second},
			StaleAfter:        duration{2 * time.Minute},
			BatchSize:         100,
			Concurrency:       4,
			MaxRetries:        3,
			RetryBaseDelay:    duration{2 * time.Second},
			LeaseTTL:          duration{5 * time.Minute},
			LocalPrefilter:    true,
			MaintenanceMargin: 0.05,
		},
		Funding: FundingConfig{
			Enabled:         true,
			CheckInterval:   duration{5 * time.Minute},
			FundingInterval: duration{8 * time.Hour},
			Debounce:        duration{60 * time.Second},
			RetryDelay:      duration{30 * time.Second},
			MaxGasPriceGwei: 200,
		},
		Archive: ArchiveConfig{
			Enabled:      false,
			Cron:         "15 0 * * *",
			Prefix:       "audit",
			LookbackDays: 3,
		},
		Server: ServerConfig{
			Enabled: true,
			Port:    9102,
		},
		Notify: NotifyConfig{
			Events: []string{"liquidation_executed", "funding_unauthorized", "error"},
		},
		Mode:     "full",
		LogLevel: "info",
	}
}

// validModes enumerates the accepted values for Config.Mode.
var validModes = map[string]bool{
	"full":       true,
	"indexer":    true,
	"liquidator": true,
	"funding":    true,
}

// validLogLevels enumerates the accepted values for Config.LogLevel.
var validLogLevels = map[string]bool{
	"debug": true,
	"info":  true,
	"warn":  true,
	"error": true,
}

// NeedsWallet reports whether the configured mode submits transactions.
func (c *Config) NeedsWallet() bool {
	switch strings.ToLower(c.Mode) {
	case "liquidator":
		return c.Liquidation.Enabled
	case "funding":
		return c.Funding.Enabled
	case "full":
		return c.Liquidation.Enabled || c.Funding.Enabled
	default:
		return false
	}
}

// Validate checks Config for obviously invalid or missing values and returns a
// combined error describing every problem found.
func (c *Config) Validate() error {
	var errs []string

	if !validModes[strings.ToLower(c.Mode)] {
		errs = append(errs, fmt.Sprintf("unknown mode %q (valid: full, indexer, liquidator, funding)", c.Mode))
	}
	if !validLogLevels[strings.ToLower(c.LogLevel)] {
		errs = append(errs, fmt.Sprintf("unknown log_level %q (valid: debug, info, warn, error)", c.LogLevel))
	}

	// Chain
	if c.Chain.RPCURL == "" {
		errs = append(errs, "chain: rpc_url must not be empty")
	}
	if c.Chain.ChainID <= 0 {
		errs = append(errs, "chain: chain_id must be positive")
	}
	if c.Chain.MaxBlockRange == 0 {
		errs = append(errs, "chain: max_block_range must be >= 1")
	}
	if c.Chain.RequestsPerSecond <= 0 {
		errs = append(errs, "chain: requests_per_second must be > 0")
	}
	if c.Chain.GasMultiplier < 1 {
		errs = append(errs, fmt.Sprintf("chain: gas_multiplier must be >= 1, got %v", c.Chain.GasMultiplier))
	}
	if c.Chain.ReceiptTimeout.Duration <= 0 {
		errs = append(errs, "chain: receipt_timeout must be > 0")
	}

	// Contracts
	if !common.IsHexAddress(c.Contracts.PositionManager) {
		errs = append(errs, fmt.Sprintf("contracts: position_manager %q is not a valid address", c.Contracts.PositionManager))
	}
	if c.Contracts.PositionNFT != "" && !common.IsHexAddress(c.Contracts.PositionNFT) {
		errs = append(errs, fmt.Sprintf("contracts: position_nft %q is not a valid address", c.Contracts.PositionNFT))
	}
	if c.Liquidation.LocalPrefilter && !common.IsHexAddress(c.Contracts.PriceOracle) {
		errs = append(errs, "contracts: price_oracle is required when liquidation.local_prefilter is set")
	}

	// Wallet: modes that submit transactions need a credential source.
	if c.NeedsWallet() {
		if c.Wallet.PrivateKey == "" && c.Wallet.EncryptedKeyPath == "" {
			errs = append(errs, "wallet: either private_key or encrypted_key_path must be set for mode "+c.Mode)
		}
		if c.Wallet.EncryptedKeyPath != "" && c.Wallet.KeyPassword == "" {
			errs = append(errs, "wallet: key_password is required when encrypted_key_path is set")
		}
	}

	// Store
	switch c.Store.Driver {
	case "memory":
	case "postgres":
		if strings.TrimSpace(c.Store.DSN) == "" {
			if c.Store.Host == "" {
				errs = append(errs, "store: host must not be empty (or set store.dsn)")
			}
			if c.Store.Port <= 0 || c.Store.Port > 65535 {
				errs = append(errs, fmt.Sprintf("store: port must be 1-65535, got %d", c.Store.Port))
			}
			if c.Store.Database == "" {
				errs = append(errs, "store: database must not be empty")
			}
		}
		if c.Store.PoolMaxConns < 1 {
			errs = append(errs, "store: pool_max_conns must be >= 1")
		}
		if c.Store.PoolMinConns > c.Store.PoolMaxConns {
			errs = append(errs, "store: pool_min_conns must not exceed pool_max_conns")
		}
	default:
		errs = append(errs, fmt.Sprintf("store: unknown driver %q (valid: postgres, memory)", c.Store.Driver))
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

	// S3 / archive
	if c.Archive.Enabled && !c.S3.Enabled {
		errs = append(errs, "archive: requires s3.enabled")
	}
	if c.S3.Enabled && c.S3.Bucket == "" {
		errs = append(errs, "s3: bucket must not be empty")
	}

	// Indexer
	if c.Indexer.PollInterval.Duration <= 0 {
		errs = append(errs, "indexer: poll_interval must be > 0")
	}
	if c.Indexer.QueueSize < 1 {
		errs = append(errs, "indexer: queue_size must be >= 1")
	}

	// Liquidation
	if c.Liquidation.Enabled {
		if c.Liquidation.ScanInterval.Duration <= 0 {
			errs = append(errs, "liquidation: scan_interval must be > 0")
		}
		if c.Liquidation.BatchSize < 1 {
			errs = append(errs, "liquidation: batch_size must be >= 1")
		}
		if c.Liquidation.Concurrency < 1 {
			errs = append(errs, "liquidation: concurrency must be >= 1")
		}
		if c.Liquidation.MaxRetries < 0 {
			errs = append(errs, "liquidation: max_retries must be >= 0")
		}
		if c.Liquidation.MaintenanceMargin <= 0 || c.Liquidation.MaintenanceMargin >= 1 {
			errs = append(errs, "liquidation: maintenance_margin must be in (0, 1)")
		}
	}

	// Funding
	if c.Funding.Enabled {
		if c.Funding.CheckInterval.Duration <= 0 {
			errs = append(errs, "funding: check_interval must be > 0")
		}
		if c.Funding.FundingInterval.Duration <= 0 {
			errs = append(errs, "funding: funding_interval must be > 0")
		}
		if c.Funding.MaxGasPriceGwei < 0 {
			errs = append(errs, "funding: max_gas_price_gwei must be >= 0")
		}
	}

	// Server
	if c.Server.Enabled {
		if c.Server.Port <= 0 || c.Server.Port > 65535 {
			errs = append(errs, fmt.Sprintf("server: port must be 1-65535, got %d", c.Server.Port))
		}
	}

	if len(errs) > 0 {
		return fmt.Errorf("config validation failed:\n  - %s", strings.Join(errs, "\n  - "))
	}
	return nil
}
