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
// built-in defaults, applies KEEPER_* environment variable overrides, and
// returns the final Config. The returned Config has NOT been validated; the
// caller should invoke Config.Validate() after Load.
func Load(path string) (*Config, error) {
	cfg := Defaults()

	if _, err := toml.DecodeFile(path, &cfg); err != nil {
		return nil, err
	}

	// Load .env file if present (silently ignore if missing).
	_ = godotenv.Load()

	applyEnvOverrides(&cfg)

	return &cfg, nil
}

// applyEnvOverrides lets operators inject endpoints and secrets at deploy
// time without touching the TOML file.
func applyEnvOverrides(cfg *Config) {
	// ── Chain ──
	setStr(&cfg.Chain.RPCURL, "KEEPER_CHAIN_RPC_URL")
	setStr(&cfg.Chain.WSURL, "KEEPER_CHAIN_WS_URL")
	setInt64(&cfg.Chain.ChainID, "KEEPER_CHAIN_ID")
	setUint64(&cfg.Chain.MaxBlockRange, "KEEPER_CHAIN_MAX_BLOCK_RANGE")
	setFloat64(&cfg.Chain.RequestsPerSecond, "KEEPER_CHAIN_REQUESTS_PER_SECOND")
	setFloat64(&cfg.Chain.GasMultiplier, "KEEPER_CHAIN_GAS_MULTIPLIER")

	// ── Contracts ──
	setStr(&cfg.Contracts.PositionManager, "KEEPER_CONTRACTS_POSITION_MANAGER")
	setStr(&cfg.Contracts.PositionNFT, "KEEPER_CONTRACTS_POSITION_NFT")
	setStr(&cfg.Contracts.PriceOracle, "KEEPER_CONTRACTS_PRICE_ORACLE")

	// ── Wallet ──
	setStr(&cfg.Wallet.PrivateKey, "KEEPER_WALLET_PRIVATE_KEY")
	setStr(&cfg.Wallet.EncryptedKeyPath, "KEEPER_WALLET_ENCRYPTED_KEY_PATH")
	setStr(&cfg.Wallet.KeyPassword, "KEEPER_WALLET_KEY_PASSWORD")

	// ── Store ──
	setStr(&cfg.Store.Driver, "KEEPER_STORE_DRIVER")
	setStr(&cfg.Store.DSN, "KEEPER_STORE_DSN")
	setStr(&cfg.Store.DSN, "DATABASE_URL") // compatibility alias
	setStr(&cfg.Store.Host, "KEEPER_STORE_HOST")
	setInt(&cfg.Store.Port, "KEEPER_STORE_PORT")
	setStr(&cfg.Store.Database, "KEEPER_STORE_DATABASE")
	setStr(&cfg.Store.User, "KEEPER_STORE_USER")
	setStr(&cfg.Store.Password, "KEEPER_STORE_PASSWORD")
	setStr(&cfg.Store.SSLMode, "KEEPER_STORE_SSL_MODE")
	setBool(&cfg.Store.RunMigrations, "KEEPER_STORE_RUN_MIGRATIONS")

	// ── Redis ──
	setBool(&cfg.Redis.Enabled, "KEEPER_REDIS_ENABLED")
	setStr(&cfg.Redis.Addr, "KEEPER_REDIS_ADDR")
	setStr(&cfg.Redis.Password, "KEEPER_REDIS_PASSWORD")
	setInt(&cfg.Redis.DB, "KEEPER_REDIS_DB")
	setBool(&cfg.Redis.TLSEnabled, "KEEPER_REDIS_TLS_ENABLED")

	// ── S3 ──
	setBool(&cfg.S3.Enabled, "KEEPER_S3_ENABLED")
	setStr(&cfg.S3.Endpoint, "KEEPER_S3_ENDPOINT")
	setStr(&cfg.S3.Region, "KEEPER_S3_REGION")
	setStr(&cfg.S3.Bucket, "KEEPER_S3_BUCKET")
	setStr(&cfg.S3.AccessKey, "KEEPER_S3_ACCESS_KEY")
	setStr(&cfg.S3.SecretKey, "KEEPER_S3_SECRET_KEY")

	// ── Indexer ──
	setBool(&cfg.Indexer.Backfill, "KEEPER_INDEXER_BACKFILL")
	setUint64(&cfg.Indexer.StartBlock, "KEEPER_INDEXER_START_BLOCK")
	setDuration(&cfg.Indexer.PollInterval, "KEEPER_INDEXER_POLL_INTERVAL")
	setUint64(&cfg.Indexer.Confirmations, "KEEPER_INDEXER_CONFIRMATIONS")

	// ── Liquidation ──
	setBool(&cfg.Liquidation.Enabled, "KEEPER_LIQUIDATION_ENABLED")
	setDuration(&cfg.Liquidation.ScanInterval, "KEEPER_LIQUIDATION_SCAN_INTERVAL")
	setDuration(&cfg.Liquidation.StaleAfter, "KEEPER_LIQUIDATION_STALE_AFTER")
	setInt(&cfg.Liquidation.MaxRetries, "KEEPER_LIQUIDATION_MAX_RETRIES")
	setBool(&cfg.Liquidation.LocalPrefilter, "KEEPER_LIQUIDATION_LOCAL_PREFILTER")

	// ── Funding ──
	setBool(&cfg.Funding.Enabled, "KEEPER_FUNDING_ENABLED")
	setDuration(&cfg.Funding.CheckInterval, "KEEPER_FUNDING_CHECK_INTERVAL")
	setDuration(&cfg.Funding.FundingInterval, "KEEPER_FUNDING_INTERVAL")
	setFloat64(&cfg.Funding.MaxGasPriceGwei, "KEEPER_FUNDING_MAX_GAS_PRICE_GWEI")

	// ── Archive / server / notify ──
	setBool(&cfg.Archive.Enabled, "KEEPER_ARCHIVE_ENABLED")
	setStr(&cfg.Archive.Cron, "KEEPER_ARCHIVE_CRON")
	setInt(&cfg.Archive.LookbackDays, "KEEPER_ARCHIVE_LOOKBACK_DAYS")
	setBool(&cfg.Server.Enabled, "KEEPER_SERVER_ENABLED")
	setInt(&cfg.Server.Port, "KEEPER_SERVER_PORT")
	setStr(&cfg.Notify.TelegramToken, "KEEPER_NOTIFY_TELEGRAM_TOKEN")
	setStr(&cfg.Notify.TelegramChatID, "KEEPER_NOTIFY_TELEGRAM_CHAT_ID")
	setStr(&cfg.Notify.DiscordWebhookURL, "KEEPER_NOTIFY_DISCORD_WEBHOOK_URL")
	setStringSlice(&cfg.Notify.Events, "KEEPER_NOTIFY_EVENTS")

	// ── Top-level ──
	setStr(&cfg.Mode, "KEEPER_MODE")
	setStr(&cfg.LogLevel, "KEEPER_LOG_LEVEL")
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

func setInt64(dst *int64, key string) {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.ParseInt(v, 10, 64); err == nil {
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

func setFloat64(dst *float64, key string) {
	if v := os.Getenv(key); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			*dst = f
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
