package app

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/ethereum/go-ethereum/common"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"

	s3blob "github.com/alanyoungcy/perpkeeper/internal/blob/s3"
	"github.com/alanyoungcy/perpkeeper/internal/cache/redis"
	"github.com/alanyoungcy/perpkeeper/internal/chain"
	"github.com/alanyoungcy/perpkeeper/internal/config"
	"github.com/alanyoungcy/perpkeeper/internal/crypto"
	"github.com/alanyoungcy/perpkeeper/internal/domain"
	"github.com/alanyoungcy/perpkeeper/internal/metrics"
	"github.com/alanyoungcy/perpkeeper/internal/notify"
	"github.com/alanyoungcy/perpkeeper/internal/server/handler"
	"github.com/alanyoungcy/perpkeeper/internal/store/memory"
	"github.com/alanyoungcy/perpkeeper/internal/store/postgres"
)

// Dependencies bundles everything the keeper loops need. Optional
// dependencies (Locks, Events, Archiver) are nil when not configured.
type Dependencies struct {
	Positions    domain.PositionStore
	Cursors      domain.CursorStore
	Liquidations domain.LiquidationStore
	Funding      domain.FundingStore

	Protocol *chain.Protocol

	Locks  domain.LockManager
	Events domain.EventPublisher

	Archiver domain.Archiver

	Notifier *notify.Notifier
	Registry *prometheus.Registry
	Metrics  *metrics.Metrics
	Probes   []handler.Probe
}

// Wire builds every dependency from cfg. Any failure aborts startup; the
// returned cleanup releases whatever was opened.
func Wire(ctx context.Context, cfg *config.Config, logger *slog.Logger) (*Dependencies, func(), error) {
	var closers []func()
	cleanup := func() {
		for i := len(closers) - 1; i >= 0; i-- {
			closers[i]()
		}
	}
	fail := func(format string, err error) (*Dependencies, func(), error) {
		cleanup()
		return nil, nil, fmt.Errorf(format, err)
	}

	deps := &Dependencies{Registry: prometheus.NewRegistry()}
	deps.Registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	deps.Metrics = metrics.New(deps.Registry)

	// --- State store ---
	switch cfg.Store.Driver {
	case "memory":
		logger.Warn("using in-memory store; state is lost on restart")
		deps.Positions = memory.NewPositionStore()
		deps.Cursors = memory.NewCursorStore()
		deps.Liquidations = memory.NewLiquidationStore()
		deps.Funding = memory.NewFundingStore()
	default:
		pg, err := postgres.New(ctx, postgres.ClientConfig{
			DSN:      cfg.Store.DSN,
			Host:     cfg.Store.Host,
			Port:     cfg.Store.Port,
			Database: cfg.Store.Database,
			User:     cfg.Store.User,
			Password: cfg.Store.Password,
			SSLMode:  cfg.Store.SSLMode,
			MaxConns: cfg.Store.PoolMaxConns,
			MinConns: cfg.Store.PoolMinConns,
		})
		if err != nil {
			return fail("wire: postgres: %w", err)
		}
		closers = append(closers, pg.Close)

		if cfg.Store.RunMigrations {
			if err := pg.RunMigrations(ctx); err != nil {
				return fail("wire: postgres migrations: %w", err)
			}
		}
		pool := pg.Pool()
		deps.Positions = postgres.NewPositionStore(pool)
		deps.Cursors = postgres.NewCursorStore(pool)
		deps.Liquidations = postgres.NewLiquidationStore(pool)
		deps.Funding = postgres.NewFundingStore(pool)
		deps.Probes = append(deps.Probes, handler.Probe{Name: "postgres", Check: pg.Ping})
	}

	// --- Chain ---
	var signer *crypto.Signer
	if cfg.NeedsWallet() {
		key, err := crypto.LoadKey(crypto.KeySource{
			RawHex:        cfg.Wallet.PrivateKey,
			EncryptedPath: cfg.Wallet.EncryptedKeyPath,
			Password:      cfg.Wallet.KeyPassword,
		})
		if err != nil {
			return fail("wire: wallet: %w", err)
		}
		if signer, err = crypto.NewSigner(key, cfg.Chain.ChainID); err != nil {
			return fail("wire: signer: %w", err)
		}
		logger.Info("keeper wallet loaded", slog.String("address", signer.Address().Hex()))
	}

	client, err := chain.Dial(ctx, chain.ClientConfig{
		RPCURL:            cfg.Chain.RPCURL,
		WSURL:             cfg.Chain.WSURL,
		MaxBlockRange:     cfg.Chain.MaxBlockRange,
		RequestsPerSecond: cfg.Chain.RequestsPerSecond,
		RequestBurst:      cfg.Chain.RequestBurst,
		GasMultiplier:     cfg.Chain.GasMultiplier,
		ReceiptPoll:       cfg.Chain.ReceiptPoll.Duration,
	}, signer, logger)
	if err != nil {
		return fail("wire: chain: %w", err)
	}
	closers = append(closers, client.Close)
	deps.Probes = append(deps.Probes, handler.Probe{Name: "rpc", Check: func(ctx context.Context) error {
		_, err := client.BlockNumber(ctx)
		return err
	}})

	deps.Protocol, err = chain.NewProtocol(client, chain.Addresses{
		PositionManager: common.HexToAddress(cfg.Contracts.PositionManager),
		PositionNFT:     optionalAddress(cfg.Contracts.PositionNFT),
		PriceOracle:     optionalAddress(cfg.Contracts.PriceOracle),
	}, chain.Scales{
		Collateral:  cfg.Contracts.CollateralDecimals,
		Price:       cfg.Contracts.PriceDecimals,
		Leverage:    cfg.Contracts.LeverageDecimals,
		FundingRate: cfg.Contracts.FundingRateDecimals,
	}, cfg.Chain.Confirmations, logger)
	if err != nil {
		return fail("wire: protocol: %w", err)
	}

	// --- Redis (optional) ---
	if cfg.Redis.Enabled {
		rc, err := redis.New(ctx, redis.ClientConfig{
			Addr:       cfg.Redis.Addr,
			Password:   cfg.Redis.Password,
			DB:         cfg.Redis.DB,
			PoolSize:   cfg.Redis.PoolSize,
			MaxRetries: cfg.Redis.MaxRetries,
			TLSEnabled: cfg.Redis.TLSEnabled,
			KeyPrefix:  fmt.Sprintf("keeper:%d:", cfg.Chain.ChainID),
		})
		if err != nil {
			return fail("wire: redis: %w", err)
		}
		closers = append(closers, func() { _ = rc.Close() })
		deps.Locks = redis.NewLockManager(rc)
		deps.Events = redis.NewEventBus(rc, cfg.Redis.StreamMaxLen)
		deps.Probes = append(deps.Probes, handler.Probe{Name: "redis", Check: rc.Ping})
	}

	// --- S3 audit archive (optional) ---
	if cfg.S3.Enabled {
		sc, err := s3blob.New(ctx, s3blob.ClientConfig{
			Endpoint:       cfg.S3.Endpoint,
			Region:         cfg.S3.Region,
			Bucket:         cfg.S3.Bucket,
			AccessKey:      cfg.S3.AccessKey,
			SecretKey:      cfg.S3.SecretKey,
			UseSSL:         cfg.S3.UseSSL,
			ForcePathStyle: cfg.S3.ForcePathStyle,
		})
		if err != nil {
			return fail("wire: s3: %w", err)
		}
		deps.Archiver = s3blob.NewArchiver(
			s3blob.NewWriter(sc),
			s3blob.NewReader(sc),
			deps.Liquidations,
			deps.Funding,
			cfg.Archive.Prefix,
		)
		deps.Probes = append(deps.Probes, handler.Probe{Name: "s3", Check: sc.Ping})
	}

	// --- Notifications ---
	var senders []notify.Sender
	if cfg.Notify.TelegramToken != "" && cfg.Notify.TelegramChatID != "" {
		senders = append(senders, notify.NewTelegramSender(cfg.Notify.TelegramToken, cfg.Notify.TelegramChatID))
	}
	if cfg.Notify.DiscordWebhookURL != "" {
		senders = append(senders, notify.NewDiscordSender(cfg.Notify.DiscordWebhookURL))
	}
	deps.Notifier = notify.NewNotifier(senders, cfg.Notify.Events, logger,
		notify.WithPrefix(fmt.Sprintf("chain %d", cfg.Chain.ChainID)),
	)

	return deps, cleanup, nil
}

func optionalAddress(s string) common.Address {
	if s == "" {
		return common.Address{}
	}
	return common.HexToAddress(s)
}
