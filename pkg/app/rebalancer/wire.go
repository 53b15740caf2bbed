package rebalancer

import (
	"context"
	"fmt"

	"github.com/ethereum/go-ethereum/common"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/chainsafe/treasury-rebalancer/pkg/config"
	"github.com/chainsafe/treasury-rebalancer/pkg/evm"
	"github.com/chainsafe/treasury-rebalancer/pkg/fiat"
	"github.com/chainsafe/treasury-rebalancer/pkg/gateway"
	"github.com/chainsafe/treasury-rebalancer/pkg/httpjson"
	"github.com/chainsafe/treasury-rebalancer/pkg/lease"
	"github.com/chainsafe/treasury-rebalancer/pkg/notify"
	"github.com/chainsafe/treasury-rebalancer/pkg/pgutil"
	"github.com/chainsafe/treasury-rebalancer/pkg/rebalance"
	"github.com/chainsafe/treasury-rebalancer/pkg/redisutil"
	"github.com/chainsafe/treasury-rebalancer/pkg/router"
	"github.com/chainsafe/treasury-rebalancer/pkg/statestore/filestore"
	"github.com/chainsafe/treasury-rebalancer/pkg/statestore/pgstore"
	"github.com/chainsafe/treasury-rebalancer/pkg/statestore/redisstore"
)

// closers runs cleanup functions in reverse order.
type closers []func()

func (c *closers) add(fn func()) {
	*c = append(*c, fn)
}

func (c closers) close() {
	for i := len(c) - 1; i >= 0; i-- {
		c[i]()
	}
}

// redisClient connects lazily so the driver and the lease share one client.
type redisClient struct {
	cfg    *config.RedisConfig
	client *redis.Client
}

func (r *redisClient) get(ctx context.Context, cleanup *closers) (*redis.Client, error) {
	if r.client != nil {
		return r.client, nil
	}
	client, err := redisutil.Connect(ctx, r.cfg)
	if err != nil {
		return nil, err
	}
	cleanup.add(func() { _ = client.Close() })
	r.client = client
	return client, nil
}

func newStore(ctx context.Context, cfg *config.Config, rc *redisClient, cleanup *closers, logger *zap.Logger) (rebalance.Store, error) {
	switch cfg.StateStore.Driver {
	case config.DriverPostgres:
		db, err := pgutil.ConnectDB(ctx, &cfg.Database)
		if err != nil {
			return nil, err
		}
		cleanup.add(func() { _ = db.Close() })
		logger.Info("Using postgres checkpoint store", zap.String("database", cfg.Database.Database))
		return pgstore.New(db, cfg.StateStore.Key), nil
	case config.DriverRedis:
		client, err := rc.get(ctx, cleanup)
		if err != nil {
			return nil, err
		}
		logger.Info("Using redis checkpoint store", zap.String("key", cfg.StateStore.Key))
		return redisstore.New(client, cfg.StateStore.Key), nil
	case config.DriverFile:
		logger.Info("Using file checkpoint store", zap.String("path", cfg.StateStore.Key))
		return filestore.New(cfg.StateStore.Key), nil
	default:
		return nil, fmt.Errorf("unknown state store driver %q", cfg.StateStore.Driver)
	}
}

func newLocker(ctx context.Context, cfg *config.Config, rc *redisClient, cleanup *closers, logger *zap.Logger) (rebalance.Locker, error) {
	if !cfg.Lease.Enabled {
		return nil, nil
	}
	client, err := rc.get(ctx, cleanup)
	if err != nil {
		return nil, err
	}
	return lease.NewLocker(client, cfg.Lease.Key, cfg.Lease.TTL,
		lease.WithRefresh(cfg.Lease.TTL/3),
		lease.WithLogger(logger)), nil
}

func newNotifier(cfg *config.NotifyConfig, cleanup *closers, logger *zap.Logger) (rebalance.Notifier, error) {
	var notifiers []rebalance.Notifier

	if cfg.SlackWebhookURL != "" {
		slack, err := notify.NewSlack(cfg.SlackWebhookURL, cfg.Timeout, logger)
		if err != nil {
			return nil, err
		}
		notifiers = append(notifiers, slack)
	}

	if cfg.NATSURL != "" {
		nc, err := notify.DialNATS(cfg.NATSURL, cfg.NATSSubject, cfg.Timeout, logger)
		if err != nil {
			return nil, err
		}
		cleanup.add(nc.Close)
		notifiers = append(notifiers, nc)
	}

	if len(notifiers) == 0 {
		logger.Warn("No notifier configured, completion reports are only logged")
	}
	return notify.Combine(notifiers...), nil
}

// sourceChain is the chain B client: it funds the router swap and reads the
// settlement balance.
type sourceChain interface {
	rebalance.TxSubmitter
	rebalance.TxConfirmer
	evm.TokenBalancer
	Address() common.Address
}

// finalizeChain is the router's destination chain client, where the receiver
// contract executes the finalize call.
type finalizeChain interface {
	rebalance.TxSubmitter
	rebalance.TxConfirmer
}

func newCollaborators(cfg *config.Config, chainB sourceChain, destination finalizeChain, logger *zap.Logger) (rebalance.Collaborators, error) {
	var c rebalance.Collaborators

	gw, err := gateway.NewClient(gateway.Config{
		BaseURL: cfg.ChainA.GatewayURL,
		APIKey:  cfg.ChainA.APIKey,
		Asset:   cfg.Treasury.SourceAsset,
	}, logger.Named("gateway"), httpjson.WithTimeout(cfg.ChainA.Timeout))
	if err != nil {
		return c, fmt.Errorf("initialize gateway client: %w", err)
	}

	settlement, err := evm.NewTokenBalanceReader(chainB, cfg.ChainB.TokenContract, cfg.ChainB.TokenDecimals)
	if err != nil {
		return c, fmt.Errorf("initialize settlement reader: %w", err)
	}

	fiatClient, err := fiat.NewClient(fiat.Config{
		BaseURL:           cfg.Fiat.BaseURL,
		APIKey:            cfg.Fiat.APIKey,
		Chain:             cfg.Fiat.Chain,
		InputCoin:         cfg.Fiat.InputCoin,
		OutputCoin:        cfg.Fiat.OutputCoin,
		SettleDelay:       cfg.Fiat.SettleDelay,
		HistoryRetries:    cfg.Fiat.HistoryRetries,
		HistoryRetryDelay: cfg.Fiat.HistoryRetryDelay,
	}, chainB, rebalance.SystemClock(), logger.Named("fiat"), httpjson.WithTimeout(cfg.Fiat.Timeout))
	if err != nil {
		return c, fmt.Errorf("initialize fiat client: %w", err)
	}

	routerClient, err := router.NewClient(router.Config{
		BaseURL:          cfg.Router.BaseURL,
		IntegratorID:     cfg.Router.IntegratorID,
		FromAddress:      chainB.Address().Hex(),
		FromChainID:      cfg.Router.FromChainID,
		FromToken:        cfg.Router.FromToken,
		ToChainID:        cfg.Router.ToChainID,
		ToToken:          cfg.Router.ToToken,
		ReceiverContract: cfg.Destination.ReceiverContract,
	}, destination, logger.Named("router"), httpjson.WithTimeout(cfg.Router.Timeout))
	if err != nil {
		return c, fmt.Errorf("initialize router client: %w", err)
	}

	c = rebalance.Collaborators{
		Balances:   gw,
		Dex:        gw,
		Messenger:  gw,
		Settlement: settlement,
		Fiat:       fiatClient,
		Router:     routerClient,
		Submitter:  chainB,
		Confirmer:  chainB,

		FinalizeConfirmer: destination,
	}
	if cfg.Router.StatusEnabled {
		c.BridgeStatus = routerClient
	}
	return c, nil
}
