package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/spf13/viper"

	"github.com/chainsafe/treasury-rebalancer/pkg/rebalance"
)

// EnvPrefix prefixes environment overrides, e.g. REBALANCER_CHAIN_B_PRIVATE_KEY.
const EnvPrefix = "REBALANCER"

// State store drivers
const (
	DriverPostgres = "postgres"
	DriverRedis    = "redis"
	DriverFile     = "file"
)

// Config represents the rebalancer configuration
type Config struct {
	Logging     LoggingConfig     `mapstructure:"logging"`
	Server      ServerConfig      `mapstructure:"server"`
	Monitoring  MonitoringConfig  `mapstructure:"monitoring"`
	Shutdown    ShutdownConfig    `mapstructure:"shutdown"`
	StateStore  StateStoreConfig  `mapstructure:"state_store"`
	Database    DatabaseConfig    `mapstructure:"database"`
	Redis       RedisConfig       `mapstructure:"redis"`
	Lease       LeaseConfig       `mapstructure:"lease"`
	Treasury    TreasuryConfig    `mapstructure:"treasury"`
	ChainA      ChainAConfig      `mapstructure:"chain_a"`
	ChainB      ChainBConfig      `mapstructure:"chain_b"`
	Destination DestinationConfig `mapstructure:"destination"`
	Router      RouterConfig      `mapstructure:"router"`
	Fiat        FiatConfig        `mapstructure:"fiat"`
	Notify      NotifyConfig      `mapstructure:"notify"`
	Rebalance   RebalanceConfig   `mapstructure:"rebalance"`
}

// LoggingConfig contains logging settings
type LoggingConfig struct {
	Level      string `mapstructure:"level" validate:"required"`
	Format     string `mapstructure:"format" validate:"oneof=json console"`
	OutputPath string `mapstructure:"output_path"`
	// Fields are attached to every entry, e.g. environment or treasury name.
	Fields map[string]string `mapstructure:"fields"`
}

// ServerConfig contains the ops HTTP server settings
type ServerConfig struct {
	Enabled bool   `mapstructure:"enabled"`
	Host    string `mapstructure:"host"`
	Port    int    `mapstructure:"port" validate:"gte=0,lte=65535"`
}

// MonitoringConfig contains monitoring and metrics settings
type MonitoringConfig struct {
	Enabled bool `mapstructure:"enabled"`
}

// ShutdownConfig contains graceful shutdown settings
type ShutdownConfig struct {
	Timeout time.Duration `mapstructure:"timeout" validate:"gt=0"`
}

// StateStoreConfig selects where the checkpoint lives
type StateStoreConfig struct {
	Driver string `mapstructure:"driver" validate:"oneof=postgres redis file"`
	// Key names the checkpoint: row id, redis key or file path depending on the driver.
	Key string `mapstructure:"key" validate:"required"`
}

// DatabaseConfig contains database connection settings
type DatabaseConfig struct {
	Host     string `mapstructure:"host"`
	Port     int    `mapstructure:"port"`
	User     string `mapstructure:"user"`
	Password string `mapstructure:"password"`
	Database string `mapstructure:"database"`
	SSLMode  string `mapstructure:"ssl_mode"`

	MaxOpenConns   int           `mapstructure:"max_open_conns" validate:"gte=0"`
	ConnectTimeout time.Duration `mapstructure:"connect_timeout"`
}

// RedisConfig contains redis connection settings shared by the redis store and the lease
type RedisConfig struct {
	Addr        string        `mapstructure:"addr"`
	Password    string        `mapstructure:"password"`
	DB          int           `mapstructure:"db"`
	DialTimeout time.Duration `mapstructure:"dial_timeout"`
}

// LeaseConfig contains the run lease settings
type LeaseConfig struct {
	Enabled bool          `mapstructure:"enabled"`
	Key     string        `mapstructure:"key"`
	TTL     time.Duration `mapstructure:"ttl"`
}

// TreasuryConfig contains the accounts and assets being rebalanced
type TreasuryConfig struct {
	Address             string `mapstructure:"address" validate:"required"`
	ChainBAddress       string `mapstructure:"chain_b_address" validate:"required"`
	SettlementAddress   string `mapstructure:"settlement_address"`
	ReturnDestination   string `mapstructure:"return_destination"`
	SourceAsset         string `mapstructure:"source_asset" validate:"required"`
	IntermediateAsset   string `mapstructure:"intermediate_asset" validate:"required"`
	IntermediateAssetID string `mapstructure:"intermediate_asset_id" validate:"required"`
	SourceDecimals      int32  `mapstructure:"source_decimals" validate:"gte=0,lte=36"`
	TargetDecimals      int32  `mapstructure:"target_decimals" validate:"gte=0,lte=36"`
}

// ChainAConfig contains the chain A gateway settings
type ChainAConfig struct {
	GatewayURL string        `mapstructure:"gateway_url" validate:"required,url"`
	APIKey     string        `mapstructure:"api_key"`
	Timeout    time.Duration `mapstructure:"timeout" validate:"gt=0"`
}

// EVMConfig contains the settings of a signing EVM client
type EVMConfig struct {
	RPCURL             string        `mapstructure:"rpc_url" validate:"required"`
	ChainID            int64         `mapstructure:"chain_id" validate:"gt=0"`
	PrivateKey         string        `mapstructure:"private_key" validate:"required"`
	ConfirmationBlocks uint64        `mapstructure:"confirmation_blocks"`
	PollingInterval    time.Duration `mapstructure:"polling_interval" validate:"gt=0"`
	ReceiptTimeout     time.Duration `mapstructure:"receipt_timeout" validate:"gt=0"`
	GasLimit           uint64        `mapstructure:"gas_limit"`
	FeeMultiplier      int64         `mapstructure:"fee_multiplier" validate:"gte=1"`
}

// ChainBConfig contains EVM client settings for chain B, where the
// intermediate asset settles and the router swap starts
type ChainBConfig struct {
	EVMConfig     `mapstructure:",squash"`
	TokenContract string `mapstructure:"token_contract" validate:"required"`
	TokenDecimals int32  `mapstructure:"token_decimals" validate:"gte=0,lte=36"`
}

// DestinationConfig contains EVM client settings for the router's destination
// chain, where the receiver contract parks the target asset until executeXCM
type DestinationConfig struct {
	EVMConfig        `mapstructure:",squash"`
	ReceiverContract string `mapstructure:"receiver_contract" validate:"required"`
}

// RouterConfig contains swap router settings
type RouterConfig struct {
	BaseURL      string        `mapstructure:"base_url" validate:"required,url"`
	IntegratorID string        `mapstructure:"integrator_id"`
	Timeout      time.Duration `mapstructure:"timeout" validate:"gt=0"`
	FromChainID  string        `mapstructure:"from_chain_id" validate:"required"`
	FromToken    string        `mapstructure:"from_token" validate:"required"`
	ToChainID    string        `mapstructure:"to_chain_id" validate:"required"`
	ToToken      string        `mapstructure:"to_token" validate:"required"`
	// ToTokenDecimals scales the router's quoted output amount.
	ToTokenDecimals int32         `mapstructure:"to_token_decimals" validate:"gte=0,lte=36"`
	StatusEnabled   bool          `mapstructure:"status_enabled"`
	StatusInterval  time.Duration `mapstructure:"status_interval"`
	StatusTimeout   time.Duration `mapstructure:"status_timeout"`
}

// FiatConfig contains fiat conversion service settings
type FiatConfig struct {
	BaseURL           string        `mapstructure:"base_url" validate:"required,url"`
	APIKey            string        `mapstructure:"api_key"`
	Timeout           time.Duration `mapstructure:"timeout" validate:"gt=0"`
	Chain             string        `mapstructure:"chain" validate:"required"`
	InputCoin         string        `mapstructure:"input_coin" validate:"required"`
	OutputCoin        string        `mapstructure:"output_coin" validate:"required"`
	SettleDelay       time.Duration `mapstructure:"settle_delay"`
	HistoryRetries    int           `mapstructure:"history_retries" validate:"gte=0"`
	HistoryRetryDelay time.Duration `mapstructure:"history_retry_delay"`
}

// NotifyConfig contains completion notification sinks; all are optional
type NotifyConfig struct {
	SlackWebhookURL string        `mapstructure:"slack_webhook_url" validate:"omitempty,url"`
	NATSURL         string        `mapstructure:"nats_url"`
	NATSSubject     string        `mapstructure:"nats_subject"`
	Timeout         time.Duration `mapstructure:"timeout"`
}

// RebalanceConfig contains tolerances, intervals and timeouts of the workflow
type RebalanceConfig struct {
	MinOutRatio            float64       `mapstructure:"min_out_ratio" validate:"gt=0,lte=1"`
	ArrivalTolerance       float64       `mapstructure:"arrival_tolerance" validate:"gt=0,lt=1"`
	SettlementPollInterval time.Duration `mapstructure:"settlement_poll_interval" validate:"gt=0"`
	SettlementTimeout      time.Duration `mapstructure:"settlement_timeout" validate:"gt=0"`
	ArrivalPollInterval    time.Duration `mapstructure:"arrival_poll_interval" validate:"gt=0"`
	ArrivalTimeout         time.Duration `mapstructure:"arrival_timeout" validate:"gt=0"`
	FinalizeSettleDelay    time.Duration `mapstructure:"finalize_settle_delay" validate:"gte=0"`
}

// Load loads configuration from file and environment variables
func Load(configPath string) (*Config, error) {
	v := viper.New()
	v.SetConfigFile(configPath)
	v.SetConfigType("yaml")
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	setDefaults(v)

	if err := v.ReadInConfig(); err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	var config Config
	if err := v.Unmarshal(&config); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	if err := validate(&config); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}

	return &config, nil
}

func setDefaults(v *viper.Viper) {
	// Logging defaults
	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", "json")
	v.SetDefault("logging.output_path", "stdout")

	// Server defaults
	v.SetDefault("server.enabled", true)
	v.SetDefault("server.host", "0.0.0.0")
	v.SetDefault("server.port", 8090)

	// Monitoring defaults
	v.SetDefault("monitoring.enabled", true)

	// Shutdown defaults
	v.SetDefault("shutdown.timeout", "30s")

	// State store defaults
	v.SetDefault("state_store.driver", DriverPostgres)
	v.SetDefault("state_store.key", "rebalancer_state")

	// Database defaults
	v.SetDefault("database.host", "localhost")
	v.SetDefault("database.port", 5432)
	v.SetDefault("database.ssl_mode", "disable")
	v.SetDefault("database.database", "rebalancer")
	v.SetDefault("database.max_open_conns", 4)
	v.SetDefault("database.connect_timeout", "5s")

	// Redis defaults
	v.SetDefault("redis.addr", "localhost:6379")
	v.SetDefault("redis.dial_timeout", "5s")

	// Lease defaults
	v.SetDefault("lease.enabled", false)
	v.SetDefault("lease.key", "rebalancer:lease")
	v.SetDefault("lease.ttl", "2h")

	// Treasury defaults
	v.SetDefault("treasury.source_decimals", 12)
	v.SetDefault("treasury.target_decimals", 6)

	// Chain A defaults
	v.SetDefault("chain_a.timeout", "30s")

	// Chain B defaults
	v.SetDefault("chain_b.token_decimals", 18)
	v.SetDefault("chain_b.confirmation_blocks", 1)
	v.SetDefault("chain_b.polling_interval", "2s")
	v.SetDefault("chain_b.receipt_timeout", "5m")
	v.SetDefault("chain_b.fee_multiplier", 2)

	// Destination chain defaults
	v.SetDefault("destination.confirmation_blocks", 1)
	v.SetDefault("destination.polling_interval", "2s")
	v.SetDefault("destination.receipt_timeout", "5m")
	v.SetDefault("destination.fee_multiplier", 2)

	// Router defaults
	v.SetDefault("router.timeout", "30s")
	v.SetDefault("router.to_token_decimals", 6)
	v.SetDefault("router.status_enabled", true)
	v.SetDefault("router.status_interval", "10s")
	v.SetDefault("router.status_timeout", "15m")

	// Fiat defaults
	v.SetDefault("fiat.timeout", "30s")
	v.SetDefault("fiat.chain", "Polygon")
	v.SetDefault("fiat.input_coin", "BRLA")
	v.SetDefault("fiat.output_coin", "USDC")
	v.SetDefault("fiat.settle_delay", "10s")
	v.SetDefault("fiat.history_retries", 5)
	v.SetDefault("fiat.history_retry_delay", "60s")

	// Notify defaults
	v.SetDefault("notify.nats_subject", "rebalancer.completed")
	v.SetDefault("notify.timeout", "10s")

	// Rebalance defaults
	v.SetDefault("rebalance.min_out_ratio", 0.95)
	v.SetDefault("rebalance.arrival_tolerance", 0.05)
	v.SetDefault("rebalance.settlement_poll_interval", "5s")
	v.SetDefault("rebalance.settlement_timeout", "5m")
	v.SetDefault("rebalance.arrival_poll_interval", "5s")
	v.SetDefault("rebalance.arrival_timeout", "30m")
	v.SetDefault("rebalance.finalize_settle_delay", "30s")
}

func validate(config *Config) error {
	if err := validator.New().Struct(config); err != nil {
		return err
	}

	switch config.StateStore.Driver {
	case DriverPostgres:
		if config.Database.Host == "" {
			return errors.New("database.host is required for the postgres state store")
		}
		if config.Database.Database == "" {
			return errors.New("database.database is required for the postgres state store")
		}
	case DriverRedis:
		if config.Redis.Addr == "" {
			return errors.New("redis.addr is required for the redis state store")
		}
	}

	if config.Lease.Enabled {
		if config.Redis.Addr == "" {
			return errors.New("redis.addr is required when lease.enabled is set")
		}
		if config.Lease.TTL <= 0 {
			return errors.New("lease.ttl must be positive")
		}
	}

	if config.Router.StatusEnabled && (config.Router.StatusInterval <= 0 || config.Router.StatusTimeout <= 0) {
		return errors.New("router.status_interval and router.status_timeout must be positive")
	}

	if config.Notify.NATSURL != "" && config.Notify.NATSSubject == "" {
		return errors.New("notify.nats_subject is required when notify.nats_url is set")
	}
	return nil
}

// RebalanceSettings assembles the workflow settings. Settlement address and
// return destination fall back to the chain B and treasury addresses.
func (c *Config) RebalanceSettings() rebalance.Settings {
	settlement := c.Treasury.SettlementAddress
	if settlement == "" {
		settlement = c.Treasury.ChainBAddress
	}
	destination := c.Treasury.ReturnDestination
	if destination == "" {
		destination = c.Treasury.Address
	}

	s := rebalance.Settings{
		TreasuryAddress:        c.Treasury.Address,
		ChainBAddress:          c.Treasury.ChainBAddress,
		SettlementAddress:      settlement,
		ReturnDestination:      destination,
		SourceAsset:            c.Treasury.SourceAsset,
		IntermediateAsset:      c.Treasury.IntermediateAsset,
		IntermediateAssetID:    c.Treasury.IntermediateAssetID,
		SourceDecimals:         c.Treasury.SourceDecimals,
		TargetDecimals:         c.Treasury.TargetDecimals,
		RouterTargetDecimals:   c.Router.ToTokenDecimals,
		MinOutRatio:            c.Rebalance.MinOutRatio,
		ArrivalTolerance:       c.Rebalance.ArrivalTolerance,
		SettlementPollInterval: c.Rebalance.SettlementPollInterval,
		SettlementTimeout:      c.Rebalance.SettlementTimeout,
		ArrivalPollInterval:    c.Rebalance.ArrivalPollInterval,
		ArrivalTimeout:         c.Rebalance.ArrivalTimeout,
		FinalizeSettleDelay:    c.Rebalance.FinalizeSettleDelay,
	}
	if c.Router.StatusEnabled {
		s.BridgeStatusInterval = c.Router.StatusInterval
		s.BridgeStatusTimeout = c.Router.StatusTimeout
	}
	return s
}
