package rebalance

import (
	"fmt"
	"time"

	"github.com/creasty/defaults"
	"github.com/go-playground/validator/v10"
	"github.com/shopspring/decimal"
)

// Settings holds the addresses, assets and timing of a rebalance.
type Settings struct {
	// TreasuryAddress is the chain A account whose balance is rebalanced.
	TreasuryAddress string `validate:"required"`
	// ChainBAddress receives the intermediate asset and the conversion payout.
	ChainBAddress string `validate:"required"`
	// SettlementAddress is watched until the intermediate asset settles.
	SettlementAddress string `validate:"required"`
	// ReturnDestination is where the router delivers the target asset on chain A.
	ReturnDestination string `validate:"required"`

	SourceAsset         string `validate:"required"`
	IntermediateAsset   string `validate:"required"`
	IntermediateAssetID string `validate:"required"`

	// SourceDecimals are the decimals of the source asset on chain A.
	SourceDecimals int32 `default:"12" validate:"gte=0,lte=36"`
	// TargetDecimals are the decimals of the token the router swap starts from.
	TargetDecimals int32 `default:"6" validate:"gte=0,lte=36"`
	// RouterTargetDecimals are the decimals of the router's output token, the
	// unit of the persisted targetAmountRaw.
	RouterTargetDecimals int32 `default:"6" validate:"gte=0,lte=36"`

	MinOutRatio      float64 `default:"0.95" validate:"gt=0,lte=1"`
	ArrivalTolerance float64 `default:"0.05" validate:"gt=0,lt=1"`

	SettlementPollInterval time.Duration `default:"5s" validate:"gt=0"`
	SettlementTimeout      time.Duration `default:"5m" validate:"gt=0"`
	ArrivalPollInterval    time.Duration `default:"5s" validate:"gt=0"`
	ArrivalTimeout         time.Duration `default:"30m" validate:"gt=0"`
	FinalizeSettleDelay    time.Duration `default:"30s" validate:"gte=0"`
	BridgeStatusInterval   time.Duration `default:"10s" validate:"gt=0"`
	BridgeStatusTimeout    time.Duration `default:"15m" validate:"gt=0"`
}

// DefaultSettings returns Settings with every tunable set to its default.
func DefaultSettings() Settings {
	var s Settings
	if err := defaults.Set(&s); err != nil {
		panic(fmt.Sprintf("invalid rebalance settings defaults: %v", err))
	}
	return s
}

// ApplyDefaults fills zero-valued tunables.
func (s *Settings) ApplyDefaults() error {
	if err := defaults.Set(s); err != nil {
		return fmt.Errorf("failed to apply rebalance defaults: %w", err)
	}
	return nil
}

// Validate checks required addresses and bounds.
func (s *Settings) Validate() error {
	if err := validator.New().Struct(s); err != nil {
		return fmt.Errorf("invalid rebalance settings: %w", err)
	}
	return nil
}

func (s *Settings) minOutRatio() decimal.Decimal {
	return decimal.NewFromFloat(s.MinOutRatio)
}

func (s *Settings) arrivalTolerance() decimal.Decimal {
	return decimal.NewFromFloat(s.ArrivalTolerance)
}
