// Package market describes the trading parameters of one instrument:
// tick/lot precision, leverage and margin bounds, funding interval, order
// size limits, and fees. A Market is immutable configuration the rest of
// the core (OrderBook, MatchingEngine, AccountLedger, FundingScheduler)
// validates orders and computes margin against.
package market

import (
	"fmt"
	"time"
)

// Type classifies what kind of instrument a Market represents.
type Type int8

const (
	Perpetual Type = iota // no expiry, has funding
	Future                // has an expiry date
	Spot                  // no leverage
)

func (t Type) String() string {
	switch t {
	case Perpetual:
		return "Perpetual"
	case Future:
		return "Future"
	case Spot:
		return "Spot"
	default:
		return "Unknown"
	}
}

// Status tracks the trading lifecycle of a Market.
type Status int8

const (
	Active Status = iota
	Paused
	Settling
	Settled
)

func (s Status) String() string {
	switch s {
	case Active:
		return "Active"
	case Paused:
		return "Paused"
	case Settling:
		return "Settling"
	case Settled:
		return "Settled"
	default:
		return "Unknown"
	}
}

// Market holds the full parameter set for one instrument.
type Market struct {
	Symbol     string
	BaseAsset  string
	QuoteAsset string
	Type       Type
	Status     Status

	// TickSize is the minimum price increment, in scaled integer ticks.
	TickSize int64
	// LotSize is the minimum quantity increment, in scaled integer lots.
	LotSize int64
	// MinNotional is the minimum order value (price*qty) accepted.
	MinNotional int64

	MaxLeverage          int64
	InitialMarginBps     int64
	MaintenanceMarginBps int64
	// LiquidationThresholdBps is the risk_ratio (maintenance_margin /
	// available_balance) at which LiquidationEvaluator marks a position
	// liquidatable. 10000 == a ratio of 1.0: maintenance margin exactly
	// consumes available balance.
	LiquidationThresholdBps int64

	FundingInterval   time.Duration
	MaxFundingRateBps int64

	MinOrderSize int64
	MaxOrderSize int64
	MaxPosition  int64

	MakerFeeBps int64
	TakerFeeBps int64

	SelfTradePrevention bool
}

// Params separates the configuration needed to construct a Market from
// the runtime struct itself.
type Params struct {
	Type                    Type
	TickSize                int64
	LotSize                 int64
	MinNotional             int64
	MaxLeverage             int64
	InitialMarginBps        int64
	MaintenanceMarginBps    int64
	LiquidationThresholdBps int64
	FundingInterval         time.Duration
	MaxFundingRateBps       int64
	MinOrderSize            int64
	MaxOrderSize            int64
	MaxPosition             int64
	MakerFeeBps             int64
	TakerFeeBps             int64
	SelfTradePrevention     bool
}

// New constructs a Market from Params, validating it before returning.
func New(symbol, baseAsset, quoteAsset string, p Params) (*Market, error) {
	m := &Market{
		Symbol:                  symbol,
		BaseAsset:               baseAsset,
		QuoteAsset:              quoteAsset,
		Type:                    p.Type,
		Status:                  Active,
		TickSize:                p.TickSize,
		LotSize:                 p.LotSize,
		MinNotional:             p.MinNotional,
		MaxLeverage:             p.MaxLeverage,
		InitialMarginBps:        p.InitialMarginBps,
		MaintenanceMarginBps:    p.MaintenanceMarginBps,
		LiquidationThresholdBps: p.LiquidationThresholdBps,
		FundingInterval:         p.FundingInterval,
		MaxFundingRateBps:       p.MaxFundingRateBps,
		MinOrderSize:            p.MinOrderSize,
		MaxOrderSize:            p.MaxOrderSize,
		MaxPosition:             p.MaxPosition,
		MakerFeeBps:             p.MakerFeeBps,
		TakerFeeBps:             p.TakerFeeBps,
		SelfTradePrevention:     p.SelfTradePrevention,
	}
	if err := m.Validate(); err != nil {
		return nil, fmt.Errorf("invalid market params: %w", err)
	}
	return m, nil
}

// Validate checks parameter sanity.
func (m *Market) Validate() error {
	if m.Symbol == "" {
		return fmt.Errorf("symbol cannot be empty")
	}
	if m.TickSize <= 0 || m.LotSize <= 0 {
		return fmt.Errorf("tick and lot size must be positive")
	}
	if m.MinNotional < 0 {
		return fmt.Errorf("min notional cannot be negative")
	}
	if m.Type != Spot {
		if m.MaxLeverage <= 0 || m.InitialMarginBps <= 0 || m.MaintenanceMarginBps <= 0 {
			return fmt.Errorf("leverage and margin bps must be positive for non-spot markets")
		}
		if m.MaintenanceMarginBps > m.InitialMarginBps {
			return fmt.Errorf("maintenance margin cannot exceed initial margin")
		}
		if m.LiquidationThresholdBps <= 0 {
			return fmt.Errorf("liquidation threshold bps must be positive for non-spot markets")
		}
	}
	if m.Type == Perpetual {
		if m.FundingInterval <= 0 {
			return fmt.Errorf("funding interval must be positive")
		}
		if m.MaxFundingRateBps < 0 {
			return fmt.Errorf("max funding rate cannot be negative")
		}
	}
	if m.MinOrderSize <= 0 || m.MaxOrderSize <= 0 || m.MinOrderSize > m.MaxOrderSize {
		return fmt.Errorf("order size bounds invalid")
	}
	if m.MaxPosition < m.MaxOrderSize {
		return fmt.Errorf("max position must be >= max order size")
	}
	return nil
}

// ValidateOrder checks that price and qty are legal for submission
// against this market: positive, tick/lot aligned, within size bounds,
// and above the minimum notional.
func (m *Market) ValidateOrder(price, qty int64) error {
	if m.Status != Active {
		return fmt.Errorf("market %s is not active (status: %s)", m.Symbol, m.Status)
	}
	if qty <= 0 {
		return fmt.Errorf("quantity must be positive")
	}
	if price < 0 {
		return fmt.Errorf("price cannot be negative")
	}
	if price != 0 && price%m.TickSize != 0 {
		return fmt.Errorf("price %d is not a multiple of tick size %d", price, m.TickSize)
	}
	if qty%m.LotSize != 0 {
		return fmt.Errorf("quantity %d is not a multiple of lot size %d", qty, m.LotSize)
	}
	if qty < m.MinOrderSize || qty > m.MaxOrderSize {
		return fmt.Errorf("order size %d outside [%d, %d]", qty, m.MinOrderSize, m.MaxOrderSize)
	}
	if price != 0 {
		notional := price * qty
		if notional < m.MinNotional {
			return fmt.Errorf("order notional %d below minimum %d", notional, m.MinNotional)
		}
	}
	return nil
}

// DefaultPerpParams returns a reasonable default parameter set for a
// 50x-leverage USD-margined perpetual, scaled to the fixed-point domain
// used throughout the core.
func DefaultPerpParams() Params {
	return Params{
		Type:                    Perpetual,
		TickSize:                1,
		LotSize:                 1,
		MinNotional:             10_000,
		MaxLeverage:             50,
		InitialMarginBps:        200,
		MaintenanceMarginBps:    50,
		LiquidationThresholdBps: 10_000, // risk_ratio >= 1.0 triggers liquidation
		FundingInterval:         8 * time.Hour,
		MaxFundingRateBps:       75, // 0.75% per interval, matching spec's ±0.0075 clamp
		MinOrderSize:            1,
		MaxOrderSize:            1_000_000,
		MaxPosition:             10_000_000,
		MakerFeeBps:             -2,
		TakerFeeBps:             5,
		SelfTradePrevention:     false,
	}
}
