// Package domain holds the data model shared by the indicator engine, the
// condition evaluator and the backtest simulator.
package domain

import "time"

// Market identifies the exchange group a symbol trades on.
type Market string

const (
	MarketUS Market = "us"
	MarketCN Market = "cn"
)

// Bar is one daily OHLCV row for an instrument.
type Bar struct {
	Symbol     string
	Timestamp  time.Time
	Open       float64
	High       float64
	Low        float64
	Close      float64
	Volume     int64
	TradeCount int64
	VWAP       float64
}

// Side is the direction of a fill.
type Side string

const (
	SideBuy  Side = "buy"
	SideSell Side = "sell"
)

// Trade reasons written to the ledger.
const (
	ReasonSignal       = "signal"
	ReasonStage        = "stage"
	ReasonStopLoss     = "stop_loss"
	ReasonTargetProfit = "target_profit"
	ReasonForcedClose  = "forced_close"
)

// Trade is an immutable ledger entry. Profit and ProfitRate are only set on
// sells.
type Trade struct {
	Date       time.Time `json:"date"`
	Type       Side      `json:"type"`
	Price      float64   `json:"price"`
	Quantity   float64   `json:"quantity"`
	Amount     float64   `json:"amount"`
	Commission float64   `json:"commission"`
	Profit     float64   `json:"profit,omitempty"`
	ProfitRate float64   `json:"profit_rate,omitempty"`
	Reason     string    `json:"reason"`
}

// Fill is one executed order against a position, recorded in the position's
// stage history.
type Fill struct {
	Date       time.Time
	Side       Side
	Stage      int // -1 when the fill was not produced by a stage
	Price      float64
	Quantity   float64
	Commission float64
}

// PositionState is the simulator's per-instrument state.
type PositionState string

const (
	StateFlat            PositionState = "FLAT"
	StatePartiallyFilled PositionState = "PARTIALLY_FILLED"
	StateFullyInvested   PositionState = "FULLY_INVESTED"
)

// Position is an open long holding.
type Position struct {
	Symbol        string
	EntryDate     time.Time
	EntryPrice    float64
	Quantity      float64
	CostBasis     float64 // quantity-weighted average execution price
	BuyCommission float64 // commission paid on the shares still held
	StageHistory  []Fill
}

// MarketValue returns the position value at price.
func (p *Position) MarketValue(price float64) float64 {
	if p == nil {
		return 0
	}
	return p.Quantity * price
}

// EquityPoint is the mark-to-market value of a run at the close of one bar.
type EquityPoint struct {
	Date     time.Time     `json:"date"`
	Cash     float64       `json:"cash"`
	Holdings float64       `json:"holdings"`
	Equity   float64       `json:"equity"`
	State    PositionState `json:"state"`
}

// BacktestResult summarises one strategy run over one instrument.
type BacktestResult struct {
	RunID             string        `json:"run_id"`
	Strategy          string        `json:"strategy"`
	Symbol            string        `json:"symbol"`
	Start             time.Time     `json:"start"`
	End               time.Time     `json:"end"`
	InitialCapital    float64       `json:"initial_capital"`
	FinalCapital      float64       `json:"final_capital"`
	Trades            []Trade       `json:"trades"`
	DailyEquityCurve  []EquityPoint `json:"daily_equity_curve"`
	TotalReturnAmount float64       `json:"total_return_amount"`
	TotalReturnRate   float64       `json:"total_return_rate"`
	WinRate           float64       `json:"win_rate"`
	MaxDrawdownRate   float64       `json:"max_drawdown_rate"`
	TradeCount        int           `json:"trade_count"`
	Warnings          []string      `json:"warnings,omitempty"`
}
