package results

import (
	"time"

	"github.com/shopspring/decimal"
	"gorm.io/datatypes"
)

// RunModel 一次回测的汇总行；金额列以 TEXT 保存 decimal 原值。
type RunModel struct {
	ID             string          `gorm:"column:id;primaryKey"`
	Symbol         string          `gorm:"column:symbol;index"`
	Timeframe      string          `gorm:"column:timeframe"`
	Strategy       string          `gorm:"column:strategy;index"`
	Status         string          `gorm:"column:status"`
	EndPolicy      string          `gorm:"column:end_policy"`
	StartTS        int64           `gorm:"column:start_ts"`
	EndTS          int64           `gorm:"column:end_ts"`
	InitialCapital decimal.Decimal `gorm:"column:initial_capital;type:TEXT"`
	FinalCash      decimal.Decimal `gorm:"column:final_cash;type:TEXT"`
	FinalEquity    decimal.Decimal `gorm:"column:final_equity;type:TEXT"`
	ROIPct         float64         `gorm:"column:roi_pct"`
	WinRate        float64         `gorm:"column:win_rate"`
	ProfitFactor   float64         `gorm:"column:profit_factor"`
	MaxDrawdownPct float64         `gorm:"column:max_drawdown_pct"`
	TotalTrades    int             `gorm:"column:total_trades"`
	OpenAtEnd      bool            `gorm:"column:open_at_end"`
	ConfigJSON     datatypes.JSON  `gorm:"column:config_json;type:TEXT"`
	SummaryJSON    datatypes.JSON  `gorm:"column:summary_json;type:TEXT"`
	StatsJSON      datatypes.JSON  `gorm:"column:stats_json;type:TEXT"`
	PositionJSON   datatypes.JSON  `gorm:"column:open_position_json;type:TEXT"`
	StartedAt      time.Time       `gorm:"column:started_at"`
	FinishedAt     time.Time       `gorm:"column:finished_at;index"`
}

func (RunModel) TableName() string { return "backtest_runs" }

type TradeModel struct {
	ID         int64           `gorm:"column:id;primaryKey;autoIncrement"`
	RunID      string          `gorm:"column:run_id;index:idx_trade_run,priority:1"`
	Seq        int             `gorm:"column:seq;index:idx_trade_run,priority:2"`
	EntryTime  int64           `gorm:"column:entry_time"`
	ExitTime   int64           `gorm:"column:exit_time"`
	EntryPrice decimal.Decimal `gorm:"column:entry_price;type:TEXT"`
	ExitPrice  decimal.Decimal `gorm:"column:exit_price;type:TEXT"`
	Amount     decimal.Decimal `gorm:"column:amount;type:TEXT"`
	PnL        decimal.Decimal `gorm:"column:pnl;type:TEXT"`
	Commission decimal.Decimal `gorm:"column:commission;type:TEXT"`
	IsWin      bool            `gorm:"column:is_win"`
	Forced     bool            `gorm:"column:forced"`
}

func (TradeModel) TableName() string { return "backtest_trades" }

type EquityModel struct {
	ID         int64           `gorm:"column:id;primaryKey;autoIncrement"`
	RunID      string          `gorm:"column:run_id;index:idx_equity_run,priority:1"`
	Seq        int             `gorm:"column:seq;index:idx_equity_run,priority:2"`
	TS         int64           `gorm:"column:ts"`
	Equity     decimal.Decimal `gorm:"column:equity;type:TEXT"`
	Cash       decimal.Decimal `gorm:"column:cash;type:TEXT"`
	InPosition bool            `gorm:"column:in_position"`
	Carried    bool            `gorm:"column:carried"`
}

func (EquityModel) TableName() string { return "backtest_equity" }

type FillModel struct {
	ID         int64           `gorm:"column:id;primaryKey;autoIncrement"`
	RunID      string          `gorm:"column:run_id;index:idx_fill_run,priority:1"`
	Seq        int             `gorm:"column:seq;index:idx_fill_run,priority:2"`
	TS         int64           `gorm:"column:ts"`
	Action     string          `gorm:"column:action"`
	Price      decimal.Decimal `gorm:"column:price;type:TEXT"`
	Amount     decimal.Decimal `gorm:"column:amount;type:TEXT"`
	Balance    decimal.Decimal `gorm:"column:balance;type:TEXT"`
	Confidence *float64        `gorm:"column:confidence"`
	Mode       string          `gorm:"column:mode"`
}

func (FillModel) TableName() string { return "backtest_fills" }

type DiagnosticModel struct {
	ID      int64  `gorm:"column:id;primaryKey;autoIncrement"`
	RunID   string `gorm:"column:run_id;index:idx_diag_run,priority:1"`
	Seq     int    `gorm:"column:seq;index:idx_diag_run,priority:2"`
	Step    int    `gorm:"column:step"`
	TS      int64  `gorm:"column:ts"`
	Kind    string `gorm:"column:kind"`
	Message string `gorm:"column:message"`
}

func (DiagnosticModel) TableName() string { return "backtest_diagnostics" }
