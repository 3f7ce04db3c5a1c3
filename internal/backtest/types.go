package backtest

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"backlab/internal/ledger"
	"backlab/internal/market"
	"backlab/internal/metrics"
	"backlab/internal/signal"

	"github.com/shopspring/decimal"
)

var (
	// ErrInvalidConfig 配置错误，在进入循环前返回，run 不会开始。
	ErrInvalidConfig = errors.New("invalid backtest config")
	// ErrInvalidCandle 单根 K 线不可用，仅记录为诊断。
	ErrInvalidCandle = market.ErrInvalidCandle
	// ErrSignalFailed 信号源返回错误或 panic，仅记录为诊断，该步按 NEUTRAL 处理。
	ErrSignalFailed = errors.New("signal evaluation failed")
)

// EndPolicy 决定回测结束时仍持仓的处理方式。
type EndPolicy string

const (
	// EndHold 按最后收盘价估值，不收手续费，结果标记为期末持仓。
	EndHold EndPolicy = "hold"
	// EndClose 按最后收盘价强制平仓并收取手续费。
	EndClose EndPolicy = "close"
	// EndCloseNoFee 强制平仓但不收手续费。
	EndCloseNoFee EndPolicy = "close_no_fee"
)

// ParseEndPolicy 解析策略名，空串返回 EndHold。
func ParseEndPolicy(raw string) (EndPolicy, error) {
	switch EndPolicy(strings.ToLower(strings.TrimSpace(raw))) {
	case "", EndHold:
		return EndHold, nil
	case EndClose:
		return EndClose, nil
	case EndCloseNoFee:
		return EndCloseNoFee, nil
	default:
		return "", fmt.Errorf("%w: 未知 end_policy %q", ErrInvalidConfig, raw)
	}
}

// Config 一次 run 的参数快照。
type Config struct {
	Symbol         string          `json:"symbol,omitempty"`
	Timeframe      string          `json:"timeframe,omitempty"`
	Strategy       string          `json:"strategy,omitempty"`
	Params         map[string]any  `json:"params,omitempty"`
	InitialCapital decimal.Decimal `json:"initial_capital"`
	CommissionRate decimal.Decimal `json:"commission_rate"`
	// MinTradeSize 未设置时使用 ledger.DefaultMinTradeSize。
	MinTradeSize decimal.NullDecimal `json:"min_trade_size"`
	EndPolicy    EndPolicy           `json:"end_policy"`
	// StartTS 之前的 K 线只用于预热窗口，不评估信号也不记录资金曲线。
	StartTS int64 `json:"start_ts,omitempty"`
	// RecordSignals 为 true 时保存每一步的信号。
	RecordSignals bool `json:"record_signals,omitempty"`
	// NoPrecompute 为 true 时即使信号源支持 signal.Preparer 也逐步按窗口计算。
	NoPrecompute bool `json:"no_precompute,omitempty"`
}

// Validate 返回包装 ErrInvalidConfig 的错误。
func (c Config) Validate() error {
	if !c.InitialCapital.IsPositive() {
		return fmt.Errorf("%w: initial_capital 必须为正，当前 %s", ErrInvalidConfig, c.InitialCapital)
	}
	if c.CommissionRate.IsNegative() || c.CommissionRate.GreaterThanOrEqual(decimal.NewFromInt(1)) {
		return fmt.Errorf("%w: commission_rate 需在 [0,1) 内，当前 %s", ErrInvalidConfig, c.CommissionRate)
	}
	if c.MinTradeSize.Valid && c.MinTradeSize.Decimal.IsNegative() {
		return fmt.Errorf("%w: min_trade_size 不能为负", ErrInvalidConfig)
	}
	if _, err := ParseEndPolicy(string(c.EndPolicy)); err != nil {
		return err
	}
	return nil
}

func (c Config) minTradeSize() decimal.Decimal {
	if c.MinTradeSize.Valid {
		return c.MinTradeSize.Decimal
	}
	return ledger.DefaultMinTradeSize
}

// EquityPoint 资金曲线上的一个点。Carried=true 表示该步被跳过，沿用上一值。
type EquityPoint struct {
	TS         int64           `json:"ts"`
	Equity     decimal.Decimal `json:"equity"`
	Cash       decimal.Decimal `json:"cash"`
	InPosition bool            `json:"in_position"`
	Carried    bool            `json:"carried,omitempty"`
}

// StepOutcome 描述信号对账本产生的效果。
type StepOutcome string

const (
	OutcomeNone       StepOutcome = ""
	OutcomeOpened     StepOutcome = "opened"
	OutcomeClosed     StepOutcome = "closed"
	OutcomeIgnored    StepOutcome = "ignored"
	OutcomeSuppressed StepOutcome = "suppressed"
)

// StepSignal 每一步的信号记录。
type StepSignal struct {
	TS      int64         `json:"ts"`
	Price   float64       `json:"price"`
	Signal  signal.Signal `json:"signal"`
	Outcome StepOutcome   `json:"outcome,omitempty"`
}

// FillKind 成交日志中的动作。
type FillKind string

const (
	FillBuy      FillKind = "BUY"
	FillSell     FillKind = "SELL"
	FillHoldEnd  FillKind = "HOLD (End)"
	FillCloseEnd FillKind = "CLOSE (End)"
)

// Fill 是按时间顺序的成交日志，期末持仓也以 HOLD (End) 行出现。
type Fill struct {
	TS         int64           `json:"ts"`
	Kind       FillKind        `json:"action"`
	Price      decimal.Decimal `json:"price"`
	Amount     decimal.Decimal `json:"amount"`
	Balance    decimal.Decimal `json:"balance"`
	Confidence *float64        `json:"confidence,omitempty"`
	Mode       string          `json:"mode,omitempty"`
}

// DiagnosticKind 诊断类别。
type DiagnosticKind string

const (
	DiagInvalidCandle    DiagnosticKind = "invalid_candle"
	DiagSignalFailed     DiagnosticKind = "signal_failed"
	DiagSuppressedAction DiagnosticKind = "suppressed_action"
)

// Diagnostic 归属于某一步的非致命问题。
type Diagnostic struct {
	Step    int            `json:"step"`
	TS      int64          `json:"ts"`
	Kind    DiagnosticKind `json:"kind"`
	Message string         `json:"message"`
	Err     error          `json:"-"`
}

func (d Diagnostic) Unwrap() error { return d.Err }

func (d Diagnostic) Error() string { return string(d.Kind) + ": " + d.Message }

// Stats 区分"没有信号"与"数据/信号源出错"。
type Stats struct {
	Steps             int `json:"steps"`
	WarmupCandles     int `json:"warmup_candles"`
	Evaluated         int `json:"evaluated"`
	SkippedSteps      int `json:"skipped_steps"`
	EvalFailures      int `json:"eval_failures"`
	SuppressedActions int `json:"suppressed_actions"`
	IgnoredSignals    int `json:"ignored_signals"`
	Buys              int `json:"buys"`
	Sells             int `json:"sells"`
}

// OpenPosition 期末仍持有的仓位（EndHold）。
type OpenPosition struct {
	ledger.Position
	MarkPrice     decimal.Decimal `json:"mark_price"`
	MarkValue     decimal.Decimal `json:"mark_value"`
	UnrealizedPnL decimal.Decimal `json:"unrealized_pnl"`
}

// Result 一次 run 的全部输出；即使降级（跳过步、信号失败）也总会返回。
type Result struct {
	ID           string          `json:"id"`
	Config       Config          `json:"config"`
	Trades       []ledger.Trade  `json:"trades"`
	Fills        []Fill          `json:"fills"`
	Equity       []EquityPoint   `json:"equity"`
	Signals      []StepSignal    `json:"signals,omitempty"`
	Summary      metrics.Summary `json:"summary"`
	Stats        Stats           `json:"stats"`
	Diagnostics  []Diagnostic    `json:"diagnostics,omitempty"`
	FinalCash    decimal.Decimal `json:"final_cash"`
	FinalEquity  decimal.Decimal `json:"final_equity"`
	OpenPosition *OpenPosition   `json:"open_position,omitempty"`
	OpenAtEnd    bool            `json:"open_at_end"`
	StartedAt    time.Time       `json:"started_at"`
	FinishedAt   time.Time       `json:"finished_at"`
}

// EquityValues 返回资金曲线数值。
func (r *Result) EquityValues() []decimal.Decimal {
	out := make([]decimal.Decimal, len(r.Equity))
	for i, p := range r.Equity {
		out[i] = p.Equity
	}
	return out
}

// Degraded 表示存在跳过的步或信号失败。
func (r *Result) Degraded() bool {
	return r.Stats.SkippedSteps > 0 || r.Stats.EvalFailures > 0
}
