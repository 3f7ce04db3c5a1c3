// Package metrics 把已平仓交易与资金曲线归约为绩效指标，全部为纯函数。
package metrics

import (
	"sort"

	"backlab/internal/ledger"

	"github.com/shopspring/decimal"
)

// ProfitFactorSentinel 在没有亏损但有盈利时代替无穷大，保证结果可序列化。
const ProfitFactorSentinel = 999.0

var hundred = decimal.NewFromInt(100)

// Summary 单次回测的绩效。
type Summary struct {
	TotalTrades    int     `json:"total_trades"`
	Wins           int     `json:"wins"`
	Losses         int     `json:"losses"`
	WinRate        float64 `json:"win_rate"`
	GrossProfit    float64 `json:"gross_profit"`
	GrossLoss      float64 `json:"gross_loss"`
	ProfitFactor   float64 `json:"profit_factor"`
	InitialCapital float64 `json:"initial_capital"`
	FinalEquity    float64 `json:"final_equity"`
	NetProfit      float64 `json:"net_profit"`
	ROIPct         float64 `json:"roi_pct"`
	MaxDrawdownPct float64 `json:"max_drawdown_pct"`
}

// Summarize 计算 trades 的胜率、盈亏比与 ROI；equity 为资金曲线（可为空）。
func Summarize(trades []ledger.Trade, initial, final decimal.Decimal, equity []decimal.Decimal) Summary {
	grossProfit := decimal.Zero
	grossLoss := decimal.Zero
	wins := 0
	for _, t := range trades {
		if t.IsWin {
			wins++
		}
		if t.PnL.IsPositive() {
			grossProfit = grossProfit.Add(t.PnL)
		} else {
			grossLoss = grossLoss.Add(t.PnL.Abs())
		}
	}
	total := len(trades)
	s := Summary{
		TotalTrades:    total,
		Wins:           wins,
		Losses:         total - wins,
		GrossProfit:    grossProfit.InexactFloat64(),
		GrossLoss:      grossLoss.InexactFloat64(),
		InitialCapital: initial.InexactFloat64(),
		FinalEquity:    final.InexactFloat64(),
		NetProfit:      final.Sub(initial).InexactFloat64(),
		MaxDrawdownPct: MaxDrawdownPct(equity),
	}
	if total > 0 {
		s.WinRate = decimal.NewFromInt(int64(wins)).Div(decimal.NewFromInt(int64(total))).Mul(hundred).InexactFloat64()
	}
	switch {
	case grossLoss.IsPositive():
		s.ProfitFactor = grossProfit.Div(grossLoss).InexactFloat64()
	case grossProfit.IsPositive():
		s.ProfitFactor = ProfitFactorSentinel
	}
	if initial.IsPositive() {
		s.ROIPct = final.Sub(initial).Div(initial).Mul(hundred).InexactFloat64()
	}
	return s
}

// MaxDrawdownPct 返回资金曲线相对历史峰值的最大回撤百分比。
func MaxDrawdownPct(equity []decimal.Decimal) float64 {
	peak := decimal.Zero
	worst := decimal.Zero
	for _, v := range equity {
		if v.GreaterThan(peak) {
			peak = v
		}
		if !peak.IsPositive() {
			continue
		}
		dd := peak.Sub(v).Div(peak)
		if dd.GreaterThan(worst) {
			worst = dd
		}
	}
	return worst.Mul(hundred).InexactFloat64()
}

// SymbolSummary 组合中的一行。
type SymbolSummary struct {
	Symbol   string  `json:"symbol"`
	Strategy string  `json:"strategy,omitempty"`
	Summary  Summary `json:"summary"`
	Error    string  `json:"error,omitempty"`
}

// Portfolio 多个独立单资产回测的汇总。
type Portfolio struct {
	Runs          int             `json:"runs"`
	Failed        int             `json:"failed"`
	TotalInvested float64         `json:"total_invested"`
	TotalFinal    float64         `json:"total_final"`
	TotalProfit   float64         `json:"total_profit"`
	TotalROIPct   float64         `json:"total_roi_pct"`
	TotalTrades   int             `json:"total_trades"`
	Wins          int             `json:"wins"`
	WinRate       float64         `json:"win_rate"`
	Rows          []SymbolSummary `json:"rows"`
}

// Aggregate 汇总各行；失败行只计数，不参与资金统计。行按 ROI 降序排列。
func Aggregate(rows []SymbolSummary) Portfolio {
	p := Portfolio{Rows: make([]SymbolSummary, len(rows))}
	copy(p.Rows, rows)
	invested := decimal.Zero
	final := decimal.Zero
	for _, row := range rows {
		if row.Error != "" {
			p.Failed++
			continue
		}
		p.Runs++
		invested = invested.Add(decimal.NewFromFloat(row.Summary.InitialCapital))
		final = final.Add(decimal.NewFromFloat(row.Summary.FinalEquity))
		p.TotalTrades += row.Summary.TotalTrades
		p.Wins += row.Summary.Wins
	}
	profit := final.Sub(invested)
	p.TotalInvested = invested.InexactFloat64()
	p.TotalFinal = final.InexactFloat64()
	p.TotalProfit = profit.InexactFloat64()
	if invested.IsPositive() {
		p.TotalROIPct = profit.Div(invested).Mul(hundred).InexactFloat64()
	}
	if p.TotalTrades > 0 {
		p.WinRate = float64(p.Wins) / float64(p.TotalTrades) * 100
	}
	sort.SliceStable(p.Rows, func(i, j int) bool {
		if (p.Rows[i].Error == "") != (p.Rows[j].Error == "") {
			return p.Rows[i].Error == ""
		}
		return p.Rows[i].Summary.ROIPct > p.Rows[j].Summary.ROIPct
	})
	return p
}
