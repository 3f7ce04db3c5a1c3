package main

import (
	"context"
	"fmt"
	"strings"

	"backlab/internal/backtest"
	"backlab/internal/export"
	"backlab/internal/market"
	"backlab/internal/metrics"
)

type candleRanger interface {
	RangeCandles(ctx context.Context, symbol, timeframe string, start, end int64) (market.Series, error)
}

// chartInput 未给出 K 线时按资金曲线的时间范围从存储读取。
func chartInput(ctx context.Context, store candleRanger, res *backtest.Result, inline market.Series) (export.ChartInput, error) {
	in := export.ChartInput{Result: res, Candles: inline}
	if in.Candles != nil || len(res.Equity) == 0 {
		return in, nil
	}
	candles, err := store.RangeCandles(ctx, res.Config.Symbol, res.Config.Timeframe,
		res.Equity[0].TS, res.Equity[len(res.Equity)-1].TS)
	if err != nil {
		return in, fmt.Errorf("读取图表 K 线失败: %w", err)
	}
	in.Candles = candles
	return in, nil
}

func printResult(res *backtest.Result) {
	s := res.Summary
	fmt.Println(strings.Repeat("=", 60))
	fmt.Printf("%s %s %s  run=%s\n", res.Config.Symbol, res.Config.Timeframe, res.Config.Strategy, res.ID)
	fmt.Println(strings.Repeat("-", 60))
	fmt.Printf("  初始资金:   %12.2f\n", s.InitialCapital)
	fmt.Printf("  期末权益:   %12.2f\n", s.FinalEquity)
	fmt.Printf("  净收益:     %12.2f (%.2f%%)\n", s.NetProfit, s.ROIPct)
	fmt.Printf("  交易笔数:   %12d (胜 %d / 负 %d，胜率 %.1f%%)\n", s.TotalTrades, s.Wins, s.Losses, s.WinRate)
	fmt.Printf("  盈亏比:     %12.2f\n", s.ProfitFactor)
	fmt.Printf("  最大回撤:   %11.2f%%\n", s.MaxDrawdownPct)
	st := res.Stats
	fmt.Printf("  步数:       %12d (预热 %d，跳过 %d，信号失败 %d)\n", st.Steps, st.WarmupCandles, st.SkippedSteps, st.EvalFailures)
	if res.OpenPosition != nil {
		p := res.OpenPosition
		fmt.Printf("  期末持仓:   %s @ %s，浮盈 %s\n", p.Amount.StringFixed(6), p.MarkPrice.StringFixed(4), p.UnrealizedPnL.StringFixed(2))
	}
	if res.Degraded() {
		fmt.Printf("  [降级] %d 条诊断信息，详见 runs/%s/diagnostics\n", len(res.Diagnostics), res.ID)
	}
	fmt.Println(strings.Repeat("=", 60))
}

func printPortfolio(p metrics.Portfolio) {
	fmt.Println(strings.Repeat("=", 78))
	fmt.Printf("%-12s %-28s %8s %10s %9s %12s\n", "SYMBOL", "STRATEGY", "TRADES", "WIN%", "ROI%", "FINAL")
	fmt.Println(strings.Repeat("-", 78))
	for _, row := range p.Rows {
		if row.Error != "" {
			fmt.Printf("%-12s %-28s  失败: %s\n", row.Symbol, row.Strategy, row.Error)
			continue
		}
		s := row.Summary
		fmt.Printf("%-12s %-28s %8d %9.1f%% %8.2f%% %12.2f\n", row.Symbol, row.Strategy, s.TotalTrades, s.WinRate, s.ROIPct, s.FinalEquity)
	}
	fmt.Println(strings.Repeat("-", 78))
	fmt.Printf("%d 个 run 完成，%d 个失败；投入 %.2f，期末 %.2f，收益 %.2f (%.2f%%)，胜率 %.1f%%\n",
		p.Runs, p.Failed, p.TotalInvested, p.TotalFinal, p.TotalProfit, p.TotalROIPct, p.WinRate)
	fmt.Println(strings.Repeat("=", 78))
}
