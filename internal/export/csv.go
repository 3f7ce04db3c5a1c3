package export

import (
	"encoding/csv"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"backlab/internal/backtest"
	"backlab/internal/metrics"
)

// TradeLogHeader 成交日志列，与历史 trades csv 保持一致。
var TradeLogHeader = []string{"Date", "Symbol", "Action", "Price", "Amount", "Balance", "Confidence", "Mode"}

const dateLayout = "2006-01-02 15:04:05"

// TradeRow 成交日志中的一行，期末持仓以 HOLD (End) 行出现。
type TradeRow struct {
	Symbol string
	Fill   backtest.Fill
}

// Rows 把多个 run 的成交按 run 顺序展开。
func Rows(results ...*backtest.Result) []TradeRow {
	var out []TradeRow
	for _, res := range results {
		if res == nil {
			continue
		}
		for _, f := range res.Fills {
			out = append(out, TradeRow{Symbol: res.Config.Symbol, Fill: f})
		}
	}
	return out
}

// WriteTrades 以 CSV 写出成交日志。
func WriteTrades(w io.Writer, rows []TradeRow) error {
	cw := csv.NewWriter(w)
	if err := cw.Write(TradeLogHeader); err != nil {
		return err
	}
	for _, r := range rows {
		f := r.Fill
		confidence := ""
		if f.Confidence != nil {
			confidence = strconv.FormatFloat(*f.Confidence, 'f', 4, 64)
		}
		rec := []string{
			time.UnixMilli(f.TS).UTC().Format(dateLayout),
			r.Symbol,
			string(f.Kind),
			f.Price.String(),
			f.Amount.StringFixed(8),
			f.Balance.StringFixed(2),
			confidence,
			f.Mode,
		}
		if err := cw.Write(rec); err != nil {
			return err
		}
	}
	cw.Flush()
	return cw.Error()
}

// WriteTradesFile 写到 path，必要时创建目录。
func WriteTradesFile(path string, rows []TradeRow) error {
	return writeFile(path, func(w io.Writer) error { return WriteTrades(w, rows) })
}

// PortfolioHeader 组合汇总表的列。
var PortfolioHeader = []string{"Symbol", "Strategy", "Trades", "WinRate", "ROI", "FinalEquity", "MaxDrawdown", "ProfitFactor", "Error"}

// WritePortfolio 每个 run 一行，最后追加 TOTAL 行。
func WritePortfolio(w io.Writer, p metrics.Portfolio) error {
	cw := csv.NewWriter(w)
	if err := cw.Write(PortfolioHeader); err != nil {
		return err
	}
	f2 := func(v float64) string { return strconv.FormatFloat(v, 'f', 2, 64) }
	for _, row := range p.Rows {
		s := row.Summary
		rec := []string{row.Symbol, row.Strategy, strconv.Itoa(s.TotalTrades), f2(s.WinRate), f2(s.ROIPct), f2(s.FinalEquity), f2(s.MaxDrawdownPct), f2(s.ProfitFactor), row.Error}
		if row.Error != "" {
			rec = []string{row.Symbol, row.Strategy, "", "", "", "", "", "", row.Error}
		}
		if err := cw.Write(rec); err != nil {
			return err
		}
	}
	total := []string{"TOTAL", fmt.Sprintf("%d runs/%d failed", p.Runs, p.Failed), strconv.Itoa(p.TotalTrades), f2(p.WinRate), f2(p.TotalROIPct), f2(p.TotalFinal), "", "", ""}
	if err := cw.Write(total); err != nil {
		return err
	}
	cw.Flush()
	return cw.Error()
}

func writeFile(path string, fn func(io.Writer) error) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}
	f, err := os.Create(path)
	if err != nil {
		return err
	}
	if err := fn(f); err != nil {
		_ = f.Close()
		return err
	}
	return f.Close()
}
