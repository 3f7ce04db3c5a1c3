package metrics

import (
	"testing"

	"backlab/internal/ledger"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
)

func d(s string) decimal.Decimal { return decimal.RequireFromString(s) }

func trade(pnl string) ledger.Trade {
	p := d(pnl)
	return ledger.Trade{PnL: p, IsWin: p.IsPositive()}
}

func TestSummarize(t *testing.T) {
	trades := []ledger.Trade{trade("100"), trade("-50"), trade("0"), trade("30")}
	s := Summarize(trades, d("1000"), d("1080"), nil)
	assert.Equal(t, 4, s.TotalTrades)
	assert.Equal(t, 2, s.Wins)
	assert.Equal(t, 2, s.Losses)
	assert.InDelta(t, 50.0, s.WinRate, 1e-12)
	assert.InDelta(t, 130.0, s.GrossProfit, 1e-12)
	assert.InDelta(t, 50.0, s.GrossLoss, 1e-12)
	assert.InDelta(t, 2.6, s.ProfitFactor, 1e-12)
	assert.InDelta(t, 8.0, s.ROIPct, 1e-12)
	assert.InDelta(t, 80.0, s.NetProfit, 1e-12)
}

func TestSummarizeEdges(t *testing.T) {
	empty := Summarize(nil, d("1000"), d("1000"), nil)
	assert.Equal(t, 0, empty.TotalTrades)
	assert.Equal(t, 0.0, empty.WinRate)
	assert.Equal(t, 0.0, empty.ProfitFactor)
	assert.Equal(t, 0.0, empty.ROIPct)

	allWins := Summarize([]ledger.Trade{trade("10")}, d("100"), d("110"), nil)
	assert.Equal(t, ProfitFactorSentinel, allWins.ProfitFactor)

	zeroCapital := Summarize(nil, decimal.Zero, decimal.Zero, nil)
	assert.Equal(t, 0.0, zeroCapital.ROIPct)
}

func TestSummarizeIsIdempotent(t *testing.T) {
	trades := []ledger.Trade{trade("12.5"), trade("-3")}
	curve := []decimal.Decimal{d("100"), d("110"), d("99"), d("109.5")}
	first := Summarize(trades, d("100"), d("109.5"), curve)
	second := Summarize(trades, d("100"), d("109.5"), curve)
	assert.Equal(t, first, second)
	assert.True(t, trades[1].PnL.Equal(d("-3")))
}

func TestMaxDrawdownPct(t *testing.T) {
	curve := []decimal.Decimal{d("100"), d("120"), d("90"), d("130"), d("117")}
	assert.InDelta(t, 25.0, MaxDrawdownPct(curve), 1e-9)
	assert.Equal(t, 0.0, MaxDrawdownPct(nil))
	assert.Equal(t, 0.0, MaxDrawdownPct([]decimal.Decimal{d("1"), d("2"), d("3")}))
}

func TestAggregate(t *testing.T) {
	rows := []SymbolSummary{
		{Symbol: "AAA", Summary: Summary{InitialCapital: 1000, FinalEquity: 1200, TotalTrades: 2, Wins: 1}},
		{Symbol: "BBB", Summary: Summary{InitialCapital: 1000, FinalEquity: 900, TotalTrades: 2, Wins: 2}},
		{Symbol: "CCC", Error: "no candles"},
	}
	rows[0].Summary.ROIPct = 20
	rows[1].Summary.ROIPct = -10
	p := Aggregate(rows)
	assert.Equal(t, 2, p.Runs)
	assert.Equal(t, 1, p.Failed)
	assert.InDelta(t, 2000.0, p.TotalInvested, 1e-9)
	assert.InDelta(t, 100.0, p.TotalProfit, 1e-9)
	assert.InDelta(t, 5.0, p.TotalROIPct, 1e-9)
	assert.InDelta(t, 75.0, p.WinRate, 1e-9)
	assert.Equal(t, []string{"AAA", "BBB", "CCC"}, []string{p.Rows[0].Symbol, p.Rows[1].Symbol, p.Rows[2].Symbol})
}
