package export

import (
	"bytes"
	"encoding/csv"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"backlab/internal/backtest"
	"backlab/internal/market"
	"backlab/internal/metrics"
	"backlab/internal/signal"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const day = int64(24 * 60 * 60 * 1000)

func fixture(t *testing.T, closes ...float64) (*backtest.Result, market.Series) {
	t.Helper()
	candles := make(market.Series, len(closes))
	for i, c := range closes {
		ts := 1_704_067_200_000 + int64(i)*day // 2024-01-01
		candles[i] = market.Candle{OpenTime: ts, CloseTime: ts + day - 1, Open: c, High: c, Low: c, Close: c, Volume: 1}
	}
	src := signal.SourceFunc(func(w market.Series) (signal.Signal, error) {
		switch len(w) {
		case 2:
			return signal.NewSignal(signal.Buy, "").WithConfidence(0.65).WithRegime("bull"), nil
		case 3:
			return signal.NewSignal(signal.Sell, ""), nil
		case 4:
			return signal.NewSignal(signal.Buy, ""), nil
		}
		return signal.NeutralSignal(""), nil
	})
	res, err := backtest.Run(candles, src, backtest.Config{
		Symbol:         "BTCUSDT",
		Timeframe:      "1d",
		Strategy:       "scripted",
		InitialCapital: decimal.NewFromInt(1000),
	})
	require.NoError(t, err)
	return res, candles
}

func TestWriteTrades(t *testing.T) {
	res, _ := fixture(t, 100, 110, 120, 90, 95)
	var buf bytes.Buffer
	require.NoError(t, WriteTrades(&buf, Rows(res, nil)))

	records, err := csv.NewReader(&buf).ReadAll()
	require.NoError(t, err)
	require.Len(t, records, 5)
	assert.Equal(t, TradeLogHeader, records[0])

	assert.Equal(t, []string{"2024-01-02 00:00:00", "BTCUSDT", "BUY", "110", "9.09090909", "0.00", "0.6500", "bull"}, records[1])
	assert.Equal(t, "SELL", records[2][2])
	assert.Equal(t, "1090.91", records[2][5])
	assert.Equal(t, "", records[2][6])
	assert.Equal(t, "BUY", records[3][2])
	assert.Equal(t, "HOLD (End)", records[4][2])
	assert.Equal(t, "2024-01-05 00:00:00", records[4][0])
	assert.Equal(t, "end", records[4][7])
}

func TestWritePortfolio(t *testing.T) {
	a, _ := fixture(t, 100, 110, 120, 90, 95)
	p := metrics.Aggregate([]metrics.SymbolSummary{
		{Symbol: "BTCUSDT", Strategy: "scripted", Summary: a.Summary},
		{Symbol: "ETHUSDT", Strategy: "scripted", Error: "no data"},
	})
	var buf bytes.Buffer
	require.NoError(t, WritePortfolio(&buf, p))
	records, err := csv.NewReader(&buf).ReadAll()
	require.NoError(t, err)
	require.Len(t, records, 4)
	assert.Equal(t, PortfolioHeader, records[0])
	assert.Equal(t, "BTCUSDT", records[1][0])
	assert.Equal(t, "no data", records[2][8])
	assert.Equal(t, "TOTAL", records[3][0])
	assert.Equal(t, "1 runs/1 failed", records[3][1])
}

func TestRenderChart(t *testing.T) {
	res, candles := fixture(t, 100, 110, 120, 90, 95)
	var buf bytes.Buffer
	require.NoError(t, RenderChart(&buf, ChartInput{Result: res, Candles: candles}))
	html := buf.String()
	assert.Contains(t, html, "echarts")
	assert.Contains(t, html, "Equity")
	assert.Contains(t, html, "BTCUSDT 1d")

	path := filepath.Join(t.TempDir(), "out", "chart.html")
	require.NoError(t, RenderChartFile(path, ChartInput{Result: res}))
	raw, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.True(t, strings.Contains(string(raw), "Equity"))

	assert.Error(t, RenderChart(&buf, ChartInput{}))
	assert.Error(t, RenderChart(&buf, ChartInput{Result: &backtest.Result{ID: "x"}}))
}

func TestWriteTradesFile(t *testing.T) {
	res, _ := fixture(t, 100, 110, 120)
	path := filepath.Join(t.TempDir(), "nested", "trades.csv")
	require.NoError(t, WriteTradesFile(path, Rows(res)))
	raw, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.True(t, strings.HasPrefix(string(raw), "Date,Symbol,Action,Price,Amount,Balance,Confidence,Mode\n"))
}
