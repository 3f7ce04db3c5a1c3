package app

import (
	"context"
	"math"
	"path/filepath"
	"testing"
	"time"

	"backlab/internal/backtest"
	"backlab/internal/config"
	"backlab/internal/market"
	"backlab/internal/strategy"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testConfig(t *testing.T) *config.Config {
	t.Helper()
	dir := t.TempDir()
	cfg := config.Default()
	cfg.App.HTTPAddr = "127.0.0.1:0"
	cfg.Data.CandleDir = filepath.Join(dir, "candles")
	cfg.Data.ResultsDB = filepath.Join(dir, "results.db")
	cfg.Data.ExportDir = filepath.Join(dir, "exports")
	cfg.Strategies.PresetsPath = filepath.Join("..", "..", "configs", "strategies.yaml")
	cfg.Backtest.Timeframe = "1h"
	return cfg
}

func TestBuildWiresBacktestStack(t *testing.T) {
	cfg := testConfig(t)
	app, err := NewApp(context.Background(), cfg)
	require.NoError(t, err)
	t.Cleanup(func() { _ = app.Close() })

	bt := app.Backtest()
	require.NotNil(t, bt)
	assert.Contains(t, bt.Registry.IDs(), "sma_crossover")
	assert.True(t, bt.Defaults.InitialCapital.Equal(decimal.NewFromInt(1000)))
	assert.Equal(t, backtest.EndHold, bt.Defaults.EndPolicy)
	assert.Equal(t, "1h", bt.Defaults.Timeframe)

	_, ok := bt.Presets.Get("fast_sma")
	assert.True(t, ok)
	require.NotNil(t, app.Summary)
	assert.Equal(t, "sma_crossover", app.Summary.Presets["fast_sma"])

	series := make([]market.Candle, 120)
	start := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC).UnixMilli()
	for i := range series {
		p := 100 + 10*math.Sin(float64(i)/6)
		ts := start + int64(i)*int64(time.Hour/time.Millisecond)
		series[i] = market.Candle{OpenTime: ts, Open: p, High: p + 1, Low: p - 1, Close: p, Volume: 5}
	}
	_, err = app.Candles().InsertCandles(context.Background(), "BTCUSDT", "1h", series)
	require.NoError(t, err)

	res, err := bt.RunStrategy(context.Background(), backtest.Request{Symbol: "BTCUSDT", Strategy: "fast_sma"})
	require.NoError(t, err)
	assert.Equal(t, "fast_sma(sma_crossover)", res.Config.Strategy)

	stored, err := app.Results().GetRun(context.Background(), res.ID)
	require.NoError(t, err)
	assert.Equal(t, res.ID, stored.ID)
}

func TestBuildWithoutPresetsFile(t *testing.T) {
	cfg := testConfig(t)
	cfg.Strategies.PresetsPath = filepath.Join(t.TempDir(), "missing.yaml")
	app, err := NewApp(context.Background(), cfg)
	require.NoError(t, err)
	t.Cleanup(func() { _ = app.Close() })

	assert.Nil(t, app.Backtest().Presets)
	assert.Empty(t, app.Summary.Presets)
}

func TestBuildRejectsBadInputs(t *testing.T) {
	cfg := testConfig(t)
	cfg.Backtest.EndPolicy = "liquidate"
	_, err := NewAppBuilder(cfg).Build(context.Background())
	assert.ErrorIs(t, err, backtest.ErrInvalidConfig)

	cfg = testConfig(t)
	cfg.Models.ClassifierPath = filepath.Join(t.TempDir(), "nope.json")
	_, err = NewAppBuilder(cfg).Build(context.Background())
	assert.Error(t, err)

	_, err = NewApp(context.Background(), nil)
	assert.Error(t, err)
}

func TestWithPredictorEnablesClassifier(t *testing.T) {
	cfg := testConfig(t)
	called := false
	model := strategy.PredictorFunc(func([]float64) (float64, error) {
		called = true
		return 0.5, nil
	})
	app, err := NewAppBuilder(cfg, WithPredictor(model)).Build(context.Background())
	require.NoError(t, err)
	t.Cleanup(func() { _ = app.Close() })

	_, _, _, err = app.Backtest().BuildSource("classifier", nil)
	require.NoError(t, err)
	assert.False(t, called)
}

func TestScanGroupsFromConfig(t *testing.T) {
	sc := config.ScanConfig{Groups: []config.ScanGroup{
		{Name: "majors", Strategy: "ema_trend", Symbols: []string{"BTCUSDT", "ETHUSDT"}},
		{Name: "alts", Strategy: "oversold_bounce", Params: map[string]any{"oversold": 20}, Symbols: []string{"SOLUSDT"}},
	}}
	groups := scanGroups(sc)
	require.Len(t, groups, 2)
	assert.Equal(t, "ema_trend", groups[0].Strategy)
	assert.Equal(t, []string{"BTCUSDT", "ETHUSDT"}, groups[0].Symbols)
	assert.Equal(t, 20, groups[1].Params["oversold"])

	reqs := backtest.ExpandGroups(backtest.Request{}, groups)
	assert.Len(t, reqs, 3)
	assert.Nil(t, scanGroups(config.ScanConfig{}))
}
