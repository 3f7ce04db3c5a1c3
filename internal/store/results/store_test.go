package results

import (
	"context"
	"math"
	"path/filepath"
	"testing"

	"backlab/internal/backtest"
	"backlab/internal/market"
	"backlab/internal/signal"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newStore(t *testing.T) *Store {
	t.Helper()
	s, err := NewStore(filepath.Join(t.TempDir(), "results.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func runFixture(t *testing.T, symbol string, policy backtest.EndPolicy) *backtest.Result {
	t.Helper()
	closes := []float64{100, 110, 120, 90, 95, 130}
	candles := make(market.Series, len(closes))
	for i, c := range closes {
		ts := int64(i+1) * 60_000
		candles[i] = market.Candle{OpenTime: ts, CloseTime: ts + 59_999, Open: c, High: c, Low: c, Close: c, Volume: 1}
	}
	candles[4].Close = math.NaN()
	src := signal.SourceFunc(func(w market.Series) (signal.Signal, error) {
		switch len(w) {
		case 2:
			return signal.NewSignal(signal.Buy, "").WithConfidence(0.7).WithRegime("bull"), nil
		case 3:
			return signal.NewSignal(signal.Sell, ""), nil
		case 4:
			return signal.NewSignal(signal.Buy, ""), nil
		}
		return signal.NeutralSignal(""), nil
	})
	res, err := backtest.Run(candles, src, backtest.Config{
		Symbol:         symbol,
		Timeframe:      "1m",
		Strategy:       "scripted",
		Params:         map[string]any{"k": 1},
		InitialCapital: decimal.NewFromInt(1000),
		CommissionRate: decimal.RequireFromString("0.001"),
		EndPolicy:      policy,
	})
	require.NoError(t, err)
	return res
}

func TestSaveAndLoadResult(t *testing.T) {
	s := newStore(t)
	ctx := context.Background()
	res := runFixture(t, "BTCUSDT", backtest.EndHold)
	require.True(t, res.OpenAtEnd)
	require.NoError(t, s.SaveResult(ctx, res))

	rec, err := s.GetRun(ctx, res.ID)
	require.NoError(t, err)
	assert.Equal(t, "BTCUSDT", rec.Symbol)
	assert.Equal(t, StatusDegraded, rec.Status)
	assert.Equal(t, res.Summary, rec.Summary)
	assert.Equal(t, res.Stats, rec.Stats)
	assert.True(t, rec.Config.InitialCapital.Equal(decimal.NewFromInt(1000)))
	assert.Equal(t, backtest.EndHold, rec.Config.EndPolicy)
	assert.Equal(t, float64(1), rec.Config.Params["k"])
	require.NotNil(t, rec.OpenPosition)
	assert.True(t, rec.OpenPosition.Amount.Equal(res.OpenPosition.Amount))
	assert.Equal(t, res.Equity[0].TS, rec.StartTS)

	trades, err := s.ListTrades(ctx, res.ID)
	require.NoError(t, err)
	require.Len(t, trades, 1)
	assert.True(t, trades[0].PnL.Equal(res.Trades[0].PnL))
	assert.True(t, trades[0].Amount.Equal(res.Trades[0].Amount))

	equity, err := s.ListEquity(ctx, res.ID)
	require.NoError(t, err)
	require.Len(t, equity, len(res.Equity))
	for i := range equity {
		assert.True(t, equity[i].Equity.Equal(res.Equity[i].Equity), "point %d", i)
		assert.Equal(t, res.Equity[i].Carried, equity[i].Carried)
	}

	fills, err := s.ListFills(ctx, res.ID)
	require.NoError(t, err)
	require.Len(t, fills, len(res.Fills))
	require.NotNil(t, fills[0].Confidence)
	assert.Equal(t, 0.7, *fills[0].Confidence)
	assert.Equal(t, "bull", fills[0].Mode)
	assert.Equal(t, backtest.FillHoldEnd, fills[len(fills)-1].Kind)

	diags, err := s.ListDiagnostics(ctx, res.ID)
	require.NoError(t, err)
	require.Len(t, diags, 1)
	assert.Equal(t, backtest.DiagInvalidCandle, diags[0].Kind)

	loaded, err := s.LoadResult(ctx, res.ID)
	require.NoError(t, err)
	assert.True(t, loaded.FinalEquity.Equal(res.FinalEquity))
	assert.True(t, loaded.FinalCash.Equal(res.FinalCash))
	assert.Len(t, loaded.Fills, len(res.Fills))
}

func TestSaveIsIdempotent(t *testing.T) {
	s := newStore(t)
	ctx := context.Background()
	res := runFixture(t, "ETHUSDT", backtest.EndClose)
	require.NoError(t, s.SaveResult(ctx, res))
	require.NoError(t, s.SaveResult(ctx, res))

	trades, err := s.ListTrades(ctx, res.ID)
	require.NoError(t, err)
	assert.Len(t, trades, 2)
	assert.True(t, trades[1].Forced)

	runs, err := s.ListRuns(ctx, RunFilter{})
	require.NoError(t, err)
	assert.Len(t, runs, 1)
	assert.Nil(t, runs[0].OpenPosition)
}

func TestListRunsFiltersAndNotFound(t *testing.T) {
	s := newStore(t)
	ctx := context.Background()
	for _, sym := range []string{"BTCUSDT", "ETHUSDT", "BTCUSDT"} {
		require.NoError(t, s.SaveResult(ctx, runFixture(t, sym, backtest.EndHold)))
	}

	all, err := s.ListRuns(ctx, RunFilter{})
	require.NoError(t, err)
	assert.Len(t, all, 3)

	btc, err := s.ListRuns(ctx, RunFilter{Symbol: "btcusdt"})
	require.NoError(t, err)
	assert.Len(t, btc, 2)

	page, err := s.ListRuns(ctx, RunFilter{Limit: 1, Offset: 1})
	require.NoError(t, err)
	assert.Len(t, page, 1)

	none, err := s.ListRuns(ctx, RunFilter{Strategy: "other"})
	require.NoError(t, err)
	assert.Empty(t, none)

	_, err = s.GetRun(ctx, "missing")
	assert.ErrorIs(t, err, ErrRunNotFound)
	_, err = s.ListTrades(ctx, "missing")
	assert.ErrorIs(t, err, ErrRunNotFound)

	require.NoError(t, s.DeleteRun(ctx, btc[0].ID))
	_, err = s.GetRun(ctx, btc[0].ID)
	assert.ErrorIs(t, err, ErrRunNotFound)
	assert.ErrorIs(t, s.DeleteRun(ctx, btc[0].ID), ErrRunNotFound)

	assert.Error(t, s.SaveResult(ctx, &backtest.Result{}))
}
