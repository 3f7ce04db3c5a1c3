package backtest

import (
	"errors"
	"math"
	"testing"

	"backlab/internal/indicator"
	"backlab/internal/ledger"
	"backlab/internal/market"
	"backlab/internal/signal"
	"backlab/internal/strategy"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func d(s string) decimal.Decimal { return decimal.RequireFromString(s) }

func series(closes ...float64) market.Series {
	out := make(market.Series, len(closes))
	for i, c := range closes {
		out[i] = market.Candle{OpenTime: int64(i), CloseTime: int64(i), Open: c, High: c, Low: c, Close: c, Volume: 1}
	}
	return out
}

// scripted 按窗口最后一根的时间戳返回预设动作，其余为 NEUTRAL。
func scripted(actions map[int64]signal.Action) signal.Source {
	return signal.SourceFunc(func(w market.Series) (signal.Signal, error) {
		last, _ := w.Last()
		if a, ok := actions[last.OpenTime]; ok {
			return signal.NewSignal(a, "scripted"), nil
		}
		return signal.NeutralSignal(""), nil
	})
}

func baseConfig() Config {
	return Config{InitialCapital: d("1000"), CommissionRate: decimal.Zero}
}

func TestRoundTripScenario(t *testing.T) {
	src := scripted(map[int64]signal.Action{1: signal.Buy, 3: signal.Sell})
	res, err := Run(series(100, 110, 120, 90), src, baseConfig())
	require.NoError(t, err)

	require.Len(t, res.Trades, 1)
	tr := res.Trades[0]
	assert.InDelta(t, 9.0909, tr.Amount.InexactFloat64(), 1e-4)
	assert.True(t, tr.EntryPrice.Equal(d("110")))
	assert.True(t, tr.ExitPrice.Equal(d("90")))
	assert.Equal(t, int64(1), tr.EntryTime)
	assert.Equal(t, int64(3), tr.ExitTime)
	assert.InDelta(t, -181.82, tr.PnL.InexactFloat64(), 0.01)
	assert.False(t, tr.IsWin)

	assert.InDelta(t, 818.18, res.FinalCash.InexactFloat64(), 0.01)
	assert.True(t, res.FinalCash.Equal(res.FinalEquity))
	assert.False(t, res.OpenAtEnd)
	assert.Equal(t, 0.0, res.Summary.WinRate)
	assert.Equal(t, 1, res.Summary.TotalTrades)
	assert.InDelta(t, -18.18, res.Summary.ROIPct, 0.01)

	require.Len(t, res.Equity, 4)
	assert.True(t, res.Equity[0].Equity.Equal(d("1000")))
	assert.InDelta(t, 1090.91, res.Equity[2].Equity.InexactFloat64(), 0.01)
	assert.True(t, res.Equity[2].InPosition)
	assert.False(t, res.Equity[3].InPosition)

	require.Len(t, res.Fills, 2)
	assert.Equal(t, FillBuy, res.Fills[0].Kind)
	assert.True(t, res.Fills[0].Balance.IsZero())
	assert.Equal(t, FillSell, res.Fills[1].Kind)
	assert.Equal(t, Stats{Steps: 4, Evaluated: 4, Buys: 1, Sells: 1}, res.Stats)
	assert.Empty(t, res.Diagnostics)
	assert.NotEmpty(t, res.ID)
}

func TestSellWhileFlatIsNoop(t *testing.T) {
	src := scripted(map[int64]signal.Action{0: signal.Sell})
	res, err := Run(series(100, 101, 102), src, baseConfig())
	require.NoError(t, err)
	assert.Empty(t, res.Trades)
	assert.True(t, res.FinalCash.Equal(d("1000")))
	assert.Equal(t, 1, res.Stats.IgnoredSignals)
	assert.Empty(t, res.Diagnostics)
}

func TestAtMostOnePosition(t *testing.T) {
	src := signal.SourceFunc(func(market.Series) (signal.Signal, error) {
		return signal.NewSignal(signal.Buy, "always"), nil
	})
	res, err := Run(series(10, 11, 12, 13, 14), src, Config{InitialCapital: d("1000"), RecordSignals: true})
	require.NoError(t, err)
	assert.Equal(t, 1, res.Stats.Buys)
	assert.Equal(t, 4, res.Stats.IgnoredSignals)
	for _, p := range res.Equity {
		assert.True(t, p.InPosition)
		assert.True(t, p.Cash.IsZero())
	}
	require.Len(t, res.Signals, 5)
	assert.Equal(t, OutcomeOpened, res.Signals[0].Outcome)
	assert.Equal(t, OutcomeIgnored, res.Signals[4].Outcome)
}

func TestEndPolicies(t *testing.T) {
	closes := []float64{100, 110, 120, 90}
	src := scripted(map[int64]signal.Action{1: signal.Buy})
	cfg := Config{InitialCapital: d("1000"), CommissionRate: d("0.01")}

	hold, err := Run(series(closes...), src, cfg)
	require.NoError(t, err)
	assert.True(t, hold.OpenAtEnd)
	require.NotNil(t, hold.OpenPosition)
	assert.True(t, hold.OpenPosition.MarkPrice.Equal(d("90")))
	assert.Empty(t, hold.Trades)
	assert.True(t, hold.FinalCash.IsZero())
	assert.True(t, hold.FinalEquity.Equal(hold.OpenPosition.Amount.Mul(d("90"))))
	assert.Equal(t, FillHoldEnd, hold.Fills[len(hold.Fills)-1].Kind)
	assert.Equal(t, "end", hold.Fills[len(hold.Fills)-1].Mode)

	cfg.EndPolicy = EndClose
	closed, err := Run(series(closes...), src, cfg)
	require.NoError(t, err)
	assert.False(t, closed.OpenAtEnd)
	require.Len(t, closed.Trades, 1)
	assert.True(t, closed.Trades[0].Forced)
	assert.True(t, closed.FinalEquity.LessThan(hold.FinalEquity))
	assert.True(t, closed.Equity[len(closed.Equity)-1].Equity.Equal(closed.FinalEquity))
	assert.Equal(t, FillCloseEnd, closed.Fills[len(closed.Fills)-1].Kind)

	cfg.EndPolicy = EndCloseNoFee
	noFee, err := Run(series(closes...), src, cfg)
	require.NoError(t, err)
	require.Len(t, noFee.Trades, 1)
	assert.True(t, noFee.FinalEquity.Equal(hold.FinalEquity))
}

func TestEndCloseRewritesTrailingCarriedPoints(t *testing.T) {
	s := series(100, 110, 120, 0)
	s[3].Close = math.NaN()
	src := scripted(map[int64]signal.Action{1: signal.Buy})
	cfg := Config{InitialCapital: d("1000"), CommissionRate: d("0.01"), EndPolicy: EndClose}

	res, err := Run(s, src, cfg)
	require.NoError(t, err)
	require.Len(t, res.Trades, 1)
	require.Len(t, res.Equity, 4)

	tail := res.Equity[3]
	assert.True(t, tail.Carried)
	assert.False(t, tail.InPosition)
	assert.True(t, tail.Equity.Equal(res.FinalEquity), "tail=%s final=%s", tail.Equity, res.FinalEquity)
	assert.True(t, res.Equity[2].Equity.Equal(res.FinalEquity))
	// 平仓前的点保持持仓估值。
	assert.True(t, res.Equity[1].InPosition)
}

func TestInsufficientCapitalSuppressesBuy(t *testing.T) {
	src := scripted(map[int64]signal.Action{0: signal.Buy})
	res, err := Run(series(100, 100), src, Config{InitialCapital: d("5")})
	require.NoError(t, err)
	assert.Empty(t, res.Trades)
	assert.Nil(t, res.OpenPosition)
	assert.True(t, res.FinalCash.Equal(d("5")))
	assert.Equal(t, 1, res.Stats.SuppressedActions)
	require.Len(t, res.Diagnostics, 1)
	assert.Equal(t, DiagSuppressedAction, res.Diagnostics[0].Kind)
	assert.ErrorIs(t, res.Diagnostics[0], ledger.ErrInsufficientCapital)

	// 自定义最小交易额为 0 时同样的资金可以开仓。
	res, err = Run(series(100, 100), src, Config{InitialCapital: d("5"), MinTradeSize: decimal.NewNullDecimal(decimal.Zero)})
	require.NoError(t, err)
	assert.True(t, res.OpenAtEnd)
}

func TestInvalidCandlesAreSkipped(t *testing.T) {
	s := series(100, 110, 120, 130, 140)
	s[2].Close = math.NaN()
	s[3].OpenTime = 1 // 乱序
	src := scripted(map[int64]signal.Action{1: signal.Buy})
	res, err := Run(s, src, baseConfig())
	require.NoError(t, err)

	assert.Equal(t, 5, res.Stats.Steps)
	assert.Equal(t, 2, res.Stats.SkippedSteps)
	assert.Equal(t, 3, res.Stats.Evaluated)
	require.Len(t, res.Diagnostics, 2)
	for _, diag := range res.Diagnostics {
		assert.Equal(t, DiagInvalidCandle, diag.Kind)
		assert.ErrorIs(t, diag, ErrInvalidCandle)
	}
	// NaN 步沿用上一资金值；乱序步不补点。
	require.Len(t, res.Equity, 4)
	assert.Equal(t, []int64{0, 1, 2, 4}, []int64{res.Equity[0].TS, res.Equity[1].TS, res.Equity[2].TS, res.Equity[3].TS})
	assert.True(t, res.Equity[2].Carried)
	assert.True(t, res.Equity[2].Equity.Equal(res.Equity[1].Equity))
	assert.True(t, res.Degraded())
	assert.True(t, res.OpenAtEnd)
}

func TestSignalFailuresTreatedAsNeutral(t *testing.T) {
	boom := errors.New("boom")
	src := signal.SourceFunc(func(w market.Series) (signal.Signal, error) {
		last, _ := w.Last()
		switch last.OpenTime {
		case 0:
			return signal.Signal{}, boom
		case 1:
			panic("model exploded")
		case 2:
			return signal.Signal{Action: "SIDEWAYS"}, nil
		case 3:
			return signal.Signal{Action: "long"}, nil
		}
		return signal.NeutralSignal(""), nil
	})
	res, err := Run(series(100, 101, 102, 103, 104), src, baseConfig())
	require.NoError(t, err)
	assert.Equal(t, 3, res.Stats.EvalFailures)
	require.Len(t, res.Diagnostics, 3)
	for i, diag := range res.Diagnostics {
		assert.Equal(t, DiagSignalFailed, diag.Kind)
		assert.Equal(t, int64(i), diag.TS)
		assert.ErrorIs(t, diag, ErrSignalFailed)
	}
	assert.ErrorIs(t, res.Diagnostics[0], boom)
	assert.Contains(t, res.Diagnostics[1].Message, "model exploded")
	assert.Equal(t, 1, res.Stats.Buys)
	assert.Len(t, res.Equity, 5)
}

func TestConfigErrors(t *testing.T) {
	src := scripted(nil)
	tests := []struct {
		name    string
		candles market.Series
		src     signal.Source
		cfg     Config
	}{
		{"empty series", nil, src, baseConfig()},
		{"nil source", series(1), nil, baseConfig()},
		{"zero capital", series(1), src, Config{}},
		{"negative commission", series(1), src, Config{InitialCapital: d("1"), CommissionRate: d("-0.1")}},
		{"commission >= 1", series(1), src, Config{InitialCapital: d("1"), CommissionRate: d("1")}},
		{"negative min trade", series(1), src, Config{InitialCapital: d("1"), MinTradeSize: decimal.NewNullDecimal(d("-1"))}},
		{"bad end policy", series(1), src, Config{InitialCapital: d("1"), EndPolicy: "liquidate"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			res, err := Run(tt.candles, tt.src, tt.cfg)
			assert.ErrorIs(t, err, ErrInvalidConfig)
			assert.Nil(t, res)
		})
	}
}

func wave(n int) market.Series {
	closes := make([]float64, n)
	for i := range closes {
		closes[i] = 100 + 15*math.Sin(float64(i)/6) + float64(i)*0.1
	}
	return series(closes...)
}

func TestNoLookahead(t *testing.T) {
	full := wave(200)
	build := func() signal.Source {
		src, err := strategy.NewSMACrossover(map[string]any{"fast_period": 5, "slow_period": 12})
		require.NoError(t, err)
		return src
	}
	cfg := baseConfig()
	cfg.RecordSignals = true
	ref, err := Run(full, build(), cfg)
	require.NoError(t, err)
	require.NotEmpty(t, ref.Trades)

	for _, cut := range []int{30, 77, 150} {
		truncated, err := Run(full[:cut+1].Clone(), build(), cfg)
		require.NoError(t, err)
		assert.Equal(t, ref.Signals[:cut+1], truncated.Signals, "cut=%d", cut)

		mutated := full.Clone()
		for i := cut + 1; i < len(mutated); i++ {
			mutated[i].Close *= 3
			mutated[i].High *= 3
			mutated[i].Low *= 3
			mutated[i].Open *= 3
		}
		alt, err := Run(mutated, build(), cfg)
		require.NoError(t, err)
		assert.Equal(t, ref.Signals[:cut+1], alt.Signals[:cut+1], "cut=%d", cut)
		for i := 0; i <= cut; i++ {
			assert.True(t, ref.Equity[i].Equity.Equal(alt.Equity[i].Equity))
		}
	}
}

func TestWindowIsCapacityCapped(t *testing.T) {
	full := wave(40)
	var lens []int
	src := signal.SourceFunc(func(w market.Series) (signal.Signal, error) {
		assert.Equal(t, len(w), cap(w))
		last, _ := w.Last()
		assert.Equal(t, int64(len(lens)), last.OpenTime)
		lens = append(lens, len(w))
		return signal.NeutralSignal(""), nil
	})
	_, err := Run(full, src, baseConfig())
	require.NoError(t, err)
	require.Len(t, lens, 40)
	for i, n := range lens {
		assert.Equal(t, i+1, n)
	}
}

// alternate 在每个波谷买入、波峰卖出，产生多笔交易。
func alternate() signal.Source {
	return signal.SourceFunc(func(w market.Series) (signal.Signal, error) {
		n := len(w)
		if n < 3 {
			return signal.NeutralSignal(""), nil
		}
		a, b, c := w[n-3].Close, w[n-2].Close, w[n-1].Close
		switch {
		case b < a && c > b:
			return signal.NewSignal(signal.Buy, "trough"), nil
		case b > a && c < b:
			return signal.NewSignal(signal.Sell, "peak"), nil
		}
		return signal.NeutralSignal(""), nil
	})
}

func TestCashConservationWithoutCommission(t *testing.T) {
	res, err := Run(wave(300), alternate(), Config{InitialCapital: d("1000"), EndPolicy: EndCloseNoFee})
	require.NoError(t, err)
	require.Greater(t, len(res.Trades), 3)

	cashBefore := d("1000")
	for i, tr := range res.Trades {
		exitValue := tr.Amount.Mul(tr.ExitPrice)
		sell := res.Fills[2*i+1]
		assert.True(t, sell.Balance.Equal(exitValue), "trade %d", i)
		delta := sell.Balance.Sub(cashBefore)
		expected := tr.Amount.Mul(tr.ExitPrice.Sub(tr.EntryPrice))
		assert.InDelta(t, expected.InexactFloat64(), delta.InexactFloat64(), 1e-9, "trade %d", i)
		cashBefore = sell.Balance
	}
}

func TestCommissionMonotonicity(t *testing.T) {
	candles := wave(300)
	var prev decimal.Decimal
	for i, rate := range []string{"0", "0.0005", "0.001", "0.01", "0.05"} {
		res, err := Run(candles, alternate(), Config{InitialCapital: d("1000"), CommissionRate: d(rate), EndPolicy: EndClose})
		require.NoError(t, err)
		require.NotEmpty(t, res.Trades)
		if i > 0 {
			assert.True(t, res.FinalEquity.LessThan(prev), "rate=%s", rate)
		}
		prev = res.FinalEquity
	}

	// 没有交易时手续费不影响结果。
	quiet := scripted(nil)
	a, err := Run(candles, quiet, Config{InitialCapital: d("1000")})
	require.NoError(t, err)
	b, err := Run(candles, quiet, Config{InitialCapital: d("1000"), CommissionRate: d("0.05")})
	require.NoError(t, err)
	assert.True(t, a.FinalEquity.Equal(b.FinalEquity))
}

func TestWarmupCandlesOnlyFeedWindow(t *testing.T) {
	var firstLen int
	src := signal.SourceFunc(func(w market.Series) (signal.Signal, error) {
		if firstLen == 0 {
			firstLen = len(w)
		}
		return signal.NeutralSignal(""), nil
	})
	cfg := baseConfig()
	cfg.StartTS = 5
	res, err := Run(wave(10), src, cfg)
	require.NoError(t, err)
	assert.Equal(t, 6, firstLen)
	assert.Equal(t, 5, res.Stats.WarmupCandles)
	assert.Equal(t, 5, res.Stats.Steps)
	require.Len(t, res.Equity, 5)
	assert.Equal(t, int64(5), res.Equity[0].TS)
}

func TestConfidenceCarriedToFills(t *testing.T) {
	src := signal.SourceFunc(func(w market.Series) (signal.Signal, error) {
		if len(w) == 2 {
			return signal.NewSignal(signal.Buy, "").WithConfidence(0.8).WithRegime("bull"), nil
		}
		return signal.NeutralSignal(""), nil
	})
	res, err := Run(series(1, 2, 3), src, Config{InitialCapital: d("100")})
	require.NoError(t, err)
	require.NotEmpty(t, res.Fills)
	require.NotNil(t, res.Fills[0].Confidence)
	assert.Equal(t, 0.8, *res.Fills[0].Confidence)
	assert.Equal(t, "bull", res.Fills[0].Mode)
}

func TestPrecomputeMatchesWindowed(t *testing.T) {
	full := wave(240)
	// 第 60 根坏掉：预计算序列必须与循环接受的 K 线逐位对齐。
	full[60].Close = math.NaN()
	for name, build := range map[string]func() (signal.Source, error){
		"sma_crossover": func() (signal.Source, error) {
			return strategy.NewSMACrossover(map[string]any{"fast_period": 5, "slow_period": 12})
		},
		"ema_trend": func() (signal.Source, error) {
			return strategy.NewEMATrend(map[string]any{"fast_ema": 5, "slow_ema": 15, "buffer_pct": 0.002})
		},
	} {
		t.Run(name, func(t *testing.T) {
			cfg := baseConfig()
			cfg.RecordSignals = true
			src, err := build()
			require.NoError(t, err)
			_, ok := src.(signal.Preparer)
			require.True(t, ok)

			fast, err := Run(full, src, cfg)
			require.NoError(t, err)
			cfg.NoPrecompute = true
			slow, err := Run(full, src, cfg)
			require.NoError(t, err)

			assert.Equal(t, slow.Signals, fast.Signals)
			assert.Equal(t, len(slow.Trades), len(fast.Trades))
			assert.True(t, slow.FinalEquity.Equal(fast.FinalEquity))
			assert.Equal(t, 1, fast.Stats.SkippedSteps)
		})
	}
}

// leakyPreparer 的预计算偷看了下一根 K 线。
type leakyPreparer struct{}

func (leakyPreparer) Evaluate(market.Series) (signal.Signal, error) {
	return signal.NeutralSignal(""), nil
}

func (leakyPreparer) Prepare(series market.Series) (signal.Source, error) {
	next := func(in []float64) []float64 {
		out := make([]float64, len(in))
		for i := range in {
			if i+1 < len(in) {
				out[i] = in[i+1]
			} else {
				out[i] = math.NaN()
			}
		}
		return out
	}
	if _, err := indicator.Precompute(series.Closes(), map[string]indicator.Func{"next": next}, 8); err != nil {
		return nil, err
	}
	return leakyPreparer{}, nil
}

func TestLeakyPrecomputeRejected(t *testing.T) {
	_, err := Run(wave(50), leakyPreparer{}, baseConfig())
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrInvalidConfig)
	assert.ErrorIs(t, err, indicator.ErrLookahead)

	cfg := baseConfig()
	cfg.NoPrecompute = true
	_, err = Run(wave(50), leakyPreparer{}, cfg)
	assert.NoError(t, err)
}
