package indicator

import (
	"math"

	talib "github.com/markcheno/go-talib"
)

// Func 是一个逐点对齐的序列指标：out[i] 只应依赖 in[0..i]。
type Func func(in []float64) []float64

// SMA 简单均线；不足 period 的位置为 NaN。
func SMA(period int) Func {
	return func(in []float64) []float64 {
		if period <= 0 || len(in) < period {
			return nanSeries(len(in))
		}
		return maskWarmup(talib.Sma(in, period), period-1)
	}
}

// EMA 指数均线，以首个 period 的 SMA 作为种子。
func EMA(period int) Func {
	return func(in []float64) []float64 {
		if period <= 0 || len(in) < period {
			return nanSeries(len(in))
		}
		return maskWarmup(talib.Ema(in, period), period-1)
	}
}

// RSI Wilder 平滑的相对强弱指数。
func RSI(period int) Func {
	return func(in []float64) []float64 {
		if period <= 0 || len(in) <= period {
			return nanSeries(len(in))
		}
		return maskWarmup(talib.Rsi(in, period), period)
	}
}

// ROC 变化率（百分比）。
func ROC(period int) Func {
	return func(in []float64) []float64 {
		if period <= 0 || len(in) <= period {
			return nanSeries(len(in))
		}
		return maskWarmup(talib.Roc(in, period), period)
	}
}

// MACDHist 返回 MACD 柱（macd - signal）。
func MACDHist(fast, slow, signal int) Func {
	return func(in []float64) []float64 {
		_, _, hist := MACD(in, fast, slow, signal)
		return hist
	}
}

// MACD 返回 macd/signal/hist 三条线，预热期为 NaN。
func MACD(in []float64, fast, slow, signal int) (macd, sig, hist []float64) {
	lookback := slow + signal - 2
	if fast <= 0 || slow <= fast || signal <= 0 || len(in) <= lookback {
		n := len(in)
		return nanSeries(n), nanSeries(n), nanSeries(n)
	}
	m, s, h := talib.Macd(in, fast, slow, signal)
	return maskWarmup(m, lookback), maskWarmup(s, lookback), maskWarmup(h, lookback)
}

// BBands 返回上/中/下轨（SMA 中轨）。
func BBands(in []float64, period int, dev float64) (upper, middle, lower []float64) {
	if period <= 1 || len(in) < period {
		n := len(in)
		return nanSeries(n), nanSeries(n), nanSeries(n)
	}
	u, m, l := talib.BBands(in, period, dev, dev, talib.SMA)
	return maskWarmup(u, period-1), maskWarmup(m, period-1), maskWarmup(l, period-1)
}

// ATR 平均真实波幅。
func ATR(high, low, close []float64, period int) []float64 {
	n := len(close)
	if period <= 0 || n <= period || len(high) != n || len(low) != n {
		return nanSeries(n)
	}
	return maskWarmup(talib.Atr(high, low, close, period), period)
}

// Highest 滚动最高值（talib MAX）。
func Highest(in []float64, period int) []float64 {
	if period <= 0 || len(in) < period {
		return nanSeries(len(in))
	}
	return maskWarmup(talib.Max(in, period), period-1)
}

// Lowest 滚动最低值（talib MIN）。
func Lowest(in []float64, period int) []float64 {
	if period <= 0 || len(in) < period {
		return nanSeries(len(in))
	}
	return maskWarmup(talib.Min(in, period), period-1)
}

// Last 返回序列最后一个值，空序列返回 NaN。
func Last(series []float64) float64 {
	return At(series, len(series)-1)
}

// At 返回 series[i]，越界返回 NaN。
func At(series []float64, i int) float64 {
	if i < 0 || i >= len(series) {
		return math.NaN()
	}
	return series[i]
}

// Valid 判断值是否可用（非 NaN/Inf）。
func Valid(vals ...float64) bool {
	for _, v := range vals {
		if math.IsNaN(v) || math.IsInf(v, 0) {
			return false
		}
	}
	return true
}

func nanSeries(n int) []float64 {
	out := make([]float64, n)
	for i := range out {
		out[i] = math.NaN()
	}
	return out
}

// maskWarmup 把 talib 在预热期填充的 0 改成 NaN，避免被误当成真实读数。
func maskWarmup(series []float64, warmup int) []float64 {
	out := make([]float64, len(series))
	copy(out, series)
	for i := 0; i < warmup && i < len(out); i++ {
		out[i] = math.NaN()
	}
	return out
}
