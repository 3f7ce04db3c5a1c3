package strategy

import (
	"backlab/internal/signal"
)

// Builtins 返回内置策略定义；classifier 绑定 model，model 为 nil 时构造会返回 ErrModelNotLoaded。
func Builtins(model Predictor) []signal.Definition {
	return []signal.Definition{
		{
			ID:          "sma_crossover",
			Description: "SMA fast/slow golden & death cross",
			Schema: objectSchema(map[string]any{
				"fast_period": intSchema(1, 10),
				"slow_period": intSchema(2, 20),
			}),
			New: NewSMACrossover,
		},
		{
			ID:          "mean_reversion",
			Description: "RSI oversold with upturn buys, overbought sells",
			Schema: objectSchema(map[string]any{
				"rsi_period": intSchema(1, 14),
				"oversold":   numberSchema(0, 100, 30),
				"overbought": numberSchema(0, 100, 70),
			}),
			New: NewMeanReversion,
		},
		{
			ID:          "dip_hunter",
			Description: "RSI dip buy, quick exit when RSI crosses take_profit_rsi",
			Schema: objectSchema(map[string]any{
				"rsi_period":      intSchema(1, 14),
				"oversold":        numberSchema(0, 100, 30),
				"take_profit_rsi": numberSchema(0, 100, 50),
			}),
			New: NewDipHunter,
		},
		{
			ID:          "macd",
			Description: "MACD line / signal line crossover",
			Schema: objectSchema(map[string]any{
				"fast":   intSchema(1, 12),
				"slow":   intSchema(2, 26),
				"signal": intSchema(1, 9),
			}),
			New: NewMACDCross,
		},
		{
			ID:          "bollinger",
			Description: "Bollinger breakout, stays out during squeeze",
			Schema: objectSchema(map[string]any{
				"bb_period":         intSchema(2, 20),
				"bb_std":            numberSchema(0.1, 10, 2),
				"squeeze_threshold": numberSchema(0, 1, 0.02),
			}),
			New: NewBollinger,
		},
		{
			ID:          "momentum",
			Description: "rate of change above threshold buys, negative sells",
			Schema: objectSchema(map[string]any{
				"roc_period": intSchema(1, 5),
				"threshold":  numberSchema(0, 1000, 2),
			}),
			New: NewMomentum,
		},
		{
			ID:          "breakout",
			Description: "close beyond prior N-bar high/low",
			Schema: objectSchema(map[string]any{
				"lookback": intSchema(1, 20),
			}),
			New: NewBreakout,
		},
		{
			ID:          "ema_trend",
			Description: "fast/slow EMA trend with entry buffer",
			Schema: objectSchema(map[string]any{
				"fast_ema":   intSchema(1, 10),
				"slow_ema":   intSchema(2, 30),
				"buffer_pct": numberSchema(0, 1, 0.01),
			}),
			New: NewEMATrend,
		},
		{
			ID:          "classifier",
			Description: "probability model over RSI/SMA ratio/MACD/ATR/returns/volume/BB features",
			Schema: objectSchema(map[string]any{
				"buy_threshold":  numberSchema(0, 1, 0.6),
				"sell_threshold": numberSchema(0, 1, 0.4),
				"regime_period":  intSchema(1, 50),
				"regime_band":    numberSchema(0, 1, 0.02),
			}),
			New: NewClassifierConstructor(model),
		},
	}
}

// RegisterBuiltins 把内置策略注册进 reg。
func RegisterBuiltins(reg *signal.Registry, model Predictor) error {
	for _, def := range Builtins(model) {
		if err := reg.Register(def); err != nil {
			return err
		}
	}
	return nil
}

// NewRegistry 返回已注册全部内置策略的注册表。
func NewRegistry(model Predictor) (*signal.Registry, error) {
	reg := signal.NewRegistry()
	if err := RegisterBuiltins(reg, model); err != nil {
		return nil, err
	}
	return reg, nil
}
