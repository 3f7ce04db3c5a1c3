package config

import (
	"strings"
)

// 默认值常量
const (
	defaultAppEnv         = "dev"
	defaultAppLogLevel    = "info"
	defaultAppHTTPAddr    = ":9991"
	defaultCandleDir      = "data/candles"
	defaultResultsDB      = "data/results.db"
	defaultExportDir      = "data/exports"
	defaultInitialCapital = 1000
	defaultCommissionRate = 0.001
	defaultMinTradeSize   = 10
	defaultEndPolicy      = "hold"
	defaultTimeframe      = "1d"
	defaultWorkers        = 4
	defaultPresetsPath    = "configs/strategies.yaml"
	defaultConfigPath     = "configs/config.yaml"
	configPathEnv         = "BACKLAB_CONFIG"
)

// applyDefaults 为所有子配置应用默认值。
func (c *Config) applyDefaults(keys keySet) {
	c.App.applyDefaults(keys)
	c.Data.applyDefaults(keys)
	c.Backtest.applyDefaults(keys)
	c.Strategies.applyDefaults(keys)
}

func (a *AppConfig) applyDefaults(keys keySet) {
	if a == nil {
		return
	}
	applyFieldDefaults(keys,
		stringFieldDefault("app.env", &a.Env, defaultAppEnv),
		stringFieldDefault("app.log_level", &a.LogLevel, defaultAppLogLevel),
		stringFieldDefault("app.http_addr", &a.HTTPAddr, defaultAppHTTPAddr),
	)
}

func (d *DataConfig) applyDefaults(keys keySet) {
	if d == nil {
		return
	}
	applyFieldDefaults(keys,
		stringFieldDefault("data.candle_dir", &d.CandleDir, defaultCandleDir),
		stringFieldDefault("data.results_db", &d.ResultsDB, defaultResultsDB),
		stringFieldDefault("data.export_dir", &d.ExportDir, defaultExportDir),
	)
}

// 数值字段只在文件未显式设置时补默认值，因此 commission_rate: 0 会被保留。
func (b *BacktestConfig) applyDefaults(keys keySet) {
	if b == nil {
		return
	}
	applyFieldDefaults(keys,
		floatFieldDefault("backtest.initial_capital", &b.InitialCapital, defaultInitialCapital),
		floatFieldDefault("backtest.commission_rate", &b.CommissionRate, defaultCommissionRate),
		floatFieldDefault("backtest.min_trade_size", &b.MinTradeSize, defaultMinTradeSize),
		stringFieldDefault("backtest.end_policy", &b.EndPolicy, defaultEndPolicy),
		stringFieldDefault("backtest.timeframe", &b.Timeframe, defaultTimeframe),
		fieldDefault{
			key:   "backtest.workers",
			need:  func() bool { return b.Workers <= 0 },
			apply: func() { b.Workers = defaultWorkers },
		},
	)
}

func (s *StrategiesConfig) applyDefaults(keys keySet) {
	if s == nil {
		return
	}
	applyFieldDefaults(keys,
		stringFieldDefault("strategies.presets_path", &s.PresetsPath, defaultPresetsPath),
	)
}

// Helper functions

func applyFieldDefaults(keys keySet, defs ...fieldDefault) {
	for _, def := range defs {
		if def.apply == nil {
			continue
		}
		if def.key != "" && keys.isSet(def.key) {
			continue
		}
		if def.need != nil && !def.need() {
			continue
		}
		def.apply()
	}
}

func stringFieldDefault(key string, target *string, def string) fieldDefault {
	return fieldDefault{
		key: key,
		need: func() bool {
			return target != nil && strings.TrimSpace(*target) == ""
		},
		apply: func() {
			if target != nil {
				*target = def
			}
		},
	}
}

func floatFieldDefault(key string, target *float64, def float64) fieldDefault {
	return fieldDefault{
		key:  key,
		need: func() bool { return target != nil && *target == 0 },
		apply: func() {
			if target != nil {
				*target = def
			}
		},
	}
}
