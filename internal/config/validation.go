package config

import (
	"fmt"
	"strings"

	"backlab/internal/market"
)

// validate 对配置进行基础校验。
func validate(c *Config) error {
	if err := c.App.validate(); err != nil {
		return err
	}
	if err := c.Data.validate(); err != nil {
		return err
	}
	if err := c.Backtest.validate(); err != nil {
		return err
	}
	if err := c.Scan.validate(); err != nil {
		return err
	}
	return nil
}

func (a *AppConfig) validate() error {
	switch strings.ToLower(strings.TrimSpace(a.LogLevel)) {
	case "debug", "info", "warn", "warning", "error":
		return nil
	default:
		return fmt.Errorf("app.log_level must be one of debug/info/warn/error, got %q", a.LogLevel)
	}
}

func (d *DataConfig) validate() error {
	if strings.TrimSpace(d.CandleDir) == "" {
		return fmt.Errorf("data.candle_dir cannot be empty")
	}
	if strings.TrimSpace(d.ResultsDB) == "" {
		return fmt.Errorf("data.results_db cannot be empty")
	}
	return nil
}

func (b *BacktestConfig) validate() error {
	if b.InitialCapital <= 0 {
		return fmt.Errorf("backtest.initial_capital must be > 0")
	}
	if b.CommissionRate < 0 || b.CommissionRate >= 1 {
		return fmt.Errorf("backtest.commission_rate must be in [0,1)")
	}
	if b.MinTradeSize < 0 {
		return fmt.Errorf("backtest.min_trade_size must be >= 0")
	}
	switch strings.ToLower(strings.TrimSpace(b.EndPolicy)) {
	case "hold", "close", "close_no_fee":
	default:
		return fmt.Errorf("backtest.end_policy must be hold/close/close_no_fee, got %q", b.EndPolicy)
	}
	if _, err := market.ParseTimeframe(b.Timeframe); err != nil {
		return fmt.Errorf("backtest.timeframe: %w", err)
	}
	if b.Workers <= 0 {
		return fmt.Errorf("backtest.workers must be > 0")
	}
	return nil
}

func (s *ScanConfig) validate() error {
	seen := make(map[string]bool, len(s.Groups))
	for i, g := range s.Groups {
		name := strings.TrimSpace(g.Name)
		if name == "" {
			name = fmt.Sprintf("#%d", i)
		}
		if seen[name] {
			return fmt.Errorf("scan.groups: duplicate group %s", name)
		}
		seen[name] = true
		if strings.TrimSpace(g.Strategy) == "" {
			return fmt.Errorf("scan.groups.%s missing strategy", name)
		}
		if len(g.Symbols) == 0 {
			return fmt.Errorf("scan.groups.%s requires at least one symbol", name)
		}
	}
	return nil
}
