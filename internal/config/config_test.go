package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeFile(t *testing.T, dir, name, body string) string {
	t.Helper()
	path := filepath.Join(dir, name)
	require.NoError(t, os.WriteFile(path, []byte(body), 0o644))
	return path
}

func TestLoadAppliesDefaultsOnlyForUnsetKeys(t *testing.T) {
	dir := t.TempDir()
	path := writeFile(t, dir, "config.yaml", `
app:
  log_level: debug
backtest:
  commission_rate: 0
  end_policy: close
  timeframe: 1h
scan:
  groups:
    - name: trend
      strategy: ema_trend
      symbols: [BTCUSDT, ETHUSDT]
    - name: revert
      strategy: mean_reversion
      params:
        rsi_period: 7
      symbols: [SOLUSDT]
`)
	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, "debug", cfg.App.LogLevel)
	assert.Equal(t, defaultAppHTTPAddr, cfg.App.HTTPAddr)
	assert.Equal(t, 0.0, cfg.Backtest.CommissionRate)
	assert.Equal(t, float64(defaultInitialCapital), cfg.Backtest.InitialCapital)
	assert.Equal(t, float64(defaultMinTradeSize), cfg.Backtest.MinTradeSize)
	assert.Equal(t, "close", cfg.Backtest.EndPolicy)
	assert.Equal(t, "1h", cfg.Backtest.Timeframe)
	assert.Equal(t, defaultWorkers, cfg.Backtest.Workers)
	assert.Equal(t, defaultPresetsPath, cfg.Strategies.PresetsPath)

	require.True(t, cfg.Scan.Hybrid())
	require.Len(t, cfg.Scan.Groups, 2)
	assert.Equal(t, []string{"BTCUSDT", "ETHUSDT"}, cfg.Scan.Groups[0].Symbols)
	assert.Equal(t, 7, cfg.Scan.Groups[1].Params["rsi_period"])
}

func TestLoadIncludes(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, dir, "base.yaml", `
backtest:
  initial_capital: 5000
  workers: 2
data:
  candle_dir: /tmp/candles
`)
	path := writeFile(t, dir, "config.yaml", `
include:
  - base.yaml
backtest:
  workers: 8
`)
	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, 5000.0, cfg.Backtest.InitialCapital)
	assert.Equal(t, 8, cfg.Backtest.Workers)
	assert.Equal(t, "/tmp/candles", cfg.Data.CandleDir)
	assert.Equal(t, defaultResultsDB, cfg.Data.ResultsDB)
}

func TestLoadDetectsIncludeCycle(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, dir, "a.yaml", "include: [b.yaml]\n")
	writeFile(t, dir, "b.yaml", "include: [a.yaml]\n")
	_, err := Load(filepath.Join(dir, "a.yaml"))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "include cycle")
}

func TestValidation(t *testing.T) {
	tests := []struct {
		name string
		body string
		want string
	}{
		{"bad capital", "backtest:\n  initial_capital: -1\n", "initial_capital"},
		{"bad commission", "backtest:\n  commission_rate: 1.5\n", "commission_rate"},
		{"bad end policy", "backtest:\n  end_policy: liquidate\n", "end_policy"},
		{"bad timeframe", "backtest:\n  timeframe: 3h\n", "timeframe"},
		{"bad log level", "app:\n  log_level: loud\n", "log_level"},
		{"group without strategy", "scan:\n  groups:\n    - name: x\n      symbols: [BTCUSDT]\n", "missing strategy"},
		{"group without symbols", "scan:\n  groups:\n    - name: x\n      strategy: macd\n", "at least one symbol"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			path := writeFile(t, t.TempDir(), "config.yaml", tt.body)
			_, err := Load(path)
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.want)
		})
	}
}

func TestResolvePathAndDefaults(t *testing.T) {
	t.Setenv(configPathEnv, "")
	path, explicit := ResolvePath("")
	assert.Equal(t, defaultConfigPath, path)
	assert.False(t, explicit)

	t.Setenv(configPathEnv, "/etc/backlab.yaml")
	path, explicit = ResolvePath("")
	assert.Equal(t, "/etc/backlab.yaml", path)
	assert.True(t, explicit)

	path, _ = ResolvePath("custom.yaml")
	assert.Equal(t, "custom.yaml", path)

	cfg := Default()
	assert.Equal(t, defaultEndPolicy, cfg.Backtest.EndPolicy)
	assert.Equal(t, defaultCommissionRate, cfg.Backtest.CommissionRate)
	assert.NoError(t, validate(cfg))

	_, _, err := LoadOrDefault(filepath.Join(t.TempDir(), "missing.yaml"))
	assert.Error(t, err)
}
