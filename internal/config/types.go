package config

import "strings"

// Config 是 backlab 的主配置载体。
type Config struct {
	App        AppConfig        `toml:"app"`
	Data       DataConfig       `toml:"data"`
	Backtest   BacktestConfig   `toml:"backtest"`
	Strategies StrategiesConfig `toml:"strategies"`
	Models     ModelsConfig     `toml:"models"`
	Scan       ScanConfig       `toml:"scan"`
}

type AppConfig struct {
	Env      string `toml:"env"`
	LogLevel string `toml:"log_level"`
	LogPath  string `toml:"log_path"`
	HTTPAddr string `toml:"http_addr"`
}

// DataConfig 数据与产物目录。
type DataConfig struct {
	CandleDir string `toml:"candle_dir"`
	ResultsDB string `toml:"results_db"`
	ExportDir string `toml:"export_dir"`
}

// BacktestConfig 是单次 run 的默认参数，请求可逐项覆盖。
type BacktestConfig struct {
	InitialCapital float64 `toml:"initial_capital"`
	CommissionRate float64 `toml:"commission_rate"`
	MinTradeSize   float64 `toml:"min_trade_size"`
	EndPolicy      string  `toml:"end_policy"`
	Timeframe      string  `toml:"timeframe"`
	Workers        int     `toml:"workers"`
	RecordSignals  bool    `toml:"record_signals"`
}

type StrategiesConfig struct {
	PresetsPath string `toml:"presets_path"`
	Watch       bool   `toml:"watch"`
}

// ModelsConfig 分类器模型文件；为空时 classifier 策略不可用。
type ModelsConfig struct {
	ClassifierPath string `toml:"classifier_path"`
}

// ScanConfig 描述 scan 命令的默认标的集合。
// 只给 Symbols 时所有标的共用 --strategy；给 Groups 时每组使用自己的策略。
type ScanConfig struct {
	Symbols []string    `toml:"symbols"`
	Groups  []ScanGroup `toml:"groups"`
}

type ScanGroup struct {
	Name     string         `toml:"name"`
	Strategy string         `toml:"strategy"`
	Params   map[string]any `toml:"params"`
	Symbols  []string       `toml:"symbols"`
}

// Hybrid 表示配置了分组扫描。
func (s ScanConfig) Hybrid() bool { return len(s.Groups) > 0 }

// keySet 用于追踪配置文件中显式设置的字段路径。
type keySet map[string]struct{}

func (k keySet) mark(path string) {
	path = strings.ToLower(strings.TrimSpace(path))
	if path == "" {
		return
	}
	k[path] = struct{}{}
}

func (k keySet) isSet(path string) bool {
	if len(k) == 0 {
		return false
	}
	path = strings.ToLower(strings.TrimSpace(path))
	if path == "" {
		return false
	}
	_, ok := k[path]
	return ok
}

// fieldDefault 描述单个字段的默认值设置规则。
type fieldDefault struct {
	key   string
	need  func() bool
	apply func()
}
