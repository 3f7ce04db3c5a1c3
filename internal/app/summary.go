package app

import (
	"context"
	"fmt"
	"sort"
	"strings"

	"backlab/internal/config"
	"backlab/internal/logger"
	"backlab/internal/signal"
	"backlab/internal/store/candles"
	"backlab/internal/strategy"
)

type StartupSummary struct {
	Data       DataSummary
	Backtest   BacktestSummary
	Strategies []string
	Presets    map[string]string
	ScanGroups map[string]ScanGroupDetail
}

type DataSummary struct {
	CandleDir string
	ResultsDB string
	Datasets  []string
}

type BacktestSummary struct {
	InitialCapital float64
	CommissionRate float64
	MinTradeSize   float64
	EndPolicy      string
	Timeframe      string
	Workers        int
	HTTPAddr       string
}

type ScanGroupDetail struct {
	Strategy string
	Symbols  []string
}

func buildSummary(ctx context.Context, cfg *config.Config, reg *signal.Registry, presets *strategy.Presets, cs *candles.Store) *StartupSummary {
	s := &StartupSummary{
		Data: DataSummary{
			CandleDir: cfg.Data.CandleDir,
			ResultsDB: cfg.Data.ResultsDB,
		},
		Backtest: BacktestSummary{
			InitialCapital: cfg.Backtest.InitialCapital,
			CommissionRate: cfg.Backtest.CommissionRate,
			MinTradeSize:   cfg.Backtest.MinTradeSize,
			EndPolicy:      cfg.Backtest.EndPolicy,
			Timeframe:      cfg.Backtest.Timeframe,
			Workers:        cfg.Backtest.Workers,
			HTTPAddr:       cfg.App.HTTPAddr,
		},
		Strategies: reg.IDs(),
		Presets:    make(map[string]string),
		ScanGroups: make(map[string]ScanGroupDetail),
	}
	for _, p := range presets.List() {
		s.Presets[p.ID] = p.Strategy
	}
	for _, g := range cfg.Scan.Groups {
		s.ScanGroups[g.Name] = ScanGroupDetail{Strategy: g.Strategy, Symbols: g.Symbols}
	}
	if cs != nil {
		manifests, err := cs.ListManifests(ctx)
		if err != nil {
			logger.Warnf("[app] 读取数据清单失败: %v", err)
		}
		for _, m := range manifests {
			s.Data.Datasets = append(s.Data.Datasets, fmt.Sprintf("%s/%s(%d)", m.Symbol, m.Timeframe, m.Rows))
		}
	}
	return s
}

func (s *StartupSummary) Print() {
	fmt.Println(strings.Repeat("=", 80))
	fmt.Printf("%*s\n", 40+len("启动配置摘要 (STARTUP SUMMARY)")/2, "启动配置摘要 (STARTUP SUMMARY)")
	fmt.Println(strings.Repeat("=", 80))

	fmt.Println("[数据 (DATA)]")
	fmt.Printf("  K线目录: %s\n", s.Data.CandleDir)
	fmt.Printf("  结果库: %s\n", s.Data.ResultsDB)
	fmt.Printf("  数据集: %s\n", formatList(s.Data.Datasets))
	fmt.Println()

	fmt.Println("[回测默认值 (BACKTEST DEFAULTS)]")
	fmt.Printf("  初始资金: %.2f\n", s.Backtest.InitialCapital)
	fmt.Printf("  手续费率: %.4f\n", s.Backtest.CommissionRate)
	fmt.Printf("  最小交易额: %.2f\n", s.Backtest.MinTradeSize)
	fmt.Printf("  收尾策略: %s\n", s.Backtest.EndPolicy)
	fmt.Printf("  默认周期: %s\n", s.Backtest.Timeframe)
	fmt.Printf("  并发数: %d\n", s.Backtest.Workers)
	fmt.Printf("  HTTP: %s\n", s.Backtest.HTTPAddr)
	fmt.Println()

	fmt.Println("[策略 (STRATEGIES)]")
	fmt.Printf("  内置: %s\n", formatList(s.Strategies))
	if len(s.Presets) == 0 {
		fmt.Println("  预设: (无)")
	} else {
		for _, id := range sortedKeys(s.Presets) {
			fmt.Printf("  > %s -> %s\n", id, s.Presets[id])
		}
	}
	fmt.Println()

	fmt.Println("[扫描分组 (SCAN GROUPS)]")
	if len(s.ScanGroups) == 0 {
		fmt.Println("  (无配置)")
	} else {
		names := make([]string, 0, len(s.ScanGroups))
		for name := range s.ScanGroups {
			names = append(names, name)
		}
		sort.Strings(names)
		for _, name := range names {
			g := s.ScanGroups[name]
			fmt.Printf("  > %s (策略: %s)\n", name, g.Strategy)
			fmt.Printf("    标的: %s\n", formatList(g.Symbols))
		}
	}
	fmt.Println(strings.Repeat("=", 80))
}

func sortedKeys(m map[string]string) []string {
	out := make([]string, 0, len(m))
	for k := range m {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}

func formatList(items []string) string {
	if len(items) == 0 {
		return "-"
	}
	return strings.Join(items, ", ")
}
