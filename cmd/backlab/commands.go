package main

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"backlab/internal/backtest"
	"backlab/internal/export"
	"backlab/internal/market"
	"backlab/internal/signal"
	"backlab/internal/store/results"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"
)

func importCmd() *cobra.Command {
	var symbol, timeframe, file string
	cmd := &cobra.Command{
		Use:   "import",
		Short: "导入 CSV K 线到本地 candle store",
		RunE: func(cmd *cobra.Command, args []string) error {
			a, cleanup, err := openApp(cmd.Context())
			if err != nil {
				return err
			}
			defer cleanup()
			if timeframe == "" {
				timeframe = a.Config().Backtest.Timeframe
			}
			rep, err := a.Candles().ImportCSVFile(cmd.Context(), symbol, timeframe, file)
			if err != nil {
				return err
			}
			fmt.Printf("%s %s: 解析 %d 行，写入 %d，跳过 %d，缺口 %d，共 %d 根 [%s ~ %s]\n",
				rep.Symbol, rep.Timeframe, rep.Parsed, rep.Inserted, rep.Skipped, len(rep.Gaps),
				rep.Manifest.Rows, formatTS(rep.Manifest.MinTime), formatTS(rep.Manifest.MaxTime))
			return nil
		},
	}
	cmd.Flags().StringVarP(&symbol, "symbol", "s", "", "交易对，例如 BTCUSDT")
	cmd.Flags().StringVarP(&timeframe, "timeframe", "t", "", "K 线周期（默认 backtest.timeframe）")
	cmd.Flags().StringVarP(&file, "file", "f", "", "CSV 文件路径")
	_ = cmd.MarkFlagRequired("symbol")
	_ = cmd.MarkFlagRequired("file")
	return cmd
}

// runFlags 是 run/scan 共用的请求参数。
type runFlags struct {
	timeframe  string
	strategy   string
	params     string
	start      string
	end        string
	capital    float64
	commission float64
	minTrade   float64
	endPolicy  string
	signals    bool
}

func (f *runFlags) bind(cmd *cobra.Command) {
	cmd.Flags().StringVarP(&f.timeframe, "timeframe", "t", "", "K 线周期（默认 backtest.timeframe）")
	cmd.Flags().StringVar(&f.strategy, "strategy", "", "策略 id 或预设 id")
	cmd.Flags().StringVar(&f.params, "params", "", "策略参数（JSON/YAML 对象），覆盖预设")
	cmd.Flags().StringVar(&f.start, "start", "", "起始时间（毫秒/秒时间戳或 2006-01-02[ 15:04:05]）")
	cmd.Flags().StringVar(&f.end, "end", "", "结束时间")
	cmd.Flags().Float64Var(&f.capital, "capital", 0, "初始资金，覆盖 backtest.initial_capital")
	cmd.Flags().Float64Var(&f.commission, "commission", 0, "手续费率，覆盖 backtest.commission_rate")
	cmd.Flags().Float64Var(&f.minTrade, "min-trade", 0, "最小交易额，覆盖 backtest.min_trade_size")
	cmd.Flags().StringVar(&f.endPolicy, "end-policy", "", "收尾策略 hold/close/close_no_fee")
	cmd.Flags().BoolVar(&f.signals, "record-signals", false, "保存逐步信号")
}

func (f *runFlags) request(cmd *cobra.Command, recordDefault bool) (backtest.Request, error) {
	req := backtest.Request{
		Timeframe:     f.timeframe,
		Strategy:      f.strategy,
		EndPolicy:     f.endPolicy,
		RecordSignals: f.signals || recordDefault,
	}
	if strings.TrimSpace(f.params) != "" {
		params, err := parseParams(f.params)
		if err != nil {
			return req, err
		}
		req.Params = params
	}
	var err error
	if req.Start, err = parseTimeFlag(f.start); err != nil {
		return req, fmt.Errorf("--start: %w", err)
	}
	if req.End, err = parseTimeFlag(f.end); err != nil {
		return req, fmt.Errorf("--end: %w", err)
	}
	if cmd.Flags().Changed("capital") {
		req.InitialCapital = &f.capital
	}
	if cmd.Flags().Changed("commission") {
		req.CommissionRate = &f.commission
	}
	if cmd.Flags().Changed("min-trade") {
		req.MinTradeSize = &f.minTrade
	}
	return req, nil
}

func runCmd() *cobra.Command {
	var (
		f           runFlags
		symbol      string
		csvPath     string
		signalsPath string
		outPath     string
		chartPath   string
	)
	cmd := &cobra.Command{
		Use:   "run",
		Short: "对单个标的执行一次回测",
		RunE: func(cmd *cobra.Command, args []string) error {
			a, cleanup, err := openApp(cmd.Context())
			if err != nil {
				return err
			}
			defer cleanup()
			req, err := f.request(cmd, a.Config().Backtest.RecordSignals)
			if err != nil {
				return err
			}
			req.Symbol = symbol
			if csvPath != "" {
				series, err := readCSVFile(csvPath)
				if err != nil {
					return err
				}
				req.Candles = series
			}
			if signalsPath != "" {
				stream, err := signal.LoadStreamFile(signalsPath)
				if err != nil {
					return err
				}
				req.Source = stream
				if req.Strategy == "" {
					req.Strategy = "signals:" + filepath.Base(signalsPath)
				}
			}
			res, err := a.Backtest().RunStrategy(cmd.Context(), req)
			if res != nil {
				printResult(res)
			}
			if err != nil {
				return err
			}
			if outPath != "" {
				if err := export.WriteTradesFile(outPath, export.Rows(res)); err != nil {
					return err
				}
				fmt.Printf("成交日志已写入 %s\n", outPath)
			}
			if chartPath != "" {
				in, err := chartInput(cmd.Context(), a.Candles(), res, req.Candles)
				if err != nil {
					return err
				}
				if err := export.RenderChartFile(chartPath, in); err != nil {
					return err
				}
				fmt.Printf("图表已写入 %s\n", chartPath)
			}
			return nil
		},
	}
	f.bind(cmd)
	cmd.Flags().StringVarP(&symbol, "symbol", "s", "", "交易对")
	cmd.Flags().StringVar(&csvPath, "csv", "", "直接读取 CSV K 线，不经过 candle store")
	cmd.Flags().StringVar(&signalsPath, "signals", "", "预先计算的 JSON 信号流，替代策略")
	cmd.Flags().StringVarP(&outPath, "out", "o", "", "成交日志 CSV 输出路径")
	cmd.Flags().StringVar(&chartPath, "chart", "", "HTML 图表输出路径")
	_ = cmd.MarkFlagRequired("symbol")
	return cmd
}

func scanCmd() *cobra.Command {
	var (
		f         runFlags
		symbols   []string
		workers   int
		tradesOut string
		summary   string
	)
	cmd := &cobra.Command{
		Use:   "scan",
		Short: "并发回测多个标的并汇总组合绩效",
		RunE: func(cmd *cobra.Command, args []string) error {
			a, cleanup, err := openApp(cmd.Context())
			if err != nil {
				return err
			}
			defer cleanup()
			base, err := f.request(cmd, false)
			if err != nil {
				return err
			}
			cfg := a.Config()
			var reqs []backtest.Request
			switch {
			case len(symbols) > 0:
				if base.Strategy == "" {
					return fmt.Errorf("指定 --symbols 时需要 --strategy")
				}
				reqs = backtest.ExpandSymbols(base, symbols)
			case base.Strategy == "" && cfg.Scan.Hybrid():
				reqs = backtest.ExpandGroups(base, a.ScanGroups())
			case base.Strategy != "":
				reqs = backtest.ExpandSymbols(base, cfg.Scan.Symbols)
			}
			if len(reqs) == 0 {
				return fmt.Errorf("没有可扫描的标的：使用 --symbols 或配置 scan.symbols/scan.groups")
			}
			if workers <= 0 {
				workers = cfg.Backtest.Workers
			}
			out := a.Backtest().Scan(cmd.Context(), reqs, workers)
			portfolio := backtest.Portfolio(out)
			printPortfolio(portfolio)

			if tradesOut != "" {
				var done []*backtest.Result
				for _, r := range out {
					if r.Result != nil {
						done = append(done, r.Result)
					}
				}
				if err := export.WriteTradesFile(tradesOut, export.Rows(done...)); err != nil {
					return err
				}
				fmt.Printf("成交日志已写入 %s\n", tradesOut)
			}
			if summary != "" {
				file, err := createFile(summary)
				if err != nil {
					return err
				}
				defer file.Close()
				if err := export.WritePortfolio(file, portfolio); err != nil {
					return err
				}
				fmt.Printf("组合汇总已写入 %s\n", summary)
			}
			if portfolio.Runs == 0 {
				return fmt.Errorf("全部 %d 个 run 失败", portfolio.Failed)
			}
			return nil
		},
	}
	f.bind(cmd)
	cmd.Flags().StringSliceVar(&symbols, "symbols", nil, "逗号分隔的标的列表，覆盖 scan 配置")
	cmd.Flags().IntVarP(&workers, "workers", "w", 0, "并发数（默认 backtest.workers）")
	cmd.Flags().StringVarP(&tradesOut, "out", "o", "", "合并成交日志 CSV 输出路径")
	cmd.Flags().StringVar(&summary, "summary", "", "组合汇总 CSV 输出路径")
	return cmd
}

func serveCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "启动回测 HTTP API",
		RunE: func(cmd *cobra.Command, args []string) error {
			a, cleanup, err := openApp(cmd.Context())
			if err != nil {
				return err
			}
			defer cleanup()
			return a.Serve(cmd.Context())
		},
	}
}

func strategiesCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "strategies",
		Short: "列出内置策略与预设",
		RunE: func(cmd *cobra.Command, args []string) error {
			a, cleanup, err := openApp(cmd.Context())
			if err != nil {
				return err
			}
			defer cleanup()
			for _, info := range a.Backtest().Catalog() {
				if info.Preset {
					fmt.Printf("  %-20s preset -> %-16s %s\n", info.ID, info.Strategy, info.Description)
					continue
				}
				fmt.Printf("  %-20s %-26s %s\n", info.ID, "", info.Description)
			}
			return nil
		},
	}
}

func runsCmd() *cobra.Command {
	var symbol, strategyID string
	var limit int
	cmd := &cobra.Command{
		Use:   "runs",
		Short: "列出已保存的回测结果",
		RunE: func(cmd *cobra.Command, args []string) error {
			a, cleanup, err := openApp(cmd.Context())
			if err != nil {
				return err
			}
			defer cleanup()
			runs, err := a.Results().ListRuns(cmd.Context(), results.RunFilter{Symbol: symbol, Strategy: strategyID, Limit: limit})
			if err != nil {
				return err
			}
			for _, r := range runs {
				fmt.Printf("%s  %-10s %-4s %-28s %-9s trades=%-4d roi=%7.2f%%  %s\n",
					r.ID, r.Symbol, r.Timeframe, r.Strategy, r.Status, r.Summary.TotalTrades, r.Summary.ROIPct,
					r.FinishedAt.Local().Format(time.DateTime))
			}
			return nil
		},
	}
	cmd.Flags().StringVarP(&symbol, "symbol", "s", "", "按交易对过滤")
	cmd.Flags().StringVar(&strategyID, "strategy", "", "按策略过滤")
	cmd.Flags().IntVarP(&limit, "limit", "n", 20, "最多返回条数")
	return cmd
}

func dataCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "data",
		Short: "列出本地 K 线数据集及完整性",
		RunE: func(cmd *cobra.Command, args []string) error {
			a, cleanup, err := openApp(cmd.Context())
			if err != nil {
				return err
			}
			defer cleanup()
			manifests, err := a.Candles().ListManifests(cmd.Context())
			if err != nil {
				return err
			}
			for _, m := range manifests {
				status := "ok"
				info, err := a.Candles().CheckIntegrity(cmd.Context(), m.Symbol, m.Timeframe, 0, 0)
				switch {
				case err != nil:
					status = err.Error()
				case !info.Complete():
					status = fmt.Sprintf("缺失 %d 根，%d 处缺口", info.Expected-info.Actual, len(info.Gaps))
				}
				fmt.Printf("%-10s %-4s rows=%-7d %s ~ %s  %s\n", m.Symbol, m.Timeframe, m.Rows,
					formatTS(m.MinTime), formatTS(m.MaxTime), status)
			}
			return nil
		},
	}
}

func parseParams(raw string) (map[string]any, error) {
	var params map[string]any
	if err := yaml.Unmarshal([]byte(raw), &params); err != nil {
		return nil, fmt.Errorf("--params 解析失败: %w", err)
	}
	return params, nil
}

func parseTimeFlag(raw string) (int64, error) {
	if strings.TrimSpace(raw) == "" {
		return 0, nil
	}
	return market.ParseTimestamp(raw)
}

func readCSVFile(path string) (market.Series, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	return market.ReadCSV(f)
}

func createFile(path string) (*os.File, error) {
	if dir := filepath.Dir(path); dir != "." && dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, err
		}
	}
	return os.Create(path)
}

func formatTS(ms int64) string {
	if ms <= 0 {
		return "-"
	}
	return time.UnixMilli(ms).UTC().Format(time.DateTime)
}
