package backtest

import (
	"context"

	"backlab/internal/logger"
	"backlab/internal/metrics"
	"backlab/internal/pkg/symbol"

	"golang.org/x/sync/errgroup"
)

// ScanResult 单个独立 run 的结果；失败只体现在 Err 上，不影响其他 run。
type ScanResult struct {
	Request Request `json:"request"`
	Result  *Result `json:"result,omitempty"`
	Err     error   `json:"-"`
	Error   string  `json:"error,omitempty"`
}

// Group 是一组共用同一策略的标的。
type Group struct {
	Name     string         `json:"name" mapstructure:"name"`
	Strategy string         `json:"strategy" mapstructure:"strategy"`
	Params   map[string]any `json:"params,omitempty" mapstructure:"params"`
	Symbols  []string       `json:"symbols" mapstructure:"symbols"`
}

// ExpandSymbols 用同一个模板请求展开到多个标的。
func ExpandSymbols(base Request, symbols []string) []Request {
	symbols = symbol.NormalizeList(symbols)
	out := make([]Request, 0, len(symbols))
	for _, sym := range symbols {
		req := base
		req.Symbol = sym
		out = append(out, req)
	}
	return out
}

// ExpandGroups 按分组展开请求，每组使用自己的策略与参数。
func ExpandGroups(base Request, groups []Group) []Request {
	var out []Request
	for _, g := range groups {
		req := base
		req.Strategy = g.Strategy
		req.Params = g.Params
		out = append(out, ExpandSymbols(req, g.Symbols)...)
	}
	return out
}

// Scan 并发执行互相独立的 run，最多 workers 个同时进行。每个 run 拥有自己的账本；
// ctx 取消后尚未开始的 run 直接记为取消，已开始的 run 会完整跑完。
func (c *Context) Scan(ctx context.Context, reqs []Request, workers int) []ScanResult {
	if workers <= 0 {
		workers = 1
	}
	results := make([]ScanResult, len(reqs))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(workers)
	for i, req := range reqs {
		results[i].Request = req
		if err := gctx.Err(); err != nil {
			results[i].Err = err
			results[i].Error = err.Error()
			continue
		}
		g.Go(func() error {
			if err := gctx.Err(); err != nil {
				results[i].Err = err
				results[i].Error = err.Error()
				return nil
			}
			res, err := c.RunStrategy(gctx, req)
			results[i].Result = res
			if err != nil {
				logger.Warnf("[backtest] scan %s/%s 失败: %v", req.Symbol, req.Strategy, err)
				results[i].Err = err
				results[i].Error = err.Error()
			}
			return nil
		})
	}
	_ = g.Wait()
	return results
}

// Portfolio 汇总扫描结果。
func Portfolio(results []ScanResult) metrics.Portfolio {
	rows := make([]metrics.SymbolSummary, 0, len(results))
	for _, r := range results {
		row := metrics.SymbolSummary{Symbol: r.Request.Symbol, Strategy: r.Request.Strategy, Error: r.Error}
		if r.Err != nil && row.Error == "" {
			row.Error = r.Err.Error()
		}
		if r.Result != nil && row.Error == "" {
			row.Summary = r.Result.Summary
			row.Strategy = r.Result.Config.Strategy
		}
		rows = append(rows, row)
	}
	return metrics.Aggregate(rows)
}
