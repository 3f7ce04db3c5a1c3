package backtest

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"backlab/internal/logger"
	"backlab/internal/market"
	"backlab/internal/pkg/symbol"
	"backlab/internal/signal"
	"backlab/internal/strategy"

	"github.com/shopspring/decimal"
)

// warmupPadding 在信号源声明的最小窗口之外额外预加载的 K 线数。
const warmupPadding = 5

// CandleSource 提供历史 K 线；start/end<=0 表示该端不设限。
type CandleSource interface {
	RangeCandles(ctx context.Context, symbol, timeframe string, start, end int64) (market.Series, error)
}

// ResultSink 持久化回测结果。
type ResultSink interface {
	SaveResult(ctx context.Context, res *Result) error
}

// Defaults 请求未覆盖时使用的参数。
type Defaults struct {
	InitialCapital decimal.Decimal
	CommissionRate decimal.Decimal
	MinTradeSize   decimal.Decimal
	EndPolicy      EndPolicy
	Timeframe      string
}

// Context 由调用方一次性构造并显式传入，持有已加载的注册表、预设、存储与默认参数；
// 多个 run 可并发共享，run 之间没有可变共享状态。
type Context struct {
	Registry *signal.Registry
	Presets  *strategy.Presets
	Candles  CandleSource
	Results  ResultSink
	Defaults Defaults
}

// Request 描述一次 run。Source/Candles 非空时分别替代注册表构建与存储加载。
type Request struct {
	Symbol         string         `json:"symbol"`
	Timeframe      string         `json:"timeframe,omitempty"`
	Strategy       string         `json:"strategy"`
	Params         map[string]any `json:"params,omitempty"`
	Start          int64          `json:"start_ts,omitempty"`
	End            int64          `json:"end_ts,omitempty"`
	InitialCapital *float64       `json:"initial_capital,omitempty"`
	CommissionRate *float64       `json:"commission_rate,omitempty"`
	MinTradeSize   *float64       `json:"min_trade_size,omitempty"`
	EndPolicy      string         `json:"end_policy,omitempty"`
	RecordSignals  bool           `json:"record_signals,omitempty"`
	NoPrecompute   bool           `json:"no_precompute,omitempty"`

	Source  signal.Source `json:"-"`
	Candles market.Series `json:"-"`
}

// BuildSource 通过预设/注册表解析 name，返回信号源与最终参数。
func (c *Context) BuildSource(name string, params map[string]any) (signal.Source, string, map[string]any, error) {
	if c == nil || c.Registry == nil {
		return nil, "", nil, fmt.Errorf("%w: registry 未初始化", ErrInvalidConfig)
	}
	if strings.TrimSpace(name) == "" {
		return nil, "", nil, fmt.Errorf("%w: strategy 不能为空", ErrInvalidConfig)
	}
	id, resolved := c.Presets.Resolve(name, params)
	src, err := c.Registry.Build(id, resolved)
	if err != nil {
		return nil, "", nil, fmt.Errorf("%w: %w", ErrInvalidConfig, err)
	}
	return src, id, resolved, nil
}

// Config 合并默认值与请求覆盖项。
func (c *Context) Config(req Request) (Config, error) {
	d := c.Defaults
	cfg := Config{
		Symbol:         symbol.Canonical(req.Symbol),
		Timeframe:      strings.ToLower(strings.TrimSpace(req.Timeframe)),
		Strategy:       strings.TrimSpace(req.Strategy),
		InitialCapital: d.InitialCapital,
		CommissionRate: d.CommissionRate,
		MinTradeSize:   decimal.NewNullDecimal(d.MinTradeSize),
		EndPolicy:      d.EndPolicy,
		StartTS:        req.Start,
		RecordSignals:  req.RecordSignals,
		NoPrecompute:   req.NoPrecompute,
	}
	if cfg.Timeframe == "" {
		cfg.Timeframe = d.Timeframe
	}
	if req.InitialCapital != nil {
		cfg.InitialCapital = decimal.NewFromFloat(*req.InitialCapital)
	}
	if req.CommissionRate != nil {
		cfg.CommissionRate = decimal.NewFromFloat(*req.CommissionRate)
	}
	if req.MinTradeSize != nil {
		cfg.MinTradeSize = decimal.NewNullDecimal(decimal.NewFromFloat(*req.MinTradeSize))
	}
	if strings.TrimSpace(req.EndPolicy) != "" {
		policy, err := ParseEndPolicy(req.EndPolicy)
		if err != nil {
			return Config{}, err
		}
		cfg.EndPolicy = policy
	}
	if req.End > 0 && req.Start > 0 && req.End < req.Start {
		return Config{}, fmt.Errorf("%w: end_ts 早于 start_ts", ErrInvalidConfig)
	}
	return cfg, cfg.Validate()
}

// RunStrategy 解析策略、加载含预热段的 K 线、执行回测并在配置了 Results 时保存。
func (c *Context) RunStrategy(ctx context.Context, req Request) (*Result, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	cfg, err := c.Config(req)
	if err != nil {
		return nil, err
	}
	src := req.Source
	if src != nil && cfg.Strategy == "" {
		cfg.Strategy = "custom"
	}
	if src == nil {
		var id string
		src, id, cfg.Params, err = c.BuildSource(req.Strategy, req.Params)
		if err != nil {
			return nil, err
		}
		if !strings.EqualFold(id, cfg.Strategy) {
			cfg.Strategy = cfg.Strategy + "(" + id + ")"
		}
	}
	candles, err := c.loadCandles(ctx, req, cfg, signal.MinWindow(src))
	if err != nil {
		return nil, err
	}
	res, err := Run(candles, src, cfg)
	if err != nil {
		return nil, err
	}
	if c.Results != nil {
		if err := c.Results.SaveResult(ctx, res); err != nil {
			logger.Warnf("[backtest] run %s 保存失败: %v", res.ID, err)
			return res, fmt.Errorf("保存回测结果失败: %w", err)
		}
	}
	return res, nil
}

func (c *Context) loadCandles(ctx context.Context, req Request, cfg Config, minWindow int) (market.Series, error) {
	if req.Candles != nil {
		series := req.Candles
		if req.End > 0 {
			series = series.Between(0, req.End)
		}
		if len(series) == 0 {
			return nil, fmt.Errorf("%w: 区间内没有 K 线", ErrInvalidConfig)
		}
		return series, nil
	}
	if c.Candles == nil {
		return nil, fmt.Errorf("%w: 未配置 candle store", ErrInvalidConfig)
	}
	if cfg.Symbol == "" {
		return nil, fmt.Errorf("%w: symbol 不能为空", ErrInvalidConfig)
	}
	tf, err := market.ParseTimeframe(cfg.Timeframe)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrInvalidConfig, err)
	}
	start := req.Start
	if start > 0 {
		start -= int64(minWindow+warmupPadding) * tf.Millis()
		if start <= 0 {
			start = 1
		}
	}
	series, err := c.Candles.RangeCandles(ctx, cfg.Symbol, tf.Key, start, req.End)
	if err != nil {
		return nil, fmt.Errorf("加载 %s %s K 线失败: %w", cfg.Symbol, tf.Key, err)
	}
	if len(series) == 0 {
		return nil, fmt.Errorf("%w: %s %s 区间内没有 K 线", ErrInvalidConfig, cfg.Symbol, tf.Key)
	}
	if gaps := tf.Gaps(series); len(gaps) > 0 {
		logger.Debugf("[backtest] %s %s 存在 %d 处缺口", cfg.Symbol, tf.Key, len(gaps))
	}
	return series, nil
}

// IsConfigError 判断 err 是否属于配置错误。
func IsConfigError(err error) bool {
	return errors.Is(err, ErrInvalidConfig)
}

// StrategyInfo 描述一个可用的策略或预设。
type StrategyInfo struct {
	ID          string         `json:"id"`
	Strategy    string         `json:"strategy,omitempty"`
	Description string         `json:"description,omitempty"`
	Schema      map[string]any `json:"schema,omitempty"`
	Params      map[string]any `json:"params,omitempty"`
	Preset      bool           `json:"preset"`
}

// Catalog 列出注册表中的策略与已加载的预设。
func (c *Context) Catalog() []StrategyInfo {
	if c == nil || c.Registry == nil {
		return nil
	}
	var out []StrategyInfo
	for _, id := range c.Registry.IDs() {
		def, ok := c.Registry.Describe(id)
		if !ok {
			continue
		}
		out = append(out, StrategyInfo{ID: def.ID, Strategy: def.ID, Description: def.Description, Schema: def.Schema})
	}
	for _, p := range c.Presets.List() {
		out = append(out, StrategyInfo{ID: p.ID, Strategy: p.Strategy, Description: p.Description, Params: p.Params, Preset: true})
	}
	return out
}
