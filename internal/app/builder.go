package app

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strings"

	"backlab/internal/backtest"
	"backlab/internal/config"
	"backlab/internal/logger"
	"backlab/internal/signal"
	"backlab/internal/store/candles"
	"backlab/internal/store/results"
	"backlab/internal/strategy"
	backtesthttp "backlab/internal/transport/http/backtest"

	"github.com/shopspring/decimal"
)

type AppBuilder struct {
	cfg *config.Config

	candleStoreFn func(string) (*candles.Store, error)
	resultStoreFn func(string) (*results.Store, error)
	predictorFn   func(string) (strategy.Predictor, error)
	httpFn        func(config.AppConfig, int, *backtest.Context, *results.Store, *candles.Store) (*backtesthttp.Server, error)

	predictorOverride strategy.Predictor
}

type AppBuilderOption func(*AppBuilder)

// WithPredictor 直接注入分类器模型，忽略 models.classifier_path。
// 外部模型不保证可并发打分，scan 并发 run 时经 Serialized 串行化。
func WithPredictor(p strategy.Predictor) AppBuilderOption {
	return func(b *AppBuilder) {
		if p != nil {
			b.predictorOverride = strategy.NewSerialized(p)
		}
	}
}

func NewAppBuilder(cfg *config.Config, opts ...AppBuilderOption) *AppBuilder {
	b := &AppBuilder{
		cfg:           cfg,
		candleStoreFn: candles.NewStore,
		resultStoreFn: results.NewStore,
		predictorFn:   loadPredictor,
		httpFn:        buildHTTPServer,
	}
	for _, opt := range opts {
		if opt != nil {
			opt(b)
		}
	}
	return b
}

func (b *AppBuilder) Build(ctx context.Context) (*App, error) {
	if ctx == nil {
		ctx = context.Background()
	}
	if b.cfg == nil {
		return nil, fmt.Errorf("nil config")
	}
	cfg := b.cfg
	logger.SetLevel(cfg.App.LogLevel)

	cs, err := b.candleStoreFn(cfg.Data.CandleDir)
	if err != nil {
		return nil, fmt.Errorf("初始化 candle store 失败: %w", err)
	}
	rs, err := b.resultStoreFn(cfg.Data.ResultsDB)
	if err != nil {
		_ = cs.Close()
		return nil, fmt.Errorf("初始化 results store 失败: %w", err)
	}
	app := &App{cfg: cfg, candles: cs, results: rs}
	fail := func(err error) (*App, error) {
		_ = app.Close()
		return nil, err
	}

	model := b.predictorOverride
	if model == nil {
		model, err = b.predictorFn(cfg.Models.ClassifierPath)
		if err != nil {
			return fail(err)
		}
	}
	reg, err := strategy.NewRegistry(model)
	if err != nil {
		return fail(err)
	}
	presets, err := loadPresets(cfg.Strategies, reg)
	if err != nil {
		return fail(err)
	}
	defaults, err := backtestDefaults(cfg.Backtest)
	if err != nil {
		return fail(err)
	}
	app.presets = presets
	app.bt = &backtest.Context{
		Registry: reg,
		Presets:  presets,
		Candles:  cs,
		Results:  rs,
		Defaults: defaults,
	}
	app.http, err = b.httpFn(cfg.App, cfg.Backtest.Workers, app.bt, rs, cs)
	if err != nil {
		return fail(err)
	}
	app.Summary = buildSummary(ctx, cfg, reg, presets, cs)
	logger.Infof("✓ 已注册 %d 个策略，%d 个预设", len(reg.IDs()), len(presets.List()))
	return app, nil
}

func loadPredictor(path string) (strategy.Predictor, error) {
	path = strings.TrimSpace(path)
	if path == "" {
		logger.Infof("[app] 未配置 classifier 模型，classifier 策略不可用")
		return nil, nil
	}
	m, err := strategy.LoadLogisticModel(path)
	if err != nil {
		return nil, fmt.Errorf("加载 classifier 模型失败: %w", err)
	}
	logger.Infof("✓ classifier 模型已加载: %s (%d 个特征)", path, len(m.Features))
	return m, nil
}

// loadPresets 预设文件不存在时返回 nil，策略仍可按 id 使用。
func loadPresets(cfg config.StrategiesConfig, reg *signal.Registry) (*strategy.Presets, error) {
	path := strings.TrimSpace(cfg.PresetsPath)
	if path == "" {
		return nil, nil
	}
	if _, err := os.Stat(path); errors.Is(err, os.ErrNotExist) {
		logger.Warnf("[app] 预设文件 %s 不存在，跳过", path)
		return nil, nil
	}
	presets, err := strategy.LoadPresets(path, reg)
	if err != nil {
		return nil, fmt.Errorf("加载策略预设失败: %w", err)
	}
	if cfg.Watch {
		if err := presets.Watch(); err != nil {
			return nil, err
		}
		logger.Infof("[app] 预设热加载已开启: %s", path)
	}
	return presets, nil
}

func backtestDefaults(cfg config.BacktestConfig) (backtest.Defaults, error) {
	policy, err := backtest.ParseEndPolicy(cfg.EndPolicy)
	if err != nil {
		return backtest.Defaults{}, err
	}
	return backtest.Defaults{
		InitialCapital: decimal.NewFromFloat(cfg.InitialCapital),
		CommissionRate: decimal.NewFromFloat(cfg.CommissionRate),
		MinTradeSize:   decimal.NewFromFloat(cfg.MinTradeSize),
		EndPolicy:      policy,
		Timeframe:      cfg.Timeframe,
	}, nil
}

func buildHTTPServer(cfg config.AppConfig, workers int, bt *backtest.Context, rs *results.Store, cs *candles.Store) (*backtesthttp.Server, error) {
	return backtesthttp.NewServer(backtesthttp.Config{
		Addr:     cfg.HTTPAddr,
		Backtest: bt,
		Results:  rs,
		Candles:  cs,
		Workers:  workers,
	})
}
