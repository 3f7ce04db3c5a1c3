package app

import (
	"context"
	"errors"
	"fmt"

	"backlab/internal/backtest"
	"backlab/internal/config"
	"backlab/internal/logger"
	"backlab/internal/store/candles"
	"backlab/internal/store/results"
	"backlab/internal/strategy"
	backtesthttp "backlab/internal/transport/http/backtest"

	"golang.org/x/sync/errgroup"
)

// App 负责应用级编排：加载配置→初始化依赖→按命令运行回测或启动 HTTP 服务。
type App struct {
	cfg     *config.Config
	bt      *backtest.Context
	candles *candles.Store
	results *results.Store
	presets *strategy.Presets
	http    *backtesthttp.Server
	Summary *StartupSummary
}

// NewApp 根据配置构建应用对象（不启动）
func NewApp(ctx context.Context, cfg *config.Config) (*App, error) {
	if cfg == nil {
		return nil, fmt.Errorf("nil config")
	}
	logger.SetLevel(cfg.App.LogLevel)
	return buildAppWithWire(ctx, cfg)
}

// Config 返回生效的配置。
func (a *App) Config() *config.Config { return a.cfg }

// Backtest 返回共享的回测上下文。
func (a *App) Backtest() *backtest.Context { return a.bt }

func (a *App) Candles() *candles.Store { return a.candles }

func (a *App) Results() *results.Store { return a.results }

// ScanGroups 把配置中的扫描分组转换成回测分组。
func (a *App) ScanGroups() []backtest.Group {
	return scanGroups(a.cfg.Scan)
}

// Serve 启动 HTTP 服务，阻塞直到 ctx 取消。
func (a *App) Serve(ctx context.Context) error {
	if a == nil || a.cfg == nil {
		return fmt.Errorf("app not initialized")
	}
	if a.http == nil {
		return fmt.Errorf("http server not initialized")
	}
	if a.Summary != nil {
		a.Summary.Print()
	}
	group, ctx := errgroup.WithContext(ctx)
	group.Go(func() error {
		if err := a.http.Start(ctx); err != nil {
			return fmt.Errorf("backtest http server error: %w", err)
		}
		return nil
	})
	return group.Wait()
}

// Close 释放存储连接。
func (a *App) Close() error {
	if a == nil {
		return nil
	}
	var errs []error
	if a.candles != nil {
		errs = append(errs, a.candles.Close())
	}
	if a.results != nil {
		errs = append(errs, a.results.Close())
	}
	return errors.Join(errs...)
}

func scanGroups(sc config.ScanConfig) []backtest.Group {
	if len(sc.Groups) == 0 {
		return nil
	}
	out := make([]backtest.Group, 0, len(sc.Groups))
	for _, g := range sc.Groups {
		out = append(out, backtest.Group{
			Name:     g.Name,
			Strategy: g.Strategy,
			Params:   g.Params,
			Symbols:  append([]string(nil), g.Symbols...),
		})
	}
	return out
}
