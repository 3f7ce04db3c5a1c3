package main

import (
	"context"
	"fmt"
	"io"
	"log"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"

	"backlab/internal/app"
	"backlab/internal/config"
	"backlab/internal/logger"

	"github.com/spf13/cobra"
)

var (
	cfgPath   string
	logLevel  string
	logFormat string
)

func main() {
	rootCmd := &cobra.Command{
		Use:           "backlab",
		Short:         "Walk-forward backtest lab",
		Long:          "backlab 在本地 K 线数据上逐根回放策略信号，输出成交日志、资金曲线与绩效汇总。",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	rootCmd.PersistentFlags().StringVarP(&cfgPath, "config", "c", "", "配置文件路径（默认 $BACKLAB_CONFIG 或 configs/config.yaml）")
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "", "覆盖 app.log_level")
	rootCmd.PersistentFlags().StringVar(&logFormat, "log-format", "text", "日志格式 text/json")

	rootCmd.AddCommand(importCmd())
	rootCmd.AddCommand(runCmd())
	rootCmd.AddCommand(scanCmd())
	rootCmd.AddCommand(serveCmd())
	rootCmd.AddCommand(strategiesCmd())
	rootCmd.AddCommand(runsCmd())
	rootCmd.AddCommand(dataCmd())

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	if err := rootCmd.ExecuteContext(ctx); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

// openApp 加载配置、初始化日志并构建应用；调用方负责 Close。
func openApp(ctx context.Context) (*app.App, func(), error) {
	cfg, path, err := config.LoadOrDefault(cfgPath)
	if err != nil {
		return nil, nil, fmt.Errorf("读取配置失败: %w", err)
	}
	if strings.TrimSpace(logLevel) != "" {
		cfg.App.LogLevel = logLevel
	}
	logger.SetFormat(logFormat)
	logFile, err := setupLogOutput(cfg.App.LogPath)
	if err != nil {
		return nil, nil, fmt.Errorf("初始化日志文件失败: %w", err)
	}
	logger.SetLevel(cfg.App.LogLevel)
	if path == "" {
		logger.Debugf("未找到配置文件，使用默认配置")
	} else {
		logger.Debugf("✓ 配置加载成功（环境=%s，路径=%s）", cfg.App.Env, path)
	}

	a, err := app.NewApp(ctx, cfg)
	if err != nil {
		if logFile != nil {
			_ = logFile.Close()
		}
		return nil, nil, fmt.Errorf("初始化应用失败: %w", err)
	}
	cleanup := func() {
		if err := a.Close(); err != nil {
			logger.Warnf("关闭存储失败: %v", err)
		}
		if logFile != nil {
			_ = logFile.Close()
		}
	}
	return a, cleanup, nil
}

func setupLogOutput(path string) (*os.File, error) {
	trimmed := strings.TrimSpace(path)
	if trimmed == "" {
		logger.SetOutput(os.Stderr)
		return nil, nil
	}
	dir := filepath.Dir(trimmed)
	if dir != "." && dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, err
		}
	}
	file, err := os.OpenFile(trimmed, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		return nil, err
	}
	mw := io.MultiWriter(os.Stderr, file)
	log.SetOutput(mw)
	logger.SetOutput(mw)
	return file, nil
}
