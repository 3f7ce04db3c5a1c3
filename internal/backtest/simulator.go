package backtest

import (
	"errors"
	"fmt"
	"runtime/debug"
	"time"

	"backlab/internal/ledger"
	"backlab/internal/logger"
	"backlab/internal/market"
	"backlab/internal/metrics"
	"backlab/internal/signal"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// Run 按时间顺序逐根回放 candles：每一步只把截至当前（含）的 K 线交给 src，
// 再把信号应用到账本并记录资金曲线。单个 run 严格串行。
//
// 只有配置错误（ErrInvalidConfig）会让 Run 返回 error；坏 K 线、信号失败、
// 资金不足都只记录诊断，run 总会产出结果。
func Run(candles market.Series, src signal.Source, cfg Config) (*Result, error) {
	if len(candles) == 0 {
		return nil, fmt.Errorf("%w: candle 序列为空", ErrInvalidConfig)
	}
	if src == nil {
		return nil, fmt.Errorf("%w: signal source 为空", ErrInvalidConfig)
	}
	policy, err := ParseEndPolicy(string(cfg.EndPolicy))
	if err != nil {
		return nil, err
	}
	cfg.EndPolicy = policy
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if p, ok := src.(signal.Preparer); ok && !cfg.NoPrecompute {
		prepared, err := p.Prepare(acceptedCandles(candles, cfg.StartTS))
		if err != nil {
			return nil, fmt.Errorf("%w: 指标预计算失败: %w", ErrInvalidConfig, err)
		}
		src = prepared
	}
	led, err := ledger.New(ledger.Config{
		InitialCapital: cfg.InitialCapital,
		CommissionRate: cfg.CommissionRate,
		MinTradeSize:   cfg.minTradeSize(),
	})
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidConfig, err)
	}

	r := &runner{
		cfg:      cfg,
		src:      src,
		led:      led,
		accepted: make(market.Series, 0, len(candles)),
		prevTS:   -1,
		result: &Result{
			ID:        uuid.NewString(),
			Config:    cfg,
			Equity:    make([]EquityPoint, 0, len(candles)),
			StartedAt: time.Now(),
		},
	}
	logger.Infof("[backtest] run %s 开始: symbol=%s strategy=%s candles=%d", r.result.ID, cfg.Symbol, cfg.Strategy, len(candles))
	for i, c := range candles {
		r.step(i, c)
	}
	r.finish()
	res := r.result
	logger.Infof("[backtest] run %s 完成: trades=%d roi=%.2f%% skipped=%d eval_failures=%d",
		res.ID, res.Summary.TotalTrades, res.Summary.ROIPct, res.Stats.SkippedSteps, res.Stats.EvalFailures)
	return res, nil
}

type runner struct {
	cfg      Config
	src      signal.Source
	led      *ledger.Ledger
	accepted market.Series
	prevTS   int64
	result   *Result
}

func (r *runner) step(i int, c market.Candle) {
	warmup := r.cfg.StartTS > 0 && c.OpenTime < r.cfg.StartTS
	if err := c.Validate(r.prevTS); err != nil {
		r.skip(i, c, err, warmup)
		return
	}
	r.prevTS = c.OpenTime
	r.accepted = append(r.accepted, c)
	if warmup {
		r.result.Stats.WarmupCandles++
		return
	}
	r.result.Stats.Steps++

	n := len(r.accepted)
	window := r.accepted[:n:n]
	sig, err := evaluate(r.src, window)
	r.result.Stats.Evaluated++
	if err != nil {
		r.result.Stats.EvalFailures++
		r.diagnose(i, c.OpenTime, DiagSignalFailed, err)
		logger.Warnf("[backtest] run %s step %d ts=%s 信号失败，按 NEUTRAL 处理: %v", r.result.ID, i, c.TimeString(), err)
		sig = signal.NeutralSignal("evaluation failed")
	}

	price := decimal.NewFromFloat(c.Close)
	outcome := r.apply(i, c, price, sig)
	if r.cfg.RecordSignals {
		r.result.Signals = append(r.result.Signals, StepSignal{TS: c.OpenTime, Price: c.Close, Signal: sig, Outcome: outcome})
	}
	r.record(c.OpenTime, r.led.MarkToMarket(price), false)
}

// skip 处理坏 K 线：时间戳仍递增时沿用上一资金值补一个点，乱序时间戳不补点以保持曲线有序。
func (r *runner) skip(i int, c market.Candle, err error, warmup bool) {
	r.diagnose(i, c.OpenTime, DiagInvalidCandle, err)
	logger.Warnf("[backtest] run %s step %d 跳过无效 K 线: %v", r.result.ID, i, err)
	if warmup {
		return
	}
	r.result.Stats.Steps++
	r.result.Stats.SkippedSteps++
	if c.OpenTime <= r.prevTS {
		return
	}
	r.prevTS = c.OpenTime
	equity := r.cfg.InitialCapital
	if n := len(r.result.Equity); n > 0 {
		equity = r.result.Equity[n-1].Equity
	}
	r.record(c.OpenTime, equity, true)
}

func (r *runner) apply(i int, c market.Candle, price decimal.Decimal, sig signal.Signal) StepOutcome {
	inPosition := r.led.InPosition()
	switch {
	case sig.Action == signal.Buy && !inPosition:
		pos, err := r.led.Open(price, c.OpenTime)
		if err != nil {
			return r.suppress(i, c, err)
		}
		r.result.Stats.Buys++
		r.fill(c.OpenTime, FillBuy, price, pos.Amount, r.led.Cash(), sig)
		return OutcomeOpened
	case sig.Action == signal.Sell && inPosition:
		trade, err := r.led.Close(price, c.OpenTime)
		if err != nil {
			return r.suppress(i, c, err)
		}
		r.result.Stats.Sells++
		r.fill(c.OpenTime, FillSell, price, trade.Amount, r.led.Cash(), sig)
		return OutcomeClosed
	case sig.Action == signal.Buy || sig.Action == signal.Sell:
		r.result.Stats.IgnoredSignals++
		return OutcomeIgnored
	}
	return OutcomeNone
}

func (r *runner) suppress(i int, c market.Candle, err error) StepOutcome {
	r.result.Stats.SuppressedActions++
	r.diagnose(i, c.OpenTime, DiagSuppressedAction, err)
	logger.Debugf("[backtest] run %s step %d 动作被抑制: %v", r.result.ID, i, err)
	return OutcomeSuppressed
}

func (r *runner) finish() {
	res := r.result
	last, ok := r.accepted.Last()
	if ok && r.led.InPosition() {
		price := decimal.NewFromFloat(last.Close)
		switch r.cfg.EndPolicy {
		case EndClose, EndCloseNoFee:
			trade, err := r.led.ForceClose(price, last.OpenTime, r.cfg.EndPolicy == EndClose)
			if err != nil {
				logger.Errorf("[backtest] run %s 期末平仓失败: %v", res.ID, err)
				break
			}
			r.fill(last.OpenTime, FillCloseEnd, price, trade.Amount, r.led.Cash(), signal.Signal{})
			// 最后一根有效 K 线及其后沿用的点都改为平仓后的资金。
			for n := len(res.Equity) - 1; n >= 0 && res.Equity[n].TS >= last.OpenTime; n-- {
				res.Equity[n].Equity = r.led.Cash()
				res.Equity[n].Cash = r.led.Cash()
				res.Equity[n].InPosition = false
			}
		default:
			pos, _ := r.led.Position()
			value := pos.Amount.Mul(price)
			res.OpenPosition = &OpenPosition{
				Position:      pos,
				MarkPrice:     price,
				MarkValue:     value,
				UnrealizedPnL: value.Sub(pos.Amount.Mul(pos.EntryPrice)),
			}
			res.OpenAtEnd = true
			r.fill(last.OpenTime, FillHoldEnd, price, pos.Amount, r.led.MarkToMarket(price), signal.Signal{Regime: "end"})
		}
	}

	res.FinalCash = r.led.Cash()
	res.FinalEquity = res.FinalCash
	if ok && r.led.InPosition() {
		res.FinalEquity = r.led.MarkToMarket(decimal.NewFromFloat(last.Close))
	}
	res.Trades = r.led.Trades()
	res.Summary = metrics.Summarize(res.Trades, r.cfg.InitialCapital, res.FinalEquity, res.EquityValues())
	res.FinishedAt = time.Now()
}

func (r *runner) record(ts int64, equity decimal.Decimal, carried bool) {
	r.result.Equity = append(r.result.Equity, EquityPoint{
		TS:         ts,
		Equity:     equity,
		Cash:       r.led.Cash(),
		InPosition: r.led.InPosition(),
		Carried:    carried,
	})
}

func (r *runner) fill(ts int64, kind FillKind, price, amount, balance decimal.Decimal, sig signal.Signal) {
	f := Fill{TS: ts, Kind: kind, Price: price, Amount: amount, Balance: balance, Mode: sig.Regime}
	if sig.HasConfidence {
		c := sig.Confidence
		f.Confidence = &c
	}
	r.result.Fills = append(r.result.Fills, f)
}

func (r *runner) diagnose(i int, ts int64, kind DiagnosticKind, err error) {
	r.result.Diagnostics = append(r.result.Diagnostics, Diagnostic{
		Step:    i,
		TS:      ts,
		Kind:    kind,
		Message: err.Error(),
		Err:     err,
	})
}

// acceptedCandles 按循环中相同的规则（含坏 K 线对时间戳游标的推进）筛出会被接受的 K 线，
// 与每一步的窗口逐位对齐。
func acceptedCandles(candles market.Series, startTS int64) market.Series {
	out := make(market.Series, 0, len(candles))
	prev := int64(-1)
	for _, c := range candles {
		if c.Validate(prev) != nil {
			warmup := startTS > 0 && c.OpenTime < startTS
			if !warmup && c.OpenTime > prev {
				prev = c.OpenTime
			}
			continue
		}
		prev = c.OpenTime
		out = append(out, c)
	}
	return out
}

// evaluate 调用信号源并把 panic 转成 ErrSignalFailed。
func evaluate(src signal.Source, window market.Series) (sig signal.Signal, err error) {
	defer func() {
		if rec := recover(); rec != nil {
			logger.Debugf("[backtest] signal source panic: %v\n%s", rec, debug.Stack())
			err = fmt.Errorf("%w: panic: %v", ErrSignalFailed, rec)
		}
	}()
	sig, err = src.Evaluate(window)
	if err != nil {
		if !errors.Is(err, ErrSignalFailed) {
			err = fmt.Errorf("%w: %w", ErrSignalFailed, err)
		}
		return signal.Signal{}, err
	}
	action, perr := signal.ParseAction(string(sig.Action))
	if perr != nil {
		return signal.Signal{}, fmt.Errorf("%w: %v", ErrSignalFailed, perr)
	}
	sig.Action = action
	return sig, nil
}
