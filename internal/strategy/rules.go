package strategy

import (
	"fmt"

	"backlab/internal/indicator"
	"backlab/internal/market"
	"backlab/internal/signal"
)

func insufficient(have, need int) signal.Signal {
	return signal.NeutralSignal(fmt.Sprintf("insufficient history %d/%d", have, need))
}

// ---- sma_crossover ----

type smaParams struct {
	FastPeriod int `mapstructure:"fast_period"`
	SlowPeriod int `mapstructure:"slow_period"`
}

// SMACrossover 快线上穿慢线买入，下穿卖出。
type SMACrossover struct{ p smaParams }

func NewSMACrossover(params map[string]any) (signal.Source, error) {
	p := smaParams{FastPeriod: 10, SlowPeriod: 20}
	if err := decodeParams(params, &p); err != nil {
		return nil, err
	}
	if p.FastPeriod <= 0 || p.SlowPeriod <= p.FastPeriod {
		return nil, fmt.Errorf("fast_period(%d) 必须小于 slow_period(%d)", p.FastPeriod, p.SlowPeriod)
	}
	return &SMACrossover{p: p}, nil
}

func (s *SMACrossover) MinWindow() int { return s.p.SlowPeriod + 1 }

func (s *SMACrossover) Evaluate(window market.Series) (signal.Signal, error) {
	if window.Len() < s.MinWindow() {
		return insufficient(window.Len(), s.MinWindow()), nil
	}
	closes := window.Closes()
	fast := indicator.SMA(s.p.FastPeriod)(closes)
	slow := indicator.SMA(s.p.SlowPeriod)(closes)
	n := len(closes)
	return smaCross(fast[n-1], slow[n-1], fast[n-2], slow[n-2]), nil
}

// Prepare 预计算快慢均线，循环内按下标读取。
func (s *SMACrossover) Prepare(series market.Series) (signal.Source, error) {
	return prepare(s, series, map[string]indicator.Func{
		"fast": indicator.SMA(s.p.FastPeriod),
		"slow": indicator.SMA(s.p.SlowPeriod),
	}, func(cols *indicator.Columns, i int) signal.Signal {
		return smaCross(cols.Value("fast", i), cols.Value("slow", i), cols.Value("fast", i-1), cols.Value("slow", i-1))
	})
}

func smaCross(curF, curS, prevF, prevS float64) signal.Signal {
	if !indicator.Valid(curF, curS, prevF, prevS) {
		return signal.NeutralSignal("sma not ready")
	}
	switch {
	case prevF <= prevS && curF > curS:
		return signal.NewSignal(signal.Buy, fmt.Sprintf("golden cross fast=%.4f slow=%.4f", curF, curS))
	case prevF >= prevS && curF < curS:
		return signal.NewSignal(signal.Sell, fmt.Sprintf("death cross fast=%.4f slow=%.4f", curF, curS))
	}
	return signal.NeutralSignal(fmt.Sprintf("fast=%.4f slow=%.4f", curF, curS))
}

// ---- mean_reversion / dip_hunter ----

type rsiParams struct {
	RSIPeriod     int     `mapstructure:"rsi_period"`
	Oversold      float64 `mapstructure:"oversold"`
	Overbought    float64 `mapstructure:"overbought"`
	TakeProfitRSI float64 `mapstructure:"take_profit_rsi"`
}

// MeanReversion RSI 超卖且价格拐头向上买入，超买卖出。
type MeanReversion struct{ p rsiParams }

func NewMeanReversion(params map[string]any) (signal.Source, error) {
	p := rsiParams{RSIPeriod: 14, Oversold: 30, Overbought: 70}
	if err := decodeParams(params, &p); err != nil {
		return nil, err
	}
	if p.RSIPeriod <= 0 {
		return nil, fmt.Errorf("rsi_period 必须为正")
	}
	if p.Oversold >= p.Overbought {
		return nil, fmt.Errorf("oversold(%.2f) 必须小于 overbought(%.2f)", p.Oversold, p.Overbought)
	}
	return &MeanReversion{p: p}, nil
}

func (s *MeanReversion) MinWindow() int { return s.p.RSIPeriod + 5 }

func (s *MeanReversion) Evaluate(window market.Series) (signal.Signal, error) {
	if window.Len() < s.MinWindow() {
		return insufficient(window.Len(), s.MinWindow()), nil
	}
	closes := window.Closes()
	rsi := indicator.Last(indicator.RSI(s.p.RSIPeriod)(closes))
	if !indicator.Valid(rsi) {
		return signal.NeutralSignal("rsi not ready"), nil
	}
	n := len(closes)
	switch {
	case rsi < s.p.Oversold && closes[n-1] > closes[n-2]:
		return signal.NewSignal(signal.Buy, fmt.Sprintf("oversold rsi=%.2f turning up", rsi)), nil
	case rsi > s.p.Overbought:
		return signal.NewSignal(signal.Sell, fmt.Sprintf("overbought rsi=%.2f", rsi)), nil
	}
	return signal.NeutralSignal(fmt.Sprintf("rsi=%.2f", rsi)), nil
}

// DipHunter 与 MeanReversion 同样抄底，但 RSI 上穿 take_profit_rsi 即止盈。
type DipHunter struct{ p rsiParams }

func NewDipHunter(params map[string]any) (signal.Source, error) {
	p := rsiParams{RSIPeriod: 14, Oversold: 30, TakeProfitRSI: 50}
	if err := decodeParams(params, &p); err != nil {
		return nil, err
	}
	if p.RSIPeriod <= 0 {
		return nil, fmt.Errorf("rsi_period 必须为正")
	}
	if p.Oversold >= p.TakeProfitRSI {
		return nil, fmt.Errorf("oversold(%.2f) 必须小于 take_profit_rsi(%.2f)", p.Oversold, p.TakeProfitRSI)
	}
	return &DipHunter{p: p}, nil
}

func (s *DipHunter) MinWindow() int { return s.p.RSIPeriod + 5 }

func (s *DipHunter) Evaluate(window market.Series) (signal.Signal, error) {
	if window.Len() < s.MinWindow() {
		return insufficient(window.Len(), s.MinWindow()), nil
	}
	closes := window.Closes()
	rsi := indicator.RSI(s.p.RSIPeriod)(closes)
	n := len(closes)
	cur, prev := rsi[n-1], rsi[n-2]
	if !indicator.Valid(cur, prev) {
		return signal.NeutralSignal("rsi not ready"), nil
	}
	switch {
	case cur < s.p.Oversold && closes[n-1] > closes[n-2]:
		return signal.NewSignal(signal.Buy, fmt.Sprintf("dip rsi=%.2f turning up", cur)), nil
	case cur > s.p.TakeProfitRSI && prev < s.p.TakeProfitRSI:
		return signal.NewSignal(signal.Sell, fmt.Sprintf("rsi crossed above %.0f", s.p.TakeProfitRSI)), nil
	}
	return signal.NeutralSignal(fmt.Sprintf("rsi=%.2f", cur)), nil
}

// ---- macd ----

type macdParams struct {
	Fast   int `mapstructure:"fast"`
	Slow   int `mapstructure:"slow"`
	Signal int `mapstructure:"signal"`
}

// MACDCross MACD 线上穿信号线买入，下穿卖出。
type MACDCross struct{ p macdParams }

func NewMACDCross(params map[string]any) (signal.Source, error) {
	p := macdParams{Fast: 12, Slow: 26, Signal: 9}
	if err := decodeParams(params, &p); err != nil {
		return nil, err
	}
	if p.Fast <= 0 || p.Slow <= p.Fast || p.Signal <= 0 {
		return nil, fmt.Errorf("macd 参数非法 fast=%d slow=%d signal=%d", p.Fast, p.Slow, p.Signal)
	}
	return &MACDCross{p: p}, nil
}

func (s *MACDCross) MinWindow() int { return s.p.Slow + s.p.Signal + 5 }

func (s *MACDCross) Evaluate(window market.Series) (signal.Signal, error) {
	if window.Len() < s.MinWindow() {
		return insufficient(window.Len(), s.MinWindow()), nil
	}
	macd, sig, _ := indicator.MACD(window.Closes(), s.p.Fast, s.p.Slow, s.p.Signal)
	n := len(macd)
	cur, prev := macd[n-1], macd[n-2]
	curSig, prevSig := sig[n-1], sig[n-2]
	if !indicator.Valid(cur, prev, curSig, prevSig) {
		return signal.NeutralSignal("macd not ready"), nil
	}
	switch {
	case prev <= prevSig && cur > curSig:
		return signal.NewSignal(signal.Buy, fmt.Sprintf("bullish macd cross %.4f>%.4f", cur, curSig)), nil
	case prev >= prevSig && cur < curSig:
		return signal.NewSignal(signal.Sell, fmt.Sprintf("bearish macd cross %.4f<%.4f", cur, curSig)), nil
	}
	return signal.NeutralSignal(fmt.Sprintf("macd=%.4f signal=%.4f", cur, curSig)), nil
}

// ---- bollinger ----

type bollingerParams struct {
	Period           int     `mapstructure:"bb_period"`
	StdDev           float64 `mapstructure:"bb_std"`
	SqueezeThreshold float64 `mapstructure:"squeeze_threshold"`
}

// Bollinger 带宽收窄时观望；突破上轨买入，跌破下轨卖出。
type Bollinger struct{ p bollingerParams }

func NewBollinger(params map[string]any) (signal.Source, error) {
	p := bollingerParams{Period: 20, StdDev: 2, SqueezeThreshold: 0.02}
	if err := decodeParams(params, &p); err != nil {
		return nil, err
	}
	if p.Period <= 1 || p.StdDev <= 0 {
		return nil, fmt.Errorf("bollinger 参数非法 period=%d std=%.2f", p.Period, p.StdDev)
	}
	return &Bollinger{p: p}, nil
}

func (s *Bollinger) MinWindow() int { return s.p.Period + 5 }

func (s *Bollinger) Evaluate(window market.Series) (signal.Signal, error) {
	if window.Len() < s.MinWindow() {
		return insufficient(window.Len(), s.MinWindow()), nil
	}
	closes := window.Closes()
	upper, mid, lower := indicator.BBands(closes, s.p.Period, s.p.StdDev)
	u, m, l := indicator.Last(upper), indicator.Last(mid), indicator.Last(lower)
	if !indicator.Valid(u, m, l) || m == 0 {
		return signal.NeutralSignal("bands not ready"), nil
	}
	price := closes[len(closes)-1]
	bandwidth := (u - l) / m
	switch {
	case bandwidth < s.p.SqueezeThreshold:
		return signal.NeutralSignal(fmt.Sprintf("squeeze bw=%.4f", bandwidth)), nil
	case price > u:
		return signal.NewSignal(signal.Buy, fmt.Sprintf("breakout up %.4f>%.4f", price, u)), nil
	case price < l:
		return signal.NewSignal(signal.Sell, fmt.Sprintf("breakout down %.4f<%.4f", price, l)), nil
	}
	return signal.NeutralSignal(fmt.Sprintf("bw=%.4f", bandwidth)), nil
}

// ---- momentum ----

type momentumParams struct {
	ROCPeriod int     `mapstructure:"roc_period"`
	Threshold float64 `mapstructure:"threshold"`
}

// Momentum ROC 超过阈值买入，转负卖出。
type Momentum struct{ p momentumParams }

func NewMomentum(params map[string]any) (signal.Source, error) {
	p := momentumParams{ROCPeriod: 5, Threshold: 2}
	if err := decodeParams(params, &p); err != nil {
		return nil, err
	}
	if p.ROCPeriod <= 0 {
		return nil, fmt.Errorf("roc_period 必须为正")
	}
	return &Momentum{p: p}, nil
}

func (s *Momentum) MinWindow() int { return s.p.ROCPeriod + 5 }

func (s *Momentum) Evaluate(window market.Series) (signal.Signal, error) {
	if window.Len() < s.MinWindow() {
		return insufficient(window.Len(), s.MinWindow()), nil
	}
	roc := indicator.Last(indicator.ROC(s.p.ROCPeriod)(window.Closes()))
	if !indicator.Valid(roc) {
		return signal.NeutralSignal("roc not ready"), nil
	}
	switch {
	case roc > s.p.Threshold:
		return signal.NewSignal(signal.Buy, fmt.Sprintf("roc=%.2f%% > %.2f%%", roc, s.p.Threshold)), nil
	case roc < 0:
		return signal.NewSignal(signal.Sell, fmt.Sprintf("momentum lost roc=%.2f%%", roc)), nil
	}
	return signal.NeutralSignal(fmt.Sprintf("roc=%.2f%%", roc)), nil
}

// ---- breakout ----

type breakoutParams struct {
	Lookback int `mapstructure:"lookback"`
}

// Breakout 收盘价突破前 N 根（不含当前）最高价买入，跌破最低价卖出。
type Breakout struct{ p breakoutParams }

func NewBreakout(params map[string]any) (signal.Source, error) {
	p := breakoutParams{Lookback: 20}
	if err := decodeParams(params, &p); err != nil {
		return nil, err
	}
	if p.Lookback <= 0 {
		return nil, fmt.Errorf("lookback 必须为正")
	}
	return &Breakout{p: p}, nil
}

func (s *Breakout) MinWindow() int { return s.p.Lookback + 5 }

func (s *Breakout) Evaluate(window market.Series) (signal.Signal, error) {
	if window.Len() < s.MinWindow() {
		return insufficient(window.Len(), s.MinWindow()), nil
	}
	n := window.Len()
	prior := window[:n-1]
	high := indicator.Last(indicator.Highest(prior.Highs(), s.p.Lookback))
	low := indicator.Last(indicator.Lowest(prior.Lows(), s.p.Lookback))
	price := window[n-1].Close
	switch {
	case price > high:
		return signal.NewSignal(signal.Buy, fmt.Sprintf("breakout %.4f > %d-bar high %.4f", price, s.p.Lookback, high)), nil
	case price < low:
		return signal.NewSignal(signal.Sell, fmt.Sprintf("breakdown %.4f < %d-bar low %.4f", price, s.p.Lookback, low)), nil
	}
	return signal.NeutralSignal(fmt.Sprintf("high=%.4f low=%.4f", high, low)), nil
}

// ---- ema_trend ----

type emaTrendParams struct {
	FastEMA   int     `mapstructure:"fast_ema"`
	SlowEMA   int     `mapstructure:"slow_ema"`
	BufferPct float64 `mapstructure:"buffer_pct"`
}

// EMATrend 快 EMA 高于慢 EMA 超过 buffer 视为多头，低于慢 EMA 视为空头。
type EMATrend struct{ p emaTrendParams }

func NewEMATrend(params map[string]any) (signal.Source, error) {
	p := emaTrendParams{FastEMA: 10, SlowEMA: 30, BufferPct: 0.01}
	if err := decodeParams(params, &p); err != nil {
		return nil, err
	}
	if p.FastEMA <= 0 || p.SlowEMA <= p.FastEMA {
		return nil, fmt.Errorf("fast_ema(%d) 必须小于 slow_ema(%d)", p.FastEMA, p.SlowEMA)
	}
	return &EMATrend{p: p}, nil
}

func (s *EMATrend) MinWindow() int { return s.p.SlowEMA + 5 }

func (s *EMATrend) Evaluate(window market.Series) (signal.Signal, error) {
	if window.Len() < s.MinWindow() {
		return insufficient(window.Len(), s.MinWindow()), nil
	}
	closes := window.Closes()
	fast := indicator.Last(indicator.EMA(s.p.FastEMA)(closes))
	slow := indicator.Last(indicator.EMA(s.p.SlowEMA)(closes))
	return s.trend(fast, slow), nil
}

// Prepare 预计算快慢 EMA。
func (s *EMATrend) Prepare(series market.Series) (signal.Source, error) {
	return prepare(s, series, map[string]indicator.Func{
		"fast": indicator.EMA(s.p.FastEMA),
		"slow": indicator.EMA(s.p.SlowEMA),
	}, func(cols *indicator.Columns, i int) signal.Signal {
		return s.trend(cols.Value("fast", i), cols.Value("slow", i))
	})
}

func (s *EMATrend) trend(fast, slow float64) signal.Signal {
	if !indicator.Valid(fast, slow) || slow == 0 {
		return signal.NeutralSignal("ema not ready")
	}
	diff := (fast - slow) / slow
	switch {
	case diff > s.p.BufferPct:
		return signal.NewSignal(signal.Buy, fmt.Sprintf("bullish trend diff=%.2f%%", diff*100))
	case diff < 0:
		return signal.NewSignal(signal.Sell, fmt.Sprintf("bearish trend diff=%.2f%%", diff*100))
	}
	return signal.NeutralSignal(fmt.Sprintf("diff=%.2f%%", diff*100))
}
