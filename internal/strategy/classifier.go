package strategy

import (
	"errors"
	"fmt"
	"math"
	"os"
	"sync"

	"backlab/internal/indicator"
	"backlab/internal/market"
	"backlab/internal/signal"

	"github.com/tidwall/gjson"
)

// FeatureNames 是分类器特征的固定顺序。
var FeatureNames = []string{
	"rsi",
	"sma_ratio",
	"macd_hist",
	"atr_pct",
	"price_change_1",
	"price_change_5",
	"volume_change",
	"bb_position",
}

// ErrModelNotLoaded 表示 classifier 策略没有可用的预测器。
var ErrModelNotLoaded = errors.New("classifier model not loaded")

// Predictor 是黑盒模型：输入特征向量，输出上涨概率 [0,1]。
// 运行期间不得修改内部状态。
type Predictor interface {
	PredictProba(features []float64) (float64, error)
}

// PredictorFunc 适配普通函数。
type PredictorFunc func(features []float64) (float64, error)

func (f PredictorFunc) PredictProba(features []float64) (float64, error) { return f(features) }

// Serialized 给不支持并发打分的模型加锁。
type Serialized struct {
	mu    sync.Mutex
	inner Predictor
}

func NewSerialized(p Predictor) *Serialized { return &Serialized{inner: p} }

func (s *Serialized) PredictProba(features []float64) (float64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.inner.PredictProba(features)
}

// LogisticModel 标准化后做逻辑回归，一次加载后只读。
type LogisticModel struct {
	Features []string
	Mean     []float64
	Scale    []float64
	Weights  []float64
	Bias     float64
}

// LoadLogisticModel 从 JSON 文件加载模型。
func LoadLogisticModel(path string) (*LogisticModel, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("读取模型文件失败: %w", err)
	}
	return ParseLogisticModel(string(raw))
}

// ParseLogisticModel 解析 {"features":[],"mean":[],"scale":[],"weights":[],"bias":0}。
// features 省略时使用 FeatureNames；mean/scale 省略时不做标准化。
func ParseLogisticModel(raw string) (*LogisticModel, error) {
	if !gjson.Valid(raw) {
		return nil, fmt.Errorf("模型 JSON 非法")
	}
	root := gjson.Parse(raw)
	m := &LogisticModel{Bias: root.Get("bias").Float()}
	for _, v := range root.Get("features").Array() {
		m.Features = append(m.Features, v.String())
	}
	if len(m.Features) == 0 {
		m.Features = append([]string(nil), FeatureNames...)
	}
	m.Weights = floats(root.Get("weights"))
	m.Mean = floats(root.Get("mean"))
	m.Scale = floats(root.Get("scale"))
	n := len(m.Features)
	if len(m.Weights) != n {
		return nil, fmt.Errorf("weights 长度 %d 与特征数 %d 不一致", len(m.Weights), n)
	}
	if len(m.Mean) == 0 {
		m.Mean = make([]float64, n)
	}
	if len(m.Scale) == 0 {
		m.Scale = make([]float64, n)
		for i := range m.Scale {
			m.Scale[i] = 1
		}
	}
	if len(m.Mean) != n || len(m.Scale) != n {
		return nil, fmt.Errorf("mean/scale 长度与特征数 %d 不一致", n)
	}
	if n != len(FeatureNames) {
		return nil, fmt.Errorf("模型特征数 %d，期望 %d", n, len(FeatureNames))
	}
	return m, nil
}

func floats(res gjson.Result) []float64 {
	arr := res.Array()
	if len(arr) == 0 {
		return nil
	}
	out := make([]float64, len(arr))
	for i, v := range arr {
		out[i] = v.Float()
	}
	return out
}

func (m *LogisticModel) PredictProba(features []float64) (float64, error) {
	if len(features) != len(m.Weights) {
		return 0, fmt.Errorf("特征数 %d，模型需要 %d", len(features), len(m.Weights))
	}
	z := m.Bias
	for i, x := range features {
		scale := m.Scale[i]
		if scale == 0 {
			scale = 1
		}
		z += m.Weights[i] * (x - m.Mean[i]) / scale
	}
	return 1 / (1 + math.Exp(-z)), nil
}

// Features 计算窗口最后一根 K 线的特征向量；任何特征不可用时 ok=false。
func Features(window market.Series) ([]float64, bool) {
	n := window.Len()
	if n < 2 {
		return nil, false
	}
	closes := window.Closes()
	volumes := window.Volumes()
	rsi := indicator.Last(indicator.RSI(14)(closes))
	smaFast := indicator.Last(indicator.SMA(10)(closes))
	smaSlow := indicator.Last(indicator.SMA(30)(closes))
	hist := indicator.Last(indicator.MACDHist(12, 26, 9)(closes))
	atr := indicator.Last(indicator.ATR(window.Highs(), window.Lows(), closes, 14))
	upper, _, lower := indicator.BBands(closes, 20, 2)
	u, l := indicator.Last(upper), indicator.Last(lower)
	price := closes[n-1]
	if !indicator.Valid(rsi, smaFast, smaSlow, hist, atr, u, l) || smaSlow == 0 || u == l || n < 6 {
		return nil, false
	}
	pct := func(cur, prev float64) float64 {
		if prev == 0 {
			return 0
		}
		return (cur/prev - 1) * 100
	}
	return []float64{
		rsi,
		smaFast / smaSlow,
		hist,
		atr / price * 100,
		pct(price, closes[n-2]),
		pct(price, closes[n-6]),
		pct(volumes[n-1], volumes[n-2]),
		(price - l) / (u - l),
	}, true
}

// Regime 以收盘价相对 SMA(period) 的偏离给出 bull/bear/sideways。
func Regime(closes []float64, period int, band float64) string {
	sma := indicator.Last(indicator.SMA(period)(closes))
	if !indicator.Valid(sma) || sma == 0 || len(closes) == 0 {
		return ""
	}
	diff := closes[len(closes)-1]/sma - 1
	switch {
	case diff > band:
		return "bull"
	case diff < -band:
		return "bear"
	default:
		return "sideways"
	}
}

type classifierParams struct {
	BuyThreshold  float64 `mapstructure:"buy_threshold"`
	SellThreshold float64 `mapstructure:"sell_threshold"`
	RegimePeriod  int     `mapstructure:"regime_period"`
	RegimeBand    float64 `mapstructure:"regime_band"`
}

// Classifier 用 Predictor 的上涨概率给出信号；模型在 run 前加载，运行中只读。
type Classifier struct {
	p     classifierParams
	model Predictor
}

// NewClassifierConstructor 绑定一个已加载的模型。
func NewClassifierConstructor(model Predictor) signal.Constructor {
	return func(params map[string]any) (signal.Source, error) {
		if model == nil {
			return nil, ErrModelNotLoaded
		}
		p := classifierParams{BuyThreshold: 0.6, SellThreshold: 0.4, RegimePeriod: 50, RegimeBand: 0.02}
		if err := decodeParams(params, &p); err != nil {
			return nil, err
		}
		if p.SellThreshold >= p.BuyThreshold {
			return nil, fmt.Errorf("sell_threshold(%.2f) 必须小于 buy_threshold(%.2f)", p.SellThreshold, p.BuyThreshold)
		}
		if p.RegimePeriod <= 0 {
			return nil, fmt.Errorf("regime_period 必须为正")
		}
		return &Classifier{p: p, model: model}, nil
	}
}

func (c *Classifier) MinWindow() int {
	if c.p.RegimePeriod > 50 {
		return c.p.RegimePeriod
	}
	return 50
}

func (c *Classifier) Evaluate(window market.Series) (signal.Signal, error) {
	if window.Len() < c.MinWindow() {
		return insufficient(window.Len(), c.MinWindow()), nil
	}
	feats, ok := Features(window)
	if !ok {
		return signal.NeutralSignal("features not ready"), nil
	}
	prob, err := c.model.PredictProba(feats)
	if err != nil {
		return signal.Signal{}, fmt.Errorf("模型打分失败: %w", err)
	}
	if math.IsNaN(prob) {
		return signal.Signal{}, fmt.Errorf("模型返回 NaN")
	}
	regime := Regime(window.Closes(), c.p.RegimePeriod, c.p.RegimeBand)
	var out signal.Signal
	switch {
	case prob > c.p.BuyThreshold:
		out = signal.NewSignal(signal.Buy, fmt.Sprintf("p(up)=%.3f", prob))
	case prob < c.p.SellThreshold:
		out = signal.NewSignal(signal.Sell, fmt.Sprintf("p(up)=%.3f", prob))
	default:
		out = signal.NeutralSignal(fmt.Sprintf("p(up)=%.3f", prob))
	}
	return out.WithConfidence(math.Max(prob, 1-prob)).WithRegime(regime), nil
}
