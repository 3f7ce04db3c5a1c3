package signal

import (
	"encoding/json"
	"fmt"
	"math"
	"strings"

	"backlab/internal/market"
)

// Action 是离散交易指令。
type Action string

const (
	Buy     Action = "BUY"
	Sell    Action = "SELL"
	Neutral Action = "NEUTRAL"
)

// ParseAction 宽松解析 BUY/SELL/NEUTRAL（大小写、long/short/hold 同义词）。
func ParseAction(raw string) (Action, error) {
	switch strings.ToUpper(strings.TrimSpace(raw)) {
	case "BUY", "LONG", "OPEN_LONG", "1":
		return Buy, nil
	case "SELL", "SHORT", "CLOSE_LONG", "-1":
		return Sell, nil
	case "NEUTRAL", "HOLD", "", "0":
		return Neutral, nil
	default:
		return Neutral, fmt.Errorf("未知信号: %q", raw)
	}
}

// Signal 是某一步的评估结果，每步新建，不会被修改。
// Confidence 可选（HasConfidence=false 表示未提供）；Regime 仅用于报表透传。
type Signal struct {
	Action        Action  `json:"action"`
	Confidence    float64 `json:"confidence,omitempty"`
	HasConfidence bool    `json:"-"`
	Regime        string  `json:"regime,omitempty"`
	Reason        string  `json:"reason,omitempty"`
}

// NewSignal 构造不带置信度的信号。
func NewSignal(action Action, reason string) Signal {
	return Signal{Action: action, Reason: reason}
}

// WithConfidence 返回带置信度的副本，数值被夹到 [0,1]。
func (s Signal) WithConfidence(c float64) Signal {
	switch {
	case math.IsNaN(c), c < 0:
		c = 0
	case c > 1:
		c = 1
	}
	s.Confidence = c
	s.HasConfidence = true
	return s
}

// WithRegime 返回带市场状态标签的副本。
func (s Signal) WithRegime(regime string) Signal {
	s.Regime = strings.TrimSpace(regime)
	return s
}

func (s Signal) MarshalJSON() ([]byte, error) {
	type wire struct {
		Action     Action   `json:"action"`
		Confidence *float64 `json:"confidence,omitempty"`
		Regime     string   `json:"regime,omitempty"`
		Reason     string   `json:"reason,omitempty"`
	}
	w := wire{Action: s.Action, Regime: s.Regime, Reason: s.Reason}
	if s.HasConfidence {
		c := s.Confidence
		w.Confidence = &c
	}
	return json.Marshal(w)
}

// NeutralSignal 是窗口不足或无法判断时的默认输出。
func NeutralSignal(reason string) Signal {
	return Signal{Action: Neutral, Reason: reason}
}

// Source 根据截至当前步（含）的窗口给出信号。
// 实现必须只依赖窗口内容与自身参数/已训练状态，运行期间不得修改内部状态；
// 同一个 Source 可能被多个并发 run 同时调用。
type Source interface {
	Evaluate(window market.Series) (Signal, error)
}

// SourceFunc 让普通函数满足 Source。
type SourceFunc func(window market.Series) (Signal, error)

func (f SourceFunc) Evaluate(window market.Series) (Signal, error) {
	return f(window)
}

// Warmup 可选接口：声明产生非 NEUTRAL 信号所需的最少 K 线数。
type Warmup interface {
	MinWindow() int
}

// Preparer 可选接口：循环开始前拿到本次 run 的全部有效 K 线做一次向量化预计算，
// 返回该 run 专用的 Source。预计算的每个位置只能依赖该位置及之前的数据。
type Preparer interface {
	Prepare(series market.Series) (Source, error)
}

// MinWindow 返回 src 声明的最小窗口，未声明返回 0。
func MinWindow(src Source) int {
	if w, ok := src.(Warmup); ok {
		return w.MinWindow()
	}
	return 0
}
