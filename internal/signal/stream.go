package signal

import (
	"fmt"
	"os"
	"strings"

	"backlab/internal/market"

	"github.com/tidwall/gjson"
)

// StreamEntry 是预先生成的一条信号。
type StreamEntry struct {
	TS     int64
	Signal Signal
}

// Stream 回放外部预先计算好的信号流：某步只会拿到时间戳恰好等于窗口最后一根 K 线的信号，
// 其余步一律 NEUTRAL，因此不可能提前看到未来的信号。
type Stream struct {
	byTS map[int64]Signal
}

func NewStream(entries []StreamEntry) *Stream {
	m := make(map[int64]Signal, len(entries))
	for _, e := range entries {
		m[e.TS] = e.Signal
	}
	return &Stream{byTS: m}
}

func (s *Stream) Evaluate(window market.Series) (Signal, error) {
	last, ok := window.Last()
	if !ok {
		return NeutralSignal("empty window"), nil
	}
	if sig, ok := s.byTS[last.OpenTime]; ok {
		return sig, nil
	}
	return NeutralSignal(""), nil
}

func (s *Stream) Len() int { return len(s.byTS) }

// LoadStreamFile 读取 JSON 信号流文件。
func LoadStreamFile(path string) (*Stream, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("读取信号流失败: %w", err)
	}
	return LoadStreamJSON(string(raw))
}

// LoadStreamJSON 解析 [{"ts":..., "signal":"BUY", "confidence":0.7, "regime":"bull", "reason":"..."}]，
// 也接受 {"signals":[...]} 包裹。数字 ts 视为 Unix 毫秒，字符串 ts 按 market.ParseTimestamp 解析。
func LoadStreamJSON(raw string) (*Stream, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return nil, fmt.Errorf("json 内容为空")
	}
	if !gjson.Valid(raw) {
		return nil, fmt.Errorf("json 格式无效")
	}
	parsed := gjson.Parse(raw)
	if parsed.IsObject() {
		parsed = parsed.Get("signals")
	}
	if !parsed.IsArray() {
		return nil, fmt.Errorf("根节点必须是 JSON 数组或包含 signals 数组")
	}
	var (
		entries []StreamEntry
		walkErr error
		idx     int
	)
	parsed.ForEach(func(_, item gjson.Result) bool {
		idx++
		entry, err := parseStreamItem(item)
		if err != nil {
			walkErr = fmt.Errorf("信号#%d: %w", idx, err)
			return false
		}
		entries = append(entries, entry)
		return true
	})
	if walkErr != nil {
		return nil, walkErr
	}
	return NewStream(entries), nil
}

func parseStreamItem(item gjson.Result) (StreamEntry, error) {
	if !item.IsObject() {
		return StreamEntry{}, fmt.Errorf("需为对象")
	}
	tsNode := item.Get("ts")
	if !tsNode.Exists() {
		tsNode = item.Get("timestamp")
	}
	if !tsNode.Exists() {
		return StreamEntry{}, fmt.Errorf("缺少 ts")
	}
	var ts int64
	if tsNode.Type == gjson.Number {
		ts = tsNode.Int()
	} else {
		parsed, err := market.ParseTimestamp(tsNode.String())
		if err != nil {
			return StreamEntry{}, err
		}
		ts = parsed
	}
	action, err := ParseAction(item.Get("signal").String())
	if err != nil {
		return StreamEntry{}, err
	}
	sig := NewSignal(action, item.Get("reason").String())
	if c := item.Get("confidence"); c.Exists() {
		sig = sig.WithConfidence(c.Float())
	}
	if rg := item.Get("regime"); rg.Exists() {
		sig = sig.WithRegime(rg.String())
	}
	return StreamEntry{TS: ts, Signal: sig}, nil
}
