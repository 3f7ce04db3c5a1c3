package market

import (
	"fmt"
	"sort"
	"strings"
	"time"
)

// Timeframe 描述 K 线周期。
type Timeframe struct {
	Key      string
	Duration time.Duration
}

var supportedTimeframes = map[string]Timeframe{
	"1m":  {Key: "1m", Duration: time.Minute},
	"5m":  {Key: "5m", Duration: 5 * time.Minute},
	"15m": {Key: "15m", Duration: 15 * time.Minute},
	"30m": {Key: "30m", Duration: 30 * time.Minute},
	"1h":  {Key: "1h", Duration: time.Hour},
	"4h":  {Key: "4h", Duration: 4 * time.Hour},
	"1d":  {Key: "1d", Duration: 24 * time.Hour},
	"1w":  {Key: "1w", Duration: 7 * 24 * time.Hour},
}

// ParseTimeframe 返回标准化周期定义。
func ParseTimeframe(input string) (Timeframe, error) {
	key := strings.ToLower(strings.TrimSpace(input))
	if key == "7d" {
		key = "1w"
	}
	tf, ok := supportedTimeframes[key]
	if !ok {
		return Timeframe{}, fmt.Errorf("不支持的周期: %s", input)
	}
	return tf, nil
}

// SupportedTimeframes 返回所有支持的 key（按时长排序）。
func SupportedTimeframes() []string {
	list := make([]Timeframe, 0, len(supportedTimeframes))
	for _, tf := range supportedTimeframes {
		list = append(list, tf)
	}
	sort.Slice(list, func(i, j int) bool { return list[i].Duration < list[j].Duration })
	keys := make([]string, len(list))
	for i, tf := range list {
		keys[i] = tf.Key
	}
	return keys
}

// Millis 返回周期毫秒数。
func (tf Timeframe) Millis() int64 {
	return tf.Duration.Milliseconds()
}

func alignDown(ts, step int64) int64 {
	if step <= 0 {
		return ts
	}
	rem := ts % step
	if rem < 0 {
		rem += step
	}
	return ts - rem
}

// AlignRange 将输入的毫秒时间对齐到周期网格，保证 start<=end。
func (tf Timeframe) AlignRange(start, end int64) (int64, int64) {
	step := tf.Millis()
	if end < start {
		start, end = end, start
	}
	alStart := alignDown(start, step)
	alEnd := alignDown(end, step)
	if alEnd < alStart {
		alEnd = alStart
	}
	return alStart, alEnd
}

// ExpectedCandles 计算 start~end（含）区间应存在的 K 线数量。
func (tf Timeframe) ExpectedCandles(start, end int64) int64 {
	if end < start {
		return 0
	}
	step := tf.Millis()
	if step == 0 {
		return 0
	}
	return ((end - start) / step) + 1
}

// Gap 是一段缺失的 K 线区间（含两端）。
type Gap struct {
	From int64 `json:"from"`
	To   int64 `json:"to"`
}

// Gaps 找出 series 中相邻 K 线间超过一个周期的空档。缺口不影响模拟，仅用于报告。
func (tf Timeframe) Gaps(s Series) []Gap {
	step := tf.Millis()
	if step <= 0 {
		return nil
	}
	var gaps []Gap
	for i := 1; i < len(s); i++ {
		prev, cur := s[i-1].OpenTime, s[i].OpenTime
		if cur-prev > step {
			gaps = append(gaps, Gap{From: prev + step, To: cur - step})
		}
	}
	return gaps
}
