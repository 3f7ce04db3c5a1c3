package market

import (
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"sort"
	"strconv"
	"strings"
	"time"
)

var csvTimeLayouts = []string{
	time.RFC3339,
	"2006-01-02 15:04:05",
	"2006-01-02T15:04:05",
	"2006-01-02",
}

// ReadCSV 读取 timestamp,open,high,low,close,volume 格式的 K 线文件。
// 表头可选；时间列支持 Unix 秒/毫秒、RFC3339 与日期字符串。结果按时间排序并去重（后出现的覆盖）。
func ReadCSV(r io.Reader) (Series, error) {
	reader := csv.NewReader(r)
	reader.TrimLeadingSpace = true
	reader.FieldsPerRecord = -1

	cols := map[string]int{"timestamp": 0, "open": 1, "high": 2, "low": 3, "close": 4, "volume": 5}
	var out Series
	line := 0
	for {
		rec, err := reader.Read()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("csv 第 %d 行读取失败: %w", line+1, err)
		}
		line++
		if line == 1 && looksLikeHeader(rec) {
			cols = headerColumns(rec)
			continue
		}
		c, err := parseRecord(rec, cols)
		if err != nil {
			return nil, fmt.Errorf("csv 第 %d 行: %w", line, err)
		}
		out = append(out, c)
	}
	return out.Normalize(), nil
}

// Normalize 按 OpenTime 排序，重复时间戳保留最后一条。
func (s Series) Normalize() Series {
	if len(s) == 0 {
		return s
	}
	sorted := s.Clone()
	sort.SliceStable(sorted, func(i, j int) bool { return sorted[i].OpenTime < sorted[j].OpenTime })
	out := sorted[:0]
	for _, c := range sorted {
		if n := len(out); n > 0 && out[n-1].OpenTime == c.OpenTime {
			out[n-1] = c
			continue
		}
		out = append(out, c)
	}
	return out
}

func looksLikeHeader(rec []string) bool {
	if len(rec) == 0 {
		return false
	}
	_, err := strconv.ParseFloat(strings.TrimSpace(rec[len(rec)-1]), 64)
	return err != nil
}

func headerColumns(rec []string) map[string]int {
	cols := make(map[string]int, len(rec))
	for i, name := range rec {
		key := strings.ToLower(strings.TrimSpace(name))
		switch key {
		case "time", "date", "datetime", "open_time", "ts":
			key = "timestamp"
		case "vol":
			key = "volume"
		}
		if _, seen := cols[key]; !seen {
			cols[key] = i
		}
	}
	return cols
}

func parseRecord(rec []string, cols map[string]int) (Candle, error) {
	field := func(name string) (string, error) {
		idx, ok := cols[name]
		if !ok || idx >= len(rec) {
			return "", fmt.Errorf("缺少列 %s", name)
		}
		return strings.TrimSpace(rec[idx]), nil
	}
	num := func(name string) (float64, error) {
		raw, err := field(name)
		if err != nil {
			return 0, err
		}
		v, err := strconv.ParseFloat(raw, 64)
		if err != nil {
			return 0, fmt.Errorf("列 %s 非数字: %q", name, raw)
		}
		return v, nil
	}
	rawTS, err := field("timestamp")
	if err != nil {
		return Candle{}, err
	}
	ts, err := ParseTimestamp(rawTS)
	if err != nil {
		return Candle{}, err
	}
	var c Candle
	c.OpenTime = ts
	if c.Open, err = num("open"); err != nil {
		return Candle{}, err
	}
	if c.High, err = num("high"); err != nil {
		return Candle{}, err
	}
	if c.Low, err = num("low"); err != nil {
		return Candle{}, err
	}
	if c.Close, err = num("close"); err != nil {
		return Candle{}, err
	}
	if _, ok := cols["volume"]; ok {
		if c.Volume, err = num("volume"); err != nil {
			return Candle{}, err
		}
	}
	return c, nil
}

// ParseTimestamp 把字符串时间统一转成 Unix 毫秒。
func ParseTimestamp(raw string) (int64, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return 0, fmt.Errorf("时间为空")
	}
	if n, err := strconv.ParseInt(raw, 10, 64); err == nil {
		if n < 1e11 {
			return n * 1000, nil
		}
		return n, nil
	}
	for _, layout := range csvTimeLayouts {
		if t, err := time.Parse(layout, raw); err == nil {
			return t.UnixMilli(), nil
		}
	}
	return 0, fmt.Errorf("无法解析时间: %q", raw)
}
