package market

import (
	"errors"
	"fmt"
	"math"
	"time"
)

// ErrInvalidCandle 表示 K 线价格/时间戳不可用于模拟。
var ErrInvalidCandle = errors.New("invalid candle")

// Candle 是一根 OHLCV K 线，时间戳取 OpenTime（Unix 毫秒）。
type Candle struct {
	OpenTime  int64   `json:"open_time"`
	CloseTime int64   `json:"close_time"`
	Open      float64 `json:"open"`
	High      float64 `json:"high"`
	Low       float64 `json:"low"`
	Close     float64 `json:"close"`
	Volume    float64 `json:"volume"`
	Trades    int64   `json:"trades"`
}

// Time 返回 OpenTime 对应的 UTC 时间。
func (c Candle) Time() time.Time {
	return time.UnixMilli(c.OpenTime).UTC()
}

func (c Candle) TimeString() string {
	if c.OpenTime <= 0 {
		return "-"
	}
	return c.Time().Format("2006-01-02 15:04") + "Z"
}

// Validate 检查价格为有限正数、high>=low、成交量非负，且时间戳严格晚于 prevTS。
// prevTS<0 表示没有前一根。
func (c Candle) Validate(prevTS int64) error {
	prices := [4]float64{c.Open, c.High, c.Low, c.Close}
	names := [4]string{"open", "high", "low", "close"}
	for i, p := range prices {
		if math.IsNaN(p) || math.IsInf(p, 0) || p <= 0 {
			return fmt.Errorf("%w: %s=%v", ErrInvalidCandle, names[i], p)
		}
	}
	if c.High < c.Low {
		return fmt.Errorf("%w: high %.8f < low %.8f", ErrInvalidCandle, c.High, c.Low)
	}
	if math.IsNaN(c.Volume) || math.IsInf(c.Volume, 0) || c.Volume < 0 {
		return fmt.Errorf("%w: volume=%v", ErrInvalidCandle, c.Volume)
	}
	if prevTS >= 0 && c.OpenTime <= prevTS {
		return fmt.Errorf("%w: timestamp %d 未晚于上一根 %d", ErrInvalidCandle, c.OpenTime, prevTS)
	}
	return nil
}
