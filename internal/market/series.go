package market

import "sort"

// Series 是按时间严格递增的 K 线序列，由调用方持有，模拟器只读取其前缀视图。
type Series []Candle

func (s Series) Len() int { return len(s) }

// Last 返回最后一根 K 线；空序列返回 false。
func (s Series) Last() (Candle, bool) {
	if len(s) == 0 {
		return Candle{}, false
	}
	return s[len(s)-1], true
}

// Window 返回 [0,i] 的前缀视图。容量被截断到长度，调用方无法通过 reslice 看到 i 之后的数据。
func (s Series) Window(i int) Series {
	if i < 0 {
		return s[:0:0]
	}
	if i >= len(s) {
		i = len(s) - 1
	}
	return s[: i+1 : i+1]
}

// Between 返回 OpenTime 落在 [start,end] 的子序列（end<=0 表示不限）。
func (s Series) Between(start, end int64) Series {
	lo := sort.Search(len(s), func(i int) bool { return s[i].OpenTime >= start })
	hi := len(s)
	if end > 0 {
		hi = sort.Search(len(s), func(i int) bool { return s[i].OpenTime > end })
	}
	if lo >= hi {
		return nil
	}
	return s[lo:hi:hi]
}

func (s Series) Closes() []float64 {
	return s.column(func(c Candle) float64 { return c.Close })
}

func (s Series) Highs() []float64 {
	return s.column(func(c Candle) float64 { return c.High })
}

func (s Series) Lows() []float64 {
	return s.column(func(c Candle) float64 { return c.Low })
}

func (s Series) Volumes() []float64 {
	return s.column(func(c Candle) float64 { return c.Volume })
}

func (s Series) column(fn func(Candle) float64) []float64 {
	out := make([]float64, len(s))
	for i, c := range s {
		out[i] = fn(c)
	}
	return out
}

// Clone 返回深拷贝，供需要独立修改的测试或调用方使用。
func (s Series) Clone() Series {
	if s == nil {
		return nil
	}
	out := make(Series, len(s))
	copy(out, s)
	return out
}
