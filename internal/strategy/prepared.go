package strategy

import (
	"backlab/internal/indicator"
	"backlab/internal/market"
	"backlab/internal/signal"
)

// precomputeSamples 是预计算时做前缀复算校验的采样点数。
const precomputeSamples = 16

// prepared 按时间戳定位预计算列；窗口与预计算序列对不上时回退到 base 的窗口计算。
type prepared struct {
	base   signal.Source
	cols   *indicator.Columns
	index  map[int64]int
	decide func(cols *indicator.Columns, i int) signal.Signal
}

func prepare(base signal.Source, series market.Series, fns map[string]indicator.Func, decide func(*indicator.Columns, int) signal.Signal) (signal.Source, error) {
	cols, err := indicator.Precompute(series.Closes(), fns, precomputeSamples)
	if err != nil {
		return nil, err
	}
	index := make(map[int64]int, len(series))
	for i, c := range series {
		index[c.OpenTime] = i
	}
	return &prepared{base: base, cols: cols, index: index, decide: decide}, nil
}

func (p *prepared) MinWindow() int { return signal.MinWindow(p.base) }

func (p *prepared) Evaluate(window market.Series) (signal.Signal, error) {
	last, ok := window.Last()
	if !ok {
		return p.base.Evaluate(window)
	}
	i, ok := p.index[last.OpenTime]
	if !ok || i != window.Len()-1 {
		return p.base.Evaluate(window)
	}
	if need := p.MinWindow(); window.Len() < need {
		return insufficient(window.Len(), need), nil
	}
	return p.decide(p.cols, i), nil
}
