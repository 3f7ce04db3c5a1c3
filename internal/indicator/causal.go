package indicator

import (
	"errors"
	"fmt"
	"math"
	"sort"
)

// ErrLookahead 表示向量化结果在某个位置使用了未来数据。
var ErrLookahead = errors.New("indicator uses future values")

const causalTolerance = 1e-9

// CheckCausal 对 samples 中的每个下标 i，用 values[:i+1] 重新计算 fn，
// 断言其最后一个值与整段向量化计算在 i 处的值一致（NaN 与 NaN 视为一致）。
func CheckCausal(fn Func, values []float64, samples []int) error {
	if fn == nil {
		return fmt.Errorf("indicator func 为空")
	}
	full := fn(values)
	if len(full) != len(values) {
		return fmt.Errorf("indicator 输出长度 %d 与输入 %d 不一致", len(full), len(values))
	}
	for _, i := range samples {
		if i < 0 || i >= len(values) {
			continue
		}
		prefix := make([]float64, i+1)
		copy(prefix, values[:i+1])
		partial := fn(prefix)
		if len(partial) != i+1 {
			return fmt.Errorf("indicator 前缀输出长度 %d，期望 %d", len(partial), i+1)
		}
		if !sameValue(full[i], partial[i]) {
			return fmt.Errorf("%w: index %d 全量=%v 前缀=%v", ErrLookahead, i, full[i], partial[i])
		}
	}
	return nil
}

// SampleIndices 在 [0,n) 中均匀取 k 个下标，并总是包含首尾。
func SampleIndices(n, k int) []int {
	if n <= 0 {
		return nil
	}
	if k <= 0 || k >= n {
		out := make([]int, n)
		for i := range out {
			out[i] = i
		}
		return out
	}
	seen := make(map[int]struct{}, k+2)
	add := func(i int) { seen[i] = struct{}{} }
	add(0)
	add(n - 1)
	step := float64(n-1) / float64(k)
	for j := 1; j < k; j++ {
		add(int(math.Round(float64(j) * step)))
	}
	out := make([]int, 0, len(seen))
	for i := range seen {
		out = append(out, i)
	}
	sort.Ints(out)
	return out
}

func sameValue(a, b float64) bool {
	if math.IsNaN(a) || math.IsNaN(b) {
		return math.IsNaN(a) && math.IsNaN(b)
	}
	diff := math.Abs(a - b)
	scale := math.Max(1, math.Max(math.Abs(a), math.Abs(b)))
	return diff <= causalTolerance*scale
}

// Columns 保存一次性向量化预计算的指标列，按下标读取。
type Columns struct {
	n    int
	cols map[string][]float64
}

// Precompute 在 values 上计算 fns，并用 samples 个采样点验证每一列都只回看历史；
// 任何一列泄漏未来数据都会返回 ErrLookahead。
func Precompute(values []float64, fns map[string]Func, samples int) (*Columns, error) {
	idx := SampleIndices(len(values), samples)
	cols := make(map[string][]float64, len(fns))
	names := make([]string, 0, len(fns))
	for name := range fns {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		fn := fns[name]
		if err := CheckCausal(fn, values, idx); err != nil {
			return nil, fmt.Errorf("列 %s: %w", name, err)
		}
		cols[name] = fn(values)
	}
	return &Columns{n: len(values), cols: cols}, nil
}

// Len 返回预计算时的输入长度。
func (c *Columns) Len() int { return c.n }

// Value 读取列 name 在 i 处的值；列不存在或越界返回 NaN。
func (c *Columns) Value(name string, i int) float64 {
	if c == nil {
		return math.NaN()
	}
	return At(c.cols[name], i)
}
