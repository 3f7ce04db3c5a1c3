package export

import (
	"fmt"
	"io"
	"math"
	"strings"
	"time"

	"backlab/internal/backtest"
	"backlab/internal/market"

	"github.com/go-echarts/go-echarts/v2/charts"
	"github.com/go-echarts/go-echarts/v2/components"
	"github.com/go-echarts/go-echarts/v2/opts"
	"github.com/go-echarts/go-echarts/v2/types"
)

const (
	colorBackground    = "#060c1b"
	colorTextPrimary   = "#eceff4"
	colorTextSecondary = "#9ca3af"
	colorBull          = "#34d399"
	colorBear          = "#f87171"
	colorEquity        = "#3b82f6"
	colorCash          = "#fbbf24"

	chartWidthPx   = 1400
	priceHeightPx  = 480
	equityHeightPx = 320
)

// ChartInput 渲染所需数据；Candles 为空时只画资金曲线。
type ChartInput struct {
	Result  *backtest.Result
	Candles market.Series
}

// RenderChart 输出一个自包含的 HTML 页面：价格+买卖点、资金曲线。
func RenderChart(w io.Writer, in ChartInput) error {
	res := in.Result
	if res == nil {
		return fmt.Errorf("chart: result 为空")
	}
	if len(res.Equity) == 0 {
		return fmt.Errorf("chart: run %s 没有资金曲线", res.ID)
	}
	page := components.NewPage()
	page.PageTitle = fmt.Sprintf("%s %s backtest", strings.ToUpper(res.Config.Symbol), res.Config.Strategy)
	page.SetLayout(components.PageFlexLayout)
	if len(in.Candles) > 0 {
		page.AddCharts(buildPriceChart(res, in.Candles))
	}
	page.AddCharts(buildEquityChart(res))
	return page.Render(w)
}

// RenderChartFile 写到 path。
func RenderChartFile(path string, in ChartInput) error {
	return writeFile(path, func(w io.Writer) error { return RenderChart(w, in) })
}

func initOpts(height int) opts.Initialization {
	return opts.Initialization{
		Theme:           types.ThemeWesteros,
		Width:           fmt.Sprintf("%dpx", chartWidthPx),
		Height:          fmt.Sprintf("%dpx", height),
		BackgroundColor: colorBackground,
	}
}

func axisLabels(ts []int64) []string {
	x := make([]string, len(ts))
	for i, t := range ts {
		x[i] = time.UnixMilli(t).UTC().Format("2006-01-02 15:04")
	}
	return x
}

func buildEquityChart(res *backtest.Result) *charts.Line {
	line := charts.NewLine()
	line.SetGlobalOptions(
		charts.WithInitializationOpts(initOpts(equityHeightPx)),
		charts.WithTitleOpts(opts.Title{
			Title:         "Equity",
			Subtitle:      fmt.Sprintf("ROI %.2f%% | trades %d | win %.1f%% | MDD %.2f%%", res.Summary.ROIPct, res.Summary.TotalTrades, res.Summary.WinRate, res.Summary.MaxDrawdownPct),
			Left:          "left",
			TitleStyle:    &opts.TextStyle{Color: colorTextPrimary},
			SubtitleStyle: &opts.TextStyle{Color: colorTextSecondary},
		}),
		charts.WithLegendOpts(opts.Legend{Show: opts.Bool(true), TextStyle: &opts.TextStyle{Color: colorTextSecondary}}),
		charts.WithTooltipOpts(opts.Tooltip{Show: opts.Bool(true), Trigger: "axis"}),
		charts.WithDataZoomOpts(opts.DataZoom{Type: "slider", XAxisIndex: []int{0}}),
		charts.WithYAxisOpts(opts.YAxis{
			Scale:     opts.Bool(true),
			AxisLabel: &opts.AxisLabel{Color: colorTextSecondary},
			SplitLine: &opts.SplitLine{Show: opts.Bool(true), LineStyle: &opts.LineStyle{Color: colorTextSecondary, Opacity: opts.Float(0.2)}},
		}),
	)
	ts := make([]int64, len(res.Equity))
	equity := make([]opts.LineData, len(res.Equity))
	cash := make([]opts.LineData, len(res.Equity))
	for i, p := range res.Equity {
		ts[i] = p.TS
		equity[i] = opts.LineData{Value: round(p.Equity.InexactFloat64(), 2)}
		cash[i] = opts.LineData{Value: round(p.Cash.InexactFloat64(), 2)}
	}
	line.SetXAxis(axisLabels(ts))
	line.AddSeries("Equity", equity, charts.WithLineStyleOpts(opts.LineStyle{Color: colorEquity, Width: 2}))
	line.AddSeries("Cash", cash, charts.WithLineStyleOpts(opts.LineStyle{Color: colorCash, Width: 1}))
	line.SetSeriesOptions(charts.WithLineChartOpts(opts.LineChart{ShowSymbol: opts.Bool(false)}))
	return line
}

func buildPriceChart(res *backtest.Result, candles market.Series) *charts.Line {
	line := charts.NewLine()
	line.SetGlobalOptions(
		charts.WithInitializationOpts(initOpts(priceHeightPx)),
		charts.WithTitleOpts(opts.Title{
			Title:      fmt.Sprintf("%s %s", strings.ToUpper(res.Config.Symbol), res.Config.Timeframe),
			Left:       "left",
			TitleStyle: &opts.TextStyle{Color: colorTextPrimary},
		}),
		charts.WithLegendOpts(opts.Legend{Show: opts.Bool(true), TextStyle: &opts.TextStyle{Color: colorTextSecondary}}),
		charts.WithTooltipOpts(opts.Tooltip{Show: opts.Bool(true), Trigger: "axis"}),
		charts.WithDataZoomOpts(opts.DataZoom{Type: "slider", XAxisIndex: []int{0}}),
		charts.WithYAxisOpts(opts.YAxis{
			Scale:     opts.Bool(true),
			AxisLabel: &opts.AxisLabel{Color: colorTextSecondary},
		}),
	)
	ts := make([]int64, len(candles))
	closes := make([]opts.LineData, len(candles))
	index := make(map[int64]int, len(candles))
	for i, c := range candles {
		ts[i] = c.OpenTime
		index[c.OpenTime] = i
		if math.IsNaN(c.Close) || math.IsInf(c.Close, 0) {
			closes[i] = opts.LineData{Value: nil}
			continue
		}
		closes[i] = opts.LineData{Value: round(c.Close, 4)}
	}
	line.SetXAxis(axisLabels(ts))
	line.AddSeries("Close", closes,
		charts.WithLineStyleOpts(opts.LineStyle{Color: colorTextSecondary, Width: 1}),
		charts.WithLineChartOpts(opts.LineChart{ShowSymbol: opts.Bool(false)}),
	)

	buys := make([]opts.ScatterData, len(candles))
	sells := make([]opts.ScatterData, len(candles))
	for i := range candles {
		buys[i] = opts.ScatterData{Value: nil}
		sells[i] = opts.ScatterData{Value: nil}
	}
	for _, f := range res.Fills {
		i, ok := index[f.TS]
		if !ok {
			continue
		}
		point := opts.ScatterData{Value: round(f.Price.InexactFloat64(), 4), SymbolSize: 12}
		switch f.Kind {
		case backtest.FillBuy:
			point.Symbol = "triangle"
			buys[i] = point
		case backtest.FillSell, backtest.FillCloseEnd:
			point.Symbol = "pin"
			sells[i] = point
		}
	}
	scatter := charts.NewScatter()
	scatter.SetXAxis(axisLabels(ts))
	scatter.AddSeries("BUY", buys, charts.WithItemStyleOpts(opts.ItemStyle{Color: colorBull}))
	scatter.AddSeries("SELL", sells, charts.WithItemStyleOpts(opts.ItemStyle{Color: colorBear}))
	line.Overlap(scatter)
	return line
}

func round(val float64, decimals int) float64 {
	if decimals <= 0 {
		return math.Round(val)
	}
	scale := math.Pow10(decimals)
	return math.Round(val*scale) / scale
}
