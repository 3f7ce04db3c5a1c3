package candles

import (
	"context"
	"math"
	"strings"
	"testing"
	"time"

	"backlab/internal/market"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const hour = int64(time.Hour / time.Millisecond)

var base = time.Date(2024, 3, 1, 0, 0, 0, 0, time.UTC).UnixMilli()

func hourly(n int, skip ...int) []market.Candle {
	missing := map[int]bool{}
	for _, i := range skip {
		missing[i] = true
	}
	var out []market.Candle
	for i := 0; i < n; i++ {
		if missing[i] {
			continue
		}
		p := 100 + float64(i)
		ts := base + int64(i)*hour
		out = append(out, market.Candle{OpenTime: ts, CloseTime: ts + hour - 1, Open: p, High: p + 1, Low: p - 1, Close: p, Volume: 5})
	}
	return out
}

func newStore(t *testing.T) *Store {
	t.Helper()
	s, err := NewStore(t.TempDir())
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func TestInsertAndRange(t *testing.T) {
	s := newStore(t)
	ctx := context.Background()

	n, err := s.InsertCandles(ctx, "btcusdt", "1h", hourly(10))
	require.NoError(t, err)
	assert.Equal(t, 10, n)

	// 重复写入覆盖同一 open_time。
	updated := hourly(1)
	updated[0].Close = 99.5
	_, err = s.InsertCandles(ctx, "BTCUSDT", "1H", updated)
	require.NoError(t, err)

	all, err := s.RangeCandles(ctx, "BTCUSDT", "1h", 0, 0)
	require.NoError(t, err)
	require.Len(t, all, 10)
	assert.Equal(t, 99.5, all[0].Close)

	mid, err := s.RangeCandles(ctx, "BTCUSDT", "1h", base+2*hour, base+4*hour)
	require.NoError(t, err)
	require.Len(t, mid, 3)
	assert.Equal(t, base+2*hour, mid[0].OpenTime)

	tail, err := s.RangeCandles(ctx, "BTCUSDT", "1h", base+8*hour, 0)
	require.NoError(t, err)
	assert.Len(t, tail, 2)

	head, err := s.RangeCandles(ctx, "BTCUSDT", "1h", 0, base+1*hour)
	require.NoError(t, err)
	assert.Len(t, head, 2)

	paired, err := s.RangeCandles(ctx, "btc/usdt", "1h", 0, 0)
	require.NoError(t, err)
	assert.Len(t, paired, 10)

	latest, err := s.QueryCandles(ctx, "BTCUSDT", "1h", 0, 0, 3)
	require.NoError(t, err)
	require.Len(t, latest, 3)
	assert.Equal(t, base+7*hour, latest[0].OpenTime)
	assert.Equal(t, base+9*hour, latest[2].OpenTime)

	m, err := s.Manifest(ctx, "BTCUSDT", "1h")
	require.NoError(t, err)
	assert.Equal(t, "BTCUSDT", m.Symbol)
	assert.Equal(t, int64(10), m.Rows)
	assert.Equal(t, base, m.MinTime)
	assert.Equal(t, base+9*hour, m.MaxTime)
}

func TestInsertRejectsInvalidAndMissingFiles(t *testing.T) {
	s := newStore(t)
	ctx := context.Background()

	bad := hourly(3)
	bad[1].Close = math.NaN()
	_, err := s.InsertCandles(ctx, "ETHUSDT", "1h", bad)
	assert.ErrorIs(t, err, market.ErrInvalidCandle)

	_, err = s.RangeCandles(ctx, "SOLUSDT", "1h", 0, 0)
	assert.ErrorIs(t, err, ErrNotFound)
	_, err = s.RangeCandles(ctx, "../etc", "1h", 0, 0)
	assert.Error(t, err)
	_, err = s.RangeCandles(ctx, "ETHUSDT", "2h", 0, 0)
	assert.Error(t, err)
}

func TestImportCSVAndIntegrity(t *testing.T) {
	s := newStore(t)
	ctx := context.Background()

	var b strings.Builder
	b.WriteString("timestamp,open,high,low,close,volume\n")
	for _, c := range hourly(6, 3) {
		b.WriteString(time.UnixMilli(c.OpenTime).UTC().Format(time.RFC3339))
		b.WriteString(",100,101,99,100,5\n")
	}
	b.WriteString(time.UnixMilli(base + 6*hour).UTC().Format(time.RFC3339))
	b.WriteString(",100,101,99,-1,5\n")

	report, err := s.ImportCSV(ctx, "ethusdt", "1h", strings.NewReader(b.String()))
	require.NoError(t, err)
	assert.Equal(t, "ETHUSDT", report.Symbol)
	assert.Equal(t, 6, report.Parsed)
	assert.Equal(t, 5, report.Inserted)
	assert.Equal(t, 1, report.Skipped)
	assert.Equal(t, []market.Gap{{From: base + 3*hour, To: base + 3*hour}}, report.Gaps)
	assert.Equal(t, int64(5), report.Manifest.Rows)

	series, err := s.RangeCandles(ctx, "ETHUSDT", "1h", 0, 0)
	require.NoError(t, err)
	assert.Equal(t, base+hour-1, series[0].CloseTime)

	integrity, err := s.CheckIntegrity(ctx, "ETHUSDT", "1h", 0, 0)
	require.NoError(t, err)
	assert.Equal(t, int64(6), integrity.Expected)
	assert.Equal(t, int64(5), integrity.Actual)
	assert.False(t, integrity.Complete())

	wider, err := s.CheckIntegrity(ctx, "ETHUSDT", "1h", base-2*hour, base+7*hour)
	require.NoError(t, err)
	assert.Equal(t, int64(10), wider.Expected)
	assert.Equal(t, []market.Gap{
		{From: base - 2*hour, To: base - hour},
		{From: base + 3*hour, To: base + 3*hour},
		{From: base + 6*hour, To: base + 7*hour},
	}, wider.Gaps)

	_, err = s.InsertCandles(ctx, "BTCUSDT", "4h", hourly(2))
	require.NoError(t, err)
	list, err := s.ListManifests(ctx)
	require.NoError(t, err)
	require.Len(t, list, 2)
	assert.Equal(t, "BTCUSDT", list[0].Symbol)
	assert.Equal(t, "4h", list[0].Timeframe)
	assert.Equal(t, "ETHUSDT", list[1].Symbol)
}
