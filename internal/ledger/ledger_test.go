package ledger

import (
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func d(s string) decimal.Decimal { return decimal.RequireFromString(s) }

func newLedger(t *testing.T, capital, commission string) *Ledger {
	t.Helper()
	l, err := New(Config{InitialCapital: d(capital), CommissionRate: d(commission), MinTradeSize: DefaultMinTradeSize})
	require.NoError(t, err)
	return l
}

func TestNewValidates(t *testing.T) {
	tests := []struct {
		name string
		cfg  Config
	}{
		{"negative capital", Config{InitialCapital: d("-1")}},
		{"negative commission", Config{InitialCapital: d("100"), CommissionRate: d("-0.01")}},
		{"commission one", Config{InitialCapital: d("100"), CommissionRate: d("1")}},
		{"negative min", Config{InitialCapital: d("100"), MinTradeSize: d("-5")}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := New(tt.cfg)
			assert.Error(t, err)
		})
	}
}

func TestRoundTripNoCommission(t *testing.T) {
	l := newLedger(t, "1000", "0")
	pos, err := l.Open(d("110"), 1)
	require.NoError(t, err)
	assert.True(t, l.Cash().IsZero())
	assert.InDelta(t, 9.0909, pos.Amount.InexactFloat64(), 1e-4)

	trade, err := l.Close(d("90"), 3)
	require.NoError(t, err)
	assert.True(t, l.Cash().Equal(pos.Amount.Mul(d("90"))))
	assert.InDelta(t, 818.18, l.Cash().InexactFloat64(), 0.01)
	assert.InDelta(t, -181.82, trade.PnL.InexactFloat64(), 0.01)
	assert.False(t, trade.IsWin)
	assert.True(t, trade.Commission.IsZero())
	assert.False(t, l.InPosition())
	assert.Len(t, l.Trades(), 1)
}

func TestCommissionApplied(t *testing.T) {
	l := newLedger(t, "1000", "0.001")
	pos, err := l.Open(d("100"), 1)
	require.NoError(t, err)
	assert.True(t, pos.Amount.Equal(d("9.99")))
	assert.True(t, pos.EntryCommission.Equal(d("1")))

	trade, err := l.Close(d("110"), 2)
	require.NoError(t, err)
	// 9.99*110 = 1098.9，手续费 1.0989
	assert.True(t, l.Cash().Equal(d("1097.8011")))
	assert.True(t, trade.PnL.Equal(d("1097.8011").Sub(d("999"))))
	assert.True(t, trade.Commission.Equal(d("2.0989")))
	assert.True(t, trade.IsWin)
}

func TestForceClose(t *testing.T) {
	l := newLedger(t, "1000", "0.01")
	_, err := l.Open(d("100"), 1)
	require.NoError(t, err)
	mtm := l.MarkToMarket(d("120"))

	trade, err := l.ForceClose(d("120"), 5, false)
	require.NoError(t, err)
	assert.True(t, trade.Forced)
	assert.True(t, l.Cash().Equal(mtm))

	l = newLedger(t, "1000", "0.01")
	_, err = l.Open(d("100"), 1)
	require.NoError(t, err)
	trade, err = l.ForceClose(d("120"), 5, true)
	require.NoError(t, err)
	assert.True(t, l.Cash().LessThan(mtm))
	assert.True(t, trade.Forced)
}

func TestErrors(t *testing.T) {
	l := newLedger(t, "5", "0")
	_, err := l.Open(d("100"), 1)
	assert.ErrorIs(t, err, ErrInsufficientCapital)
	assert.True(t, l.Cash().Equal(d("5")))
	assert.False(t, l.InPosition())

	// 恰好等于最小交易额也被拒绝。
	l = newLedger(t, "10", "0")
	_, err = l.Open(d("1"), 1)
	assert.ErrorIs(t, err, ErrInsufficientCapital)

	l = newLedger(t, "100", "0")
	_, err = l.Close(d("100"), 1)
	assert.ErrorIs(t, err, ErrNoOpenPosition)
	_, err = l.Open(d("0"), 1)
	assert.ErrorIs(t, err, ErrInvalidPrice)

	_, err = l.Open(d("50"), 1)
	require.NoError(t, err)
	_, err = l.Open(d("50"), 2)
	assert.ErrorIs(t, err, ErrPositionOpen)
	_, err = l.Close(d("-1"), 2)
	assert.ErrorIs(t, err, ErrInvalidPrice)
	assert.True(t, l.InPosition())
}

func TestMarkToMarketIsPure(t *testing.T) {
	l := newLedger(t, "1000", "0")
	assert.True(t, l.MarkToMarket(d("5")).Equal(d("1000")))
	_, err := l.Open(d("100"), 1)
	require.NoError(t, err)
	first := l.MarkToMarket(d("150"))
	second := l.MarkToMarket(d("150"))
	assert.True(t, first.Equal(d("1500")))
	assert.True(t, first.Equal(second))
	assert.True(t, l.Cash().IsZero())
}

func TestTradesReturnsCopy(t *testing.T) {
	l := newLedger(t, "1000", "0")
	_, _ = l.Open(d("100"), 1)
	_, _ = l.Close(d("100"), 2)
	trades := l.Trades()
	trades[0].PnL = d("999")
	assert.True(t, l.Trades()[0].PnL.IsZero())
}
