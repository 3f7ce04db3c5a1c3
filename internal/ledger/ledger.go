// Package ledger 维护单资产、单仓位的现金/持仓账本。
package ledger

import (
	"errors"
	"fmt"

	"github.com/shopspring/decimal"
)

var (
	// ErrInsufficientCapital 现金不高于最小交易额，开仓被拒绝。
	ErrInsufficientCapital = errors.New("insufficient capital")
	// ErrNoOpenPosition 空仓时平仓。
	ErrNoOpenPosition = errors.New("no open position")
	// ErrPositionOpen 已有持仓时再次开仓。
	ErrPositionOpen = errors.New("position already open")
	// ErrInvalidPrice 成交价必须为正。
	ErrInvalidPrice = errors.New("invalid price")
)

// DefaultMinTradeSize 默认最小交易额：现金必须严格大于该值才允许开仓。
var DefaultMinTradeSize = decimal.NewFromInt(10)

// Position 当前持仓。
type Position struct {
	Amount          decimal.Decimal `json:"amount"`
	EntryPrice      decimal.Decimal `json:"entry_price"`
	EntryTime       int64           `json:"entry_time"`
	EntryCommission decimal.Decimal `json:"entry_commission"`
}

// Trade 已平仓记录，创建后不再修改。
type Trade struct {
	EntryPrice decimal.Decimal `json:"entry_price"`
	ExitPrice  decimal.Decimal `json:"exit_price"`
	Amount     decimal.Decimal `json:"amount"`
	EntryTime  int64           `json:"entry_time"`
	ExitTime   int64           `json:"exit_time"`
	PnL        decimal.Decimal `json:"realized_pnl"`
	Commission decimal.Decimal `json:"commission"`
	IsWin      bool            `json:"is_win"`
	Forced     bool            `json:"forced,omitempty"`
}

// Config 账本参数。
type Config struct {
	InitialCapital decimal.Decimal
	CommissionRate decimal.Decimal
	MinTradeSize   decimal.Decimal
}

// Ledger 现金 + 至多一个持仓 + 已平仓列表。满仓策略下持仓期间现金恒为 0。
// 不是并发安全的，一个 run 独占一个 Ledger。
type Ledger struct {
	cash       decimal.Decimal
	commission decimal.Decimal
	minTrade   decimal.Decimal
	position   *Position
	trades     []Trade
}

// New 校验参数并创建账本。
func New(cfg Config) (*Ledger, error) {
	if cfg.InitialCapital.IsNegative() {
		return nil, fmt.Errorf("initial capital 不能为负: %s", cfg.InitialCapital)
	}
	if cfg.CommissionRate.IsNegative() || cfg.CommissionRate.GreaterThanOrEqual(decimal.NewFromInt(1)) {
		return nil, fmt.Errorf("commission rate 需在 [0,1) 内: %s", cfg.CommissionRate)
	}
	if cfg.MinTradeSize.IsNegative() {
		return nil, fmt.Errorf("min trade size 不能为负: %s", cfg.MinTradeSize)
	}
	return &Ledger{
		cash:       cfg.InitialCapital,
		commission: cfg.CommissionRate,
		minTrade:   cfg.MinTradeSize,
	}, nil
}

func (l *Ledger) Cash() decimal.Decimal { return l.cash }

func (l *Ledger) CommissionRate() decimal.Decimal { return l.commission }

func (l *Ledger) InPosition() bool { return l.position != nil }

// Position 返回当前持仓副本。
func (l *Ledger) Position() (Position, bool) {
	if l.position == nil {
		return Position{}, false
	}
	return *l.position, true
}

// Trades 返回已平仓列表副本。
func (l *Ledger) Trades() []Trade {
	out := make([]Trade, len(l.trades))
	copy(out, l.trades)
	return out
}

// Open 用全部现金开仓：amount = cash*(1-c)/price，现金清零。
func (l *Ledger) Open(price decimal.Decimal, ts int64) (Position, error) {
	if l.position != nil {
		return Position{}, ErrPositionOpen
	}
	if !price.IsPositive() {
		return Position{}, fmt.Errorf("%w: %s", ErrInvalidPrice, price)
	}
	if !l.cash.GreaterThan(l.minTrade) {
		return Position{}, fmt.Errorf("%w: cash=%s min=%s", ErrInsufficientCapital, l.cash, l.minTrade)
	}
	fee := l.cash.Mul(l.commission)
	amount := l.cash.Sub(fee).Div(price)
	pos := &Position{
		Amount:          amount,
		EntryPrice:      price,
		EntryTime:       ts,
		EntryCommission: fee,
	}
	l.position = pos
	l.cash = decimal.Zero
	return *pos, nil
}

// Close 按 price 平仓并收取手续费。
func (l *Ledger) Close(price decimal.Decimal, ts int64) (Trade, error) {
	return l.close(price, ts, true, false)
}

// ForceClose 用于回测结束时的强制平仓，可选择是否收取手续费。
func (l *Ledger) ForceClose(price decimal.Decimal, ts int64, chargeCommission bool) (Trade, error) {
	return l.close(price, ts, chargeCommission, true)
}

func (l *Ledger) close(price decimal.Decimal, ts int64, charge, forced bool) (Trade, error) {
	if l.position == nil {
		return Trade{}, ErrNoOpenPosition
	}
	if !price.IsPositive() {
		return Trade{}, fmt.Errorf("%w: %s", ErrInvalidPrice, price)
	}
	pos := l.position
	gross := pos.Amount.Mul(price)
	fee := decimal.Zero
	if charge {
		fee = gross.Mul(l.commission)
	}
	exit := gross.Sub(fee)
	pnl := exit.Sub(pos.Amount.Mul(pos.EntryPrice))
	trade := Trade{
		EntryPrice: pos.EntryPrice,
		ExitPrice:  price,
		Amount:     pos.Amount,
		EntryTime:  pos.EntryTime,
		ExitTime:   ts,
		PnL:        pnl,
		Commission: pos.EntryCommission.Add(fee),
		IsWin:      pnl.IsPositive(),
		Forced:     forced,
	}
	l.cash = exit
	l.position = nil
	l.trades = append(l.trades, trade)
	return trade, nil
}

// MarkToMarket 返回 cash + amount*price，不修改状态。
func (l *Ledger) MarkToMarket(price decimal.Decimal) decimal.Decimal {
	if l.position == nil {
		return l.cash
	}
	return l.cash.Add(l.position.Amount.Mul(price))
}
