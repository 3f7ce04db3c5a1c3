// Package symbol 统一交易对写法：数据文件、回测配置与结果库都使用紧凑大写形式（BTCUSDT）。
package symbol

import (
	"strings"
)

// quoteCurrencies 按长度优先匹配，避免 BTCUSDT 被拆成 BTCUSD/T 之类。
var quoteCurrencies = []string{"FDUSD", "USDT", "BUSD", "USDC", "TUSD", "USD", "BTC", "ETH", "BNB", "EUR"}

type Symbol struct {
	Base  string
	Quote string
}

// Pair 返回 BASE/QUOTE 形式。
func (s Symbol) Pair() string {
	if s.Base == "" || s.Quote == "" {
		return ""
	}
	return s.Base + "/" + s.Quote
}

// Compact 返回 BASEQUOTE 形式。
func (s Symbol) Compact() string {
	if s.Base == "" || s.Quote == "" {
		return ""
	}
	return s.Base + s.Quote
}

// Parse 接受 BTC/USDT、btc-usdt、BTC_USDT、BTC/USDT:USDT 与 BTCUSDT。无法识别计价币时返回零值。
func Parse(s string) Symbol {
	s = strings.ToUpper(strings.TrimSpace(s))
	if s == "" {
		return Symbol{}
	}
	if idx := strings.Index(s, ":"); idx >= 0 {
		s = s[:idx]
	}
	for _, sep := range []string{"/", "-", "_"} {
		if parts := strings.SplitN(s, sep, 2); len(parts) == 2 {
			base, quote := strings.TrimSpace(parts[0]), strings.TrimSpace(parts[1])
			if base == "" || quote == "" {
				return Symbol{}
			}
			return Symbol{Base: base, Quote: quote}
		}
	}
	for _, quote := range quoteCurrencies {
		if strings.HasSuffix(s, quote) && len(s) > len(quote) {
			return Symbol{Base: s[:len(s)-len(quote)], Quote: quote}
		}
	}
	return Symbol{}
}

// Canonical 返回紧凑大写形式；识别不出计价币的代码（例如股票 AAPL）只做大写与去空白。
func Canonical(s string) string {
	if c := Parse(s).Compact(); c != "" {
		return c
	}
	s = strings.ToUpper(strings.TrimSpace(s))
	if idx := strings.Index(s, ":"); idx >= 0 {
		s = s[:idx]
	}
	return s
}

// NormalizeList 规范化并去重，保持首次出现的顺序。
func NormalizeList(symbols []string) []string {
	if len(symbols) == 0 {
		return nil
	}
	seen := make(map[string]struct{}, len(symbols))
	out := make([]string, 0, len(symbols))
	for _, s := range symbols {
		norm := Canonical(s)
		if norm == "" {
			continue
		}
		if _, ok := seen[norm]; ok {
			continue
		}
		seen[norm] = struct{}{}
		out = append(out, norm)
	}
	return out
}

func IsValid(s string) bool {
	sym := Parse(s)
	return sym.Base != "" && sym.Quote != ""
}
