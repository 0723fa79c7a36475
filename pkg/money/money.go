package money

import (
	"errors"
	"fmt"
	"math"
	"strings"

	"github.com/shopspring/decimal"
)

// Scale 金額以最小單位 (分) 儲存，小數點後 2 位
const Scale = 2

var (
	// ErrInvalidAmount 金額格式錯誤
	ErrInvalidAmount = errors.New("invalid money amount")

	// ErrTooPrecise 小數位數超過 Scale
	ErrTooPrecise = errors.New("money amount has too many decimal places")

	// ErrOverflow 金額超出 int64 範圍
	ErrOverflow = errors.New("money amount out of range")
)

var (
	maxMinor = decimal.NewFromInt(math.MaxInt64)
	minMinor = decimal.NewFromInt(math.MinInt64)
)

// Parse 將字串 (例如 "12.34") 轉換為最小單位
//
// 參數:
//
//	s: 十進位字串，允許前後空白
//
// 回傳:
//
//	int64: 最小單位金額 (1234)
//	error: ErrInvalidAmount / ErrTooPrecise / ErrOverflow
func Parse(s string) (int64, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return 0, ErrInvalidAmount
	}
	d, err := decimal.NewFromString(s)
	if err != nil {
		return 0, fmt.Errorf("%w: %q", ErrInvalidAmount, s)
	}
	return FromDecimal(d)
}

// FromDecimal 將 decimal 轉換為最小單位，不做四捨五入
func FromDecimal(d decimal.Decimal) (int64, error) {
	minor := d.Shift(Scale)
	if !minor.Equal(minor.Truncate(0)) {
		return 0, fmt.Errorf("%w: %s", ErrTooPrecise, d.String())
	}
	if minor.GreaterThan(maxMinor) || minor.LessThan(minMinor) {
		return 0, fmt.Errorf("%w: %s", ErrOverflow, d.String())
	}
	return minor.IntPart(), nil
}

// ToDecimal 最小單位轉回 decimal
func ToDecimal(minor int64) decimal.Decimal {
	return decimal.New(minor, -Scale)
}

// Format 以固定兩位小數輸出，例如 1234 -> "12.34"
func Format(minor int64) string {
	return ToDecimal(minor).StringFixed(Scale)
}
