package domain

import (
	"bytes"
	"encoding/json"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/shopspring/decimal"

	"github.com/JoeShih716/go-wallet-ledger/pkg/money"
)

// Patch editExpense 可修改的欄位，nil 表示不修改
type Patch struct {
	Amount        *int64
	Category      *Category
	Description   *string
	EffectiveDate *time.Time
}

// PatchFields 允許的欄位名稱 (allow-list)
var PatchFields = []string{"amount", "category", "description", "effectiveDate"}

func isPatchField(name string) bool {
	for _, f := range PatchFields {
		if f == name {
			return true
		}
	}
	return false
}

// DecodePatch 從原始 JSON 欄位解析 Patch
//
// 先檢查所有欄位名稱，只要有一個不在 allow-list 就整包拒絕，再逐欄解析值。
//
// 參數:
//
//	raw: 欄位名稱 -> 原始 JSON 值
//	loc: 只有日期 (YYYY-MM-DD) 的 effectiveDate 以此時區的午夜解析
//
// 回傳:
//
//	Patch: 解析結果
//	error: ErrValidation
func DecodePatch(raw map[string]json.RawMessage, loc *time.Location) (Patch, error) {
	var invalid []string
	for key := range raw {
		if !isPatchField(key) {
			invalid = append(invalid, key)
		}
	}
	if len(invalid) > 0 {
		sort.Strings(invalid)
		return Patch{}, fmt.Errorf("%w: invalid update: %s", ErrValidation, strings.Join(invalid, ", "))
	}

	var p Patch
	if v, ok := raw["amount"]; ok {
		amount, err := DecodeAmount(v)
		if err != nil {
			return Patch{}, err
		}
		p.Amount = &amount
	}
	if v, ok := raw["category"]; ok {
		var s string
		if err := json.Unmarshal(v, &s); err != nil {
			return Patch{}, fmt.Errorf("%w: category must be a string", ErrValidation)
		}
		c, err := ParseCategory(s)
		if err != nil {
			return Patch{}, err
		}
		p.Category = &c
	}
	if v, ok := raw["description"]; ok {
		desc := ""
		if !isNull(v) {
			if err := json.Unmarshal(v, &desc); err != nil {
				return Patch{}, fmt.Errorf("%w: description must be a string", ErrValidation)
			}
		}
		p.Description = &desc
	}
	if v, ok := raw["effectiveDate"]; ok {
		var s string
		if err := json.Unmarshal(v, &s); err != nil {
			return Patch{}, fmt.Errorf("%w: effectiveDate must be a string", ErrValidation)
		}
		d, err := ParseEffectiveDate(s, loc)
		if err != nil {
			return Patch{}, err
		}
		p.EffectiveDate = &d
	}
	return p, nil
}

// Validate 型別層級的檢查 (給直接組 Patch 的呼叫者)
func (p Patch) Validate() error {
	if p.Amount != nil && *p.Amount <= 0 {
		return fmt.Errorf("%w: amount must be positive", ErrValidation)
	}
	if p.Category != nil && !p.Category.Valid() {
		return fmt.Errorf("%w: unknown category %q", ErrValidation, *p.Category)
	}
	if p.Description != nil {
		if err := validateDescription(*p.Description); err != nil {
			return err
		}
	}
	if p.EffectiveDate != nil && p.EffectiveDate.IsZero() {
		return fmt.Errorf("%w: effectiveDate must not be empty", ErrValidation)
	}
	return nil
}

// Empty 沒有任何欄位
func (p Patch) Empty() bool {
	return p.Amount == nil && p.Category == nil && p.Description == nil && p.EffectiveDate == nil
}

// Delta 新舊金額差 (new - old)，未修改金額時為 0
func (p Patch) Delta(old int64) int64 {
	if p.Amount == nil {
		return 0
	}
	return *p.Amount - old
}

// ApplyTo 回傳套用後的副本，Version +1
func (p Patch) ApplyTo(t Transaction, now time.Time) Transaction {
	if p.Amount != nil {
		t.Amount = *p.Amount
	}
	if p.Category != nil {
		t.Category = *p.Category
	}
	if p.Description != nil {
		t.Description = strings.TrimSpace(*p.Description)
	}
	if p.EffectiveDate != nil {
		t.EffectiveDate = *p.EffectiveDate
	}
	t.Version++
	t.UpdatedAt = now
	return t
}

// ParseEffectiveDate 接受 YYYY-MM-DD 或 RFC3339
//
// YYYY-MM-DD 是 loc (報表時區) 當天的午夜，nil 視為 UTC；RFC3339 自帶時區。
func ParseEffectiveDate(s string, loc *time.Location) (time.Time, error) {
	if loc == nil {
		loc = time.UTC
	}
	s = strings.TrimSpace(s)
	if d, err := time.ParseInLocation(DateLayout, s, loc); err == nil {
		return d, nil
	}
	if d, err := time.Parse(time.RFC3339, s); err == nil {
		return d, nil
	}
	return time.Time{}, fmt.Errorf("%w: effectiveDate must be YYYY-MM-DD or RFC3339", ErrValidation)
}

// DecodeAmount 解析 JSON 數字或十進位字串格式的金額，必須為正數
func DecodeAmount(v json.RawMessage) (int64, error) {
	if isNull(v) {
		return 0, fmt.Errorf("%w: amount must not be null", ErrValidation)
	}
	var d decimal.Decimal
	if err := d.UnmarshalJSON(v); err != nil {
		return 0, fmt.Errorf("%w: amount must be a decimal", ErrValidation)
	}
	amount, err := money.FromDecimal(d)
	if err != nil {
		return 0, fmt.Errorf("%w: %v", ErrValidation, err)
	}
	if amount <= 0 {
		return 0, fmt.Errorf("%w: amount must be positive", ErrValidation)
	}
	return amount, nil
}

func isNull(v json.RawMessage) bool {
	return bytes.Equal(bytes.TrimSpace(v), []byte("null"))
}
