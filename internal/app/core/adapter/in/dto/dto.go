// Package dto 是 gRPC 與 HTTP 共用的請求/回應格式
//
// 金額對外一律是兩位小數的十進位字串 ("12.34")，對內是最小單位 int64。
package dto

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/JoeShih716/go-wallet-ledger/internal/app/core/domain"
	"github.com/JoeShih716/go-wallet-ledger/internal/app/core/usecase"
	"github.com/JoeShih716/go-wallet-ledger/pkg/money"
)

// ExpenseRequest recordExpense 的請求
type ExpenseRequest struct {
	Amount        json.RawMessage `json:"amount"`
	Category      string          `json:"category"`
	EffectiveDate string          `json:"effectiveDate"`
	Description   string          `json:"description"`
}

// ToInput 轉成 domain.ExpenseInput，只有日期的 effectiveDate 以 loc 解析
func (r ExpenseRequest) ToInput(loc *time.Location) (domain.ExpenseInput, error) {
	if len(r.Amount) == 0 {
		return domain.ExpenseInput{}, fmt.Errorf("%w: amount is required", domain.ErrValidation)
	}
	amount, err := domain.DecodeAmount(r.Amount)
	if err != nil {
		return domain.ExpenseInput{}, err
	}
	category, err := domain.ParseCategory(r.Category)
	if err != nil {
		return domain.ExpenseInput{}, err
	}
	in := domain.ExpenseInput{
		Amount:      amount,
		Category:    category,
		Description: r.Description,
	}
	if strings.TrimSpace(r.EffectiveDate) != "" {
		if in.EffectiveDate, err = domain.ParseEffectiveDate(r.EffectiveDate, loc); err != nil {
			return domain.ExpenseInput{}, err
		}
	}
	return in, nil
}

// AmountRequest openWallet / topUp 的請求
type AmountRequest struct {
	Amount json.RawMessage `json:"amount"`
}

// ToMinor 轉成最小單位，allowZero 為 true 時接受 0 與省略 (開戶)
func (r AmountRequest) ToMinor(allowZero bool) (int64, error) {
	if len(r.Amount) == 0 {
		if allowZero {
			return 0, nil
		}
		return 0, fmt.Errorf("%w: amount is required", domain.ErrValidation)
	}
	if allowZero {
		var d decimal.Decimal
		if err := d.UnmarshalJSON(r.Amount); err == nil && d.IsZero() {
			return 0, nil
		}
	}
	return domain.DecodeAmount(r.Amount)
}

// ListQuery listExpenses 的查詢條件
type ListQuery struct {
	Category string `json:"category"`
	From     string `json:"from"`
	To       string `json:"to"`
	Limit    int    `json:"limit"`
	Offset   int    `json:"offset"`
	// Page: 從 1 開始，有值時覆蓋 Offset
	Page int `json:"page"`
}

// ToFilter 轉成 domain.TransactionFilter
func (q ListQuery) ToFilter(loc *time.Location) (domain.TransactionFilter, error) {
	var f domain.TransactionFilter
	if q.Category != "" {
		c, err := domain.ParseCategory(q.Category)
		if err != nil {
			return f, err
		}
		f.Category = &c
	}
	var err error
	if q.From != "" {
		if f.From, err = domain.ParseEffectiveDate(q.From, loc); err != nil {
			return f, err
		}
	}
	if q.To != "" {
		if f.To, err = domain.ParseEffectiveDate(q.To, loc); err != nil {
			return f, err
		}
	}
	f.Limit = q.Limit
	f.Offset = q.Offset
	f = f.Normalize()
	if q.Page > 1 {
		f.Offset = (q.Page - 1) * f.Limit
	}
	return f, nil
}

// ParseID 解析交易 ID，格式錯誤視為 ErrNotFound (不洩漏格式資訊)
func ParseID(s string) (uuid.UUID, error) {
	id, err := uuid.Parse(strings.TrimSpace(s))
	if err != nil {
		return uuid.Nil, fmt.Errorf("%w: transaction %q", domain.ErrNotFound, s)
	}
	return id, nil
}

type Transaction struct {
	ID            string `json:"id"`
	Amount        string `json:"amount"`
	Category      string `json:"category"`
	EffectiveDate string `json:"effectiveDate"`
	Description   string `json:"description"`
	Version       int64  `json:"version"`
	CreatedAt     string `json:"createdAt"`
	UpdatedAt     string `json:"updatedAt"`
}

func NewTransaction(t domain.Transaction) Transaction {
	return Transaction{
		ID:            t.ID.String(),
		Amount:        money.Format(t.Amount),
		Category:      string(t.Category),
		EffectiveDate: t.EffectiveDate.UTC().Format(time.RFC3339),
		Description:   t.Description,
		Version:       t.Version,
		CreatedAt:     t.CreatedAt.UTC().Format(time.RFC3339Nano),
		UpdatedAt:     t.UpdatedAt.UTC().Format(time.RFC3339Nano),
	}
}

// Result 修改類操作的回應
type Result struct {
	Transaction Transaction `json:"transaction"`
	Balance     string      `json:"balance"`
}

func NewResult(r usecase.Result) Result {
	return Result{Transaction: NewTransaction(r.Transaction), Balance: money.Format(r.Balance)}
}

type Wallet struct {
	OwnerID string `json:"ownerId"`
	Balance string `json:"balance"`
	Funded  string `json:"funded"`
	Created bool   `json:"created,omitempty"`
}

func NewWallet(w domain.Wallet) Wallet {
	return Wallet{OwnerID: w.OwnerID, Balance: money.Format(w.Balance), Funded: money.Format(w.Funded)}
}

type List struct {
	Transactions []Transaction `json:"transactions"`
	Limit        int           `json:"limit"`
	Offset       int           `json:"offset"`
}

func NewList(list []domain.Transaction, f domain.TransactionFilter) List {
	out := List{Transactions: make([]Transaction, 0, len(list)), Limit: f.Limit, Offset: f.Offset}
	for _, t := range list {
		out.Transactions = append(out.Transactions, NewTransaction(t))
	}
	return out
}

type Summary struct {
	Period     string            `json:"period"`
	From       string            `json:"from"`
	To         string            `json:"to"`
	Total      string            `json:"total"`
	Count      int64             `json:"count"`
	ByCategory map[string]string `json:"byCategory"`
}

func NewSummary(s usecase.Summary) Summary {
	by := make(map[string]string, len(s.ByCategory))
	for c, v := range s.ByCategory {
		by[string(c)] = money.Format(v)
	}
	return Summary{
		Period:     s.Period,
		From:       s.From.Format(time.RFC3339),
		To:         s.To.Format(time.RFC3339),
		Total:      money.Format(s.TotalSpent),
		Count:      s.Count,
		ByCategory: by,
	}
}

type Audit struct {
	OwnerID    string `json:"ownerId"`
	Balance    string `json:"balance"`
	Funded     string `json:"funded"`
	Spent      string `json:"spent"`
	Expected   string `json:"expected"`
	Count      int64  `json:"count"`
	Consistent bool   `json:"consistent"`
}

func NewAudit(a usecase.Audit) Audit {
	return Audit{
		OwnerID:    a.OwnerID,
		Balance:    money.Format(a.Balance),
		Funded:     money.Format(a.Funded),
		Spent:      money.Format(a.Spent),
		Expected:   money.Format(a.Expected),
		Count:      a.Count,
		Consistent: a.Consistent,
	}
}

// DecodePatch 從 JSON 物件解析 Patch (欄位 allow-list 由 domain 檢查)
func DecodePatch(body []byte, loc *time.Location) (domain.Patch, error) {
	var raw map[string]json.RawMessage
	if err := json.Unmarshal(body, &raw); err != nil {
		return domain.Patch{}, fmt.Errorf("%w: patch must be a JSON object", domain.ErrValidation)
	}
	return domain.DecodePatch(raw, loc)
}
