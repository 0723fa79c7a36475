package domain

import (
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
)

// DateLayout effectiveDate 的日期格式
const DateLayout = "2006-01-02"

// maxDescriptionLen 備註最大長度 (rune)
const maxDescriptionLen = 512

// Transaction 一筆支出紀錄 (不是資料庫 transaction)
type Transaction struct {
	// ID: 建立後不可變
	ID      uuid.UUID
	OwnerID string
	// Amount: 建立時從錢包扣除的金額 (最小單位，> 0)
	Amount   int64
	Category Category
	// EffectiveDate: 支出歸屬的日期，所有日/月報表都用這個欄位
	EffectiveDate time.Time
	Description   string
	// Version: 每次修改 +1，用於交易本身的樂觀鎖
	Version   int64
	CreatedAt time.Time
	UpdatedAt time.Time
}

// ExpenseInput recordExpense 的輸入
type ExpenseInput struct {
	Amount        int64
	Category      Category
	EffectiveDate time.Time
	Description   string
}

// Validate 檢查輸入，不觸及儲存層
func (in ExpenseInput) Validate() error {
	if in.Amount <= 0 {
		return fmt.Errorf("%w: amount must be positive", ErrValidation)
	}
	if !in.Category.Valid() {
		return fmt.Errorf("%w: unknown category %q", ErrValidation, in.Category)
	}
	return validateDescription(in.Description)
}

// NewTransaction 依輸入建立交易，EffectiveDate 為零值時使用 now
func NewTransaction(ownerID string, in ExpenseInput, now time.Time) (*Transaction, error) {
	if strings.TrimSpace(ownerID) == "" {
		return nil, fmt.Errorf("%w: owner id is required", ErrValidation)
	}
	if err := in.Validate(); err != nil {
		return nil, err
	}
	effective := in.EffectiveDate
	if effective.IsZero() {
		effective = now
	}
	return &Transaction{
		ID:            uuid.New(),
		OwnerID:       ownerID,
		Amount:        in.Amount,
		Category:      in.Category,
		EffectiveDate: effective,
		Description:   strings.TrimSpace(in.Description),
		Version:       1,
		CreatedAt:     now,
		UpdatedAt:     now,
	}, nil
}

func validateDescription(s string) error {
	if len([]rune(s)) > maxDescriptionLen {
		return fmt.Errorf("%w: description longer than %d characters", ErrValidation, maxDescriptionLen)
	}
	return nil
}

// TransactionFilter 查詢條件
type TransactionFilter struct {
	Category *Category
	// From, To: EffectiveDate 範圍 [From, To)，零值表示不限制
	From   time.Time
	To     time.Time
	Limit  int
	Offset int
}

const (
	defaultListLimit = 50
	maxListLimit     = 200
)

// Normalize 限制 Limit/Offset 範圍
func (f TransactionFilter) Normalize() TransactionFilter {
	if f.Limit <= 0 {
		f.Limit = defaultListLimit
	}
	if f.Limit > maxListLimit {
		f.Limit = maxListLimit
	}
	if f.Offset < 0 {
		f.Offset = 0
	}
	return f
}

// Match 記憶體實作使用的過濾判斷
func (f TransactionFilter) Match(t *Transaction) bool {
	if f.Category != nil && t.Category != *f.Category {
		return false
	}
	if !f.From.IsZero() && t.EffectiveDate.Before(f.From) {
		return false
	}
	if !f.To.IsZero() && !t.EffectiveDate.Before(f.To) {
		return false
	}
	return true
}

// Totals 一組交易的彙總
type Totals struct {
	Count      int64
	Amount     int64
	ByCategory map[Category]int64
}

// Add 累加一筆交易
func (t *Totals) Add(tx *Transaction) {
	if t.ByCategory == nil {
		t.ByCategory = make(map[Category]int64)
	}
	t.Count++
	t.Amount += tx.Amount
	t.ByCategory[tx.Category] += tx.Amount
}
