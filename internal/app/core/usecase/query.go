package usecase

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/JoeShih716/go-wallet-ledger/internal/app/core/domain"
)

// Summary 一段期間 (以 EffectiveDate 計) 的支出彙總
type Summary struct {
	// Period: 2025-03-01 (日) 或 2025-03 (月)
	Period     string
	From       time.Time
	To         time.Time
	TotalSpent int64
	Count      int64
	ByCategory map[domain.Category]int64
}

// Audit VerifyWallet 的結果
type Audit struct {
	OwnerID string
	Balance int64
	Funded  int64
	Spent   int64
	Count   int64
	// Expected: Funded - Spent
	Expected   int64
	Consistent bool
}

// GetExpense 取得單筆交易 (getOne)
func (c *Coordinator) GetExpense(ctx context.Context, ownerID string, id uuid.UUID) (domain.Transaction, error) {
	if err := requireOwner(ownerID); err != nil {
		return domain.Transaction{}, err
	}
	return c.store.GetTransaction(ctx, ownerID, id)
}

// ListExpenses 依條件列出交易，EffectiveDate 由新到舊
func (c *Coordinator) ListExpenses(ctx context.Context, ownerID string, filter domain.TransactionFilter) ([]domain.Transaction, error) {
	if err := requireOwner(ownerID); err != nil {
		return nil, err
	}
	if filter.Category != nil && !filter.Category.Valid() {
		return nil, fmt.Errorf("%w: unknown category %q", domain.ErrValidation, *filter.Category)
	}
	return c.store.ListTransactions(ctx, ownerID, filter.Normalize())
}

// DailySummary 指定日期 (報表時區) 的支出，day 為零值時取今天
func (c *Coordinator) DailySummary(ctx context.Context, ownerID string, day time.Time) (Summary, error) {
	if err := requireOwner(ownerID); err != nil {
		return Summary{}, err
	}
	if day.IsZero() {
		day = c.opts.Now()
	}
	local := day.In(c.opts.Location)
	from := time.Date(local.Year(), local.Month(), local.Day(), 0, 0, 0, 0, c.opts.Location)
	to := from.AddDate(0, 0, 1)
	return c.summarize(ctx, ownerID, from.Format(domain.DateLayout), from, to)
}

// MonthlySummary 指定月份 (報表時區) 的支出，year/month 為 0 時取當期
func (c *Coordinator) MonthlySummary(ctx context.Context, ownerID string, year, month int) (Summary, error) {
	if err := requireOwner(ownerID); err != nil {
		return Summary{}, err
	}
	if month < 0 || month > 12 {
		return Summary{}, fmt.Errorf("%w: month must be between 1 and 12", domain.ErrValidation)
	}
	if year < 0 {
		return Summary{}, fmt.Errorf("%w: year must not be negative", domain.ErrValidation)
	}
	now := c.opts.Now().In(c.opts.Location)
	if month == 0 {
		month = int(now.Month())
	}
	if year == 0 {
		year = now.Year()
	}
	from := time.Date(year, time.Month(month), 1, 0, 0, 0, 0, c.opts.Location)
	to := from.AddDate(0, 1, 0)
	return c.summarize(ctx, ownerID, from.Format("2006-01"), from, to)
}

func (c *Coordinator) summarize(ctx context.Context, ownerID, period string, from, to time.Time) (Summary, error) {
	totals, err := c.store.Totals(ctx, ownerID, domain.TransactionFilter{From: from, To: to})
	if err != nil {
		return Summary{}, err
	}
	byCategory := totals.ByCategory
	if byCategory == nil {
		byCategory = make(map[domain.Category]int64)
	}
	return Summary{
		Period:     period,
		From:       from,
		To:         to,
		TotalSpent: totals.Amount,
		Count:      totals.Count,
		ByCategory: byCategory,
	}, nil
}

// VerifyWallet 以一致性快照檢查 balance == funded - Σ(現存交易金額)
//
// 只讀，不做修復。
func (c *Coordinator) VerifyWallet(ctx context.Context, ownerID string) (Audit, error) {
	if err := requireOwner(ownerID); err != nil {
		return Audit{}, err
	}
	w, totals, err := c.store.Snapshot(ctx, ownerID)
	if err != nil {
		return Audit{}, err
	}
	expected := w.Funded - totals.Amount
	audit := Audit{
		OwnerID:    ownerID,
		Balance:    w.Balance,
		Funded:     w.Funded,
		Spent:      totals.Amount,
		Count:      totals.Count,
		Expected:   expected,
		Consistent: expected == w.Balance && w.Balance >= 0,
	}
	if !audit.Consistent {
		c.logger.Error("wallet out of balance",
			"owner_id", ownerID, "balance", w.Balance, "expected", expected)
	}
	return audit, nil
}
