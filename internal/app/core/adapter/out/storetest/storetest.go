// Package storetest 是所有 usecase.Store 實作共用的行為測試
package storetest

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/JoeShih716/go-wallet-ledger/internal/app/core/domain"
	"github.com/JoeShih716/go-wallet-ledger/internal/app/core/usecase"
)

// Run 對 store 跑完整的帳本情境
//
// 每個子測試使用隨機 owner，可以在共用的資料庫上重複執行。
func Run(t *testing.T, store usecase.Store) {
	t.Run("Lifecycle", func(t *testing.T) { testLifecycle(t, store) })
	t.Run("RollbackOnError", func(t *testing.T) { testRollback(t, store) })
	t.Run("Isolation", func(t *testing.T) { testIsolation(t, store) })
	t.Run("VersionGuard", func(t *testing.T) { testVersionGuard(t, store) })
	t.Run("ConcurrentRecords", func(t *testing.T) { testConcurrentRecords(t, store) })
	t.Run("Queries", func(t *testing.T) { testQueries(t, store) })
}

func owner() string {
	return "owner-" + uuid.NewString()
}

func coordinator(store usecase.Store) *usecase.Coordinator {
	return usecase.NewCoordinator(store, nil, nil, usecase.Options{
		AutoProvision: true,
		MaxAttempts:   10,
		RetryBackoff:  time.Millisecond,
	})
}

func expense(amount int64) domain.ExpenseInput {
	return domain.ExpenseInput{Amount: amount, Category: domain.CategoryFood}
}

func requireConsistent(t *testing.T, c *usecase.Coordinator, ownerID string) {
	t.Helper()
	audit, err := c.VerifyWallet(context.Background(), ownerID)
	require.NoError(t, err)
	require.True(t, audit.Consistent, "balance %d, expected %d", audit.Balance, audit.Expected)
}

func testLifecycle(t *testing.T, store usecase.Store) {
	ctx := context.Background()
	c := coordinator(store)
	o := owner()

	_, created, err := c.OpenWallet(ctx, o, 10000)
	require.NoError(t, err)
	require.True(t, created)

	res, err := c.RecordExpense(ctx, o, expense(6000))
	require.NoError(t, err)
	assert.Equal(t, int64(4000), res.Balance)
	id := res.Transaction.ID

	_, err = c.RecordExpense(ctx, o, expense(5000))
	assert.ErrorIs(t, err, domain.ErrInsufficientFunds)

	amount := int64(3000)
	res, err = c.EditExpense(ctx, o, id, domain.Patch{Amount: &amount})
	require.NoError(t, err)
	assert.Equal(t, int64(7000), res.Balance)
	requireConsistent(t, c, o)

	got, err := c.GetExpense(ctx, o, id)
	require.NoError(t, err)
	assert.Equal(t, int64(3000), got.Amount)
	assert.Equal(t, int64(2), got.Version)

	res, err = c.RemoveExpense(ctx, o, id)
	require.NoError(t, err)
	assert.Equal(t, int64(10000), res.Balance)

	_, err = c.GetExpense(ctx, o, id)
	assert.ErrorIs(t, err, domain.ErrNotFound)
	requireConsistent(t, c, o)

	w, err := c.TopUp(ctx, o, 500)
	require.NoError(t, err)
	assert.Equal(t, int64(10500), w.Balance)
	assert.Equal(t, int64(10500), w.Funded)
}

func testRollback(t *testing.T, store usecase.Store) {
	ctx := context.Background()
	c := coordinator(store)
	o := owner()
	_, _, err := c.OpenWallet(ctx, o, 100)
	require.NoError(t, err)

	boom := errors.New("boom")
	tx, err := domain.NewTransaction(o, expense(40), time.Now().UTC())
	require.NoError(t, err)
	err = store.Atomically(ctx, o, func(u usecase.Unit) error {
		if _, err := u.AdjustBalance(ctx, -tx.Amount, 0, time.Now().UTC()); err != nil {
			return err
		}
		if err := u.InsertTransaction(ctx, *tx); err != nil {
			return err
		}
		return boom
	})
	assert.ErrorIs(t, err, boom)

	w, err := store.GetWallet(ctx, o)
	require.NoError(t, err)
	assert.Equal(t, int64(100), w.Balance)
	_, err = store.GetTransaction(ctx, o, tx.ID)
	assert.ErrorIs(t, err, domain.ErrNotFound)
}

func testIsolation(t *testing.T, store usecase.Store) {
	ctx := context.Background()
	c := coordinator(store)
	alice, bob := owner(), owner()
	_, _, err := c.OpenWallet(ctx, alice, 100)
	require.NoError(t, err)
	_, _, err = c.OpenWallet(ctx, bob, 100)
	require.NoError(t, err)

	res, err := c.RecordExpense(ctx, alice, expense(10))
	require.NoError(t, err)

	_, err = c.GetExpense(ctx, bob, res.Transaction.ID)
	assert.ErrorIs(t, err, domain.ErrNotFound)
	_, err = c.RemoveExpense(ctx, bob, res.Transaction.ID)
	assert.ErrorIs(t, err, domain.ErrNotFound)

	balance, err := c.GetBalance(ctx, bob)
	require.NoError(t, err)
	assert.Equal(t, int64(100), balance)
}

func testVersionGuard(t *testing.T, store usecase.Store) {
	ctx := context.Background()
	c := coordinator(store)
	o := owner()
	_, _, err := c.OpenWallet(ctx, o, 100)
	require.NoError(t, err)
	res, err := c.RecordExpense(ctx, o, expense(10))
	require.NoError(t, err)

	stale := res.Transaction
	stale.Amount = 20
	stale.Version = 5
	err = store.Atomically(ctx, o, func(u usecase.Unit) error {
		return u.UpdateTransaction(ctx, stale, 4)
	})
	assert.ErrorIs(t, err, domain.ErrConflict)

	err = store.Atomically(ctx, o, func(u usecase.Unit) error {
		return u.DeleteTransaction(ctx, res.Transaction.ID, 9)
	})
	assert.ErrorIs(t, err, domain.ErrConflict)

	got, err := store.GetTransaction(ctx, o, res.Transaction.ID)
	require.NoError(t, err)
	assert.Equal(t, int64(10), got.Amount)
}

func testConcurrentRecords(t *testing.T, store usecase.Store) {
	ctx := context.Background()
	c := coordinator(store)
	o := owner()
	_, _, err := c.OpenWallet(ctx, o, 100)
	require.NoError(t, err)

	var (
		wg sync.WaitGroup
		mu sync.Mutex
		ok int
	)
	for i := 0; i < 16; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := c.RecordExpense(ctx, o, expense(10))
			if err == nil {
				mu.Lock()
				ok++
				mu.Unlock()
				return
			}
			if !errors.Is(err, domain.ErrInsufficientFunds) && !errors.Is(err, domain.ErrConflict) {
				t.Errorf("unexpected error: %v", err)
			}
		}()
	}
	wg.Wait()

	assert.LessOrEqual(t, ok, 10)
	balance, err := c.GetBalance(ctx, o)
	require.NoError(t, err)
	assert.Equal(t, int64(100-10*ok), balance)
	assert.GreaterOrEqual(t, balance, int64(0))
	requireConsistent(t, c, o)
}

func testQueries(t *testing.T, store usecase.Store) {
	ctx := context.Background()
	c := coordinator(store)
	o := owner()
	_, _, err := c.OpenWallet(ctx, o, 10000)
	require.NoError(t, err)

	days := []int{3, 1, 2}
	for i, day := range days {
		category := domain.CategoryFood
		if i == 0 {
			category = domain.CategoryBills
		}
		_, err := c.RecordExpense(ctx, o, domain.ExpenseInput{
			Amount:        int64(100 * day),
			Category:      category,
			EffectiveDate: time.Date(2025, 5, day, 8, 0, 0, 0, time.UTC),
		})
		require.NoError(t, err)
	}

	list, err := c.ListExpenses(ctx, o, domain.TransactionFilter{Limit: 2})
	require.NoError(t, err)
	require.Len(t, list, 2)
	assert.Equal(t, int64(300), list[0].Amount)
	assert.Equal(t, int64(200), list[1].Amount)

	food := domain.CategoryFood
	list, err = c.ListExpenses(ctx, o, domain.TransactionFilter{Category: &food})
	require.NoError(t, err)
	assert.Len(t, list, 2)

	month, err := c.MonthlySummary(ctx, o, 2025, 5)
	require.NoError(t, err)
	assert.Equal(t, int64(600), month.TotalSpent)
	assert.Equal(t, int64(3), month.Count)
	assert.Equal(t, int64(300), month.ByCategory[domain.CategoryBills])

	day, err := c.DailySummary(ctx, o, time.Date(2025, 5, 2, 12, 0, 0, 0, time.UTC))
	require.NoError(t, err)
	assert.Equal(t, int64(200), day.TotalSpent)
}
