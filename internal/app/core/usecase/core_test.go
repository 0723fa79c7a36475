package usecase_test

import (
	"context"
	"errors"
	"fmt"
	"math"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/golang/mock/gomock"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/JoeShih716/go-wallet-ledger/internal/app/core/adapter/out/memory"
	"github.com/JoeShih716/go-wallet-ledger/internal/app/core/domain"
	"github.com/JoeShih716/go-wallet-ledger/internal/app/core/usecase"
	"github.com/JoeShih716/go-wallet-ledger/internal/app/core/usecase/mocks"
)

var (
	clock = time.Date(2025, 3, 14, 9, 0, 0, 0, time.UTC)
	ict   = time.FixedZone("ICT", 7*60*60)
)

func newCoordinator(t *testing.T, store usecase.Store, pub usecase.EventPublisher, autoProvision bool) *usecase.Coordinator {
	t.Helper()
	return usecase.NewCoordinator(store, pub, nil, usecase.Options{
		AutoProvision: autoProvision,
		RetryBackoff:  time.Microsecond,
		Location:      ict,
		Now:           func() time.Time { return clock },
	})
}

func newMemoryCoordinator(t *testing.T) (*usecase.Coordinator, *memory.Store) {
	t.Helper()
	store, err := memory.NewStore(nil, nil)
	require.NoError(t, err)
	return newCoordinator(t, store, nil, true), store
}

func expense(amount int64) domain.ExpenseInput {
	return domain.ExpenseInput{Amount: amount, Category: domain.CategoryFood}
}

func amountPatch(amount int64) domain.Patch {
	return domain.Patch{Amount: &amount}
}

func assertConsistent(t *testing.T, c *usecase.Coordinator, owner string) {
	t.Helper()
	audit, err := c.VerifyWallet(context.Background(), owner)
	require.NoError(t, err)
	assert.True(t, audit.Consistent, "balance %d, expected %d", audit.Balance, audit.Expected)
}

func TestCoordinator_ExpenseLifecycle(t *testing.T) {
	c, _ := newMemoryCoordinator(t)
	ctx := context.Background()

	_, created, err := c.OpenWallet(ctx, "alice", 100)
	require.NoError(t, err)
	require.True(t, created)

	res, err := c.RecordExpense(ctx, "alice", expense(60))
	require.NoError(t, err)
	assert.Equal(t, int64(40), res.Balance)
	id := res.Transaction.ID

	_, err = c.RecordExpense(ctx, "alice", expense(50))
	assert.ErrorIs(t, err, domain.ErrInsufficientFunds)
	balance, err := c.GetBalance(ctx, "alice")
	require.NoError(t, err)
	assert.Equal(t, int64(40), balance)

	res, err = c.EditExpense(ctx, "alice", id, amountPatch(30))
	require.NoError(t, err)
	assert.Equal(t, int64(70), res.Balance)
	assert.Equal(t, int64(30), res.Transaction.Amount)
	assert.Equal(t, int64(2), res.Transaction.Version)
	assertConsistent(t, c, "alice")

	res, err = c.RemoveExpense(ctx, "alice", id)
	require.NoError(t, err)
	assert.Equal(t, int64(100), res.Balance)
	assert.Equal(t, int64(30), res.Transaction.Amount)

	_, err = c.GetExpense(ctx, "alice", id)
	assert.ErrorIs(t, err, domain.ErrNotFound)
	_, err = c.RemoveExpense(ctx, "alice", id)
	assert.ErrorIs(t, err, domain.ErrNotFound)
	assertConsistent(t, c, "alice")
}

func TestCoordinator_EditBeyondBalanceChangesNothing(t *testing.T) {
	c, _ := newMemoryCoordinator(t)
	ctx := context.Background()
	_, _, err := c.OpenWallet(ctx, "alice", 100)
	require.NoError(t, err)
	res, err := c.RecordExpense(ctx, "alice", expense(60))
	require.NoError(t, err)

	_, err = c.EditExpense(ctx, "alice", res.Transaction.ID, amountPatch(101))
	assert.ErrorIs(t, err, domain.ErrInsufficientFunds)

	got, err := c.GetExpense(ctx, "alice", res.Transaction.ID)
	require.NoError(t, err)
	assert.Equal(t, int64(60), got.Amount)
	assert.Equal(t, int64(1), got.Version)
	balance, _ := c.GetBalance(ctx, "alice")
	assert.Equal(t, int64(40), balance)

	// 剛好用完餘額
	res, err = c.EditExpense(ctx, "alice", res.Transaction.ID, amountPatch(100))
	require.NoError(t, err)
	assert.Equal(t, int64(0), res.Balance)
	assertConsistent(t, c, "alice")
}

func TestCoordinator_MetadataEditKeepsBalance(t *testing.T) {
	c, store := newMemoryCoordinator(t)
	ctx := context.Background()
	_, _, err := c.OpenWallet(ctx, "alice", 100)
	require.NoError(t, err)
	res, err := c.RecordExpense(ctx, "alice", expense(25))
	require.NoError(t, err)
	before, err := store.GetWallet(ctx, "alice")
	require.NoError(t, err)

	travel := domain.CategoryTravel
	desc := "  taxi  "
	res, err = c.EditExpense(ctx, "alice", res.Transaction.ID, domain.Patch{Category: &travel, Description: &desc})
	require.NoError(t, err)
	assert.Equal(t, domain.CategoryTravel, res.Transaction.Category)
	assert.Equal(t, "taxi", res.Transaction.Description)
	assert.Equal(t, int64(75), res.Balance)

	after, err := store.GetWallet(ctx, "alice")
	require.NoError(t, err)
	assert.Equal(t, before.Version, after.Version)
}

func TestCoordinator_EditEqualsRemoveThenRecord(t *testing.T) {
	ctx := context.Background()
	cases := []struct{ from, to int64 }{{60, 30}, {30, 90}, {45, 45}}
	for _, tc := range cases {
		t.Run(fmt.Sprintf("%d->%d", tc.from, tc.to), func(t *testing.T) {
			edited, _ := newMemoryCoordinator(t)
			_, _, err := edited.OpenWallet(ctx, "alice", 100)
			require.NoError(t, err)
			res, err := edited.RecordExpense(ctx, "alice", expense(tc.from))
			require.NoError(t, err)
			_, err = edited.EditExpense(ctx, "alice", res.Transaction.ID, amountPatch(tc.to))
			require.NoError(t, err)

			replaced, _ := newMemoryCoordinator(t)
			_, _, err = replaced.OpenWallet(ctx, "alice", 100)
			require.NoError(t, err)
			res, err = replaced.RecordExpense(ctx, "alice", expense(tc.from))
			require.NoError(t, err)
			_, err = replaced.RemoveExpense(ctx, "alice", res.Transaction.ID)
			require.NoError(t, err)
			_, err = replaced.RecordExpense(ctx, "alice", expense(tc.to))
			require.NoError(t, err)

			a, _ := edited.GetBalance(ctx, "alice")
			b, _ := replaced.GetBalance(ctx, "alice")
			assert.Equal(t, b, a)
		})
	}
}

func TestCoordinator_EmptyPatchReturnsCurrent(t *testing.T) {
	ctrl := gomock.NewController(t)
	pub := mocks.NewMockEventPublisher(ctrl)
	store, err := memory.NewStore(nil, nil)
	require.NoError(t, err)
	c := newCoordinator(t, store, pub, true)
	ctx := context.Background()

	pub.EXPECT().Publish(gomock.Any(), gomock.Any()).Return(nil).Times(2)
	_, _, err = c.OpenWallet(ctx, "alice", 100)
	require.NoError(t, err)
	res, err := c.RecordExpense(ctx, "alice", expense(10))
	require.NoError(t, err)

	got, err := c.EditExpense(ctx, "alice", res.Transaction.ID, domain.Patch{})
	require.NoError(t, err)
	assert.Equal(t, res.Transaction, got.Transaction)
	assert.Equal(t, int64(90), got.Balance)
}

func TestCoordinator_ConcurrentRecordsNeverOverdraw(t *testing.T) {
	c, _ := newMemoryCoordinator(t)
	ctx := context.Background()
	_, _, err := c.OpenWallet(ctx, "alice", 100)
	require.NoError(t, err)

	var (
		wg       sync.WaitGroup
		ok       atomic.Int64
		rejected atomic.Int64
	)
	for i := 0; i < 25; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := c.RecordExpense(ctx, "alice", expense(10))
			switch {
			case err == nil:
				ok.Add(1)
			case errors.Is(err, domain.ErrInsufficientFunds):
				rejected.Add(1)
			default:
				t.Errorf("unexpected error: %v", err)
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, int64(10), ok.Load())
	assert.Equal(t, int64(15), rejected.Load())
	balance, err := c.GetBalance(ctx, "alice")
	require.NoError(t, err)
	assert.Equal(t, int64(0), balance)
	assertConsistent(t, c, "alice")
}

func TestCoordinator_ConcurrentMixedOperations(t *testing.T) {
	c, _ := newMemoryCoordinator(t)
	ctx := context.Background()
	_, _, err := c.OpenWallet(ctx, "alice", 1000)
	require.NoError(t, err)

	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			res, err := c.RecordExpense(ctx, "alice", expense(int64(10+i)))
			if err != nil {
				return
			}
			switch i % 3 {
			case 0:
				_, _ = c.EditExpense(ctx, "alice", res.Transaction.ID, amountPatch(int64(5+i)))
			case 1:
				_, _ = c.RemoveExpense(ctx, "alice", res.Transaction.ID)
			}
		}(i)
	}
	wg.Wait()
	assertConsistent(t, c, "alice")
}

func TestCoordinator_AutoProvision(t *testing.T) {
	ctx := context.Background()

	t.Run("enabled", func(t *testing.T) {
		c, store := newMemoryCoordinator(t)

		w, err := c.GetWallet(ctx, "new")
		require.NoError(t, err)
		assert.Equal(t, int64(0), w.Balance)
		_, err = store.GetWallet(ctx, "new")
		assert.ErrorIs(t, err, domain.ErrNotFound, "reads must not create wallets")

		_, err = c.RecordExpense(ctx, "new", expense(1))
		assert.ErrorIs(t, err, domain.ErrInsufficientFunds)
		_, err = store.GetWallet(ctx, "new")
		assert.ErrorIs(t, err, domain.ErrNotFound, "failed unit must roll back the provisioned wallet")

		w, err = c.TopUp(ctx, "new", 50)
		require.NoError(t, err)
		assert.Equal(t, int64(50), w.Balance)
		assert.Equal(t, int64(50), w.Funded)
		assertConsistent(t, c, "new")
	})

	t.Run("disabled", func(t *testing.T) {
		store, err := memory.NewStore(nil, nil)
		require.NoError(t, err)
		c := newCoordinator(t, store, nil, false)

		_, err = c.RecordExpense(ctx, "ghost", expense(1))
		assert.ErrorIs(t, err, domain.ErrNotFound)
		_, err = c.TopUp(ctx, "ghost", 10)
		assert.ErrorIs(t, err, domain.ErrNotFound)
		_, err = c.GetBalance(ctx, "ghost")
		assert.ErrorIs(t, err, domain.ErrNotFound)
	})
}

func TestCoordinator_OpenWalletIsIdempotent(t *testing.T) {
	c, _ := newMemoryCoordinator(t)
	ctx := context.Background()

	_, created, err := c.OpenWallet(ctx, "alice", 100)
	require.NoError(t, err)
	assert.True(t, created)

	w, created, err := c.OpenWallet(ctx, "alice", 500)
	require.NoError(t, err)
	assert.False(t, created)
	assert.Equal(t, int64(100), w.Balance)

	_, _, err = c.OpenWallet(ctx, "bob", -1)
	assert.ErrorIs(t, err, domain.ErrValidation)
}

func TestCoordinator_Validation(t *testing.T) {
	c, _ := newMemoryCoordinator(t)
	ctx := context.Background()

	_, err := c.RecordExpense(ctx, "alice", expense(0))
	assert.ErrorIs(t, err, domain.ErrValidation)
	_, err = c.RecordExpense(ctx, "alice", domain.ExpenseInput{Amount: 10, Category: "rent"})
	assert.ErrorIs(t, err, domain.ErrValidation)
	_, err = c.RecordExpense(ctx, " ", expense(10))
	assert.ErrorIs(t, err, domain.ErrValidation)
	_, err = c.EditExpense(ctx, "alice", uuid.New(), amountPatch(-5))
	assert.ErrorIs(t, err, domain.ErrValidation)
	_, err = c.TopUp(ctx, "alice", 0)
	assert.ErrorIs(t, err, domain.ErrValidation)
	_, err = c.MonthlySummary(ctx, "alice", 2025, 13)
	assert.ErrorIs(t, err, domain.ErrValidation)
	assert.Equal(t, "validation", domain.Kind(err))
}

func TestCoordinator_OwnerIDLength(t *testing.T) {
	c, store := newMemoryCoordinator(t)
	ctx := context.Background()

	long := strings.Repeat("a", usecase.MaxOwnerIDLength+1)
	_, _, err := c.OpenWallet(ctx, long, 100)
	assert.ErrorIs(t, err, domain.ErrValidation)
	_, err = c.TopUp(ctx, long, 100)
	assert.ErrorIs(t, err, domain.ErrValidation)
	_, err = c.RecordExpense(ctx, long, expense(1))
	assert.ErrorIs(t, err, domain.ErrValidation)
	_, err = store.GetWallet(ctx, long)
	assert.ErrorIs(t, err, domain.ErrNotFound)

	edge := strings.Repeat("a", usecase.MaxOwnerIDLength)
	_, _, err = c.OpenWallet(ctx, edge, 100)
	require.NoError(t, err)
}

func TestCoordinator_TopUpOverflow(t *testing.T) {
	c, _ := newMemoryCoordinator(t)
	ctx := context.Background()
	_, _, err := c.OpenWallet(ctx, "alice", 100)
	require.NoError(t, err)

	_, err = c.TopUp(ctx, "alice", math.MaxInt64)
	assert.ErrorIs(t, err, domain.ErrValidation)

	w, err := c.GetWallet(ctx, "alice")
	require.NoError(t, err)
	assert.Equal(t, int64(100), w.Balance)
	assert.Equal(t, int64(100), w.Funded)
	assertConsistent(t, c, "alice")

	_, err = c.TopUp(ctx, "alice", math.MaxInt64-100)
	require.NoError(t, err)
	_, err = c.TopUp(ctx, "alice", 1)
	assert.ErrorIs(t, err, domain.ErrValidation)
}

func TestCoordinator_DateOnlyInputUsesReportingZone(t *testing.T) {
	west := time.FixedZone("UTC-5", -5*60*60)
	store, err := memory.NewStore(nil, nil)
	require.NoError(t, err)
	c := usecase.NewCoordinator(store, nil, nil, usecase.Options{
		AutoProvision: true,
		Location:      west,
		Now:           func() time.Time { return clock },
	})
	ctx := context.Background()
	_, _, err = c.OpenWallet(ctx, "alice", 1000)
	require.NoError(t, err)

	day, err := domain.ParseEffectiveDate("2025-05-01", c.Location())
	require.NoError(t, err)
	_, err = c.RecordExpense(ctx, "alice", domain.ExpenseInput{Amount: 100, Category: domain.CategoryFood, EffectiveDate: day})
	require.NoError(t, err)

	may, err := c.MonthlySummary(ctx, "alice", 2025, 5)
	require.NoError(t, err)
	assert.Equal(t, int64(1), may.Count)
	assert.Equal(t, int64(100), may.TotalSpent)
	april, err := c.MonthlySummary(ctx, "alice", 2025, 4)
	require.NoError(t, err)
	assert.Equal(t, int64(0), april.Count)
}

func TestCoordinator_Isolation(t *testing.T) {
	c, _ := newMemoryCoordinator(t)
	ctx := context.Background()
	_, _, err := c.OpenWallet(ctx, "alice", 100)
	require.NoError(t, err)
	_, _, err = c.OpenWallet(ctx, "bob", 100)
	require.NoError(t, err)
	res, err := c.RecordExpense(ctx, "alice", expense(10))
	require.NoError(t, err)

	_, err = c.EditExpense(ctx, "bob", res.Transaction.ID, amountPatch(1))
	assert.ErrorIs(t, err, domain.ErrNotFound)
	_, err = c.RemoveExpense(ctx, "bob", res.Transaction.ID)
	assert.ErrorIs(t, err, domain.ErrNotFound)

	bob, _ := c.GetBalance(ctx, "bob")
	alice, _ := c.GetBalance(ctx, "alice")
	assert.Equal(t, int64(100), bob)
	assert.Equal(t, int64(90), alice)
}

// conflictStore 前 conflicts 次 Atomically 回傳 ErrConflict
type conflictStore struct {
	usecase.Store
	conflicts int
	calls     int
}

func (s *conflictStore) Atomically(ctx context.Context, ownerID string, fn func(u usecase.Unit) error) error {
	s.calls++
	if s.calls <= s.conflicts {
		return fmt.Errorf("%w: simulated serialization failure", domain.ErrConflict)
	}
	return s.Store.Atomically(ctx, ownerID, fn)
}

func TestCoordinator_RetriesConflicts(t *testing.T) {
	ctx := context.Background()
	inner, err := memory.NewStore(nil, nil)
	require.NoError(t, err)
	store := &conflictStore{Store: inner}
	c := newCoordinator(t, store, nil, true)

	_, err = c.TopUp(ctx, "alice", 100)
	require.NoError(t, err)

	store.calls, store.conflicts = 0, 2
	res, err := c.RecordExpense(ctx, "alice", expense(30))
	require.NoError(t, err)
	assert.Equal(t, int64(70), res.Balance)
	assert.Equal(t, 3, store.calls)

	store.calls, store.conflicts = 0, 10
	_, err = c.RecordExpense(ctx, "alice", expense(30))
	assert.ErrorIs(t, err, domain.ErrConflict)
	assert.Equal(t, "conflict", domain.Kind(err))
	assert.Equal(t, 3, store.calls)

	balance, _ := c.GetBalance(ctx, "alice")
	assert.Equal(t, int64(70), balance)
	assertConsistent(t, c, "alice")
}

func TestCoordinator_CanceledContext(t *testing.T) {
	c, _ := newMemoryCoordinator(t)
	_, _, err := c.OpenWallet(context.Background(), "alice", 100)
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err = c.RecordExpense(ctx, "alice", expense(10))
	assert.ErrorIs(t, err, context.Canceled)
	assert.Equal(t, "canceled", domain.Kind(err))

	balance, _ := c.GetBalance(context.Background(), "alice")
	assert.Equal(t, int64(100), balance)
}

func TestCoordinator_PublishesAfterCommit(t *testing.T) {
	ctrl := gomock.NewController(t)
	pub := mocks.NewMockEventPublisher(ctrl)
	store, err := memory.NewStore(nil, nil)
	require.NoError(t, err)
	c := newCoordinator(t, store, pub, true)
	ctx := context.Background()

	var events []domain.LedgerEvent
	pub.EXPECT().Publish(gomock.Any(), gomock.Any()).DoAndReturn(
		func(_ context.Context, e domain.LedgerEvent) error {
			events = append(events, e)
			return nil
		}).Times(4)

	_, _, err = c.OpenWallet(ctx, "alice", 100)
	require.NoError(t, err)
	res, err := c.RecordExpense(ctx, "alice", expense(60))
	require.NoError(t, err)
	_, err = c.EditExpense(ctx, "alice", res.Transaction.ID, amountPatch(30))
	require.NoError(t, err)
	_, err = c.RemoveExpense(ctx, "alice", res.Transaction.ID)
	require.NoError(t, err)

	// 失敗的操作不發佈
	_, err = c.RecordExpense(ctx, "alice", expense(500))
	assert.ErrorIs(t, err, domain.ErrInsufficientFunds)

	require.Len(t, events, 4)
	assert.Equal(t, domain.EventWalletOpened, events[0].Type)
	assert.Equal(t, domain.EventExpenseRecorded, events[1].Type)
	assert.Equal(t, int64(-60), events[1].Delta)
	assert.Equal(t, int64(40), events[1].Balance)
	assert.Equal(t, domain.EventExpenseEdited, events[2].Type)
	assert.Equal(t, int64(30), events[2].Delta)
	assert.Equal(t, domain.EventExpenseRemoved, events[3].Type)
	assert.Equal(t, int64(100), events[3].Balance)
}

func TestCoordinator_PublishFailureDoesNotFailOperation(t *testing.T) {
	ctrl := gomock.NewController(t)
	pub := mocks.NewMockEventPublisher(ctrl)
	store, err := memory.NewStore(nil, nil)
	require.NoError(t, err)
	c := newCoordinator(t, store, pub, true)

	pub.EXPECT().Publish(gomock.Any(), gomock.Any()).Return(errors.New("broker down")).AnyTimes()
	w, err := c.TopUp(context.Background(), "alice", 10)
	require.NoError(t, err)
	assert.Equal(t, int64(10), w.Balance)
}

func TestCoordinator_Summaries(t *testing.T) {
	c, _ := newMemoryCoordinator(t)
	ctx := context.Background()
	_, _, err := c.OpenWallet(ctx, "alice", 10000)
	require.NoError(t, err)

	record := func(amount int64, category domain.Category, at time.Time) {
		_, err := c.RecordExpense(ctx, "alice", domain.ExpenseInput{Amount: amount, Category: category, EffectiveDate: at})
		require.NoError(t, err)
	}
	// 2025-03-01 20:00 UTC 在 ICT 已是 03-02
	record(100, domain.CategoryFood, time.Date(2025, 3, 1, 20, 0, 0, 0, time.UTC))
	record(200, domain.CategoryBills, time.Date(2025, 3, 2, 10, 0, 0, 0, time.UTC))
	record(300, domain.CategoryFood, time.Date(2025, 3, 1, 10, 0, 0, 0, time.UTC))
	record(400, domain.CategoryTravel, time.Date(2025, 2, 28, 16, 59, 0, 0, time.UTC))

	day, err := c.DailySummary(ctx, "alice", time.Date(2025, 3, 2, 12, 0, 0, 0, ict))
	require.NoError(t, err)
	assert.Equal(t, "2025-03-02", day.Period)
	assert.Equal(t, int64(300), day.TotalSpent)
	assert.Equal(t, int64(2), day.Count)
	assert.Equal(t, int64(100), day.ByCategory[domain.CategoryFood])
	assert.Equal(t, int64(200), day.ByCategory[domain.CategoryBills])

	month, err := c.MonthlySummary(ctx, "alice", 2025, 3)
	require.NoError(t, err)
	assert.Equal(t, "2025-03", month.Period)
	assert.Equal(t, int64(600), month.TotalSpent)
	assert.Equal(t, int64(3), month.Count)

	// 0 表示當期 (clock 為 2025-03-14)
	current, err := c.MonthlySummary(ctx, "alice", 0, 0)
	require.NoError(t, err)
	assert.Equal(t, month.TotalSpent, current.TotalSpent)

	feb, err := c.MonthlySummary(ctx, "alice", 2025, 2)
	require.NoError(t, err)
	assert.Equal(t, int64(400), feb.TotalSpent)

	empty, err := c.DailySummary(ctx, "alice", time.Date(2025, 4, 1, 0, 0, 0, 0, ict))
	require.NoError(t, err)
	assert.Zero(t, empty.TotalSpent)
	assert.NotNil(t, empty.ByCategory)
}

func TestCoordinator_ListExpenses(t *testing.T) {
	c, _ := newMemoryCoordinator(t)
	ctx := context.Background()
	_, _, err := c.OpenWallet(ctx, "alice", 1000)
	require.NoError(t, err)
	for i := 1; i <= 3; i++ {
		_, err := c.RecordExpense(ctx, "alice", domain.ExpenseInput{
			Amount:        int64(i),
			Category:      domain.CategoryShopping,
			EffectiveDate: time.Date(2025, 3, i, 0, 0, 0, 0, time.UTC),
		})
		require.NoError(t, err)
	}

	list, err := c.ListExpenses(ctx, "alice", domain.TransactionFilter{})
	require.NoError(t, err)
	require.Len(t, list, 3)
	assert.Equal(t, int64(3), list[0].Amount)

	bad := domain.Category("rent")
	_, err = c.ListExpenses(ctx, "alice", domain.TransactionFilter{Category: &bad})
	assert.ErrorIs(t, err, domain.ErrValidation)
}
