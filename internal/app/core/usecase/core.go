package usecase

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/JoeShih716/go-wallet-ledger/internal/app/core/domain"
)

// Options Coordinator 設定
type Options struct {
	// MaxAttempts: ErrConflict 時最多嘗試次數 (含第一次)
	MaxAttempts int
	// RetryBackoff: 第 n 次重試前等待 n * RetryBackoff
	RetryBackoff time.Duration
	// AutoProvision: 錢包不存在時，在同一個原子單元內以 0 餘額 upsert
	AutoProvision bool
	// Location: 日/月報表使用的時區
	Location *time.Location
	// Now: 測試用時鐘
	Now func() time.Time
}

// Result 修改類操作的回傳
type Result struct {
	Transaction domain.Transaction
	// Balance: commit 後的錢包餘額
	Balance int64
}

// Coordinator 是 Ledger Coordinator，唯一可以修改錢包餘額的元件
type Coordinator struct {
	store     Store
	publisher EventPublisher
	logger    *slog.Logger
	opts      Options
}

// NewCoordinator 建立 Coordinator
//
// 參數:
//
//	store: 儲存層
//	publisher: 事件發佈 (nil 時不發佈)
//	logger: nil 時使用 slog.Default()
//	opts: 設定，零值欄位套用預設
//
// 回傳:
//
//	*Coordinator: Coordinator 實例
func NewCoordinator(store Store, publisher EventPublisher, logger *slog.Logger, opts Options) *Coordinator {
	if publisher == nil {
		publisher = NopPublisher{}
	}
	if logger == nil {
		logger = slog.Default()
	}
	if opts.MaxAttempts <= 0 {
		opts.MaxAttempts = defaultMaxAttempts
	}
	if opts.RetryBackoff <= 0 {
		opts.RetryBackoff = defaultRetryBackoff
	}
	if opts.Location == nil {
		opts.Location = time.UTC
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	return &Coordinator{
		store:     store,
		publisher: publisher,
		logger:    logger.With("component", "ledger"),
		opts:      opts,
	}
}

// RecordExpense 建立支出並從錢包扣款 (absent -> active)
//
// 扣款是單一條件式寫入 (balance >= amount)，與新增交易在同一個原子單元。
// 餘額不足回傳 ErrInsufficientFunds，錢包與交易都不變。
func (c *Coordinator) RecordExpense(ctx context.Context, ownerID string, in domain.ExpenseInput) (Result, error) {
	if err := requireOwner(ownerID); err != nil {
		return Result{}, err
	}
	now := c.now()
	tx, err := domain.NewTransaction(ownerID, in, now)
	if err != nil {
		return Result{}, err
	}

	var res Result
	err = c.run(ctx, "record expense", ownerID, func(u Unit) error {
		if err := c.provision(ctx, u, now); err != nil {
			return err
		}
		w, err := u.AdjustBalance(ctx, -tx.Amount, 0, now)
		if err != nil {
			return err
		}
		if err := u.InsertTransaction(ctx, *tx); err != nil {
			return err
		}
		res = Result{Transaction: *tx, Balance: w.Balance}
		return nil
	})
	if err != nil {
		return Result{}, c.fail("record expense", ownerID, err)
	}

	c.publish(ctx, domain.LedgerEvent{
		Type:          domain.EventExpenseRecorded,
		OwnerID:       ownerID,
		TransactionID: &res.Transaction.ID,
		Amount:        res.Transaction.Amount,
		Delta:         -res.Transaction.Amount,
		Balance:       res.Balance,
		OccurredAt:    now,
	})
	return res, nil
}

// EditExpense 修改支出 (active -> active)
//
// 金額變動時錢包扣除 delta = new - old (負 delta 即退回)，與交易更新同一個原子單元;
// 金額不變時只更新 metadata，不碰錢包餘額。
func (c *Coordinator) EditExpense(ctx context.Context, ownerID string, id uuid.UUID, patch domain.Patch) (Result, error) {
	if err := requireOwner(ownerID); err != nil {
		return Result{}, err
	}
	if err := patch.Validate(); err != nil {
		return Result{}, err
	}
	now := c.now()

	var (
		res   Result
		delta int64
		dirty bool
	)
	err := c.run(ctx, "edit expense", ownerID, func(u Unit) error {
		old, err := u.Transaction(ctx, id)
		if err != nil {
			return err
		}
		if patch.Empty() {
			w, err := u.Wallet(ctx)
			if err != nil {
				return err
			}
			res, delta, dirty = Result{Transaction: old, Balance: w.Balance}, 0, false
			return nil
		}

		d := patch.Delta(old.Amount)
		var w domain.Wallet
		if d != 0 {
			w, err = u.AdjustBalance(ctx, -d, 0, now)
		} else {
			w, err = u.Wallet(ctx)
		}
		if err != nil {
			return err
		}
		updated := patch.ApplyTo(old, now)
		if err := u.UpdateTransaction(ctx, updated, old.Version); err != nil {
			return err
		}
		res, delta, dirty = Result{Transaction: updated, Balance: w.Balance}, d, true
		return nil
	})
	if err != nil {
		return Result{}, c.fail("edit expense", ownerID, err)
	}

	if dirty {
		c.publish(ctx, domain.LedgerEvent{
			Type:          domain.EventExpenseEdited,
			OwnerID:       ownerID,
			TransactionID: &res.Transaction.ID,
			Amount:        res.Transaction.Amount,
			Delta:         -delta,
			Balance:       res.Balance,
			OccurredAt:    now,
		})
	}
	return res, nil
}

// RemoveExpense 刪除支出並退款 (active -> deleted)
//
// 退款金額只取儲存中的交易金額，回傳刪除前的快照。
func (c *Coordinator) RemoveExpense(ctx context.Context, ownerID string, id uuid.UUID) (Result, error) {
	if err := requireOwner(ownerID); err != nil {
		return Result{}, err
	}
	now := c.now()

	var res Result
	err := c.run(ctx, "remove expense", ownerID, func(u Unit) error {
		old, err := u.Transaction(ctx, id)
		if err != nil {
			return err
		}
		w, err := u.AdjustBalance(ctx, old.Amount, 0, now)
		if err != nil {
			return err
		}
		if err := u.DeleteTransaction(ctx, id, old.Version); err != nil {
			return err
		}
		res = Result{Transaction: old, Balance: w.Balance}
		return nil
	})
	if err != nil {
		return Result{}, c.fail("remove expense", ownerID, err)
	}

	c.publish(ctx, domain.LedgerEvent{
		Type:          domain.EventExpenseRemoved,
		OwnerID:       ownerID,
		TransactionID: &res.Transaction.ID,
		Amount:        res.Transaction.Amount,
		Delta:         res.Transaction.Amount,
		Balance:       res.Balance,
		OccurredAt:    now,
	})
	return res, nil
}

// OpenWallet 建立錢包 (冪等)，已存在時原樣回傳 created=false
func (c *Coordinator) OpenWallet(ctx context.Context, ownerID string, initial int64) (domain.Wallet, bool, error) {
	if err := requireOwner(ownerID); err != nil {
		return domain.Wallet{}, false, err
	}
	if initial < 0 {
		return domain.Wallet{}, false, fmt.Errorf("%w: initial balance must not be negative", domain.ErrValidation)
	}
	now := c.now()

	var (
		wallet  domain.Wallet
		created bool
	)
	err := c.run(ctx, "open wallet", ownerID, func(u Unit) error {
		w, ok, err := u.EnsureWallet(ctx, initial, now)
		if err != nil {
			return err
		}
		wallet, created = w, ok
		return nil
	})
	if err != nil {
		return domain.Wallet{}, false, c.fail("open wallet", ownerID, err)
	}

	if created {
		c.publish(ctx, domain.LedgerEvent{
			Type:       domain.EventWalletOpened,
			OwnerID:    ownerID,
			Amount:     initial,
			Delta:      initial,
			Balance:    wallet.Balance,
			OccurredAt: now,
		})
	}
	return wallet, created, nil
}

// TopUp 儲值，同時增加 Balance 與 Funded
func (c *Coordinator) TopUp(ctx context.Context, ownerID string, amount int64) (domain.Wallet, error) {
	if err := requireOwner(ownerID); err != nil {
		return domain.Wallet{}, err
	}
	if amount <= 0 {
		return domain.Wallet{}, fmt.Errorf("%w: amount must be positive", domain.ErrValidation)
	}
	now := c.now()

	var wallet domain.Wallet
	err := c.run(ctx, "top up", ownerID, func(u Unit) error {
		if err := c.provision(ctx, u, now); err != nil {
			return err
		}
		current, err := u.Wallet(ctx)
		if err != nil {
			return err
		}
		if domain.CreditOverflows(current.Balance, amount) || domain.CreditOverflows(current.Funded, amount) {
			return fmt.Errorf("%w: top up would overflow the balance", domain.ErrValidation)
		}
		w, err := u.AdjustBalance(ctx, amount, amount, now)
		if err != nil {
			return err
		}
		wallet = w
		return nil
	})
	if err != nil {
		return domain.Wallet{}, c.fail("top up", ownerID, err)
	}

	c.publish(ctx, domain.LedgerEvent{
		Type:       domain.EventWalletToppedUp,
		OwnerID:    ownerID,
		Amount:     amount,
		Delta:      amount,
		Balance:    wallet.Balance,
		OccurredAt: now,
	})
	return wallet, nil
}

// GetBalance 取得目前餘額 (只讀)
func (c *Coordinator) GetBalance(ctx context.Context, ownerID string) (int64, error) {
	w, err := c.GetWallet(ctx, ownerID)
	if err != nil {
		return 0, err
	}
	return w.Balance, nil
}

// GetWallet 取得錢包 (只讀)
//
// AutoProvision 開啟時，不存在的錢包視為 0 餘額，不會寫入。
func (c *Coordinator) GetWallet(ctx context.Context, ownerID string) (domain.Wallet, error) {
	if err := requireOwner(ownerID); err != nil {
		return domain.Wallet{}, err
	}
	w, err := c.store.GetWallet(ctx, ownerID)
	if errors.Is(err, domain.ErrNotFound) && c.opts.AutoProvision {
		return domain.Wallet{OwnerID: ownerID}, nil
	}
	if err != nil {
		return domain.Wallet{}, err
	}
	return w, nil
}

func (c *Coordinator) provision(ctx context.Context, u Unit, now time.Time) error {
	if !c.opts.AutoProvision {
		return nil
	}
	_, _, err := u.EnsureWallet(ctx, 0, now)
	return err
}

func (c *Coordinator) publish(ctx context.Context, event domain.LedgerEvent) {
	// commit 之後呼叫者取消也不影響結果
	if err := c.publisher.Publish(context.WithoutCancel(ctx), event); err != nil {
		c.logger.Error("publish ledger event failed",
			"type", event.Type, "owner_id", event.OwnerID, "error", err)
	}
}

func (c *Coordinator) fail(op, ownerID string, err error) error {
	kind := domain.Kind(err)
	switch kind {
	case "validation", "not_found", "insufficient_funds", "canceled", "deadline_exceeded":
		c.logger.Debug(op+" rejected", "owner_id", ownerID, "kind", kind, "error", err)
	default:
		c.logger.Error(op+" failed", "owner_id", ownerID, "kind", kind, "error", err)
	}
	return err
}

func (c *Coordinator) now() time.Time {
	return c.opts.Now().UTC()
}

// Location 報表時區，入口層用它解析只有日期的輸入
func (c *Coordinator) Location() *time.Location {
	return c.opts.Location
}

// MaxOwnerIDLength 與 SQL schema 的 VARCHAR(64) 對齊
const MaxOwnerIDLength = 64

func requireOwner(ownerID string) error {
	if strings.TrimSpace(ownerID) == "" {
		return fmt.Errorf("%w: owner id is required", domain.ErrValidation)
	}
	if len(ownerID) > MaxOwnerIDLength {
		return fmt.Errorf("%w: owner id exceeds %d bytes", domain.ErrValidation, MaxOwnerIDLength)
	}
	return nil
}
