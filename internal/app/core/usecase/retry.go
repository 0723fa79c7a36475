package usecase

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/JoeShih716/go-wallet-ledger/internal/app/core/domain"
)

const (
	defaultMaxAttempts  = 3
	defaultRetryBackoff = 5 * time.Millisecond
)

// run 執行一個原子單元，ErrConflict 時重跑整個單元 (有上限)
//
// 每次嘗試前檢查 ctx，已取消就不再開始新的單元。
// fn 每次重跑都會從頭讀取狀態，所以重試不會跨越不變量邊界。
func (c *Coordinator) run(ctx context.Context, op, ownerID string, fn func(u Unit) error) error {
	var err error
	for attempt := 1; attempt <= c.opts.MaxAttempts; attempt++ {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return ctxErr
		}
		err = c.store.Atomically(ctx, ownerID, fn)
		if !errors.Is(err, domain.ErrConflict) {
			return err
		}
		c.logger.Debug("atomic unit conflict, retrying",
			"op", op, "owner_id", ownerID, "attempt", attempt, "error", err)
		if attempt == c.opts.MaxAttempts {
			break
		}
		if waitErr := sleep(ctx, c.opts.RetryBackoff*time.Duration(attempt)); waitErr != nil {
			return waitErr
		}
	}
	c.logger.Warn("atomic unit retries exhausted",
		"op", op, "owner_id", ownerID, "attempts", c.opts.MaxAttempts)
	return fmt.Errorf("%s: gave up after %d attempts: %w", op, c.opts.MaxAttempts, err)
}

func sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return nil
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
