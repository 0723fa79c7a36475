package usecase

import (
	"context"
	"time"

	"github.com/google/uuid"

	"github.com/JoeShih716/go-wallet-ledger/internal/app/core/domain"
)

// Store 是帳本儲存層的介面 (driven port)
//
// 所有會同時修改錢包與交易的操作都必須透過 Atomically 完成:
// fn 內經由 Unit 做的事要嘛一起 commit，要嘛全部不存在。
type Store interface {
	// Atomically 以 ownerID 為範圍執行一個原子單元
	// fn 回傳 error 時整個單元 rollback，並原樣回傳該 error
	Atomically(ctx context.Context, ownerID string, fn func(u Unit) error) error

	// GetWallet 讀取錢包 (不上鎖)
	GetWallet(ctx context.Context, ownerID string) (domain.Wallet, error)
	// GetTransaction 讀取單筆交易，不存在或不屬於 ownerID 都回傳 ErrNotFound
	GetTransaction(ctx context.Context, ownerID string, id uuid.UUID) (domain.Transaction, error)
	// ListTransactions 依 EffectiveDate 由新到舊
	ListTransactions(ctx context.Context, ownerID string, filter domain.TransactionFilter) ([]domain.Transaction, error)
	// Totals 彙總 filter 範圍內的金額 (忽略 Limit/Offset)
	Totals(ctx context.Context, ownerID string, filter domain.TransactionFilter) (domain.Totals, error)
	// Snapshot 同一個一致性快照下的錢包與全部現存交易彙總
	Snapshot(ctx context.Context, ownerID string) (domain.Wallet, domain.Totals, error)
}

// Unit 是一個原子單元內可用的操作，只作用在建立它的 owner 上
type Unit interface {
	// Wallet 讀取錢包 (SQL 實作為 locking read)
	Wallet(ctx context.Context) (domain.Wallet, error)
	// EnsureWallet 冪等 upsert，已存在時原樣回傳且 created=false
	EnsureWallet(ctx context.Context, initial int64, now time.Time) (w domain.Wallet, created bool, err error)
	// AdjustBalance 單一條件式寫入: balance+delta >= 0 才生效
	// 不足回傳 ErrInsufficientFunds，錢包不存在回傳 ErrNotFound
	AdjustBalance(ctx context.Context, delta, funding int64, now time.Time) (domain.Wallet, error)

	// Transaction 讀取屬於 owner 的交易 (SQL 實作為 locking read)
	Transaction(ctx context.Context, id uuid.UUID) (domain.Transaction, error)
	InsertTransaction(ctx context.Context, t domain.Transaction) error
	// UpdateTransaction 版本不符時回傳 ErrConflict
	UpdateTransaction(ctx context.Context, t domain.Transaction, expectedVersion int64) error
	// DeleteTransaction 版本不符時回傳 ErrConflict
	DeleteTransaction(ctx context.Context, id uuid.UUID, expectedVersion int64) error
}
