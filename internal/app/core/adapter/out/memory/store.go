package memory

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"sync/atomic"

	"github.com/google/uuid"

	"github.com/JoeShih716/go-wallet-ledger/internal/app/core/domain"
	"github.com/JoeShih716/go-wallet-ledger/internal/app/core/usecase"
	"github.com/JoeShih716/go-wallet-ledger/pkg/wal"
)

// Store 是記憶體版的帳本儲存層
//
// 結構:
//
//	wallets: owner -> 錢包
//	txns: 交易 ID -> 交易
//	byOwner: owner -> 交易 ID 集合
//	ownerLocks: 同一個 owner 的原子單元依序執行，不同 owner 互不阻塞
//	wal: 每個原子單元 commit 前寫入一筆 commit record (nil 時不持久化)
type Store struct {
	mu      sync.RWMutex
	wallets map[string]*domain.Wallet
	txns    map[uuid.UUID]*domain.Transaction
	byOwner map[string]map[uuid.UUID]struct{}

	locksMu    sync.Mutex
	ownerLocks map[string]*sync.Mutex

	wal     *wal.WAL
	journal *journal
	seq     atomic.Uint64
	logger  *slog.Logger
}

// Option Store 的選項
type Option func(*Store)

// WithGroupCommit 由單一 writer 合併並發的 WAL 寫入，每批最多 maxBatch 筆共用一次 fsync
func WithGroupCommit(maxBatch int) Option {
	return func(s *Store) {
		if s.wal != nil {
			s.journal = newJournal(s.wal, maxBatch)
		}
	}
}

var _ usecase.Store = (*Store)(nil)

// commitRecord 一個原子單元的完整結果，replay 時整筆套用
type commitRecord struct {
	Seq     uint64               `json:"seq"`
	OwnerID string               `json:"owner_id"`
	Wallet  *domain.Wallet       `json:"wallet,omitempty"`
	Put     []domain.Transaction `json:"put,omitempty"`
	Delete  []uuid.UUID          `json:"delete,omitempty"`
}

// NewStore 建立 Store，並從 WAL 恢復狀態
//
// 參數:
//
//	w: Write-Ahead Log 實例，nil 時純記憶體
//	logger: nil 時使用 slog.Default()
//	opts: WithGroupCommit 等選項
//
// 回傳:
//
//	*Store: Store 實例
//	error: WAL 恢復失敗
func NewStore(w *wal.WAL, logger *slog.Logger, opts ...Option) (*Store, error) {
	if logger == nil {
		logger = slog.Default()
	}
	s := &Store{
		wallets:    make(map[string]*domain.Wallet),
		txns:       make(map[uuid.UUID]*domain.Transaction),
		byOwner:    make(map[string]map[uuid.UUID]struct{}),
		ownerLocks: make(map[string]*sync.Mutex),
		wal:        w,
		logger:     logger.With("component", "memory_store"),
	}
	if err := s.recoverFromWAL(); err != nil {
		return nil, err
	}
	// recover 完成後才啟動 writer
	for _, opt := range opts {
		opt(s)
	}
	return s, nil
}

// Close 停止 group commit writer，WAL 由呼叫者關閉
func (s *Store) Close() {
	if s.journal != nil {
		s.journal.close()
	}
}

// recoverFromWAL 依序套用所有完整的 commit record
// 只有 NewStore 呼叫，無需 Lock (單執行緒)
func (s *Store) recoverFromWAL() error {
	if s.wal == nil {
		return nil
	}
	n, err := s.wal.ReadAll(func(jsonRaw []byte) error {
		var rec commitRecord
		if err := json.Unmarshal(jsonRaw, &rec); err != nil {
			return err
		}
		s.apply(&rec)
		if rec.Seq > s.seq.Load() {
			s.seq.Store(rec.Seq)
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("recover from wal: %w", err)
	}
	if n > 0 {
		s.logger.Info("recovered from wal", "records", n, "wallets", len(s.wallets), "transactions", len(s.txns))
	}
	return nil
}

func (s *Store) ownerLock(ownerID string) *sync.Mutex {
	s.locksMu.Lock()
	defer s.locksMu.Unlock()
	l, ok := s.ownerLocks[ownerID]
	if !ok {
		l = &sync.Mutex{}
		s.ownerLocks[ownerID] = l
	}
	return l
}

// Atomically 執行一個原子單元
//
// fn 內的修改先暫存在 unit，fn 成功後寫入一筆 WAL commit record 才套用到記憶體。
// fn 失敗、ctx 取消或 WAL 寫入失敗時，什麼都不會留下。
func (s *Store) Atomically(ctx context.Context, ownerID string, fn func(u usecase.Unit) error) error {
	lock := s.ownerLock(ownerID)
	lock.Lock()
	defer lock.Unlock()

	if err := ctx.Err(); err != nil {
		return err
	}
	u := newUnit(s, ownerID)
	if err := fn(u); err != nil {
		return err
	}
	// commit 前最後一次檢查
	if err := ctx.Err(); err != nil {
		return err
	}
	rec := u.record()
	if rec == nil {
		return nil
	}
	rec.Seq = s.seq.Add(1)
	if err := s.persist(rec); err != nil {
		return fmt.Errorf("%w: %v", domain.ErrStorageUnavailable, err)
	}

	s.mu.Lock()
	s.apply(rec)
	s.mu.Unlock()
	return nil
}

func (s *Store) persist(rec *commitRecord) error {
	switch {
	case s.journal != nil:
		return s.journal.append(rec)
	case s.wal != nil:
		return s.wal.Write(rec)
	}
	return nil
}

// apply 套用 commit record，呼叫者負責 Lock
func (s *Store) apply(rec *commitRecord) {
	if rec.Wallet != nil {
		w := *rec.Wallet
		s.wallets[rec.OwnerID] = &w
	}
	for i := range rec.Put {
		t := rec.Put[i]
		s.txns[t.ID] = &t
		ids, ok := s.byOwner[t.OwnerID]
		if !ok {
			ids = make(map[uuid.UUID]struct{})
			s.byOwner[t.OwnerID] = ids
		}
		ids[t.ID] = struct{}{}
	}
	for _, id := range rec.Delete {
		if t, ok := s.txns[id]; ok {
			delete(s.byOwner[t.OwnerID], id)
			delete(s.txns, id)
		}
	}
}

// GetWallet 讀取已 commit 的錢包
func (s *Store) GetWallet(ctx context.Context, ownerID string) (domain.Wallet, error) {
	if err := ctx.Err(); err != nil {
		return domain.Wallet{}, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	w, ok := s.wallets[ownerID]
	if !ok {
		return domain.Wallet{}, fmt.Errorf("%w: wallet of %s", domain.ErrNotFound, ownerID)
	}
	return *w, nil
}

// GetTransaction 讀取交易，不屬於 ownerID 時與不存在相同
func (s *Store) GetTransaction(ctx context.Context, ownerID string, id uuid.UUID) (domain.Transaction, error) {
	if err := ctx.Err(); err != nil {
		return domain.Transaction{}, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.lookup(ownerID, id)
}

func (s *Store) lookup(ownerID string, id uuid.UUID) (domain.Transaction, error) {
	t, ok := s.txns[id]
	if !ok || t.OwnerID != ownerID {
		return domain.Transaction{}, fmt.Errorf("%w: transaction %s", domain.ErrNotFound, id)
	}
	return *t, nil
}

// ListTransactions 依 EffectiveDate 由新到舊，再套用 Offset/Limit
func (s *Store) ListTransactions(ctx context.Context, ownerID string, filter domain.TransactionFilter) ([]domain.Transaction, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.RLock()
	out := make([]domain.Transaction, 0, len(s.byOwner[ownerID]))
	for id := range s.byOwner[ownerID] {
		t := s.txns[id]
		if filter.Match(t) {
			out = append(out, *t)
		}
	}
	s.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool {
		a, b := out[i], out[j]
		if !a.EffectiveDate.Equal(b.EffectiveDate) {
			return a.EffectiveDate.After(b.EffectiveDate)
		}
		if !a.CreatedAt.Equal(b.CreatedAt) {
			return a.CreatedAt.After(b.CreatedAt)
		}
		return a.ID.String() > b.ID.String()
	})

	if filter.Offset >= len(out) {
		return []domain.Transaction{}, nil
	}
	out = out[filter.Offset:]
	if filter.Limit > 0 && len(out) > filter.Limit {
		out = out[:filter.Limit]
	}
	return out, nil
}

// Totals 彙總符合 filter 的交易
func (s *Store) Totals(ctx context.Context, ownerID string, filter domain.TransactionFilter) (domain.Totals, error) {
	if err := ctx.Err(); err != nil {
		return domain.Totals{}, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.totals(ownerID, filter), nil
}

func (s *Store) totals(ownerID string, filter domain.TransactionFilter) domain.Totals {
	totals := domain.Totals{ByCategory: make(map[domain.Category]int64)}
	for id := range s.byOwner[ownerID] {
		t := s.txns[id]
		if filter.Match(t) {
			totals.Add(t)
		}
	}
	return totals
}

// Snapshot 在同一個讀鎖下取錢包與全部交易彙總
func (s *Store) Snapshot(ctx context.Context, ownerID string) (domain.Wallet, domain.Totals, error) {
	if err := ctx.Err(); err != nil {
		return domain.Wallet{}, domain.Totals{}, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	w, ok := s.wallets[ownerID]
	if !ok {
		return domain.Wallet{}, domain.Totals{}, fmt.Errorf("%w: wallet of %s", domain.ErrNotFound, ownerID)
	}
	return *w, s.totals(ownerID, domain.TransactionFilter{}), nil
}
