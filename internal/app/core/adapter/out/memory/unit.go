package memory

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/JoeShih716/go-wallet-ledger/internal/app/core/domain"
	"github.com/JoeShih716/go-wallet-ledger/internal/app/core/usecase"
)

// unit 暫存一個原子單元內的修改，commit 前對其他讀者不可見
type unit struct {
	s       *Store
	ownerID string

	wallet       *domain.Wallet
	walletLoaded bool
	walletDirty  bool

	puts    map[uuid.UUID]domain.Transaction
	deletes map[uuid.UUID]struct{}
}

var _ usecase.Unit = (*unit)(nil)

func newUnit(s *Store, ownerID string) *unit {
	return &unit{
		s:       s,
		ownerID: ownerID,
		puts:    make(map[uuid.UUID]domain.Transaction),
		deletes: make(map[uuid.UUID]struct{}),
	}
}

func (u *unit) loadWallet() {
	if u.walletLoaded {
		return
	}
	u.s.mu.RLock()
	if w, ok := u.s.wallets[u.ownerID]; ok {
		cp := *w
		u.wallet = &cp
	}
	u.s.mu.RUnlock()
	u.walletLoaded = true
}

func (u *unit) Wallet(ctx context.Context) (domain.Wallet, error) {
	u.loadWallet()
	if u.wallet == nil {
		return domain.Wallet{}, fmt.Errorf("%w: wallet of %s", domain.ErrNotFound, u.ownerID)
	}
	return *u.wallet, nil
}

func (u *unit) EnsureWallet(ctx context.Context, initial int64, now time.Time) (domain.Wallet, bool, error) {
	u.loadWallet()
	if u.wallet != nil {
		return *u.wallet, false, nil
	}
	w, err := domain.NewWallet(u.ownerID, initial, now)
	if err != nil {
		return domain.Wallet{}, false, err
	}
	u.wallet = w
	u.walletDirty = true
	return *w, true, nil
}

func (u *unit) AdjustBalance(ctx context.Context, delta, funding int64, now time.Time) (domain.Wallet, error) {
	u.loadWallet()
	if u.wallet == nil {
		return domain.Wallet{}, fmt.Errorf("%w: wallet of %s", domain.ErrNotFound, u.ownerID)
	}
	next := *u.wallet
	if err := next.Apply(delta, funding, now); err != nil {
		return domain.Wallet{}, err
	}
	u.wallet = &next
	u.walletDirty = true
	return next, nil
}

func (u *unit) Transaction(ctx context.Context, id uuid.UUID) (domain.Transaction, error) {
	if _, gone := u.deletes[id]; gone {
		return domain.Transaction{}, fmt.Errorf("%w: transaction %s", domain.ErrNotFound, id)
	}
	if t, ok := u.puts[id]; ok {
		return t, nil
	}
	u.s.mu.RLock()
	defer u.s.mu.RUnlock()
	return u.s.lookup(u.ownerID, id)
}

func (u *unit) InsertTransaction(ctx context.Context, t domain.Transaction) error {
	if t.OwnerID != u.ownerID {
		return fmt.Errorf("%w: transaction owner %s does not match unit owner", domain.ErrValidation, t.OwnerID)
	}
	if _, ok := u.puts[t.ID]; ok {
		return fmt.Errorf("%w: transaction %s already exists", domain.ErrConflict, t.ID)
	}
	u.s.mu.RLock()
	_, exists := u.s.txns[t.ID]
	u.s.mu.RUnlock()
	if exists {
		return fmt.Errorf("%w: transaction %s already exists", domain.ErrConflict, t.ID)
	}
	u.puts[t.ID] = t
	return nil
}

func (u *unit) UpdateTransaction(ctx context.Context, t domain.Transaction, expectedVersion int64) error {
	current, err := u.Transaction(ctx, t.ID)
	if err != nil {
		return err
	}
	if current.Version != expectedVersion {
		return fmt.Errorf("%w: transaction %s version %d, expected %d",
			domain.ErrConflict, t.ID, current.Version, expectedVersion)
	}
	t.OwnerID = u.ownerID
	u.puts[t.ID] = t
	return nil
}

func (u *unit) DeleteTransaction(ctx context.Context, id uuid.UUID, expectedVersion int64) error {
	current, err := u.Transaction(ctx, id)
	if err != nil {
		return err
	}
	if current.Version != expectedVersion {
		return fmt.Errorf("%w: transaction %s version %d, expected %d",
			domain.ErrConflict, id, current.Version, expectedVersion)
	}
	delete(u.puts, id)
	u.deletes[id] = struct{}{}
	return nil
}

// record 把暫存的修改整理成 commit record，沒有修改時回傳 nil
func (u *unit) record() *commitRecord {
	if !u.walletDirty && len(u.puts) == 0 && len(u.deletes) == 0 {
		return nil
	}
	rec := &commitRecord{OwnerID: u.ownerID}
	if u.walletDirty {
		w := *u.wallet
		rec.Wallet = &w
	}
	for _, t := range u.puts {
		rec.Put = append(rec.Put, t)
	}
	for id := range u.deletes {
		rec.Delete = append(rec.Delete, id)
	}
	return rec
}
