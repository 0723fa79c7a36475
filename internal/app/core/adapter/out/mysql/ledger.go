package mysql

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	driver "github.com/go-sql-driver/mysql"
	"github.com/google/uuid"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/JoeShih716/go-wallet-ledger/internal/app/core/domain"
	"github.com/JoeShih716/go-wallet-ledger/internal/app/core/usecase"
	"github.com/JoeShih716/go-wallet-ledger/pkg/mysql"
)

// sqlWallet 對應資料庫的 wallets 表
type sqlWallet struct {
	OwnerID   string    `gorm:"column:owner_id;primaryKey;size:64"`
	Balance   int64     `gorm:"not null"`
	Funded    int64     `gorm:"not null"`
	Version   int64     `gorm:"not null"`
	CreatedAt time.Time `gorm:"type:datetime(6)"`
	UpdatedAt time.Time `gorm:"type:datetime(6)"`
}

func (*sqlWallet) TableName() string {
	return "wallets"
}

// sqlTransaction 對應資料庫的 expense_transactions 表
type sqlTransaction struct {
	ID            []byte    `gorm:"column:id;type:binary(16);primaryKey"` // 對應 domain.Transaction.ID
	OwnerID       string    `gorm:"column:owner_id;size:64;not null;index:idx_owner_effective,priority:1"`
	Amount        int64     `gorm:"not null"`
	Category      string    `gorm:"size:16;not null"`
	EffectiveDate time.Time `gorm:"type:datetime(6);not null;index:idx_owner_effective,priority:2"`
	Description   string    `gorm:"size:2048"`
	Version       int64     `gorm:"not null"`
	CreatedAt     time.Time `gorm:"type:datetime(6)"`
	UpdatedAt     time.Time `gorm:"type:datetime(6)"`
}

func (*sqlTransaction) TableName() string {
	return "expense_transactions"
}

// Store 是 MySQL (GORM) 版的帳本儲存層
//
// 每個原子單元是一個 DB transaction。扣款是單一條件式 UPDATE
// (balance + delta >= 0)，交易列以 version 欄位做樂觀鎖。
type Store struct {
	client *mysql.Client
}

var _ usecase.Store = (*Store)(nil)

func NewStore(client *mysql.Client) *Store {
	return &Store{
		client: client,
	}
}

// Migrate 建立或更新資料表
func (s *Store) Migrate(ctx context.Context) error {
	if err := s.client.DB().WithContext(ctx).AutoMigrate(&sqlWallet{}, &sqlTransaction{}); err != nil {
		return classify(err)
	}
	return nil
}

func (s *Store) Atomically(ctx context.Context, ownerID string, fn func(u usecase.Unit) error) error {
	err := s.client.DB().WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := fn(&unit{tx: tx, ownerID: ownerID}); err != nil {
			return err
		}
		// 回傳 error 會 rollback
		return ctx.Err()
	})
	return classify(err)
}

func (s *Store) GetWallet(ctx context.Context, ownerID string) (domain.Wallet, error) {
	w, err := findWallet(s.client.DB().WithContext(ctx), ownerID)
	return w, classify(err)
}

func (s *Store) GetTransaction(ctx context.Context, ownerID string, id uuid.UUID) (domain.Transaction, error) {
	t, err := findTransaction(s.client.DB().WithContext(ctx), ownerID, id)
	return t, classify(err)
}

func (s *Store) ListTransactions(ctx context.Context, ownerID string, filter domain.TransactionFilter) ([]domain.Transaction, error) {
	var rows []sqlTransaction
	q := scope(s.client.DB().WithContext(ctx), ownerID, filter).
		Order("effective_date DESC").Order("created_at DESC").Order("id DESC").
		Offset(filter.Offset)
	if filter.Limit > 0 {
		q = q.Limit(filter.Limit)
	}
	if err := q.Find(&rows).Error; err != nil {
		return nil, classify(err)
	}
	out := make([]domain.Transaction, 0, len(rows))
	for i := range rows {
		t, err := rows[i].toDomain()
		if err != nil {
			return nil, err
		}
		out = append(out, t)
	}
	return out, nil
}

func (s *Store) Totals(ctx context.Context, ownerID string, filter domain.TransactionFilter) (domain.Totals, error) {
	totals, err := sumTransactions(s.client.DB().WithContext(ctx), ownerID, filter)
	return totals, classify(err)
}

// Snapshot 在同一個 REPEATABLE READ 唯讀 transaction 內讀錢包與彙總
func (s *Store) Snapshot(ctx context.Context, ownerID string) (domain.Wallet, domain.Totals, error) {
	var (
		w      domain.Wallet
		totals domain.Totals
	)
	err := s.client.DB().WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var err error
		if w, err = findWallet(tx, ownerID); err != nil {
			return err
		}
		totals, err = sumTransactions(tx, ownerID, domain.TransactionFilter{})
		return err
	}, &sql.TxOptions{Isolation: sql.LevelRepeatableRead, ReadOnly: true})
	if err != nil {
		return domain.Wallet{}, domain.Totals{}, classify(err)
	}
	return w, totals, nil
}

// unit 綁定單一 DB transaction 與 owner
type unit struct {
	tx      *gorm.DB
	ownerID string
}

var _ usecase.Unit = (*unit)(nil)

func (u *unit) Wallet(ctx context.Context) (domain.Wallet, error) {
	return findWallet(u.tx.Clauses(clause.Locking{Strength: "UPDATE"}), u.ownerID)
}

func (u *unit) EnsureWallet(ctx context.Context, initial int64, now time.Time) (domain.Wallet, bool, error) {
	w, err := domain.NewWallet(u.ownerID, initial, now)
	if err != nil {
		return domain.Wallet{}, false, err
	}
	row := fromWallet(w)
	// 已存在時不做任何事 (ON DUPLICATE KEY UPDATE owner_id = owner_id)
	res := u.tx.Clauses(clause.OnConflict{DoNothing: true}).Create(&row)
	if res.Error != nil {
		return domain.Wallet{}, false, res.Error
	}
	if res.RowsAffected == 1 {
		return *w, true, nil
	}
	existing, err := u.Wallet(ctx)
	return existing, false, err
}

func (u *unit) AdjustBalance(ctx context.Context, delta, funding int64, now time.Time) (domain.Wallet, error) {
	res := u.tx.Model(&sqlWallet{}).
		Where("owner_id = ? AND balance + ? >= 0", u.ownerID, delta).
		Updates(map[string]any{
			"balance":    gorm.Expr("balance + ?", delta),
			"funded":     gorm.Expr("funded + ?", funding),
			"version":    gorm.Expr("version + 1"),
			"updated_at": now,
		})
	if res.Error != nil {
		return domain.Wallet{}, res.Error
	}
	if res.RowsAffected == 0 {
		// 區分錢包不存在與餘額不足
		var n int64
		if err := u.tx.Model(&sqlWallet{}).Where("owner_id = ?", u.ownerID).Count(&n).Error; err != nil {
			return domain.Wallet{}, err
		}
		if n == 0 {
			return domain.Wallet{}, fmt.Errorf("%w: wallet of %s", domain.ErrNotFound, u.ownerID)
		}
		return domain.Wallet{}, domain.ErrInsufficientFunds
	}
	return findWallet(u.tx, u.ownerID)
}

func (u *unit) Transaction(ctx context.Context, id uuid.UUID) (domain.Transaction, error) {
	return findTransaction(u.tx.Clauses(clause.Locking{Strength: "UPDATE"}), u.ownerID, id)
}

func (u *unit) InsertTransaction(ctx context.Context, t domain.Transaction) error {
	if t.OwnerID != u.ownerID {
		return fmt.Errorf("%w: transaction owner %s does not match unit owner", domain.ErrValidation, t.OwnerID)
	}
	row := fromTransaction(&t)
	return u.tx.Create(&row).Error
}

func (u *unit) UpdateTransaction(ctx context.Context, t domain.Transaction, expectedVersion int64) error {
	res := u.tx.Model(&sqlTransaction{}).
		Where("id = ? AND owner_id = ? AND version = ?", t.ID[:], u.ownerID, expectedVersion).
		Updates(map[string]any{
			"amount":         t.Amount,
			"category":       string(t.Category),
			"description":    t.Description,
			"effective_date": t.EffectiveDate.UTC(),
			"version":        t.Version,
			"updated_at":     t.UpdatedAt.UTC(),
		})
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return fmt.Errorf("%w: transaction %s changed concurrently", domain.ErrConflict, t.ID)
	}
	return nil
}

func (u *unit) DeleteTransaction(ctx context.Context, id uuid.UUID, expectedVersion int64) error {
	res := u.tx.Where("id = ? AND owner_id = ? AND version = ?", id[:], u.ownerID, expectedVersion).
		Delete(&sqlTransaction{})
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return fmt.Errorf("%w: transaction %s changed concurrently", domain.ErrConflict, id)
	}
	return nil
}

func findWallet(db *gorm.DB, ownerID string) (domain.Wallet, error) {
	var row sqlWallet
	err := db.Where("owner_id = ?", ownerID).Take(&row).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return domain.Wallet{}, fmt.Errorf("%w: wallet of %s", domain.ErrNotFound, ownerID)
	}
	if err != nil {
		return domain.Wallet{}, err
	}
	return row.toDomain(), nil
}

func findTransaction(db *gorm.DB, ownerID string, id uuid.UUID) (domain.Transaction, error) {
	var row sqlTransaction
	err := db.Where("id = ? AND owner_id = ?", id[:], ownerID).Take(&row).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return domain.Transaction{}, fmt.Errorf("%w: transaction %s", domain.ErrNotFound, id)
	}
	if err != nil {
		return domain.Transaction{}, err
	}
	return row.toDomain()
}

func scope(db *gorm.DB, ownerID string, filter domain.TransactionFilter) *gorm.DB {
	q := db.Model(&sqlTransaction{}).Where("owner_id = ?", ownerID)
	if filter.Category != nil {
		q = q.Where("category = ?", string(*filter.Category))
	}
	if !filter.From.IsZero() {
		q = q.Where("effective_date >= ?", filter.From.UTC())
	}
	if !filter.To.IsZero() {
		q = q.Where("effective_date < ?", filter.To.UTC())
	}
	return q
}

type categoryTotal struct {
	Category string
	N        int64
	Total    int64
}

func sumTransactions(db *gorm.DB, ownerID string, filter domain.TransactionFilter) (domain.Totals, error) {
	var rows []categoryTotal
	err := scope(db, ownerID, filter).
		Select("category, COUNT(*) AS n, COALESCE(SUM(amount), 0) AS total").
		Group("category").
		Scan(&rows).Error
	if err != nil {
		return domain.Totals{}, err
	}
	totals := domain.Totals{ByCategory: make(map[domain.Category]int64)}
	for _, r := range rows {
		totals.Count += r.N
		totals.Amount += r.Total
		totals.ByCategory[domain.Category(r.Category)] += r.Total
	}
	return totals, nil
}

func fromWallet(w *domain.Wallet) sqlWallet {
	return sqlWallet{
		OwnerID:   w.OwnerID,
		Balance:   w.Balance,
		Funded:    w.Funded,
		Version:   w.Version,
		CreatedAt: w.CreatedAt.UTC(),
		UpdatedAt: w.UpdatedAt.UTC(),
	}
}

func (r *sqlWallet) toDomain() domain.Wallet {
	return domain.Wallet{
		OwnerID:   r.OwnerID,
		Balance:   r.Balance,
		Funded:    r.Funded,
		Version:   r.Version,
		CreatedAt: r.CreatedAt.UTC(),
		UpdatedAt: r.UpdatedAt.UTC(),
	}
}

func fromTransaction(t *domain.Transaction) sqlTransaction {
	return sqlTransaction{
		ID:            t.ID[:],
		OwnerID:       t.OwnerID,
		Amount:        t.Amount,
		Category:      string(t.Category),
		EffectiveDate: t.EffectiveDate.UTC(),
		Description:   t.Description,
		Version:       t.Version,
		CreatedAt:     t.CreatedAt.UTC(),
		UpdatedAt:     t.UpdatedAt.UTC(),
	}
}

func (r *sqlTransaction) toDomain() (domain.Transaction, error) {
	id, err := uuid.FromBytes(r.ID)
	if err != nil {
		return domain.Transaction{}, fmt.Errorf("%w: corrupt transaction id: %v", domain.ErrStorageUnavailable, err)
	}
	return domain.Transaction{
		ID:            id,
		OwnerID:       r.OwnerID,
		Amount:        r.Amount,
		Category:      domain.Category(r.Category),
		EffectiveDate: r.EffectiveDate.UTC(),
		Description:   r.Description,
		Version:       r.Version,
		CreatedAt:     r.CreatedAt.UTC(),
		UpdatedAt:     r.UpdatedAt.UTC(),
	}, nil
}

// MySQL 錯誤碼
const (
	errDupEntry        = 1062
	errLockWaitTimeout = 1205
	errLockDeadlock    = 1213
)

// classify 把 driver 錯誤轉成 domain 錯誤分類
//
// deadlock / lock wait timeout / duplicate key 視為可重試的 ErrConflict，
// 其餘無法辨識的錯誤都是 ErrStorageUnavailable (transaction 已 rollback)。
func classify(err error) error {
	if err == nil || isDomainError(err) {
		return err
	}
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return fmt.Errorf("%w: %v", domain.ErrNotFound, err)
	}
	var myErr *driver.MySQLError
	if errors.As(err, &myErr) {
		switch myErr.Number {
		case errLockDeadlock, errLockWaitTimeout, errDupEntry:
			return fmt.Errorf("%w: %v", domain.ErrConflict, err)
		}
	}
	return fmt.Errorf("%w: %v", domain.ErrStorageUnavailable, err)
}

func isDomainError(err error) bool {
	for _, target := range []error{
		domain.ErrValidation,
		domain.ErrNotFound,
		domain.ErrInsufficientFunds,
		domain.ErrConflict,
		domain.ErrStorageUnavailable,
		context.Canceled,
		context.DeadlineExceeded,
	} {
		if errors.Is(err, target) {
			return true
		}
	}
	return false
}
