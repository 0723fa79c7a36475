package postgres

import (
	"context"
	_ "embed"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/JoeShih716/go-wallet-ledger/internal/app/core/domain"
	"github.com/JoeShih716/go-wallet-ledger/internal/app/core/usecase"
)

//go:embed schema.sql
var schema string

// querier 同時被 *pgxpool.Pool 與 pgx.Tx 滿足
type querier interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

// Store 是 Postgres (pgx) 版的帳本儲存層
type Store struct {
	pool *pgxpool.Pool
}

var _ usecase.Store = (*Store)(nil)

func NewStore(pool *pgxpool.Pool) *Store {
	return &Store{pool: pool}
}

// Migrate 套用 schema.sql (冪等)
func (s *Store) Migrate(ctx context.Context) error {
	if _, err := s.pool.Exec(ctx, schema); err != nil {
		return classify(err)
	}
	return nil
}

func (s *Store) Atomically(ctx context.Context, ownerID string, fn func(u usecase.Unit) error) error {
	err := pgx.BeginTxFunc(ctx, s.pool, pgx.TxOptions{}, func(tx pgx.Tx) error {
		if err := fn(&unit{q: tx, ownerID: ownerID}); err != nil {
			return err
		}
		return ctx.Err()
	})
	return classify(err)
}

func (s *Store) GetWallet(ctx context.Context, ownerID string) (domain.Wallet, error) {
	w, err := scanWallet(s.pool.QueryRow(ctx, selectWallet, ownerID), ownerID)
	return w, classify(err)
}

func (s *Store) GetTransaction(ctx context.Context, ownerID string, id uuid.UUID) (domain.Transaction, error) {
	t, err := scanTransaction(s.pool.QueryRow(ctx, selectTransaction, id.String(), ownerID), id)
	return t, classify(err)
}

func (s *Store) ListTransactions(ctx context.Context, ownerID string, filter domain.TransactionFilter) ([]domain.Transaction, error) {
	where, args := scope(ownerID, filter)
	query := `SELECT ` + transactionColumns + ` FROM expense_transactions WHERE ` + where +
		` ORDER BY effective_date DESC, created_at DESC, id DESC`
	if filter.Limit > 0 {
		args = append(args, filter.Limit)
		query += " LIMIT $" + strconv.Itoa(len(args))
	}
	if filter.Offset > 0 {
		args = append(args, filter.Offset)
		query += " OFFSET $" + strconv.Itoa(len(args))
	}

	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, classify(err)
	}
	defer rows.Close()

	out := make([]domain.Transaction, 0)
	for rows.Next() {
		t, err := scanTransaction(rows, uuid.Nil)
		if err != nil {
			return nil, classify(err)
		}
		out = append(out, t)
	}
	return out, classify(rows.Err())
}

func (s *Store) Totals(ctx context.Context, ownerID string, filter domain.TransactionFilter) (domain.Totals, error) {
	totals, err := sumTransactions(ctx, s.pool, ownerID, filter)
	return totals, classify(err)
}

// Snapshot 在 REPEATABLE READ 唯讀 transaction 內讀錢包與彙總
func (s *Store) Snapshot(ctx context.Context, ownerID string) (domain.Wallet, domain.Totals, error) {
	var (
		w      domain.Wallet
		totals domain.Totals
	)
	opts := pgx.TxOptions{IsoLevel: pgx.RepeatableRead, AccessMode: pgx.ReadOnly}
	err := pgx.BeginTxFunc(ctx, s.pool, opts, func(tx pgx.Tx) error {
		var err error
		if w, err = scanWallet(tx.QueryRow(ctx, selectWallet, ownerID), ownerID); err != nil {
			return err
		}
		totals, err = sumTransactions(ctx, tx, ownerID, domain.TransactionFilter{})
		return err
	})
	if err != nil {
		return domain.Wallet{}, domain.Totals{}, classify(err)
	}
	return w, totals, nil
}

const (
	walletColumns      = `owner_id, balance, funded, version, created_at, updated_at`
	transactionColumns = `id::text, owner_id, amount, category, effective_date, description, version, created_at, updated_at`

	selectWallet      = `SELECT ` + walletColumns + ` FROM wallets WHERE owner_id = $1`
	selectTransaction = `SELECT ` + transactionColumns + ` FROM expense_transactions WHERE id = $1::uuid AND owner_id = $2`
)

// unit 綁定單一 pgx.Tx 與 owner
type unit struct {
	q       querier
	ownerID string
}

var _ usecase.Unit = (*unit)(nil)

func (u *unit) Wallet(ctx context.Context) (domain.Wallet, error) {
	return scanWallet(u.q.QueryRow(ctx, selectWallet+` FOR UPDATE`, u.ownerID), u.ownerID)
}

func (u *unit) EnsureWallet(ctx context.Context, initial int64, now time.Time) (domain.Wallet, bool, error) {
	w, err := domain.NewWallet(u.ownerID, initial, now)
	if err != nil {
		return domain.Wallet{}, false, err
	}
	created, err := scanWallet(u.q.QueryRow(ctx,
		`INSERT INTO wallets (`+walletColumns+`)
		 VALUES ($1, $2, $3, $4, $5, $6)
		 ON CONFLICT (owner_id) DO NOTHING
		 RETURNING `+walletColumns,
		w.OwnerID, w.Balance, w.Funded, w.Version, w.CreatedAt, w.UpdatedAt,
	), u.ownerID)
	if err == nil {
		return created, true, nil
	}
	if !errors.Is(err, domain.ErrNotFound) {
		return domain.Wallet{}, false, err
	}
	// 已存在
	existing, err := u.Wallet(ctx)
	return existing, false, err
}

func (u *unit) AdjustBalance(ctx context.Context, delta, funding int64, now time.Time) (domain.Wallet, error) {
	w, err := scanWallet(u.q.QueryRow(ctx,
		`UPDATE wallets
		 SET balance = balance + $2, funded = funded + $3, version = version + 1, updated_at = $4
		 WHERE owner_id = $1 AND balance + $2 >= 0
		 RETURNING `+walletColumns,
		u.ownerID, delta, funding, now,
	), u.ownerID)
	if err == nil {
		return w, nil
	}
	if !errors.Is(err, domain.ErrNotFound) {
		return domain.Wallet{}, err
	}
	// 區分錢包不存在與餘額不足
	var exists bool
	if err := u.q.QueryRow(ctx, `SELECT EXISTS (SELECT 1 FROM wallets WHERE owner_id = $1)`, u.ownerID).Scan(&exists); err != nil {
		return domain.Wallet{}, err
	}
	if !exists {
		return domain.Wallet{}, fmt.Errorf("%w: wallet of %s", domain.ErrNotFound, u.ownerID)
	}
	return domain.Wallet{}, domain.ErrInsufficientFunds
}

func (u *unit) Transaction(ctx context.Context, id uuid.UUID) (domain.Transaction, error) {
	return scanTransaction(u.q.QueryRow(ctx, selectTransaction+` FOR UPDATE`, id.String(), u.ownerID), id)
}

func (u *unit) InsertTransaction(ctx context.Context, t domain.Transaction) error {
	if t.OwnerID != u.ownerID {
		return fmt.Errorf("%w: transaction owner %s does not match unit owner", domain.ErrValidation, t.OwnerID)
	}
	_, err := u.q.Exec(ctx,
		`INSERT INTO expense_transactions
		   (id, owner_id, amount, category, effective_date, description, version, created_at, updated_at)
		 VALUES ($1::uuid, $2, $3, $4, $5, $6, $7, $8, $9)`,
		t.ID.String(), t.OwnerID, t.Amount, string(t.Category), t.EffectiveDate.UTC(),
		t.Description, t.Version, t.CreatedAt.UTC(), t.UpdatedAt.UTC(),
	)
	return err
}

func (u *unit) UpdateTransaction(ctx context.Context, t domain.Transaction, expectedVersion int64) error {
	tag, err := u.q.Exec(ctx,
		`UPDATE expense_transactions
		 SET amount = $4, category = $5, description = $6, effective_date = $7, version = $8, updated_at = $9
		 WHERE id = $1::uuid AND owner_id = $2 AND version = $3`,
		t.ID.String(), u.ownerID, expectedVersion,
		t.Amount, string(t.Category), t.Description, t.EffectiveDate.UTC(), t.Version, t.UpdatedAt.UTC(),
	)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("%w: transaction %s changed concurrently", domain.ErrConflict, t.ID)
	}
	return nil
}

func (u *unit) DeleteTransaction(ctx context.Context, id uuid.UUID, expectedVersion int64) error {
	tag, err := u.q.Exec(ctx,
		`DELETE FROM expense_transactions WHERE id = $1::uuid AND owner_id = $2 AND version = $3`,
		id.String(), u.ownerID, expectedVersion,
	)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("%w: transaction %s changed concurrently", domain.ErrConflict, id)
	}
	return nil
}

func scanWallet(row pgx.Row, ownerID string) (domain.Wallet, error) {
	var w domain.Wallet
	err := row.Scan(&w.OwnerID, &w.Balance, &w.Funded, &w.Version, &w.CreatedAt, &w.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return domain.Wallet{}, fmt.Errorf("%w: wallet of %s", domain.ErrNotFound, ownerID)
	}
	if err != nil {
		return domain.Wallet{}, err
	}
	w.CreatedAt = w.CreatedAt.UTC()
	w.UpdatedAt = w.UpdatedAt.UTC()
	return w, nil
}

func scanTransaction(row pgx.Row, id uuid.UUID) (domain.Transaction, error) {
	var (
		t        domain.Transaction
		rawID    string
		category string
	)
	err := row.Scan(&rawID, &t.OwnerID, &t.Amount, &category, &t.EffectiveDate,
		&t.Description, &t.Version, &t.CreatedAt, &t.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return domain.Transaction{}, fmt.Errorf("%w: transaction %s", domain.ErrNotFound, id)
	}
	if err != nil {
		return domain.Transaction{}, err
	}
	if t.ID, err = uuid.Parse(rawID); err != nil {
		return domain.Transaction{}, fmt.Errorf("%w: corrupt transaction id: %v", domain.ErrStorageUnavailable, err)
	}
	t.Category = domain.Category(category)
	t.EffectiveDate = t.EffectiveDate.UTC()
	t.CreatedAt = t.CreatedAt.UTC()
	t.UpdatedAt = t.UpdatedAt.UTC()
	return t, nil
}

// scope 組出 WHERE 條件與參數
func scope(ownerID string, filter domain.TransactionFilter) (string, []any) {
	conds := []string{"owner_id = $1"}
	args := []any{ownerID}
	if filter.Category != nil {
		args = append(args, string(*filter.Category))
		conds = append(conds, "category = $"+strconv.Itoa(len(args)))
	}
	if !filter.From.IsZero() {
		args = append(args, filter.From.UTC())
		conds = append(conds, "effective_date >= $"+strconv.Itoa(len(args)))
	}
	if !filter.To.IsZero() {
		args = append(args, filter.To.UTC())
		conds = append(conds, "effective_date < $"+strconv.Itoa(len(args)))
	}
	return strings.Join(conds, " AND "), args
}

func sumTransactions(ctx context.Context, q querier, ownerID string, filter domain.TransactionFilter) (domain.Totals, error) {
	where, args := scope(ownerID, filter)
	rows, err := q.Query(ctx,
		`SELECT category, COUNT(*)::bigint, COALESCE(SUM(amount), 0)::bigint
		 FROM expense_transactions WHERE `+where+` GROUP BY category`, args...)
	if err != nil {
		return domain.Totals{}, err
	}
	defer rows.Close()

	totals := domain.Totals{ByCategory: make(map[domain.Category]int64)}
	for rows.Next() {
		var (
			category string
			n, sum   int64
		)
		if err := rows.Scan(&category, &n, &sum); err != nil {
			return domain.Totals{}, err
		}
		totals.Count += n
		totals.Amount += sum
		totals.ByCategory[domain.Category(category)] += sum
	}
	return totals, rows.Err()
}

// Postgres SQLSTATE
const (
	codeSerializationFailure = "40001"
	codeDeadlockDetected     = "40P01"
	codeUniqueViolation      = "23505"
)

// classify 把 pgx 錯誤轉成 domain 錯誤分類
func classify(err error) error {
	if err == nil || isDomainError(err) {
		return err
	}
	if errors.Is(err, pgx.ErrNoRows) {
		return fmt.Errorf("%w: %v", domain.ErrNotFound, err)
	}
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		switch pgErr.Code {
		case codeSerializationFailure, codeDeadlockDetected, codeUniqueViolation:
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
