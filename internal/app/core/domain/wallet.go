package domain

import (
	"fmt"
	"math"
	"time"
)

// Wallet 一個使用者唯一的錢包
//
// 不變量: Balance >= 0，且 Balance == Funded - Σ(現存交易金額)
type Wallet struct {
	OwnerID string
	// Balance: 目前餘額 (最小單位)
	Balance int64
	// Funded: 開戶金額 + 所有儲值，對帳時的 initialBalance
	Funded int64
	// Version: 每次餘額變動 +1
	Version   int64
	CreatedAt time.Time
	UpdatedAt time.Time
}

// NewWallet 建立新錢包，初始餘額計入 Funded
func NewWallet(ownerID string, initial int64, now time.Time) (*Wallet, error) {
	if initial < 0 {
		return nil, fmt.Errorf("%w: initial balance must not be negative", ErrValidation)
	}
	return &Wallet{
		OwnerID:   ownerID,
		Balance:   initial,
		Funded:    initial,
		Version:   1,
		CreatedAt: now,
		UpdatedAt: now,
	}, nil
}

// CanApply 套用 delta 後餘額是否仍 >= 0
func (w *Wallet) CanApply(delta int64) bool {
	return w.Balance+delta >= 0
}

// CreditOverflows current + amount 是否超出 int64 (amount <= 0 時永遠 false)
func CreditOverflows(current, amount int64) bool {
	return amount > 0 && current > math.MaxInt64-amount
}

// Apply 條件式調整餘額，餘額不足或溢位時不做任何修改
//
// 參數:
//
//	delta: 餘額變動 (負數為扣款)
//	funding: Funded 變動 (只有儲值/開戶會非 0)
//	now: 更新時間
//
// 回傳:
//
//	error: ErrInsufficientFunds / ErrValidation (溢位)
func (w *Wallet) Apply(delta, funding int64, now time.Time) error {
	if CreditOverflows(w.Balance, delta) || CreditOverflows(w.Funded, funding) {
		return fmt.Errorf("%w: balance would overflow", ErrValidation)
	}
	if !w.CanApply(delta) {
		return ErrInsufficientFunds
	}
	w.Balance += delta
	w.Funded += funding
	w.Version++
	w.UpdatedAt = now
	return nil
}
