package domain

import (
	"context"
	"errors"
)

// 錯誤分類 (Kind)，各層以 fmt.Errorf("%w: ...") 包裝並以 errors.Is 判斷
var (
	// ErrValidation 輸入格式錯誤 (金額非正數、未知分類、不允許的 patch 欄位)，不會觸及儲存層
	ErrValidation = errors.New("validation error")

	// ErrNotFound 交易或錢包不存在，或不屬於呼叫者 (兩者對外不可區分)
	ErrNotFound = errors.New("not found")

	// ErrInsufficientFunds 餘額不足，沒有任何部分寫入
	ErrInsufficientFunds = errors.New("insufficient funds")

	// ErrConflict 並發衝突且重試次數用盡，呼叫者可重試整個操作
	ErrConflict = errors.New("conflict")

	// ErrStorageUnavailable 底層儲存失敗，保證沒有部分寫入
	ErrStorageUnavailable = errors.New("storage unavailable")
)

// Kind 回傳錯誤分類名稱，給 transport 與 log 使用
func Kind(err error) string {
	switch {
	case err == nil:
		return ""
	case errors.Is(err, ErrValidation):
		return "validation"
	case errors.Is(err, ErrNotFound):
		return "not_found"
	case errors.Is(err, ErrInsufficientFunds):
		return "insufficient_funds"
	case errors.Is(err, ErrConflict):
		return "conflict"
	case errors.Is(err, ErrStorageUnavailable):
		return "storage_unavailable"
	case errors.Is(err, context.Canceled):
		return "canceled"
	case errors.Is(err, context.DeadlineExceeded):
		return "deadline_exceeded"
	default:
		return "internal"
	}
}
