package domain

import (
	"time"

	"github.com/google/uuid"
)

// EventType 帳本事件類型
type EventType string

const (
	EventExpenseRecorded EventType = "expense.recorded"
	EventExpenseEdited   EventType = "expense.edited"
	EventExpenseRemoved  EventType = "expense.removed"
	EventWalletOpened    EventType = "wallet.opened"
	EventWalletToppedUp  EventType = "wallet.topped_up"
)

// LedgerEvent commit 之後發佈的通知
type LedgerEvent struct {
	Type          EventType  `json:"type"`
	OwnerID       string     `json:"owner_id"`
	TransactionID *uuid.UUID `json:"transaction_id,omitempty"`
	// Amount: 交易金額 (或儲值金額)
	Amount int64 `json:"amount"`
	// Delta: 本次錢包餘額變動
	Delta      int64     `json:"delta"`
	Balance    int64     `json:"balance"`
	OccurredAt time.Time `json:"occurred_at"`
}
