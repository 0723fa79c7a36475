package usecase

import (
	"context"

	"github.com/JoeShih716/go-wallet-ledger/internal/app/core/domain"
)

// EventPublisher 帳本事件的發佈介面，只在 commit 之後呼叫
//
//go:generate mockgen -destination=mocks/mock_publisher.go -package=mocks -source=events.go EventPublisher
type EventPublisher interface {
	Publish(ctx context.Context, event domain.LedgerEvent) error
}

// NopPublisher 未設定 broker 時使用
type NopPublisher struct{}

func (NopPublisher) Publish(context.Context, domain.LedgerEvent) error { return nil }

var _ EventPublisher = NopPublisher{}
