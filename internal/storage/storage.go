package storage

import (
	"context"
	"errors"
	"time"

	"farmscheduler/internal/models"
)

var (
	ErrNotFound = errors.New("not found")
	// ErrOrderNotWaiting means another writer already moved the order out of waiting.
	ErrOrderNotWaiting = errors.New("order is no longer waiting")
	// ErrProductMissing means a line item references a deleted or unknown product.
	ErrProductMissing = errors.New("product missing")
)

type RuleStore interface {
	ListActiveGlobalRules(ctx context.Context) ([]models.GlobalRule, error)
	ListActiveUnitRules(ctx context.Context) ([]models.UnitRule, error)
	UpdateGlobalRule(ctx context.Context, id int64, lastTriggeredAt time.Time, active bool) error
	UpdateUnitRule(ctx context.Context, id int64, lastTriggeredAt time.Time) error
}

type OrderStore interface {
	// ListStaleWaitingOrders returns waiting, non-deleted orders created before cutoff,
	// with line items, their products and the latest payment record.
	ListStaleWaitingOrders(ctx context.Context, cutoff time.Time) ([]models.Order, error)
	// ExpireOrderAndRestock expires one order and restores stock of its tracked products
	// in a single transaction. Nothing is written when an error is returned.
	ExpireOrderAndRestock(ctx context.Context, orderID int64, items []models.LineItem) error
}

type PaymentStatusSource interface {
	// PaymentStatus reports the gateway status for an order; found is false when the
	// order never reached the gateway.
	PaymentStatus(ctx context.Context, orderID int64) (status string, found bool, err error)
}

type RecipientSource interface {
	// ListRecipients resolves recipients for a role, or everyone for models.TargetAll.
	ListRecipients(ctx context.Context, role string) ([]models.Recipient, error)
	ClearDeviceTokens(ctx context.Context, tokens []string) error
}

type Storage interface {
	RuleStore
	OrderStore
	PaymentStatusSource
	RecipientSource
	Ping(ctx context.Context) error
}
