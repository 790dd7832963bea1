package models

import (
	"fmt"
	"time"
)

// TargetAll addresses every recipient regardless of role.
const TargetAll = "all"

// RoleFieldOfficer is the fixed audience of unit notifications.
const RoleFieldOfficer = "petugas"

type GlobalRuleKind string

const (
	GlobalRepeating GlobalRuleKind = "repeating"
	GlobalOnce      GlobalRuleKind = "once"
)

type UnitRuleKind string

const (
	UnitDaily   UnitRuleKind = "daily"
	UnitWeekly  UnitRuleKind = "weekly"
	UnitMonthly UnitRuleKind = "monthly"
)

type OrderStatus string

const (
	OrderWaiting   OrderStatus = "waiting"
	OrderAccepted  OrderStatus = "accepted"
	OrderCompleted OrderStatus = "completed"
	OrderRejected  OrderStatus = "rejected"
	OrderExpired   OrderStatus = "expired"
)

// PaymentPending is the only gateway status that lets the reconciler expire an order.
const PaymentPending = "pending"

// TimeOfDay is a wall-clock time with minute resolution.
type TimeOfDay struct {
	Hour   int `json:"hour"`
	Minute int `json:"minute"`
}

// ParseTimeOfDay accepts "15:04" and "15:04:05"; seconds are dropped.
func ParseTimeOfDay(s string) (TimeOfDay, error) {
	for _, layout := range []string{"15:04", "15:04:05"} {
		if t, err := time.Parse(layout, s); err == nil {
			return TimeOfDay{Hour: t.Hour(), Minute: t.Minute()}, nil
		}
	}
	return TimeOfDay{}, fmt.Errorf("invalid time of day %q", s)
}

func TimeOfDayOf(t time.Time) TimeOfDay {
	return TimeOfDay{Hour: t.Hour(), Minute: t.Minute()}
}

func (t TimeOfDay) Minutes() int {
	return t.Hour*60 + t.Minute
}

func (t TimeOfDay) String() string {
	return fmt.Sprintf("%02d:%02d", t.Hour, t.Minute)
}

type GlobalRule struct {
	ID              int64          `json:"id"`
	Title           string         `json:"title"`
	Message         string         `json:"message"`
	TargetRole      string         `json:"target_role"`
	Kind            GlobalRuleKind `json:"kind"`
	ScheduledTime   TimeOfDay      `json:"scheduled_time"`
	ScheduledDate   *time.Time     `json:"scheduled_date,omitempty"`
	LastTriggeredAt *time.Time     `json:"last_triggered_at,omitempty"`
	Active          bool           `json:"active"`
	Deleted         bool           `json:"deleted"`
}

type UnitRule struct {
	ID              int64        `json:"id"`
	UnitID          int64        `json:"unit_id"`
	UnitName        string       `json:"unit_name"`
	Title           string       `json:"title"`
	Message         string       `json:"message"`
	Kind            UnitRuleKind `json:"kind"`
	DayOfWeek       *int         `json:"day_of_week,omitempty"`
	DayOfMonth      *int         `json:"day_of_month,omitempty"`
	ScheduledTime   TimeOfDay    `json:"scheduled_time"`
	LastTriggeredAt *time.Time   `json:"last_triggered_at,omitempty"`
	Active          bool         `json:"active"`
	Deleted         bool         `json:"deleted"`
}

type Product struct {
	ID      int64  `json:"id"`
	Name    string `json:"name"`
	Stock   *int   `json:"stock,omitempty"`
	Deleted bool   `json:"deleted"`
}

// TracksStock reports whether the product has a finite stock counter.
func (p *Product) TracksStock() bool {
	return p != nil && p.Stock != nil
}

type LineItem struct {
	ProductID int64    `json:"product_id"`
	Quantity  int      `json:"quantity"`
	Product   *Product `json:"product,omitempty"`
}

type PaymentRecord struct {
	OrderID    int64  `json:"order_id"`
	ExternalID string `json:"external_id"`
	Status     string `json:"status"`
}

type Order struct {
	ID         int64          `json:"id"`
	Status     OrderStatus    `json:"status"`
	CreatedAt  time.Time      `json:"created_at"`
	Items      []LineItem     `json:"items"`
	PaymentRef *string        `json:"payment_ref,omitempty"`
	Payment    *PaymentRecord `json:"payment,omitempty"`
	Deleted    bool           `json:"deleted"`
}

type Recipient struct {
	UserID      int64   `json:"user_id"`
	Role        string  `json:"role"`
	DeviceToken *string `json:"device_token,omitempty"`
}

// PushJob is what the push gateway receives for a single device.
type PushJob struct {
	DispatchID string            `json:"dispatch_id"`
	UserID     int64             `json:"user_id"`
	Token      string            `json:"token"`
	Title      string            `json:"title"`
	Body       string            `json:"body"`
	Data       map[string]string `json:"data,omitempty"`
	CreatedAt  time.Time         `json:"created_at"`
}

type ReceiptStatus string

const (
	ReceiptDelivered    ReceiptStatus = "delivered"
	ReceiptFailed       ReceiptStatus = "failed"
	ReceiptInvalidToken ReceiptStatus = "invalid_token"
)

// PushReceipt is published back by the push gateway after a delivery attempt.
type PushReceipt struct {
	DispatchID string        `json:"dispatch_id"`
	UserID     int64         `json:"user_id"`
	Token      string        `json:"token"`
	Status     ReceiptStatus `json:"status"`
	Error      string        `json:"error,omitempty"`
}
