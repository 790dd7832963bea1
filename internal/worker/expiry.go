package worker

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog"
	"github.com/wb-go/wbf/retry"

	"farmscheduler/internal/clock"
	"farmscheduler/internal/metrics"
	"farmscheduler/internal/models"
	"farmscheduler/internal/storage"
)

// DefaultExpiryAfter is how long an order may wait for payment.
const DefaultExpiryAfter = time.Hour

// OrderReconciler expires unpaid orders and returns their stock, one
// transaction per order.
type OrderReconciler struct {
	store       storage.OrderStore
	payments    storage.PaymentStatusSource
	clock       clock.Clock
	expireAfter time.Duration
	log         zerolog.Logger
}

// NewOrderReconciler builds a reconciler. With a nil payments source the payment
// record loaded with each order is used instead.
func NewOrderReconciler(
	store storage.OrderStore,
	payments storage.PaymentStatusSource,
	clk clock.Clock,
	expireAfter time.Duration,
	logger zerolog.Logger,
) *OrderReconciler {
	if expireAfter <= 0 {
		expireAfter = DefaultExpiryAfter
	}
	return &OrderReconciler{
		store:       store,
		payments:    payments,
		clock:       clk,
		expireAfter: expireAfter,
		log:         logger.With().Str("component", "order-reconciler").Logger(),
	}
}

func (r *OrderReconciler) Name() string { return "order_expiry" }

func (r *OrderReconciler) Run(ctx context.Context) JobReport {
	report := JobReport{Job: r.Name()}
	cutoff := r.clock.Now().Add(-r.expireAfter)

	var orders []models.Order
	err := retry.DoContext(ctx, listStrategy, func() error {
		var listErr error
		orders, listErr = r.store.ListStaleWaitingOrders(ctx, cutoff)
		return listErr
	})
	if err != nil {
		r.log.Error().Err(err).Msg("Failed to list stale orders")
		report.Error = err.Error()
		return report
	}

	for _, order := range orders {
		if ctx.Err() != nil {
			r.log.Info().Msg("Shutdown requested, leaving remaining orders for the next sweep")
			break
		}
		report.Scanned++

		outcome := r.reconcile(context.WithoutCancel(ctx), order)
		metrics.OrderExpiries.WithLabelValues(outcome).Inc()
		switch outcome {
		case "expired":
			report.Processed++
		case "failed":
			report.Failed++
		default:
			report.Skipped++
		}
	}
	return report
}

func (r *OrderReconciler) reconcile(ctx context.Context, order models.Order) string {
	logger := r.log.With().Int64("order_id", order.ID).Logger()

	status, found, err := r.paymentStatus(ctx, order)
	if err != nil {
		logger.Error().Err(err).Msg("Failed to read payment status")
		return "failed"
	}
	if found && status != models.PaymentPending {
		// Settled or failed payments are resolved by the payment webhook.
		logger.Debug().Str("payment_status", status).Msg("Payment no longer pending, leaving order alone")
		return "payment_resolved"
	}

	err = r.store.ExpireOrderAndRestock(ctx, order.ID, order.Items)
	switch {
	case err == nil:
		logger.Info().Int("items", len(order.Items)).Msg("Order expired and stock restored")
		return "expired"
	case errors.Is(err, storage.ErrOrderNotWaiting):
		logger.Info().Msg("Order left waiting before it could be expired")
		return "already_resolved"
	default:
		logger.Error().Err(err).Msg("Failed to expire order, rolled back")
		return "failed"
	}
}

func (r *OrderReconciler) paymentStatus(ctx context.Context, order models.Order) (string, bool, error) {
	if r.payments != nil {
		status, found, err := r.payments.PaymentStatus(ctx, order.ID)
		if err != nil {
			return "", false, fmt.Errorf("payment status: %w", err)
		}
		return status, found, nil
	}
	if order.Payment == nil {
		return "", false, nil
	}
	return order.Payment.Status, true, nil
}
