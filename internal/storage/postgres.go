package storage

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"farmscheduler/internal/models"
)

type PostgresStorage struct {
	db *pgxpool.Pool
}

// NewPostgresPool opens a pool and pings it once.
func NewPostgresPool(ctx context.Context, url string, maxConns int32) (*pgxpool.Pool, error) {
	cfg, err := pgxpool.ParseConfig(url)
	if err != nil {
		return nil, fmt.Errorf("failed to parse database url: %w", err)
	}
	if maxConns > 0 {
		cfg.MaxConns = maxConns
	}

	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("failed to open postgres: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("failed to ping postgres: %w", err)
	}
	return pool, nil
}

func NewPostgresStorage(pool *pgxpool.Pool) *PostgresStorage {
	return &PostgresStorage{db: pool}
}

func (ps *PostgresStorage) Ping(ctx context.Context) error {
	return ps.db.Ping(ctx)
}

func (ps *PostgresStorage) ListActiveGlobalRules(ctx context.Context) ([]models.GlobalRule, error) {
	const query = `
		SELECT id, title, message, target_role, kind,
		       to_char(scheduled_time, 'HH24:MI'), scheduled_date, last_triggered_at
		FROM global_notifications
		WHERE is_active = true AND deleted_at IS NULL
		ORDER BY id
	`

	rows, err := ps.db.Query(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("query global rules failed: %w", err)
	}
	defer rows.Close()

	var rules []models.GlobalRule
	for rows.Next() {
		var (
			r         models.GlobalRule
			scheduled string
		)
		if err := rows.Scan(&r.ID, &r.Title, &r.Message, &r.TargetRole, &r.Kind,
			&scheduled, &r.ScheduledDate, &r.LastTriggeredAt); err != nil {
			return nil, fmt.Errorf("scan global rule failed: %w", err)
		}
		if r.ScheduledTime, err = models.ParseTimeOfDay(scheduled); err != nil {
			return nil, fmt.Errorf("global rule %d: %w", r.ID, err)
		}
		r.Active = true
		rules = append(rules, r)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("global rule iteration failed: %w", err)
	}
	return rules, nil
}

func (ps *PostgresStorage) ListActiveUnitRules(ctx context.Context) ([]models.UnitRule, error) {
	const query = `
		SELECT n.id, n.unit_id, u.name, n.title, n.message, n.kind,
		       n.day_of_week, n.day_of_month,
		       to_char(n.scheduled_time, 'HH24:MI'), n.last_triggered_at
		FROM unit_notifications n
		JOIN units u ON u.id = n.unit_id
		WHERE n.is_active = true AND n.deleted_at IS NULL
		ORDER BY n.id
	`

	rows, err := ps.db.Query(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("query unit rules failed: %w", err)
	}
	defer rows.Close()

	var rules []models.UnitRule
	for rows.Next() {
		var (
			r         models.UnitRule
			scheduled string
		)
		if err := rows.Scan(&r.ID, &r.UnitID, &r.UnitName, &r.Title, &r.Message, &r.Kind,
			&r.DayOfWeek, &r.DayOfMonth, &scheduled, &r.LastTriggeredAt); err != nil {
			return nil, fmt.Errorf("scan unit rule failed: %w", err)
		}
		if r.ScheduledTime, err = models.ParseTimeOfDay(scheduled); err != nil {
			return nil, fmt.Errorf("unit rule %d: %w", r.ID, err)
		}
		r.Active = true
		rules = append(rules, r)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("unit rule iteration failed: %w", err)
	}
	return rules, nil
}

func (ps *PostgresStorage) UpdateGlobalRule(ctx context.Context, id int64, lastTriggeredAt time.Time, active bool) error {
	const query = `
		UPDATE global_notifications
		SET last_triggered_at = $1, is_active = $2, updated_at = NOW()
		WHERE id = $3
	`

	tag, err := ps.db.Exec(ctx, query, lastTriggeredAt, active, id)
	if err != nil {
		return fmt.Errorf("failed to update global rule %d: %w", id, err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("global rule %d: %w", id, ErrNotFound)
	}
	return nil
}

func (ps *PostgresStorage) UpdateUnitRule(ctx context.Context, id int64, lastTriggeredAt time.Time) error {
	const query = `
		UPDATE unit_notifications
		SET last_triggered_at = $1, updated_at = NOW()
		WHERE id = $2
	`

	tag, err := ps.db.Exec(ctx, query, lastTriggeredAt, id)
	if err != nil {
		return fmt.Errorf("failed to update unit rule %d: %w", id, err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("unit rule %d: %w", id, ErrNotFound)
	}
	return nil
}

func (ps *PostgresStorage) ListStaleWaitingOrders(ctx context.Context, cutoff time.Time) ([]models.Order, error) {
	const ordersQuery = `
		SELECT o.id, o.status, o.created_at, o.payment_ref,
		       p.external_id, p.status
		FROM orders o
		LEFT JOIN LATERAL (
			SELECT external_id, status
			FROM payment_transactions
			WHERE order_id = o.id
			ORDER BY created_at DESC
			LIMIT 1
		) p ON true
		WHERE o.status = $1 AND o.deleted_at IS NULL AND o.created_at < $2
		ORDER BY o.id
	`

	rows, err := ps.db.Query(ctx, ordersQuery, models.OrderWaiting, cutoff)
	if err != nil {
		return nil, fmt.Errorf("query stale orders failed: %w", err)
	}
	defer rows.Close()

	var (
		orders []models.Order
		ids    []int64
	)
	index := make(map[int64]int)
	for rows.Next() {
		var (
			o          models.Order
			externalID *string
			payStatus  *string
		)
		if err := rows.Scan(&o.ID, &o.Status, &o.CreatedAt, &o.PaymentRef, &externalID, &payStatus); err != nil {
			return nil, fmt.Errorf("scan stale order failed: %w", err)
		}
		if payStatus != nil {
			o.Payment = &models.PaymentRecord{OrderID: o.ID, Status: *payStatus}
			if externalID != nil {
				o.Payment.ExternalID = *externalID
			}
		}
		index[o.ID] = len(orders)
		ids = append(ids, o.ID)
		orders = append(orders, o)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("stale order iteration failed: %w", err)
	}
	if len(orders) == 0 {
		return nil, nil
	}

	const itemsQuery = `
		SELECT oi.order_id, oi.product_id, oi.quantity,
		       p.id, p.name, p.stock
		FROM order_items oi
		LEFT JOIN products p ON p.id = oi.product_id AND p.deleted_at IS NULL
		WHERE oi.order_id = ANY($1)
		ORDER BY oi.order_id, oi.id
	`

	itemRows, err := ps.db.Query(ctx, itemsQuery, ids)
	if err != nil {
		return nil, fmt.Errorf("query order items failed: %w", err)
	}
	defer itemRows.Close()

	for itemRows.Next() {
		var (
			orderID   int64
			item      models.LineItem
			productID *int64
			name      *string
			stock     *int
		)
		if err := itemRows.Scan(&orderID, &item.ProductID, &item.Quantity, &productID, &name, &stock); err != nil {
			return nil, fmt.Errorf("scan order item failed: %w", err)
		}
		if productID != nil {
			item.Product = &models.Product{ID: *productID, Stock: stock}
			if name != nil {
				item.Product.Name = *name
			}
		}
		i := index[orderID]
		orders[i].Items = append(orders[i].Items, item)
	}
	if err := itemRows.Err(); err != nil {
		return nil, fmt.Errorf("order item iteration failed: %w", err)
	}
	return orders, nil
}

// ExpireOrderAndRestock moves one order from waiting to expired and returns the
// reserved quantities to stock. Product rows are locked for the increment so a
// concurrent order placement cannot lose the update.
func (ps *PostgresStorage) ExpireOrderAndRestock(ctx context.Context, orderID int64, items []models.LineItem) error {
	tx, err := ps.db.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback(ctx)

	tag, err := tx.Exec(ctx, `
		UPDATE orders
		SET status = $1, updated_at = NOW()
		WHERE id = $2 AND status = $3 AND deleted_at IS NULL
	`, models.OrderExpired, orderID, models.OrderWaiting)
	if err != nil {
		return fmt.Errorf("failed to expire order %d: %w", orderID, err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("order %d: %w", orderID, ErrOrderNotWaiting)
	}

	for _, item := range items {
		var stock *int
		err := tx.QueryRow(ctx, `
			SELECT stock FROM products
			WHERE id = $1 AND deleted_at IS NULL
			FOR UPDATE
		`, item.ProductID).Scan(&stock)
		if err != nil {
			if errors.Is(err, pgx.ErrNoRows) {
				return fmt.Errorf("order %d product %d: %w", orderID, item.ProductID, ErrProductMissing)
			}
			return fmt.Errorf("failed to lock product %d: %w", item.ProductID, err)
		}
		if stock == nil {
			continue
		}

		if _, err := tx.Exec(ctx, `
			UPDATE products
			SET stock = stock + $1, updated_at = NOW()
			WHERE id = $2
		`, item.Quantity, item.ProductID); err != nil {
			return fmt.Errorf("failed to restock product %d: %w", item.ProductID, err)
		}
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("failed to commit expiry of order %d: %w", orderID, err)
	}
	return nil
}

func (ps *PostgresStorage) PaymentStatus(ctx context.Context, orderID int64) (string, bool, error) {
	const query = `
		SELECT status FROM payment_transactions
		WHERE order_id = $1
		ORDER BY created_at DESC
		LIMIT 1
	`

	var status string
	err := ps.db.QueryRow(ctx, query, orderID).Scan(&status)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return "", false, nil
		}
		return "", false, fmt.Errorf("payment status for order %d failed: %w", orderID, err)
	}
	return status, true, nil
}

func (ps *PostgresStorage) ListRecipients(ctx context.Context, role string) ([]models.Recipient, error) {
	const query = `
		SELECT id, role, fcm_token
		FROM users
		WHERE deleted_at IS NULL AND ($1::text = 'all' OR role = $1)
		ORDER BY id
	`

	rows, err := ps.db.Query(ctx, query, role)
	if err != nil {
		return nil, fmt.Errorf("query recipients failed: %w", err)
	}
	defer rows.Close()

	var recipients []models.Recipient
	for rows.Next() {
		var r models.Recipient
		if err := rows.Scan(&r.UserID, &r.Role, &r.DeviceToken); err != nil {
			return nil, fmt.Errorf("scan recipient failed: %w", err)
		}
		recipients = append(recipients, r)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("recipient iteration failed: %w", err)
	}
	return recipients, nil
}

func (ps *PostgresStorage) ClearDeviceTokens(ctx context.Context, tokens []string) error {
	if len(tokens) == 0 {
		return nil
	}
	if _, err := ps.db.Exec(ctx, `UPDATE users SET fcm_token = NULL WHERE fcm_token = ANY($1)`, tokens); err != nil {
		return fmt.Errorf("failed to clear device tokens: %w", err)
	}
	return nil
}
