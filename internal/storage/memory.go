package storage

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"farmscheduler/internal/models"
)

// MemoryStorage keeps everything in process. It backs the memory driver and tests.
type MemoryStorage struct {
	mu          sync.RWMutex
	globalRules map[int64]*models.GlobalRule
	unitRules   map[int64]*models.UnitRule
	orders      map[int64]*models.Order
	products    map[int64]*models.Product
	payments    map[int64]*models.PaymentRecord
	recipients  map[int64]*models.Recipient
}

func NewMemoryStorage() *MemoryStorage {
	return &MemoryStorage{
		globalRules: make(map[int64]*models.GlobalRule),
		unitRules:   make(map[int64]*models.UnitRule),
		orders:      make(map[int64]*models.Order),
		products:    make(map[int64]*models.Product),
		payments:    make(map[int64]*models.PaymentRecord),
		recipients:  make(map[int64]*models.Recipient),
	}
}

func (s *MemoryStorage) PutGlobalRule(r models.GlobalRule) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.globalRules[r.ID] = &r
}

func (s *MemoryStorage) PutUnitRule(r models.UnitRule) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.unitRules[r.ID] = &r
}

func (s *MemoryStorage) PutOrder(o models.Order) {
	s.mu.Lock()
	defer s.mu.Unlock()
	o.Items = append([]models.LineItem(nil), o.Items...)
	s.orders[o.ID] = &o
}

func (s *MemoryStorage) PutProduct(p models.Product) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if p.Stock != nil {
		stock := *p.Stock
		p.Stock = &stock
	}
	s.products[p.ID] = &p
}

func (s *MemoryStorage) PutPayment(p models.PaymentRecord) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.payments[p.OrderID] = &p
}

func (s *MemoryStorage) PutRecipient(r models.Recipient) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.recipients[r.UserID] = &r
}

func (s *MemoryStorage) DeleteProduct(id int64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if p, ok := s.products[id]; ok {
		p.Deleted = true
	}
}

func (s *MemoryStorage) GlobalRule(id int64) (models.GlobalRule, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	r, ok := s.globalRules[id]
	if !ok {
		return models.GlobalRule{}, false
	}
	return *r, true
}

func (s *MemoryStorage) UnitRule(id int64) (models.UnitRule, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	r, ok := s.unitRules[id]
	if !ok {
		return models.UnitRule{}, false
	}
	return *r, true
}

func (s *MemoryStorage) Order(id int64) (models.Order, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	o, ok := s.orders[id]
	if !ok {
		return models.Order{}, false
	}
	return *o, true
}

func (s *MemoryStorage) Product(id int64) (models.Product, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	p, ok := s.products[id]
	if !ok {
		return models.Product{}, false
	}
	return copyProduct(p), true
}

func (s *MemoryStorage) Recipient(userID int64) (models.Recipient, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	r, ok := s.recipients[userID]
	if !ok {
		return models.Recipient{}, false
	}
	return *r, true
}

func (s *MemoryStorage) ListActiveGlobalRules(ctx context.Context) ([]models.GlobalRule, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rules := make([]models.GlobalRule, 0, len(s.globalRules))
	for _, r := range s.globalRules {
		if r.Active && !r.Deleted {
			rules = append(rules, *r)
		}
	}
	sort.Slice(rules, func(i, j int) bool { return rules[i].ID < rules[j].ID })
	return rules, nil
}

func (s *MemoryStorage) ListActiveUnitRules(ctx context.Context) ([]models.UnitRule, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rules := make([]models.UnitRule, 0, len(s.unitRules))
	for _, r := range s.unitRules {
		if r.Active && !r.Deleted {
			rules = append(rules, *r)
		}
	}
	sort.Slice(rules, func(i, j int) bool { return rules[i].ID < rules[j].ID })
	return rules, nil
}

func (s *MemoryStorage) UpdateGlobalRule(ctx context.Context, id int64, lastTriggeredAt time.Time, active bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	r, ok := s.globalRules[id]
	if !ok {
		return fmt.Errorf("global rule %d: %w", id, ErrNotFound)
	}
	r.LastTriggeredAt = &lastTriggeredAt
	r.Active = active
	return nil
}

func (s *MemoryStorage) UpdateUnitRule(ctx context.Context, id int64, lastTriggeredAt time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	r, ok := s.unitRules[id]
	if !ok {
		return fmt.Errorf("unit rule %d: %w", id, ErrNotFound)
	}
	r.LastTriggeredAt = &lastTriggeredAt
	return nil
}

func (s *MemoryStorage) ListStaleWaitingOrders(ctx context.Context, cutoff time.Time) ([]models.Order, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var orders []models.Order
	for _, o := range s.orders {
		if o.Status != models.OrderWaiting || o.Deleted || !o.CreatedAt.Before(cutoff) {
			continue
		}
		order := *o
		order.Items = make([]models.LineItem, len(o.Items))
		for i, item := range o.Items {
			if p, ok := s.products[item.ProductID]; ok && !p.Deleted {
				product := copyProduct(p)
				item.Product = &product
			} else {
				item.Product = nil
			}
			order.Items[i] = item
		}
		if pay, ok := s.payments[o.ID]; ok {
			record := *pay
			order.Payment = &record
		}
		orders = append(orders, order)
	}
	sort.Slice(orders, func(i, j int) bool { return orders[i].ID < orders[j].ID })
	return orders, nil
}

// ExpireOrderAndRestock validates every row before writing, so a failure leaves
// the order and all products untouched.
func (s *MemoryStorage) ExpireOrderAndRestock(ctx context.Context, orderID int64, items []models.LineItem) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	o, ok := s.orders[orderID]
	if !ok {
		return fmt.Errorf("order %d: %w", orderID, ErrNotFound)
	}
	if o.Status != models.OrderWaiting || o.Deleted {
		return fmt.Errorf("order %d: %w", orderID, ErrOrderNotWaiting)
	}

	for _, item := range items {
		p, ok := s.products[item.ProductID]
		if !ok || p.Deleted {
			return fmt.Errorf("order %d product %d: %w", orderID, item.ProductID, ErrProductMissing)
		}
	}

	o.Status = models.OrderExpired
	for _, item := range items {
		p := s.products[item.ProductID]
		if p.Stock != nil {
			*p.Stock += item.Quantity
		}
	}
	return nil
}

func (s *MemoryStorage) PaymentStatus(ctx context.Context, orderID int64) (string, bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	p, ok := s.payments[orderID]
	if !ok {
		return "", false, nil
	}
	return p.Status, true, nil
}

func (s *MemoryStorage) ListRecipients(ctx context.Context, role string) ([]models.Recipient, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var recipients []models.Recipient
	for _, r := range s.recipients {
		if role == models.TargetAll || r.Role == role {
			recipients = append(recipients, *r)
		}
	}
	sort.Slice(recipients, func(i, j int) bool { return recipients[i].UserID < recipients[j].UserID })
	return recipients, nil
}

func (s *MemoryStorage) ClearDeviceTokens(ctx context.Context, tokens []string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	invalid := make(map[string]struct{}, len(tokens))
	for _, t := range tokens {
		invalid[t] = struct{}{}
	}
	for _, r := range s.recipients {
		if r.DeviceToken == nil {
			continue
		}
		if _, ok := invalid[*r.DeviceToken]; ok {
			r.DeviceToken = nil
		}
	}
	return nil
}

func (s *MemoryStorage) Ping(ctx context.Context) error {
	return nil
}

func copyProduct(p *models.Product) models.Product {
	out := *p
	if p.Stock != nil {
		stock := *p.Stock
		out.Stock = &stock
	}
	return out
}
