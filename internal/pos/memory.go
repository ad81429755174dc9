package pos

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"roomtab-engine/internal/models"
)

type memoryOrder struct {
	ref      string
	room     string
	lines    []Line
	canceled bool
}

// MemoryClient is an in-process POS. It enforces the same rules the hosted
// POS does: a canceled order accepts neither lines nor payments.
type MemoryClient struct {
	mu       sync.Mutex
	orders   map[string]*memoryOrder
	byKey    map[string]string
	payments map[string][]Payment
	settled  map[string]string
	catalog  map[string]CatalogItem
	failures map[string]int
	now      func() time.Time
}

var _ Client = (*MemoryClient)(nil)

// NewMemoryClient returns an empty POS. items seed its catalog.
func NewMemoryClient(items ...CatalogItem) *MemoryClient {
	m := &MemoryClient{
		orders:   map[string]*memoryOrder{},
		byKey:    map[string]string{},
		payments: map[string][]Payment{},
		settled:  map[string]string{},
		catalog:  map[string]CatalogItem{},
		failures: map[string]int{},
		now:      time.Now,
	}
	for _, it := range items {
		m.catalog[it.Ref] = it
	}
	return m
}

// FailNext makes the next n calls of op fail with a 503.
func (m *MemoryClient) FailNext(op string, n int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.failures[op] += n
}

func (m *MemoryClient) injected(op string) error {
	if m.failures[op] > 0 {
		m.failures[op]--
		return &models.RemoteError{Service: serviceName, Op: op, StatusCode: http.StatusServiceUnavailable, Err: errors.New("injected failure")}
	}
	return nil
}

func (m *MemoryClient) order(op, ref string) (*memoryOrder, error) {
	o, ok := m.orders[ref]
	if !ok {
		return nil, &models.RemoteError{Service: serviceName, Op: op, StatusCode: http.StatusNotFound, Err: fmt.Errorf("order %s not found", ref)}
	}
	if o.canceled {
		return nil, &models.RemoteError{Service: serviceName, Op: op, StatusCode: http.StatusBadRequest, Err: fmt.Errorf("order %s is canceled", ref)}
	}
	return o, nil
}

// CreateOrGetOrder implements Client.
func (m *MemoryClient) CreateOrGetOrder(ctx context.Context, idempotencyKey, roomNumber string) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.injected("create_order"); err != nil {
		return "", err
	}
	if ref, ok := m.byKey[idempotencyKey]; ok {
		return ref, nil
	}
	ref := "pos-order-" + uuid.NewString()
	m.orders[ref] = &memoryOrder{ref: ref, room: roomNumber}
	m.byKey[idempotencyKey] = ref
	return ref, nil
}

// AddLine implements Client.
func (m *MemoryClient) AddLine(ctx context.Context, orderRef string, line Line) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.injected("add_line"); err != nil {
		return err
	}
	o, err := m.order("add_line", orderRef)
	if err != nil {
		return err
	}
	if line.UID != "" {
		for _, existing := range o.lines {
			if existing.UID == line.UID {
				return nil
			}
		}
	}
	o.lines = append(o.lines, line)
	return nil
}

// Settle implements Client.
func (m *MemoryClient) Settle(ctx context.Context, orderRef string, amount decimal.Decimal, idempotencyKey string) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.injected("settle"); err != nil {
		return "", err
	}
	if _, err := m.order("settle", orderRef); err != nil {
		return "", err
	}
	if id, ok := m.settled[idempotencyKey]; ok {
		return id, nil
	}
	p := Payment{
		ID:        "pos-payment-" + uuid.NewString(),
		OrderRef:  orderRef,
		Amount:    amount,
		Status:    "COMPLETED",
		CreatedAt: m.now(),
	}
	m.payments[orderRef] = append(m.payments[orderRef], p)
	m.settled[idempotencyKey] = p.ID
	return p.ID, nil
}

// Cancel implements Client.
func (m *MemoryClient) Cancel(ctx context.Context, orderRef string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.injected("cancel_order"); err != nil {
		return err
	}
	o, err := m.order("cancel_order", orderRef)
	if err != nil {
		return err
	}
	o.canceled = true
	return nil
}

// GetCatalogItem implements Client.
func (m *MemoryClient) GetCatalogItem(ctx context.Context, ref string) (CatalogItem, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.injected("get_catalog_item"); err != nil {
		return CatalogItem{}, err
	}
	it, ok := m.catalog[ref]
	if !ok {
		return CatalogItem{}, &models.RemoteError{Service: serviceName, Op: "get_catalog_item", StatusCode: http.StatusNotFound, Err: fmt.Errorf("catalog object %s not found", ref)}
	}
	return it, nil
}

// ListPayments implements Client.
func (m *MemoryClient) ListPayments(ctx context.Context, orderRef string) ([]Payment, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.injected("list_payments"); err != nil {
		return nil, err
	}
	return append([]Payment(nil), m.payments[orderRef]...), nil
}

// Lines returns the lines recorded on a hosted order.
func (m *MemoryClient) Lines(orderRef string) []Line {
	m.mu.Lock()
	defer m.mu.Unlock()
	if o, ok := m.orders[orderRef]; ok {
		return append([]Line(nil), o.lines...)
	}
	return nil
}

// Canceled reports whether a hosted order was voided.
func (m *MemoryClient) Canceled(orderRef string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	o, ok := m.orders[orderRef]
	return ok && o.canceled
}
