// internal/oracle/memory.go
package oracle

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"oracle-dashboard/internal/models"
)

// MemoryBackend: реализация Oracle Engine в памяти для разработки и тестов.
// Переход счета в paid выполняется через compare-and-set под мьютексом, как на бэкенде.
type MemoryBackend struct {
	mu            sync.RWMutex
	accounts      map[string]models.Account
	apiKeys       map[string]string
	invoices      map[string]*models.Invoice
	subscriptions map[string]*models.Subscription
	seq           int
	now           func() time.Time
}

func NewMemoryBackend() *MemoryBackend {
	return &MemoryBackend{
		accounts:      make(map[string]models.Account),
		apiKeys:       make(map[string]string),
		invoices:      make(map[string]*models.Invoice),
		subscriptions: make(map[string]*models.Subscription),
		now:           time.Now,
	}
}

func (m *MemoryBackend) AddAccount(acc models.Account, apiKey string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.accounts[acc.ID] = acc
	m.apiKeys[apiKey] = acc.ID
}

// PutInvoice сохраняет счет как есть (используется для начальных данных).
func (m *MemoryBackend) PutInvoice(inv models.Invoice) {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := inv
	m.invoices[inv.ID] = &cp
}

func (m *MemoryBackend) GetProfile(_ context.Context, apiKey string) (*models.Account, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	id, ok := m.apiKeys[apiKey]
	if !ok {
		return nil, ErrUnauthorized
	}
	acc := m.accounts[id]
	if sub, ok := m.subscriptions[id]; ok && sub.Status == models.SubscriptionStatusActive {
		acc.PlanID = sub.PlanID
	}
	return &acc, nil
}

func (m *MemoryBackend) GetInvoice(_ context.Context, id string) (*models.Invoice, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	inv, ok := m.invoices[id]
	if !ok {
		return nil, fmt.Errorf("oracle: invoice %s: %w", id, models.ErrNotFound)
	}
	cp := *inv
	return &cp, nil
}

func (m *MemoryBackend) ListInvoices(_ context.Context, accountID string) ([]models.Invoice, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	list := make([]models.Invoice, 0)
	for _, inv := range m.invoices {
		if inv.AccountID == accountID {
			list = append(list, *inv)
		}
	}
	sort.Slice(list, func(i, j int) bool { return list[i].IssuedAt.After(list[j].IssuedAt) })
	return list, nil
}

func (m *MemoryBackend) CreateInvoice(_ context.Context, draft models.InvoiceDraft) (*models.Invoice, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.seq++
	now := m.now()
	inv := &models.Invoice{
		ID:            fmt.Sprintf("inv_%06d", m.seq),
		InvoiceNumber: fmt.Sprintf("OE-%s-%04d", now.Format("200601"), m.seq),
		AccountID:     draft.AccountID,
		Amount:        draft.Amount,
		Currency:      draft.Currency,
		Status:        models.InvoiceStatusPending,
		Metadata:      draft.Metadata,
		DueDate:       now.Add(7 * 24 * time.Hour),
		IssuedAt:      now,
	}
	m.invoices[inv.ID] = inv
	cp := *inv
	return &cp, nil
}

func (m *MemoryBackend) FindOpenInvoice(_ context.Context, accountID, planID string) (*models.Invoice, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var found *models.Invoice
	for _, inv := range m.invoices {
		if inv.AccountID != accountID || inv.Metadata.PlanID != planID || inv.Status != models.InvoiceStatusPending {
			continue
		}
		if found == nil || inv.IssuedAt.After(found.IssuedAt) {
			found = inv
		}
	}
	if found == nil {
		return nil, fmt.Errorf("oracle: open invoice for %s/%s: %w", accountID, planID, models.ErrNotFound)
	}
	cp := *found
	return &cp, nil
}

func (m *MemoryBackend) MarkInvoicePaid(_ context.Context, id, paymentID string, paidAt time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	inv, ok := m.invoices[id]
	if !ok {
		return fmt.Errorf("oracle: invoice %s: %w", id, models.ErrNotFound)
	}
	if !inv.Status.CanTransition(models.InvoiceStatusPaid) {
		return fmt.Errorf("oracle: invoice %s is %s: %w", id, inv.Status, models.ErrReconciliationConflict)
	}
	inv.Status = models.InvoiceStatusPaid
	inv.PaymentID = paymentID
	t := paidAt
	inv.PaidAt = &t
	return nil
}

// SetInvoiceStatus: служебный переход в failed или void, с теми же правилами монотонности.
func (m *MemoryBackend) SetInvoiceStatus(id string, status models.InvoiceStatus) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	inv, ok := m.invoices[id]
	if !ok {
		return models.ErrNotFound
	}
	if !inv.Status.CanTransition(status) {
		return models.ErrReconciliationConflict
	}
	inv.Status = status
	return nil
}

// ActivateSubscription активирует подписку или продлевает текущий период того же тарифа.
func (m *MemoryBackend) ActivateSubscription(_ context.Context, req models.SubscriptionActivation) (*models.Subscription, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	now := m.now()
	period := func(from time.Time) time.Time {
		if req.BillingCycle == models.BillingCycleAnnual {
			return from.AddDate(1, 0, 0)
		}
		return from.AddDate(0, 1, 0)
	}

	sub, ok := m.subscriptions[req.AccountID]
	if ok && sub.PlanID == req.PlanID && sub.Status == models.SubscriptionStatusActive && sub.CurrentPeriodEnd.After(now) {
		if req.PaymentID != "" && sub.LastPaymentID == req.PaymentID {
			cp := *sub
			return &cp, nil
		}
		sub.CurrentPeriodEnd = period(sub.CurrentPeriodEnd)
	} else {
		sub = &models.Subscription{
			AccountID:          req.AccountID,
			PlanID:             req.PlanID,
			CurrentPeriodStart: now,
			CurrentPeriodEnd:   period(now),
		}
		m.subscriptions[req.AccountID] = sub
	}
	sub.BillingCycle = req.BillingCycle
	sub.Status = models.SubscriptionStatusActive
	sub.LastPaymentID = req.PaymentID
	cp := *sub
	return &cp, nil
}

func (m *MemoryBackend) GetSubscription(_ context.Context, accountID string) (*models.Subscription, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	sub, ok := m.subscriptions[accountID]
	if !ok {
		return nil, fmt.Errorf("oracle: subscription %s: %w", accountID, models.ErrNotFound)
	}
	cp := *sub
	return &cp, nil
}
