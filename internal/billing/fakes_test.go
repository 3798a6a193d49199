package billing

import (
	"context"
	"fmt"
	"sync"

	"oracle-dashboard/internal/models"
)

type fakeGateway struct {
	method models.PaymentMethod

	mu          sync.Mutex
	createErr   error
	statusFn    func(call int) (models.PaymentStatus, error)
	creates     int
	statusCalls int
	requests    []models.PaymentRequest
}

func (g *fakeGateway) Method() models.PaymentMethod { return g.method }

func (g *fakeGateway) CreatePayment(_ context.Context, req models.PaymentRequest) (*models.PaymentHandle, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.creates++
	g.requests = append(g.requests, req)
	if g.createErr != nil {
		return nil, g.createErr
	}
	return &models.PaymentHandle{
		Method:      g.method,
		PaymentID:   fmt.Sprintf("pay_%d", g.creates),
		OrderID:     req.Intent.OrderID,
		PayAddress:  "bc1qfake",
		PayAmount:   "0.001",
		PayCurrency: "BTC",
	}, nil
}

func (g *fakeGateway) GetStatus(_ context.Context, _ models.PaymentHandle) (models.PaymentStatus, error) {
	g.mu.Lock()
	g.statusCalls++
	call := g.statusCalls
	fn := g.statusFn
	g.mu.Unlock()
	if fn == nil {
		return models.PaymentStatusWaiting, nil
	}
	return fn(call)
}

func (g *fakeGateway) Currencies(context.Context) ([]string, error) {
	return []string{"BTC", "ETH"}, nil
}

func (g *fakeGateway) calls() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.statusCalls
}

func (g *fakeGateway) setStatusFn(fn func(call int) (models.PaymentStatus, error)) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.statusFn = fn
}

type fakeInvoices struct {
	mu       sync.Mutex
	invoices map[string]*models.Invoice
	created  int
}

func newFakeInvoices() *fakeInvoices {
	return &fakeInvoices{invoices: make(map[string]*models.Invoice)}
}

func (f *fakeInvoices) GetInvoice(_ context.Context, id string) (*models.Invoice, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	inv, ok := f.invoices[id]
	if !ok {
		return nil, models.ErrNotFound
	}
	cp := *inv
	return &cp, nil
}

func (f *fakeInvoices) CreateInvoice(_ context.Context, draft models.InvoiceDraft) (*models.Invoice, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.created++
	inv := &models.Invoice{
		ID:        fmt.Sprintf("inv_%d", f.created),
		AccountID: draft.AccountID,
		Amount:    draft.Amount,
		Currency:  draft.Currency,
		Status:    models.InvoiceStatusPending,
		Metadata:  draft.Metadata,
	}
	f.invoices[inv.ID] = inv
	cp := *inv
	return &cp, nil
}

type fakeIntents struct {
	mu        sync.Mutex
	created   []models.PaymentIntent
	attached  map[string]string
	abandoned map[string]models.AbandonReason
}

func newFakeIntents() *fakeIntents {
	return &fakeIntents{attached: make(map[string]string), abandoned: make(map[string]models.AbandonReason)}
}

func (f *fakeIntents) CreateIntent(_ context.Context, intent models.PaymentIntent) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.created = append(f.created, intent)
	return nil
}

func (f *fakeIntents) AttachPaymentID(_ context.Context, orderID, paymentID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.attached[orderID] = paymentID
	return nil
}

func (f *fakeIntents) MarkIntentAbandoned(_ context.Context, orderID string, reason models.AbandonReason) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if _, ok := f.abandoned[orderID]; !ok {
		f.abandoned[orderID] = reason
	}
	return nil
}

func (f *fakeIntents) abandonReason(orderID string) (models.AbandonReason, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	r, ok := f.abandoned[orderID]
	return r, ok
}

var testPlans = []models.Plan{
	{ID: "free", Name: "Free", Currency: "USD"},
	{ID: "pro", Name: "Pro", MonthlyAmount: 4900, AnnualAmount: 49000, Currency: "USD"},
}

var testAccount = models.Account{ID: "acc_1", Email: "dev@example.com", Name: "Dev"}
