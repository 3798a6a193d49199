package reconcile

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"oracle-dashboard/internal/alert"
	"oracle-dashboard/internal/models"
	"oracle-dashboard/internal/oracle"
)

// countingBackend считает попытки перевода счета в paid.
type countingBackend struct {
	*oracle.MemoryBackend
	markCalls   atomic.Int32
	markErr     error
	beforeMark  func()
	activateErr error
}

func (b *countingBackend) MarkInvoicePaid(ctx context.Context, id, paymentID string, paidAt time.Time) error {
	b.markCalls.Add(1)
	if b.markErr != nil {
		return b.markErr
	}
	if b.beforeMark != nil {
		b.beforeMark()
	}
	return b.MemoryBackend.MarkInvoicePaid(ctx, id, paymentID, paidAt)
}

func (b *countingBackend) ActivateSubscription(ctx context.Context, req models.SubscriptionActivation) (*models.Subscription, error) {
	if b.activateErr != nil {
		return nil, b.activateErr
	}
	return b.MemoryBackend.ActivateSubscription(ctx, req)
}

type fakeIntents struct {
	mu        sync.Mutex
	records   map[string]*models.IntentRecord
	lookupErr error
}

func newFakeIntents() *fakeIntents {
	return &fakeIntents{records: make(map[string]*models.IntentRecord)}
}

func (f *fakeIntents) CreateIntent(_ context.Context, intent models.PaymentIntent) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.records[intent.OrderID] = &models.IntentRecord{PaymentIntent: intent}
	return nil
}

func (f *fakeIntents) AttachPaymentID(_ context.Context, orderID, paymentID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	rec, ok := f.records[orderID]
	if !ok {
		return models.ErrNotFound
	}
	rec.PaymentID = paymentID
	return nil
}

func (f *fakeIntents) MarkIntentAbandoned(_ context.Context, orderID string, reason models.AbandonReason) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if rec, ok := f.records[orderID]; ok {
		rec.AbandonReason = string(reason)
	}
	return nil
}

func (f *fakeIntents) GetIntentByOrderID(_ context.Context, orderID string) (*models.IntentRecord, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.lookupErr != nil {
		return nil, f.lookupErr
	}
	rec, ok := f.records[orderID]
	if !ok {
		return nil, models.ErrNotFound
	}
	cp := *rec
	return &cp, nil
}

// fakeCrypto: крипто-процессор: создает платежи, отвечает на опрос и проверку.
type fakeCrypto struct {
	mu       sync.Mutex
	statuses func(call int) models.PaymentStatus
	calls    int
	payments map[string]models.PaymentRequest
	seq      int
	ipn      *models.Outcome
	ipnErr   error
}

func newFakeCrypto(statuses func(call int) models.PaymentStatus) *fakeCrypto {
	return &fakeCrypto{statuses: statuses, payments: make(map[string]models.PaymentRequest)}
}

func (c *fakeCrypto) Method() models.PaymentMethod { return models.PaymentMethodCrypto }

func (c *fakeCrypto) CreatePayment(_ context.Context, req models.PaymentRequest) (*models.PaymentHandle, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.seq++
	id := fmt.Sprintf("np_%d", c.seq)
	c.payments[id] = req
	return &models.PaymentHandle{Method: models.PaymentMethodCrypto, PaymentID: id, OrderID: req.Intent.OrderID, PayAddress: "bc1qfake", PayCurrency: "BTC"}, nil
}

func (c *fakeCrypto) GetStatus(_ context.Context, _ models.PaymentHandle) (models.PaymentStatus, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.calls++
	return c.statuses(c.calls), nil
}

func (c *fakeCrypto) setStatuses(fn func(call int) models.PaymentStatus) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.statuses = fn
}

func (c *fakeCrypto) pollCalls() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.calls
}

func (c *fakeCrypto) Lookup(_ context.Context, paymentID string) (*models.Outcome, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	req, ok := c.payments[paymentID]
	if !ok {
		return nil, &models.ProcessorError{Kind: models.ErrProcessorRejected, Processor: "fake", StatusCode: 404}
	}
	return &models.Outcome{
		Method:    models.PaymentMethodCrypto,
		Reference: paymentID,
		OrderID:   req.Intent.OrderID,
		Status:    c.statuses(c.calls),
		Amount:    req.Intent.Amount,
		Currency:  req.Intent.Currency,
		Metadata:  models.OutcomeMetadata{OrderID: req.Intent.OrderID},
	}, nil
}

func (c *fakeCrypto) ParseIPN(_ []byte, signature string) (*models.Outcome, error) {
	if signature == "bad" {
		return nil, models.ErrInvalidSignature
	}
	if c.ipnErr != nil {
		return nil, c.ipnErr
	}
	cp := *c.ipn
	return &cp, nil
}

type fakeCard struct {
	outcome   *models.Outcome
	eventID   string
	eventType string
}

func (c *fakeCard) Verify(_ context.Context, reference string) (*models.Outcome, error) {
	if c.outcome == nil || c.outcome.Reference != reference {
		return nil, &models.ProcessorError{Kind: models.ErrProcessorRejected, Processor: "fake", Message: "transaction not found"}
	}
	cp := *c.outcome
	return &cp, nil
}

func (c *fakeCard) ParseWebhook(_ []byte, signature string) (string, string, *models.Outcome, error) {
	if signature == "bad" {
		return "", "", nil, models.ErrInvalidSignature
	}
	if c.outcome == nil {
		return c.eventID, c.eventType, nil, nil
	}
	cp := *c.outcome
	return c.eventID, c.eventType, &cp, nil
}

type memLedger struct {
	mu     sync.Mutex
	events map[string]*models.WebhookEvent
}

func newMemLedger() *memLedger {
	return &memLedger{events: make(map[string]*models.WebhookEvent)}
}

func (l *memLedger) Record(_ context.Context, ev *models.WebhookEvent) (bool, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	key := ev.Provider + "/" + ev.EventID
	if old, ok := l.events[key]; ok {
		return old.ProcessedAt != nil && old.ProcessingError == "", nil
	}
	cp := *ev
	l.events[key] = &cp
	return false, nil
}

func (l *memLedger) MarkProcessed(_ context.Context, provider, eventID string, procErr error) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	ev, ok := l.events[provider+"/"+eventID]
	if !ok {
		return models.ErrNotFound
	}
	now := time.Now()
	ev.ProcessedAt = &now
	ev.ProcessingError = ""
	if procErr != nil {
		ev.ProcessingError = procErr.Error()
	}
	return nil
}

type recordingAlerter struct {
	mu     sync.Mutex
	alerts []alert.Alert
}

func (r *recordingAlerter) Alert(_ context.Context, a alert.Alert) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.alerts = append(r.alerts, a)
}

// lockCheckingAlerter запоминает, сколько блокировок счетов было занято в момент алерта.
type lockCheckingAlerter struct {
	locks *keyedMutex
	held  []int
}

func (a *lockCheckingAlerter) Alert(_ context.Context, _ alert.Alert) {
	a.locks.mu.Lock()
	defer a.locks.mu.Unlock()
	a.held = append(a.held, len(a.locks.locks))
}

func (r *recordingAlerter) count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.alerts)
}

var testPlans = []models.Plan{
	{ID: "free", Name: "Free", Currency: "USD"},
	{ID: "pro", Name: "Pro", MonthlyAmount: 5000, AnnualAmount: 50000, Currency: "USD", RequestsLimit: 100000},
}

var testAccount = models.Account{ID: "acc_1", Email: "dev@example.com", Name: "Dev"}
