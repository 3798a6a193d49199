package handlers

import (
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sort"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"oracle-dashboard/internal/billing"
	"oracle-dashboard/internal/middleware"
	"oracle-dashboard/internal/models"
	"oracle-dashboard/internal/oracle"
	"oracle-dashboard/internal/reconcile"
)

var (
	testAccount  = models.Account{ID: "acc_1", Email: "dev@example.com", Name: "Dev"}
	otherAccount = models.Account{ID: "acc_2", Email: "ops@example.com", Name: "Ops"}

	testPlans = []models.Plan{
		{ID: "free", Name: "Free", Currency: "USD"},
		{ID: "pro", Name: "Pro", MonthlyAmount: 4900, AnnualAmount: 49000, Currency: "USD"},
	}
)

type memIntents struct {
	mu        sync.Mutex
	records   map[string]*models.IntentRecord
	lookupErr error
}

func newMemIntents() *memIntents {
	return &memIntents{records: make(map[string]*models.IntentRecord)}
}

func (m *memIntents) CreateIntent(_ context.Context, intent models.PaymentIntent) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.records[intent.OrderID] = &models.IntentRecord{PaymentIntent: intent}
	return nil
}

func (m *memIntents) AttachPaymentID(_ context.Context, orderID, paymentID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	rec, ok := m.records[orderID]
	if !ok {
		return models.ErrNotFound
	}
	rec.PaymentID = paymentID
	return nil
}

func (m *memIntents) MarkIntentAbandoned(_ context.Context, orderID string, reason models.AbandonReason) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if rec, ok := m.records[orderID]; ok && rec.AbandonReason == "" {
		rec.AbandonReason = string(reason)
	}
	return nil
}

func (m *memIntents) GetIntentByOrderID(_ context.Context, orderID string) (*models.IntentRecord, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.lookupErr != nil {
		return nil, m.lookupErr
	}
	rec, ok := m.records[orderID]
	if !ok {
		return nil, models.ErrNotFound
	}
	cp := *rec
	return &cp, nil
}

func (m *memIntents) GetIntentByPaymentID(_ context.Context, paymentID string) (*models.IntentRecord, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, rec := range m.records {
		if rec.PaymentID == paymentID {
			cp := *rec
			return &cp, nil
		}
	}
	return nil, models.ErrNotFound
}

func (m *memIntents) ListIntents(_ context.Context, accountID string, limit int) ([]models.IntentRecord, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var list []models.IntentRecord
	for _, rec := range m.records {
		if rec.AccountID == accountID {
			list = append(list, *rec)
		}
	}
	sort.Slice(list, func(i, j int) bool { return list[i].OrderID < list[j].OrderID })
	if len(list) > limit {
		list = list[:limit]
	}
	return list, nil
}

func (m *memIntents) failLookups(err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.lookupErr = err
}

func (m *memIntents) only(t *testing.T) models.IntentRecord {
	t.Helper()
	m.mu.Lock()
	defer m.mu.Unlock()
	require.Len(t, m.records, 1)
	for _, rec := range m.records {
		return *rec
	}
	return models.IntentRecord{}
}

// fakeProcessor играет роль обоих процессоров: создает платежи, отвечает на опрос,
// проверку и вебхуки.
type fakeProcessor struct {
	method models.PaymentMethod

	mu       sync.Mutex
	status   models.PaymentStatus
	payments map[string]models.PaymentRequest
	seq      int
}

func newFakeProcessor(method models.PaymentMethod) *fakeProcessor {
	return &fakeProcessor{method: method, status: models.PaymentStatusWaiting, payments: make(map[string]models.PaymentRequest)}
}

func (p *fakeProcessor) setStatus(s models.PaymentStatus) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.status = s
}

func (p *fakeProcessor) register(reference string, intent models.PaymentIntent) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.payments[reference] = models.PaymentRequest{Intent: intent}
}

func (p *fakeProcessor) Method() models.PaymentMethod { return p.method }

func (p *fakeProcessor) CreatePayment(_ context.Context, req models.PaymentRequest) (*models.PaymentHandle, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.method == models.PaymentMethodCard {
		p.payments[req.Intent.OrderID] = req
		return &models.PaymentHandle{
			Method:           models.PaymentMethodCard,
			PaymentID:        req.Intent.OrderID,
			OrderID:          req.Intent.OrderID,
			AuthorizationURL: "https://checkout.example.com/" + req.Intent.OrderID,
		}, nil
	}
	p.seq++
	id := fmt.Sprintf("np_%d", p.seq)
	p.payments[id] = req
	return &models.PaymentHandle{
		Method:      models.PaymentMethodCrypto,
		PaymentID:   id,
		OrderID:     req.Intent.OrderID,
		PayAddress:  "bc1qfake",
		PayAmount:   "0.00071",
		PayCurrency: "btc",
	}, nil
}

func (p *fakeProcessor) GetStatus(_ context.Context, _ models.PaymentHandle) (models.PaymentStatus, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.status, nil
}

func (p *fakeProcessor) Currencies(context.Context) ([]string, error) {
	return []string{"btc", "eth", "usdttrc20"}, nil
}

func (p *fakeProcessor) outcome(reference string) (*models.Outcome, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	req, ok := p.payments[reference]
	if !ok {
		return nil, &models.ProcessorError{Kind: models.ErrProcessorRejected, Processor: "fake", StatusCode: 404}
	}
	return &models.Outcome{
		Method:    p.method,
		Reference: reference,
		OrderID:   req.Intent.OrderID,
		Status:    p.status,
		Amount:    req.Intent.Amount,
		Currency:  req.Intent.Currency,
		Metadata:  models.OutcomeMetadata{OrderID: req.Intent.OrderID},
	}, nil
}

func (p *fakeProcessor) Lookup(_ context.Context, paymentID string) (*models.Outcome, error) {
	return p.outcome(paymentID)
}

func (p *fakeProcessor) Verify(_ context.Context, reference string) (*models.Outcome, error) {
	return p.outcome(reference)
}

// Тело вебхука в тестах: просто референс платежа.
func (p *fakeProcessor) ParseIPN(body []byte, signature string) (*models.Outcome, error) {
	if signature != "good" {
		return nil, models.ErrInvalidSignature
	}
	return p.outcome(string(body))
}

func (p *fakeProcessor) ParseWebhook(body []byte, signature string) (string, string, *models.Outcome, error) {
	if signature != "good" {
		return "", "", nil, models.ErrInvalidSignature
	}
	o, err := p.outcome(string(body))
	if err != nil {
		return "", "", nil, err
	}
	return "evt_" + string(body), "charge.success", o, nil
}

type ledger struct {
	mu   sync.Mutex
	done map[string]bool
}

func (l *ledger) Record(_ context.Context, ev *models.WebhookEvent) (bool, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.done[ev.Provider+"/"+ev.EventID], nil
}

func (l *ledger) MarkProcessed(_ context.Context, provider, eventID string, procErr error) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.done[provider+"/"+eventID] = procErr == nil
	return nil
}

type fixture struct {
	backend  *oracle.MemoryBackend
	intents  *memIntents
	crypto   *fakeProcessor
	card     *fakeProcessor
	registry *billing.Registry
	handlers *BillingHandlers
	mux      *http.ServeMux
}

// testAuth подставляет аккаунт из заголовка X-Account вместо сессии.
func testAuth(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.Header.Get("X-Account") {
		case testAccount.ID:
			r = r.WithContext(middleware.WithAccount(r.Context(), testAccount))
		case otherAccount.ID:
			r = r.WithContext(middleware.WithAccount(r.Context(), otherAccount))
		default:
			writeError(w, http.StatusUnauthorized, "Требуется вход по API-ключу.")
			return
		}
		next.ServeHTTP(w, r)
	})
}

func passThrough(next http.Handler) http.Handler { return next }

func newFixture(t *testing.T) *fixture {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)

	fx := &fixture{
		backend:  oracle.NewMemoryBackend(),
		intents:  newMemIntents(),
		crypto:   newFakeProcessor(models.PaymentMethodCrypto),
		card:     newFakeProcessor(models.PaymentMethodCard),
		registry: billing.NewRegistry(time.Hour),
		mux:      http.NewServeMux(),
	}
	fx.backend.AddAccount(testAccount, "key_1")
	fx.backend.AddAccount(otherAccount, "key_2")

	rec := reconcile.New(reconcile.Deps{
		Invoices: fx.backend,
		Intents:  fx.intents,
		Ledger:   &ledger{done: make(map[string]bool)},
		Card:     fx.card,
		Crypto:   fx.crypto,
	})
	fx.handlers = NewBillingHandlers(ctx, BillingDeps{
		Backend: fx.backend,
		Factory: billing.NewIntentFactory(testPlans, fx.backend, "https://dash.example.com"),
		Gateways: map[models.PaymentMethod]billing.Gateway{
			models.PaymentMethodCrypto: fx.crypto,
			models.PaymentMethodCard:   fx.card,
		},
		Intents:    fx.intents,
		Registry:   fx.registry,
		Reconciler: rec,
		Plans:      testPlans,
		Dialog: billing.DialogConfig{
			TickInterval:    10 * time.Millisecond,
			RefreshInterval: time.Millisecond,
			Poll:            billing.PollerConfig{Interval: 5 * time.Millisecond, MaxAttempts: 1000},
		},
	})
	fx.handlers.Register(fx.mux, testAuth, passThrough)
	return fx
}

func (fx *fixture) do(t *testing.T, method, target, account, body string) *httptest.ResponseRecorder {
	t.Helper()
	var req *http.Request
	if body == "" {
		req = httptest.NewRequest(method, target, nil)
	} else {
		req = httptest.NewRequest(method, target, strings.NewReader(body))
		req.Header.Set("Content-Type", "application/json")
	}
	if account != "" {
		req.Header.Set("X-Account", account)
	}
	rec := httptest.NewRecorder()
	fx.mux.ServeHTTP(rec, req)
	return rec
}
