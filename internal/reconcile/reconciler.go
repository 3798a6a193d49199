// internal/reconcile/reconciler.go
package reconcile

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/hashicorp/go-multierror"

	"oracle-dashboard/internal/alert"
	"oracle-dashboard/internal/models"
	"oracle-dashboard/internal/payment_gateway/nowpayments"
)

// Result: чем закончилась сверка одного результата платежа.
type Result string

const (
	ResultApplied        Result = "applied"
	ResultAlreadyApplied Result = "already_applied"
	ResultNotSuccessful  Result = "not_successful"
	ResultConflict       Result = "conflict"
	ResultIgnored        Result = "ignored"
)

// InvoiceStore: операции Oracle Engine, нужные сверке.
type InvoiceStore interface {
	GetInvoice(ctx context.Context, id string) (*models.Invoice, error)
	FindOpenInvoice(ctx context.Context, accountID, planID string) (*models.Invoice, error)
	MarkInvoicePaid(ctx context.Context, id, paymentID string, paidAt time.Time) error
	ActivateSubscription(ctx context.Context, req models.SubscriptionActivation) (*models.Subscription, error)
}

type IntentLookup interface {
	GetIntentByOrderID(ctx context.Context, orderID string) (*models.IntentRecord, error)
}

// EventLedger хранит входящие вебхуки. Record возвращает true, если событие уже успешно обработано.
type EventLedger interface {
	Record(ctx context.Context, ev *models.WebhookEvent) (alreadyProcessed bool, err error)
	MarkProcessed(ctx context.Context, provider, eventID string, procErr error) error
}

type CardProcessor interface {
	Verify(ctx context.Context, reference string) (*models.Outcome, error)
	ParseWebhook(body []byte, signature string) (eventID, eventType string, outcome *models.Outcome, err error)
}

type CryptoProcessor interface {
	Lookup(ctx context.Context, paymentID string) (*models.Outcome, error)
	ParseIPN(body []byte, signature string) (*models.Outcome, error)
}

type Deps struct {
	Invoices InvoiceStore
	Intents  IntentLookup
	Ledger   EventLedger
	Card     CardProcessor
	Crypto   CryptoProcessor
	Alerter  alert.Alerter
}

// Reconciler сводит вебхуки и явные проверки к одной идемпотентной операции Apply.
// Повторный вызов с тем же результатом безопасен, сам Reconciler ничего не повторяет.
type Reconciler struct {
	invoices InvoiceStore
	intents  IntentLookup
	ledger   EventLedger
	card     CardProcessor
	crypto   CryptoProcessor
	alerter  alert.Alerter
	locks    *keyedMutex
	now      func() time.Time
}

func New(deps Deps) *Reconciler {
	alerter := deps.Alerter
	if alerter == nil {
		alerter = alert.Log{}
	}
	return &Reconciler{
		invoices: deps.Invoices,
		intents:  deps.Intents,
		ledger:   deps.Ledger,
		card:     deps.Card,
		crypto:   deps.Crypto,
		alerter:  alerter,
		locks:    newKeyedMutex(),
		now:      time.Now,
	}
}

// Apply применяет результат платежа к счету: pending -> paid через compare-and-set,
// затем активирует подписку, если платеж за тариф.
// Алерты отправляются после снятия блокировки счета.
func (r *Reconciler) Apply(ctx context.Context, outcome *models.Outcome) (Result, error) {
	if outcome == nil {
		return ResultIgnored, nil
	}
	if err := r.enrich(ctx, outcome); err != nil {
		slog.Error("Не удалось прочитать намерение оплаты", "orderID", outcome.OrderID, "error", err)
		return "", err
	}
	log := slog.With("reference", outcome.Reference, "orderID", outcome.OrderID, "method", outcome.Method, "status", outcome.Status)

	if !outcome.Status.IsSuccess() {
		log.Info("Платеж не успешен, счет не меняется")
		return ResultNotSuccessful, nil
	}

	res, alerts, err := r.applyLocked(ctx, outcome, log)
	for _, a := range alerts {
		r.alerter.Alert(ctx, a)
	}
	return res, err
}

func (r *Reconciler) applyLocked(ctx context.Context, outcome *models.Outcome, log *slog.Logger) (Result, []alert.Alert, error) {
	unlock := r.locks.lock(r.lockKey(outcome))
	defer unlock()

	inv, err := r.resolveInvoice(ctx, outcome)
	if err != nil {
		log.Error("Не удалось найти счет для платежа", "error", err)
		return "", nil, err
	}
	log = log.With("invoiceID", inv.ID)

	if inv.Status.IsTerminal() {
		res, alerts := r.classify(inv, outcome)
		return res, alerts, nil
	}
	if err := checkAmount(inv, outcome); err != nil {
		return ResultConflict, []alert.Alert{conflictAlert(inv, outcome, err)}, nil
	}

	err = r.invoices.MarkInvoicePaid(ctx, inv.ID, outcome.Reference, r.now().UTC())
	switch {
	case errors.Is(err, models.ErrReconciliationConflict):
		// Гонку выиграл другой процесс: перечитываем и классифицируем заново.
		fresh, getErr := r.invoices.GetInvoice(ctx, inv.ID)
		if getErr != nil {
			return "", nil, fmt.Errorf("reconcile: re-read invoice %s: %w", inv.ID, getErr)
		}
		res, alerts := r.classify(fresh, outcome)
		return res, alerts, nil
	case err != nil:
		log.Error("Не удалось перевести счет в paid", "error", err)
		return "", nil, fmt.Errorf("reconcile: mark invoice %s paid: %w", inv.ID, err)
	}
	log.Info("Счет оплачен", "amount", outcome.Amount, "currency", outcome.Currency)

	if err := r.afterPaid(ctx, inv, outcome); err != nil {
		log.Error("Сбой после оплаты счета", "error", err)
		return ResultApplied, []alert.Alert{{
			Title:  "Счет оплачен, но последующие шаги не выполнены",
			Err:    err,
			Fields: fields(inv, outcome),
		}}, nil
	}
	return ResultApplied, nil, nil
}

// VerifyCard: явная проверка карточного платежа по референсу после редиректа.
func (r *Reconciler) VerifyCard(ctx context.Context, reference string) (*models.Outcome, Result, error) {
	if r.card == nil {
		return nil, "", fmt.Errorf("reconcile: card processor not configured")
	}
	outcome, err := r.card.Verify(ctx, reference)
	if err != nil {
		return nil, "", err
	}
	return r.verified(ctx, outcome)
}

// VerifyCrypto: явная проверка криптоплатежа по payment_id процессора.
func (r *Reconciler) VerifyCrypto(ctx context.Context, paymentID string) (*models.Outcome, Result, error) {
	if r.crypto == nil {
		return nil, "", fmt.Errorf("reconcile: crypto processor not configured")
	}
	outcome, err := r.crypto.Lookup(ctx, paymentID)
	if err != nil {
		return nil, "", err
	}
	return r.verified(ctx, outcome)
}

func (r *Reconciler) verified(ctx context.Context, outcome *models.Outcome) (*models.Outcome, Result, error) {
	if outcome.Status.IsFailure() {
		if err := r.enrich(ctx, outcome); err != nil {
			slog.Warn("Не удалось прочитать намерение оплаты", "orderID", outcome.OrderID, "error", err)
		}
		return outcome, ResultNotSuccessful, fmt.Errorf("%w: %s is %s", models.ErrVerificationFailed, outcome.Reference, outcome.Status)
	}
	res, err := r.Apply(ctx, outcome)
	return outcome, res, err
}

// HandleCryptoIPN проверяет подпись IPN и применяет результат.
func (r *Reconciler) HandleCryptoIPN(ctx context.Context, body []byte, signature string) (Result, error) {
	if r.crypto == nil {
		return "", fmt.Errorf("reconcile: crypto processor not configured")
	}
	outcome, err := r.crypto.ParseIPN(body, signature)
	if err != nil {
		return "", err
	}
	return r.handleEvent(ctx, &models.WebhookEvent{
		Provider:       "nowpayments",
		EventID:        nowpayments.IPNEventID(outcome),
		EventType:      string(outcome.Status),
		Payload:        body,
		SignatureValid: true,
		ReceivedAt:     r.now().UTC(),
	}, outcome)
}

// HandleCardWebhook проверяет подпись вебхука и применяет результат charge-событий.
func (r *Reconciler) HandleCardWebhook(ctx context.Context, body []byte, signature string) (Result, error) {
	if r.card == nil {
		return "", fmt.Errorf("reconcile: card processor not configured")
	}
	eventID, eventType, outcome, err := r.card.ParseWebhook(body, signature)
	if err != nil {
		return "", err
	}
	return r.handleEvent(ctx, &models.WebhookEvent{
		Provider:       "paystack",
		EventID:        eventID,
		EventType:      eventType,
		Payload:        body,
		SignatureValid: true,
		ReceivedAt:     r.now().UTC(),
	}, outcome)
}

func (r *Reconciler) handleEvent(ctx context.Context, ev *models.WebhookEvent, outcome *models.Outcome) (Result, error) {
	log := slog.With("provider", ev.Provider, "eventID", ev.EventID, "eventType", ev.EventType)
	if r.ledger != nil {
		done, err := r.ledger.Record(ctx, ev)
		if err != nil {
			// Без журнала продолжаем: Apply идемпотентен.
			log.Warn("Не удалось записать вебхук в журнал", "error", err)
		} else if done {
			log.Info("Повторный вебхук, уже обработан")
			return ResultAlreadyApplied, nil
		}
	}

	res, applyErr := r.Apply(ctx, outcome)
	if r.ledger != nil {
		if err := r.ledger.MarkProcessed(ctx, ev.Provider, ev.EventID, applyErr); err != nil {
			log.Warn("Не удалось отметить вебхук обработанным", "error", err)
		}
	}
	if applyErr != nil {
		return "", applyErr
	}
	log.Info("Вебхук обработан", "result", res)
	return res, nil
}

// enrich дополняет метаданные результата из локальной записи о намерении.
// Крипто-процессор не возвращает метаданные, поэтому для него это единственный источник:
// ошибка чтения, кроме ErrNotFound, возвращается, чтобы процессор повторил доставку.
func (r *Reconciler) enrich(ctx context.Context, o *models.Outcome) error {
	if r.intents == nil || o.OrderID == "" {
		return nil
	}
	rec, err := r.intents.GetIntentByOrderID(ctx, o.OrderID)
	if errors.Is(err, models.ErrNotFound) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("reconcile: read intent %s: %w", o.OrderID, err)
	}
	md := &o.Metadata
	if md.OrderID == "" {
		md.OrderID = rec.OrderID
	}
	if md.InvoiceID == "" {
		md.InvoiceID = rec.InvoiceID
	}
	if md.AccountID == "" {
		md.AccountID = rec.AccountID
	}
	if md.PlanID == "" {
		md.PlanID = rec.PlanID
	}
	if md.BillingCycle == "" {
		md.BillingCycle = rec.BillingCycle
	}
	if md.PaymentType == "" {
		md.PaymentType = rec.PaymentType
	}
	return nil
}

func (r *Reconciler) resolveInvoice(ctx context.Context, o *models.Outcome) (*models.Invoice, error) {
	md := o.Metadata
	if md.InvoiceID != "" {
		return r.invoices.GetInvoice(ctx, md.InvoiceID)
	}
	if md.PaymentType == models.PaymentTypeSubscription && md.AccountID != "" && md.PlanID != "" {
		return r.invoices.FindOpenInvoice(ctx, md.AccountID, md.PlanID)
	}
	return nil, fmt.Errorf("reconcile: no invoice for order %q: %w", o.OrderID, models.ErrNotFound)
}

// classify разбирает уже терминальный счет: тот же платеж: no-op, любой другой: конфликт.
func (r *Reconciler) classify(inv *models.Invoice, o *models.Outcome) (Result, []alert.Alert) {
	if inv.Status == models.InvoiceStatusPaid && inv.PaymentID == o.Reference {
		slog.Debug("Счет уже оплачен этим платежом", "invoiceID", inv.ID, "reference", o.Reference)
		return ResultAlreadyApplied, nil
	}
	err := fmt.Errorf("%w: invoice %s is %s (payment %q)", models.ErrReconciliationConflict, inv.ID, inv.Status, inv.PaymentID)
	return ResultConflict, []alert.Alert{conflictAlert(inv, o, err)}
}

func conflictAlert(inv *models.Invoice, o *models.Outcome, err error) alert.Alert {
	slog.Error("Конфликт сверки платежа", "invoiceID", inv.ID, "reference", o.Reference, "error", err)
	return alert.Alert{
		Title:  "Конфликт сверки платежа",
		Err:    err,
		Fields: fields(inv, o),
	}
}

func (r *Reconciler) afterPaid(ctx context.Context, inv *models.Invoice, o *models.Outcome) error {
	var result *multierror.Error
	if o.Metadata.PaymentType == models.PaymentTypeSubscription || inv.Metadata.CreatedFrom == string(models.PaymentTypeSubscription) {
		planID := o.Metadata.PlanID
		if planID == "" {
			planID = inv.Metadata.PlanID
		}
		cycle := o.Metadata.BillingCycle
		if cycle == "" {
			cycle = inv.Metadata.BillingCycle
		}
		if planID == "" {
			result = multierror.Append(result, fmt.Errorf("subscription payment %s without plan", o.Reference))
		} else if _, err := r.invoices.ActivateSubscription(ctx, models.SubscriptionActivation{
			AccountID:    inv.AccountID,
			PlanID:       planID,
			BillingCycle: cycle,
			PaymentID:    o.Reference,
			InvoiceID:    inv.ID,
		}); err != nil {
			result = multierror.Append(result, fmt.Errorf("activate subscription: %w", err))
		} else {
			slog.Info("Подписка активирована", "accountID", inv.AccountID, "planID", planID, "cycle", cycle)
		}
	}
	return result.ErrorOrNil()
}

func (r *Reconciler) lockKey(o *models.Outcome) string {
	if o.Metadata.InvoiceID != "" {
		return "inv:" + o.Metadata.InvoiceID
	}
	return "acc:" + o.Metadata.AccountID + ":" + o.Metadata.PlanID
}

// checkAmount отклоняет недоплату в валюте счета.
func checkAmount(inv *models.Invoice, o *models.Outcome) error {
	if o.Currency == "" || o.Amount == 0 {
		return nil
	}
	if !strings.EqualFold(o.Currency, inv.Currency) {
		return fmt.Errorf("%w: currency %s, invoice in %s", models.ErrReconciliationConflict, o.Currency, inv.Currency)
	}
	if o.Amount < inv.Amount {
		return fmt.Errorf("%w: paid %d of %d %s", models.ErrReconciliationConflict, o.Amount, inv.Amount, inv.Currency)
	}
	return nil
}

func fields(inv *models.Invoice, o *models.Outcome) map[string]string {
	return map[string]string{
		"invoice_id":      inv.ID,
		"invoice_status":  string(inv.Status),
		"invoice_payment": inv.PaymentID,
		"reference":       o.Reference,
		"order_id":        o.OrderID,
		"method":          string(o.Method),
	}
}

// keyedMutex: мьютекс на ключ со счетчиком ссылок, записи удаляются после освобождения.
type keyedMutex struct {
	mu    sync.Mutex
	locks map[string]*refMutex
}

type refMutex struct {
	sync.Mutex
	refs int
}

func newKeyedMutex() *keyedMutex {
	return &keyedMutex{locks: make(map[string]*refMutex)}
}

func (k *keyedMutex) lock(key string) func() {
	k.mu.Lock()
	m, ok := k.locks[key]
	if !ok {
		m = &refMutex{}
		k.locks[key] = m
	}
	m.refs++
	k.mu.Unlock()

	m.Lock()
	return func() {
		m.Unlock()
		k.mu.Lock()
		m.refs--
		if m.refs == 0 {
			delete(k.locks, key)
		}
		k.mu.Unlock()
	}
}
