// internal/billing/dialog.go
package billing

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/qmuntal/stateless"
	"golang.org/x/time/rate"

	"oracle-dashboard/internal/models"
)

type DialogState string

const (
	StateSelect       DialogState = "select"
	StatePayment      DialogState = "payment"
	StateConfirmation DialogState = "confirmation"
	StateClosed       DialogState = "closed"
)

const (
	triggerPaymentCreated = "payment_created"
	triggerSucceeded      = "succeeded"
	triggerRetry          = "retry"
	triggerClose          = "close"
)

const (
	DefaultPaymentWindow   = 15 * time.Minute
	DefaultTickInterval    = time.Second
	DefaultRefreshInterval = 3 * time.Second
)

type DialogConfig struct {
	PaymentWindow   time.Duration
	TickInterval    time.Duration
	RefreshInterval time.Duration
	Poll            PollerConfig
}

func (c DialogConfig) withDefaults() DialogConfig {
	if c.PaymentWindow <= 0 {
		c.PaymentWindow = DefaultPaymentWindow
	}
	if c.TickInterval <= 0 {
		c.TickInterval = DefaultTickInterval
	}
	if c.RefreshInterval <= 0 {
		c.RefreshInterval = DefaultRefreshInterval
	}
	c.Poll = c.Poll.withDefaults()
	return c
}

type DialogDeps struct {
	Factory  *IntentFactory
	Gateways map[models.PaymentMethod]Gateway
	Intents  IntentStore
}

// SuccessFunc вызывается ровно один раз, когда платеж подтвержден.
type SuccessFunc func(intent models.PaymentIntent, handle models.PaymentHandle)

// Dialog: состояние окна оплаты одного пользователя: select -> payment -> confirmation, плюс closed.
// Таймер окна оплаты и поллер работают независимо: истечение таймера не останавливает опрос.
type Dialog struct {
	ID        string
	AccountID string

	deps DialogDeps
	cfg  DialogConfig
	now  func() time.Time

	ctx    context.Context
	cancel context.CancelFunc

	mu         sync.Mutex
	sm         *stateless.StateMachine
	account    models.Account
	ref        IntentRef
	cycle      models.BillingCycle
	currencies []string
	submitting bool

	intent   *models.PaymentIntent
	handle   *models.PaymentHandle
	status   models.PaymentStatus
	pollErr  error
	lastErr  error
	canRetry bool

	deadline  time.Time
	remaining time.Duration
	expired   bool

	poller      *Poller
	stopTimer   context.CancelFunc
	refresh     *rate.Limiter
	onSuccess   SuccessFunc
	notified    bool
	lastTouched time.Time
}

// NewDialog открывает окно оплаты в состоянии select.
// parent живет дольше HTTP-запроса: из него создаются поллер и таймер.
func NewDialog(parent context.Context, deps DialogDeps, cfg DialogConfig, account models.Account, ref IntentRef, cycle models.BillingCycle, onSuccess SuccessFunc) *Dialog {
	ctx, cancel := context.WithCancel(parent)
	cfg = cfg.withDefaults()
	d := &Dialog{
		ID:        "chk_" + uuid.NewString(),
		AccountID: account.ID,
		deps:      deps,
		cfg:       cfg,
		now:       time.Now,
		ctx:       ctx,
		cancel:    cancel,
		account:   account,
		ref:       ref,
		cycle:     cycle,
		refresh:   rate.NewLimiter(rate.Every(cfg.RefreshInterval), 1),
		onSuccess: onSuccess,
	}
	d.lastTouched = d.now()

	d.sm = stateless.NewStateMachine(StateSelect)
	d.sm.Configure(StateSelect).
		Permit(triggerPaymentCreated, StatePayment).
		Permit(triggerClose, StateClosed).
		OnEntryFrom(triggerRetry, d.enterSelect)
	d.sm.Configure(StatePayment).
		Permit(triggerSucceeded, StateConfirmation).
		Permit(triggerRetry, StateSelect, func(_ context.Context, _ ...any) bool { return d.canRetry }).
		Permit(triggerClose, StateClosed).
		OnEntry(d.enterPayment).
		OnExit(d.exitPayment)
	d.sm.Configure(StateConfirmation).
		Permit(triggerClose, StateClosed).
		OnEntry(d.enterConfirmation)
	d.sm.Configure(StateClosed).
		OnEntry(d.enterClosed)

	return d
}

func (d *Dialog) State() DialogState {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.state()
}

func (d *Dialog) state() DialogState {
	return d.sm.MustState().(DialogState)
}

func (d *Dialog) LastActivity() time.Time {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.lastTouched
}

// Currencies: валюты оплаты для выбранного процессора, загружаются один раз на окно.
func (d *Dialog) Currencies(ctx context.Context, method models.PaymentMethod) ([]string, error) {
	d.mu.Lock()
	d.lastTouched = d.now()
	if d.currencies != nil {
		list := d.currencies
		d.mu.Unlock()
		return list, nil
	}
	d.mu.Unlock()

	lister, ok := d.deps.Gateways[method].(CurrencyLister)
	if !ok {
		return []string{}, nil
	}
	list, err := lister.Currencies(ctx)
	if err != nil {
		return nil, err
	}

	d.mu.Lock()
	d.currencies = list
	d.mu.Unlock()
	return list, nil
}

// Submit создает намерение и платеж у процессора. Переход в payment происходит только после
// успешного CreatePayment; при ошибке окно остается в select.
func (d *Dialog) Submit(ctx context.Context, method models.PaymentMethod, payCurrency string) (*models.PaymentHandle, error) {
	d.mu.Lock()
	d.lastTouched = d.now()
	if d.state() != StateSelect || d.submitting {
		d.mu.Unlock()
		return nil, ErrInvalidTransition
	}
	d.submitting = true
	ref := d.ref
	d.mu.Unlock()

	defer func() {
		d.mu.Lock()
		d.submitting = false
		d.mu.Unlock()
	}()

	gw, ok := d.deps.Gateways[method]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrMethodNotSupported, method)
	}

	intent, err := d.deps.Factory.NewIntent(ctx, &ref, method, d.cycle, d.account)
	d.mu.Lock()
	d.ref = ref
	d.mu.Unlock()
	if err != nil {
		d.setError(err)
		return nil, err
	}

	if d.deps.Intents != nil {
		if err := d.deps.Intents.CreateIntent(ctx, intent); err != nil {
			slog.Error("Не удалось сохранить намерение оплаты", "orderID", intent.OrderID, "error", err)
			return nil, fmt.Errorf("сохранение намерения оплаты: %w", err)
		}
	}

	handle, err := gw.CreatePayment(ctx, d.deps.Factory.Request(intent, payCurrency))
	if err != nil {
		slog.Warn("Процессор не создал платеж", "orderID", intent.OrderID, "method", method, "error", err)
		d.setError(err)
		return nil, err
	}
	slog.Info("Платеж создан", "orderID", intent.OrderID, "paymentID", handle.PaymentID, "method", method, "amount", intent.Amount, "currency", intent.Currency)

	if d.deps.Intents != nil {
		if err := d.deps.Intents.AttachPaymentID(ctx, intent.OrderID, handle.PaymentID); err != nil {
			slog.Error("Не удалось сохранить ID платежа процессора", "orderID", intent.OrderID, "paymentID", handle.PaymentID, "error", err)
		}
	}

	d.mu.Lock()
	defer d.mu.Unlock()
	if d.state() != StateSelect {
		return nil, ErrInvalidTransition
	}
	d.intent = &intent
	d.handle = handle
	d.status = models.PaymentStatusWaiting
	d.lastErr = nil
	d.pollErr = nil
	d.canRetry = false
	if err := d.sm.Fire(triggerPaymentCreated); err != nil {
		return nil, fmt.Errorf("billing: %w", err)
	}
	h := *handle
	return &h, nil
}

// Refresh: один внеочередной запрос статуса. Бюджет поллера не расходуется.
func (d *Dialog) Refresh(ctx context.Context) (models.PaymentStatus, error) {
	d.mu.Lock()
	d.lastTouched = d.now()
	if d.state() != StatePayment || d.handle == nil {
		d.mu.Unlock()
		return "", ErrInvalidTransition
	}
	if !d.refresh.Allow() {
		d.mu.Unlock()
		return "", ErrRefreshTooFrequent
	}
	handle := *d.handle
	gw := d.deps.Gateways[handle.Method]
	d.mu.Unlock()

	status, err := gw.GetStatus(ctx, handle)
	if err != nil {
		d.mu.Lock()
		d.pollErr = err
		d.mu.Unlock()
		return "", err
	}

	d.mu.Lock()
	if d.handle == nil || d.handle.PaymentID != handle.PaymentID || d.state() != StatePayment {
		d.mu.Unlock()
		return status, nil
	}
	d.status = status
	d.pollErr = nil
	var notify func()
	if status.IsTerminal() {
		notify = d.settle(status)
	}
	d.mu.Unlock()

	if notify != nil {
		notify()
	}
	return status, nil
}

// Retry возвращает окно в select после неуспешного терминального статуса.
// Следующий Submit создаст новый order_id для того же счета.
func (d *Dialog) Retry() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.lastTouched = d.now()
	if ok, _ := d.sm.CanFire(triggerRetry); !ok {
		return ErrInvalidTransition
	}
	return d.sm.Fire(triggerRetry)
}

// Cancel останавливает поллер и таймер и отбрасывает локальное состояние.
// Платеж у процессора не отменяется: поздний вебхук по-прежнему зачислит оплату.
func (d *Dialog) Cancel() error {
	d.mu.Lock()
	state := d.state()
	if state == StateClosed {
		d.mu.Unlock()
		return nil
	}
	var orderID string
	if state == StatePayment && d.intent != nil && !d.canRetry && !d.expired {
		orderID = d.intent.OrderID
	}
	err := d.sm.Fire(triggerClose)
	d.mu.Unlock()

	if orderID != "" {
		d.markAbandoned(orderID, models.AbandonReasonCancelled)
	}
	return err
}

type DialogSnapshot struct {
	ID               string                `json:"id"`
	State            DialogState           `json:"state"`
	InvoiceID        string                `json:"invoice_id,omitempty"`
	PlanID           string                `json:"plan_id,omitempty"`
	BillingCycle     models.BillingCycle   `json:"billing_cycle,omitempty"`
	OrderID          string                `json:"order_id,omitempty"`
	Amount           int64                 `json:"amount,omitempty"`
	Currency         string                `json:"currency,omitempty"`
	Payment          *models.PaymentHandle `json:"payment,omitempty"`
	Status           models.PaymentStatus  `json:"status,omitempty"`
	RemainingSeconds int                   `json:"remaining_seconds"`
	Expired          bool                  `json:"expired"`
	CanRetry         bool                  `json:"can_retry"`
	Error            error                 `json:"-"`
	StatusCheckError error                 `json:"-"`
}

func (d *Dialog) Snapshot() DialogSnapshot {
	d.mu.Lock()
	defer d.mu.Unlock()
	s := DialogSnapshot{
		ID:               d.ID,
		State:            d.state(),
		InvoiceID:        d.ref.InvoiceID,
		PlanID:           d.ref.PlanID,
		BillingCycle:     d.cycle,
		Status:           d.status,
		RemainingSeconds: int(d.remaining.Round(time.Second) / time.Second),
		Expired:          d.expired,
		CanRetry:         d.canRetry,
		Error:            d.lastErr,
		StatusCheckError: d.pollErr,
	}
	if d.intent != nil {
		s.OrderID = d.intent.OrderID
		s.Amount = d.intent.Amount
		s.Currency = d.intent.Currency
	}
	if d.handle != nil {
		h := *d.handle
		s.Payment = &h
	}
	return s
}

func (d *Dialog) setError(err error) {
	d.mu.Lock()
	d.lastErr = err
	d.mu.Unlock()
}

// Действия при входе и выходе из состояний. Вызываются из Fire под d.mu.

func (d *Dialog) enterSelect(_ context.Context, _ ...any) error {
	d.intent = nil
	d.handle = nil
	d.status = ""
	d.lastErr = nil
	d.pollErr = nil
	d.canRetry = false
	d.expired = false
	d.remaining = 0
	return nil
}

func (d *Dialog) enterPayment(_ context.Context, _ ...any) error {
	d.deadline = d.now().Add(d.cfg.PaymentWindow)
	d.remaining = d.cfg.PaymentWindow
	d.expired = false

	timerCtx, stop := context.WithCancel(d.ctx)
	d.stopTimer = stop
	go d.countdown(timerCtx, d.deadline, d.intent.OrderID)

	handle := *d.handle
	gw := d.deps.Gateways[handle.Method]
	p := StartPoller(d.ctx, d.cfg.Poll, func(ctx context.Context) (models.PaymentStatus, error) {
		return gw.GetStatus(ctx, handle)
	})
	d.poller = p
	go d.consume(p)
	return nil
}

func (d *Dialog) exitPayment(_ context.Context, _ ...any) error {
	d.stopCountdown()
	d.stopPoller()
	return nil
}

func (d *Dialog) enterConfirmation(_ context.Context, _ ...any) error {
	d.lastErr = nil
	d.pollErr = nil
	slog.Info("Оплата подтверждена", "checkoutID", d.ID, "orderID", d.intent.OrderID, "status", d.status)
	return nil
}

func (d *Dialog) enterClosed(_ context.Context, _ ...any) error {
	d.stopCountdown()
	d.stopPoller()
	d.cancel()
	d.intent = nil
	d.handle = nil
	d.currencies = nil
	return nil
}

func (d *Dialog) stopCountdown() {
	if d.stopTimer != nil {
		d.stopTimer()
		d.stopTimer = nil
	}
}

func (d *Dialog) stopPoller() {
	if d.poller != nil {
		d.poller.Stop()
		d.poller = nil
	}
}

// settle применяет терминальный статус. Возвращает уведомление об успехе,
// которое вызывающий должен выполнить после снятия блокировки.
func (d *Dialog) settle(status models.PaymentStatus) func() {
	if status.IsSuccess() {
		if ok, _ := d.sm.CanFire(triggerSucceeded); !ok {
			return nil
		}
		if err := d.sm.Fire(triggerSucceeded); err != nil {
			slog.Error("Не удалось перевести окно оплаты в confirmation", "checkoutID", d.ID, "error", err)
			return nil
		}
		return d.successNotifier()
	}

	d.lastErr = fmt.Errorf("%w: %s", ErrPaymentFailed, status)
	d.canRetry = true
	d.stopCountdown()
	d.stopPoller()
	slog.Info("Платеж завершился неуспешно", "checkoutID", d.ID, "orderID", d.intent.OrderID, "status", status)
	return nil
}

func (d *Dialog) successNotifier() func() {
	if d.notified || d.onSuccess == nil || d.intent == nil || d.handle == nil {
		return nil
	}
	d.notified = true
	intent, handle := *d.intent, *d.handle
	return func() { d.onSuccess(intent, handle) }
}

func (d *Dialog) consume(p *Poller) {
	for ev := range p.Events() {
		d.mu.Lock()
		if d.poller != p {
			d.mu.Unlock()
			continue
		}
		var notify func()
		switch ev.Kind {
		case PollStatus:
			d.status = ev.Status
			d.pollErr = nil
		case PollSoftError:
			d.pollErr = ev.Err
			slog.Debug("Ошибка опроса статуса платежа", "checkoutID", d.ID, "attempt", ev.Attempt, "error", ev.Err)
		case PollComplete:
			notify = d.settle(ev.Status)
		case PollTimeout:
			d.lastErr = ev.Err
			d.poller = nil
			slog.Info("Опрос статуса исчерпан, платеж еще в обработке", "checkoutID", d.ID, "attempts", ev.Attempt)
		}
		d.mu.Unlock()

		if notify != nil {
			notify()
		}
	}
}

func (d *Dialog) countdown(ctx context.Context, deadline time.Time, orderID string) {
	ticker := time.NewTicker(d.cfg.TickInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}

		d.mu.Lock()
		if ctx.Err() != nil {
			d.mu.Unlock()
			return
		}
		d.remaining = deadline.Sub(d.now())
		if d.remaining > 0 {
			d.mu.Unlock()
			continue
		}
		d.remaining = 0
		d.expired = true
		if d.lastErr == nil {
			d.lastErr = ErrPaymentWindowClosed
		}
		d.stopCountdown()
		d.mu.Unlock()

		slog.Info("Окно оплаты истекло, опрос продолжается", "checkoutID", d.ID, "orderID", orderID)
		d.markAbandoned(orderID, models.AbandonReasonExpired)
		return
	}
}

func (d *Dialog) markAbandoned(orderID string, reason models.AbandonReason) {
	if d.deps.Intents == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := d.deps.Intents.MarkIntentAbandoned(ctx, orderID, reason); err != nil && !errors.Is(err, models.ErrNotFound) {
		slog.Error("Не удалось отметить намерение оплаты брошенным", "orderID", orderID, "reason", reason, "error", err)
	}
}
