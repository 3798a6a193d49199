// internal/handlers/billing.go
package handlers

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"sort"
	"strings"
	"time"

	"oracle-dashboard/internal/billing"
	"oracle-dashboard/internal/middleware"
	"oracle-dashboard/internal/models"
	"oracle-dashboard/internal/reconcile"
	"oracle-dashboard/internal/validation"
)

const (
	NowPaymentsWebhookPath = "/api/billing/webhook/nowpayments"
	PaystackWebhookPath    = "/api/billing/webhook/paystack"

	qrSize        = 256
	verifyTimeout = 30 * time.Second
	recentIntents = 20
)

// BillingBackend: часть Oracle Engine, нужная странице оплаты.
type BillingBackend interface {
	billing.InvoiceSource
	ListInvoices(ctx context.Context, accountID string) ([]models.Invoice, error)
	GetSubscription(ctx context.Context, accountID string) (*models.Subscription, error)
	ActivateSubscription(ctx context.Context, req models.SubscriptionActivation) (*models.Subscription, error)
}

// IntentRepository: локальный журнал попыток оплаты.
type IntentRepository interface {
	billing.IntentStore
	GetIntentByOrderID(ctx context.Context, orderID string) (*models.IntentRecord, error)
	GetIntentByPaymentID(ctx context.Context, paymentID string) (*models.IntentRecord, error)
	ListIntents(ctx context.Context, accountID string, limit int) ([]models.IntentRecord, error)
}

type BillingDeps struct {
	Backend    BillingBackend
	Factory    *billing.IntentFactory
	Gateways   map[models.PaymentMethod]billing.Gateway
	Intents    IntentRepository
	Registry   *billing.Registry
	Reconciler *reconcile.Reconciler
	Plans      []models.Plan
	Dialog     billing.DialogConfig
}

type BillingHandlers struct {
	BillingDeps
	// ctx живет все время работы сервера: из него создаются окна оплаты.
	ctx context.Context
}

func NewBillingHandlers(ctx context.Context, deps BillingDeps) *BillingHandlers {
	return &BillingHandlers{BillingDeps: deps, ctx: ctx}
}

// Register подключает маршруты оплаты. auth пропускает только вошедших,
// webhookGuard ограничивает вебхуки процессоров.
func (h *BillingHandlers) Register(mux *http.ServeMux, auth, webhookGuard func(http.Handler) http.Handler) {
	protect := func(f http.HandlerFunc) http.Handler { return auth(f) }

	mux.Handle("GET /api/billing/plans", protect(h.PlansHandler))
	mux.Handle("GET /api/billing/invoices", protect(h.InvoicesHandler))
	mux.Handle("GET /api/billing/currencies", protect(h.CurrenciesHandler))
	mux.Handle("POST /api/billing/checkout", protect(h.CheckoutHandler))
	mux.Handle("GET /api/billing/checkout/{id}", protect(h.GetCheckoutHandler))
	mux.Handle("POST /api/billing/checkout/{id}/pay", protect(h.PayHandler))
	mux.Handle("POST /api/billing/checkout/{id}/refresh", protect(h.RefreshHandler))
	mux.Handle("POST /api/billing/checkout/{id}/retry", protect(h.RetryHandler))
	mux.Handle("POST /api/billing/checkout/{id}/cancel", protect(h.CancelHandler))
	mux.Handle("GET /api/billing/checkout/{id}/qr.png", protect(h.QRHandler))
	mux.Handle("POST /api/billing/verify", protect(h.VerifyHandler))
	mux.Handle("GET /billing/card/callback", protect(h.CardCallbackHandler))

	mux.Handle("POST "+NowPaymentsWebhookPath, webhookGuard(http.HandlerFunc(h.NowPaymentsWebhookHandler)))
	mux.Handle("POST "+PaystackWebhookPath, webhookGuard(http.HandlerFunc(h.PaystackWebhookHandler)))
}

func (h *BillingHandlers) methods() []models.PaymentMethod {
	list := make([]models.PaymentMethod, 0, len(h.Gateways))
	for m := range h.Gateways {
		list = append(list, m)
	}
	sort.Slice(list, func(i, j int) bool { return list[i] < list[j] })
	return list
}

type plansResponse struct {
	Plans        []models.Plan          `json:"plans"`
	Methods      []models.PaymentMethod `json:"methods"`
	Subscription *models.Subscription   `json:"subscription"`
}

func (h *BillingHandlers) PlansHandler(w http.ResponseWriter, r *http.Request) {
	acc, _ := middleware.AccountFromContext(r.Context())
	resp := plansResponse{Plans: h.Plans, Methods: h.methods()}

	sub, err := h.Backend.GetSubscription(r.Context(), acc.ID)
	switch {
	case err == nil:
		resp.Subscription = sub
	case !errors.Is(err, models.ErrNotFound):
		slog.Warn("Не удалось получить подписку", "accountID", acc.ID, "error", err)
	}
	writeJSON(w, http.StatusOK, resp)
}

type intentView struct {
	OrderID       string               `json:"order_id"`
	InvoiceID     string               `json:"invoice_id"`
	PlanID        string               `json:"plan_id,omitempty"`
	Method        models.PaymentMethod `json:"method"`
	Amount        int64                `json:"amount"`
	Currency      string               `json:"currency"`
	PaymentID     string               `json:"payment_id,omitempty"`
	AbandonReason string               `json:"abandon_reason,omitempty"`
	CreatedAt     time.Time            `json:"created_at"`
}

func (h *BillingHandlers) InvoicesHandler(w http.ResponseWriter, r *http.Request) {
	acc, _ := middleware.AccountFromContext(r.Context())

	invoices, err := h.Backend.ListInvoices(r.Context(), acc.ID)
	if err != nil {
		slog.Error("Не удалось получить список счетов", "accountID", acc.ID, "error", err)
		writeError(w, http.StatusBadGateway, "Не удалось загрузить счета. Попробуйте позже.")
		return
	}

	payments := []intentView{}
	records, err := h.Intents.ListIntents(r.Context(), acc.ID, recentIntents)
	if err != nil {
		slog.Warn("Не удалось получить историю попыток оплаты", "accountID", acc.ID, "error", err)
	}
	for _, rec := range records {
		payments = append(payments, intentView{
			OrderID:       rec.OrderID,
			InvoiceID:     rec.InvoiceID,
			PlanID:        rec.PlanID,
			Method:        rec.Method,
			Amount:        rec.Amount,
			Currency:      rec.Currency,
			PaymentID:     rec.PaymentID,
			AbandonReason: rec.AbandonReason,
			CreatedAt:     rec.CreatedAt,
		})
	}
	if invoices == nil {
		invoices = []models.Invoice{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"invoices": invoices, "payments": payments})
}

// CurrenciesHandler: валюты оплаты. С параметром checkout список берется из окна и кэшируется в нем.
func (h *BillingHandlers) CurrenciesHandler(w http.ResponseWriter, r *http.Request) {
	method := models.PaymentMethod(r.URL.Query().Get("method"))
	if method == "" {
		method = models.PaymentMethodCrypto
	}
	gw, ok := h.Gateways[method]
	if !ok {
		writeUserError(w, r, billing.ErrMethodNotSupported)
		return
	}

	var (
		list []string
		err  error
	)
	if id := r.URL.Query().Get("checkout"); id != "" {
		d, ok := h.dialog(w, r, id)
		if !ok {
			return
		}
		list, err = d.Currencies(r.Context(), method)
	} else if lister, isLister := gw.(billing.CurrencyLister); isLister {
		list, err = lister.Currencies(r.Context())
	}
	if err != nil {
		slog.Warn("Не удалось получить список валют", "method", method, "error", err)
		writeUserError(w, r, err)
		return
	}
	if list == nil {
		list = []string{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"method": method, "currencies": list})
}

type checkoutForm struct {
	PlanID       string `json:"plan_id" validate:"required_without=InvoiceID,excluded_with=InvoiceID,max=64"`
	InvoiceID    string `json:"invoice_id" validate:"max=64"`
	BillingCycle string `json:"billing_cycle" validate:"billing_cycle"`
}

type payForm struct {
	Method      string `json:"method" validate:"payment_method"`
	PayCurrency string `json:"pay_currency" validate:"pay_currency"`
}

type checkoutView struct {
	billing.DialogSnapshot
	QRURL  string `json:"qr_url,omitempty"`
	Error  string `json:"error,omitempty"`
	Notice string `json:"notice,omitempty"`
}

func viewOf(d *billing.Dialog) checkoutView {
	snap := d.Snapshot()
	v := checkoutView{DialogSnapshot: snap}
	if snap.Payment != nil && snap.Payment.Method == models.PaymentMethodCrypto && snap.State == billing.StatePayment {
		v.QRURL = "/api/billing/checkout/" + snap.ID + "/qr.png"
	}
	if snap.Error != nil {
		_, v.Error = userMessage(snap.Error)
	}
	if snap.StatusCheckError != nil {
		v.Notice = "Не удалось проверить статус платежа, повторим автоматически."
	}
	return v
}

// writeDialogError отвечает кодом ошибки, но с текущим состоянием окна.
func writeDialogError(w http.ResponseWriter, d *billing.Dialog, err error) {
	status, msg := userMessage(err)
	v := viewOf(d)
	v.Error = msg
	writeJSON(w, status, v)
}

// CheckoutHandler открывает окно оплаты тарифа или счета. Бесплатный тариф активируется сразу.
func (h *BillingHandlers) CheckoutHandler(w http.ResponseWriter, r *http.Request) {
	acc, _ := middleware.AccountFromContext(r.Context())
	var form checkoutForm
	if !decodeJSON(w, r, &form) {
		return
	}
	if errs := validation.ValidateStruct(form); len(errs) > 0 {
		writeValidation(w, errs)
		return
	}

	ref := billing.IntentRef{InvoiceID: form.InvoiceID, PlanID: form.PlanID}
	cycle := models.BillingCycle(form.BillingCycle)

	if ref.InvoiceID != "" {
		inv, err := h.Backend.GetInvoice(r.Context(), ref.InvoiceID)
		if err != nil || inv.AccountID != acc.ID {
			if err != nil && !errors.Is(err, models.ErrNotFound) {
				slog.Error("Не удалось получить счет", "invoiceID", ref.InvoiceID, "error", err)
				writeError(w, http.StatusBadGateway, "Не удалось загрузить счет. Попробуйте позже.")
				return
			}
			writeError(w, http.StatusNotFound, "Счет не найден.")
			return
		}
		if inv.Status != models.InvoiceStatusPending {
			writeUserError(w, r, billing.ErrInvoiceNotPayable)
			return
		}
	} else {
		if cycle == "" {
			cycle = models.BillingCycleMonthly
		}
		plan, ok := h.Factory.Plan(ref.PlanID)
		if !ok {
			writeUserError(w, r, billing.ErrUnknownPlan)
			return
		}
		if plan.IsFree(cycle) {
			h.activateFree(w, r, acc, plan, cycle)
			return
		}
	}

	d := billing.NewDialog(h.ctx, billing.DialogDeps{
		Factory:  h.Factory,
		Gateways: h.Gateways,
		Intents:  h.Intents,
	}, h.Dialog, acc, ref, cycle, h.onSuccess)
	h.Registry.Add(d)
	slog.Info("Открыто окно оплаты", "checkoutID", d.ID, "accountID", acc.ID, "planID", ref.PlanID, "invoiceID", ref.InvoiceID)
	writeJSON(w, http.StatusCreated, viewOf(d))
}

func (h *BillingHandlers) activateFree(w http.ResponseWriter, r *http.Request, acc models.Account, plan models.Plan, cycle models.BillingCycle) {
	sub, err := h.Backend.ActivateSubscription(r.Context(), models.SubscriptionActivation{
		AccountID:    acc.ID,
		PlanID:       plan.ID,
		BillingCycle: cycle,
	})
	if err != nil {
		slog.Error("Не удалось активировать бесплатный тариф", "accountID", acc.ID, "planID", plan.ID, "error", err)
		writeError(w, http.StatusBadGateway, "Не удалось сменить тариф. Попробуйте позже.")
		return
	}
	slog.Info("Активирован бесплатный тариф", "accountID", acc.ID, "planID", plan.ID)
	writeJSON(w, http.StatusOK, map[string]any{"state": "activated", "subscription": sub})
}

// onSuccess подтверждает платеж у процессора и применяет его к счету.
// Вебхук может прийти раньше или позже: Apply идемпотентен.
func (h *BillingHandlers) onSuccess(intent models.PaymentIntent, handle models.PaymentHandle) {
	ctx, cancel := context.WithTimeout(context.WithoutCancel(h.ctx), verifyTimeout)
	defer cancel()

	var (
		result reconcile.Result
		err    error
	)
	switch handle.Method {
	case models.PaymentMethodCrypto:
		_, result, err = h.Reconciler.VerifyCrypto(ctx, handle.PaymentID)
	case models.PaymentMethodCard:
		_, result, err = h.Reconciler.VerifyCard(ctx, handle.PaymentID)
	default:
		return
	}
	if err != nil {
		slog.Error("Не удалось подтвердить успешный платеж", "orderID", intent.OrderID, "paymentID", handle.PaymentID, "error", err)
		return
	}
	slog.Info("Платеж подтвержден после опроса", "orderID", intent.OrderID, "invoiceID", intent.InvoiceID, "result", result)
}

func (h *BillingHandlers) dialog(w http.ResponseWriter, r *http.Request, id string) (*billing.Dialog, bool) {
	acc, _ := middleware.AccountFromContext(r.Context())
	d, err := h.Registry.Get(id, acc.ID)
	if err != nil {
		writeUserError(w, r, err)
		return nil, false
	}
	return d, true
}

func (h *BillingHandlers) GetCheckoutHandler(w http.ResponseWriter, r *http.Request) {
	d, ok := h.dialog(w, r, r.PathValue("id"))
	if !ok {
		return
	}
	writeJSON(w, http.StatusOK, viewOf(d))
}

func (h *BillingHandlers) PayHandler(w http.ResponseWriter, r *http.Request) {
	d, ok := h.dialog(w, r, r.PathValue("id"))
	if !ok {
		return
	}
	var form payForm
	if !decodeJSON(w, r, &form) {
		return
	}
	if errs := validation.ValidateStruct(form); len(errs) > 0 {
		writeValidation(w, errs)
		return
	}

	if _, err := d.Submit(r.Context(), models.PaymentMethod(form.Method), strings.ToLower(form.PayCurrency)); err != nil {
		slog.Warn("Не удалось создать платеж", "checkoutID", d.ID, "method", form.Method, "error", err)
		writeDialogError(w, d, err)
		return
	}
	writeJSON(w, http.StatusOK, viewOf(d))
}

// RefreshHandler: ручная проверка статуса. Ошибка процессора не закрывает окно.
func (h *BillingHandlers) RefreshHandler(w http.ResponseWriter, r *http.Request) {
	d, ok := h.dialog(w, r, r.PathValue("id"))
	if !ok {
		return
	}
	if _, err := d.Refresh(r.Context()); err != nil {
		if errors.Is(err, billing.ErrInvalidTransition) || errors.Is(err, billing.ErrRefreshTooFrequent) {
			writeDialogError(w, d, err)
			return
		}
		slog.Warn("Ручная проверка статуса не удалась", "checkoutID", d.ID, "error", err)
	}
	writeJSON(w, http.StatusOK, viewOf(d))
}

func (h *BillingHandlers) RetryHandler(w http.ResponseWriter, r *http.Request) {
	d, ok := h.dialog(w, r, r.PathValue("id"))
	if !ok {
		return
	}
	if err := d.Retry(); err != nil {
		writeDialogError(w, d, err)
		return
	}
	writeJSON(w, http.StatusOK, viewOf(d))
}

func (h *BillingHandlers) CancelHandler(w http.ResponseWriter, r *http.Request) {
	d, ok := h.dialog(w, r, r.PathValue("id"))
	if !ok {
		return
	}
	h.Registry.Remove(d.ID)
	slog.Info("Окно оплаты закрыто пользователем", "checkoutID", d.ID)
	writeJSON(w, http.StatusOK, viewOf(d))
}

func (h *BillingHandlers) QRHandler(w http.ResponseWriter, r *http.Request) {
	d, ok := h.dialog(w, r, r.PathValue("id"))
	if !ok {
		return
	}
	snap := d.Snapshot()
	if snap.Payment == nil {
		writeError(w, http.StatusNotFound, "Платеж еще не создан.")
		return
	}
	png, err := billing.PaymentQR(*snap.Payment, qrSize)
	if err != nil {
		slog.Error("Не удалось построить QR-код", "checkoutID", d.ID, "error", err)
		writeError(w, http.StatusInternalServerError, "Не удалось построить QR-код.")
		return
	}
	w.Header().Set("Content-Type", "image/png")
	w.Header().Set("Cache-Control", "no-store")
	_, _ = w.Write(png)
}

type verifyForm struct {
	Method    string `json:"method" validate:"payment_method"`
	Reference string `json:"reference" validate:"required,max=128"`
}

type verifyResponse struct {
	Result  reconcile.Result     `json:"result"`
	Status  models.PaymentStatus `json:"status,omitempty"`
	OrderID string               `json:"order_id,omitempty"`
	Message string               `json:"message,omitempty"`
}

// ownedIntent находит попытку оплаты по референсу процессора и проверяет владельца.
func (h *BillingHandlers) ownedIntent(ctx context.Context, method models.PaymentMethod, reference, accountID string) (*models.IntentRecord, error) {
	rec, err := h.Intents.GetIntentByOrderID(ctx, reference)
	if errors.Is(err, models.ErrNotFound) && method == models.PaymentMethodCrypto {
		rec, err = h.Intents.GetIntentByPaymentID(ctx, reference)
	}
	if err != nil {
		return nil, err
	}
	if rec.AccountID != accountID {
		return nil, models.ErrNotFound
	}
	return rec, nil
}

func (h *BillingHandlers) verify(ctx context.Context, rec *models.IntentRecord) (*models.Outcome, reconcile.Result, error) {
	if rec.Method == models.PaymentMethodCrypto {
		if rec.PaymentID == "" {
			return nil, "", models.ErrNotFound
		}
		return h.Reconciler.VerifyCrypto(ctx, rec.PaymentID)
	}
	reference := rec.PaymentID
	if reference == "" {
		reference = rec.OrderID
	}
	return h.Reconciler.VerifyCard(ctx, reference)
}

// VerifyHandler: явная проверка платежа по референсу, например после возврата со страницы процессора.
func (h *BillingHandlers) VerifyHandler(w http.ResponseWriter, r *http.Request) {
	acc, _ := middleware.AccountFromContext(r.Context())
	var form verifyForm
	if !decodeJSON(w, r, &form) {
		return
	}
	if errs := validation.ValidateStruct(form); len(errs) > 0 {
		writeValidation(w, errs)
		return
	}

	rec, err := h.ownedIntent(r.Context(), models.PaymentMethod(form.Method), form.Reference, acc.ID)
	if err != nil {
		if errors.Is(err, models.ErrNotFound) {
			writeError(w, http.StatusNotFound, "Платеж не найден.")
			return
		}
		slog.Error("Ошибка поиска попытки оплаты", "reference", form.Reference, "error", err)
		writeError(w, http.StatusInternalServerError, "Ошибка сервера")
		return
	}

	outcome, result, err := h.verify(r.Context(), rec)
	resp := verifyResponse{Result: result, OrderID: rec.OrderID}
	if outcome != nil {
		resp.Status = outcome.Status
	}
	if err != nil {
		status, msg := userMessage(err)
		if status == http.StatusInternalServerError {
			slog.Error("Ошибка проверки платежа", "orderID", rec.OrderID, "error", err)
		}
		resp.Message = msg
		writeJSON(w, status, resp)
		return
	}
	switch result {
	case reconcile.ResultNotSuccessful:
		_, resp.Message = userMessage(models.ErrPollingTimeout)
	case reconcile.ResultConflict:
		resp.Message = "Платеж получен, но требует проверки. Мы свяжемся с вами."
	}
	writeJSON(w, http.StatusOK, resp)
}

// CardCallbackHandler: возврат пользователя со страницы оплаты картой.
func (h *BillingHandlers) CardCallbackHandler(w http.ResponseWriter, r *http.Request) {
	acc, _ := middleware.AccountFromContext(r.Context())
	reference := r.URL.Query().Get("reference")
	if reference == "" {
		reference = r.URL.Query().Get("trxref")
	}
	if reference == "" {
		http.Redirect(w, r, "/billing?payment=unknown", http.StatusSeeOther)
		return
	}

	rec, err := h.ownedIntent(r.Context(), models.PaymentMethodCard, reference, acc.ID)
	if err != nil {
		slog.Warn("Возврат с оплаты картой по неизвестному референсу", "reference", reference, "accountID", acc.ID, "error", err)
		http.Redirect(w, r, "/billing?payment=unknown", http.StatusSeeOther)
		return
	}

	_, result, err := h.Reconciler.VerifyCard(r.Context(), reference)
	status := "pending"
	switch {
	case errors.Is(err, models.ErrVerificationFailed):
		status = "failed"
	case err != nil:
		slog.Warn("Проверка платежа картой не удалась, ждем вебхук", "reference", reference, "error", err)
	case result == reconcile.ResultApplied, result == reconcile.ResultAlreadyApplied:
		status = "paid"
	case result == reconcile.ResultConflict:
		status = "review"
	}
	http.Redirect(w, r, "/billing?order="+rec.OrderID+"&payment="+status, http.StatusSeeOther)
}
