// internal/billing/intent.go
package billing

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"

	"oracle-dashboard/internal/models"
)

// IntentRef: что оплачиваем: существующий счет или тариф.
type IntentRef struct {
	InvoiceID string `json:"invoice_id,omitempty"`
	PlanID    string `json:"plan_id,omitempty"`
}

// IntentFactory создает PaymentIntent с новым order_id на каждую попытку.
type IntentFactory struct {
	plans    map[string]models.Plan
	invoices InvoiceSource
	baseURL  string
	now      func() time.Time
}

func NewIntentFactory(plans []models.Plan, invoices InvoiceSource, baseURL string) *IntentFactory {
	byID := make(map[string]models.Plan, len(plans))
	for _, p := range plans {
		byID[p.ID] = p
	}
	return &IntentFactory{
		plans:    byID,
		invoices: invoices,
		baseURL:  strings.TrimSuffix(baseURL, "/"),
		now:      time.Now,
	}
}

func NewOrderID() string {
	return "ord_" + uuid.NewString()
}

func (f *IntentFactory) Plan(id string) (models.Plan, bool) {
	p, ok := f.plans[id]
	return p, ok
}

// NewIntent создает намерение оплаты. Для тарифа сначала выставляется счет в Oracle Engine,
// и ref дополняется его ID, чтобы повторные попытки оплачивали тот же счет.
// Бесплатный тариф возвращает ErrFreePlan: процессор не нужен.
func (f *IntentFactory) NewIntent(ctx context.Context, ref *IntentRef, method models.PaymentMethod, cycle models.BillingCycle, account models.Account) (models.PaymentIntent, error) {
	if !method.Valid() {
		return models.PaymentIntent{}, fmt.Errorf("%w: %q", ErrMethodNotSupported, method)
	}

	intent := models.PaymentIntent{
		OrderID:   NewOrderID(),
		Method:    method,
		AccountID: account.ID,
		Email:     account.Email,
		CreatedAt: f.now(),
	}

	if ref.InvoiceID != "" {
		inv, err := f.invoices.GetInvoice(ctx, ref.InvoiceID)
		if err != nil {
			return models.PaymentIntent{}, fmt.Errorf("получение счета %s: %w", ref.InvoiceID, err)
		}
		if inv.AccountID != account.ID || inv.Status != models.InvoiceStatusPending {
			return models.PaymentIntent{}, fmt.Errorf("%w: %s (%s)", ErrInvoiceNotPayable, inv.ID, inv.Status)
		}
		if inv.Amount <= 0 {
			return models.PaymentIntent{}, ErrFreePlan
		}

		intent.InvoiceID = inv.ID
		intent.Amount = inv.Amount
		intent.Currency = strings.ToUpper(inv.Currency)
		intent.PlanID = inv.Metadata.PlanID
		intent.BillingCycle = inv.Metadata.BillingCycle
		intent.PaymentType = models.PaymentTypeInvoice
		if inv.Metadata.CreatedFrom == string(models.PaymentTypeSubscription) {
			intent.PaymentType = models.PaymentTypeSubscription
		}
		return intent, nil
	}

	plan, ok := f.plans[ref.PlanID]
	if !ok {
		return models.PaymentIntent{}, fmt.Errorf("%w: %q", ErrUnknownPlan, ref.PlanID)
	}
	if !cycle.Valid() {
		return models.PaymentIntent{}, fmt.Errorf("billing: invalid billing cycle %q", cycle)
	}
	if plan.IsFree(cycle) {
		return models.PaymentIntent{}, ErrFreePlan
	}

	inv, err := f.invoices.CreateInvoice(ctx, models.InvoiceDraft{
		AccountID: account.ID,
		Amount:    plan.Price(cycle),
		Currency:  strings.ToUpper(plan.Currency),
		Metadata: models.InvoiceMetadata{
			PlanID:        plan.ID,
			BillingCycle:  cycle,
			PaymentMethod: method,
			CreatedFrom:   string(models.PaymentTypeSubscription),
		},
	})
	if err != nil {
		return models.PaymentIntent{}, fmt.Errorf("выставление счета за тариф %s: %w", plan.ID, err)
	}
	slog.Info("Выставлен счет за смену тарифа", "invoiceID", inv.ID, "accountID", account.ID, "planID", plan.ID, "cycle", cycle)
	ref.InvoiceID = inv.ID

	intent.InvoiceID = inv.ID
	intent.PlanID = plan.ID
	intent.BillingCycle = cycle
	intent.Amount = inv.Amount
	intent.Currency = strings.ToUpper(inv.Currency)
	intent.PaymentType = models.PaymentTypeSubscription
	return intent, nil
}

// Request собирает запрос к процессору с адресами возврата и уведомлений.
func (f *IntentFactory) Request(intent models.PaymentIntent, payCurrency string) models.PaymentRequest {
	req := models.PaymentRequest{
		Intent:      intent,
		PayCurrency: payCurrency,
		Description: describe(intent),
	}
	switch intent.Method {
	case models.PaymentMethodCrypto:
		req.CallbackURL = f.baseURL + "/api/billing/webhook/nowpayments"
		req.SuccessURL = f.baseURL + "/billing?order=" + intent.OrderID
		req.CancelURL = f.baseURL + "/billing?order=" + intent.OrderID
	case models.PaymentMethodCard:
		req.CallbackURL = f.baseURL + "/billing/card/callback"
	}
	return req
}

func describe(intent models.PaymentIntent) string {
	if intent.PlanID != "" {
		return fmt.Sprintf("Oracle Engine %s (%s)", intent.PlanID, intent.BillingCycle)
	}
	return "Oracle Engine invoice " + intent.InvoiceID
}
