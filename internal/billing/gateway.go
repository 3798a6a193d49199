// internal/billing/gateway.go
package billing

import (
	"context"
	"errors"

	"oracle-dashboard/internal/models"
)

var (
	ErrFreePlan            = errors.New("billing: plan is free, no payment required")
	ErrUnknownPlan         = errors.New("billing: unknown plan")
	ErrInvoiceNotPayable   = errors.New("billing: invoice is not payable")
	ErrMethodNotSupported  = errors.New("billing: payment method not configured")
	ErrInvalidTransition   = errors.New("billing: action not allowed in current dialog state")
	ErrRefreshTooFrequent  = errors.New("billing: status refresh requested too often")
	ErrPaymentWindowClosed = errors.New("billing: payment window expired")
	ErrPaymentFailed       = errors.New("billing: payment failed")
	ErrDialogNotFound      = errors.New("billing: checkout not found")
)

// Gateway: общий контракт адаптеров процессоров.
type Gateway interface {
	Method() models.PaymentMethod
	CreatePayment(ctx context.Context, req models.PaymentRequest) (*models.PaymentHandle, error)
	GetStatus(ctx context.Context, handle models.PaymentHandle) (models.PaymentStatus, error)
}

// CurrencyLister реализуют процессоры, у которых пользователь выбирает валюту оплаты.
type CurrencyLister interface {
	Currencies(ctx context.Context) ([]string, error)
}

// IntentStore: локальный журнал попыток оплаты.
type IntentStore interface {
	CreateIntent(ctx context.Context, intent models.PaymentIntent) error
	AttachPaymentID(ctx context.Context, orderID, paymentID string) error
	MarkIntentAbandoned(ctx context.Context, orderID string, reason models.AbandonReason) error
}

// InvoiceSource: часть Oracle Engine, нужная фабрике намерений.
type InvoiceSource interface {
	GetInvoice(ctx context.Context, id string) (*models.Invoice, error)
	CreateInvoice(ctx context.Context, draft models.InvoiceDraft) (*models.Invoice, error)
}
