// internal/models/payment.go
package models

import "time"

type PaymentMethod string

const (
	PaymentMethodCrypto PaymentMethod = "crypto"
	PaymentMethodCard   PaymentMethod = "card"
)

func (m PaymentMethod) Valid() bool {
	return m == PaymentMethodCrypto || m == PaymentMethodCard
}

type BillingCycle string

const (
	BillingCycleMonthly BillingCycle = "monthly"
	BillingCycleAnnual  BillingCycle = "annual"
)

func (c BillingCycle) Valid() bool {
	return c == BillingCycleMonthly || c == BillingCycleAnnual
}

// PaymentType определяет, что оплачивает попытка: выставленный счет или смену тарифа.
type PaymentType string

const (
	PaymentTypeInvoice      PaymentType = "invoice"
	PaymentTypeSubscription PaymentType = "subscription"
)

// PaymentStatus: нормализованный статус, общий для обоих процессоров.
type PaymentStatus string

const (
	PaymentStatusWaiting       PaymentStatus = "waiting"
	PaymentStatusConfirming    PaymentStatus = "confirming"
	PaymentStatusSending       PaymentStatus = "sending"
	PaymentStatusPartiallyPaid PaymentStatus = "partially_paid"
	PaymentStatusConfirmed     PaymentStatus = "confirmed"
	PaymentStatusFinished      PaymentStatus = "finished"
	PaymentStatusFailed        PaymentStatus = "failed"
	PaymentStatusRefunded      PaymentStatus = "refunded"
	PaymentStatusExpired       PaymentStatus = "expired"
)

var knownPaymentStatuses = map[PaymentStatus]bool{
	PaymentStatusWaiting:       true,
	PaymentStatusConfirming:    true,
	PaymentStatusSending:       true,
	PaymentStatusPartiallyPaid: true,
	PaymentStatusConfirmed:     true,
	PaymentStatusFinished:      true,
	PaymentStatusFailed:        true,
	PaymentStatusRefunded:      true,
	PaymentStatusExpired:       true,
}

func (s PaymentStatus) Known() bool {
	return knownPaymentStatuses[s]
}

// IsTerminal сообщает, что процессор больше не изменит статус платежа.
func (s PaymentStatus) IsTerminal() bool {
	switch s {
	case PaymentStatusConfirmed, PaymentStatusFinished, PaymentStatusFailed, PaymentStatusRefunded, PaymentStatusExpired:
		return true
	}
	return false
}

func (s PaymentStatus) IsSuccess() bool {
	return s == PaymentStatusConfirmed || s == PaymentStatusFinished
}

// IsFailure: терминальный, но неуспешный статус.
func (s PaymentStatus) IsFailure() bool {
	return s.IsTerminal() && !s.IsSuccess()
}

// PaymentIntent: одна попытка оплатить счет или тариф. После создания не меняется.
type PaymentIntent struct {
	OrderID      string        `json:"order_id"`
	PlanID       string        `json:"plan_id"`
	BillingCycle BillingCycle  `json:"billing_cycle"`
	Amount       int64         `json:"amount"`
	Currency     string        `json:"currency"`
	Method       PaymentMethod `json:"method"`
	PaymentType  PaymentType   `json:"payment_type"`
	InvoiceID    string        `json:"invoice_id"`
	AccountID    string        `json:"account_id"`
	Email        string        `json:"-"`
	CreatedAt    time.Time     `json:"created_at"`
}

// PaymentRequest: то, что уходит в адаптер процессора.
type PaymentRequest struct {
	Intent      PaymentIntent
	PayCurrency string
	Description string
	CallbackURL string
	SuccessURL  string
	CancelURL   string
}

// PaymentHandle: нормализованный ответ процессора на создание платежа.
// Крипто-поля и карточные поля заполняются в зависимости от Method.
type PaymentHandle struct {
	Method    PaymentMethod `json:"method"`
	PaymentID string        `json:"payment_id"`
	OrderID   string        `json:"order_id"`

	PayAddress  string `json:"pay_address,omitempty"`
	PayAmount   string `json:"pay_amount,omitempty"`
	PayCurrency string `json:"pay_currency,omitempty"`
	PaymentURL  string `json:"payment_url,omitempty"`

	AuthorizationURL string `json:"authorization_url,omitempty"`
	AccessCode       string `json:"access_code,omitempty"`
}

type OutcomeMetadata struct {
	PaymentType  PaymentType  `json:"payment_type,omitempty"`
	InvoiceID    string       `json:"invoice_id,omitempty"`
	AccountID    string       `json:"account_id,omitempty"`
	PlanID       string       `json:"plan_id,omitempty"`
	BillingCycle BillingCycle `json:"billing_cycle,omitempty"`
	OrderID      string       `json:"order_id,omitempty"`
}

// Outcome: результат платежа, сообщенный процессором (вебхук или явная проверка).
// Amount всегда в минимальных единицах валюты.
type Outcome struct {
	Method    PaymentMethod
	Reference string
	OrderID   string
	Status    PaymentStatus
	Amount    int64
	Currency  string
	PaidAt    time.Time
	Metadata  OutcomeMetadata
}

// IntentRecord: локальная запись о попытке оплаты в MySQL.
type IntentRecord struct {
	PaymentIntent
	PaymentID     string
	AbandonedAt   *time.Time
	AbandonReason string
	UpdatedAt     time.Time
}

type AbandonReason string

const (
	AbandonReasonExpired   AbandonReason = "expired"
	AbandonReasonCancelled AbandonReason = "cancelled"
)

// WebhookEvent: входящее уведомление процессора, сохраняемое для дедупликации.
type WebhookEvent struct {
	ID              int64
	Provider        string
	EventID         string
	EventType       string
	Payload         []byte
	SignatureValid  bool
	ReceivedAt      time.Time
	ProcessedAt     *time.Time
	ProcessingError string
}
