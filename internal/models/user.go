// internal/models/user.go
package models

import "time"

type SubscriptionStatus string

const (
	SubscriptionStatusActive   SubscriptionStatus = "active"
	SubscriptionStatusInactive SubscriptionStatus = "inactive"
	SubscriptionStatusPastDue  SubscriptionStatus = "past_due"
	SubscriptionStatusCanceled SubscriptionStatus = "canceled"
)

// Account: профиль клиента, который хранит Oracle Engine.
type Account struct {
	ID     string `json:"id"`
	Email  string `json:"email"`
	Name   string `json:"name"`
	PlanID string `json:"plan_id,omitempty"`
}

type Subscription struct {
	AccountID          string             `json:"account_id"`
	PlanID             string             `json:"plan_id"`
	BillingCycle       BillingCycle       `json:"billing_cycle"`
	Status             SubscriptionStatus `json:"status"`
	CurrentPeriodStart time.Time          `json:"current_period_start"`
	CurrentPeriodEnd   time.Time          `json:"current_period_end"`
	LastPaymentID      string             `json:"last_payment_id,omitempty"`
}

// SubscriptionActivation: запрос на активацию или продление подписки после оплаты.
type SubscriptionActivation struct {
	AccountID    string       `json:"account_id"`
	PlanID       string       `json:"plan_id"`
	BillingCycle BillingCycle `json:"billing_cycle"`
	PaymentID    string       `json:"payment_id,omitempty"`
	InvoiceID    string       `json:"invoice_id,omitempty"`
}
