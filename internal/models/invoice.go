// internal/models/invoice.go
package models

import "time"

type InvoiceStatus string

const (
	InvoiceStatusPending InvoiceStatus = "pending"
	InvoiceStatusPaid    InvoiceStatus = "paid"
	InvoiceStatusFailed  InvoiceStatus = "failed"
	InvoiceStatusVoid    InvoiceStatus = "void"
)

func (s InvoiceStatus) IsTerminal() bool {
	return s == InvoiceStatusPaid || s == InvoiceStatusFailed || s == InvoiceStatusVoid
}

// CanTransition разрешает только pending -> {paid, failed, void}.
// Закрытый счет никогда не открывается заново.
func (s InvoiceStatus) CanTransition(to InvoiceStatus) bool {
	return s == InvoiceStatusPending && to.IsTerminal()
}

type InvoiceMetadata struct {
	PlanID         string        `json:"plan_id,omitempty"`
	BillingCycle   BillingCycle  `json:"billing_cycle,omitempty"`
	PaymentMethod  PaymentMethod `json:"payment_method,omitempty"`
	SubscriptionID string        `json:"subscription_id,omitempty"`
	CreatedFrom    string        `json:"created_from,omitempty"`
}

type Invoice struct {
	ID            string          `json:"id"`
	InvoiceNumber string          `json:"invoice_number"`
	AccountID     string          `json:"account_id"`
	Amount        int64           `json:"amount"`
	Currency      string          `json:"currency"`
	Status        InvoiceStatus   `json:"status"`
	Metadata      InvoiceMetadata `json:"metadata"`
	DueDate       time.Time       `json:"due_date"`
	IssuedAt      time.Time       `json:"issued_at"`
	PaidAt        *time.Time      `json:"paid_at,omitempty"`
	PaymentID     string          `json:"payment_id,omitempty"`
}

// InvoiceDraft: данные для выставления нового счета при смене тарифа.
type InvoiceDraft struct {
	AccountID string          `json:"account_id"`
	Amount    int64           `json:"amount"`
	Currency  string          `json:"currency"`
	Metadata  InvoiceMetadata `json:"metadata"`
}

// Plan: тариф из конфигурации. Цены в минимальных единицах.
type Plan struct {
	ID            string `yaml:"id" json:"id"`
	Name          string `yaml:"name" json:"name"`
	MonthlyAmount int64  `yaml:"monthly_amount" json:"monthly_amount"`
	AnnualAmount  int64  `yaml:"annual_amount" json:"annual_amount"`
	Currency      string `yaml:"currency" json:"currency"`
	RequestsLimit int64  `yaml:"requests_limit" json:"requests_limit"`
}

func (p Plan) Price(cycle BillingCycle) int64 {
	if cycle == BillingCycleAnnual {
		return p.AnnualAmount
	}
	return p.MonthlyAmount
}

func (p Plan) IsFree(cycle BillingCycle) bool {
	return p.Price(cycle) == 0
}
