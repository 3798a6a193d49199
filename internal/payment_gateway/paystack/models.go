package paystack

import (
	"bytes"
	"encoding/json"
	"strconv"
)

// Структуры запросов и ответов API Paystack. Суммы всегда в минимальных единицах (kobo, cents).

type envelope[T any] struct {
	Status  bool   `json:"status"`
	Message string `json:"message"`
	Data    T      `json:"data"`
}

type InitializeRequest struct {
	Email       string   `json:"email"`
	Amount      string   `json:"amount"`
	Currency    string   `json:"currency,omitempty"`
	Reference   string   `json:"reference"`
	CallbackURL string   `json:"callback_url,omitempty"`
	Metadata    Metadata `json:"metadata"`
}

type Metadata struct {
	PaymentType  string `json:"payment_type,omitempty"`
	InvoiceID    string `json:"invoice_id,omitempty"`
	AccountID    string `json:"account_id,omitempty"`
	PlanID       string `json:"plan_id,omitempty"`
	BillingCycle string `json:"billing_cycle,omitempty"`
	OrderID      string `json:"order_id,omitempty"`
}

type InitializeData struct {
	AuthorizationURL string `json:"authorization_url"`
	AccessCode       string `json:"access_code"`
	Reference        string `json:"reference"`
}

// Transaction: data из /transaction/verify и из вебхука charge.*
type Transaction struct {
	ID        int64         `json:"id"`
	Status    string        `json:"status"`
	Reference string        `json:"reference"`
	Amount    flexInt       `json:"amount"`
	Currency  string        `json:"currency"`
	PaidAt    string        `json:"paid_at"`
	Metadata  flexMetadata  `json:"metadata"`
	Customer  *CustomerInfo `json:"customer,omitempty"`
}

type CustomerInfo struct {
	Email string `json:"email"`
}

type WebhookPayload struct {
	Event string      `json:"event"`
	Data  Transaction `json:"data"`
}

// flexMetadata: Paystack возвращает metadata объектом, JSON-строкой или пустой строкой.
type flexMetadata struct {
	Metadata
}

func (m *flexMetadata) UnmarshalJSON(data []byte) error {
	data = bytes.TrimSpace(data)
	if len(data) == 0 || bytes.Equal(data, []byte("null")) {
		return nil
	}
	if data[0] == '"' {
		var s string
		if err := json.Unmarshal(data, &s); err != nil {
			return err
		}
		if s == "" {
			return nil
		}
		data = []byte(s)
	}
	if data[0] != '{' {
		return nil
	}
	return json.Unmarshal(data, &m.Metadata)
}

type flexInt int64

func (n *flexInt) UnmarshalJSON(data []byte) error {
	data = bytes.TrimSpace(data)
	if bytes.Equal(data, []byte("null")) {
		return nil
	}
	if len(data) > 0 && data[0] == '"' {
		var s string
		if err := json.Unmarshal(data, &s); err != nil {
			return err
		}
		data = []byte(s)
	}
	v, err := strconv.ParseInt(string(data), 10, 64)
	if err != nil {
		return err
	}
	*n = flexInt(v)
	return nil
}
