package nowpayments

import (
	"bytes"
	"encoding/json"
)

// Структуры запросов и ответов API NOWPayments

// CreatePaymentRequest: тело POST /payment. price_amount передается в основных единицах.
type CreatePaymentRequest struct {
	PriceAmount      json.Number `json:"price_amount"`
	PriceCurrency    string      `json:"price_currency"`
	PayCurrency      string      `json:"pay_currency"`
	OrderID          string      `json:"order_id"`
	OrderDescription string      `json:"order_description,omitempty"`
	IPNCallbackURL   string      `json:"ipn_callback_url,omitempty"`
	SuccessURL       string      `json:"success_url,omitempty"`
	CancelURL        string      `json:"cancel_url,omitempty"`
}

// PaymentResponse: ответ на создание платежа и на GET /payment/{id}.
// payment_id приходит то строкой, то числом.
type PaymentResponse struct {
	PaymentID      flexString  `json:"payment_id"`
	PaymentStatus  string      `json:"payment_status"`
	PayAddress     string      `json:"pay_address"`
	PayAmount      json.Number `json:"pay_amount"`
	PayCurrency    string      `json:"pay_currency"`
	PriceAmount    json.Number `json:"price_amount"`
	PriceCurrency  string      `json:"price_currency"`
	OrderID        string      `json:"order_id"`
	ActuallyPaid   json.Number `json:"actually_paid"`
	InvoiceURL     string      `json:"invoice_url"`
	PayinExtraID   string      `json:"payin_extra_id"`
	ExpirationDate string      `json:"expiration_estimate_date"`
	CreatedAt      string      `json:"created_at"`
	UpdatedAt      string      `json:"updated_at"`
}

// IPNPayload: тело уведомления на ipn_callback_url.
type IPNPayload struct {
	PaymentID     flexString  `json:"payment_id"`
	PaymentStatus string      `json:"payment_status"`
	PayAddress    string      `json:"pay_address"`
	PriceAmount   json.Number `json:"price_amount"`
	PriceCurrency string      `json:"price_currency"`
	PayAmount     json.Number `json:"pay_amount"`
	ActuallyPaid  json.Number `json:"actually_paid"`
	PayCurrency   string      `json:"pay_currency"`
	OrderID       string      `json:"order_id"`
	UpdatedAt     json.Number `json:"updated_at"`
}

type merchantCoinsResponse struct {
	SelectedCurrencies []string `json:"selectedCurrencies"`
}

type currenciesResponse struct {
	Currencies []string `json:"currencies"`
}

// ErrorResponse: тело ответа с ошибкой
type ErrorResponse struct {
	StatusCode int    `json:"statusCode"`
	Code       string `json:"code"`
	Message    string `json:"message"`
}

type flexString string

func (s *flexString) UnmarshalJSON(data []byte) error {
	data = bytes.TrimSpace(data)
	if bytes.Equal(data, []byte("null")) {
		*s = ""
		return nil
	}
	if len(data) > 0 && data[0] == '"' {
		var v string
		if err := json.Unmarshal(data, &v); err != nil {
			return err
		}
		*s = flexString(v)
		return nil
	}
	var n json.Number
	if err := json.Unmarshal(data, &n); err != nil {
		return err
	}
	*s = flexString(n.String())
	return nil
}

func (s flexString) String() string { return string(s) }
