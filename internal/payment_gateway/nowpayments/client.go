package nowpayments

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha512"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/go-resty/resty/v2"
	"github.com/shopspring/decimal"

	"oracle-dashboard/internal/models"
	"oracle-dashboard/internal/money"
)

const processorName = "nowpayments"

// SignatureHeader: заголовок с подписью IPN.
const SignatureHeader = "x-nowpayments-sig"

// Client для взаимодействия с API NOWPayments (криптовалютные платежи)
type Client struct {
	http      *resty.Client
	ipnSecret string
	now       func() time.Time
}

// NewClient создает новый экземпляр клиента. baseURL включает версию API, например https://api.nowpayments.io/v1
func NewClient(baseURL, apiKey, ipnSecret string) *Client {
	httpClient := resty.New().
		SetBaseURL(strings.TrimSuffix(baseURL, "/")).
		SetHeader("x-api-key", apiKey).
		SetHeader("Accept", "application/json").
		SetTimeout(15 * time.Second)

	return &Client{http: httpClient, ipnSecret: ipnSecret, now: time.Now}
}

func (c *Client) Method() models.PaymentMethod { return models.PaymentMethodCrypto }

// CreatePayment создает платеж и возвращает адрес и сумму для перевода
func (c *Client) CreatePayment(ctx context.Context, req models.PaymentRequest) (*models.PaymentHandle, error) {
	intent := req.Intent
	body := CreatePaymentRequest{
		PriceAmount:      json.Number(money.FormatMajor(intent.Amount, intent.Currency)),
		PriceCurrency:    strings.ToLower(intent.Currency),
		PayCurrency:      strings.ToLower(req.PayCurrency),
		OrderID:          intent.OrderID,
		OrderDescription: req.Description,
		IPNCallbackURL:   req.CallbackURL,
		SuccessURL:       req.SuccessURL,
		CancelURL:        req.CancelURL,
	}
	if body.PayCurrency == "" {
		return nil, &models.ProcessorError{Kind: models.ErrProcessorRejected, Processor: processorName, Message: "pay_currency is required"}
	}

	var payment PaymentResponse
	if err := c.do(ctx, http.MethodPost, "/payment", body, &payment); err != nil {
		return nil, err
	}
	if payment.PaymentID == "" || payment.PayAddress == "" {
		return nil, &models.ProcessorError{Kind: models.ErrProcessorUnavailable, Processor: processorName, Message: "payment_id or pay_address missing in response"}
	}

	return &models.PaymentHandle{
		Method:      models.PaymentMethodCrypto,
		PaymentID:   payment.PaymentID.String(),
		OrderID:     intent.OrderID,
		PayAddress:  payment.PayAddress,
		PayAmount:   payment.PayAmount.String(),
		PayCurrency: strings.ToUpper(payment.PayCurrency),
		PaymentURL:  payment.InvoiceURL,
	}, nil
}

// GetStatus запрашивает нормализованный статус платежа
func (c *Client) GetStatus(ctx context.Context, handle models.PaymentHandle) (models.PaymentStatus, error) {
	payment, err := c.getPayment(ctx, handle.PaymentID)
	if err != nil {
		return "", err
	}
	return normalizeStatus(payment.PaymentStatus)
}

// Lookup возвращает результат платежа для явной сверки
func (c *Client) Lookup(ctx context.Context, paymentID string) (*models.Outcome, error) {
	payment, err := c.getPayment(ctx, paymentID)
	if err != nil {
		return nil, err
	}
	status, err := normalizeStatus(payment.PaymentStatus)
	if err != nil {
		return nil, err
	}
	amount, err := parseMinor(payment.PriceAmount, payment.PriceCurrency)
	if err != nil {
		return nil, err
	}
	return &models.Outcome{
		Method:    models.PaymentMethodCrypto,
		Reference: payment.PaymentID.String(),
		OrderID:   payment.OrderID,
		Status:    status,
		Amount:    amount,
		Currency:  strings.ToUpper(payment.PriceCurrency),
		PaidAt:    c.now(),
		Metadata:  models.OutcomeMetadata{OrderID: payment.OrderID},
	}, nil
}

// Currencies возвращает криптовалюты, включенные у мерчанта. Если список мерчанта пуст: все доступные.
func (c *Client) Currencies(ctx context.Context) ([]string, error) {
	var coins merchantCoinsResponse
	if err := c.do(ctx, http.MethodGet, "/merchant/coins", nil, &coins); err == nil && len(coins.SelectedCurrencies) > 0 {
		return upper(coins.SelectedCurrencies), nil
	}

	var all currenciesResponse
	if err := c.do(ctx, http.MethodGet, "/currencies", nil, &all); err != nil {
		return nil, err
	}
	return upper(all.Currencies), nil
}

// ParseIPN проверяет подпись уведомления и превращает его в Outcome.
// Подпись: hex HMAC-SHA512 от JSON с отсортированными ключами, ключ: IPN secret.
func (c *Client) ParseIPN(body []byte, signature string) (*models.Outcome, error) {
	if !c.validSignature(body, signature) {
		return nil, models.ErrInvalidSignature
	}

	var ipn IPNPayload
	if err := json.Unmarshal(body, &ipn); err != nil {
		return nil, fmt.Errorf("nowpayments: failed to decode ipn: %w", err)
	}
	status, err := normalizeStatus(ipn.PaymentStatus)
	if err != nil {
		return nil, err
	}
	amount, err := parseMinor(ipn.PriceAmount, ipn.PriceCurrency)
	if err != nil {
		return nil, err
	}

	paidAt := c.now()
	if ms, err := ipn.UpdatedAt.Int64(); err == nil && ms > 0 {
		paidAt = time.UnixMilli(ms)
	}

	return &models.Outcome{
		Method:    models.PaymentMethodCrypto,
		Reference: ipn.PaymentID.String(),
		OrderID:   ipn.OrderID,
		Status:    status,
		Amount:    amount,
		Currency:  strings.ToUpper(ipn.PriceCurrency),
		PaidAt:    paidAt,
		Metadata:  models.OutcomeMetadata{OrderID: ipn.OrderID},
	}, nil
}

// IPNEventID: ключ дедупликации: каждый статус платежа приходит отдельным уведомлением.
func IPNEventID(outcome *models.Outcome) string {
	return outcome.Reference + ":" + string(outcome.Status)
}

func (c *Client) validSignature(body []byte, signature string) bool {
	if c.ipnSecret == "" || signature == "" {
		return false
	}
	canonical, err := sortedJSON(body)
	if err != nil {
		return false
	}
	mac := hmac.New(sha512.New, []byte(c.ipnSecret))
	mac.Write(canonical)
	expected := hex.EncodeToString(mac.Sum(nil))
	return hmac.Equal([]byte(expected), []byte(strings.ToLower(strings.TrimSpace(signature))))
}

// sortedJSON пересериализует тело с сортировкой ключей на всех уровнях.
// encoding/json сортирует ключи map, json.Number сохраняет запись чисел как есть.
func sortedJSON(body []byte) ([]byte, error) {
	dec := json.NewDecoder(bytes.NewReader(body))
	dec.UseNumber()
	var v any
	if err := dec.Decode(&v); err != nil {
		return nil, err
	}
	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetEscapeHTML(false)
	if err := enc.Encode(v); err != nil {
		return nil, err
	}
	return bytes.TrimRight(buf.Bytes(), "\n"), nil
}

func (c *Client) getPayment(ctx context.Context, paymentID string) (*PaymentResponse, error) {
	if paymentID == "" {
		return nil, &models.ProcessorError{Kind: models.ErrProcessorRejected, Processor: processorName, Message: "empty payment id"}
	}
	var payment PaymentResponse
	if err := c.do(ctx, http.MethodGet, "/payment/"+url.PathEscape(paymentID), nil, &payment); err != nil {
		return nil, err
	}
	return &payment, nil
}

// do выполняет запрос. Тело ответа разбирается вручную: NOWPayments не всегда
// присылает Content-Type application/json.
func (c *Client) do(ctx context.Context, method, endpoint string, in, out any) error {
	req := c.http.R().SetContext(ctx)
	if in != nil {
		req.SetHeader("Content-Type", "application/json").SetBody(in)
	}

	resp, err := req.Execute(method, endpoint)
	if err != nil {
		return models.TransportError(processorName, err)
	}
	respBody := resp.Body()

	if resp.StatusCode() < 200 || resp.StatusCode() >= 300 {
		var apiErr ErrorResponse
		msg := strings.TrimSpace(string(respBody))
		if json.Unmarshal(respBody, &apiErr) == nil && apiErr.Message != "" {
			msg = apiErr.Message
		}
		return models.StatusError(processorName, resp.StatusCode(), msg)
	}

	if err := json.Unmarshal(respBody, out); err != nil {
		return &models.ProcessorError{Kind: models.ErrProcessorUnavailable, Processor: processorName, StatusCode: resp.StatusCode(), Message: "malformed response", Err: err}
	}
	return nil
}

func normalizeStatus(raw string) (models.PaymentStatus, error) {
	status := models.PaymentStatus(strings.ToLower(raw))
	if !status.Known() {
		return "", &models.ProcessorError{Kind: models.ErrProcessorUnavailable, Processor: processorName, Message: "unknown payment_status " + strconv.Quote(raw)}
	}
	return status, nil
}

func parseMinor(amount json.Number, currency string) (int64, error) {
	if amount == "" {
		return 0, nil
	}
	d, err := decimal.NewFromString(amount.String())
	if err != nil {
		return 0, fmt.Errorf("nowpayments: invalid price_amount %q: %w", amount, err)
	}
	return money.ToMinor(d, currency), nil
}

func upper(in []string) []string {
	out := make([]string, 0, len(in))
	for _, s := range in {
		out = append(out, strings.ToUpper(s))
	}
	return out
}
