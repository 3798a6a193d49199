package paystack

import (
	"context"
	"crypto/hmac"
	"crypto/sha512"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/go-resty/resty/v2"

	"oracle-dashboard/internal/models"
)

const processorName = "paystack"

// SignatureHeader: заголовок с подписью вебхука.
const SignatureHeader = "x-paystack-signature"

// Client для взаимодействия с API Paystack (карты и банковские переводы)
type Client struct {
	http      *resty.Client
	secretKey string
	now       func() time.Time
}

// NewClient создает клиента. Повторы запросов отключены: повторяет только поллер.
func NewClient(baseURL, secretKey string) *Client {
	httpClient := resty.New().
		SetBaseURL(strings.TrimSuffix(baseURL, "/")).
		SetAuthToken(secretKey).
		SetHeader("Accept", "application/json").
		SetTimeout(15 * time.Second)

	return &Client{http: httpClient, secretKey: secretKey, now: time.Now}
}

func (c *Client) Method() models.PaymentMethod { return models.PaymentMethodCard }

// CreatePayment инициализирует транзакцию. Референс транзакции: наш order_id.
func (c *Client) CreatePayment(ctx context.Context, req models.PaymentRequest) (*models.PaymentHandle, error) {
	intent := req.Intent
	if intent.Email == "" {
		return nil, &models.ProcessorError{Kind: models.ErrProcessorRejected, Processor: processorName, Message: "customer email is required"}
	}

	body := InitializeRequest{
		Email:       intent.Email,
		Amount:      strconv.FormatInt(intent.Amount, 10),
		Currency:    strings.ToUpper(intent.Currency),
		Reference:   intent.OrderID,
		CallbackURL: req.CallbackURL,
		Metadata: Metadata{
			PaymentType:  string(intent.PaymentType),
			InvoiceID:    intent.InvoiceID,
			AccountID:    intent.AccountID,
			PlanID:       intent.PlanID,
			BillingCycle: string(intent.BillingCycle),
			OrderID:      intent.OrderID,
		},
	}

	var result envelope[InitializeData]
	if err := c.send(ctx, c.http.R().SetBody(body).SetResult(&result), "POST", "/transaction/initialize"); err != nil {
		return nil, err
	}
	if !result.Status || result.Data.AuthorizationURL == "" {
		return nil, &models.ProcessorError{Kind: models.ErrProcessorRejected, Processor: processorName, Message: result.Message}
	}

	reference := result.Data.Reference
	if reference == "" {
		reference = intent.OrderID
	}
	return &models.PaymentHandle{
		Method:           models.PaymentMethodCard,
		PaymentID:        reference,
		OrderID:          intent.OrderID,
		AuthorizationURL: result.Data.AuthorizationURL,
		AccessCode:       result.Data.AccessCode,
	}, nil
}

// GetStatus: статус через /transaction/verify
func (c *Client) GetStatus(ctx context.Context, handle models.PaymentHandle) (models.PaymentStatus, error) {
	tx, err := c.verify(ctx, handle.PaymentID)
	if err != nil {
		return "", err
	}
	return normalizeStatus(tx.Status)
}

// Verify возвращает результат транзакции по референсу
func (c *Client) Verify(ctx context.Context, reference string) (*models.Outcome, error) {
	tx, err := c.verify(ctx, reference)
	if err != nil {
		return nil, err
	}
	return c.outcome(tx)
}

// ParseWebhook проверяет подпись (hex HMAC-SHA512 сырого тела, ключ: secret key)
// и возвращает id события для дедупликации, его тип и результат.
func (c *Client) ParseWebhook(body []byte, signature string) (eventID, eventType string, outcome *models.Outcome, err error) {
	if !c.validSignature(body, signature) {
		return "", "", nil, models.ErrInvalidSignature
	}
	var payload WebhookPayload
	if err := json.Unmarshal(body, &payload); err != nil {
		return "", "", nil, fmt.Errorf("paystack: failed to decode webhook: %w", err)
	}
	if payload.Data.Reference == "" {
		return "", "", nil, fmt.Errorf("paystack: webhook %q without reference", payload.Event)
	}

	eventID = fmt.Sprintf("%s:%d:%s", payload.Event, payload.Data.ID, payload.Data.Reference)
	if !strings.HasPrefix(payload.Event, "charge.") {
		return eventID, payload.Event, nil, nil
	}
	outcome, err = c.outcome(&payload.Data)
	return eventID, payload.Event, outcome, err
}

func (c *Client) validSignature(body []byte, signature string) bool {
	if c.secretKey == "" || signature == "" {
		return false
	}
	mac := hmac.New(sha512.New, []byte(c.secretKey))
	mac.Write(body)
	expected := hex.EncodeToString(mac.Sum(nil))
	return hmac.Equal([]byte(expected), []byte(strings.ToLower(strings.TrimSpace(signature))))
}

func (c *Client) verify(ctx context.Context, reference string) (*Transaction, error) {
	if reference == "" {
		return nil, &models.ProcessorError{Kind: models.ErrProcessorRejected, Processor: processorName, Message: "empty reference"}
	}
	var result envelope[Transaction]
	if err := c.send(ctx, c.http.R().SetResult(&result), "GET", "/transaction/verify/"+url.PathEscape(reference)); err != nil {
		return nil, err
	}
	if !result.Status {
		return nil, &models.ProcessorError{Kind: models.ErrProcessorRejected, Processor: processorName, Message: result.Message}
	}
	return &result.Data, nil
}

func (c *Client) send(ctx context.Context, req *resty.Request, method, endpoint string) error {
	var apiErr envelope[json.RawMessage]
	resp, err := req.SetContext(ctx).SetError(&apiErr).Execute(method, endpoint)
	if err != nil {
		return models.TransportError(processorName, err)
	}
	if resp.IsError() {
		msg := apiErr.Message
		if msg == "" {
			msg = strings.TrimSpace(resp.String())
		}
		return models.StatusError(processorName, resp.StatusCode(), msg)
	}
	return nil
}

func (c *Client) outcome(tx *Transaction) (*models.Outcome, error) {
	status, err := normalizeStatus(tx.Status)
	if err != nil {
		return nil, err
	}
	paidAt := c.now()
	if tx.PaidAt != "" {
		if t, err := time.Parse(time.RFC3339, tx.PaidAt); err == nil {
			paidAt = t
		}
	}
	md := tx.Metadata.Metadata
	orderID := md.OrderID
	if orderID == "" {
		orderID = tx.Reference
	}
	return &models.Outcome{
		Method:    models.PaymentMethodCard,
		Reference: tx.Reference,
		OrderID:   orderID,
		Status:    status,
		Amount:    int64(tx.Amount),
		Currency:  strings.ToUpper(tx.Currency),
		PaidAt:    paidAt,
		Metadata: models.OutcomeMetadata{
			PaymentType:  models.PaymentType(md.PaymentType),
			InvoiceID:    md.InvoiceID,
			AccountID:    md.AccountID,
			PlanID:       md.PlanID,
			BillingCycle: models.BillingCycle(md.BillingCycle),
			OrderID:      orderID,
		},
	}, nil
}

var statusMap = map[string]models.PaymentStatus{
	"success":    models.PaymentStatusFinished,
	"failed":     models.PaymentStatusFailed,
	"reversed":   models.PaymentStatusRefunded,
	"abandoned":  models.PaymentStatusWaiting,
	"ongoing":    models.PaymentStatusWaiting,
	"pending":    models.PaymentStatusWaiting,
	"processing": models.PaymentStatusConfirming,
	"queued":     models.PaymentStatusConfirming,
}

func normalizeStatus(raw string) (models.PaymentStatus, error) {
	status, ok := statusMap[strings.ToLower(raw)]
	if !ok {
		return "", &models.ProcessorError{Kind: models.ErrProcessorUnavailable, Processor: processorName, Message: "unknown transaction status " + strconv.Quote(raw)}
	}
	return status, nil
}
