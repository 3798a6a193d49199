// internal/oracle/client.go
package oracle

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/go-resty/resty/v2"

	"oracle-dashboard/internal/models"
)

var ErrUnauthorized = errors.New("oracle: invalid api key")

// Client: HTTP-клиент бэкенда Oracle Engine (профили, счета, подписки).
// Служебные запросы подписываются сервисным ключом, профиль: ключом пользователя.
type Client struct {
	http *resty.Client
}

func NewClient(baseURL, serviceKey string, timeout time.Duration) *Client {
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	httpClient := resty.New().
		SetBaseURL(strings.TrimSuffix(baseURL, "/")).
		SetHeader("X-API-Key", serviceKey).
		SetHeader("Accept", "application/json").
		SetTimeout(timeout)
	return &Client{http: httpClient}
}

type apiError struct {
	Error   string `json:"error"`
	Message string `json:"message"`
}

type statusUpdate struct {
	Status         models.InvoiceStatus `json:"status"`
	PaymentID      string               `json:"payment_id"`
	PaidAt         time.Time            `json:"paid_at"`
	ExpectedStatus models.InvoiceStatus `json:"expected_status"`
}

func (c *Client) GetProfile(ctx context.Context, apiKey string) (*models.Account, error) {
	var acc models.Account
	resp, err := c.http.R().SetContext(ctx).SetHeader("X-API-Key", apiKey).SetResult(&acc).Get("/profile")
	if err := check(resp, err, "get profile"); err != nil {
		if resp != nil && (resp.StatusCode() == http.StatusUnauthorized || resp.StatusCode() == http.StatusForbidden) {
			return nil, ErrUnauthorized
		}
		return nil, err
	}
	return &acc, nil
}

func (c *Client) GetInvoice(ctx context.Context, id string) (*models.Invoice, error) {
	var inv models.Invoice
	resp, err := c.http.R().SetContext(ctx).SetResult(&inv).Get("/invoices/" + url.PathEscape(id))
	if err := check(resp, err, "get invoice"); err != nil {
		return nil, err
	}
	return &inv, nil
}

func (c *Client) ListInvoices(ctx context.Context, accountID string) ([]models.Invoice, error) {
	var list struct {
		Invoices []models.Invoice `json:"invoices"`
	}
	resp, err := c.http.R().SetContext(ctx).SetQueryParam("account_id", accountID).SetResult(&list).Get("/invoices")
	if err := check(resp, err, "list invoices"); err != nil {
		return nil, err
	}
	return list.Invoices, nil
}

func (c *Client) CreateInvoice(ctx context.Context, draft models.InvoiceDraft) (*models.Invoice, error) {
	var inv models.Invoice
	resp, err := c.http.R().SetContext(ctx).SetBody(draft).SetResult(&inv).Post("/invoices")
	if err := check(resp, err, "create invoice"); err != nil {
		return nil, err
	}
	return &inv, nil
}

// FindOpenInvoice: последний неоплаченный счет аккаунта за тариф. (nil, ErrNotFound), если такого нет.
func (c *Client) FindOpenInvoice(ctx context.Context, accountID, planID string) (*models.Invoice, error) {
	var inv models.Invoice
	resp, err := c.http.R().SetContext(ctx).
		SetQueryParams(map[string]string{"account_id": accountID, "plan_id": planID}).
		SetResult(&inv).
		Get("/invoices/open")
	if err := check(resp, err, "find open invoice"); err != nil {
		return nil, err
	}
	return &inv, nil
}

// MarkInvoicePaid: compare-and-set pending -> paid. Проигранная гонка (409) возвращает ErrReconciliationConflict.
func (c *Client) MarkInvoicePaid(ctx context.Context, id, paymentID string, paidAt time.Time) error {
	body := statusUpdate{
		Status:         models.InvoiceStatusPaid,
		PaymentID:      paymentID,
		PaidAt:         paidAt.UTC(),
		ExpectedStatus: models.InvoiceStatusPending,
	}
	resp, err := c.http.R().SetContext(ctx).SetBody(body).Put("/invoices/" + url.PathEscape(id) + "/status")
	return check(resp, err, "update invoice status")
}

func (c *Client) ActivateSubscription(ctx context.Context, req models.SubscriptionActivation) (*models.Subscription, error) {
	var sub models.Subscription
	resp, err := c.http.R().SetContext(ctx).SetBody(req).SetResult(&sub).Post("/subscriptions/activate")
	if err := check(resp, err, "activate subscription"); err != nil {
		return nil, err
	}
	return &sub, nil
}

func (c *Client) GetSubscription(ctx context.Context, accountID string) (*models.Subscription, error) {
	var sub models.Subscription
	resp, err := c.http.R().SetContext(ctx).SetResult(&sub).Get("/subscriptions/" + url.PathEscape(accountID))
	if err := check(resp, err, "get subscription"); err != nil {
		return nil, err
	}
	return &sub, nil
}

func check(resp *resty.Response, err error, op string) error {
	if err != nil {
		return fmt.Errorf("oracle: %s: %w", op, err)
	}
	if !resp.IsError() {
		return nil
	}
	msg := strings.TrimSpace(resp.String())
	switch resp.StatusCode() {
	case http.StatusNotFound:
		return fmt.Errorf("oracle: %s: %w", op, models.ErrNotFound)
	case http.StatusConflict:
		return fmt.Errorf("oracle: %s: %w", op, models.ErrReconciliationConflict)
	}
	return fmt.Errorf("oracle: %s: http %d: %s", op, resp.StatusCode(), msg)
}
