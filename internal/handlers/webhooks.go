// internal/handlers/webhooks.go
package handlers

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"net/http"

	"oracle-dashboard/internal/models"
	"oracle-dashboard/internal/payment_gateway/nowpayments"
	"oracle-dashboard/internal/payment_gateway/paystack"
	"oracle-dashboard/internal/reconcile"
)

const maxWebhookBody = 1 << 20

type webhookFunc func(ctx context.Context, body []byte, signature string) (reconcile.Result, error)

// NowPaymentsWebhookHandler принимает IPN. Сессия и CSRF здесь не используются, только подпись.
func (h *BillingHandlers) NowPaymentsWebhookHandler(w http.ResponseWriter, r *http.Request) {
	h.webhook(w, r, "nowpayments", nowpayments.SignatureHeader, h.Reconciler.HandleCryptoIPN)
}

func (h *BillingHandlers) PaystackWebhookHandler(w http.ResponseWriter, r *http.Request) {
	h.webhook(w, r, "paystack", paystack.SignatureHeader, h.Reconciler.HandleCardWebhook)
}

// webhook отвечает 200 всегда, когда обработка завершилась, даже если счет не изменился.
// Неизвестный счет тоже 200: повторная доставка ничего не исправит, ошибка остается в журнале.
func (h *BillingHandlers) webhook(w http.ResponseWriter, r *http.Request, provider, sigHeader string, handle webhookFunc) {
	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxWebhookBody))
	if err != nil {
		slog.Warn("Не удалось прочитать тело вебхука", "provider", provider, "error", err)
		http.Error(w, "bad request", http.StatusBadRequest)
		return
	}

	result, err := handle(r.Context(), body, r.Header.Get(sigHeader))
	switch {
	case errors.Is(err, models.ErrInvalidSignature):
		slog.Warn("Вебхук с неверной подписью", "provider", provider, "ip", r.RemoteAddr)
		http.Error(w, "invalid signature", http.StatusUnauthorized)
		return
	case errors.Is(err, models.ErrNotFound):
		slog.Warn("Вебхук по неизвестному счету", "provider", provider, "error", err)
	case err != nil:
		slog.Error("Ошибка обработки вебхука", "provider", provider, "error", err)
		http.Error(w, "processing failed", http.StatusInternalServerError)
		return
	default:
		slog.Debug("Ответ на вебхук", "provider", provider, "result", result)
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok", "result": string(result)})
}
