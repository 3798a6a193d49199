// internal/handlers/respond.go
package handlers

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"net/url"

	"oracle-dashboard/internal/billing"
	"oracle-dashboard/internal/models"
	"oracle-dashboard/internal/oracle"
)

const maxJSONBody = 64 << 10

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		slog.Error("Ошибка кодирования JSON ответа", "error", err)
	}
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}

func writeValidation(w http.ResponseWriter, errs url.Values) {
	writeJSON(w, http.StatusUnprocessableEntity, map[string]any{
		"error":  "Проверьте правильность заполнения полей.",
		"fields": errs,
	})
}

// decodeJSON читает тело запроса в dst. Ответ об ошибке уже отправлен, если вернулось false.
func decodeJSON(w http.ResponseWriter, r *http.Request, dst any) bool {
	r.Body = http.MaxBytesReader(w, r.Body, maxJSONBody)
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	if err := dec.Decode(dst); err != nil {
		slog.Warn("Некорректное тело запроса", "path", r.URL.Path, "error", err)
		writeError(w, http.StatusBadRequest, "Некорректный формат запроса.")
		return false
	}
	return true
}

// userMessage переводит ошибку в HTTP-статус и сообщение для пользователя.
// Таймаут опроса не считается ошибкой оплаты.
func userMessage(err error) (int, string) {
	var procErr *models.ProcessorError
	switch {
	case errors.Is(err, billing.ErrDialogNotFound):
		return http.StatusNotFound, "Окно оплаты не найдено или уже закрыто."
	case errors.Is(err, billing.ErrInvalidTransition):
		return http.StatusConflict, "Действие недоступно на текущем шаге оплаты."
	case errors.Is(err, billing.ErrRefreshTooFrequent):
		return http.StatusTooManyRequests, "Статус уже проверяется, подождите несколько секунд."
	case errors.Is(err, billing.ErrPaymentWindowClosed):
		return http.StatusGone, "Время на оплату истекло. Если вы уже отправили платеж, он будет зачислен автоматически."
	case errors.Is(err, billing.ErrFreePlan):
		return http.StatusBadRequest, "Этот тариф бесплатный, оплата не требуется."
	case errors.Is(err, billing.ErrUnknownPlan):
		return http.StatusBadRequest, "Неизвестный тариф."
	case errors.Is(err, billing.ErrInvoiceNotPayable):
		return http.StatusConflict, "Счет уже оплачен или закрыт."
	case errors.Is(err, billing.ErrMethodNotSupported):
		return http.StatusBadRequest, "Этот способ оплаты сейчас недоступен."
	case errors.Is(err, billing.ErrPaymentFailed):
		return http.StatusPaymentRequired, "Платеж не прошел. Можно попробовать снова."
	case errors.Is(err, models.ErrPollingTimeout):
		return http.StatusAccepted, "Платеж еще обрабатывается. Проверьте почту или страницу счетов позже."
	case errors.Is(err, models.ErrVerificationFailed):
		return http.StatusPaymentRequired, "Платеж отклонен платежной системой."
	case errors.Is(err, models.ErrProcessorRejected):
		msg := "Платежная система отклонила запрос."
		if errors.As(err, &procErr) && procErr.Message != "" {
			msg += " " + procErr.Message
		}
		return http.StatusUnprocessableEntity, msg
	case errors.Is(err, models.ErrProcessorTimeout):
		return http.StatusGatewayTimeout, "Платежная система не ответила вовремя. Попробуйте еще раз."
	case errors.Is(err, models.ErrProcessorUnavailable):
		return http.StatusServiceUnavailable, "Платежная система временно недоступна. Попробуйте позже."
	case errors.Is(err, oracle.ErrUnauthorized):
		return http.StatusUnauthorized, "Неверный API-ключ."
	case errors.Is(err, models.ErrNotFound):
		return http.StatusNotFound, "Не найдено."
	}
	return http.StatusInternalServerError, "Внутренняя ошибка сервера."
}

func writeUserError(w http.ResponseWriter, r *http.Request, err error) {
	status, msg := userMessage(err)
	if status >= http.StatusInternalServerError && status != http.StatusServiceUnavailable && status != http.StatusGatewayTimeout {
		slog.Error("Ошибка обработки запроса", "path", r.URL.Path, "error", err)
	}
	writeError(w, status, msg)
}
