// internal/handlers/auth.go
package handlers

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"strings"

	"github.com/alexedwards/scs/v2"

	"oracle-dashboard/internal/middleware"
	"oracle-dashboard/internal/models"
	"oracle-dashboard/internal/oracle"
	"oracle-dashboard/internal/validation"
)

// ProfileSource проверяет API-ключ пользователя в Oracle Engine.
type ProfileSource interface {
	GetProfile(ctx context.Context, apiKey string) (*models.Account, error)
}

type AuthHandlers struct {
	SessionManager *scs.SessionManager
	Profiles       ProfileSource
}

func NewAuthHandlers(sm *scs.SessionManager, profiles ProfileSource) *AuthHandlers {
	return &AuthHandlers{SessionManager: sm, Profiles: profiles}
}

type loginForm struct {
	APIKey string `json:"api_key" validate:"required,max=256"`
}

type sessionResponse struct {
	Account   models.Account `json:"account"`
	CSRFToken string         `json:"csrf_token"`
}

// LoginHandler: вход по API-ключу Oracle Engine. Ключ в сессии не хранится.
func (h *AuthHandlers) LoginHandler(w http.ResponseWriter, r *http.Request) {
	var form loginForm
	if !decodeJSON(w, r, &form) {
		return
	}
	form.APIKey = strings.TrimSpace(form.APIKey)
	if errs := validation.ValidateStruct(form); len(errs) > 0 {
		writeValidation(w, errs)
		return
	}

	acc, err := h.Profiles.GetProfile(r.Context(), form.APIKey)
	if err != nil {
		if errors.Is(err, oracle.ErrUnauthorized) {
			slog.Warn("Неудачная попытка входа по API-ключу", "ip", middleware.ClientIP(r))
			writeError(w, http.StatusUnauthorized, "Неверный API-ключ.")
			return
		}
		slog.Error("Ошибка получения профиля при входе", "error", err)
		writeError(w, http.StatusBadGateway, "Сервис аккаунтов временно недоступен.")
		return
	}

	if err := middleware.SaveAccount(r.Context(), h.SessionManager, *acc); err != nil {
		slog.Error("Ошибка обновления токена сессии", "error", err)
		writeError(w, http.StatusInternalServerError, "Ошибка сервера")
		return
	}
	slog.Info("Пользователь вошел", "accountID", acc.ID)
	writeJSON(w, http.StatusOK, sessionResponse{Account: *acc, CSRFToken: middleware.CSRFToken(r)})
}

func (h *AuthHandlers) LogoutHandler(w http.ResponseWriter, r *http.Request) {
	accountID := h.SessionManager.GetString(r.Context(), middleware.AccountIDSessionKey)
	if err := h.SessionManager.Destroy(r.Context()); err != nil {
		slog.Error("Ошибка удаления сессии при выходе", "error", err)
		writeError(w, http.StatusInternalServerError, "Ошибка сервера")
		return
	}
	slog.Info("Пользователь вышел", "accountID", accountID)
	writeJSON(w, http.StatusOK, map[string]bool{"ok": true})
}

// MeHandler отдает аккаунт текущей сессии и CSRF-токен для последующих POST.
func (h *AuthHandlers) MeHandler(w http.ResponseWriter, r *http.Request) {
	acc, ok := middleware.AccountFromContext(r.Context())
	if !ok {
		writeError(w, http.StatusUnauthorized, "Требуется вход по API-ключу.")
		return
	}
	writeJSON(w, http.StatusOK, sessionResponse{Account: acc, CSRFToken: middleware.CSRFToken(r)})
}

// CSRFHandler выдает токен до входа: POST /api/login тоже проходит через nosurf.
func (h *AuthHandlers) CSRFHandler(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Cache-Control", "no-store")
	writeJSON(w, http.StatusOK, map[string]string{"csrf_token": middleware.CSRFToken(r)})
}
