// internal/middleware/auth.go
package middleware

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"strings"

	"github.com/alexedwards/scs/v2"

	"oracle-dashboard/internal/models"
)

type contextKey string

// Ключи сессии и контекста. Аккаунт хранится в сессии целиком после входа по API-ключу.
const (
	AccountIDSessionKey    = "accountID"
	AccountEmailSessionKey = "accountEmail"
	AccountNameSessionKey  = "accountName"
	AccountPlanSessionKey  = "accountPlan"

	AccountContextKey contextKey = "account"
)

// SaveAccount кладет аккаунт в сессию и обновляет токен сессии.
func SaveAccount(ctx context.Context, sm *scs.SessionManager, acc models.Account) error {
	if err := sm.RenewToken(ctx); err != nil {
		return err
	}
	sm.Put(ctx, AccountIDSessionKey, acc.ID)
	sm.Put(ctx, AccountEmailSessionKey, acc.Email)
	sm.Put(ctx, AccountNameSessionKey, acc.Name)
	sm.Put(ctx, AccountPlanSessionKey, acc.PlanID)
	return nil
}

func sessionAccount(ctx context.Context, sm *scs.SessionManager) (models.Account, bool) {
	id := sm.GetString(ctx, AccountIDSessionKey)
	if id == "" {
		return models.Account{}, false
	}
	return models.Account{
		ID:     id,
		Email:  sm.GetString(ctx, AccountEmailSessionKey),
		Name:   sm.GetString(ctx, AccountNameSessionKey),
		PlanID: sm.GetString(ctx, AccountPlanSessionKey),
	}, true
}

// AccountFromContext возвращает аккаунт, положенный RequireAuthentication.
func AccountFromContext(ctx context.Context) (models.Account, bool) {
	acc, ok := ctx.Value(AccountContextKey).(models.Account)
	return acc, ok
}

// WithAccount кладет аккаунт в контекст (используется и в тестах обработчиков).
func WithAccount(ctx context.Context, acc models.Account) context.Context {
	return context.WithValue(ctx, AccountContextKey, acc)
}

// RequireAuthentication пропускает только вошедших пользователей.
// Для /api отвечает 401 в JSON, для страниц перенаправляет на вход.
func RequireAuthentication(sessionManager *scs.SessionManager) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			acc, ok := sessionAccount(r.Context(), sessionManager)
			if !ok {
				slog.Warn("Access denied: user not authenticated", "path", r.URL.Path)
				if strings.HasPrefix(r.URL.Path, "/api/") {
					w.Header().Set("Content-Type", "application/json; charset=utf-8")
					w.WriteHeader(http.StatusUnauthorized)
					_ = json.NewEncoder(w).Encode(map[string]string{"error": "Требуется вход по API-ключу."})
					return
				}
				http.Redirect(w, r, "/login", http.StatusSeeOther)
				return
			}
			next.ServeHTTP(w, r.WithContext(WithAccount(r.Context(), acc)))
		})
	}
}
