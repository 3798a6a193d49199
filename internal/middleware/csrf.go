// internal/middleware/csrf.go
package middleware

import (
	"log/slog"
	"net/http"

	"github.com/justinas/nosurf"
)

// NoSurfMiddleware обеспечивает CSRF-защиту браузерных маршрутов.
// Пути из exempt (вебхуки процессоров) проверку не проходят.
func NoSurfMiddleware(next http.Handler, isProduction bool, exempt ...string) http.Handler {
	csrfHandler := nosurf.New(next)
	csrfHandler.ExemptPaths(exempt...)

	csrfHandler.SetBaseCookie(http.Cookie{
		HttpOnly: true,
		Path:     "/",
		Secure:   isProduction,
		SameSite: http.SameSiteLaxMode,
	})

	csrfHandler.SetFailureHandler(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		slog.Warn("Неудачная проверка CSRF токена", "path", r.URL.Path, "method", r.Method, "reason", nosurf.Reason(r))
		http.Error(w, "Ошибка безопасности: Неверный или отсутствующий CSRF токен.", http.StatusForbidden)
	}))

	return csrfHandler
}

// CSRFToken: токен для текущего запроса, отдается фронтенду в заголовке.
func CSRFToken(r *http.Request) string {
	return nosurf.Token(r)
}
