// Package middleware содержит HTTP middleware движка расчётов.
package middleware

import (
	"crypto/subtle"
	"net/http"
)

const adminSecretHeader = "X-Admin-Secret"

// AdminAuth проверяет статический операторский секрет в заголовке запроса.
// Эндпоинты движка — внутренние, ими пользуются операторы, не мерчанты.
type AdminAuth struct {
	secret string
}

// NewAdminAuth создаёт middleware с указанным секретом. Пустой секрет
// означает, что админ-эндпоинты выключены.
func NewAdminAuth(secret string) *AdminAuth {
	return &AdminAuth{secret: secret}
}

// Middleware отклоняет запросы без корректного заголовка X-Admin-Secret.
func (a *AdminAuth) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if a.secret == "" {
			http.Error(w, "admin endpoints are disabled: ADMIN_INTERNAL_SECRET is not set", http.StatusServiceUnavailable)
			return
		}

		provided := r.Header.Get(adminSecretHeader)
		if subtle.ConstantTimeCompare([]byte(provided), []byte(a.secret)) != 1 {
			http.Error(w, http.StatusText(http.StatusUnauthorized), http.StatusUnauthorized)
			return
		}

		next.ServeHTTP(w, r)
	})
}
