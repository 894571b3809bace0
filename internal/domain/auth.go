package domain

import (
	"github.com/golang-jwt/jwt/v5"
)

// OperatorClaims — полезная нагрузка RS256-токена оператора.
// Выпуск токенов — зона внешнего IdP; координатор только проверяет подпись.
type OperatorClaims struct {
	UserID string          `json:"user_id"`
	Scopes map[string]bool `json:"scopes"` // "operator": true, "audit.read": true
	jwt.RegisteredClaims
}
