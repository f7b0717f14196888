package middleware

import (
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// SignAccessToken 签发访问令牌（HS256）。
func SignAccessToken(secret string, userID uint64, username string, ttl time.Duration) (string, time.Time, error) {
	claims := &Claims{
		UserID:   userID,
		Username: username,
		Type:     "access",
		RegisteredClaims: jwt.RegisteredClaims{
			ExpiresAt: jwt.NewNumericDate(time.Now().Add(ttl)),
		},
	}
	token, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte(secret))
	if err != nil {
		return "", time.Time{}, err
	}
	return token, time.Now().Add(ttl), nil
}
