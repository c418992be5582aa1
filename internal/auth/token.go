package auth

import (
	"crypto/sha256"
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

type Claims struct {
	Sub  string `json:"sub"`
	Name string `json:"name"`
	Role string `json:"role"`
	JTI  string `json:"jti"`
	Exp  int64  `json:"exp"`
}

var (
	ErrInvalidToken = errors.New("invalid token")
	ErrExpiredToken = errors.New("expired token")
)

type jwtClaims struct {
	Name string `json:"name"`
	Role string `json:"role"`
	jwt.RegisteredClaims
}

func IssueToken(secret []byte, claims Claims) (string, error) {
	if claims.Sub == "" || claims.JTI == "" || claims.Exp == 0 {
		return "", ErrInvalidToken
	}
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, jwtClaims{
		Name: claims.Name,
		Role: claims.Role,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   claims.Sub,
			ID:        claims.JTI,
			IssuedAt:  jwt.NewNumericDate(time.Now()),
			ExpiresAt: jwt.NewNumericDate(time.Unix(claims.Exp, 0)),
		},
	})
	signed, err := token.SignedString(secret)
	if err != nil {
		return "", fmt.Errorf("sign token: %w", err)
	}
	return signed, nil
}

func ParseToken(secret []byte, token string) (Claims, error) {
	parsed, err := jwt.ParseWithClaims(token, &jwtClaims{}, func(t *jwt.Token) (interface{}, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, ErrInvalidToken
		}
		return secret, nil
	}, jwt.WithExpirationRequired())
	if err != nil {
		if errors.Is(err, jwt.ErrTokenExpired) {
			return Claims{}, ErrExpiredToken
		}
		return Claims{}, ErrInvalidToken
	}

	registered, ok := parsed.Claims.(*jwtClaims)
	if !ok || !parsed.Valid {
		return Claims{}, ErrInvalidToken
	}
	if registered.Subject == "" || registered.Name == "" || registered.ID == "" {
		return Claims{}, ErrInvalidToken
	}
	return Claims{
		Sub:  registered.Subject,
		Name: registered.Name,
		Role: registered.Role,
		JTI:  registered.ID,
		Exp:  registered.ExpiresAt.Unix(),
	}, nil
}

func HashToken(value string) string {
	sum := sha256.Sum256([]byte(value))
	return fmt.Sprintf("%x", sum)
}
