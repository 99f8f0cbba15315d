package auth

import (
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// Claims is the token body the authenticator issues and verifies.
type Claims struct {
	Username string `json:"username"`
	jwt.RegisteredClaims
}

// Authenticator verifies the principal behind an upgrade request.
// A (nil, nil) return means the request carried no credentials and the
// session is anonymous; whether that is acceptable is the consumer's
// decision.
type Authenticator interface {
	Authenticate(r *http.Request) (User, error)
}

// JWTManager signs and verifies HS256 session tokens. Tokens ride the
// `token` query parameter (the usual WebSocket shape, since browsers
// cannot set headers on upgrade) with an Authorization Bearer fallback.
type JWTManager struct {
	secretKey     []byte
	tokenDuration time.Duration
}

func NewJWTManager(secretKey string, tokenDuration time.Duration) *JWTManager {
	return &JWTManager{
		secretKey:     []byte(secretKey),
		tokenDuration: tokenDuration,
	}
}

// Generate creates a token for the given principal.
func (m *JWTManager) Generate(userPk int64, username string) (string, error) {
	now := time.Now()
	claims := &Claims{
		Username: username,
		RegisteredClaims: jwt.RegisteredClaims{
			ExpiresAt: jwt.NewNumericDate(now.Add(m.tokenDuration)),
			IssuedAt:  jwt.NewNumericDate(now),
			NotBefore: jwt.NewNumericDate(now),
			Issuer:    "channels-envelope",
			Subject:   strconv.FormatInt(userPk, 10),
		},
	}
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	return token.SignedString(m.secretKey)
}

// Verify validates the token and returns its claims.
func (m *JWTManager) Verify(tokenString string) (*Claims, error) {
	token, err := jwt.ParseWithClaims(
		tokenString,
		&Claims{},
		func(token *jwt.Token) (interface{}, error) {
			if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
				return nil, fmt.Errorf("unexpected signing method: %v", token.Header["alg"])
			}
			return m.secretKey, nil
		},
	)
	if err != nil {
		return nil, fmt.Errorf("invalid token: %w", err)
	}
	claims, ok := token.Claims.(*Claims)
	if !ok || !token.Valid {
		return nil, errors.New("invalid token claims")
	}
	return claims, nil
}

// Authenticate implements Authenticator. Requests with no token at all
// yield an anonymous (nil, nil) result; a present but invalid token is
// an error.
func (m *JWTManager) Authenticate(r *http.Request) (User, error) {
	tokenString := extractToken(r)
	if tokenString == "" {
		return nil, nil
	}
	claims, err := m.Verify(tokenString)
	if err != nil {
		return nil, err
	}
	pk, err := strconv.ParseInt(claims.Subject, 10, 64)
	if err != nil {
		return nil, fmt.Errorf("invalid token subject %q: %w", claims.Subject, err)
	}
	return TokenUser{ID: pk, Name: claims.Username}, nil
}

func extractToken(r *http.Request) string {
	if token := r.URL.Query().Get("token"); token != "" {
		return token
	}
	const bearerPrefix = "Bearer "
	if h := r.Header.Get("Authorization"); strings.HasPrefix(h, bearerPrefix) {
		return strings.TrimPrefix(h, bearerPrefix)
	}
	return ""
}
