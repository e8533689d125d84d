package web

import (
	"crypto/subtle"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
)

func (s *Server) authorizeRequest(r *http.Request) bool {
	if s.cfg.Token == "" && s.tokens == nil {
		return true
	}

	if s.cfg.Token != "" {
		queryToken := strings.TrimSpace(r.URL.Query().Get("token"))
		if queryToken != "" && secureEqual(queryToken, s.cfg.Token) {
			return true
		}
	}

	headerToken := bearerToken(r.Header.Get("Authorization"))
	if headerToken == "" {
		return false
	}
	if s.cfg.Token != "" && secureEqual(headerToken, s.cfg.Token) {
		return true
	}
	if s.tokens != nil {
		if _, err := s.tokens.Validate(headerToken); err == nil {
			return true
		}
	}
	return false
}

func bearerToken(authHeader string) string {
	authHeader = strings.TrimSpace(authHeader)
	if authHeader == "" {
		return ""
	}

	const bearerPrefix = "Bearer "
	if !strings.HasPrefix(authHeader, bearerPrefix) {
		return ""
	}

	token := strings.TrimSpace(strings.TrimPrefix(authHeader, bearerPrefix))
	if token == "" {
		return ""
	}
	return token
}

func secureEqual(a, b string) bool {
	return subtle.ConstantTimeCompare([]byte(a), []byte(b)) == 1
}

// tokenService issues short-lived bearer tokens for projection clients so
// the static API token never has to live in a browser.
type tokenService struct {
	secretKey []byte
	ttl       time.Duration
}

type clientClaims struct {
	ClientID string `json:"clientId"`
	jwt.RegisteredClaims
}

func newTokenService(secret string) *tokenService {
	return &tokenService{
		secretKey: []byte(secret),
		ttl:       24 * time.Hour,
	}
}

// Issue signs a new client token. The client id is generated server-side.
func (t *tokenService) Issue() (token, clientID string, expiresAt time.Time, err error) {
	now := time.Now()
	expiresAt = now.Add(t.ttl)
	clientID = uuid.NewString()

	claims := clientClaims{
		ClientID: clientID,
		RegisteredClaims: jwt.RegisteredClaims{
			ExpiresAt: jwt.NewNumericDate(expiresAt),
			IssuedAt:  jwt.NewNumericDate(now),
			NotBefore: jwt.NewNumericDate(now),
			Issuer:    "notimirror",
			Subject:   clientID,
			ID:        uuid.NewString(),
		},
	}

	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(t.secretKey)
	if err != nil {
		return "", "", time.Time{}, err
	}
	return signed, clientID, expiresAt, nil
}

// Validate parses and verifies a client token.
func (t *tokenService) Validate(tokenString string) (*clientClaims, error) {
	token, err := jwt.ParseWithClaims(tokenString, &clientClaims{}, func(token *jwt.Token) (interface{}, error) {
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, errors.New("invalid signing method")
		}
		return t.secretKey, nil
	})
	if err != nil {
		return nil, err
	}

	if claims, ok := token.Claims.(*clientClaims); ok && token.Valid {
		return claims, nil
	}
	return nil, errors.New("invalid token")
}
