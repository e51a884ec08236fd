package auth

import (
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/PortNumber53/writgo/internal/apperr"
	"github.com/PortNumber53/writgo/internal/models"
	"github.com/golang-jwt/jwt/v5"
)

// SessionCookie is the cookie the web client stores the session token in.
const SessionCookie = "writgo_session"

var (
	ErrInvalidToken = errors.New("invalid session token")
	ErrExpiredToken = errors.New("session token expired")
	ErrNoToken      = errors.New("no session token")
)

// Claims is the JWT payload of a session.
type Claims struct {
	AccountID string `json:"account_id"`
	Email     string `json:"email"`
	Role      string `json:"role"`
	jwt.RegisteredClaims
}

// Sessions issues and resolves HS256 session tokens.
type Sessions struct {
	secret []byte
	ttl    time.Duration
	now    func() time.Time
}

func NewSessions(secret []byte, ttl time.Duration) *Sessions {
	if ttl <= 0 {
		ttl = 7 * 24 * time.Hour
	}
	return &Sessions{secret: secret, ttl: ttl, now: time.Now}
}

// Issue signs a session token for id.
func (s *Sessions) Issue(id models.Identity) (string, time.Time, error) {
	now := s.now()
	exp := now.Add(s.ttl)
	claims := &Claims{
		AccountID: id.AccountID,
		Email:     id.Email,
		Role:      id.Role,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   id.AccountID,
			ExpiresAt: jwt.NewNumericDate(exp),
			IssuedAt:  jwt.NewNumericDate(now),
		},
	}
	token, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(s.secret)
	if err != nil {
		return "", time.Time{}, fmt.Errorf("sign session: %w", err)
	}
	return token, exp, nil
}

// Validate parses a token and returns its identity.
func (s *Sessions) Validate(token string) (models.Identity, error) {
	parsed, err := jwt.ParseWithClaims(token, &Claims{}, func(t *jwt.Token) (interface{}, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", t.Header["alg"])
		}
		return s.secret, nil
	}, jwt.WithTimeFunc(s.now))
	if err != nil {
		if errors.Is(err, jwt.ErrTokenExpired) {
			return models.Identity{}, ErrExpiredToken
		}
		return models.Identity{}, ErrInvalidToken
	}
	claims, ok := parsed.Claims.(*Claims)
	if !ok || !parsed.Valid || claims.AccountID == "" {
		return models.Identity{}, ErrInvalidToken
	}
	role := claims.Role
	if role == "" {
		role = models.RoleClient
	}
	return models.Identity{AccountID: claims.AccountID, Email: claims.Email, Role: role}, nil
}

// Resolve extracts the caller identity from the Authorization bearer token or
// the session cookie. Failures are AuthenticationErrors.
func (s *Sessions) Resolve(r *http.Request) (models.Identity, error) {
	token := TokenFromRequest(r)
	if token == "" {
		return models.Identity{}, &apperr.Error{Kind: apperr.KindAuthentication, Message: "unauthorized", Err: ErrNoToken}
	}
	id, err := s.Validate(token)
	if err != nil {
		return models.Identity{}, &apperr.Error{Kind: apperr.KindAuthentication, Message: "unauthorized", Err: err}
	}
	return id, nil
}

// TokenFromRequest returns the bearer token, falling back to the session cookie.
func TokenFromRequest(r *http.Request) string {
	if h := strings.TrimSpace(r.Header.Get("Authorization")); h != "" {
		parts := strings.SplitN(h, " ", 2)
		if len(parts) == 2 && strings.EqualFold(parts[0], "Bearer") {
			return strings.TrimSpace(parts[1])
		}
		return ""
	}
	if c, err := r.Cookie(SessionCookie); err == nil {
		return strings.TrimSpace(c.Value)
	}
	return ""
}

// SessionCookieFor builds the cookie handed out at login.
func SessionCookieFor(token string, expires time.Time, secure bool) *http.Cookie {
	return &http.Cookie{
		Name:     SessionCookie,
		Value:    token,
		Path:     "/",
		Expires:  expires,
		HttpOnly: true,
		Secure:   secure,
		SameSite: http.SameSiteLaxMode,
	}
}
