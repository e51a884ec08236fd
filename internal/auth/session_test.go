package auth

import (
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/PortNumber53/writgo/internal/apperr"
	"github.com/PortNumber53/writgo/internal/models"
	"github.com/golang-jwt/jwt/v5"
	"golang.org/x/crypto/bcrypt"
)

func TestIssueAndResolve_Bearer(t *testing.T) {
	s := NewSessions([]byte("secret"), time.Hour)
	tok, exp, err := s.Issue(models.Identity{AccountID: "a1", Email: "a@x.test", Role: models.RoleAdmin})
	if err != nil {
		t.Fatalf("Issue: %v", err)
	}
	if exp.Before(time.Now()) {
		t.Fatalf("expiry in the past: %s", exp)
	}

	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.Header.Set("Authorization", "Bearer "+tok)
	id, err := s.Resolve(req)
	if err != nil {
		t.Fatalf("Resolve: %v", err)
	}
	if id.AccountID != "a1" || id.Email != "a@x.test" || !id.IsAdmin() {
		t.Fatalf("unexpected identity %+v", id)
	}
}

func TestResolve_Cookie(t *testing.T) {
	s := NewSessions([]byte("secret"), time.Hour)
	tok, _, _ := s.Issue(models.Identity{AccountID: "a2"})

	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.AddCookie(&http.Cookie{Name: SessionCookie, Value: tok})
	id, err := s.Resolve(req)
	if err != nil {
		t.Fatalf("Resolve: %v", err)
	}
	if id.AccountID != "a2" || id.Role != models.RoleClient {
		t.Fatalf("unexpected identity %+v", id)
	}
}

func TestResolve_MissingToken(t *testing.T) {
	s := NewSessions([]byte("secret"), time.Hour)
	_, err := s.Resolve(httptest.NewRequest(http.MethodGet, "/", nil))
	if !apperr.IsKind(err, apperr.KindAuthentication) {
		t.Fatalf("expected authentication error, got %v", err)
	}
	if !errors.Is(err, ErrNoToken) {
		t.Fatalf("expected ErrNoToken in chain, got %v", err)
	}
}

func TestValidate_WrongSecret(t *testing.T) {
	a := NewSessions([]byte("one"), time.Hour)
	b := NewSessions([]byte("two"), time.Hour)
	tok, _, _ := a.Issue(models.Identity{AccountID: "a1"})
	if _, err := b.Validate(tok); !errors.Is(err, ErrInvalidToken) {
		t.Fatalf("expected ErrInvalidToken, got %v", err)
	}
}

func TestValidate_Expired(t *testing.T) {
	s := NewSessions([]byte("secret"), time.Minute)
	s.now = func() time.Time { return time.Now().Add(-2 * time.Hour) }
	tok, _, _ := s.Issue(models.Identity{AccountID: "a1"})
	s.now = time.Now
	if _, err := s.Validate(tok); !errors.Is(err, ErrExpiredToken) {
		t.Fatalf("expected ErrExpiredToken, got %v", err)
	}
}

func TestValidate_RejectsNoneAlgorithm(t *testing.T) {
	s := NewSessions([]byte("secret"), time.Hour)
	claims := &Claims{AccountID: "a1", RegisteredClaims: jwt.RegisteredClaims{
		ExpiresAt: jwt.NewNumericDate(time.Now().Add(time.Hour)),
	}}
	tok, err := jwt.NewWithClaims(jwt.SigningMethodNone, claims).SignedString(jwt.UnsafeAllowNoneSignatureType)
	if err != nil {
		t.Fatalf("sign none: %v", err)
	}
	if _, err := s.Validate(tok); !errors.Is(err, ErrInvalidToken) {
		t.Fatalf("expected ErrInvalidToken, got %v", err)
	}
}

func TestTokenFromRequest_NonBearerHeaderIgnoresCookie(t *testing.T) {
	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.Header.Set("Authorization", "Basic abc")
	req.AddCookie(&http.Cookie{Name: SessionCookie, Value: "tok"})
	if got := TokenFromRequest(req); got != "" {
		t.Fatalf("expected empty token, got %q", got)
	}
}

func TestPasswordHashing(t *testing.T) {
	hash, err := HashPassword("correct horse", bcrypt.MinCost)
	if err != nil {
		t.Fatalf("HashPassword: %v", err)
	}
	if !CheckPassword("correct horse", hash) {
		t.Fatalf("expected password to match")
	}
	if CheckPassword("wrong", hash) {
		t.Fatalf("expected mismatch")
	}
}
