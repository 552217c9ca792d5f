package auth

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/golang-jwt/jwt/v4"
)

func TestResolveRawKey(t *testing.T) {
	a := New(map[string]string{"secret-1": "acme"})
	project, ok := a.Resolve("secret-1")
	if !ok || project != "acme" {
		t.Errorf("Resolve() = (%q, %v), want (acme, true)", project, ok)
	}
}

func TestResolveUnknownKey(t *testing.T) {
	a := New(map[string]string{"secret-1": "acme"})
	if _, ok := a.Resolve("not-a-key"); ok {
		t.Error("Resolve() = true for an unknown key")
	}
}

func TestResolveEmptyToken(t *testing.T) {
	a := New(map[string]string{"secret-1": "acme"})
	if _, ok := a.Resolve(""); ok {
		t.Error("Resolve() = true for an empty token")
	}
}

func TestResolveJWT(t *testing.T) {
	secret := []byte("test-secret")
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.MapClaims{"project": "Acme"})
	signed, err := token.SignedString(secret)
	if err != nil {
		t.Fatalf("SignedString: %v", err)
	}

	a := &Authenticator{Keys: map[string]string{}, JWTSecret: secret}
	project, ok := a.Resolve(signed)
	if !ok || project != "acme" {
		t.Errorf("Resolve() = (%q, %v), want (acme, true)", project, ok)
	}
}

func TestBearerToken(t *testing.T) {
	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.Header.Set("Authorization", "Bearer abc123")
	if got := BearerToken(req); got != "abc123" {
		t.Errorf("BearerToken() = %q, want abc123", got)
	}
}

func TestMiddlewareRejectsMissingToken(t *testing.T) {
	a := New(map[string]string{"secret-1": "acme"})
	handler := Middleware(a)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		t.Error("handler should not run without a valid token")
	}))

	req := httptest.NewRequest(http.MethodPost, "/ingest/app", nil)
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)

	if rec.Code != http.StatusUnauthorized {
		t.Errorf("status = %d, want 401", rec.Code)
	}
}

func TestMiddlewareSetsAuthenticatedProject(t *testing.T) {
	a := New(map[string]string{"secret-1": "acme"})
	var gotProject string
	handler := Middleware(a)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotProject, _ = ProjectFromContext(r.Context())
	}))

	req := httptest.NewRequest(http.MethodPost, "/ingest/app", nil)
	req.Header.Set("Authorization", "Bearer secret-1")
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)

	if gotProject != "acme" {
		t.Errorf("authenticated project = %q, want acme", gotProject)
	}
}
