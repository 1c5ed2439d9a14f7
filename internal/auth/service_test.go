package auth

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"
)

func newJWTService(t *testing.T, seeds []Seed) *Service {
	t.Helper()
	store, err := NewMemoryStore(seeds)
	if err != nil {
		t.Fatalf("NewMemoryStore: %v", err)
	}
	svc, err := NewService(Config{
		Mode: ModeJWT,
		JWT: JWTOptions{
			Secret:     "unit-test-secret",
			Issuer:     "agentvault-test",
			AccessTTL:  60,
			RefreshTTL: 3600,
		},
		Seeds: seeds,
	}, store)
	if err != nil {
		t.Fatalf("NewService: %v", err)
	}
	return svc
}

func TestAuthenticateIssuesVerifiableToken(t *testing.T) {
	svc := newJWTService(t, []Seed{{
		Username:    "operator",
		Password:    "s3cret",
		Permissions: []string{"wallet:read", "wallet:write"},
	}})

	pair, err := svc.Authenticate(context.Background(), TokenRequest{Username: "operator", Password: "s3cret"})
	if err != nil {
		t.Fatalf("Authenticate: %v", err)
	}
	if pair.AccessToken == "" || pair.RefreshToken == "" {
		t.Fatalf("expected token pair, got %+v", pair)
	}
	if pair.TokenType != "Bearer" {
		t.Fatalf("unexpected token type %q", pair.TokenType)
	}
	if pair.ExpiresIn != 60 {
		t.Fatalf("unexpected access ttl %d", pair.ExpiresIn)
	}

	subject, err := svc.AuthenticateRequest(context.Background(), "Bearer "+pair.AccessToken)
	if err != nil {
		t.Fatalf("AuthenticateRequest: %v", err)
	}
	if subject.Username != "operator" {
		t.Fatalf("unexpected subject %q", subject.Username)
	}
	if !subject.HasPermission("wallet:write") {
		t.Fatalf("expected wallet:write permission")
	}
}

func TestAuthenticateRejectsBadPassword(t *testing.T) {
	svc := newJWTService(t, []Seed{{Username: "operator", Password: "s3cret"}})

	if _, err := svc.Authenticate(context.Background(), TokenRequest{Username: "operator", Password: "wrong"}); !errors.Is(err, ErrInvalidCredentials) {
		t.Fatalf("expected ErrInvalidCredentials, got %v", err)
	}
	if _, err := svc.Authenticate(context.Background(), TokenRequest{Username: "ghost", Password: "s3cret"}); !errors.Is(err, ErrInvalidCredentials) {
		t.Fatalf("expected ErrInvalidCredentials for unknown user, got %v", err)
	}
}

func TestAuthenticateRejectsDisabledUser(t *testing.T) {
	svc := newJWTService(t, []Seed{{Username: "retired", Password: "s3cret", Disabled: true}})

	if _, err := svc.Authenticate(context.Background(), TokenRequest{Username: "retired", Password: "s3cret"}); !errors.Is(err, ErrSubjectRevoked) {
		t.Fatalf("expected ErrSubjectRevoked, got %v", err)
	}
}

func TestAuthenticateRequestRejectsRefreshToken(t *testing.T) {
	svc := newJWTService(t, []Seed{{Username: "operator", Password: "s3cret"}})

	pair, err := svc.Authenticate(context.Background(), TokenRequest{Username: "operator", Password: "s3cret"})
	if err != nil {
		t.Fatalf("Authenticate: %v", err)
	}
	if _, err := svc.AuthenticateRequest(context.Background(), "Bearer "+pair.RefreshToken); !errors.Is(err, ErrInvalidToken) {
		t.Fatalf("expected ErrInvalidToken for refresh token, got %v", err)
	}
}

func TestAuthenticateRequestRejectsMalformedHeader(t *testing.T) {
	svc := newJWTService(t, []Seed{{Username: "operator", Password: "s3cret"}})

	cases := []string{"", "Bearer", "Basic abc", "Bearer "}
	for _, header := range cases {
		if _, err := svc.AuthenticateRequest(context.Background(), header); !errors.Is(err, ErrMissingToken) {
			t.Fatalf("header %q: expected ErrMissingToken, got %v", header, err)
		}
	}
	if _, err := svc.AuthenticateRequest(context.Background(), "Bearer not.a.token"); !errors.Is(err, ErrInvalidToken) {
		t.Fatalf("expected ErrInvalidToken, got %v", err)
	}
}

func TestJWTManagerRejectsExpiredToken(t *testing.T) {
	manager := &jwtManager{
		secret:     []byte("unit-test-secret"),
		issuer:     "agentvault-test",
		accessTTL:  -time.Minute,
		refreshTTL: time.Hour,
	}
	pair, err := manager.Generate(&Subject{ID: 1, Username: "operator"})
	if err != nil {
		t.Fatalf("Generate: %v", err)
	}
	if _, err := manager.Verify(pair.AccessToken); !errors.Is(err, ErrInvalidToken) {
		t.Fatalf("expected expired token to fail, got %v", err)
	}
}

func TestJWTManagerRejectsTamperedSignature(t *testing.T) {
	manager := &jwtManager{
		secret:     []byte("unit-test-secret"),
		accessTTL:  time.Minute,
		refreshTTL: time.Hour,
	}
	pair, err := manager.Generate(&Subject{ID: 7, Username: "operator"})
	if err != nil {
		t.Fatalf("Generate: %v", err)
	}
	parts := strings.Split(pair.AccessToken, ".")
	forged := strings.Join([]string{parts[0], parts[1], "AAAA"}, ".")
	if _, err := manager.Verify(forged); !errors.Is(err, ErrInvalidToken) {
		t.Fatalf("expected forged token to fail, got %v", err)
	}

	other := &jwtManager{secret: []byte("different-secret")}
	if _, err := other.Verify(pair.AccessToken); !errors.Is(err, ErrInvalidToken) {
		t.Fatalf("expected cross-secret verification to fail, got %v", err)
	}
}

func TestHashPasswordRoundTrip(t *testing.T) {
	hashed, err := HashPassword("hunter2")
	if err != nil {
		t.Fatalf("HashPassword: %v", err)
	}
	if !verifyPassword(hashed, "hunter2") {
		t.Fatalf("expected password to verify")
	}
	if verifyPassword(hashed, "hunter3") {
		t.Fatalf("expected wrong password to fail")
	}

	again, err := HashPassword("hunter2")
	if err != nil {
		t.Fatalf("HashPassword: %v", err)
	}
	if again == hashed {
		t.Fatalf("expected salted hashes to differ")
	}
}

func TestMiddlewareEnforcesPermissions(t *testing.T) {
	svc := newJWTService(t, []Seed{
		{Username: "reader", Password: "s3cret", Permissions: []string{"wallet:read"}},
		{Username: "writer", Password: "s3cret", Permissions: []string{"wallet:read", "wallet:write"}},
	})

	handler := svc.Middleware(MiddlewareConfig{
		RequiredPermissions: map[string][]string{
			http.MethodGet:  {"wallet:read"},
			http.MethodPost: {"wallet:write"},
		},
	})(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		subject := SubjectFromContext(r.Context())
		if subject == nil {
			t.Errorf("expected subject in context")
		}
		w.WriteHeader(http.StatusNoContent)
	}))

	token := func(username string) string {
		pair, err := svc.Authenticate(context.Background(), TokenRequest{Username: username, Password: "s3cret"})
		if err != nil {
			t.Fatalf("Authenticate %s: %v", username, err)
		}
		return pair.AccessToken
	}

	cases := []struct {
		name   string
		method string
		token  string
		want   int
	}{
		{"no token", http.MethodGet, "", http.StatusUnauthorized},
		{"reader get", http.MethodGet, token("reader"), http.StatusNoContent},
		{"reader post", http.MethodPost, token("reader"), http.StatusForbidden},
		{"writer post", http.MethodPost, token("writer"), http.StatusNoContent},
	}
	for _, tc := range cases {
		req := httptest.NewRequest(tc.method, "/v1/wallets", nil)
		if tc.token != "" {
			req.Header.Set("Authorization", "Bearer "+tc.token)
		}
		rec := httptest.NewRecorder()
		handler.ServeHTTP(rec, req)
		if rec.Code != tc.want {
			t.Fatalf("%s: status = %d, want %d", tc.name, rec.Code, tc.want)
		}
	}
}

func TestDisabledModeBypassesMiddleware(t *testing.T) {
	svc, err := NewService(Config{Mode: ModeDisabled}, nil)
	if err != nil {
		t.Fatalf("NewService: %v", err)
	}
	handler := svc.Middleware(MiddlewareConfig{
		RequiredPermissions: map[string][]string{"*": {"wallet:read"}},
	})(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusNoContent)
	}))

	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/v1/wallets", nil))
	if rec.Code != http.StatusNoContent {
		t.Fatalf("expected passthrough, got %d", rec.Code)
	}
	if _, err := svc.Authenticate(context.Background(), TokenRequest{}); !errors.Is(err, ErrDisabled) {
		t.Fatalf("expected ErrDisabled, got %v", err)
	}
}
