package auth

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/fruitsalade/zipview/pkg/protocol"
)

func protected(a *Auth) http.Handler {
	return a.Middleware(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		claims := GetClaims(r.Context())
		if claims == nil {
			http.Error(w, "no claims", http.StatusInternalServerError)
			return
		}
		w.Write([]byte(claims.Subject))
	}))
}

func TestMiddleware_ValidToken(t *testing.T) {
	a := New("test-secret")
	token, err := a.IssueToken("alice", time.Hour)
	if err != nil {
		t.Fatalf("IssueToken: %v", err)
	}

	req := httptest.NewRequest(http.MethodGet, "/api/v1/tree", nil)
	req.Header.Set("Authorization", "Bearer "+token)
	rec := httptest.NewRecorder()
	protected(a).ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, body %s", rec.Code, rec.Body.String())
	}
	if rec.Body.String() != "alice" {
		t.Errorf("subject = %q", rec.Body.String())
	}
}

func TestMiddleware_Rejects(t *testing.T) {
	a := New("test-secret")
	expired, _ := a.IssueToken("alice", -time.Minute)
	foreign, _ := New("other-secret").IssueToken("alice", time.Hour)

	noExpiry, err := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.RegisteredClaims{Subject: "alice"}).
		SignedString([]byte("test-secret"))
	if err != nil {
		t.Fatalf("sign: %v", err)
	}
	unsigned, err := jwt.NewWithClaims(jwt.SigningMethodNone, jwt.RegisteredClaims{
		Subject:   "alice",
		ExpiresAt: jwt.NewNumericDate(time.Now().Add(time.Hour)),
	}).SignedString(jwt.UnsafeAllowNoneSignatureType)
	if err != nil {
		t.Fatalf("sign none: %v", err)
	}

	tests := []struct {
		name   string
		header string
	}{
		{"missing", ""},
		{"not bearer", "Basic YWxpY2U6c2VjcmV0"},
		{"garbage", "Bearer not.a.token"},
		{"expired", "Bearer " + expired},
		{"wrong secret", "Bearer " + foreign},
		{"no expiry", "Bearer " + noExpiry},
		{"alg none", "Bearer " + unsigned},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodGet, "/api/v1/tree", nil)
			if tt.header != "" {
				req.Header.Set("Authorization", tt.header)
			}
			rec := httptest.NewRecorder()
			protected(a).ServeHTTP(rec, req)

			if rec.Code != http.StatusUnauthorized {
				t.Fatalf("status = %d, want 401", rec.Code)
			}
			var body protocol.ErrorResponse
			if err := json.NewDecoder(rec.Body).Decode(&body); err != nil {
				t.Fatalf("decode: %v", err)
			}
			if body.Code != http.StatusUnauthorized || body.Error == "" {
				t.Errorf("body = %+v", body)
			}
		})
	}
}

func TestMiddleware_QueryTokenIgnored(t *testing.T) {
	a := New("test-secret")
	token, _ := a.IssueToken("alice", time.Hour)

	req := httptest.NewRequest(http.MethodGet, "/api/v1/tree?token="+token, nil)
	rec := httptest.NewRecorder()
	protected(a).ServeHTTP(rec, req)
	if rec.Code != http.StatusUnauthorized {
		t.Errorf("status = %d, want 401", rec.Code)
	}
}
