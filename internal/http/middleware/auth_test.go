package middleware

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

func principalEcho() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		principal, ok := PrincipalFrom(r.Context())
		if !ok {
			w.WriteHeader(http.StatusInternalServerError)
			return
		}
		_ = json.NewEncoder(w).Encode(principal)
	})
}

func serveWithToken(handler http.Handler, path, token string) *httptest.ResponseRecorder {
	request := httptest.NewRequest(http.MethodGet, path, nil)
	if token != "" {
		request.Header.Set("Authorization", "Bearer "+token)
	}
	recorder := httptest.NewRecorder()
	handler.ServeHTTP(recorder, request)
	return recorder
}

func TestAuthAcceptsStaticTokenAsAdmin(t *testing.T) {
	handler := RequestID(Auth(NewAuthenticator("operator-token", "secret"))(principalEcho()))

	recorder := serveWithToken(handler, "/v1/jobs/x", "operator-token")
	if recorder.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", recorder.Code)
	}
	var principal Principal
	_ = json.NewDecoder(recorder.Body).Decode(&principal)
	if !principal.Admin || !principal.CanAccess("any-tenant") {
		t.Fatalf("expected admin principal, got %+v", principal)
	}
}

func TestAuthTenantScopedJWT(t *testing.T) {
	authenticator := NewAuthenticator("", "secret")
	handler := RequestID(Auth(authenticator)(principalEcho()))

	token, err := authenticator.IssueToken("shop", time.Hour)
	if err != nil {
		t.Fatalf("issue token: %v", err)
	}
	recorder := serveWithToken(handler, "/v1/tenants/shop/jobs/active", token)
	if recorder.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", recorder.Code)
	}
	var principal Principal
	_ = json.NewDecoder(recorder.Body).Decode(&principal)
	if principal.Admin || !principal.CanAccess("shop") || principal.CanAccess("club") {
		t.Fatalf("expected shop-only principal, got %+v", principal)
	}

	query := httptest.NewRequest(http.MethodGet, "/v1/tenants/shop/live?access_token="+token, nil)
	queryRecorder := httptest.NewRecorder()
	handler.ServeHTTP(queryRecorder, query)
	if queryRecorder.Code != http.StatusOK {
		t.Fatalf("expected query token to authenticate, got %d", queryRecorder.Code)
	}
}

func TestAuthRejectsInvalidTokens(t *testing.T) {
	authenticator := NewAuthenticator("operator-token", "secret")
	handler := RequestID(Auth(authenticator)(principalEcho()))

	expired, _ := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.MapClaims{
		"tenant_id": "shop",
		"exp":       time.Now().Add(-time.Minute).Unix(),
	}).SignedString([]byte("secret"))
	foreign, _ := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.MapClaims{
		"tenant_id": "shop",
		"exp":       time.Now().Add(time.Hour).Unix(),
	}).SignedString([]byte("other-secret"))
	noTenant, _ := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.MapClaims{
		"exp": time.Now().Add(time.Hour).Unix(),
	}).SignedString([]byte("secret"))

	for name, token := range map[string]string{
		"missing":   "",
		"wrong":     "nope",
		"expired":   expired,
		"foreign":   foreign,
		"no tenant": noTenant,
	} {
		recorder := serveWithToken(handler, "/v1/jobs/x", token)
		if recorder.Code != http.StatusUnauthorized {
			t.Fatalf("%s: expected 401, got %d", name, recorder.Code)
		}
		var payload errorPayload
		if err := json.NewDecoder(recorder.Body).Decode(&payload); err != nil || payload.Error.Code != "unauthorized" || payload.RequestID == "" {
			t.Fatalf("%s: unexpected error envelope %+v err=%v", name, payload, err)
		}
	}

	if recorder := serveWithToken(handler, "/healthz", ""); recorder.Code != http.StatusOK {
		t.Fatalf("expected unauthenticated health check, got %d", recorder.Code)
	}
}

func TestRateLimitPerIP(t *testing.T) {
	handler := RequestID(RateLimit(1, 2)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	})))

	serve := func(remoteAddr string) int {
		request := httptest.NewRequest(http.MethodGet, "/v1/jobs/x", nil)
		request.RemoteAddr = remoteAddr
		recorder := httptest.NewRecorder()
		handler.ServeHTTP(recorder, request)
		return recorder.Code
	}

	for i := 0; i < 2; i++ {
		if code := serve("10.0.0.1:1234"); code != http.StatusOK {
			t.Fatalf("request %d: expected 200 within burst, got %d", i, code)
		}
	}
	if code := serve("10.0.0.1:5678"); code != http.StatusTooManyRequests {
		t.Fatalf("expected 429 after burst, got %d", code)
	}
	if code := serve("10.0.0.2:1234"); code != http.StatusOK {
		t.Fatalf("expected another IP to be unaffected, got %d", code)
	}
}
