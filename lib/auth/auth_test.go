package auth

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v4"
)

var testSecret = []byte("test-secret-at-least-32-bytes-long!")

func signToken(t *testing.T, subject string, roles []string, expiresIn time.Duration) string {
	t.Helper()
	claims := Claims{
		Subject: subject,
		Roles:   roles,
		RegisteredClaims: jwt.RegisteredClaims{
			ExpiresAt: jwt.NewNumericDate(time.Now().Add(expiresIn)),
		},
	}
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	signed, err := token.SignedString(testSecret)
	if err != nil {
		t.Fatalf("SignedString() returned error: %v", err)
	}
	return signed
}

func TestParseBearerTokenValid(t *testing.T) {
	tok := signToken(t, "alice", []string{RoleOperator}, time.Hour)
	claims, err := ParseBearerToken(testSecret, tok)
	if err != nil {
		t.Fatalf("ParseBearerToken() returned error: %v", err)
	}
	if claims.Subject != "alice" || len(claims.Roles) != 1 || claims.Roles[0] != RoleOperator {
		t.Errorf("ParseBearerToken() = %+v; want subject=alice roles=[operator]", claims)
	}
}

func TestParseBearerTokenExpired(t *testing.T) {
	tok := signToken(t, "alice", []string{RoleViewer}, -time.Minute)
	if _, err := ParseBearerToken(testSecret, tok); err == nil {
		t.Error("ParseBearerToken() with expired token succeeded; want error")
	}
}

func TestParseBearerTokenWrongSecret(t *testing.T) {
	tok := signToken(t, "alice", []string{RoleViewer}, time.Hour)
	if _, err := ParseBearerToken([]byte("a-completely-different-secret!!"), tok); err == nil {
		t.Error("ParseBearerToken() with wrong secret succeeded; want error")
	}
}

func TestParseBearerTokenRejectsAlgNone(t *testing.T) {
	claims := Claims{Subject: "mallory", Roles: []string{RoleAdmin}}
	token := jwt.NewWithClaims(jwt.SigningMethodNone, claims)
	signed, err := token.SignedString(jwt.UnsafeAllowNoneSignatureType)
	if err != nil {
		t.Fatalf("SignedString() returned error: %v", err)
	}
	if _, err := ParseBearerToken(testSecret, signed); err == nil {
		t.Error("ParseBearerToken() accepted an alg=none token; want error")
	}
}

func TestEnforcerBuiltInRoles(t *testing.T) {
	e, err := NewEnforcer()
	if err != nil {
		t.Fatalf("NewEnforcer() returned error: %v", err)
	}

	cases := []struct {
		role  string
		obj   string
		act   string
		allow bool
	}{
		{RoleViewer, ObjectPool, ActionRead, true},
		{RoleViewer, ObjectPool, ActionScale, false},
		{RoleOperator, ObjectPool, ActionScale, true},
		{RoleOperator, ObjectJob, ActionDelegate, true},
		{RoleAdmin, ObjectPool, ActionScale, true},
		{RoleAdmin, ObjectCleanup, ActionTrigger, true},
	}
	for _, c := range cases {
		got := e.CheckPermission([]string{c.role}, c.obj, c.act)
		if got != c.allow {
			t.Errorf("CheckPermission([%s], %s, %s) = %v; want %v", c.role, c.obj, c.act, got, c.allow)
		}
	}
}

func TestEnforcerAddRoleForUser(t *testing.T) {
	e, err := NewEnforcer()
	if err != nil {
		t.Fatalf("NewEnforcer() returned error: %v", err)
	}
	if err := e.AddRoleForUser("bob", RoleOperator); err != nil {
		t.Fatalf("AddRoleForUser() returned error: %v", err)
	}
	roles, err := e.GetRolesForUser("bob")
	if err != nil {
		t.Fatalf("GetRolesForUser() returned error: %v", err)
	}
	if len(roles) != 1 || roles[0] != RoleOperator {
		t.Errorf("GetRolesForUser(bob) = %v; want [operator]", roles)
	}
}

func TestMiddlewareRejectsMissingToken(t *testing.T) {
	e, err := NewEnforcer()
	if err != nil {
		t.Fatalf("NewEnforcer() returned error: %v", err)
	}
	handler := Middleware(e, testSecret, ObjectPool, ActionRead)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))

	req := httptest.NewRequest(http.MethodGet, "/api/runners/pools", nil)
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)

	if rec.Code != http.StatusUnauthorized {
		t.Errorf("status = %d; want %d", rec.Code, http.StatusUnauthorized)
	}
}

func TestMiddlewareRejectsInsufficientRole(t *testing.T) {
	e, err := NewEnforcer()
	if err != nil {
		t.Fatalf("NewEnforcer() returned error: %v", err)
	}
	handler := Middleware(e, testSecret, ObjectPool, ActionScale)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))

	tok := signToken(t, "viewer-user", []string{RoleViewer}, time.Hour)
	req := httptest.NewRequest(http.MethodPost, "/api/runners/pools/acme/scale", nil)
	req.Header.Set("Authorization", "Bearer "+tok)
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)

	if rec.Code != http.StatusForbidden {
		t.Errorf("status = %d; want %d", rec.Code, http.StatusForbidden)
	}
}

func TestMiddlewareAllowsAuthorizedRequestAndAttachesIdentity(t *testing.T) {
	e, err := NewEnforcer()
	if err != nil {
		t.Fatalf("NewEnforcer() returned error: %v", err)
	}

	var gotIdentity Identity
	handler := Middleware(e, testSecret, ObjectPool, ActionScale)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotIdentity = IdentityFromContext(r.Context())
		w.WriteHeader(http.StatusOK)
	}))

	tok := signToken(t, "op-user", []string{RoleOperator}, time.Hour)
	req := httptest.NewRequest(http.MethodPost, "/api/runners/pools/acme/scale", nil)
	req.Header.Set("Authorization", "Bearer "+tok)
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d; want %d", rec.Code, http.StatusOK)
	}
	if gotIdentity.Subject != "op-user" {
		t.Errorf("identity.Subject = %q; want op-user", gotIdentity.Subject)
	}
}
