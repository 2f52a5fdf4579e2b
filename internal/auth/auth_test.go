package auth

import (
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/golang-jwt/jwt/v4"
)

func TestTokenRoundTrip(t *testing.T) {
	issuer := NewTokenIssuer("secret", 0)

	token, err := issuer.Issue("sess1", "ck_a", "sk", "https://a.example")
	if err != nil {
		t.Fatalf("Issue: %v", err)
	}

	claims, err := issuer.Verify(token)
	if err != nil {
		t.Fatalf("Verify: %v", err)
	}
	if claims.SessionID != "sess1" || claims.APIKey != "ck_a" ||
		claims.StreamKey != "sk" || claims.Domain != "https://a.example" {
		t.Fatalf("claims = %+v", claims)
	}
}

func TestVerifyRejectsWrongSecret(t *testing.T) {
	token, err := NewTokenIssuer("secret-a", 0).Issue("sess1", "ck", "sk", "d")
	if err != nil {
		t.Fatalf("Issue: %v", err)
	}

	if _, err := NewTokenIssuer("secret-b", 0).Verify(token); !errors.Is(err, ErrInvalidToken) {
		t.Fatalf("wrong-secret error = %v", err)
	}
}

func TestVerifyRejectsExpiredToken(t *testing.T) {
	claims := SessionClaims{
		SessionID: "sess1",
		RegisteredClaims: jwt.RegisteredClaims{
			ExpiresAt: jwt.NewNumericDate(time.Now().Add(-time.Minute)),
		},
	}
	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte("secret"))
	if err != nil {
		t.Fatalf("sign: %v", err)
	}

	if _, err := NewTokenIssuer("secret", 0).Verify(signed); !errors.Is(err, ErrExpiredToken) {
		t.Fatalf("expired error = %v", err)
	}
}

func TestVerifyRejectsGarbage(t *testing.T) {
	if _, err := NewTokenIssuer("secret", 0).Verify("not.a.token"); !errors.Is(err, ErrInvalidToken) {
		t.Fatalf("garbage error = %v", err)
	}
}

func sessionRouter(issuer *TokenIssuer, allowQueryToken bool) *gin.Engine {
	gin.SetMode(gin.TestMode)
	r := gin.New()
	m := NewMiddleware(issuer)
	r.GET("/x", m.RequireSession(allowQueryToken), func(c *gin.Context) {
		claims, _ := GetClaims(c)
		c.JSON(http.StatusOK, gin.H{"sessionId": claims.SessionID})
	})
	return r
}

func TestRequireSession(t *testing.T) {
	issuer := NewTokenIssuer("secret", 0)
	token, _ := issuer.Issue("sess1", "ck", "sk", "d")
	router := sessionRouter(issuer, false)

	cases := []struct {
		name   string
		header string
		want   int
	}{
		{"no header", "", http.StatusUnauthorized},
		{"not bearer", "Basic abc", http.StatusUnauthorized},
		{"empty bearer", "Bearer ", http.StatusUnauthorized},
		{"bad token", "Bearer junk", http.StatusUnauthorized},
		{"valid", "Bearer " + token, http.StatusOK},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodGet, "/x", nil)
			if tc.header != "" {
				req.Header.Set("Authorization", tc.header)
			}
			w := httptest.NewRecorder()
			router.ServeHTTP(w, req)
			if w.Code != tc.want {
				t.Fatalf("status = %d, want %d", w.Code, tc.want)
			}
		})
	}
}

func TestQueryTokenOnlyWhereAllowed(t *testing.T) {
	issuer := NewTokenIssuer("secret", 0)
	token, _ := issuer.Issue("sess1", "ck", "sk", "d")

	req := httptest.NewRequest(http.MethodGet, "/x?token="+token, nil)
	w := httptest.NewRecorder()
	sessionRouter(issuer, true).ServeHTTP(w, req)
	if w.Code != http.StatusOK {
		t.Fatalf("query token on stream route: status = %d", w.Code)
	}

	w = httptest.NewRecorder()
	sessionRouter(issuer, false).ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/x?token="+token, nil))
	if w.Code != http.StatusUnauthorized {
		t.Fatalf("query token on plain route: status = %d", w.Code)
	}
}

func adminRouter(adminKey string) *gin.Engine {
	gin.SetMode(gin.TestMode)
	r := gin.New()
	r.GET("/admin", RequireAdmin(adminKey), func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"ok": true})
	})
	return r
}

func TestRequireAdmin(t *testing.T) {
	router := adminRouter("topsecret")

	req := httptest.NewRequest(http.MethodGet, "/admin", nil)
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)
	if w.Code != http.StatusForbidden {
		t.Fatalf("no key: status = %d", w.Code)
	}

	req = httptest.NewRequest(http.MethodGet, "/admin", nil)
	req.Header.Set("X-Admin-Key", "wrong")
	w = httptest.NewRecorder()
	router.ServeHTTP(w, req)
	if w.Code != http.StatusForbidden {
		t.Fatalf("wrong key: status = %d", w.Code)
	}

	req = httptest.NewRequest(http.MethodGet, "/admin", nil)
	req.Header.Set("X-Admin-Key", "topsecret")
	w = httptest.NewRecorder()
	router.ServeHTTP(w, req)
	if w.Code != http.StatusOK {
		t.Fatalf("right key: status = %d", w.Code)
	}
}

func TestRequireAdminUnconfigured(t *testing.T) {
	req := httptest.NewRequest(http.MethodGet, "/admin", nil)
	req.Header.Set("X-Admin-Key", "anything")
	w := httptest.NewRecorder()
	adminRouter("").ServeHTTP(w, req)
	if w.Code != http.StatusServiceUnavailable {
		t.Fatalf("unconfigured admin: status = %d", w.Code)
	}
}

func TestAllowlist(t *testing.T) {
	wildcard := NewAllowlist("*")
	if !wildcard.Allows("https://anything.example") {
		t.Fatal("wildcard denied")
	}

	list := NewAllowlist("https://a.example, b.example")
	cases := []struct {
		domain string
		want   bool
	}{
		{"https://a.example", true},
		{"a.example", true},
		{"HTTPS://A.EXAMPLE/", true},
		{"http://b.example", true},
		{"https://c.example", false},
		{"", false},
	}
	for _, tc := range cases {
		if got := list.Allows(tc.domain); got != tc.want {
			t.Errorf("Allows(%q) = %v, want %v", tc.domain, got, tc.want)
		}
	}
}
