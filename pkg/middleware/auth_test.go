package middleware

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/gin-gonic/gin"

	"github.com/serezk4/lockbox-backend/pkg/credential"
)

func init() {
	gin.SetMode(gin.TestMode)
}

// stubValidator はトークンごとに決まった結果を返す。
type stubValidator map[string]credential.ValidationResult

func (s stubValidator) Validate(_ context.Context, raw string) credential.ValidationResult {
	if r, ok := s[raw]; ok {
		return r
	}
	return credential.ValidationResult{Fingerprint: credential.Fingerprint(raw), Verdict: credential.VerdictInvalid}
}

func newAuthRouter(v TokenValidator, scopes ...string) *gin.Engine {
	router := gin.New()
	router.Use(Authenticate(v, scopes...))
	router.GET("/me", func(c *gin.Context) {
		claims, _ := GetClaims(c)
		c.JSON(http.StatusOK, gin.H{"user_id": GetUserID(c), "client_id": claims.ClientID})
	})
	return router
}

// TestAuthenticate はAuthenticateミドルウェアを検証する。
func TestAuthenticate(t *testing.T) {
	t.Parallel()

	v := stubValidator{
		"good": {Verdict: credential.VerdictValid, Claims: credential.Claims{
			Subject: "user-123", ClientID: "web", Scopes: credential.ScopeSet{"sessions:read"},
		}},
		"revoked": {Verdict: credential.VerdictRevoked},
	}

	tests := []struct {
		name       string
		header     string
		scopes     []string
		wantStatus int
		wantError  string
	}{
		{name: "有効なトークンで200が返ること", header: "Bearer good", wantStatus: http.StatusOK},
		{name: "スキーム名の大文字小文字を区別しないこと", header: "bearer good", wantStatus: http.StatusOK},
		{name: "Authorizationヘッダーが無い場合401が返ること", wantStatus: http.StatusUnauthorized, wantError: "unauthenticated"},
		{name: "Bearer形式でない場合401が返ること", header: "Basic dXNlcjpwYXNz", wantStatus: http.StatusUnauthorized, wantError: "unauthenticated"},
		{name: "失効済みトークンで401が返ること", header: "Bearer revoked", wantStatus: http.StatusUnauthorized, wantError: "unauthenticated"},
		{name: "スコープが不足していれば403が返ること", header: "Bearer good", scopes: []string{"sessions:write"}, wantStatus: http.StatusForbidden, wantError: "unauthorized"},
		{name: "スコープを満たしていれば200が返ること", header: "Bearer good", scopes: []string{"sessions:read"}, wantStatus: http.StatusOK},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			req := httptest.NewRequest(http.MethodGet, "/me", nil)
			if tt.header != "" {
				req.Header.Set("Authorization", tt.header)
			}
			w := httptest.NewRecorder()
			newAuthRouter(v, tt.scopes...).ServeHTTP(w, req)

			if w.Code != tt.wantStatus {
				t.Fatalf("ステータスコード = %d, want %d", w.Code, tt.wantStatus)
			}

			var body map[string]string
			if err := json.Unmarshal(w.Body.Bytes(), &body); err != nil {
				t.Fatalf("レスポンスボディのパースに失敗: %v", err)
			}
			if tt.wantError != "" {
				if body["error"] != tt.wantError {
					t.Errorf("error = %q, want %q", body["error"], tt.wantError)
				}
				if w.Code == http.StatusUnauthorized && w.Header().Get("WWW-Authenticate") == "" {
					t.Error("WWW-Authenticateヘッダーが設定されていない")
				}
				return
			}
			if body["user_id"] != "user-123" || body["client_id"] != "web" {
				t.Errorf("body = %v", body)
			}
		})
	}
}

func TestBearerToken(t *testing.T) {
	t.Parallel()

	tests := []struct {
		header string
		want   string
		ok     bool
	}{
		{header: "Bearer abc", want: "abc", ok: true},
		{header: "BEARER  abc ", want: "abc", ok: true},
		{header: "Bearer ", ok: false},
		{header: "Bearerabc", ok: false},
		{header: "", ok: false},
	}
	for _, tt := range tests {
		req := httptest.NewRequest(http.MethodGet, "/", nil)
		req.Header.Set("Authorization", tt.header)
		got, ok := BearerToken(req)
		if got != tt.want || ok != tt.ok {
			t.Errorf("BearerToken(%q) = (%q, %v), want (%q, %v)", tt.header, got, ok, tt.want, tt.ok)
		}
	}
}
