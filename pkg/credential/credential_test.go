package credential

import (
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/go-cmp/cmp"
)

// TestFingerprint はフィンガープリントの決定性を検証する。
func TestFingerprint(t *testing.T) {
	t.Parallel()

	t.Run("同じトークンは同じフィンガープリントになること", func(t *testing.T) {
		t.Parallel()

		if Fingerprint("token-a") != Fingerprint("token-a") {
			t.Error("フィンガープリントが一致しない")
		}
		if got := len(Fingerprint("token-a")); got != 64 {
			t.Errorf("len = %d, want 64", got)
		}
	})

	t.Run("異なるトークンは異なるフィンガープリントになること", func(t *testing.T) {
		t.Parallel()

		if Fingerprint("token-a") == Fingerprint("token-b") {
			t.Error("フィンガープリントが衝突した")
		}
		c := Credential{Raw: "token-a"}
		if c.Fingerprint() != Fingerprint("token-a") {
			t.Error("Credential.Fingerprint()が一致しない")
		}
	})
}

// TestValidUntil は結果の利用期限が資格情報の有効期限を超えないことを検証する。
func TestValidUntil(t *testing.T) {
	t.Parallel()

	now := time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)

	tests := []struct {
		name   string
		exp    time.Time
		maxAge time.Duration
		want   time.Time
	}{
		{name: "有効期限の方が近い場合は有効期限", exp: now.Add(30 * time.Second), maxAge: time.Minute, want: now.Add(30 * time.Second)},
		{name: "最大寿命の方が近い場合は最大寿命", exp: now.Add(time.Hour), maxAge: time.Minute, want: now.Add(time.Minute)},
		{name: "有効期限が不明な場合は最大寿命", maxAge: time.Minute, want: now.Add(time.Minute)},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			got := ValidUntil(Claims{ExpiresAt: tt.exp}, now, tt.maxAge)
			if !got.Equal(tt.want) {
				t.Errorf("ValidUntil() = %v, want %v", got, tt.want)
			}
			if !tt.exp.IsZero() && got.After(tt.exp) {
				t.Errorf("ValidUntil() = %v が有効期限 %v を超えている", got, tt.exp)
			}
		})
	}
}

// TestScopeSet はスコープ集合の判定を検証する。
func TestScopeSet(t *testing.T) {
	t.Parallel()

	s := ParseScopes("openid  orders:read profile")
	if diff := cmp.Diff(ScopeSet{"openid", "orders:read", "profile"}, s); diff != "" {
		t.Errorf("ParseScopes() mismatch (-want +got):\n%s", diff)
	}
	if !s.HasAll([]string{"orders:read"}) {
		t.Error("HasAll(orders:read) = false")
	}
	if s.HasAll([]string{"orders:read", "orders:write"}) {
		t.Error("HasAll(orders:write) = true")
	}
	if !s.HasAll(nil) {
		t.Error("HasAll(nil) = false")
	}
	if ParseScopes("  ") != nil {
		t.Error("空文字列の解析結果がnilでない")
	}
}

// TestParseUnverified はKeycloak形式のクレーム読み出しを検証する。
func TestParseUnverified(t *testing.T) {
	t.Parallel()

	exp := time.Now().Add(time.Hour).Truncate(time.Second)
	tok := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.MapClaims{
		"sub":   "user-1",
		"iss":   "https://idp.example.com/realms/lockbox",
		"aud":   "gateway",
		"exp":   exp.Unix(),
		"scope": "openid orders:read",
		"sid":   "sess-1",
		"azp":   "web",
		"typ":   "Bearer",
	})
	raw, err := tok.SignedString([]byte("secret"))
	if err != nil {
		t.Fatalf("署名に失敗: %v", err)
	}
	if !LooksLikeJWT(raw) {
		t.Fatal("LooksLikeJWT() = false")
	}

	got, err := ParseUnverified(raw)
	if err != nil {
		t.Fatalf("ParseUnverified()でエラーが発生: %v", err)
	}
	want := Claims{
		Subject:   "user-1",
		Issuer:    "https://idp.example.com/realms/lockbox",
		Audience:  []string{"gateway"},
		ExpiresAt: exp,
		Scopes:    ScopeSet{"openid", "orders:read"},
		TokenType: TokenTypeAccess,
		SessionID: "sess-1",
		ClientID:  "web",
	}
	if diff := cmp.Diff(want, got); diff != "" {
		t.Errorf("ParseUnverified() mismatch (-want +got):\n%s", diff)
	}

	if _, err := ParseUnverified("opaque-token"); err == nil {
		t.Error("不透明トークンでエラーにならない")
	}
}
