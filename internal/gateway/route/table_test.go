package route

import (
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"

	"github.com/serezk4/lockbox-backend/pkg/apperror"
)

func newRequest(method, target string, header map[string]string) *http.Request {
	req := httptest.NewRequest(method, target, nil)
	for k, v := range header {
		req.Header.Set(k, v)
	}
	return req
}

func mustReload(t *testing.T, tbl *Table, routes ...Route) {
	t.Helper()
	if err := tbl.Reload(routes); err != nil {
		t.Fatalf("Reload()でエラーが発生: %v", err)
	}
}

// TestMatch はルートの照合と優先順位を検証する。
func TestMatch(t *testing.T) {
	t.Parallel()

	tbl := NewTable()
	mustReload(t, tbl,
		Route{ID: "catch-all", Match: Match{Path: "/*"}, Upstream: "http://fallback"},
		Route{ID: "orders", Match: Match{Path: "/orders/*"}, Upstream: "http://orders"},
		Route{ID: "orders-exact", Match: Match{Path: "/orders"}, Upstream: "http://orders"},
		Route{ID: "orders-admin", Match: Match{Path: "/orders/admin/*"}, Upstream: "http://admin"},
		Route{ID: "orders-post", Match: Match{Path: "/orders/*", Methods: []string{"post"}}, Upstream: "http://orders-write"},
		Route{ID: "orders-beta", Match: Match{Path: "/orders/*", Headers: map[string]string{"X-Beta": "*"}}, Upstream: "http://beta"},
		Route{ID: "orders-host", Match: Match{Path: "/orders/*", Host: "api.example.com"}, Upstream: "http://tenant"},
		Route{ID: "first", Match: Match{Path: "/dup"}, Upstream: "http://a"},
		Route{ID: "second", Match: Match{Path: "/dup"}, Upstream: "http://b"},
	)

	tests := []struct {
		name   string
		req    *http.Request
		wantID string
	}{
		{name: "完全一致が前方一致より優先されること", req: newRequest(http.MethodGet, "/orders", nil), wantID: "orders-exact"},
		{name: "長い接頭辞が優先されること", req: newRequest(http.MethodGet, "/orders/admin/1", nil), wantID: "orders-admin"},
		{name: "接頭辞配下のパスに一致すること", req: newRequest(http.MethodGet, "/orders/42", nil), wantID: "orders"},
		{name: "ホスト条件がヘッダー条件より優先されること", req: newRequest(http.MethodGet, "http://api.example.com:8080/orders/1", map[string]string{"X-Beta": "1"}), wantID: "orders-host"},
		{name: "ヘッダー条件がメソッド条件より優先されること", req: newRequest(http.MethodPost, "/orders/1", map[string]string{"X-Beta": "yes"}), wantID: "orders-beta"},
		{name: "メソッド条件が一致すること", req: newRequest(http.MethodPost, "/orders/1", nil), wantID: "orders-post"},
		{name: "同順位は宣言順で先のルートが選ばれること", req: newRequest(http.MethodGet, "/dup", nil), wantID: "first"},
		{name: "どれにも一致しなければキャッチオールが選ばれること", req: newRequest(http.MethodGet, "/ordersx", nil), wantID: "catch-all"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			got, err := tbl.Match(tt.req)
			if err != nil {
				t.Fatalf("Match()でエラーが発生: %v", err)
			}
			if got.ID != tt.wantID {
				t.Errorf("ID = %s, want %s", got.ID, tt.wantID)
			}
		})
	}
}

func TestMatchNotFound(t *testing.T) {
	t.Parallel()

	tbl := NewTable()
	if _, err := tbl.Match(newRequest(http.MethodGet, "/", nil)); err != ErrNotFound {
		t.Errorf("空のテーブル: err = %v, want ErrNotFound", err)
	}

	mustReload(t, tbl, Route{ID: "orders", Match: Match{Path: "/orders/*"}, Upstream: "http://orders"})
	if _, err := tbl.Match(newRequest(http.MethodGet, "/users", nil)); err != ErrNotFound {
		t.Errorf("err = %v, want ErrNotFound", err)
	}
}

// TestReload はリロードの原子性を検証する。
func TestReload(t *testing.T) {
	t.Parallel()

	t.Run("不正なルートがあれば旧テーブルを維持し全失敗を報告すること", func(t *testing.T) {
		t.Parallel()

		tbl := NewTable()
		mustReload(t, tbl, Route{ID: "old", Match: Match{Path: "/old"}, Upstream: "http://old"})

		err := tbl.Reload([]Route{
			{ID: "ok", Match: Match{Path: "/ok"}, Upstream: "http://ok"},
			{ID: "bad-path", Match: Match{Path: "no-slash"}, Upstream: "http://x"},
			{ID: "bad-upstream", Match: Match{Path: "/x"}, Upstream: "not a url"},
			{ID: "bad-ratio", Match: Match{Path: "/y"}, Upstream: "http://y", CircuitBreaker: CircuitBreaker{FailureRatio: 2}},
			{ID: "ok", Match: Match{Path: "/ok2"}, Upstream: "http://ok"},
		})
		if !apperror.Is(err, apperror.KindConfigurationInvalid) {
			t.Fatalf("err = %v, want configuration_invalid", err)
		}

		var ids []string
		for _, f := range Failures(err) {
			ids = append(ids, f.RouteID)
		}
		if diff := cmp.Diff([]string{"bad-path", "bad-upstream", "bad-ratio", "ok"}, ids); diff != "" {
			t.Errorf("失敗ルート (-want +got):\n%s", diff)
		}

		if _, err := tbl.Match(newRequest(http.MethodGet, "/old", nil)); err != nil {
			t.Errorf("旧テーブルが維持されていない: %v", err)
		}
		if _, err := tbl.Match(newRequest(http.MethodGet, "/ok", nil)); err != ErrNotFound {
			t.Errorf("失敗したリロードが部分的に反映された: %v", err)
		}
		if got := tbl.Snapshot().Generation; got != 1 {
			t.Errorf("Generation = %d, want 1", got)
		}
	})

	t.Run("並行する照合は旧世代か新世代のどちらかを見ること", func(t *testing.T) {
		t.Parallel()

		tbl := NewTable()
		mustReload(t, tbl, Route{ID: "v1", Match: Match{Path: "/svc/*"}, Upstream: "http://v1"})

		var wg sync.WaitGroup
		stop := make(chan struct{})
		errs := make(chan string, 1)
		for range 8 {
			wg.Add(1)
			go func() {
				defer wg.Done()
				for {
					select {
					case <-stop:
						return
					default:
					}
					r, err := tbl.Match(newRequest(http.MethodGet, "/svc/a", nil))
					if err != nil || (r.ID != "v1" && r.ID != "v2") {
						select {
						case errs <- "不整合な照合結果":
						default:
						}
						return
					}
				}
			}()
		}
		for i := range 100 {
			id := "v1"
			if i%2 == 0 {
				id = "v2"
			}
			mustReload(t, tbl, Route{ID: id, Match: Match{Path: "/svc/*"}, Upstream: "http://" + id})
		}
		close(stop)
		wg.Wait()

		select {
		case msg := <-errs:
			t.Error(msg)
		default:
		}
	})

	t.Run("省略した項目にデフォルト値が入ること", func(t *testing.T) {
		t.Parallel()

		tbl := NewTable()
		mustReload(t, tbl, Route{ID: "a", Match: Match{Path: "/a"}, Upstream: "http://a:8080/base"})

		r, err := tbl.Match(newRequest(http.MethodGet, "/a", nil))
		if err != nil {
			t.Fatalf("Match()でエラーが発生: %v", err)
		}
		if r.UpstreamTimeout != DefaultUpstreamTimeout || r.RequestTimeout != DefaultRequestTimeout {
			t.Errorf("timeouts = %v/%v", r.UpstreamTimeout, r.RequestTimeout)
		}
		if diff := cmp.Diff(DefaultCircuitBreaker, r.CircuitBreaker); diff != "" {
			t.Errorf("CircuitBreaker (-want +got):\n%s", diff)
		}
		if r.Target().Host != "a:8080" {
			t.Errorf("Target().Host = %s", r.Target().Host)
		}
	})
}

// TestParse はルート定義ファイルの読み込みを検証する。
func TestParse(t *testing.T) {
	t.Parallel()

	t.Run("upstreamの名前参照が解決されること", func(t *testing.T) {
		t.Parallel()

		path := filepath.Join(t.TempDir(), "routes.yaml")
		doc := `
upstreams:
  orders: http://orders:8080
routes:
  - id: orders
    match:
      path: /orders/*
      methods: [GET, POST]
    upstream: orders
    auth_required: true
    required_scopes: [orders:read]
    rate_limit:
      capacity: 5
      refill_per_second: 5
    circuit_breaker:
      window: 3
      failure_ratio: 1
      min_requests: 3
      cooldown: 10s
      half_open_trials: 1
    upstream_timeout: 2s
    strip_prefix: /orders
`
		if err := os.WriteFile(path, []byte(doc), 0o600); err != nil {
			t.Fatal(err)
		}

		routes, err := LoadFile(path)
		if err != nil {
			t.Fatalf("LoadFile()でエラーが発生: %v", err)
		}
		want := []Route{{
			ID:              "orders",
			Match:           Match{Path: "/orders/*", Methods: []string{"GET", "POST"}},
			Upstream:        "http://orders:8080",
			AuthRequired:    true,
			RequiredScopes:  []string{"orders:read"},
			RateLimit:       RateLimit{Capacity: 5, RefillPerSecond: 5},
			CircuitBreaker:  CircuitBreaker{Window: 3, FailureRatio: 1, MinRequests: 3, Cooldown: 10 * time.Second, HalfOpenTrials: 1},
			UpstreamTimeout: 2 * time.Second,
			StripPrefix:     "/orders",
		}}
		if diff := cmp.Diff(want, routes, cmp.AllowUnexported(Route{})); diff != "" {
			t.Errorf("routes (-want +got):\n%s", diff)
		}
	})

	t.Run("未定義のupstreamを参照するとエラーになること", func(t *testing.T) {
		t.Parallel()

		_, err := Parse([]byte("routes:\n  - id: x\n    match: {path: /x}\n    upstream: missing\n"))
		if !apperror.Is(err, apperror.KindConfigurationInvalid) {
			t.Fatalf("err = %v, want configuration_invalid", err)
		}
		if f := Failures(err); len(f) != 1 || f[0].RouteID != "x" {
			t.Errorf("Failures = %+v", f)
		}
	})

	t.Run("未知のキーはエラーになること", func(t *testing.T) {
		t.Parallel()

		if _, err := Parse([]byte("routez: []\n")); err == nil {
			t.Error("エラーが返されなかった")
		}
	})
}
