// Package route はゲートウェイのルーティングテーブルを提供する。
//
// ルートはリクエストのパス・ホスト・ヘッダー・メソッドで照合され、最も具体的な
// ルートが選ばれる。テーブルは世代単位で丸ごと差し替えられ、照合中のリクエストは
// 古い世代か新しい世代のどちらか一方を必ず参照する。
package route

import (
	"errors"
	"fmt"
	"maps"
	"net"
	"net/http"
	"net/url"
	"slices"
	"strings"
	"time"
)

// ErrNotFound はどのルートにも一致しないことを表す。
var ErrNotFound = errors.New("一致するルートがありません")

// Match はルートの照合条件。
type Match struct {
	// Path は "/exact"、"/prefix/*"、"/*" のいずれかの形式。
	Path string `yaml:"path" json:"path"`
	// Host は空であれば任意のホストに一致する。
	Host string `yaml:"host,omitempty" json:"host,omitempty"`
	// Headers は値が "*" であればヘッダーの存在のみを要求する。
	Headers map[string]string `yaml:"headers,omitempty" json:"headers,omitempty"`
	// Methods は空であれば任意のメソッドに一致する。
	Methods []string `yaml:"methods,omitempty" json:"methods,omitempty"`
}

// RateLimit は呼び出し元ごとのトークンバケット設定。Capacityが0であれば無制限。
type RateLimit struct {
	Capacity        int     `yaml:"capacity" json:"capacity"`
	RefillPerSecond float64 `yaml:"refill_per_second" json:"refill_per_second"`
}

// CircuitBreaker はルートごとのサーキットブレーカー設定。
type CircuitBreaker struct {
	// Window は失敗率の計算に使う直近の結果数。
	Window int `yaml:"window" json:"window"`
	// FailureRatio はこの比率以上の失敗でブレーカーを開く。
	FailureRatio float64 `yaml:"failure_ratio" json:"failure_ratio"`
	// MinRequests はウィンドウ内にこの件数が揃うまで開かない。
	MinRequests int `yaml:"min_requests" json:"min_requests"`
	// Cooldown は開いてから半開に移るまでの時間。
	Cooldown time.Duration `yaml:"cooldown" json:"cooldown"`
	// HalfOpenTrials は半開状態で通す試行リクエスト数。
	HalfOpenTrials int `yaml:"half_open_trials" json:"half_open_trials"`
}

// Route はルーティングテーブルの1エントリ。世代内では不変。
type Route struct {
	ID             string         `yaml:"id" json:"id"`
	Match          Match          `yaml:"match" json:"match"`
	Upstream       string         `yaml:"upstream" json:"upstream"`
	AuthRequired   bool           `yaml:"auth_required" json:"auth_required"`
	RequiredScopes []string       `yaml:"required_scopes,omitempty" json:"required_scopes,omitempty"`
	RateLimit      RateLimit      `yaml:"rate_limit" json:"rate_limit"`
	CircuitBreaker CircuitBreaker `yaml:"circuit_breaker" json:"circuit_breaker"`
	// UpstreamTimeout はバックエンド1回の呼び出しの期限。
	UpstreamTimeout time.Duration `yaml:"upstream_timeout" json:"upstream_timeout"`
	// RequestTimeout はリクエスト全体の期限。
	RequestTimeout time.Duration `yaml:"request_timeout" json:"request_timeout"`
	// StripPrefix は転送前にパスから取り除く接頭辞。
	StripPrefix string `yaml:"strip_prefix,omitempty" json:"strip_prefix,omitempty"`
	// StripAuth はAuthorizationヘッダーをバックエンドに渡さない。
	StripAuth bool `yaml:"strip_auth,omitempty" json:"strip_auth,omitempty"`

	target *url.URL
}

// デフォルト値。
const (
	DefaultUpstreamTimeout = 10 * time.Second
	DefaultRequestTimeout  = 30 * time.Second
)

// DefaultCircuitBreaker はブレーカー設定が省略されたときの値。
var DefaultCircuitBreaker = CircuitBreaker{
	Window:         20,
	FailureRatio:   0.5,
	MinRequests:    10,
	Cooldown:       30 * time.Second,
	HalfOpenTrials: 1,
}

// Target は解析済みのバックエンドURLを返す。テーブルに登録されたルートでのみ有効。
func (r *Route) Target() *url.URL {
	return r.target
}

// withDefaults は省略された項目を埋めたコピーを返す。
func (r Route) withDefaults() Route {
	if r.UpstreamTimeout == 0 {
		r.UpstreamTimeout = DefaultUpstreamTimeout
	}
	if r.RequestTimeout == 0 {
		r.RequestTimeout = DefaultRequestTimeout
	}
	cb := &r.CircuitBreaker
	if cb.Window == 0 {
		cb.Window = DefaultCircuitBreaker.Window
	}
	if cb.FailureRatio == 0 {
		cb.FailureRatio = DefaultCircuitBreaker.FailureRatio
	}
	if cb.MinRequests == 0 {
		cb.MinRequests = min(DefaultCircuitBreaker.MinRequests, cb.Window)
	}
	if cb.Cooldown == 0 {
		cb.Cooldown = DefaultCircuitBreaker.Cooldown
	}
	if cb.HalfOpenTrials == 0 {
		cb.HalfOpenTrials = DefaultCircuitBreaker.HalfOpenTrials
	}
	r.Match.Headers = maps.Clone(r.Match.Headers)
	r.Match.Methods = slices.Clone(r.Match.Methods)
	for i, m := range r.Match.Methods {
		r.Match.Methods[i] = strings.ToUpper(m)
	}
	r.RequiredScopes = slices.Clone(r.RequiredScopes)
	return r
}

// validate はルートを検証し、解析済みのURLを設定する。
func (r *Route) validate() error {
	var errs []error
	if r.ID == "" {
		errs = append(errs, errors.New("idが空です"))
	}
	if err := validatePath(r.Match.Path); err != nil {
		errs = append(errs, err)
	}

	u, err := url.Parse(r.Upstream)
	switch {
	case r.Upstream == "":
		errs = append(errs, errors.New("upstreamが空です"))
	case err != nil:
		errs = append(errs, fmt.Errorf("upstreamのURLが不正: %w", err))
	case u.Scheme != "http" && u.Scheme != "https", u.Host == "":
		errs = append(errs, fmt.Errorf("upstreamは絶対URLである必要があります: %q", r.Upstream))
	default:
		r.target = u
	}

	if r.StripPrefix != "" && !strings.HasPrefix(r.StripPrefix, "/") {
		errs = append(errs, fmt.Errorf("strip_prefixは/で始まる必要があります: %q", r.StripPrefix))
	}
	if r.RateLimit.Capacity < 0 || r.RateLimit.RefillPerSecond < 0 {
		errs = append(errs, errors.New("rate_limitに負の値は指定できません"))
	}
	if r.RateLimit.Capacity > 0 && r.RateLimit.RefillPerSecond == 0 {
		errs = append(errs, errors.New("rate_limit.refill_per_secondが0です"))
	}

	cb := r.CircuitBreaker
	if cb.Window < 1 {
		errs = append(errs, errors.New("circuit_breaker.windowは1以上である必要があります"))
	}
	if cb.FailureRatio <= 0 || cb.FailureRatio > 1 {
		errs = append(errs, fmt.Errorf("circuit_breaker.failure_ratioは(0,1]の範囲である必要があります: %v", cb.FailureRatio))
	}
	if cb.MinRequests < 1 || cb.MinRequests > cb.Window {
		errs = append(errs, errors.New("circuit_breaker.min_requestsは1以上window以下である必要があります"))
	}
	if cb.Cooldown < 0 || cb.HalfOpenTrials < 1 {
		errs = append(errs, errors.New("circuit_breakerのcooldownまたはhalf_open_trialsが不正です"))
	}
	if r.UpstreamTimeout < 0 || r.RequestTimeout < 0 {
		errs = append(errs, errors.New("タイムアウトに負の値は指定できません"))
	}
	for _, m := range r.Match.Methods {
		if !validMethod(m) {
			errs = append(errs, fmt.Errorf("不明なメソッド: %q", m))
		}
	}
	return errors.Join(errs...)
}

func validatePath(p string) error {
	if !strings.HasPrefix(p, "/") {
		return fmt.Errorf("match.pathは/で始まる必要があります: %q", p)
	}
	if i := strings.Index(p, "*"); i >= 0 && (i != len(p)-1 || !strings.HasSuffix(p, "/*")) {
		return fmt.Errorf("ワイルドカードは末尾の/*のみ使用できます: %q", p)
	}
	return nil
}

var methods = []string{
	http.MethodGet, http.MethodHead, http.MethodPost, http.MethodPut, http.MethodPatch,
	http.MethodDelete, http.MethodConnect, http.MethodOptions, http.MethodTrace,
}

func validMethod(m string) bool {
	return slices.Contains(methods, m)
}

// matches はリクエストがルートの条件を満たすかを返す。
func (r *Route) matches(req *http.Request) bool {
	if !matchPath(r.Match.Path, req.URL.Path) {
		return false
	}
	if r.Match.Host != "" && !strings.EqualFold(r.Match.Host, hostname(req.Host)) {
		return false
	}
	if len(r.Match.Methods) > 0 && !slices.Contains(r.Match.Methods, req.Method) {
		return false
	}
	for k, v := range r.Match.Headers {
		got := req.Header.Values(k)
		if len(got) == 0 {
			return false
		}
		if v != "*" && !slices.Contains(got, v) {
			return false
		}
	}
	return true
}

func matchPath(pattern, path string) bool {
	prefix, ok := strings.CutSuffix(pattern, "/*")
	if !ok {
		return path == pattern
	}
	return prefix == "" || path == prefix || strings.HasPrefix(path, prefix+"/")
}

func hostname(host string) string {
	if h, _, err := net.SplitHostPort(host); err == nil {
		return h
	}
	return host
}

// specificity はルートの具体性。大きいほど優先される。
type specificity struct {
	literal int
	exact   bool
	host    bool
	headers int
	methods bool
}

func (r *Route) specificity() specificity {
	literal, prefix := strings.CutSuffix(r.Match.Path, "/*")
	return specificity{
		literal: len(literal),
		exact:   !prefix,
		host:    r.Match.Host != "",
		headers: len(r.Match.Headers),
		methods: len(r.Match.Methods) > 0,
	}
}

// compare はaがbより具体的であれば負、同じであれば0を返す。
func (a specificity) compare(b specificity) int {
	if a.literal != b.literal {
		return b.literal - a.literal
	}
	if a.exact != b.exact {
		return boolRank(b.exact) - boolRank(a.exact)
	}
	if a.host != b.host {
		return boolRank(b.host) - boolRank(a.host)
	}
	if a.headers != b.headers {
		return b.headers - a.headers
	}
	return boolRank(b.methods) - boolRank(a.methods)
}

func boolRank(b bool) int {
	if b {
		return 1
	}
	return 0
}
