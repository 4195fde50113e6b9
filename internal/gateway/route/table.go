package route

import (
	"errors"
	"fmt"
	"net/http"
	"slices"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/serezk4/lockbox-backend/pkg/apperror"
)

// Failure は検証に失敗したルートとその理由。
type Failure struct {
	RouteID string `json:"route_id"`
	Reason  string `json:"reason"`
}

// ValidationError はリロード時に失敗したルートの一覧。
type ValidationError struct {
	Failures []Failure
}

// Error はerrorインターフェースを実装する。
func (e *ValidationError) Error() string {
	parts := make([]string, 0, len(e.Failures))
	for _, f := range e.Failures {
		parts = append(parts, fmt.Sprintf("%s: %s", f.RouteID, f.Reason))
	}
	return fmt.Sprintf("%d件のルートが不正です: %s", len(e.Failures), strings.Join(parts, "; "))
}

// generation は一度に差し替えられるルートの集合。
type generation struct {
	number   uint64
	loadedAt time.Time
	// declared は宣言順、ordered は具体性の高い順（同順位は宣言順）。
	declared []*Route
	ordered  []*Route
}

// Table はルーティングテーブル。照合は並行に行えるが、リロードは直列化される。
type Table struct {
	current atomic.Pointer[generation]
	mu      sync.Mutex
}

// NewTable は空のテーブルを生成する。
func NewTable() *Table {
	t := &Table{}
	t.current.Store(&generation{loadedAt: time.Now()})
	return t
}

// Match はリクエストに最も具体的に一致するルートを返す。
func (t *Table) Match(req *http.Request) (*Route, error) {
	for _, r := range t.current.Load().ordered {
		if r.matches(req) {
			return r, nil
		}
	}
	return nil, ErrNotFound
}

// Reload はすべてのルートを検証してからテーブルを丸ごと差し替える。
// 1件でも不正なルートがあれば現在のテーブルを維持し、失敗した全ルートを返す。
func (t *Table) Reload(routes []Route) error {
	next := make([]*Route, 0, len(routes))
	var failures []Failure
	seen := make(map[string]bool, len(routes))

	for i, in := range routes {
		r := in.withDefaults()
		id := r.ID
		if id == "" {
			id = fmt.Sprintf("#%d", i)
		}
		if err := r.validate(); err != nil {
			failures = append(failures, Failure{RouteID: id, Reason: err.Error()})
			continue
		}
		if seen[r.ID] {
			failures = append(failures, Failure{RouteID: id, Reason: "idが重複しています"})
			continue
		}
		seen[r.ID] = true
		next = append(next, &r)
	}
	if len(failures) > 0 {
		return apperror.Wrap(apperror.KindConfigurationInvalid, "ルート設定が不正です", &ValidationError{Failures: failures})
	}

	ordered := slices.Clone(next)
	slices.SortStableFunc(ordered, func(a, b *Route) int {
		return a.specificity().compare(b.specificity())
	})

	t.mu.Lock()
	defer t.mu.Unlock()
	t.current.Store(&generation{
		number:   t.current.Load().number + 1,
		loadedAt: time.Now(),
		declared: next,
		ordered:  ordered,
	})
	return nil
}

// Snapshot は現在の世代の内容。
type Snapshot struct {
	Generation uint64    `json:"generation"`
	LoadedAt   time.Time `json:"loaded_at"`
	Routes     []Route   `json:"routes"`
}

// Snapshot は現在の世代を宣言順で返す。
func (t *Table) Snapshot() Snapshot {
	g := t.current.Load()
	routes := make([]Route, 0, len(g.declared))
	for _, r := range g.declared {
		routes = append(routes, *r)
	}
	return Snapshot{Generation: g.number, LoadedAt: g.loadedAt, Routes: routes}
}

// Failures はerrがValidationErrorを含む場合にその失敗一覧を返す。
func Failures(err error) []Failure {
	var verr *ValidationError
	if errors.As(err, &verr) {
		return verr.Failures
	}
	return nil
}
