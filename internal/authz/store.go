package authz

import (
	"context"
	"database/sql"
	"embed"
	"errors"
	"fmt"
	"strings"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib"
	_ "modernc.org/sqlite"

	"github.com/serezk4/lockbox-backend/pkg/event"
	"github.com/serezk4/lockbox-backend/pkg/migration"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

var (
	// ErrSessionNotFound はセッションが存在しないことを表す。
	ErrSessionNotFound = errors.New("セッションが見つかりません")
	// ErrStaleSession は読み取った後にセッションが更新されたことを表す。
	ErrStaleSession = errors.New("セッションが更新されています")
)

// Session はクライアントセッション。
type Session struct {
	ID       string   `json:"id"`
	ClientID string   `json:"client_id"`
	Subject  string   `json:"subject"`
	Scopes   []string `json:"scopes"`
	// RefreshRef はリフレッシュトークンのフィンガープリント。発行されていなければ空。
	RefreshRef string `json:"-"`
	// SealedRefresh は暗号化したリフレッシュトークン。
	SealedRefresh   string    `json:"-"`
	IssuedAt        time.Time `json:"issued_at"`
	LastRefreshedAt time.Time `json:"last_refreshed_at"`
	ExpiresAt       time.Time `json:"expires_at"`
	Version         int64     `json:"-"`
}

// TokenRef はセッションで発行したアクセストークンの参照。
type TokenRef struct {
	Fingerprint string
	ExpiresAt   time.Time
}

// Store はセッションを永続化する。状態の変更と監査イベントは同じトランザクションで書き込む。
type Store struct {
	db      *sql.DB
	dialect migration.Dialect
}

// OpenStore はデータベースに接続し、マイグレーションを適用する。
func OpenStore(ctx context.Context, dialect migration.Dialect, dsn string) (*Store, error) {
	db, err := sql.Open(dialect.DriverName(), dsn)
	if err != nil {
		return nil, fmt.Errorf("データベース接続に失敗: %w", err)
	}
	if dialect == migration.SQLite {
		// SQLiteは書き込みを直列化する
		db.SetMaxOpenConns(1)
	}
	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("データベースに接続できません: %w", err)
	}
	if err := migration.Run(ctx, db, dialect, migrationsFS, "migrations"); err != nil {
		_ = db.Close()
		return nil, err
	}
	return &Store{db: db, dialect: dialect}, nil
}

// Close は接続を閉じる。
func (s *Store) Close() error {
	return s.db.Close()
}

// Ping はデータベースの疎通を確認する。
func (s *Store) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

func (s *Store) q(query string) string {
	return s.dialect.Rebind(query)
}

// Create はセッションと最初のアクセストークンを記録する。
func (s *Store) Create(ctx context.Context, sess Session, token TokenRef, ev *event.Event) error {
	return s.tx(ctx, func(tx *sql.Tx) error {
		_, err := tx.ExecContext(ctx, s.q(`
			INSERT INTO sessions (id, client_id, subject, scopes, refresh_ref, sealed_refresh,
				issued_at, last_refreshed_at, expires_at, version)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`),
			sess.ID, sess.ClientID, sess.Subject, strings.Join(sess.Scopes, " "),
			nullString(sess.RefreshRef), sess.SealedRefresh,
			millis(sess.IssuedAt), millis(sess.LastRefreshedAt), millis(sess.ExpiresAt), sess.Version)
		if err != nil {
			return fmt.Errorf("セッションの作成に失敗: %w", err)
		}
		if err := s.insertToken(ctx, tx, sess.ID, token); err != nil {
			return err
		}
		return s.insertEvent(ctx, tx, ev)
	})
}

// Rotate はリフレッシュ後のセッションを書き込み、新しいアクセストークンを記録する。
// バージョンが一致しない場合（並行したリフレッシュ）はErrSessionNotFoundを返す。
func (s *Store) Rotate(ctx context.Context, sess Session, token TokenRef, ev *event.Event) error {
	return s.tx(ctx, func(tx *sql.Tx) error {
		res, err := tx.ExecContext(ctx, s.q(`
			UPDATE sessions
			SET refresh_ref = ?, sealed_refresh = ?, scopes = ?, last_refreshed_at = ?, expires_at = ?, version = ?
			WHERE id = ? AND version = ?`),
			nullString(sess.RefreshRef), sess.SealedRefresh, strings.Join(sess.Scopes, " "),
			millis(sess.LastRefreshedAt), millis(sess.ExpiresAt), sess.Version,
			sess.ID, sess.Version-1)
		if err != nil {
			return fmt.Errorf("セッションの更新に失敗: %w", err)
		}
		n, err := res.RowsAffected()
		if err != nil {
			return fmt.Errorf("更新件数の取得に失敗: %w", err)
		}
		if n == 0 {
			return ErrSessionNotFound
		}
		if err := s.insertToken(ctx, tx, sess.ID, token); err != nil {
			return err
		}
		return s.insertEvent(ctx, tx, ev)
	})
}

// Delete はバージョンがversionのセッションと発行済みトークンの記録を削除する。
// セッションが無ければErrSessionNotFound、バージョンが異なればErrStaleSessionを返す。
func (s *Store) Delete(ctx context.Context, id string, version int64, ev *event.Event) error {
	return s.tx(ctx, func(tx *sql.Tx) error {
		res, err := tx.ExecContext(ctx, s.q(`DELETE FROM sessions WHERE id = ? AND version = ?`), id, version)
		if err != nil {
			return fmt.Errorf("セッションの削除に失敗: %w", err)
		}
		n, err := res.RowsAffected()
		if err != nil {
			return fmt.Errorf("削除件数の取得に失敗: %w", err)
		}
		if n == 0 {
			var current int64
			err := tx.QueryRowContext(ctx, s.q(`SELECT version FROM sessions WHERE id = ?`), id).Scan(&current)
			if errors.Is(err, sql.ErrNoRows) {
				return ErrSessionNotFound
			}
			if err != nil {
				return fmt.Errorf("セッションの読み取りに失敗: %w", err)
			}
			return ErrStaleSession
		}
		if _, err := tx.ExecContext(ctx, s.q(`DELETE FROM session_tokens WHERE session_id = ?`), id); err != nil {
			return fmt.Errorf("トークン記録の削除に失敗: %w", err)
		}
		return s.insertEvent(ctx, tx, ev)
	})
}

const sessionColumns = `id, client_id, subject, scopes, refresh_ref, sealed_refresh,
	issued_at, last_refreshed_at, expires_at, version`

// Get はIDでセッションを取得する。
func (s *Store) Get(ctx context.Context, id string) (Session, error) {
	row := s.db.QueryRowContext(ctx, s.q(`SELECT `+sessionColumns+` FROM sessions WHERE id = ?`), id)
	return scanSession(row)
}

// FindByRefresh はリフレッシュトークンのフィンガープリントでセッションを取得する。
func (s *Store) FindByRefresh(ctx context.Context, ref string) (Session, error) {
	row := s.db.QueryRowContext(ctx, s.q(`SELECT `+sessionColumns+` FROM sessions WHERE refresh_ref = ?`), ref)
	return scanSession(row)
}

// ListBySubject は主体のセッションを発行日時の新しい順に返す。
func (s *Store) ListBySubject(ctx context.Context, subject string) ([]Session, error) {
	rows, err := s.db.QueryContext(ctx,
		s.q(`SELECT `+sessionColumns+` FROM sessions WHERE subject = ? ORDER BY issued_at DESC, id`), subject)
	if err != nil {
		return nil, fmt.Errorf("セッション一覧の取得に失敗: %w", err)
	}
	return collectSessions(rows)
}

// Expired は期限切れのセッションを最大limit件返す。
func (s *Store) Expired(ctx context.Context, now time.Time, limit int) ([]Session, error) {
	rows, err := s.db.QueryContext(ctx,
		s.q(`SELECT `+sessionColumns+` FROM sessions WHERE expires_at <= ? ORDER BY expires_at LIMIT ?`),
		millis(now), limit)
	if err != nil {
		return nil, fmt.Errorf("期限切れセッションの取得に失敗: %w", err)
	}
	return collectSessions(rows)
}

// Tokens はセッションで発行したアクセストークンの参照を返す。
func (s *Store) Tokens(ctx context.Context, sessionID string) ([]TokenRef, error) {
	rows, err := s.db.QueryContext(ctx,
		s.q(`SELECT fingerprint, expires_at FROM session_tokens WHERE session_id = ? ORDER BY expires_at`), sessionID)
	if err != nil {
		return nil, fmt.Errorf("トークン記録の取得に失敗: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var refs []TokenRef
	for rows.Next() {
		var (
			ref TokenRef
			exp int64
		)
		if err := rows.Scan(&ref.Fingerprint, &exp); err != nil {
			return nil, fmt.Errorf("トークン記録の読み取りに失敗: %w", err)
		}
		ref.ExpiresAt = fromMillis(exp)
		refs = append(refs, ref)
	}
	return refs, rows.Err()
}

// Events はセッションの監査イベントをバージョン順に返す。
func (s *Store) Events(ctx context.Context, sessionID string) ([]event.Event, error) {
	rows, err := s.db.QueryContext(ctx, s.q(`
		SELECT id, session_id, event_type, data, version, created_at
		FROM session_events WHERE session_id = ? ORDER BY version, created_at`), sessionID)
	if err != nil {
		return nil, fmt.Errorf("イベントの取得に失敗: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var events []event.Event
	for rows.Next() {
		var (
			ev      event.Event
			data    string
			created int64
		)
		if err := rows.Scan(&ev.ID, &ev.AggregateID, &ev.EventType, &data, &ev.Version, &created); err != nil {
			return nil, fmt.Errorf("イベントの読み取りに失敗: %w", err)
		}
		ev.AggregateType = event.AggregateTypeSession
		ev.Data = []byte(data)
		ev.CreatedAt = fromMillis(created)
		events = append(events, ev)
	}
	return events, rows.Err()
}

func (s *Store) insertToken(ctx context.Context, tx *sql.Tx, sessionID string, token TokenRef) error {
	if token.Fingerprint == "" {
		return nil
	}
	_, err := tx.ExecContext(ctx,
		s.q(`INSERT INTO session_tokens (session_id, fingerprint, expires_at) VALUES (?, ?, ?)`),
		sessionID, token.Fingerprint, millis(token.ExpiresAt))
	if err != nil {
		return fmt.Errorf("トークン記録の作成に失敗: %w", err)
	}
	return nil
}

func (s *Store) insertEvent(ctx context.Context, tx *sql.Tx, ev *event.Event) error {
	if ev == nil {
		return nil
	}
	_, err := tx.ExecContext(ctx, s.q(`
		INSERT INTO session_events (id, session_id, event_type, data, version, created_at)
		VALUES (?, ?, ?, ?, ?, ?)`),
		ev.ID, ev.AggregateID, string(ev.EventType), string(ev.Data), ev.Version, millis(ev.CreatedAt))
	if err != nil {
		return fmt.Errorf("イベントの記録に失敗: %w", err)
	}
	return nil
}

func (s *Store) tx(ctx context.Context, fn func(*sql.Tx) error) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("トランザクション開始に失敗: %w", err)
	}
	defer tx.Rollback() //nolint:errcheck

	if err := fn(tx); err != nil {
		return err
	}
	return tx.Commit()
}

type scanner interface {
	Scan(dest ...any) error
}

func scanSession(row scanner) (Session, error) {
	var (
		sess                        Session
		scopes                      string
		refresh                     sql.NullString
		issued, refreshed, expireAt int64
	)
	err := row.Scan(&sess.ID, &sess.ClientID, &sess.Subject, &scopes, &refresh, &sess.SealedRefresh,
		&issued, &refreshed, &expireAt, &sess.Version)
	if errors.Is(err, sql.ErrNoRows) {
		return Session{}, ErrSessionNotFound
	}
	if err != nil {
		return Session{}, fmt.Errorf("セッションの読み取りに失敗: %w", err)
	}
	sess.Scopes = strings.Fields(scopes)
	sess.RefreshRef = refresh.String
	sess.IssuedAt = fromMillis(issued)
	sess.LastRefreshedAt = fromMillis(refreshed)
	sess.ExpiresAt = fromMillis(expireAt)
	return sess, nil
}

func collectSessions(rows *sql.Rows) ([]Session, error) {
	defer func() { _ = rows.Close() }()

	var out []Session
	for rows.Next() {
		sess, err := scanSession(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, sess)
	}
	return out, rows.Err()
}

func nullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}

func millis(t time.Time) int64 {
	if t.IsZero() {
		return 0
	}
	return t.UnixMilli()
}

func fromMillis(ms int64) time.Time {
	if ms == 0 {
		return time.Time{}
	}
	return time.UnixMilli(ms).UTC()
}
