package authz

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/serezk4/lockbox-backend/pkg/apperror"
	"github.com/serezk4/lockbox-backend/pkg/credcache"
	"github.com/serezk4/lockbox-backend/pkg/credential"
	"github.com/serezk4/lockbox-backend/pkg/event"
	"github.com/serezk4/lockbox-backend/pkg/idp"
	"github.com/serezk4/lockbox-backend/pkg/logger"
	"github.com/serezk4/lockbox-backend/pkg/metrics"
)

// GrantRequest はトークン発行要求。
type GrantRequest struct {
	ClientID     string
	ClientSecret string
	GrantType    string
	Username     string
	Password     string
	Code         string
	RedirectURI  string
	Scopes       []string
}

// RefreshRequest はトークン更新要求。
type RefreshRequest struct {
	ClientID     string
	ClientSecret string
	RefreshToken string
}

// Issued は発行したトークンの組とセッションID。
type Issued struct {
	Pair      credential.Pair
	SessionID string
}

// ServiceConfig はセッション管理の設定。
type ServiceConfig struct {
	// MaxCacheAge は事前登録する検証結果の最大寿命。
	MaxCacheAge time.Duration `yaml:"max_cache_age"`
	// SessionTTL はプロバイダがリフレッシュトークンの期限を返さない場合のセッション寿命。
	SessionTTL time.Duration `yaml:"session_ttl"`
	// SweepInterval は期限切れセッションを掃除する間隔。
	SweepInterval time.Duration `yaml:"sweep_interval"`
	// SweepBatch は1回の掃除で処理する最大件数。
	SweepBatch int `yaml:"sweep_batch"`
}

func (c ServiceConfig) withDefaults() ServiceConfig {
	if c.MaxCacheAge <= 0 {
		c.MaxCacheAge = 5 * time.Minute
	}
	if c.SessionTTL <= 0 {
		c.SessionTTL = 30 * 24 * time.Hour
	}
	if c.SweepInterval <= 0 {
		c.SweepInterval = time.Minute
	}
	if c.SweepBatch <= 0 {
		c.SweepBatch = 100
	}
	return c
}

// Service は認可層の中核。クライアントの代理でIDプロバイダからトークンを取得し、
// セッションを記録し、失効を共有キャッシュへ伝播する。
type Service struct {
	store   *Store
	adapter idp.Adapter
	cache   credcache.Cache
	clients *Registry
	sealer  *Sealer
	cfg     ServiceConfig
	now     func() time.Time
}

// ServiceOption はServiceのオプション。
type ServiceOption func(*Service)

// WithServiceClock は現在時刻の取得関数を差し替える。
func WithServiceClock(now func() time.Time) ServiceOption {
	return func(s *Service) { s.now = now }
}

// NewService は新しいServiceを生成する。
func NewService(store *Store, adapter idp.Adapter, cache credcache.Cache, clients *Registry, sealer *Sealer, cfg ServiceConfig, opts ...ServiceOption) *Service {
	s := &Service{
		store:   store,
		adapter: adapter,
		cache:   cache,
		clients: clients,
		sealer:  sealer,
		cfg:     cfg.withDefaults(),
		now:     time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Authorize はクライアントを認証し、IDプロバイダからトークンを取得してセッションを作成する。
// 発行したアクセストークンの検証結果は共有キャッシュに事前登録する。
func (s *Service) Authorize(ctx context.Context, req GrantRequest) (issued Issued, err error) {
	defer func() { metrics.SessionOpsTotal.WithLabelValues("authorize", metrics.Result(err)).Inc() }()

	client, err := s.clients.Authenticate(req.ClientID, req.ClientSecret)
	if err != nil {
		return Issued{}, apperror.Wrap(apperror.KindUnauthenticated, "クライアント認証に失敗しました", err)
	}

	grant := idp.Grant{
		Type:        idp.GrantType(req.GrantType),
		Username:    req.Username,
		Password:    req.Password,
		Code:        req.Code,
		RedirectURI: req.RedirectURI,
	}
	if err := checkGrant(grant); err != nil {
		return Issued{}, err
	}
	if !client.Allows(grant.Type) {
		return Issued{}, apperror.New(apperror.KindUnauthorized, "このクライアントには許可されていないグラント種別です")
	}
	if grant.Scopes, err = client.GrantScopes(req.Scopes); err != nil {
		return Issued{}, apperror.Wrap(apperror.KindInvalidRequest, "許可されていないスコープが含まれています", err)
	}

	pair, err := s.adapter.Issue(ctx, grant)
	if err != nil {
		return Issued{}, providerError(err)
	}

	now := s.now()
	s.completeClaims(&pair.Access.Claims, client, grant)

	sealed, err := s.sealer.Seal(pair.Refresh.Raw)
	if err != nil {
		return Issued{}, apperror.Wrap(apperror.KindInternal, "", err)
	}
	sess := Session{
		ID:              uuid.NewString(),
		ClientID:        client.ID,
		Subject:         pair.Access.Claims.Subject,
		Scopes:          pair.Access.Claims.Scopes,
		SealedRefresh:   sealed,
		IssuedAt:        now,
		LastRefreshedAt: now,
		ExpiresAt:       s.sessionExpiry(pair.Refresh, now),
		Version:         1,
	}
	if pair.Refresh.Raw != "" {
		sess.RefreshRef = pair.Refresh.Fingerprint()
	}

	ev, err := event.New(sess.ID, event.AggregateTypeSession, event.TypeSessionCreated, sess.Version, event.SessionCreatedData{
		ClientID:  sess.ClientID,
		Subject:   sess.Subject,
		GrantType: string(grant.Type),
		Scopes:    sess.Scopes,
		ExpiresAt: sess.ExpiresAt,
	})
	if err != nil {
		return Issued{}, apperror.Wrap(apperror.KindInternal, "", err)
	}
	token := TokenRef{Fingerprint: pair.Access.Fingerprint(), ExpiresAt: pair.Access.Claims.ExpiresAt}
	if err := s.store.Create(ctx, sess, token, ev); err != nil {
		s.discard(ctx, pair)
		return Issued{}, apperror.Wrap(apperror.KindInternal, "", err)
	}

	s.prewarm(ctx, pair.Access, now)
	logger.From(ctx).Info("セッションを作成しました",
		logger.SessionID(sess.ID), logger.ClientID(sess.ClientID), logger.Subject(sess.Subject),
		zap.String("grant_type", string(grant.Type)))
	return Issued{Pair: pair, SessionID: sess.ID}, nil
}

// Refresh はリフレッシュトークンでトークンを再発行し、セッションのリフレッシュ参照を更新する。
// IDプロバイダが拒否した場合、セッションは削除される。
func (s *Service) Refresh(ctx context.Context, req RefreshRequest) (issued Issued, err error) {
	defer func() { metrics.SessionOpsTotal.WithLabelValues("refresh", metrics.Result(err)).Inc() }()

	client, err := s.clients.Authenticate(req.ClientID, req.ClientSecret)
	if err != nil {
		return Issued{}, apperror.Wrap(apperror.KindUnauthenticated, "クライアント認証に失敗しました", err)
	}
	if !client.Allows(idp.GrantRefreshToken) {
		return Issued{}, apperror.New(apperror.KindUnauthorized, "このクライアントには許可されていないグラント種別です")
	}
	if req.RefreshToken == "" {
		return Issued{}, apperror.New(apperror.KindInvalidRequest, "refresh_tokenが必要です")
	}

	sess, err := s.store.FindByRefresh(ctx, credential.Fingerprint(req.RefreshToken))
	if errors.Is(err, ErrSessionNotFound) {
		return Issued{}, apperror.New(apperror.KindUnauthenticated, "リフレッシュトークンが無効です")
	}
	if err != nil {
		return Issued{}, apperror.Wrap(apperror.KindInternal, "", err)
	}
	if sess.ClientID != client.ID {
		return Issued{}, apperror.New(apperror.KindUnauthenticated, "リフレッシュトークンが無効です")
	}

	now := s.now()
	if !sess.ExpiresAt.IsZero() && !now.Before(sess.ExpiresAt) {
		s.expire(ctx, sess, now)
		return Issued{}, apperror.New(apperror.KindUnauthenticated, "セッションの有効期限が切れています")
	}

	grant := idp.Grant{Type: idp.GrantRefreshToken, RefreshToken: req.RefreshToken, Scopes: sess.Scopes}
	pair, err := s.adapter.Issue(ctx, grant)
	if err != nil {
		if idp.IsRejected(err) {
			s.drop(ctx, sess, "provider_rejected")
		}
		return Issued{}, providerError(err)
	}
	s.completeClaims(&pair.Access.Claims, client, grant)
	if pair.Access.Claims.Subject == "" {
		pair.Access.Claims.Subject = sess.Subject
	}

	next := sess
	next.Version++
	next.LastRefreshedAt = now
	if pair.Refresh.Raw != "" {
		sealed, err := s.sealer.Seal(pair.Refresh.Raw)
		if err != nil {
			return Issued{}, apperror.Wrap(apperror.KindInternal, "", err)
		}
		next.RefreshRef = pair.Refresh.Fingerprint()
		next.SealedRefresh = sealed
		next.ExpiresAt = s.sessionExpiry(pair.Refresh, now)
	}

	ev, err := event.New(sess.ID, event.AggregateTypeSession, event.TypeSessionRefreshed, next.Version, event.SessionRefreshedData{
		AccessFingerprint: pair.Access.Fingerprint(),
		ExpiresAt:         next.ExpiresAt,
	})
	if err != nil {
		return Issued{}, apperror.Wrap(apperror.KindInternal, "", err)
	}
	token := TokenRef{Fingerprint: pair.Access.Fingerprint(), ExpiresAt: pair.Access.Claims.ExpiresAt}
	if err := s.store.Rotate(ctx, next, token, ev); err != nil {
		if pair.Refresh.Raw != "" && pair.Refresh.Raw != req.RefreshToken {
			if rerr := s.adapter.Revoke(ctx, pair.Refresh.Raw, credential.TokenTypeRefresh); rerr != nil {
				logger.From(ctx).Warn("記録できなかったリフレッシュトークンの失効に失敗", logger.SessionID(sess.ID), zap.Error(rerr))
			}
		}
		if errors.Is(err, ErrSessionNotFound) {
			return Issued{}, apperror.New(apperror.KindUnauthenticated, "リフレッシュトークンは既に使用されています")
		}
		return Issued{}, apperror.Wrap(apperror.KindInternal, "", err)
	}

	s.prewarm(ctx, pair.Access, now)
	logger.From(ctx).Info("セッションを更新しました", logger.SessionID(sess.ID), logger.ClientID(client.ID))
	return Issued{Pair: pair, SessionID: sess.ID}, nil
}

// maxRevokeAttempts は失効中にセッションが更新された場合の再試行回数の上限。
const maxRevokeAttempts = 5

// RevokeSession はセッションを失効させる。
//
// 手順はIDプロバイダでのリフレッシュトークン失効、共有キャッシュへの
// アクセストークン失効の書き込み、セッション削除の順で、すべて成功した
// 場合にのみnilを返す。途中で並行する更新がセッションを書き換えた場合は
// 最新の状態を読み直して手順をやり直す。actorが空でなければ、セッションの
// 主体と一致しない場合はKindNotFoundを返す。
func (s *Service) RevokeSession(ctx context.Context, id, actor string) (err error) {
	defer func() { metrics.SessionOpsTotal.WithLabelValues("revoke", metrics.Result(err)).Inc() }()

	sess, err := s.store.Get(ctx, id)
	if errors.Is(err, ErrSessionNotFound) {
		return apperror.New(apperror.KindNotFound, "セッションが見つかりません")
	}
	if err != nil {
		return apperror.Wrap(apperror.KindInternal, "", err)
	}
	if actor != "" && sess.Subject != actor {
		return apperror.New(apperror.KindNotFound, "セッションが見つかりません")
	}

	revokedBy := actor
	if revokedBy == "" {
		revokedBy = "system"
	}
	for attempt := 1; ; attempt++ {
		n, err := s.revokeTokens(ctx, sess)
		if err != nil {
			return err
		}

		ev, err := event.New(sess.ID, event.AggregateTypeSession, event.TypeSessionRevoked, sess.Version+1, event.SessionRevokedData{
			RevokedBy:   revokedBy,
			Reason:      "requested",
			Invalidated: n,
		})
		if err != nil {
			return apperror.Wrap(apperror.KindInternal, "", err)
		}
		err = s.store.Delete(ctx, sess.ID, sess.Version, ev)
		switch {
		case err == nil, errors.Is(err, ErrSessionNotFound):
			logger.From(ctx).Info("セッションを失効させました",
				logger.SessionID(sess.ID), logger.Subject(sess.Subject), zap.Int("invalidated", n))
			return nil
		case errors.Is(err, ErrStaleSession) && attempt < maxRevokeAttempts:
			logger.From(ctx).Debug("失効中にセッションが更新されたため再試行します",
				logger.SessionID(sess.ID), zap.Int("attempt", attempt))
			sess, err = s.store.Get(ctx, sess.ID)
			if errors.Is(err, ErrSessionNotFound) {
				return nil
			}
			if err != nil {
				return apperror.Wrap(apperror.KindInternal, "", err)
			}
		default:
			return apperror.Wrap(apperror.KindInternal, "", err)
		}
	}
}

// revokeTokens はセッションのリフレッシュトークンをIDプロバイダで失効させ、
// アクセストークンを共有キャッシュ上で失効させる。
func (s *Service) revokeTokens(ctx context.Context, sess Session) (int, error) {
	refresh, err := s.sealer.Open(sess.SealedRefresh)
	if err != nil {
		return 0, apperror.Wrap(apperror.KindInternal, "", err)
	}
	if refresh != "" {
		if err := s.adapter.Revoke(ctx, refresh, credential.TokenTypeRefresh); err != nil {
			logger.From(ctx).Warn("IDプロバイダでの失効に失敗", logger.SessionID(sess.ID), zap.Error(err))
			return 0, providerError(err)
		}
	}
	n, err := s.invalidateTokens(ctx, sess.ID)
	if err != nil {
		return n, apperror.Wrap(apperror.KindInternal, "失効の伝播に失敗しました", err)
	}
	return n, nil
}

// Ping は永続化層と共有キャッシュの疎通を確認する。
func (s *Service) Ping(ctx context.Context) error {
	if err := s.store.Ping(ctx); err != nil {
		return fmt.Errorf("データベースに接続できません: %w", err)
	}
	if err := s.cache.Ping(ctx); err != nil {
		return fmt.Errorf("キャッシュに接続できません: %w", err)
	}
	return nil
}

// ListSessions は主体のセッションを返す。
func (s *Service) ListSessions(ctx context.Context, subject string) ([]Session, error) {
	sessions, err := s.store.ListBySubject(ctx, subject)
	if err != nil {
		return nil, apperror.Wrap(apperror.KindInternal, "", err)
	}
	return sessions, nil
}

// Sweep は期限切れのセッションを削除し、削除した件数を返す。
func (s *Service) Sweep(ctx context.Context) (int, error) {
	now := s.now()
	expired, err := s.store.Expired(ctx, now, s.cfg.SweepBatch)
	if err != nil {
		return 0, err
	}
	n := 0
	for _, sess := range expired {
		if s.expire(ctx, sess, now) {
			n++
		}
	}
	return n, nil
}

// Run は期限切れセッションの掃除を定期的に実行する。ctxがキャンセルされるまで戻らない。
func (s *Service) Run(ctx context.Context) {
	log := logger.Named("sweeper")
	log.Info("セッション掃除を開始します", zap.Duration("interval", s.cfg.SweepInterval))

	ticker := time.NewTicker(s.cfg.SweepInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			log.Info("セッション掃除を停止します")
			return
		case <-ticker.C:
			n, err := s.Sweep(ctx)
			if err != nil {
				log.Error("セッション掃除に失敗", zap.Error(err))
				continue
			}
			if n > 0 {
				log.Info("期限切れセッションを削除しました", zap.Int("count", n))
			}
		}
	}
}

// expire は期限切れのセッションを削除する。削除できた場合はtrue。
func (s *Service) expire(ctx context.Context, sess Session, now time.Time) bool {
	ev, err := event.New(sess.ID, event.AggregateTypeSession, event.TypeSessionExpired, sess.Version+1,
		event.SessionExpiredData{ExpiredAt: now})
	if err != nil {
		logger.From(ctx).Error("イベントの生成に失敗", logger.SessionID(sess.ID), zap.Error(err))
		return false
	}
	err = s.store.Delete(ctx, sess.ID, sess.Version, ev)
	metrics.SessionOpsTotal.WithLabelValues("expire", metrics.Result(err)).Inc()
	if err != nil {
		if !errors.Is(err, ErrSessionNotFound) {
			logger.From(ctx).Error("期限切れセッションの削除に失敗", logger.SessionID(sess.ID), zap.Error(err))
		}
		return false
	}
	return true
}

// drop はIDプロバイダがセッションを認めなくなった場合に、キャッシュ上の
// アクセストークンを失効させてセッションを削除する。失敗はログに残すのみ。
func (s *Service) drop(ctx context.Context, sess Session, reason string) {
	log := logger.From(ctx).With(logger.SessionID(sess.ID))
	n, err := s.invalidateTokens(ctx, sess.ID)
	if err != nil {
		log.Warn("アクセストークンの失効に失敗", zap.Error(err))
	}
	ev, err := event.New(sess.ID, event.AggregateTypeSession, event.TypeSessionRevoked, sess.Version+1, event.SessionRevokedData{
		RevokedBy:   "provider",
		Reason:      reason,
		Invalidated: n,
	})
	if err != nil {
		log.Error("イベントの生成に失敗", zap.Error(err))
		return
	}
	if err := s.store.Delete(ctx, sess.ID, sess.Version, ev); err != nil && !errors.Is(err, ErrSessionNotFound) {
		log.Error("セッションの削除に失敗", zap.Error(err))
		return
	}
	log.Info("IDプロバイダに拒否されたセッションを削除しました", zap.String("reason", reason))
}

// discard は記録できなかったトークンの組をIDプロバイダで失効させる。失敗はログに残すのみ。
func (s *Service) discard(ctx context.Context, pair credential.Pair) {
	tokens := []struct {
		cred credential.Credential
		hint credential.TokenType
	}{
		{pair.Refresh, credential.TokenTypeRefresh},
		{pair.Access, credential.TokenTypeAccess},
	}
	for _, t := range tokens {
		if t.cred.Raw == "" {
			continue
		}
		if err := s.adapter.Revoke(ctx, t.cred.Raw, t.hint); err != nil {
			logger.From(ctx).Warn("記録できなかったトークンの失効に失敗", logger.Fingerprint(t.cred.Fingerprint()), zap.Error(err))
		}
	}
}

// invalidateTokens はセッションで発行した有効期限内のアクセストークンを
// すべて共有キャッシュ上で失効させ、書き込んだ件数を返す。
func (s *Service) invalidateTokens(ctx context.Context, sessionID string) (int, error) {
	tokens, err := s.store.Tokens(ctx, sessionID)
	if err != nil {
		return 0, err
	}
	now := s.now()
	n := 0
	for _, t := range tokens {
		until := t.ExpiresAt
		if until.IsZero() {
			until = now.Add(credcache.DefaultRevocationTTL)
		}
		if !until.After(now) {
			continue
		}
		if err := s.cache.Invalidate(ctx, t.Fingerprint, until); err != nil {
			return n, err
		}
		n++
	}
	return n, nil
}

// prewarm は発行直後のアクセストークンを有効な結果としてキャッシュに登録する。
// 失敗しても発行は成功として扱う。
func (s *Service) prewarm(ctx context.Context, access credential.Credential, now time.Time) {
	fp := access.Fingerprint()
	result := credential.NewResult(fp, credential.VerdictValid, access.Claims, now, s.cfg.MaxCacheAge)
	err := s.cache.Put(ctx, fp, result, result.ValidUntil.Sub(now))
	if err != nil && !errors.Is(err, credcache.ErrNotCacheable) {
		logger.From(ctx).Warn("検証結果の事前登録に失敗", logger.Fingerprint(fp), zap.Error(err))
	}
}

// completeClaims はプロバイダが返さなかった主張を補う。
func (s *Service) completeClaims(claims *credential.Claims, client Client, grant idp.Grant) {
	if claims.ClientID == "" {
		claims.ClientID = client.ID
	}
	if claims.Subject == "" {
		switch grant.Type {
		case idp.GrantPassword:
			claims.Subject = grant.Username
		case idp.GrantClientCredentials:
			claims.Subject = client.ID
		}
	}
}

func (s *Service) sessionExpiry(refresh credential.Credential, now time.Time) time.Time {
	if refresh.Raw != "" && !refresh.Claims.ExpiresAt.IsZero() {
		return refresh.Claims.ExpiresAt
	}
	return now.Add(s.cfg.SessionTTL)
}

// checkGrant はグラント種別ごとの必須項目を検証する。
func checkGrant(g idp.Grant) error {
	switch g.Type {
	case idp.GrantPassword:
		if g.Username == "" || g.Password == "" {
			return apperror.New(apperror.KindInvalidRequest, "usernameとpasswordが必要です")
		}
	case idp.GrantAuthorizationCode:
		if g.Code == "" {
			return apperror.New(apperror.KindInvalidRequest, "codeが必要です")
		}
	case idp.GrantClientCredentials:
	case idp.GrantRefreshToken:
		return apperror.New(apperror.KindInvalidRequest, "refresh_tokenは更新要求で指定してください")
	default:
		return apperror.New(apperror.KindInvalidRequest, "未対応のグラント種別です")
	}
	return nil
}

// providerError はIDプロバイダのエラーを外部向けの種別に変換する。
func providerError(err error) error {
	if idp.IsRejected(err) {
		return apperror.Wrap(apperror.KindProviderRejected, "", err)
	}
	return apperror.Wrap(apperror.KindProviderTransientFailure, "", err)
}
