// Package event はセッションのライフサイクルを記録する監査イベントを定義する。
package event

import (
	"encoding/json"
	"time"
)

// AggregateType はイベントの対象となるエンティティの種類を表す。
type AggregateType string

const (
	// AggregateTypeSession はクライアントセッションを表す。
	AggregateTypeSession AggregateType = "Session"
)

// Type はイベントの種類を表す。
type Type string

const (
	// TypeSessionCreated はトークン発行によりセッションが作成されたことを表す。
	TypeSessionCreated Type = "SessionCreated"
	// TypeSessionRefreshed はリフレッシュによりトークンが更新されたことを表す。
	TypeSessionRefreshed Type = "SessionRefreshed"
	// TypeSessionRevoked はセッションが失効されたことを表す。
	TypeSessionRevoked Type = "SessionRevoked"
	// TypeSessionExpired は期限切れのセッションが削除されたことを表す。
	TypeSessionExpired Type = "SessionExpired"
)

// Event は不変の監査イベントレコードを表す。
type Event struct {
	// ID はイベントの一意識別子（UUID）。
	ID string `json:"id"`
	// AggregateID は対象エンティティの識別子。
	AggregateID string `json:"aggregate_id"`
	// AggregateType は対象エンティティの種類。
	AggregateType AggregateType `json:"aggregate_type"`
	// EventType はイベントの種類。
	EventType Type `json:"event_type"`
	// Data はイベント固有のデータ（JSON形式）。
	Data json.RawMessage `json:"data"`
	// Version はAggregate内でのイベントの順序番号。
	Version int64 `json:"version"`
	// CreatedAt はイベントが作成された日時。
	CreatedAt time.Time `json:"created_at"`
}

// SessionCreatedData はSessionCreatedイベントのデータ。
type SessionCreatedData struct {
	// ClientID はトークンを要求したクライアント。
	ClientID string `json:"client_id"`
	// Subject はセッションの主体。
	Subject string `json:"subject"`
	// GrantType は使用したグラント種別。
	GrantType string `json:"grant_type"`
	// Scopes は付与されたスコープ。
	Scopes []string `json:"scopes,omitempty"`
	// ExpiresAt はセッションの有効期限。
	ExpiresAt time.Time `json:"expires_at"`
}

// SessionRefreshedData はSessionRefreshedイベントのデータ。
type SessionRefreshedData struct {
	// AccessFingerprint は新しいアクセストークンのフィンガープリント。
	AccessFingerprint string `json:"access_fingerprint"`
	// ExpiresAt は更新後のセッションの有効期限。
	ExpiresAt time.Time `json:"expires_at"`
}

// SessionRevokedData はSessionRevokedイベントのデータ。
type SessionRevokedData struct {
	// RevokedBy は失効を要求した主体。
	RevokedBy string `json:"revoked_by"`
	// Reason は失効の理由。
	Reason string `json:"reason"`
	// Invalidated はキャッシュから無効化したアクセストークンの数。
	Invalidated int `json:"invalidated"`
}

// SessionExpiredData はSessionExpiredイベントのデータ。
type SessionExpiredData struct {
	// ExpiredAt はセッションの有効期限。
	ExpiredAt time.Time `json:"expired_at"`
}
