package event

import (
	"encoding/json"
	"errors"
	"testing"
	"time"
)

// TestNew はNew関数でイベントが正しく生成されることを検証する。
func TestNew(t *testing.T) {
	t.Parallel()

	t.Run("SessionCreatedDataでイベントを正常に生成できること", func(t *testing.T) {
		t.Parallel()

		data := SessionCreatedData{
			ClientID:  "web",
			Subject:   "user-1",
			GrantType: "password",
			Scopes:    []string{"openid", "orders:read"},
			ExpiresAt: time.Date(2025, 1, 15, 11, 0, 0, 0, time.UTC),
		}

		before := time.Now().UTC()
		ev, err := New("session-1", AggregateTypeSession, TypeSessionCreated, 1, data)
		after := time.Now().UTC()

		if err != nil {
			t.Fatalf("New()でエラーが発生: %v", err)
		}
		if ev == nil {
			t.Fatal("New()がnilを返した")
		}

		// UUIDが生成されていること
		if ev.ID == "" {
			t.Error("IDが空文字列")
		}
		if ev.AggregateID != "session-1" {
			t.Errorf("AggregateID = %q, want %q", ev.AggregateID, "session-1")
		}
		if ev.EventType != TypeSessionCreated {
			t.Errorf("EventType = %q, want %q", ev.EventType, TypeSessionCreated)
		}
		if ev.Version != 1 {
			t.Errorf("Version = %d, want %d", ev.Version, 1)
		}

		// CreatedAtが呼び出し前後の範囲内であること
		if ev.CreatedAt.Before(before) || ev.CreatedAt.After(after) {
			t.Errorf("CreatedAt = %v, 期待する範囲: [%v, %v]", ev.CreatedAt, before, after)
		}
	})

	t.Run("連続して生成したイベントのIDが異なること", func(t *testing.T) {
		t.Parallel()

		data := SessionExpiredData{ExpiredAt: time.Now()}

		ev1, err := New("session-3", AggregateTypeSession, TypeSessionExpired, 1, data)
		if err != nil {
			t.Fatalf("1回目のNew()でエラーが発生: %v", err)
		}

		ev2, err := New("session-3", AggregateTypeSession, TypeSessionExpired, 2, data)
		if err != nil {
			t.Fatalf("2回目のNew()でエラーが発生: %v", err)
		}

		if ev1.ID == ev2.ID {
			t.Errorf("異なるイベントが同じIDを持っている: %q", ev1.ID)
		}
	})

	t.Run("イベント種別とデータの型が一致しなければエラーが返ること", func(t *testing.T) {
		t.Parallel()

		ev, err := New("session-4", AggregateTypeSession, TypeSessionCreated, 1, SessionExpiredData{})
		if !errors.Is(err, ErrDataMismatch) {
			t.Fatalf("New() error = %v, want ErrDataMismatch", err)
		}
		if ev != nil {
			t.Error("エラー時にnilでないEventが返った")
		}
	})

	t.Run("データのポインタも受け付けること", func(t *testing.T) {
		t.Parallel()

		if _, err := New("session-5", AggregateTypeSession, TypeSessionExpired, 1, &SessionExpiredData{}); err != nil {
			t.Errorf("New()でエラーが発生: %v", err)
		}
	})

	t.Run("未知の種別はエラーが返ること", func(t *testing.T) {
		t.Parallel()

		if _, err := New("session-6", "Album", TypeSessionExpired, 1, SessionExpiredData{}); !errors.Is(err, ErrUnknownType) {
			t.Errorf("未知の集約種別: error = %v, want ErrUnknownType", err)
		}
		if _, err := New("session-6", AggregateTypeSession, "SessionPaused", 1, SessionExpiredData{}); !errors.Is(err, ErrUnknownType) {
			t.Errorf("未知のイベント種別: error = %v, want ErrUnknownType", err)
		}
		if _, err := New("", AggregateTypeSession, TypeSessionExpired, 1, SessionExpiredData{}); err == nil {
			t.Error("空の集約IDでエラーが返されなかった")
		}
	})
}

// TestDecodeData はDecodeData関数でイベントデータを正しくデシリアライズできることを検証する。
func TestDecodeData(t *testing.T) {
	t.Parallel()

	t.Run("SessionRevokedDataを正しくデコードできること", func(t *testing.T) {
		t.Parallel()

		original := SessionRevokedData{
			RevokedBy:   "user-10",
			Reason:      "logout",
			Invalidated: 3,
		}

		ev, err := New("session-10", AggregateTypeSession, TypeSessionRevoked, 2, original)
		if err != nil {
			t.Fatalf("New()でエラーが発生: %v", err)
		}

		decoded, err := DecodeData[SessionRevokedData](ev)
		if err != nil {
			t.Fatalf("DecodeData()でエラーが発生: %v", err)
		}

		if *decoded != original {
			t.Errorf("DecodeData() = %+v, want %+v", *decoded, original)
		}
	})

	t.Run("不正なJSONデータでエラーが返ること", func(t *testing.T) {
		t.Parallel()

		ev := &Event{
			EventType: TypeSessionRefreshed,
			Data:      json.RawMessage(`{invalid json`),
		}

		decoded, err := DecodeData[SessionRefreshedData](ev)
		if err == nil {
			t.Fatal("DecodeData()がエラーを返すべきだが、nilが返った")
		}
		if decoded != nil {
			t.Error("エラー時にnilでないデータが返った")
		}
	})

	t.Run("イベント種別と異なる型ではデコードできないこと", func(t *testing.T) {
		t.Parallel()

		ev, err := New("session-11", AggregateTypeSession, TypeSessionRevoked, 2, SessionRevokedData{Reason: "logout"})
		if err != nil {
			t.Fatal(err)
		}
		if _, err := DecodeData[SessionCreatedData](ev); !errors.Is(err, ErrDataMismatch) {
			t.Errorf("DecodeData() error = %v, want ErrDataMismatch", err)
		}
	})

	t.Run("空のJSONオブジェクトからデコードできること", func(t *testing.T) {
		t.Parallel()

		ev := &Event{
			EventType: TypeSessionRefreshed,
			Data:      json.RawMessage(`{}`),
		}

		decoded, err := DecodeData[SessionRefreshedData](ev)
		if err != nil {
			t.Fatalf("DecodeData()でエラーが発生: %v", err)
		}

		// ゼロ値であること
		if decoded.AccessFingerprint != "" {
			t.Errorf("AccessFingerprint = %q, want empty string", decoded.AccessFingerprint)
		}
		if !decoded.ExpiresAt.IsZero() {
			t.Errorf("ExpiresAt = %v, want zero", decoded.ExpiresAt)
		}
	})
}
