package event

import (
	"encoding/json"
	"errors"
	"fmt"
	"reflect"
	"time"

	"github.com/google/uuid"
)

var (
	// ErrUnknownType は登録されていないイベント種別または集約種別を表す。
	ErrUnknownType = errors.New("未知のイベント種別です")
	// ErrDataMismatch はイベント種別とデータの型が一致しないことを表す。
	ErrDataMismatch = errors.New("イベント種別とデータの型が一致しません")
)

// dataTypes はイベント種別ごとのデータ型。
var dataTypes = map[Type]reflect.Type{
	TypeSessionCreated:   reflect.TypeFor[SessionCreatedData](),
	TypeSessionRefreshed: reflect.TypeFor[SessionRefreshedData](),
	TypeSessionRevoked:   reflect.TypeFor[SessionRevokedData](),
	TypeSessionExpired:   reflect.TypeFor[SessionExpiredData](),
}

// New は新しいイベントを生成する。
// dataにはeventTypeに対応するデータ構造体（またはそのポインタ）を渡す。JSON形式にシリアライズされる。
func New(aggregateID string, aggregateType AggregateType, eventType Type, version int64, data any) (*Event, error) {
	if aggregateID == "" {
		return nil, errors.New("集約IDが空です")
	}
	if aggregateType != AggregateTypeSession {
		return nil, fmt.Errorf("%w: 集約種別 %q", ErrUnknownType, aggregateType)
	}
	want, ok := dataTypes[eventType]
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnknownType, eventType)
	}
	if got := reflect.TypeOf(data); got != want && got != reflect.PointerTo(want) {
		return nil, fmt.Errorf("%w: %s に %v は使えません", ErrDataMismatch, eventType, got)
	}

	jsonData, err := json.Marshal(data)
	if err != nil {
		return nil, fmt.Errorf("イベントデータのシリアライズに失敗: %w", err)
	}

	return &Event{
		ID:            uuid.New().String(),
		AggregateID:   aggregateID,
		AggregateType: aggregateType,
		EventType:     eventType,
		Data:          jsonData,
		Version:       version,
		CreatedAt:     time.Now().UTC(),
	}, nil
}

// DecodeData はイベントのDataフィールドをイベント種別に対応する型Tにデシリアライズする。
func DecodeData[T any](e *Event) (*T, error) {
	want, ok := dataTypes[e.EventType]
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnknownType, e.EventType)
	}
	if reflect.TypeFor[T]() != want {
		return nil, fmt.Errorf("%w: %s を %v として読めません", ErrDataMismatch, e.EventType, reflect.TypeFor[T]())
	}

	var data T
	if err := json.Unmarshal(e.Data, &data); err != nil {
		return nil, fmt.Errorf("イベントデータのデシリアライズに失敗: %w", err)
	}
	return &data, nil
}
