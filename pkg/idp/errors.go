package idp

import (
	"errors"
	"fmt"
	"net/http"

	"golang.org/x/oauth2"

	"github.com/serezk4/lockbox-backend/pkg/httpclient"
)

// Class は失敗の分類。
type Class int

const (
	// ClassTransient は再試行で回復しうる失敗（ネットワーク断、タイムアウト、5xx、429）。
	ClassTransient Class = iota
	// ClassRejected はプロバイダが要求を拒否した失敗（4xx、invalid_grant）。
	ClassRejected
)

var (
	// ErrTransient はerrors.Isで一時的な失敗を判定するための番兵。
	ErrTransient = errors.New("IDプロバイダの一時的な障害")
	// ErrRejected はerrors.Isで拒否を判定するための番兵。
	ErrRejected = errors.New("IDプロバイダが要求を拒否しました")
)

// Error は分類済みのプロバイダエラー。
type Error struct {
	// Op は操作名（introspect, revoke, issue）。
	Op string
	// Class は失敗の分類。
	Class Class
	// StatusCode はプロバイダのHTTPステータス。不明な場合は0。
	StatusCode int
	// Err は原因となったエラー。
	Err error
}

// Error はerrorインターフェースを実装する。
func (e *Error) Error() string {
	kind := "transient"
	if e.Class == ClassRejected {
		kind = "rejected"
	}
	return fmt.Sprintf("idp %s (%s): %v", e.Op, kind, e.Err)
}

// Unwrap は原因エラーを返す。
func (e *Error) Unwrap() error { return e.Err }

// Is は番兵エラーとの比較を行う。
func (e *Error) Is(target error) bool {
	switch target {
	case ErrTransient:
		return e.Class == ClassTransient
	case ErrRejected:
		return e.Class == ClassRejected
	}
	return false
}

// IsTransient は一時的な失敗かを返す。
func IsTransient(err error) bool { return errors.Is(err, ErrTransient) }

// IsRejected は拒否かを返す。
func IsRejected(err error) bool { return errors.Is(err, ErrRejected) }

// classify はエラーを分類済みのErrorに変換する。
func classify(op string, err error) *Error {
	var pe *Error
	if errors.As(err, &pe) {
		return pe
	}

	var se *httpclient.StatusError
	if errors.As(err, &se) {
		return &Error{Op: op, Class: classOfStatus(se.StatusCode), StatusCode: se.StatusCode, Err: err}
	}

	var re *oauth2.RetrieveError
	if errors.As(err, &re) {
		status := 0
		if re.Response != nil {
			status = re.Response.StatusCode
		}
		class := classOfStatus(status)
		if re.ErrorCode == "invalid_grant" || re.ErrorCode == "invalid_client" || re.ErrorCode == "unauthorized_client" {
			class = ClassRejected
		}
		return &Error{Op: op, Class: class, StatusCode: status, Err: err}
	}

	// ネットワーク断・タイムアウト・不明なエラーは一時的とみなす
	return &Error{Op: op, Class: ClassTransient, Err: err}
}

func classOfStatus(status int) Class {
	switch {
	case status == 0, status == http.StatusTooManyRequests, status >= 500:
		return ClassTransient
	case status >= 400:
		return ClassRejected
	default:
		return ClassTransient
	}
}
