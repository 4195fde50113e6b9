package authz

import (
	"crypto/rand"
	"encoding/base64"
	"errors"
	"fmt"
	"strings"

	"golang.org/x/crypto/nacl/secretbox"
)

const (
	sealKeyLength = 32
	nonceLength   = 24
)

// Sealer はリフレッシュトークンを保存前に暗号化する。
type Sealer struct {
	key [sealKeyLength]byte
}

// NewSealer はbase64でエンコードされた32バイトの鍵からSealerを生成する。
// 鍵は openssl rand -base64 32 などで生成する。
func NewSealer(keyB64 string) (*Sealer, error) {
	raw, err := base64.StdEncoding.DecodeString(strings.TrimSpace(keyB64))
	if err != nil {
		return nil, fmt.Errorf("暗号鍵のデコードに失敗: %w", err)
	}
	if len(raw) != sealKeyLength {
		return nil, fmt.Errorf("暗号鍵は%dバイトである必要があります: %dバイト", sealKeyLength, len(raw))
	}
	s := &Sealer{}
	copy(s.key[:], raw)
	return s, nil
}

// Seal は平文を暗号化し、nonceと暗号文を連結したbase64文字列を返す。
func (s *Sealer) Seal(plain string) (string, error) {
	if plain == "" {
		return "", nil
	}
	var nonce [nonceLength]byte
	if _, err := rand.Read(nonce[:]); err != nil {
		return "", fmt.Errorf("nonceの生成に失敗: %w", err)
	}
	out := secretbox.Seal(nonce[:], []byte(plain), &nonce, &s.key)
	return base64.StdEncoding.EncodeToString(out), nil
}

// Open はSealで暗号化した文字列を復号する。
func (s *Sealer) Open(sealed string) (string, error) {
	if sealed == "" {
		return "", nil
	}
	raw, err := base64.StdEncoding.DecodeString(sealed)
	if err != nil {
		return "", fmt.Errorf("暗号文のデコードに失敗: %w", err)
	}
	if len(raw) < nonceLength+secretbox.Overhead {
		return "", errors.New("暗号文が短すぎます")
	}
	var nonce [nonceLength]byte
	copy(nonce[:], raw[:nonceLength])
	plain, ok := secretbox.Open(nil, raw[nonceLength:], &nonce, &s.key)
	if !ok {
		return "", errors.New("暗号文の復号に失敗しました")
	}
	return string(plain), nil
}
