// Package config は設定ファイルの読み込みと環境変数による上書きの共通処理を提供する。
//
// 設定はYAMLファイルを基本とし、環境変数が設定されていればそれで上書きする。
// 起動時にカレントディレクトリの .env を読み込むが、存在しなくてもエラーにはしない。
package config

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

// LoadDotenv は .env ファイルを環境変数に読み込む。既存の環境変数は上書きしない。
// ファイルが存在しない場合は何もしない。
func LoadDotenv(paths ...string) error {
	if len(paths) == 0 {
		paths = []string{".env"}
	}
	for _, p := range paths {
		if err := godotenv.Load(p); err != nil {
			if errors.Is(err, fs.ErrNotExist) {
				continue
			}
			return fmt.Errorf(".envの読み込みに失敗: %s: %w", p, err)
		}
	}
	return nil
}

// LoadYAML はYAMLファイルをoutにデコードする。pathが空であれば何もしない。
// 未知のキーはエラーとする。
func LoadYAML(path string, out any) error {
	if path == "" {
		return nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("設定ファイルの読み込みに失敗: %w", err)
	}
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(out); err != nil && !errors.Is(err, io.EOF) {
		return fmt.Errorf("設定ファイルの解析に失敗: %s: %w", path, err)
	}
	return nil
}

// Str は空でない環境変数を返す。
func Str(key string) (string, bool) {
	v := os.Getenv(key)
	return v, v != ""
}

// StrOr は環境変数を返す。未設定の場合はデフォルト値を返す。
func StrOr(key, defaultVal string) string {
	if v, ok := Str(key); ok {
		return v
	}
	return defaultVal
}

// Int は整数として解釈できる環境変数を返す。
func Int(key string) (int, bool) {
	if s, ok := Str(key); ok {
		if i, err := strconv.Atoi(strings.TrimSpace(s)); err == nil {
			return i, true
		}
	}
	return 0, false
}

// Bool は真偽値として解釈できる環境変数を返す。
func Bool(key string) (bool, bool) {
	if s, ok := Str(key); ok {
		if b, err := strconv.ParseBool(strings.TrimSpace(s)); err == nil {
			return b, true
		}
	}
	return false, false
}

// Duration はtime.ParseDurationで解釈できる環境変数を返す。
func Duration(key string) (time.Duration, bool) {
	if s, ok := Str(key); ok {
		if d, err := time.ParseDuration(strings.TrimSpace(s)); err == nil {
			return d, true
		}
	}
	return 0, false
}

// CSV はカンマ区切りの環境変数を返す。空要素は除く。
func CSV(key string) ([]string, bool) {
	s, ok := Str(key)
	if !ok {
		return nil, false
	}
	parts := strings.Split(s, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out, true
}

// SetStr は環境変数が設定されていればdstを上書きする。
func SetStr(dst *string, key string) {
	if v, ok := Str(key); ok {
		*dst = v
	}
}

// SetInt は環境変数が設定されていればdstを上書きする。
func SetInt(dst *int, key string) {
	if v, ok := Int(key); ok {
		*dst = v
	}
}

// SetBool は環境変数が設定されていればdstを上書きする。
func SetBool(dst *bool, key string) {
	if v, ok := Bool(key); ok {
		*dst = v
	}
}

// SetDuration は環境変数が設定されていればdstを上書きする。
func SetDuration(dst *time.Duration, key string) {
	if v, ok := Duration(key); ok {
		*dst = v
	}
}

// SetCSV は環境変数が設定されていればdstを上書きする。
func SetCSV(dst *[]string, key string) {
	if v, ok := CSV(key); ok {
		*dst = v
	}
}
