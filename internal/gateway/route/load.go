package route

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/serezk4/lockbox-backend/pkg/apperror"
)

// Document はルート定義ファイルの構造。
//
//	upstreams:
//	  orders: http://orders:8080
//	routes:
//	  - id: orders
//	    match: {path: /orders/*}
//	    upstream: orders
type Document struct {
	// Upstreams は名前からURLへの対応。ルートのupstreamは名前かURLで指定する。
	Upstreams map[string]string `yaml:"upstreams"`
	Routes    []Route           `yaml:"routes"`
}

// LoadFile はルート定義ファイルを読み込む。
func LoadFile(path string) ([]Route, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("ルート定義ファイルの読み込みに失敗: %w", err)
	}
	return Parse(data)
}

// Parse はルート定義を解析し、upstreamの名前参照を解決する。
// 未定義の名前を参照するルートがあればエラーを返す。
func Parse(data []byte) ([]Route, error) {
	var doc Document
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(&doc); err != nil && !errors.Is(err, io.EOF) {
		return nil, apperror.Wrap(apperror.KindConfigurationInvalid, "ルート定義を解析できません", err)
	}

	var failures []Failure
	for i := range doc.Routes {
		r := &doc.Routes[i]
		if url, ok := doc.Upstreams[r.Upstream]; ok {
			r.Upstream = url
			continue
		}
		if !looksLikeURL(r.Upstream) {
			failures = append(failures, Failure{
				RouteID: r.ID,
				Reason:  fmt.Sprintf("未定義のupstreamを参照しています: %q", r.Upstream),
			})
		}
	}
	if len(failures) > 0 {
		return nil, apperror.Wrap(apperror.KindConfigurationInvalid, "ルート定義が不正です", &ValidationError{Failures: failures})
	}
	return doc.Routes, nil
}

func looksLikeURL(s string) bool {
	return strings.Contains(s, "://")
}
