// Package middleware はGinベースのHTTP APIで使用する共通ミドルウェアを提供する。
//
// ベアラートークンの検証、リクエストIDの採番とアクセスログ、パニックリカバリ、
// CORS設定など、ゲートウェイと認可サービスで共通して使用するミドルウェアを含む。
package middleware
