// Package httpclient はサービス間のHTTP通信を行うクライアントを提供する。
//
// IDプロバイダのイントロスペクション・失効エンドポイントの呼び出しや、
// CLIからゲートウェイ管理APIを呼び出す際に使用する。2xx以外の応答は
// StatusErrorとして返し、呼び出し側が一時的な障害と拒否を区別できるようにする。
package httpclient
