// Package gateway はAPI Gatewayサービスの内部実装を提供する。
//
// 外部からアクセス可能な唯一のサービスであり、セキュリティの境界線として
// 機能する。受け付けたリクエストはルーティングテーブルで照合し、流入制御
// （トークンバケットとサーキットブレーカー）とベアラートークンの検証を通過した
// ものだけをバックエンドに転送する。転送時には検証済みのユーザーIDを
// X-User-IDヘッダーで付与し、クライアントが送った同名ヘッダーは破棄する。
package gateway
