// Package authz は認可層のサービスを実装する。
//
// クライアントの代理でIDプロバイダからトークンを取得し、クライアントセッションとして
// 記録する。発行したアクセストークンの検証結果は共有キャッシュに事前登録し、
// セッションの失効はIDプロバイダ、共有キャッシュ、セッションストアの順に反映してから
// 応答する。ゲートウェイは同じキャッシュを参照するため、失効の応答後に失効済みの
// トークンが受理されることはない。
//
// セッションの作成・更新・失効・期限切れは監査イベントとして同じトランザクションで
// 記録される。リフレッシュトークンは暗号化して保存する。
package authz
