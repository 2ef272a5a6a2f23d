// Package middleware はゲートウェイで使用するGinミドルウェアを提供する。
//
// セッショントークンの発行と検証、アクセスゲート（AuthGate / RoleGate）の
// 判定結果をHTTPレスポンスに変換する描画処理、リクエストログ、
// パニックリカバリ、CORS設定を含む。
package middleware
