// Package httpclient はゲートウェイから内部サービスを呼び出すJSONクライアントを提供する。
//
// リモートのプロフィールサービスからのプロフィール取得など、
// サービス間の通信パターンを統一する。
package httpclient
