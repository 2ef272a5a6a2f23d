// Package gateway はStockQuestのアクセスゲートウェイの内部実装を提供する。
//
// セッショントークンの発行、AuthGateとRoleGateによるページ単位のアクセス制御、
// 内部サービスへのリクエスト転送を担当する。外部からアクセス可能な唯一の
// サービスであり、ゲートの判定結果（リダイレクトと拒否）は監査イベントとして保存する。
package gateway
