// Package gate は保護されたページの表示可否を判定するアクセスゲートを提供する。
//
// AuthGate は認証状態（セッション）とオンボーディング状態を見て、
// ローディング表示・リダイレクト・子コンテンツ表示のいずれかを決定する。
// RoleGate は管理者権限（admin / owner）を見て、ローディング表示・
// アクセス拒否表示・子コンテンツ表示のいずれかを決定する。
//
// どちらのゲートも外部のプロバイダが解決済みにしたスナップショットを引数に取る
// 純粋な同期関数であり、内部状態を持たない。入力が変わるたびに再評価される。
package gate
