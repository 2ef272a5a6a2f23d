// Package identity はアクセスゲートに渡すセッション・プロフィール・ロールを解決する。
//
// ユーザー、ロール、監査イベントはSQLiteに保存する。解決は非同期で行い、
// 一定時間内に完了しなければ「未解決」としてゲートにローディングを表示させる。
// 取得処理が失敗した場合は必ず拒否側の値（未認証・権限なし）に正規化してから返す。
package identity
