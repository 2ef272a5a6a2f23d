// Package event はアクセスゲートの判定や権限変更を記録する監査イベントを定義する。
package event

import (
	"encoding/json"
	"time"
)

// Type はイベントの種類を表す。
type Type string

const (
	// TypeAccessRedirected はAuthGateがログインまたはオンボーディングへリダイレクトしたことを表す。
	TypeAccessRedirected Type = "AccessRedirected"
	// TypeAccessDenied はRoleGateがアクセスを拒否したことを表す。
	TypeAccessDenied Type = "AccessDenied"
	// TypeRoleGranted はユーザーにロールが付与されたことを表す。
	TypeRoleGranted Type = "RoleGranted"
	// TypeRoleRevoked はユーザーからロールが剥奪されたことを表す。
	TypeRoleRevoked Type = "RoleRevoked"
	// TypeOnboardingCompleted はユーザーがオンボーディングを完了したことを表す。
	TypeOnboardingCompleted Type = "OnboardingCompleted"
)

// Event は不変の監査イベントレコードを表す。
type Event struct {
	// ID はイベントの一意識別子（UUID）。
	ID string `json:"id"`
	// Subject は対象ユーザーのID。
	Subject string `json:"subject"`
	// EventType はイベントの種類。
	EventType Type `json:"event_type"`
	// Data はイベント固有のデータ（JSON形式）。
	Data json.RawMessage `json:"data"`
	// CreatedAt はイベントが作成された日時。
	CreatedAt time.Time `json:"created_at"`
}

// AccessRedirectedData はAccessRedirectedイベントのデータ。
type AccessRedirectedData struct {
	// Location はアクセスされたロケーション。
	Location string `json:"location"`
	// Target はリダイレクト先のパス。
	Target string `json:"target"`
}

// AccessDeniedData はAccessDeniedイベントのデータ。
type AccessDeniedData struct {
	// Location はアクセスされたロケーション。
	Location string `json:"location"`
	// RequireOwner はオーナー権限を要求するゲートだったかどうか。
	RequireOwner bool `json:"require_owner"`
}

// RoleChangedData はRoleGranted/RoleRevokedイベントのデータ。
type RoleChangedData struct {
	// Role は対象のロール名。
	Role string `json:"role"`
	// ActorID は変更を実行したユーザーのID。CLIからの変更では "cli"。
	ActorID string `json:"actor_id,omitempty"`
}
