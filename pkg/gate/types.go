package gate

// Identity は認証済みユーザーを表す。
type Identity struct {
	// UserID はユーザーの一意識別子。
	UserID string `json:"user_id"`
	// Email はユーザーのメールアドレス。
	Email string `json:"email"`
}

// Session は訪問者が認証済みかどうかのスナップショット。
// 外部のIDプロバイダが所有し、ゲートは読み取るだけで変更しない。
type Session struct {
	// Resolved は認証チェックが完了しているかどうか。
	Resolved bool
	// Identity は認証済みユーザー。未認証の場合はnil。
	Identity *Identity
}

// Profile はユーザーごとの拡張情報。
type Profile struct {
	// OnboardingCompleted はオンボーディングを完了しているかどうか。
	OnboardingCompleted bool `json:"onboarding_completed"`
}

// Role は現在のユーザーの管理者権限のスナップショット。
// IsOwner ならば IsAdmin であることを呼び出し側は前提とするが、ゲートは検証しない。
type Role struct {
	// Resolved は権限チェックが完了しているかどうか。
	Resolved bool
	// IsAdmin は管理者権限を持つかどうか。
	IsAdmin bool
	// IsOwner はオーナー権限（管理者の上位）を持つかどうか。
	IsOwner bool
}

// NavigationTarget はリダイレクト先を表す。
type NavigationTarget struct {
	// Path は遷移先のパス。
	Path string `json:"redirect"`
	// ReturnTo は遷移先での処理後に戻るべきロケーション。空の場合は戻り先なし。
	ReturnTo string `json:"return_to,omitempty"`
	// Replace は履歴を置き換える遷移かどうか。
	Replace bool `json:"replace"`
}

// Kind はゲート判定結果の種類。
type Kind int

const (
	// KindLoading は状態が未解決でローディング表示を行うことを表す。
	KindLoading Kind = iota
	// KindRedirect は別のページへのリダイレクトを表す。
	KindRedirect
	// KindDenied はその場でアクセス拒否を表示することを表す。
	KindDenied
	// KindChildren は保護されたコンテンツの表示を許可することを表す。
	KindChildren
)

// String はKindの文字列表現を返す。
func (k Kind) String() string {
	switch k {
	case KindLoading:
		return "loading"
	case KindRedirect:
		return "redirect"
	case KindDenied:
		return "denied"
	case KindChildren:
		return "children"
	default:
		return "unknown"
	}
}

// AuthOutcome はAuthGateの判定結果。KindはLoading/Redirect/Childrenのいずれか。
type AuthOutcome struct {
	// Kind は判定結果の種類。
	Kind Kind
	// Target はKindRedirectの場合のリダイレクト先。
	Target NavigationTarget
}

// Denial はアクセス拒否表示の内容。
type Denial struct {
	// Message は利用者に表示する拒否メッセージ。
	Message string `json:"error"`
	// Marker は表示上の制限マーカー。
	Marker string `json:"marker"`
}

// RoleOutcome はRoleGateの判定結果。KindはLoading/Denied/Childrenのいずれか。
type RoleOutcome struct {
	// Kind は判定結果の種類。
	Kind Kind
	// Denial はKindDeniedの場合の拒否表示。
	Denial Denial
}
