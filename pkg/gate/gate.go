package gate

import (
	"net/url"
	"path"
)

const (
	// DefaultAuthEntryPath は未認証時のリダイレクト先。
	DefaultAuthEntryPath = "/auth"
	// DefaultOnboardingPath はオンボーディング未完了時のリダイレクト先。
	DefaultOnboardingPath = "/onboarding"

	// DenialMessage は権限不足時に表示する固定メッセージ。
	DenialMessage = "このページにアクセスする権限がありません"
	// RestrictedMarker は権限不足表示に付与する制限マーカー。
	RestrictedMarker = "restricted"
)

// AuthGate は認証とオンボーディングの状態からページ表示可否を判定する。
type AuthGate struct {
	// AuthEntryPath は未認証時のリダイレクト先。空の場合はDefaultAuthEntryPath。
	AuthEntryPath string
	// OnboardingPath はオンボーディング未完了時のリダイレクト先。空の場合はDefaultOnboardingPath。
	OnboardingPath string
}

// NewAuthGate はデフォルトのパスを持つAuthGateを生成する。
func NewAuthGate() AuthGate {
	return AuthGate{
		AuthEntryPath:  DefaultAuthEntryPath,
		OnboardingPath: DefaultOnboardingPath,
	}
}

// Evaluate はセッション・プロフィール・現在のロケーションから判定結果を返す。
//
// profileがnil（未取得）の場合、オンボーディングのチェックは満たされたものとして扱う。
// 未認証とオンボーディング未完了のリダイレクトはどちらも履歴を置き換える。
func (g AuthGate) Evaluate(session Session, profile *Profile, location string) AuthOutcome {
	if !session.Resolved {
		return AuthOutcome{Kind: KindLoading}
	}

	if session.Identity == nil {
		return AuthOutcome{
			Kind: KindRedirect,
			Target: NavigationTarget{
				Path:     g.authEntryPath(),
				ReturnTo: location,
				Replace:  true,
			},
		}
	}

	onboardingPath := g.onboardingPath()
	if profile != nil && !profile.OnboardingCompleted && cleanPath(location) != cleanPath(onboardingPath) {
		return AuthOutcome{
			Kind: KindRedirect,
			Target: NavigationTarget{
				Path:    onboardingPath,
				Replace: true,
			},
		}
	}

	return AuthOutcome{Kind: KindChildren}
}

func (g AuthGate) authEntryPath() string {
	if g.AuthEntryPath == "" {
		return DefaultAuthEntryPath
	}
	return g.AuthEntryPath
}

func (g AuthGate) onboardingPath() string {
	if g.OnboardingPath == "" {
		return DefaultOnboardingPath
	}
	return g.OnboardingPath
}

// RoleGate は管理者権限からページ表示可否を判定する。
// 権限不足の場合はリダイレクトせず、その場で拒否を表示させる。
type RoleGate struct {
	// RequireOwner がtrueの場合、管理者に加えてオーナー権限を要求する。
	RequireOwner bool
}

// Evaluate はロールのスナップショットから判定結果を返す。
// IsAdminがfalseであれば、IsOwnerやRequireOwnerに関わらず拒否する。
func (g RoleGate) Evaluate(role Role) RoleOutcome {
	if !role.Resolved {
		return RoleOutcome{Kind: KindLoading}
	}

	if !role.IsAdmin || (g.RequireOwner && !role.IsOwner) {
		return RoleOutcome{
			Kind: KindDenied,
			Denial: Denial{
				Message: DenialMessage,
				Marker:  RestrictedMarker,
			},
		}
	}

	return RoleOutcome{Kind: KindChildren}
}

// cleanPath はロケーションからクエリとフラグメントを除いたパスを正規化して返す。
func cleanPath(location string) string {
	p := location
	if u, err := url.Parse(location); err == nil {
		p = u.Path
	}
	if p == "" {
		return "/"
	}
	return path.Clean("/" + p)
}
