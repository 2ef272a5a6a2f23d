package identity

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"time"

	"go.uber.org/zap"

	"github.com/nao1215/stockquest/pkg/gate"
	"github.com/nao1215/stockquest/pkg/httpclient"
)

// TokenVerifier はセッショントークンを検証し、トークンに含まれるユーザーIDを返す。
type TokenVerifier func(token string) (userID string, err error)

// ProfileSource はユーザーのプロフィールを取得する。
// プロフィールが存在しない場合はErrUserNotFoundまたはhttpclient.ErrNotFoundを返す。
type ProfileSource interface {
	Profile(ctx context.Context, userID string) (*gate.Profile, error)
}

// UserSource はユーザーを取得する。
type UserSource interface {
	GetUser(ctx context.Context, id string) (User, error)
}

// RoleSource はユーザーに付与されたロールを取得する。
type RoleSource interface {
	Roles(ctx context.Context, userID string) ([]RoleName, error)
}

// ProviderConfig はプロバイダ共通の解決設定。
type ProviderConfig struct {
	// Wait は1リクエストで解決を待つ最大時間。
	Wait time.Duration
	// TTL は解決結果をキャッシュする時間。
	TTL time.Duration
	// ErrorTTL は解決失敗を拒否としてキャッシュする時間。
	ErrorTTL time.Duration
	// Logger はロガー。
	Logger *zap.Logger
}

// DefaultProviderConfig はデフォルトの解決設定を返す。
func DefaultProviderConfig() ProviderConfig {
	return ProviderConfig{
		Wait:     250 * time.Millisecond,
		TTL:      30 * time.Second,
		ErrorTTL: 2 * time.Second,
	}
}

func (c ProviderConfig) resolver(name string) ResolverConfig {
	return ResolverConfig{
		Name:         name,
		Wait:         c.Wait,
		TTL:          c.TTL,
		ErrorTTL:     c.ErrorTTL,
		FetchTimeout: 10 * time.Second,
		Logger:       c.Logger,
	}
}

// SessionProvider はセッションとプロフィールを解決するIDプロバイダ。
type SessionProvider struct {
	verify   TokenVerifier
	users    *Resolver[*gate.Identity]
	profiles *Resolver[*gate.Profile]
}

// NewSessionProvider はSessionProviderを生成する。
func NewSessionProvider(verify TokenVerifier, users UserSource, profiles ProfileSource, cfg ProviderConfig) *SessionProvider {
	fetchUser := func(ctx context.Context, id string) (*gate.Identity, error) {
		u, err := users.GetUser(ctx, id)
		if errors.Is(err, ErrUserNotFound) {
			return nil, nil
		}
		if err != nil {
			return nil, err
		}
		return &gate.Identity{UserID: u.ID, Email: u.Email}, nil
	}
	fetchProfile := func(ctx context.Context, id string) (*gate.Profile, error) {
		p, err := profiles.Profile(ctx, id)
		if errors.Is(err, ErrUserNotFound) || errors.Is(err, httpclient.ErrNotFound) {
			return nil, nil
		}
		return p, err
	}

	return &SessionProvider{
		verify:   verify,
		users:    NewResolver(fetchUser, nil, cfg.resolver("session")),
		profiles: NewResolver(fetchProfile, &gate.Profile{OnboardingCompleted: false}, cfg.resolver("profile")),
	}
}

// Session はトークンからセッションのスナップショットを返す。
//
// トークンがない、不正、期限切れ、またはユーザーが存在しない場合は
// 解決済みの未認証セッションを返す。ユーザーの確認が待ち時間内に終わらない場合は
// 未解決のセッションを返す。
func (p *SessionProvider) Session(ctx context.Context, token string) gate.Session {
	if token == "" {
		return gate.Session{Resolved: true}
	}
	userID, err := p.verify(token)
	if err != nil || userID == "" {
		return gate.Session{Resolved: true}
	}

	identity, ok := p.users.Get(ctx, userID)
	if !ok {
		return gate.Session{Resolved: false}
	}
	return gate.Session{Resolved: true, Identity: identity}
}

// Profile はユーザーのプロフィールを返す。
// 未取得または存在しない場合はnilを返し、ゲートはオンボーディング判定を省略する。
// 取得に失敗した場合はオンボーディング未完了として扱い、オンボーディングページ以外には進ませない。
func (p *SessionProvider) Profile(ctx context.Context, userID string) *gate.Profile {
	profile, ok := p.profiles.Get(ctx, userID)
	if !ok {
		return nil
	}
	return profile
}

// Invalidate はユーザーのセッションとプロフィールのキャッシュを破棄する。
func (p *SessionProvider) Invalidate(userID string) {
	p.users.Invalidate(userID)
	p.profiles.Invalidate(userID)
}

// Close はバックグラウンドの取得処理を終了する。
func (p *SessionProvider) Close() {
	p.users.Close()
	p.profiles.Close()
}

// RoleProvider はユーザーの管理者権限を解決する認可プロバイダ。
type RoleProvider struct {
	roles *Resolver[gate.Role]
}

// NewRoleProvider はRoleProviderを生成する。
func NewRoleProvider(source RoleSource, cfg ProviderConfig) *RoleProvider {
	fetch := func(ctx context.Context, userID string) (gate.Role, error) {
		names, err := source.Roles(ctx, userID)
		if err != nil {
			return gate.Role{}, err
		}
		role := gate.Role{Resolved: true}
		for _, n := range names {
			switch n {
			case RoleAdmin:
				role.IsAdmin = true
			case RoleOwner:
				role.IsOwner = true
			}
		}
		return role, nil
	}

	return &RoleProvider{
		roles: NewResolver(fetch, gate.Role{Resolved: true}, cfg.resolver("role")),
	}
}

// Role はユーザーの権限のスナップショットを返す。
// 取得失敗時は権限なしの解決済みロールを返す。
func (p *RoleProvider) Role(ctx context.Context, userID string) gate.Role {
	if userID == "" {
		return gate.Role{Resolved: true}
	}
	role, ok := p.roles.Get(ctx, userID)
	if !ok {
		return gate.Role{Resolved: false}
	}
	return role
}

// Invalidate はユーザーのロールのキャッシュを破棄する。
func (p *RoleProvider) Invalidate(userID string) {
	p.roles.Invalidate(userID)
}

// Close はバックグラウンドの取得処理を終了する。
func (p *RoleProvider) Close() {
	p.roles.Close()
}

// RemoteProfiles はリモートのプロフィールサービスからプロフィールを取得する。
type RemoteProfiles struct {
	// client はプロフィールサービスへのHTTPクライアント。
	client *httpclient.Client
}

// NewRemoteProfiles はRemoteProfilesを生成する。
func NewRemoteProfiles(client *httpclient.Client) *RemoteProfiles {
	return &RemoteProfiles{client: client}
}

// remoteProfile はプロフィールサービスのレスポンス。
type remoteProfile struct {
	// OnboardingCompleted はオンボーディング完了フラグ。
	OnboardingCompleted bool `json:"onboarding_completed"`
}

// Profile はGET /api/v1/profiles/{id} でプロフィールを取得する。
func (r *RemoteProfiles) Profile(ctx context.Context, userID string) (*gate.Profile, error) {
	var res remoteProfile
	ctx = httpclient.WithUserID(ctx, userID)
	if err := r.client.GetJSON(ctx, "/api/v1/profiles/"+url.PathEscape(userID), &res); err != nil {
		return nil, fmt.Errorf("プロフィールの取得に失敗: %w", err)
	}
	return &gate.Profile{OnboardingCompleted: res.OnboardingCompleted}, nil
}
