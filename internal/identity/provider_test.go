package identity

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nao1215/stockquest/pkg/gate"
	"github.com/nao1215/stockquest/pkg/httpclient"
)

// stubVerifier は "token-<userID>" 形式のトークンを受け付ける。
func stubVerifier(token string) (string, error) {
	id, ok := strings.CutPrefix(token, "token-")
	if !ok {
		return "", errors.New("invalid token")
	}
	return id, nil
}

// failingSource は常にエラーを返すバックエンド。
type failingSource struct{}

func (failingSource) GetUser(context.Context, string) (User, error) {
	return User{}, errors.New("database is locked")
}

func (failingSource) Profile(context.Context, string) (*gate.Profile, error) {
	return nil, errors.New("database is locked")
}

func (failingSource) Roles(context.Context, string) ([]RoleName, error) {
	return nil, errors.New("database is locked")
}

// slowSource は解放されるまで応答しないバックエンド。
type slowSource struct {
	release chan struct{}
}

func (s slowSource) GetUser(ctx context.Context, id string) (User, error) {
	select {
	case <-s.release:
		return User{ID: id, Email: id + "@example.com"}, nil
	case <-ctx.Done():
		return User{}, ctx.Err()
	}
}

func (s slowSource) Roles(ctx context.Context, _ string) ([]RoleName, error) {
	select {
	case <-s.release:
		return []RoleName{RoleAdmin}, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func testProviderConfig() ProviderConfig {
	cfg := DefaultProviderConfig()
	cfg.Wait = time.Second
	return cfg
}

// TestSessionProvider はセッションの解決を検証する。
func TestSessionProvider(t *testing.T) {
	t.Parallel()

	t.Run("トークンがない場合は解決済みの未認証になること", func(t *testing.T) {
		t.Parallel()

		s := newTestStore(t)
		p := NewSessionProvider(stubVerifier, s, s, testProviderConfig())
		t.Cleanup(p.Close)

		assert.Equal(t, gate.Session{Resolved: true}, p.Session(context.Background(), ""))
		assert.Equal(t, gate.Session{Resolved: true}, p.Session(context.Background(), "garbage"))
	})

	t.Run("存在しないユーザーのトークンは未認証になること", func(t *testing.T) {
		t.Parallel()

		s := newTestStore(t)
		p := NewSessionProvider(stubVerifier, s, s, testProviderConfig())
		t.Cleanup(p.Close)

		assert.Equal(t, gate.Session{Resolved: true}, p.Session(context.Background(), "token-ghost"))
	})

	t.Run("有効なトークンでIDとプロフィールが解決されること", func(t *testing.T) {
		t.Parallel()

		s := newTestStore(t)
		u := seedUser(t, s, "learner@example.com")
		p := NewSessionProvider(stubVerifier, s, s, testProviderConfig())
		t.Cleanup(p.Close)

		session := p.Session(context.Background(), "token-"+u.ID)
		require.True(t, session.Resolved)
		require.NotNil(t, session.Identity)
		assert.Equal(t, u.ID, session.Identity.UserID)
		assert.Equal(t, "learner@example.com", session.Identity.Email)

		profile := p.Profile(context.Background(), u.ID)
		require.NotNil(t, profile)
		assert.False(t, profile.OnboardingCompleted)
	})

	t.Run("Invalidateでオンボーディング完了が反映されること", func(t *testing.T) {
		t.Parallel()

		s := newTestStore(t)
		u := seedUser(t, s, "complete@example.com")
		p := NewSessionProvider(stubVerifier, s, s, testProviderConfig())
		t.Cleanup(p.Close)

		require.False(t, p.Profile(context.Background(), u.ID).OnboardingCompleted)
		require.NoError(t, s.CompleteOnboarding(context.Background(), u.ID))

		// キャッシュが残っている間は古い値
		assert.False(t, p.Profile(context.Background(), u.ID).OnboardingCompleted)

		p.Invalidate(u.ID)
		assert.True(t, p.Profile(context.Background(), u.ID).OnboardingCompleted)
	})

	t.Run("バックエンドの失敗は未認証として扱われること", func(t *testing.T) {
		t.Parallel()

		p := NewSessionProvider(stubVerifier, failingSource{}, failingSource{}, testProviderConfig())
		t.Cleanup(p.Close)

		assert.Equal(t, gate.Session{Resolved: true}, p.Session(context.Background(), "token-u1"))
	})

	t.Run("プロフィール取得の失敗はオンボーディングへ誘導されること", func(t *testing.T) {
		t.Parallel()

		s := newTestStore(t)
		u := seedUser(t, s, "profile-down@example.com")
		p := NewSessionProvider(stubVerifier, s, failingSource{}, testProviderConfig())
		t.Cleanup(p.Close)

		ctx := context.Background()
		session := p.Session(ctx, "token-"+u.ID)
		require.NotNil(t, session.Identity)
		profile := p.Profile(ctx, u.ID)
		require.NotNil(t, profile, "取得失敗は未取得ではなく未完了として扱う")
		assert.False(t, profile.OnboardingCompleted)

		g := gate.NewAuthGate()
		assert.Equal(t, gate.AuthOutcome{
			Kind:   gate.KindRedirect,
			Target: gate.NavigationTarget{Path: gate.DefaultOnboardingPath, Replace: true},
		}, g.Evaluate(session, profile, "/dashboard"))
		assert.Equal(t, gate.KindChildren, g.Evaluate(session, profile, gate.DefaultOnboardingPath).Kind,
			"オンボーディングページには到達できる")
	})

	t.Run("解決が待ち時間内に終わらない場合は未解決になること", func(t *testing.T) {
		t.Parallel()

		src := slowSource{release: make(chan struct{})}
		cfg := testProviderConfig()
		cfg.Wait = 10 * time.Millisecond
		p := NewSessionProvider(stubVerifier, src, failingSource{}, cfg)
		t.Cleanup(p.Close)

		assert.Equal(t, gate.Session{Resolved: false}, p.Session(context.Background(), "token-u1"))

		close(src.release)
		require.Eventually(t, func() bool {
			return p.Session(context.Background(), "token-u1").Resolved
		}, time.Second, 5*time.Millisecond)
	})
}

// TestRoleProvider はロールの解決を検証する。
func TestRoleProvider(t *testing.T) {
	t.Parallel()

	t.Run("付与されたロールがフラグに変換されること", func(t *testing.T) {
		t.Parallel()

		s := newTestStore(t)
		ctx := context.Background()
		admin := seedUser(t, s, "admin@example.com")
		owner := seedUser(t, s, "owner@example.com")
		learner := seedUser(t, s, "learner@example.com")
		require.NoError(t, s.GrantRole(ctx, admin.ID, RoleAdmin))
		require.NoError(t, s.GrantRole(ctx, owner.ID, RoleOwner))

		p := NewRoleProvider(s, testProviderConfig())
		t.Cleanup(p.Close)

		assert.Equal(t, gate.Role{Resolved: true, IsAdmin: true}, p.Role(ctx, admin.ID))
		assert.Equal(t, gate.Role{Resolved: true, IsAdmin: true, IsOwner: true}, p.Role(ctx, owner.ID))
		assert.Equal(t, gate.Role{Resolved: true}, p.Role(ctx, learner.ID))
		assert.Equal(t, gate.Role{Resolved: true}, p.Role(ctx, ""))
	})

	t.Run("Invalidateで権限の剥奪が反映されること", func(t *testing.T) {
		t.Parallel()

		s := newTestStore(t)
		ctx := context.Background()
		u := seedUser(t, s, "revoked@example.com")
		require.NoError(t, s.GrantRole(ctx, u.ID, RoleAdmin))

		p := NewRoleProvider(s, testProviderConfig())
		t.Cleanup(p.Close)
		require.True(t, p.Role(ctx, u.ID).IsAdmin)

		require.NoError(t, s.RevokeRole(ctx, u.ID, RoleAdmin))
		p.Invalidate(u.ID)
		assert.False(t, p.Role(ctx, u.ID).IsAdmin)
	})

	t.Run("バックエンドの失敗は権限なしとして扱われること", func(t *testing.T) {
		t.Parallel()

		p := NewRoleProvider(failingSource{}, testProviderConfig())
		t.Cleanup(p.Close)

		assert.Equal(t, gate.Role{Resolved: true}, p.Role(context.Background(), "u1"))
	})

	t.Run("解決が待ち時間内に終わらない場合は未解決になること", func(t *testing.T) {
		t.Parallel()

		src := slowSource{release: make(chan struct{})}
		cfg := testProviderConfig()
		cfg.Wait = 10 * time.Millisecond
		p := NewRoleProvider(src, cfg)
		t.Cleanup(p.Close)

		assert.Equal(t, gate.Role{Resolved: false}, p.Role(context.Background(), "u1"))
		close(src.release)
	})
}

// TestRemoteProfiles はリモートプロフィールサービスからの取得を検証する。
func TestRemoteProfiles(t *testing.T) {
	t.Parallel()

	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/api/v1/profiles/done":
			_, _ = w.Write([]byte(`{"onboarding_completed":true}`))
		case "/api/v1/profiles/broken":
			w.WriteHeader(http.StatusInternalServerError)
		default:
			w.WriteHeader(http.StatusNotFound)
		}
	}))
	t.Cleanup(ts.Close)

	remote := NewRemoteProfiles(httpclient.New(ts.URL))
	ctx := context.Background()

	p, err := remote.Profile(ctx, "done")
	require.NoError(t, err)
	assert.True(t, p.OnboardingCompleted)

	_, err = remote.Profile(ctx, "unknown")
	assert.ErrorIs(t, err, httpclient.ErrNotFound)

	s := newTestStore(t)
	provider := NewSessionProvider(stubVerifier, s, remote, testProviderConfig())
	t.Cleanup(provider.Close)

	assert.Nil(t, provider.Profile(ctx, "unknown"), "存在しないプロフィールは未取得として扱う")
	broken := provider.Profile(ctx, "broken")
	require.NotNil(t, broken, "取得失敗はオンボーディング未完了として扱う")
	assert.False(t, broken.OnboardingCompleted)
	assert.True(t, provider.Profile(ctx, "done").OnboardingCompleted)
}
