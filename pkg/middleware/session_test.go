package middleware

import (
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/golang-jwt/jwt/v5"
)

func init() {
	gin.SetMode(gin.TestMode)
}

// testSecret はテスト用のセッション署名鍵。
const testSecret = "test-secret-key-for-unit-tests"

// TestIssueSessionToken はセッショントークンの発行と検証を検証する。
func TestIssueSessionToken(t *testing.T) {
	t.Parallel()

	t.Run("発行したトークンを検証できること", func(t *testing.T) {
		t.Parallel()

		token, err := IssueSessionToken(testSecret, "user-123", "trader@example.com", time.Hour)
		if err != nil {
			t.Fatalf("IssueSessionToken()でエラーが発生: %v", err)
		}

		claims, err := ParseSessionToken(testSecret, token)
		if err != nil {
			t.Fatalf("ParseSessionToken()でエラーが発生: %v", err)
		}
		if claims.Subject != "user-123" {
			t.Errorf("Subject = %q, want %q", claims.Subject, "user-123")
		}
		if claims.Email != "trader@example.com" {
			t.Errorf("Email = %q, want %q", claims.Email, "trader@example.com")
		}
		if claims.Issuer != "stockquest-gateway" {
			t.Errorf("Issuer = %q, want %q", claims.Issuer, "stockquest-gateway")
		}
	})

	t.Run("ttlが0の場合はデフォルトの有効期間になること", func(t *testing.T) {
		t.Parallel()

		before := time.Now()
		token, err := IssueSessionToken(testSecret, "user-ttl", "ttl@example.com", 0)
		if err != nil {
			t.Fatalf("IssueSessionToken()でエラーが発生: %v", err)
		}
		claims, err := ParseSessionToken(testSecret, token)
		if err != nil {
			t.Fatalf("ParseSessionToken()でエラーが発生: %v", err)
		}

		want := before.Add(DefaultSessionTTL)
		if d := claims.ExpiresAt.Time.Sub(want); d < -time.Minute || d > time.Minute {
			t.Errorf("ExpiresAt = %v, want about %v", claims.ExpiresAt.Time, want)
		}
	})
}

// TestParseSessionToken は無効なトークンが拒否されることを検証する。
func TestParseSessionToken(t *testing.T) {
	t.Parallel()

	sign := func(t *testing.T, method jwt.SigningMethod, key any, claims jwt.Claims) string {
		t.Helper()
		s, err := jwt.NewWithClaims(method, claims).SignedString(key)
		if err != nil {
			t.Fatalf("トークンの署名に失敗: %v", err)
		}
		return s
	}
	valid := func() SessionClaims {
		return SessionClaims{RegisteredClaims: jwt.RegisteredClaims{
			Subject:   "user-1",
			Issuer:    tokenIssuer,
			ExpiresAt: jwt.NewNumericDate(time.Now().Add(time.Hour)),
		}}
	}

	expired := valid()
	expired.ExpiresAt = jwt.NewNumericDate(time.Now().Add(-time.Hour))
	otherIssuer := valid()
	otherIssuer.Issuer = "someone-else"
	noExpiry := valid()
	noExpiry.ExpiresAt = nil
	noSubject := valid()
	noSubject.Subject = ""

	tests := []struct {
		name  string
		token string
	}{
		{name: "不正な形式", token: "not-a-jwt"},
		{name: "異なるシークレット", token: sign(t, jwt.SigningMethodHS256, []byte("wrong-secret"), valid())},
		{name: "期限切れ", token: sign(t, jwt.SigningMethodHS256, []byte(testSecret), expired)},
		{name: "発行者が異なる", token: sign(t, jwt.SigningMethodHS256, []byte(testSecret), otherIssuer)},
		{name: "有効期限なし", token: sign(t, jwt.SigningMethodHS256, []byte(testSecret), noExpiry)},
		{name: "ユーザーIDなし", token: sign(t, jwt.SigningMethodHS256, []byte(testSecret), noSubject)},
		{name: "HS512で署名", token: sign(t, jwt.SigningMethodHS512, []byte(testSecret), valid())},
		{name: "署名なし", token: sign(t, jwt.SigningMethodNone, jwt.UnsafeAllowNoneSignatureType, valid())},
	}

	for _, tt := range tests {
		t.Run(tt.name+"のトークンが拒否されること", func(t *testing.T) {
			t.Parallel()

			if _, err := ParseSessionToken(testSecret, tt.token); !errors.Is(err, ErrInvalidToken) {
				t.Errorf("err = %v, want ErrInvalidToken", err)
			}
		})
	}
}

// TestSessionToken はリクエストからのトークン取り出しを検証する。
func TestSessionToken(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name   string
		header string
		cookie string
		want   string
	}{
		{name: "Bearerヘッダーから取得できること", header: "Bearer abc", want: "abc"},
		{name: "Cookieから取得できること", cookie: "from-cookie", want: "from-cookie"},
		{name: "ヘッダーをCookieより優先すること", header: "Bearer from-header", cookie: "from-cookie", want: "from-header"},
		{name: "Bearer以外の形式は無視すること", header: "Basic abc", want: ""},
		{name: "何もなければ空文字列を返すこと", want: ""},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			w := httptest.NewRecorder()
			c, _ := gin.CreateTestContext(w)
			c.Request = httptest.NewRequest(http.MethodGet, "/", nil)
			if tt.header != "" {
				c.Request.Header.Set("Authorization", tt.header)
			}
			if tt.cookie != "" {
				c.Request.AddCookie(&http.Cookie{Name: SessionCookieName, Value: tt.cookie})
			}

			if got := SessionToken(c); got != tt.want {
				t.Errorf("SessionToken() = %q, want %q", got, tt.want)
			}
		})
	}
}

// TestTokenVerifier はTokenVerifierがユーザーIDを返すことを検証する。
func TestTokenVerifier(t *testing.T) {
	t.Parallel()

	verify := TokenVerifier(testSecret)
	token, err := IssueSessionToken(testSecret, "user-v", "v@example.com", time.Hour)
	if err != nil {
		t.Fatalf("IssueSessionToken()でエラーが発生: %v", err)
	}

	id, err := verify(token)
	if err != nil {
		t.Fatalf("verify()でエラーが発生: %v", err)
	}
	if id != "user-v" {
		t.Errorf("id = %q, want %q", id, "user-v")
	}
	if _, err := verify("broken"); err == nil {
		t.Error("不正なトークンでエラーが返らなかった")
	}
}

// TestSetSessionCookie はCookieの設定と削除を検証する。
func TestSetSessionCookie(t *testing.T) {
	t.Parallel()

	w := httptest.NewRecorder()
	c, _ := gin.CreateTestContext(w)
	c.Request = httptest.NewRequest(http.MethodPost, "/", nil)
	SetSessionCookie(c, "tok", time.Hour, true)

	cookies := w.Result().Cookies()
	if len(cookies) != 1 {
		t.Fatalf("Cookie数 = %d, want 1", len(cookies))
	}
	got := cookies[0]
	if got.Name != SessionCookieName || got.Value != "tok" {
		t.Errorf("Cookie = %s=%s", got.Name, got.Value)
	}
	if !got.HttpOnly || !got.Secure {
		t.Errorf("HttpOnly=%v Secure=%v, want both true", got.HttpOnly, got.Secure)
	}
	if got.MaxAge != 3600 {
		t.Errorf("MaxAge = %d, want 3600", got.MaxAge)
	}

	w2 := httptest.NewRecorder()
	c2, _ := gin.CreateTestContext(w2)
	c2.Request = httptest.NewRequest(http.MethodPost, "/", nil)
	ClearSessionCookie(c2, false)
	if cookies := w2.Result().Cookies(); len(cookies) != 1 || cookies[0].MaxAge >= 0 {
		t.Errorf("Cookieが削除されていない: %+v", cookies)
	}
}
