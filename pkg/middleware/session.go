package middleware

import (
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/golang-jwt/jwt/v5"

	"github.com/nao1215/stockquest/pkg/gate"
)

const (
	// SessionCookieName はセッショントークンを保持するCookie名。
	SessionCookieName = "sq_session"
	// DefaultSessionTTL はセッショントークンのデフォルト有効期間。
	DefaultSessionTTL = 24 * time.Hour

	tokenIssuer = "stockquest-gateway"

	contextKeyIdentity = "identity"
)

// ErrInvalidToken はセッショントークンが無効であることを表す。
var ErrInvalidToken = errors.New("トークンが無効です")

// SessionClaims はセッショントークンのクレーム。
// ユーザーIDはSubjectに格納する。
type SessionClaims struct {
	jwt.RegisteredClaims
	// Email はユーザーのメールアドレス。
	Email string `json:"email"`
}

// IssueSessionToken はユーザー情報からHS256で署名したセッショントークンを発行する。
// ttlが0以下の場合はDefaultSessionTTLを使う。
func IssueSessionToken(secret, userID, email string, ttl time.Duration) (string, error) {
	if ttl <= 0 {
		ttl = DefaultSessionTTL
	}
	now := time.Now()
	claims := SessionClaims{
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   userID,
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
			IssuedAt:  jwt.NewNumericDate(now),
			Issuer:    tokenIssuer,
		},
		Email: email,
	}

	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte(secret))
	if err != nil {
		return "", fmt.Errorf("セッショントークンの署名に失敗: %w", err)
	}
	return signed, nil
}

// ParseSessionToken はセッショントークンを検証してクレームを返す。
// HS256以外の署名方式、発行者の不一致、有効期限の欠落はすべて無効として扱う。
func ParseSessionToken(secret, token string) (*SessionClaims, error) {
	claims := &SessionClaims{}
	parsed, err := jwt.ParseWithClaims(token, claims, func(_ *jwt.Token) (any, error) {
		return []byte(secret), nil
	},
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithIssuer(tokenIssuer),
		jwt.WithExpirationRequired(),
	)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrInvalidToken, err)
	}
	if !parsed.Valid || claims.Subject == "" {
		return nil, ErrInvalidToken
	}
	return claims, nil
}

// TokenVerifier はセッショントークンを検証してユーザーIDを返す関数を生成する。
func TokenVerifier(secret string) func(token string) (string, error) {
	return func(token string) (string, error) {
		claims, err := ParseSessionToken(secret, token)
		if err != nil {
			return "", err
		}
		return claims.Subject, nil
	}
}

// SessionToken はリクエストからセッショントークンを取り出す。
// Authorizationヘッダーの Bearer トークンを優先し、なければCookieを参照する。
func SessionToken(c *gin.Context) string {
	if token, ok := strings.CutPrefix(c.GetHeader("Authorization"), "Bearer "); ok {
		return strings.TrimSpace(token)
	}
	if cookie, err := c.Cookie(SessionCookieName); err == nil {
		return cookie
	}
	return ""
}

// SetSessionCookie はセッショントークンをHttpOnly Cookieとして設定する。
func SetSessionCookie(c *gin.Context, token string, ttl time.Duration, secure bool) {
	c.SetSameSite(http.SameSiteLaxMode)
	c.SetCookie(SessionCookieName, token, int(ttl.Seconds()), "/", "", secure, true)
}

// ClearSessionCookie はセッションCookieを削除する。
func ClearSessionCookie(c *gin.Context, secure bool) {
	c.SetSameSite(http.SameSiteLaxMode)
	c.SetCookie(SessionCookieName, "", -1, "/", "", secure, true)
}

// GetIdentity はAuthGateが設定した認証済みユーザーを取得する。
// AuthGateを通過していない場合はnilを返す。
func GetIdentity(c *gin.Context) *gate.Identity {
	v, ok := c.Get(contextKeyIdentity)
	if !ok {
		return nil
	}
	identity, _ := v.(*gate.Identity)
	return identity
}

// GetUserID は認証済みユーザーのIDを取得する。未認証の場合は空文字列を返す。
func GetUserID(c *gin.Context) string {
	if identity := GetIdentity(c); identity != nil {
		return identity.UserID
	}
	return ""
}
