package middleware

import (
	"context"
	"net/http"
	"net/url"
	"strings"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/nao1215/stockquest/pkg/event"
	"github.com/nao1215/stockquest/pkg/gate"
)

// SessionResolver はAuthGateにセッションとプロフィールのスナップショットを渡す。
type SessionResolver interface {
	Session(ctx context.Context, token string) gate.Session
	Profile(ctx context.Context, userID string) *gate.Profile
}

// RoleResolver はRoleGateにロールのスナップショットを渡す。
type RoleResolver interface {
	Role(ctx context.Context, userID string) gate.Role
}

// Auditor はゲートの判定結果を監査イベントとして記録する。
type Auditor interface {
	Record(ctx context.Context, e *event.Event)
}

type gateOptions struct {
	logger  *zap.Logger
	auditor Auditor
}

// GateOption はゲートミドルウェアの動作を変更する。
type GateOption func(*gateOptions)

// WithGateLogger は判定結果を出力するロガーを設定する。
func WithGateLogger(logger *zap.Logger) GateOption {
	return func(o *gateOptions) {
		o.logger = logger
	}
}

// WithAuditor はユーザーを特定できたリダイレクトと拒否を記録するAuditorを設定する。
func WithAuditor(a Auditor) GateOption {
	return func(o *gateOptions) {
		o.auditor = a
	}
}

func newGateOptions(opts []GateOption) gateOptions {
	o := gateOptions{logger: zap.NewNop()}
	for _, opt := range opts {
		opt(&o)
	}
	return o
}

// AuthGate は認証とオンボーディングを要求するGinミドルウェアを返す。
//
// リクエストごとに最新のセッション・プロフィールと現在のURLでゲートを評価し、
// ローディングは202、リダイレクトはブラウザには303、APIクライアントには
// 401（ログイン）または403（オンボーディング）のJSONとして返す。
// 通過した場合はコンテキストに認証済みユーザーを設定する。
func AuthGate(sessions SessionResolver, g gate.AuthGate, opts ...GateOption) gin.HandlerFunc {
	o := newGateOptions(opts)

	return func(c *gin.Context) {
		ctx := c.Request.Context()
		location := c.Request.URL.RequestURI()

		session := sessions.Session(ctx, SessionToken(c))
		var profile *gate.Profile
		if session.Resolved && session.Identity != nil {
			profile = sessions.Profile(ctx, session.Identity.UserID)
		}

		outcome := g.Evaluate(session, profile, location)
		o.logger.Debug("AuthGateの判定",
			zap.String("location", location),
			zap.Stringer("outcome", outcome.Kind))

		switch outcome.Kind {
		case gate.KindLoading:
			renderLoading(c)
		case gate.KindRedirect:
			subject := ""
			status := http.StatusUnauthorized
			if session.Identity != nil {
				subject = session.Identity.UserID
				status = http.StatusForbidden
			}
			o.record(ctx, subject, event.TypeAccessRedirected, event.AccessRedirectedData{
				Location: location,
				Target:   outcome.Target.Path,
			})
			renderRedirect(c, outcome.Target, status)
		case gate.KindChildren:
			c.Set(contextKeyIdentity, session.Identity)
			c.Next()
		default:
			c.AbortWithStatus(http.StatusForbidden)
		}
	}
}

// RoleGate は管理者権限を要求するGinミドルウェアを返す。AuthGateの後に適用すること。
//
// 権限不足の場合はリダイレクトせず、403で拒否メッセージと制限マーカーを返す。
// 認証済みユーザーがコンテキストにない場合は権限なしとして扱う。
func RoleGate(roles RoleResolver, g gate.RoleGate, opts ...GateOption) gin.HandlerFunc {
	o := newGateOptions(opts)

	return func(c *gin.Context) {
		ctx := c.Request.Context()
		userID := GetUserID(c)

		role := gate.Role{Resolved: true}
		if userID != "" {
			role = roles.Role(ctx, userID)
		}

		outcome := g.Evaluate(role)
		o.logger.Debug("RoleGateの判定",
			zap.String("user_id", userID),
			zap.Bool("require_owner", g.RequireOwner),
			zap.Stringer("outcome", outcome.Kind))

		switch outcome.Kind {
		case gate.KindLoading:
			renderLoading(c)
		case gate.KindDenied:
			o.record(ctx, userID, event.TypeAccessDenied, event.AccessDeniedData{
				Location:     c.Request.URL.RequestURI(),
				RequireOwner: g.RequireOwner,
			})
			c.AbortWithStatusJSON(http.StatusForbidden, outcome.Denial)
		case gate.KindChildren:
			c.Next()
		default:
			c.AbortWithStatus(http.StatusForbidden)
		}
	}
}

// record は判定結果を監査イベントとして記録する。ユーザーを特定できない判定は記録しない。
func (o gateOptions) record(ctx context.Context, subject string, t event.Type, data any) {
	if o.auditor == nil || subject == "" {
		return
	}
	e, err := event.New(subject, t, data)
	if err != nil {
		o.logger.Warn("監査イベントの生成に失敗", zap.Error(err))
		return
	}
	o.auditor.Record(ctx, e)
}

// renderLoading は解決待ちであることを返す。クライアントはRetry-After後に再試行する。
func renderLoading(c *gin.Context) {
	c.Header("Retry-After", "1")
	c.AbortWithStatusJSON(http.StatusAccepted, gin.H{"status": "loading"})
}

// renderRedirect はリダイレクトを返す。
// 3xxのリダイレクトは中間URLを履歴に残さないため、履歴の置き換えとして機能する。
func renderRedirect(c *gin.Context, target gate.NavigationTarget, apiStatus int) {
	if wantsHTML(c) {
		c.Redirect(http.StatusSeeOther, redirectLocation(target))
		c.Abort()
		return
	}
	c.AbortWithStatusJSON(apiStatus, gin.H{
		"error":     redirectMessage(apiStatus),
		"redirect":  target.Path,
		"return_to": target.ReturnTo,
		"replace":   target.Replace,
	})
}

func redirectLocation(target gate.NavigationTarget) string {
	if target.ReturnTo == "" {
		return target.Path
	}
	return target.Path + "?return_to=" + url.QueryEscape(target.ReturnTo)
}

func redirectMessage(status int) string {
	if status == http.StatusUnauthorized {
		return "ログインが必要です"
	}
	return "オンボーディングを完了してください"
}

func wantsHTML(c *gin.Context) bool {
	return strings.Contains(c.GetHeader("Accept"), "text/html")
}
