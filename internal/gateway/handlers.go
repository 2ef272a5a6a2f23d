package gateway

import (
	"errors"
	"net/http"
	"net/url"
	"strconv"
	"strings"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/nao1215/stockquest/internal/identity"
	"github.com/nao1215/stockquest/pkg/event"
	"github.com/nao1215/stockquest/pkg/httpclient"
	"github.com/nao1215/stockquest/pkg/middleware"
)

// devTokenRequest は開発用トークン発行のリクエストボディ。
type devTokenRequest struct {
	// Email はサインインするユーザーのメールアドレス。
	Email string `json:"email" binding:"required,email"`
	// DisplayName は初回作成時の表示名。
	DisplayName string `json:"display_name"`
	// ReturnTo はサインイン後に戻るパス。
	ReturnTo string `json:"return_to"`
}

// handleAuthEntry はログイン画面の情報を返すハンドラを返す。
// AuthGateが付与したreturn_toを安全なパスに制限して返す。
func (s *Server) handleAuthEntry() gin.HandlerFunc {
	return func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{
			"message":   "ログインしてください",
			"return_to": safeReturnTo(c.Query("return_to")),
		})
	}
}

// handleDevToken は開発用のセッショントークンを発行するハンドラを返す。
// 指定したメールアドレスのユーザーが存在しなければ作成する。本番環境では無効化すること。
func (s *Server) handleDevToken() gin.HandlerFunc {
	return func(c *gin.Context) {
		var req devTokenRequest
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "メールアドレスを指定してください"})
			return
		}

		ctx := c.Request.Context()
		user, err := s.store.GetUserByEmail(ctx, req.Email)
		if errors.Is(err, identity.ErrUserNotFound) {
			user, err = s.store.CreateUser(ctx, identity.CreateUserParams{
				Email:       req.Email,
				DisplayName: req.DisplayName,
			})
		}
		if err != nil {
			s.logger.Error("開発ユーザーの取得に失敗", zap.Error(err))
			c.JSON(http.StatusInternalServerError, gin.H{"error": "ユーザーの取得に失敗しました"})
			return
		}
		if err := s.store.TouchLogin(ctx, user.ID); err != nil {
			s.logger.Warn("最終ログイン日時の更新に失敗", zap.String("user_id", user.ID), zap.Error(err))
		}

		token, err := middleware.IssueSessionToken(s.cfg.Session.JWTSecret, user.ID, user.Email, s.cfg.Session.TTL)
		if err != nil {
			s.logger.Error("セッショントークンの生成に失敗", zap.Error(err))
			c.JSON(http.StatusInternalServerError, gin.H{"error": "トークン生成に失敗しました"})
			return
		}

		// 作成直後のユーザーが「存在しない」としてキャッシュされている可能性がある
		s.sessions.Invalidate(user.ID)
		middleware.SetSessionCookie(c, token, s.cfg.Session.TTL, s.cfg.Session.SecureCookie)
		c.JSON(http.StatusOK, gin.H{
			"token":     token,
			"user_id":   user.ID,
			"return_to": safeReturnTo(req.ReturnTo),
		})
	}
}

// handleLogout はセッションCookieを削除し、ユーザーのキャッシュを破棄するハンドラを返す。
func (s *Server) handleLogout() gin.HandlerFunc {
	return func(c *gin.Context) {
		if claims, err := middleware.ParseSessionToken(s.cfg.Session.JWTSecret, middleware.SessionToken(c)); err == nil {
			s.sessions.Invalidate(claims.Subject)
			s.roles.Invalidate(claims.Subject)
		}
		middleware.ClearSessionCookie(c, s.cfg.Session.SecureCookie)
		c.JSON(http.StatusOK, gin.H{"status": "logged_out"})
	}
}

// handleOnboardingStatus はオンボーディングの完了状態を返すハンドラを返す。
func (s *Server) handleOnboardingStatus() gin.HandlerFunc {
	return func(c *gin.Context) {
		userID := middleware.GetUserID(c)
		profile := s.sessions.Profile(c.Request.Context(), userID)
		c.JSON(http.StatusOK, gin.H{
			"user_id":              userID,
			"onboarding_completed": profile != nil && profile.OnboardingCompleted,
		})
	}
}

// handleCompleteOnboarding はオンボーディングを完了するハンドラを返す。
// プロフィールサービスが設定されている場合は先にそちらへ完了を通知し、
// 通知に失敗したときはローカルの状態を変更しない。再送しても同じ結果になる。
func (s *Server) handleCompleteOnboarding() gin.HandlerFunc {
	return func(c *gin.Context) {
		ctx := c.Request.Context()
		userID := middleware.GetUserID(c)

		if s.profileClient != nil {
			path := "/api/v1/profiles/" + url.PathEscape(userID) + "/onboarding"
			if err := s.profileClient.PostJSON(httpclient.WithUserID(ctx, userID), path, gin.H{"completed": true}, nil); err != nil {
				s.logger.Error("プロフィールサービスへの通知に失敗", zap.String("user_id", userID), zap.Error(err))
				c.JSON(http.StatusBadGateway, gin.H{"error": "プロフィールサービスとの通信に失敗しました"})
				return
			}
		}
		if err := s.store.CompleteOnboarding(ctx, userID); err != nil {
			s.logger.Error("オンボーディング完了の保存に失敗", zap.String("user_id", userID), zap.Error(err))
			c.JSON(http.StatusInternalServerError, gin.H{"error": "オンボーディングの完了に失敗しました"})
			return
		}

		s.sessions.Invalidate(userID)
		s.recordEvent(c, userID, event.TypeOnboardingCompleted, struct{}{})
		c.JSON(http.StatusOK, gin.H{"user_id": userID, "onboarding_completed": true})
	}
}

// handleGetCurrentUser は認証済みユーザーの情報とロールを返すハンドラを返す。
func (s *Server) handleGetCurrentUser() gin.HandlerFunc {
	return func(c *gin.Context) {
		ctx := c.Request.Context()
		userID := middleware.GetUserID(c)

		user, err := s.store.GetUser(ctx, userID)
		if errors.Is(err, identity.ErrUserNotFound) {
			c.JSON(http.StatusNotFound, gin.H{"error": "ユーザーが見つかりません"})
			return
		}
		if err != nil {
			s.logger.Error("ユーザーの取得に失敗", zap.String("user_id", userID), zap.Error(err))
			c.JSON(http.StatusInternalServerError, gin.H{"error": "ユーザーの取得に失敗しました"})
			return
		}

		role := s.roles.Role(ctx, userID)
		c.JSON(http.StatusOK, gin.H{
			"id":                   user.ID,
			"email":                user.Email,
			"display_name":         user.DisplayName,
			"onboarding_completed": user.OnboardingCompleted,
			"is_admin":             role.IsAdmin,
			"is_owner":             role.IsOwner,
		})
	}
}

// handleGetRoles はユーザーに付与されたロールを返すハンドラを返す。
func (s *Server) handleGetRoles() gin.HandlerFunc {
	return func(c *gin.Context) {
		ctx := c.Request.Context()
		userID := c.Param("id")

		if _, err := s.store.GetUser(ctx, userID); err != nil {
			s.renderStoreError(c, err)
			return
		}
		roles, err := s.store.Roles(ctx, userID)
		if err != nil {
			s.renderStoreError(c, err)
			return
		}
		c.JSON(http.StatusOK, gin.H{"user_id": userID, "roles": roles})
	}
}

// handleGrantRole は指定したロールを付与するハンドラを返す。
func (s *Server) handleGrantRole(role identity.RoleName) gin.HandlerFunc {
	return func(c *gin.Context) {
		var req struct {
			Role string `json:"role"`
		}
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "リクエストの形式が不正です"})
			return
		}
		if requested, err := identity.ParseRoleName(req.Role); err != nil || requested != role {
			c.JSON(http.StatusBadRequest, gin.H{"error": "このエンドポイントでは " + string(role) + " のみ付与できます"})
			return
		}

		userID := c.Param("id")
		if err := s.store.GrantRole(c.Request.Context(), userID, role); err != nil {
			s.renderStoreError(c, err)
			return
		}

		s.roles.Invalidate(userID)
		s.recordEvent(c, userID, event.TypeRoleGranted, event.RoleChangedData{
			Role:    string(role),
			ActorID: middleware.GetUserID(c),
		})
		c.JSON(http.StatusOK, gin.H{"user_id": userID, "granted": role})
	}
}

// handleRevokeRole はロールを剥奪するハンドラを返す。adminの剥奪はownerも剥奪する。
func (s *Server) handleRevokeRole() gin.HandlerFunc {
	return func(c *gin.Context) {
		role, err := identity.ParseRoleName(c.Param("role"))
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "不正なロールです"})
			return
		}

		userID := c.Param("id")
		actorID := middleware.GetUserID(c)
		if userID == actorID {
			c.JSON(http.StatusConflict, gin.H{"error": "自分自身の権限は剥奪できません"})
			return
		}

		if err := s.store.RevokeRole(c.Request.Context(), userID, role); err != nil {
			s.renderStoreError(c, err)
			return
		}

		s.roles.Invalidate(userID)
		s.recordEvent(c, userID, event.TypeRoleRevoked, event.RoleChangedData{
			Role:    string(role),
			ActorID: actorID,
		})
		c.Status(http.StatusNoContent)
	}
}

// handleListAccessEvents は新しい順に監査イベントを返すハンドラを返す。
func (s *Server) handleListAccessEvents() gin.HandlerFunc {
	return func(c *gin.Context) {
		limit, err := strconv.Atoi(c.DefaultQuery("limit", "0"))
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "limitは整数で指定してください"})
			return
		}

		events, err := s.store.ListEvents(c.Request.Context(), limit)
		if err != nil {
			s.renderStoreError(c, err)
			return
		}
		c.JSON(http.StatusOK, gin.H{"events": events})
	}
}

// renderStoreError はストアのエラーをHTTPレスポンスに変換する。
func (s *Server) renderStoreError(c *gin.Context, err error) {
	switch {
	case errors.Is(err, identity.ErrUserNotFound):
		c.JSON(http.StatusNotFound, gin.H{"error": "ユーザーが見つかりません"})
	case errors.Is(err, identity.ErrInvalidRole):
		c.JSON(http.StatusBadRequest, gin.H{"error": "不正なロールです"})
	default:
		s.logger.Error("ストア操作に失敗", zap.String("path", c.FullPath()), zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "内部エラーが発生しました"})
	}
}

// recordEvent は監査イベントを生成して記録する。
func (s *Server) recordEvent(c *gin.Context, subject string, t event.Type, data any) {
	e, err := event.New(subject, t, data)
	if err != nil {
		s.logger.Warn("監査イベントの生成に失敗", zap.Error(err))
		return
	}
	s.auditor.Record(c.Request.Context(), e)
}

// safeReturnTo は同一オリジン内のパスだけを戻り先として許可する。
func safeReturnTo(returnTo string) string {
	if !strings.HasPrefix(returnTo, "/") || strings.HasPrefix(returnTo, "//") || strings.Contains(returnTo, `\`) {
		return "/"
	}
	return returnTo
}
