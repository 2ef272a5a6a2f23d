package gateway

import (
	"io"
	"net/http"
	"net/url"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/nao1215/stockquest/pkg/httpclient"
	"github.com/nao1215/stockquest/pkg/middleware"
)

// handleProxy は指定されたサービスにリクエストを転送するハンドラを返す。
func (s *Server) handleProxy(baseURL, path string) gin.HandlerFunc {
	return func(c *gin.Context) {
		s.doProxy(c, withQuery(c, baseURL+path))
	}
}

// handleProxyWithParam はURLパラメータを含むパスに転送するハンドラを返す。
func (s *Server) handleProxyWithParam(baseURL, pathPrefix, paramName string) gin.HandlerFunc {
	return func(c *gin.Context) {
		s.doProxy(c, withQuery(c, baseURL+pathPrefix+url.PathEscape(c.Param(paramName))))
	}
}

func withQuery(c *gin.Context, target string) string {
	if c.Request.URL.RawQuery != "" {
		return target + "?" + c.Request.URL.RawQuery
	}
	return target
}

// doProxy はリクエストを内部サービスに転送する共通処理。
// セッショントークンは転送せず、ゲートを通過したユーザーのIDをヘッダーで渡す。
func (s *Server) doProxy(c *gin.Context, target string) {
	req, err := http.NewRequestWithContext(c.Request.Context(), c.Request.Method, target, c.Request.Body)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "プロキシリクエストの作成に失敗しました"})
		return
	}
	if ct := c.GetHeader("Content-Type"); ct != "" {
		req.Header.Set("Content-Type", ct)
	}
	req.Header.Set("Accept", "application/json")
	req.Header.Set(httpclient.HeaderUserID, middleware.GetUserID(c))

	resp, err := s.proxyClient.Do(req)
	if err != nil {
		s.logger.Error("プロキシエラー", zap.String("url", target), zap.Error(err))
		c.JSON(http.StatusBadGateway, gin.H{"error": "内部サービスとの通信に失敗しました"})
		return
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		c.JSON(http.StatusBadGateway, gin.H{"error": "レスポンスの読み取りに失敗しました"})
		return
	}

	contentType := resp.Header.Get("Content-Type")
	if contentType == "" {
		contentType = "application/json"
	}
	c.Data(resp.StatusCode, contentType, body)
}
