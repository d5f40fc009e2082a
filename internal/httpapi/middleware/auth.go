package middleware

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/golang-jwt/jwt/v5"
)

type verifyErrResp struct {
	Error string `json:"error"`
}

type VerifyClaims struct {
	UserID   uint64 `json:"userId"`
	Username string `json:"username"`
	Type     string `json:"type"` // "access"
}

// Claims 本地校验模式下的 JWT 负载（与 auth-service 签发格式一致）。
type Claims struct {
	UserID   uint64 `json:"sub"`
	Username string `json:"username"`
	Type     string `json:"typ"`
	jwt.RegisteredClaims
}

func jwtSecret() []byte {
	secret := os.Getenv("JWT_SECRET")
	if secret == "" {
		secret = "dev-secret"
	}
	return []byte(secret)
}

// ParseAccessToken 本地解析并校验 HS256 access token。
func ParseAccessToken(tokenString string) (*Claims, error) {
	token, err := jwt.ParseWithClaims(tokenString, &Claims{}, func(token *jwt.Token) (interface{}, error) {
		return jwtSecret(), nil
	})
	if err != nil {
		return nil, err
	}
	if claims, ok := token.Claims.(*Claims); ok && token.Valid {
		return claims, nil
	}
	return nil, jwt.ErrTokenInvalidClaims
}

// AuthMiddleware 鉴权中间件：authBaseURL 非空时调用 auth-service 的
// /v1/auth/verify 远程校验；为空时退化为本地 JWT 校验（单机部署）。
// authBaseURL 不要带路径，这里自己拼 verify 路径。
func AuthMiddleware(authBaseURL string) gin.HandlerFunc {
	client := &http.Client{}
	verifyURL := strings.TrimRight(authBaseURL, "/") + "/v1/auth/verify"

	return func(c *gin.Context) {
		// 从 Authorization 头提取令牌；兼容 WebSocket：浏览器无法自定义
		// Header，允许从 query ?token= 中获取
		tokenString := extractBearer(c.Request.Header.Get("Authorization"))
		if tokenString == "" {
			tokenString = strings.TrimSpace(c.Query("token"))
		}
		if tokenString == "" {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{
				"code":    "UNAUTHENTICATED",
				"message": "Authorization header is missing or invalid",
			})
			return
		}

		if authBaseURL == "" {
			claims, err := ParseAccessToken(tokenString)
			if err != nil || (claims.Type != "" && claims.Type != "access") {
				c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{
					"code":    "UNAUTHENTICATED",
					"message": "invalid token",
				})
				return
			}
			c.Set("userId", claims.UserID)
			c.Set("username", claims.Username)
			c.Next()
			return
		}

		ctx, cancel := context.WithTimeout(context.Background(), 1200*time.Millisecond)
		defer cancel()

		req, err := http.NewRequestWithContext(ctx, http.MethodPost, verifyURL, bytes.NewReader([]byte("{}")))
		if err != nil {
			c.AbortWithStatusJSON(http.StatusInternalServerError, gin.H{"code": "INTERNAL", "message": "build verify request failed"})
			return
		}
		req.Header.Set("Authorization", "Bearer "+tokenString)
		req.Header.Set("Content-Type", "application/json")

		resp, err := client.Do(req)
		if err != nil {
			// 包含超时：context deadline exceeded
			c.AbortWithStatusJSON(http.StatusBadGateway, gin.H{
				"code":    "AUTH_UPSTREAM_ERROR",
				"message": "auth-service verify failed",
			})
			return
		}
		defer resp.Body.Close()

		if resp.StatusCode == http.StatusUnauthorized {
			var e verifyErrResp
			_ = json.NewDecoder(resp.Body).Decode(&e)
			msg := e.Error
			if msg == "" {
				msg = "invalid token"
			}
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{
				"code":    "UNAUTHENTICATED",
				"message": msg,
			})
			return
		}
		if resp.StatusCode != http.StatusOK {
			c.AbortWithStatusJSON(http.StatusBadGateway, gin.H{
				"code":    "AUTH_UPSTREAM_ERROR",
				"message": "auth-service verify non-200",
			})
			return
		}

		var claims VerifyClaims
		if err := json.NewDecoder(resp.Body).Decode(&claims); err != nil {
			c.AbortWithStatusJSON(http.StatusBadGateway, gin.H{
				"code":    "AUTH_UPSTREAM_ERROR",
				"message": "invalid verify response",
			})
			return
		}
		if claims.Type != "" && claims.Type != "access" {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{
				"code":    "UNAUTHENTICATED",
				"message": "access token required",
			})
			return
		}

		c.Set("userId", claims.UserID)
		c.Set("username", claims.Username)
		c.Next()
	}
}

func extractBearer(header string) string {
	if header == "" {
		return ""
	}
	const prefix = "Bearer "
	if len(header) > len(prefix) && strings.EqualFold(header[:len(prefix)], prefix) {
		return strings.TrimSpace(header[len(prefix):])
	}
	return ""
}
