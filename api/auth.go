package api

import (
	"crypto"
	"fmt"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"

	"stockat/auction"
)

const (
	accessTokenCookie  = "access_token"
	actorKeyForContext = "stockat-actor"
)

// JWT 是 access token 的內容，Subject 為使用者 ID
type JWT struct {
	Username string `json:"username"`
	Admin    bool   `json:"admin"`
	jwt.RegisteredClaims
}

// ParseAndValidateJWT 以 EdDSA 公鑰驗證 access token
func ParseAndValidateJWT(tokenString string, key crypto.PublicKey, config AuthConfig) (*JWT, error) {
	const op = "ParseAndValidateJWT"
	opts := []jwt.ParserOption{jwt.WithValidMethods([]string{jwt.SigningMethodEdDSA.Alg()})}
	if config.Issuer != "" {
		opts = append(opts, jwt.WithIssuer(config.Issuer))
	}
	if config.Audience != "" {
		opts = append(opts, jwt.WithAudience(config.Audience))
	}
	token, err := jwt.ParseWithClaims(tokenString, &JWT{}, func(token *jwt.Token) (interface{}, error) {
		return key, nil
	}, opts...)
	if err != nil {
		return nil, fmt.Errorf("[%s] Fail to parse token, err=%w", op, err)
	}
	claims, ok := token.Claims.(*JWT)
	if !ok || !token.Valid {
		return nil, fmt.Errorf("[%s] Token claims are invalid", op)
	}
	return claims, nil
}

// accessToken 依序從 Authorization header 與 cookie 取得 access token
func accessToken(c *gin.Context) string {
	if header := c.GetHeader("Authorization"); header != "" {
		if token, ok := strings.CutPrefix(header, "Bearer "); ok {
			return strings.TrimSpace(token)
		}
	}
	if token, err := c.Cookie(accessTokenCookie); err == nil {
		return token
	}
	return ""
}

// requireActor 驗證 access token 並把 auction.Actor 放入 context
func (impl *ServerImpl) requireActor() gin.HandlerFunc {
	return func(c *gin.Context) {
		token := accessToken(c)
		if token == "" {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"message": "missing access token"})
			return
		}
		claims, err := ParseAndValidateJWT(token, impl.config.Auth.PublicKey, impl.config.Auth)
		if err != nil {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"message": "invalid access token"})
			return
		}
		userID, err := uuid.Parse(claims.Subject)
		if err != nil {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"message": "invalid access token"})
			return
		}
		c.Set(actorKeyForContext, auction.Actor{UserID: userID, Admin: claims.Admin})
		c.Next()
	}
}

func actorFrom(c *gin.Context) auction.Actor {
	actor, _ := c.MustGet(actorKeyForContext).(auction.Actor)
	return actor
}
