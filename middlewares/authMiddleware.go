package middlewares

import (
	"net/http"
	"strings"

	"bitbucket.org/mediflowhq/inventory_agent/utils"
	"github.com/gin-gonic/gin"
)

// AuthMiddleware validates the bearer token and attaches the caller's identity
// to the request context. Requests without a token pass through; handlers that
// need an identity reject them with RequireIdentity.
func AuthMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		auth := c.Request.Header.Get("Authorization")
		if auth == "" {
			c.Next()
			return
		}

		token := strings.TrimPrefix(auth, "Bearer ")
		validate, err := utils.JwtValidate(token)
		if err != nil || !validate.Valid {
			c.JSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
			c.Abort()
			return
		}

		userId, userName := utils.IdentityFromToken(token)
		ctx := c.Request.Context()
		ctx = utils.SetTokenInContext(ctx, token)
		ctx = utils.SetUserIdInContext(ctx, userId)
		ctx = utils.SetUserNameInContext(ctx, userName)
		c.Request = c.Request.WithContext(ctx)
		c.Next()
	}
}

// RequireIdentity aborts with 401 unless AuthMiddleware attached a user.
func RequireIdentity() gin.HandlerFunc {
	return func(c *gin.Context) {
		if _, ok := utils.GetUserIdFromContext(c.Request.Context()); !ok {
			c.JSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
			c.Abort()
			return
		}
		c.Next()
	}
}
