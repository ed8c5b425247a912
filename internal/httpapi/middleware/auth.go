package middleware

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/suPer8Hu/chatcore/internal/auth"
)

const UserIDKey = "user_id"

// AuthRequired rejects requests without a valid bearer token and stores the
// token subject under UserIDKey.
func AuthRequired(secret string) gin.HandlerFunc {
	return func(c *gin.Context) {
		userID, err := auth.ParseJWT(c.GetHeader("Authorization"), secret)
		if err != nil {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{
				"code":    40101,
				"message": "unauthorized",
				"data":    nil,
			})
			return
		}
		c.Set(UserIDKey, userID)
		c.Next()
	}
}

func UserID(c *gin.Context) (string, bool) {
	v, ok := c.Get(UserIDKey)
	if !ok {
		return "", false
	}
	id, ok := v.(string)
	return id, ok && id != ""
}
