package handler

import (
	"github.com/gin-gonic/gin"

	"github.com/certsouq/certsouq-api/internal/middleware"
	"github.com/certsouq/certsouq-api/internal/models"
)

func claimsFromContext(c *gin.Context) *models.JWTClaims {
	value, exists := c.Get(middleware.ContextUserKey)
	if !exists {
		return nil
	}
	claims, ok := value.(*models.JWTClaims)
	if !ok {
		return nil
	}
	return claims
}

// actorFromContext returns the acting user's id for audit and history
// records, or "system" when the route is unauthenticated.
func actorFromContext(c *gin.Context) string {
	if claims := claimsFromContext(c); claims != nil {
		return claims.UserID
	}
	return "system"
}
