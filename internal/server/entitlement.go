package server

import (
	"strings"

	"github.com/bwmarrin/snowflake"
	"github.com/gin-gonic/gin"
)

// GetEntitlement is the hot read path consumed by authorization
// middleware in downstream services.
func (s *Server) GetEntitlement(c *gin.Context) {
	userID, err := snowflake.ParseString(strings.TrimSpace(c.Param("id")))
	if err != nil || userID == 0 {
		AbortWithError(c, newValidationError("id", "invalid_field", "a valid user id is required"))
		return
	}

	entitlement, err := s.resolver.EffectiveTier(c.Request.Context(), userID)
	if err != nil {
		AbortWithError(c, err)
		return
	}
	respondData(c, entitlement)
}
