package server

import (
	"net/http"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

// handleWebhook reads the raw body before any middleware touches it;
// signature verification needs the exact bytes the provider signed.
func (s *Server) handleWebhook(provider string) gin.HandlerFunc {
	return func(c *gin.Context) {
		payload, err := c.GetRawData()
		if err != nil || len(payload) == 0 {
			AbortWithError(c, invalidRequestError())
			return
		}

		outcome, err := s.gate.Process(c.Request.Context(), provider, payload, c.Request.Header)
		if err != nil {
			s.log.Warn("webhook rejected",
				zap.String("provider", provider),
				zap.Error(err))
			AbortWithError(c, err)
			return
		}

		// Any terminal outcome (processed, duplicate, ignored, parked)
		// must answer 2xx so the provider stops redelivering.
		c.JSON(http.StatusOK, gin.H{"outcome": outcome})
	}
}
