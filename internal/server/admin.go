package server

import (
	"strings"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/gin-gonic/gin"
	"github.com/serenitylabs/serenity/internal/providers/manual"
)

type grantRequest struct {
	UserID    string    `json:"user_id"`
	PlanCode  string    `json:"plan_code"`
	ExpiresAt time.Time `json:"expires_at"`
	IsTrial   bool      `json:"is_trial"`
}

func (s *Server) GrantSubscription(c *gin.Context) {
	var req grantRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		AbortWithError(c, invalidRequestError())
		return
	}
	userID, err := snowflake.ParseString(strings.TrimSpace(req.UserID))
	if err != nil || userID == 0 {
		AbortWithError(c, newValidationError("user_id", "invalid_field", "a valid user id is required"))
		return
	}
	if strings.TrimSpace(req.PlanCode) == "" {
		AbortWithError(c, newValidationError("plan_code", "missing_field", "plan code is required"))
		return
	}
	if req.ExpiresAt.IsZero() {
		AbortWithError(c, newValidationError("expires_at", "missing_field", "expiry is required"))
		return
	}

	sub, err := s.adminSvc.Grant(c.Request.Context(), manual.GrantInput{
		UserID:    userID,
		PlanCode:  strings.TrimSpace(req.PlanCode),
		ExpiresAt: req.ExpiresAt,
		IsTrial:   req.IsTrial,
	})
	if err != nil {
		AbortWithError(c, err)
		return
	}
	respondData(c, sub)
}

type extendRequest struct {
	UserID    string    `json:"user_id"`
	ExpiresAt time.Time `json:"expires_at"`
}

func (s *Server) ExtendSubscription(c *gin.Context) {
	var req extendRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		AbortWithError(c, invalidRequestError())
		return
	}
	userID, err := snowflake.ParseString(strings.TrimSpace(req.UserID))
	if err != nil || userID == 0 {
		AbortWithError(c, newValidationError("user_id", "invalid_field", "a valid user id is required"))
		return
	}
	if req.ExpiresAt.IsZero() {
		AbortWithError(c, newValidationError("expires_at", "missing_field", "expiry is required"))
		return
	}

	sub, err := s.adminSvc.Extend(c.Request.Context(), userID, req.ExpiresAt)
	if err != nil {
		AbortWithError(c, err)
		return
	}
	respondData(c, sub)
}

type revokeRequest struct {
	UserID string `json:"user_id"`
}

func (s *Server) RevokeSubscription(c *gin.Context) {
	var req revokeRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		AbortWithError(c, invalidRequestError())
		return
	}
	userID, err := snowflake.ParseString(strings.TrimSpace(req.UserID))
	if err != nil || userID == 0 {
		AbortWithError(c, newValidationError("user_id", "invalid_field", "a valid user id is required"))
		return
	}

	sub, err := s.adminSvc.Revoke(c.Request.Context(), userID)
	if err != nil {
		AbortWithError(c, err)
		return
	}
	respondData(c, sub)
}

func (s *Server) ListDeadLetters(c *gin.Context) {
	limit := 100
	letters, err := s.deadLetterRepo.List(c.Request.Context(), s.db, limit)
	if err != nil {
		AbortWithError(c, err)
		return
	}
	respondData(c, letters)
}
