package server

import (
	"strings"

	"github.com/bwmarrin/snowflake"
	"github.com/gin-gonic/gin"
	paymentdomain "github.com/serenitylabs/serenity/internal/payment/domain"
)

type createRefundRequest struct {
	// Amount in minor units; omit to refund the remaining refundable
	// amount.
	Amount    *int64 `json:"amount,omitempty"`
	Initiator string `json:"initiator"`
}

func (s *Server) CreateRefund(c *gin.Context) {
	paymentID, err := snowflake.ParseString(strings.TrimSpace(c.Param("id")))
	if err != nil || paymentID == 0 {
		AbortWithError(c, newValidationError("id", "invalid_field", "a valid payment id is required"))
		return
	}

	var req createRefundRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		AbortWithError(c, invalidRequestError())
		return
	}

	initiator := paymentdomain.RefundInitiator(strings.ToUpper(strings.TrimSpace(req.Initiator)))
	switch initiator {
	case paymentdomain.RefundInitiatorUser, paymentdomain.RefundInitiatorAdmin:
	case "":
		initiator = paymentdomain.RefundInitiatorAdmin
	default:
		AbortWithError(c, newValidationError("initiator", "invalid_field", "initiator must be USER or ADMIN"))
		return
	}

	refund, err := s.ledger.CreateRefund(c.Request.Context(), paymentdomain.CreateRefundRequest{
		PaymentID: paymentID,
		Amount:    req.Amount,
		Initiator: initiator,
	})
	if err != nil {
		AbortWithError(c, err)
		return
	}
	respondData(c, refund)
}

func (s *Server) ListRefunds(c *gin.Context) {
	paymentID, err := snowflake.ParseString(strings.TrimSpace(c.Param("id")))
	if err != nil || paymentID == 0 {
		AbortWithError(c, newValidationError("id", "invalid_field", "a valid payment id is required"))
		return
	}

	refunds, err := s.ledger.ListRefunds(c.Request.Context(), paymentID)
	if err != nil {
		AbortWithError(c, err)
		return
	}
	respondData(c, refunds)
}
