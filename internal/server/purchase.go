package server

import (
	"errors"
	"net/http"
	"strings"

	"github.com/bwmarrin/snowflake"
	"github.com/gin-gonic/gin"
	"github.com/serenitylabs/serenity/internal/providers/apple"
	providerdomain "github.com/serenitylabs/serenity/internal/providers/domain"
	"go.uber.org/zap"
)

type verifyPurchaseRequest struct {
	UserID      string `json:"user_id"`
	ReceiptData string `json:"receipt_data"`
}

// VerifyApplePurchase handles client-submitted purchase receipts. This is
// how an Apple subscription first enters the system; later lifecycle
// changes arrive through server notifications keyed on the same
// original transaction id.
func (s *Server) VerifyApplePurchase(c *gin.Context) {
	var req verifyPurchaseRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		AbortWithError(c, invalidRequestError())
		return
	}
	if strings.TrimSpace(req.ReceiptData) == "" {
		AbortWithError(c, newValidationError("receipt_data", "missing_field", "receipt data is required"))
		return
	}
	userID, err := snowflake.ParseString(strings.TrimSpace(req.UserID))
	if err != nil || userID == 0 {
		AbortWithError(c, newValidationError("user_id", "invalid_field", "a valid user id is required"))
		return
	}

	receipt, err := s.receiptClient.Verify(c.Request.Context(), strings.TrimSpace(req.ReceiptData))
	if err != nil {
		var receiptErr *apple.ReceiptError
		if errors.As(err, &receiptErr) {
			s.log.Warn("apple receipt rejected",
				zap.Int("status", receiptErr.Status),
				zap.String("user_id", userID.String()))
			c.JSON(http.StatusUnprocessableEntity, gin.H{"error": gin.H{
				"code":    "receipt_rejected",
				"message": receiptErr.Error(),
				"status":  receiptErr.Status,
			}})
			return
		}
		AbortWithError(c, err)
		return
	}

	expires := receipt.ExpiresAt
	event := &providerdomain.ProviderEvent{
		Provider:          providerdomain.ProviderApple,
		ProviderEventID:   "receipt-" + receipt.TransactionID,
		Type:              providerdomain.EventPurchased,
		LineageKey:        receipt.OriginalTransactionID,
		UserID:            userID,
		ProductID:         receipt.ProductID,
		ProviderPaymentID: receipt.TransactionID,
		ExpiresAt:         &expires,
		IsTrial:           receipt.IsTrial,
		OccurredAt:        receipt.PurchasedAt,
	}

	outcome, err := s.gate.Apply(c.Request.Context(), event)
	if err != nil {
		AbortWithError(c, err)
		return
	}

	entitlement, err := s.resolver.EffectiveTier(c.Request.Context(), userID)
	if err != nil {
		AbortWithError(c, err)
		return
	}

	respondData(c, gin.H{
		"outcome":     outcome,
		"environment": receipt.Environment,
		"entitlement": entitlement,
	})
}
