package server

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"
	invoicedomain "github.com/serenitylabs/serenity/internal/invoice/domain"
	paymentdomain "github.com/serenitylabs/serenity/internal/payment/domain"
	plandomain "github.com/serenitylabs/serenity/internal/plan/domain"
	providerdomain "github.com/serenitylabs/serenity/internal/providers/domain"
	subscriptiondomain "github.com/serenitylabs/serenity/internal/subscription/domain"
	userdomain "github.com/serenitylabs/serenity/internal/user/domain"
)

var ErrUnauthorized = errors.New("unauthorized")

func respondData(c *gin.Context, data any) {
	c.JSON(http.StatusOK, gin.H{"data": data})
}

type apiError struct {
	status  int
	code    string
	message string
}

func (e *apiError) Error() string { return e.message }

func invalidRequestError() error {
	return &apiError{status: http.StatusBadRequest, code: "invalid_request", message: "malformed request body"}
}

func newValidationError(field, code, message string) error {
	return &apiError{status: http.StatusBadRequest, code: code, message: field + ": " + message}
}

// AbortWithError translates domain sentinel errors into HTTP responses.
// Unmapped errors become 500s without leaking internals.
func AbortWithError(c *gin.Context, err error) {
	var typed *apiError
	if errors.As(err, &typed) {
		abort(c, typed.status, typed.code, typed.message)
		return
	}

	switch {
	case errors.Is(err, ErrUnauthorized):
		abort(c, http.StatusUnauthorized, "unauthorized", "missing or invalid credentials")
	case errors.Is(err, providerdomain.ErrInvalidSignature):
		abort(c, http.StatusBadRequest, "invalid_signature", "payload verification failed")
	case errors.Is(err, providerdomain.ErrInvalidPayload),
		errors.Is(err, providerdomain.ErrInvalidEvent):
		abort(c, http.StatusBadRequest, "invalid_payload", "payload could not be decoded")
	case errors.Is(err, providerdomain.ErrProviderNotFound):
		abort(c, http.StatusNotFound, "unknown_provider", "no such payment provider")
	case errors.Is(err, providerdomain.ErrInvalidUser):
		abort(c, http.StatusBadRequest, "invalid_user", "event does not reference a known user")
	case errors.Is(err, userdomain.ErrUserNotFound):
		abort(c, http.StatusNotFound, "user_not_found", "no such user")
	case errors.Is(err, plandomain.ErrPlanNotFound),
		errors.Is(err, plandomain.ErrUnknownProduct):
		abort(c, http.StatusNotFound, "plan_not_found", "no plan mapping for product")
	case errors.Is(err, subscriptiondomain.ErrSubscriptionNotFound),
		errors.Is(err, subscriptiondomain.ErrLineageNotFound):
		abort(c, http.StatusNotFound, "subscription_not_found", "no matching subscription")
	case errors.Is(err, paymentdomain.ErrPaymentNotFound):
		abort(c, http.StatusNotFound, "payment_not_found", "no such payment")
	case errors.Is(err, paymentdomain.ErrAlreadyRefunded):
		abort(c, http.StatusConflict, "already_refunded", "payment is fully refunded")
	case errors.Is(err, paymentdomain.ErrInvalidRefundAmount),
		errors.Is(err, paymentdomain.ErrRefundExceedsPayment):
		abort(c, http.StatusBadRequest, "invalid_refund_amount", "refund amount out of range")
	case errors.Is(err, paymentdomain.ErrRefundProviderCall):
		abort(c, http.StatusBadGateway, "provider_refund_failed", "provider rejected the refund")
	case errors.Is(err, invoicedomain.ErrInvoiceNotFound):
		abort(c, http.StatusNotFound, "invoice_not_found", "no such invoice")
	case errors.Is(err, invoicedomain.ErrInvoiceNotVoidable):
		abort(c, http.StatusConflict, "invoice_not_voidable", "invoice is paid or already void")
	case errors.Is(err, invoicedomain.ErrInvoiceEmpty),
		errors.Is(err, invoicedomain.ErrInvalidInvoiceInput):
		abort(c, http.StatusBadRequest, "invalid_invoice", "invoice input rejected")
	default:
		abort(c, http.StatusInternalServerError, "internal_error", "internal error")
	}
}

func abort(c *gin.Context, status int, code, message string) {
	c.AbortWithStatusJSON(status, gin.H{"error": gin.H{"code": code, "message": message}})
}
