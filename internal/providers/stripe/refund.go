package stripe

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/serenitylabs/serenity/internal/providers/domain"
	"go.uber.org/zap"
)

const defaultRefundURL = "https://api.stripe.com/v1/refunds"

// RefundClient issues refunds against the Stripe API. Apple and Google
// refunds are provider-initiated, so this is the only outbound refund
// surface.
type RefundClient struct {
	secretKey string
	refundURL string
	client    *http.Client
	log       *zap.Logger
}

func NewRefundClient(secretKey string, log *zap.Logger) *RefundClient {
	return &RefundClient{
		secretKey: strings.TrimSpace(secretKey),
		refundURL: defaultRefundURL,
		client:    &http.Client{Timeout: 10 * time.Second},
		log:       log.Named("providers.stripe.refund"),
	}
}

// WithRefundURL points the client at a test server.
func (c *RefundClient) WithRefundURL(refundURL string) *RefundClient {
	c.refundURL = refundURL
	return c
}

type refundResponse struct {
	ID     string `json:"id"`
	Status string `json:"status"`
	Amount int64  `json:"amount"`
	Error  *struct {
		Type    string `json:"type"`
		Code    string `json:"code"`
		Message string `json:"message"`
	} `json:"error"`
}

// CreateRefund refunds amount (minor units) of the given charge and
// returns the provider refund id together with the amount Stripe
// confirmed, which is the one the ledger must record. idempotencyKey
// must be unique per refund attempt, not per (charge, amount): Stripe
// keeps keys for 24h, so a stable key would fold two legitimate
// refunds of the same amount into one.
func (c *RefundClient) CreateRefund(ctx context.Context, chargeID string, amount int64, idempotencyKey string) (string, int64, error) {
	if c.secretKey == "" {
		return "", 0, fmt.Errorf("stripe refund: missing secret key")
	}

	form := url.Values{}
	form.Set("charge", chargeID)
	form.Set("amount", strconv.FormatInt(amount, 10))

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.refundURL, strings.NewReader(form.Encode()))
	if err != nil {
		return "", 0, err
	}
	req.Header.Set("Authorization", "Bearer "+c.secretKey)
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	// Refund creation is retried on transport failures; the key makes the
	// retries collapse into one refund on Stripe's side.
	req.Header.Set("Idempotency-Key", idempotencyKey)

	resp, err := c.client.Do(req)
	if err != nil {
		return "", 0, err
	}
	defer func() { _ = resp.Body.Close() }()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return "", 0, err
	}

	var decoded refundResponse
	if err := json.Unmarshal(body, &decoded); err != nil {
		return "", 0, domain.ErrInvalidPayload
	}
	if resp.StatusCode != http.StatusOK || decoded.Error != nil {
		message := ""
		if decoded.Error != nil {
			message = decoded.Error.Message
		}
		c.log.Error("stripe refund rejected",
			zap.Int("status_code", resp.StatusCode),
			zap.String("charge_id", chargeID),
			zap.String("message", message))
		return "", 0, fmt.Errorf("stripe refund: status %d: %s", resp.StatusCode, message)
	}

	return decoded.ID, decoded.Amount, nil
}
