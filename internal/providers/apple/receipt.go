package apple

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v4"
	"go.uber.org/zap"
)

const (
	productionVerifyURL = "https://buy.itunes.apple.com/verifyReceipt"
	sandboxVerifyURL    = "https://sandbox.itunes.apple.com/verifyReceipt"

	// statusSandboxReceipt is Apple's sentinel for "this receipt is from
	// the sandbox environment, retry there".
	statusSandboxReceipt = 21007
	// statusProductionReceipt is the inverse sentinel.
	statusProductionReceipt = 21008
	statusServerUnavailable = 21005
)

// ReceiptError is a non-zero verification status from Apple's endpoint.
// It is never silently treated as success.
type ReceiptError struct {
	Status int
}

func (e *ReceiptError) Error() string {
	return fmt.Sprintf("apple receipt verification failed: status %d (%s)", e.Status, receiptStatusReason(e.Status))
}

func receiptStatusReason(status int) string {
	switch status {
	case 21000:
		return "request method not POST"
	case 21002:
		return "receipt data malformed"
	case 21003:
		return "receipt could not be authenticated"
	case 21004:
		return "shared secret mismatch"
	case statusServerUnavailable:
		return "receipt server unavailable"
	case 21006:
		return "receipt valid but subscription expired"
	case statusSandboxReceipt:
		return "sandbox receipt sent to production"
	case statusProductionReceipt:
		return "production receipt sent to sandbox"
	case 21010:
		return "account not found or deleted"
	default:
		return "unknown status"
	}
}

// IsRetryable reports whether the verification should be retried later
// rather than rejected.
func (e *ReceiptError) IsRetryable() bool {
	return e.Status == statusServerUnavailable
}

type VerifiedReceipt struct {
	Environment           string
	ProductID             string
	TransactionID         string
	OriginalTransactionID string
	ExpiresAt             time.Time
	PurchasedAt           time.Time
	IsTrial               bool
}

type verifyRequest struct {
	ReceiptData            string `json:"receipt-data"`
	Password               string `json:"password"`
	ExcludeOldTransactions bool   `json:"exclude-old-transactions"`
}

type verifyResponse struct {
	Status            int                `json:"status"`
	Environment       string             `json:"environment"`
	LatestReceiptInfo []receiptInAppItem `json:"latest_receipt_info"`
	Receipt           struct {
		InApp []receiptInAppItem `json:"in_app"`
	} `json:"receipt"`
}

type receiptInAppItem struct {
	ProductID             string `json:"product_id"`
	TransactionID         string `json:"transaction_id"`
	OriginalTransactionID string `json:"original_transaction_id"`
	PurchaseDateMS        string `json:"purchase_date_ms"`
	ExpiresDateMS         string `json:"expires_date_ms"`
	IsTrialPeriod         string `json:"is_trial_period"`
}

// ReceiptClient verifies client-submitted purchase receipts against Apple's
// verification endpoints.
type ReceiptClient struct {
	sharedSecret  string
	productionURL string
	sandboxURL    string
	client        *http.Client
	maxAttempts   int
	log           *zap.Logger
}

type ReceiptClientOption func(*ReceiptClient)

// WithVerifyURLs overrides the Apple endpoints, for tests.
func WithVerifyURLs(production, sandbox string) ReceiptClientOption {
	return func(c *ReceiptClient) {
		c.productionURL = production
		c.sandboxURL = sandbox
	}
}

func WithMaxAttempts(n int) ReceiptClientOption {
	return func(c *ReceiptClient) {
		if n > 0 {
			c.maxAttempts = n
		}
	}
}

func NewReceiptClient(sharedSecret string, log *zap.Logger, opts ...ReceiptClientOption) *ReceiptClient {
	c := &ReceiptClient{
		sharedSecret:  strings.TrimSpace(sharedSecret),
		productionURL: productionVerifyURL,
		sandboxURL:    sandboxVerifyURL,
		client:        &http.Client{Timeout: 10 * time.Second},
		maxAttempts:   5,
		log:           log.Named("providers.apple.receipt"),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Verify posts the receipt to the production endpoint first. When Apple
// answers with the sandbox sentinel (21007) the call is retried against
// the sandbox endpoint and the sandbox result is returned. Any other
// non-zero status maps to a typed ReceiptError.
func (c *ReceiptClient) Verify(ctx context.Context, receiptData string) (*VerifiedReceipt, error) {
	resp, err := c.post(ctx, c.productionURL, receiptData)
	if err != nil {
		return nil, err
	}

	if resp.Status == statusSandboxReceipt {
		c.log.Debug("sandbox receipt detected, retrying against sandbox endpoint")
		resp, err = c.post(ctx, c.sandboxURL, receiptData)
		if err != nil {
			return nil, err
		}
	}

	if resp.Status != 0 {
		return nil, &ReceiptError{Status: resp.Status}
	}

	return latestVerifiedItem(resp)
}

func (c *ReceiptClient) post(ctx context.Context, endpoint, receiptData string) (*verifyResponse, error) {
	body, err := json.Marshal(verifyRequest{
		ReceiptData:            receiptData,
		Password:               c.sharedSecret,
		ExcludeOldTransactions: true,
	})
	if err != nil {
		return nil, err
	}

	policy := backoff.WithContext(
		backoff.WithMaxRetries(backoff.NewExponentialBackOff(), uint64(c.maxAttempts-1)),
		ctx,
	)

	var out verifyResponse
	operation := func() error {
		req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(body))
		if err != nil {
			return backoff.Permanent(err)
		}
		req.Header.Set("Content-Type", "application/json")

		resp, err := c.client.Do(req)
		if err != nil {
			return err
		}
		defer resp.Body.Close()

		if resp.StatusCode >= 500 {
			return fmt.Errorf("apple verify endpoint returned %d", resp.StatusCode)
		}
		if resp.StatusCode != http.StatusOK {
			return backoff.Permanent(fmt.Errorf("apple verify endpoint returned %d", resp.StatusCode))
		}

		out = verifyResponse{}
		if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
			return backoff.Permanent(err)
		}
		if out.Status == statusServerUnavailable {
			return &ReceiptError{Status: statusServerUnavailable}
		}
		return nil
	}

	if err := backoff.Retry(operation, policy); err != nil {
		return nil, err
	}
	return &out, nil
}

func latestVerifiedItem(resp *verifyResponse) (*VerifiedReceipt, error) {
	items := resp.LatestReceiptInfo
	if len(items) == 0 {
		items = resp.Receipt.InApp
	}
	if len(items) == 0 {
		return nil, &ReceiptError{Status: 21002}
	}

	latest := items[0]
	latestExpiry := parseMillis(latest.ExpiresDateMS)
	for _, item := range items[1:] {
		if expiry := parseMillis(item.ExpiresDateMS); expiry.After(latestExpiry) {
			latest = item
			latestExpiry = expiry
		}
	}

	return &VerifiedReceipt{
		Environment:           strings.ToLower(resp.Environment),
		ProductID:             latest.ProductID,
		TransactionID:         latest.TransactionID,
		OriginalTransactionID: latest.OriginalTransactionID,
		ExpiresAt:             latestExpiry,
		PurchasedAt:           parseMillis(latest.PurchaseDateMS),
		IsTrial:               latest.IsTrialPeriod == "true",
	}, nil
}

func parseMillis(value string) time.Time {
	ms, err := strconv.ParseInt(strings.TrimSpace(value), 10, 64)
	if err != nil || ms <= 0 {
		return time.Time{}
	}
	return time.UnixMilli(ms).UTC()
}
