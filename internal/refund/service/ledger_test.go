package service

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/glebarez/sqlite"
	"github.com/serenitylabs/serenity/internal/clock"
	paymentdomain "github.com/serenitylabs/serenity/internal/payment/domain"
	paymentrepo "github.com/serenitylabs/serenity/internal/payment/repository"
	providerdomain "github.com/serenitylabs/serenity/internal/providers/domain"
	"github.com/serenitylabs/serenity/internal/providers/stripe"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

type ledgerFixture struct {
	db     *gorm.DB
	node   *snowflake.Node
	clk    *clock.Fixed
	repo   paymentdomain.Repository
	ledger *Ledger
}

func newLedgerFixture(t *testing.T, stripeURL string) *ledgerFixture {
	t.Helper()

	db, err := gorm.Open(sqlite.Open("file:"+t.Name()+"?mode=memory&cache=shared"), &gorm.Config{TranslateError: true})
	require.NoError(t, err)
	require.NoError(t, db.AutoMigrate(&paymentdomain.Payment{}, &paymentdomain.Refund{}))

	node, err := snowflake.NewNode(1)
	require.NoError(t, err)
	clk := clock.NewFixed(time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC))

	var client *stripe.RefundClient
	if stripeURL != "" {
		client = stripe.NewRefundClient("sk_test_123", zap.NewNop()).WithRefundURL(stripeURL)
	}

	repo := paymentrepo.Provide()
	return &ledgerFixture{
		db:     db,
		node:   node,
		clk:    clk,
		repo:   repo,
		ledger: NewLedger(db, zap.NewNop(), node, clk, repo, client, 1, nil),
	}
}

func (f *ledgerFixture) seedPayment(t *testing.T, provider string, amount int64) paymentdomain.Payment {
	t.Helper()
	now := f.clk.Now(context.Background())
	payment := paymentdomain.Payment{
		ID:                f.node.Generate(),
		UserID:            f.node.Generate(),
		Provider:          provider,
		ProviderPaymentID: "pay_" + f.node.Generate().String(),
		Amount:            amount,
		Currency:          "USD",
		Status:            paymentdomain.PaymentStatusCompleted,
		OccurredAt:        now,
		CreatedAt:         now,
		UpdatedAt:         now,
	}
	require.NoError(t, f.db.Create(&payment).Error)
	return payment
}

func (f *ledgerFixture) reloadPayment(t *testing.T, id snowflake.ID) paymentdomain.Payment {
	t.Helper()
	var payment paymentdomain.Payment
	require.NoError(t, f.db.Raw(`SELECT * FROM payments WHERE id = ?`, id).Scan(&payment).Error)
	return payment
}

func TestStripeRefundConfirmedByProvider(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.NoError(t, r.ParseForm())
		require.Equal(t, "1299", r.Form.Get("amount"))
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"id":"re_123","status":"succeeded","amount":1299}`))
	}))
	defer srv.Close()

	f := newLedgerFixture(t, srv.URL)
	payment := f.seedPayment(t, providerdomain.ProviderStripe, 1299)

	refund, err := f.ledger.CreateRefund(context.Background(), paymentdomain.CreateRefundRequest{
		PaymentID: payment.ID,
		Initiator: paymentdomain.RefundInitiatorAdmin,
	})
	require.NoError(t, err)
	require.Equal(t, paymentdomain.RefundStatusSucceeded, refund.Status)
	require.Equal(t, "re_123", refund.ProviderRefundID)
	require.EqualValues(t, 1299, refund.Amount)

	reloaded := f.reloadPayment(t, payment.ID)
	require.Equal(t, paymentdomain.PaymentStatusRefunded, reloaded.Status)
	require.EqualValues(t, 1299, reloaded.RefundedAmount)
}

func TestStripeRefundProviderRejection(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusPaymentRequired)
		_, _ = w.Write([]byte(`{"error":{"type":"invalid_request_error","code":"charge_already_refunded","message":"refunded"}}`))
	}))
	defer srv.Close()

	f := newLedgerFixture(t, srv.URL)
	payment := f.seedPayment(t, providerdomain.ProviderStripe, 1299)

	_, err := f.ledger.CreateRefund(context.Background(), paymentdomain.CreateRefundRequest{
		PaymentID: payment.ID,
		Initiator: paymentdomain.RefundInitiatorAdmin,
	})
	require.ErrorIs(t, err, paymentdomain.ErrRefundProviderCall)

	// The failure is ledgered, the payment stays untouched.
	reloaded := f.reloadPayment(t, payment.ID)
	require.EqualValues(t, 0, reloaded.RefundedAmount)
	require.Equal(t, paymentdomain.PaymentStatusCompleted, reloaded.Status)

	refunds, err := f.ledger.ListRefunds(context.Background(), payment.ID)
	require.NoError(t, err)
	require.Len(t, refunds, 1)
	require.Equal(t, paymentdomain.RefundStatusFailed, refunds[0].Status)
}

func TestPartialRefundsNeverExceedPayment(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.NoError(t, r.ParseForm())
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"id":"re_partial","status":"succeeded","amount":` + r.Form.Get("amount") + `}`))
	}))
	defer srv.Close()

	f := newLedgerFixture(t, srv.URL)
	payment := f.seedPayment(t, providerdomain.ProviderStripe, 1000)

	partial := int64(700)
	_, err := f.ledger.CreateRefund(context.Background(), paymentdomain.CreateRefundRequest{
		PaymentID: payment.ID,
		Amount:    &partial,
		Initiator: paymentdomain.RefundInitiatorUser,
	})
	require.NoError(t, err)
	require.Equal(t, paymentdomain.PaymentStatusPartiallyRefunded, f.reloadPayment(t, payment.ID).Status)

	// Asking for more than the remainder clamps to it.
	tooMuch := int64(900)
	refund, err := f.ledger.CreateRefund(context.Background(), paymentdomain.CreateRefundRequest{
		PaymentID: payment.ID,
		Amount:    &tooMuch,
		Initiator: paymentdomain.RefundInitiatorUser,
	})
	require.NoError(t, err)
	require.EqualValues(t, 300, refund.Amount)

	reloaded := f.reloadPayment(t, payment.ID)
	require.EqualValues(t, 1000, reloaded.RefundedAmount)
	require.Equal(t, paymentdomain.PaymentStatusRefunded, reloaded.Status)

	// Nothing left to refund.
	_, err = f.ledger.CreateRefund(context.Background(), paymentdomain.CreateRefundRequest{
		PaymentID: payment.ID,
		Initiator: paymentdomain.RefundInitiatorUser,
	})
	require.ErrorIs(t, err, paymentdomain.ErrAlreadyRefunded)
}

func TestStripeConfirmedAmountIsLedgered(t *testing.T) {
	// Stripe may settle a different amount than requested (currency
	// minimums, partial captures); the confirmed amount wins.
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.NoError(t, r.ParseForm())
		require.Equal(t, "700", r.Form.Get("amount"))
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"id":"re_650","status":"succeeded","amount":650}`))
	}))
	defer srv.Close()

	f := newLedgerFixture(t, srv.URL)
	payment := f.seedPayment(t, providerdomain.ProviderStripe, 1000)

	requested := int64(700)
	refund, err := f.ledger.CreateRefund(context.Background(), paymentdomain.CreateRefundRequest{
		PaymentID: payment.ID,
		Amount:    &requested,
		Initiator: paymentdomain.RefundInitiatorAdmin,
	})
	require.NoError(t, err)
	require.EqualValues(t, 650, refund.Amount)

	reloaded := f.reloadPayment(t, payment.ID)
	require.EqualValues(t, 650, reloaded.RefundedAmount)
	require.Equal(t, paymentdomain.PaymentStatusPartiallyRefunded, reloaded.Status)
}

func TestStripeIdempotencyKeyUniquePerRefund(t *testing.T) {
	// Two sequential refunds of the same amount on the same charge must
	// not share an idempotency key, or Stripe folds them into one.
	var keys []string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.NoError(t, r.ParseForm())
		keys = append(keys, r.Header.Get("Idempotency-Key"))
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"id":"re_seq","status":"succeeded","amount":` + r.Form.Get("amount") + `}`))
	}))
	defer srv.Close()

	f := newLedgerFixture(t, srv.URL)
	payment := f.seedPayment(t, providerdomain.ProviderStripe, 1000)

	amount := int64(300)
	for i := 0; i < 2; i++ {
		_, err := f.ledger.CreateRefund(context.Background(), paymentdomain.CreateRefundRequest{
			PaymentID: payment.ID,
			Amount:    &amount,
			Initiator: paymentdomain.RefundInitiatorUser,
		})
		require.NoError(t, err)
	}

	require.Len(t, keys, 2)
	require.NotEmpty(t, keys[0])
	require.NotEqual(t, keys[0], keys[1])
	require.EqualValues(t, 600, f.reloadPayment(t, payment.ID).RefundedAmount)
}

func TestRefundAboveTotalRejected(t *testing.T) {
	f := newLedgerFixture(t, "")
	payment := f.seedPayment(t, providerdomain.ProviderApple, 1000)

	amount := int64(1500)
	_, err := f.ledger.CreateRefund(context.Background(), paymentdomain.CreateRefundRequest{
		PaymentID: payment.ID,
		Amount:    &amount,
		Initiator: paymentdomain.RefundInitiatorAdmin,
	})
	require.ErrorIs(t, err, paymentdomain.ErrRefundExceedsPayment)
}

func TestAppleRefundPendingUntilProviderConfirms(t *testing.T) {
	f := newLedgerFixture(t, "")
	payment := f.seedPayment(t, providerdomain.ProviderApple, 1299)

	refund, err := f.ledger.CreateRefund(context.Background(), paymentdomain.CreateRefundRequest{
		PaymentID: payment.ID,
		Initiator: paymentdomain.RefundInitiatorUser,
	})
	require.NoError(t, err)
	require.Equal(t, paymentdomain.RefundStatusPending, refund.Status)

	// Pending already counts against the refundable remainder.
	reloaded := f.reloadPayment(t, payment.ID)
	require.EqualValues(t, 1299, reloaded.RefundedAmount)

	// The inbound REFUND notification settles the pending row.
	err = f.ledger.ReconcileProviderRefund(context.Background(), f.db,
		providerdomain.ProviderApple, payment.ProviderPaymentID, 1299, "notif-uuid-1", f.clk.Now(context.Background()))
	require.NoError(t, err)

	refunds, err := f.ledger.ListRefunds(context.Background(), payment.ID)
	require.NoError(t, err)
	require.Len(t, refunds, 1)
	require.Equal(t, paymentdomain.RefundStatusSucceeded, refunds[0].Status)
	require.Equal(t, "notif-uuid-1", refunds[0].ProviderRefundID)
}

func TestProviderInitiatedRefundLedgersDelta(t *testing.T) {
	f := newLedgerFixture(t, "")
	payment := f.seedPayment(t, providerdomain.ProviderStripe, 1000)

	err := f.ledger.ReconcileProviderRefund(context.Background(), f.db,
		providerdomain.ProviderStripe, payment.ProviderPaymentID, 400, "evt-1", f.clk.Now(context.Background()))
	require.NoError(t, err)

	reloaded := f.reloadPayment(t, payment.ID)
	require.EqualValues(t, 400, reloaded.RefundedAmount)
	require.Equal(t, paymentdomain.PaymentStatusPartiallyRefunded, reloaded.Status)

	refunds, err := f.ledger.ListRefunds(context.Background(), payment.ID)
	require.NoError(t, err)
	require.Len(t, refunds, 1)
	require.Equal(t, paymentdomain.RefundInitiatorProvider, refunds[0].Initiator)
	require.EqualValues(t, 400, refunds[0].Amount)
}
