package refund

import (
	"github.com/bwmarrin/snowflake"
	"github.com/serenitylabs/serenity/internal/clock"
	"github.com/serenitylabs/serenity/internal/config"
	"github.com/serenitylabs/serenity/internal/metrics"
	paymentdomain "github.com/serenitylabs/serenity/internal/payment/domain"
	"github.com/serenitylabs/serenity/internal/providers/stripe"
	"github.com/serenitylabs/serenity/internal/refund/service"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

func NewStripeRefundClient(cfg config.Config, log *zap.Logger) *stripe.RefundClient {
	return stripe.NewRefundClient(cfg.StripeSecretKey, log)
}

func NewLedger(
	cfg config.Config,
	db *gorm.DB,
	log *zap.Logger,
	genID *snowflake.Node,
	clk clock.Clock,
	repo paymentdomain.Repository,
	client *stripe.RefundClient,
	m *metrics.Metrics,
) *service.Ledger {
	return service.NewLedger(db, log, genID, clk, repo, client, cfg.ProviderRetryAttempts, m)
}

var Module = fx.Module("refund",
	fx.Provide(NewStripeRefundClient),
	fx.Provide(NewLedger),
	fx.Provide(func(ledger *service.Ledger) paymentdomain.Ledger { return ledger }),
)
