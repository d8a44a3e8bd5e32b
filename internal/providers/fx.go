package providers

import (
	"github.com/serenitylabs/serenity/internal/clock"
	"github.com/serenitylabs/serenity/internal/config"
	"github.com/serenitylabs/serenity/internal/providers/apple"
	"github.com/serenitylabs/serenity/internal/providers/domain"
	"github.com/serenitylabs/serenity/internal/providers/google"
	"github.com/serenitylabs/serenity/internal/providers/stripe"
	"go.uber.org/fx"
	"go.uber.org/zap"
)

func NewRegistryFromConfig(cfg config.Config, clk clock.Clock, log *zap.Logger) (*Registry, error) {
	registry := NewRegistry()

	registry.Register(domain.ProviderStripe,
		stripe.NewAdapter(cfg.StripeWebhookSecret, cfg.StripeSigningTolerance, clk, log))

	appleAdapter, err := apple.NewAdapter(cfg.AppleBundleID, clk, log)
	if err != nil {
		return nil, err
	}
	registry.Register(domain.ProviderApple, appleAdapter)

	registry.Register(domain.ProviderGoogle,
		google.NewAdapter(cfg.GooglePackageName, cfg.GooglePushAuthToken, clk, log))

	return registry, nil
}

func NewReceiptClient(cfg config.Config, log *zap.Logger) *apple.ReceiptClient {
	return apple.NewReceiptClient(cfg.AppleSharedSecret, log,
		apple.WithMaxAttempts(cfg.ProviderRetryAttempts))
}

var Module = fx.Module("providers",
	fx.Provide(NewRegistryFromConfig),
	fx.Provide(NewReceiptClient),
)
