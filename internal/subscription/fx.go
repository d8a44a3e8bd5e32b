package subscription

import (
	"github.com/bwmarrin/snowflake"
	"github.com/serenitylabs/serenity/internal/clock"
	"github.com/serenitylabs/serenity/internal/subscription/domain"
	"github.com/serenitylabs/serenity/internal/subscription/repository"
	"github.com/serenitylabs/serenity/internal/subscription/service"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

func NewAdminService(db *gorm.DB, log *zap.Logger, genID *snowflake.Node, clk clock.Clock, repo domain.Repository, reconciler *service.Reconciler) *service.AdminService {
	return service.NewAdminService(db, log, genID, clk, repo, reconciler)
}

var Module = fx.Module("subscription",
	fx.Provide(repository.Provide),
	fx.Provide(service.NewReconciler),
	fx.Provide(NewAdminService),
)
