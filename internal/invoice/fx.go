package invoice

import (
	"github.com/serenitylabs/serenity/internal/invoice/repository"
	"github.com/serenitylabs/serenity/internal/invoice/service"
	"go.uber.org/fx"
)

var Module = fx.Module("invoice",
	fx.Provide(repository.Provide),
	fx.Provide(service.New),
)
