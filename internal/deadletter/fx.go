package deadletter

import (
	"github.com/serenitylabs/serenity/internal/deadletter/repository"
	"go.uber.org/fx"
)

var Module = fx.Module("deadletter",
	fx.Provide(repository.Provide),
)
