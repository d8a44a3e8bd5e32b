package idgen

import (
	"github.com/bwmarrin/snowflake"
	"github.com/serenitylabs/serenity/internal/config"
	"go.uber.org/fx"
)

// NewNode builds the process-wide snowflake generator. Node IDs must be
// unique per running instance when horizontally scaled.
func NewNode(cfg config.Config) (*snowflake.Node, error) {
	return snowflake.NewNode(cfg.SnowflakeNodeID)
}

var Module = fx.Module("idgen",
	fx.Provide(NewNode),
)
