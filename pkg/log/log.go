package log

import (
	"strings"

	"go.uber.org/fx"
	"go.uber.org/zap"

	"github.com/tiltvault/tiltvault-cloud/internal/config"
)

var Module = fx.Module("log",
	fx.Provide(NewLogger),
)

// NewLogger builds the process-wide zap logger. Development mode gets the
// console encoder, everything else emits production JSON.
func NewLogger(cfg *config.Config) (*zap.Logger, error) {
	if strings.EqualFold(cfg.Environment, "development") {
		return zap.NewDevelopment()
	}

	zcfg := zap.NewProductionConfig()
	zcfg.InitialFields = map[string]any{
		"service": cfg.AppName,
		"version": cfg.AppVersion,
	}
	return zcfg.Build()
}
