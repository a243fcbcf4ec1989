package remote

import (
	"github.com/deixis/gitrun/internal/config"
	"github.com/deixis/gitrun/internal/run"
	"go.uber.org/zap"
)

// FromConfig builds the executor selected by cfg's mode.
func FromConfig(cfg *config.Config, logger *zap.Logger) run.Executor {
	if cfg.ExecMode() == config.ModePiston {
		return NewPiston(cfg.PistonEndpoints(), cfg.GitHubAPI(), cfg.Token, logger)
	}
	return NewGateway(cfg.ServerURL(), cfg.Token, logger)
}
