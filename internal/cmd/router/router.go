// Package router parses router command flags and starts the API runtime.
package router

import (
	"context"
	"flag"
	"time"

	entrypoint "github.com/oakmund/storyrouter/internal/platform/cmd"
	"github.com/oakmund/storyrouter/internal/router/api"
	"github.com/oakmund/storyrouter/internal/router/registry"
)

// Config holds router command configuration.
type Config struct {
	Port             int    `env:"PORT" envDefault:"8090"`
	GameProjectsRoot string `env:"GAME_PROJECTS_ROOT" envDefault:"game_projects"`
	GameProjectID    string `env:"GAME_PROJECT_ID" envDefault:"default"`
	RequestTimeoutMS int    `env:"MODULE_REQUEST_TIMEOUT_MS" envDefault:"20000"`

	Bindings registry.Bindings
}

// ParseConfig parses environment and flags into a Config.
func ParseConfig(fs *flag.FlagSet, args []string) (Config, error) {
	var cfg Config
	if err := entrypoint.ParseConfig(&cfg); err != nil {
		return Config{}, err
	}
	fs.IntVar(&cfg.Port, "port", cfg.Port, "The router API port")
	fs.StringVar(&cfg.GameProjectsRoot, "game-projects-root", cfg.GameProjectsRoot, "Directory holding game project folders")
	fs.StringVar(&cfg.GameProjectID, "game-project", cfg.GameProjectID, "Game project new runs start from")
	if err := entrypoint.ParseArgs(fs, args); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Run starts the router API service.
func Run(ctx context.Context, cfg Config) error {
	return entrypoint.RunWithTelemetry(ctx, entrypoint.ServiceRouter, func(ctx context.Context) error {
		return api.Run(ctx, cfg.Port, api.Config{
			GameProjectsRoot:     cfg.GameProjectsRoot,
			DefaultGameProjectID: cfg.GameProjectID,
			Bindings:             cfg.Bindings,
			ModuleTimeout:        time.Duration(cfg.RequestTimeoutMS) * time.Millisecond,
		})
	})
}
