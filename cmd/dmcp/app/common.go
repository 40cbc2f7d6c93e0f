package app

import (
	"context"
	"time"

	"github.com/spf13/viper"

	"github.com/deechat/dmcp/pkg/config"
	"github.com/deechat/dmcp/pkg/events"
	"github.com/deechat/dmcp/pkg/orchestrator"
	"github.com/deechat/dmcp/pkg/registry"
)

// configProvider returns the app-config provider for the current
// invocation, honoring the --config flag.
func configProvider() config.Provider {
	if path := viper.GetString("config"); path != "" {
		return config.NewPathProvider(path)
	}
	return config.NewDefaultProvider()
}

// registryPaths derives the registry layout from the app config.
func registryPaths(cfg *config.Config) registry.Paths {
	paths := registry.DefaultPaths()
	paths.ProjectDir = cfg.Runtime.ProjectDir
	return paths
}

// orchestratorOptions maps the app config onto orchestrator options.
func orchestratorOptions(cfg *config.Config) []orchestrator.Option {
	return []orchestrator.Option{
		orchestrator.WithPaths(registryPaths(cfg)),
		orchestrator.WithSettleDelay(time.Duration(cfg.Runtime.SettleDelayMs) * time.Millisecond),
		orchestrator.WithRetrySchedule(2*time.Second, cfg.Runtime.ConnectRetries),
		orchestrator.WithArgumentValidation(cfg.Runtime.ValidateToolArguments),
	}
}

// newRuntime builds and initializes an orchestrator for a one-shot CLI
// command. The caller must Shutdown it.
func newRuntime(ctx context.Context) (*orchestrator.Orchestrator, error) {
	cfg, err := configProvider().LoadOrCreateConfig()
	if err != nil {
		return nil, err
	}
	orch := orchestrator.New(orchestratorOptions(cfg)...)
	if err := orch.Initialize(ctx); err != nil {
		orch.Shutdown(ctx)
		return nil, err
	}
	return orch, nil
}

// newConfigStore opens the registry without connecting any server, for
// commands that only manipulate stored configurations.
func newConfigStore() (*registry.Registry, error) {
	cfg, err := configProvider().LoadOrCreateConfig()
	if err != nil {
		return nil, err
	}
	store := registry.New(registryPaths(cfg), events.NewBus())
	if err := store.Load(); err != nil {
		return nil, err
	}
	return store, nil
}
