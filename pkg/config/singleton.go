package config

import (
	"os"
	"sync"

	"github.com/deechat/dmcp/pkg/logger"
)

// Singleton value - should only be written to by getSingletonConfig and
// the update path.
var appConfig *Config

var lock = &sync.RWMutex{}

// SetSingletonConfig allows tests to pre-initialize the singleton with
// test data, preventing the real config file from being loaded.
func SetSingletonConfig(cfg *Config) {
	lock.Lock()
	defer lock.Unlock()
	appConfig = cfg
}

// ResetSingleton clears the singleton - useful for test cleanup.
func ResetSingleton() {
	lock.Lock()
	defer lock.Unlock()
	appConfig = nil
}

// getSingletonConfig returns the application configuration, loading it on
// first use.
func getSingletonConfig() *Config {
	lock.RLock()
	if appConfig != nil {
		defer lock.RUnlock()
		return appConfig
	}
	lock.RUnlock()

	lock.Lock()
	defer lock.Unlock()
	if appConfig == nil {
		config, err := LoadOrCreateConfig()
		if err != nil {
			logger.Errorf("error loading configuration: %v", err)
			os.Exit(1)
		}
		appConfig = config
	}
	return appConfig
}
