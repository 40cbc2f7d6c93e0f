package registry

import (
	"encoding/json"

	"github.com/tailscale/hujson"
	"github.com/tidwall/gjson"

	"github.com/deechat/dmcp/pkg/core"
	"github.com/deechat/dmcp/pkg/errors"
	"github.com/deechat/dmcp/pkg/logger"
)

// ImportResult summarizes one import: what was added and what was
// rejected.
type ImportResult struct {
	Added   []core.ServerConfig `json:"added"`
	Skipped int                 `json:"skipped"`
}

// Import adds server configurations from an external payload into a
// collection. Three shapes are accepted: a bare array of configs, an
// object with a "servers" array, and the desktop-client map
// {"mcpServers": {"name": {...}}}. Entries that fail validation or
// collide with existing servers are skipped with a log line; one bad
// entry never aborts the import.
func (r *Registry) Import(payload []byte, collection core.Collection) (*ImportResult, error) {
	standardized, err := hujson.Standardize(payload)
	if err != nil {
		return nil, errors.NewConfigInvalidError("import payload is not valid JSON", err)
	}

	configs, err := decodeImportPayload(standardized)
	if err != nil {
		return nil, err
	}

	result := &ImportResult{}
	for i := range configs {
		cfg := &configs[i]
		cfg.Collection = collection
		cfg.Source = "imported"

		added, err := r.Add(cfg)
		if err != nil {
			logger.Warnw("skipping import entry", "name", cfg.Name, "error", err)
			result.Skipped++
			continue
		}
		result.Added = append(result.Added, *added)
	}
	return result, nil
}

// decodeImportPayload extracts the config list from any accepted shape.
func decodeImportPayload(standardized []byte) ([]core.ServerConfig, error) {
	parsed := gjson.ParseBytes(standardized)

	switch {
	case parsed.IsArray():
		var configs []core.ServerConfig
		if err := json.Unmarshal(standardized, &configs); err != nil {
			return nil, errors.NewConfigInvalidError("import array does not decode as server configs", err)
		}
		return configs, nil

	case parsed.Get("servers").IsArray():
		var payload struct {
			Servers []core.ServerConfig `json:"servers"`
		}
		if err := json.Unmarshal(standardized, &payload); err != nil {
			return nil, errors.NewConfigInvalidError("import servers array does not decode as server configs", err)
		}
		return payload.Servers, nil

	case parsed.Get("mcpServers").IsObject():
		var configs []core.ServerConfig
		var decodeErr error
		parsed.Get("mcpServers").ForEach(func(key, value gjson.Result) bool {
			var cfg core.ServerConfig
			if err := json.Unmarshal([]byte(value.Raw), &cfg); err != nil {
				decodeErr = errors.NewConfigInvalidError("mcpServers entry does not decode as a server config", err)
				return false
			}
			if cfg.Name == "" {
				cfg.Name = key.String()
			}
			// Desktop-client entries with a command and no type are stdio.
			if cfg.Type == "" && cfg.Command != "" {
				cfg.Type = "stdio"
			}
			configs = append(configs, cfg)
			return true
		})
		if decodeErr != nil {
			return nil, decodeErr
		}
		return configs, nil

	default:
		return nil, errors.NewConfigInvalidError("import payload has an unrecognized shape", nil)
	}
}
