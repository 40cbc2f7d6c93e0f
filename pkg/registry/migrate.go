package registry

import (
	"encoding/json"
	"fmt"
	"os"

	"github.com/tailscale/hujson"
	"github.com/tidwall/gjson"

	"github.com/deechat/dmcp/pkg/core"
	"github.com/deechat/dmcp/pkg/fileutils"
	"github.com/deechat/dmcp/pkg/lockfile"
	"github.com/deechat/dmcp/pkg/logger"
)

// migrateLegacyStore moves the pre-collection single-file store into the
// user collection. The legacy file is renamed to .backup afterwards so a
// second run finds nothing to do. The store is either a bare array of
// configs or an object with a "servers" array.
func (r *Registry) migrateLegacyStore() error {
	legacyPath := r.paths.LegacyFile()
	if _, err := os.Stat(legacyPath); err != nil {
		return nil // nothing to migrate
	}

	lockPath := legacyPath + ".lock"
	lock := lockfile.NewTrackedLock(lockPath)
	if err := lock.Lock(); err != nil {
		return fmt.Errorf("failed to lock legacy store: %w", err)
	}
	defer lockfile.ReleaseTrackedLock(lockPath, lock)

	// Re-check under the lock; another process may have finished first.
	data, err := os.ReadFile(legacyPath)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return fmt.Errorf("failed to read legacy store: %w", err)
	}

	standardized, err := hujson.Standardize(data)
	if err != nil {
		return fmt.Errorf("legacy store is not valid JSON: %w", err)
	}

	var rawConfigs []json.RawMessage
	parsed := gjson.ParseBytes(standardized)
	switch {
	case parsed.IsArray():
		for _, item := range parsed.Array() {
			rawConfigs = append(rawConfigs, json.RawMessage(item.Raw))
		}
	case parsed.Get("servers").IsArray():
		for _, item := range parsed.Get("servers").Array() {
			rawConfigs = append(rawConfigs, json.RawMessage(item.Raw))
		}
	default:
		return fmt.Errorf("legacy store has an unrecognized shape")
	}

	userDir := r.paths.UserDir()
	if err := os.MkdirAll(userDir, dirPerm); err != nil {
		return fmt.Errorf("failed to create user collection directory: %w", err)
	}

	migrated := 0
	for i, raw := range rawConfigs {
		var cfg core.ServerConfig
		if err := json.Unmarshal(raw, &cfg); err != nil {
			logger.Warnw("skipping undecodable legacy entry", "index", i, "error", err)
			continue
		}
		cfg.Collection = core.CollectionUser
		if err := cfg.ApplyDefaults(); err != nil {
			logger.Warnw("skipping legacy entry with bad defaults", "index", i, "error", err)
			continue
		}
		if err := cfg.Validate(); err != nil {
			logger.Warnw("skipping invalid legacy entry", "index", i, "id", cfg.ID, "error", err)
			continue
		}

		encoded, err := json.MarshalIndent(&cfg, "", "  ")
		if err != nil {
			logger.Warnw("skipping unencodable legacy entry", "index", i, "error", err)
			continue
		}
		path := r.configPath(&cfg)
		if err := fileutils.AtomicWriteFile(path, encoded, filePerm); err != nil {
			return fmt.Errorf("failed to write migrated config %s: %w", path, err)
		}
		migrated++
	}

	backupPath := legacyPath + ".backup"
	if err := os.Rename(legacyPath, backupPath); err != nil {
		return fmt.Errorf("failed to back up legacy store: %w", err)
	}

	logger.Infow("migrated legacy server store", "servers", migrated, "backup", backupPath)
	return nil
}
