package registry

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/tailscale/hujson"

	"github.com/deechat/dmcp/pkg/core"
	"github.com/deechat/dmcp/pkg/errors"
	"github.com/deechat/dmcp/pkg/events"
	"github.com/deechat/dmcp/pkg/fileutils"
	"github.com/deechat/dmcp/pkg/lockfile"
	"github.com/deechat/dmcp/pkg/logger"
)

const (
	dirPerm  = 0750
	filePerm = 0600
)

// Registry holds the in-memory index of server configurations and keeps
// it in sync with the collection directories on disk.
type Registry struct {
	paths Paths
	bus   *events.Bus

	mu      sync.RWMutex
	servers map[string]*core.ServerConfig
}

// New creates a registry. Call Load before using it.
func New(paths Paths, bus *events.Bus) *Registry {
	return &Registry{
		paths:   paths,
		bus:     bus,
		servers: make(map[string]*core.ServerConfig),
	}
}

// Load migrates the legacy store if present, then reads every collection
// directory. Files that fail to parse or validate are skipped with a log
// line; a bad file never aborts the load.
func (r *Registry) Load() error {
	if err := r.migrateLegacyStore(); err != nil {
		logger.Warnw("legacy store migration failed", "error", err)
	}

	loaded := make(map[string]*core.ServerConfig)
	for _, collection := range []core.Collection{core.CollectionSystem, core.CollectionUser, core.CollectionProject} {
		dir := r.paths.collectionDir(collection.String())
		if dir == "" {
			continue
		}
		r.loadCollection(loaded, dir, collection)
	}

	r.mu.Lock()
	r.servers = loaded
	r.mu.Unlock()

	logger.Infow("registry loaded", "servers", len(loaded))
	return nil
}

func (r *Registry) loadCollection(into map[string]*core.ServerConfig, dir string, collection core.Collection) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		if !os.IsNotExist(err) {
			logger.Warnw("failed to read collection directory", "dir", dir, "error", err)
		}
		return
	}

	for _, entry := range entries {
		if entry.IsDir() || !strings.HasSuffix(entry.Name(), ".json") {
			continue
		}
		path := filepath.Join(dir, entry.Name())
		cfg, err := readConfigFile(path)
		if err != nil {
			logger.Warnw("skipping unreadable config file", "path", path, "error", err)
			continue
		}

		// The directory decides the collection, whatever the file says.
		cfg.Collection = collection

		if err := cfg.ApplyDefaults(); err != nil {
			logger.Warnw("skipping config with bad defaults", "path", path, "error", err)
			continue
		}
		if err := cfg.Validate(); err != nil {
			logger.Warnw("skipping invalid config file", "path", path, "error", err)
			continue
		}
		if existing, dup := into[cfg.ID]; dup {
			logger.Warnw("skipping duplicate server id", "path", path, "id", cfg.ID, "keptCollection", existing.Collection)
			continue
		}
		into[cfg.ID] = cfg
	}
}

// readConfigFile parses one server file. Comments and trailing commas are
// tolerated.
func readConfigFile(path string) (*core.ServerConfig, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	standardized, err := hujson.Standardize(data)
	if err != nil {
		return nil, fmt.Errorf("malformed JSON: %w", err)
	}
	var cfg core.ServerConfig
	if err := json.Unmarshal(standardized, &cfg); err != nil {
		return nil, fmt.Errorf("does not decode as a server config: %w", err)
	}
	return &cfg, nil
}

// GetAll returns clones of every configuration.
func (r *Registry) GetAll() []core.ServerConfig {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]core.ServerConfig, 0, len(r.servers))
	for _, cfg := range r.servers {
		out = append(out, *cfg.Clone())
	}
	core.SortServersByName(out)
	return out
}

// GetByCollection returns clones of the configurations in one collection.
func (r *Registry) GetByCollection(collection core.Collection) []core.ServerConfig {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var out []core.ServerConfig
	for _, cfg := range r.servers {
		if cfg.Collection == collection {
			out = append(out, *cfg.Clone())
		}
	}
	core.SortServersByName(out)
	return out
}

// Get returns a clone of one configuration.
func (r *Registry) Get(id string) (*core.ServerConfig, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	cfg, ok := r.servers[id]
	if !ok {
		return nil, false
	}
	return cfg.Clone(), true
}

// Add validates and persists a new configuration. Missing ids are
// generated; uniqueness holds for ids globally and names per collection.
func (r *Registry) Add(cfg *core.ServerConfig) (*core.ServerConfig, error) {
	added := cfg.Clone()
	if added.ID == "" {
		added.ID = uuid.NewString()
	}
	now := time.Now()
	added.CreatedAt = now
	added.UpdatedAt = now

	if err := added.ApplyDefaults(); err != nil {
		return nil, errors.NewConfigInvalidError("failed to apply defaults", err)
	}
	if err := added.Validate(); err != nil {
		return nil, err
	}
	if err := fileutils.ValidateServerIDForPath(added.ID); err != nil {
		return nil, errors.NewConfigInvalidError(err.Error(), nil)
	}

	r.mu.Lock()
	if _, exists := r.servers[added.ID]; exists {
		r.mu.Unlock()
		return nil, errors.NewConfigInvalidError(fmt.Sprintf("server id %q already exists", added.ID), nil)
	}
	for _, existing := range r.servers {
		if existing.Collection == added.Collection && existing.Name == added.Name {
			r.mu.Unlock()
			return nil, errors.NewConfigInvalidError(
				fmt.Sprintf("server name %q already exists in collection %s", added.Name, added.Collection), nil)
		}
	}
	r.servers[added.ID] = added.Clone()
	r.mu.Unlock()

	if err := r.writeConfig(added); err != nil {
		r.mu.Lock()
		delete(r.servers, added.ID)
		r.mu.Unlock()
		return nil, err
	}

	r.bus.EmitData(events.ConfigAdded, added.ID, map[string]any{"name": added.Name})
	return added.Clone(), nil
}

// Update applies a JSON-shaped patch to an existing configuration: only
// the keys present in the patch change, so explicit false values survive.
// The collection cannot be patched.
func (r *Registry) Update(id string, patch map[string]any) (*core.ServerConfig, error) {
	r.mu.RLock()
	current, ok := r.servers[id]
	if !ok {
		r.mu.RUnlock()
		return nil, errors.NewConfigInvalidError(fmt.Sprintf("unknown server id %q", id), nil)
	}
	updated := current.Clone()
	r.mu.RUnlock()

	delete(patch, "id")
	delete(patch, "collection")
	patchJSON, err := json.Marshal(patch)
	if err != nil {
		return nil, errors.NewConfigInvalidError("unencodable patch", err)
	}
	if err := json.Unmarshal(patchJSON, updated); err != nil {
		return nil, errors.NewConfigInvalidError("patch does not apply to a server config", err)
	}

	updated.UpdatedAt = time.Now()
	if err := updated.ApplyDefaults(); err != nil {
		return nil, errors.NewConfigInvalidError("failed to apply defaults", err)
	}
	if err := updated.Validate(); err != nil {
		return nil, err
	}

	r.mu.Lock()
	for _, existing := range r.servers {
		if existing.ID != id && existing.Collection == updated.Collection && existing.Name == updated.Name {
			r.mu.Unlock()
			return nil, errors.NewConfigInvalidError(
				fmt.Sprintf("server name %q already exists in collection %s", updated.Name, updated.Collection), nil)
		}
	}
	r.servers[id] = updated.Clone()
	r.mu.Unlock()

	if err := r.writeConfig(updated); err != nil {
		r.mu.Lock()
		r.servers[id] = current
		r.mu.Unlock()
		return nil, err
	}

	r.bus.EmitData(events.ConfigUpdated, id, map[string]any{"name": updated.Name})
	return updated.Clone(), nil
}

// Remove deletes a configuration and its file. System servers cannot be
// removed.
func (r *Registry) Remove(id string) error {
	r.mu.Lock()
	cfg, ok := r.servers[id]
	if !ok {
		r.mu.Unlock()
		return errors.NewConfigInvalidError(fmt.Sprintf("unknown server id %q", id), nil)
	}
	if cfg.Collection == core.CollectionSystem {
		r.mu.Unlock()
		return errors.NewConfigInvalidError("system servers cannot be removed", nil)
	}
	delete(r.servers, id)
	r.mu.Unlock()

	path := r.configPath(cfg)
	if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
		logger.Warnw("failed to remove config file", "path", path, "error", err)
	}

	r.bus.EmitData(events.ConfigRemoved, id, map[string]any{"name": cfg.Name})
	return nil
}

// Search returns configurations matching a case-insensitive substring of
// name, description, or tags. An empty query matches everything.
func (r *Registry) Search(query string) []core.ServerConfig {
	q := strings.ToLower(strings.TrimSpace(query))

	r.mu.RLock()
	defer r.mu.RUnlock()

	var out []core.ServerConfig
	for _, cfg := range r.servers {
		if q == "" || configMatches(cfg, q) {
			out = append(out, *cfg.Clone())
		}
	}
	core.SortServersByName(out)
	return out
}

func configMatches(cfg *core.ServerConfig, q string) bool {
	if strings.Contains(strings.ToLower(cfg.Name), q) {
		return true
	}
	if strings.Contains(strings.ToLower(cfg.Description), q) {
		return true
	}
	for _, tag := range cfg.Tags {
		if strings.Contains(strings.ToLower(tag), q) {
			return true
		}
	}
	return false
}

// Export returns clones of every configuration, durable fields only.
// Runtime state never serializes, so the clones are already clean.
func (r *Registry) Export() []core.ServerConfig {
	configs := r.GetAll()
	for i := range configs {
		configs[i].Runtime = nil
	}
	return configs
}

// Cleanup removes files in the mutable collection directories that do not
// parse as server configs, and reports how many were removed. The system
// collection is left alone.
func (r *Registry) Cleanup() int {
	removed := 0
	dirs := []string{r.paths.UserDir(), r.paths.ProjectCollectionDir()}
	for _, dir := range dirs {
		if dir == "" {
			continue
		}
		entries, err := os.ReadDir(dir)
		if err != nil {
			continue
		}
		for _, entry := range entries {
			if entry.IsDir() || !strings.HasSuffix(entry.Name(), ".json") {
				continue
			}
			path := filepath.Join(dir, entry.Name())
			cfg, err := readConfigFile(path)
			if err == nil {
				if err := cfg.ApplyDefaults(); err == nil {
					if cfg.Validate() == nil {
						continue
					}
				}
			}
			if err := os.Remove(path); err != nil {
				logger.Warnw("failed to remove broken config file", "path", path, "error", err)
				continue
			}
			logger.Infow("removed broken config file", "path", path)
			removed++
		}
	}
	return removed
}

// writeConfig persists one configuration under an advisory lock.
func (r *Registry) writeConfig(cfg *core.ServerConfig) error {
	dir := r.paths.collectionDir(cfg.Collection.String())
	if dir == "" {
		return errors.NewConfigInvalidError("project collection has no directory configured", nil)
	}
	if err := os.MkdirAll(dir, dirPerm); err != nil {
		return errors.NewInternalError(fmt.Sprintf("failed to create %s", dir), err)
	}

	data, err := json.MarshalIndent(cfg, "", "  ")
	if err != nil {
		return errors.NewInternalError("failed to encode server config", err)
	}

	path := r.configPath(cfg)
	lockPath := path + ".lock"
	lock := lockfile.NewTrackedLock(lockPath)
	if err := lock.Lock(); err != nil {
		return errors.NewInternalError(fmt.Sprintf("failed to lock %s", lockPath), err)
	}
	defer lockfile.ReleaseTrackedLock(lockPath, lock)

	if err := fileutils.AtomicWriteFile(path, data, filePerm); err != nil {
		return errors.NewInternalError(fmt.Sprintf("failed to write %s", path), err)
	}
	return nil
}

func (r *Registry) configPath(cfg *core.ServerConfig) string {
	return filepath.Join(r.paths.collectionDir(cfg.Collection.String()), cfg.ID+".json")
}
