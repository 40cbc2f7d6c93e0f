package registry

import (
	"encoding/json"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/deechat/dmcp/pkg/core"
	"github.com/deechat/dmcp/pkg/errors"
	"github.com/deechat/dmcp/pkg/events"
)

func newTestRegistry(t *testing.T) (*Registry, Paths, *events.Bus) {
	t.Helper()
	paths := Paths{
		UserData:   t.TempDir(),
		ProjectDir: t.TempDir(),
	}
	bus := events.NewBus()
	r := New(paths, bus)
	require.NoError(t, r.Load())
	return r, paths, bus
}

func stdioConfig(name string) *core.ServerConfig {
	return &core.ServerConfig{
		Name:    name,
		Type:    "stdio",
		Command: "echo",
	}
}

func TestAddPersistsAndIndexes(t *testing.T) {
	t.Parallel()

	r, paths, bus := newTestRegistry(t)

	var added []events.Event
	unsubscribe := bus.Subscribe(func(evt events.Event) {
		if evt.Type == events.ConfigAdded {
			added = append(added, evt)
		}
	})
	defer unsubscribe()

	cfg, err := r.Add(stdioConfig("alpha"))
	require.NoError(t, err)
	assert.NotEmpty(t, cfg.ID)
	assert.Equal(t, core.CollectionUser, cfg.Collection)
	assert.Equal(t, core.DefaultTimeoutMs, cfg.TimeoutMs)

	// The file landed in the user collection directory.
	path := filepath.Join(paths.UserDir(), cfg.ID+".json")
	data, err := os.ReadFile(path)
	require.NoError(t, err)
	var onDisk core.ServerConfig
	require.NoError(t, json.Unmarshal(data, &onDisk))
	assert.Equal(t, "alpha", onDisk.Name)

	got, ok := r.Get(cfg.ID)
	require.True(t, ok)
	assert.Equal(t, "alpha", got.Name)

	require.Len(t, added, 1)
	assert.Equal(t, cfg.ID, added[0].ServerID)
}

func TestAddRejectsDuplicates(t *testing.T) {
	t.Parallel()

	r, _, _ := newTestRegistry(t)

	first, err := r.Add(stdioConfig("dup"))
	require.NoError(t, err)

	// Same name, same collection.
	_, err = r.Add(stdioConfig("dup"))
	require.Error(t, err)
	assert.True(t, errors.IsConfigInvalid(err))

	// Same id.
	clash := stdioConfig("other")
	clash.ID = first.ID
	_, err = r.Add(clash)
	require.Error(t, err)
	assert.True(t, errors.IsConfigInvalid(err))
}

func TestAddRejectsInvalid(t *testing.T) {
	t.Parallel()

	r, _, _ := newTestRegistry(t)

	tests := []struct {
		name string
		cfg  *core.ServerConfig
	}{
		{"stdio without command", &core.ServerConfig{Name: "x", Type: "stdio"}},
		{"network without url", &core.ServerConfig{Name: "x", Type: "websocket"}},
		{"relative url", &core.ServerConfig{Name: "x", Type: "streamableHttp", URL: "/just/a/path"}},
		{"timeout too small", &core.ServerConfig{Name: "x", Type: "stdio", Command: "echo", TimeoutMs: 500}},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			_, err := r.Add(tc.cfg)
			require.Error(t, err)
			assert.True(t, errors.IsConfigInvalid(err), "got %v", err)
		})
	}
}

func TestUpdateAppliesPatch(t *testing.T) {
	t.Parallel()

	r, _, _ := newTestRegistry(t)
	cfg, err := r.Add(stdioConfig("patchme"))
	require.NoError(t, err)
	require.False(t, cfg.IsEnabled)

	updated, err := r.Update(cfg.ID, map[string]any{"isEnabled": true, "description": "now on"})
	require.NoError(t, err)
	assert.True(t, updated.IsEnabled)
	assert.Equal(t, "now on", updated.Description)
	assert.Equal(t, "echo", updated.Command, "unpatched fields survive")

	// Explicit false applies too.
	updated, err = r.Update(cfg.ID, map[string]any{"isEnabled": false})
	require.NoError(t, err)
	assert.False(t, updated.IsEnabled)
}

func TestUpdatePersistsToDisk(t *testing.T) {
	t.Parallel()

	r, paths, _ := newTestRegistry(t)
	cfg, err := r.Add(stdioConfig("durable"))
	require.NoError(t, err)

	_, err = r.Update(cfg.ID, map[string]any{"isEnabled": true})
	require.NoError(t, err)

	data, err := os.ReadFile(filepath.Join(paths.UserDir(), cfg.ID+".json"))
	require.NoError(t, err)
	var onDisk core.ServerConfig
	require.NoError(t, json.Unmarshal(data, &onDisk))
	assert.True(t, onDisk.IsEnabled)
}

func TestUpdateUnknownID(t *testing.T) {
	t.Parallel()

	r, _, _ := newTestRegistry(t)
	_, err := r.Update("missing", map[string]any{"isEnabled": true})
	require.Error(t, err)
	assert.True(t, errors.IsConfigInvalid(err))
}

func TestRemove(t *testing.T) {
	t.Parallel()

	r, paths, bus := newTestRegistry(t)
	cfg, err := r.Add(stdioConfig("deleteme"))
	require.NoError(t, err)

	var removed int
	unsubscribe := bus.Subscribe(func(evt events.Event) {
		if evt.Type == events.ConfigRemoved {
			removed++
		}
	})
	defer unsubscribe()

	require.NoError(t, r.Remove(cfg.ID))
	_, ok := r.Get(cfg.ID)
	assert.False(t, ok)
	assert.NoFileExists(t, filepath.Join(paths.UserDir(), cfg.ID+".json"))
	assert.Equal(t, 1, removed)
}

func TestRemoveRefusesSystemCollection(t *testing.T) {
	t.Parallel()

	paths := Paths{UserData: t.TempDir()}
	require.NoError(t, os.MkdirAll(paths.SystemDir(), 0750))

	system := stdioConfig("bundled")
	system.ID = "bundled-id"
	system.Collection = core.CollectionSystem
	require.NoError(t, system.ApplyDefaults())
	data, err := json.Marshal(system)
	require.NoError(t, err)
	require.NoError(t, os.WriteFile(filepath.Join(paths.SystemDir(), "bundled-id.json"), data, 0600))

	r := New(paths, events.NewBus())
	require.NoError(t, r.Load())

	err = r.Remove("bundled-id")
	require.Error(t, err)
	assert.True(t, errors.IsConfigInvalid(err))
	_, ok := r.Get("bundled-id")
	assert.True(t, ok, "system server must survive the refused remove")
}

func TestLoadSkipsInvalidFiles(t *testing.T) {
	t.Parallel()

	paths := Paths{UserData: t.TempDir()}
	require.NoError(t, os.MkdirAll(paths.UserDir(), 0750))

	// One good file, one unparsable, one structurally invalid.
	good := stdioConfig("good")
	good.ID = "good-id"
	require.NoError(t, good.ApplyDefaults())
	data, err := json.Marshal(good)
	require.NoError(t, err)
	require.NoError(t, os.WriteFile(filepath.Join(paths.UserDir(), "good-id.json"), data, 0600))
	require.NoError(t, os.WriteFile(filepath.Join(paths.UserDir(), "broken.json"), []byte("{nope"), 0600))
	require.NoError(t, os.WriteFile(filepath.Join(paths.UserDir(), "invalid.json"), []byte(`{"id":"x","name":"x","type":"stdio"}`), 0600))

	r := New(paths, events.NewBus())
	require.NoError(t, r.Load())

	all := r.GetAll()
	require.Len(t, all, 1)
	assert.Equal(t, "good", all[0].Name)
}

func TestLoadToleratesCommentsAndTrailingCommas(t *testing.T) {
	t.Parallel()

	paths := Paths{UserData: t.TempDir()}
	require.NoError(t, os.MkdirAll(paths.UserDir(), 0750))

	lenient := `{
  // local tool server
  "id": "lenient-id",
  "name": "lenient",
  "type": "stdio",
  "command": "echo",
}`
	require.NoError(t, os.WriteFile(filepath.Join(paths.UserDir(), "lenient-id.json"), []byte(lenient), 0600))

	r := New(paths, events.NewBus())
	require.NoError(t, r.Load())

	got, ok := r.Get("lenient-id")
	require.True(t, ok)
	assert.Equal(t, "lenient", got.Name)
}

func TestCollectionFieldFollowsDirectory(t *testing.T) {
	t.Parallel()

	paths := Paths{UserData: t.TempDir()}
	require.NoError(t, os.MkdirAll(paths.UserDir(), 0750))

	// The file claims system; the directory says user.
	liar := `{"id":"liar-id","name":"liar","type":"stdio","command":"echo","collection":"system"}`
	require.NoError(t, os.WriteFile(filepath.Join(paths.UserDir(), "liar-id.json"), []byte(liar), 0600))

	r := New(paths, events.NewBus())
	require.NoError(t, r.Load())

	got, ok := r.Get("liar-id")
	require.True(t, ok)
	assert.Equal(t, core.CollectionUser, got.Collection)
}

func TestLegacyMigration(t *testing.T) {
	t.Parallel()

	paths := Paths{UserData: t.TempDir()}
	require.NoError(t, os.MkdirAll(paths.UserData, 0750))

	legacy := `[
  {"id": "legacy-a", "name": "legacy a", "type": "stdio", "command": "echo"},
  {"id": "legacy-b", "name": "legacy b", "type": "websocket", "url": "ws://127.0.0.1:9999/mcp"}
]`
	require.NoError(t, os.WriteFile(paths.LegacyFile(), []byte(legacy), 0600))

	r := New(paths, events.NewBus())
	require.NoError(t, r.Load())

	// Both entries landed in the user collection.
	a, ok := r.Get("legacy-a")
	require.True(t, ok)
	assert.Equal(t, core.CollectionUser, a.Collection)
	b, ok := r.Get("legacy-b")
	require.True(t, ok)
	assert.Equal(t, core.CollectionUser, b.Collection)

	assert.FileExists(t, filepath.Join(paths.UserDir(), "legacy-a.json"))
	assert.FileExists(t, filepath.Join(paths.UserDir(), "legacy-b.json"))

	// The legacy store was renamed, not deleted.
	assert.NoFileExists(t, paths.LegacyFile())
	assert.FileExists(t, paths.LegacyFile()+".backup")

	// A second load finds nothing to migrate and keeps both servers.
	r2 := New(paths, events.NewBus())
	require.NoError(t, r2.Load())
	assert.Len(t, r2.GetAll(), 2)
}

func TestLegacyMigrationServersObjectShape(t *testing.T) {
	t.Parallel()

	paths := Paths{UserData: t.TempDir()}
	require.NoError(t, os.MkdirAll(paths.UserData, 0750))

	legacy := `{"servers": [{"id": "wrapped", "name": "wrapped", "type": "stdio", "command": "echo"}]}`
	require.NoError(t, os.WriteFile(paths.LegacyFile(), []byte(legacy), 0600))

	r := New(paths, events.NewBus())
	require.NoError(t, r.Load())

	_, ok := r.Get("wrapped")
	assert.True(t, ok)
	assert.FileExists(t, paths.LegacyFile()+".backup")
}

func TestImportShapes(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name    string
		payload string
		want    int
	}{
		{
			name:    "bare array",
			payload: `[{"name": "arr", "type": "stdio", "command": "echo"}]`,
			want:    1,
		},
		{
			name:    "servers object",
			payload: `{"servers": [{"name": "obj", "type": "stdio", "command": "echo"}]}`,
			want:    1,
		},
		{
			name: "desktop mcpServers map",
			payload: `{"mcpServers": {
  "files": {"command": "echo", "args": ["--serve"]},
  "search": {"command": "echo"}
}}`,
			want: 2,
		},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()

			r, _, _ := newTestRegistry(t)
			result, err := r.Import([]byte(tc.payload), core.CollectionUser)
			require.NoError(t, err)
			assert.Len(t, result.Added, tc.want)
			assert.Zero(t, result.Skipped)

			for _, added := range result.Added {
				assert.Equal(t, "imported", added.Source)
				assert.Equal(t, core.CollectionUser, added.Collection)
			}
		})
	}
}

func TestImportSkipsBadEntries(t *testing.T) {
	t.Parallel()

	r, _, _ := newTestRegistry(t)
	payload := `[
  {"name": "ok", "type": "stdio", "command": "echo"},
  {"name": "bad", "type": "stdio"}
]`
	result, err := r.Import([]byte(payload), core.CollectionUser)
	require.NoError(t, err)
	assert.Len(t, result.Added, 1)
	assert.Equal(t, 1, result.Skipped)
}

func TestExportImportRoundTrip(t *testing.T) {
	t.Parallel()

	r, _, _ := newTestRegistry(t)
	added, err := r.Add(stdioConfig("roundtrip"))
	require.NoError(t, err)
	added.Runtime = &core.RuntimeState{PID: 42}

	exported := r.Export()
	require.Len(t, exported, 1)
	assert.Nil(t, exported[0].Runtime)

	payload, err := json.Marshal(exported)
	require.NoError(t, err)

	// Import into a fresh registry.
	r2, _, _ := newTestRegistry(t)
	result, err := r2.Import(payload, core.CollectionUser)
	require.NoError(t, err)
	require.Len(t, result.Added, 1)

	got := result.Added[0]
	assert.Equal(t, "roundtrip", got.Name)
	assert.Equal(t, added.Command, got.Command)
	assert.Equal(t, added.TimeoutMs, got.TimeoutMs)
}

func TestSearch(t *testing.T) {
	t.Parallel()

	r, _, _ := newTestRegistry(t)
	web := stdioConfig("web fetcher")
	web.Description = "fetches pages"
	web.Tags = []string{"network"}
	_, err := r.Add(web)
	require.NoError(t, err)
	_, err = r.Add(stdioConfig("file browser"))
	require.NoError(t, err)

	assert.Len(t, r.Search(""), 2)
	assert.Len(t, r.Search("web"), 1)
	assert.Len(t, r.Search("PAGES"), 1)
	assert.Len(t, r.Search("network"), 1)
	assert.Empty(t, r.Search("nope"))
}

func TestCleanupRemovesBrokenFiles(t *testing.T) {
	t.Parallel()

	r, paths, _ := newTestRegistry(t)
	_, err := r.Add(stdioConfig("keepme"))
	require.NoError(t, err)
	require.NoError(t, os.WriteFile(filepath.Join(paths.UserDir(), "junk.json"), []byte("not json"), 0600))

	removed := r.Cleanup()
	assert.Equal(t, 1, removed)
	assert.NoFileExists(t, filepath.Join(paths.UserDir(), "junk.json"))
	assert.Len(t, r.GetAll(), 1)
}
