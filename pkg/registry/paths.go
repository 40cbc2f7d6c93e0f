// Package registry is the durable store of MCP server configurations:
// three collection directories of per-server JSON files, a legacy
// single-file migration, and import/export in the shapes desktop clients
// exchange. All mutations go through validated, atomically written files
// guarded by advisory locks, and every change is announced on the event
// bus.
package registry

import (
	"path/filepath"

	"github.com/adrg/xdg"
)

// appDirName is the directory under the user data root that belongs to
// this application.
const appDirName = "deechat"

// Paths locates the registry's directories. The desktop shell passes its
// own userData root; the CLI falls back to the XDG default.
type Paths struct {
	// UserData is the application data root.
	UserData string

	// ProjectDir is the workspace root for the project collection. Empty
	// disables the project collection.
	ProjectDir string
}

// DefaultPaths returns paths rooted at the XDG data directory.
func DefaultPaths() Paths {
	return Paths{UserData: filepath.Join(xdg.DataHome, appDirName)}
}

// SystemDir returns the directory of the system collection.
func (p Paths) SystemDir() string {
	return filepath.Join(p.UserData, "mcp", "system")
}

// UserDir returns the directory of the user collection.
func (p Paths) UserDir() string {
	return filepath.Join(p.UserData, "mcp", "servers")
}

// ProjectCollectionDir returns the directory of the project collection,
// or empty when no project directory is configured.
func (p Paths) ProjectCollectionDir() string {
	if p.ProjectDir == "" {
		return ""
	}
	return filepath.Join(p.ProjectDir, ".deechat", "mcp")
}

// LegacyFile returns the pre-collection single-file store.
func (p Paths) LegacyFile() string {
	return filepath.Join(p.UserData, "mcp-servers.json")
}

// collectionDir maps a collection to its directory.
func (p Paths) collectionDir(c string) string {
	switch c {
	case "system":
		return p.SystemDir()
	case "project":
		return p.ProjectCollectionDir()
	default:
		return p.UserDir()
	}
}
