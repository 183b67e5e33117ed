// Package cellar holds release information for the cellar engine and CLI.
package cellar

// Version is the release version.
const Version = "0.1.0"

// ModulePath is the Go module path.
const ModulePath = "github.com/mesh-intelligence/cellar"
