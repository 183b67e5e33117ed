// Package types defines the URI, configuration and error types shared by the
// cellar storage engine, its catalog and the command-line interface.
//
// See docs/ARCHITECTURE.md § Main Interface.
package types
