// File: internal/loader/descriptor.go
//
// Package loader resolves a declared module dependency graph into a load
// order, fetches each module's source from a mirror set with caching, and
// executes it in an isolated scope that only sees an explicit capability
// object. Loaded exports are registered under the module's name.
package loader

import "errors"

// Resolution and load failures.
var (
	ErrCycle             = errors.New("dependency cycle detected")
	ErrMissingDependency = errors.New("undeclared dependency")
	ErrModuleFailed      = errors.New("module failed to load")
)

// Descriptor is the static configuration for one module. The table is built
// at process start and never mutated.
type Descriptor struct {
	Name         string
	SourcePath   string
	Dependencies []string
	Required     bool
	// Priority orders modules with no edge between them so the natural load
	// order stays stable and human-predictable. Correctness depends only on
	// the dependency edges.
	Priority int
}

// DefaultDescriptors is the hard-coded module table for the rewards site.
func DefaultDescriptors() []Descriptor {
	return []Descriptor{
		{
			Name:       "core",
			SourcePath: "modules/core.js",
			Required:   true,
			Priority:   0,
		},
		{
			Name:         "session",
			SourcePath:   "modules/session.js",
			Dependencies: []string{"core"},
			Required:     true,
			Priority:     10,
		},
		{
			Name:         "captcha",
			SourcePath:   "modules/captcha.js",
			Dependencies: []string{"core", "session"},
			Required:     true,
			Priority:     20,
		},
		{
			Name:         "earner",
			SourcePath:   "modules/earner.js",
			Dependencies: []string{"core", "session"},
			Required:     true,
			Priority:     30,
		},
		{
			Name:         "dashboard",
			SourcePath:   "modules/dashboard.js",
			Dependencies: []string{"core", "earner"},
			Required:     false,
			Priority:     40,
		},
	}
}
