// Package build provides build-time metadata for the module.
package build

const ProjectName = "hierarchies"

// Version and Commit are overridden at release build time via ldflags.
var (
	Version = "dev"
	Commit  = "none"
)
