// Package build holds build-time metadata stamped in by the linker.
package build

// These values are overridden at release time with
// -ldflags "-X github.com/loomdb/loom/internal/build.Version=... ".
var (
	ProjectName = "loom"

	Version = "dev"

	Commit = "none"

	Date = "unknown"
)
