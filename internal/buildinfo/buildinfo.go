// Package buildinfo exposes build metadata for the parwave CLI.
package buildinfo

// Set via -ldflags at release time.
var (
	// Version is the semantic version string.
	Version = "dev"
	// Commit is the short git commit SHA.
	Commit = "unknown"
	// BuiltAt is the build timestamp in RFC3339 format.
	BuiltAt = "unknown"
)

// String renders the version line printed by `parwave version`.
// Format: "version=<semver> commit=<git-sha> built_at=<rfc3339>"
func String() string {
	return "version=" + Version + " commit=" + Commit + " built_at=" + BuiltAt
}
