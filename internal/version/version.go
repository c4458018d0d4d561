// Package version holds the build identifier cmd/edge logs on startup.
package version

// Value is overridden at build time via -ldflags "-X .../version.Value=...".
var Value = "dev"
