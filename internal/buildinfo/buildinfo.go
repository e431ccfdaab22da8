// Package buildinfo carries the version stamped at build time.
package buildinfo

// Version is overridden by the release build via -ldflags.
var Version = "dev"
