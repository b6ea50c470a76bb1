// Package buildinfo holds version metadata injected at build time.
package buildinfo

// Version is overridden via -ldflags at release builds.
var Version = "dev"
