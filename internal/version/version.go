// Package version holds the build version stamped in via ldflags:
//
//	go build -ldflags "-X github.com/bluecollar-io/bluecollar/internal/version.Version=v1.2.3"
package version

// Version is "dev" unless overridden at build time.
var Version = "dev"
