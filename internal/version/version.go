// Package version carries build metadata injected with -ldflags, e.g.
//
//	go build -ldflags "-X github.com/banshee-data/sentinel/internal/version.Version=1.2.0"
package version

import "go.uber.org/zap"

var (
	// Version is the current application version
	Version = "dev"
	// GitSHA is the git commit SHA
	GitSHA = "unknown"
	// BuildTime is the build timestamp
	BuildTime = "unknown"
)

// String returns "version (sha, built time)".
func String() string {
	return Version + " (" + GitSHA + ", built " + BuildTime + ")"
}

// Fields returns the build metadata as zap fields for the startup log line.
func Fields() []zap.Field {
	return []zap.Field{
		zap.String("version", Version),
		zap.String("git_sha", GitSHA),
		zap.String("build_time", BuildTime),
	}
}
