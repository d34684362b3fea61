package core

// ServiceName is reported by /health and used as the OS service name.
const ServiceName = "imagegen-backend"

// Version is the application version, set at build time via ldflags:
//
//	go build -ldflags "-X imagegen_backend/core.Version=$(git describe --tags --always)" .
var Version = "dev"

// GitCommit is the git commit hash, set at build time via ldflags.
var GitCommit = "unknown"

// GetVersionInfo returns a formatted version string such as "v1.2.0 (commit abc1234)".
func GetVersionInfo() string {
	return Version + " (commit " + GitCommit + ")"
}
