// Package version holds the worker's build version, overridable at link
// time with -ldflags "-X .../version.Version=...".
package version

// Version is the worker version reported in logs and MCP handshakes.
var Version = "0.4.0"
