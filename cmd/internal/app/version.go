package app

import (
	"runtime/debug"
	"sync"
)

// Set at build time:
//
//	go build -ldflags "-X watink/cmd/internal/app.Version=1.4.0 -X watink/cmd/internal/app.LastUpdated=2025-03-01"
var (
	Version     = "dev"
	LastUpdated = ""
)

// BuildInfo is the body of GET /version.
type BuildInfo struct {
	Service     string `json:"service"`
	Version     string `json:"version"`
	LastUpdated string `json:"lastUpdated"`
}

var vcsTime = sync.OnceValue(func() string {
	bi, ok := debug.ReadBuildInfo()
	if !ok {
		return ""
	}
	for _, s := range bi.Settings {
		if s.Key == "vcs.time" {
			return s.Value
		}
	}
	return ""
})

// CurrentBuild reports the running binary. LastUpdated falls back to the VCS
// commit time stamped by the Go toolchain.
func CurrentBuild(service string) BuildInfo {
	last := LastUpdated
	if last == "" {
		last = vcsTime()
	}
	return BuildInfo{Service: service, Version: Version, LastUpdated: last}
}
