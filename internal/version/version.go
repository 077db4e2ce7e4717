// Package version tracks build metadata for the application.
package version

import (
	"fmt"
	"runtime/debug"
	"sync"
)

// Info describes build metadata for the application.
type Info struct {
	Version   string `json:"version"`
	Commit    string `json:"commit"`
	BuildTime string `json:"build_time"`
}

// String renders the metadata for logs and CLI output.
func (i Info) String() string {
	out := i.Version
	if i.Commit != "" {
		out += fmt.Sprintf(" (%s)", shortCommit(i.Commit))
	}
	if i.BuildTime != "" {
		out += " built " + i.BuildTime
	}
	return out
}

var (
	info      = Info{Version: "dev"}
	infoMutex sync.RWMutex
)

// Set updates the version metadata exposed by the application. Fields left
// empty by the linker are filled from the module build info when available.
func Set(v Info) {
	if v.Commit == "" || v.BuildTime == "" {
		if bi, ok := debug.ReadBuildInfo(); ok {
			v = withBuildSettings(v, bi.Settings)
		}
	}
	if v.Version == "" {
		v.Version = "dev"
	}

	infoMutex.Lock()
	defer infoMutex.Unlock()
	info = v
}

// Current returns the currently configured build metadata.
func Current() Info {
	infoMutex.RLock()
	defer infoMutex.RUnlock()
	return info
}

func withBuildSettings(v Info, settings []debug.BuildSetting) Info {
	for _, s := range settings {
		switch s.Key {
		case "vcs.revision":
			if v.Commit == "" {
				v.Commit = s.Value
			}
		case "vcs.time":
			if v.BuildTime == "" {
				v.BuildTime = s.Value
			}
		}
	}
	return v
}

func shortCommit(commit string) string {
	if len(commit) > 12 {
		return commit[:12]
	}
	return commit
}
