package common

import (
	"fmt"
	"runtime"
	"runtime/debug"
	"strings"
)

// Set at build time with -ldflags "-X github.com/WangYihang/urlscan-harvester/internal/common.Version=..."
var (
	Version    = "dev"
	CommitHash = "unknown"
	BuildTime  = "unknown"
)

// PV is the version of the running binary
var PV = currentVersion()

// ProgramVersion describes the running binary
type ProgramVersion struct {
	Version    string `json:"version"`
	CommitHash string `json:"commit_hash"`
	BuildTime  string `json:"build_time"`
	GoVersion  string `json:"go_version"`
}

func currentVersion() ProgramVersion {
	pv := ProgramVersion{
		Version:    Version,
		CommitHash: CommitHash,
		BuildTime:  BuildTime,
		GoVersion:  runtime.Version(),
	}
	if pv.CommitHash != "unknown" {
		return pv
	}
	// go install builds carry vcs info instead of ldflags
	if info, ok := debug.ReadBuildInfo(); ok {
		for _, s := range info.Settings {
			switch s.Key {
			case "vcs.revision":
				pv.CommitHash = s.Value
			case "vcs.time":
				pv.BuildTime = s.Value
			}
		}
	}
	return pv
}

// Short returns a one-line version tag
func (v ProgramVersion) Short() string {
	commit := v.CommitHash
	if len(commit) > 7 {
		commit = commit[:7]
	}
	return fmt.Sprintf("%s-%s", strings.TrimPrefix(v.Version, "v"), commit)
}

// String returns the verbose version of the program
func (v ProgramVersion) String() string {
	var b strings.Builder
	fmt.Fprintf(&b, "urlscan-harvester %s\n", v.Version)
	fmt.Fprintf(&b, "Commit: %s\n", v.CommitHash)
	fmt.Fprintf(&b, "Build Date: %s\n", v.BuildTime)
	fmt.Fprintf(&b, "Go: %s", v.GoVersion)
	return b.String()
}
