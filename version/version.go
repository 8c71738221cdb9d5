// Package version holds the version of the instrumented CLI.
package version

import (
	"fmt"
	"runtime"
	"runtime/debug"
)

// Version represents a semver version.
type Version struct {
	Major uint
	Minor uint
	Patch uint
}

// Current represents the current version and can be shared across packages
var Current = Version{Major: 0, Minor: 1, Patch: 0}

// Full returns the full semantic version as a string major.minor.patch
func Full() string {
	return fmt.Sprintf("%d.%d.%d", Current.Major, Current.Minor, Current.Patch)
}

// Details returns the version together with the build information the Go
// toolchain embedded in the binary.
func Details() map[string]string {
	details := map[string]string{
		"version":    "v" + Full(),
		"go_version": runtime.Version(),
		"go_os":      runtime.GOOS,
		"go_arch":    runtime.GOARCH,
	}
	info, ok := debug.ReadBuildInfo()
	if !ok {
		return details
	}
	for _, s := range info.Settings {
		switch s.Key {
		case "vcs.revision":
			if len(s.Value) > 10 {
				s.Value = s.Value[:10]
			}
			details["commit"] = s.Value
		case "vcs.modified":
			if s.Value == "true" {
				details["commit_dirty"] = "true"
			}
		}
	}
	return details
}

// Long is the human readable version line.
func Long() string {
	d := Details()
	v := d["version"]
	if c, ok := d["commit"]; ok {
		v += " (commit/" + c
		if d["commit_dirty"] == "true" {
			v += "-dirty"
		}
		v += ")"
	}
	return fmt.Sprintf("%s, %s, %s/%s", v, d["go_version"], d["go_os"], d["go_arch"])
}
