package main

import (
	"runtime/debug"
)

// gitRevision retrieves the module version recorded in the build info.
func gitRevision() string {
	info, ok := debug.ReadBuildInfo()
	if !ok {
		return "unknown"
	}

	return info.Main.Version
}
