// Package version reports the build metadata set by -ldflags -X
package version

import "runtime"

// set at build time
var (
	Version   = "0.0.0-dev"
	Tag       = "none"
	Commit    = "unknown"
	BuildDate = "unknown"
)

// Info is the static build metadata of the monitor
type Info struct {
	Version   string
	Tag       string
	Commit    string
	BuildDate string
	GoVersion string
}

// Get returns the build metadata
func Get() Info {
	return Info{
		Version:   Version,
		Tag:       Tag,
		Commit:    Commit,
		BuildDate: BuildDate,
		GoVersion: runtime.Version(),
	}
}
