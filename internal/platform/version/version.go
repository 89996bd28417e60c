// Package version exposes build information set through -ldflags, e.g.
//
//	go build -ldflags "-X .../internal/platform/version.Version=v1.4.0"
package version

import "runtime"

const product = "dressup"

var (
	Version   = "dev"
	Commit    = "unknown"
	BuildTime = "unknown"
)

// Info is served on /version.
type Info struct {
	Version   string `json:"version"`
	Commit    string `json:"commit"`
	BuildTime string `json:"build_time"`
	GoVersion string `json:"go_version"`
}

func Get() Info {
	return Info{
		Version:   Version,
		Commit:    Commit,
		BuildTime: BuildTime,
		GoVersion: runtime.Version(),
	}
}

// UserAgent identifies this build on outbound requests.
func UserAgent() string {
	if Commit == "unknown" {
		return product + "/" + Version
	}
	return product + "/" + Version + " (" + Commit + ")"
}
