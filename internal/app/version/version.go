package version

import "runtime/debug"

// Set at build time with -ldflags "-X ip2asn/internal/app/version.buildVersion=...".
var (
	buildVersion = "dev"
	builtAt      = "unknown"
)

type Info struct {
	BuildVersion string `json:"buildVersion"`
	BuiltAt      string `json:"builtAt"`
	GoVersion    string `json:"goVersion,omitempty"`
	Revision     string `json:"revision,omitempty"`
}

// Get returns the running build metadata.
func Get() Info {
	info := Info{
		BuildVersion: buildVersion,
		BuiltAt:      builtAt,
	}
	if bi, ok := debug.ReadBuildInfo(); ok {
		info.GoVersion = bi.GoVersion
		for _, setting := range bi.Settings {
			if setting.Key == "vcs.revision" {
				info.Revision = setting.Value
			}
		}
	}
	return info
}

func String() string {
	return buildVersion + " (" + builtAt + ")"
}
