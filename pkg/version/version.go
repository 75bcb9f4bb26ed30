package version

import (
	"fmt"
	"runtime/debug"
	"strings"
)

var (
	// Overridden at link time, e.g.
	// -ldflags "-X github.com/yuanshang000/ds2api/pkg/version.Version=v0.3.0"
	Version = "dev"
	Commit  = ""
	Date    = ""
	Dirty   = ""
)

type Info struct {
	Version   string `json:"version"`
	Commit    string `json:"commit,omitempty"`
	Date      string `json:"date,omitempty"`
	Dirty     bool   `json:"dirty,omitempty"`
	GoVersion string `json:"go_version,omitempty"`
}

func Current() Info {
	info := Info{
		Version: strings.TrimSpace(Version),
		Commit:  strings.TrimSpace(Commit),
		Date:    strings.TrimSpace(Date),
		Dirty:   strings.EqualFold(strings.TrimSpace(Dirty), "true"),
	}
	if info.Version == "" {
		info.Version = "dev"
	}
	bi, ok := debug.ReadBuildInfo()
	if !ok {
		return info
	}
	info.GoVersion = bi.GoVersion
	if info.Version == "dev" && bi.Main.Version != "" && bi.Main.Version != "(devel)" {
		info.Version = bi.Main.Version
	}
	fillFromVCS(&info, bi.Settings)
	return info
}

func fillFromVCS(info *Info, settings []debug.BuildSetting) {
	for _, s := range settings {
		v := strings.TrimSpace(s.Value)
		switch s.Key {
		case "vcs.revision":
			if info.Commit == "" {
				info.Commit = v
			}
		case "vcs.time":
			if info.Date == "" {
				info.Date = v
			}
		case "vcs.modified":
			info.Dirty = info.Dirty || strings.EqualFold(v, "true")
		}
	}
}

// String renders version[+shortsha][+dirty].
func (i Info) String() string {
	parts := []string{i.Version}
	if i.Commit != "" {
		short := i.Commit
		if len(short) > 12 {
			short = short[:12]
		}
		parts = append(parts, short)
	}
	if i.Dirty {
		parts = append(parts, "dirty")
	}
	return strings.Join(parts, "+")
}

func String() string {
	return Current().String()
}

func Detailed(component string) string {
	v := Current()
	if strings.TrimSpace(component) == "" {
		component = "ds2api"
	}
	out := fmt.Sprintf("%s %s", component, v.String())
	if v.Date != "" {
		out += "\nBuilt: " + v.Date
	}
	if v.GoVersion != "" {
		out += "\nGo: " + v.GoVersion
	}
	return out
}
