package storetype

import "fmt"

// Version is a save format version.
type Version struct {
	Major uint16
	Minor uint16
}

// String renders the version as "major.minor".
func (v Version) String() string {
	return fmt.Sprintf("%d.%d", v.Major, v.Minor)
}

// Less reports whether v orders before o.
func (v Version) Less(o Version) bool {
	if v.Major != o.Major {
		return v.Major < o.Major
	}
	return v.Minor < o.Minor
}

// Compatibility classifies a file version against a supported version.
type Compatibility uint8

const (
	Compatible Compatibility = iota
	MinorUpgrade
	MajorUpgrade
	Incompatible
)

// String returns the classification name.
func (c Compatibility) String() string {
	switch c {
	case Compatible:
		return "compatible"
	case MinorUpgrade:
		return "minor-upgrade"
	case MajorUpgrade:
		return "major-upgrade"
	case Incompatible:
		return "incompatible"
	default:
		return "unknown"
	}
}

// CheckVersion compares a file version with the supported version.
// A file from a newer major, or a newer minor within the same major, is
// incompatible; an older major needs a major upgrade and an older minor a
// minor upgrade.
func CheckVersion(file, supported Version) Compatibility {
	switch {
	case file == supported:
		return Compatible
	case file.Major > supported.Major:
		return Incompatible
	case file.Major < supported.Major:
		return MajorUpgrade
	case file.Minor > supported.Minor:
		return Incompatible
	default:
		return MinorUpgrade
	}
}
