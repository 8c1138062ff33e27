package storetype

import (
	"fmt"
	"strings"
)

// SectionID names a logical section of a save archive.
type SectionID uint32

const (
	SectionWorld SectionID = iota + 1
	SectionAgents
	SectionEconomy
	SectionInfrastructure
	SectionSettings
)

// SectionCount is the number of defined sections.
const SectionCount = 5

// SectionMask is a bitmask of present sections; bit (id-1) marks id.
type SectionMask uint32

// AllSections has every defined section bit set.
const AllSections SectionMask = 1<<SectionCount - 1

// Bit returns the mask bit for the section, or 0 for undefined ids.
func (id SectionID) Bit() SectionMask {
	if !id.Valid() {
		return 0
	}
	return 1 << (id - 1)
}

// Valid reports whether id is a defined section.
func (id SectionID) Valid() bool {
	return id >= SectionWorld && id <= SectionSettings
}

// String returns the section name.
func (id SectionID) String() string {
	switch id {
	case SectionWorld:
		return "world"
	case SectionAgents:
		return "agents"
	case SectionEconomy:
		return "economy"
	case SectionInfrastructure:
		return "infrastructure"
	case SectionSettings:
		return "settings"
	default:
		return fmt.Sprintf("section(%d)", uint32(id))
	}
}

// Has reports whether the mask includes id.
func (m SectionMask) Has(id SectionID) bool {
	return id.Valid() && m&id.Bit() != 0
}

// IDs returns the sections in the mask in ascending order.
func (m SectionMask) IDs() []SectionID {
	ids := make([]SectionID, 0, SectionCount)
	for id := SectionWorld; id <= SectionSettings; id++ {
		if m.Has(id) {
			ids = append(ids, id)
		}
	}
	return ids
}

// String renders the mask as a comma separated list of names.
func (m SectionMask) String() string {
	ids := m.IDs()
	if len(ids) == 0 {
		return "none"
	}
	names := make([]string, len(ids))
	for i, id := range ids {
		names[i] = id.String()
	}
	return strings.Join(names, ",")
}
