package worldstore

import (
	"github.com/meigma/worldstore/core/internal/format"
	"github.com/meigma/worldstore/core/internal/storetype"
)

// Re-export types from internal packages for the public API.
type (
	// Compression identifies the codec applied to a payload.
	Compression = storetype.Compression

	// SectionID identifies a section of a save archive.
	SectionID = storetype.SectionID

	// SectionMask is a bit set of section ids.
	SectionMask = storetype.SectionMask

	// Version is a save format version.
	Version = storetype.Version

	// Compatibility classifies an archive version against SupportedVersion.
	Compatibility = storetype.Compatibility

	// Header is the decoded fixed header of a save archive.
	Header = format.SaveHeader

	// SectionHeader is the decoded header of one section record.
	SectionHeader = format.SectionHeader
)

// Re-export compression constants.
const (
	CompressionNone       = storetype.CompressionNone
	CompressionFastBlock  = storetype.CompressionFastBlock
	CompressionFrameBlock = storetype.CompressionFrameBlock
	CompressionDefault    = storetype.CompressionDefault
)

// Re-export section constants.
const (
	SectionWorld          = storetype.SectionWorld
	SectionAgents         = storetype.SectionAgents
	SectionEconomy        = storetype.SectionEconomy
	SectionInfrastructure = storetype.SectionInfrastructure
	SectionSettings       = storetype.SectionSettings
	AllSections           = storetype.AllSections
)

// Re-export compatibility classes.
const (
	Compatible   = storetype.Compatible
	MinorUpgrade = storetype.MinorUpgrade
	MajorUpgrade = storetype.MajorUpgrade
	Incompatible = storetype.Incompatible
)

// SupportedVersion is the archive version written by this package.
var SupportedVersion = Version{Major: 2, Minor: 1}

// MaxSaveFileSize bounds the size of a single save archive.
const MaxSaveFileSize = 1 << 30

// HeaderSize is the size of the fixed archive header.
const HeaderSize = format.SaveHeaderSize

// ParseCompression maps a codec name ("none", "fast", "frame", "lz4",
// "zstd") to its Compression value.
var ParseCompression = storetype.ParseCompression

// CheckVersion classifies a file version against a supported version.
var CheckVersion = storetype.CheckVersion

// ClassifyIOError maps an os error to ErrFileNotFound or
// ErrPermissionDenied where it matches, and ErrAsyncFailure otherwise.
var ClassifyIOError = storetype.ClassifyIOError
