// Package asset indexes, caches and loads the auxiliary binary assets of a
// world: textures, meshes, sounds and scripts referenced by id. Bytes come
// from local files or HTTP range reads, are CRC checked, and stay in a
// bounded LRU cache shared by synchronous and queued loads.
package asset

import (
	"fmt"
	"path/filepath"
	"strings"
)

// Type classifies an asset.
type Type uint16

const (
	TypeData Type = iota
	TypeTexture
	TypeMesh
	TypeAudio
	TypeScript
	TypeFont
)

// String returns the type name.
func (t Type) String() string {
	switch t {
	case TypeData:
		return "data"
	case TypeTexture:
		return "texture"
	case TypeMesh:
		return "mesh"
	case TypeAudio:
		return "audio"
	case TypeScript:
		return "script"
	case TypeFont:
		return "font"
	default:
		return fmt.Sprintf("type(%d)", uint16(t))
	}
}

// TypeForPath guesses a type from a file extension.
func TypeForPath(path string) Type {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".png", ".jpg", ".jpeg", ".dds", ".ktx", ".tga":
		return TypeTexture
	case ".obj", ".gltf", ".glb", ".fbx", ".mesh":
		return TypeMesh
	case ".wav", ".ogg", ".mp3", ".flac":
		return TypeAudio
	case ".lua", ".js", ".wasm":
		return TypeScript
	case ".ttf", ".otf":
		return TypeFont
	default:
		return TypeData
	}
}

// LoadState tracks an asset through loading.
type LoadState uint8

const (
	StateUnloaded LoadState = iota
	StateLoading
	StateReady
	StateError
)

// String returns the state name.
func (s LoadState) String() string {
	switch s {
	case StateUnloaded:
		return "unloaded"
	case StateLoading:
		return "loading"
	case StateReady:
		return "ready"
	case StateError:
		return "error"
	default:
		return fmt.Sprintf("state(%d)", uint8(s))
	}
}

// Entry describes where one asset's bytes live. Offset and Size select a
// range of the file at Path, so many small assets can share a pack file.
// Path is relative to the loader's root, or an http(s) URL.
type Entry struct {
	ID     uint32
	Type   Type
	Flags  uint8
	Size   uint64
	Offset uint64
	CRC    uint32
	Path   string
}
