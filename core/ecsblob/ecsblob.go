// Package ecsblob frames entity/component snapshots for storage in save
// archive sections. The engine does not interpret component data; it
// only versions and validates the frame around it.
package ecsblob

import (
	"encoding/binary"
	"fmt"

	"github.com/fxamacker/cbor/v2"

	"github.com/meigma/worldstore/core/internal/storetype"
)

// Magic opens every frame.
const Magic = "ECSB"

// headerSize is the magic plus major and minor version.
const headerSize = 8

// Version is the frame format written by Encode.
var Version = storetype.Version{Major: 1, Minor: 0}

// MaxComponents bounds the component list of one frame.
const MaxComponents = 1024

// Component is the packed data of one component type.
type Component struct {
	Type  uint32 `cbor:"1,keyasint"`
	Count uint32 `cbor:"2,keyasint"`
	Data  []byte `cbor:"3,keyasint"`
}

// Frame is one entity/component snapshot.
type Frame struct {
	// Version is set by Decode to the version the frame was written with.
	Version     storetype.Version `cbor:"-"`
	Flags       uint32            `cbor:"1,keyasint,omitempty"`
	EntityCount uint32            `cbor:"2,keyasint"`
	Components  []Component       `cbor:"3,keyasint"`
}

// Component returns the component of type typ.
func (f *Frame) Component(typ uint32) (Component, bool) {
	for _, c := range f.Components {
		if c.Type == typ {
			return c, true
		}
	}
	return Component{}, false
}

var (
	encMode cbor.EncMode
	decMode cbor.DecMode
)

func init() {
	var err error
	encMode, err = cbor.CoreDetEncOptions().EncMode()
	if err != nil {
		panic("ecsblob: CBOR encoder initialization failed: " + err.Error())
	}
	decMode, err = cbor.DecOptions{
		MaxArrayElements: MaxComponents,
		DupMapKey:        cbor.DupMapKeyEnforcedAPF,
	}.DecMode()
	if err != nil {
		panic("ecsblob: CBOR decoder initialization failed: " + err.Error())
	}
}

func (f *Frame) validate() error {
	if len(f.Components) > MaxComponents {
		return fmt.Errorf("%w: %d components exceeds %d", storetype.ErrBufferFull, len(f.Components), MaxComponents)
	}
	seen := make(map[uint32]struct{}, len(f.Components))
	for _, c := range f.Components {
		if _, dup := seen[c.Type]; dup {
			return fmt.Errorf("%w: component type %d appears twice", storetype.ErrInvalidFormat, c.Type)
		}
		seen[c.Type] = struct{}{}
	}
	return nil
}

// Encode returns the framed, deterministically encoded form of f.
func Encode(f Frame) ([]byte, error) {
	if err := f.validate(); err != nil {
		return nil, fmt.Errorf("encode ecs frame: %w", err)
	}
	body, err := encMode.Marshal(f)
	if err != nil {
		return nil, fmt.Errorf("encode ecs frame: %w: %w", storetype.ErrInvalidFormat, err)
	}
	out := make([]byte, headerSize, headerSize+len(body))
	copy(out, Magic)
	binary.LittleEndian.PutUint16(out[4:6], Version.Major)
	binary.LittleEndian.PutUint16(out[6:8], Version.Minor)
	return append(out, body...), nil
}

// Decode parses a frame written by Encode. A bad magic fails with
// ErrInvalidFormat and a different major version with ErrVersionMismatch.
// Newer minor versions decode, ignoring fields they add.
func Decode(b []byte) (Frame, error) {
	if len(b) < headerSize || string(b[:4]) != Magic {
		return Frame{}, fmt.Errorf("decode ecs frame: %w: bad magic", storetype.ErrInvalidFormat)
	}
	v := storetype.Version{
		Major: binary.LittleEndian.Uint16(b[4:6]),
		Minor: binary.LittleEndian.Uint16(b[6:8]),
	}
	if v.Major != Version.Major {
		return Frame{}, fmt.Errorf("decode ecs frame: %w: frame version %s, supported %s", storetype.ErrVersionMismatch, v, Version)
	}
	var f Frame
	if err := decMode.Unmarshal(b[headerSize:], &f); err != nil {
		return Frame{}, fmt.Errorf("decode ecs frame: %w: %w", storetype.ErrInvalidFormat, err)
	}
	if err := f.validate(); err != nil {
		return Frame{}, fmt.Errorf("decode ecs frame: %w", err)
	}
	f.Version = v
	return f, nil
}
