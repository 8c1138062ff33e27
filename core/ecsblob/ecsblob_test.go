package ecsblob

import (
	"encoding/binary"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/meigma/worldstore/core/internal/storetype"
)

func sampleFrame() Frame {
	return Frame{
		Flags:       1,
		EntityCount: 3,
		Components: []Component{
			{Type: 10, Count: 3, Data: []byte{1, 2, 3, 4, 5, 6}},
			{Type: 2, Count: 1, Data: []byte("velocity")},
		},
	}
}

func TestEncodeDecode(t *testing.T) {
	t.Parallel()

	b, err := Encode(sampleFrame())
	require.NoError(t, err)
	assert.Equal(t, Magic, string(b[:4]))

	f, err := Decode(b)
	require.NoError(t, err)
	assert.Equal(t, Version, f.Version)
	assert.Equal(t, uint32(3), f.EntityCount)
	require.Len(t, f.Components, 2)

	c, ok := f.Component(2)
	require.True(t, ok)
	assert.Equal(t, "velocity", string(c.Data))
	_, ok = f.Component(99)
	assert.False(t, ok)
}

func TestEncodeIsDeterministic(t *testing.T) {
	t.Parallel()

	a, err := Encode(sampleFrame())
	require.NoError(t, err)
	b, err := Encode(sampleFrame())
	require.NoError(t, err)
	assert.Equal(t, a, b)
}

func TestDecodeRejects(t *testing.T) {
	t.Parallel()

	good, err := Encode(sampleFrame())
	require.NoError(t, err)

	withVersion := func(major, minor uint16) []byte {
		b := append([]byte(nil), good...)
		binary.LittleEndian.PutUint16(b[4:6], major)
		binary.LittleEndian.PutUint16(b[6:8], minor)
		return b
	}

	tests := []struct {
		name    string
		input   []byte
		wantErr error
	}{
		{"empty", nil, storetype.ErrInvalidFormat},
		{"bad magic", append([]byte("XCSB"), good[4:]...), storetype.ErrInvalidFormat},
		{"newer major", withVersion(2, 0), storetype.ErrVersionMismatch},
		{"older major", withVersion(0, 9), storetype.ErrVersionMismatch},
		{"truncated body", good[:len(good)-3], storetype.ErrInvalidFormat},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			_, err := Decode(tt.input)
			require.ErrorIs(t, err, tt.wantErr)
		})
	}

	f, err := Decode(withVersion(1, 7))
	require.NoError(t, err)
	assert.Equal(t, storetype.Version{Major: 1, Minor: 7}, f.Version)
}

func TestEncodeRejectsDuplicateComponents(t *testing.T) {
	t.Parallel()

	f := sampleFrame()
	f.Components = append(f.Components, Component{Type: 10})
	_, err := Encode(f)
	require.ErrorIs(t, err, storetype.ErrInvalidFormat)
}
