package format

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/meigma/worldstore/core/internal/storetype"
)

func TestSaveHeaderLayout(t *testing.T) {
	t.Parallel()

	h := SaveHeader{
		Version:     storetype.Version{Major: 2, Minor: 1},
		Timestamp:   1_700_000_000_000_000_000,
		FileSize:    4096,
		CRC:         0xDEADBEEF,
		Compression: storetype.CompressionFrameBlock,
		Sections:    storetype.SectionWorld.Bit() | storetype.SectionSettings.Bit(),
	}
	h.SetOffset(storetype.SectionWorld, SaveHeaderSize)
	h.SetOffset(storetype.SectionSettings, 999) // no slot, ignored

	b := h.Bytes()
	require.Len(t, b, SaveHeaderSize)
	assert.Equal(t, "SIMC", string(b[0:4]))
	assert.Equal(t, []byte{0xEF, 0xBE, 0xAD, 0xDE}, b[SaveCRCOffset:SaveCRCOffset+SaveCRCSize])

	got, err := ParseSaveHeader(b)
	require.NoError(t, err)
	assert.Equal(t, h, got)
	assert.Equal(t, uint64(SaveHeaderSize), got.Offset(storetype.SectionWorld))
	assert.Zero(t, got.Offset(storetype.SectionSettings))
}

func TestParseSaveHeaderRejects(t *testing.T) {
	t.Parallel()

	_, err := ParseSaveHeader(make([]byte, 10))
	require.ErrorIs(t, err, storetype.ErrInvalidFormat)

	b := make([]byte, SaveHeaderSize)
	copy(b, "NOPE")
	_, err = ParseSaveHeader(b)
	require.ErrorIs(t, err, storetype.ErrInvalidFormat)
}

func TestSectionHeaderLayouts(t *testing.T) {
	t.Parallel()

	h := SectionHeader{
		ID:           storetype.SectionEconomy,
		Uncompressed: 1 << 20,
		Compressed:   1234,
		CRC:          42,
		Compression:  storetype.CompressionFastBlock,
	}

	ext := make([]byte, ExtendedSectionHeaderSize)
	h.PutExtended(ext)
	got, err := ParseSectionHeader(ext, ExtendedSectionHeaderSize, storetype.CompressionNone)
	require.NoError(t, err)
	assert.Equal(t, h, got)

	basic := make([]byte, BasicSectionHeaderSize)
	h.PutBasic(basic)
	got, err = ParseSectionHeader(basic, BasicSectionHeaderSize, storetype.CompressionFrameBlock)
	require.NoError(t, err)
	assert.Equal(t, storetype.CompressionFrameBlock, got.Compression)
	assert.Zero(t, got.CRC)
	assert.Equal(t, h.Compressed, got.Compressed)

	assert.Equal(t, BasicSectionHeaderSize, SectionHeaderSize(storetype.Version{Major: 1}))
	assert.Equal(t, ExtendedSectionHeaderSize, SectionHeaderSize(storetype.Version{Major: 2, Minor: 1}))

	bad := make([]byte, ExtendedSectionHeaderSize)
	(&SectionHeader{ID: 9}).PutExtended(bad)
	_, err = ParseSectionHeader(bad, ExtendedSectionHeaderSize, storetype.CompressionNone)
	require.ErrorIs(t, err, storetype.ErrInvalidFormat)
}

func TestWorldStructures(t *testing.T) {
	t.Parallel()

	m := WorldMeta{
		Version: WorldMetaVersion, Width: 100, Height: 100, ChunkSize: 32, TotalChunks: 9,
		Created: 1, LastSave: 2, SaveCount: 3, Flags: WorldFlagGenesis, TableCRC: 4,
		Compression: storetype.CompressionFastBlock, SaveID: [16]byte{1, 2, 3}, LastFullSave: 5,
	}
	mb := make([]byte, WorldMetaSize)
	m.Put(mb)
	gotMeta, err := ParseWorldMeta(mb)
	require.NoError(t, err)
	assert.Equal(t, m, gotMeta)

	copy(mb, "XXXX")
	_, err = ParseWorldMeta(mb)
	require.ErrorIs(t, err, storetype.ErrInvalidFormat)

	e := ChunkEntry{X: 2, Y: 1, Version: 7, Uncompressed: 9000, Compressed: 100, Offset: 1 << 33,
		CRC: 55, Compression: storetype.CompressionFrameBlock, Modified: -1}
	eb := make([]byte, ChunkEntrySize)
	e.Put(eb)
	gotEntry, err := ParseChunkEntry(eb)
	require.NoError(t, err)
	assert.Equal(t, e, gotEntry)
	assert.False(t, gotEntry.Empty())

	ih := IncrementalHeader{Version: IncrementalFormat, BaseID: [16]byte{9}, Sequence: 3, Count: 2, Created: 10, CRC: 11}
	ib := make([]byte, IncrementalSize)
	ih.Put(ib)
	gotInc, err := ParseIncrementalHeader(ib)
	require.NoError(t, err)
	assert.Equal(t, ih, gotInc)
}

func TestAssetStructures(t *testing.T) {
	t.Parallel()

	h := AssetIndexHeader{Version: AssetIndexVersion, Count: 2, IndexSize: AssetHeaderSize + 2*AssetEntrySize, Timestamp: 77, CRC: 88}
	hb := make([]byte, AssetHeaderSize)
	h.Put(hb)
	gotHeader, err := ParseAssetIndexHeader(hb)
	require.NoError(t, err)
	assert.Equal(t, h, gotHeader)

	e := AssetEntry{ID: 12, Type: 3, State: 1, Flags: 2, Size: 500, Offset: 8, CRC: 99, RefCount: 4, LastUsed: 6, Path: "textures/grass.png"}
	eb := make([]byte, AssetEntrySize)
	require.NoError(t, e.Put(eb))
	assert.Equal(t, make([]byte, 8), eb[40:48], "data pointer is never persisted")
	gotEntry, err := ParseAssetEntry(eb)
	require.NoError(t, err)
	assert.Equal(t, e, gotEntry)

	long := AssetEntry{Path: string(make([]byte, AssetPathSize+1))}
	require.ErrorIs(t, long.Put(eb), storetype.ErrInvalidFormat)
}
