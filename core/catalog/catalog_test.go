package catalog

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/opencontainers/go-digest"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/meigma/worldstore/core/internal/checksum"
	"github.com/meigma/worldstore/core/internal/storetype"
	"github.com/meigma/worldstore/core/testutil"
)

func openTest(t *testing.T) (*Catalog, *testutil.Clock) {
	t.Helper()
	clock := testutil.NewClock(time.Unix(1_700_000_000, 0))
	c, err := Open(filepath.Join(t.TempDir(), "db", "catalog.db"), WithClock(clock.Now))
	require.NoError(t, err)
	t.Cleanup(func() { _ = c.Close() })
	return c, clock
}

func TestRecordAndList(t *testing.T) {
	t.Parallel()

	c, clock := openTest(t)
	ctx := context.Background()

	d := digest.FromString("base")
	id, err := c.Record(ctx, Record{
		Path: "world.sav", BasePath: "world.sav", SaveID: "a", Kind: KindFull,
		Chunks: 64, Bytes: 4096, CRC: 0xdeadbeef, Digest: d, Slot: 3, Duration: time.Second,
	})
	require.NoError(t, err)
	assert.Positive(t, id)

	clock.Advance(time.Minute)
	_, err = c.Record(ctx, Record{
		Path: "world.sav.inc.1", BasePath: "world.sav", SaveID: "a", Kind: KindIncremental,
		Sequence: 1, Chunks: 2, Slot: NoSlot,
	})
	require.NoError(t, err)

	all, err := c.List(ctx, 0)
	require.NoError(t, err)
	require.Len(t, all, 2)
	assert.Equal(t, KindIncremental, all[0].Kind)
	assert.Equal(t, uint32(1), all[0].Sequence)
	assert.Equal(t, time.Unix(1_700_000_060, 0), all[0].Created)

	full := all[1]
	assert.Equal(t, id, full.ID)
	assert.Equal(t, d, full.Digest)
	assert.Equal(t, uint32(0xdeadbeef), full.CRC)
	assert.Equal(t, 3, full.Slot)
	assert.Equal(t, time.Second, full.Duration)

	one, err := c.List(ctx, 1)
	require.NoError(t, err)
	require.Len(t, one, 1)
	assert.Equal(t, all[0].ID, one[0].ID)
}

func TestLatestAndChain(t *testing.T) {
	t.Parallel()

	c, _ := openTest(t)
	ctx := context.Background()

	_, err := c.Latest(ctx, "world.sav")
	require.ErrorIs(t, err, storetype.ErrFileNotFound)

	for _, rec := range []Record{
		{Path: "world.sav", BasePath: "world.sav", Kind: KindGenesis},
		{Path: "world.sav.inc.1", BasePath: "world.sav", Kind: KindIncremental, Sequence: 1},
		{Path: "world.sav", BasePath: "world.sav", Kind: KindFull},
		{Path: "world.sav.inc.2", BasePath: "world.sav", Kind: KindIncremental, Sequence: 1},
		{Path: "other.sav", BasePath: "other.sav", Kind: KindFull},
	} {
		_, err := c.Record(ctx, rec)
		require.NoError(t, err)
	}

	latest, err := c.Latest(ctx, "world.sav")
	require.NoError(t, err)
	assert.Equal(t, "world.sav.inc.2", latest.Path)

	chain, err := c.Chain(ctx, "world.sav")
	require.NoError(t, err)
	require.Len(t, chain, 2)
	assert.Equal(t, KindFull, chain[0].Kind)
	assert.Equal(t, "world.sav.inc.2", chain[1].Path)

	n, err := c.Forget(ctx, "world.sav")
	require.NoError(t, err)
	assert.Equal(t, int64(4), n)
	all, err := c.List(ctx, 0)
	require.NoError(t, err)
	assert.Len(t, all, 1)
}

func TestSlots(t *testing.T) {
	t.Parallel()

	c, _ := openTest(t)
	ctx := context.Background()
	for _, rec := range []Record{
		{Path: "slot2.sav", BasePath: "slot2.sav", Kind: KindFull, Slot: 2},
		{Path: "slot0.sav", BasePath: "slot0.sav", Kind: KindFull, Slot: 0},
		{Path: "slot2.sav.inc.1", BasePath: "slot2.sav", Kind: KindIncremental, Slot: 2},
		{Path: "auto.sav", BasePath: "auto.sav", Kind: KindFull, Slot: NoSlot},
	} {
		_, err := c.Record(ctx, rec)
		require.NoError(t, err)
	}

	slots, err := c.Slots(ctx)
	require.NoError(t, err)
	require.Len(t, slots, 2)
	assert.Equal(t, 0, slots[0].Slot)
	assert.Equal(t, 2, slots[1].Slot)
	assert.Equal(t, "slot2.sav.inc.1", slots[1].Path)
}

func TestReopenKeepsRecords(t *testing.T) {
	t.Parallel()

	path := filepath.Join(t.TempDir(), "catalog.db")
	c, err := Open(path)
	require.NoError(t, err)
	_, err = c.Record(context.Background(), Record{Path: "a.sav", BasePath: "a.sav", Kind: KindFull, Slot: NoSlot})
	require.NoError(t, err)
	require.NoError(t, c.Close())

	c, err = Open(path)
	require.NoError(t, err)
	defer c.Close()
	rec, err := c.Latest(context.Background(), "a.sav")
	require.NoError(t, err)
	assert.Equal(t, KindFull, rec.Kind)
}

func TestDescribe(t *testing.T) {
	t.Parallel()

	data := testutil.Pattern(10_000, 3)
	path := filepath.Join(t.TempDir(), "f.bin")
	require.NoError(t, os.WriteFile(path, data, 0o600))

	info, err := Describe(path)
	require.NoError(t, err)
	assert.Equal(t, int64(len(data)), info.Bytes)
	assert.Equal(t, checksum.CRC32(data), info.CRC)
	assert.Equal(t, digest.FromBytes(data), info.Digest)

	_, err = Describe(filepath.Join(t.TempDir(), "missing"))
	require.ErrorIs(t, err, storetype.ErrFileNotFound)
}
