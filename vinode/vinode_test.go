package vinode_test

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tessera-fs/vhdfs/superblock"
	"github.com/tessera-fs/vhdfs/vinode"
)

func TestIlevelBoundaries(t *testing.T) {
	for slot := 0; slot < vinode.NDirect; slot++ {
		assert.Equalf(t, 0, vinode.Ilevel(slot), "slot %d", slot)
	}
	for slot := vinode.NDirect; slot < vinode.NDirect+vinode.NIndirect; slot++ {
		assert.Equalf(t, 1, vinode.Ilevel(slot), "slot %d", slot)
	}
	for slot := vinode.NDirect + vinode.NIndirect; slot < vinode.NPointers; slot++ {
		assert.Equalf(t, 2, vinode.Ilevel(slot), "slot %d", slot)
	}
}

func TestAllocNeverHandsOutInodeZero(t *testing.T) {
	fs := superblock.InitMemory()
	tbl := vinode.New(fs)

	for i := 0; i < 5; i++ {
		in, derr := tbl.Alloc(vinode.TypeRegular)
		require.Nil(t, derr)
		assert.NotEqual(t, uint32(vinode.NullInum), in.Num)
	}
}

func TestAllocRejectsUnusedType(t *testing.T) {
	fs := superblock.InitMemory()
	tbl := vinode.New(fs)

	_, derr := tbl.Alloc(vinode.TypeUnused)
	assert.NotNil(t, derr)
}

func TestWriteThenReadRoundTrips(t *testing.T) {
	fs := superblock.InitMemory()
	tbl := vinode.New(fs)

	in, derr := tbl.Alloc(vinode.TypeRegular)
	require.Nil(t, derr)

	in.Size = 4096
	in.Pointers[3] = 500
	tbl.Write(in)

	got := tbl.Read(in.Num)
	assert.Equal(t, uint32(4096), got.Size)
	assert.Equal(t, uint32(500), got.Pointers[3])
	assert.True(t, got.IsRegular())
}

func TestFreeClearsInodeAndVisitsEveryPointer(t *testing.T) {
	fs := superblock.InitMemory()
	tbl := vinode.New(fs)

	in, derr := tbl.Alloc(vinode.TypeRegular)
	require.Nil(t, derr)
	in.Pointers[0] = 200
	in.Pointers[10] = 300
	tbl.Write(in)

	var visited []uint32
	tbl.Free(in.Num, func(ptr uint32, level int) {
		visited = append(visited, ptr)
	})

	assert.ElementsMatch(t, []uint32{200, 300}, visited)

	got := tbl.Read(in.Num)
	assert.True(t, got.IsFree())
	assert.Equal(t, uint32(0), got.Size)
	assert.Equal(t, uint16(0), got.Linkcnt)
}

func TestReadOutOfRangePanics(t *testing.T) {
	fs := superblock.InitMemory()
	tbl := vinode.New(fs)
	assert.Panics(t, func() { tbl.Read(superblock.NInodes) })
}
