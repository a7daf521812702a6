package superblock_test

import (
	"os"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tessera-fs/vhdfs/blockio"
	"github.com/tessera-fs/vhdfs/superblock"
)

// newZeroedBackingFile creates a temp file of exactly NTotalBlocks blocks of
// zero bytes, the shape blockio.Open expects to find on disk before it's
// ever been formatted.
func newZeroedBackingFile(t *testing.T) string {
	t.Helper()
	f, err := os.CreateTemp(t.TempDir(), "vhdfs-*.img")
	require.NoError(t, err)
	defer f.Close()

	require.NoError(t, f.Truncate(int64(superblock.NTotalBlocks)*blockio.BlockSize))
	return f.Name()
}

func TestFreshInitLayoutInvariant(t *testing.T) {
	fs := superblock.InitMemory()
	s := fs.Super

	require.Equal(t, uint32(superblock.Magic), s.Magic)
	require.Equal(t, uint32(superblock.NTotalBlocks), s.NBlockTot)
	require.Equal(t, uint32(superblock.NReservedBlocks), s.NBlockRes)
	require.Equal(t, uint32(superblock.NLogBlocks), s.NBlockLog)
	require.Equal(t, uint32(superblock.NInodes), s.NInodes)

	// reserved + superblock(1) + log + inode table + bitmap(1) + data == total
	sum := s.NBlockRes + 1 + s.NBlockLog + s.NBlockInode + 1 + s.NBlockDat
	assert.Equal(t, s.NBlockTot, sum)
}

func TestSecondInitOfRealFileLeavesSuperblockIdentical(t *testing.T) {
	path := newZeroedBackingFile(t)

	first, err := superblock.Init(path)
	require.NoError(t, err)
	first.Device.Close()

	second, err := superblock.Init(path)
	require.NoError(t, err)
	defer second.Device.Close()

	assert.Equal(t, first.Super, second.Super)
	assert.Equal(t, uint32(superblock.Magic), second.Super.Magic)
}

func TestNInodeBlocksRounding(t *testing.T) {
	// 200 inodes * 64 bytes / 512 bytes per block = 25 blocks exactly.
	assert.Equal(t, uint32(25), superblock.NInodeBlocks())
}
