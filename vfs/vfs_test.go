package vfs_test

import (
	"os"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tessera-fs/vhdfs/blockio"
	"github.com/tessera-fs/vhdfs/superblock"
	"github.com/tessera-fs/vhdfs/vfs"
	"github.com/tessera-fs/vhdfs/vinode"
)

func TestMountOfRealFileFormatsThenPersistsAcrossRemount(t *testing.T) {
	f, err := os.CreateTemp(t.TempDir(), "vhdfs-*.img")
	require.NoError(t, err)
	require.NoError(t, f.Truncate(int64(superblock.NTotalBlocks)*blockio.BlockSize))
	path := f.Name()
	f.Close()

	fs, err := vfs.Mount(path)
	require.NoError(t, err)
	_, derr := fs.Mknod("/persisted", vinode.TypeRegular)
	require.Nil(t, derr)

	fs2, err := vfs.Mount(path)
	require.NoError(t, err)

	in, derr := fs2.Stat("/persisted")
	require.Nil(t, derr)
	assert.True(t, in.IsRegular())
}

func TestFreshMountHasEmptyRoot(t *testing.T) {
	fs := vfs.MountMemory()

	in, derr := fs.Stat("/")
	require.Nil(t, derr)
	assert.True(t, in.IsDir())
	assert.Equal(t, uint32(0), in.Size)
	assert.Equal(t, uint16(1), in.Linkcnt)
}

func TestMknodThenStat(t *testing.T) {
	fs := vfs.MountMemory()

	inum, derr := fs.Mknod("/file", vinode.TypeRegular)
	require.Nil(t, derr)

	in, derr := fs.Stat("/file")
	require.Nil(t, derr)
	assert.Equal(t, inum, in.Num)
	assert.True(t, in.IsRegular())
}

func TestMknodRejectsDuplicateName(t *testing.T) {
	fs := vfs.MountMemory()
	_, derr := fs.Mknod("/dup", vinode.TypeRegular)
	require.Nil(t, derr)

	_, derr = fs.Mknod("/dup", vinode.TypeRegular)
	assert.NotNil(t, derr)
}

func TestMknodRejectsMissingParent(t *testing.T) {
	fs := vfs.MountMemory()
	_, derr := fs.Mknod("/nosuchdir/file", vinode.TypeRegular)
	assert.NotNil(t, derr)
}

func TestMkdirCreatesEmptyDirectory(t *testing.T) {
	fs := vfs.MountMemory()
	_, derr := fs.Mkdir("/sub")
	require.Nil(t, derr)

	in, derr := fs.Stat("/sub")
	require.Nil(t, derr)
	assert.True(t, in.IsDir())
	assert.Equal(t, uint32(0), in.Size)
	assert.Empty(t, fs.ListDir("/sub"))
}

func TestWriteThenReadAtRoundTrips(t *testing.T) {
	fs := vfs.MountMemory()
	_, derr := fs.Mknod("/f", vinode.TypeRegular)
	require.Nil(t, derr)

	payload := []byte("hello vhdfs")
	n, derr := fs.WriteAt("/f", payload, 0)
	require.Nil(t, derr)
	require.Equal(t, len(payload), n)

	buf := make([]byte, len(payload))
	n, derr = fs.ReadAt("/f", buf, 0)
	require.Nil(t, derr)
	assert.Equal(t, len(payload), n)
	assert.Equal(t, payload, buf)
}

func TestWriteAtComputesSizeFromOriginalOffset(t *testing.T) {
	fs := vfs.MountMemory()
	_, derr := fs.Mknod("/f", vinode.TypeRegular)
	require.Nil(t, derr)

	payload := []byte("xyz")
	n, derr := fs.WriteAt("/f", payload, 100)
	require.Nil(t, derr)
	require.Equal(t, len(payload), n)

	in, derr := fs.Stat("/f")
	require.Nil(t, derr)
	assert.Equal(t, uint32(103), in.Size)
}

func TestOpenReadWriteSeekCloseHandle(t *testing.T) {
	fs := vfs.MountMemory()
	_, derr := fs.Mknod("/f", vinode.TypeRegular)
	require.Nil(t, derr)

	h, derr := fs.Open("/f", vfs.ORead|vfs.OWrite)
	require.Nil(t, derr)

	payload := []byte("abcdefgh")
	n, derr := fs.Write(h, payload)
	require.Nil(t, derr)
	require.Equal(t, len(payload), n)

	off, derr := fs.Seek(h, 0, 0)
	require.Nil(t, derr)
	assert.Equal(t, int64(0), off)

	buf := make([]byte, len(payload))
	n, derr = fs.Read(h, buf)
	require.Nil(t, derr)
	assert.Equal(t, payload, buf[:n])

	require.Nil(t, fs.Close(h))
	_, derr = fs.Read(h, buf)
	assert.NotNil(t, derr)
}

func TestSeekFromEnd(t *testing.T) {
	fs := vfs.MountMemory()
	_, derr := fs.Mknod("/f", vinode.TypeRegular)
	require.Nil(t, derr)

	h, derr := fs.Open("/f", vfs.OWrite)
	require.Nil(t, derr)
	fs.Write(h, []byte("0123456789"))

	off, derr := fs.Seek(h, -4, 2)
	require.Nil(t, derr)
	assert.Equal(t, int64(6), off)
}

func TestLinkRequiresOldToResolve(t *testing.T) {
	fs := vfs.MountMemory()
	derr := fs.Link("/new", "/doesnotexist")
	assert.NotNil(t, derr)
}

func TestLinkIncrementsLinkcntAndBothNamesResolve(t *testing.T) {
	fs := vfs.MountMemory()
	_, derr := fs.Mknod("/f", vinode.TypeRegular)
	require.Nil(t, derr)

	require.Nil(t, fs.Link("/g", "/f"))

	inF, derr := fs.Stat("/f")
	require.Nil(t, derr)
	inG, derr := fs.Stat("/g")
	require.Nil(t, derr)

	assert.Equal(t, inF.Num, inG.Num)
	assert.Equal(t, uint16(2), inF.Linkcnt)
}

func TestMknodThenUnlinkRestoresBitmapAndRemovesName(t *testing.T) {
	fs := vfs.MountMemory()

	before := fs.BitmapPopulation()

	_, derr := fs.Mknod("/f", vinode.TypeRegular)
	require.Nil(t, derr)
	require.Nil(t, fs.Unlink("/f"))

	after := fs.BitmapPopulation()
	assert.Equal(t, before, after)

	_, derr = fs.Stat("/f")
	assert.NotNil(t, derr)
}

func TestLinkThenUnlinkOriginalLeavesOtherNameResolvable(t *testing.T) {
	fs := vfs.MountMemory()
	_, derr := fs.Mknod("/f", vinode.TypeRegular)
	require.Nil(t, derr)
	require.Nil(t, fs.Link("/g", "/f"))

	require.Nil(t, fs.Unlink("/f"))

	in, derr := fs.Stat("/g")
	require.Nil(t, derr)
	assert.Equal(t, uint16(1), in.Linkcnt)

	require.Nil(t, fs.Unlink("/g"))
	_, derr = fs.Stat("/g")
	assert.NotNil(t, derr)
}

func TestUnlinkOfMissingNameFails(t *testing.T) {
	fs := vfs.MountMemory()
	derr := fs.Unlink("/nope")
	assert.NotNil(t, derr)
}
