// Package superblock formats a fresh backing store, recognizes an already
// formatted one by its magic number, and caches the disk layout parameters
// in memory for the rest of vhdfs to consult.
package superblock

import (
	"encoding/binary"

	"github.com/noxer/bytewriter"

	"github.com/tessera-fs/vhdfs/blockio"
)

// Fixed disk parameters, bit-exact per the disk image format.
const (
	NTotalBlocks    = 1024
	NReservedBlocks = 64
	NLogBlocks      = 30
	NInodes         = 200
	InodeSize       = 64 // bytes per on-disk inode record
	InodesPerBlock  = blockio.BlockSize / InodeSize

	Magic = 0xDEADBEEF

	// SuperblockIndex is the block holding the Superblock record, immediately
	// after the reserved region.
	SuperblockIndex = NReservedBlocks
)

// NInodeBlocks is ceil(NInodes*InodeSize / BlockSize).
func NInodeBlocks() uint32 {
	total := NInodes * InodeSize
	blocks := total / blockio.BlockSize
	if total%blockio.BlockSize != 0 {
		blocks++
	}
	return uint32(blocks)
}

// Superblock is the immutable (post-format) header describing the disk
// layout. Field order matches the disk image format exactly: all fields are
// little-endian uint32.
type Superblock struct {
	NInodes      uint32
	NBlockTot    uint32
	NBlockRes    uint32
	NBlockLog    uint32
	NBlockDat    uint32
	NBlockInode  uint32
	SLog         uint32
	SInode       uint32
	SBitmap      uint32
	SData        uint32
	Magic        uint32
}

// fieldCount*4 bytes, rounded up to a whole block when written.
const fieldCount = 11

// FS ties a Superblock to the device it describes. Every other package in
// vhdfs is handed one of these rather than re-deriving layout constants.
type FS struct {
	Super  Superblock
	Device *blockio.Device
}

// Init opens the backing store at path, recognizes a formatted disk by
// magic, or formats a fresh one. Re-initializing an already-formatted disk
// is a no-op beyond reading the cached superblock back (idempotent).
func Init(path string) (*FS, error) {
	dev, err := blockio.Open(path, NTotalBlocks)
	if err != nil {
		return nil, err
	}

	fs := &FS{Device: dev}

	buf := make([]byte, blockio.BlockSize)
	dev.ReadBlock(SuperblockIndex, buf)
	super := decode(buf)

	if super.Magic == Magic {
		fs.Super = super
		return fs, nil
	}

	fs.format()
	return fs, nil
}

// InitMemory is Init's in-memory counterpart, used by tests: it always
// formats a fresh Device of exactly NTotalBlocks blocks.
func InitMemory() *FS {
	fs := &FS{Device: blockio.NewMemory(NTotalBlocks)}
	fs.format()
	return fs
}

// format zeroes every block, derives the layout, and writes the superblock.
// Reservation of inode 0 (NULL) and inode 1 (root) is performed by the
// vfs package once the superblock and bitmap exist, since it requires the
// inode table and bitmap allocator, which live above this package.
func (fs *FS) format() {
	fs.Device.ZeroAll()

	nInodeBlocks := NInodeBlocks()

	// Layout, in region order: reserved | superblock(1) | log | inode table | bitmap(1) | data
	sLog := SuperblockIndex + 1
	sInode := sLog + NLogBlocks
	sBitmap := sInode + nInodeBlocks
	sData := sBitmap + 1
	nDataBlocks := NTotalBlocks - sData

	super := Superblock{
		NInodes:     NInodes,
		NBlockTot:   NTotalBlocks,
		NBlockRes:   NReservedBlocks,
		NBlockLog:   NLogBlocks,
		NBlockDat:   nDataBlocks,
		NBlockInode: nInodeBlocks,
		SLog:        sLog,
		SInode:      sInode,
		SBitmap:     sBitmap,
		SData:       sData,
		Magic:       Magic,
	}

	fs.Super = super
	fs.writeSuperblock()
}

func (fs *FS) writeSuperblock() {
	buf := make([]byte, blockio.BlockSize)
	w := bytewriter.New(buf)
	fields := []uint32{
		fs.Super.NInodes,
		fs.Super.NBlockTot,
		fs.Super.NBlockRes,
		fs.Super.NBlockLog,
		fs.Super.NBlockDat,
		fs.Super.NBlockInode,
		fs.Super.SLog,
		fs.Super.SInode,
		fs.Super.SBitmap,
		fs.Super.SData,
		fs.Super.Magic,
	}
	for _, v := range fields {
		binary.Write(w, binary.LittleEndian, v)
	}
	fs.Device.WriteBlock(SuperblockIndex, buf)
}

func decode(buf []byte) Superblock {
	get := func(i int) uint32 {
		return binary.LittleEndian.Uint32(buf[i*4 : i*4+4])
	}
	return Superblock{
		NInodes:     get(0),
		NBlockTot:   get(1),
		NBlockRes:   get(2),
		NBlockLog:   get(3),
		NBlockDat:   get(4),
		NBlockInode: get(5),
		SLog:        get(6),
		SInode:      get(7),
		SBitmap:     get(8),
		SData:       get(9),
		Magic:       get(10),
	}
}
