// Package vinode implements the inode table: load/store a single inode,
// allocate a free inode, and free an inode together with every block it
// references.
package vinode

import (
	"encoding/binary"

	"github.com/tessera-fs/vhdfs/blockio"
	"github.com/tessera-fs/vhdfs/errno"
	"github.com/tessera-fs/vhdfs/superblock"
)

// Inode type tags.
const (
	TypeUnused  = 0
	TypeRegular = 1
	TypeDir     = 2
	TypeDevice  = 3
)

// Pointer array layout: D direct, I singly-indirect, X doubly-indirect.
const (
	NDirect   = 10
	NIndirect = 2
	NDIndir   = 1
	NPointers = NDirect + NIndirect + NDIndir // 13

	// Null is the sentinel pointer value meaning "not allocated". The data
	// region never starts at block 0, so 0 is safe to use as a sentinel.
	Null uint32 = 0
)

// Inode number 0 is reserved as NULL; inode number 1 is the root directory.
const (
	NullInum = 0
	RootInum = 1
)

// Inode is the in-memory view of an on-disk inode record, tagged with the
// inode number it was loaded from (not itself persisted).
type Inode struct {
	Num      uint32
	Type     uint16
	Major    uint16
	Minor    uint16
	Linkcnt  uint16
	Size     uint32
	Pointers [NPointers]uint32
}

func (in *Inode) IsDir() bool    { return in.Type == TypeDir }
func (in *Inode) IsRegular() bool { return in.Type == TypeRegular }
func (in *Inode) IsFree() bool   { return in.Type == TypeUnused }

// Ilevel returns the indirection level of pointer slot index i: 0 for
// direct, 1 for singly-indirect, 2 for doubly-indirect.
func Ilevel(slot int) int {
	switch {
	case slot < NDirect:
		return 0
	case slot < NDirect+NIndirect:
		return 1
	default:
		return 2
	}
}

// Table is the inode table: a fixed-size run of blocks, each holding
// InodesPerBlock 64-byte records.
type Table struct {
	fs *superblock.FS
}

func New(fs *superblock.FS) *Table {
	return &Table{fs: fs}
}

func (t *Table) blockAndOffset(n uint32) (block uint32, offset int) {
	block = t.fs.Super.SInode + n/superblock.InodesPerBlock
	offset = int(n%superblock.InodesPerBlock) * superblock.InodeSize
	return
}

// Read loads inode n. It panics if n is out of range: an out-of-range inode
// number reaching this layer is a bug in a caller that should have been
// caught by the path resolver or file-level layer.
func (t *Table) Read(n uint32) Inode {
	if n >= t.fs.Super.NInodes {
		panic("vinode: inode number out of range")
	}

	block, offset := t.blockAndOffset(n)
	buf := make([]byte, blockio.BlockSize)
	t.fs.Device.ReadBlock(block, buf)
	return decode(n, buf[offset:offset+superblock.InodeSize])
}

// Write stores inode in back to its slot.
func (t *Table) Write(in Inode) {
	if in.Num >= t.fs.Super.NInodes {
		panic("vinode: inode number out of range")
	}

	block, offset := t.blockAndOffset(in.Num)
	buf := make([]byte, blockio.BlockSize)
	t.fs.Device.ReadBlock(block, buf)
	encode(in, buf[offset:offset+superblock.InodeSize])
	t.fs.Device.WriteBlock(block, buf)
}

// Alloc scans every inode in order and returns the first with type
// TypeUnused, reinitialized with the given type and a link count of 1.
func (t *Table) Alloc(typ uint16) (Inode, *errno.DriverError) {
	if typ != TypeRegular && typ != TypeDir && typ != TypeDevice {
		return Inode{}, errno.InvalidArgument("bad inode type")
	}

	// Inode 0 is permanently reserved as NULL and is never handed out.
	for n := uint32(1); n < t.fs.Super.NInodes; n++ {
		in := t.Read(n)
		if in.IsFree() {
			in = Inode{Num: n, Type: typ, Linkcnt: 1}
			t.Write(in)
			return in, nil
		}
	}
	return Inode{}, errno.NoSpace("no free inode")
}

// FreeBlocksFunc is invoked by Free for every non-zero top-level pointer
// slot, with the slot's indirection level, so the caller (vfs, which
// depends on both vinode and indirect) can release every block the inode
// references before the inode itself is cleared. This indirection avoids an
// import cycle between vinode and indirect, which itself needs to read
// inodes during the write path.
type FreeBlocksFunc func(pointer uint32, level int)

// Free releases every block referenced by inode n via free, then clears the
// inode record. Releasing every block before clearing the inode keeps the
// bitmap consistent once Free completes; nothing is guaranteed if the
// process is interrupted between the two steps (crash consistency is a
// non-goal).
func (t *Table) Free(n uint32, free FreeBlocksFunc) {
	in := t.Read(n)
	for slot, ptr := range in.Pointers {
		if ptr != Null {
			free(ptr, Ilevel(slot))
		}
	}
	in.Type = TypeUnused
	in.Linkcnt = 0
	in.Size = 0
	in.Pointers = [NPointers]uint32{}
	t.Write(in)
}

func decode(n uint32, buf []byte) Inode {
	in := Inode{Num: n}
	in.Type = binary.LittleEndian.Uint16(buf[0:2])
	in.Major = binary.LittleEndian.Uint16(buf[2:4])
	in.Minor = binary.LittleEndian.Uint16(buf[4:6])
	in.Linkcnt = binary.LittleEndian.Uint16(buf[6:8])
	in.Size = binary.LittleEndian.Uint32(buf[8:12])
	for i := 0; i < NPointers; i++ {
		off := 12 + i*4
		in.Pointers[i] = binary.LittleEndian.Uint32(buf[off : off+4])
	}
	return in
}

func encode(in Inode, buf []byte) {
	binary.LittleEndian.PutUint16(buf[0:2], in.Type)
	binary.LittleEndian.PutUint16(buf[2:4], in.Major)
	binary.LittleEndian.PutUint16(buf[4:6], in.Minor)
	binary.LittleEndian.PutUint16(buf[6:8], in.Linkcnt)
	binary.LittleEndian.PutUint32(buf[8:12], in.Size)
	for i := 0; i < NPointers; i++ {
		off := 12 + i*4
		binary.LittleEndian.PutUint32(buf[off:off+4], in.Pointers[i])
	}
}
