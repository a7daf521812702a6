// Package indirect implements the recursive indirection engine: given an
// inode and a byte range, it reads or writes the covered data blocks,
// allocating indirect and data blocks on demand during writes, and
// returning zero bytes for unallocated blocks during reads. This is the
// core algorithm of vhdfs; every other component exists to support it.
package indirect

import (
	"encoding/binary"

	"github.com/tessera-fs/vhdfs/blockio"
	"github.com/tessera-fs/vhdfs/freemap"
	"github.com/tessera-fs/vhdfs/superblock"
	"github.com/tessera-fs/vhdfs/vinode"
)

// P is the number of block pointers that fit in one indirect block.
const P = blockio.BlockSize / 4

// Direction distinguishes a read traversal from a write traversal.
type Direction int

const (
	Read Direction = iota
	Write
)

// span returns the number of data-block positions a single pointer at the
// given indirection level covers: P^level.
func span(level int) uint32 {
	s := uint32(1)
	for i := 0; i < level; i++ {
		s *= P
	}
	return s
}

// MaxFileSize is the largest file length, in bytes, addressable through the
// pointer array: (D + I*P + X*P*P) * BlockSize.
func MaxFileSize() int64 {
	blocks := int64(vinode.NDirect) +
		int64(vinode.NIndirect)*int64(P) +
		int64(vinode.NDIndir)*int64(P)*int64(P)
	return blocks * blockio.BlockSize
}

// rwState is the mutable cursor threaded through every level of the
// recursion, matching the teacher's idiom of passing an explicit state
// record by reference rather than returning deeply nested tuples.
type rwState struct {
	buf    []byte
	off    int64
	left   int
	sblock uint32
	eblock uint32
	dir    Direction
}

// ReadWrite is the entry point described in spec: it normalizes the
// request, walks the inode's top-level pointer slots in order, and returns
// the number of bytes actually consumed. It does not update inode.Size or
// run the integrity check; the caller (vfs) owns that, since it alone
// knows the original, pre-traversal offset (needed to compute the new size
// independently of the traversal's own advancing offset, per the spec's
// resolution of that ambiguity).
func ReadWrite(
	fs *superblock.FS,
	bm *freemap.Bitmap,
	inode *vinode.Inode,
	buf []byte,
	sz int,
	off int64,
	dir Direction,
) int {
	if dir == Read {
		size := int64(inode.Size)
		if off >= size {
			return 0
		}
		if off+int64(sz) > size {
			sz = int(size - off)
		}
	}
	if sz <= 0 {
		return 0
	}

	st := &rwState{
		buf:    buf,
		off:    off,
		left:   sz,
		sblock: uint32(off / blockio.BlockSize),
		eblock: uint32((off + int64(sz) - 1) / blockio.BlockSize),
		dir:    dir,
	}

	boff := uint32(0)
	for slot := 0; slot < vinode.NPointers; slot++ {
		level := vinode.Ilevel(slot)
		stop := walk(fs, bm, &inode.Pointers[slot], level, &boff, st)
		if stop || st.left == 0 {
			break
		}
	}

	return sz - st.left
}

// walk processes one pointer slot at the given indirection level, advancing
// st and *boff as it goes. It returns true if a write ran out of free
// blocks; the caller must stop iterating sibling slots in that case.
func walk(fs *superblock.FS, bm *freemap.Bitmap, ptr *uint32, level int, boff *uint32, st *rwState) bool {
	sp := span(level)
	coverStart := *boff
	coverEnd := *boff + sp

	if coverEnd <= st.sblock || coverStart > st.eblock {
		*boff += sp
		st.off += int64(sp) * blockio.BlockSize
		return false
	}

	if level == 0 {
		return walkData(fs, bm, ptr, boff, st)
	}
	return walkIndirect(fs, bm, ptr, level, boff, st)
}

func walkData(fs *superblock.FS, bm *freemap.Bitmap, ptr *uint32, boff *uint32, st *rwState) bool {
	start := int(st.off % blockio.BlockSize)
	chunk := st.left
	if chunk > blockio.BlockSize-start {
		chunk = blockio.BlockSize - start
	}

	if *ptr == vinode.Null {
		if st.dir == Read {
			for i := 0; i < chunk; i++ {
				st.buf[i] = 0
			}
		} else {
			newBlock, ok := bm.Alloc()
			if !ok {
				return true
			}
			*ptr = newBlock
			buf := make([]byte, blockio.BlockSize)
			fs.Device.ReadBlock(*ptr, buf)
			copy(buf[start:start+chunk], st.buf[:chunk])
			fs.Device.WriteBlock(*ptr, buf)
		}
	} else {
		buf := make([]byte, blockio.BlockSize)
		fs.Device.ReadBlock(*ptr, buf)
		if st.dir == Read {
			copy(st.buf[:chunk], buf[start:start+chunk])
		} else {
			copy(buf[start:start+chunk], st.buf[:chunk])
			fs.Device.WriteBlock(*ptr, buf)
		}
	}

	st.buf = st.buf[chunk:]
	st.off += int64(chunk)
	st.left -= chunk
	*boff++
	return false
}

func walkIndirect(fs *superblock.FS, bm *freemap.Bitmap, ptr *uint32, level int, boff *uint32, st *rwState) bool {
	var ptrs [P]uint32
	allocated := false

	if *ptr == vinode.Null {
		if st.dir == Read {
			// A null indirect pointer means every block it would reach is
			// sparse. Recurse through a synthesized all-zero block rather
			// than special-casing a flat span fill: this reaches exactly
			// the same result (zero bytes for the overlapped region,
			// correctly handling offsets that aren't aligned to the span)
			// through the same skip/zero-fill logic the rest of the engine
			// already has, with no extra disk I/O for children outside the
			// request window.
		} else {
			newBlock, ok := bm.Alloc()
			if !ok {
				return true
			}
			*ptr = newBlock
			zero := make([]byte, blockio.BlockSize)
			fs.Device.WriteBlock(newBlock, zero)
			allocated = true
		}
	} else {
		buf := make([]byte, blockio.BlockSize)
		fs.Device.ReadBlock(*ptr, buf)
		decodePointers(buf, &ptrs)
	}

	childLevel := level - 1
	failed := false
	for i := 0; i < P; i++ {
		stop := walk(fs, bm, &ptrs[i], childLevel, boff, st)
		if stop {
			failed = true
			break
		}
		if st.left == 0 {
			break
		}
	}

	// Write the indirect block back whenever it was freshly allocated or
	// already existed on a write traversal, whether or not a child failed:
	// this keeps already-allocated children reachable even on partial
	// failure. A null pointer on a read traversal never touched disk and
	// has nothing to flush.
	if *ptr != vinode.Null && (st.dir == Write || allocated) {
		buf := make([]byte, blockio.BlockSize)
		encodePointers(&ptrs, buf)
		fs.Device.WriteBlock(*ptr, buf)
	}

	return failed
}

// Free releases block ptr, which sits at the given indirection level,
// together with every block it transitively references. For an indirect
// block the read happens before the free, so the read is always against a
// still-valid bitmap bit.
func Free(fs *superblock.FS, bm *freemap.Bitmap, ptr uint32, level int) {
	if level == 0 {
		bm.Free(ptr)
		return
	}

	buf := make([]byte, blockio.BlockSize)
	fs.Device.ReadBlock(ptr, buf)
	var ptrs [P]uint32
	decodePointers(buf, &ptrs)

	bm.Free(ptr)

	for _, child := range ptrs {
		if child != vinode.Null {
			Free(fs, bm, child, level-1)
		}
	}
}

// CountReachable returns the number of blocks reachable from pointer ptr at
// the given level, including ptr itself and every intermediate indirect
// block. Used by the integrity checker.
func CountReachable(fs *superblock.FS, ptr uint32, level int) int {
	if ptr == vinode.Null {
		return 0
	}
	if level == 0 {
		return 1
	}

	buf := make([]byte, blockio.BlockSize)
	fs.Device.ReadBlock(ptr, buf)
	var ptrs [P]uint32
	decodePointers(buf, &ptrs)

	count := 1
	for _, child := range ptrs {
		count += CountReachable(fs, child, level-1)
	}
	return count
}

func decodePointers(buf []byte, out *[P]uint32) {
	for i := 0; i < P; i++ {
		out[i] = binary.LittleEndian.Uint32(buf[i*4 : i*4+4])
	}
}

func encodePointers(in *[P]uint32, buf []byte) {
	for i := 0; i < P; i++ {
		binary.LittleEndian.PutUint32(buf[i*4:i*4+4], in[i])
	}
}
