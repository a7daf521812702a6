// Package freemap implements the single-block free-data-block bitmap: a
// first-fit allocator over the data region, with no caching above the raw
// block I/O layer.
package freemap

import (
	"fmt"

	"github.com/boljen/go-bitmap"

	"github.com/tessera-fs/vhdfs/blockio"
	"github.com/tessera-fs/vhdfs/superblock"
)

// Bitmap reads and writes the single on-disk bitmap block on every
// operation. Bit i corresponds to data block SData+i; 1 means allocated.
type Bitmap struct {
	fs *superblock.FS
}

func New(fs *superblock.FS) *Bitmap {
	return &Bitmap{fs: fs}
}

func (b *Bitmap) load() bitmap.Bitmap {
	buf := make([]byte, blockio.BlockSize)
	b.fs.Device.ReadBlock(b.fs.Super.SBitmap, buf)
	return bitmap.Bitmap(buf)
}

func (b *Bitmap) store(bm bitmap.Bitmap) {
	b.fs.Device.WriteBlock(b.fs.Super.SBitmap, []byte(bm))
}

// Alloc finds the first free data block, marks it allocated, and returns its
// absolute block number. Returns ok=false if the data region is full.
func (b *Bitmap) Alloc() (block uint32, ok bool) {
	bm := b.load()
	nData := int(b.fs.Super.NBlockDat)

	for i := 0; i < nData; i++ {
		if !bm.Get(i) {
			bm.Set(i, true)
			b.store(bm)
			return b.fs.Super.SData + uint32(i), true
		}
	}
	return 0, false
}

// Free clears the bit for block n. It panics on a double-free or a block
// number outside the data region: spec.md classifies both as invariant
// violations, not runtime conditions.
func (b *Bitmap) Free(n uint32) {
	if n < b.fs.Super.SData || n >= b.fs.Super.SData+b.fs.Super.NBlockDat {
		panic(fmt.Sprintf("freemap: block %d is outside the data region", n))
	}

	idx := int(n - b.fs.Super.SData)
	bm := b.load()
	if !bm.Get(idx) {
		panic(fmt.Sprintf("freemap: double free of block %d", n))
	}
	bm.Set(idx, false)
	b.store(bm)
}

// Population returns the number of set bits restricted to the data-block
// count, used by the integrity checker.
func (b *Bitmap) Population() int {
	bm := b.load()
	count := 0
	for i := 0; i < int(b.fs.Super.NBlockDat); i++ {
		if bm.Get(i) {
			count++
		}
	}
	return count
}
