// Package blockio implements the raw positioned block transfers that every
// other layer of vhdfs is built on. It performs no caching and no
// interpretation of block contents; it is the leaf of the dependency graph.
package blockio

import (
	"fmt"
	"io"
	"os"

	"github.com/xaionaro-go/bytesextra"
)

// BlockSize is the fixed block size of the backing store, in bytes, per the
// disk image format.
const BlockSize = 512

// Device is a fixed-block-size view over a backing io.ReadWriteSeeker. The
// backing store is assumed to already be sized to TotalBlocks*BlockSize
// bytes; a short read or write against it is a bug, not a runtime
// condition, and panics.
type Device struct {
	TotalBlocks uint32
	stream      io.ReadWriteSeeker
}

// Open opens the file at path for read-write access and wraps it as a
// Device. The file must already exist and be at least minBlocks blocks
// long.
func Open(path string, minBlocks uint32) (*Device, error) {
	f, err := os.OpenFile(path, os.O_RDWR, 0)
	if err != nil {
		return nil, fmt.Errorf("open backing store: %w", err)
	}

	info, err := f.Stat()
	if err != nil {
		f.Close()
		return nil, fmt.Errorf("stat backing store: %w", err)
	}

	total := uint32(info.Size() / BlockSize)
	if total < minBlocks {
		f.Close()
		return nil, fmt.Errorf(
			"backing store %s is %d blocks, need at least %d", path, total, minBlocks)
	}

	return &Device{TotalBlocks: total, stream: f}, nil
}

// NewMemory creates an in-memory Device of exactly totalBlocks blocks, all
// zeroed. Used by tests that want a scratch disk rather than a real file.
func NewMemory(totalBlocks uint32) *Device {
	buf := make([]byte, int(totalBlocks)*BlockSize)
	return &Device{
		TotalBlocks: totalBlocks,
		stream:      bytesextra.NewReadWriteSeeker(buf),
	}
}

// Close releases the backing store, if it supports closing.
func (d *Device) Close() error {
	if closer, ok := d.stream.(io.Closer); ok {
		return closer.Close()
	}
	return nil
}

func (d *Device) checkBounds(n uint32) {
	if n >= d.TotalBlocks {
		panic(fmt.Sprintf("block %d out of range [0, %d)", n, d.TotalBlocks))
	}
}

// ReadBlock reads exactly BlockSize bytes from block n into buf, which must
// be at least BlockSize bytes long.
func (d *Device) ReadBlock(n uint32, buf []byte) {
	d.checkBounds(n)
	if len(buf) < BlockSize {
		panic("ReadBlock: buffer smaller than one block")
	}

	_, err := d.stream.Seek(int64(n)*BlockSize, io.SeekStart)
	if err != nil {
		panic(fmt.Sprintf("ReadBlock(%d): seek failed: %s", n, err))
	}

	read, err := io.ReadFull(d.stream, buf[:BlockSize])
	if err != nil || read != BlockSize {
		panic(fmt.Sprintf("ReadBlock(%d): short read (%d/%d bytes): %v", n, read, BlockSize, err))
	}
}

// WriteBlock writes exactly BlockSize bytes of buf to block n.
func (d *Device) WriteBlock(n uint32, buf []byte) {
	d.checkBounds(n)
	if len(buf) < BlockSize {
		panic("WriteBlock: buffer smaller than one block")
	}

	_, err := d.stream.Seek(int64(n)*BlockSize, io.SeekStart)
	if err != nil {
		panic(fmt.Sprintf("WriteBlock(%d): seek failed: %s", n, err))
	}

	written, err := d.stream.Write(buf[:BlockSize])
	if err != nil || written != BlockSize {
		panic(fmt.Sprintf("WriteBlock(%d): short write (%d/%d bytes): %v", n, written, BlockSize, err))
	}
}

// ZeroAll overwrites every block on the device with zero bytes. Used by
// superblock.Format.
func (d *Device) ZeroAll() {
	zero := make([]byte, BlockSize)
	for i := uint32(0); i < d.TotalBlocks; i++ {
		d.WriteBlock(i, zero)
	}
}
