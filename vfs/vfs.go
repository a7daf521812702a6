// Package vfs is the file-level layer: open/close/read/write/seek/stat/
// link/unlink against a process-wide open-file table, and mknod/unlink/link
// against the directory-entry layer, all behind a single coarse lock. It
// ties together every leaf package (superblock, freemap, vinode, indirect,
// pathresolver, integrity) into one FileSystem handle.
package vfs

import (
	"strings"
	"sync"

	"github.com/tessera-fs/vhdfs/errno"
	"github.com/tessera-fs/vhdfs/freemap"
	"github.com/tessera-fs/vhdfs/indirect"
	"github.com/tessera-fs/vhdfs/integrity"
	"github.com/tessera-fs/vhdfs/pathresolver"
	"github.com/tessera-fs/vhdfs/superblock"
	"github.com/tessera-fs/vhdfs/vinode"
)

// Access modes for Open.
const (
	ORead  = 1 << 0
	OWrite = 1 << 1
)

// openFile is one entry of the process-wide open-file table.
type openFile struct {
	inum     uint32
	offset   int64
	mode     int
	refcount int
}

// FileSystem is a mounted vhdfs image. The zero value is not usable; build
// one with Mount or MountMemory. Every exported method locks the same mutex on
// entry, per the single-coarse-lock discipline spec.md requires: there is
// no finer-grained locking anywhere in this package.
type FileSystem struct {
	mu    sync.Mutex
	super *superblock.FS
	bm    *freemap.Bitmap
	tbl   *vinode.Table

	openFiles  map[int]*openFile
	nextHandle int
}

// Mount opens the backing store at path, formatting it if it isn't already
// a valid vhdfs image, and returns a ready-to-use FileSystem.
func Mount(path string) (*FileSystem, error) {
	super, err := superblock.Init(path)
	if err != nil {
		return nil, err
	}
	return newFileSystem(super), nil
}

// MountMemory creates a fresh, always-formatted in-memory FileSystem, used
// by tests.
func MountMemory() *FileSystem {
	return newFileSystem(superblock.InitMemory())
}

func newFileSystem(super *superblock.FS) *FileSystem {
	fs := &FileSystem{
		super:     super,
		bm:        freemap.New(super),
		tbl:       vinode.New(super),
		openFiles: make(map[int]*openFile),
	}
	fs.ensureReservedInodes()
	return fs
}

// ensureReservedInodes sets up inode 1 (root directory) the first time a
// freshly formatted disk is mounted. Inode 0 (NULL) is left untouched on
// disk; it stays unusable because vinode.Table.Alloc never hands it out. It
// is idempotent: if inode 1 is already a directory, it does
// nothing, matching spec.md's requirement that re-initializing a formatted
// store does not reformat.
func (fs *FileSystem) ensureReservedInodes() {
	root := fs.tbl.Read(vinode.RootInum)
	if root.IsDir() {
		return
	}

	// The root directory starts completely empty: no "." or ".." entries.
	// spec.md's data model has no notion of dot entries, and its fresh-
	// format scenario requires inode 1 to have size 0 and the bitmap to
	// have zero bits set immediately after init, which an eagerly-written
	// directory entry would violate.
	root.Type = vinode.TypeDir
	root.Linkcnt = 1
	root.Size = 0
	root.Pointers = [vinode.NPointers]uint32{}
	fs.tbl.Write(root)
}

func (fs *FileSystem) runIntegrityCheck() {
	if err := integrity.Check(fs.super, fs.bm, fs.tbl); err != nil {
		panic("vhdfs: integrity check failed: " + err.Error())
	}
}

// BitmapPopulation reports the number of data blocks currently allocated.
// Exposed for tests exercising the "create then remove restores the bitmap"
// class of invariant from spec §8; nothing in the CLI surface needs it.
func (fs *FileSystem) BitmapPopulation() int {
	fs.mu.Lock()
	defer fs.mu.Unlock()
	return fs.bm.Population()
}

// Stat returns the file metadata for the object at path.
func (fs *FileSystem) Stat(path string) (vinode.Inode, *errno.DriverError) {
	fs.mu.Lock()
	defer fs.mu.Unlock()

	inum, derr := pathresolver.Lookup(fs.super, fs.bm, fs.tbl, path)
	if derr != nil {
		return vinode.Inode{}, derr
	}
	return fs.tbl.Read(inum), nil
}

// Mknod creates a new, empty object of the given type at path, which must
// not already exist, and whose parent directory must exist.
func (fs *FileSystem) Mknod(path string, typ uint16) (uint32, *errno.DriverError) {
	fs.mu.Lock()
	defer fs.mu.Unlock()
	return fs.mknodLocked(path, typ)
}

func (fs *FileSystem) mknodLocked(path string, typ uint16) (uint32, *errno.DriverError) {
	parentPath, name, derr := splitPath(path)
	if derr != nil {
		return 0, derr
	}

	parentInum, derr := pathresolver.Lookup(fs.super, fs.bm, fs.tbl, parentPath)
	if derr != nil {
		return 0, derr
	}

	parent := fs.tbl.Read(parentInum)
	if !parent.IsDir() {
		return 0, errno.NotADirectory("parent is not a directory: " + parentPath)
	}
	if len(name) == 0 || len(name) > pathresolver.NameSize {
		return 0, errno.NameTooLong("name must be 1-14 bytes: " + name)
	}
	if _, found := findChild(fs, &parent, name); found {
		return 0, errno.Exists("already exists: " + path)
	}

	newInode, derr := fs.tbl.Alloc(typ)
	if derr != nil {
		return 0, derr
	}

	fs.appendDirent(&parent, newInode.Num, name)
	fs.tbl.Write(parent)
	fs.runIntegrityCheck()

	return newInode.Num, nil
}

// Mkdir is Mknod specialized to directories. It creates an empty directory
// with no entries; spec.md's data model has no notion of "." or ".."
// records, so path resolution never relies on them.
func (fs *FileSystem) Mkdir(path string) (uint32, *errno.DriverError) {
	fs.mu.Lock()
	defer fs.mu.Unlock()
	return fs.mknodLocked(path, vinode.TypeDir)
}

// appendDirent writes one directory record at the end of dir's content via
// the indirection engine, the same path regular file writes take: a
// directory's bytes are just another file's bytes.
func (fs *FileSystem) appendDirent(dir *vinode.Inode, inum uint32, name string) {
	record := pathresolver.EncodeDirent(inum, name)
	consumed := indirect.ReadWrite(fs.super, fs.bm, dir, record, len(record), int64(dir.Size), indirect.Write)
	dir.Size += uint32(consumed)
}

// ListDir returns the names of every live entry in the directory at path,
// in on-disk order, or nil if path doesn't resolve to a directory.
func (fs *FileSystem) ListDir(path string) []string {
	fs.mu.Lock()
	defer fs.mu.Unlock()

	inum, derr := pathresolver.Lookup(fs.super, fs.bm, fs.tbl, path)
	if derr != nil {
		return nil
	}
	dir := fs.tbl.Read(inum)
	if !dir.IsDir() {
		return nil
	}

	var names []string
	for _, d := range pathresolver.ListDirectory(fs.super, fs.bm, &dir) {
		names = append(names, d.Name)
	}
	return names
}

func findChild(fs *FileSystem, dir *vinode.Inode, name string) (uint32, bool) {
	for _, d := range pathresolver.ListDirectory(fs.super, fs.bm, dir) {
		if d.Name == name {
			return d.Inum, true
		}
	}
	return 0, false
}

// Open resolves path and returns a small-integer handle for subsequent
// Read/Write/Seek/Close calls.
func (fs *FileSystem) Open(path string, mode int) (int, *errno.DriverError) {
	fs.mu.Lock()
	defer fs.mu.Unlock()

	inum, derr := pathresolver.Lookup(fs.super, fs.bm, fs.tbl, path)
	if derr != nil {
		return -1, derr
	}

	handle := fs.nextHandle
	fs.nextHandle++
	fs.openFiles[handle] = &openFile{inum: inum, mode: mode, refcount: 1}
	return handle, nil
}

func (fs *FileSystem) mustHandle(handle int) (*openFile, *errno.DriverError) {
	of, ok := fs.openFiles[handle]
	if !ok {
		return nil, errno.BadFileDescriptor("no such open file handle")
	}
	return of, nil
}

// Close decrements the handle's reference count, removing it from the open
// table once it reaches zero.
func (fs *FileSystem) Close(handle int) *errno.DriverError {
	fs.mu.Lock()
	defer fs.mu.Unlock()

	of, derr := fs.mustHandle(handle)
	if derr != nil {
		return derr
	}
	of.refcount--
	if of.refcount <= 0 {
		delete(fs.openFiles, handle)
	}
	return nil
}

// Seek repositions the handle's cursor, UNIX-lseek style (whence 0=start,
// 1=current, 2=end).
func (fs *FileSystem) Seek(handle int, offset int64, whence int) (int64, *errno.DriverError) {
	fs.mu.Lock()
	defer fs.mu.Unlock()

	of, derr := fs.mustHandle(handle)
	if derr != nil {
		return 0, derr
	}

	switch whence {
	case 0:
		of.offset = offset
	case 1:
		of.offset += offset
	case 2:
		in := fs.tbl.Read(of.inum)
		of.offset = int64(in.Size) + offset
	default:
		return 0, errno.InvalidArgument("bad whence value")
	}
	return of.offset, nil
}

// Read reads up to len(buf) bytes from handle's current offset, advancing
// it by the number of bytes actually read.
func (fs *FileSystem) Read(handle int, buf []byte) (int, *errno.DriverError) {
	fs.mu.Lock()
	defer fs.mu.Unlock()

	of, derr := fs.mustHandle(handle)
	if derr != nil {
		return 0, derr
	}

	in := fs.tbl.Read(of.inum)
	n := indirect.ReadWrite(fs.super, fs.bm, &in, buf, len(buf), of.offset, indirect.Read)
	of.offset += int64(n)
	return n, nil
}

// Write writes len(buf) bytes to handle's current offset, advancing it by
// the number of bytes actually consumed (which may be less than len(buf) if
// the device ran out of free blocks mid-write).
func (fs *FileSystem) Write(handle int, buf []byte) (int, *errno.DriverError) {
	fs.mu.Lock()
	defer fs.mu.Unlock()

	of, derr := fs.mustHandle(handle)
	if derr != nil {
		return 0, derr
	}

	n := fs.writeAt(of.inum, buf, of.offset)
	of.offset += int64(n)
	return n, nil
}

// WriteAt and ReadAt write/read at an explicit path and offset without
// going through the open-file table, matching the `write <path> <off> <sz>
// <bytes>` / `read <path> <off> <sz>` CLI commands, which operate directly
// on a path rather than an open handle.
func (fs *FileSystem) WriteAt(path string, buf []byte, off int64) (int, *errno.DriverError) {
	fs.mu.Lock()
	defer fs.mu.Unlock()

	inum, derr := pathresolver.Lookup(fs.super, fs.bm, fs.tbl, path)
	if derr != nil {
		return 0, derr
	}
	return fs.writeAt(inum, buf, off), nil
}

func (fs *FileSystem) writeAt(inum uint32, buf []byte, off int64) int {
	in := fs.tbl.Read(inum)
	consumed := indirect.ReadWrite(fs.super, fs.bm, &in, buf, len(buf), off, indirect.Write)

	// The highest written byte is computed independently of the
	// traversal's own advancing offset, which is also bumped while
	// skipping unrelated coverage spans: per spec.md's resolution of this
	// ambiguity, size must be derived from the original offset plus
	// consumed, not from whatever the cursor ended up at.
	newSize := uint32(off + int64(consumed))
	if newSize > in.Size {
		in.Size = newSize
	}
	fs.tbl.Write(in)
	fs.runIntegrityCheck()
	return consumed
}

func (fs *FileSystem) ReadAt(path string, buf []byte, off int64) (int, *errno.DriverError) {
	fs.mu.Lock()
	defer fs.mu.Unlock()

	inum, derr := pathresolver.Lookup(fs.super, fs.bm, fs.tbl, path)
	if derr != nil {
		return 0, derr
	}

	in := fs.tbl.Read(inum)
	n := indirect.ReadWrite(fs.super, fs.bm, &in, buf, len(buf), off, indirect.Read)
	return n, nil
}

// Link creates a new directory entry newPath pointing at the inode oldPath
// resolves to, incrementing its link count. oldPath must resolve; newPath
// must not already exist. (The original source's equivalent check had this
// condition inverted; spec.md's intended behavior, which this follows, is
// that `old` must resolve.)
func (fs *FileSystem) Link(newPath, oldPath string) *errno.DriverError {
	fs.mu.Lock()
	defer fs.mu.Unlock()

	oldInum, derr := pathresolver.Lookup(fs.super, fs.bm, fs.tbl, oldPath)
	if derr != nil {
		return derr
	}

	parentPath, name, derr := splitPath(newPath)
	if derr != nil {
		return derr
	}
	parentInum, derr := pathresolver.Lookup(fs.super, fs.bm, fs.tbl, parentPath)
	if derr != nil {
		return derr
	}

	parent := fs.tbl.Read(parentInum)
	if !parent.IsDir() {
		return errno.NotADirectory("parent is not a directory: " + parentPath)
	}
	if _, found := findChild(fs, &parent, name); found {
		return errno.Exists("already exists: " + newPath)
	}

	fs.appendDirent(&parent, oldInum, name)
	fs.tbl.Write(parent)

	target := fs.tbl.Read(oldInum)
	target.Linkcnt++
	fs.tbl.Write(target)

	fs.runIntegrityCheck()
	return nil
}

// Unlink zeroes the directory entry matching path and decrements the
// target inode's link count; at zero, the inode and every block it
// references are freed.
func (fs *FileSystem) Unlink(path string) *errno.DriverError {
	fs.mu.Lock()
	defer fs.mu.Unlock()

	parentPath, name, derr := splitPath(path)
	if derr != nil {
		return derr
	}
	parentInum, derr := pathresolver.Lookup(fs.super, fs.bm, fs.tbl, parentPath)
	if derr != nil {
		return derr
	}

	parent := fs.tbl.Read(parentInum)
	target, derr := fs.zeroDirentByName(&parent, name)
	if derr != nil {
		return derr
	}
	fs.tbl.Write(parent)

	targetInode := fs.tbl.Read(target)
	targetInode.Linkcnt--
	if targetInode.Linkcnt == 0 {
		fs.tbl.Free(target, func(ptr uint32, level int) {
			indirect.Free(fs.super, fs.bm, ptr, level)
		})
	} else {
		fs.tbl.Write(targetInode)
	}

	fs.runIntegrityCheck()
	return nil
}

// zeroDirentByName scans dir looking for name, overwrites that record with
// zero bytes in place, trims any now-trailing zero records off the end of
// dir's content, and returns the inode number it used to point at.
func (fs *FileSystem) zeroDirentByName(dir *vinode.Inode, name string) (uint32, *errno.DriverError) {
	buf := make([]byte, pathresolver.DirentSize)
	var off int64

	for off < int64(dir.Size) {
		n := indirect.ReadWrite(fs.super, fs.bm, dir, buf, pathresolver.DirentSize, off, indirect.Read)
		if n < pathresolver.DirentSize {
			break
		}

		inum := uint32(buf[0]) | uint32(buf[1])<<8
		nameEnd := 2
		for nameEnd < len(buf) && buf[nameEnd] != 0 {
			nameEnd++
		}
		if inum != vinode.NullInum && string(buf[2:nameEnd]) == name {
			zero := make([]byte, pathresolver.DirentSize)
			indirect.ReadWrite(fs.super, fs.bm, dir, zero, pathresolver.DirentSize, off, indirect.Write)
			fs.trimTrailingEntries(dir)
			return inum, nil
		}
		off += pathresolver.DirentSize
	}
	return 0, errno.NotFound("no such directory entry: " + name)
}

// trimTrailingEntries shrinks dir's size past any run of zeroed records now
// sitting at the end of its content, the directory-truncation half of the
// "released deterministically by ... unlink / truncation semantics" release
// path. If this empties the directory entirely, every block it holds is
// freed: otherwise a directory that briefly held one entry would permanently
// hold its data block even after every entry in it was removed, which would
// leave mknod-then-unlink unable to restore the bitmap population it
// started from.
func (fs *FileSystem) trimTrailingEntries(dir *vinode.Inode) {
	buf := make([]byte, pathresolver.DirentSize)
	for dir.Size > 0 {
		off := int64(dir.Size) - pathresolver.DirentSize
		n := indirect.ReadWrite(fs.super, fs.bm, dir, buf, pathresolver.DirentSize, off, indirect.Read)
		if n < pathresolver.DirentSize {
			break
		}
		inum := uint32(buf[0]) | uint32(buf[1])<<8
		if inum != vinode.NullInum {
			break
		}
		dir.Size -= pathresolver.DirentSize
	}

	if dir.Size == 0 {
		fs.freeAllDataBlocks(dir)
	}
}

// freeAllDataBlocks releases every block dir's pointer array references and
// clears the array, without touching the inode's type or link count.
func (fs *FileSystem) freeAllDataBlocks(dir *vinode.Inode) {
	for slot, ptr := range dir.Pointers {
		if ptr != vinode.Null {
			indirect.Free(fs.super, fs.bm, ptr, vinode.Ilevel(slot))
			dir.Pointers[slot] = vinode.Null
		}
	}
}

// splitPath divides an absolute path into its parent directory and final
// component.
func splitPath(path string) (parent, name string, derr *errno.DriverError) {
	if len(path) == 0 || path[0] != '/' {
		return "", "", errno.InvalidArgument("path must be absolute")
	}
	trimmed := strings.TrimRight(path, "/")
	if trimmed == "" {
		return "", "", errno.InvalidArgument("path has no final component")
	}

	idx := strings.LastIndexByte(trimmed, '/')
	if idx <= 0 {
		return "/", trimmed[1:], nil
	}
	return trimmed[:idx], trimmed[idx+1:], nil
}
