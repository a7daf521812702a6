// Package pathresolver maps a slash-separated path to an inode number by
// walking directory-entry arrays stored in directory inodes. It depends
// only on the storage leaves (superblock, freemap, vinode, indirect), never
// on the file-level layer, so the file-level layer can depend on it without
// an import cycle.
package pathresolver

import (
	"strings"

	"github.com/tessera-fs/vhdfs/errno"
	"github.com/tessera-fs/vhdfs/freemap"
	"github.com/tessera-fs/vhdfs/indirect"
	"github.com/tessera-fs/vhdfs/superblock"
	"github.com/tessera-fs/vhdfs/vinode"
)

// DirentSize is the size in bytes of one (inum, name) directory record.
const DirentSize = 16

// NameSize is the fixed, NUL-padded length of a directory entry's name.
const NameSize = 14

// MaxPathLength is the longest path lookup accepts.
const MaxPathLength = 512

// Dirent is the decoded form of one directory record.
type Dirent struct {
	Inum uint32
	Name string
}

func decodeDirent(buf []byte) Dirent {
	inum := uint32(buf[0]) | uint32(buf[1])<<8
	nameBytes := buf[2 : 2+NameSize]
	end := 0
	for end < len(nameBytes) && nameBytes[end] != 0 {
		end++
	}
	return Dirent{Inum: inum, Name: string(nameBytes[:end])}
}

// EncodeDirent serializes a directory record into a fresh DirentSize-byte
// buffer. Used by the file-level layer when adding/removing entries.
func EncodeDirent(inum uint32, name string) []byte {
	buf := make([]byte, DirentSize)
	buf[0] = byte(inum)
	buf[1] = byte(inum >> 8)
	copy(buf[2:2+NameSize], name)
	return buf
}

// Lookup resolves path to an inode number, or a usage error if any
// component is missing or a non-leaf component isn't a directory.
func Lookup(fs *superblock.FS, bm *freemap.Bitmap, tbl *vinode.Table, path string) (uint32, *errno.DriverError) {
	if len(path) == 0 || path[0] != '/' {
		return 0, errno.InvalidArgument("path must be absolute")
	}
	if len(path) > MaxPathLength {
		return 0, errno.NameTooLong("path exceeds 512 characters")
	}
	if path == "/" {
		return vinode.RootInum, nil
	}

	components := strings.Split(strings.Trim(path, "/"), "/")
	current := uint32(vinode.RootInum)

	for _, name := range components {
		if name == "" {
			continue
		}

		dir := tbl.Read(current)
		if !dir.IsDir() {
			return 0, errno.NotADirectory("component of path is not a directory")
		}

		child, found := findInDirectory(fs, bm, &dir, name)
		if !found {
			return 0, errno.NotFound("no such file or directory: " + path)
		}
		current = child
	}

	return current, nil
}

// findInDirectory scans dir's content in DirentSize-byte chunks looking for
// name.
func findInDirectory(fs *superblock.FS, bm *freemap.Bitmap, dir *vinode.Inode, name string) (uint32, bool) {
	buf := make([]byte, DirentSize)
	var off int64

	for off < int64(dir.Size) {
		n := indirect.ReadWrite(fs, bm, dir, buf, DirentSize, off, indirect.Read)
		if n < DirentSize {
			break
		}

		d := decodeDirent(buf)
		if d.Inum != vinode.NullInum && d.Name == name {
			return d.Inum, true
		}
		off += DirentSize
	}
	return 0, false
}

// ListDirectory returns every live entry in dir, in on-disk order. Used by
// the `ls` CLI command.
func ListDirectory(fs *superblock.FS, bm *freemap.Bitmap, dir *vinode.Inode) []Dirent {
	var entries []Dirent
	buf := make([]byte, DirentSize)
	var off int64

	for off < int64(dir.Size) {
		n := indirect.ReadWrite(fs, bm, dir, buf, DirentSize, off, indirect.Read)
		if n < DirentSize {
			break
		}
		d := decodeDirent(buf)
		if d.Inum != vinode.NullInum {
			entries = append(entries, d)
		}
		off += DirentSize
	}
	return entries
}
