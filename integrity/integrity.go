// Package integrity implements the consistency check that runs after every
// write-class operation: it counts blocks reachable from all live inodes
// and cross-checks the total against the bitmap's population count. Any
// divergence is a programming error, not a runtime condition.
package integrity

import (
	"fmt"

	"github.com/hashicorp/go-multierror"

	"github.com/tessera-fs/vhdfs/freemap"
	"github.com/tessera-fs/vhdfs/indirect"
	"github.com/tessera-fs/vhdfs/superblock"
	"github.com/tessera-fs/vhdfs/vinode"
)

// Check walks every inode, and for each pointer slot of each live inode,
// counts every block (data and intermediate indirect) reachable from it. It
// then compares the total against the bitmap's population. Structural
// problems found along the way (a pointer outside the data region) are
// accumulated rather than aborting the walk early, so a single failing run
// reports everything wrong with the disk at once.
func Check(fs *superblock.FS, bm *freemap.Bitmap, tbl *vinode.Table) error {
	var errs *multierror.Error

	reachable := 0
	for n := uint32(0); n < fs.Super.NInodes; n++ {
		in := tbl.Read(n)
		if in.IsFree() {
			continue
		}

		for slot, ptr := range in.Pointers {
			if ptr == vinode.Null {
				continue
			}
			if ptr < fs.Super.SData || ptr >= fs.Super.SData+fs.Super.NBlockDat {
				errs = multierror.Append(errs, fmt.Errorf(
					"inode %d slot %d points at block %d, outside the data region", n, slot, ptr))
				continue
			}
			reachable += indirect.CountReachable(fs, ptr, vinode.Ilevel(slot))
		}
	}

	population := bm.Population()
	if reachable != population {
		errs = multierror.Append(errs, fmt.Errorf(
			"bitmap population (%d) does not match blocks reachable from live inodes (%d)",
			population, reachable))
	}

	if errs != nil {
		return errs.ErrorOrNil()
	}
	return nil
}
