package fs

import (
	"time"

	"github.com/slicefs/slicefs/common"
)

// promote converts a slice-stored file to block-index storage. Invoked
// once per file, the first time a write needs more slices than the
// file's allocated run; the transition is one-way.
//
// Ordering: the index layout is built and the inode repointed before
// the slice run is released, so a failure at any allocation or write
// leaves the file intact in slice storage. A failure releasing the run
// after the inode switch leaks those slices but corrupts nothing.
func (v *Volume) promote(f *File) error {
	if f.node.Mode != ModeSlice {
		return &common.InvalidStateError{Reason: "promotion of a file that is not slice-stored"}
	}
	block, start := unpackSliceRef(f.node.Ptr)
	run := sliceRunLen(f.node.Size)

	data, err := v.readSliceRun(block, start, run)
	if err != nil {
		return err
	}

	idx, err := v.allocBlock()
	if err != nil {
		return err
	}
	dataBlock, err := v.allocBlock()
	if err != nil {
		v.freeBlock(idx)
		return err
	}

	// Data block first, then the index block naming it, then the inode.
	dbuf := make([]byte, blockSize)
	copy(dbuf, data[:f.node.Size])
	if err := v.writeBlock(dataBlock, dbuf); err != nil {
		v.freeBlock(dataBlock)
		v.freeBlock(idx)
		return err
	}
	ibuf := make([]byte, blockSize)
	setIndexEntry(ibuf, 0, dataBlock)
	if err := v.writeBlock(idx, ibuf); err != nil {
		v.freeBlock(dataBlock)
		v.freeBlock(idx)
		return err
	}

	oldNode := f.node
	f.node.Ptr = idx
	f.node.Mode = ModeIndex
	f.node.Blocks = 2
	f.node.Mtime = uint64(time.Now().Unix())
	if err := v.writeInode(f.ino, &f.node); err != nil {
		v.freeBlock(dataBlock)
		v.freeBlock(idx)
		f.node = oldNode
		return err
	}
	v.sb.NrSmallFiles--
	return v.freeSlices(block, start, run)
}
