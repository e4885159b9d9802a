package fs

import (
	"encoding/binary"

	"github.com/slicefs/slicefs/common"
)

// Block-index mapper. A block-indexed file owns one index block, a
// flat little-endian u32 array: entry i is the physical block holding
// logical block i, 0 is a hole.

func indexEntry(buf []byte, i uint32) uint32 {
	return binary.LittleEndian.Uint32(buf[i*4:])
}

func setIndexEntry(buf []byte, i, bno uint32) {
	binary.LittleEndian.PutUint32(buf[i*4:], bno)
}

// allocJournal records blocks allocated during one enclosing write so
// they can be reclaimed if that write fails partway.
type allocJournal struct {
	indexBlock uint32 // freshly created index block, 0 if preexisting
	entries    []struct{ logical, bno uint32 }
}

func (j *allocJournal) add(logical, bno uint32) {
	j.entries = append(j.entries, struct{ logical, bno uint32 }{logical, bno})
}

// mapBlock resolves a logical file block to a physical one. With
// create set, holes are filled from the free bitmap and the index
// block is updated on disk before returning. Returns hole=true for an
// unwritten region when create is unset; callers synthesize zeros.
func (v *Volume) mapBlock(f *File, logical uint32, create bool, j *allocJournal) (bno uint32, hole bool, fresh bool, err error) {
	if logical >= indexEntries {
		return 0, false, false, &common.FileTooLargeError{
			Size: (int64(logical) + 1) << common.BlockShift, Max: MaxFileSize}
	}

	if f.node.Ptr == 0 {
		if !create {
			return 0, true, false, nil
		}
		idx, err := v.allocBlock()
		if err != nil {
			return 0, false, false, err
		}
		if err := v.writeBlock(idx, make([]byte, blockSize)); err != nil {
			v.freeBlock(idx)
			return 0, false, false, err
		}
		f.node.Ptr = idx
		f.node.Mode = ModeIndex
		if j != nil {
			j.indexBlock = idx
		}
	}

	buf, err := v.readBlock(f.node.Ptr)
	if err != nil {
		return 0, false, false, err
	}
	e := indexEntry(buf, logical)
	if e != 0 {
		return e, false, false, nil
	}
	if !create {
		return 0, true, false, nil
	}

	bno, err = v.allocBlock()
	if err != nil {
		return 0, false, false, err
	}
	if bno == 0 {
		return 0, false, false, &common.InvalidStateError{Reason: "allocator returned block 0"}
	}
	setIndexEntry(buf, logical, bno)
	if err := v.writeBlock(f.node.Ptr, buf); err != nil {
		v.freeBlock(bno)
		return 0, false, false, err
	}
	if j != nil {
		j.add(logical, bno)
	}
	return bno, false, true, nil
}

// reclaimJournal undoes the allocations of a failed write: zeroes the
// index entries it filled and frees the blocks, and drops a freshly
// created index block entirely.
func (v *Volume) reclaimJournal(f *File, j *allocJournal) {
	if f.node.Ptr == 0 || (len(j.entries) == 0 && j.indexBlock == 0) {
		return
	}
	if buf, err := v.readBlock(f.node.Ptr); err == nil {
		for _, e := range j.entries {
			setIndexEntry(buf, e.logical, 0)
			v.freeBlock(e.bno)
		}
		v.writeBlock(f.node.Ptr, buf)
	}
	if j.indexBlock != 0 {
		v.freeBlock(j.indexBlock)
		f.node.Ptr = 0
	}
	j.entries = nil
	j.indexBlock = 0
}

// truncIndex frees index entries [newBlocks, oldBlocks) (logical data
// blocks). The index block itself survives while the file keeps at
// least one data block; at zero it is freed too and the pointer
// cleared, though the file's mode stays block-indexed.
func (v *Volume) truncIndex(f *File, oldBlocks, newBlocks uint32) error {
	if f.node.Ptr == 0 {
		return nil
	}
	buf, err := v.readBlock(f.node.Ptr)
	if err != nil {
		return err
	}
	for i := newBlocks; i < oldBlocks && i < indexEntries; i++ {
		e := indexEntry(buf, i)
		if e == 0 {
			continue
		}
		if err := v.freeBlock(e); err != nil {
			return err
		}
		setIndexEntry(buf, i, 0)
	}
	if newBlocks > 0 {
		return v.writeBlock(f.node.Ptr, buf)
	}
	idx := f.node.Ptr
	f.node.Ptr = 0
	return v.freeBlock(idx)
}
