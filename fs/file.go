package fs

import (
	"fmt"
	"io"
	"time"

	"github.com/slicefs/slicefs/common"
)

// File is a handle on one inode. The volume lock serializes all
// operations; the handle itself carries no synchronization, matching
// the single-writer-per-file contract.
type File struct {
	v    *Volume
	ino  uint32
	node diskInode
}

func (f *File) Ino() uint32 { return f.ino }

func (f *File) Size() int64 {
	f.v.mu.Lock()
	defer f.v.mu.Unlock()
	return int64(f.node.Size)
}

// StorageMode reports ModeNone, ModeSlice, or ModeIndex.
func (f *File) StorageMode() uint8 {
	f.v.mu.Lock()
	defer f.v.mu.Unlock()
	return f.node.Mode
}

// SliceRef returns the packed pointer decomposed for slice-stored
// files: hosting block, first slice, and run length.
func (f *File) SliceRef() (block uint32, start, runLen int, err error) {
	f.v.mu.Lock()
	defer f.v.mu.Unlock()
	if f.node.Mode != ModeSlice {
		return 0, 0, 0, fmt.Errorf("inode %d is not slice-stored", f.ino)
	}
	block, start = unpackSliceRef(f.node.Ptr)
	return block, start, sliceRunLen(f.node.Size), nil
}

// ReadAt implements io.ReaderAt over the file's current storage mode.
// Reads past EOF are clamped; holes in block-indexed files read as
// zeros.
func (f *File) ReadAt(p []byte, off int64) (int, error) {
	f.v.mu.Lock()
	defer f.v.mu.Unlock()

	if off < 0 {
		return 0, fmt.Errorf("negative offset %d", off)
	}
	if len(p) == 0 {
		return 0, nil
	}
	size := int64(f.node.Size)
	if off >= size {
		return 0, io.EOF
	}
	n := len(p)
	if int64(n) > size-off {
		n = int(size - off)
	}

	var err error
	switch f.node.Mode {
	case ModeSlice:
		err = f.readSliceAt(p[:n], off)
	case ModeIndex:
		err = f.readIndexAt(p[:n], off)
	default:
		return 0, &common.InvalidStateError{Reason: fmt.Sprintf("inode %d has size %d but no storage", f.ino, size)}
	}
	if err != nil {
		return 0, err
	}
	if n < len(p) {
		return n, io.EOF
	}
	return n, nil
}

func (f *File) readSliceAt(p []byte, off int64) error {
	block, start := unpackSliceRef(f.node.Ptr)
	data, err := f.v.readSliceRun(block, start, sliceRunLen(f.node.Size))
	if err != nil {
		return err
	}
	copy(p, data[off:])
	return nil
}

func (f *File) readIndexAt(p []byte, off int64) error {
	v := f.v
	end := off + int64(len(p))
	for pos := off; pos < end; {
		lb := uint32(pos >> common.BlockShift)
		blockOff := int64(lb) << common.BlockShift
		chunkEnd := min(end, blockOff+int64(blockSize))

		bno, hole, _, err := v.mapBlock(f, lb, false, nil)
		if err != nil {
			return err
		}
		dst := p[pos-off : chunkEnd-off]
		if hole {
			clear(dst)
		} else {
			buf, err := v.readBlock(bno)
			if err != nil {
				return err
			}
			copy(dst, buf[pos-blockOff:])
		}
		pos = chunkEnd
	}
	return nil
}

// Write replaces the file's entire contents, the overwrite semantics
// of an O_TRUNC rewrite. The storage mode may move sideways to a
// right-sized slice run, or forward to block-indexed, never back.
func (f *File) Write(p []byte) (int, error) {
	f.v.mu.Lock()
	defer f.v.mu.Unlock()

	if int64(len(p)) > MaxFileSize {
		return 0, &common.FileTooLargeError{Size: int64(len(p)), Max: MaxFileSize}
	}
	if len(p) == 0 {
		if f.node.Size == 0 {
			return 0, nil
		}
		return 0, f.truncateLocked(0)
	}

	var err error
	newSize := common.TruncU32(len(p))
	switch f.node.Mode {
	case ModeNone:
		if len(p) <= MaxSliceBytes {
			err = f.writeSliceContent(p)
		} else {
			err = f.writeIndex(p, 0, newSize)
		}

	case ModeSlice:
		run := sliceRunLen(f.node.Size)
		need := sliceRunLen(newSize)
		switch {
		case need > run:
			// The run can't hold the rewrite: one-way promotion, then
			// the write proceeds through the index path.
			if err = f.v.promote(f); err == nil {
				err = f.writeIndex(p, 0, newSize)
			}
		case need == run:
			err = f.rewriteSliceInPlace(p, newSize)
		default:
			// Shrinking rewrite relocates to a right-sized run and
			// frees the old one afterwards.
			err = f.writeSliceContent(p)
		}

	case ModeIndex:
		// Shrink first so the stale tail blocks are freed, then
		// overwrite the surviving range.
		if newSize < f.node.Size {
			if err = f.truncateLocked(newSize); err != nil {
				return 0, err
			}
		}
		err = f.writeIndex(p, 0, newSize)

	default:
		err = &common.InvalidStateError{Reason: fmt.Sprintf("inode %d has unknown storage mode %d", f.ino, f.node.Mode)}
	}
	if err != nil {
		return 0, err
	}
	return len(p), nil
}

// WriteAt writes p at off, growing the file as needed. Bytes between
// the old size and off read back as zeros.
func (f *File) WriteAt(p []byte, off int64) (int, error) {
	f.v.mu.Lock()
	defer f.v.mu.Unlock()

	if off < 0 {
		return 0, fmt.Errorf("negative offset %d", off)
	}
	end := off + int64(len(p))
	if end > MaxFileSize {
		return 0, &common.FileTooLargeError{Size: end, Max: MaxFileSize}
	}
	if len(p) == 0 {
		return 0, nil
	}
	var err error
	newSize := max(f.node.Size, common.TruncU32(end))

	switch f.node.Mode {
	case ModeNone:
		if end <= int64(MaxSliceBytes) {
			content := make([]byte, end)
			copy(content[off:], p)
			err = f.writeSliceContent(content)
		} else {
			err = f.writeIndex(p, off, newSize)
		}

	case ModeSlice:
		run := sliceRunLen(f.node.Size)
		if sliceRunLen(newSize) > run {
			if err = f.v.promote(f); err == nil {
				err = f.writeIndex(p, off, newSize)
			}
			break
		}
		// Merge into the existing run: old content overlaid with p.
		var old []byte
		if old, err = f.v.readSliceRun(sliceRefOf(f.node)); err == nil {
			content := make([]byte, newSize)
			copy(content, old[:f.node.Size])
			copy(content[off:], p)
			err = f.rewriteSliceInPlace(content, newSize)
		}

	case ModeIndex:
		err = f.writeIndex(p, off, newSize)

	default:
		err = &common.InvalidStateError{Reason: fmt.Sprintf("inode %d has unknown storage mode %d", f.ino, f.node.Mode)}
	}
	if err != nil {
		return 0, err
	}
	return len(p), nil
}

func sliceRefOf(node diskInode) (uint32, int, int) {
	block, start := unpackSliceRef(node.Ptr)
	return block, start, sliceRunLen(node.Size)
}

// writeSliceContent stores content (1..MaxSliceBytes bytes) in a fresh
// right-sized run and repoints the inode, freeing any previous run
// only after the new state is persisted.
func (f *File) writeSliceContent(content []byte) error {
	v := f.v
	need := sliceRunLen(uint32(len(content)))
	bno, start, err := v.allocSlices(need)
	if err != nil {
		return err
	}
	if err := v.writeSliceRun(bno, start, need, content); err != nil {
		v.freeSlices(bno, start, need)
		return err
	}

	oldNode := f.node
	f.node.Ptr = packSliceRef(bno, start)
	f.node.Mode = ModeSlice
	f.node.Blocks = 1
	f.node.Size = uint32(len(content))
	f.node.Mtime = uint64(time.Now().Unix())
	if err := v.writeInode(f.ino, &f.node); err != nil {
		v.freeSlices(bno, start, need)
		f.node = oldNode
		return err
	}

	if oldNode.Mode == ModeSlice {
		ob, os := unpackSliceRef(oldNode.Ptr)
		if err := v.freeSlices(ob, os, sliceRunLen(oldNode.Size)); err != nil {
			return err
		}
	} else {
		v.sb.NrSmallFiles++
		if oldNode.Size == 0 {
			v.sb.NrFiles++
		}
	}
	v.sb.DataBytes += uint64(f.node.Size) - uint64(oldNode.Size)
	return nil
}

// rewriteSliceInPlace overwrites the file's existing run with content,
// which must fit it.
func (f *File) rewriteSliceInPlace(content []byte, newSize uint32) error {
	v := f.v
	block, start := unpackSliceRef(f.node.Ptr)
	run := sliceRunLen(f.node.Size)
	if err := v.writeSliceRun(block, start, run, content); err != nil {
		return err
	}
	oldSize := f.node.Size
	f.node.Size = newSize
	f.node.Mtime = uint64(time.Now().Unix())
	if err := v.writeInode(f.ino, &f.node); err != nil {
		f.node.Size = oldSize
		return err
	}
	v.sb.DataBytes += uint64(newSize) - uint64(oldSize)
	return nil
}

// writeIndex is the traditional write path: map each covered logical
// block (allocating on demand), write data, then update the inode.
// Blocks allocated by a failing call are reclaimed before the error is
// returned.
func (f *File) writeIndex(p []byte, off int64, newSize uint32) error {
	v := f.v
	var j allocJournal
	oldNode := f.node
	end := off + int64(len(p))

	// Any failure reclaims this call's allocations and restores the
	// in-memory inode; the on-disk inode was never touched.
	fail := func(err error) error {
		v.reclaimJournal(f, &j)
		f.node = oldNode
		return err
	}

	for pos := off; pos < end; {
		lb := uint32(pos >> common.BlockShift)
		blockOff := int64(lb) << common.BlockShift
		chunkEnd := min(end, blockOff+int64(blockSize))

		bno, _, fresh, err := v.mapBlock(f, lb, true, &j)
		if err != nil {
			return fail(err)
		}
		var buf []byte
		if fresh || (pos == blockOff && chunkEnd == blockOff+int64(blockSize)) {
			buf = make([]byte, blockSize)
		} else {
			if buf, err = v.readBlock(bno); err != nil {
				return fail(err)
			}
		}
		copy(buf[pos-blockOff:], p[pos-off:chunkEnd-off])
		if err := v.writeBlock(bno, buf); err != nil {
			return fail(err)
		}
		pos = chunkEnd
	}

	f.node.Size = newSize
	f.node.Blocks = uint32(common.BlockShift.Blocks(int64(newSize))) + 1
	f.node.Mode = ModeIndex
	f.node.Mtime = uint64(time.Now().Unix())
	if err := v.writeInode(f.ino, &f.node); err != nil {
		return fail(err)
	}
	if oldNode.Size == 0 && newSize > 0 {
		v.sb.NrFiles++
	}
	v.sb.DataBytes += uint64(newSize) - uint64(oldNode.Size)
	return nil
}

// Truncate shrinks the file to size n. Growing through truncate is not
// supported; block-indexed files stay block-indexed even at size 0.
func (f *File) Truncate(n int64) error {
	f.v.mu.Lock()
	defer f.v.mu.Unlock()
	if n < 0 || n > int64(f.node.Size) {
		return fmt.Errorf("truncate to %d outside [0, %d]", n, f.node.Size)
	}
	return f.truncateLocked(uint32(n))
}

func (f *File) truncateLocked(newSize uint32) error {
	v := f.v
	oldSize := f.node.Size
	if newSize == oldSize && f.node.Mode == ModeNone {
		return nil
	}

	switch f.node.Mode {
	case ModeNone:
		return nil

	case ModeSlice:
		block, start := unpackSliceRef(f.node.Ptr)
		run := sliceRunLen(oldSize)
		if newSize == 0 {
			if err := v.freeSlices(block, start, run); err != nil {
				return err
			}
			f.node.Ptr = 0
			f.node.Mode = ModeNone
			f.node.Blocks = 0
			v.sb.NrSmallFiles--
			v.sb.NrFiles--
		} else if keep := sliceRunLen(newSize); keep < run {
			if err := v.freeSlices(block, start+keep, run-keep); err != nil {
				return err
			}
		}

	case ModeIndex:
		oldData := uint32(common.BlockShift.Blocks(int64(oldSize)))
		newData := uint32(common.BlockShift.Blocks(int64(newSize)))
		if err := v.truncIndex(f, oldData, newData); err != nil {
			return err
		}
		// Zero the cut tail of the last kept block so a later extension
		// past the new size reads back zeros, not pre-shrink bytes.
		if off := common.BlockShift.Leftover(int64(newSize)); off != 0 && newSize < oldSize {
			bno, hole, _, err := v.mapBlock(f, newData-1, false, nil)
			if err != nil {
				return err
			}
			if !hole {
				buf, err := v.readBlock(bno)
				if err != nil {
					return err
				}
				clear(buf[off:])
				if err := v.writeBlock(bno, buf); err != nil {
					return err
				}
			}
		}
		if newData > 0 {
			f.node.Blocks = newData + 1
		} else {
			f.node.Blocks = 0
		}
		if newSize == 0 && oldSize > 0 {
			v.sb.NrFiles--
		}
	}

	f.node.Size = newSize
	f.node.Mtime = uint64(time.Now().Unix())
	if err := v.writeInode(f.ino, &f.node); err != nil {
		return err
	}
	v.sb.DataBytes -= uint64(oldSize) - uint64(newSize)
	return nil
}
