package fs

import (
	"fmt"

	"github.com/slicefs/slicefs/common"
)

// Sliced-block manager. A sliced block is shared by unrelated small
// files: slice 0 carries the free bitmap and the partial-free list
// link, slices 1..31 carry file fragments as contiguous runs.

func runMask(start, n int) uint32 {
	return (uint32(1)<<n - 1) << start
}

// findRun scans bits 1..31 of the free bitmap with a sliding window
// and returns the first run of n free slices, or 0 if none fits.
func findRun(bitmap uint32, n int) int {
	mask := uint32(1)<<n - 1
	for s := 1; s+n <= slicesPerBlock; s++ {
		if bitmap>>s&mask == mask {
			return s
		}
	}
	return 0
}

func (v *Volume) readSliceHeader(bno uint32) (sliceHeader, []byte, error) {
	buf, err := v.readBlock(bno)
	if err != nil {
		return sliceHeader{}, nil, err
	}
	var hdr sliceHeader
	if err := unpack(buf, &hdr); err != nil {
		return sliceHeader{}, nil, err
	}
	if hdr.Bitmap&1 != 0 {
		return sliceHeader{}, nil, &common.InvalidStateError{
			Reason: fmt.Sprintf("sliced block %d marks its header slice free", bno)}
	}
	return hdr, buf, nil
}

func (v *Volume) writeSliceHeader(bno uint32, buf []byte, hdr sliceHeader) error {
	if err := packInto(buf[:8], &hdr); err != nil {
		return err
	}
	return v.writeBlock(bno, buf)
}

// allocSlices finds a contiguous run of n free slices, walking the
// partial-free list first and falling back to a fresh block. Blocks
// that turn out to be saturated are left in the list; CompactSliced is
// the explicit cleanup pass.
func (v *Volume) allocSlices(n int) (uint32, int, error) {
	if n < 1 || n > maxSliceRun {
		return 0, 0, &common.InvalidStateError{Reason: fmt.Sprintf("slice run of %d requested", n)}
	}

	for cur := v.sb.PartialHead; cur != 0; {
		hdr, buf, err := v.readSliceHeader(cur)
		if err != nil {
			return 0, 0, err
		}
		if start := findRun(hdr.Bitmap, n); start != 0 {
			hdr.Bitmap &^= runMask(start, n)
			if err := v.writeSliceHeader(cur, buf, hdr); err != nil {
				return 0, 0, err
			}
			v.sb.NrFreeSlices -= uint32(n)
			return cur, start, nil
		}
		cur = hdr.Next
	}

	bno, err := v.allocBlock()
	if err != nil {
		return 0, 0, err
	}
	if bno > blockNumMask {
		v.freeBlock(bno)
		return 0, 0, &common.InvalidStateError{
			Reason: fmt.Sprintf("block %d does not fit the packed slice pointer", bno)}
	}
	buf := make([]byte, blockSize)
	hdr := sliceHeader{
		Bitmap: allSlicesFree &^ runMask(1, n),
		Next:   v.sb.PartialHead,
	}
	if err := v.writeSliceHeader(bno, buf, hdr); err != nil {
		v.freeBlock(bno)
		return 0, 0, err
	}
	v.sb.PartialHead = bno
	v.sb.NrSlicedBlocks++
	v.sb.NrFreeSlices += uint32(maxSliceRun - n)
	return bno, 1, nil
}

// freeSlices returns a run to its block. The block stays linked in the
// partial-free list even if it becomes fully free; fully free blocks
// still satisfy future scans. A block that CompactSliced unlinked
// while saturated is relinked at the head so its capacity stays
// reachable.
func (v *Volume) freeSlices(bno uint32, start, n int) error {
	if start < 1 || n < 1 || start+n > slicesPerBlock {
		return &common.InvalidStateError{Reason: fmt.Sprintf("slice run %d+%d out of range", start, n)}
	}
	hdr, buf, err := v.readSliceHeader(bno)
	if err != nil {
		return err
	}
	mask := runMask(start, n)
	if hdr.Bitmap&mask != 0 {
		return &common.InvalidStateError{
			Reason: fmt.Sprintf("free of slices %d+%d in block %d overlaps free slices", start, n, bno)}
	}
	wasSaturated := hdr.Bitmap&allSlicesFree == 0
	hdr.Bitmap |= mask
	if wasSaturated {
		linked, err := v.sliceListContains(bno)
		if err != nil {
			return err
		}
		if !linked {
			hdr.Next = v.sb.PartialHead
			if err := v.writeSliceHeader(bno, buf, hdr); err != nil {
				return err
			}
			v.sb.PartialHead = bno
			v.sb.NrFreeSlices += uint32(n)
			return nil
		}
	}
	if err := v.writeSliceHeader(bno, buf, hdr); err != nil {
		return err
	}
	v.sb.NrFreeSlices += uint32(n)
	return nil
}

// sliceListContains walks the partial-free list looking for bno. Only
// consulted on the rare saturated-to-free transition.
func (v *Volume) sliceListContains(bno uint32) (bool, error) {
	for cur := v.sb.PartialHead; cur != 0; {
		if cur == bno {
			return true, nil
		}
		hdr, _, err := v.readSliceHeader(cur)
		if err != nil {
			return false, err
		}
		cur = hdr.Next
	}
	return false, nil
}

// readSliceRun returns the concatenated contents of n consecutive
// slices starting at start.
func (v *Volume) readSliceRun(bno uint32, start, n int) ([]byte, error) {
	if start < 1 || start+n > slicesPerBlock {
		return nil, &common.InvalidStateError{Reason: fmt.Sprintf("slice run %d+%d out of range", start, n)}
	}
	buf, err := v.readBlock(bno)
	if err != nil {
		return nil, err
	}
	out := make([]byte, n*sliceSize)
	copy(out, buf[start*sliceSize:])
	return out, nil
}

// writeSliceRun stores data into a run of n slices. Every destination
// slice is zero-filled before the copy so a reused slice never leaks
// bytes from its previous owner. The data write lands before any
// caller metadata update.
func (v *Volume) writeSliceRun(bno uint32, start, n int, data []byte) error {
	if start < 1 || start+n > slicesPerBlock {
		return &common.InvalidStateError{Reason: fmt.Sprintf("slice run %d+%d out of range", start, n)}
	}
	if len(data) > n*sliceSize {
		return &common.InvalidStateError{Reason: fmt.Sprintf("%d bytes exceed a %d-slice run", len(data), n)}
	}
	buf, err := v.readBlock(bno)
	if err != nil {
		return err
	}
	region := buf[start*sliceSize : (start+n)*sliceSize]
	clear(region)
	copy(region, data)
	return v.writeBlock(bno, buf)
}

// CompactSliced rewalks the partial-free list and unlinks blocks with
// no free slice left. Allocation scans never do this themselves, so
// pollution accumulates until this is called. Returns the number of
// blocks unlinked.
func (v *Volume) CompactSliced() (int, error) {
	v.mu.Lock()
	defer v.mu.Unlock()

	unlinked := 0
	var prev uint32
	cur := v.sb.PartialHead
	for cur != 0 {
		hdr, buf, err := v.readSliceHeader(cur)
		if err != nil {
			return unlinked, err
		}
		if hdr.Bitmap&allSlicesFree == 0 {
			next := hdr.Next
			hdr.Next = 0
			if err := v.writeSliceHeader(cur, buf, hdr); err != nil {
				return unlinked, err
			}
			if prev == 0 {
				v.sb.PartialHead = next
			} else {
				phdr, pbuf, err := v.readSliceHeader(prev)
				if err != nil {
					return unlinked, err
				}
				phdr.Next = next
				if err := v.writeSliceHeader(prev, pbuf, phdr); err != nil {
					return unlinked, err
				}
			}
			unlinked++
			cur = next
			continue
		}
		prev = cur
		cur = hdr.Next
	}
	return unlinked, nil
}
