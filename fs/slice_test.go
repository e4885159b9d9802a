package fs

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestFindRun(t *testing.T) {
	r := require.New(t)

	// Everything free: first fit starts right after the header slice.
	r.Equal(1, findRun(allSlicesFree, 1))
	r.Equal(1, findRun(allSlicesFree, 31))

	// Slice 0 is never considered even when its bit is set.
	r.Equal(1, findRun(0xffff_ffff, 31))

	// Occupied prefix pushes the fit along.
	bm := allSlicesFree &^ runMask(1, 4)
	r.Equal(5, findRun(bm, 1))
	r.Equal(5, findRun(bm, 27))
	r.Equal(0, findRun(bm, 28))

	// A gap exactly the right size is taken.
	bm = allSlicesFree &^ runMask(1, 2) &^ runMask(5, 27)
	r.Equal(3, findRun(bm, 2))
	r.Equal(0, findRun(bm, 3))

	r.Equal(0, findRun(0, 1))
}

func TestAllocSlicesSpillsToNewBlock(t *testing.T) {
	r := require.New(t)
	v, _ := newTestVolume(t, 256)

	// 20 slices in the first block leave an 11-slice tail; a 12-slice
	// request has to open a second block even though 11 are free.
	f1 := mkfile(t, v)
	_, err := f1.Write(pattern(20 * sliceSize))
	r.NoError(err)
	b1, _, _, err := f1.SliceRef()
	r.NoError(err)

	f2 := mkfile(t, v)
	_, err = f2.Write(pattern(12 * sliceSize))
	r.NoError(err)
	b2, s2, _, err := f2.SliceRef()
	r.NoError(err)
	r.NotEqual(b1, b2)
	r.Equal(1, s2)
	r.EqualValues(2, v.Stats().SlicedBlocks)

	// The new block is the list head, so small allocations fill it
	// before falling through to the older block's tail.
	f3 := mkfile(t, v)
	_, err = f3.Write(pattern(sliceSize))
	r.NoError(err)
	b3, _, _, err := f3.SliceRef()
	r.NoError(err)
	r.Equal(b2, b3)
}

func TestCompactSliced(t *testing.T) {
	r := require.New(t)
	v, _ := newTestVolume(t, 256)

	// Saturate one block, keep another partially free.
	full := mkfile(t, v)
	_, err := full.Write(pattern(MaxSliceBytes))
	r.NoError(err)
	part := mkfile(t, v)
	_, err = part.Write(pattern(100))
	r.NoError(err)
	partBlock, _, _, err := part.SliceRef()
	r.NoError(err)

	n, err := v.CompactSliced()
	r.NoError(err)
	r.Equal(1, n)
	r.Equal(partBlock, v.sb.PartialHead)

	// Nothing saturated left.
	n, err = v.CompactSliced()
	r.NoError(err)
	r.Zero(n)
}

func TestFreeRelinksCompactedBlock(t *testing.T) {
	r := require.New(t)
	v, _ := newTestVolume(t, 256)

	full := mkfile(t, v)
	_, err := full.Write(pattern(MaxSliceBytes))
	r.NoError(err)
	fullBlock, _, _, err := full.SliceRef()
	r.NoError(err)

	n, err := v.CompactSliced()
	r.NoError(err)
	r.Equal(1, n)
	r.Zero(v.sb.PartialHead)

	// Freeing slices in the unlinked block puts it back on the list,
	// so the next small write reuses it instead of a fresh block.
	r.NoError(v.DeleteFile(full.Ino()))
	r.Equal(fullBlock, v.sb.PartialHead)

	f := mkfile(t, v)
	_, err = f.Write(pattern(64))
	r.NoError(err)
	b, _, _, err := f.SliceRef()
	r.NoError(err)
	r.Equal(fullBlock, b)
	r.EqualValues(1, v.Stats().SlicedBlocks)
}

func TestFreeSlicesKeepsSaturatedMidListLinked(t *testing.T) {
	r := require.New(t)
	v, _ := newTestVolume(t, 256)

	// Head block saturated but still linked: freeing into it must not
	// relink it a second time.
	full := mkfile(t, v)
	_, err := full.Write(pattern(MaxSliceBytes))
	r.NoError(err)
	fullBlock, _, _, err := full.SliceRef()
	r.NoError(err)
	r.Equal(fullBlock, v.sb.PartialHead)

	r.NoError(v.DeleteFile(full.Ino()))
	r.Equal(fullBlock, v.sb.PartialHead)
	hdr, _, err := v.readSliceHeader(fullBlock)
	r.NoError(err)
	r.Zero(hdr.Next)
	r.Equal(allSlicesFree, hdr.Bitmap)
}
