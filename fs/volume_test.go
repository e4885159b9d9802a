package fs

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/slicefs/slicefs/device"
)

func newTestVolume(t *testing.T, blocks uint32) (*Volume, *device.MemDevice) {
	t.Helper()
	dev := device.NewMem(blocks)
	require.NoError(t, Format(dev, FormatOptions{}))
	v, err := Open(dev)
	require.NoError(t, err)
	return v, dev
}

func TestFormatOpen(t *testing.T) {
	r := require.New(t)
	v, _ := newTestVolume(t, 1024)

	s := v.Stats()
	r.EqualValues(1024, s.TotalBlocks)
	r.EqualValues(256, s.TotalInodes)
	r.EqualValues(s.TotalInodes, s.FreeInodes)
	// 1 superblock + 8 inode store + 1 ifree + 1 bfree
	r.EqualValues(11, v.dataStart())
	r.EqualValues(1024-11, s.FreeBlocks)
	r.Zero(s.DataBytes)
	r.Zero(s.StorageBytes)
}

func TestOpenRejectsGarbage(t *testing.T) {
	dev := device.NewMem(64)
	_, err := Open(dev)
	require.Error(t, err)
}

func TestPersistence(t *testing.T) {
	r := require.New(t)
	dev := device.NewMem(256)
	r.NoError(Format(dev, FormatOptions{}))
	v, err := Open(dev)
	r.NoError(err)

	ino, err := v.CreateFile()
	r.NoError(err)
	f, err := v.OpenFile(ino)
	r.NoError(err)
	_, err = f.Write([]byte("persist me"))
	r.NoError(err)

	big, err := v.CreateFile()
	r.NoError(err)
	bf, err := v.OpenFile(big)
	r.NoError(err)
	payload := make([]byte, 5000)
	for i := range payload {
		payload[i] = byte(i)
	}
	_, err = bf.Write(payload)
	r.NoError(err)

	before := v.Stats()
	r.NoError(v.Close())

	// Reopen from the same device contents.
	v2, err := Open(dev)
	r.NoError(err)
	r.Equal(before, v2.Stats())

	f2, err := v2.OpenFile(ino)
	r.NoError(err)
	r.Equal(ModeSlice, f2.StorageMode())
	buf := make([]byte, 10)
	_, err = f2.ReadAt(buf, 0)
	r.NoError(err)
	r.Equal("persist me", string(buf))

	bf2, err := v2.OpenFile(big)
	r.NoError(err)
	r.Equal(ModeIndex, bf2.StorageMode())
	got := make([]byte, 5000)
	_, err = bf2.ReadAt(got, 0)
	r.NoError(err)
	r.Equal(payload, got)
}

func TestDeleteFile(t *testing.T) {
	r := require.New(t)
	v, _ := newTestVolume(t, 256)

	ino, err := v.CreateFile()
	r.NoError(err)
	f, err := v.OpenFile(ino)
	r.NoError(err)
	_, err = f.Write([]byte("short-lived"))
	r.NoError(err)

	free := v.Stats().FreeSlices
	r.NoError(v.DeleteFile(ino))
	s := v.Stats()
	r.Equal(free+1, s.FreeSlices)
	r.Zero(s.Files)
	r.Zero(s.DataBytes)

	_, err = v.OpenFile(ino)
	r.Error(err)
	r.Error(v.DeleteFile(ino))
}

// The accounting record must reconcile with the bitmaps at any point:
// free+used blocks add up, and the storage counter matches allocated
// data-region blocks exactly.
func reconcile(t *testing.T, v *Volume) {
	t.Helper()
	r := require.New(t)
	s := v.Stats()
	r.Equal(s.FreeBlocks, v.bfree.countFree())
	r.Equal(s.FreeInodes, v.ifree.countFree())
	used := s.TotalBlocks - s.FreeBlocks - v.dataStart()
	r.EqualValues(uint64(used)*uint64(blockSize), s.StorageBytes)
}

func TestAccountingReconciles(t *testing.T) {
	r := require.New(t)
	v, _ := newTestVolume(t, 512)
	reconcile(t, v)

	var inos []uint32
	var total uint64
	for i, n := range []int{5, 128, 129, 3968, 4000, 9000} {
		ino, err := v.CreateFile()
		r.NoError(err)
		f, err := v.OpenFile(ino)
		r.NoError(err)
		data := make([]byte, n)
		for j := range data {
			data[j] = byte(i)
		}
		_, err = f.Write(data)
		r.NoError(err)
		inos = append(inos, ino)
		total += uint64(n)
		reconcile(t, v)
		r.Equal(total, v.Stats().DataBytes)
	}

	for _, ino := range inos {
		r.NoError(v.DeleteFile(ino))
		reconcile(t, v)
	}
	r.Zero(v.Stats().DataBytes)
	r.Zero(v.Stats().Files)
}
