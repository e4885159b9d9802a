// Package fs implements the slicefs block-storage engine: small files
// packed into shared 128-byte slices of 4 KiB blocks, promoted to a
// per-file index-block layout once they outgrow the slice format.
package fs

import (
	"bytes"
	"encoding/binary"
	"io"

	"github.com/lunixbochs/struc"

	"github.com/slicefs/slicefs/common"
)

const (
	volumeMagic = 0x534c4346 // "FCLS" little-endian on disk

	blockSize = 1 << common.BlockShift
	sliceSize = 1 << common.SliceShift

	// 32 slices per block; slice 0 holds the header, 1..31 hold data.
	slicesPerBlock = blockSize / sliceSize
	maxSliceRun    = slicesPerBlock - 1

	// MaxSliceBytes is the largest file the slice format can hold.
	MaxSliceBytes = maxSliceRun * sliceSize

	// indexEntries is the per-file index block capacity: one u32 entry
	// per logical block.
	indexEntries = blockSize / 4

	// MaxFileSize is the ceiling for block-indexed files.
	MaxFileSize = int64(indexEntries) * int64(blockSize)

	inodeSize      = 128
	inodesPerBlock = blockSize / inodeSize

	// Packed storage pointer: low 27 bits block number, high 5 bits
	// slice start. Index mode uses the full 32 bits as a block number.
	blockNumMask    = 0x07ff_ffff
	sliceStartShift = 27

	// Free-slice bitmap with every data slice free and slice 0 used.
	allSlicesFree = uint32(0xffff_fffe)
)

// Storage modes, stored explicitly in the inode so pointer decoding
// never depends on size thresholds.
const (
	ModeNone uint8 = iota
	ModeSlice
	ModeIndex
)

type (
	// diskSuper lives in block 0. Counters past PartialHead form the
	// space-accounting record.
	diskSuper struct {
		Magic          uint32
		NrBlocks       uint32
		NrInodes       uint32
		NrIstoreBlocks uint32
		NrIfreeBlocks  uint32
		NrBfreeBlocks  uint32
		NrFreeInodes   uint32
		NrFreeBlocks   uint32
		PartialHead    uint32 // head of the partial-free sliced-block list, 0 = empty
		NrSlicedBlocks uint32
		NrFreeSlices   uint32
		NrFiles        uint32
		NrSmallFiles   uint32
		DataBytes      uint64 // user bytes currently stored
		StorageBytes   uint64 // underlying storage consumed
	}

	// diskInode is a 128-byte slot in the inode store. Ptr is the
	// packed storage pointer; Mode says how to decode it.
	diskInode struct {
		Size     uint32
		Blocks   uint32
		Ptr      uint32
		Mode     uint8
		Pad      [3]byte
		Nlink    uint32
		Ctime    uint64
		Mtime    uint64
		Reserved [92]byte
	}

	// sliceHeader occupies the first 8 bytes of slice 0 of a sliced
	// block. Bitmap bit k set means slice k is free; bit 0 is always
	// clear. Next links the partial-free list, 0 = end.
	sliceHeader struct {
		Bitmap uint32
		Next   uint32
	}
)

var _popts = struc.Options{Order: binary.LittleEndian}

func pack(out io.Writer, v any) error {
	return struc.PackWithOptions(out, v, &_popts)
}

func unpack(b []byte, v any) error {
	return struc.UnpackWithOptions(bytes.NewReader(b), v, &_popts)
}

func packSliceRef(block uint32, start int) uint32 {
	return uint32(common.TruncU8(start))<<sliceStartShift | block&blockNumMask
}

func unpackSliceRef(v uint32) (block uint32, start int) {
	return v & blockNumMask, int(v >> sliceStartShift)
}

// sliceRunLen is the number of slices a file of the given size
// occupies. Zero-byte files hold one slice until truncated away.
func sliceRunLen(size uint32) int {
	if size == 0 {
		return 1
	}
	return int(common.SliceShift.Blocks(int64(size)))
}
