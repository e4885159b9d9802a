package fs

import (
	"fmt"
	"sync"
	"time"

	"github.com/slicefs/slicefs/common"
	"github.com/slicefs/slicefs/device"
)

// Volume is the per-mount context: the superblock mirror, the free
// bitmaps, and the partial-free list head all hang off it. A single
// mutex serializes every operation that consults or mutates shared
// state, so multi-step sequences like promotion never interleave with
// another file's allocations.
type Volume struct {
	dev device.Device

	mu    sync.Mutex
	sb    diskSuper
	bfree *bitmap
	ifree *bitmap
}

type FormatOptions struct {
	// NrInodes is rounded up to a full inode-store block. Defaults to
	// one inode per four data blocks.
	NrInodes uint32
}

func bitsBlocks(n uint32) uint32 {
	perBlock := uint32(blockSize * 8)
	return (n + perBlock - 1) / perBlock
}

// Format writes an empty volume onto dev: superblock, zeroed inode
// store, and the two free bitmaps with the metadata region marked used.
func Format(dev device.Device, opts FormatOptions) error {
	nrBlocks := dev.Blocks()
	nrInodes := opts.NrInodes
	if nrInodes == 0 {
		nrInodes = max(nrBlocks/4, uint32(inodesPerBlock))
	}
	nrInodes = uint32(common.BlockShift.Roundup(int64(nrInodes)*inodeSize)) / inodeSize

	sb := diskSuper{
		Magic:          volumeMagic,
		NrBlocks:       nrBlocks,
		NrInodes:       nrInodes,
		NrIstoreBlocks: nrInodes / inodesPerBlock,
		NrIfreeBlocks:  bitsBlocks(nrInodes),
		NrBfreeBlocks:  bitsBlocks(nrBlocks),
	}
	dataStart := 1 + sb.NrIstoreBlocks + sb.NrIfreeBlocks + sb.NrBfreeBlocks
	if dataStart >= nrBlocks {
		return fmt.Errorf("device too small: %d blocks, %d needed for metadata", nrBlocks, dataStart)
	}
	sb.NrFreeInodes = nrInodes
	sb.NrFreeBlocks = nrBlocks - dataStart

	zero := make([]byte, blockSize)
	for b := uint32(1); b < dataStart; b++ {
		if err := dev.WriteBlock(b, zero); err != nil {
			return &common.DeviceIOError{Block: b, Err: err}
		}
	}

	v := &Volume{dev: dev, sb: sb}
	v.ifree = newBitmap(make([]byte, int(sb.NrIfreeBlocks)*blockSize), nrInodes)
	v.bfree = newBitmap(make([]byte, int(sb.NrBfreeBlocks)*blockSize), nrBlocks)
	for i := uint32(0); i < nrInodes; i++ {
		v.ifree.set(i)
	}
	for b := dataStart; b < nrBlocks; b++ {
		v.bfree.set(b)
	}
	return v.sync()
}

// Open reads the superblock and loads the bitmap mirrors.
func Open(dev device.Device) (*Volume, error) {
	buf := make([]byte, blockSize)
	if err := dev.ReadBlock(0, buf); err != nil {
		return nil, &common.DeviceIOError{Block: 0, Err: err}
	}
	v := &Volume{dev: dev}
	if err := unpack(buf, &v.sb); err != nil {
		return nil, err
	}
	if v.sb.Magic != volumeMagic {
		return nil, fmt.Errorf("bad magic %#x, not a slicefs volume", v.sb.Magic)
	}
	if v.sb.NrBlocks != dev.Blocks() {
		return nil, fmt.Errorf("superblock says %d blocks but device has %d", v.sb.NrBlocks, dev.Blocks())
	}

	ifb, err := v.readRegion(v.ifreeStart(), v.sb.NrIfreeBlocks)
	if err != nil {
		return nil, err
	}
	bfb, err := v.readRegion(v.bfreeStart(), v.sb.NrBfreeBlocks)
	if err != nil {
		return nil, err
	}
	v.ifree = newBitmap(ifb, v.sb.NrInodes)
	v.bfree = newBitmap(bfb, v.sb.NrBlocks)
	return v, nil
}

func (v *Volume) istoreStart() uint32 { return 1 }
func (v *Volume) ifreeStart() uint32  { return 1 + v.sb.NrIstoreBlocks }
func (v *Volume) bfreeStart() uint32  { return v.ifreeStart() + v.sb.NrIfreeBlocks }
func (v *Volume) dataStart() uint32   { return v.bfreeStart() + v.sb.NrBfreeBlocks }

func (v *Volume) readRegion(start, blocks uint32) ([]byte, error) {
	out := make([]byte, int(blocks)*blockSize)
	for i := uint32(0); i < blocks; i++ {
		if err := v.dev.ReadBlock(start+i, out[int(i)*blockSize:int(i+1)*blockSize]); err != nil {
			return nil, &common.DeviceIOError{Block: start + i, Err: err}
		}
	}
	return out, nil
}

func (v *Volume) writeRegion(start uint32, data []byte) error {
	for i := 0; i*blockSize < len(data); i++ {
		bno := start + uint32(i)
		if err := v.dev.WriteBlock(bno, data[i*blockSize:(i+1)*blockSize]); err != nil {
			return &common.DeviceIOError{Block: bno, Err: err}
		}
	}
	return nil
}

// Sync flushes the bitmap mirrors and the superblock. Data and
// per-file metadata are written inline by each operation; this covers
// the volume-wide record.
func (v *Volume) Sync() error {
	v.mu.Lock()
	defer v.mu.Unlock()
	return v.sync()
}

func (v *Volume) sync() error {
	if err := v.writeRegion(v.ifreeStart(), v.ifree.b); err != nil {
		return err
	}
	if err := v.writeRegion(v.bfreeStart(), v.bfree.b); err != nil {
		return err
	}
	buf := make([]byte, blockSize)
	if err := packInto(buf, &v.sb); err != nil {
		return err
	}
	if err := v.dev.WriteBlock(0, buf); err != nil {
		return &common.DeviceIOError{Block: 0, Err: err}
	}
	return v.dev.Sync()
}

func (v *Volume) Close() error {
	if err := v.Sync(); err != nil {
		return err
	}
	return v.dev.Close()
}

func (v *Volume) readBlock(bno uint32) ([]byte, error) {
	buf := make([]byte, blockSize)
	if err := v.dev.ReadBlock(bno, buf); err != nil {
		return nil, &common.DeviceIOError{Block: bno, Err: err}
	}
	return buf, nil
}

func (v *Volume) writeBlock(bno uint32, buf []byte) error {
	if err := v.dev.WriteBlock(bno, buf); err != nil {
		return &common.DeviceIOError{Block: bno, Err: err}
	}
	return nil
}

// allocBlock returns the lowest-numbered free data block.
func (v *Volume) allocBlock() (uint32, error) {
	bno, ok := v.bfree.allocLowest()
	if !ok {
		return 0, &common.OutOfSpaceError{Resource: "blocks"}
	}
	if bno < v.dataStart() {
		return 0, &common.InvalidStateError{Reason: fmt.Sprintf("allocator returned metadata block %d", bno)}
	}
	v.sb.NrFreeBlocks--
	v.sb.StorageBytes += uint64(blockSize)
	return bno, nil
}

func (v *Volume) freeBlock(bno uint32) error {
	if bno < v.dataStart() || bno >= v.sb.NrBlocks {
		return &common.InvalidStateError{Reason: fmt.Sprintf("free of block %d outside the data region", bno)}
	}
	if v.bfree.test(bno) {
		return &common.InvalidStateError{Reason: fmt.Sprintf("double free of block %d", bno)}
	}
	v.bfree.set(bno)
	v.sb.NrFreeBlocks++
	v.sb.StorageBytes -= uint64(blockSize)
	return nil
}

func (v *Volume) allocInode() (uint32, error) {
	ino, ok := v.ifree.allocLowest()
	if !ok {
		return 0, &common.OutOfSpaceError{Resource: "inodes"}
	}
	v.sb.NrFreeInodes--
	return ino, nil
}

func (v *Volume) freeInode(ino uint32) error {
	if ino >= v.sb.NrInodes {
		return &common.InvalidStateError{Reason: fmt.Sprintf("free of inode %d beyond store", ino)}
	}
	if v.ifree.test(ino) {
		return &common.InvalidStateError{Reason: fmt.Sprintf("double free of inode %d", ino)}
	}
	v.ifree.set(ino)
	v.sb.NrFreeInodes++
	return nil
}

func (v *Volume) inodeLoc(ino uint32) (bno uint32, off int) {
	return v.istoreStart() + ino/inodesPerBlock, int(ino%inodesPerBlock) * inodeSize
}

func (v *Volume) readInode(ino uint32) (diskInode, error) {
	var node diskInode
	if ino >= v.sb.NrInodes {
		return node, fmt.Errorf("inode %d beyond store", ino)
	}
	bno, off := v.inodeLoc(ino)
	buf, err := v.readBlock(bno)
	if err != nil {
		return node, err
	}
	err = unpack(buf[off:off+inodeSize], &node)
	return node, err
}

func (v *Volume) writeInode(ino uint32, node *diskInode) error {
	bno, off := v.inodeLoc(ino)
	buf, err := v.readBlock(bno)
	if err != nil {
		return err
	}
	if err := packInto(buf[off:off+inodeSize], node); err != nil {
		return err
	}
	return v.writeBlock(bno, buf)
}

// CreateFile allocates an inode for a new empty file and returns its
// number. The file joins the accounting record on its first write.
func (v *Volume) CreateFile() (uint32, error) {
	v.mu.Lock()
	defer v.mu.Unlock()
	ino, err := v.allocInode()
	if err != nil {
		return 0, err
	}
	now := uint64(time.Now().Unix())
	node := diskInode{Nlink: 1, Ctime: now, Mtime: now}
	if err := v.writeInode(ino, &node); err != nil {
		v.freeInode(ino)
		return 0, err
	}
	return ino, nil
}

// OpenFile returns a handle on an existing inode.
func (v *Volume) OpenFile(ino uint32) (*File, error) {
	v.mu.Lock()
	defer v.mu.Unlock()
	if ino >= v.sb.NrInodes {
		return nil, fmt.Errorf("inode %d beyond store", ino)
	}
	if v.ifree.test(ino) {
		return nil, fmt.Errorf("inode %d is not allocated", ino)
	}
	node, err := v.readInode(ino)
	if err != nil {
		return nil, err
	}
	return &File{v: v, ino: ino, node: node}, nil
}

// DeleteFile frees everything the file holds: its slice run or its
// index block plus data blocks, then the inode itself.
func (v *Volume) DeleteFile(ino uint32) error {
	v.mu.Lock()
	defer v.mu.Unlock()
	if ino >= v.sb.NrInodes || v.ifree.test(ino) {
		return fmt.Errorf("inode %d is not allocated", ino)
	}
	node, err := v.readInode(ino)
	if err != nil {
		return err
	}
	f := &File{v: v, ino: ino, node: node}
	if err := f.truncateLocked(0); err != nil {
		return err
	}
	var empty diskInode
	if err := v.writeInode(ino, &empty); err != nil {
		return err
	}
	return v.freeInode(ino)
}

func packInto(dst []byte, v any) error {
	w := sliceWriter{b: dst}
	return pack(&w, v)
}

// sliceWriter packs into a fixed prefix of an existing buffer.
type sliceWriter struct {
	b []byte
	n int
}

func (w *sliceWriter) Write(p []byte) (int, error) {
	n := copy(w.b[w.n:], p)
	w.n += n
	if n < len(p) {
		return n, fmt.Errorf("record overflows %d-byte buffer", len(w.b))
	}
	return n, nil
}
