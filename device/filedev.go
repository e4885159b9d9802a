package device

import (
	"fmt"
	"os"
)

// FileDevice backs a volume with a regular image file (or a raw block
// device node). I/O is positional pread/pwrite, one block at a time.
type FileDevice struct {
	f      *os.File
	blocks uint32
}

// CreateFile makes a new image file of the given size, zero-filled by
// the filesystem hole semantics of truncate.
func CreateFile(path string, blocks uint32) (*FileDevice, error) {
	f, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE|os.O_TRUNC, 0o644)
	if err != nil {
		return nil, err
	}
	if err := f.Truncate(int64(blocks) * int64(BlockSize)); err != nil {
		f.Close()
		return nil, err
	}
	return &FileDevice{f: f, blocks: blocks}, nil
}

func OpenFile(path string) (*FileDevice, error) {
	f, err := os.OpenFile(path, os.O_RDWR, 0)
	if err != nil {
		return nil, err
	}
	st, err := f.Stat()
	if err != nil {
		f.Close()
		return nil, err
	}
	if st.Size()%int64(BlockSize) != 0 {
		f.Close()
		return nil, fmt.Errorf("image size %d is not a multiple of the block size", st.Size())
	}
	return &FileDevice{f: f, blocks: uint32(st.Size() / int64(BlockSize))}, nil
}

func (d *FileDevice) ReadBlock(bno uint32, buf []byte) error {
	if err := checkArgs(bno, buf, d.blocks); err != nil {
		return err
	}
	_, err := d.f.ReadAt(buf, int64(bno)*int64(BlockSize))
	return err
}

func (d *FileDevice) WriteBlock(bno uint32, buf []byte) error {
	if err := checkArgs(bno, buf, d.blocks); err != nil {
		return err
	}
	_, err := d.f.WriteAt(buf, int64(bno)*int64(BlockSize))
	return err
}

func (d *FileDevice) Blocks() uint32 { return d.blocks }
func (d *FileDevice) Sync() error    { return d.f.Sync() }
func (d *FileDevice) Close() error   { return d.f.Close() }
