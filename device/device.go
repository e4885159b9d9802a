// Package device provides block-granularity access to the storage
// underneath a volume: a plain image file, a bbolt database, or an
// in-memory buffer for tests. All implementations move whole 4 KiB
// blocks; partial transfers are an error.
package device

import (
	"errors"

	"github.com/slicefs/slicefs/common"
)

const BlockSize = int(1) << common.BlockShift

var (
	ErrOutOfRange = errors.New("block number out of range")
	ErrShortBlock = errors.New("buffer is not exactly one block")
)

type Device interface {
	// ReadBlock fills buf (exactly BlockSize bytes) with block bno.
	ReadBlock(bno uint32, buf []byte) error
	// WriteBlock writes buf (exactly BlockSize bytes) to block bno.
	WriteBlock(bno uint32, buf []byte) error
	// Blocks is the device capacity in blocks.
	Blocks() uint32
	Sync() error
	Close() error
}

func checkArgs(bno uint32, buf []byte, blocks uint32) error {
	if bno >= blocks {
		return ErrOutOfRange
	}
	if len(buf) != BlockSize {
		return ErrShortBlock
	}
	return nil
}
