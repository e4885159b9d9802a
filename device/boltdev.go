package device

import (
	"encoding/binary"
	"errors"

	"go.etcd.io/bbolt"
)

var (
	blocksBucket = []byte("blocks")
	metaBucket   = []byte("meta")
	capacityKey  = []byte("capacity")
)

// BoltDevice stores blocks as values in a bbolt bucket, keyed by
// big-endian block number. Absent keys read as zero blocks, so a
// sparse volume stays sparse in the database.
type BoltDevice struct {
	db     *bbolt.DB
	blocks uint32
}

func CreateBolt(path string, blocks uint32) (*BoltDevice, error) {
	db, err := bbolt.Open(path, 0o644, nil)
	if err != nil {
		return nil, err
	}
	err = db.Update(func(tx *bbolt.Tx) error {
		if _, err := tx.CreateBucketIfNotExists(blocksBucket); err != nil {
			return err
		}
		mb, err := tx.CreateBucketIfNotExists(metaBucket)
		if err != nil {
			return err
		}
		var v [4]byte
		binary.BigEndian.PutUint32(v[:], blocks)
		return mb.Put(capacityKey, v[:])
	})
	if err != nil {
		db.Close()
		return nil, err
	}
	return &BoltDevice{db: db, blocks: blocks}, nil
}

func OpenBolt(path string) (*BoltDevice, error) {
	db, err := bbolt.Open(path, 0o644, nil)
	if err != nil {
		return nil, err
	}
	var blocks uint32
	err = db.View(func(tx *bbolt.Tx) error {
		mb := tx.Bucket(metaBucket)
		if mb == nil {
			return errors.New("not a slicefs bolt image")
		}
		v := mb.Get(capacityKey)
		if len(v) != 4 {
			return errors.New("bolt image has no capacity record")
		}
		blocks = binary.BigEndian.Uint32(v)
		return nil
	})
	if err != nil {
		db.Close()
		return nil, err
	}
	return &BoltDevice{db: db, blocks: blocks}, nil
}

func blockKey(bno uint32) []byte {
	var k [4]byte
	binary.BigEndian.PutUint32(k[:], bno)
	return k[:]
}

func (d *BoltDevice) ReadBlock(bno uint32, buf []byte) error {
	if err := checkArgs(bno, buf, d.blocks); err != nil {
		return err
	}
	return d.db.View(func(tx *bbolt.Tx) error {
		v := tx.Bucket(blocksBucket).Get(blockKey(bno))
		if v == nil {
			clear(buf)
			return nil
		}
		if len(v) != BlockSize {
			return errors.New("stored block has wrong size")
		}
		copy(buf, v)
		return nil
	})
}

func (d *BoltDevice) WriteBlock(bno uint32, buf []byte) error {
	if err := checkArgs(bno, buf, d.blocks); err != nil {
		return err
	}
	return d.db.Update(func(tx *bbolt.Tx) error {
		return tx.Bucket(blocksBucket).Put(blockKey(bno), buf)
	})
}

func (d *BoltDevice) Blocks() uint32 { return d.blocks }

func (d *BoltDevice) Sync() error { return d.db.Sync() }

func (d *BoltDevice) Close() error { return d.db.Close() }
