package fs

import "fmt"

// SliceDump is the inspection hook behind the CLI slices command: for
// a slice-stored file it returns each occupied slice's raw 128-byte
// payload labeled by its absolute slice index within the hosting
// block.
type SliceContents struct {
	Block uint32
	Index int
	Data  []byte // always sliceSize bytes
}

func (f *File) SliceDump() ([]SliceContents, error) {
	f.v.mu.Lock()
	defer f.v.mu.Unlock()

	if f.node.Mode != ModeSlice {
		return nil, fmt.Errorf("inode %d is not slice-stored", f.ino)
	}
	block, start := unpackSliceRef(f.node.Ptr)
	run := sliceRunLen(f.node.Size)
	data, err := f.v.readSliceRun(block, start, run)
	if err != nil {
		return nil, err
	}
	out := make([]SliceContents, run)
	for i := range out {
		out[i] = SliceContents{
			Block: block,
			Index: start + i,
			Data:  data[i*sliceSize : (i+1)*sliceSize],
		}
	}
	return out, nil
}
