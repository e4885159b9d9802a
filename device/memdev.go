package device

// MemDevice is an in-memory device for tests. Individual blocks can be
// armed to fail on read or write to exercise i/o error propagation.
type MemDevice struct {
	data      []byte
	blocks    uint32
	failRead  map[uint32]error
	failWrite map[uint32]error
}

func NewMem(blocks uint32) *MemDevice {
	return &MemDevice{
		data:      make([]byte, int(blocks)*BlockSize),
		blocks:    blocks,
		failRead:  make(map[uint32]error),
		failWrite: make(map[uint32]error),
	}
}

func (d *MemDevice) FailRead(bno uint32, err error)  { d.failRead[bno] = err }
func (d *MemDevice) FailWrite(bno uint32, err error) { d.failWrite[bno] = err }
func (d *MemDevice) ClearFaults() {
	clear(d.failRead)
	clear(d.failWrite)
}

func (d *MemDevice) ReadBlock(bno uint32, buf []byte) error {
	if err := checkArgs(bno, buf, d.blocks); err != nil {
		return err
	}
	if err := d.failRead[bno]; err != nil {
		return err
	}
	copy(buf, d.data[int(bno)*BlockSize:])
	return nil
}

func (d *MemDevice) WriteBlock(bno uint32, buf []byte) error {
	if err := checkArgs(bno, buf, d.blocks); err != nil {
		return err
	}
	if err := d.failWrite[bno]; err != nil {
		return err
	}
	copy(d.data[int(bno)*BlockSize:], buf)
	return nil
}

func (d *MemDevice) Blocks() uint32 { return d.blocks }
func (d *MemDevice) Sync() error    { return nil }
func (d *MemDevice) Close() error   { return nil }
