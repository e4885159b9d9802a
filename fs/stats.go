package fs

// Stats is a snapshot of the space-accounting record.
type Stats struct {
	TotalBlocks  uint32
	FreeBlocks   uint32
	TotalInodes  uint32
	FreeInodes   uint32
	SlicedBlocks uint32 // blocks partitioned into slices
	FreeSlices   uint32 // free data slices across all sliced blocks
	Files        uint32 // files currently holding data
	SmallFiles   uint32 // of those, slice-stored
	DataBytes    uint64 // user bytes stored
	StorageBytes uint64 // underlying blocks consumed, in bytes
}

func (v *Volume) Stats() Stats {
	v.mu.Lock()
	defer v.mu.Unlock()
	return Stats{
		TotalBlocks:  v.sb.NrBlocks,
		FreeBlocks:   v.sb.NrFreeBlocks,
		TotalInodes:  v.sb.NrInodes,
		FreeInodes:   v.sb.NrFreeInodes,
		SlicedBlocks: v.sb.NrSlicedBlocks,
		FreeSlices:   v.sb.NrFreeSlices,
		Files:        v.sb.NrFiles,
		SmallFiles:   v.sb.NrSmallFiles,
		DataBytes:    v.sb.DataBytes,
		StorageBytes: v.sb.StorageBytes,
	}
}
