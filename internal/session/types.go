package session

// DeviceInfo is the device's self-description, fetched once per
// connect via GET_INFO.
type DeviceInfo struct {
	ProtocolMajor   uint8
	ProtocolMinor   uint8
	MaxPayload      uint32
	CacheLine       uint32
	MaxAllocations  uint32
	FirmwareVersion string
}

// HeapInfo reports the device's free/total memory pools, in bytes, as
// returned by HEAP_INFO.
type HeapInfo struct {
	FreeSPIRAM    uint32
	TotalSPIRAM   uint32
	FreeInternal  uint32
	TotalInternal uint32
}

// AllocationRecord describes one live device allocation.
type AllocationRecord struct {
	Address   uint32
	Size      uint32
	Caps      uint32
	Alignment uint32
}

// end returns the exclusive upper bound of the allocation's address range.
func (r AllocationRecord) end() uint64 {
	return uint64(r.Address) + uint64(r.Size)
}

// contains reports whether [addr, addr+size) lies entirely within r.
func (r AllocationRecord) contains(addr uint32, size uint32) bool {
	lo := uint64(addr)
	hi := lo + uint64(size)
	return lo >= uint64(r.Address) && hi <= r.end()
}
