package session

import (
	"bytes"
	"encoding/binary"
	"fmt"
)

func encodeU32LE(vals ...uint32) []byte {
	buf := make([]byte, 4*len(vals))
	for i, v := range vals {
		binary.LittleEndian.PutUint32(buf[i*4:], v)
	}
	return buf
}

func decodeDeviceInfo(payload []byte) (DeviceInfo, error) {
	const want = 1 + 1 + 2 + 4 + 4 + 4 + 16
	if len(payload) < want {
		return DeviceInfo{}, fmt.Errorf("session: GET_INFO payload too short: got %d want %d", len(payload), want)
	}
	info := DeviceInfo{
		ProtocolMajor:  payload[0],
		ProtocolMinor:  payload[1],
		MaxPayload:     binary.LittleEndian.Uint32(payload[4:8]),
		CacheLine:      binary.LittleEndian.Uint32(payload[8:12]),
		MaxAllocations: binary.LittleEndian.Uint32(payload[12:16]),
	}
	raw := payload[16:32]
	info.FirmwareVersion = string(bytes.TrimRight(raw, "\x00"))
	return info, nil
}

func decodeAllocResponse(payload []byte) (addr uint32, errCode uint32, err error) {
	if len(payload) < 8 {
		return 0, 0, fmt.Errorf("session: ALLOC response too short: got %d want 8", len(payload))
	}
	addr = binary.LittleEndian.Uint32(payload[0:4])
	errCode = binary.LittleEndian.Uint32(payload[4:8])
	return addr, errCode, nil
}

func decodeHeapInfo(payload []byte) (HeapInfo, error) {
	if len(payload) < 16 {
		return HeapInfo{}, fmt.Errorf("session: HEAP_INFO response too short: got %d want 16", len(payload))
	}
	return HeapInfo{
		FreeSPIRAM:    binary.LittleEndian.Uint32(payload[0:4]),
		TotalSPIRAM:   binary.LittleEndian.Uint32(payload[4:8]),
		FreeInternal:  binary.LittleEndian.Uint32(payload[8:12]),
		TotalInternal: binary.LittleEndian.Uint32(payload[12:16]),
	}, nil
}

func decodeExecResponse(payload []byte) (uint32, error) {
	if len(payload) < 4 {
		return 0, fmt.Errorf("session: EXEC response too short: got %d want 4", len(payload))
	}
	return binary.LittleEndian.Uint32(payload[0:4]), nil
}
