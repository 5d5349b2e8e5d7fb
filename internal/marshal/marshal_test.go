package marshal

import (
	"encoding/binary"
	"io"
	"log/slog"
	"testing"

	"github.com/tinyrange/p4jit/internal/config"
	"github.com/tinyrange/p4jit/internal/metadata"
	"github.com/tinyrange/p4jit/internal/sig"
)

type fakeSession struct {
	nextAddr uint32
	mem      map[uint32][]byte
	freed    []uint32
	allocErr error
}

func newFakeSession() *fakeSession {
	return &fakeSession{nextAddr: 0x2000, mem: map[uint32][]byte{}}
}

func (f *fakeSession) Allocate(size, caps, alignment uint32) (uint32, error) {
	if f.allocErr != nil {
		return 0, f.allocErr
	}
	addr := f.nextAddr
	f.nextAddr += size
	f.mem[addr] = make([]byte, size)
	return addr, nil
}

func (f *fakeSession) Free(addr uint32) error {
	f.freed = append(f.freed, addr)
	delete(f.mem, addr)
	return nil
}

func (f *fakeSession) WriteMemory(addr uint32, data []byte, skipBounds bool) error {
	buf, ok := f.mem[addr]
	if !ok {
		buf = make([]byte, len(data))
		f.mem[addr] = buf
	}
	copy(buf, data)
	return nil
}

func (f *fakeSession) ReadMemory(addr, size uint32, skipBounds bool) ([]byte, error) {
	buf, ok := f.mem[addr]
	if !ok {
		return make([]byte, size), nil
	}
	return append([]byte(nil), buf[:size]...), nil
}

func noopLogger() *slog.Logger { return slog.New(slog.NewTextHandler(io.Discard, nil)) }

func scaleArraySignature() sig.Signature {
	return sig.Signature{
		Name:       "scale_array",
		ReturnType: "int64_t",
		Parameters: []sig.Parameter{
			{Name: "data", Type: "int32_t", Category: sig.CategoryPointer},
			{Name: "count", Type: "int32_t", Category: sig.CategoryValue},
			{Name: "factor", Type: "double", Category: sig.CategoryValue},
		},
	}
}

func TestPack_PointerAndScalarArgs(t *testing.T) {
	s := scaleArraySignature()
	tm := config.DefaultTypeMap()
	desc, err := metadata.Build(s, tm, 0x1000, 32)
	if err != nil {
		t.Fatal(err)
	}
	sess := newFakeSession()
	m := New(sess, s, desc, tm, true, noopLogger())

	data := []int32{1, 2, 3, 4}
	payload, err := m.Pack([]any{Int32Array(data), int32(4), float64(2.5)})
	if err != nil {
		t.Fatalf("Pack: %v", err)
	}
	if len(payload) != 16 { // data: 1 slot, count: 1 slot, factor: 2 slots = 4 slots = 16 bytes
		t.Fatalf("len(payload) = %d, want 16", len(payload))
	}
	arrAddr := binary.LittleEndian.Uint32(payload[0:4])
	if _, ok := sess.mem[arrAddr]; !ok {
		t.Fatalf("pointer argument was not allocated on the device")
	}
	if got := binary.LittleEndian.Uint32(payload[4:8]); got != 4 {
		t.Errorf("count slot = %d, want 4", got)
	}
	factorBits := binary.LittleEndian.Uint64(payload[8:16])
	if factorBits == 0 {
		t.Errorf("factor slot is zero")
	}

	m.Cleanup()
	if len(sess.freed) != 1 || sess.freed[0] != arrAddr {
		t.Fatalf("Cleanup freed %v, want [%d]", sess.freed, arrAddr)
	}
}

func TestPack_ArityMismatch(t *testing.T) {
	s := scaleArraySignature()
	tm := config.DefaultTypeMap()
	desc, _ := metadata.Build(s, tm, 0x1000, 32)
	m := New(newFakeSession(), s, desc, tm, false, noopLogger())
	_, err := m.Pack([]any{int32(1)})
	if err == nil {
		t.Fatal("expected arity mismatch error")
	}
}

func TestPack_DtypeExactMatch(t *testing.T) {
	s := sig.Signature{
		Name: "f", ReturnType: "void",
		Parameters: []sig.Parameter{{Name: "p", Type: "int32_t", Category: sig.CategoryPointer}},
	}
	tm := config.DefaultTypeMap()
	desc, _ := metadata.Build(s, tm, 0, 32)
	m := New(newFakeSession(), s, desc, tm, false, noopLogger())
	_, err := m.Pack([]any{Int32Array([]int32{1, 2})})
	if err != nil {
		t.Fatalf("exact dtype match should succeed: %v", err)
	}
}

func TestPack_DtypeSizeCompatible(t *testing.T) {
	s := sig.Signature{
		Name: "f", ReturnType: "void",
		Parameters: []sig.Parameter{{Name: "p", Type: "uint32_t", Category: sig.CategoryPointer}},
	}
	tm := config.DefaultTypeMap()
	desc, _ := metadata.Build(s, tm, 0, 32)
	m := New(newFakeSession(), s, desc, tm, false, noopLogger())
	// int32_t host array against a uint32_t* parameter: different
	// exact type, same element size, so the permissive match accepts it.
	_, err := m.Pack([]any{Int32Array([]int32{1, 2})})
	if err != nil {
		t.Fatalf("size-compatible dtype match should succeed: %v", err)
	}
}

func TestSyncBack_WritesModifiedDataIntoHostSlice(t *testing.T) {
	s := sig.Signature{
		Name: "double_in_place", ReturnType: "void",
		Parameters: []sig.Parameter{{Name: "data", Type: "int32_t", Category: sig.CategoryPointer}},
	}
	tm := config.DefaultTypeMap()
	desc, _ := metadata.Build(s, tm, 0, 32)
	sess := newFakeSession()
	m := New(sess, s, desc, tm, true, noopLogger())

	host := []int32{1, 2, 3}
	payload, err := m.Pack([]any{Int32Array(host)})
	if err != nil {
		t.Fatal(err)
	}
	addr := binary.LittleEndian.Uint32(payload[0:4])

	doubled := make([]byte, 12)
	binary.LittleEndian.PutUint32(doubled[0:4], 2)
	binary.LittleEndian.PutUint32(doubled[4:8], 4)
	binary.LittleEndian.PutUint32(doubled[8:12], 6)
	sess.mem[addr] = doubled

	m.SyncBack()
	if host[0] != 2 || host[1] != 4 || host[2] != 6 {
		t.Fatalf("host slice after SyncBack = %v, want [2 4 6]", host)
	}
}

func TestSyncBack_NoOpWhenSyncDisabled(t *testing.T) {
	s := sig.Signature{
		Name: "double_in_place", ReturnType: "void",
		Parameters: []sig.Parameter{{Name: "data", Type: "int32_t", Category: sig.CategoryPointer}},
	}
	tm := config.DefaultTypeMap()
	desc, _ := metadata.Build(s, tm, 0, 32)
	sess := newFakeSession()
	m := New(sess, s, desc, tm, false, noopLogger()) // syncBack disabled

	host := []int32{1, 2, 3}
	payload, err := m.Pack([]any{Int32Array(host)})
	if err != nil {
		t.Fatal(err)
	}
	addr := binary.LittleEndian.Uint32(payload[0:4])

	doubled := make([]byte, 12)
	binary.LittleEndian.PutUint32(doubled[0:4], 2)
	binary.LittleEndian.PutUint32(doubled[4:8], 4)
	binary.LittleEndian.PutUint32(doubled[8:12], 6)
	sess.mem[addr] = doubled

	m.SyncBack()
	if host[0] != 1 || host[1] != 2 || host[2] != 3 {
		t.Fatalf("host slice after SyncBack with sync disabled = %v, want unchanged [1 2 3]", host)
	}
}

func TestReadReturn_VoidIsNil(t *testing.T) {
	s := sig.Signature{Name: "f", ReturnType: "void"}
	tm := config.DefaultTypeMap()
	desc, _ := metadata.Build(s, tm, 0x1000, 32)
	m := New(newFakeSession(), s, desc, tm, false, noopLogger())
	v, err := m.ReadReturn()
	if err != nil || v != nil {
		t.Fatalf("ReadReturn on void = %v, %v; want nil, nil", v, err)
	}
}

func TestReadReturn_Int64(t *testing.T) {
	s := scaleArraySignature()
	tm := config.DefaultTypeMap()
	desc, _ := metadata.Build(s, tm, 0x1000, 32)
	sess := newFakeSession()
	buf := make([]byte, 8)
	binary.LittleEndian.PutUint64(buf, 0xFFFFFFFFFFFFFFF6) // -10 as int64
	sess.mem[desc.Return.Address] = buf
	m := New(sess, s, desc, tm, false, noopLogger())

	v, err := m.ReadReturn()
	if err != nil {
		t.Fatal(err)
	}
	i64, ok := v.(int64)
	if !ok || i64 != -10 {
		t.Fatalf("ReadReturn = %#v, want int64(-10)", v)
	}
}

func TestReadReturn_PointerReturnIsUint32Address(t *testing.T) {
	s := sig.Signature{Name: "get_buffer", ReturnType: "uint8_t *"}
	tm := config.DefaultTypeMap()
	desc, _ := metadata.Build(s, tm, 0x1000, 32)
	sess := newFakeSession()
	buf := make([]byte, 4)
	binary.LittleEndian.PutUint32(buf, 0xDEAD1000)
	sess.mem[desc.Return.Address] = buf
	m := New(sess, s, desc, tm, false, noopLogger())

	v, err := m.ReadReturn()
	if err != nil {
		t.Fatal(err)
	}
	addr, ok := v.(uint32)
	if !ok || addr != 0xDEAD1000 {
		t.Fatalf("ReadReturn = %#v, want uint32(0xDEAD1000)", v)
	}
}
