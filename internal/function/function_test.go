package function

import (
	"encoding/binary"
	"io"
	"log/slog"
	"testing"

	"github.com/tinyrange/p4jit/internal/config"
	"github.com/tinyrange/p4jit/internal/marshal"
	"github.com/tinyrange/p4jit/internal/metadata"
	"github.com/tinyrange/p4jit/internal/p4err"
	"github.com/tinyrange/p4jit/internal/sig"
)

type fakeSession struct {
	nextAddr uint32
	mem      map[uint32][]byte
	freed    []uint32

	execAddr     []uint32
	execRet      uint32
	execErr      error
	unregistered []uint64
}

func newFakeSession() *fakeSession {
	return &fakeSession{nextAddr: 0x2000, mem: map[uint32][]byte{}}
}

func (f *fakeSession) Allocate(size, caps, alignment uint32) (uint32, error) {
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

func (f *fakeSession) Execute(addr uint32) (uint32, error) {
	f.execAddr = append(f.execAddr, addr)
	return f.execRet, f.execErr
}

func (f *fakeSession) UnregisterFunction(id uint64) {
	f.unregistered = append(f.unregistered, id)
}

func noopLogger() *slog.Logger { return slog.New(slog.NewTextHandler(io.Discard, nil)) }

func sumArraySignature() sig.Signature {
	return sig.Signature{
		Name:       "sum_array",
		ReturnType: "int32_t",
		Parameters: []sig.Parameter{
			{Name: "data", Type: "int8_t", Category: sig.CategoryPointer},
			{Name: "count", Type: "int32_t", Category: sig.CategoryValue},
		},
	}
}

func newTestHandle(t *testing.T, sess *fakeSession, s sig.Signature, smart bool) (*LoadedFunction, metadata.Descriptor) {
	t.Helper()
	tm := config.DefaultTypeMap()
	desc, err := metadata.Build(s, tm, 0x3000, 32)
	if err != nil {
		t.Fatalf("metadata.Build: %v", err)
	}
	codeAddr := uint32(0x1000)
	execAddr := uint32(0x1010) // deliberately distinct from codeAddr
	argsAddr := uint32(0x3000)
	funcID := uint64(7)
	f := New(sess, s, desc, tm, codeAddr, execAddr, argsAddr, funcID, smart, noopLogger())
	return f, desc
}

func TestCall_SmartModePacksWritesExecutesAndReads(t *testing.T) {
	sess := newFakeSession()
	s := sumArraySignature()
	f, desc := newTestHandle(t, sess, s, true)

	ret := make([]byte, 4)
	binary.LittleEndian.PutUint32(ret, 42)
	sess.mem[desc.Return.Address] = ret

	data := []int8{1, 2, 3}
	v, err := f.Call(marshal.Int8Array(data), int32(3))
	if err != nil {
		t.Fatalf("Call: %v", err)
	}
	i32, ok := v.(int32)
	if !ok || i32 != 42 {
		t.Fatalf("Call returned %#v, want int32(42)", v)
	}
	if len(sess.execAddr) != 1 || sess.execAddr[0] != f.ExecAddress() {
		t.Fatalf("Execute called with %v, want [%d]", sess.execAddr, f.ExecAddress())
	}
	if _, ok := sess.mem[f.ArgsAddress()]; !ok {
		t.Fatalf("args buffer was not written")
	}
	// Smart mode constructs a fresh Marshaller per call, so its
	// allocations (the array's backing storage) should already be freed.
	if len(sess.freed) != 1 {
		t.Fatalf("expected the per-call array allocation to be freed, freed=%v", sess.freed)
	}
}

func TestCall_RawModeWritesBufferAndReturnsRawExecuteResult(t *testing.T) {
	sess := newFakeSession()
	sess.execRet = 0xABCD
	s := sumArraySignature()
	f, _ := newTestHandle(t, sess, s, false)

	buf := []byte{1, 2, 3, 4}
	v, err := f.Call(buf)
	if err != nil {
		t.Fatalf("Call: %v", err)
	}
	ret, ok := v.(uint32)
	if !ok || ret != 0xABCD {
		t.Fatalf("Call returned %#v, want uint32(0xABCD)", v)
	}
	got := sess.mem[f.ArgsAddress()][:4]
	for i, b := range buf {
		if got[i] != b {
			t.Fatalf("args buffer = %v, want %v", got, buf)
		}
	}
}

func TestCall_RawModeRejectsWrongArity(t *testing.T) {
	sess := newFakeSession()
	f, _ := newTestHandle(t, sess, sumArraySignature(), false)
	if _, err := f.Call([]byte{1}, []byte{2}); err == nil {
		t.Fatal("expected an error for more than one raw-mode argument")
	}
}

func TestCall_RawModeRejectsNonByteSliceArgument(t *testing.T) {
	sess := newFakeSession()
	f, _ := newTestHandle(t, sess, sumArraySignature(), false)
	if _, err := f.Call(int32(5)); err == nil {
		t.Fatal("expected an error for a non-[]byte raw-mode argument")
	}
}

func TestCall_FailsFastOnReleasedHandle(t *testing.T) {
	sess := newFakeSession()
	f, _ := newTestHandle(t, sess, sumArraySignature(), true)
	f.Free()

	_, err := f.Call(marshal.Int8Array([]int8{1}), int32(1))
	if p4err.KindOf(err) != p4err.KindFunctionReleased {
		t.Fatalf("Call after Free: err = %v, want KindFunctionReleased", err)
	}
}

func TestFree_ReleasesBothAllocationsAndIsIdempotent(t *testing.T) {
	sess := newFakeSession()
	f, _ := newTestHandle(t, sess, sumArraySignature(), true)

	f.Free()
	if f.Valid() {
		t.Fatal("handle should be invalid after Free")
	}
	wantFreed := map[uint32]bool{f.CodeAddress(): true, f.ArgsAddress(): true}
	if len(sess.freed) != 2 || !wantFreed[sess.freed[0]] || !wantFreed[sess.freed[1]] {
		t.Fatalf("freed = %v, want both %d and %d", sess.freed, f.CodeAddress(), f.ArgsAddress())
	}

	if len(sess.unregistered) != 1 || sess.unregistered[0] != 7 {
		t.Fatalf("unregistered = %v, want [7]", sess.unregistered)
	}

	f.Free() // idempotent: no additional frees
	if len(sess.freed) != 2 {
		t.Fatalf("second Free should be a no-op, freed = %v", sess.freed)
	}
	if len(sess.unregistered) != 1 {
		t.Fatalf("second Free should not unregister again, unregistered = %v", sess.unregistered)
	}
}
