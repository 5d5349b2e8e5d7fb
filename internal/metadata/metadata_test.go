package metadata

import (
	"path/filepath"
	"testing"

	"github.com/tinyrange/p4jit/internal/config"
	"github.com/tinyrange/p4jit/internal/sig"
)

func testSignature() sig.Signature {
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

func TestBuild_SlotAssignment(t *testing.T) {
	d, err := Build(testSignature(), config.DefaultTypeMap(), 0x4000_0000, 32)
	if err != nil {
		t.Fatalf("Build: %v", err)
	}
	want := []struct {
		slot, slotCount int
	}{
		{0, 1}, // data: pointer, 1 slot
		{1, 1}, // count: int32_t, 1 slot
		{2, 2}, // factor: double, 2 slots
	}
	if len(d.Args) != len(want) {
		t.Fatalf("len(Args) = %d, want %d", len(d.Args), len(want))
	}
	for i, w := range want {
		if d.Args[i].Slot != w.slot || d.Args[i].SlotCount != w.slotCount {
			t.Errorf("arg %d = {slot:%d count:%d}, want {slot:%d count:%d}",
				i, d.Args[i].Slot, d.Args[i].SlotCount, w.slot, w.slotCount)
		}
	}
	if d.Return.Slot != 4 || d.Return.SlotCount != 2 {
		t.Errorf("Return = %+v, want slot 4 count 2 (int64_t)", d.Return)
	}
	if d.Args[0].Address != d.IOBase {
		t.Errorf("Args[0].Address = %#x, want IOBase %#x", d.Args[0].Address, d.IOBase)
	}
}

func TestBuild_RejectsOversizedSignature(t *testing.T) {
	s := sig.Signature{
		Name:       "huge",
		ReturnType: "void",
		Parameters: []sig.Parameter{
			{Name: "a", Type: "double", Category: sig.CategoryValue},
			{Name: "b", Type: "double", Category: sig.CategoryValue},
		},
	}
	_, err := Build(s, config.DefaultTypeMap(), 0, 3)
	if err == nil {
		t.Fatal("expected SignatureTooWide error")
	}
}

func TestBuild_VoidReturnHasNoSlots(t *testing.T) {
	s := sig.Signature{Name: "f", ReturnType: "void"}
	d, err := Build(s, config.DefaultTypeMap(), 0, 32)
	if err != nil {
		t.Fatal(err)
	}
	if d.Return.SlotCount != 0 {
		t.Errorf("Return.SlotCount = %d, want 0", d.Return.SlotCount)
	}
}

func TestDescriptor_WriteAndReadFileRoundTrip(t *testing.T) {
	d, err := Build(testSignature(), config.DefaultTypeMap(), 0x1000, 32)
	if err != nil {
		t.Fatal(err)
	}
	path := filepath.Join(t.TempDir(), "scale_array.json")
	if err := d.WriteFile(path); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}
	got, err := ReadFile(path)
	if err != nil {
		t.Fatalf("ReadFile: %v", err)
	}
	if got.FunctionName != d.FunctionName || len(got.Args) != len(d.Args) {
		t.Fatalf("round trip mismatch: got %+v, want %+v", got, d)
	}
	if got.Args[0].Category != sig.CategoryPointer {
		t.Errorf("round-tripped Args[0].Category = %v, want pointer", got.Args[0].Category)
	}
}
