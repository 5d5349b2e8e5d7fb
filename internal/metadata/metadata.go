// Package metadata computes the fixed-width slot layout for a
// Signature and builds the machine-readable descriptor the wrapper
// synthesizer, orchestrator, and marshaller all consult, matching the
// original implementation's metadata_generator.py.
package metadata

import (
	"encoding/json"
	"fmt"
	"os"

	"github.com/tinyrange/p4jit/internal/config"
	"github.com/tinyrange/p4jit/internal/p4err"
	"github.com/tinyrange/p4jit/internal/sig"
)

// ArgDescriptor is one parameter's slot assignment.
type ArgDescriptor struct {
	Index     int          `json:"index"`
	Slot      int          `json:"slot"`
	SlotCount int          `json:"slot_count"`
	Name      string       `json:"name"`
	Type      string       `json:"type"`
	Category  sig.Category `json:"category"`
	Address   uint32       `json:"address"`
}

// MarshalJSON renders Category as its string form ("value"/"pointer")
// rather than the bare int, matching the original's JSON sidecar.
func (a ArgDescriptor) MarshalJSON() ([]byte, error) {
	type alias struct {
		Index     int    `json:"index"`
		Slot      int    `json:"slot"`
		SlotCount int    `json:"slot_count"`
		Name      string `json:"name"`
		Type      string `json:"type"`
		Category  string `json:"category"`
		Address   uint32 `json:"address"`
	}
	return json.Marshal(alias{
		Index: a.Index, Slot: a.Slot, SlotCount: a.SlotCount,
		Name: a.Name, Type: a.Type, Category: a.Category.String(), Address: a.Address,
	})
}

// UnmarshalJSON is the inverse of MarshalJSON, parsing the string
// category back into a sig.Category.
func (a *ArgDescriptor) UnmarshalJSON(data []byte) error {
	type alias struct {
		Index     int    `json:"index"`
		Slot      int    `json:"slot"`
		SlotCount int    `json:"slot_count"`
		Name      string `json:"name"`
		Type      string `json:"type"`
		Category  string `json:"category"`
		Address   uint32 `json:"address"`
	}
	var v alias
	if err := json.Unmarshal(data, &v); err != nil {
		return err
	}
	*a = ArgDescriptor{
		Index: v.Index, Slot: v.Slot, SlotCount: v.SlotCount,
		Name: v.Name, Type: v.Type, Address: v.Address,
	}
	if v.Category == "pointer" {
		a.Category = sig.CategoryPointer
	} else {
		a.Category = sig.CategoryValue
	}
	return nil
}

// ReturnDescriptor is the trailing slot(s) reserved for the return
// value.
type ReturnDescriptor struct {
	Type      string `json:"type"`
	Slot      int    `json:"slot"`
	SlotCount int    `json:"slot_count"`
	Address   uint32 `json:"address"`
}

// Descriptor is the full machine-readable build descriptor.
type Descriptor struct {
	FunctionName string           `json:"function_name"`
	Args         []ArgDescriptor  `json:"args"`
	Return       ReturnDescriptor `json:"return"`
	IOBase       uint32           `json:"io_base"`
}

// Build assigns slots left-to-right across sig.Parameters, places the
// return value at the tail, and rejects the layout with
// SignatureTooWide if the cumulative slot count exceeds capacity.
func Build(s sig.Signature, tm config.TypeMap, ioBase uint32, capacity int) (Descriptor, error) {
	args := make([]ArgDescriptor, 0, len(s.Parameters))
	slot := 0
	for i, p := range s.Parameters {
		width := slotWidth(p.Type, p.Category, tm)
		args = append(args, ArgDescriptor{
			Index:     i,
			Slot:      slot,
			SlotCount: width,
			Name:      p.Name,
			Type:      p.Type,
			Category:  p.Category,
			Address:   ioBase + uint32(slot*4),
		})
		slot += width
	}

	returnWidth := 0
	if s.ReturnType != "void" && s.ReturnType != "" {
		returnWidth = slotWidth(s.ReturnType, sig.CategoryValue, tm)
	}
	ret := ReturnDescriptor{
		Type:      s.ReturnType,
		Slot:      slot,
		SlotCount: returnWidth,
		Address:   ioBase + uint32(slot*4),
	}

	total := slot + returnWidth
	if total > capacity {
		return Descriptor{}, p4err.New(p4err.KindSignatureTooWide,
			fmt.Sprintf("metadata.Build(%s): %d slots exceeds capacity %d", s.Name, total, capacity))
	}

	return Descriptor{
		FunctionName: s.Name,
		Args:         args,
		Return:       ret,
		IOBase:       ioBase,
	}, nil
}

// slotWidth returns how many 32-bit slots a parameter or return value
// occupies: pointers always take one slot (a device address); scalars
// take one or two depending on their DType width. A type name absent
// from the type map is treated permissively as a single 32-bit slot —
// the same leniency internal/marshal applies when matching dtypes,
// rather than failing the build over an unrecognized spelling.
func slotWidth(cType string, category sig.Category, tm config.TypeMap) int {
	if category == sig.CategoryPointer {
		return 1
	}
	d, ok := tm.Lookup(cType)
	if !ok {
		return 1
	}
	if d.Is64Bit() {
		return 2
	}
	return 1
}

// WriteFile writes the descriptor as indented JSON, the sidecar format
// the original toolchain places next to the built blob.
func (d Descriptor) WriteFile(path string) error {
	data, err := json.MarshalIndent(d, "", "  ")
	if err != nil {
		return fmt.Errorf("metadata.WriteFile(%s): %w", path, err)
	}
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return fmt.Errorf("metadata.WriteFile(%s): %w", path, err)
	}
	return nil
}

// ReadFile loads a previously written descriptor sidecar.
func ReadFile(path string) (Descriptor, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Descriptor{}, fmt.Errorf("metadata.ReadFile(%s): %w", path, err)
	}
	var d Descriptor
	if err := json.Unmarshal(data, &d); err != nil {
		return Descriptor{}, fmt.Errorf("metadata.ReadFile(%s): %w", path, err)
	}
	return d, nil
}
