package config

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// DType is a closed tagged variant over scalar element kinds: void,
// i8..i64, u8..u64, f32, f64. Pointer is not its own DType value here —
// pointers are modeled at the Signature
// level via Category; DType only names the scalar element kind a
// pointer points to, or a value parameter's own type.
type DType string

const (
	DVoid  DType = "void"
	DI8    DType = "i8"
	DI16   DType = "i16"
	DI32   DType = "i32"
	DI64   DType = "i64"
	DU8    DType = "u8"
	DU16   DType = "u16"
	DU32   DType = "u32"
	DU64   DType = "u64"
	DF32   DType = "f32"
	DF64   DType = "f64"
)

// Size returns the element width in bytes.
func (d DType) Size() int {
	switch d {
	case DI8, DU8:
		return 1
	case DI16, DU16:
		return 2
	case DI32, DU32, DF32:
		return 4
	case DI64, DU64, DF64:
		return 8
	default:
		return 0
	}
}

// Is64Bit reports whether d occupies two 32-bit slots.
func (d DType) Is64Bit() bool {
	return d.Size() == 8
}

// TypeMap is the host-dtype <-> C-type table the wrapper synthesizer
// and argument marshaller use to resolve a parsed C type spelling to
// the DType that marshals it.
type TypeMap struct {
	// CToDType maps a C type spelling (as it appears in a parsed
	// Signature) to the DType it marshals as.
	CToDType map[string]DType `yaml:"c_to_dtype"`
}

// DefaultTypeMap covers the C standard integer/float aliases the
// wrapper synthesizer and marshaller need, matching the original
// implementation's built-in table.
func DefaultTypeMap() TypeMap {
	return TypeMap{CToDType: map[string]DType{
		"void":     DVoid,
		"char":     DI8,
		"int8_t":   DI8,
		"uint8_t":  DU8,
		"int16_t":  DI16,
		"uint16_t": DU16,
		"short":    DI16,
		"int":      DI32,
		"int32_t":  DI32,
		"uint32_t": DU32,
		"unsigned": DU32,
		"long":     DI32,
		"int64_t":  DI64,
		"uint64_t": DU64,
		"float":    DF32,
		"double":   DF64,
	}}
}

// Lookup resolves a C type spelling to a DType, returning DVoid and
// false if unknown; each caller decides how to treat an unknown
// spelling.
func (m TypeMap) Lookup(cType string) (DType, bool) {
	d, ok := m.CToDType[cType]
	if !ok {
		return DVoid, false
	}
	return d, true
}

// LoadTypeMap reads a YAML type-map document, seeded with
// DefaultTypeMap so an override document only needs to name the
// entries it changes or adds.
func LoadTypeMap(path string) (TypeMap, error) {
	tm := DefaultTypeMap()
	data, err := os.ReadFile(path)
	if err != nil {
		return TypeMap{}, fmt.Errorf("config.LoadTypeMap(%s): %w", path, err)
	}
	var overlay TypeMap
	if err := yaml.Unmarshal(data, &overlay); err != nil {
		return TypeMap{}, fmt.Errorf("config.LoadTypeMap(%s): %w", path, err)
	}
	for k, v := range overlay.CToDType {
		tm.CToDType[k] = v
	}
	return tm, nil
}
