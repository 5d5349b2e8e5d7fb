package main

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/tinyrange/p4jit/internal/config"
	"github.com/tinyrange/p4jit/internal/marshal"
	"github.com/tinyrange/p4jit/internal/sig"
)

// parseCallArg converts one command-line -arg value into the any the
// Marshaller expects: a scalar for a value parameter, a marshal.Array
// for a pointer parameter, given as a comma-separated element list.
func parseCallArg(p sig.Parameter, tm config.TypeMap, raw string) (any, error) {
	dtype, ok := tm.Lookup(p.Type)
	if !ok {
		return nil, fmt.Errorf("no dtype mapping for C type %q (parameter %s)", p.Type, p.Name)
	}

	if p.Category == sig.CategoryPointer {
		return parseArrayArg(dtype, raw)
	}
	return parseScalarArg(dtype, raw)
}

func parseArrayArg(dtype config.DType, raw string) (marshal.Array, error) {
	parts := strings.Split(raw, ",")
	switch dtype {
	case config.DI8:
		vals, err := parseInts[int8](parts, 8)
		return marshal.Int8Array(vals), err
	case config.DU8:
		vals, err := parseUints[uint8](parts, 8)
		return marshal.Uint8Array(vals), err
	case config.DI16:
		vals, err := parseInts[int16](parts, 16)
		return marshal.Int16Array(vals), err
	case config.DU16:
		vals, err := parseUints[uint16](parts, 16)
		return marshal.Uint16Array(vals), err
	case config.DI32:
		vals, err := parseInts[int32](parts, 32)
		return marshal.Int32Array(vals), err
	case config.DU32:
		vals, err := parseUints[uint32](parts, 32)
		return marshal.Uint32Array(vals), err
	case config.DI64:
		vals, err := parseInts[int64](parts, 64)
		return marshal.Int64Array(vals), err
	case config.DU64:
		vals, err := parseUints[uint64](parts, 64)
		return marshal.Uint64Array(vals), err
	case config.DF32:
		vals, err := parseFloats32(parts)
		return marshal.Float32Array(vals), err
	case config.DF64:
		vals, err := parseFloats64(parts)
		return marshal.Float64Array(vals), err
	default:
		return marshal.Array{}, fmt.Errorf("array argument has unsupported element dtype %q", dtype)
	}
}

func parseScalarArg(dtype config.DType, raw string) (any, error) {
	raw = strings.TrimSpace(raw)
	switch dtype {
	case config.DI8:
		v, err := strconv.ParseInt(raw, 0, 8)
		return int8(v), err
	case config.DU8:
		v, err := strconv.ParseUint(raw, 0, 8)
		return uint8(v), err
	case config.DI16:
		v, err := strconv.ParseInt(raw, 0, 16)
		return int16(v), err
	case config.DU16:
		v, err := strconv.ParseUint(raw, 0, 16)
		return uint16(v), err
	case config.DI32:
		v, err := strconv.ParseInt(raw, 0, 32)
		return int32(v), err
	case config.DU32:
		v, err := strconv.ParseUint(raw, 0, 32)
		return uint32(v), err
	case config.DI64:
		return strconv.ParseInt(raw, 0, 64)
	case config.DU64:
		return strconv.ParseUint(raw, 0, 64)
	case config.DF32:
		v, err := strconv.ParseFloat(raw, 32)
		return float32(v), err
	case config.DF64:
		return strconv.ParseFloat(raw, 64)
	default:
		return nil, fmt.Errorf("scalar argument has unsupported dtype %q", dtype)
	}
}

func parseInts[T ~int8 | ~int16 | ~int32 | ~int64](parts []string, bits int) ([]T, error) {
	out := make([]T, len(parts))
	for i, p := range parts {
		v, err := strconv.ParseInt(strings.TrimSpace(p), 0, bits)
		if err != nil {
			return nil, fmt.Errorf("element %d: %w", i, err)
		}
		out[i] = T(v)
	}
	return out, nil
}

func parseUints[T ~uint8 | ~uint16 | ~uint32 | ~uint64](parts []string, bits int) ([]T, error) {
	out := make([]T, len(parts))
	for i, p := range parts {
		v, err := strconv.ParseUint(strings.TrimSpace(p), 0, bits)
		if err != nil {
			return nil, fmt.Errorf("element %d: %w", i, err)
		}
		out[i] = T(v)
	}
	return out, nil
}

func parseFloats32(parts []string) ([]float32, error) {
	out := make([]float32, len(parts))
	for i, p := range parts {
		v, err := strconv.ParseFloat(strings.TrimSpace(p), 32)
		if err != nil {
			return nil, fmt.Errorf("element %d: %w", i, err)
		}
		out[i] = float32(v)
	}
	return out, nil
}

func parseFloats64(parts []string) ([]float64, error) {
	out := make([]float64, len(parts))
	for i, p := range parts {
		v, err := strconv.ParseFloat(strings.TrimSpace(p), 64)
		if err != nil {
			return nil, fmt.Errorf("element %d: %w", i, err)
		}
		out[i] = v
	}
	return out, nil
}

// repeatedFlag collects a -arg flag passed more than once, in order.
type repeatedFlag []string

func (r *repeatedFlag) String() string { return strings.Join(*r, ",") }

func (r *repeatedFlag) Set(s string) error {
	*r = append(*r, s)
	return nil
}
