package main

import (
	"testing"

	"github.com/tinyrange/p4jit/internal/config"
	"github.com/tinyrange/p4jit/internal/marshal"
	"github.com/tinyrange/p4jit/internal/sig"
)

func TestParseCallArg_ScalarInt32(t *testing.T) {
	tm := config.DefaultTypeMap()
	p := sig.Parameter{Name: "count", Type: "int32_t", Category: sig.CategoryValue}

	v, err := parseCallArg(p, tm, "42")
	if err != nil {
		t.Fatalf("parseCallArg: %v", err)
	}
	if v != int32(42) {
		t.Fatalf("got %#v, want int32(42)", v)
	}
}

func TestParseCallArg_PointerArray(t *testing.T) {
	tm := config.DefaultTypeMap()
	p := sig.Parameter{Name: "data", Type: "int8_t", Category: sig.CategoryPointer}

	v, err := parseCallArg(p, tm, "1,2,3")
	if err != nil {
		t.Fatalf("parseCallArg: %v", err)
	}
	arr, ok := v.(marshal.Array)
	if !ok {
		t.Fatalf("got %T, want marshal.Array", v)
	}
	if arr.Len() != 3 || arr.DType() != config.DI8 {
		t.Fatalf("array = %+v, want length 3 of DI8", arr)
	}
}

func TestParseCallArg_UnknownTypeFails(t *testing.T) {
	tm := config.DefaultTypeMap()
	p := sig.Parameter{Name: "x", Type: "struct foo", Category: sig.CategoryValue}

	if _, err := parseCallArg(p, tm, "1"); err == nil {
		t.Fatal("expected an error for an unmapped C type")
	}
}

func TestParseCallArg_MalformedScalarFails(t *testing.T) {
	tm := config.DefaultTypeMap()
	p := sig.Parameter{Name: "count", Type: "int32_t", Category: sig.CategoryValue}

	if _, err := parseCallArg(p, tm, "not-a-number"); err == nil {
		t.Fatal("expected an error for a malformed scalar")
	}
}

func TestRepeatedFlag_CollectsInOrder(t *testing.T) {
	var r repeatedFlag
	for _, v := range []string{"1,2,3", "4"} {
		if err := r.Set(v); err != nil {
			t.Fatalf("Set(%q): %v", v, err)
		}
	}
	if len(r) != 2 || r[0] != "1,2,3" || r[1] != "4" {
		t.Fatalf("repeatedFlag = %v, want [1,2,3 4]", r)
	}
}
