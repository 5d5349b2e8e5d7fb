package build

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func TestDiscoverSources_IncludesConfiguredSiblingsOnly(t *testing.T) {
	dir := t.TempDir()
	entry := filepath.Join(dir, "target.c")
	sibling := filepath.Join(dir, "helper.c")
	ignored := filepath.Join(dir, "notes.txt")
	for _, p := range []string{entry, sibling, ignored} {
		if err := os.WriteFile(p, []byte("// x"), 0o644); err != nil {
			t.Fatal(err)
		}
	}

	got, err := discoverSources(entry, map[string]string{".c": "cc"})
	if err != nil {
		t.Fatalf("discoverSources: %v", err)
	}
	if got[0] != entry {
		t.Fatalf("first entry = %s, want %s", got[0], entry)
	}
	if len(got) != 2 {
		t.Fatalf("got %v, want entry + one sibling", got)
	}
	found := false
	for _, g := range got {
		if g == sibling {
			found = true
		}
		if g == ignored {
			t.Fatalf("discoverSources included non-configured extension: %s", g)
		}
	}
	if !found {
		t.Fatalf("discoverSources did not include sibling %s", sibling)
	}
}

func TestWriteLinkerScript_RendersParameters(t *testing.T) {
	path := filepath.Join(t.TempDir(), "link.ld")
	if err := writeLinkerScript(path, "p4jit_wrapper_entry", 0x40010000, 0x8000, 0x3f800000, 0x80); err != nil {
		t.Fatalf("writeLinkerScript: %v", err)
	}
	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatal(err)
	}
	script := string(data)
	for _, want := range []string{
		"ENTRY(p4jit_wrapper_entry)",
		"ORIGIN = 0x40010000",
		"LENGTH = 0x8000",
		"ORIGIN = 0x3f800000",
		".p4io (NOLOAD)",
	} {
		if !strings.Contains(script, want) {
			t.Errorf("linker script missing %q:\n%s", want, script)
		}
	}
}
