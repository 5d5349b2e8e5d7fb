// ELF reading and flat-binary assembly. debug/elf is the justified
// stdlib choice here: no third-party ELF library is available, and
// tinyrange/cc's own internal/asm/{amd64,arm64}/elf.go reaches for the
// same package (there to emit ELF, here to read it back).
package build

import (
	"debug/elf"
	"fmt"

	"github.com/tinyrange/p4jit/internal/p4err"
)

// rawSection is an allocated ELF section reduced to what assembly
// needs: PROGBITS sections carry Data; NOBITS (.bss-style) sections
// carry only their extent and are zero-filled.
type rawSection struct {
	Name string
	Addr uint64
	Size uint64
	Type elf.SectionType
	Data []byte
}

type rawSymbol struct {
	Name  string
	Value uint64
	Size  uint64
	Kind  SymbolKind
}

// readObjectELF opens the linked ELF at path and reduces it to the
// allocated sections and FUNC/OBJECT symbols assembleArtifact needs.
func readObjectELF(path string) ([]rawSection, []rawSymbol, error) {
	f, err := elf.Open(path)
	if err != nil {
		return nil, nil, fmt.Errorf("build: open linked ELF %s: %w", path, err)
	}
	defer f.Close()

	var sections []rawSection
	for _, sec := range f.Sections {
		if sec.Flags&elf.SHF_ALLOC == 0 || sec.Size == 0 {
			continue
		}
		if sec.Name == ioSectionName {
			// The slot buffer lives at the separately device-allocated
			// args address, not inside the code blob written to
			// BaseAddress; see ioSectionName's doc comment.
			continue
		}
		rs := rawSection{Name: sec.Name, Addr: sec.Addr, Size: sec.Size, Type: sec.Type}
		if sec.Type == elf.SHT_PROGBITS {
			data, err := sec.Data()
			if err != nil {
				return nil, nil, fmt.Errorf("build: read section %s: %w", sec.Name, err)
			}
			rs.Data = data
		}
		sections = append(sections, rs)
	}

	symtab, err := f.Symbols()
	if err != nil && err != elf.ErrNoSymbols {
		return nil, nil, fmt.Errorf("build: read symbol table: %w", err)
	}
	var symbols []rawSymbol
	for _, sym := range symtab {
		if sym.Name == "" {
			continue
		}
		switch elf.ST_TYPE(sym.Info) {
		case elf.STT_FUNC:
			symbols = append(symbols, rawSymbol{Name: sym.Name, Value: sym.Value, Size: sym.Size, Kind: SymbolFunc})
		case elf.STT_OBJECT:
			symbols = append(symbols, rawSymbol{Name: sym.Name, Value: sym.Value, Size: sym.Size, Kind: SymbolObject})
		}
	}

	return sections, symbols, nil
}

// assembleArtifact lays out every allocated section into a single
// flat buffer starting at baseAddress, zero-padding NOBITS sections
// and any gaps, then checks the invariants the compiler driver
// guarantees before returning a BuildArtifact.
func assembleArtifact(sections []rawSection, symbols []rawSymbol, baseAddress, alignment, maxSize uint64, entrySymbol string) (BuildArtifact, error) {
	if len(sections) == 0 {
		return BuildArtifact{}, p4err.New(p4err.KindBuildInvariant, "build.assembleArtifact: no allocated sections")
	}

	maxEnd := baseAddress
	for _, sec := range sections {
		if sec.Addr < baseAddress {
			return BuildArtifact{}, p4err.New(p4err.KindBuildInvariant,
				fmt.Sprintf("build.assembleArtifact: section %s at %#x lies below base address %#x", sec.Name, sec.Addr, baseAddress))
		}
		if end := sec.Addr + sec.Size; end > maxEnd {
			maxEnd = end
		}
	}

	totalSize := alignUp(maxEnd-baseAddress, alignment)
	if maxSize > 0 && totalSize > maxSize {
		return BuildArtifact{}, p4err.New(p4err.KindBuildInvariant,
			fmt.Sprintf("build.assembleArtifact: total size %d exceeds configured maximum %d", totalSize, maxSize))
	}
	if baseAddress%alignment != 0 {
		return BuildArtifact{}, p4err.New(p4err.KindBuildInvariant,
			fmt.Sprintf("build.assembleArtifact: base address %#x is not aligned to %d", baseAddress, alignment))
	}

	code := make([]byte, totalSize)
	infos := make(map[string]SectionInfo, len(sections))
	for _, sec := range sections {
		offset := sec.Addr - baseAddress
		if sec.Type == elf.SHT_PROGBITS {
			if offset+uint64(len(sec.Data)) > totalSize {
				return BuildArtifact{}, p4err.New(p4err.KindBuildInvariant,
					fmt.Sprintf("build.assembleArtifact: section %s overruns total size", sec.Name))
			}
			copy(code[offset:], sec.Data)
		}
		infos[sec.Name] = SectionInfo{Address: sec.Addr, Size: sec.Size, Type: sectionTypeName(sec.Type)}
	}

	outSymbols := make([]Symbol, 0, len(symbols))
	for _, s := range symbols {
		outSymbols = append(outSymbols, Symbol{Name: s.Name, Address: s.Value, Size: s.Size, Kind: s.Kind})
	}

	var entryAddr uint64
	found := false
	for _, s := range outSymbols {
		if s.Name == entrySymbol {
			if s.Kind != SymbolFunc {
				return BuildArtifact{}, p4err.New(p4err.KindBuildInvariant,
					fmt.Sprintf("build.assembleArtifact: entry symbol %s is not a function", entrySymbol))
			}
			entryAddr = s.Address
			found = true
			break
		}
	}
	if !found {
		return BuildArtifact{}, p4err.New(p4err.KindBuildInvariant,
			fmt.Sprintf("build.assembleArtifact: entry symbol %s not found", entrySymbol))
	}

	return BuildArtifact{
		CodeBytes:    code,
		TotalSize:    totalSize,
		BaseAddress:  baseAddress,
		EntryAddress: entryAddr,
		Sections:     infos,
		Symbols:      outSymbols,
		EntrySymbol:  entrySymbol,
	}, nil
}

func alignUp(v, alignment uint64) uint64 {
	if alignment == 0 {
		return v
	}
	rem := v % alignment
	if rem == 0 {
		return v
	}
	return v + (alignment - rem)
}

func sectionTypeName(t elf.SectionType) string {
	switch t {
	case elf.SHT_PROGBITS:
		return "PROGBITS"
	case elf.SHT_NOBITS:
		return "NOBITS"
	default:
		return t.String()
	}
}
