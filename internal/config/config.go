// Package config loads the build configuration document: toolchain
// paths, per-compile flags, linker options, build-time memory limits,
// per-extension compiler selection, and the wrapper slot-buffer
// layout. It follows the YAML-struct-tree idiom
// tinyrange/cc's examples/shared/testrunner.TestSpec uses: tagged
// fields decoded with gopkg.in/yaml.v3, with a couple of custom
// yaml.Unmarshaler types for human-friendly units.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"

	"gopkg.in/yaml.v3"
)

// ByteSize parses sizes like "128K" or "4M", the way the
// memory.max_size config field accepts them, mirroring the
// testrunner.Duration custom-unmarshal pattern but for byte counts.
type ByteSize uint64

// UnmarshalYAML implements yaml.Unmarshaler for ByteSize.
func (b *ByteSize) UnmarshalYAML(value *yaml.Node) error {
	var s string
	if err := value.Decode(&s); err != nil {
		// Allow a bare integer too.
		var n uint64
		if err2 := value.Decode(&n); err2 != nil {
			return err
		}
		*b = ByteSize(n)
		return nil
	}
	parsed, err := parseByteSize(s)
	if err != nil {
		return fmt.Errorf("invalid size %q: %w", s, err)
	}
	*b = ByteSize(parsed)
	return nil
}

func parseByteSize(s string) (uint64, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return 0, fmt.Errorf("empty size")
	}
	mult := uint64(1)
	suffix := s[len(s)-1]
	numPart := s
	switch suffix {
	case 'k', 'K':
		mult = 1024
		numPart = s[:len(s)-1]
	case 'm', 'M':
		mult = 1024 * 1024
		numPart = s[:len(s)-1]
	case 'g', 'G':
		mult = 1024 * 1024 * 1024
		numPart = s[:len(s)-1]
	}
	n, err := strconv.ParseUint(strings.TrimSpace(numPart), 10, 64)
	if err != nil {
		return 0, err
	}
	return n * mult, nil
}

// Config is the full build configuration document.
type Config struct {
	Toolchain  ToolchainConfig  `yaml:"toolchain"`
	Compiler   CompilerConfig   `yaml:"compiler"`
	Linker     LinkerConfig     `yaml:"linker"`
	Memory     MemoryConfig     `yaml:"memory"`
	Extensions ExtensionsConfig `yaml:"extensions"`
	Wrapper    WrapperConfig    `yaml:"wrapper"`
}

// ToolchainConfig locates the cross-compiler tools.
type ToolchainConfig struct {
	Path      string            `yaml:"path"`
	Prefix    string            `yaml:"prefix"`
	Compilers map[string]string `yaml:"compilers"`
}

// CompilerConfig controls per-compile flags.
type CompilerConfig struct {
	Arch         string   `yaml:"arch"`
	ABI          string   `yaml:"abi"`
	Optimization string   `yaml:"optimization"`
	Flags        []string `yaml:"flags"`
}

// LinkerConfig controls the link step.
type LinkerConfig struct {
	Flags             []string `yaml:"flags"`
	GarbageCollection bool     `yaml:"garbage_collection"`
	FirmwareELF       string   `yaml:"firmware_elf"`
}

// MemoryConfig bounds the build: total size and base-address
// alignment the assembled artifact must satisfy.
type MemoryConfig struct {
	MaxSize   ByteSize `yaml:"max_size"`
	Alignment uint64   `yaml:"alignment"`
	// SafetyMargin is reserved on top of the pass-1 probe size when
	// sizing the pass-2 code allocation: address-dependent immediates
	// in the final, address-specific build can make it a little larger
	// than the provisional one.
	SafetyMargin uint64 `yaml:"safety_margin"`
}

// ExtensionsConfig maps a source file extension to the compiler that
// handles it.
type ExtensionsConfig struct {
	Compile map[string]string `yaml:"compile"`
}

// WrapperConfig controls the slot-buffer layout and synthesized entry
// symbol.
type WrapperConfig struct {
	ArgsArraySize int    `yaml:"args_array_size"`
	WrapperEntry  string `yaml:"wrapper_entry"`
}

// Default returns the configuration used when no document is supplied:
// 32 slots, 128-byte I/O buffer, alignment 4, a 128K build ceiling.
func Default() Config {
	return Config{
		Compiler: CompilerConfig{
			Arch:         "riscv32",
			Optimization: "Os",
		},
		Linker: LinkerConfig{
			GarbageCollection: true,
		},
		Memory: MemoryConfig{
			MaxSize:      128 * 1024,
			Alignment:    4,
			SafetyMargin: 64,
		},
		Extensions: ExtensionsConfig{
			Compile: map[string]string{".c": "cc", ".cc": "cxx", ".cpp": "cxx"},
		},
		Wrapper: WrapperConfig{
			ArgsArraySize: 32,
			WrapperEntry:  "p4jit_wrapper_entry",
		},
	}
}

// Load reads and parses a YAML configuration document from path,
// applying Default() for any field the document leaves unset.
func Load(path string) (Config, error) {
	cfg := Default()
	data, err := os.ReadFile(path)
	if err != nil {
		return Config{}, fmt.Errorf("config.Load(%s): %w", path, err)
	}
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return Config{}, fmt.Errorf("config.Load(%s): %w", path, err)
	}
	return cfg, nil
}

// CompilerFor returns the configured compiler executable for a source
// file extension (e.g. ".c"), consulting Extensions.Compile then
// Toolchain.Compilers.
func (c Config) CompilerFor(ext string) (string, bool) {
	name, ok := c.Extensions.Compile[ext]
	if !ok {
		return "", false
	}
	exe, ok := c.Toolchain.Compilers[name]
	if !ok {
		return "", false
	}
	if c.Toolchain.Prefix != "" {
		exe = c.Toolchain.Prefix + exe
	}
	if c.Toolchain.Path != "" {
		exe = c.Toolchain.Path + "/" + exe
	}
	return exe, true
}
