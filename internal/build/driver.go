// Package build discovers source files, compiles and links them with
// a generated linker script, and extracts a flat, position-specific
// binary. The cross-compiler and linker are invoked as subprocesses,
// never in-process, treating the toolchain as an external
// collaborator. Subprocess style (exec.CommandContext,
// captured stderr, temp working directory) follows
// examples/shared/testrunner/runner.go's buildBinary.
package build

import (
	"bytes"
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"text/template"

	"github.com/tinyrange/p4jit/internal/config"
)

// Driver compiles and links JIT payloads against one configuration.
type Driver struct {
	cfg config.Config
	log *slog.Logger
}

// NewDriver constructs a Driver. A nil logger defaults to slog.Default().
func NewDriver(cfg config.Config, logger *slog.Logger) *Driver {
	if logger == nil {
		logger = slog.Default()
	}
	return &Driver{cfg: cfg, log: logger}
}

// Request parameterizes one Build call.
type Request struct {
	// EntrySource is the path to the source file defining the target
	// function; other source files in its directory are discovered and
	// compiled alongside it.
	EntrySource string
	// WrapperSource is additional generated source (the wrapper stub),
	// written to a file in the build's temporary work directory and
	// compiled together with EntrySource and its siblings.
	WrapperSource string
	EntrySymbol   string
	BaseAddress   uint64
	MemorySize    uint64
	// IOBase and IOSize place the wrapper's io[] slot buffer in its own
	// linker region, independent of the code region above: the slot
	// buffer lives at a separately device-allocated address (the args
	// allocation), not inside the code blob.
	IOBase uint64
	IOSize uint64
}

// ioSectionName is the section the wrapper synthesizer places its
// io[] slot array into; the linker script below pins that section to
// the args allocation's address rather than letting it float inside
// the code region.
const ioSectionName = ".p4io"

var linkerScriptTemplate = template.Must(template.New("linker-script").Parse(
	`ENTRY({{.EntryPoint}})
MEMORY
{
    RAM (rwx) : ORIGIN = {{printf "0x%x" .BaseAddress}}, LENGTH = {{printf "0x%x" .MemorySize}}
    IOMEM (rw) : ORIGIN = {{printf "0x%x" .IOBase}}, LENGTH = {{printf "0x%x" .IOSize}}
}
SECTIONS
{
    .text : { *(.text*) } > RAM
    .rodata : { *(.rodata*) } > RAM
    .data : { *(.data*) } > RAM
    .bss (NOLOAD) : { *(.bss*) *(COMMON) } > RAM
    ` + ioSectionName + ` (NOLOAD) : { *(` + ioSectionName + `) } > IOMEM
}
`))

// Build discovers sibling sources, compiles each to an object,
// generates and applies a linker script, links, and extracts a flat
// BuildArtifact.
func (d *Driver) Build(ctx context.Context, req Request) (BuildArtifact, error) {
	workDir, err := os.MkdirTemp("", "p4jit-build-")
	if err != nil {
		return BuildArtifact{}, fmt.Errorf("build.Build: %w", err)
	}
	defer os.RemoveAll(workDir)

	sources, err := discoverSources(req.EntrySource, d.cfg.Extensions.Compile)
	if err != nil {
		return BuildArtifact{}, fmt.Errorf("build.Build: %w", err)
	}

	wrapperPath := filepath.Join(workDir, "p4jit_wrapper.c")
	if err := os.WriteFile(wrapperPath, []byte(req.WrapperSource), 0o644); err != nil {
		return BuildArtifact{}, fmt.Errorf("build.Build: write wrapper source: %w", err)
	}
	sources = append(sources, wrapperPath)

	objects := make([]string, 0, len(sources))
	for _, src := range sources {
		obj, err := d.compile(ctx, workDir, src)
		if err != nil {
			return BuildArtifact{}, err
		}
		objects = append(objects, obj)
	}

	scriptPath := filepath.Join(workDir, "link.ld")
	if err := writeLinkerScript(scriptPath, req.EntrySymbol, req.BaseAddress, req.MemorySize, req.IOBase, req.IOSize); err != nil {
		return BuildArtifact{}, err
	}

	elfPath := filepath.Join(workDir, "out.elf")
	if err := d.link(ctx, objects, scriptPath, elfPath); err != nil {
		return BuildArtifact{}, err
	}

	sections, symbols, err := readObjectELF(elfPath)
	if err != nil {
		return BuildArtifact{}, fmt.Errorf("build.Build: %w", err)
	}

	artifact, err := assembleArtifact(sections, symbols, req.BaseAddress, d.cfg.Memory.Alignment, uint64(d.cfg.Memory.MaxSize), req.EntrySymbol)
	if err != nil {
		return BuildArtifact{}, err
	}

	d.log.Info("build complete", "entry", req.EntrySymbol, "total_size", artifact.TotalSize, "base_address", fmt.Sprintf("%#x", artifact.BaseAddress))
	return artifact, nil
}

// discoverSources lists every file in EntrySource's directory whose
// extension is configured for compilation, with EntrySource first.
func discoverSources(entrySource string, compileExts map[string]string) ([]string, error) {
	dir := filepath.Dir(entrySource)
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, fmt.Errorf("discover sources in %s: %w", dir, err)
	}
	sources := []string{entrySource}
	entryName := filepath.Base(entrySource)
	for _, e := range entries {
		if e.IsDir() || e.Name() == entryName {
			continue
		}
		if _, ok := compileExts[filepath.Ext(e.Name())]; ok {
			sources = append(sources, filepath.Join(dir, e.Name()))
		}
	}
	return sources, nil
}

func (d *Driver) compile(ctx context.Context, workDir, src string) (string, error) {
	compilerExe, ok := d.cfg.CompilerFor(filepath.Ext(src))
	if !ok {
		return "", fmt.Errorf("build: no compiler configured for %s", src)
	}

	obj := filepath.Join(workDir, strings.TrimSuffix(filepath.Base(src), filepath.Ext(src))+".o")
	args := d.compileFlags()
	args = append(args, "-c", src, "-o", obj)

	cmd := exec.CommandContext(ctx, compilerExe, args...)
	var stderr bytes.Buffer
	cmd.Stderr = &stderr
	d.log.Debug("compiling", "compiler", compilerExe, "source", src)
	if err := cmd.Run(); err != nil {
		return "", fmt.Errorf("build: compile %s: %s", src, stderr.String())
	}
	return obj, nil
}

func (d *Driver) compileFlags() []string {
	flags := make([]string, 0, len(d.cfg.Compiler.Flags)+4)
	if d.cfg.Compiler.Arch != "" {
		flags = append(flags, "-march="+d.cfg.Compiler.Arch)
	}
	if d.cfg.Compiler.ABI != "" {
		flags = append(flags, "-mabi="+d.cfg.Compiler.ABI)
	}
	if d.cfg.Compiler.Optimization != "" {
		flags = append(flags, "-"+d.cfg.Compiler.Optimization)
	}
	flags = append(flags, d.cfg.Compiler.Flags...)
	return flags
}

func (d *Driver) link(ctx context.Context, objects []string, scriptPath, elfOut string) error {
	linkerExe, ok := d.cfg.CompilerFor(".c")
	if !ok {
		return fmt.Errorf("build: no linker-capable compiler configured")
	}

	args := append([]string{}, d.cfg.Linker.Flags...)
	if d.cfg.Linker.GarbageCollection {
		args = append(args, "-Wl,--gc-sections")
	}
	if d.cfg.Linker.FirmwareELF != "" {
		args = append(args, "-Wl,--just-symbols="+d.cfg.Linker.FirmwareELF)
	}
	args = append(args, "-T", scriptPath, "-nostdlib", "-Wl,--build-id=none")
	args = append(args, objects...)
	args = append(args, "-o", elfOut)

	cmd := exec.CommandContext(ctx, linkerExe, args...)
	var stderr bytes.Buffer
	cmd.Stderr = &stderr
	d.log.Debug("linking", "linker", linkerExe, "objects", len(objects))
	if err := cmd.Run(); err != nil {
		return fmt.Errorf("build: link: %s", stderr.String())
	}
	return nil
}

type linkerScriptData struct {
	EntryPoint  string
	BaseAddress uint64
	MemorySize  uint64
	IOBase      uint64
	IOSize      uint64
}

func writeLinkerScript(path, entryPoint string, baseAddress, memorySize, ioBase, ioSize uint64) error {
	var buf bytes.Buffer
	if err := linkerScriptTemplate.Execute(&buf, linkerScriptData{
		EntryPoint:  entryPoint,
		BaseAddress: baseAddress,
		MemorySize:  memorySize,
		IOBase:      ioBase,
		IOSize:      ioSize,
	}); err != nil {
		return fmt.Errorf("build: render linker script: %w", err)
	}
	if err := os.WriteFile(path, buf.Bytes(), 0o644); err != nil {
		return fmt.Errorf("build: write linker script: %w", err)
	}
	return nil
}
