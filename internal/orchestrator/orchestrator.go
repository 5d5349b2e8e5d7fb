// Package orchestrator drives the two-pass build-and-load flow: a
// pass-1 probe build at provisional addresses discovers how big the
// artifact is, the code and args allocations are made on the device at
// that size, and a pass-2 rebuild at the real addresses produces the
// blob that actually gets uploaded and executed. Grounded on
// host/p4jit/p4jit.py's load() entry point.
package orchestrator

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/tinyrange/p4jit/internal/build"
	"github.com/tinyrange/p4jit/internal/config"
	"github.com/tinyrange/p4jit/internal/function"
	"github.com/tinyrange/p4jit/internal/metadata"
	"github.com/tinyrange/p4jit/internal/session"
	"github.com/tinyrange/p4jit/internal/sig"
	"github.com/tinyrange/p4jit/internal/wrapper"
)

// deviceSession is the subset of *session.Session the orchestrator
// needs: enough to allocate/free/write, plus the read/execute methods
// the LoadedFunction it hands back will need for every call.
type deviceSession interface {
	Allocate(size, caps, alignment uint32) (uint32, error)
	Free(addr uint32) error
	WriteMemory(addr uint32, data []byte, skipBounds bool) error
	ReadMemory(addr, size uint32, skipBounds bool) ([]byte, error)
	Execute(addr uint32) (uint32, error)
	RegisterFunction(name string, codeAddr, execAddr, argsAddr uint32) uint64
	UnregisterFunction(id uint64)
}

var _ deviceSession = (*session.Session)(nil)

// Builder is the subset of *build.Driver the orchestrator needs, so
// tests can substitute a fake instead of invoking a real cross-compiler.
type Builder interface {
	Build(ctx context.Context, req build.Request) (build.BuildArtifact, error)
}

var _ Builder = (*build.Driver)(nil)

// provisionalBaseAddress and provisionalIOBase are placeholder
// addresses for the pass-1 probe build: their exact values don't
// matter (nothing ever executes at them), only that the build
// succeeds and reports a total_size and slot layout to size pass 2 by.
const (
	provisionalBaseAddress = 0x1000
	provisionalIOBase      = 0x2000
)

// Options controls one Load call: the memory capabilities and
// alignment the caller wants for the code and args allocations.
type Options struct {
	CodeCaps      uint32
	CodeAlignment uint32
	ArgsCaps      uint32
	ArgsAlignment uint32
	// Smart selects LoadedFunction's call mode: true builds a fresh
	// Marshaller per call, false expects a raw byte buffer per call.
	Smart bool
}

// Load runs the full two-pass flow for funcName defined in
// entrySource, uploads the final blob, and returns a ready-to-call
// LoadedFunction. On any failure after the first device allocation,
// every allocation this call made is freed before the error returns.
func Load(ctx context.Context, sess deviceSession, driver Builder, cfg config.Config, tm config.TypeMap, entrySource, funcName string, opts Options, log *slog.Logger) (*function.LoadedFunction, error) {
	const op = "orchestrator.Load"
	if log == nil {
		log = slog.Default()
	}

	signature, err := sig.Extract(entrySource, funcName)
	if err != nil {
		return nil, err
	}

	slotCapacity := cfg.Wrapper.ArgsArraySize

	probeDesc, err := metadata.Build(signature, tm, provisionalIOBase, slotCapacity)
	if err != nil {
		return nil, err
	}
	probeSource, err := wrapper.Synthesize(probeDesc, cfg.Wrapper.WrapperEntry, slotCapacity)
	if err != nil {
		return nil, err
	}
	probeArtifact, err := driver.Build(ctx, build.Request{
		EntrySource:   entrySource,
		WrapperSource: probeSource,
		EntrySymbol:   cfg.Wrapper.WrapperEntry,
		BaseAddress:   provisionalBaseAddress,
		MemorySize:    uint64(cfg.Memory.MaxSize),
		IOBase:        provisionalIOBase,
		IOSize:        uint64(slotCapacity) * 4,
	})
	if err != nil {
		return nil, fmt.Errorf("%s: pass 1 probe build: %w", op, err)
	}

	codeSize := probeArtifact.TotalSize + cfg.Memory.SafetyMargin
	argsSize := uint32(slotCapacity) * 4

	codeAddr, err := sess.Allocate(uint32(codeSize), opts.CodeCaps, opts.CodeAlignment)
	if err != nil {
		return nil, fmt.Errorf("%s: allocate code: %w", op, err)
	}
	allocated := []uint32{codeAddr}
	freeAll := func() {
		for _, a := range allocated {
			if err := sess.Free(a); err != nil {
				log.Warn("orchestrator: failed to free allocation after a failed load", "addr", a, "error", err)
			}
		}
	}

	argsAddr, err := sess.Allocate(argsSize, opts.ArgsCaps, opts.ArgsAlignment)
	if err != nil {
		freeAll()
		return nil, fmt.Errorf("%s: allocate args: %w", op, err)
	}
	allocated = append(allocated, argsAddr)

	finalDesc, err := metadata.Build(signature, tm, argsAddr, slotCapacity)
	if err != nil {
		freeAll()
		return nil, err
	}
	finalSource, err := wrapper.Synthesize(finalDesc, cfg.Wrapper.WrapperEntry, slotCapacity)
	if err != nil {
		freeAll()
		return nil, err
	}
	finalArtifact, err := driver.Build(ctx, build.Request{
		EntrySource:   entrySource,
		WrapperSource: finalSource,
		EntrySymbol:   cfg.Wrapper.WrapperEntry,
		BaseAddress:   uint64(codeAddr),
		MemorySize:    codeSize,
		IOBase:        uint64(argsAddr),
		IOSize:        uint64(argsSize),
	})
	if err != nil {
		freeAll()
		return nil, fmt.Errorf("%s: pass 2 build: %w", op, err)
	}

	if err := sess.WriteMemory(codeAddr, finalArtifact.CodeBytes, false); err != nil {
		freeAll()
		return nil, fmt.Errorf("%s: upload code: %w", op, err)
	}

	execAddr := uint32(finalArtifact.EntryAddress)
	funcID := sess.RegisterFunction(funcName, codeAddr, execAddr, argsAddr)

	log.Info("orchestrator: loaded", "function", funcName, "code_addr", fmt.Sprintf("%#x", codeAddr),
		"exec_addr", fmt.Sprintf("%#x", execAddr), "args_addr", fmt.Sprintf("%#x", argsAddr),
		"total_size", finalArtifact.TotalSize, "probe_size", probeArtifact.TotalSize)

	return function.New(sess, signature, finalDesc, tm, codeAddr, execAddr, argsAddr, funcID, opts.Smart, log), nil
}
