// Package function implements the Loaded-Function Handle: the
// lifecycle wrapper binding a built artifact's code and args
// allocations to a session, dispatching calls through a fresh
// Marshaller (smart mode) or a raw byte buffer (raw mode), and
// releasing both allocations exactly once on free.
package function

import (
	"fmt"
	"log/slog"
	"sync/atomic"

	"github.com/tinyrange/p4jit/internal/config"
	"github.com/tinyrange/p4jit/internal/marshal"
	"github.com/tinyrange/p4jit/internal/metadata"
	"github.com/tinyrange/p4jit/internal/p4err"
	"github.com/tinyrange/p4jit/internal/session"
	"github.com/tinyrange/p4jit/internal/sig"
)

// deviceSession is the subset of *session.Session a LoadedFunction and
// the Marshaller it constructs per call need. Its method set is a
// superset of marshal's own deviceSession interface, so a deviceSession
// value here is directly usable as the sess argument to marshal.New.
type deviceSession interface {
	Allocate(size, caps, alignment uint32) (uint32, error)
	Free(addr uint32) error
	WriteMemory(addr uint32, data []byte, skipBounds bool) error
	ReadMemory(addr, size uint32, skipBounds bool) ([]byte, error)
	Execute(addr uint32) (uint32, error)
	UnregisterFunction(id uint64)
}

var _ deviceSession = (*session.Session)(nil)

// LoadedFunction binds one compiled, device-resident function to the
// session, artifact, and allocations that back it. Created valid;
// Free (or a failed load upstream) transitions it to invalid, after
// which every call fails fast.
type LoadedFunction struct {
	sess     deviceSession
	artifact metadata.Descriptor
	sig      sig.Signature
	tm       config.TypeMap
	log      *slog.Logger

	codeAddr uint32 // base of the code allocation; freed on Free
	execAddr uint32 // entry symbol's resolved address; passed to Execute
	argsAddr uint32
	funcID   uint64 // session.RegisterFunction id, unregistered on Free
	smart    bool

	valid atomic.Bool
}

// New constructs a valid LoadedFunction. descriptor is the final
// (pass-2) slot layout for signature. codeAddr is the device
// allocation backing the linked code blob (freed on Free); execAddr
// is the resolved address of the wrapper's entry symbol within that
// blob, which is what gets passed to Execute — the two coincide only
// when the entry symbol happens to land at the allocation's base.
// argsAddr is the device allocation backing the slot buffer. funcID
// is the id the caller obtained from sess.RegisterFunction, unregistered
// when this handle is freed.
func New(sess deviceSession, signature sig.Signature, descriptor metadata.Descriptor, tm config.TypeMap, codeAddr, execAddr, argsAddr uint32, funcID uint64, smart bool, log *slog.Logger) *LoadedFunction {
	if log == nil {
		log = slog.Default()
	}
	f := &LoadedFunction{
		sess: sess, artifact: descriptor, sig: signature, tm: tm, log: log,
		codeAddr: codeAddr, execAddr: execAddr, argsAddr: argsAddr, funcID: funcID, smart: smart,
	}
	f.valid.Store(true)
	return f
}

// Valid reports whether the handle is still usable.
func (f *LoadedFunction) Valid() bool { return f.valid.Load() }

// CodeAddress, ExecAddress, and ArgsAddress expose the handle's
// addresses, for diagnostics.
func (f *LoadedFunction) CodeAddress() uint32 { return f.codeAddr }
func (f *LoadedFunction) ExecAddress() uint32 { return f.execAddr }
func (f *LoadedFunction) ArgsAddress() uint32 { return f.argsAddr }

// Call invokes the device function. In smart mode, args are the
// host-typed parameters (marshal.Array for pointers, scalar Go values
// otherwise) and the typed return value (or nil for void) comes back
// per marshal.Marshaller.ReadReturn. In raw mode, Call expects exactly
// one argument, a []byte written verbatim to the args buffer, and
// returns the device's raw 32-bit execute result as a uint32.
func (f *LoadedFunction) Call(args ...any) (any, error) {
	const op = "function.Call"
	if !f.valid.Load() {
		return nil, p4err.New(p4err.KindFunctionReleased, op)
	}

	if !f.smart {
		if len(args) != 1 {
			return nil, fmt.Errorf("%s: raw mode expects exactly one []byte argument, got %d", op, len(args))
		}
		buf, ok := args[0].([]byte)
		if !ok {
			return nil, fmt.Errorf("%s: raw mode expects a []byte argument, got %T", op, args[0])
		}
		if err := f.sess.WriteMemory(f.argsAddr, buf, false); err != nil {
			return nil, err
		}
		ret, err := f.sess.Execute(f.execAddr)
		if err != nil {
			return nil, err
		}
		return ret, nil
	}

	m := marshal.New(f.sess, f.sig, f.artifact, f.tm, true, f.log)
	defer m.Cleanup()

	payload, err := m.Pack(args)
	if err != nil {
		return nil, err
	}
	if err := f.sess.WriteMemory(f.argsAddr, payload, false); err != nil {
		return nil, err
	}
	if _, err := f.sess.Execute(f.execAddr); err != nil {
		return nil, err
	}
	m.SyncBack()
	return m.ReadReturn()
}

// Free releases both the code and args allocations and marks the
// handle invalid. Idempotent; individual free failures are logged,
// not propagated, so a partial failure still invalidates the handle.
func (f *LoadedFunction) Free() {
	if !f.valid.CompareAndSwap(true, false) {
		return
	}
	if err := f.sess.Free(f.codeAddr); err != nil {
		f.log.Warn("function: free code allocation failed", "addr", f.codeAddr, "error", err)
	}
	if err := f.sess.Free(f.argsAddr); err != nil {
		f.log.Warn("function: free args allocation failed", "addr", f.argsAddr, "error", err)
	}
	f.sess.UnregisterFunction(f.funcID)
}
