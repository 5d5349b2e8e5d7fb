// Package marshal implements the Argument Marshaller: it maps typed
// host scalars and arrays onto the wrapper's slot buffer, allocates
// and writes backing storage for each array, optionally syncs
// modified array contents back after a call, decodes the typed return
// value, and releases every transient allocation it created even when
// the call fails partway through. Grounded on the
// original's smart_args.py pack/sync_back/read_return/cleanup cycle.
package marshal

import (
	"encoding/binary"
	"fmt"
	"log/slog"
	"math"
	"strings"

	"github.com/tinyrange/p4jit/internal/config"
	"github.com/tinyrange/p4jit/internal/metadata"
	"github.com/tinyrange/p4jit/internal/p4err"
	"github.com/tinyrange/p4jit/internal/session"
	"github.com/tinyrange/p4jit/internal/sig"
)

// deviceSession is the subset of *session.Session the Marshaller
// needs, so tests can substitute a fake without a real serial link.
type deviceSession interface {
	Allocate(size, caps, alignment uint32) (uint32, error)
	Free(addr uint32) error
	WriteMemory(addr uint32, data []byte, skipBounds bool) error
	ReadMemory(addr, size uint32, skipBounds bool) ([]byte, error)
}

var _ deviceSession = (*session.Session)(nil)

// trackedArray is a per-call record of an array allocation that needs
// its device contents copied back into host storage after the call.
type trackedArray struct {
	addr uint32
	arr  Array
}

// Marshaller holds the state of one in-flight call: every device
// allocation it made (for cleanup) and every array it wrote that
// needs syncing back.
type Marshaller struct {
	sess deviceSession
	sig  sig.Signature
	desc metadata.Descriptor
	tm   config.TypeMap
	log  *slog.Logger
	sync bool

	allocations []uint32
	tracked     []trackedArray
}

// New constructs a Marshaller for one call to sig, using desc's slot
// layout and tm to resolve C type names to DTypes. syncBack enables
// recording arrays for sync_back after the call.
func New(sess deviceSession, signature sig.Signature, desc metadata.Descriptor, tm config.TypeMap, syncBack bool, log *slog.Logger) *Marshaller {
	if log == nil {
		log = slog.Default()
	}
	return &Marshaller{sess: sess, sig: signature, desc: desc, tm: tm, sync: syncBack, log: log}
}

// Pack allocates backing storage for every array argument, writes it
// to the device, encodes every scalar argument, and returns the
// concatenated slot payload ready to be written to the args buffer.
func (m *Marshaller) Pack(args []any) ([]byte, error) {
	const op = "marshal.Pack"
	if len(args) != len(m.sig.Parameters) {
		return nil, p4err.New(p4err.KindArityMismatch,
			fmt.Sprintf("%s: got %d arguments, want %d", op, len(args), len(m.sig.Parameters)))
	}

	buf := make([]byte, 0, len(m.desc.Args)*4)
	for i, p := range m.sig.Parameters {
		argDesc := m.desc.Args[i]
		var encoded []byte
		var err error
		if p.Category == sig.CategoryPointer {
			encoded, err = m.packPointer(args[i], p)
		} else {
			encoded, err = m.packScalar(args[i], p)
		}
		if err != nil {
			return nil, err
		}
		if len(encoded) != argDesc.SlotCount*4 {
			return nil, p4err.New(p4err.KindTypeMismatch,
				fmt.Sprintf("%s: argument %q encoded to %d bytes, want %d", op, p.Name, len(encoded), argDesc.SlotCount*4))
		}
		buf = append(buf, encoded...)
	}
	return buf, nil
}

func (m *Marshaller) packPointer(arg any, p sig.Parameter) ([]byte, error) {
	const op = "marshal.Pack"
	arr, ok := arg.(Array)
	if !ok {
		return nil, p4err.New(p4err.KindTypeMismatch,
			fmt.Sprintf("%s: parameter %q expects an Array, got %T", op, p.Name, arg))
	}
	if !dtypeCompatible(arr.DType(), p.Type, m.tm) {
		return nil, p4err.New(p4err.KindTypeMismatch,
			fmt.Sprintf("%s: parameter %q dtype %s incompatible with %s", op, p.Name, arr.DType(), p.Type))
	}

	caps := DefaultCaps
	if arr.Caps != nil {
		caps = *arr.Caps
	}
	addr, err := m.sess.Allocate(uint32(arr.ByteLen()), caps, 16)
	if err != nil {
		return nil, err
	}
	m.allocations = append(m.allocations, addr)

	if err := m.sess.WriteMemory(addr, arr.Bytes(), false); err != nil {
		return nil, err
	}
	if m.sync {
		m.tracked = append(m.tracked, trackedArray{addr: addr, arr: arr})
	}

	slot := make([]byte, 4)
	binary.LittleEndian.PutUint32(slot, addr)
	return slot, nil
}

// dtypeCompatible implements permissive pointer/dtype matching: an
// exact C-type-name match, an element-size match, or an unrecognized
// pointee type (treated like void*) are all accepted.
func dtypeCompatible(host config.DType, cType string, tm config.TypeMap) bool {
	cType = strings.TrimSuffix(strings.TrimSpace(cType), "*")
	cType = strings.TrimSpace(cType)
	if cType == "void" {
		return true
	}
	d, ok := tm.Lookup(cType)
	if !ok {
		return true
	}
	if d == host {
		return true
	}
	return d.Size() == host.Size()
}

func (m *Marshaller) packScalar(arg any, p sig.Parameter) ([]byte, error) {
	const op = "marshal.Pack"
	d, ok := m.tm.Lookup(p.Type)
	if !ok {
		d = config.DI32
	}

	buf := make([]byte, d.Size())
	switch v := arg.(type) {
	case int32:
		if d.Size() != 4 {
			return nil, typeMismatchf(op, p.Name, p.Type, v)
		}
		binary.LittleEndian.PutUint32(buf, uint32(v))
	case uint32:
		if d.Size() != 4 {
			return nil, typeMismatchf(op, p.Name, p.Type, v)
		}
		binary.LittleEndian.PutUint32(buf, v)
	case int64:
		if d.Size() != 8 {
			return nil, typeMismatchf(op, p.Name, p.Type, v)
		}
		binary.LittleEndian.PutUint64(buf, uint64(v))
	case uint64:
		if d.Size() != 8 {
			return nil, typeMismatchf(op, p.Name, p.Type, v)
		}
		binary.LittleEndian.PutUint64(buf, v)
	case float32:
		if d.Size() != 4 {
			return nil, typeMismatchf(op, p.Name, p.Type, v)
		}
		binary.LittleEndian.PutUint32(buf, math.Float32bits(v))
	case float64:
		if d.Size() != 8 {
			return nil, typeMismatchf(op, p.Name, p.Type, v)
		}
		binary.LittleEndian.PutUint64(buf, math.Float64bits(v))
	default:
		return nil, p4err.New(p4err.KindTypeMismatch,
			fmt.Sprintf("%s: parameter %q has unsupported Go type %T", op, p.Name, arg))
	}
	return buf, nil
}

func typeMismatchf(op, name, cType string, v any) error {
	return p4err.New(p4err.KindTypeMismatch,
		fmt.Sprintf("%s: parameter %q (%s) cannot hold a %T value", op, name, cType, v))
}

// SyncBack reads every tracked array's device region back into its
// host backing storage. Per-array failures are logged and skipped so
// the rest of sync_back still runs.
func (m *Marshaller) SyncBack() {
	for _, t := range m.tracked {
		data, err := m.sess.ReadMemory(t.addr, uint32(t.arr.ByteLen()), false)
		if err != nil {
			m.log.Warn("marshal: sync_back read failed, skipping element", "addr", t.addr, "error", err)
			continue
		}
		copy(t.arr.Bytes(), data)
	}
}

// ReadReturn locates the return value's slot(s) in the args buffer
// (already resident at desc.Return.Address from the metadata build)
// and decodes it per the signature's return type. A void return
// yields (nil, nil). Pointer returns surface as a uint32 address.
func (m *Marshaller) ReadReturn() (any, error) {
	ret := m.desc.Return
	if ret.SlotCount == 0 {
		return nil, nil
	}

	data, err := m.sess.ReadMemory(ret.Address, uint32(ret.SlotCount*4), true)
	if err != nil {
		return nil, err
	}

	if strings.Contains(ret.Type, "*") {
		return binary.LittleEndian.Uint32(data), nil
	}

	cType := strings.TrimSpace(ret.Type)
	d, ok := m.tm.Lookup(cType)
	if !ok {
		d = config.DI32
	}
	switch d {
	case config.DF32:
		return math.Float32frombits(binary.LittleEndian.Uint32(data)), nil
	case config.DF64:
		return math.Float64frombits(binary.LittleEndian.Uint64(data)), nil
	case config.DU64:
		return binary.LittleEndian.Uint64(data), nil
	case config.DI64:
		return int64(binary.LittleEndian.Uint64(data)), nil
	case config.DU8, config.DU16, config.DU32:
		return binary.LittleEndian.Uint32(data), nil
	default:
		return int32(binary.LittleEndian.Uint32(data)), nil
	}
}

// Cleanup frees every device allocation Pack created, swallowing
// per-address failures so the rest still run, then clears all call
// state. Callers invoke this exactly once per call, on every path —
// success, a failed pack, a failed write, a failed execute — via a
// deferred call right after constructing the Marshaller.
func (m *Marshaller) Cleanup() {
	for _, addr := range m.allocations {
		if err := m.sess.Free(addr); err != nil {
			m.log.Warn("marshal: cleanup failed to free allocation", "addr", addr, "error", err)
		}
	}
	m.allocations = nil
	m.tracked = nil
}
