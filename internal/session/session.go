// Package session implements the Device Session and Allocation Table:
// the high-level alloc/free/read/write/exec/info operations layered
// over internal/transport, plus bounds enforcement and a process-wide
// port registry.
package session

import (
	"fmt"
	"log/slog"
	"os"
	"sync/atomic"
	"time"

	"golang.org/x/mod/semver"
	"golang.org/x/term"

	"github.com/schollz/progressbar/v3"

	"github.com/tinyrange/p4jit/internal/discovery"
	"github.com/tinyrange/p4jit/internal/p4err"
	"github.com/tinyrange/p4jit/internal/serialport"
	"github.com/tinyrange/p4jit/internal/transport"
	"github.com/tinyrange/p4jit/internal/wire"
)

// ExpectedProtocolMajor is the device protocol major version this
// build of p4jit speaks. A GET_INFO response reporting a different
// major version is a fatal IncompatibleProtocol.
const ExpectedProtocolMajor = 1

// ExpectedProtocolMinor is the minor version this build expects. A
// device reporting a lower minor is accepted with a warning (it may
// lack newer optional behavior); a higher minor is also accepted with
// a warning (forward compatibility is not guaranteed but not refused).
const ExpectedProtocolMinor = 0

// defaultChunkSize is used when the device hasn't reported a usable
// MaxPayload, a shade under 64 KiB to leave room for header/checksum
// overhead on links with small internal buffers.
const defaultChunkSize = 64*1024 - 64

// defaultAllocAlignment matches the original firmware's default for
// callers that don't care.
const defaultAllocAlignment = 16

// Session is a single device connection: one Transport, one
// Allocation Table, private to the goroutine that owns it — not safe
// to share across goroutines without external locking.
type Session struct {
	port  string
	tr    *transport.Transport
	info  DeviceInfo
	table *allocTable
	functions *functionTable
	log   *slog.Logger

	closed atomic.Bool

	// ShowProgress enables a terminal progress bar on multi-chunk
	// WriteMemory calls when stderr is a TTY.
	ShowProgress bool
}

// options holds Connect's configurable knobs.
type options struct {
	log         *slog.Logger
	timeout     time.Duration
	baudRate    int
	showProgress bool
}

// Option configures Connect.
type Option func(*options)

// WithLogger overrides the default logger.
func WithLogger(l *slog.Logger) Option { return func(o *options) { o.log = l } }

// WithTimeout overrides the per-exchange read timeout.
func WithTimeout(d time.Duration) Option { return func(o *options) { o.timeout = d } }

// WithBaudRate overrides the serial line speed.
func WithBaudRate(baud int) Option { return func(o *options) { o.baudRate = baud } }

// WithProgress enables a terminal progress bar for large uploads.
func WithProgress(enabled bool) Option { return func(o *options) { o.showProgress = enabled } }

func resolveOptions(opts []Option) options {
	o := options{
		log:      slog.Default(),
		timeout:  transport.DefaultTimeout,
		baudRate: serialport.DefaultConfig().BaudRate,
	}
	for _, fn := range opts {
		fn(&o)
	}
	return o
}

// Connect opens a device session. If port is empty, it enumerates
// candidate ports via internal/discovery, PINGs each in turn, and
// keeps the first that responds. If another Session in this process
// already holds the chosen port, that Session is forcibly disconnected
// once the new connection has answered PING and GET_INFO.
func Connect(port string, opts ...Option) (*Session, error) {
	o := resolveOptions(opts)

	if port != "" {
		return connectPort(port, o)
	}

	candidates, err := discovery.Candidates()
	if err != nil {
		return nil, fmt.Errorf("session.Connect: enumerate ports: %w", err)
	}
	if len(candidates) == 0 {
		return nil, p4err.New(p4err.KindDisconnected, "session.Connect: no candidate ports found")
	}

	var lastErr error
	for _, path := range candidates {
		s, err := connectPort(path, o)
		if err == nil {
			return s, nil
		}
		lastErr = err
		o.log.Debug("connect: candidate did not respond", "port", path, "error", err)
	}
	return nil, fmt.Errorf("session.Connect: no responding device among %v: %w", candidates, lastErr)
}

func connectPort(path string, o options) (*Session, error) {
	serCfg := serialport.DefaultConfig()
	if o.baudRate > 0 {
		serCfg.BaudRate = o.baudRate
	}
	serCfg.ReadTimeout = o.timeout

	port, err := serialport.Open(path, serCfg)
	if err != nil {
		return nil, err
	}

	tr := transport.New(port, o.timeout, o.log)

	if _, err := tr.Exchange(wire.CmdPing, []byte("p4jit")); err != nil {
		tr.Close()
		return nil, fmt.Errorf("session.Connect(%s): ping: %w", path, err)
	}

	infoPayload, err := tr.Exchange(wire.CmdGetInfo, nil)
	if err != nil {
		tr.Close()
		return nil, fmt.Errorf("session.Connect(%s): get_info: %w", path, err)
	}
	info, err := decodeDeviceInfo(infoPayload)
	if err != nil {
		tr.Close()
		return nil, err
	}

	if err := checkProtocolCompat(info, o.log); err != nil {
		tr.Close()
		return nil, err
	}

	s := &Session{
		port:         path,
		tr:           tr,
		info:         info,
		table:        newAllocTable(),
		functions:    newFunctionTable(),
		log:          o.log,
		ShowProgress: o.showProgress,
	}

	globalRegistry.claim(path, s)
	o.log.Info("session: connected", "port", path, "firmware", info.FirmwareVersion,
		"protocol", fmt.Sprintf("%d.%d", info.ProtocolMajor, info.ProtocolMinor))

	return s, nil
}

// checkProtocolCompat enforces protocol compatibility: a major
// mismatch is fatal, a minor mismatch in either direction is a
// warning. Majors are compared directly; for the minor check both
// versions are formatted as vMAJOR.MINOR.0 and compared via
// golang.org/x/mod/semver, the same "normalize then
// semver.Compare" idiom internal/update/update.go uses for release
// checks.
func checkProtocolCompat(info DeviceInfo, log *slog.Logger) error {
	if info.ProtocolMajor != ExpectedProtocolMajor {
		return p4err.New(p4err.KindIncompatibleProtocol,
			fmt.Sprintf("device protocol v%d.%d incompatible with expected v%d.x",
				info.ProtocolMajor, info.ProtocolMinor, ExpectedProtocolMajor))
	}

	want := fmt.Sprintf("v%d.%d.0", ExpectedProtocolMajor, ExpectedProtocolMinor)
	got := fmt.Sprintf("v%d.%d.0", info.ProtocolMajor, info.ProtocolMinor)
	switch semver.Compare(got, want) {
	case 0:
		// exact match, nothing to warn about
	case -1:
		log.Warn("session: device protocol minor is older than expected",
			"device", got, "expected", want)
	case 1:
		log.Warn("session: device protocol minor is newer than expected",
			"device", got, "expected", want)
	}
	return nil
}

// forceDisconnect is called by the registry when another Connect call
// reclaims this Session's port. It closes the transport; subsequent
// operations fail Disconnected.
func (s *Session) forceDisconnect() {
	if s.closed.CompareAndSwap(false, true) {
		s.log.Warn("session: forcibly disconnected, port reclaimed by a newer session", "port", s.port)
		s.tr.Close()
	}
}

// Disconnect closes the session's transport and releases its claim on
// the port registry. Safe to call multiple times.
func (s *Session) Disconnect() error {
	if !s.closed.CompareAndSwap(false, true) {
		return nil
	}
	globalRegistry.release(s.port, s)
	return s.tr.Close()
}

func (s *Session) checkOpen(op string) error {
	if s.closed.Load() {
		return p4err.New(p4err.KindDisconnected, op)
	}
	return nil
}

// Info returns the device info captured at connect time.
func (s *Session) Info() DeviceInfo { return s.info }

// Port returns the serial path this session is bound to.
func (s *Session) Port() string { return s.port }

// Allocations returns a snapshot of live allocation records, for
// diagnostics only.
func (s *Session) Allocations() []AllocationRecord { return s.table.snapshot() }

// Allocate issues ALLOC and, on success, inserts the resulting record
// into the allocation table.
func (s *Session) Allocate(size, caps, alignment uint32) (uint32, error) {
	const op = "session.Allocate"
	if err := s.checkOpen(op); err != nil {
		return 0, err
	}
	if alignment == 0 {
		alignment = defaultAllocAlignment
	}

	resp, err := s.tr.Exchange(wire.CmdAlloc, encodeU32LE(size, caps, alignment))
	if err != nil {
		return 0, err
	}
	addr, errCode, err := decodeAllocResponse(resp)
	if err != nil {
		return 0, err
	}
	if errCode != 0 {
		if hi, hierr := s.HeapInfo(); hierr == nil {
			s.log.Warn("session: allocation failed, heap snapshot",
				"requested", size, "free_spiram", hi.FreeSPIRAM, "free_internal", hi.FreeInternal)
		}
		return 0, p4err.New(p4err.KindOutOfDeviceMemory, op)
	}

	if err := s.table.insert(AllocationRecord{Address: addr, Size: size, Caps: caps, Alignment: alignment}); err != nil {
		return 0, err
	}
	return addr, nil
}

// Free issues FREE for addr and removes it from the allocation table
// only once FREE has succeeded — a retry after a failed FREE must
// still find the record.
func (s *Session) Free(addr uint32) error {
	const op = "session.Free"
	if err := s.checkOpen(op); err != nil {
		return err
	}
	if _, ok := s.table.get(addr); !ok {
		return p4err.New(p4err.KindUnknownAllocation, op)
	}
	if _, err := s.tr.Exchange(wire.CmdFree, encodeU32LE(addr)); err != nil {
		return err
	}
	s.table.remove(addr)
	return nil
}

// WriteMemory writes bytes to addr, chunked to the device's
// MaxPayload (or a safe default), enforcing bounds unless skipBounds
// is set.
func (s *Session) WriteMemory(addr uint32, data []byte, skipBounds bool) error {
	const op = "session.WriteMemory"
	if err := s.checkOpen(op); err != nil {
		return err
	}
	if !skipBounds && !s.table.containingAny(addr, uint32(len(data))) {
		return p4err.New(p4err.KindBoundsViolation, op)
	}

	chunkSize := int(s.info.MaxPayload)
	if chunkSize <= 4 {
		chunkSize = defaultChunkSize
	} else {
		chunkSize -= 4 // leave room for the addr(4) prefix within MaxPayload
	}

	var bar *progressbar.ProgressBar
	numChunks := (len(data) + chunkSize - 1) / chunkSize
	if s.ShowProgress && numChunks > 2 && term.IsTerminal(int(os.Stderr.Fd())) {
		bar = progressbar.DefaultBytes(int64(len(data)), fmt.Sprintf("writing %#x", addr))
		defer bar.Close()
	}

	offset := 0
	for offset < len(data) {
		end := offset + chunkSize
		if end > len(data) {
			end = len(data)
		}
		chunk := data[offset:end]

		payload := make([]byte, 4+len(chunk))
		copy(payload, encodeU32LE(addr+uint32(offset)))
		copy(payload[4:], chunk)

		if _, err := s.tr.Exchange(wire.CmdWriteMem, payload); err != nil {
			return err
		}
		if bar != nil {
			bar.Add(len(chunk))
		}
		offset = end
	}
	// Zero-length writes still issue exactly one WRITE_MEM, matching
	// the chunking-equivalence property for the degenerate case.
	if len(data) == 0 {
		if _, err := s.tr.Exchange(wire.CmdWriteMem, encodeU32LE(addr)); err != nil {
			return err
		}
	}
	return nil
}

// ReadMemory reads size bytes from addr, enforcing bounds unless
// skipBounds is set. Large reads are not chunked; callers
// needing more than the device's payload budget must iterate.
func (s *Session) ReadMemory(addr uint32, size uint32, skipBounds bool) ([]byte, error) {
	const op = "session.ReadMemory"
	if err := s.checkOpen(op); err != nil {
		return nil, err
	}
	if !skipBounds && !s.table.containingAny(addr, size) {
		return nil, p4err.New(p4err.KindBoundsViolation, op)
	}
	return s.tr.Exchange(wire.CmdReadMem, encodeU32LE(addr, size))
}

// Execute runs the code at addr and returns the device's reported
// 32-bit return value. The bounds check only requires addr to fall
// within *some* allocation, irrespective of its
// caps — the device itself is trusted to enforce executability via
// the caps chosen at allocation time.
func (s *Session) Execute(addr uint32) (uint32, error) {
	const op = "session.Execute"
	if err := s.checkOpen(op); err != nil {
		return 0, err
	}
	if !s.table.containingAny(addr, 1) {
		return 0, p4err.New(p4err.KindBoundsViolation, op)
	}
	resp, err := s.tr.Exchange(wire.CmdExec, encodeU32LE(addr))
	if err != nil {
		return 0, err
	}
	return decodeExecResponse(resp)
}

// HeapInfo issues HEAP_INFO.
func (s *Session) HeapInfo() (HeapInfo, error) {
	const op = "session.HeapInfo"
	if err := s.checkOpen(op); err != nil {
		return HeapInfo{}, err
	}
	resp, err := s.tr.Exchange(wire.CmdHeapInfo, nil)
	if err != nil {
		return HeapInfo{}, err
	}
	return decodeHeapInfo(resp)
}
