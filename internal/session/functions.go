package session

import "sync"

// FunctionRecord describes one function currently loaded on the
// device, for inspection and debugging only — it plays no part in
// allocation bookkeeping or call dispatch.
type FunctionRecord struct {
	ID          uint64
	Name        string
	CodeAddress uint32
	ExecAddress uint32
	ArgsAddress uint32
}

type functionTable struct {
	mu     sync.Mutex
	nextID uint64
	byID   map[uint64]FunctionRecord
}

func newFunctionTable() *functionTable {
	return &functionTable{byID: make(map[uint64]FunctionRecord)}
}

// RegisterFunction records a newly loaded function and returns an
// opaque id for later UnregisterFunction calls.
func (s *Session) RegisterFunction(name string, codeAddr, execAddr, argsAddr uint32) uint64 {
	s.functions.mu.Lock()
	defer s.functions.mu.Unlock()
	s.functions.nextID++
	id := s.functions.nextID
	s.functions.byID[id] = FunctionRecord{
		ID: id, Name: name, CodeAddress: codeAddr, ExecAddress: execAddr, ArgsAddress: argsAddr,
	}
	return id
}

// UnregisterFunction removes id from the table. A no-op if id is
// unknown, so a LoadedFunction's Free is safe to call it unconditionally.
func (s *Session) UnregisterFunction(id uint64) {
	s.functions.mu.Lock()
	defer s.functions.mu.Unlock()
	delete(s.functions.byID, id)
}

// LoadedFunctions returns a snapshot of functions currently registered
// as loaded on this session's device.
func (s *Session) LoadedFunctions() []FunctionRecord {
	s.functions.mu.Lock()
	defer s.functions.mu.Unlock()
	out := make([]FunctionRecord, 0, len(s.functions.byID))
	for _, rec := range s.functions.byID {
		out = append(out, rec)
	}
	return out
}
