package audit

import (
	"bytes"
	"errors"
	"os"
	"sync"

	"github.com/rs/zerolog"
)

// Log is an append-only invocation record.
//
// Contract:
// - Append assigns Index and PrevCID, returning the entry's CID.
// - Entries are immutable once appended.
// - Appends are serialized; Entries returns them in append order.
type Log interface {
	Append(e Entry) (string, error)
	Entries() ([]Entry, error)
	Verify() error
}

// MemoryLog keeps the chain in memory. Safe for concurrent use.
type MemoryLog struct {
	mu      sync.Mutex
	entries []Entry
	headCID string
	log     zerolog.Logger
}

func NewMemoryLog(log zerolog.Logger) *MemoryLog {
	return &MemoryLog{headCID: ChainRoot, log: log}
}

func (m *MemoryLog) Append(e Entry) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	e.Index = uint64(len(m.entries))
	e.PrevCID = m.headCID
	id := CID(e)
	m.entries = append(m.entries, e)
	m.headCID = id
	m.log.Info().
		Str("cid", id).
		Str("requestId", e.RequestID).
		Str("capability", e.CapabilityName).
		Str("outcome", e.Outcome).
		Int64("durationMs", e.DurationMillis).
		Msg("invocation recorded")
	return id, nil
}

func (m *MemoryLog) Entries() ([]Entry, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]Entry(nil), m.entries...), nil
}

func (m *MemoryLog) Verify() error {
	entries, _ := m.Entries()
	return VerifyChain(entries)
}

// FileLog persists the chain to a single append-only file, entries in
// canonical form separated by blank lines. Safe for concurrent use within one
// process.
type FileLog struct {
	mu      sync.Mutex
	path    string
	next    uint64
	headCID string
	log     zerolog.Logger
}

// OpenFileLog opens or creates the log at path and replays it to find the
// chain head. A corrupted chain refuses to open.
func OpenFileLog(path string, log zerolog.Logger) (*FileLog, error) {
	if path == "" {
		return nil, errors.New("audit: log path is required")
	}
	f := &FileLog{path: path, headCID: ChainRoot, log: log}
	entries, err := f.load()
	if err != nil {
		return nil, err
	}
	if err := VerifyChain(entries); err != nil {
		return nil, err
	}
	f.next = uint64(len(entries))
	if len(entries) > 0 {
		f.headCID = CID(entries[len(entries)-1])
	}
	return f, nil
}

func (f *FileLog) load() ([]Entry, error) {
	data, err := os.ReadFile(f.path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, err
	}
	if len(data) == 0 {
		return nil, nil
	}
	var entries []Entry
	for _, block := range bytes.Split(data, []byte("\n\n")) {
		if len(block) == 0 {
			continue
		}
		e, perr := Parse(block)
		if perr != nil {
			return nil, perr
		}
		entries = append(entries, e)
	}
	return entries, nil
}

func (f *FileLog) Append(e Entry) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	e.Index = f.next
	e.PrevCID = f.headCID
	id := CID(e)

	out, err := os.OpenFile(f.path, os.O_WRONLY|os.O_CREATE|os.O_APPEND, 0o600)
	if err != nil {
		return "", err
	}
	block := Render(e)
	if f.next > 0 {
		block = append([]byte("\n\n"), block...)
	}
	if _, err := out.Write(block); err != nil {
		_ = out.Close()
		return "", err
	}
	if err := out.Sync(); err != nil {
		_ = out.Close()
		return "", err
	}
	if err := out.Close(); err != nil {
		return "", err
	}

	f.next++
	f.headCID = id
	f.log.Info().
		Str("cid", id).
		Str("requestId", e.RequestID).
		Str("capability", e.CapabilityName).
		Str("outcome", e.Outcome).
		Msg("invocation recorded")
	return id, nil
}

func (f *FileLog) Entries() ([]Entry, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.load()
}

func (f *FileLog) Verify() error {
	entries, err := f.Entries()
	if err != nil {
		return err
	}
	return VerifyChain(entries)
}
