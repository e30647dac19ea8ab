package provenance

import (
	"bufio"
	"encoding/json"
	"os"
	"sync"

	"github.com/homewalk/tourforge/internal/errs"
)

// Sink persists records. Implementations may fail; the Ledger absorbs those
// failures so emission stays best-effort for callers.
type Sink interface {
	Emit(rec Record) error
}

// MemorySink collects records in order. Tests and the verification CLI read
// them back through Snapshot and ByAsset.
type MemorySink struct {
	mu      sync.RWMutex
	records []Record
}

func NewMemorySink() *MemorySink {
	return &MemorySink{}
}

func (s *MemorySink) Emit(rec Record) error {
	s.mu.Lock()
	s.records = append(s.records, rec)
	s.mu.Unlock()
	return nil
}

// Snapshot returns a copy of all records in emission order.
func (s *MemorySink) Snapshot() []Record {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]Record, len(s.records))
	copy(out, s.records)
	return out
}

// ByAsset returns the records for one asset in emission order.
func (s *MemorySink) ByAsset(assetID string) []Record {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []Record
	for _, r := range s.records {
		if r.AssetID == assetID {
			out = append(out, r)
		}
	}
	return out
}

// FileSink appends records as JSONL. Each emit is flushed so a crash loses
// at most the record being written.
type FileSink struct {
	mu sync.Mutex
	f  *os.File
	w  *bufio.Writer
}

func NewFileSink(path string) (*FileSink, error) {
	f, err := os.OpenFile(path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		return nil, errs.IO("open provenance file", err)
	}
	return &FileSink{f: f, w: bufio.NewWriter(f)}, nil
}

func (s *FileSink) Emit(rec Record) error {
	line, err := json.Marshal(rec)
	if err != nil {
		return errs.Unexpected("marshal provenance record", err)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, err := s.w.Write(append(line, '\n')); err != nil {
		return errs.IO("append provenance record", err)
	}
	if err := s.w.Flush(); err != nil {
		return errs.IO("flush provenance record", err)
	}
	return nil
}

func (s *FileSink) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.w.Flush(); err != nil {
		s.f.Close()
		return errs.IO("flush provenance file", err)
	}
	return s.f.Close()
}
