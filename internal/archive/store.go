// Package archive keeps a local history of interview outcomes as append-only
// JSON lines. Records carry the status and the evaluation report, never the
// transcript or audio.
package archive

import (
	"bufio"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"sync"
	"time"

	"github.com/MrWong99/voxview/internal/report"
	"github.com/MrWong99/voxview/internal/session"
)

// Record is the outcome of one finished interview.
type Record struct {
	SessionID   string         `json:"session_id"`
	FinishedAt  time.Time      `json:"finished_at"`
	Candidate   string         `json:"candidate,omitempty"`
	Role        string         `json:"role,omitempty"`
	Status      session.Status `json:"status"`
	Error       string         `json:"error,omitempty"`
	Warnings    []string       `json:"warnings,omitempty"`
	Report      *report.Report `json:"report,omitempty"`
	ReportError string         `json:"report_error,omitempty"`
}

// FileStore persists records as JSON lines in a local file.
// Thread-safe for concurrent use.
type FileStore struct {
	mu   sync.Mutex
	path string
}

// NewFileStore creates a FileStore that writes to the given path.
// The file is created on first append.
func NewFileStore(path string) *FileStore {
	return &FileStore{path: path}
}

// Path returns the backing file.
func (fs *FileStore) Path() string { return fs.path }

// Append writes rec as one line. A zero FinishedAt is set to the current
// time.
func (fs *FileStore) Append(rec Record) error {
	if rec.FinishedAt.IsZero() {
		rec.FinishedAt = time.Now().UTC()
	}
	data, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("archive: marshal: %w", err)
	}
	data = append(data, '\n')

	fs.mu.Lock()
	defer fs.mu.Unlock()

	f, err := os.OpenFile(fs.path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		return fmt.Errorf("archive: open file: %w", err)
	}
	if _, err := f.Write(data); err != nil {
		f.Close()
		return fmt.Errorf("archive: write: %w", err)
	}
	return f.Close()
}

// List returns every record in file order. A missing file yields no records.
// Lines that fail to decode are skipped and reported in the joined error.
func (fs *FileStore) List() ([]Record, error) {
	fs.mu.Lock()
	defer fs.mu.Unlock()

	f, err := os.Open(fs.path)
	if errors.Is(err, os.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("archive: open file: %w", err)
	}
	defer f.Close()

	var (
		recs []Record
		errs []error
	)
	sc := bufio.NewScanner(f)
	sc.Buffer(make([]byte, 0, 64*1024), 16*1024*1024)
	for line := 1; sc.Scan(); line++ {
		if len(sc.Bytes()) == 0 {
			continue
		}
		var rec Record
		if err := json.Unmarshal(sc.Bytes(), &rec); err != nil {
			errs = append(errs, fmt.Errorf("archive: line %d: %w", line, err))
			continue
		}
		recs = append(recs, rec)
	}
	if err := sc.Err(); err != nil {
		errs = append(errs, fmt.Errorf("archive: read: %w", err))
	}
	return recs, errors.Join(errs...)
}

// Find returns the most recent record for sessionID.
func (fs *FileStore) Find(sessionID string) (Record, bool, error) {
	recs, err := fs.List()
	for i := len(recs) - 1; i >= 0; i-- {
		if recs[i].SessionID == sessionID {
			return recs[i], true, err
		}
	}
	return Record{}, false, err
}
