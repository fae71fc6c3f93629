package audit

import (
	"os"
	"sync"

	"github.com/goccy/go-json"
	"github.com/roadrunner-server/errors"
)

// Journal appends records as JSON lines. A nil *Journal discards everything,
// so callers need not check whether journaling is enabled.
type Journal struct {
	mu sync.Mutex
	f  *os.File
}

// OpenJournal opens path for appending, creating it with mode 0640.
func OpenJournal(path string) (*Journal, error) {
	const op = errors.Op("audit_open_journal")

	f, err := os.OpenFile(path, os.O_WRONLY|os.O_CREATE|os.O_APPEND, 0o640)
	if err != nil {
		return nil, errors.E(op, err)
	}
	return &Journal{f: f}, nil
}

// Append writes rec as a single line.
func (j *Journal) Append(rec *Record) error {
	if j == nil {
		return nil
	}
	const op = errors.Op("audit_append")

	data, err := json.Marshal(rec)
	if err != nil {
		return errors.E(op, err)
	}
	data = append(data, '\n')

	j.mu.Lock()
	defer j.mu.Unlock()

	if j.f == nil {
		return errors.E(op, errors.Str("journal closed"))
	}
	if _, err := j.f.Write(data); err != nil {
		return errors.E(op, err)
	}
	return nil
}

// Close flushes and closes the journal file. Further appends fail.
func (j *Journal) Close() error {
	if j == nil {
		return nil
	}
	const op = errors.Op("audit_close")

	j.mu.Lock()
	defer j.mu.Unlock()

	if j.f == nil {
		return nil
	}
	err := j.f.Sync()
	if cerr := j.f.Close(); err == nil {
		err = cerr
	}
	j.f = nil
	if err != nil {
		return errors.E(op, err)
	}
	return nil
}
