package intake

import (
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/roadrunner-server/errors"
)

// Config is the process-wide pipeline configuration. It is resolved once at
// startup and never mutated afterwards.
type Config struct {
	// BasePath is the root of the per-recipient folders.
	BasePath string

	// MaxAttachmentSize is the per-attachment byte ceiling (0 = unlimited).
	MaxAttachmentSize int64

	// UID and GID own created folders and files; -1 leaves the id unchanged.
	UID int
	GID int

	// DirMode and FileMode are applied explicitly after creation, so the
	// process umask does not interfere.
	DirMode  os.FileMode
	FileMode os.FileMode

	// MaxAttempts bounds the allocate+persist loop for a single attachment.
	MaxAttempts int
}

// DefaultMaxAttempts is used when Config.MaxAttempts is not set.
const DefaultMaxAttempts = 1000

// StorageTarget is the resolved final location of one attachment.
type StorageTarget struct {
	Directory string
	Filename  string
}

// Path joins the directory and filename.
func (t StorageTarget) Path() string {
	return filepath.Join(t.Directory, t.Filename)
}

// WriteResult is the outcome of a single exclusive-create attempt.
type WriteResult int

const (
	// Written means the payload was stored at the requested target.
	Written WriteResult = iota
	// Conflict means the target already existed and nothing was written.
	Conflict
)

// Store persists attachments below Config.BasePath.
type Store struct {
	cfg      Config
	allocate func(dir, filename string) (StorageTarget, error)
}

// NewStore returns a store bound to cfg.
func NewStore(cfg Config) *Store {
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = DefaultMaxAttempts
	}
	return &Store{cfg: cfg, allocate: Allocate}
}

// EnsureRecipientDir creates base/token if needed and applies the configured
// mode and ownership. It is idempotent and safe under concurrent calls.
func (s *Store) EnsureRecipientDir(token RecipientToken) (string, error) {
	const op = errors.Op("intake_ensure_recipient_dir")

	dir, err := s.recipientPath(token)
	if err != nil {
		return "", err
	}

	// MkdirAll treats an existing directory as success, which covers the
	// concurrent-delivery race on the same token.
	if err := os.MkdirAll(dir, s.cfg.DirMode); err != nil {
		return "", rejectErr(ReasonStorageUnavailable, dir, errors.E(op, err))
	}

	info, err := os.Lstat(dir)
	if err != nil {
		return "", rejectErr(ReasonStorageUnavailable, dir, errors.E(op, err))
	}
	if !info.IsDir() {
		return "", reject(ReasonStorageUnavailable, dir+" is not a directory")
	}

	if err := s.applyPolicy(dir, s.cfg.DirMode); err != nil {
		return "", rejectErr(ReasonStorageUnavailable, dir, errors.E(op, err))
	}

	return dir, nil
}

// recipientPath joins token onto the base path and refuses anything that does
// not land strictly inside it.
func (s *Store) recipientPath(token RecipientToken) (string, error) {
	base := filepath.Clean(s.cfg.BasePath)
	candidate := filepath.Clean(filepath.Join(base, string(token)))

	if strings.ContainsAny(string(token), `/\`) ||
		!strings.HasPrefix(candidate, base+string(filepath.Separator)) {
		return "", reject(ReasonUnsafeLocalPart, string(token))
	}
	return candidate, nil
}

// Allocate returns a target in dir that does not exist at the time of the
// call: filename itself, or base(1)ext, base(2)ext, ... The result is only a
// candidate; Persist decides the race.
func Allocate(dir, filename string) (StorageTarget, error) {
	const op = errors.Op("intake_allocate")

	taken, err := exists(filepath.Join(dir, filename))
	if err != nil {
		return StorageTarget{}, rejectErr(ReasonStorageUnavailable, filename, errors.E(op, err))
	}
	if !taken {
		return StorageTarget{Directory: dir, Filename: filename}, nil
	}

	ext := filepath.Ext(filename)
	base := strings.TrimSuffix(filename, ext)
	for n := 1; ; n++ {
		name := numberedName(base, ext, n)
		taken, err := exists(filepath.Join(dir, name))
		if err != nil {
			return StorageTarget{}, rejectErr(ReasonStorageUnavailable, name, errors.E(op, err))
		}
		if !taken {
			return StorageTarget{Directory: dir, Filename: name}, nil
		}
	}
}

// numberedName builds base(n)ext, shortening base so the result stays within
// the filename length limit.
func numberedName(base, ext string, n int) string {
	suffix := "(" + strconv.Itoa(n) + ")"
	if over := len(base) + len(suffix) + len(ext) - maxFilenameLength; over > 0 && over < len(base) {
		base = base[:len(base)-over]
	}
	return base + suffix + ext
}

func exists(path string) (bool, error) {
	_, err := os.Lstat(path)
	switch {
	case err == nil:
		return true, nil
	case os.IsNotExist(err):
		return false, nil
	default:
		return false, err
	}
}

// Persist writes payload to target with an exclusive create. An existing file
// is never touched: the attempt reports Conflict instead.
func (s *Store) Persist(target StorageTarget, payload []byte) (WriteResult, error) {
	const op = errors.Op("intake_persist")
	path := target.Path()

	f, err := os.OpenFile(path, os.O_WRONLY|os.O_CREATE|os.O_EXCL, s.cfg.FileMode)
	if err != nil {
		if os.IsExist(err) {
			return Conflict, nil
		}
		return Written, rejectErr(ReasonStorageUnavailable, target.Filename, errors.E(op, err))
	}

	_, err = f.Write(payload)
	if err == nil {
		err = f.Sync()
	}
	if cerr := f.Close(); err == nil {
		err = cerr
	}
	if err == nil {
		err = s.applyPolicy(path, s.cfg.FileMode)
	}
	if err != nil {
		// The path was created by this call, so removing it cannot hit a
		// sibling delivery's file.
		_ = os.Remove(path)
		return Written, rejectErr(ReasonStorageUnavailable, target.Filename, errors.E(op, err))
	}

	return Written, nil
}

// Save runs the allocate+persist loop until the payload is stored under a
// fresh name or the attempt budget is spent.
func (s *Store) Save(dir, filename string, payload []byte) (StorageTarget, error) {
	for attempt := 0; attempt < s.cfg.MaxAttempts; attempt++ {
		target, err := s.allocate(dir, filename)
		if err != nil {
			return StorageTarget{}, err
		}

		res, err := s.Persist(target, payload)
		if err != nil {
			return StorageTarget{}, err
		}
		if res == Written {
			return target, nil
		}
	}

	return StorageTarget{}, reject(ReasonStorageExhausted,
		filename+" after "+strconv.Itoa(s.cfg.MaxAttempts)+" attempts")
}

func (s *Store) applyPolicy(path string, mode os.FileMode) error {
	if err := os.Chmod(path, mode); err != nil {
		return err
	}
	if s.cfg.UID >= 0 || s.cfg.GID >= 0 {
		return os.Lchown(path, s.cfg.UID, s.cfg.GID)
	}
	return nil
}
