// Package storage provides named binary blob storage for a bulletin server
// node. Blobs are addressed by logical path names ("/posts", "/s_contacts",
// ...) and written with atomic-overwrite semantics, mirroring the firmware's
// flash filesystem plus optional SD-card backup.
package storage

import (
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
)

// ErrNotFound is returned when a blob does not exist.
var ErrNotFound = errors.New("blob not found")

// BlobStore is the interface for named binary blob storage.
type BlobStore interface {
	// Exists reports whether the named blob is present.
	Exists(name string) bool

	// ReadAll returns the full contents of the named blob.
	// Returns ErrNotFound if the blob does not exist.
	ReadAll(name string) ([]byte, error)

	// WriteAll replaces the named blob with data atomically: a reader never
	// observes a partially written blob.
	WriteAll(name string, data []byte) error

	// Append appends data to the named blob, creating it if absent.
	Append(name string, data []byte) error

	// Remove deletes the named blob. Removing an absent blob is not an error.
	Remove(name string) error
}

// Validator decides whether a stored blob is usable. Used when deciding
// whether to fall back to a mirror copy.
type Validator func(data []byte) bool

// MinSizeValidator accepts blobs of at least min bytes.
func MinSizeValidator(min int) Validator {
	return func(data []byte) bool {
		return len(data) >= min
	}
}

// SizeAlignValidator accepts blobs whose size is a multiple of align.
func SizeAlignValidator(align int) Validator {
	return func(data []byte) bool {
		return align > 0 && len(data)%align == 0
	}
}

// Compile-time assertion that DirStore implements BlobStore.
var _ BlobStore = (*DirStore)(nil)

// DirStore is a BlobStore backed by files in a directory. Logical blob
// names are slash-prefixed ("/posts"); they map to files inside the root
// directory. Writes go through a temp file and rename for atomicity.
type DirStore struct {
	root string
	log  *slog.Logger
}

// NewDirStore creates a DirStore rooted at dir, creating it if needed.
func NewDirStore(dir string, logger *slog.Logger) (*DirStore, error) {
	if logger == nil {
		logger = slog.Default()
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("creating store dir: %w", err)
	}
	return &DirStore{
		root: dir,
		log:  logger.WithGroup("storage"),
	}, nil
}

// filePath maps a logical blob name to a path under the store root.
func (s *DirStore) filePath(name string) string {
	return filepath.Join(s.root, strings.TrimPrefix(name, "/"))
}

// Exists reports whether the named blob is present.
func (s *DirStore) Exists(name string) bool {
	_, err := os.Stat(s.filePath(name))
	return err == nil
}

// ReadAll returns the full contents of the named blob.
func (s *DirStore) ReadAll(name string) ([]byte, error) {
	data, err := os.ReadFile(s.filePath(name))
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, fmt.Errorf("%w: %s", ErrNotFound, name)
		}
		return nil, fmt.Errorf("reading %s: %w", name, err)
	}
	return data, nil
}

// WriteAll replaces the named blob atomically via temp file + rename.
func (s *DirStore) WriteAll(name string, data []byte) error {
	path := s.filePath(name)
	tmp, err := os.CreateTemp(s.root, filepath.Base(path)+".tmp*")
	if err != nil {
		return fmt.Errorf("creating temp file for %s: %w", name, err)
	}
	tmpName := tmp.Name()

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return fmt.Errorf("writing %s: %w", name, err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("closing %s: %w", name, err)
	}
	if err := os.Rename(tmpName, path); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("replacing %s: %w", name, err)
	}
	return nil
}

// Append appends data to the named blob, creating it if absent.
func (s *DirStore) Append(name string, data []byte) error {
	f, err := os.OpenFile(s.filePath(name), os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		return fmt.Errorf("opening %s for append: %w", name, err)
	}
	defer f.Close()
	if _, err := f.Write(data); err != nil {
		return fmt.Errorf("appending to %s: %w", name, err)
	}
	return nil
}

// Remove deletes the named blob. Removing an absent blob is not an error.
func (s *DirStore) Remove(name string) error {
	err := os.Remove(s.filePath(name))
	if err != nil && !errors.Is(err, fs.ErrNotExist) {
		return fmt.Errorf("removing %s: %w", name, err)
	}
	return nil
}

// MirroredStore wraps a primary BlobStore with a secondary mirror (the
// firmware's SD-card backup). Reads and writes go to the primary; Backup
// copies a blob to the mirror and RestoreIfNeeded pulls a blob back from
// the mirror when the primary copy is absent or fails validation.
type MirroredStore struct {
	primary BlobStore
	mirror  BlobStore
	log     *slog.Logger
}

// Compile-time assertion that MirroredStore implements BlobStore.
var _ BlobStore = (*MirroredStore)(nil)

// NewMirroredStore creates a MirroredStore. mirror may be nil, in which case
// Backup and RestoreIfNeeded become no-ops.
func NewMirroredStore(primary, mirror BlobStore, logger *slog.Logger) *MirroredStore {
	if logger == nil {
		logger = slog.Default()
	}
	return &MirroredStore{
		primary: primary,
		mirror:  mirror,
		log:     logger.WithGroup("storage"),
	}
}

func (m *MirroredStore) Exists(name string) bool               { return m.primary.Exists(name) }
func (m *MirroredStore) ReadAll(name string) ([]byte, error)   { return m.primary.ReadAll(name) }
func (m *MirroredStore) WriteAll(name string, data []byte) error { return m.primary.WriteAll(name, data) }
func (m *MirroredStore) Append(name string, data []byte) error { return m.primary.Append(name, data) }
func (m *MirroredStore) Remove(name string) error              { return m.primary.Remove(name) }

// Backup copies the named blob from the primary to the mirror.
// Returns false silently if there is no mirror or the blob is absent.
func (m *MirroredStore) Backup(name string) bool {
	if m.mirror == nil {
		return false
	}
	data, err := m.primary.ReadAll(name)
	if err != nil {
		return false
	}
	if err := m.mirror.WriteAll(name, data); err != nil {
		m.log.Warn("mirror backup failed", "name", name, "error", err)
		return false
	}
	return true
}

// RestoreIfNeeded copies the named blob from the mirror back to the primary
// when the primary copy is absent or rejected by any of the validators.
// Returns true if a restore took place.
func (m *MirroredStore) RestoreIfNeeded(name string, validators ...Validator) bool {
	if m.mirror == nil {
		return false
	}
	if m.primaryUsable(name, validators) {
		return false
	}
	data, err := m.mirror.ReadAll(name)
	if err != nil {
		return false
	}
	if err := m.primary.WriteAll(name, data); err != nil {
		m.log.Warn("mirror restore failed", "name", name, "error", err)
		return false
	}
	m.log.Info("restored blob from mirror", "name", name)
	return true
}

func (m *MirroredStore) primaryUsable(name string, validators []Validator) bool {
	data, err := m.primary.ReadAll(name)
	if err != nil {
		return false
	}
	for _, v := range validators {
		if !v(data) {
			return false
		}
	}
	return true
}
