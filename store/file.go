package store

import (
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"

	"github.com/pkg/errors"
)

// FileCounter persists a single decimal value in one file. Writes go to a
// temp file in the same directory followed by os.Rename, so a crash mid
// write leaves the old value intact rather than a truncated one — a torn
// write is tolerated only in the sense that the counter may miss an
// increment, never in the sense of producing a non-integer value.
type FileCounter struct {
	mu   sync.Mutex
	path string
}

// NewFileCounter opens (without requiring it to exist yet) a FileCounter at
// path. A missing file reads as 0.
func NewFileCounter(path string) *FileCounter {
	return &FileCounter{path: path}
}

func (f *FileCounter) Load() (uint16, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	b, err := os.ReadFile(f.path)
	if errors.Is(err, os.ErrNotExist) {
		return 0, nil
	}
	if err != nil {
		return 0, err
	}
	n, err := strconv.ParseUint(strings.TrimSpace(string(b)), 10, 16)
	if err != nil {
		return 0, errors.Wrapf(err, "store: corrupt counter file %s", f.path)
	}
	return uint16(n), nil
}

func (f *FileCounter) CAS(old, new uint16) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	b, err := os.ReadFile(f.path)
	switch {
	case errors.Is(err, os.ErrNotExist):
		if old != 0 {
			return false, nil
		}
	case err != nil:
		return false, err
	default:
		cur, perr := strconv.ParseUint(strings.TrimSpace(string(b)), 10, 16)
		if perr != nil || uint16(cur) != old {
			return false, nil
		}
	}

	dir := filepath.Dir(f.path)
	tmp, err := os.CreateTemp(dir, filepath.Base(f.path)+".tmp-*")
	if err != nil {
		return false, err
	}
	tmpName := tmp.Name()
	if _, err := tmp.WriteString(strconv.FormatUint(uint64(new), 10) + "\n"); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return false, err
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return false, err
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return false, err
	}
	if err := os.Rename(tmpName, f.path); err != nil {
		os.Remove(tmpName)
		return false, err
	}
	return true, nil
}
