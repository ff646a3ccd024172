package scratch

import (
	"os"

	"github.com/mp-commits/reliable-fw-update/internal/bootutil"
)

// FileStore backs the scratch region with a regular file, standing in
// for the no-init RAM region across the demonstration installer CLI's
// process restarts the way InMemoryStore stands in for it within a
// single test run.
type FileStore struct {
	path string
}

// NewFileStore returns a Store rooted at path. The file need not exist
// yet; Load returns no bytes for a missing file, and Scratch.Init treats
// that size mismatch (as for an empty file) as "zero the region", the
// same as a fresh device.
func NewFileStore(path string) *FileStore {
	return &FileStore{path: path}
}

func (s *FileStore) Load() ([]byte, error) {
	raw, err := os.ReadFile(s.path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, bootutil.FmtChild(err, "scratch: failed to read %s", s.path)
	}
	return raw, nil
}

func (s *FileStore) Save(raw []byte) error {
	if err := os.WriteFile(s.path, raw, 0o644); err != nil {
		return bootutil.FmtChild(err, "scratch: failed to write %s", s.path)
	}
	return nil
}
