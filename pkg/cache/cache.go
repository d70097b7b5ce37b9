package cache

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strconv"

	"github.com/weftworks/weft/pkg/errdefs"
	"github.com/weftworks/weft/pkg/log"
)

// Store is a local directory blob cache addressed by file meta id. Layout
// under the base directory:
//
//	normal/{meta_id}       assembled whole files
//	multipart/{meta_id}/{nth}  in-flight upload parts
//	snapshot/{meta_id}     node-produced snapshots
type Store struct {
	base string
}

// New roots a cache at base, creating the directory tree.
func New(base string) (*Store, error) {
	for _, sub := range []string{"normal", "multipart", "snapshot"} {
		if err := os.MkdirAll(filepath.Join(base, sub), 0o755); err != nil {
			return nil, wrapIO("init cache directory", err)
		}
	}
	logger := log.WithComponent("cache")
	logger.Debug().Str("base", base).Msg("Cache store initialised")
	return &Store{base: base}, nil
}

func (s *Store) normalPath(metaID string) string {
	return filepath.Join(s.base, "normal", metaID)
}

func (s *Store) partPath(metaID string, nth int) string {
	return filepath.Join(s.base, "multipart", metaID, strconv.Itoa(nth))
}

func (s *Store) multipartDir(metaID string) string {
	return filepath.Join(s.base, "multipart", metaID)
}

func (s *Store) snapshotPath(metaID string) string {
	return filepath.Join(s.base, "snapshot", metaID)
}

// WriteNormal stores a whole-file blob.
func (s *Store) WriteNormal(metaID string, data []byte) error {
	return s.write(s.normalPath(metaID), data)
}

// WritePart stores one multipart shard.
func (s *Store) WritePart(metaID string, nth int, data []byte) error {
	return s.write(s.partPath(metaID, nth), data)
}

// ReadNormal returns a whole-file blob.
func (s *Store) ReadNormal(metaID string) ([]byte, error) {
	return s.read(s.normalPath(metaID))
}

// ReadPart returns one multipart shard.
func (s *Store) ReadPart(metaID string, nth int) ([]byte, error) {
	return s.read(s.partPath(metaID, nth))
}

// ReadSnapshot returns a snapshot blob.
func (s *Store) ReadSnapshot(metaID string) ([]byte, error) {
	return s.read(s.snapshotPath(metaID))
}

// OpenSnapshot streams a snapshot blob; the caller closes it.
func (s *Store) OpenSnapshot(metaID string) (io.ReadCloser, error) {
	f, err := os.Open(s.snapshotPath(metaID))
	if err != nil {
		return nil, wrapIO("open snapshot "+metaID, err)
	}
	return f, nil
}

// RemoveNormal deletes a whole-file blob; absence is not an error.
func (s *Store) RemoveNormal(metaID string) error {
	return s.remove(s.normalPath(metaID))
}

// RemoveMultipartDir drops every shard of a meta id.
func (s *Store) RemoveMultipartDir(metaID string) error {
	if err := os.RemoveAll(s.multipartDir(metaID)); err != nil {
		return wrapIO("remove multipart dir "+metaID, err)
	}
	return nil
}

// RemoveSnapshot deletes a snapshot blob; absence is not an error.
func (s *Store) RemoveSnapshot(metaID string) error {
	return s.remove(s.snapshotPath(metaID))
}

// ChangeNormalToSnapshot promotes an assembled file to a snapshot blob. It is
// a rename, never a copy, so the promotion is atomic on one filesystem.
func (s *Store) ChangeNormalToSnapshot(metaID string) error {
	if err := os.Rename(s.normalPath(metaID), s.snapshotPath(metaID)); err != nil {
		return wrapIO("promote normal to snapshot "+metaID, err)
	}
	return nil
}

// IsSnapshotExists reports whether a snapshot blob is present.
func (s *Store) IsSnapshotExists(metaID string) bool {
	_, err := os.Stat(s.snapshotPath(metaID))
	return err == nil
}

func (s *Store) write(path string, data []byte) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return wrapIO("create parent dir for "+path, err)
	}
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return wrapIO("write "+path, err)
	}
	return nil
}

func (s *Store) read(path string) ([]byte, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, wrapIO("read "+path, err)
	}
	return data, nil
}

func (s *Store) remove(path string) error {
	if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
		return wrapIO("remove "+path, err)
	}
	return nil
}

func wrapIO(op string, err error) error {
	return fmt.Errorf("%s: %v: %w", op, err, errdefs.ErrCacheIO)
}
