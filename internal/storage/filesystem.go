package storage

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/sirupsen/logrus"

	"github.com/mesh-intelligence/dicomvault/pkg/types"
)

// FilesystemArea stores each blob as a file in a two-level fan-out tree
// keyed by the first four hex characters of the uuid:
// <root>/<xx>/<yy>/<uuid>. Writes go to a temp file first and are moved
// into place with an atomic rename so a crash never leaves a torn blob.
type FilesystemArea struct {
	root string
	log  *logrus.Entry
}

// NewFilesystemArea creates the storage root if needed.
func NewFilesystemArea(root string) (*FilesystemArea, error) {
	if root == "" {
		return nil, fmt.Errorf("storage root: %w", types.ErrParameterOutOfRange)
	}
	if err := os.MkdirAll(root, 0o755); err != nil {
		return nil, fmt.Errorf("creating storage root: %w", err)
	}
	return &FilesystemArea{
		root: root,
		log:  logrus.WithField("component", "storage"),
	}, nil
}

// path returns <root>/<xx>/<yy>/<uuid> for a uuid.
func (a *FilesystemArea) path(uuid string) (string, error) {
	if len(uuid) < 4 || strings.ContainsAny(uuid, "/\\") {
		return "", fmt.Errorf("uuid %q: %w", uuid, types.ErrParameterOutOfRange)
	}
	return filepath.Join(a.root, uuid[0:2], uuid[2:4], uuid), nil
}

// Create persists data under uuid via write-to-temp plus atomic rename.
func (a *FilesystemArea) Create(uuid string, data []byte, contentType types.AttachmentType) error {
	target, err := a.path(uuid)
	if err != nil {
		return err
	}
	if _, err := os.Stat(target); err == nil {
		return fmt.Errorf("uuid %s: %w", uuid, types.ErrAlreadyExisting)
	}
	if err := os.MkdirAll(filepath.Dir(target), 0o755); err != nil {
		return fmt.Errorf("creating fan-out directory: %w", err)
	}

	tmp, err := os.CreateTemp(filepath.Dir(target), uuid+".tmp-*")
	if err != nil {
		return fmt.Errorf("creating temp file: %w", err)
	}
	tmpName := tmp.Name()
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return fmt.Errorf("writing blob %s: %w", uuid, err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("closing blob %s: %w", uuid, err)
	}
	if err := os.Rename(tmpName, target); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("renaming blob %s: %w", uuid, err)
	}
	return nil
}

// Read returns the full blob.
func (a *FilesystemArea) Read(uuid string, contentType types.AttachmentType) ([]byte, error) {
	target, err := a.path(uuid)
	if err != nil {
		return nil, err
	}
	data, err := os.ReadFile(target)
	if os.IsNotExist(err) {
		return nil, fmt.Errorf("uuid %s: %w", uuid, types.ErrInexistentFile)
	}
	if err != nil {
		return nil, fmt.Errorf("reading blob %s: %w", uuid, err)
	}
	return data, nil
}

// ReadRange returns bytes [start, end) of the blob.
func (a *FilesystemArea) ReadRange(uuid string, contentType types.AttachmentType, start, end int64) ([]byte, error) {
	if start < 0 || end < start {
		return nil, fmt.Errorf("range [%d,%d): %w", start, end, types.ErrParameterOutOfRange)
	}
	target, err := a.path(uuid)
	if err != nil {
		return nil, err
	}
	f, err := os.Open(target)
	if os.IsNotExist(err) {
		return nil, fmt.Errorf("uuid %s: %w", uuid, types.ErrInexistentFile)
	}
	if err != nil {
		return nil, fmt.Errorf("opening blob %s: %w", uuid, err)
	}
	defer f.Close()

	buf := make([]byte, end-start)
	n, err := f.ReadAt(buf, start)
	if err != nil && err != io.EOF {
		return nil, fmt.Errorf("reading blob %s range: %w", uuid, err)
	}
	return buf[:n], nil
}

// Remove deletes the blob. A missing uuid is success.
func (a *FilesystemArea) Remove(uuid string, contentType types.AttachmentType) error {
	target, err := a.path(uuid)
	if err != nil {
		return err
	}
	if err := os.Remove(target); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("removing blob %s: %w", uuid, err)
	}
	return nil
}

// Sweep walks the fan-out tree and deletes files whose uuid the live
// predicate rejects. Blobs left behind by a swallowed Remove failure are
// reclaimed here. Returns the number of files deleted.
func (a *FilesystemArea) Sweep(live func(uuid string) bool) (int, error) {
	removed := 0
	err := filepath.Walk(a.root, func(path string, info os.FileInfo, err error) error {
		if err != nil {
			return err
		}
		if info.IsDir() {
			return nil
		}
		name := filepath.Base(path)
		if strings.Contains(name, ".tmp-") {
			// Orphaned temp file from an interrupted write.
			if rmErr := os.Remove(path); rmErr == nil {
				removed++
			}
			return nil
		}
		if !live(name) {
			if rmErr := os.Remove(path); rmErr != nil {
				a.log.WithField("uuid", name).WithError(rmErr).Warn("sweep could not remove blob")
				return nil
			}
			removed++
		}
		return nil
	})
	return removed, err
}
