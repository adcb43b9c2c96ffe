package archive

import (
	"archive/zip"
	"compress/flate"
	"fmt"
	"io"
	"math"
	"os"
	"path/filepath"

	"github.com/mesh-intelligence/dicomvault/pkg/types"
)

// writeChunk bounds single writes handed to the encoder, whose internal
// counters are 32-bit.
const writeChunk = 1 << 30

// ZipWriter emits a ZIP archive whose directory layout is driven by
// OpenDirectory/CloseDirectory calls. One file entry is open at a time.
type ZipWriter struct {
	f        *os.File
	zw       *zip.Writer
	stack    *directoryStack
	current  io.Writer
	written  int64
	zip64    bool
	renameTo string // append mode: path the temp file replaces on Close
}

// Options configures a ZipWriter.
type Options struct {
	// CompressionLevel is the deflate level, 0 (store) to 9.
	CompressionLevel int
	// ZIP64 permits entries larger than 4 GiB.
	ZIP64 bool
	// Append adds entries to an existing archive instead of truncating.
	Append bool
}

// NewZipWriter creates (or, in append mode, extends) the archive at path.
func NewZipWriter(path string, opts Options) (*ZipWriter, error) {
	if opts.CompressionLevel < 0 || opts.CompressionLevel > 9 {
		return nil, fmt.Errorf("compression level %d: %w",
			opts.CompressionLevel, types.ErrParameterOutOfRange)
	}

	var existing *zip.ReadCloser
	if opts.Append {
		if r, err := zip.OpenReader(path); err == nil {
			existing = r
		}
	}

	// Extending an archive rewrites it beside the original and renames
	// over it on Close; the reader keeps streaming the old entries from
	// the untouched file meanwhile.
	var f *os.File
	var err error
	renameTo := ""
	if existing != nil {
		defer existing.Close()
		f, err = os.CreateTemp(filepath.Dir(path), filepath.Base(path)+".tmp-*")
		renameTo = path
	} else {
		f, err = os.Create(path)
	}
	if err != nil {
		return nil, fmt.Errorf("creating archive: %w", types.ErrCannotWriteFile)
	}

	zw := zip.NewWriter(f)
	level := opts.CompressionLevel
	zw.RegisterCompressor(zip.Deflate, func(out io.Writer) (io.WriteCloser, error) {
		return flate.NewWriter(out, level)
	})

	w := &ZipWriter{f: f, zw: zw, stack: newDirectoryStack(), zip64: opts.ZIP64, renameTo: renameTo}
	for _, entry := range existingFiles(existing) {
		if err := zw.Copy(entry); err != nil {
			zw.Close()
			f.Close()
			os.Remove(f.Name())
			return nil, fmt.Errorf("carrying over %s: %w", entry.Name, err)
		}
	}
	return w, nil
}

func existingFiles(r *zip.ReadCloser) []*zip.File {
	if r == nil {
		return nil
	}
	return r.File
}

// OpenDirectory descends into a directory, sanitizing the name and
// resolving collisions at the current depth.
func (w *ZipWriter) OpenDirectory(name string) error {
	w.current = nil
	w.stack.push(name)
	return nil
}

// CloseDirectory ascends one level. Calling it at the archive root fails
// with ErrBadSequenceOfCalls.
func (w *ZipWriter) CloseDirectory() error {
	if w.stack.depth() == 0 {
		return fmt.Errorf("close at archive root: %w", types.ErrBadSequenceOfCalls)
	}
	w.current = nil
	w.stack.pop()
	return nil
}

// OpenFile starts a new file entry in the current directory. Subsequent
// Write calls stream into it until the next OpenFile/OpenDirectory.
func (w *ZipWriter) OpenFile(name string) error {
	leaf := w.stack.reserve(name)
	method := zip.Deflate
	header := &zip.FileHeader{Name: w.stack.join(leaf), Method: method}
	entry, err := w.zw.CreateHeader(header)
	if err != nil {
		return fmt.Errorf("opening entry %s: %w", header.Name, err)
	}
	w.current = entry
	w.written = 0
	return nil
}

// Write appends bytes to the open file entry, in encoder-bounded chunks.
func (w *ZipWriter) Write(data []byte) (int, error) {
	if w.current == nil {
		return 0, fmt.Errorf("no open entry: %w", types.ErrBadSequenceOfCalls)
	}
	if !w.zip64 && w.written+int64(len(data)) > math.MaxUint32 {
		return 0, fmt.Errorf("entry exceeds 4 GiB without zip64: %w", types.ErrCannotWriteFile)
	}
	total := 0
	for len(data) > 0 {
		chunk := data
		if len(chunk) > writeChunk {
			chunk = chunk[:writeChunk]
		}
		n, err := w.current.Write(chunk)
		total += n
		w.written += int64(n)
		if err != nil {
			return total, fmt.Errorf("writing entry: %w", err)
		}
		data = data[len(chunk):]
	}
	return total, nil
}

// Close finalizes the central directory and the underlying file. In
// append mode the finished temp file replaces the original archive.
func (w *ZipWriter) Close() error {
	w.current = nil
	if err := w.zw.Close(); err != nil {
		w.f.Close()
		w.discardTemp()
		return fmt.Errorf("finalizing archive: %w", err)
	}
	if err := w.f.Close(); err != nil {
		w.discardTemp()
		return fmt.Errorf("closing archive: %w", err)
	}
	if w.renameTo != "" {
		if err := os.Rename(w.f.Name(), w.renameTo); err != nil {
			w.discardTemp()
			return fmt.Errorf("replacing archive: %w", err)
		}
	}
	return nil
}

// discardTemp removes the append-mode temp file after a failed Close,
// leaving the original archive untouched.
func (w *ZipWriter) discardTemp() {
	if w.renameTo != "" {
		os.Remove(w.f.Name())
	}
}
