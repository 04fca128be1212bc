package chunkstore

import (
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"sync/atomic"
	"time"

	"github.com/cockroachdb/errors"
	"golang.org/x/exp/slices"

	"github.com/dreamware/buddymirror/internal/cluster"
)

// Entry describes one file or directory of a target tree.
type Entry struct {
	Name    string      `json:"name"`
	IsDir   bool        `json:"isDir"`
	Size    int64       `json:"size"`
	Mode    fs.FileMode `json:"mode"`
	ModTime time.Time   `json:"modTime"`
}

// Matches reports whether two entries describe the same content as far as a
// resync is concerned: same kind, size, permission bits and modification
// time to the second.
func (e Entry) Matches(o Entry) bool {
	return e.IsDir == o.IsDir &&
		(e.IsDir || e.Size == o.Size) &&
		e.Mode.Perm() == o.Mode.Perm() &&
		e.ModTime.Unix() == o.ModTime.Unix()
}

// OperationStats counts operations served by a target.
type OperationStats struct {
	Stats        uint64 `json:"stats"`
	Lists        uint64 `json:"lists"`
	Writes       uint64 `json:"writes"`
	Removes      uint64 `json:"removes"`
	BytesWritten uint64 `json:"bytesWritten"`
}

// Target is the on-disk tree of one storage target, rooted at a local
// directory. All paths are relative to the root and may not escape it.
type Target struct {
	ID   cluster.TargetID
	Root string

	ops OperationStats // updated atomically
}

// Open prepares the root directory of a target, creating it if needed.
func Open(id cluster.TargetID, root string) (*Target, error) {
	if id == 0 {
		return nil, errors.Wrap(cluster.ErrInvalidID, "target id 0 is reserved")
	}
	abs, err := filepath.Abs(root)
	if err != nil {
		return nil, errors.Wrapf(err, "resolve root of target %d", id)
	}
	if err := os.MkdirAll(abs, 0o755); err != nil {
		return nil, errors.Wrapf(err, "create root of target %d", id)
	}
	return &Target{ID: id, Root: abs}, nil
}

// Path maps a relative path to its location below Root.
func (t *Target) Path(rel string) (string, error) {
	if strings.Contains(rel, "\x00") {
		return "", errors.Wrapf(cluster.ErrInvalidID, "invalid path %q", rel)
	}
	clean := filepath.Clean("/" + filepath.FromSlash(rel))
	return filepath.Join(t.Root, clean), nil
}

// Stat describes one entry. A missing entry yields cluster.ErrNotFound.
func (t *Target) Stat(rel string) (Entry, error) {
	atomic.AddUint64(&t.ops.Stats, 1)
	p, err := t.Path(rel)
	if err != nil {
		return Entry{}, err
	}
	fi, err := os.Lstat(p)
	if err != nil {
		return Entry{}, wrapFSError(err, "stat", rel)
	}
	return entryOf(fi), nil
}

// List returns the entries of a directory ordered by name.
func (t *Target) List(rel string) ([]Entry, error) {
	atomic.AddUint64(&t.ops.Lists, 1)
	p, err := t.Path(rel)
	if err != nil {
		return nil, err
	}
	dirents, err := os.ReadDir(p)
	if err != nil {
		return nil, wrapFSError(err, "list", rel)
	}

	out := make([]Entry, 0, len(dirents))
	for _, de := range dirents {
		fi, err := de.Info()
		if errors.Is(err, fs.ErrNotExist) {
			// removed since ReadDir
			continue
		}
		if err != nil {
			return nil, wrapFSError(err, "list", rel)
		}
		out = append(out, entryOf(fi))
	}
	slices.SortFunc(out, func(a, b Entry) int { return strings.Compare(a.Name, b.Name) })
	return out, nil
}

// OpenFile opens a file for reading.
func (t *Target) OpenFile(rel string) (*os.File, error) {
	p, err := t.Path(rel)
	if err != nil {
		return nil, err
	}
	f, err := os.Open(p)
	if err != nil {
		return nil, wrapFSError(err, "open", rel)
	}
	return f, nil
}

// WriteAt writes data at offset, creating the file and its parent directories
// as needed. With truncate the file is cut to zero length first.
func (t *Target) WriteAt(rel string, offset int64, data []byte, truncate bool) error {
	atomic.AddUint64(&t.ops.Writes, 1)
	p, err := t.Path(rel)
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(p), 0o755); err != nil {
		return wrapFSError(err, "mkdir parent", rel)
	}

	flags := os.O_WRONLY | os.O_CREATE
	if truncate {
		flags |= os.O_TRUNC
	}
	f, err := os.OpenFile(p, flags, 0o644)
	if err != nil {
		return wrapFSError(err, "open", rel)
	}
	defer f.Close()

	n, err := f.WriteAt(data, offset)
	atomic.AddUint64(&t.ops.BytesWritten, uint64(n))
	if err != nil {
		return wrapFSError(err, "write", rel)
	}
	return wrapFSError(f.Close(), "close", rel)
}

// Truncate sets the size of a file, creating it if needed.
func (t *Target) Truncate(rel string, size int64) error {
	atomic.AddUint64(&t.ops.Writes, 1)
	p, err := t.Path(rel)
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(p), 0o755); err != nil {
		return wrapFSError(err, "mkdir parent", rel)
	}
	f, err := os.OpenFile(p, os.O_WRONLY|os.O_CREATE, 0o644)
	if err != nil {
		return wrapFSError(err, "open", rel)
	}
	defer f.Close()
	return wrapFSError(f.Truncate(size), "truncate", rel)
}

// SetAttrs applies permission bits and modification time.
func (t *Target) SetAttrs(rel string, mode fs.FileMode, mtime time.Time) error {
	p, err := t.Path(rel)
	if err != nil {
		return err
	}
	if err := os.Chmod(p, mode.Perm()); err != nil {
		return wrapFSError(err, "chmod", rel)
	}
	if err := os.Chtimes(p, mtime, mtime); err != nil {
		return wrapFSError(err, "chtimes", rel)
	}
	return nil
}

// Mkdir creates a directory and its parents and applies the permission bits
// to it. An existing directory is fine.
func (t *Target) Mkdir(rel string, mode fs.FileMode) error {
	p, err := t.Path(rel)
	if err != nil {
		return err
	}
	if err := os.MkdirAll(p, mode.Perm()|0o700); err != nil {
		return wrapFSError(err, "mkdir", rel)
	}
	if p == t.Root {
		return nil
	}
	return wrapFSError(os.Chmod(p, mode.Perm()), "chmod", rel)
}

// Remove deletes an entry and everything below it. The root itself cannot be
// removed. A missing entry is not an error.
func (t *Target) Remove(rel string) error {
	atomic.AddUint64(&t.ops.Removes, 1)
	p, err := t.Path(rel)
	if err != nil {
		return err
	}
	if p == t.Root {
		return errors.Wrapf(cluster.ErrInvalidID, "refusing to remove root of target %d", t.ID)
	}
	if err := os.RemoveAll(p); err != nil {
		return wrapFSError(err, "remove", rel)
	}
	return nil
}

// ReadBlock reads up to len(buf) bytes at offset and reports io.EOF only when
// nothing was read.
func ReadBlock(r io.ReaderAt, buf []byte, offset int64) (int, error) {
	n, err := r.ReadAt(buf, offset)
	if err == io.EOF && n > 0 {
		err = nil
	}
	return n, err
}

// Stats returns a snapshot of the operation counters.
func (t *Target) Stats() OperationStats {
	return OperationStats{
		Stats:        atomic.LoadUint64(&t.ops.Stats),
		Lists:        atomic.LoadUint64(&t.ops.Lists),
		Writes:       atomic.LoadUint64(&t.ops.Writes),
		Removes:      atomic.LoadUint64(&t.ops.Removes),
		BytesWritten: atomic.LoadUint64(&t.ops.BytesWritten),
	}
}

func entryOf(fi fs.FileInfo) Entry {
	e := Entry{
		Name:    fi.Name(),
		IsDir:   fi.IsDir(),
		Mode:    fi.Mode(),
		ModTime: fi.ModTime(),
	}
	if !e.IsDir {
		e.Size = fi.Size()
	}
	return e
}

// wrapFSError maps a missing entry to cluster.ErrNotFound and everything else
// to cluster.ErrInternal.
func wrapFSError(err error, op, rel string) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, fs.ErrNotExist) {
		return errors.Wrapf(cluster.ErrNotFound, "%s %s", op, rel)
	}
	return errors.Wrapf(errors.Mark(err, cluster.ErrInternal), "%s %s", op, rel)
}
