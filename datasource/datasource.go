// Package datasource implements a byte-addressable view over a file or an
// in-memory region, the C1 component of the loader: DataSource/DataView.
package datasource

import (
	"errors"
	"fmt"
	"os"
	"sync"
)

// ErrClosed is returned by any operation on a DataView after its Close has
// already released the underlying mapping.
var ErrClosed = errors.New("datasource: view is closed")

// ErrOutOfRange is returned when a requested sub-view falls outside the
// bounds of its parent.
var ErrOutOfRange = errors.New("datasource: range out of bounds")

// arena is the refcounted backing store a DataSource hands out DataViews
// against. Every DataView — however many sub-views are cut from it — shares
// one arena and one refcount; the arena's bytes are only released once the
// last view referencing it is closed.
type arena struct {
	mu     sync.Mutex
	bytes  []byte
	refs   int
	closer func() error
}

func (a *arena) retain() {
	a.mu.Lock()
	a.refs++
	a.mu.Unlock()
}

func (a *arena) release() error {
	a.mu.Lock()
	a.refs--
	n := a.refs
	closer := a.closer
	if n <= 0 {
		a.closer = nil
	}
	a.mu.Unlock()
	if n > 0 || closer == nil {
		return nil
	}
	return closer()
}

// DataSource is an opaque producer of mappable byte ranges.
type DataSource struct {
	arena *arena
	size  int64
}

// FromFile maps the full contents of path and returns a DataSource over it.
// The returned source owns the open file handle; Close on every view cut
// from it must be called for the handle to be released.
func FromFile(path string) (*DataSource, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("datasource: open %s: %w", path, err)
	}
	info, err := f.Stat()
	if err != nil {
		f.Close()
		return nil, fmt.Errorf("datasource: stat %s: %w", path, err)
	}
	buf := make([]byte, info.Size())
	if _, err := readFull(f, buf); err != nil {
		f.Close()
		return nil, fmt.Errorf("datasource: read %s: %w", path, err)
	}
	a := &arena{bytes: buf, closer: f.Close}
	return &DataSource{arena: a, size: info.Size()}, nil
}

// FromBytes wraps an already-resident byte slice (the fromMemory=true case:
// a module image already mapped by the host loader) as a DataSource. No
// closer is associated — the caller owns buf's lifetime.
func FromBytes(buf []byte) *DataSource {
	return &DataSource{arena: &arena{bytes: buf, refs: 1}, size: int64(len(buf))}
}

// Size returns the total addressable length of the source.
func (s *DataSource) Size() int64 { return s.size }

// View returns a DataView over [offset, offset+size) of the source.
func (s *DataSource) View(offset, size int64) (*DataView, error) {
	if offset < 0 || size < 0 || offset+size > s.size {
		return nil, ErrOutOfRange
	}
	s.arena.retain()
	return &DataView{arena: s.arena, off: offset, size: size}, nil
}

// DataView is an observable, independently closable window over a DataSource.
// Its base pointer (Bytes()) is valid for the view's lifetime; sub-views
// share the parent mapping so creating one is cheap.
type DataView struct {
	arena  *arena
	off    int64
	size   int64
	closed bool
	mu     sync.Mutex
}

// Bytes returns the view's backing bytes. The slice is only valid until
// Close is called.
func (v *DataView) Bytes() ([]byte, error) {
	v.mu.Lock()
	defer v.mu.Unlock()
	if v.closed {
		return nil, ErrClosed
	}
	return v.arena.bytes[v.off : v.off+v.size], nil
}

// Size returns the view's length in bytes.
func (v *DataView) Size() int64 { return v.size }

// Offset returns the view's offset within its originating DataSource.
func (v *DataView) Offset() int64 { return v.off }

// SubView carves a cheap, share-mapping sub-range out of v, relative to v's
// own start.
func (v *DataView) SubView(relOffset, size int64) (*DataView, error) {
	v.mu.Lock()
	defer v.mu.Unlock()
	if v.closed {
		return nil, ErrClosed
	}
	if relOffset < 0 || size < 0 || relOffset+size > v.size {
		return nil, ErrOutOfRange
	}
	v.arena.retain()
	return &DataView{arena: v.arena, off: v.off + relOffset, size: size}, nil
}

// Clone returns an independent handle over the same range, bumping the
// shared arena's refcount. Closing the clone does not affect v.
func (v *DataView) Clone() (*DataView, error) {
	v.mu.Lock()
	defer v.mu.Unlock()
	if v.closed {
		return nil, ErrClosed
	}
	v.arena.retain()
	return &DataView{arena: v.arena, off: v.off, size: v.size}, nil
}

// Close releases this view's hold on the underlying mapping. The mapping
// itself is only released once every view sharing it has been closed.
func (v *DataView) Close() error {
	v.mu.Lock()
	defer v.mu.Unlock()
	if v.closed {
		return nil
	}
	v.closed = true
	return v.arena.release()
}

func readFull(f *os.File, buf []byte) (int, error) {
	total := 0
	for total < len(buf) {
		n, err := f.Read(buf[total:])
		total += n
		if err != nil {
			if total == len(buf) {
				return total, nil
			}
			return total, err
		}
		if n == 0 {
			break
		}
	}
	return total, nil
}
