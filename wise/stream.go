package wise

import (
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/apex/log"

	"gowise/common"
)

const (
	// maxVolumes bounds the continuation volume probe (.w2 ... .w99).
	maxVolumes = 99
	// windowSize is the read-ahead served to Read and ReadByte.
	windowSize = 64 << 10
)

type volume struct {
	name  string
	r     io.ReaderAt
	c     io.Closer
	start int64
	size  int64
}

// Stream joins a base file and its numbered continuation volumes into one
// seekable address space. Every offset in this package is an offset into a
// Stream, never into an individual volume.
type Stream struct {
	volumes []volume
	size    int64
	pos     int64

	// win holds the bytes at [winOff, winOff+len(win)). Volumes are read-only
	// so the window never goes stale; seeking only moves pos.
	win    []byte
	winBuf []byte
	winOff int64
}

// OpenStream opens path read-only together with every continuation volume
// that exists next to it (`setup.exe` -> `setup.w2`, `setup.w3`, ...).
func OpenStream(path string) (*Stream, error) {
	s := &Stream{}
	if err := s.addFile(path); err != nil {
		return nil, err
	}

	base := strings.TrimSuffix(path, filepath.Ext(path))
	for n := 2; n <= maxVolumes; n++ {
		next := continuationName(base, n)
		if next == "" {
			break
		}
		if err := s.addFile(next); err != nil {
			_ = s.Close()
			return nil, err
		}
		log.WithField("volume", filepath.Base(next)).Debug("attached continuation volume")
	}
	return s, nil
}

// ContinuationSuffix is the extension of the n-th volume, counting the base
// file as volume 1. Upper case variants are accepted as well.
func ContinuationSuffix(n int) string {
	return fmt.Sprintf(".w%d", n)
}

func continuationName(base string, n int) string {
	suffix := ContinuationSuffix(n)
	for _, ext := range []string{suffix, strings.ToUpper(suffix)} {
		candidate := base + ext
		if fi, err := os.Stat(candidate); err == nil && fi.Mode().IsRegular() {
			return candidate
		}
	}
	return ""
}

func (s *Stream) addFile(path string) error {
	f, err := os.Open(path)
	if err != nil {
		return fmt.Errorf("%w: %v", common.ErrIOFailure, err)
	}
	fi, err := f.Stat()
	if err != nil {
		_ = f.Close()
		return fmt.Errorf("%w: %v", common.ErrIOFailure, err)
	}
	s.add(path, f, f, fi.Size())
	return nil
}

func (s *Stream) add(name string, r io.ReaderAt, c io.Closer, size int64) {
	s.volumes = append(s.volumes, volume{name: name, r: r, c: c, start: s.size, size: size})
	s.size += size
}

// Size is the total length of all volumes.
func (s *Stream) Size() int64 {
	return s.size
}

// Pos is the current read position.
func (s *Stream) Pos() int64 {
	return s.pos
}

// Volumes returns the file names backing the stream in address order.
func (s *Stream) Volumes() []string {
	names := make([]string, len(s.volumes))
	for i, v := range s.volumes {
		names[i] = v.name
	}
	return names
}

// ReadAt reads across volume boundaries without moving the read position.
func (s *Stream) ReadAt(p []byte, off int64) (int, error) {
	if off < 0 {
		return 0, errors.New("wise: negative offset")
	}
	n := 0
	for _, v := range s.volumes {
		if len(p) == 0 {
			break
		}
		if off >= v.start+v.size {
			continue
		}
		local := off - v.start
		want := min(int64(len(p)), v.size-local)
		got, err := v.r.ReadAt(p[:want], local)
		n += got
		off += int64(got)
		p = p[got:]
		if err != nil && err != io.EOF {
			return n, err
		}
		if int64(got) < want {
			return n, io.ErrUnexpectedEOF
		}
	}
	if len(p) > 0 {
		return n, io.EOF
	}
	return n, nil
}

// Read serves sequential reads from the read-ahead window. Large reads go
// straight to the volumes.
func (s *Stream) Read(p []byte) (int, error) {
	if s.pos >= s.size {
		return 0, io.EOF
	}
	if rem := s.size - s.pos; int64(len(p)) > rem {
		p = p[:rem]
	}
	if len(p) >= windowSize {
		n, err := s.ReadAt(p, s.pos)
		s.pos += int64(n)
		if err == io.EOF && n > 0 {
			err = nil
		}
		return n, err
	}
	if err := s.fill(); err != nil {
		return 0, err
	}
	n := copy(p, s.win[s.pos-s.winOff:])
	s.pos += int64(n)
	return n, nil
}

// ReadByte lets flate consume exactly the bytes it needs, so Pos stays an
// accurate count of compressed input.
func (s *Stream) ReadByte() (byte, error) {
	if s.pos >= s.size {
		return 0, io.EOF
	}
	if err := s.fill(); err != nil {
		return 0, err
	}
	b := s.win[s.pos-s.winOff]
	s.pos++
	return b, nil
}

// fill makes sure the window covers pos.
func (s *Stream) fill() error {
	if s.pos >= s.winOff && s.pos < s.winOff+int64(len(s.win)) {
		return nil
	}
	if s.winBuf == nil {
		s.winBuf = make([]byte, windowSize)
	}
	buf := s.winBuf[:min(windowSize, s.size-s.pos)]
	n, err := s.ReadAt(buf, s.pos)
	s.win, s.winOff = buf[:n], s.pos
	if n == 0 {
		if err == nil {
			err = io.ErrUnexpectedEOF
		}
		return err
	}
	return nil
}

func (s *Stream) Seek(offset int64, whence int) (int64, error) {
	var abs int64
	switch whence {
	case io.SeekStart:
		abs = offset
	case io.SeekCurrent:
		abs = s.pos + offset
	case io.SeekEnd:
		abs = s.size + offset
	default:
		return s.pos, errors.New("wise: invalid whence")
	}
	if abs < 0 {
		return s.pos, errors.New("wise: negative position")
	}
	s.pos = abs
	return abs, nil
}

// Close closes every volume.
func (s *Stream) Close() error {
	var errs []error
	for _, v := range s.volumes {
		if v.c == nil {
			continue
		}
		if err := v.c.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// SeekGuard snapshots the stream position; Restore puts it back unless
// Commit was called first.
type SeekGuard struct {
	s         *Stream
	pos       int64
	committed bool
}

// Guard captures the current position. Typical use:
//
//	g := s.Guard()
//	defer g.Restore()
//	...
//	g.Commit()
func (s *Stream) Guard() *SeekGuard {
	return &SeekGuard{s: s, pos: s.pos}
}

func (g *SeekGuard) Commit() {
	g.committed = true
}

func (g *SeekGuard) Restore() {
	if !g.committed {
		g.s.pos = g.pos
	}
}

// Start is the position captured by the guard.
func (g *SeekGuard) Start() int64 {
	return g.pos
}
