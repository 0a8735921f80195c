package wise

import (
	"encoding/binary"
	"fmt"
	"os"
	"path/filepath"

	"gowise/common"
)

// DumpFileName is the offsets file written next to the numbered blobs.
const DumpFileName = "WISE.DMP"

// DumpRecorder appends blob boundaries to the dump file: the start of the
// first blob, then the end of every blob extracted after it. After N blobs the
// file holds N+1 little-endian u32 offsets.
type DumpRecorder struct {
	path  string
	f     *os.File
	count int
}

// NewDumpRecorder creates (or truncates) the dump file in dir.
func NewDumpRecorder(dir string) (*DumpRecorder, error) {
	p := filepath.Join(dir, DumpFileName)
	f, err := os.Create(p)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", common.ErrIOFailure, err)
	}
	return &DumpRecorder{path: p, f: f}, nil
}

func (d *DumpRecorder) write(v int64) error {
	var raw [4]byte
	binary.LittleEndian.PutUint32(raw[:], uint32(v))
	if _, err := d.f.Write(raw[:]); err != nil {
		return fmt.Errorf("%w: %v", common.ErrIOFailure, err)
	}
	return nil
}

// Begin records where the first blob starts. It must be called once, before Add.
func (d *DumpRecorder) Begin(offset int64) error {
	return d.write(offset)
}

// Add records the end of one more blob.
func (d *DumpRecorder) Add(end int64) error {
	if err := d.write(end); err != nil {
		return err
	}
	d.count++
	return nil
}

// Count is the number of blobs recorded.
func (d *DumpRecorder) Count() int {
	return d.count
}

func (d *DumpRecorder) Path() string {
	return d.path
}

// Offsets reads the whole file back.
func (d *DumpRecorder) Offsets() ([]uint32, error) {
	return ReadDumpFile(d.path)
}

// Close flushes and closes the file, keeping it on disk.
func (d *DumpRecorder) Close() error {
	if d.f == nil {
		return nil
	}
	err := d.f.Close()
	d.f = nil
	return err
}

// Discard closes and removes the file.
func (d *DumpRecorder) Discard() error {
	_ = d.Close()
	if err := os.Remove(d.path); err != nil && !os.IsNotExist(err) {
		return err
	}
	return nil
}

// ReadDumpFile returns the offsets stored in a dump file.
func ReadDumpFile(path string) ([]uint32, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", common.ErrIOFailure, err)
	}
	if len(raw)%4 != 0 {
		return nil, fmt.Errorf("%w: dump file length %d", common.ErrSizeMismatch, len(raw))
	}
	out := make([]uint32, len(raw)/4)
	for i := range out {
		out[i] = binary.LittleEndian.Uint32(raw[i*4:])
	}
	return out, nil
}
