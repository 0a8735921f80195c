package wise

import (
	"bytes"
	"encoding/binary"
	"hash/crc32"
	"os"
	"path/filepath"
	"testing"

	"github.com/go-restruct/restruct"
	"github.com/klauspost/compress/flate"

	"gowise/nerw"
)

// memStream builds a Stream over in-memory volumes.
func memStream(t *testing.T, parts ...[]byte) *Stream {
	t.Helper()
	s := &Stream{}
	for i, p := range parts {
		s.add(filepath.Join("mem", string(rune('a'+i))), bytes.NewReader(p), nil, int64(len(p)))
	}
	return s
}

func deflate(t *testing.T, plain []byte) []byte {
	t.Helper()
	var buf bytes.Buffer
	w, err := flate.NewWriter(&buf, flate.BestCompression)
	if err != nil {
		t.Fatalf("flate.NewWriter: %v", err)
	}
	if _, err := w.Write(plain); err != nil {
		t.Fatalf("deflate write: %v", err)
	}
	if err := w.Close(); err != nil {
		t.Fatalf("deflate close: %v", err)
	}
	return buf.Bytes()
}

func le32(v uint32) []byte {
	var b [4]byte
	binary.LittleEndian.PutUint32(b[:], v)
	return b[:]
}

// rawComponent is a deflate stream followed by the CRC-32 of the plaintext.
func rawComponent(t *testing.T, plain []byte) []byte {
	t.Helper()
	return append(deflate(t, plain), le32(crc32.ChecksumIEEE(plain))...)
}

// pkzipComponent wraps a deflate stream in a PKZIP local file header.
func pkzipComponent(t *testing.T, name string, plain []byte) []byte {
	t.Helper()
	data := deflate(t, plain)
	hdr := localFileHeader{
		Signature:        localHeaderSignature,
		Version:          20,
		Method:           methodDeflate,
		CRC32:            crc32.ChecksumIEEE(plain),
		CompressedSize:   uint32(len(data)),
		UncompressedSize: uint32(len(plain)),
		NameLength:       uint16(len(name)),
	}
	raw, err := restruct.Pack(binary.LittleEndian, &hdr)
	if err != nil {
		t.Fatalf("pack local header: %v", err)
	}
	raw = append(raw, name...)
	return append(raw, data...)
}

type testSection struct {
	name    string
	va      uint32
	vsize   uint32
	rawOff  uint32
	rawSize uint32
	flags   uint32
}

const (
	scnCode = 0x60000020
	scnData = 0xC0000040
)

// buildPE returns a minimal PE32 image: headers in the first 0x200 bytes and
// each section's raw data filled with 0xCC. certOff/certSize describe an
// optional certificate directory.
func buildPE(t *testing.T, sections []testSection, certOff, certSize uint32) []byte {
	t.Helper()
	size := uint32(0x200)
	for _, s := range sections {
		size = max(size, s.rawOff+s.rawSize)
	}
	img := make([]byte, size)

	img[0], img[1] = 'M', 'Z'
	binary.LittleEndian.PutUint32(img[60:], 0x40)
	copy(img[0x40:], "PE\x00\x00")

	fh := img[0x44:]
	binary.LittleEndian.PutUint16(fh[0:], 0x14c)
	binary.LittleEndian.PutUint16(fh[2:], uint16(len(sections)))
	binary.LittleEndian.PutUint16(fh[16:], 224)
	binary.LittleEndian.PutUint16(fh[18:], 0x0102)

	oh := img[0x58:]
	binary.LittleEndian.PutUint16(oh[0:], 0x10b)
	binary.LittleEndian.PutUint32(oh[28:], 0x400000) // ImageBase
	binary.LittleEndian.PutUint32(oh[32:], 0x1000)   // SectionAlignment
	binary.LittleEndian.PutUint32(oh[36:], 0x200)    // FileAlignment
	binary.LittleEndian.PutUint32(oh[60:], 0x200)    // SizeOfHeaders
	binary.LittleEndian.PutUint32(oh[92:], 16)
	binary.LittleEndian.PutUint32(oh[96+4*8:], certOff)
	binary.LittleEndian.PutUint32(oh[96+4*8+4:], certSize)

	for i, s := range sections {
		sh := img[0x58+224+i*40:]
		copy(sh[:8], s.name)
		binary.LittleEndian.PutUint32(sh[8:], s.vsize)
		binary.LittleEndian.PutUint32(sh[12:], s.va)
		binary.LittleEndian.PutUint32(sh[16:], s.rawSize)
		binary.LittleEndian.PutUint32(sh[20:], s.rawOff)
		binary.LittleEndian.PutUint32(sh[36:], s.flags)
		for j := s.rawOff; j < s.rawOff+s.rawSize; j++ {
			img[j] = 0xCC
		}
	}
	return img
}

// peEndingAt is a single-section PE whose raw data ends exactly at end.
func peEndingAt(t *testing.T, end uint32) []byte {
	t.Helper()
	return buildPE(t, []testSection{
		{name: ".text", va: 0x1000, vsize: end - 0x200, rawOff: 0x200, rawSize: end - 0x200, flags: scnCode},
	}, 0, 0)
}

// buildNE returns an MZ/NE image with two segments (code, data) and one
// resource, using a shift count of 4 for both tables.
func buildNE(t *testing.T) []byte {
	t.Helper()
	img := make([]byte, 0x800)
	img[0], img[1] = 'M', 'Z'
	binary.LittleEndian.PutUint32(img[60:], 0x40)

	hdr := nerw.NEFileHeader{
		Signature:                 [2]byte{'N', 'E'},
		NumberOfSegments:          2,
		OffsetOfSegmentTable:      0x40,
		OffsetOfResourceTable:     0x50,
		OffsetOfResidentNameTable: 0x68,
		FileAlignmentShiftCount:   4,
	}
	raw, err := restruct.Pack(binary.LittleEndian, &hdr)
	if err != nil {
		t.Fatalf("pack NE header: %v", err)
	}
	copy(img[0x40:], raw)

	segs := []nerw.NESegment{
		{LogicalSectorOffset: 0x10, SizeOnDisk: 0x200},
		{LogicalSectorOffset: 0x30, SizeOnDisk: 0x80, Flag: nerw.SegmentFlagData},
	}
	for i, s := range segs {
		raw, err := restruct.Pack(binary.LittleEndian, &s)
		if err != nil {
			t.Fatalf("pack segment: %v", err)
		}
		copy(img[0x80+i*nerw.SizeOfNESegment:], raw)
	}

	res := img[0x90:]
	binary.LittleEndian.PutUint16(res[0:], 4)
	binary.LittleEndian.PutUint16(res[2:], 0x8002)
	binary.LittleEndian.PutUint16(res[4:], 1)
	binary.LittleEndian.PutUint16(res[10:], 0x40)
	binary.LittleEndian.PutUint16(res[12:], 0x10)
	return img
}

// overlayBytes encodes an overlay header with an optional DLL name prefix.
func overlayBytes(t *testing.T, dll string, fixed overlayFixed, initText string) []byte {
	t.Helper()
	var buf bytes.Buffer
	buf.WriteByte(byte(len(dll)))
	if dll != "" {
		buf.WriteString(dll)
		buf.Write(le32(0x1234))
	}
	fixed.InitTextLength = uint8(len(initText))
	raw, err := restruct.Pack(binary.LittleEndian, &fixed)
	if err != nil {
		t.Fatalf("pack overlay header: %v", err)
	}
	if len(raw) != overlayFixedSize {
		t.Fatalf("overlay header packs to %d bytes, want %d", len(raw), overlayFixedSize)
	}
	buf.Write(raw)
	buf.WriteString(initText)
	return buf.Bytes()
}

func writeFile(t *testing.T, path string, data []byte) {
	t.Helper()
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(path, data, 0o644); err != nil {
		t.Fatal(err)
	}
}

func readFile(t *testing.T, path string) []byte {
	t.Helper()
	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("read %s: %v", path, err)
	}
	return data
}

func concat(parts ...[]byte) []byte {
	var out []byte
	for _, p := range parts {
		out = append(out, p...)
	}
	return out
}
