package wise

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"

	"github.com/go-restruct/restruct"

	"gowise/common"
)

const (
	localHeaderSignature    = 0x04034B50
	dataDescriptorSignature = 0x08074B50
	localHeaderSize         = 30

	methodStored  uint16 = 0
	methodDeflate uint16 = 8

	flagDataDescriptor = 1 << 3
)

var errBadSignature = errors.New("bad local header signature")

// localFileHeader is the fixed part of a PKZIP local file header.
type localFileHeader struct {
	Signature        uint32
	Version          uint16
	Flags            uint16
	Method           uint16
	ModTime          uint16
	ModDate          uint16
	CRC32            uint32
	CompressedSize   uint32
	UncompressedSize uint32
	NameLength       uint16
	ExtraLength      uint16

	Name string `struct:"-"`
}

func (h *localFileHeader) hasDataDescriptor() bool {
	return h.Flags&flagDataDescriptor != 0
}

// expectation is what the header declares. With a data descriptor the sizes
// are not known until the stream has been inflated.
func (h *localFileHeader) expectation() Expectation {
	if h.hasDataDescriptor() {
		return Unknown()
	}
	return Expectation{
		Input:  int64(h.CompressedSize),
		Output: int64(h.UncompressedSize),
		CRC:    h.CRC32,
	}
}

// readLocalHeader decodes a local file header at the stream position and
// leaves the position on the first byte of compressed data.
func readLocalHeader(s *Stream) (*localFileHeader, error) {
	raw := make([]byte, localHeaderSize)
	if _, err := io.ReadFull(s, raw); err != nil {
		return nil, fmt.Errorf("%w: %v", common.ErrIOFailure, err)
	}
	h := &localFileHeader{}
	if err := restruct.Unpack(raw, binary.LittleEndian, h); err != nil {
		return nil, fmt.Errorf("%w: %v", common.ErrStructuralMismatch, err)
	}
	if h.Signature != localHeaderSignature {
		return nil, fmt.Errorf("%w: %#08x", errBadSignature, h.Signature)
	}
	if h.Method != methodDeflate && h.Method != methodStored {
		return nil, fmt.Errorf("%w: compression method %d", common.ErrStructuralMismatch, h.Method)
	}

	name := make([]byte, h.NameLength)
	if _, err := io.ReadFull(s, name); err != nil {
		return nil, fmt.Errorf("%w: %v", common.ErrIOFailure, err)
	}
	h.Name = common.DecodeANSI(name)
	if _, err := s.Seek(int64(h.ExtraLength), io.SeekCurrent); err != nil {
		return nil, err
	}
	return h, nil
}

type dataDescriptor struct {
	CRC32            uint32
	CompressedSize   uint32
	UncompressedSize uint32
}

func (d dataDescriptor) expectation(consumed int64) Expectation {
	in := int64(d.CompressedSize)
	if in == 0 {
		in = consumed
	}
	return Expectation{Input: in, Output: int64(d.UncompressedSize), CRC: d.CRC32}
}

// readDataDescriptor reads the descriptor that follows the data when flag
// bit 3 is set. Its signature is optional.
func readDataDescriptor(s *Stream) (dataDescriptor, error) {
	var d dataDescriptor
	raw := make([]byte, 16)
	n, err := s.ReadAt(raw, s.Pos())
	if err != nil && n < 12 {
		return d, fmt.Errorf("%w: data descriptor: %v", common.ErrIOFailure, err)
	}
	skip := int64(12)
	if binary.LittleEndian.Uint32(raw) == dataDescriptorSignature && n == 16 {
		raw = raw[4:]
		skip = 16
	}
	if err := restruct.Unpack(raw[:12], binary.LittleEndian, &d); err != nil {
		return d, fmt.Errorf("%w: %v", common.ErrStructuralMismatch, err)
	}
	_, err = s.Seek(skip, io.SeekCurrent)
	return d, err
}
