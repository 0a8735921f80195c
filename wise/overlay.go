package wise

import (
	"encoding/binary"
	"fmt"
	"io"

	"github.com/apex/log"
	"github.com/go-restruct/restruct"

	"gowise/common"
)

const (
	overlayFlagPKZIP = 0x100
	overlayFixedSize = 95
	endiannessMarker = 0x0000
)

// overlayFixed is the fixed block that follows the optional DLL name.
type overlayFixed struct {
	Flags                   uint32
	Graphics                [12]byte
	ExitEventOffset         uint32
	CancelEventOffset       uint32
	ScriptInflatedSize      uint32
	ScriptDeflatedSize      uint32
	WiseDllDeflatedSize     uint32
	Ctl3d32DeflatedSize     uint32
	SomeData4DeflatedSize   uint32
	RegToolDeflatedSize     uint32
	ProgressDllDeflatedSize uint32
	SomeData7DeflatedSize   uint32
	SomeData8DeflatedSize   uint32
	SomeData9DeflatedSize   uint32
	SomeData10DeflatedSize  uint32
	FinalFileDeflatedSize   uint32
	FinalFileInflatedSize   uint32
	EOF                     uint32
	DibDeflatedSize         uint32
	DibInflatedSize         uint32
	CharacterSet            uint32
	Endianness              uint16
	InitTextLength          uint8
}

// OverlayHeader is the header Wise writes at the start of the appended data.
type OverlayHeader struct {
	DllName string
	DllSize uint32
	overlayFixed
	InitText string

	// Offset is where the header starts, End where the first component starts.
	Offset int64
	End    int64
}

// IsPKZIP reports whether every component is wrapped in a local file header.
func (h *OverlayHeader) IsPKZIP() bool {
	return h.Flags&overlayFlagPKZIP != 0
}

// Mode is the framing used by the components that follow the header.
func (h *OverlayHeader) Mode() Mode {
	if h.IsPKZIP() {
		return ModePKZIPLocalHeader
	}
	return ModeRawWithTrailingCRC
}

// Component is one header-declared piece of the archive.
type Component struct {
	Name         string
	DeflatedSize int64
	InflatedSize int64 // -1 when the header does not say
}

// Components lists the blobs that follow the header, script first, in
// stream order. Zero-sized entries are left out.
func (h *OverlayHeader) Components() []Component {
	all := []Component{
		{"SCRIPT", int64(h.ScriptDeflatedSize), int64(h.ScriptInflatedSize)},
		{"WISE0001.DLL", int64(h.WiseDllDeflatedSize), -1},
		{"CTL3D32.DLL", int64(h.Ctl3d32DeflatedSize), -1},
		{"FILE0004", int64(h.SomeData4DeflatedSize), -1},
		{"OCXREG32.EXE", int64(h.RegToolDeflatedSize), -1},
		{"PROGRESS.DLL", int64(h.ProgressDllDeflatedSize), -1},
		{"FILE0007", int64(h.SomeData7DeflatedSize), -1},
		{"FILE0008", int64(h.SomeData8DeflatedSize), -1},
		{"FILE0009", int64(h.SomeData9DeflatedSize), -1},
		{"FILE000A", int64(h.SomeData10DeflatedSize), -1},
		{"WISECOLORS.DIB", int64(h.DibDeflatedSize), int64(h.DibInflatedSize)},
	}
	out := all[:0]
	for _, c := range all {
		if c.DeflatedSize > 0 {
			out = append(out, c)
		}
	}
	return out
}

// ReadOverlayHeader decodes the overlay header at the stream's current
// position. On success the position is left on the first component.
func ReadOverlayHeader(s *Stream) (*OverlayHeader, error) {
	g := s.Guard()
	defer g.Restore()

	h := &OverlayHeader{Offset: s.Pos()}
	n, err := s.ReadByte()
	if err != nil {
		return nil, fmt.Errorf("%w: %v", common.ErrIOFailure, err)
	}
	if n > 0 {
		name := make([]byte, n)
		if _, err := io.ReadFull(s, name); err != nil {
			return nil, fmt.Errorf("%w: dll name: %v", common.ErrIOFailure, err)
		}
		h.DllName = common.DecodeANSI(name)
		var size [4]byte
		if _, err := io.ReadFull(s, size[:]); err != nil {
			return nil, fmt.Errorf("%w: dll size: %v", common.ErrIOFailure, err)
		}
		h.DllSize = binary.LittleEndian.Uint32(size[:])
	}

	raw := make([]byte, overlayFixedSize)
	if _, err := io.ReadFull(s, raw); err != nil {
		return nil, fmt.Errorf("%w: overlay header: %v", common.ErrIOFailure, err)
	}
	if err := restruct.Unpack(raw, binary.LittleEndian, &h.overlayFixed); err != nil {
		return nil, fmt.Errorf("%w: %v", common.ErrStructuralMismatch, err)
	}
	if h.InitTextLength > 0 {
		text := make([]byte, h.InitTextLength)
		if _, err := io.ReadFull(s, text); err != nil {
			return nil, fmt.Errorf("%w: init text: %v", common.ErrIOFailure, err)
		}
		h.InitText = common.DecodeANSI(text)
	}
	h.End = s.Pos()

	if err := h.validate(s.Size()); err != nil {
		return nil, err
	}

	log.WithFields(log.Fields{
		"offset": common.FormatOffset(h.Offset),
		"dll":    h.DllName,
		"pkzip":  h.IsPKZIP(),
		"script": h.ScriptDeflatedSize,
	}).Debug("overlay header")
	g.Commit()
	return h, nil
}

func (h *OverlayHeader) validate(streamSize int64) error {
	if h.Endianness != endiannessMarker {
		return fmt.Errorf("%w: endianness marker %#04x", common.ErrStructuralMismatch, h.Endianness)
	}
	if h.ScriptDeflatedSize == 0 || int64(h.ScriptDeflatedSize) > streamSize-h.End {
		return fmt.Errorf("%w: script size %d", common.ErrStructuralMismatch, h.ScriptDeflatedSize)
	}
	var total int64
	for _, c := range h.Components() {
		total += c.DeflatedSize
	}
	if total > streamSize-h.End {
		return fmt.Errorf("%w: components overrun the file", common.ErrSizeMismatch)
	}
	return nil
}
