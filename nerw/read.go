package nerw

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"

	"github.com/apex/log"
	"github.com/go-restruct/restruct"
)

var ErrNotNE = errors.New("invalid NE signature")

// maxResourceTypes bounds the resource walk on corrupt tables.
const maxResourceTypes = 256

// ReadNE decodes the NE header at headerAddr together with its segment and
// resource tables.
func ReadNE(r io.ReaderAt, headerAddr int64) (*NEFile, error) {
	buf := make([]byte, SizeOfNEFileHeader)
	if _, err := r.ReadAt(buf, headerAddr); err != nil {
		return nil, fmt.Errorf("failed to read NE header: %w", err)
	}

	nf := &NEFile{HeaderAddr: headerAddr}
	if err := restruct.Unpack(buf, binary.LittleEndian, &nf.Header); err != nil {
		return nil, fmt.Errorf("failed to decode NE header: %w", err)
	}
	if string(nf.Header.Signature[:]) != "NE" {
		return nil, ErrNotNE
	}

	if err := nf.readSegments(r); err != nil {
		return nil, err
	}
	if err := nf.readResources(r); err != nil {
		// A damaged resource table still leaves the segment table usable.
		log.WithError(err).Debug("NE resource table unreadable")
		nf.Resources = nil
	}
	return nf, nil
}

func (n *NEFile) readSegments(r io.ReaderAt) error {
	count := int(n.Header.NumberOfSegments)
	if count == 0 {
		return nil
	}
	table := make([]byte, count*SizeOfNESegment)
	if _, err := r.ReadAt(table, n.HeaderAddr+int64(n.Header.OffsetOfSegmentTable)); err != nil {
		return fmt.Errorf("failed to read NE segment table: %w", err)
	}

	n.Segments = make([]NESegment, count)
	for i := range n.Segments {
		entry := table[i*SizeOfNESegment : (i+1)*SizeOfNESegment]
		if err := restruct.Unpack(entry, binary.LittleEndian, &n.Segments[i]); err != nil {
			return fmt.Errorf("failed to decode NE segment %d: %w", i, err)
		}
	}
	return nil
}

func (n *NEFile) readResources(r io.ReaderAt) error {
	start := int64(n.Header.OffsetOfResourceTable)
	end := int64(n.Header.OffsetOfResidentNameTable)
	if start == 0 || end <= start+2 {
		return nil
	}

	table := make([]byte, end-start)
	if _, err := r.ReadAt(table, n.HeaderAddr+start); err != nil {
		return fmt.Errorf("failed to read NE resource table: %w", err)
	}
	n.ResourceAlignShift = binary.LittleEndian.Uint16(table)

	pos := 2
	for iter := 0; iter < maxResourceTypes; iter++ {
		if pos+2 > len(table) {
			break
		}
		var typeHeader NEResourceTypeHeader
		if binary.LittleEndian.Uint16(table[pos:]) == 0 {
			break
		}
		if pos+SizeOfNEResourceTypeHeader > len(table) {
			return fmt.Errorf("resource type header at %d truncated", pos)
		}
		if err := restruct.Unpack(table[pos:pos+SizeOfNEResourceTypeHeader], binary.LittleEndian, &typeHeader); err != nil {
			return fmt.Errorf("failed to decode resource type header: %w", err)
		}
		pos += SizeOfNEResourceTypeHeader

		for iter := 0; iter < int(typeHeader.NumResources); iter++ {
			if pos+SizeOfNEResource > len(table) {
				return fmt.Errorf("resource entry at %d truncated", pos)
			}
			var res NEResource
			if err := restruct.Unpack(table[pos:pos+SizeOfNEResource], binary.LittleEndian, &res); err != nil {
				return fmt.Errorf("failed to decode resource entry: %w", err)
			}
			n.Resources = append(n.Resources, res)
			pos += SizeOfNEResource
		}
	}
	return nil
}

// FirstSegment returns the first data segment when data is set, else the first code segment.
func (n *NEFile) FirstSegment(data bool) (NESegment, bool) {
	for _, s := range n.Segments {
		if s.IsData() == data {
			return s, true
		}
	}
	return NESegment{}, false
}

// IsNE reports whether r starts with an MZ stub that points at an NE header.
func IsNE(r io.ReaderAt) bool {
	dosHeader := make([]byte, 64)
	if _, err := r.ReadAt(dosHeader, 0); err != nil {
		return false
	}
	if dosHeader[0] != 'M' || dosHeader[1] != 'Z' {
		return false
	}
	sig := make([]byte, 2)
	if _, err := r.ReadAt(sig, int64(binary.LittleEndian.Uint32(dosHeader[60:]))); err != nil {
		return false
	}
	return string(sig) == "NE"
}
