package wise

import (
	"fmt"
	"io"

	"github.com/apex/log"

	"gowise/common"
	"gowise/nerw"
	"gowise/perw"
)

// ExecutableKind is the header family behind the MS-DOS stub.
type ExecutableKind int

const (
	KindUnknown ExecutableKind = iota
	KindNE
	KindPE
)

func (k ExecutableKind) String() string {
	switch k {
	case KindNE:
		return "NE"
	case KindPE:
		return "PE"
	}
	return "Unknown"
}

// neOverlayPadding is added to the computed NE image end. The value was
// observed on real installers and is kept as-is.
const neOverlayPadding = 705

// ExecutableLocation is the structural view of the host executable that the
// locator and profile matcher work from. It is built once and not modified.
type ExecutableLocation struct {
	Kind             ExecutableKind
	NewExeHeaderAddr int64

	// raw size of the first code and data section or segment, -1 if absent
	CodeLength int64
	DataLength int64

	// PE
	Sections         []perw.Section
	CertificateTable *perw.DirectoryEntry

	// NE
	Segments           []nerw.NESegment
	Resources          []nerw.NEResource
	SegmentAlignShift  uint16
	ResourceAlignShift uint16
}

// Inspect reads the MS-DOS stub and the NE or PE header behind it. An MZ
// file with neither header yields KindUnknown and no error.
func Inspect(r io.ReaderAt, size int64) (ExecutableLocation, error) {
	switch {
	case perw.IsPE(r):
		pf, err := perw.ReadPE(r, size)
		if err != nil {
			return ExecutableLocation{}, fmt.Errorf("%w: %v", common.ErrStructuralMismatch, err)
		}
		defer func() { _ = pf.Close() }()
		return fromPE(pf), nil

	case nerw.IsNE(r):
		var lfanew [4]byte
		if _, err := r.ReadAt(lfanew[:], 60); err != nil {
			return ExecutableLocation{}, fmt.Errorf("%w: %v", common.ErrIOFailure, err)
		}
		addr := int64(lfanew[0]) | int64(lfanew[1])<<8 | int64(lfanew[2])<<16 | int64(lfanew[3])<<24
		nf, err := nerw.ReadNE(r, addr)
		if err != nil {
			return ExecutableLocation{}, fmt.Errorf("%w: %v", common.ErrStructuralMismatch, err)
		}
		return fromNE(nf), nil
	}

	var magic [2]byte
	if _, err := r.ReadAt(magic[:], 0); err != nil || string(magic[:]) != "MZ" {
		return ExecutableLocation{}, fmt.Errorf("%w: no MZ signature", common.ErrStructuralMismatch)
	}
	return ExecutableLocation{Kind: KindUnknown}, nil
}

func fromPE(pf *perw.PEFile) ExecutableLocation {
	loc := ExecutableLocation{
		Kind:             KindPE,
		NewExeHeaderAddr: pf.NewExeHeaderAddr,
		Sections:         append([]perw.Section(nil), pf.Sections...),
		CodeLength:       -1,
		DataLength:       -1,
	}
	if s, ok := pf.Section(".text"); ok {
		loc.CodeLength = s.Size
	}
	if s, ok := pf.Section(".data"); ok {
		loc.DataLength = s.Size
	}
	if cert, ok := pf.CertificateTable(); ok {
		loc.CertificateTable = &cert
	}
	return loc
}

func fromNE(nf *nerw.NEFile) ExecutableLocation {
	loc := ExecutableLocation{
		Kind:               KindNE,
		NewExeHeaderAddr:   nf.HeaderAddr,
		Segments:           append([]nerw.NESegment(nil), nf.Segments...),
		Resources:          append([]nerw.NEResource(nil), nf.Resources...),
		SegmentAlignShift:  nf.SegmentAlignShift(),
		ResourceAlignShift: nf.ResourceAlignShift,
		CodeLength:         -1,
		DataLength:         -1,
	}
	if seg, ok := nf.FirstSegment(false); ok {
		loc.CodeLength = seg.Length()
	}
	if seg, ok := nf.FirstSegment(true); ok {
		loc.DataLength = seg.Length()
	}
	return loc
}

// Locate returns the offset where data appended to the executable begins.
//
// PE: the furthest end of any section's raw data, clipped to the start of the
// certificate table when one exists. NE: the furthest end of any segment or
// resource, plus neOverlayPadding. ok is false when there is no table to work
// from.
func Locate(loc ExecutableLocation) (offset int64, ok bool) {
	switch loc.Kind {
	case KindPE:
		if len(loc.Sections) == 0 {
			return 0, false
		}
		for _, s := range loc.Sections {
			start, mapped := perw.RVAToOffset(loc.Sections, s.VirtualAddress)
			if !mapped {
				start = s.Offset
			}
			offset = max(offset, start+s.Size)
		}
		if loc.CertificateTable != nil && int64(loc.CertificateTable.RVA) < offset {
			offset = int64(loc.CertificateTable.RVA)
		}

	case KindNE:
		if len(loc.Segments) == 0 && len(loc.Resources) == 0 {
			return 0, false
		}
		for _, s := range loc.Segments {
			offset = max(offset, int64(s.LogicalSectorOffset)<<loc.SegmentAlignShift+s.Length())
		}
		for _, r := range loc.Resources {
			offset = max(offset, int64(r.DataOffsetShifted)<<loc.ResourceAlignShift+int64(r.DataLength))
		}
		offset += neOverlayPadding

	default:
		return 0, false
	}

	log.WithFields(log.Fields{
		"kind":   loc.Kind,
		"offset": common.FormatOffset(offset),
	}).Debug("located overlay from headers")
	return offset, true
}

// Observation is what the profile catalog matches against.
type Observation struct {
	ExecutableOffset int64
	CodeSectionLen   int64
	DataSectionLen   int64
}

// Observe collects what the profile catalog matches against.
func Observe(loc ExecutableLocation) (Observation, bool) {
	off, ok := Locate(loc)
	if !ok {
		return Observation{}, false
	}
	return Observation{
		ExecutableOffset: off,
		CodeSectionLen:   loc.CodeLength,
		DataSectionLen:   loc.DataLength,
	}, true
}
