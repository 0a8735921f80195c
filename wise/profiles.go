package wise

import (
	"encoding/binary"
	"fmt"

	"github.com/apex/log"

	"gowise/common"
)

// anyLength matches every observed code or data section length.
const anyLength = -1

// FormatProfile describes where one known installer build keeps its archive
// relative to the end of the host executable.
type FormatProfile struct {
	Name             string
	ExecutableOffset int64 // located end of the host executable
	ArchiveStart     int64 // relative offset of the first deflated component
	ArchiveEnd       int64 // relative offset of a u32 holding the archive end, -1 if unknown
	HasDllNamePrefix bool
	HasInitText      bool
	CodeSectionLen   int64 // anyLength to ignore
	DataSectionLen   int64 // anyLength to ignore
	NoCrc            bool
}

// Matches compares the profile with what was observed on a sample. Section
// lengths set to anyLength on the profile are not compared.
func (p FormatProfile) Matches(obs Observation) bool {
	if p.ExecutableOffset != obs.ExecutableOffset {
		return false
	}
	if p.CodeSectionLen != anyLength && p.CodeSectionLen != obs.CodeSectionLen {
		return false
	}
	if p.DataSectionLen != anyLength && p.DataSectionLen != obs.DataSectionLen {
		return false
	}
	return true
}

// catalog lists the installer builds seen in the wild. Order matters: the
// first match wins.
var catalog = []FormatProfile{
	{Name: "wise-3.0-ne", ExecutableOffset: 0x84b0, ArchiveStart: 0x11, ArchiveEnd: -1, CodeSectionLen: anyLength, DataSectionLen: anyLength, NoCrc: true},
	{Name: "wise-4.0-ne", ExecutableOffset: 0x3e10, ArchiveStart: 0x1e, ArchiveEnd: -1, CodeSectionLen: anyLength, DataSectionLen: anyLength},
	{Name: "wise-4.1-ne", ExecutableOffset: 0x3e50, ArchiveStart: 0x1e, ArchiveEnd: -1, CodeSectionLen: anyLength, DataSectionLen: anyLength},
	{Name: "wise-5.0-ne", ExecutableOffset: 0x3c20, ArchiveStart: 0x1e, ArchiveEnd: -1, CodeSectionLen: anyLength, DataSectionLen: anyLength},
	{Name: "wise-5.1-ne", ExecutableOffset: 0x3c30, ArchiveStart: 0x22, ArchiveEnd: -1, CodeSectionLen: anyLength, DataSectionLen: anyLength},
	{Name: "wise-5.0-pe", ExecutableOffset: 0x3660, ArchiveStart: 0x40, ArchiveEnd: 0x3c, CodeSectionLen: 0x2a00, DataSectionLen: 0x0200},
	{Name: "wise-5.1-pe", ExecutableOffset: 0x36f0, ArchiveStart: 0x48, ArchiveEnd: 0x44, CodeSectionLen: anyLength, DataSectionLen: anyLength},
	{Name: "wise-6.0-pe", ExecutableOffset: 0x3770, ArchiveStart: 0x50, ArchiveEnd: 0x4c, CodeSectionLen: anyLength, DataSectionLen: anyLength},
	{Name: "wise-7.0-pe", ExecutableOffset: 0x3780, ArchiveStart: 0x46, ArchiveEnd: 0x42, HasDllNamePrefix: true, CodeSectionLen: anyLength, DataSectionLen: anyLength},
	{Name: "wise-7.1-pe", ExecutableOffset: 0x37b0, ArchiveStart: 0x46, ArchiveEnd: 0x42, HasDllNamePrefix: true, CodeSectionLen: anyLength, DataSectionLen: anyLength},
	{Name: "wise-7.2-pe", ExecutableOffset: 0x37d0, ArchiveStart: 0x46, ArchiveEnd: 0x42, HasDllNamePrefix: true, CodeSectionLen: anyLength, DataSectionLen: anyLength},
	{Name: "wise-8.0-pe", ExecutableOffset: 0x3c80, ArchiveStart: 0x5a, ArchiveEnd: 0x4c, HasDllNamePrefix: true, HasInitText: true, CodeSectionLen: anyLength, DataSectionLen: anyLength},
	{Name: "wise-8.1-pe", ExecutableOffset: 0x3bd0, ArchiveStart: 0x5a, ArchiveEnd: 0x4c, HasDllNamePrefix: true, HasInitText: true, CodeSectionLen: anyLength, DataSectionLen: anyLength},
	{Name: "wise-9.0-pe", ExecutableOffset: 0x3c10, ArchiveStart: 0x5a, ArchiveEnd: 0x4c, HasDllNamePrefix: true, HasInitText: true, CodeSectionLen: anyLength, DataSectionLen: anyLength},
}

// Profiles returns a copy of the catalog.
func Profiles() []FormatProfile {
	return append([]FormatProfile(nil), catalog...)
}

// MatchProfile returns the first catalogued profile matching obs.
func MatchProfile(obs Observation) (FormatProfile, bool) {
	for _, p := range catalog {
		if p.Matches(obs) {
			return p, true
		}
	}
	return FormatProfile{}, false
}

// Bounds resolves the profile's relative offsets against the stream: start is
// the first deflated component, end the first byte past the archive.
func (p FormatProfile) Bounds(s *Stream) (start, end int64, err error) {
	base := p.ExecutableOffset
	prefix := int64(0)

	if p.HasDllNamePrefix {
		n, err := readU8At(s, base)
		if err != nil {
			return 0, 0, err
		}
		prefix = 1 + int64(n)
		if n > 0 {
			prefix += 4
		}
	}

	start = base + prefix + p.ArchiveStart
	if p.HasInitText {
		n, err := readU8At(s, start)
		if err != nil {
			return 0, 0, err
		}
		start += 1 + int64(n)
	}

	end = s.Size()
	if p.ArchiveEnd >= 0 {
		var raw [4]byte
		if _, err := s.ReadAt(raw[:], base+prefix+p.ArchiveEnd); err == nil {
			if v := base + int64(binary.LittleEndian.Uint32(raw[:])); v > start && v <= s.Size() {
				end = v
			}
		}
	}

	if start >= end {
		return 0, 0, fmt.Errorf("%w: profile %s start %s past end %s",
			common.ErrStructuralMismatch, p.Name, common.FormatOffset(start), common.FormatOffset(end))
	}

	log.WithFields(log.Fields{
		"profile": p.Name,
		"start":   common.FormatOffset(start),
		"end":     common.FormatOffset(end),
	}).Debug("resolved profile bounds")
	return start, end, nil
}

func readU8At(s *Stream, off int64) (uint8, error) {
	var b [1]byte
	if _, err := s.ReadAt(b[:], off); err != nil {
		return 0, fmt.Errorf("%w: %v", common.ErrIOFailure, err)
	}
	return b[0], nil
}
