package perw

import (
	"math"
	"strings"
)

// CalculateEntropy returns the Shannon entropy of data in bits per byte.
func CalculateEntropy(data []byte) float64 {
	if len(data) == 0 {
		return 0.0
	}
	freq := make([]int, 256)
	for _, b := range data {
		freq[b]++
	}
	entropy := 0.0
	length := float64(len(data))
	for _, count := range freq {
		if count > 0 {
			p := float64(count) / length
			entropy -= p * math.Log2(p)
		}
	}
	return entropy
}

// CalculatePhysicalFileSize is the end of the furthest section's raw data,
// never less than the header size.
func (p *PEFile) CalculatePhysicalFileSize() uint64 {
	maxSize := uint64(p.sizeOfHeaders)
	for _, s := range p.Sections {
		if s.Size > 0 {
			end := uint64(s.End())
			if end > maxSize {
				maxSize = end
			}
		}
	}
	return maxSize
}

// RVAToOffset maps a relative virtual address to a file offset through a section table.
func RVAToOffset(sections []Section, rva uint32) (int64, bool) {
	for _, s := range sections {
		span := s.VirtualSize
		if uint32(s.Size) > span {
			span = uint32(s.Size)
		}
		if rva >= s.VirtualAddress && rva < s.VirtualAddress+span {
			return s.Offset + int64(rva-s.VirtualAddress), true
		}
	}
	return 0, false
}

// Section returns the first section whose name matches, ignoring case.
func (p *PEFile) Section(name string) (Section, bool) {
	for _, s := range p.Sections {
		if strings.EqualFold(s.Name, name) {
			return s, true
		}
	}
	return Section{}, false
}

// CertificateTable returns the security data directory when present.
// Its address is a file offset, not an RVA.
func (p *PEFile) CertificateTable() (DirectoryEntry, bool) {
	for _, d := range p.directories {
		if d.Type == directorySecurity && d.RVA != 0 && d.Size != 0 {
			return d, true
		}
	}
	return DirectoryEntry{}, false
}

func (p *PEFile) Directories() []DirectoryEntry {
	return p.directories
}

func (p *PEFile) SizeOfHeaders() uint32 {
	return p.sizeOfHeaders
}

func (p *PEFile) UsedFallbackMode() bool {
	return p.usedFallbackMode
}
