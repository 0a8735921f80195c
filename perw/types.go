package perw

import "debug/pe"

// Section is one entry of the COFF section table.
type Section struct {
	Name           string
	Offset         int64 // PointerToRawData
	Size           int64 // SizeOfRawData
	VirtualAddress uint32
	VirtualSize    uint32
	Index          int
	Flags          uint32
	IsExecutable   bool
	IsReadable     bool
	IsWritable     bool
}

// End is the file offset just past the section's raw data.
func (s Section) End() int64 {
	return s.Offset + s.Size
}

// Permissions renders the memory flags the way a mapping listing does ("r-x").
func (s Section) Permissions() string {
	perm := []byte("---")
	if s.IsReadable {
		perm[0] = 'r'
	}
	if s.IsWritable {
		perm[1] = 'w'
	}
	if s.IsExecutable {
		perm[2] = 'x'
	}
	return string(perm)
}

type DirectoryEntry struct {
	Type uint16
	RVA  uint32
	Size uint32
}

// PEFile holds the subset of PE structure needed to find appended data.
type PEFile struct {
	PE       *pe.File
	Is64Bit  bool
	Sections []Section

	// NewExeHeaderAddr is e_lfanew from the MS-DOS stub.
	NewExeHeaderAddr int64
	FileSize         int64

	sizeOfHeaders    uint32
	usedFallbackMode bool // section table was parsed by hand after debug/pe refused the file

	directories []DirectoryEntry

	HasOverlay    bool
	OverlayOffset int64
	OverlaySize   int64

	SignatureOffset int64
}
