package nerw

const (
	SizeOfNEFileHeader         = 64
	SizeOfNESegment            = 8
	SizeOfNEResourceTypeHeader = 8
	SizeOfNEResource           = 12

	// Segment flag bit 0 set means a data segment.
	SegmentFlagData = 0x0001
)

// NEFileHeader is the 16-bit Windows "new executable" header found at e_lfanew.
type NEFileHeader struct {
	Signature                    [2]byte
	MajorLinkerVersion           uint8
	MinorLinkerVersion           uint8
	EntryTableOffset             uint16
	EntryTableLength             uint16
	FileLoadCRC                  uint32
	Flag                         uint16
	AutoDataSegmentIndex         uint16
	InitialHeap                  uint16
	InitialStack                 uint16
	Entrypoint                   uint32
	InitStack                    uint32
	NumberOfSegments             uint16
	NumberOfModuleReferences     uint16
	NonResidentNameTableSize     uint16
	OffsetOfSegmentTable         uint16
	OffsetOfResourceTable        uint16
	OffsetOfResidentNameTable    uint16
	OffsetOfModuleReferenceTable uint16
	OffsetOfImportedNamesTable   uint16
	OffsetOfNonResidentNameTable uint32
	NumberOfMovableEntries       uint16
	FileAlignmentShiftCount      uint16
	NumberOfResourceEntries      uint16
	ExecutableType               uint8
	Reserved                     [9]byte
}

// NESegment is one segment-table entry. Offsets are in alignment units.
type NESegment struct {
	LogicalSectorOffset uint16
	SizeOnDisk          uint16
	Flag                uint16
	TotalSize           uint16
}

// IsData reports whether the segment holds data rather than code.
func (s NESegment) IsData() bool {
	return s.Flag&SegmentFlagData != 0
}

// Length is the on-disk size; zero means 64 KiB unless the offset is also zero.
func (s NESegment) Length() int64 {
	if s.SizeOnDisk == 0 && s.LogicalSectorOffset != 0 {
		return 0x10000
	}
	return int64(s.SizeOnDisk)
}

type NEResourceTypeHeader struct {
	TypeID       uint16
	NumResources uint16
	Reserved     uint32
}

// NEResource is one resource entry. Offset and length are in resource alignment units.
type NEResource struct {
	DataOffsetShifted uint16
	DataLength        uint16
	Flags             uint16
	ResourceID        uint16
	Reserved          uint32
}

// NEFile holds the tables needed to locate data appended to an NE image.
type NEFile struct {
	HeaderAddr         int64
	Header             NEFileHeader
	Segments           []NESegment
	Resources          []NEResource
	ResourceAlignShift uint16
}

// SegmentAlignShift is the logical-sector shift count; 0 means the default of 9.
func (n *NEFile) SegmentAlignShift() uint16 {
	if n.Header.FileAlignmentShiftCount == 0 {
		return 9
	}
	return n.Header.FileAlignmentShiftCount
}
