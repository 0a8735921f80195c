package perw

import (
	"bytes"
	"debug/pe"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"strings"

	"github.com/apex/log"
)

const (
	directorySecurity = 4 // IMAGE_DIRECTORY_ENTRY_SECURITY
	sectionHeaderSize = 40
	maxHeaderRead     = 0x10000
)

var (
	ErrNotMZ = errors.New("invalid DOS header signature")
	ErrNotPE = errors.New("invalid PE signature")
)

// ReadPE parses the section table and data directories of the PE image in r.
// When debug/pe rejects the file the section table is read by hand, the same
// way a damaged or hand-edited stub still has usable headers.
func ReadPE(r io.ReaderAt, size int64) (*PEFile, error) {
	header, err := readHeaderData(r, size)
	if err != nil {
		return nil, err
	}
	lfanew, err := validateDOSHeader(header)
	if err != nil {
		return nil, err
	}
	if lfanew+4 > int64(len(header)) || string(header[lfanew:lfanew+4]) != "PE\x00\x00" {
		return nil, ErrNotPE
	}

	pf := &PEFile{
		NewExeHeaderAddr: lfanew,
		FileSize:         size,
		SignatureOffset:  -1,
	}

	peLibFile, err := pe.NewFile(io.NewSectionReader(r, 0, size))
	if err != nil {
		log.WithError(err).Debug("debug/pe refused image, parsing section table from raw headers")
		pf.usedFallbackMode = true
		if err := pf.parseBasicHeadersFromRaw(header); err != nil {
			return nil, err
		}
		if err := pf.parseBasicSectionsFromRaw(header); err != nil {
			return nil, err
		}
	} else {
		pf.PE = peLibFile
		pf.Is64Bit = peLibFile.FileHeader.Machine == pe.IMAGE_FILE_MACHINE_AMD64
		pf.parseHeaders()
		pf.parseSections()
	}

	pf.analyzeFile()
	return pf, nil
}

func readHeaderData(r io.ReaderAt, size int64) ([]byte, error) {
	n := size
	if n > maxHeaderRead {
		n = maxHeaderRead
	}
	data := make([]byte, n)
	read, err := r.ReadAt(data, 0)
	if err != nil && err != io.EOF {
		return nil, fmt.Errorf("failed to read headers: %w", err)
	}
	return data[:read], nil
}

func validateDOSHeader(data []byte) (int64, error) {
	if len(data) < 64 {
		return 0, fmt.Errorf("file too small to be a valid executable: %w", ErrNotMZ)
	}
	if data[0] != 'M' || data[1] != 'Z' {
		return 0, ErrNotMZ
	}
	return int64(binary.LittleEndian.Uint32(data[60:64])), nil
}

func (p *PEFile) parseHeaders() {
	if p.PE.OptionalHeader == nil {
		return
	}

	var dirs []pe.DataDirectory
	switch oh := p.PE.OptionalHeader.(type) {
	case *pe.OptionalHeader32:
		p.sizeOfHeaders = oh.SizeOfHeaders
		dirs = oh.DataDirectory[:min(int(oh.NumberOfRvaAndSizes), len(oh.DataDirectory))]
	case *pe.OptionalHeader64:
		p.sizeOfHeaders = oh.SizeOfHeaders
		dirs = oh.DataDirectory[:min(int(oh.NumberOfRvaAndSizes), len(oh.DataDirectory))]
	}
	for i, d := range dirs {
		if d.VirtualAddress == 0 && d.Size == 0 {
			continue
		}
		p.directories = append(p.directories, DirectoryEntry{Type: uint16(i), RVA: d.VirtualAddress, Size: d.Size})
	}
}

func (p *PEFile) parseSections() {
	p.Sections = make([]Section, 0, len(p.PE.Sections))
	for i, s := range p.PE.Sections {
		if s == nil {
			continue
		}
		p.Sections = append(p.Sections, Section{
			Name:           strings.TrimRight(s.Name, "\x00"),
			Offset:         int64(s.Offset),
			Size:           int64(s.Size),
			VirtualAddress: s.VirtualAddress,
			VirtualSize:    s.VirtualSize,
			Index:          i,
			Flags:          s.Characteristics,
			IsExecutable:   (s.Characteristics & pe.IMAGE_SCN_MEM_EXECUTE) != 0,
			IsReadable:     (s.Characteristics & pe.IMAGE_SCN_MEM_READ) != 0,
			IsWritable:     (s.Characteristics & pe.IMAGE_SCN_MEM_WRITE) != 0,
		})
	}
}

func (p *PEFile) parseBasicHeadersFromRaw(data []byte) error {
	peOffset := int(p.NewExeHeaderAddr)
	if peOffset+24 >= len(data) {
		return fmt.Errorf("invalid PE header offset")
	}

	machine := binary.LittleEndian.Uint16(data[peOffset+4:])
	p.Is64Bit = machine == pe.IMAGE_FILE_MACHINE_AMD64

	optHeaderSize := int(binary.LittleEndian.Uint16(data[peOffset+20:]))
	opt := peOffset + 24
	if optHeaderSize < 64 || opt+optHeaderSize > len(data) {
		return nil
	}
	p.sizeOfHeaders = binary.LittleEndian.Uint32(data[opt+60:])

	var countAt, dirAt int
	switch binary.LittleEndian.Uint16(data[opt:]) {
	case 0x10b:
		countAt, dirAt = opt+92, opt+96
	case 0x20b:
		countAt, dirAt = opt+108, opt+112
	default:
		return nil
	}
	if countAt+4 > opt+optHeaderSize {
		return nil
	}
	count := int(binary.LittleEndian.Uint32(data[countAt:]))
	for i := 0; i < count && i < 16; i++ {
		at := dirAt + i*8
		if at+8 > opt+optHeaderSize {
			break
		}
		rva := binary.LittleEndian.Uint32(data[at:])
		size := binary.LittleEndian.Uint32(data[at+4:])
		if rva == 0 && size == 0 {
			continue
		}
		p.directories = append(p.directories, DirectoryEntry{Type: uint16(i), RVA: rva, Size: size})
	}
	return nil
}

func (p *PEFile) parseBasicSectionsFromRaw(data []byte) error {
	peOffset := int(p.NewExeHeaderAddr)
	numSections := int(binary.LittleEndian.Uint16(data[peOffset+6:]))
	optHeaderSize := int(binary.LittleEndian.Uint16(data[peOffset+20:]))
	sectionHeadersOffset := peOffset + 24 + optHeaderSize

	if sectionHeadersOffset+numSections*sectionHeaderSize > len(data) {
		return fmt.Errorf("section headers extend beyond file")
	}

	p.Sections = make([]Section, 0, numSections)
	for i := 0; i < numSections; i++ {
		hdr := data[sectionHeadersOffset+i*sectionHeaderSize:]
		characteristics := binary.LittleEndian.Uint32(hdr[36:])
		p.Sections = append(p.Sections, Section{
			Name:           sanitizeSectionName(hdr[:8], i),
			VirtualSize:    binary.LittleEndian.Uint32(hdr[8:]),
			VirtualAddress: binary.LittleEndian.Uint32(hdr[12:]),
			Size:           int64(binary.LittleEndian.Uint32(hdr[16:])),
			Offset:         int64(binary.LittleEndian.Uint32(hdr[20:])),
			Flags:          characteristics,
			Index:          i,
			IsExecutable:   (characteristics & 0x20000000) != 0,
			IsReadable:     (characteristics & 0x40000000) != 0,
			IsWritable:     (characteristics & 0x80000000) != 0,
		})
	}
	return nil
}

func sanitizeSectionName(nameBytes []byte, index int) string {
	name := string(bytes.TrimRight(nameBytes, "\x00"))
	for _, r := range name {
		if r < 32 || r > 126 {
			return fmt.Sprintf("<stripped_%d>", index)
		}
	}
	if name == "" {
		return fmt.Sprintf("<stripped_%d>", index)
	}
	return name
}

func (p *PEFile) analyzeFile() {
	if cert, ok := p.CertificateTable(); ok {
		p.SignatureOffset = int64(cert.RVA)
	}

	calculatedSize := int64(p.CalculatePhysicalFileSize())
	if p.FileSize > calculatedSize {
		p.HasOverlay = true
		p.OverlayOffset = calculatedSize
		p.OverlaySize = p.FileSize - calculatedSize
	}
}

// IsPE reports whether r starts with an MZ stub that points at a PE header.
func IsPE(r io.ReaderAt) bool {
	dosHeader := make([]byte, 64)
	if _, err := r.ReadAt(dosHeader, 0); err != nil {
		return false
	}
	lfanew, err := validateDOSHeader(dosHeader)
	if err != nil {
		return false
	}
	sig := make([]byte, 4)
	if _, err := r.ReadAt(sig, lfanew); err != nil {
		return false
	}
	return string(sig) == "PE\x00\x00"
}

func (p *PEFile) Close() error {
	if p.PE != nil {
		if err := p.PE.Close(); err != nil {
			return fmt.Errorf("failed to close PE: %w", err)
		}
	}
	return nil
}
