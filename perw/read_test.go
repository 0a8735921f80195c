package perw

import (
	"bytes"
	"encoding/binary"
	"errors"
	"testing"
)

// createTestPE builds a PE32 image with a .text and a .data section and an
// optional certificate directory. brokenSymbols points the COFF symbol table
// outside the file so debug/pe refuses it.
func createTestPE(t *testing.T, certOff, certSize uint32, brokenSymbols bool) []byte {
	t.Helper()
	img := make([]byte, 0x800)
	img[0], img[1] = 'M', 'Z'
	binary.LittleEndian.PutUint32(img[60:], 0x80)
	copy(img[0x80:], "PE\x00\x00")

	fh := img[0x84:]
	binary.LittleEndian.PutUint16(fh[0:], 0x14c)
	binary.LittleEndian.PutUint16(fh[2:], 2)
	if brokenSymbols {
		binary.LittleEndian.PutUint32(fh[8:], 0x7FFFFFF0)
		binary.LittleEndian.PutUint32(fh[12:], 1)
	}
	binary.LittleEndian.PutUint16(fh[16:], 224)
	binary.LittleEndian.PutUint16(fh[18:], 0x0102)

	oh := img[0x98:]
	binary.LittleEndian.PutUint16(oh[0:], 0x10b)
	binary.LittleEndian.PutUint32(oh[32:], 0x1000)
	binary.LittleEndian.PutUint32(oh[36:], 0x200)
	binary.LittleEndian.PutUint32(oh[60:], 0x200)
	binary.LittleEndian.PutUint32(oh[92:], 16)
	binary.LittleEndian.PutUint32(oh[96+4*8:], certOff)
	binary.LittleEndian.PutUint32(oh[96+4*8+4:], certSize)

	sections := []struct {
		name      string
		va, vsize uint32
		off, size uint32
		flags     uint32
	}{
		{".text", 0x1000, 0x300, 0x200, 0x400, 0x60000020},
		{".data", 0x2000, 0x100, 0x600, 0x200, 0xC0000040},
	}
	for i, s := range sections {
		sh := img[0x98+224+i*40:]
		copy(sh, s.name)
		binary.LittleEndian.PutUint32(sh[8:], s.vsize)
		binary.LittleEndian.PutUint32(sh[12:], s.va)
		binary.LittleEndian.PutUint32(sh[16:], s.size)
		binary.LittleEndian.PutUint32(sh[20:], s.off)
		binary.LittleEndian.PutUint32(sh[36:], s.flags)
	}
	return img
}

func TestReadPE(t *testing.T) {
	tests := []struct {
		name         string
		broken       bool
		wantFallback bool
	}{
		{"DebugPE", false, false},
		{"Fallback", true, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			img := createTestPE(t, 0x800, 0x100, tt.broken)
			// certificate blob plus appended data
			img = append(img, bytes.Repeat([]byte{0xEE}, 0x300)...)

			pf, err := ReadPE(bytes.NewReader(img), int64(len(img)))
			if err != nil {
				t.Fatalf("ReadPE: %v", err)
			}
			defer func() { _ = pf.Close() }()

			if pf.UsedFallbackMode() != tt.wantFallback {
				t.Fatalf("fallback = %v", pf.UsedFallbackMode())
			}
			if len(pf.Sections) != 2 {
				t.Fatalf("sections = %d", len(pf.Sections))
			}
			text, ok := pf.Section(".TEXT")
			if !ok || text.Offset != 0x200 || text.Size != 0x400 || text.Index != 0 || text.Permissions() != "r-x" {
				t.Fatalf(".text = %+v", text)
			}
			data, ok := pf.Section(".data")
			if !ok || data.End() != 0x800 || data.Index != 1 || data.Flags != 0xC0000040 || data.Permissions() != "rw-" {
				t.Fatalf(".data = %+v", data)
			}
			if pf.SizeOfHeaders() != 0x200 {
				t.Fatalf("SizeOfHeaders = %#x", pf.SizeOfHeaders())
			}
			if got := pf.CalculatePhysicalFileSize(); got != 0x800 {
				t.Fatalf("physical size = %#x", got)
			}
			if !pf.HasOverlay || pf.OverlayOffset != 0x800 || pf.OverlaySize != 0x300 {
				t.Fatalf("overlay = %v %#x %#x", pf.HasOverlay, pf.OverlayOffset, pf.OverlaySize)
			}
			cert, ok := pf.CertificateTable()
			if !ok || cert.RVA != 0x800 || cert.Size != 0x100 || pf.SignatureOffset != 0x800 {
				t.Fatalf("certificate = %+v, %v", cert, ok)
			}
			if len(pf.Directories()) != 1 {
				t.Fatalf("directories = %v", pf.Directories())
			}
		})
	}
}

func TestReadPEErrors(t *testing.T) {
	notMZ := make([]byte, 0x100)
	noPE := make([]byte, 0x100)
	noPE[0], noPE[1] = 'M', 'Z'
	binary.LittleEndian.PutUint32(noPE[60:], 0x80)

	tests := []struct {
		name string
		data []byte
		want error
	}{
		{"NotMZ", notMZ, ErrNotMZ},
		{"TooSmall", []byte("MZ"), ErrNotMZ},
		{"NoPESignature", noPE, ErrNotPE},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := ReadPE(bytes.NewReader(tt.data), int64(len(tt.data)))
			if !errors.Is(err, tt.want) {
				t.Fatalf("err = %v, want %v", err, tt.want)
			}
		})
	}
}

func TestIsPE(t *testing.T) {
	if !IsPE(bytes.NewReader(createTestPE(t, 0, 0, false))) {
		t.Fatal("IsPE rejected a PE image")
	}
	if IsPE(bytes.NewReader([]byte("MZ not a pe"))) {
		t.Fatal("IsPE accepted a truncated stub")
	}
}

func TestRVAToOffset(t *testing.T) {
	sections := []Section{
		{Offset: 0x200, Size: 0x400, VirtualAddress: 0x1000, VirtualSize: 0x300},
		{Offset: 0x600, Size: 0x200, VirtualAddress: 0x2000, VirtualSize: 0x800},
	}
	tests := []struct {
		rva    uint32
		want   int64
		wantOK bool
	}{
		{0x1000, 0x200, true},
		{0x13FF, 0x5FF, true}, // raw size wider than virtual size
		{0x2700, 0xD00, true},
		{0x1400, 0, false},
		{0x500, 0, false},
	}
	for _, tt := range tests {
		got, ok := RVAToOffset(sections, tt.rva)
		if got != tt.want || ok != tt.wantOK {
			t.Errorf("RVAToOffset(%#x) = %#x, %v; want %#x, %v", tt.rva, got, ok, tt.want, tt.wantOK)
		}
	}
}

func TestSectionPermissions(t *testing.T) {
	tests := []struct {
		sec  Section
		want string
	}{
		{Section{}, "---"},
		{Section{IsReadable: true, IsExecutable: true}, "r-x"},
		{Section{IsReadable: true, IsWritable: true, IsExecutable: true}, "rwx"},
	}
	for _, tt := range tests {
		if got := tt.sec.Permissions(); got != tt.want {
			t.Errorf("Permissions(%+v) = %q, want %q", tt.sec, got, tt.want)
		}
	}
}

func TestCalculateEntropy(t *testing.T) {
	if e := CalculateEntropy(nil); e != 0 {
		t.Fatalf("empty entropy = %f", e)
	}
	if e := CalculateEntropy(bytes.Repeat([]byte{7}, 100)); e != 0 {
		t.Fatalf("constant entropy = %f", e)
	}
	all := make([]byte, 256)
	for i := range all {
		all[i] = byte(i)
	}
	if e := CalculateEntropy(all); e < 7.999 || e > 8.001 {
		t.Fatalf("uniform entropy = %f", e)
	}
}
