package wise

import (
	"os"
	"path/filepath"
	"testing"
)

func TestDumpRecorderLength(t *testing.T) {
	dir := t.TempDir()
	d, err := NewDumpRecorder(dir)
	if err != nil {
		t.Fatal(err)
	}
	if err := d.Begin(100); err != nil {
		t.Fatal(err)
	}
	ends := []int64{150, 220, 300, 475}
	for i, end := range ends {
		if err := d.Add(end); err != nil {
			t.Fatal(err)
		}
		fi, err := os.Stat(d.Path())
		if err != nil {
			t.Fatal(err)
		}
		if want := int64(4 * (i + 2)); fi.Size() != want {
			t.Fatalf("after %d blobs file is %d bytes, want %d", i+1, fi.Size(), want)
		}
	}
	if d.Count() != len(ends) {
		t.Fatalf("count = %d", d.Count())
	}

	offsets, err := d.Offsets()
	if err != nil {
		t.Fatal(err)
	}
	want := []uint32{100, 150, 220, 300, 475}
	if len(offsets) != len(want) {
		t.Fatalf("offsets = %v", offsets)
	}
	for i := range want {
		if offsets[i] != want[i] {
			t.Fatalf("offsets = %v, want %v", offsets, want)
		}
	}

	if err := d.Discard(); err != nil {
		t.Fatal(err)
	}
	if _, err := os.Stat(filepath.Join(dir, DumpFileName)); !os.IsNotExist(err) {
		t.Fatal("dump file still present after Discard")
	}
}

func TestReadDumpFileRejectsPartialEntry(t *testing.T) {
	p := filepath.Join(t.TempDir(), DumpFileName)
	writeFile(t, p, []byte{1, 2, 3, 4, 5})
	if _, err := ReadDumpFile(p); err == nil {
		t.Fatal("expected error for a length that is not a multiple of 4")
	}
}

// scriptWithPairs places each (s1, s2) pair in filler text with a NUL
// terminated token 0x28 bytes after it.
func scriptWithPairs(pairs [][2]uint32, tokens []string) []byte {
	out := []byte("header %MAINDIR% stuff\x00")
	for i, p := range pairs {
		rec := make([]byte, destinationOffset)
		copy(rec, le32(p[0]))
		copy(rec[4:], le32(p[1]))
		out = append(out, 0x05, 0x80) // flags word
		out = append(out, rec...)
		if i < len(tokens) {
			out = append(out, tokens[i]...)
		}
		out = append(out, 0, 'x', 'x', 'x', 'x')
	}
	return out
}

func TestFindShift(t *testing.T) {
	offsets := []uint32{100, 150, 220, 300}

	tests := []struct {
		name      string
		pairs     [][2]uint32
		wantShift int64
		wantOK    bool
	}{
		{"TwoPairsAgree", [][2]uint32{{80, 130}, {200, 280}}, 20, true},
		{"SinglePairUnconfirmed", [][2]uint32{{80, 130}}, 0, false},
		{"PairsDisagree", [][2]uint32{{80, 130}, {190, 270}}, 0, false},
		{"NoPairs", nil, 0, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			shift, ok := FindShift(scriptWithPairs(tt.pairs, nil), offsets)
			if ok != tt.wantOK || shift != tt.wantShift {
				t.Fatalf("FindShift = %d, %v; want %d, %v", shift, ok, tt.wantShift, tt.wantOK)
			}
		})
	}
}

func TestFindScriptBlob(t *testing.T) {
	tests := []struct {
		name  string
		blobs []string
		want  int
	}{
		{"ScriptSecond", []string{"binary\x00\x01", `x %MAINDIR%\a.txt`}, 1},
		{"PercentOnlyBeforeBackslash", []string{`x %\%\ y`}, -1},
		{"TooFarBack", []string{"%" + string(make([]byte, 70)) + `%\`}, -1},
		{"BeyondSixthBlob", []string{"a", "b", "c", "d", "e", "f", `%WIN%\x`}, -1},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			blobs := make([][]byte, len(tt.blobs))
			for i, b := range tt.blobs {
				blobs[i] = []byte(b)
			}
			if got := FindScriptBlob(blobs); got != tt.want {
				t.Fatalf("FindScriptBlob = %d, want %d", got, tt.want)
			}
		})
	}
}

func TestCorrelate(t *testing.T) {
	offsets := []uint32{100, 150, 220, 300}
	script := scriptWithPairs(
		[][2]uint32{{80, 130}, {130, 200}, {200, 280}},
		[]string{`%MAINDIR%\readme.txt`, "not a path", `%SYS32%\..\..\evil.dll`},
	)
	names := Correlate(script, offsets, 20)
	want := []string{"MAINDIR/readme.txt", "", "SYS32/evil.dll"}
	if len(names) != len(want) {
		t.Fatalf("names = %q", names)
	}
	for i := range want {
		if names[i] != want[i] {
			t.Fatalf("names = %q, want %q", names, want)
		}
	}
}

func TestClassifyToken(t *testing.T) {
	tests := []struct {
		token string
		want  string
	}{
		{`%MAINDIR%\a.txt`, "MAINDIR/a.txt"},
		{`%MAINDIR%\%LANG%\a.txt`, "MAINDIR/LANG/a.txt"},
		{`%A%\%B%\%C%\a.txt`, ""},
		{`C:\a.txt`, ""},
		{"%MAINDIR%\\a\x01.txt", ""},
		{"", ""},
	}
	for _, tt := range tests {
		if got := classifyToken([]byte(tt.token)); got != tt.want {
			t.Errorf("classifyToken(%q) = %q, want %q", tt.token, got, tt.want)
		}
	}
}

func TestNameBlobs(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, filepath.Join(dir, "MAINDIR", "readme.txt"), []byte("existing"))

	var blobs []string
	for i := 0; i < 3; i++ {
		p := filepath.Join(dir, blobName(i))
		writeFile(t, p, []byte{byte(i)})
		blobs = append(blobs, p)
	}
	counter := 0
	named, err := NameBlobs(dir, blobs, []string{"MAINDIR/readme.txt", "", ""}, &counter)
	if err != nil {
		t.Fatal(err)
	}
	if named != 1 || counter != 2 {
		t.Fatalf("named = %d, counter = %d", named, counter)
	}

	if got := readFile(t, filepath.Join(dir, "MAINDIR", "readme.txt")); string(got) != "existing" {
		t.Fatal("existing file was overwritten")
	}
	checks := map[string]byte{
		filepath.Join("MAINDIR", "readme_1.txt"): 0,
		"INST0001":                               1,
		"INST0002":                               2,
	}
	for rel, b := range checks {
		got := readFile(t, filepath.Join(dir, rel))
		if len(got) != 1 || got[0] != b {
			t.Fatalf("%s = %v, want [%d]", rel, got, b)
		}
	}
}
