package wisescript

import (
	"bytes"
	"encoding/binary"
	"errors"
	"testing"
)

func TestParseActions(t *testing.T) {
	b := NewBuilder(2).
		GetTempFilename("TEMPFILE").
		If("LANG", "1").
		InstallFile(InstallFile{
			DeflateStart: 0x10,
			DeflateEnd:   0x40,
			InflatedSize: 99,
			CRC32:        0xCAFEBABE,
			Destination:  `%MAINDIR%\readme.txt`,
			Descriptions: []string{"Readme", "Lisezmoi"},
			Source:       `C:\build\readme.txt`,
		}).
		Else().
		EditIniFile(`%WIN%\app.ini`, "Settings", "Key=Value").
		EndBlock().
		CustomDialogSet("dialogs", DeflateEntry{1, 2, 3}, DeflateEntry{4, 5, 6}).
		InstallFileCompact(InstallFileCompact{Destination: `%SYS%\x.dll`, DeflateStart: 7, DeflateEnd: 9, InflatedSize: 4, CRC32: 1})

	s, err := Parse(b.Bytes())
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	if s.Header.Languages != 2 {
		t.Fatalf("languages = %d, want 2", s.Header.Languages)
	}

	wantOps := []Opcode{
		OpGetTempFilename, OpIfWhile, OpInstallFile, OpElse,
		OpEditIniFile, OpEndBlock, OpCustomDialogSet, OpInstallFileCompact,
	}
	if len(s.Instructions) != len(wantOps) {
		t.Fatalf("got %d instructions, want %d", len(s.Instructions), len(wantOps))
	}
	for i, op := range wantOps {
		if s.Instructions[i].Op != op {
			t.Errorf("instruction %d: op %s, want %s", i, s.Instructions[i].Op, op)
		}
		if s.Instructions[i].Action.Opcode() != op {
			t.Errorf("instruction %d: action reports %s", i, s.Instructions[i].Action.Opcode())
		}
	}

	inst, ok := s.Instructions[2].Action.(*InstallFile)
	if !ok {
		t.Fatalf("instruction 2 is %T", s.Instructions[2].Action)
	}
	if inst.Destination != `%MAINDIR%\readme.txt` || inst.CRC32 != 0xCAFEBABE || inst.DeflatedSize() != 0x30 {
		t.Errorf("unexpected install record %+v", inst)
	}
	if len(inst.Descriptions) != 2 || inst.Descriptions[1] != "Lisezmoi" {
		t.Errorf("descriptions = %q", inst.Descriptions)
	}

	dialogs := s.Instructions[6].Action.(*CustomDialogSet)
	if len(dialogs.Entries) != 2 || dialogs.Entries[1] != (DeflateEntry{4, 5, 6}) {
		t.Errorf("dialog entries = %+v", dialogs.Entries)
	}
}

func TestParseVariableLengthRecords(t *testing.T) {
	b := NewBuilder(2).
		CallDllFunction(`%SYS32%\setupapi.dll`, "InstallHinfSection", "DefaultInstall 132 x.inf").
		EditRegistry(EditRegistry{Root: 2, ValueType: 1, Key: `Software\Sample`, Value: "1.0", Name: "Version"}).
		CopyLocalFile(`%WIN%\win.ini`, `%MAINDIR%\win.bak`).
		FindFileInPath("NOTEPAD", "notepad.exe").
		RenameFile(`%MAINDIR%\a.tmp`, `%MAINDIR%\a.exe`).
		CreateDirectory(`%MAINDIR%\bin`)

	s, err := Parse(b.Bytes())
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	wantOps := []Opcode{OpCallDllFunction, OpEditRegistry, OpCopyLocalFile, OpFindFileInPath, OpRenameFile, OpCreateDirectory}
	if len(s.Instructions) != len(wantOps) {
		t.Fatalf("got %d instructions, want %d", len(s.Instructions), len(wantOps))
	}
	for i, op := range wantOps {
		if s.Instructions[i].Op != op || s.Instructions[i].Action.Opcode() != op || !op.Known() {
			t.Errorf("instruction %d: op %s, action %T", i, s.Instructions[i].Op, s.Instructions[i].Action)
		}
	}

	call := s.Instructions[0].Action.(*CallDllFunction)
	if call.Function != "InstallHinfSection" || len(call.Strings) != 2 {
		t.Errorf("call = %+v", call)
	}
	reg := s.Instructions[1].Action.(*EditRegistry)
	if reg.Root != 2 || reg.ValueType != 1 || reg.Key != `Software\Sample` || reg.Name != "Version" {
		t.Errorf("registry = %+v", reg)
	}
	cp := s.Instructions[2].Action.(*CopyLocalFile)
	if cp.Source != `%WIN%\win.ini` || cp.Destination != `%MAINDIR%\win.bak` || len(cp.Descriptions) != 2 {
		t.Errorf("copy = %+v", cp)
	}
	if mv := s.Instructions[4].Action.(*RenameFile); mv.To != `%MAINDIR%\a.exe` {
		t.Errorf("rename = %+v", mv)
	}
	if dir := s.Instructions[5].Action.(*CreateDirectory); dir.Path != `%MAINDIR%\bin` {
		t.Errorf("records after the variable-length ones misaligned: %+v", dir)
	}
}

func TestInstallFileDestinationFollowsOffsets(t *testing.T) {
	b := NewBuilder(1)
	recordAt := b.Len()
	b.InstallFile(InstallFile{DeflateStart: 0x1111, DeflateEnd: 0x2222, Destination: `%MAINDIR%\a.exe`})
	data := b.Bytes()

	// opcode, flags word, then the start/end pair
	pair := recordAt + 3
	if got := binary.LittleEndian.Uint32(data[pair:]); got != 0x1111 {
		t.Fatalf("start at +3 = %#x", got)
	}
	if got := binary.LittleEndian.Uint32(data[pair+4:]); got != 0x2222 {
		t.Fatalf("end at +7 = %#x", got)
	}
	if !bytes.HasPrefix(data[pair+0x28:], []byte(`%MAINDIR%\a.exe`+"\x00")) {
		t.Fatalf("destination not at pair+0x28: %q", data[pair+0x28:])
	}
}

func TestParseErrors(t *testing.T) {
	tests := []struct {
		name    string
		data    []byte
		wantErr error
		wantOps int
	}{
		{
			name:    "UnknownOpcode",
			data:    NewBuilder(1).CreateDirectory(`%MAINDIR%\bin`).Raw([]byte{0x7F}).Bytes(),
			wantErr: ErrUnknownOpcode,
			wantOps: 1,
		},
		{
			name: "TruncatedRecord",
			data: func() []byte {
				full := NewBuilder(1).InstallFileCompact(InstallFileCompact{Destination: "x"}).Bytes()
				return full[:len(full)-2]
			}(),
			wantErr: ErrTruncated,
			wantOps: 0,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s, err := Parse(tt.data)
			if !errors.Is(err, tt.wantErr) {
				t.Fatalf("err = %v, want %v", err, tt.wantErr)
			}
			if s == nil || len(s.Instructions) != tt.wantOps {
				t.Fatalf("expected %d decoded instructions before the error", tt.wantOps)
			}
		})
	}
}

func TestParseRejectsShortHeader(t *testing.T) {
	if _, err := Parse(make([]byte, 10)); err == nil {
		t.Fatal("expected header error")
	}
}
