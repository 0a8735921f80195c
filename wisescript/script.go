package wisescript

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"

	"github.com/go-restruct/restruct"

	"gowise/common"
)

const (
	headerFixedSize      = 44
	installFileFixedSize = 40
	copyLocalFixedSize   = 41
	maxLanguages         = 32
)

var (
	ErrTruncated     = errors.New("script record truncated")
	ErrUnknownOpcode = errors.New("unknown script opcode")
)

// Header is the part of the script that precedes the action records.
type Header struct {
	Unknown   [headerFixedSize]byte
	URL       string
	LogPath   string
	Font      string
	Languages int
	Titles    []string
}

// Script is a deserialized WiseScript blob.
type Script struct {
	Header       Header
	Instructions []Instruction
}

// installFileFixed is the fixed-width head of an InstallFile record that
// follows its flags word.
type installFileFixed struct {
	DeflateStart uint32
	DeflateEnd   uint32
	Date         uint16
	Time         uint16
	InflatedSize uint32
	Unknown      [20]byte
	CRC32        uint32
}

// Parse decodes a WiseScript blob into its header and flat action list.
// Parsing stops at the first record it does not understand; the records
// decoded so far are returned together with the error.
func Parse(data []byte) (*Script, error) {
	c := &cursor{data: data}
	s := &Script{}

	if err := s.parseHeader(c); err != nil {
		return nil, fmt.Errorf("script header: %w", err)
	}

	for c.pos < len(c.data) {
		at := c.pos
		op, err := c.u8()
		if err != nil {
			return s, err
		}
		action, err := s.parseAction(Opcode(op), c)
		if err != nil {
			return s, fmt.Errorf("%s record at 0x%X: %w", Opcode(op), at, err)
		}
		s.Instructions = append(s.Instructions, Instruction{Op: Opcode(op), Offset: at, Action: action})
	}
	return s, nil
}

func (s *Script) parseHeader(c *cursor) error {
	raw, err := c.bytes(headerFixedSize)
	if err != nil {
		return err
	}
	copy(s.Header.Unknown[:], raw)

	if s.Header.URL, err = c.cstring(); err != nil {
		return err
	}
	if s.Header.LogPath, err = c.cstring(); err != nil {
		return err
	}
	if s.Header.Font, err = c.cstring(); err != nil {
		return err
	}
	langs, err := c.u8()
	if err != nil {
		return err
	}
	if langs == 0 || langs > maxLanguages {
		return fmt.Errorf("implausible language count %d", langs)
	}
	s.Header.Languages = int(langs)
	s.Header.Titles, err = c.cstrings(s.Header.Languages)
	return err
}

func (s *Script) parseAction(op Opcode, c *cursor) (Action, error) {
	var err error
	switch op {
	case OpInstallFile:
		a := &InstallFile{}
		if a.Flags, err = c.u16(); err != nil {
			return nil, err
		}
		raw, err := c.bytes(installFileFixedSize)
		if err != nil {
			return nil, err
		}
		var fixed installFileFixed
		if err := restruct.Unpack(raw, binary.LittleEndian, &fixed); err != nil {
			return nil, err
		}
		a.DeflateStart, a.DeflateEnd = fixed.DeflateStart, fixed.DeflateEnd
		a.Date, a.Time = fixed.Date, fixed.Time
		a.InflatedSize, a.Unknown, a.CRC32 = fixed.InflatedSize, fixed.Unknown, fixed.CRC32
		if a.Destination, err = c.cstring(); err != nil {
			return nil, err
		}
		if a.Descriptions, err = c.cstrings(s.Header.Languages); err != nil {
			return nil, err
		}
		a.Source, err = c.cstring()
		return a, err

	case OpDisplayMessage:
		a := &DisplayMessage{}
		if a.Flags, err = c.u8(); err != nil {
			return nil, err
		}
		for iter := 0; iter < s.Header.Languages; iter++ {
			title, err := c.cstring()
			if err != nil {
				return nil, err
			}
			text, err := c.cstring()
			if err != nil {
				return nil, err
			}
			a.Titles = append(a.Titles, title)
			a.Texts = append(a.Texts, text)
		}
		return a, nil

	case OpEditIniFile:
		a := &EditIniFile{}
		if a.File, err = c.cstring(); err != nil {
			return nil, err
		}
		if a.Section, err = c.cstring(); err != nil {
			return nil, err
		}
		a.Data, err = c.cstring()
		return a, err

	case OpExecuteProgram:
		a := &ExecuteProgram{}
		if a.Flags, err = c.u8(); err != nil {
			return nil, err
		}
		if a.Path, err = c.cstring(); err != nil {
			return nil, err
		}
		if a.Args, err = c.cstring(); err != nil {
			return nil, err
		}
		a.DefaultDir, err = c.cstring()
		return a, err

	case OpEndBlock:
		a := &EndBlock{}
		a.Value, err = c.u8()
		return a, err

	case OpCallDllFunction:
		a := &CallDllFunction{}
		if a.Flags, err = c.u8(); err != nil {
			return nil, err
		}
		if a.Dll, err = c.cstring(); err != nil {
			return nil, err
		}
		if a.Function, err = c.cstring(); err != nil {
			return nil, err
		}
		if a.Args, err = c.cstring(); err != nil {
			return nil, err
		}
		a.Strings, err = c.cstrings(s.Header.Languages)
		return a, err

	case OpEditRegistry:
		a := &EditRegistry{}
		if a.Root, err = c.u8(); err != nil {
			return nil, err
		}
		if a.ValueType, err = c.u8(); err != nil {
			return nil, err
		}
		if a.Key, err = c.cstring(); err != nil {
			return nil, err
		}
		if a.Value, err = c.cstring(); err != nil {
			return nil, err
		}
		a.Name, err = c.cstring()
		return a, err

	case OpCopyLocalFile:
		a := &CopyLocalFile{}
		raw, err := c.bytes(copyLocalFixedSize)
		if err != nil {
			return nil, err
		}
		copy(a.Unknown[:], raw)
		if a.Destination, err = c.cstring(); err != nil {
			return nil, err
		}
		if a.Descriptions, err = c.cstrings(s.Header.Languages); err != nil {
			return nil, err
		}
		a.Source, err = c.cstring()
		return a, err

	case OpFindFileInPath:
		a := &FindFileInPath{}
		if a.Flags, err = c.u8(); err != nil {
			return nil, err
		}
		if a.Variable, err = c.cstring(); err != nil {
			return nil, err
		}
		a.File, err = c.cstring()
		return a, err

	case OpRenameFile:
		a := &RenameFile{}
		if a.From, err = c.cstring(); err != nil {
			return nil, err
		}
		a.To, err = c.cstring()
		return a, err

	case OpDeleteFile:
		a := &DeleteFile{}
		if a.Flags, err = c.u8(); err != nil {
			return nil, err
		}
		a.Path, err = c.cstring()
		return a, err

	case OpIfWhile, OpElseIf:
		a := &Condition{Op: op}
		if a.Flags, err = c.u8(); err != nil {
			return nil, err
		}
		if a.Variable, err = c.cstring(); err != nil {
			return nil, err
		}
		a.Value, err = c.cstring()
		return a, err

	case OpElse, OpStartUserAction, OpEndUserAction:
		return &Marker{Op: op}, nil

	case OpCreateDirectory:
		a := &CreateDirectory{}
		a.Path, err = c.cstring()
		return a, err

	case OpCustomDialogSet:
		a := &CustomDialogSet{}
		if a.Name, err = c.cstring(); err != nil {
			return nil, err
		}
		count, err := c.u8()
		if err != nil {
			return nil, err
		}
		for iter := 0; iter < int(count); iter++ {
			var e DeflateEntry
			if e.Start, err = c.u32(); err != nil {
				return nil, err
			}
			if e.End, err = c.u32(); err != nil {
				return nil, err
			}
			if e.Size, err = c.u32(); err != nil {
				return nil, err
			}
			a.Entries = append(a.Entries, e)
		}
		return a, nil

	case OpGetTempFilename:
		a := &GetTempFilename{}
		a.Variable, err = c.cstring()
		return a, err

	case OpAddTextToInstallLog:
		a := &AddTextToInstallLog{}
		if a.Flags, err = c.u8(); err != nil {
			return nil, err
		}
		a.Text, err = c.cstring()
		return a, err

	case OpInstallFileCompact:
		a := &InstallFileCompact{}
		if a.Destination, err = c.cstring(); err != nil {
			return nil, err
		}
		if a.DeflateStart, err = c.u32(); err != nil {
			return nil, err
		}
		if a.DeflateEnd, err = c.u32(); err != nil {
			return nil, err
		}
		if a.InflatedSize, err = c.u32(); err != nil {
			return nil, err
		}
		a.CRC32, err = c.u32()
		return a, err
	}
	return nil, ErrUnknownOpcode
}

// cursor reads little-endian fields and NUL-terminated ANSI strings.
type cursor struct {
	data []byte
	pos  int
}

func (c *cursor) bytes(n int) ([]byte, error) {
	if n < 0 || c.pos+n > len(c.data) {
		return nil, ErrTruncated
	}
	b := c.data[c.pos : c.pos+n]
	c.pos += n
	return b, nil
}

func (c *cursor) u8() (uint8, error) {
	b, err := c.bytes(1)
	if err != nil {
		return 0, err
	}
	return b[0], nil
}

func (c *cursor) u16() (uint16, error) {
	b, err := c.bytes(2)
	if err != nil {
		return 0, err
	}
	return binary.LittleEndian.Uint16(b), nil
}

func (c *cursor) u32() (uint32, error) {
	b, err := c.bytes(4)
	if err != nil {
		return 0, err
	}
	return binary.LittleEndian.Uint32(b), nil
}

func (c *cursor) cstring() (string, error) {
	end := bytes.IndexByte(c.data[c.pos:], 0)
	if end < 0 {
		return "", ErrTruncated
	}
	s := common.DecodeANSI(c.data[c.pos : c.pos+end])
	c.pos += end + 1
	return s, nil
}

func (c *cursor) cstrings(n int) ([]string, error) {
	out := make([]string, 0, n)
	for iter := 0; iter < n; iter++ {
		s, err := c.cstring()
		if err != nil {
			return nil, err
		}
		out = append(out, s)
	}
	return out, nil
}
