package wisescript

import (
	"bytes"
	"encoding/binary"
)

// Builder assembles a script blob record by record. The unpacker never needs
// it; it exists so fixtures and tooling can produce scripts the parser reads.
type Builder struct {
	buf       bytes.Buffer
	languages int
}

// NewBuilder writes a header with the given number of languages.
func NewBuilder(languages int) *Builder {
	b := &Builder{languages: languages}
	b.buf.Write(make([]byte, headerFixedSize))
	b.str("")
	b.str("")
	b.str("MS Sans Serif")
	b.buf.WriteByte(byte(languages))
	for iter := 0; iter < languages; iter++ {
		b.str("Setup")
	}
	return b
}

func (b *Builder) str(s string) {
	b.buf.WriteString(s)
	b.buf.WriteByte(0)
}

func (b *Builder) u32(v uint32) {
	_ = binary.Write(&b.buf, binary.LittleEndian, v)
}

// Len is the current size of the blob, i.e. the offset of the next record.
func (b *Builder) Len() int {
	return b.buf.Len()
}

// InstallFile appends an install-file record. Descriptions are padded to one per language.
func (b *Builder) InstallFile(a InstallFile) *Builder {
	b.buf.WriteByte(byte(OpInstallFile))
	_ = binary.Write(&b.buf, binary.LittleEndian, a.Flags)
	_ = binary.Write(&b.buf, binary.LittleEndian, installFileFixed{
		DeflateStart: a.DeflateStart,
		DeflateEnd:   a.DeflateEnd,
		Date:         a.Date,
		Time:         a.Time,
		InflatedSize: a.InflatedSize,
		Unknown:      a.Unknown,
		CRC32:        a.CRC32,
	})
	b.str(a.Destination)
	for i := 0; i < b.languages; i++ {
		if i < len(a.Descriptions) {
			b.str(a.Descriptions[i])
		} else {
			b.str("")
		}
	}
	b.str(a.Source)
	return b
}

func (b *Builder) EditIniFile(file, section, data string) *Builder {
	b.buf.WriteByte(byte(OpEditIniFile))
	b.str(file)
	b.str(section)
	b.str(data)
	return b
}

func (b *Builder) CustomDialogSet(name string, entries ...DeflateEntry) *Builder {
	b.buf.WriteByte(byte(OpCustomDialogSet))
	b.str(name)
	b.buf.WriteByte(byte(len(entries)))
	for _, e := range entries {
		b.u32(e.Start)
		b.u32(e.End)
		b.u32(e.Size)
	}
	return b
}

func (b *Builder) GetTempFilename(variable string) *Builder {
	b.buf.WriteByte(byte(OpGetTempFilename))
	b.str(variable)
	return b
}

func (b *Builder) InstallFileCompact(a InstallFileCompact) *Builder {
	b.buf.WriteByte(byte(OpInstallFileCompact))
	b.str(a.Destination)
	b.u32(a.DeflateStart)
	b.u32(a.DeflateEnd)
	b.u32(a.InflatedSize)
	b.u32(a.CRC32)
	return b
}

// CallDllFunction appends a DLL call record with an empty string per language.
func (b *Builder) CallDllFunction(dll, function, args string) *Builder {
	b.buf.WriteByte(byte(OpCallDllFunction))
	b.buf.WriteByte(0)
	b.str(dll)
	b.str(function)
	b.str(args)
	for iter := 0; iter < b.languages; iter++ {
		b.str("")
	}
	return b
}

func (b *Builder) EditRegistry(a EditRegistry) *Builder {
	b.buf.WriteByte(byte(OpEditRegistry))
	b.buf.WriteByte(a.Root)
	b.buf.WriteByte(a.ValueType)
	b.str(a.Key)
	b.str(a.Value)
	b.str(a.Name)
	return b
}

func (b *Builder) CopyLocalFile(source, destination string) *Builder {
	b.buf.WriteByte(byte(OpCopyLocalFile))
	b.buf.Write(make([]byte, copyLocalFixedSize))
	b.str(destination)
	for iter := 0; iter < b.languages; iter++ {
		b.str("")
	}
	b.str(source)
	return b
}

func (b *Builder) FindFileInPath(variable, file string) *Builder {
	b.buf.WriteByte(byte(OpFindFileInPath))
	b.buf.WriteByte(0)
	b.str(variable)
	b.str(file)
	return b
}

func (b *Builder) RenameFile(from, to string) *Builder {
	b.buf.WriteByte(byte(OpRenameFile))
	b.str(from)
	b.str(to)
	return b
}

func (b *Builder) If(variable, value string) *Builder {
	b.buf.WriteByte(byte(OpIfWhile))
	b.buf.WriteByte(0)
	b.str(variable)
	b.str(value)
	return b
}

func (b *Builder) Else() *Builder {
	b.buf.WriteByte(byte(OpElse))
	return b
}

func (b *Builder) EndBlock() *Builder {
	b.buf.WriteByte(byte(OpEndBlock))
	b.buf.WriteByte(0)
	return b
}

func (b *Builder) CreateDirectory(path string) *Builder {
	b.buf.WriteByte(byte(OpCreateDirectory))
	b.str(path)
	return b
}

// Raw appends arbitrary bytes, for records the builder has no helper for.
func (b *Builder) Raw(p []byte) *Builder {
	b.buf.Write(p)
	return b
}

func (b *Builder) Bytes() []byte {
	return bytes.Clone(b.buf.Bytes())
}
