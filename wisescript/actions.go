package wisescript

// Action is the decoded body of one script record.
type Action interface {
	Opcode() Opcode
}

// Instruction is one entry of the flat action list.
type Instruction struct {
	Op     Opcode
	Offset int // byte offset of the opcode within the script blob
	Action Action
}

// InstallFile extracts one deflated file. DeflateStart and DeflateEnd are
// relative to the start of the installer's data area.
type InstallFile struct {
	Flags        uint16
	DeflateStart uint32
	DeflateEnd   uint32
	Date         uint16
	Time         uint16
	InflatedSize uint32
	Unknown      [20]byte
	CRC32        uint32
	Destination  string
	Descriptions []string // one per language
	Source       string
}

func (*InstallFile) Opcode() Opcode { return OpInstallFile }

// DeflatedSize is the stored length including any trailing checksum.
func (a *InstallFile) DeflatedSize() int64 {
	return int64(a.DeflateEnd) - int64(a.DeflateStart)
}

type DisplayMessage struct {
	Flags  uint8
	Titles []string
	Texts  []string
}

func (*DisplayMessage) Opcode() Opcode { return OpDisplayMessage }

// EditIniFile appends Data under [Section] in File.
type EditIniFile struct {
	File    string
	Section string
	Data    string
}

func (*EditIniFile) Opcode() Opcode { return OpEditIniFile }

type ExecuteProgram struct {
	Flags      uint8
	Path       string
	Args       string
	DefaultDir string
}

func (*ExecuteProgram) Opcode() Opcode { return OpExecuteProgram }

type EndBlock struct {
	Value uint8
}

func (*EndBlock) Opcode() Opcode { return OpEndBlock }

// CallDllFunction calls Function exported by Dll. Strings holds one
// language-specific string per language.
type CallDllFunction struct {
	Flags    uint8
	Dll      string
	Function string
	Args     string
	Strings  []string
}

func (*CallDllFunction) Opcode() Opcode { return OpCallDllFunction }

type EditRegistry struct {
	Root      uint8
	ValueType uint8
	Key       string
	Value     string
	Name      string
}

func (*EditRegistry) Opcode() Opcode { return OpEditRegistry }

type DeleteFile struct {
	Flags uint8
	Path  string
}

func (*DeleteFile) Opcode() Opcode { return OpDeleteFile }

// Condition is shared by if/while and else-if records.
type Condition struct {
	Op       Opcode
	Flags    uint8
	Variable string
	Value    string
}

func (c *Condition) Opcode() Opcode { return c.Op }

// Marker is a record without a body (else, user action start and end).
type Marker struct {
	Op Opcode
}

func (m *Marker) Opcode() Opcode { return m.Op }

type CreateDirectory struct {
	Path string
}

func (*CreateDirectory) Opcode() Opcode { return OpCreateDirectory }

// CopyLocalFile copies a file that already exists on the target machine.
type CopyLocalFile struct {
	Unknown      [copyLocalFixedSize]byte
	Destination  string
	Descriptions []string // one per language
	Source       string
}

func (*CopyLocalFile) Opcode() Opcode { return OpCopyLocalFile }

// FindFileInPath binds Variable to the location of File, if found.
type FindFileInPath struct {
	Flags    uint8
	Variable string
	File     string
}

func (*FindFileInPath) Opcode() Opcode { return OpFindFileInPath }

type RenameFile struct {
	From string
	To   string
}

func (*RenameFile) Opcode() Opcode { return OpRenameFile }

// DeflateEntry is one (start, end, size) triple of a multi-entry record.
type DeflateEntry struct {
	Start uint32
	End   uint32
	Size  uint32
}

// CustomDialogSet carries a list of separately deflated dialog resources.
type CustomDialogSet struct {
	Name    string
	Entries []DeflateEntry
}

func (*CustomDialogSet) Opcode() Opcode { return OpCustomDialogSet }

// GetTempFilename binds Variable to a generated temporary path.
type GetTempFilename struct {
	Variable string
}

func (*GetTempFilename) Opcode() Opcode { return OpGetTempFilename }

type AddTextToInstallLog struct {
	Flags uint8
	Text  string
}

func (*AddTextToInstallLog) Opcode() Opcode { return OpAddTextToInstallLog }

// InstallFileCompact is the shorter install-file record emitted by later builds.
type InstallFileCompact struct {
	Destination  string
	DeflateStart uint32
	DeflateEnd   uint32
	InflatedSize uint32
	CRC32        uint32
}

func (*InstallFileCompact) Opcode() Opcode { return OpInstallFileCompact }
