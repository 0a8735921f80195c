package wisescript

import "fmt"

// Opcode identifies one WiseScript action record.
type Opcode uint8

const (
	OpInstallFile         Opcode = 0x00
	OpDisplayMessage      Opcode = 0x03
	OpEditIniFile         Opcode = 0x05
	OpExecuteProgram      Opcode = 0x07
	OpEndBlock            Opcode = 0x08
	OpCallDllFunction     Opcode = 0x09
	OpEditRegistry        Opcode = 0x0A
	OpDeleteFile          Opcode = 0x0B
	OpIfWhile             Opcode = 0x0C
	OpElse                Opcode = 0x0D
	OpStartUserAction     Opcode = 0x0F
	OpEndUserAction       Opcode = 0x10
	OpCreateDirectory     Opcode = 0x11
	OpCopyLocalFile       Opcode = 0x12
	OpCustomDialogSet     Opcode = 0x14
	OpFindFileInPath      Opcode = 0x15
	OpGetTempFilename     Opcode = 0x16
	OpAddTextToInstallLog Opcode = 0x1C
	OpRenameFile          Opcode = 0x1D
	OpElseIf              Opcode = 0x21
	OpInstallFileCompact  Opcode = 0x24
)

var opcodeNames = map[Opcode]string{
	OpInstallFile:         "InstallFile",
	OpDisplayMessage:      "DisplayMessage",
	OpEditIniFile:         "EditIniFile",
	OpExecuteProgram:      "ExecuteProgram",
	OpEndBlock:            "EndBlock",
	OpCallDllFunction:     "CallDllFunction",
	OpEditRegistry:        "EditRegistry",
	OpDeleteFile:          "DeleteFile",
	OpIfWhile:             "IfWhile",
	OpElse:                "Else",
	OpStartUserAction:     "StartUserAction",
	OpEndUserAction:       "EndUserAction",
	OpCreateDirectory:     "CreateDirectory",
	OpCopyLocalFile:       "CopyLocalFile",
	OpCustomDialogSet:     "CustomDialogSet",
	OpFindFileInPath:      "FindFileInPath",
	OpGetTempFilename:     "GetTempFilename",
	OpAddTextToInstallLog: "AddTextToInstallLog",
	OpRenameFile:          "RenameFile",
	OpElseIf:              "ElseIf",
	OpInstallFileCompact:  "InstallFileCompact",
}

func (o Opcode) String() string {
	if name, ok := opcodeNames[o]; ok {
		return name
	}
	return fmt.Sprintf("Opcode(0x%02X)", uint8(o))
}

// Known reports whether the deserializer understands the record layout of o.
func (o Opcode) Known() bool {
	_, ok := opcodeNames[o]
	return ok
}
