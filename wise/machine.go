package wise

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/apex/log"

	"gowise/common"
	"gowise/wisescript"
)

// Bindings holds script variables bound during one replay. Keys are upper case.
type Bindings map[string]string

func (b Bindings) Bind(name, value string) {
	b[strings.ToUpper(name)] = value
}

// Expand replaces every %NAME% with its binding. Unbound names are kept
// without the percent signs so they end up as a directory of that name.
func (b Bindings) Expand(p string) string {
	var sb strings.Builder
	for {
		i := strings.IndexByte(p, '%')
		if i < 0 {
			break
		}
		j := strings.IndexByte(p[i+1:], '%')
		if j < 0 {
			break
		}
		name := p[i+1 : i+1+j]
		sb.WriteString(p[:i])
		if v, ok := b[strings.ToUpper(name)]; ok {
			sb.WriteString(v)
		} else {
			sb.WriteString(name)
		}
		p = p[i+j+2:]
	}
	sb.WriteString(p)
	return sb.String()
}

// Machine replays the extraction-relevant subset of a script. Offsets in
// install records are relative to DataBase.
type Machine struct {
	Stream   *Stream
	DataBase int64
	OutDir   string
	Mode     Mode

	Bindings  Bindings
	Extracted int
	Failed    int

	dialogSeq   int
	placeholder int
}

func NewMachine(s *Stream, dataBase int64, outDir string, mode Mode) *Machine {
	return &Machine{Stream: s, DataBase: dataBase, OutDir: outDir, Mode: mode}
}

// Run walks the instruction list once. It returns false when a recognised
// opcode carries a record of the wrong type; everything else, including
// failed extractions, is logged and skipped.
func (m *Machine) Run(actions []wisescript.Instruction) bool {
	m.Bindings = Bindings{}

	for ip := 0; ip < len(actions); ip++ {
		in := actions[ip]
		ok := true

		switch in.Op {
		case wisescript.OpInstallFile:
			var a *wisescript.InstallFile
			if a, ok = in.Action.(*wisescript.InstallFile); ok {
				m.install(a.Destination, a.DeflateStart, a.DeflateEnd, a.InflatedSize, a.CRC32)
			}

		case wisescript.OpInstallFileCompact:
			var a *wisescript.InstallFileCompact
			if a, ok = in.Action.(*wisescript.InstallFileCompact); ok {
				m.install(a.Destination, a.DeflateStart, a.DeflateEnd, a.InflatedSize, a.CRC32)
			}

		case wisescript.OpEditIniFile:
			var a *wisescript.EditIniFile
			if a, ok = in.Action.(*wisescript.EditIniFile); ok {
				m.editIni(a)
			}

		case wisescript.OpCustomDialogSet:
			var a *wisescript.CustomDialogSet
			if a, ok = in.Action.(*wisescript.CustomDialogSet); ok {
				m.dialogs(a)
			}

		case wisescript.OpGetTempFilename:
			var a *wisescript.GetTempFilename
			if a, ok = in.Action.(*wisescript.GetTempFilename); ok && a.Variable != "" {
				m.Bindings.Bind(a.Variable, `%TEMP%\`+a.Variable)
			}
		}

		if !ok {
			log.WithFields(log.Fields{
				"ip":     ip,
				"opcode": in.Op,
				"record": fmt.Sprintf("%T", in.Action),
			}).Error("script record does not match its opcode")
			return false
		}
	}
	return true
}

// target resolves a script path below OutDir.
func (m *Machine) target(scriptPath string) string {
	rel := common.SanitizeInstallPath(m.Bindings.Expand(scriptPath))
	if rel == "" {
		m.placeholder++
		rel = common.PlaceholderName(m.placeholder)
	}
	return filepath.Join(m.OutDir, filepath.FromSlash(rel))
}

func (m *Machine) install(dest string, start, end, size, crc uint32) {
	target := common.UniquePath(m.target(dest))
	exp := Expectation{Input: int64(end) - int64(start), Output: int64(size), CRC: crc}

	res, err := m.extractAt(int64(start), target, exp)
	if err != nil || res.Status != StatusGood {
		m.Failed++
		entry := log.WithFields(log.Fields{
			"file":   dest,
			"offset": common.FormatOffset(m.DataBase + int64(start)),
			"status": res.Status,
		})
		if err != nil {
			entry = entry.WithError(err)
		}
		entry.Warn("could not extract file")
		return
	}
	m.Extracted++
	log.WithFields(log.Fields{
		"file": filepath.ToSlash(strings.TrimPrefix(target, m.OutDir)),
		"size": res.ActualOutput,
	}).Debug("extracted")
}

func (m *Machine) extractAt(start int64, target string, exp Expectation) (Result, error) {
	if _, err := m.Stream.Seek(m.DataBase+start, io.SeekStart); err != nil {
		return Result{Status: StatusFail}, err
	}
	return ExtractFile(m.Stream, target, exp, m.Mode)
}

func (m *Machine) editIni(a *wisescript.EditIniFile) {
	target := m.target(a.File)
	if err := os.MkdirAll(filepath.Dir(target), 0o755); err != nil {
		log.WithError(err).Warn("could not create ini directory")
		return
	}
	f, err := os.OpenFile(target, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		log.WithError(err).WithField("file", a.File).Warn("could not open ini file")
		return
	}
	defer func() { _ = f.Close() }()

	data := a.Data
	if !strings.HasSuffix(data, "\n") {
		data += "\n"
	}
	if _, err := fmt.Fprintf(f, "[%s]\n%s", a.Section, data); err != nil {
		log.WithError(err).WithField("file", a.File).Warn("could not write ini file")
	}
}

// dialogs extracts every entry of a dialog set as NAME.NNN. Entries are
// allowed to fail.
func (m *Machine) dialogs(a *wisescript.CustomDialogSet) {
	base := m.target(a.Name)
	for _, e := range a.Entries {
		m.dialogSeq++
		target := common.UniquePath(fmt.Sprintf("%s.%03d", base, m.dialogSeq))
		exp := Expectation{Input: int64(e.End) - int64(e.Start), Output: int64(e.Size)}
		res, err := m.extractAt(int64(e.Start), target, exp)
		if err != nil || res.Status != StatusGood {
			log.WithFields(log.Fields{
				"dialog": a.Name,
				"entry":  m.dialogSeq,
				"status": res.Status,
			}).Debug("dialog entry skipped")
			continue
		}
		m.Extracted++
	}
}
