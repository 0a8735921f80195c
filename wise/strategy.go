package wise

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/apex/log"

	"gowise/common"
	"gowise/wisescript"
)

// Strategy is one self-contained way of finding and unpacking the archive.
// A strategy that fails returns an error and the next one is tried.
type Strategy interface {
	Name() string
	TryUnpack(s *Stream, outDir string) (*common.OperationResult, error)
}

const (
	StrategyStructural = "structural"
	StrategyProfile    = "profile"
	StrategyHeuristic  = "heuristic"
)

// ---------------------------------------------------------------------------
// structural: overlay header after the located executable, script replay

type structuralStrategy struct{}

func (structuralStrategy) Name() string { return StrategyStructural }

func (structuralStrategy) TryUnpack(s *Stream, outDir string) (*common.OperationResult, error) {
	loc, err := Inspect(s, s.Size())
	if err != nil {
		return nil, err
	}
	base, ok := Locate(loc)
	if !ok {
		return nil, fmt.Errorf("%w: no section table", common.ErrStructuralMismatch)
	}
	if base >= s.Size() {
		return nil, fmt.Errorf("%w: nothing appended to the executable", common.ErrStructuralMismatch)
	}
	if _, err := s.Seek(base, io.SeekStart); err != nil {
		return nil, err
	}

	hdr, err := ReadOverlayHeader(s)
	if err != nil {
		return nil, err
	}
	mode := hdr.Mode()

	var script []byte
	written := 0
	for _, c := range hdr.Components() {
		exp := Expectation{Input: c.DeflatedSize, Output: c.InflatedSize}
		start := s.Pos()

		if c.Name == "SCRIPT" {
			var buf bytes.Buffer
			res := Extract(s, &buf, exp, mode)
			if err := res.Err(); err != nil {
				return nil, fmt.Errorf("script at %s: %w", common.FormatOffset(start), err)
			}
			script = buf.Bytes()
			continue
		}

		res, err := ExtractFile(s, common.UniquePath(filepath.Join(outDir, c.Name)), exp, mode)
		if err != nil {
			return nil, err
		}
		if res.Status != StatusGood {
			// keep the remaining components aligned
			log.WithField("component", c.Name).WithError(res.Err()).Warn("skipping header component")
			if _, err := s.Seek(start+c.DeflatedSize, io.SeekStart); err != nil {
				return nil, err
			}
			continue
		}
		written++
	}
	dataBase := s.Pos()

	parsed, perr := wisescript.Parse(script)
	if parsed == nil || (perr != nil && len(parsed.Instructions) == 0) {
		return nil, fmt.Errorf("%w: %v", common.ErrStructuralMismatch, perr)
	}
	if perr != nil {
		// records after the undecodable one are lost
		log.WithError(perr).WithField("records", len(parsed.Instructions)).Warn("script decoded partially")
	}

	m := NewMachine(s, dataBase, outDir, mode)
	if !m.Run(parsed.Instructions) {
		return nil, fmt.Errorf("%w: script replay aborted", common.ErrStructuralMismatch)
	}
	written += m.Extracted

	if hdr.FinalFileDeflatedSize > 0 {
		if extractFinalFile(s, hdr, outDir, mode) {
			written++
		}
	}

	msg := fmt.Sprintf("overlay at %s, %d script records", common.FormatOffset(base), len(parsed.Instructions))
	if perr != nil {
		msg += ", rest of script undecoded"
	}
	if m.Failed > 0 {
		msg += fmt.Sprintf(", %d failed", m.Failed)
	}
	return common.NewApplied(StrategyStructural, msg, written), nil
}

// extractFinalFile pulls the trailing data blob, which sits at the very end
// of the stream. Failure is not an error.
func extractFinalFile(s *Stream, hdr *OverlayHeader, outDir string, mode Mode) bool {
	at := s.Size() - int64(hdr.FinalFileDeflatedSize)
	if at < hdr.End {
		return false
	}
	if _, err := s.Seek(at, io.SeekStart); err != nil {
		return false
	}
	exp := Expectation{Input: int64(hdr.FinalFileDeflatedSize), Output: int64(hdr.FinalFileInflatedSize)}
	res, err := ExtractFile(s, common.UniquePath(filepath.Join(outDir, "FINALDATA.BIN")), exp, mode)
	if err != nil || res.Status != StatusGood {
		log.WithField("status", res.Status).Debug("final data blob not extracted")
		return false
	}
	return true
}

// ---------------------------------------------------------------------------
// profile: catalogued layouts

type profileStrategy struct {
	keepTemp bool
}

func (profileStrategy) Name() string { return StrategyProfile }

func (p profileStrategy) TryUnpack(s *Stream, outDir string) (*common.OperationResult, error) {
	loc, err := Inspect(s, s.Size())
	if err != nil {
		return nil, err
	}
	obs, ok := Observe(loc)
	if !ok {
		return nil, fmt.Errorf("%w: no section table", common.ErrStructuralMismatch)
	}
	prof, ok := MatchProfile(obs)
	if !ok {
		return nil, fmt.Errorf("%w: no profile for executable end %s", common.ErrStructuralMismatch, common.FormatOffset(obs.ExecutableOffset))
	}
	start, end, err := prof.Bounds(s)
	if err != nil {
		return nil, err
	}

	mode := ModeRawWithTrailingCRC
	switch {
	case hasPKZIPSignature(s, start):
		mode = ModePKZIPLocalHeader
	case prof.NoCrc:
		mode = ModeRaw
	}

	n, named, err := extractSequential(s, start, end, outDir, mode, p.keepTemp)
	if err != nil {
		return nil, err
	}
	return common.NewApplied(StrategyProfile, fmt.Sprintf("%s, %d named", prof.Name, named), n), nil
}

func hasPKZIPSignature(s *Stream, at int64) bool {
	var raw [4]byte
	if _, err := s.ReadAt(raw[:], at); err != nil {
		return false
	}
	return bytes.Equal(raw[:], pkzipSignature)
}

// ---------------------------------------------------------------------------
// heuristic: byte-pattern scan plus trial decompression

type heuristicStrategy struct {
	keepTemp bool
}

func (heuristicStrategy) Name() string { return StrategyHeuristic }

func (h heuristicStrategy) TryUnpack(s *Stream, outDir string) (*common.OperationResult, error) {
	offset, isPKZIP, err := Approximate(s)
	if err != nil {
		return nil, err
	}
	mode := ModePKZIPLocalHeader
	if !isPKZIP {
		mode = ModeRawWithTrailingCRC
		if offset, err = Refine(s, offset); err != nil {
			return nil, err
		}
	}

	n, named, err := extractSequential(s, offset, s.Size(), outDir, mode, h.keepTemp)
	if err != nil {
		return nil, err
	}
	return common.NewApplied(StrategyHeuristic,
		fmt.Sprintf("archive at %s (%s), %d named", common.FormatOffset(offset), mode, named), n), nil
}

// ---------------------------------------------------------------------------
// shared dump-and-correlate pipeline

var errNoBlobs = errors.New("no component could be extracted")

func blobName(i int) string {
	return fmt.Sprintf("BLOB%04d.TMP", i)
}

// extractSequential inflates components back to back from start until one
// fails or end is reached, recording their boundaries in the dump file, and
// then renames them using the script found among them. It returns the number
// of files produced and how many of them got a real name.
func extractSequential(s *Stream, start, end int64, outDir string, mode Mode, keepTemp bool) (int, int, error) {
	if _, err := s.Seek(start, io.SeekStart); err != nil {
		return 0, 0, err
	}
	dump, err := NewDumpRecorder(outDir)
	if err != nil {
		return 0, 0, err
	}
	defer func() {
		if keepTemp {
			_ = dump.Close()
		} else {
			_ = dump.Discard()
		}
	}()
	if err := dump.Begin(start); err != nil {
		return 0, 0, err
	}

	var blobs, recovered []string
	for s.Pos() < end {
		path := filepath.Join(outDir, blobName(len(blobs)))
		res, err := ExtractFile(s, path, Unknown(), mode)
		if err != nil {
			return 0, 0, err
		}
		if res.Status != StatusGood {
			log.WithFields(log.Fields{
				"offset": common.FormatOffset(s.Pos()),
				"status": res.Status,
				"blobs":  len(blobs),
			}).Debug("sequential extraction stopped")
			break
		}
		if err := dump.Add(s.Pos()); err != nil {
			return 0, 0, err
		}
		blobs = append(blobs, path)
		recovered = append(recovered, common.SanitizeInstallPath(res.RecoveredFilename))
	}
	if len(blobs) == 0 {
		return 0, 0, fmt.Errorf("%w: %v", common.ErrFormatNotRecognized, errNoBlobs)
	}

	names := recovered
	if mode != ModePKZIPLocalHeader {
		names = correlateBlobs(dump, blobs)
	}

	if keepTemp {
		if err := keepBlobCopies(outDir, blobs); err != nil {
			return 0, 0, err
		}
	}

	counter := 0
	named, err := NameBlobs(outDir, blobs, names, &counter)
	if err != nil {
		return 0, 0, err
	}
	return len(blobs), named, nil
}

// correlateBlobs finds the script among the first blobs and derives names
// from it. A nil result leaves every blob generic.
func correlateBlobs(dump *DumpRecorder, blobs []string) []string {
	head := make([][]byte, 0, scriptSearchBlobs)
	for _, p := range blobs[:min(len(blobs), scriptSearchBlobs)] {
		b, err := os.ReadFile(p)
		if err != nil {
			return nil
		}
		head = append(head, b)
	}
	si := FindScriptBlob(head)
	if si < 0 {
		log.Debug("no script among the leading blobs")
		return nil
	}

	offsets, err := dump.Offsets()
	if err != nil {
		log.WithError(err).Debug("dump file unreadable")
		return nil
	}
	shift, ok := FindShift(head[si], offsets)
	if !ok {
		log.Debug("no confirmed offset shift, names stay generic")
		return nil
	}
	return Correlate(head[si], offsets, shift)
}

// keepBlobCopies hard-links or copies the numbered blobs into a subdirectory
// so they survive renaming.
func keepBlobCopies(outDir string, blobs []string) error {
	dir := filepath.Join(outDir, "blobs")
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("%w: %v", common.ErrIOFailure, err)
	}
	for _, p := range blobs {
		dst := filepath.Join(dir, filepath.Base(p))
		if err := os.Link(p, dst); err == nil {
			continue
		}
		data, err := os.ReadFile(p)
		if err != nil {
			return fmt.Errorf("%w: %v", common.ErrIOFailure, err)
		}
		if err := os.WriteFile(dst, data, 0o644); err != nil {
			return fmt.Errorf("%w: %v", common.ErrIOFailure, err)
		}
	}
	return nil
}
