package wise

import (
	"encoding/binary"
	"fmt"
	"hash/crc32"
	"io"
	"os"
	"path/filepath"

	"github.com/apex/log"
	"github.com/klauspost/compress/flate"

	"gowise/common"
)

// Mode selects how a component is framed in the stream.
type Mode int

const (
	// ModeRawWithTrailingCRC is a bare DEFLATE stream followed by a LE CRC-32.
	ModeRawWithTrailingCRC Mode = iota
	// ModePKZIPLocalHeader is a DEFLATE stream wrapped in a PKZIP local file header.
	ModePKZIPLocalHeader
	// ModeRaw is a bare DEFLATE stream with nothing after it.
	ModeRaw
)

func (m Mode) String() string {
	switch m {
	case ModeRawWithTrailingCRC:
		return "raw+crc"
	case ModePKZIPLocalHeader:
		return "pkzip"
	case ModeRaw:
		return "raw"
	}
	return fmt.Sprintf("mode(%d)", int(m))
}

type Status int

const (
	StatusInvalid Status = iota
	StatusGood
	StatusWrongSize
	StatusBadCRC
	StatusFail
)

func (s Status) String() string {
	switch s {
	case StatusInvalid:
		return "Invalid"
	case StatusGood:
		return "Good"
	case StatusWrongSize:
		return "WrongSize"
	case StatusBadCRC:
		return "BadCrc"
	case StatusFail:
		return "Fail"
	}
	return fmt.Sprintf("Status(%d)", int(s))
}

// Expectation is what the caller knows about a component before inflating
// it. Input and Output are -1 when unknown; CRC is 0 when unchecked.
type Expectation struct {
	Input  int64
	Output int64
	CRC    uint32
}

// Unknown is an expectation that checks nothing up front.
func Unknown() Expectation {
	return Expectation{Input: -1, Output: -1}
}

// Result describes one extraction attempt.
type Result struct {
	Status       Status
	ActualInput  int64 // compressed bytes consumed, padding included, checksum excluded
	ActualOutput int64
	ActualCRC    uint32 // CRC-32 of the inflated bytes
	// StoredCRC is the checksum the output was verified against, 0 if none.
	StoredCRC uint32
	// CRCSlip is how many bytes before the trailer the checksum was found.
	CRCSlip           int64
	RecoveredFilename string
}

// Err maps a non-Good status onto the shared error taxonomy.
func (r Result) Err() error {
	switch r.Status {
	case StatusGood:
		return nil
	case StatusWrongSize:
		return fmt.Errorf("%w: consumed %d, inflated %d", common.ErrSizeMismatch, r.ActualInput, r.ActualOutput)
	case StatusBadCRC:
		return fmt.Errorf("%w: computed %#08x, stored %#08x", common.ErrChecksumMismatch, r.ActualCRC, r.StoredCRC)
	case StatusInvalid:
		return fmt.Errorf("%w: bad local header", common.ErrStructuralMismatch)
	}
	return fmt.Errorf("%w: inflate failed", common.ErrStructuralMismatch)
}

const (
	crcSize = 4
	// maxCRCSlip is how far before the trailer the checksum is searched for
	// when the trailer itself does not match.
	maxCRCSlip = 3
)

// Extract inflates one component starting at the stream's current position
// and writes the plaintext to dst. On any status other than StatusGood the
// stream position is put back where it was. dst may have received partial
// output in that case; ExtractFile is the committing variant.
func Extract(s *Stream, dst io.Writer, exp Expectation, mode Mode) Result {
	g := s.Guard()
	defer g.Restore()

	var res Result
	method := methodDeflate
	var hdr *localFileHeader

	if mode == ModePKZIPLocalHeader {
		var err error
		hdr, err = readLocalHeader(s)
		if err != nil {
			log.WithError(err).WithField("offset", common.FormatOffset(g.Start())).Debug("no pkzip local header")
			return Result{Status: StatusInvalid}
		}
		exp = hdr.expectation()
		method = hdr.Method
		res.RecoveredFilename = hdr.Name
	}

	start := s.Pos()
	h := crc32.NewIEEE()
	out := io.MultiWriter(dst, h)

	var n int64
	var err error
	switch method {
	case methodStored:
		n, err = io.CopyN(out, s, exp.Input)
	default:
		fr := flate.NewReader(s)
		n, err = io.Copy(out, fr)
		_ = fr.Close()
	}
	res.ActualOutput = n
	res.ActualCRC = h.Sum32()
	if err != nil {
		log.WithFields(log.Fields{
			"offset": common.FormatOffset(g.Start()),
			"mode":   mode,
		}).WithError(err).Debug("inflate failed")
		res.ActualInput = s.Pos() - start
		res.Status = StatusFail
		return res
	}
	res.ActualInput = s.Pos() - start

	trailerPos := int64(-1)
	stored := exp.CRC
	switch mode {
	case ModeRawWithTrailingCRC:
		if exp.Input >= 0 && res.ActualInput == exp.Input-5 {
			// one unexplained pad byte precedes the checksum in this case
			if _, err := s.Seek(1, io.SeekCurrent); err == nil {
				res.ActualInput++
			}
		}
		trailerPos = s.Pos()
		crc := readCRCAt(s, trailerPos)
		_, _ = s.Seek(min(trailerPos+crcSize, s.Size()), io.SeekStart)
		if stored == 0 {
			stored = crc
		} else {
			trailerPos = -1
		}

	case ModePKZIPLocalHeader:
		if hdr.hasDataDescriptor() {
			dd, err := readDataDescriptor(s)
			if err != nil {
				res.Status = StatusFail
				return res
			}
			exp = dd.expectation(res.ActualInput)
			stored = exp.CRC
		}
	}

	res.StoredCRC = stored
	res.Status = verify(&res, exp, stored, mode == ModeRawWithTrailingCRC)

	if res.Status == StatusBadCRC && trailerPos >= 0 {
		if pos, ok := slipCRC(s, trailerPos, res.ActualCRC); ok {
			log.WithField("slip", trailerPos-pos).Debug("checksum found before trailer")
			res.StoredCRC = res.ActualCRC
			res.CRCSlip = trailerPos - pos
			res.Status = StatusGood
			_, _ = s.Seek(pos+crcSize, io.SeekStart)
		}
	}

	if res.Status != StatusGood {
		log.WithFields(log.Fields{
			"offset":   common.FormatOffset(g.Start()),
			"status":   res.Status,
			"consumed": res.ActualInput,
			"expected": exp.Input,
			"inflated": res.ActualOutput,
			"want":     exp.Output,
			"crc":      fmt.Sprintf("%#08x", res.ActualCRC),
			"stored":   fmt.Sprintf("%#08x", stored),
		}).Debug("component rejected")
		return res
	}

	g.Commit()
	return res
}

// verify applies the size and checksum policy. trailer reports whether exp.Input
// may include a 4-byte checksum after the deflate data.
func verify(res *Result, exp Expectation, stored uint32, trailer bool) Status {
	inMatch := exp.Input == res.ActualInput || (trailer && exp.Input == res.ActualInput+crcSize)
	outKnown := exp.Output >= 0
	outMatch := outKnown && exp.Output == res.ActualOutput

	switch {
	case exp.Input == 0 && outKnown && !outMatch:
		return StatusWrongSize
	case exp.Input > 0 && !inMatch && !outMatch:
		return StatusWrongSize
	case exp.Input > 0 && inMatch && outKnown && !outMatch:
		log.WithFields(log.Fields{
			"inflated": res.ActualOutput,
			"want":     exp.Output,
		}).Debug("inflated size differs, input size matches")
	}

	if stored != 0 && stored != res.ActualCRC {
		return StatusBadCRC
	}
	return StatusGood
}

// readCRCAt reads a LE u32, zero-padding when fewer than 4 bytes remain.
func readCRCAt(s *Stream, off int64) uint32 {
	var raw [crcSize]byte
	_, _ = s.ReadAt(raw[:], off)
	return binary.LittleEndian.Uint32(raw[:])
}

// slipCRC looks for want 1 to maxCRCSlip bytes before the trailer position.
func slipCRC(s *Stream, trailerPos int64, want uint32) (int64, bool) {
	for d := int64(1); d <= maxCRCSlip; d++ {
		pos := trailerPos - d
		if pos < 0 {
			break
		}
		if want != 0 && readCRCAt(s, pos) == want {
			return pos, true
		}
	}
	return 0, false
}

// ExtractFile extracts one component into target. The output is written to a
// scratch file next to target and only renamed into place when the result is
// StatusGood; otherwise nothing is left behind.
func ExtractFile(s *Stream, target string, exp Expectation, mode Mode) (Result, error) {
	dir := filepath.Dir(target)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return Result{Status: StatusFail}, fmt.Errorf("%w: %v", common.ErrIOFailure, err)
	}
	tmp, err := os.CreateTemp(dir, ".wise-*")
	if err != nil {
		return Result{Status: StatusFail}, fmt.Errorf("%w: %v", common.ErrIOFailure, err)
	}
	tmpName := tmp.Name()
	defer func() { _ = os.Remove(tmpName) }()

	res := Extract(s, tmp, exp, mode)
	if err := tmp.Close(); err != nil {
		return res, fmt.Errorf("%w: %v", common.ErrIOFailure, err)
	}
	if res.Status != StatusGood {
		return res, nil
	}
	if err := os.Rename(tmpName, target); err != nil {
		return res, fmt.Errorf("%w: %v", common.ErrIOFailure, err)
	}
	return res, nil
}
