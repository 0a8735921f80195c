package wise

import (
	"bytes"
	"encoding/binary"
	"fmt"

	"github.com/apex/log"

	"gowise/common"
)

// Scan constants. They were tuned against real installers; keep them exact.
const (
	approxWindow     = 0xC000
	approxCursor     = 0xBFFC
	approxFloor      = 0x20
	approxZeroSpan   = 32
	approxMinZeros   = 4
	approxMaxRecord  = 0x20
	approxHighByte   = 0x80
	approxPKZIPRange = 0x80
)

var pkzipSignature = []byte{0x50, 0x4B, 0x03, 0x04}

// Approximate guesses where the archive starts by scanning the first
// approxWindow bytes for the zero padding that ends the executable image.
// isPKZIP is set when a local file header signature sits near the guess; the
// returned offset is then the first signature in the file and is exact.
// Otherwise the offset is only a candidate for Refine.
func Approximate(s *Stream) (offset int64, isPKZIP bool, err error) {
	buf := make([]byte, min(approxWindow, s.Size()))
	if _, err := s.ReadAt(buf, 0); err != nil {
		return 0, false, fmt.Errorf("%w: %v", common.ErrIOFailure, err)
	}

	pos := approxCursor
	if len(buf) < approxWindow {
		pos = (len(buf) - 4) &^ 1
	}
	if pos <= approxFloor {
		return 0, false, fmt.Errorf("%w: file too small to scan", common.ErrStructuralMismatch)
	}

	// Walk back to a zero word that sits in real padding.
	for pos > approxFloor {
		if binary.LittleEndian.Uint16(buf[pos:]) == 0 && countZeros(buf[pos-approxZeroSpan:pos]) >= approxMinZeros {
			break
		}
		pos -= 2
	}

	pos += 2
	for pos+3 < len(buf) && buf[pos+3] == 0 {
		pos += 4
	}

	// a short length-prefixed record of mostly low bytes
	if pos < len(buf) {
		if n := int(buf[pos]); n <= approxMaxRecord && pos+1+n <= len(buf) {
			high := 0
			for _, b := range buf[pos+1 : pos+1+n] {
				if b >= approxHighByte {
					high++
				}
			}
			if high*16 < n {
				pos += n + 1
			}
		}
	}

	for back := 0; back <= approxPKZIPRange && pos-back >= 0; back++ {
		at := pos - back
		if at+4 <= len(buf) && binary.LittleEndian.Uint32(buf[at:]) == localHeaderSignature {
			first := bytes.Index(buf, pkzipSignature)
			log.WithField("offset", common.FormatOffset(int64(first))).Debug("pkzip signature near scan cursor")
			return int64(first), true, nil
		}
	}

	log.WithField("candidate", common.FormatOffset(int64(pos))).Debug("heuristic candidate")
	return int64(pos), false, nil
}

func countZeros(b []byte) int {
	n := 0
	for _, c := range b {
		if c == 0 {
			n++
		}
	}
	return n
}
