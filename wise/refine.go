package wise

import (
	"fmt"
	"io"

	"github.com/apex/log"

	"gowise/common"
)

const (
	refineLow   = 0x100
	refineHigh  = 0xBF00
	refineReach = 255
)

// Refine corrects a heuristic candidate by trial decompression. Offsets
// candidate+0 .. candidate+255 are tried first, then candidate-1 .. -255. The
// first offset that inflates cleanly and is immediately followed by a
// non-zero CRC-32 equal to the checksum of its output wins; a checksum found
// only by slipping back before the trailer does not count. The stream
// position is left untouched.
func Refine(s *Stream, candidate int64) (int64, error) {
	g := s.Guard()
	defer g.Restore()

	c := min(max(candidate, refineLow), refineHigh)

	for d := int64(0); d <= refineReach; d++ {
		if probe(s, c+d) {
			return c + d, nil
		}
	}
	for d := int64(1); d <= refineReach; d++ {
		if probe(s, c-d) {
			return c - d, nil
		}
	}
	return 0, fmt.Errorf("%w: no deflate stream near %s", common.ErrFormatNotRecognized, common.FormatOffset(c))
}

func probe(s *Stream, off int64) bool {
	if off < 0 || off >= s.Size() {
		return false
	}
	if _, err := s.Seek(off, io.SeekStart); err != nil {
		return false
	}
	res := Extract(s, io.Discard, Unknown(), ModeRawWithTrailingCRC)
	if res.Status != StatusGood || res.CRCSlip != 0 || res.StoredCRC == 0 || res.StoredCRC != res.ActualCRC {
		return false
	}
	log.WithFields(log.Fields{
		"offset": common.FormatOffset(off),
		"size":   res.ActualOutput,
	}).Debug("refined archive start")
	return true
}
