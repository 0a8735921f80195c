package wise

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"os"
	"path/filepath"

	"github.com/apex/log"

	"gowise/common"
)

const (
	scriptSearchBlobs = 6
	scriptPercentSpan = 63
	// destinationOffset is the distance from a (start, end) pair in the
	// script to the destination path of the same record.
	destinationOffset = 0x28
	maxTokenLength    = 0x200
	maxNestedVars     = 2
)

// FindScriptBlob returns the index of the first of the leading blobs that looks
// like a WiseScript: it contains a `%\` pair with a lone `%` somewhere in the
// 63 bytes before it. -1 when none does.
func FindScriptBlob(blobs [][]byte) int {
	for i, b := range blobs {
		if i >= scriptSearchBlobs {
			break
		}
		if looksLikeScript(b) {
			return i
		}
	}
	return -1
}

func looksLikeScript(b []byte) bool {
	for i := 1; i+1 < len(b); i++ {
		if b[i] != '%' || b[i+1] != '\\' {
			continue
		}
		for j := i - 1; j >= max(0, i-scriptPercentSpan); j-- {
			if b[j] == '%' && b[j+1] != '\\' {
				return true
			}
		}
	}
	return false
}

// pairIndex maps every adjacent pair of LE u32 values in a script to the
// first position it occurs at.
type pairIndex map[[2]uint32]int

func indexPairs(script []byte) pairIndex {
	idx := make(pairIndex)
	for p := len(script) - 8; p >= 0; p-- {
		idx[[2]uint32{binary.LittleEndian.Uint32(script[p:]), binary.LittleEndian.Uint32(script[p+4:])}] = p
	}
	return idx
}

// lookup finds the pair (a-shift, b-shift).
func (idx pairIndex) lookup(a, b uint32, shift int64) (int, bool) {
	s1, s2 := int64(a)-shift, int64(b)-shift
	if s1 < 0 || s2 < 0 {
		return 0, false
	}
	p, ok := idx[[2]uint32{uint32(s1), uint32(s2)}]
	return p, ok
}

// FindShift recovers the constant between dump-file offsets and the offsets
// stored in the script. A shift is only accepted when a second adjacent pair
// reproduces it exactly.
func FindShift(script []byte, offsets []uint32) (int64, bool) {
	if len(offsets) < 3 || len(script) < 8 {
		return 0, false
	}
	idx := indexPairs(script)

	for i := len(offsets) - 1; i >= 1; i-- {
		lo, hi := offsets[i-1], offsets[i]
		if hi <= lo {
			continue
		}
		span := hi - lo
		for p := len(script) - 8; p >= 0; p-- {
			s1 := binary.LittleEndian.Uint32(script[p:])
			s2 := binary.LittleEndian.Uint32(script[p+4:])
			if s2 <= s1 || s2 >= hi || s1 >= lo || s2-s1 != span {
				continue
			}
			shift := int64(lo) - int64(s1)
			if confirmShift(idx, offsets, i, shift) {
				log.WithFields(log.Fields{"shift": shift, "pair": i}).Debug("script offset shift accepted")
				return shift, true
			}
			log.WithFields(log.Fields{"shift": shift, "pair": i}).Debug("unconfirmed shift candidate")
		}
	}
	return 0, false
}

func confirmShift(idx pairIndex, offsets []uint32, skip int, shift int64) bool {
	for j := 1; j < len(offsets); j++ {
		if j == skip {
			continue
		}
		if _, ok := idx.lookup(offsets[j-1], offsets[j], shift); ok {
			return true
		}
	}
	return false
}

// Correlate names the blobs bounded by offsets using the destination paths
// stored in the script. The result has one entry per blob; entries are empty
// when no usable name was found.
func Correlate(script []byte, offsets []uint32, shift int64) []string {
	if len(offsets) < 2 {
		return nil
	}
	idx := indexPairs(script)
	names := make([]string, len(offsets)-1)

	for i := 1; i < len(offsets); i++ {
		p, ok := idx.lookup(offsets[i-1], offsets[i], shift)
		if !ok {
			continue
		}
		var flags uint16
		if p >= 2 {
			flags = binary.LittleEndian.Uint16(script[p-2:])
		}
		token := readToken(script, p+destinationOffset)
		name := classifyToken(token)

		log.WithFields(log.Fields{
			"blob":  i - 1,
			"flags": fmt.Sprintf("%#04x", flags),
			"token": common.DecodeANSI(token),
			"named": name != "",
		}).Debug("script reference")
		names[i-1] = name
	}
	return names
}

func readToken(script []byte, at int) []byte {
	if at < 0 || at >= len(script) {
		return nil
	}
	end := min(len(script), at+maxTokenLength)
	tok := script[at:end]
	if n := bytes.IndexByte(tok, 0); n >= 0 {
		tok = tok[:n]
	}
	return tok
}

// classifyToken returns the sanitized relative path for a real filename, or
// "" for anything that does not look like one.
func classifyToken(tok []byte) string {
	if len(tok) == 0 || tok[0] != '%' {
		return ""
	}
	for _, b := range tok {
		if b < 0x20 {
			return ""
		}
	}
	if bytes.Count(tok, []byte(`%\`)) > maxNestedVars {
		return ""
	}
	return common.SanitizeInstallPath(common.DecodeANSI(tok))
}

// NameBlobs moves each blob to its recovered name, or to the next INST####
// placeholder when it has none. Existing files are never overwritten.
// counter carries the placeholder sequence and is advanced.
func NameBlobs(outDir string, blobs []string, names []string, counter *int) (int, error) {
	named := 0
	for i, src := range blobs {
		name := ""
		if i < len(names) {
			name = names[i]
		}
		if name == "" {
			*counter++
			name = common.PlaceholderName(*counter)
		} else {
			named++
		}
		target := common.UniquePath(filepath.Join(outDir, filepath.FromSlash(name)))
		if err := os.MkdirAll(filepath.Dir(target), 0o755); err != nil {
			return named, fmt.Errorf("%w: %v", common.ErrIOFailure, err)
		}
		if err := os.Rename(src, target); err != nil {
			return named, fmt.Errorf("%w: %v", common.ErrIOFailure, err)
		}
	}
	return named, nil
}
