package wise

import (
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"

	"github.com/apex/log"

	"gowise/common"
)

// Options configures an Unpacker.
type Options struct {
	// KeepTemp leaves the dump file and a copy of the numbered blobs in the
	// output directory.
	KeepTemp bool
	// Strategies restricts which strategies run, by name. Empty means all, in
	// the default order.
	Strategies []string
}

// Unpacker tries every strategy in order until one extracts something.
type Unpacker struct {
	strategies []Strategy
	results    []*common.OperationResult
}

func NewUnpacker(opts Options) (*Unpacker, error) {
	all := []Strategy{
		structuralStrategy{},
		profileStrategy{keepTemp: opts.KeepTemp},
		heuristicStrategy{keepTemp: opts.KeepTemp},
	}
	if len(opts.Strategies) == 0 {
		return &Unpacker{strategies: all}, nil
	}

	u := &Unpacker{}
	for _, want := range opts.Strategies {
		found := false
		for _, st := range all {
			if strings.EqualFold(st.Name(), want) {
				u.strategies = append(u.strategies, st)
				found = true
				break
			}
		}
		if !found {
			return nil, fmt.Errorf("unknown strategy %q (have %s)", want, strings.Join(StrategyNames(), ", "))
		}
	}
	return u, nil
}

// StrategyNames lists the strategies in the order they are tried.
func StrategyNames() []string {
	return []string{StrategyStructural, StrategyProfile, StrategyHeuristic}
}

// Results holds one entry per strategy attempted by the last Unpack call.
func (u *Unpacker) Results() []*common.OperationResult {
	return u.results
}

// Unpack extracts input (and its continuation volumes) into outDir. It returns
// nil as soon as one strategy succeeds and an error wrapping
// common.ErrFormatNotRecognized when none does.
func (u *Unpacker) Unpack(input, outDir string) error {
	u.results = nil

	s, err := OpenStream(input)
	if err != nil {
		return err
	}
	defer func() { _ = s.Close() }()

	if err := os.MkdirAll(outDir, 0o755); err != nil {
		return fmt.Errorf("%w: %v", common.ErrIOFailure, err)
	}

	ctx := log.WithFields(log.Fields{
		"file":    input,
		"volumes": len(s.Volumes()),
		"size":    s.Size(),
	})

	for _, st := range u.strategies {
		res, err := u.try(s, st, outDir)
		if err != nil {
			ctx.WithField("strategy", st.Name()).WithError(err).Debug("strategy failed")
			u.results = append(u.results, common.NewSkipped(st.Name(), err.Error()))
			continue
		}
		ctx.WithField("strategy", st.Name()).Infof("extracted %d files", res.Count)
		u.results = append(u.results, res)
		return nil
	}
	return fmt.Errorf("%s: %w", input, common.ErrFormatNotRecognized)
}

// try runs one strategy with the stream position restored afterwards. The
// strategy writes into a scratch directory inside outDir that is merged into
// outDir only when it succeeds, so a failed attempt leaves nothing behind.
func (u *Unpacker) try(s *Stream, st Strategy, outDir string) (*common.OperationResult, error) {
	g := s.Guard()
	defer g.Restore()

	scratch, err := os.MkdirTemp(outDir, scratchPrefix+st.Name()+"-")
	if err != nil {
		return nil, fmt.Errorf("%w: %v", common.ErrIOFailure, err)
	}
	defer func() { _ = os.RemoveAll(scratch) }()

	res, err := st.TryUnpack(s, scratch)
	if err != nil {
		return nil, err
	}
	if err := mergeInto(scratch, outDir); err != nil {
		return nil, err
	}
	return res, nil
}

const scratchPrefix = ".gowise-"

// mergeInto moves every file below src to the same relative path below dst.
// A name already taken in dst gets a numeric suffix.
func mergeInto(src, dst string) error {
	return filepath.WalkDir(src, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		rel, err := filepath.Rel(src, path)
		if err != nil {
			return err
		}
		target := filepath.Join(dst, rel)
		if d.IsDir() {
			if err := os.MkdirAll(target, 0o755); err != nil {
				return fmt.Errorf("%w: %v", common.ErrIOFailure, err)
			}
			return nil
		}
		if err := os.Rename(path, common.UniquePath(target)); err != nil {
			return fmt.Errorf("%w: %v", common.ErrIOFailure, err)
		}
		return nil
	})
}
