package common

import "errors"

// Error taxonomy shared by the locator, extractor and strategies.
var (
	// ErrStructuralMismatch means an expected magic or field was absent; the
	// caller moves on to the next strategy.
	ErrStructuralMismatch = errors.New("structural mismatch")
	ErrSizeMismatch       = errors.New("size mismatch")
	ErrChecksumMismatch   = errors.New("checksum mismatch")
	// ErrIOFailure wraps underlying file errors. Fatal to the current strategy only.
	ErrIOFailure = errors.New("i/o failure")
	// ErrFormatNotRecognized is returned once every strategy is exhausted.
	ErrFormatNotRecognized = errors.New("format not recognized")
)
