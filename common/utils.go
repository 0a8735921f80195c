package common

import (
	"fmt"
	"os"
	"path"
	"path/filepath"
	"strings"

	"golang.org/x/text/encoding/charmap"
)

// DecodeANSI converts a Windows-1252 byte string, the code page installer
// scripts were authored in, to UTF-8.
func DecodeANSI(b []byte) string {
	s, err := charmap.Windows1252.NewDecoder().Bytes(b)
	if err != nil {
		return string(b)
	}
	return string(s)
}

// SanitizeInstallPath turns a script path such as `%MAINDIR%\sub\a.txt` into a
// relative slash path (`MAINDIR/sub/a.txt`) that cannot escape the output dir.
func SanitizeInstallPath(p string) string {
	p = strings.ReplaceAll(p, "%", "")
	p = strings.ReplaceAll(p, "\\", "/")
	// drive letters
	if len(p) >= 2 && p[1] == ':' {
		p = p[2:]
	}

	var parts []string
	for _, part := range strings.Split(p, "/") {
		part = strings.TrimSpace(part)
		switch part {
		case "", ".", "..":
			continue
		}
		parts = append(parts, part)
	}
	return path.Join(parts...)
}

// UniquePath returns target, or target with a numeric suffix before the
// extension when something already exists there.
func UniquePath(target string) string {
	if _, err := os.Lstat(target); os.IsNotExist(err) {
		return target
	}
	ext := filepath.Ext(target)
	base := strings.TrimSuffix(target, ext)
	for i := 1; ; i++ {
		candidate := fmt.Sprintf("%s_%d%s", base, i, ext)
		if _, err := os.Lstat(candidate); os.IsNotExist(err) {
			return candidate
		}
	}
}

// PlaceholderName is the generic name given to blobs whose real name could not be recovered
func PlaceholderName(n int) string {
	return fmt.Sprintf("INST%04d", n)
}
