package main

import (
	"fmt"
	"io"
	"path/filepath"

	"github.com/spf13/cobra"

	"gowise/common"
	"gowise/perw"
	"gowise/wise"
)

// entropySample bounds how much of the overlay is read for the entropy figure.
const entropySample = 1 << 20

var inspectCmd = &cobra.Command{
	Use:   "inspect FILE...",
	Short: "Show where each strategy would find the archive, without extracting",
	Args:  cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		failed := 0
		for _, filename := range args {
			if err := inspectFile(filename); err != nil {
				fmt.Printf("  ❌ %s: %v\n", colorName(filepath.Base(filename)), colorFail(err))
				failed++
			}
		}
		if failed > 0 {
			return fmt.Errorf("%d of %d files could not be inspected", failed, len(args))
		}
		return nil
	},
}

var profilesCmd = &cobra.Command{
	Use:   "profiles",
	Short: "List the catalogued installer layouts",
	Args:  cobra.NoArgs,
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Printf("%-12s %-10s %-6s %-6s %-4s %-4s %-8s %s\n",
			"NAME", "EXE END", "START", "END", "DLL", "TEXT", "NOCRC", "SECTIONS")
		for _, p := range wise.Profiles() {
			end := "-"
			if p.ArchiveEnd >= 0 {
				end = fmt.Sprintf("%#x", p.ArchiveEnd)
			}
			sections := "any"
			if p.CodeSectionLen >= 0 || p.DataSectionLen >= 0 {
				sections = fmt.Sprintf("code %#x, data %#x", p.CodeSectionLen, p.DataSectionLen)
			}
			fmt.Printf("%-12s %-10s %-6s %-6s %-4s %-4s %-8s %s\n",
				p.Name, fmt.Sprintf("%#x", p.ExecutableOffset), fmt.Sprintf("%#x", p.ArchiveStart), end,
				yesNo(p.HasDllNamePrefix), yesNo(p.HasInitText), yesNo(p.NoCrc), sections)
		}
	},
}

func yesNo(b bool) string {
	if b {
		return "yes"
	}
	return "no"
}

func inspectFile(filename string) error {
	s, err := wise.OpenStream(filename)
	if err != nil {
		return err
	}
	defer func() { _ = s.Close() }()

	fmt.Printf("%s\n", colorName(filename))
	fmt.Printf("  Volumes:         %d\n", len(s.Volumes()))
	fmt.Printf("  Size:            %s\n", common.FormatFileSize(s.Size()))

	loc, err := wise.Inspect(s, s.Size())
	if err != nil {
		return err
	}
	fmt.Printf("  Executable:      %s (header at %s)\n", loc.Kind, common.FormatOffset(loc.NewExeHeaderAddr))
	if loc.Kind == wise.KindPE {
		printPEDetails(s)
	}

	if obs, ok := wise.Observe(loc); ok {
		fmt.Printf("  Executable end:  %s\n", common.FormatOffset(obs.ExecutableOffset))
		printOverlay(s, obs.ExecutableOffset)

		if p, ok := wise.MatchProfile(obs); ok {
			fmt.Printf("  Profile:         %s\n", colorOK(p.Name))
			if start, end, err := p.Bounds(s); err == nil {
				fmt.Printf("  Profile archive: %s..%s\n", common.FormatOffset(start), common.FormatOffset(end))
			}
		} else {
			fmt.Printf("  Profile:         none\n")
		}
	}

	if off, isPKZIP, err := wise.Approximate(s); err == nil {
		framing := "raw deflate"
		if isPKZIP {
			framing = "PKZIP"
		} else if refined, err := wise.Refine(s, off); err == nil {
			off = refined
		} else {
			framing = "no valid stream near the guess"
		}
		fmt.Printf("  Heuristic:       %s (%s)\n", common.FormatOffset(off), framing)
	}
	return nil
}

func printPEDetails(s *wise.Stream) {
	pf, err := perw.ReadPE(s, s.Size())
	if err != nil {
		return
	}
	defer func() { _ = pf.Close() }()

	parser := "debug/pe"
	if pf.UsedFallbackMode() {
		parser = "raw section table"
	}
	format := "PE32"
	if pf.Is64Bit {
		format = "PE32+"
	}
	fmt.Printf("  PE sections:     %d, headers %#x, %d data directories (%s, %s)\n",
		len(pf.Sections), pf.SizeOfHeaders(), len(pf.Directories()), format, parser)
	for _, sec := range pf.Sections {
		fmt.Printf("    %s\n", sectionLine(sec))
	}
	if pf.SignatureOffset >= 0 {
		fmt.Printf("  Certificate:     %s\n", common.FormatOffset(pf.SignatureOffset))
	}
	if !pf.HasOverlay {
		fmt.Printf("  PE overlay:      none\n")
	}
}

func sectionLine(sec perw.Section) string {
	return fmt.Sprintf("[%d] %-8s %s..%s %s %#08x",
		sec.Index, sec.Name, common.FormatOffset(sec.Offset), common.FormatOffset(sec.End()), sec.Permissions(), sec.Flags)
}

// printOverlay reports the appended data and the overlay header, when there is one.
func printOverlay(s *wise.Stream, at int64) {
	if at >= s.Size() {
		fmt.Printf("  Overlay:         none\n")
		return
	}
	sample := make([]byte, min(entropySample, s.Size()-at))
	n, err := s.ReadAt(sample, at)
	if err != nil && err != io.EOF {
		return
	}
	fmt.Printf("  Overlay:         %s, entropy %.2f\n",
		common.FormatFileSize(s.Size()-at), perw.CalculateEntropy(sample[:n]))

	if _, err := s.Seek(at, io.SeekStart); err != nil {
		return
	}
	hdr, err := wise.ReadOverlayHeader(s)
	if err != nil {
		fmt.Printf("  Overlay header:  %s %v\n", common.SymbolCross, err)
		return
	}
	dll := hdr.DllName
	if dll == "" {
		dll = "-"
	}
	fmt.Printf("  Overlay header:  %s dll %s, %s, %d components, script %s\n",
		common.SymbolCheck, dll, hdr.Mode(), len(hdr.Components()), common.FormatFileSize(int64(hdr.ScriptInflatedSize)))
}
