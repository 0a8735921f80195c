package main

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/apex/log"
	"github.com/apex/log/handlers/cli"
	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"gowise/common"
	"gowise/wise"
)

// Config holds the command-line settings shared by all subcommands.
type Config struct {
	OutputDir  string
	Verbose    bool
	KeepTemp   bool
	Strategies []string
	MaxWorkers int
}

// ProcessStats accumulates outcomes across all input files.
type ProcessStats struct {
	mu         sync.Mutex
	Processed  int
	Failed     int
	TotalFiles int
	TotalInput int64
	ByStrategy map[string]int
}

const (
	versionString = "gowise, version 0.3 (Wise installer extractor)"
	maxWorkers    = 16
)

var (
	config = &Config{}
	stats  = &ProcessStats{ByStrategy: map[string]int{}}

	colorOK   = color.New(color.FgHiGreen).SprintFunc()
	colorFail = color.New(color.FgHiRed).SprintFunc()
	colorName = color.New(color.Bold).SprintFunc()
	colorDim  = color.New(color.Faint).SprintfFunc()
)

// ProcessResult is the outcome of unpacking one installer.
type ProcessResult struct {
	Filename string
	OutDir   string
	Size     int64
	Files    int
	Strategy string
	Results  []*common.OperationResult
	Error    error
}

var rootCmd = &cobra.Command{
	Use:   "gowise [flags] FILE...",
	Short: "Extract the files packed inside Wise installer executables",
	Long: fmt.Sprintf(`Extracts the payload of Wise installers (NE and PE stubs, single or
multi-volume with %s, %s, ... continuation files next to the base file).

Three strategies are tried in order until one succeeds:

* structural  parse the overlay header and replay the embedded script
* profile     use a catalogued layout keyed on the executable's size
* heuristic   scan for the archive and recover names from the script`,
		wise.ContinuationSuffix(2), wise.ContinuationSuffix(3)),
	Version:       versionString,
	Args:          cobra.ArbitraryArgs,
	SilenceUsage:  true,
	SilenceErrors: true,
	PersistentPreRun: func(cmd *cobra.Command, args []string) {
		setupLogging()
	},
	RunE: runUnpack,
}

func init() {
	rootCmd.PersistentFlags().BoolVarP(&config.Verbose, "verbose", "v", false, "Enable verbose output and debug tracing")

	flags := rootCmd.Flags()
	flags.StringVarP(&config.OutputDir, "output", "o", "", "Output directory (default: next to each input, named after it)")
	flags.BoolVar(&config.KeepTemp, "keep-temp", false, "Keep WISE.DMP and the numbered blobs for inspection")
	flags.StringSliceVar(&config.Strategies, "strategy", nil,
		fmt.Sprintf("Strategies to try, in order (%s)", strings.Join(wise.StrategyNames(), ", ")))
	flags.IntVarP(&config.MaxWorkers, "workers", "j", 1, "Number of installers processed in parallel")

	rootCmd.AddCommand(inspectCmd, profilesCmd)
}

func setupLogging() {
	log.SetHandler(cli.New(os.Stderr))
	if config.Verbose {
		log.SetLevel(log.DebugLevel)
	} else {
		log.SetLevel(log.InfoLevel)
	}
}

func runUnpack(cmd *cobra.Command, args []string) error {
	if len(args) == 0 {
		return cmd.Help()
	}
	config.MaxWorkers = max(1, min(config.MaxWorkers, maxWorkers))

	// fail fast on a bad --strategy before touching any file
	if _, err := wise.NewUnpacker(unpackerOptions()); err != nil {
		return err
	}

	var results []ProcessResult
	if config.MaxWorkers > 1 && len(args) > 1 {
		if config.Verbose {
			fmt.Printf("Processing %d files with %d workers...\n", len(args), config.MaxWorkers)
		}
		results = processFilesParallel(args)
	} else {
		results = processFilesSequential(args)
	}

	updateStats(results)

	if !config.Verbose {
		for _, result := range results {
			if result.Error != nil {
				_, _ = fmt.Fprintf(os.Stderr, "%s: %s: %v\n", cmd.Root().Name(), result.Filename, result.Error)
			}
		}
	}

	if len(args) > 1 || config.Verbose {
		printSummary()
	}

	if stats.Failed > 0 {
		return fmt.Errorf("%d of %d files could not be unpacked", stats.Failed, stats.Processed)
	}
	return nil
}

func unpackerOptions() wise.Options {
	return wise.Options{KeepTemp: config.KeepTemp, Strategies: config.Strategies}
}

// outputDirFor picks where one input is unpacked. With several inputs and an
// explicit --output each one gets its own subdirectory.
func outputDirFor(filename string, many bool) string {
	base := strings.TrimSuffix(filepath.Base(filename), filepath.Ext(filename))
	switch {
	case config.OutputDir == "":
		return filepath.Join(filepath.Dir(filename), base+"_extracted")
	case many:
		return filepath.Join(config.OutputDir, base)
	default:
		return config.OutputDir
	}
}

// outputDirs assigns every input its own directory. Inputs that would share
// one (same base name in different folders) get a numeric suffix.
func outputDirs(filenames []string) []string {
	many := len(filenames) > 1
	taken := make(map[string]bool, len(filenames))
	dirs := make([]string, len(filenames))
	for i, filename := range filenames {
		dir := outputDirFor(filename, many)
		if many {
			base := dir
			for n := 2; taken[filepath.Clean(dir)]; n++ {
				dir = fmt.Sprintf("%s_%d", base, n)
			}
		}
		taken[filepath.Clean(dir)] = true
		dirs[i] = dir
	}
	return dirs
}

func processFile(filename, outDir string) *ProcessResult {
	result := &ProcessResult{Filename: filename, OutDir: outDir}

	fileInfo, err := os.Stat(filename)
	if err != nil {
		result.Error = fmt.Errorf("cannot access file: %w", err)
		return result
	}
	if !fileInfo.Mode().IsRegular() {
		result.Error = errors.New("not a regular file")
		return result
	}
	result.Size = fileInfo.Size()

	u, err := wise.NewUnpacker(unpackerOptions())
	if err != nil {
		result.Error = err
		return result
	}

	err = u.Unpack(filename, result.OutDir)
	result.Results = u.Results()
	if err != nil {
		result.Error = err
		return result
	}

	for _, r := range result.Results {
		if r.Applied {
			result.Files = r.Count
			result.Strategy = r.Strategy
		}
	}
	return result
}

func processFilesSequential(filenames []string) []ProcessResult {
	results := make([]ProcessResult, 0, len(filenames))
	dirs := outputDirs(filenames)

	for i, filename := range filenames {
		result := processFile(filename, dirs[i])
		results = append(results, *result)

		if config.Verbose {
			printResult(result)
		}
	}

	return results
}

func processFilesParallel(filenames []string) []ProcessResult {
	type job struct {
		filename string
		outDir   string
	}
	jobs := make(chan job, len(filenames))
	results := make(chan ProcessResult, len(filenames))
	dirs := outputDirs(filenames)

	var wg sync.WaitGroup
	for i := 0; i < config.MaxWorkers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := range jobs {
				result := processFile(j.filename, j.outDir)
				results <- *result
			}
		}()
	}

	go func() {
		for i, filename := range filenames {
			jobs <- job{filename: filename, outDir: dirs[i]}
		}
		close(jobs)
	}()

	go func() {
		wg.Wait()
		close(results)
	}()

	var allResults []ProcessResult
	for result := range results {
		allResults = append(allResults, result)

		if config.Verbose {
			printResult(&result)
		}
	}

	return allResults
}

func printResult(result *ProcessResult) {
	name := colorName(filepath.Base(result.Filename))
	if result.Error != nil {
		_, _ = fmt.Fprintf(os.Stderr, "  ❌ %s: %v\n", name, colorFail(result.Error))
	} else {
		fmt.Printf("  ✅ %s: %s via %s -> %s\n",
			name, colorOK(fmt.Sprintf("%d files", result.Files)), result.Strategy, result.OutDir)
	}
	if len(result.Results) > 0 {
		fmt.Println(colorDim("%s", common.FormatOperationResults("     strategies:", result.Results)))
	}
}

func updateStats(results []ProcessResult) {
	stats.mu.Lock()
	defer stats.mu.Unlock()

	for _, result := range results {
		stats.Processed++
		stats.TotalInput += result.Size
		if result.Error != nil {
			stats.Failed++
			continue
		}
		stats.TotalFiles += result.Files
		stats.ByStrategy[result.Strategy]++
	}
}

func printSummary() {
	if stats.Processed == 0 {
		return
	}

	fmt.Printf("\nSummary:\n")
	fmt.Printf("  Installers processed: %d\n", stats.Processed)
	fmt.Printf("  Successful: %d\n", stats.Processed-stats.Failed)
	fmt.Printf("  Failed: %d\n", stats.Failed)
	fmt.Printf("  Input size: %s\n", common.FormatFileSize(stats.TotalInput))

	if stats.TotalFiles > 0 {
		fmt.Printf("  Files extracted: %d\n", stats.TotalFiles)
		for _, name := range wise.StrategyNames() {
			if n := stats.ByStrategy[name]; n > 0 {
				fmt.Printf("    %s: %d\n", name, n)
			}
		}
	}
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		_, _ = fmt.Fprintf(os.Stderr, "%s: %v\n", rootCmd.Name(), err)
		os.Exit(1)
	}
}
