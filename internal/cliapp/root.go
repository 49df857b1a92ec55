package cliapp

import (
	"bufio"
	"bytes"
	"fmt"
	"os"
	"os/exec"
	"regexp"
	"time"

	"github.com/mattn/go-isatty"
	log "github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/hlefeuvre/compartfuzz/internal/config"
	"github.com/hlefeuvre/compartfuzz/internal/controller"
	"github.com/hlefeuvre/compartfuzz/internal/supervisor"
)

// Version is set at build time via -ldflags.
var Version = "dev"

var flags struct {
	libCount        int
	workloadPath    string
	instrumentRegex string
	workerTimeout   int
	seed            int64
	maxIterations   int
	apiDescFile     string
	typeDescFile    string
	extractOnly     bool
	extraLibPaths   []string
	outputRoot      string
	debug           bool
	heavyDebug      bool
	estimateAPISize bool
	reproduceFP     bool
	noColor         bool
	safebox         bool

	jsonFlag    bool
	verboseFlag bool
	quietFlag   bool
	configDir   string
}

// NewRootCmd builds the compartfuzz root command (spec.md §6.2).
func NewRootCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "compartfuzz LIB... BINARY -- [ARGS...]",
		Short: "Compartment-interface fuzzer supervisor",
		Long: "compartfuzz drives an instrumented worker over a binary framed protocol,\n" +
			"mutating and replaying call/callback traffic across a library/application\n" +
			"boundary to find and minimize crashing inputs.",
		SilenceUsage:  true,
		SilenceErrors: true,
		Args:          cobra.MinimumNArgs(2),
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			if flags.verboseFlag && flags.quietFlag {
				return fmt.Errorf("--verbose and --quiet are mutually exclusive")
			}
			if flags.jsonFlag {
				flags.quietFlag = true
			}
			SetFlags(flags.jsonFlag, flags.quietFlag, flags.verboseFlag)
			configureLogging()
			if flags.configDir != "" {
				config.SetConfigDir(flags.configDir)
			}
			return nil
		},
		RunE: runFuzz,
	}
	cmd.SetVersionTemplate("{{.Version}}\n")
	cmd.Version = Version

	cmd.Flags().IntVarP(&flags.libCount, "lib-count", "l", 1, "number of target library paths preceding the binary")
	cmd.Flags().StringVarP(&flags.workloadPath, "workload", "t", "", "path to a workload-driver binary run once per iteration")
	cmd.Flags().StringVarP(&flags.instrumentRegex, "regex", "r", "", "regex selecting exported functions to instrument")
	cmd.Flags().IntVarP(&flags.workerTimeout, "timeout", "T", 30, "worker idle timeout in seconds")
	cmd.Flags().Int64VarP(&flags.seed, "seed", "s", 0, "RNG seed (default: current wall time)")
	cmd.Flags().IntVarP(&flags.maxIterations, "iterations", "i", 0, "maximum outer iterations (0 = unlimited)")
	cmd.Flags().StringVarP(&flags.apiDescFile, "api-desc", "F", "", "pre-computed API description file (skip extraction)")
	cmd.Flags().StringVarP(&flags.typeDescFile, "type-desc", "G", "", "pre-computed type description file (skip extraction)")
	cmd.Flags().BoolVarP(&flags.extractOnly, "extract-only", "X", false, "run the API/type extractor and exit")
	cmd.Flags().StringArrayVarP(&flags.extraLibPaths, "extra-lib", "L", nil, "extra library path for type analysis (repeatable)")
	cmd.Flags().StringVarP(&flags.outputRoot, "output", "O", "", "crash-output root directory")
	cmd.Flags().BoolVarP(&flags.debug, "debug", "d", false, "enable debug logging")
	cmd.Flags().BoolVarP(&flags.heavyDebug, "debug-heavy", "D", false, "enable heavy debug logging")
	cmd.Flags().BoolVarP(&flags.estimateAPISize, "estimate-size", "S", false, "statically estimate the API endpoint count and exit")
	cmd.Flags().BoolVarP(&flags.reproduceFP, "minimize-fp", "m", false, "also reproduce/minimize false positives")
	cmd.Flags().BoolVarP(&flags.noColor, "no-color", "C", false, "disable ANSI color output")
	cmd.Flags().BoolVarP(&flags.safebox, "safebox", "R", false, "enable safebox mode (default is sandbox mode)")

	cmd.PersistentFlags().BoolVar(&flags.jsonFlag, "json", false, "emit machine-readable JSON output")
	cmd.PersistentFlags().BoolVarP(&flags.verboseFlag, "verbose", "v", false, "verbose output")
	cmd.PersistentFlags().BoolVarP(&flags.quietFlag, "quiet", "q", false, "suppress non-essential output")
	cmd.PersistentFlags().StringVar(&flags.configDir, "config-dir", "", "override the config directory (default ~/.compartfuzz)")

	addConfigCommands(cmd)
	return cmd
}

func configureLogging() {
	level := log.InfoLevel
	if flags.heavyDebug {
		level = log.TraceLevel
	} else if flags.debug {
		level = log.DebugLevel
	}
	log.SetLevel(level)

	color := !flags.noColor && isatty.IsTerminal(os.Stderr.Fd())
	log.SetFormatter(&log.TextFormatter{
		DisableColors:   !color,
		FullTimestamp:   true,
		DisableQuote:    true,
	})
}

// runFuzz is the root command's main action: parse the positional tail
// into library paths / app path / app args, validate preconditions, and
// drive the controller loop.
func runFuzz(cmd *cobra.Command, args []string) error {
	if flags.extractOnly {
		return runExtractOnly(cmd, args)
	}
	if flags.estimateAPISize {
		return runEstimateAPISize(cmd, args)
	}

	libPaths, appPath, appArgs, err := splitPositional(args, flags.libCount)
	if err != nil {
		fmt.Fprintln(cmd.ErrOrStderr(), err)
		os.Exit(ExitPrecondition)
	}

	if err := checkPreconditions(libPaths, appPath); err != nil {
		fmt.Fprintln(cmd.ErrOrStderr(), err)
		os.Exit(ExitPrecondition)
	}

	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}

	seed := flags.seed
	if seed == 0 {
		seed = cfg.Seed
	}
	if seed == 0 {
		seed = time.Now().UnixNano()
	}

	outputRoot := flags.outputRoot
	if outputRoot == "" {
		outputRoot = cfg.OutputRoot
	}
	if outputRoot == "" {
		outputRoot = "."
	}

	workerTimeout := flags.workerTimeout
	if !cmd.Flags().Changed("timeout") && cfg.WorkerTimeoutSeconds > 0 {
		workerTimeout = cfg.WorkerTimeoutSeconds
	}
	instrumentRegex := flags.instrumentRegex
	if instrumentRegex == "" {
		instrumentRegex = cfg.InstrumentRegex
	}
	if cfg.NoColor && !cmd.Flags().Changed("no-color") {
		flags.noColor = true
		configureLogging()
	}

	mode := supervisor.SandboxMode
	if flags.safebox {
		mode = supervisor.SafeboxMode
	}

	svCfg := supervisor.Config{
		Mode:                    mode,
		LibPaths:                libPaths,
		AppPath:                 appPath,
		AppArgs:                 appArgs,
		WorkloadPath:            flags.workloadPath,
		InstrumentRegex:         instrumentRegex,
		WorkerTimeout:           time.Duration(workerTimeout) * time.Second,
		Seed:                    seed,
		OutputRoot:              outputRoot,
		Debug:                   flags.debug,
		HeavyDebug:              flags.heavyDebug,
		NoColor:                 flags.noColor,
		ReproduceFalsePositives: flags.reproduceFP,
	}

	ctrl := controller.New(svCfg)
	if err := ctrl.Run(flags.maxIterations); err != nil {
		return fmt.Errorf("session aborted: %w", err)
	}
	return nil
}

// splitPositional carves the cobra positional args into the N leading
// library paths, the application binary, and its trailing arguments
// (spec.md §6.2's required tail, "LIB... BINARY -- ARGS...").
func splitPositional(args []string, libCount int) (libPaths []string, appPath string, appArgs []string, err error) {
	if libCount < 1 {
		libCount = 1
	}
	if len(args) < libCount+1 {
		return nil, "", nil, fmt.Errorf("expected %d library path(s) followed by an application binary, got %d positional args", libCount, len(args))
	}
	libPaths = append([]string(nil), args[:libCount]...)
	appPath = args[libCount]
	appArgs = append([]string(nil), args[libCount+1:]...)
	return libPaths, appPath, appArgs, nil
}

// checkPreconditions verifies the paths exist before spawning a worker
// (spec.md §6.2: exit 1 on "missing helper, invalid path, ASan/debug
// symbols not detected on the target").
func checkPreconditions(libPaths []string, appPath string) error {
	for _, p := range libPaths {
		if _, err := os.Stat(p); err != nil {
			return fmt.Errorf("library path %q: %w", p, err)
		}
	}
	if _, err := os.Stat(appPath); err != nil {
		return fmt.Errorf("application binary %q: %w", appPath, err)
	}
	return nil
}

// runExtractOnly invokes the configured API/type extractor helper and
// exits without spawning a worker (spec.md §6.2 -X, supplemented per
// SPEC_FULL.md from the original's dry-run extraction mode).
func runExtractOnly(cmd *cobra.Command, args []string) error {
	libPaths, _, _, err := splitPositional(args, flags.libCount)
	if err != nil {
		fmt.Fprintln(cmd.ErrOrStderr(), err)
		os.Exit(ExitPrecondition)
	}

	helper := extractorHelperPath()
	if _, err := exec.LookPath(helper); err != nil {
		fmt.Fprintf(cmd.ErrOrStderr(), "extractor helper %q not found on PATH\n", helper)
		os.Exit(ExitPrecondition)
	}

	extractArgs := append([]string{}, libPaths...)
	if flags.apiDescFile != "" {
		extractArgs = append(extractArgs, "-F", flags.apiDescFile)
	}
	if flags.typeDescFile != "" {
		extractArgs = append(extractArgs, "-G", flags.typeDescFile)
	}
	for _, extra := range flags.extraLibPaths {
		extractArgs = append(extractArgs, "-L", extra)
	}
	if flags.instrumentRegex != "" {
		extractArgs = append(extractArgs, "-r", flags.instrumentRegex)
	}

	extractCmd := exec.Command(helper, extractArgs...)
	extractCmd.Stdout = cmd.OutOrStdout()
	extractCmd.Stderr = cmd.ErrOrStderr()
	if err := extractCmd.Run(); err != nil {
		return fmt.Errorf("running extractor helper: %w", err)
	}
	return nil
}

// extractorHelperPath resolves the extractor binary name, overridable via
// COMPARTFUZZ_EXTRACTOR for environments where it isn't named
// "compartfuzz-extract" on PATH.
func extractorHelperPath() string {
	if v := os.Getenv("COMPARTFUZZ_EXTRACTOR"); v != "" {
		return v
	}
	return "compartfuzz-extract"
}

// runEstimateAPISize statically estimates the API endpoint count (spec.md
// §6.2 -S) by counting each library's defined dynamic symbols matching
// --regex, via `nm -D --defined-only`, without spawning a worker.
func runEstimateAPISize(cmd *cobra.Command, args []string) error {
	libPaths, _, _, err := splitPositional(args, flags.libCount)
	if err != nil {
		fmt.Fprintln(cmd.ErrOrStderr(), err)
		os.Exit(ExitPrecondition)
	}

	var re *regexp.Regexp
	if flags.instrumentRegex != "" {
		re, err = regexp.Compile(flags.instrumentRegex)
		if err != nil {
			return fmt.Errorf("invalid --regex: %w", err)
		}
	}

	total := 0
	for _, lib := range libPaths {
		n, err := countDefinedSymbols(lib, re)
		if err != nil {
			return fmt.Errorf("estimating API size for %s: %w", lib, err)
		}
		total += n
	}

	if IsJSON() {
		return PrintJSON(cmd.OutOrStdout(), map[string]int{"estimated_api_size": total})
	}
	fmt.Fprintf(cmd.OutOrStdout(), "estimated API size: %d\n", total)
	return nil
}

var symbolLinePattern = regexp.MustCompile(`^[0-9a-fA-F]+\s+[A-Za-z]\s+(\S+)$`)

func countDefinedSymbols(libPath string, filter *regexp.Regexp) (int, error) {
	out, err := exec.Command("nm", "-D", "--defined-only", libPath).Output()
	if err != nil {
		return 0, err
	}

	count := 0
	sc := bufio.NewScanner(bytes.NewReader(out))
	for sc.Scan() {
		m := symbolLinePattern.FindStringSubmatch(sc.Text())
		if m == nil {
			continue
		}
		if filter == nil || filter.MatchString(m[1]) {
			count++
		}
	}
	return count, nil
}
