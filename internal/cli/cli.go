package cli

import (
	"errors"
	"flag"
	"fmt"
	"io"
	"strings"

	"github.com/specialistvlad/keg/internal/app"
	"github.com/specialistvlad/keg/internal/installerr"
)

// ExitUsage is the status for invalid invocations.
const ExitUsage = 2

// ExitError is an error carrying the process exit code.
type ExitError struct {
	Code    int
	Message string
}

// Error implements the error interface for ExitError.
func (e *ExitError) Error() string {
	return e.Message
}

// ExitCode maps err to a process exit status.
func ExitCode(err error) int {
	if err == nil {
		return 0
	}
	var exitErr *ExitError
	if errors.As(err, &exitErr) {
		return exitErr.Code
	}
	return installerr.ExitCode(err)
}

func usageError(format string, args ...any) error {
	return &ExitError{Code: ExitUsage, Message: fmt.Sprintf(format, args...)}
}

const usage = `
keg - install formulae from bottles or source into a versioned store.

Usage:
  keg install [options] <formula>...

Options:
  --with-<feature>, --without-<feature>
    	Pass a build option to the requested formulae. Forces a source build.
`

// Parse processes command-line arguments. It returns the populated
// app.Config, a boolean telling the caller to exit cleanly (help was
// printed), or an ExitError.
func Parse(args []string, output io.Writer) (*app.Config, bool, error) {
	if len(args) == 0 {
		fmt.Fprint(output, usage)
		return nil, true, nil
	}
	switch args[0] {
	case "install":
		return parseInstall(args[1:], output)
	case "help", "-h", "-help", "--help":
		fmt.Fprint(output, usage)
		return nil, true, nil
	default:
		return nil, false, usageError("unknown command %q (try 'keg install <formula>')", args[0])
	}
}

func parseInstall(args []string, output io.Writer) (*app.Config, bool, error) {
	flagSet := flag.NewFlagSet("keg install", flag.ContinueOnError)
	flagSet.SetOutput(output)
	flagSet.Usage = func() {
		fmt.Fprint(output, usage)
		flagSet.PrintDefaults()
	}

	var cfg app.Config
	flagSet.BoolVar(&cfg.Ask, "ask", false, "Show the install plan and ask before installing.")
	flagSet.BoolVar(&cfg.Head, "HEAD", false, "Install the requested formulae from their head repository.")
	flagSet.BoolVar(&cfg.BuildFromSource, "build-from-source", false, "Build the requested formulae from source even if a bottle exists.")
	flagSet.BoolVar(&cfg.BuildFromSource, "s", false, "Shorthand for --build-from-source.")
	flagSet.BoolVar(&cfg.DebugSymbols, "debug-symbols", false, "Build from source and keep debug symbols where the platform supports them.")
	flagSet.BoolVar(&cfg.IgnoreDependencies, "ignore-dependencies", false, "Install only the requested formulae.")
	formulaPath := flagSet.String("formula-path", "", "Comma-separated formula files or directories, replacing KEG_FORMULA_PATH.")
	flagSet.StringVar(&cfg.LogLevel, "log-level", "warn", "Set the logging level. Options: 'debug', 'info', 'warn', 'error'.")
	flagSet.StringVar(&cfg.LogFormat, "log-format", "text", "Log output format. Options: 'text' or 'json'.")
	flagSet.BoolVar(&cfg.Verbose, "verbose", false, "Stream build output and log at debug level.")
	flagSet.BoolVar(&cfg.Verbose, "v", false, "Shorthand for --verbose.")

	rest, options := splitBuildOptions(args)
	cfg.Options = options

	// The flag package stops at the first positional argument; resume
	// after each one so flags may follow formula names.
	for {
		if err := flagSet.Parse(rest); err != nil {
			if errors.Is(err, flag.ErrHelp) {
				return nil, true, nil
			}
			return nil, false, usageError("%v", err)
		}
		if flagSet.NArg() == 0 {
			break
		}
		cfg.Targets = append(cfg.Targets, flagSet.Arg(0))
		rest = flagSet.Args()[1:]
	}

	if *formulaPath != "" {
		for _, p := range strings.Split(*formulaPath, ",") {
			if p = strings.TrimSpace(p); p != "" {
				cfg.FormulaPaths = append(cfg.FormulaPaths, p)
			}
		}
	}
	if len(cfg.Targets) == 0 {
		return nil, false, usageError("this command requires a formula argument")
	}

	config, err := app.NewConfig(cfg)
	if err != nil {
		return nil, false, usageError("%v", err)
	}
	return config, false, nil
}

// splitBuildOptions removes --with-* and --without-* flags, which the flag
// package cannot declare in advance, and returns them without dashes.
func splitBuildOptions(args []string) (rest, options []string) {
	for i, a := range args {
		if a == "--" {
			rest = append(rest, args[i:]...)
			break
		}
		name := strings.TrimLeft(a, "-")
		if strings.HasPrefix(a, "-") && (strings.HasPrefix(name, "with-") || strings.HasPrefix(name, "without-")) {
			options = append(options, name)
			continue
		}
		rest = append(rest, a)
	}
	return rest, options
}
