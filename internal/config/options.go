package config

import (
	"flag"
	"fmt"
	"path/filepath"

	"github.com/joho/godotenv"
)

// RunOptions is the minimal CLI surface from spec §6.
type RunOptions struct {
	File         string
	Define       []string
	Negate       []string
	NoLock       bool
	Inform       bool
	Verbose      bool
	DryRun       bool
	ShowVersion  bool
	WorkDir      string
}

// Paths the agent expects beneath WorkDir, per §6 ("Environment").
func (o RunOptions) InputsDir() string         { return filepath.Join(o.WorkDir, "inputs") }
func (o RunOptions) StateDir() string          { return filepath.Join(o.WorkDir, "state") }
func (o RunOptions) PackageModulesDir() string { return filepath.Join(o.WorkDir, "package_modules") }

// ParseArgs parses the agent's CLI flags. .env in WorkDir (if present) is
// loaded first so environment-derived defaults (log level/format, DB DSN for
// the audit ledger) can be overridden by an operator without editing shell
// profiles, matching the teacher's config-loading convention.
func ParseArgs(args []string, workDirDefault string) (RunOptions, error) {
	fs := flag.NewFlagSet("cfagentd", flag.ContinueOnError)

	var opts RunOptions
	var defineCSV, negateCSV string

	fs.StringVar(&opts.File, "file", "", "policy entry-point file (in JSON tree form)")
	fs.StringVar(&defineCSV, "define", "", "comma-separated classes to define")
	fs.StringVar(&negateCSV, "negate", "", "comma-separated classes to negate")
	fs.BoolVar(&opts.NoLock, "no-lock", false, "keep named locks in memory only (no on-disk lock store)")
	fs.BoolVar(&opts.Inform, "inform", false, "print INFORM-level log lines")
	fs.BoolVar(&opts.Verbose, "verbose", false, "print VERBOSE-level log lines")
	fs.BoolVar(&opts.DryRun, "dry-run", false, "evaluate without repairing (actuators report NOT_KEPT_WARN)")
	fs.BoolVar(&opts.ShowVersion, "version", false, "print version and exit")
	fs.StringVar(&opts.WorkDir, "workdir", workDirDefault, "working directory containing inputs/, state/, package_modules/")

	if err := fs.Parse(args); err != nil {
		return RunOptions{}, err
	}

	_ = godotenv.Load(filepath.Join(opts.WorkDir, ".env"))

	opts.Define = SplitAndTrimCSV(defineCSV)
	opts.Negate = SplitAndTrimCSV(negateCSV)

	if opts.File == "" && !opts.ShowVersion {
		return opts, fmt.Errorf("--file is required")
	}
	return opts, nil
}
