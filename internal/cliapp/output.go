// Package cliapp wires the cobra command surface of spec.md §6.2 onto the
// controller/supervisor/config packages.
package cliapp

import (
	"encoding/json"
	"fmt"
	"io"
)

// Exit codes per spec.md §6.2: 0 clean, 1 precondition failure.
const (
	ExitSuccess      = 0
	ExitPrecondition = 1
)

var (
	flagJSON    bool
	flagQuiet   bool
	flagVerbose bool
)

// SetFlags is called from the root command's PersistentPreRunE to propagate
// the output-mode flags to the rest of the command tree.
func SetFlags(jsonMode, quiet, verbose bool) {
	flagJSON = jsonMode
	flagQuiet = quiet
	flagVerbose = verbose
}

func IsJSON() bool    { return flagJSON }
func IsQuiet() bool   { return flagQuiet }
func IsVerbose() bool { return flagVerbose }

// PrintJSON marshals v as indented JSON to w, used by subcommands that
// honor --json (e.g. `compartfuzz config`).
func PrintJSON(w io.Writer, v any) error {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return err
	}
	_, err = fmt.Fprintln(w, string(data))
	return err
}
