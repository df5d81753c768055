package main

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/fatih/color"
	"github.com/go-kit/log"
	"github.com/spf13/afero"
	"gopkg.in/alecthomas/kingpin.v2"

	"github.com/openjdk/revival/revival"
)

// exitRetry asks the caller to start the revival again in a new process.
const exitRetry = 7

var (
	consoleOutput = os.Stderr
	logger        = log.NewLogfmtLogger(consoleOutput)
)

func main() {
	cfg := revival.DefaultConfig()

	app := kingpin.New(filepath.Base(os.Args[0]), "Revive a Windows minidump of a Java process and run diagnostic commands against it.").UsageWriter(os.Stdout)
	app.HelpFlag.Short('h')
	cfg.RegisterFlags(app)

	createCmd := app.Command("create", "Write the revival files of a dump next to it.")
	createDump := createCmd.Arg("dump", "Minidump file.").Required().String()

	reviveCmd := app.Command("revive", "Revive a dump, then run diagnostic commands.")
	reviveDump := reviveCmd.Arg("dump", "Minidump file.").Required().String()
	reviveCommands := reviveCmd.Arg("command", "Diagnostic commands, e.g. Thread.print.").Strings()

	planCmd := app.Command("plan", "Print the mapping plan of a dump.")
	planDump := planCmd.Arg("dump", "Minidump file.").Required().String()

	infoCmd := app.Command("info", "Print the header, modules and memory ranges of a dump.")
	infoDump := infoCmd.Arg("dump", "Minidump file.").Required().String()

	parsedCmd := kingpin.MustParse(app.Parse(os.Args[1:]))
	logger = revival.NewLogger(consoleOutput, cfg.Verbose)
	fs := afero.NewOsFs()

	switch parsedCmd {
	case createCmd.FullCommand():
		os.Exit(checkError(create(fs, cfg, *createDump, os.Stdout)))
	case reviveCmd.FullCommand():
		os.Exit(checkError(revive(fs, cfg, *reviveDump, *reviveCommands, os.Stdout)))
	case planCmd.FullCommand():
		os.Exit(checkError(printPlan(fs, *planDump, os.Stdout)))
	case infoCmd.FullCommand():
		os.Exit(checkError(printInfo(fs, *infoDump, os.Stdout)))
	}
}

func checkError(err error) int {
	switch {
	case err == nil:
		return 0
	case revival.IsRetryable(err):
		fmt.Fprintf(os.Stderr, "%s %v\n", color.YellowString("retry:"), err)
		return exitRetry
	default:
		fmt.Fprintf(os.Stderr, "%s %v\n", color.RedString("error:"), err)
		return 1
	}
}
