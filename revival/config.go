package revival

import (
	"gopkg.in/alecthomas/kingpin.v2"
)

const envPrefix = "REVIVAL_"

// Config holds the settings of a revival session.
type Config struct {
	// Verbose enables debug logging.
	Verbose bool
	// Wait pauses at each stage until a newline is read from stdin.
	Wait bool
	// AbortOnClash turns address conflicts into hard failures instead of
	// requests to retry.
	AbortOnClash bool
	// JVMDir is where the runtime library of the dumped process is looked
	// up. If empty, the path recorded in the dump is used.
	JVMDir string
	// RebaseTool is the executable that relocates a DLL to a new base.
	RebaseTool string
	// LibraryName is the file name of the runtime library.
	LibraryName string
}

// DefaultConfig returns the settings used when nothing is configured.
func DefaultConfig() Config {
	return Config{
		RebaseTool:  "editbin",
		LibraryName: "jvm.dll",
	}
}

// RegisterFlags binds the settings to flags of app. Each flag can also be
// set through a REVIVAL_ environment variable.
func (c *Config) RegisterFlags(app *kingpin.Application) {
	def := DefaultConfig()
	app.Flag("verbose", "Enable verbose logging.").Short('v').Envar(envPrefix + "VERBOSE").BoolVar(&c.Verbose)
	app.Flag("wait", "Pause before each stage until enter is pressed.").Envar(envPrefix + "WAIT").BoolVar(&c.Wait)
	app.Flag("abort-on-clash", "Fail instead of asking for a retry when a region clashes with this process.").
		Envar(envPrefix + "ABORT_ON_CLASH").BoolVar(&c.AbortOnClash)
	app.Flag("jvm-dir", "Directory containing the runtime library of the dumped process.").
		Envar(envPrefix + "JVM_DIR").StringVar(&c.JVMDir)
	app.Flag("rebase-tool", "Tool used to relocate the runtime library.").Default(def.RebaseTool).
		Envar(envPrefix + "REBASE_TOOL").StringVar(&c.RebaseTool)
	app.Flag("library", "File name of the runtime library.").Default(def.LibraryName).
		Envar(envPrefix + "LIBRARY").StringVar(&c.LibraryName)
}
