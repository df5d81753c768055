package revival

import (
	"bytes"
	"fmt"
	"os/exec"
	"strings"

	"github.com/go-kit/log"
	"github.com/go-kit/log/level"
	"github.com/pkg/errors"
)

// Rebaser relocates a DLL on disk so its preferred base is base.
type Rebaser interface {
	Rebase(dll string, base uint64) error
}

// RebaserFunc adapts a function to Rebaser.
type RebaserFunc func(dll string, base uint64) error

func (f RebaserFunc) Rebase(dll string, base uint64) error { return f(dll, base) }

// ToolRebaser runs an editbin-compatible tool:
//
//	<tool> /NOLOGO /REBASE:BASE=0x<base> <dll>
//
// Exit status 0 means success.
type ToolRebaser struct {
	Tool   string
	Logger log.Logger
}

// Command returns the command line used to rebase dll.
func (r ToolRebaser) Command(dll string, base uint64) []string {
	return []string{r.Tool, "/NOLOGO", fmt.Sprintf("/REBASE:BASE=0x%x", base), dll}
}

func (r ToolRebaser) Rebase(dll string, base uint64) error {
	args := r.Command(dll, base)
	cmd := exec.Command(args[0], args[1:]...)
	var out bytes.Buffer
	cmd.Stdout = &out
	cmd.Stderr = &out
	if r.Logger != nil {
		level.Debug(r.Logger).Log("msg", "rebasing library", "cmd", strings.Join(args, " "))
	}
	if err := cmd.Run(); err != nil {
		return errors.Wrapf(err, "%s: %s", strings.Join(args, " "), strings.TrimSpace(out.String()))
	}
	return nil
}
