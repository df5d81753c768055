package revival

import (
	"bufio"
	"fmt"
	"io"
	"sort"
	"strings"

	"github.com/pkg/errors"
	"github.com/spf13/afero"

	"github.com/openjdk/revival/segment"
)

// Symbol is an entry of the symbol file: an exported symbol of the runtime
// library at its dumped address, with the word stored there in the dump.
type Symbol struct {
	Name     string
	Addr     uint64
	Contents uint64 // 0 if the address was not dumped
}

// SymbolTable maps symbol names to entries.
type SymbolTable map[string]Symbol

// WriteSymbols writes syms in the form
//
//	<name> <hex-address> <0-or-hex-contents>
//
// sorted by address.
func WriteSymbols(w io.Writer, syms []Symbol) error {
	sorted := append([]Symbol(nil), syms...)
	sort.SliceStable(sorted, func(i, k int) bool { return sorted[i].Addr < sorted[k].Addr })
	bw := bufio.NewWriter(w)
	for _, s := range sorted {
		if s.Contents == 0 {
			fmt.Fprintf(bw, "%s %x 0\n", s.Name, s.Addr)
		} else {
			fmt.Fprintf(bw, "%s %x %x\n", s.Name, s.Addr, s.Contents)
		}
	}
	return bw.Flush()
}

// ParseSymbols parses a symbol file. Blank lines and lines starting with
// '#' are ignored.
func ParseSymbols(r io.Reader) (SymbolTable, error) {
	t := SymbolTable{}
	sc := bufio.NewScanner(r)
	lineno := 0
	for sc.Scan() {
		lineno++
		line := strings.TrimSpace(sc.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		f := strings.Fields(line)
		if len(f) != 3 {
			return nil, errors.Errorf("line %d: malformed symbol %q", lineno, line)
		}
		addr, err := segment.ParseHex(f[1])
		if err != nil {
			return nil, errors.Wrapf(err, "line %d", lineno)
		}
		contents, err := segment.ParseHex(f[2])
		if err != nil {
			return nil, errors.Wrapf(err, "line %d", lineno)
		}
		t[f[0]] = Symbol{Name: f[0], Addr: addr, Contents: contents}
	}
	return t, errors.Wrap(sc.Err(), "read symbols")
}

// ReadSymbolFile parses the symbol file name on fs.
func ReadSymbolFile(fs afero.Fs, name string) (SymbolTable, error) {
	f, err := fs.Open(name)
	if err != nil {
		return nil, errors.Wrapf(err, "open symbol file %s", name)
	}
	defer f.Close()
	t, err := ParseSymbols(f)
	return t, errors.Wrapf(err, "symbol file %s", name)
}

// WriteSymbolFile writes syms to name on fs.
func WriteSymbolFile(fs afero.Fs, name string, syms []Symbol) error {
	f, err := fs.Create(name)
	if err != nil {
		return errors.Wrapf(err, "create symbol file %s", name)
	}
	if err := WriteSymbols(f, syms); err != nil {
		f.Close()
		return errors.Wrapf(err, "write symbol file %s", name)
	}
	return errors.Wrapf(f.Close(), "close symbol file %s", name)
}
