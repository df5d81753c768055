package revival

import (
	"encoding/binary"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/go-kit/log/level"
	"github.com/pkg/errors"
	"github.com/samber/lo"
	"github.com/spf13/afero"

	"github.com/openjdk/revival/minidump"
	"github.com/openjdk/revival/peimage"
	"github.com/openjdk/revival/plan"
	"github.com/openjdk/revival/segment"
)

// CreateResult summarizes the sidecar files written by Create.
type CreateResult struct {
	Dir     string
	Library segment.Segment // the runtime library as loaded in the dump
	Source  string          // where the library was copied from
	Rebased bool
	Plan    *plan.Plan
	Stats   plan.Stats
	Symbols int
}

// Create writes the revival files of the dump at dumpPath into its sidecar
// directory: a copy of the runtime library relocated to its dumped base,
// the mapping plan and the symbol file.
func (s *Session) Create(dumpPath string) (*CreateResult, error) {
	s.dump = dumpPath
	r, err := minidump.Open(s.fs, dumpPath, s.logger)
	if err != nil {
		return nil, err
	}
	defer r.Close()

	if arch, err := r.SystemInfo(); err != nil {
		level.Warn(s.logger).Log("msg", "cannot read processor architecture", "err", err)
	} else if arch != minidump.ArchAMD64 {
		level.Warn(s.logger).Log("msg", "dump is not from an amd64 process", "arch", arch)
	}

	mods, err := r.ReadModules()
	if err != nil {
		return nil, err
	}
	mod, ok := lo.Find(mods, func(m segment.Segment) bool {
		return plan.IsRuntimeLibrary(m.Name, s.Config.LibraryName)
	})
	if !ok {
		return nil, errors.Wrapf(ErrNoRuntimeLibrary, "%s not loaded in %s", s.Config.LibraryName, dumpPath)
	}
	level.Info(s.logger).Log("msg", "found runtime library", "path", mod.Name, "base", hexAddr(mod.Addr), "size", hexAddr(mod.Length))

	res := &CreateResult{Dir: SidecarDir(dumpPath), Library: mod}
	if err := s.fs.MkdirAll(res.Dir, 0o755); err != nil {
		return nil, errors.Wrapf(err, "create %s", res.Dir)
	}

	res.Source, err = s.findLibrary(mod.Name)
	if err != nil {
		return nil, err
	}
	libCopy := s.sidecar(s.Config.LibraryName)
	if err := copyFile(s.fs, res.Source, libCopy); err != nil {
		return nil, err
	}
	pdb := strings.TrimSuffix(res.Source, filepath.Ext(res.Source)) + ".pdb"
	if ok, _ := afero.Exists(s.fs, pdb); ok {
		if err := copyFile(s.fs, pdb, libCopy+".pdb"); err != nil {
			return nil, err
		}
	}

	ds, rebased, err := s.relocate(libCopy, mod.Addr)
	if err != nil {
		return nil, err
	}
	res.Rebased = rebased

	if err := r.PrepareMemoryRanges(); err != nil {
		return nil, err
	}
	b := plan.NewBuilder(mods, &plan.RuntimeLibrary{
		Name:     s.Config.LibraryName,
		Base:     mod.Addr,
		Retained: ds.Retained(),
	}, s.logger)
	p, err := b.Build(r.ReadNextMemoryDescriptor, dumpPath, r.Size(), r.ModTime())
	if err != nil {
		return nil, err
	}
	res.Plan, res.Stats = p, b.Stats
	if err := p.WriteFile(s.fs, s.sidecar(PlanFile)); err != nil {
		return nil, err
	}

	syms, err := s.exportSymbols(r, libCopy, mod.Addr)
	if err != nil {
		return nil, err
	}
	res.Symbols = len(syms)
	if err := WriteSymbolFile(s.fs, s.sidecar(SymbolFile), syms); err != nil {
		return nil, err
	}
	level.Info(s.logger).Log("msg", "created revival files", "dir", res.Dir, "directives", len(p.Directives), "symbols", len(syms))
	return res, nil
}

// findLibrary returns the path of the runtime library to copy. With a
// runtime directory configured, it and its bin/server and bin/client
// subdirectories are searched; otherwise the path recorded in the dump is
// used.
func (s *Session) findLibrary(recorded string) (string, error) {
	name := s.Config.LibraryName
	var candidates []string
	if dir := s.Config.JVMDir; dir != "" {
		candidates = []string{
			filepath.Join(dir, name),
			filepath.Join(dir, "bin", "server", name),
			filepath.Join(dir, "bin", "client", name),
		}
	} else {
		candidates = []string{recorded}
	}
	for _, c := range candidates {
		if ok, _ := afero.Exists(s.fs, c); ok {
			return c, nil
		}
	}
	return "", errors.Wrapf(os.ErrNotExist, "runtime library %s not found in %s", name, strings.Join(candidates, ", "))
}

// relocate makes sure the library copy at path prefers base and returns
// its data sections at that base.
func (s *Session) relocate(path string, base uint64) (peimage.DataSections, bool, error) {
	im, err := peimage.Open(s.fs, path)
	if err != nil {
		return peimage.DataSections{}, false, err
	}
	have := im.ImageBase()
	im.Close()

	rebased := false
	if have != base {
		level.Info(s.logger).Log("msg", "rebasing runtime library", "from", hexAddr(have), "to", hexAddr(base))
		if err := s.Rebaser.Rebase(path, base); err != nil {
			return peimage.DataSections{}, false, errors.Wrap(err, "rebase runtime library")
		}
		rebased = true
	}

	im, err = peimage.Open(s.fs, path)
	if err != nil {
		return peimage.DataSections{}, false, err
	}
	defer im.Close()
	if got := im.ImageBase(); got != base {
		return peimage.DataSections{}, false, errors.Errorf("%s prefers 0x%x after rebasing, want 0x%x", path, got, base)
	}
	ds, err := im.FindDataSections()
	if err != nil {
		return peimage.DataSections{}, false, err
	}
	ds = ds.Rebase(base)
	level.Debug(s.logger).Log("msg", "runtime library data", "data", ds.Data, "rdata", ds.RData, "iat", ds.IAT)
	return ds, rebased, nil
}

// exportSymbols lists the exports of the library at path relocated to base.
// A symbol's contents is the word stored there in the dump, if dumped.
func (s *Session) exportSymbols(r *minidump.Reader, path string, base uint64) ([]Symbol, error) {
	im, err := peimage.Open(s.fs, path)
	if err != nil {
		return nil, err
	}
	defer im.Close()
	exports, err := im.Exports()
	if err != nil {
		return nil, err
	}
	if _, err := r.MemoryRanges(); err != nil {
		return nil, err
	}
	syms := make([]Symbol, 0, len(exports))
	var word [8]byte
	for _, e := range exports {
		sym := Symbol{Name: e.Name, Addr: base + uint64(e.RVA)}
		if err := r.ReadMemory(sym.Addr, word[:]); err == nil {
			sym.Contents = binary.LittleEndian.Uint64(word[:])
		}
		syms = append(syms, sym)
	}
	return syms, nil
}

func copyFile(fs afero.Fs, src, dst string) error {
	in, err := fs.Open(src)
	if err != nil {
		return errors.Wrapf(err, "open %s", src)
	}
	defer in.Close()
	out, err := fs.Create(dst)
	if err != nil {
		return errors.Wrapf(err, "create %s", dst)
	}
	if _, err := io.Copy(out, in); err != nil {
		out.Close()
		return errors.Wrapf(err, "copy %s to %s", src, dst)
	}
	return errors.Wrapf(out.Close(), "close %s", dst)
}
