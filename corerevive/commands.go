package main

import (
	"fmt"
	"io"
	"path/filepath"
	"strconv"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/fatih/color"
	"github.com/olekukonko/tablewriter"
	"github.com/pkg/errors"
	"github.com/samber/lo"
	"github.com/spf13/afero"

	"github.com/openjdk/revival/minidump"
	"github.com/openjdk/revival/plan"
	"github.com/openjdk/revival/revival"
	"github.com/openjdk/revival/segment"
	"github.com/openjdk/revival/vmem"
)

var (
	okClr   = color.New(color.FgGreen, color.Bold)
	warnClr = color.New(color.FgYellow)
)

func hex(v uint64) string { return "0x" + strconv.FormatUint(v, 16) }

func create(fs afero.Fs, cfg revival.Config, dump string, out io.Writer) error {
	s := revival.NewSession(fs, vmem.Native(), cfg, logger)
	res, err := s.Create(dump)
	if err != nil {
		return err
	}
	printCreateResult(out, res)
	return nil
}

func printCreateResult(out io.Writer, res *revival.CreateResult) {
	okClr.Fprintf(out, "created %s\n", res.Dir)
	fmt.Fprintf(out, "runtime library: %s at %s (copied from %s", res.Library.Name, hex(res.Library.Addr), res.Source)
	if res.Rebased {
		fmt.Fprint(out, ", rebased")
	}
	fmt.Fprintln(out, ")")
	st := res.Stats
	fmt.Fprintf(out, "ranges: %d read, %d skipped (%d irrelevant, %d duplicate, %d in modules)\n",
		st.Ranges, st.Irrelevant+st.Duplicates+st.Avoided, st.Irrelevant, st.Duplicates, st.Avoided)
	fmt.Fprintf(out, "plan: %d map (%s), %d alloc, %d copy (%s), %d retained\n",
		st.Maps, humanize.IBytes(st.MappedBytes), st.Allocs, st.Copies, humanize.IBytes(st.CopiedBytes), st.Retained)
	fmt.Fprintf(out, "symbols: %d\n", res.Symbols)
}

func revive(fs afero.Fs, cfg revival.Config, dump string, commands []string, out io.Writer) error {
	s := revival.NewSession(fs, vmem.Native(), cfg, logger)
	defer s.Close()
	err := s.Revive(dump)
	printReport(out, s.Report())
	if err != nil {
		return err
	}
	d, err := s.Data()
	if err != nil {
		return err
	}
	okClr.Fprintf(out, "revived %s %s", d.VMName, d.VMRelease)
	fmt.Fprintf(out, " (started %s)\n", d.StartTime.UTC().Format(time.RFC3339))
	for _, cmd := range commands {
		if err := s.DiagnosticCommand(cmd); err != nil {
			return err
		}
	}
	return nil
}

func printReport(out io.Writer, rep revival.Report) {
	if rep.Good == nil {
		return
	}
	table := tablewriter.NewWriter(out)
	table.SetHeader([]string{"Directive", "Applied", "Failed"})
	for _, k := range []plan.Kind{plan.Library, plan.Map, plan.Alloc, plan.Copy} {
		table.Append([]string{k.String(), strconv.Itoa(rep.Good[k]), strconv.Itoa(rep.Bad[k])})
	}
	table.SetFooter([]string{"", "mapped " + humanize.IBytes(rep.MappedBytes), "copied " + humanize.IBytes(rep.CopiedBytes)})
	table.Render()
	if rep.Fallbacks > 0 {
		warnClr.Fprintf(out, "%d regions were copied because they could not be mapped\n", rep.Fallbacks)
	}
}

func printPlan(fs afero.Fs, dump string, out io.Writer) error {
	dir := revival.SidecarDir(dump)
	p, err := plan.ReadFile(fs, filepath.Join(dir, revival.PlanFile), revival.LibraryImages(fs, dir))
	if err != nil {
		return errors.Wrap(err, "no mapping plan, run create first")
	}
	fmt.Fprintf(out, "core %s, %s, modified %s\n", p.CoreFile, humanize.IBytes(uint64(p.CoreSize)), p.Time.UTC().Format(time.RFC3339))

	table := tablewriter.NewWriter(out)
	table.SetHeader([]string{"Kind", "Start", "End", "File offset", "Size"})
	table.SetAlignment(tablewriter.ALIGN_RIGHT)
	for _, d := range p.Directives {
		if d.Kind == plan.Library {
			table.Append([]string{d.Kind.String(), hex(d.Base), hex(d.Base + d.Size), d.Name, humanize.IBytes(d.Size)})
			continue
		}
		s := d.Segment
		table.Append([]string{d.Kind.String(), hex(s.Addr), hex(s.End()), hex(s.FileOffset), humanize.IBytes(s.Length)})
	}
	table.SetFooter([]string{"", "", "",
		fmt.Sprintf("%d map %d alloc %d copy", p.Count(plan.Map), p.Count(plan.Alloc), p.Count(plan.Copy)), ""})
	table.Render()
	return nil
}

func printInfo(fs afero.Fs, dump string, out io.Writer) error {
	r, err := minidump.Open(fs, dump, logger)
	if err != nil {
		return err
	}
	defer r.Close()

	arch := "unknown"
	if a, err := r.SystemInfo(); err == nil {
		arch = a.String()
	}
	fmt.Fprintf(out, "%s: %s, %s, %d streams, written %s\n", r.Name(), humanize.IBytes(uint64(r.Size())), arch,
		r.Header.NumberOfStreams, r.Timestamp().UTC().Format(time.RFC3339))

	mods, err := r.ReadModules()
	if err != nil {
		return err
	}
	table := tablewriter.NewWriter(out)
	table.SetHeader([]string{"Module", "Base", "Size"})
	for _, m := range mods {
		table.Append([]string{m.Name, hex(m.Addr), humanize.IBytes(m.Length)})
	}
	table.Render()

	ranges, err := r.MemoryRanges()
	if err != nil {
		return err
	}
	relevant := segment.Segments(lo.Filter(ranges, func(s segment.Segment, _ int) bool { return s.IsRelevant() }))
	fmt.Fprintf(out, "memory: %d ranges, %d with contents, %s\n", len(ranges), len(relevant), humanize.IBytes(relevant.TotalLength()))
	return nil
}
