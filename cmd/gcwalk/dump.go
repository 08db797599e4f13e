package main

import (
	"flag"
	"fmt"
	"io"
	"os"
	"strings"

	lrender "github.com/zboralski/lattice/render"

	"gcwalk/internal/callgraph"
	"gcwalk/internal/codeman"
	"gcwalk/internal/disasm"
	"gcwalk/internal/gcfmt"
	"gcwalk/internal/gcinfo"
	"gcwalk/internal/output"
	"gcwalk/internal/render"
)

func cmdDump(args []string) error {
	fs := flag.NewFlagSet("dump", flag.ExitOnError)
	scenario := fs.String("scenario", "", "scenario YAML")
	method := fs.String("method", "", "dump only this method")
	dotDir := fs.String("dot", "", "write per-method CFG DOT files to this directory")
	maxSteps := fs.Int("max-steps", 0, "instruction listing cap")

	if err := fs.Parse(args); err != nil {
		return err
	}

	w, err := loadWorld(*scenario, 0)
	if err != nil {
		return err
	}
	defer w.Close()
	methods := w.Code.Methods()
	if *method != "" {
		mi := w.Code.ByName(*method)
		if mi == nil {
			return fmt.Errorf("no method %q", *method)
		}
		methods = []*codeman.MethodInfo{mi}
	}
	opts := gcfmt.Options{MaxSteps: *maxSteps}

	var out *output.Writer
	if *dotDir != "" {
		if out, err = openOut(*dotDir); err != nil {
			return err
		}
		defer out.Close()
	}

	for i, mi := range methods {
		if i > 0 {
			fmt.Println()
		}
		if err := dumpMethod(os.Stdout, mi, opts); err != nil {
			return fmt.Errorf("%s: %w", mi.Name(), err)
		}
		if out == nil {
			continue
		}
		cfg, err := disasm.MethodCFG(mi, opts)
		if err != nil {
			return fmt.Errorf("%s: %w", mi.Name(), err)
		}
		if err := out.WriteDOT(mi.Name(), render.CFGDOT(cfg, disasm.MethodAnnotator(mi), render.NASA)); err != nil {
			return err
		}
	}

	if out != nil {
		cg, err := callgraph.BuildCFG(w.Code, methods, opts)
		if err != nil {
			return err
		}
		if err := out.WriteDOT("cfg", lrender.DOTCFG(cg, "safe points")); err != nil {
			return err
		}
		logf("wrote %d CFGs to %s", len(cg.Funcs), out.Dir())
	}
	return nil
}

func dumpMethod(wr io.Writer, mi *codeman.MethodInfo, opts gcfmt.Options) error {
	h, err := mi.Header()
	if err != nil {
		return err
	}
	epilogs, err := mi.Epilogs()
	if err != nil {
		return err
	}
	sites, err := gcinfo.Callsites(mi.RawGCInfo(), h)
	if err != nil {
		return err
	}

	fmt.Fprintf(wr, "%s  0x%x-0x%x (%s, %s of frame info)\n",
		mi.Name(), mi.Code(), mi.Code()+uint64(mi.CodeSize()), size(uint64(mi.CodeSize())), size(uint64(len(mi.RawGCInfo()))))
	fmt.Fprintf(wr, "  flags:    %s\n", h.Flags)
	fmt.Fprintf(wr, "  frame:    %d bytes, saved %s (%d bytes)\n", h.FrameSize, h.SavedRegs, h.SaveAreaSize())
	fmt.Fprintf(wr, "  prolog:   0x%x bytes\n", h.PrologSize)
	fmt.Fprintf(wr, "  return:   %s\n", h.ReturnKind)
	if h.HasReversePInvoke() {
		fmt.Fprintf(wr, "  rpi:      %+d\n", h.ReversePInvokeOffset)
	}
	for _, e := range epilogs {
		fmt.Fprintf(wr, "  epilog:   0x%x-0x%x\n", e.Start, e.Start+e.Size)
	}
	for _, cs := range sites {
		parts := make([]string, len(cs.Slots))
		for i, s := range cs.Slots {
			parts[i] = s.String()
		}
		fmt.Fprintf(wr, "  safe point 0x%x: %s\n", cs.Offset, strings.Join(parts, ", "))
	}
	if mi.CodeBytes() != nil {
		io.WriteString(wr, disasm.Format(disasm.Method(mi, opts), disasm.MethodAnnotator(mi)))
	}
	return nil
}
