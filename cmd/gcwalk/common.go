package main

import (
	"fmt"
	"io"
	"os"
	"strconv"

	"github.com/inhies/go-bytesize"
	"github.com/mattn/go-colorable"
	"github.com/mattn/go-isatty"

	"gcwalk/internal/config"
	"gcwalk/internal/output"
	"gcwalk/internal/stackwalk"
)

var (
	stderr io.Writer = colorable.NewColorableStderr()
	color            = isatty.IsTerminal(os.Stderr.Fd()) || isatty.IsCygwinTerminal(os.Stderr.Fd())
)

const (
	ansiDim    = "\x1b[2m"
	ansiYellow = "\x1b[33m"
	ansiRed    = "\x1b[31m"
	ansiReset  = "\x1b[0m"
)

func paint(code, format string, args ...any) {
	s := fmt.Sprintf(format, args...)
	if color {
		s = code + s + ansiReset
	}
	io.WriteString(stderr, s)
}

// logf reports progress on stderr.
func logf(format string, args ...any) { paint(ansiDim, format+"\n", args...) }

func warnf(format string, args ...any) { paint(ansiYellow, format, args...) }

func errorf(format string, args ...any) { paint(ansiRed, format, args...) }

func size(n uint64) string { return bytesize.New(float64(n)).String() }

func parseAddr(s string) (uint64, error) {
	v, err := strconv.ParseUint(s, 0, 64)
	if err != nil {
		return 0, fmt.Errorf("bad address %q: %w", s, err)
	}
	return v, nil
}

func loadScenario(path string, maxFrames int) (*config.Scenario, error) {
	if path == "" {
		return nil, fmt.Errorf("--scenario is required")
	}
	sc, err := config.Load(path)
	if err != nil {
		return nil, err
	}
	if maxFrames > 0 {
		sc.MaxFrames = maxFrames
	}
	return sc, nil
}

func loadWorld(path string, maxFrames int) (*config.World, error) {
	sc, err := loadScenario(path, maxFrames)
	if err != nil {
		return nil, err
	}
	w, err := sc.Build()
	if err != nil {
		return nil, fmt.Errorf("build %s: %w", path, err)
	}
	return w, nil
}

// walkThread walks one thread, returning the frames found before any
// error.
func walkThread(w *config.World, id int) ([]stackwalk.Frame, error) {
	th, ok := w.Threads.Get(id)
	if !ok {
		return nil, fmt.Errorf("no thread %d", id)
	}
	it, err := th.Iterator(w.Code, w.Mem, w.Options)
	if err != nil {
		return nil, err
	}
	var frames []stackwalk.Frame
	for it.Next() {
		frames = append(frames, it.Frame())
	}
	return frames, it.Err()
}

func openOut(dir string) (*output.Writer, error) {
	out, err := output.Open(dir, false)
	if err != nil {
		return nil, err
	}
	logf("writing to %s", out.Dir())
	return out, nil
}

func printFrames(wr io.Writer, frames []stackwalk.Frame) {
	for i, f := range frames {
		if f.Transition != 0 {
			fmt.Fprintf(wr, "  -- native (transition frame 0x%x) --\n", f.Transition)
		}
		fmt.Fprintf(wr, "  #%d %s\n", i, f)
		for _, r := range f.Refs {
			fmt.Fprintf(wr, "       %-24s = 0x%x\n", r.LiveRef, r.Value)
		}
	}
}
