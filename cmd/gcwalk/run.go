package main

import (
	"bufio"
	"flag"
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/google/shlex"
	"github.com/inhies/go-bytesize"

	"gcwalk/internal/heap"
)

func cmdRun(args []string) error {
	fs := flag.NewFlagSet("run", flag.ExitOnError)
	scenario := fs.String("scenario", "", "scenario YAML")
	script := fs.String("script", "", "script file, one call per line (- for stdin)")
	threadID := fs.Int("thread", 0, "calling thread (0 = first)")
	timeout := fs.Duration("timeout", 5*time.Second, "finalizer wait timeout")

	if err := fs.Parse(args); err != nil {
		return err
	}
	if *script == "" {
		return fmt.Errorf("--script is required")
	}
	var in io.Reader = os.Stdin
	if *script != "-" {
		f, err := os.Open(*script)
		if err != nil {
			return err
		}
		defer f.Close()
		in = f
	}

	s, err := startSession(*scenario, *threadID, 0)
	if err != nil {
		return err
	}
	defer s.stop()
	r := &scriptRunner{s: s, out: os.Stdout, timeout: *timeout, weak: map[string]heap.WeakHandle{}}
	if err := r.run(in); err != nil {
		return err
	}
	return s.stop()
}

// scriptRunner executes collector API calls on behalf of the session's
// calling thread.
type scriptRunner struct {
	s       *session
	out     io.Writer
	timeout time.Duration
	weak    map[string]heap.WeakHandle
}

func (r *scriptRunner) run(in io.Reader) error {
	sc := bufio.NewScanner(in)
	line := 0
	for sc.Scan() {
		line++
		words, err := shlex.Split(sc.Text())
		if err != nil {
			return fmt.Errorf("line %d: %w", line, err)
		}
		if len(words) == 0 {
			continue
		}
		fmt.Fprintf(r.out, "> %s\n", strings.Join(words, " "))
		if err := r.exec(words[0], words[1:]); err != nil {
			return fmt.Errorf("line %d: %s: %w", line, words[0], err)
		}
	}
	return sc.Err()
}

func (r *scriptRunner) object(args []string) (*heap.Object, error) {
	if len(args) != 1 {
		return nil, fmt.Errorf("want one object name")
	}
	o, ok := r.s.w.Objects[args[0]]
	if !ok {
		return nil, fmt.Errorf("no object %q", args[0])
	}
	return o, nil
}

func intArg(args []string, i int, def int) (int, error) {
	if i >= len(args) {
		return def, nil
	}
	return strconv.Atoi(args[i])
}

func parseLatency(s string) (heap.LatencyMode, error) {
	for m := heap.LatencyBatch; m <= heap.LatencyNoGCRegion; m++ {
		if m.String() == s {
			return m, nil
		}
	}
	return 0, fmt.Errorf("unknown latency mode %q", s)
}

func (r *scriptRunner) exec(cmd string, args []string) error {
	api := r.s.api
	switch cmd {
	case "collect":
		gen, err := intArg(args, 0, -1)
		if err != nil {
			return err
		}
		return api.Collect(gen)
	case "total-memory":
		n, err := api.TotalMemory()
		if err != nil {
			return err
		}
		fmt.Fprintf(r.out, "%s\n", size(n))
	case "count":
		gen, err := intArg(args, 0, 0)
		if err != nil {
			return err
		}
		n, err := api.CollectionCount(gen)
		if err != nil {
			return err
		}
		fmt.Fprintf(r.out, "%d\n", n)
	case "generation":
		o, err := r.object(args)
		if err != nil {
			return err
		}
		g, err := api.GenerationOf(o)
		if err != nil {
			return err
		}
		fmt.Fprintf(r.out, "%d\n", g)
	case "promoted":
		o, err := r.object(args)
		if err != nil {
			return err
		}
		ok, err := api.IsPromoted(o)
		if err != nil {
			return err
		}
		fmt.Fprintf(r.out, "%v\n", ok)
	case "weak":
		o, err := r.object(args)
		if err != nil {
			return err
		}
		r.weak[args[0]] = r.s.w.Heap.NewWeakHandle(o)
	case "weak-generation":
		if len(args) != 1 {
			return fmt.Errorf("want one object name")
		}
		h, ok := r.weak[args[0]]
		if !ok {
			return fmt.Errorf("no weak handle for %q", args[0])
		}
		g, err := api.GenerationOfWeakRef(h)
		if err != nil {
			return err
		}
		fmt.Fprintf(r.out, "%d\n", g)
	case "suppress":
		o, err := r.object(args)
		if err != nil {
			return err
		}
		api.SuppressFinalize(o)
	case "reregister":
		o, err := r.object(args)
		if err != nil {
			return err
		}
		return api.ReRegisterForFinalize(o)
	case "latency":
		if len(args) == 0 {
			m, err := api.LatencyMode()
			if err != nil {
				return err
			}
			fmt.Fprintf(r.out, "%s\n", m)
			return nil
		}
		m, err := parseLatency(args[0])
		if err != nil {
			return err
		}
		old, err := api.SetLatencyMode(m)
		if err != nil {
			return err
		}
		fmt.Fprintf(r.out, "%s -> %s\n", old, m)
	case "no-gc-region":
		if len(args) != 1 {
			return fmt.Errorf("want a size")
		}
		n, err := bytesize.Parse(args[0])
		if err != nil {
			return err
		}
		return api.StartNoGCRegion(uint64(n))
	case "end-no-gc-region":
		return api.EndNoGCRegion()
	case "notify":
		gen2, err := intArg(args, 0, 10)
		if err != nil {
			return err
		}
		loh, err := intArg(args, 1, 10)
		if err != nil {
			return err
		}
		return api.RegisterFullGCNotification(gen2, loh)
	case "cancel-notify":
		return api.CancelFullGCNotification()
	case "lowmem":
		r.s.w.Events.SignalLowMemory()
	case "wait-finalizers":
		return r.s.waitFinalizers(r.timeout)
	case "finalized":
		fmt.Fprintf(r.out, "%s\n", strings.Join(r.s.w.Finalized(), " "))
	case "heap":
		r.s.printHeap(r.out)
	default:
		return fmt.Errorf("unknown call")
	}
	return nil
}
