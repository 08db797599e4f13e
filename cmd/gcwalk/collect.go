package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"sort"
	"sync"
	"time"

	"gcwalk/internal/config"
	"gcwalk/internal/gcapi"
)

// session is a built scenario with its finalizer thread running.
type session struct {
	w      *config.World
	api    *gcapi.API
	cancel context.CancelFunc
	errc   chan error

	once    sync.Once
	stopErr error
}

func startSession(path string, threadID, maxFrames int) (*session, error) {
	w, err := loadWorld(path, maxFrames)
	if err != nil {
		return nil, err
	}
	if threadID == 0 {
		ids := w.ThreadIDs()
		if len(ids) == 0 {
			w.Close()
			return nil, fmt.Errorf("scenario has no threads")
		}
		threadID = ids[0]
	}
	runner := w.FinalizerThread(logf)
	api, err := w.API(threadID)
	if err != nil {
		w.Close()
		return nil, err
	}
	ctx, cancel := context.WithCancel(context.Background())
	s := &session{w: w, api: api, cancel: cancel, errc: make(chan error, 1)}
	go func() { s.errc <- runner.Run(ctx) }()
	return s, nil
}

// stop shuts the finalizer thread down. Later calls return the first
// result.
func (s *session) stop() error {
	s.once.Do(func() {
		s.cancel()
		if err := <-s.errc; err != nil && !errors.Is(err, context.Canceled) {
			s.stopErr = fmt.Errorf("finalizer thread: %w", err)
		}
		if err := s.w.Close(); err != nil && s.stopErr == nil {
			s.stopErr = err
		}
	})
	return s.stopErr
}

func (s *session) waitFinalizers(timeout time.Duration) error {
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()
	if err := s.api.WaitForPendingFinalizers(ctx); err != nil {
		return fmt.Errorf("wait for finalizers: %w", err)
	}
	return nil
}

// printHeap lists every scenario object as live or dead.
func (s *session) printHeap(wr io.Writer) {
	live := map[string]bool{}
	for _, o := range s.w.Heap.Objects() {
		live[o.Name] = true
	}
	names := make([]string, 0, len(s.w.Objects))
	for name := range s.w.Objects {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		o := s.w.Objects[name]
		if live[name] {
			fmt.Fprintf(wr, "  live  %-16s 0x%x gen %d\n", name, o.Addr, o.Generation())
		} else {
			fmt.Fprintf(wr, "  dead  %-16s 0x%x\n", name, o.Addr)
		}
	}
}

func cmdCollect(args []string) error {
	fs := flag.NewFlagSet("collect", flag.ExitOnError)
	scenario := fs.String("scenario", "", "scenario YAML")
	gen := fs.Int("gen", -1, "highest generation to collect (-1 = all)")
	threadID := fs.Int("thread", 0, "calling thread (0 = first)")
	maxFrames := fs.Int("max-frames", 0, "frame limit per walk")
	timeout := fs.Duration("timeout", 5*time.Second, "finalizer wait timeout")

	if err := fs.Parse(args); err != nil {
		return err
	}

	s, err := startSession(*scenario, *threadID, *maxFrames)
	if err != nil {
		return err
	}
	defer s.stop()

	before, err := s.api.TotalMemory()
	if err != nil {
		return err
	}
	if err := s.api.Collect(*gen); err != nil {
		return fmt.Errorf("collect: %w", err)
	}
	after, err := s.api.TotalMemory()
	if err != nil {
		return err
	}
	fmt.Printf("collected from thread %d: %s -> %s\n", s.api.Thread.ID, size(before), size(after))
	s.printHeap(os.Stdout)

	if err := s.waitFinalizers(*timeout); err != nil {
		return err
	}
	for _, name := range s.w.Inits() {
		fmt.Printf("  init      %s\n", name)
	}
	for _, name := range s.w.Finalized() {
		fmt.Printf("  finalized %s\n", name)
	}
	return s.stop()
}
