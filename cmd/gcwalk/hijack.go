package main

import (
	"flag"
	"fmt"
	"os"
)

func cmdHijack(args []string) error {
	fs := flag.NewFlagSet("hijack", flag.ExitOnError)
	scenario := fs.String("scenario", "", "scenario YAML")
	threadID := fs.Int("thread", 0, "thread to hijack (0 = first)")
	thunk := fs.String("thunk", "", "address to return to instead")

	if err := fs.Parse(args); err != nil {
		return err
	}
	if *thunk == "" {
		return fmt.Errorf("--thunk is required")
	}
	target, err := parseAddr(*thunk)
	if err != nil {
		return err
	}

	w, err := loadWorld(*scenario, 0)
	if err != nil {
		return err
	}
	defer w.Close()
	id := *threadID
	if id == 0 {
		if ids := w.ThreadIDs(); len(ids) > 0 {
			id = ids[0]
		}
	}
	th, ok := w.Threads.Get(id)
	if !ok {
		return fmt.Errorf("no thread %d", id)
	}

	loc, err := th.Hijack(w.Code, w.Mem, target)
	if err != nil {
		return fmt.Errorf("thread %d: %w", id, err)
	}
	saved, _ := th.Hijacked()
	fmt.Printf("thread %d: return address in %s, 0x%x -> 0x%x\n", id, loc, saved, target)
	if frames, err := walkThread(w, id); err != nil {
		fmt.Printf("walk while hijacked: %d frames, %v\n", len(frames), err)
	} else {
		fmt.Printf("walk while hijacked: %d frames\n", len(frames))
	}

	if err := th.Unhijack(w.Mem); err != nil {
		return fmt.Errorf("thread %d: %w", id, err)
	}
	frames, err := walkThread(w, id)
	if err != nil {
		return fmt.Errorf("walk after unhijack: %w", err)
	}
	fmt.Printf("restored: %d frames\n", len(frames))
	printFrames(os.Stdout, frames)
	return nil
}
