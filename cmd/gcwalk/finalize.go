package main

import (
	"flag"
	"fmt"
	"os"

	"github.com/google/shlex"

	"gcwalk/internal/finalizer"
)

var eventNames = map[string]finalizer.Event{
	"work":    finalizer.EventWork,
	"lowmem":  finalizer.EventLowMemory,
	"timeout": finalizer.EventTimeout,
}

// parseEvents splits a script such as "lowmem timeout # idle\nwork" into
// events.
func parseEvents(script string) ([]finalizer.Event, error) {
	words, err := shlex.Split(script)
	if err != nil {
		return nil, fmt.Errorf("script: %w", err)
	}
	events := make([]finalizer.Event, 0, len(words))
	for _, w := range words {
		e, ok := eventNames[w]
		if !ok {
			return nil, fmt.Errorf("script: unknown event %q (want work, lowmem or timeout)", w)
		}
		events = append(events, e)
	}
	return events, nil
}

func cmdFinalize(args []string) error {
	fs := flag.NewFlagSet("finalize", flag.ExitOnError)
	script := fs.String("script", "", "events, e.g. \"lowmem timeout work\"")
	file := fs.String("file", "", "read events from a file")

	if err := fs.Parse(args); err != nil {
		return err
	}
	text := *script
	if *file != "" {
		data, err := os.ReadFile(*file)
		if err != nil {
			return err
		}
		text = string(data)
	}
	if text == "" {
		return fmt.Errorf("--script or --file is required")
	}

	events, err := parseEvents(text)
	if err != nil {
		return err
	}
	state := finalizer.WaitingNormal
	for _, e := range events {
		next, res := finalizer.Next(state, e)
		fmt.Printf("%-24s %-8s -> %-24s %s\n", state, e, next, res)
		state = next
	}
	return nil
}
