package main

import (
	"encoding/json"
	"flag"
	"fmt"
	"os"

	lrender "github.com/zboralski/lattice/render"

	"gcwalk/internal/callgraph"
	"gcwalk/internal/config"
	"gcwalk/internal/output"
	"gcwalk/internal/render"
	"gcwalk/internal/stackwalk"
)

func cmdWalk(args []string) error {
	fs := flag.NewFlagSet("walk", flag.ExitOnError)
	scenario := fs.String("scenario", "", "scenario YAML")
	jsonOut := fs.Bool("json", false, "print threads as JSON")
	outDir := fs.String("out", "", "write threads.json and DOT graphs to this directory")
	maxFrames := fs.Int("max-frames", 0, "frame limit per walk")
	threadID := fs.Int("thread", 0, "walk only this thread")
	capture := fs.String("capture", "", "save the stacks and a scenario that replays them to this directory")

	if err := fs.Parse(args); err != nil {
		return err
	}

	sc, err := loadScenario(*scenario, *maxFrames)
	if err != nil {
		return err
	}
	w, err := sc.Build()
	if err != nil {
		return fmt.Errorf("build %s: %w", *scenario, err)
	}
	defer w.Close()
	ids := w.ThreadIDs()
	if *threadID != 0 {
		ids = []int{*threadID}
	}

	var (
		entries  []output.ThreadEntry
		rendered []render.Thread
		stacks   [][]stackwalk.Frame
		failed   int
	)
	for _, id := range ids {
		frames, err := walkThread(w, id)
		if err != nil {
			failed++
			warnf("thread %d: %v\n", id, err)
		}
		entries = append(entries, output.Thread(id, frames, err))
		rendered = append(rendered, render.Thread{ID: id, Frames: frames, Err: err})
		stacks = append(stacks, frames)
		if !*jsonOut {
			fmt.Printf("thread %d: %d frames\n", id, len(frames))
			printFrames(os.Stdout, frames)
		}
	}

	if *jsonOut {
		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		if err := enc.Encode(entries); err != nil {
			return err
		}
	}

	if *outDir != "" {
		out, err := openOut(*outDir)
		if err != nil {
			return err
		}
		defer out.Close()
		if err := out.WriteThreads(entries); err != nil {
			return fmt.Errorf("write threads.json: %w", err)
		}
		if err := out.WriteDOT("stacks", render.StackDOT(rendered, *scenario, render.NASA)); err != nil {
			return err
		}
		g := callgraph.FromFrames(stacks...)
		if err := out.WriteDOT("callgraph", lrender.DOT(g, "call chains")); err != nil {
			return err
		}
		logf("wrote %d threads, %d call edges", len(entries), len(g.Edges))
	}

	if *capture != "" {
		if err := captureWorld(w, sc, *capture); err != nil {
			return err
		}
	}

	if failed > 0 {
		return fmt.Errorf("%d of %d walks failed", failed, len(ids))
	}
	return nil
}

func captureWorld(w *config.World, sc *config.Scenario, dir string) error {
	out, err := openOut(dir)
	if err != nil {
		return err
	}
	defer out.Close()
	captured, err := w.Capture(sc, out.WriteFile)
	if err != nil {
		return fmt.Errorf("capture: %w", err)
	}
	data, err := captured.Marshal()
	if err != nil {
		return err
	}
	if err := out.WriteFile("scenario.yaml", data); err != nil {
		return err
	}
	logf("captured %d stacks to %s", len(captured.Images), dir)
	return nil
}
