package main

import (
	"flag"
	"fmt"

	"gcwalk/internal/output"
)

func cmdEncode(args []string) error {
	fs := flag.NewFlagSet("encode", flag.ExitOnError)
	scenario := fs.String("scenario", "", "scenario YAML")
	outDir := fs.String("out", "", "output directory")

	if err := fs.Parse(args); err != nil {
		return err
	}
	if *scenario == "" || *outDir == "" {
		return fmt.Errorf("--scenario and --out are required")
	}

	w, err := loadWorld(*scenario, 0)
	if err != nil {
		return err
	}
	defer w.Close()
	out, err := openOut(*outDir)
	if err != nil {
		return err
	}
	defer out.Close()

	var entries []output.MethodEntry
	var total uint64
	for _, mi := range w.Code.Methods() {
		entries = append(entries, output.Method(mi))
		if err := out.WriteGCInfo(mi.Name(), mi.RawGCInfo()); err != nil {
			return fmt.Errorf("write %s: %w", mi.Name(), err)
		}
		total += uint64(len(mi.RawGCInfo()))
	}
	if err := out.WriteMethods(entries); err != nil {
		return fmt.Errorf("write methods.json: %w", err)
	}
	logf("wrote %d methods (%s of frame info)", len(entries), size(total))
	return nil
}
