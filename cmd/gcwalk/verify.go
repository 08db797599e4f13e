package main

import (
	"flag"
	"fmt"

	"gcwalk/internal/disasm"
	"gcwalk/internal/output"
)

func cmdVerify(args []string) error {
	fs := flag.NewFlagSet("verify", flag.ExitOnError)
	scenario := fs.String("scenario", "", "scenario YAML")
	outDir := fs.String("out", "", "write diags.json to this directory")

	if err := fs.Parse(args); err != nil {
		return err
	}

	w, err := loadWorld(*scenario, 0)
	if err != nil {
		return err
	}
	defer w.Close()

	var report []output.MethodDiags
	total := 0
	for _, mi := range w.Code.Methods() {
		diags, err := disasm.Verify(mi)
		if err != nil {
			return fmt.Errorf("%s: %w", mi.Name(), err)
		}
		if len(diags) == 0 {
			fmt.Printf("%-16s ok\n", mi.Name())
		}
		for _, d := range diags {
			fmt.Printf("%-16s %s\n", mi.Name(), d)
		}
		report = append(report, output.MethodDiags{Method: mi.Name(), Diags: diags})
		total += len(diags)
	}

	if *outDir != "" {
		out, err := openOut(*outDir)
		if err != nil {
			return err
		}
		defer out.Close()
		if err := out.WriteDiags(report); err != nil {
			return fmt.Errorf("write diags.json: %w", err)
		}
	}
	if total > 0 {
		return fmt.Errorf("%d diagnostics in %d methods", total, len(report))
	}
	logf("%d methods verified", len(report))
	return nil
}
