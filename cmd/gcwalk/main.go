package main

import (
	"fmt"
	"os"
)

func main() {
	if len(os.Args) < 2 {
		usage()
		os.Exit(1)
	}

	var err error
	switch os.Args[1] {
	case "encode":
		err = cmdEncode(os.Args[2:])
	case "dump":
		err = cmdDump(os.Args[2:])
	case "verify":
		err = cmdVerify(os.Args[2:])
	case "walk":
		err = cmdWalk(os.Args[2:])
	case "collect":
		err = cmdCollect(os.Args[2:])
	case "finalize":
		err = cmdFinalize(os.Args[2:])
	case "hijack":
		err = cmdHijack(os.Args[2:])
	case "run":
		err = cmdRun(os.Args[2:])
	case "help", "-h", "--help":
		usage()
		os.Exit(0)
	default:
		fmt.Fprintf(stderr, "unknown command: %s\n", os.Args[1])
		usage()
		os.Exit(1)
	}

	if err != nil {
		errorf("error: %v\n", err)
		os.Exit(1)
	}
}

func usage() {
	fmt.Fprintf(stderr, `gcwalk: arm64 frame info and GC stack walk simulator

Usage:
  gcwalk encode   --scenario <file> --out <dir>          Encode frame info, write methods.json and blobs
  gcwalk dump     --scenario <file> [--method <name>]    Decode frame info and list prolog/epilog code
  gcwalk verify   --scenario <file> [--out <dir>]        Check method code against its frame info
  gcwalk walk     --scenario <file> [--json] [--out <dir>]  Walk every thread and print live references
  gcwalk collect  --scenario <file> [--gen <n>]          Collect from the stacks and run finalizers
  gcwalk finalize --script "<events>"                    Drive the finalizer wait state machine
  gcwalk hijack   --scenario <file> --thunk <addr>       Hijack a thread's return address and walk it
  gcwalk run      --scenario <file> --script <file>      Run collector API calls from a script

Flags:
  --scenario <file>     Scenario YAML
  --out <dir>           Output directory (locked while written)
  --max-frames <n>      Frame limit per walk
  --max-steps <n>       Instruction listing cap
  --capture <dir>       (walk) save stacks and a scenario that replays them
`)
}
