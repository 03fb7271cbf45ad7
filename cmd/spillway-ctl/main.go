package main

import (
	"encoding/json"
	"flag"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"text/tabwriter"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/gftdcojp/spillway/internal/types"
)

var version = "dev"

func main() {
	flag.Parse()

	args := flag.Args()
	if len(args) == 0 {
		printUsage()
		os.Exit(1)
	}

	switch args[0] {
	case "version":
		fmt.Printf("spillway-ctl %s\n", version)
	case "checkpoints":
		if len(args) < 2 {
			fmt.Fprintln(os.Stderr, "usage: spillway-ctl checkpoints <dir>")
			os.Exit(1)
		}
		cmdCheckpoints(args[1])
	case "checkpoint":
		if len(args) < 3 {
			fmt.Fprintln(os.Stderr, "usage: spillway-ctl checkpoint <dir> <id>")
			os.Exit(1)
		}
		cmdCheckpoint(args[1], args[2])
	case "errors":
		if len(args) < 2 {
			fmt.Fprintln(os.Stderr, "usage: spillway-ctl errors <dir>")
			os.Exit(1)
		}
		cmdErrors(args[1])
	default:
		fmt.Fprintf(os.Stderr, "unknown command: %s\n", args[0])
		printUsage()
		os.Exit(1)
	}
}

func printUsage() {
	fmt.Fprintln(os.Stderr, `spillway-ctl - checkpoint inspection CLI

Usage:
  spillway-ctl <command> [args]

Commands:
  checkpoints <dir>       List retained checkpoints in a checkpoint directory
  checkpoint <dir> <id>   Dump one checkpoint document
  errors <dir>            Show the error tail of the latest checkpoint
  version                 Show version`)
}

func loadCheckpoints(dir string) []types.CheckpointData {
	matches, err := filepath.Glob(filepath.Join(dir, "checkpoint_*.json"))
	if err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}

	var cps []types.CheckpointData
	for _, path := range matches {
		doc, err := os.ReadFile(path)
		if err != nil {
			fmt.Fprintf(os.Stderr, "warning: %v\n", err)
			continue
		}
		var cp types.CheckpointData
		if err := json.Unmarshal(doc, &cp); err != nil {
			fmt.Fprintf(os.Stderr, "warning: %s: %v\n", path, err)
			continue
		}
		cps = append(cps, cp)
	}
	sort.Slice(cps, func(i, j int) bool { return cps[i].Timestamp.Before(cps[j].Timestamp) })
	return cps
}

func cmdCheckpoints(dir string) {
	cps := loadCheckpoints(dir)
	if len(cps) == 0 {
		fmt.Println("no checkpoints")
		return
	}

	w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "ID\tAGE\tPHASE\tPROGRESS\tCHUNK\tERRORS")
	for _, cp := range cps {
		progress := humanize.IBytes(uint64(cp.Processed))
		if cp.Total > 0 {
			progress = fmt.Sprintf("%s / %s", progress, humanize.IBytes(uint64(cp.Total)))
		}
		fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%d\t%d\n",
			cp.ID,
			humanize.Time(cp.Timestamp),
			cp.Phase,
			progress,
			cp.ChunkIndex,
			len(cp.Errors),
		)
	}
	w.Flush()
}

func cmdCheckpoint(dir, id string) {
	path := filepath.Join(dir, id+".json")
	doc, err := os.ReadFile(path)
	if err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
	os.Stdout.Write(doc)
	fmt.Println()
}

func cmdErrors(dir string) {
	cps := loadCheckpoints(dir)
	if len(cps) == 0 {
		fmt.Println("no checkpoints")
		return
	}
	latest := cps[len(cps)-1]
	fmt.Printf("errors recorded up to %s (%s):\n",
		latest.ID, latest.Timestamp.Format(time.RFC3339))
	if len(latest.Errors) == 0 {
		fmt.Println("  none")
		return
	}
	for _, msg := range latest.Errors {
		fmt.Printf("  - %s\n", msg)
	}
}
