package cmd

import (
	"context"
	"flag"
	"fmt"
	"io"
	"os"
	"sort"

	"github.com/google/subcommands"

	"github.com/rdebug/rd/internal/event"
	"github.com/rdebug/rd/internal/trace"
)

// PS implements `rd ps <trace-dir>`, listing the distinct tids a
// recording observed and how many frames each one produced, the
// closest dump-trace/ps get to a process table without a live replay.
type PS struct{}

// Name implements subcommands.Command.Name.
func (*PS) Name() string { return "ps" }

// Synopsis implements subcommands.Command.Synopsis.
func (*PS) Synopsis() string { return "list the tasks present in a recorded trace" }

// Usage implements subcommands.Command.Usage.
func (*PS) Usage() string { return "ps <trace-dir>\n" }

// SetFlags implements subcommands.Command.SetFlags.
func (*PS) SetFlags(f *flag.FlagSet) {}

type taskSummary struct {
	tid    int32
	frames int
	exited bool
}

// Execute implements subcommands.Command.Execute.
func (*PS) Execute(ctx context.Context, f *flag.FlagSet, args ...any) subcommands.ExitStatus {
	if f.NArg() != 1 {
		fmt.Fprint(os.Stderr, new(PS).Usage())
		return subcommands.ExitUsageError
	}

	r, err := trace.OpenReader(f.Arg(0))
	if err != nil {
		fmt.Fprintf(os.Stderr, "rd: %v\n", err)
		return subcommands.ExitFailure
	}
	defer r.Close()

	tasks := map[int32]*taskSummary{}
	for {
		frame, err := r.Next()
		if err == io.EOF {
			break
		}
		if err != nil {
			fmt.Fprintf(os.Stderr, "rd: %v\n", err)
			return subcommands.ExitFailure
		}
		s, ok := tasks[frame.Tid]
		if !ok {
			s = &taskSummary{tid: frame.Tid}
			tasks[frame.Tid] = s
		}
		s.frames++
		if frame.Event.Kind == event.Exit {
			s.exited = true
		}
	}

	tids := make([]int32, 0, len(tasks))
	for tid := range tasks {
		tids = append(tids, tid)
	}
	sort.Slice(tids, func(i, j int) bool { return tids[i] < tids[j] })

	fmt.Printf("%-10s %-10s %s\n", "TID", "FRAMES", "STATE")
	for _, tid := range tids {
		s := tasks[tid]
		state := "running"
		if s.exited {
			state = "exited"
		}
		fmt.Printf("%-10d %-10d %s\n", s.tid, s.frames, state)
	}
	return subcommands.ExitSuccess
}
