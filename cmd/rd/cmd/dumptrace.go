package cmd

import (
	"context"
	"flag"
	"fmt"
	"io"
	"os"

	"github.com/google/subcommands"

	"github.com/rdebug/rd/internal/event"
	"github.com/rdebug/rd/internal/trace"
)

// DumpTrace implements `rd dump-trace <trace-dir>`, a debug command
// that walks a recorded trace's event stream frame by frame without
// standing up a replay engine.
type DumpTrace struct {
	withRegs bool
}

// Name implements subcommands.Command.Name.
func (*DumpTrace) Name() string { return "dump-trace" }

// Synopsis implements subcommands.Command.Synopsis.
func (*DumpTrace) Synopsis() string { return "print a recorded trace's frames" }

// Usage implements subcommands.Command.Usage.
func (*DumpTrace) Usage() string { return "dump-trace [-regs] <trace-dir>\n" }

// SetFlags implements subcommands.Command.SetFlags.
func (d *DumpTrace) SetFlags(f *flag.FlagSet) {
	f.BoolVar(&d.withRegs, "regs", false, "print the instruction pointer for frames that recorded registers.")
}

// Execute implements subcommands.Command.Execute.
func (d *DumpTrace) Execute(ctx context.Context, f *flag.FlagSet, args ...any) subcommands.ExitStatus {
	if f.NArg() != 1 {
		fmt.Fprint(os.Stderr, d.Usage())
		return subcommands.ExitUsageError
	}

	r, err := trace.OpenReader(f.Arg(0))
	if err != nil {
		fmt.Fprintf(os.Stderr, "rd: %v\n", err)
		return subcommands.ExitFailure
	}
	defer r.Close()

	fmt.Printf("uuid: %x\n", r.UUID())
	for i := 0; ; i++ {
		frame, err := r.Next()
		if err == io.EOF {
			break
		}
		if err != nil {
			fmt.Fprintf(os.Stderr, "rd: decode frame %d: %v\n", i, err)
			return subcommands.ExitFailure
		}
		d.printFrame(i, frame)
	}
	return subcommands.ExitSuccess
}

func (d *DumpTrace) printFrame(i int, frame trace.Frame) {
	fmt.Printf("%6d t=%-10d tid=%-8d %s", i, frame.Time, frame.Tid, frame.Event.Kind)
	switch frame.Event.Kind {
	case event.Syscall:
		fmt.Printf(" nr=%d state=%d", frame.Event.Syscall.Number, frame.Event.Syscall.State)
	case event.SignalDelivery, event.SignalHandlerEntry:
		fmt.Printf(" signo=%d deterministic=%t", frame.Event.Signal.Signo, frame.Event.Signal.Deterministic)
	}
	if d.withRegs && frame.Regs != nil {
		fmt.Printf(" ip=%#x", frame.Regs.IP())
	}
	fmt.Println()
}
