package cmd

import (
	"context"
	"flag"
	"fmt"

	"github.com/google/subcommands"
)

// Replay is registered so `rd help` and shell completion show the
// command a trace is eventually played back with, but deterministic
// replay is not part of this engine: it only records (§ Non-goals).
// dump-trace and ps cover trace inspection without one.
type Replay struct{}

// Name implements subcommands.Command.Name.
func (*Replay) Name() string { return "replay" }

// Synopsis implements subcommands.Command.Synopsis.
func (*Replay) Synopsis() string { return "replay is not implemented by this build" }

// Usage implements subcommands.Command.Usage.
func (*Replay) Usage() string { return "replay <trace-dir>\n" }

// SetFlags implements subcommands.Command.SetFlags.
func (*Replay) SetFlags(f *flag.FlagSet) {}

// Execute implements subcommands.Command.Execute.
func (*Replay) Execute(ctx context.Context, f *flag.FlagSet, args ...any) subcommands.ExitStatus {
	fmt.Println("rd: replay is not implemented; use dump-trace or ps to inspect a recording")
	return subcommands.ExitFailure
}
