// Package cmd implements rd's subcommands, in the shape of runsc/cmd:
// one exported type per subcommand, each a subcommands.Command.
package cmd

import (
	"context"
	"flag"
	"fmt"
	"runtime"

	"github.com/google/subcommands"
	"golang.org/x/sys/unix"

	"github.com/rdebug/rd/internal/config"
	"github.com/rdebug/rd/internal/ptrace"
	"github.com/rdebug/rd/internal/session"
	"github.com/rdebug/rd/pkg/log"
)

// lockOSThread pins the calling goroutine to its current OS thread for
// the remainder of the process, since every ptrace call a recording
// makes must come from the same thread that attached to the tracee.
func lockOSThread() { runtime.LockOSThread() }

// defaultDeschedSig is the real-time signal the syscall-buffer desched
// counter and the scheduler's tick-overflow counter both deliver on.
// SIGRTMIN is reserved by glibc for its own bookkeeping (pthread
// cancellation), so this picks the dedicated slot the original
// recorder uses for the same purpose rather than colliding with it;
// any tracee that installs its own handler on this signal cannot be
// recorded faithfully, the same restriction the original documents.
const defaultDeschedSig = unix.Signal(34 + 2) // SIGRTMIN+2

// Record implements the default `rd record -- <command> [args...]`
// subcommand: launch and trace a new process, recording its execution
// until every traced task has exited (§3 "Session", §4 "Launch").
type Record struct{}

// Name implements subcommands.Command.Name.
func (*Record) Name() string { return "record" }

// Synopsis implements subcommands.Command.Synopsis.
func (*Record) Synopsis() string { return "record a traced execution of a command" }

// Usage implements subcommands.Command.Usage.
func (*Record) Usage() string {
	return "record [flags] -- <command> [args...]\n"
}

// SetFlags implements subcommands.Command.SetFlags. record's own flags
// are already registered onto the global FlagSet by cli.Main, since
// they're shared with every subcommand (trace directory, syscall
// buffering, chaos mode); record takes no flags of its own.
func (*Record) SetFlags(f *flag.FlagSet) {}

// Execute implements subcommands.Command.Execute.
func (*Record) Execute(ctx context.Context, f *flag.FlagSet, args ...any) subcommands.ExitStatus {
	conf, ok := args[0].(*config.Config)
	if !ok || len(f.Args()) == 0 {
		fmt.Print(new(Record).Usage())
		return subcommands.ExitUsageError
	}
	argv := f.Args()

	if err := conf.ResolveTraceDir(); err != nil {
		log.Errorf("resolve trace dir: %v", err)
		return subcommands.ExitFailure
	}

	// Every ptrace request against a task must come from the OS
	// thread that attached to it; lock this goroutine to its thread
	// for the life of the recording and never release it (§4
	// "Launch").
	lockOSThread()

	t, err := ptrace.Launch(argv, config.ChildEnviron())
	if err != nil {
		log.Errorf("launch: %v", err)
		return subcommands.ExitFailure
	}

	sess, err := session.New(session.Options{
		TraceDir:         conf.TraceDir,
		UseSyscallBuffer: conf.UseSyscallBuffer,
		EnableChaos:      conf.EnableChaos,
		WaitForAll:       conf.WaitForAll,
		MaxTicks:         conf.MaxTicks,
		DeschedSig:       defaultDeschedSig,
		ChaosSeed:        conf.ChaosSeed,
	})
	if err != nil {
		log.Errorf("open session: %v", err)
		return subcommands.ExitFailure
	}
	sess.AddTask(t)

	for {
		result, err := sess.RecordStep()
		if err != nil {
			log.Errorf("record step: %v", err)
			if cerr := sess.TerminateRecording(); cerr != nil {
				log.Errorf("terminate recording: %v", cerr)
			}
			return subcommands.ExitFailure
		}
		if result == session.StepExited {
			break
		}
	}

	if err := sess.TerminateRecording(); err != nil {
		log.Errorf("terminate recording: %v", err)
		return subcommands.ExitFailure
	}
	log.Infof("recording complete: %x", sess.TraceWriter().UUID())
	return subcommands.ExitSuccess
}
