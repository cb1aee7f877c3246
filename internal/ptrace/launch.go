// Copyright 2018 The gVisor Authors.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

//go:build linux
// +build linux

// Package ptrace launches the command a recording traces and attaches
// to it, installing the seccomp filter that routes every syscall
// through PTRACE_EVENT_SECCOMP before the target's own image ever
// runs (§4 "Launch"). Grounded on subprocess_linux.go's
// createStub/attachedThread/forkStub shape (a seccomp filter built
// with pkg/seccomp and installed in the child before it starts
// running the traced program), generalized from gVisor's pooled
// sandbox-stub subprocess to a single ordinary tracee, and on the
// fork-then-SysProcAttr.Ptrace idiom the retrieval pack's standalone
// ptrace library (b0584c49_eaburns-ptrace) uses for the same job.
package ptrace

import (
	"fmt"
	"os"
	"syscall"

	"golang.org/x/sys/unix"

	"github.com/rdebug/rd/internal/arch"
	"github.com/rdebug/rd/internal/sighandlers"
	"github.com/rdebug/rd/internal/task"
	linux "github.com/rdebug/rd/pkg/abi/linux"
	"github.com/rdebug/rd/pkg/seccomp"
)

// tracerHelperEnv, when set in the child's environment, marks a
// re-exec of this same binary as the tracee helper: a short-lived
// process whose only job is to install the recording seccomp filter
// and then exec into the real command (see helper.go). Go's
// os/exec gives no hook to run code between fork and exec, so this
// re-exec stands in for the raw clone-then-child-side-setup the
// teacher's forkStub performs directly.
const tracerHelperEnv = "RD_TRACEE_HELPER"

// ptraceOptions is armed on the tracee once attached: TRACESYSGOOD
// tags syscall-stops so they can be told apart from an ordinary trap,
// TRACESECCOMP delivers the seccomp-filter stop internal/seccomptrap
// handles, TRACEEXIT reports a task's last instants before it dies,
// and EXITKILL kills the tracee if this tracer dies without detaching.
const ptraceOptions = unix.PTRACE_O_TRACESYSGOOD | unix.PTRACE_O_TRACESECCOMP | unix.PTRACE_O_TRACEEXIT | unix.PTRACE_O_EXITKILL

// Launch starts argv[0] with the remaining elements as its arguments
// and envp as its environment, traced from the very first instruction
// of its own image. It returns once the target has stopped there,
// with the recording seccomp filter already installed.
//
// Precondition: the calling goroutine's OS thread must already be
// locked (runtime.LockOSThread) and must remain the one that issues
// every later ptrace request against the returned task and any task
// it subsequently creates: Linux requires all of them to originate
// from the thread that attached.
func Launch(argv, envp []string) (*task.Task, error) {
	if len(argv) == 0 {
		return nil, fmt.Errorf("launch: empty command")
	}

	self, err := os.Executable()
	if err != nil {
		return nil, fmt.Errorf("resolve tracer executable: %w", err)
	}

	helperArgv := append([]string{self}, argv...)
	helperEnv := append(append([]string(nil), envp...), tracerHelperEnv+"=1")

	proc, err := os.StartProcess(self, helperArgv, &os.ProcAttr{
		Env:   helperEnv,
		Files: []*os.File{os.Stdin, os.Stdout, os.Stderr},
		Sys: &syscall.SysProcAttr{
			Ptrace:    true,
			Setsid:    true,
			Pdeathsig: unix.SIGKILL,
		},
	})
	if err != nil {
		return nil, fmt.Errorf("start tracee helper: %w", err)
	}
	tid := int32(proc.Pid)

	if _, err := waitStopped(tid, unix.SIGSTOP); err != nil {
		return nil, fmt.Errorf("wait for pre-exec stop: %w", err)
	}
	if err := unix.PtraceSetOptions(int(tid), ptraceOptions); err != nil {
		return nil, fmt.Errorf("set ptrace options: %w", err)
	}

	// The helper re-execs itself; the filter isn't installed yet, so
	// this is an ordinary exec-stop rather than a seccomp trap.
	if err := unix.PtraceCont(int(tid), 0); err != nil {
		return nil, fmt.Errorf("continue past pre-exec stop: %w", err)
	}
	if _, err := waitStopped(tid, unix.SIGTRAP); err != nil {
		return nil, fmt.Errorf("wait for helper exec stop: %w", err)
	}

	// Let the helper install the filter and exec the real command.
	// That execve is itself the filter's first trapped syscall;
	// resume it unmodified and wait for the stop it actually produces.
	if err := unix.PtraceCont(int(tid), 0); err != nil {
		return nil, fmt.Errorf("continue into helper: %w", err)
	}
	status, err := wait4(tid)
	if err != nil {
		return nil, fmt.Errorf("wait for target exec: %w", err)
	}
	if status.Stopped() && status.StopSignal() == unix.SIGTRAP && status.TrapCause() == unix.PTRACE_EVENT_SECCOMP {
		if err := unix.PtraceCont(int(tid), 0); err != nil {
			return nil, fmt.Errorf("continue past target execve trap: %w", err)
		}
		status, err = wait4(tid)
		if err != nil {
			return nil, fmt.Errorf("wait for target exec stop: %w", err)
		}
	}
	if !status.Stopped() || status.StopSignal() != unix.SIGTRAP {
		return nil, fmt.Errorf("tracee %d: expected target exec stop, got %v", tid, status)
	}

	group := &task.ThreadGroup{Tgid: tid, Handlers: sighandlers.New()}
	t := task.New(tid, tid, 1, group)
	if err := t.DidWaitpid(status); err != nil {
		return nil, fmt.Errorf("reconcile initial stop: %w", err)
	}
	t.Regs.SetArch(arch.X8664)
	return t, nil
}

// waitStopped waits for tid's next stop and requires it to report
// want as its stop signal.
func waitStopped(tid int32, want unix.Signal) (unix.WaitStatus, error) {
	status, err := wait4(tid)
	if err != nil {
		return 0, err
	}
	if !status.Stopped() || status.StopSignal() != want {
		return 0, fmt.Errorf("tracee %d: expected stop signal %v, got %v", tid, want, status)
	}
	return status, nil
}

func wait4(tid int32) (unix.WaitStatus, error) {
	var status unix.WaitStatus
	for {
		_, err := unix.Wait4(int(tid), &status, 0, nil)
		if err == unix.EINTR {
			continue
		}
		if err != nil {
			return 0, fmt.Errorf("wait4(%d): %w", tid, err)
		}
		return status, nil
	}
}

// tracingProgram builds the filter every recorded tracee runs under:
// no syscall is special-cased, so every one of them reports
// PTRACE_EVENT_SECCOMP for internal/seccomptrap to resolve (§4.3). A
// tracee running under the wrong audit architecture is killed outright
// rather than silently recorded with the wrong syscall table.
func tracingProgram() ([]linux.BPFInstruction, error) {
	return seccomp.BuildProgram(nil, linux.SECCOMP_RET_TRACE, linux.SECCOMP_RET_KILL_PROCESS)
}

// installTracingFilter installs tracingProgram in the calling thread,
// which must be the about-to-exec tracee helper (see helper.go).
func installTracingFilter() unix.Errno {
	instrs, err := tracingProgram()
	if err != nil {
		// BuildProgram only fails once the program exceeds the 64k BPF
		// instruction limit; a fixed, rule-free program never does.
		panic(err)
	}
	return seccomp.SetFilterInChild(instrs)
}
