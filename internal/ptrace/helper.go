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

package ptrace

import (
	"fmt"
	"os"
	"os/exec"

	"golang.org/x/sys/unix"
)

// MaybeRunHelper must be the first statement of main(): for an
// ordinary invocation it returns immediately. When this process is the
// re-exec'd tracee helper Launch started, it instead installs the
// recording seccomp filter and execs into the real command, and never
// returns control to the rest of main.
//
// In the child, this function must do no more work than it has to
// between installing the filter and calling exec: once installed,
// every syscall this thread makes (including the exec itself) is
// reported to the tracer via PTRACE_EVENT_SECCOMP.
func MaybeRunHelper() {
	if os.Getenv(tracerHelperEnv) == "" {
		return
	}
	if len(os.Args) < 2 {
		fmt.Fprintln(os.Stderr, "rd: tracee helper started with no command to run")
		os.Exit(1)
	}

	path, err := exec.LookPath(os.Args[1])
	if err != nil {
		fmt.Fprintf(os.Stderr, "rd: %v\n", err)
		os.Exit(127)
	}
	env := stripHelperEnv(os.Environ())

	if errno := installTracingFilter(); errno != 0 {
		fmt.Fprintf(os.Stderr, "rd: install seccomp filter: %v\n", errno)
		os.Exit(1)
	}
	if err := unix.Exec(path, os.Args[1:], env); err != nil {
		fmt.Fprintf(os.Stderr, "rd: exec %s: %v\n", path, err)
		os.Exit(126)
	}
}

// stripHelperEnv removes tracerHelperEnv from env so the recorded
// program doesn't inherit it.
func stripHelperEnv(env []string) []string {
	prefix := tracerHelperEnv + "="
	out := env[:0:0]
	for _, kv := range env {
		if len(kv) >= len(prefix) && kv[:len(prefix)] == prefix {
			continue
		}
		out = append(out, kv)
	}
	return out
}
