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

// Launch itself needs real ptrace/seccomp privileges and a forked
// child to exercise end to end, so this file covers the pure-function
// halves only: the BPF program shape and the re-exec environment
// scrubbing. The teacher's own platform/ptrace package is untested the
// same way, for the same reason.
package ptrace

import (
	"testing"

	linux "github.com/rdebug/rd/pkg/abi/linux"
)

func TestTracingProgramDefaultsToTrace(t *testing.T) {
	instrs, err := tracingProgram()
	if err != nil {
		t.Fatalf("tracingProgram: %v", err)
	}
	if len(instrs) == 0 {
		t.Fatalf("expected a non-empty BPF program")
	}
	last := instrs[len(instrs)-1]
	if last.OpCode != linux.BPFRet|linux.BPFK {
		t.Fatalf("expected the final instruction to be a return, got opcode %#x", last.OpCode)
	}
	if linux.BPFAction(last.K) != linux.SECCOMP_RET_TRACE {
		t.Fatalf("expected the default action to be SECCOMP_RET_TRACE, got %#x", last.K)
	}
}

func TestStripHelperEnvRemovesOnlyTheMarker(t *testing.T) {
	in := []string{"PATH=/bin", tracerHelperEnv + "=1", "HOME=/root"}
	out := stripHelperEnv(in)
	if len(out) != 2 {
		t.Fatalf("expected 2 entries after stripping, got %d: %v", len(out), out)
	}
	for _, kv := range out {
		if kv == tracerHelperEnv+"=1" {
			t.Fatalf("expected %s to be removed, still present in %v", tracerHelperEnv, out)
		}
	}
}

func TestStripHelperEnvLeavesOthersUntouched(t *testing.T) {
	in := []string{"PATH=/bin", "HOME=/root"}
	out := stripHelperEnv(in)
	if len(out) != len(in) {
		t.Fatalf("expected env without the marker to be untouched, got %v", out)
	}
}
