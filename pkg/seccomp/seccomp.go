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

// Package seccomp builds classic-BPF seccomp programs. The API shape
// (RuleSet/SyscallRules/Rule/EqualTo/MatchAny/BuildProgram) matches how
// the teacher's sentry platforms construct the stub's self-filter; the
// package itself was not part of the retrieval pack, so it is rebuilt
// here from those call sites against the real seccomp(2)/BPF ABI.
package seccomp

import (
	"fmt"
	"unsafe"

	linux "github.com/rdebug/rd/pkg/abi/linux"
	"golang.org/x/sys/unix"
)

// seccompDataOffset locates fields of struct seccomp_data, as seen by
// the BPF program: { int nr; __u32 arch; __u64 instruction_pointer;
// __u64 args[6]; }.
const (
	seccompDataNR       = 0
	seccompDataArch     = 4
	seccompDataArgsBase = 16
)

// Operand matches one syscall argument word.
type Operand interface {
	// jumps returns the BPF instructions that test the 32-bit value
	// already loaded into the accumulator, jumping to "matched" (skip
	// count) on success.
	jumps(matched, unmatched uint8) []linux.BPFInstruction
}

// EqualTo matches an argument exactly.
type EqualTo uintptr

func (e EqualTo) jumps(matched, unmatched uint8) []linux.BPFInstruction {
	return []linux.BPFInstruction{
		{OpCode: linux.BPFJmp | linux.BPFJEq | linux.BPFK, K: uint32(e), JumpIfTrue: matched, JumpIfFalse: unmatched},
	}
}

// MatchAny matches any value for the argument.
type MatchAny struct{}

func (MatchAny) jumps(matched, unmatched uint8) []linux.BPFInstruction {
	if matched == 0 {
		return nil
	}
	return []linux.BPFInstruction{
		{OpCode: linux.BPFJmp | linux.BPFK, K: 0, JumpIfTrue: matched, JumpIfFalse: matched},
	}
}

// Rule is a list of per-argument operands; all must match.
type Rule []Operand

// SyscallRules maps a syscall number to the rules that permit it; an
// empty (non-nil) slice means "any arguments".
type SyscallRules map[uintptr][]Rule

// RuleSet pairs a set of syscall rules with the action to take when one
// matches.
type RuleSet struct {
	Rules  SyscallRules
	Action linux.BPFAction
}

// BuildProgram assembles a full seccomp-BPF program. A syscall whose
// architecture token does not match the host's gets badArchAction
// before any rule is consulted. Otherwise, for each ruleset in order,
// any syscall+argument match triggers that ruleset's action, and a
// syscall no rule matches gets defaultAction.
func BuildProgram(rules []RuleSet, defaultAction, badArchAction linux.BPFAction) ([]linux.BPFInstruction, error) {
	var prog []linux.BPFInstruction

	// Reject the wrong architecture outright.
	prog = append(prog,
		linux.BPFInstruction{OpCode: linux.BPFLd | linux.BPFW | linux.BPFAbs, K: seccompDataArch},
	)
	prog = append(prog,
		linux.BPFInstruction{OpCode: linux.BPFJmp | linux.BPFJEq | linux.BPFK, K: hostAuditArch(), JumpIfTrue: 1, JumpIfFalse: 0},
		linux.BPFInstruction{OpCode: linux.BPFRet | linux.BPFK, K: uint32(badArchAction)},
	)

	prog = append(prog, linux.BPFInstruction{OpCode: linux.BPFLd | linux.BPFW | linux.BPFAbs, K: seccompDataNR})

	for _, rs := range rules {
		for nr, ruleList := range rs.Rules {
			if len(ruleList) == 0 {
				ruleList = []Rule{nil}
			}
			for _, rule := range ruleList {
				instrs, err := buildRuleCheck(nr, rule, rs.Action)
				if err != nil {
					return nil, err
				}
				prog = append(prog, instrs...)
			}
		}
	}

	prog = append(prog, linux.BPFInstruction{OpCode: linux.BPFRet | linux.BPFK, K: uint32(defaultAction)})
	if len(prog) > 0xffff {
		return nil, fmt.Errorf("seccomp program too large: %d instructions", len(prog))
	}
	return prog, nil
}

// buildRuleCheck emits: if nr matches and every argument operand
// matches, return action; otherwise fall through to the next check
// (the accumulator still holds the syscall number on fallthrough).
func buildRuleCheck(nr uintptr, rule Rule, action linux.BPFAction) ([]linux.BPFInstruction, error) {
	// Build the argument checks back-to-front so each one's "unmatched"
	// jump can skip every check after it plus the ret-action, landing on
	// the syscall-number reload below; a match falls through.
	var argChecks []linux.BPFInstruction
	for i := len(rule) - 1; i >= 0; i-- {
		if rule[i] == nil {
			continue
		}
		load := linux.BPFInstruction{OpCode: linux.BPFLd | linux.BPFW | linux.BPFAbs, K: uint32(seccompDataArgsBase + i*8)}
		jumps := rule[i].jumps(0, uint8(len(argChecks)+1))
		tail := append([]linux.BPFInstruction{load}, jumps...)
		argChecks = append(tail, argChecks...)
	}

	// On a syscall-number mismatch, skip the argument checks and the
	// ret-action below.
	jf := uint8(len(argChecks)) + 1
	var out []linux.BPFInstruction
	out = append(out, linux.BPFInstruction{OpCode: linux.BPFJmp | linux.BPFJEq | linux.BPFK, K: uint32(nr), JumpIfTrue: 0, JumpIfFalse: jf})
	out = append(out, argChecks...)
	out = append(out, linux.BPFInstruction{OpCode: linux.BPFRet | linux.BPFK, K: uint32(action)})
	// Re-load the syscall number for the next rule's comparison.
	out = append(out, linux.BPFInstruction{OpCode: linux.BPFLd | linux.BPFW | linux.BPFAbs, K: seccompDataNR})
	return out, nil
}

func hostAuditArch() uint32 {
	if unsafe.Sizeof(uintptr(0)) == 8 {
		return linux.AUDIT_ARCH_X86_64
	}
	return linux.AUDIT_ARCH_I386
}

// sockFprog mirrors struct sock_fprog for the SECCOMP_SET_MODE_FILTER
// prctl/seccomp syscall argument.
type sockFprog struct {
	Len    uint16
	_      [6]byte // padding to align the pointer on amd64
	Filter uintptr
}

// SetFilterInChild sets the calling thread's no-new-privs bit and then
// installs instrs as its seccomp filter via PR_SET_SECCOMP (the caller
// is expected to be a freshly forked, single-threaded stub). It makes
// only raw syscalls.
//
//go:norace
func SetFilterInChild(instrs []linux.BPFInstruction) unix.Errno {
	if _, _, errno := unix.RawSyscall(unix.SYS_PRCTL, unix.PR_SET_NO_NEW_PRIVS, 1, 0); errno != 0 {
		return errno
	}
	prog := sockFprog{
		Len:    uint16(len(instrs)),
		Filter: uintptr(unsafe.Pointer(&instrs[0])),
	}
	_, _, errno := unix.RawSyscall(unix.SYS_PRCTL, unix.PR_SET_SECCOMP, uintptr(SECCOMP_MODE_FILTER), uintptr(unsafe.Pointer(&prog)))
	return errno
}

// SECCOMP_MODE_FILTER is the PR_SET_SECCOMP mode installing a BPF
// filter (as opposed to SECCOMP_MODE_STRICT).
const SECCOMP_MODE_FILTER = 2
