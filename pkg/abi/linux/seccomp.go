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

// Package linux holds the small subset of Linux UAPI constants and
// structures the tracer needs: seccomp-BPF actions/instructions, the
// audit architecture tokens stamped into a synthesized SIGSYS, and the
// siginfo _sigsys payload the kernel uses for seccomp traps.
package linux

// BPFAction is a seccomp filter return value (SECCOMP_RET_*).
type BPFAction uint32

// Seccomp filter return actions, from include/uapi/linux/seccomp.h.
const (
	SECCOMP_RET_KILL_PROCESS BPFAction = 0x80000000
	SECCOMP_RET_KILL_THREAD  BPFAction = 0x00000000
	SECCOMP_RET_TRAP         BPFAction = 0x00030000
	SECCOMP_RET_ERRNO        BPFAction = 0x00050000
	SECCOMP_RET_TRACE        BPFAction = 0x7ff00000
	SECCOMP_RET_ALLOW        BPFAction = 0x7fff0000
)

// BPFInstruction is a classic BPF instruction (struct sock_filter).
type BPFInstruction struct {
	OpCode   uint16
	JumpIfTrue  uint8
	JumpIfFalse uint8
	K        uint32
}

// Classic BPF opcodes used to build seccomp filters.
const (
	BPFLd    = 0x00
	BPFW     = 0x00
	BPFAbs   = 0x20
	BPFJmp   = 0x05
	BPFJEq   = 0x10
	BPFJGE   = 0x30
	BPFJGT   = 0x20
	BPFK     = 0x00
	BPFRet   = 0x06
	BPFAnd   = 0x50
)

// Audit architecture tokens, from include/uapi/linux/audit.h. Stamped
// into the synthetic SIGSYS si_arch so replay can pick the right
// syscall table.
const (
	AUDIT_ARCH_I386   = 0x40000003
	AUDIT_ARCH_X86_64 = 0xc000003e
)

// SYS_SECCOMP is the si_code value the kernel uses for a seccomp-trap
// signal (SIGSYS) delivered because of a RET_TRAP/RET_TRACE filter
// action.
const SYS_SECCOMP = 1

// SigSysInfo mirrors the _sigsys arm of Linux's siginfo_t union that is
// populated for a seccomp-triggered SIGSYS.
type SigSysInfo struct {
	CallAddr uintptr
	Syscall  int32
	Arch     uint32
}
