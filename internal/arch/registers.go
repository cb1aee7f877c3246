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

package arch

import (
	"unsafe"

	"golang.org/x/sys/unix"
)

// Registers is a general-purpose register snapshot for a traced task.
// It wraps unix.PtraceRegs (the host's native layout) rather than
// reinventing a struct, since the tracer always runs as an amd64
// process and GETREGS/SETREGS always operate on that layout regardless
// of whether the tracee is a 32- or 64-bit binary (the kernel
// zero/sign-extends as appropriate).
type Registers struct {
	arch Arch
	gp   unix.PtraceRegs
}

// Arch returns the tracee's calling convention.
func (r *Registers) Arch() Arch { return r.arch }

// SetArch sets the tracee's calling convention. ptrace.Launch sets
// X8664 for the initial tracee; the trace reader restores the value
// recorded with each frame.
func (r *Registers) SetArch(a Arch) { r.arch = a }

// Fetch reads the general-purpose registers of tid into r via
// PTRACE_GETREGS.
func (r *Registers) Fetch(tid int32) error {
	return unix.PtraceGetRegs(int(tid), &r.gp)
}

// Store writes r's general-purpose registers to tid via
// PTRACE_SETREGS.
func (r *Registers) Store(tid int32) error {
	return unix.PtraceSetRegs(int(tid), &r.gp)
}

// SyscallNo returns the syscall number the task is entering or has
// just exited, taking the original (pre-return-value) accumulator.
func (r *Registers) SyscallNo() uintptr {
	if r.arch == X8664 {
		return uintptr(r.gp.Orig_rax)
	}
	return uintptr(uint32(r.gp.Orig_rax))
}

// SetSyscallNo rewrites the syscall number about to be made, as used
// by the seccomp-trap skip rewrite (writing the magic skip number into
// the original-syscallno register).
func (r *Registers) SetSyscallNo(no uintptr) {
	r.gp.Orig_rax = uint64(no)
	r.gp.Rax = uint64(no)
}

// SyscallArgs returns the six syscall argument registers in the order
// of r's calling convention: rdi, rsi, rdx, r10, r8, r9 for X8664, and
// ebx, ecx, edx, esi, edi, ebp for X86.
func (r *Registers) SyscallArgs() SyscallArguments {
	if r.arch == X86 {
		return SyscallArguments{
			{Value: uintptr(uint32(r.gp.Rbx))},
			{Value: uintptr(uint32(r.gp.Rcx))},
			{Value: uintptr(uint32(r.gp.Rdx))},
			{Value: uintptr(uint32(r.gp.Rsi))},
			{Value: uintptr(uint32(r.gp.Rdi))},
			{Value: uintptr(uint32(r.gp.Rbp))},
		}
	}
	return SyscallArguments{
		{Value: uintptr(r.gp.Rdi)},
		{Value: uintptr(r.gp.Rsi)},
		{Value: uintptr(r.gp.Rdx)},
		{Value: uintptr(r.gp.R10)},
		{Value: uintptr(r.gp.R8)},
		{Value: uintptr(r.gp.R9)},
	}
}

// Return returns the syscall/function return value register.
func (r *Registers) Return() uintptr { return uintptr(r.gp.Rax) }

// SetReturn sets the syscall/function return value register.
func (r *Registers) SetReturn(v uintptr) { r.gp.Rax = uint64(v) }

// IP returns the current instruction pointer.
func (r *Registers) IP() uintptr { return uintptr(r.gp.Rip) }

// SetIP sets the current instruction pointer.
func (r *Registers) SetIP(v uintptr) { r.gp.Rip = uint64(v) }

// Stack returns the current stack pointer.
func (r *Registers) Stack() uintptr { return uintptr(r.gp.Rsp) }

// RestartSyscall reverses the instruction pointer by the width of the
// syscall instruction (2 bytes for "syscall", also 2 for "int 0x80"),
// so that resuming execution re-attempts the syscall from scratch.
func (r *Registers) RestartSyscall() {
	r.gp.Rip -= 2
	r.gp.Rax = r.gp.Orig_rax
}

// Raw returns a pointer to the underlying unix.PtraceRegs, for code
// that must hand the snapshot directly to a ptrace call or to the
// trace writer's frame encoder.
func (r *Registers) Raw() *unix.PtraceRegs { return &r.gp }

// ExtraRegisters holds the task's extended (x87/SSE) register file, a
// raw byte blob whose interpretation is architecture-specific; the
// tracer never needs to decode it, only to record and later restore it
// byte for byte.
type ExtraRegisters struct {
	data [512]byte // sizeof(struct user_fpregs_struct) on x86_64
}

// Bytes returns the raw extended-register blob.
func (e *ExtraRegisters) Bytes() []byte { return e.data[:] }

const ptraceGetFPRegs = 0xe
const ptraceSetFPRegs = 0xf

// Fetch reads the extended registers of tid via PTRACE_GETFPREGS.
func (e *ExtraRegisters) Fetch(tid int32) error {
	_, _, errno := unix.Syscall6(unix.SYS_PTRACE, ptraceGetFPRegs, uintptr(tid), 0, uintptr(unsafe.Pointer(&e.data[0])), 0, 0)
	if errno != 0 {
		return errno
	}
	return nil
}

// Store writes the extended registers of tid via PTRACE_SETFPREGS.
func (e *ExtraRegisters) Store(tid int32) error {
	_, _, errno := unix.Syscall6(unix.SYS_PTRACE, ptraceSetFPRegs, uintptr(tid), 0, uintptr(unsafe.Pointer(&e.data[0])), 0, 0)
	if errno != 0 {
		return errno
	}
	return nil
}
