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

// Package arch provides architecture-dependent register access for
// traced tasks: general and extended register snapshots, syscall
// calling-convention decoding, and syscall-restart rewriting. Every
// register-layout-sensitive operation is parameterized by an Arch tag
// and dispatches at call time; there is no per-arch build tag split
// because both supported tags (x86, x86_64) are valid on an amd64 host
// kernel simultaneously (a 32-bit tracee can run under a 64-bit
// tracer).
package arch

import "fmt"

// Arch identifies the instruction set a traced task is executing in.
type Arch int

const (
	// X86 is the 32-bit (ia32) calling convention.
	X86 Arch = iota
	// X8664 is the 64-bit (x86-64) calling convention.
	X8664
)

// String implements fmt.Stringer.
func (a Arch) String() string {
	switch a {
	case X86:
		return "x86"
	case X8664:
		return "x86_64"
	default:
		return fmt.Sprintf("Arch(%d)", int(a))
	}
}

// SyscallArgument is one argument slot of a syscall, addressable by its
// C-type accessor the way the teacher's arch package exposes them.
type SyscallArgument struct {
	Value uintptr
}

// Int returns the int32 representation of a 32-bit signed argument.
func (a SyscallArgument) Int() int32 { return int32(a.Value) }

// Uint returns the uint32 representation of a 32-bit unsigned argument.
func (a SyscallArgument) Uint() uint32 { return uint32(a.Value) }

// SizeT returns the uint representation of a size_t argument.
func (a SyscallArgument) SizeT() uint { return uint(a.Value) }

// SyscallArguments is the full six-slot argument vector of a syscall.
type SyscallArguments [6]SyscallArgument
