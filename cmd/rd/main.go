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

// Command rd is the record engine's entrypoint.
package main

import (
	"github.com/rdebug/rd/cmd/rd/cli"
	"github.com/rdebug/rd/internal/ptrace"
)

func main() {
	// MaybeRunHelper must run before anything else: when this process
	// is the re-exec'd tracee helper internal/ptrace.Launch started,
	// it never returns.
	ptrace.MaybeRunHelper()
	cli.Main()
}
