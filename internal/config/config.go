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

// Package config holds the flags and environment variables that
// configure one invocation of the recorder, populated the way
// runsc/config.Config is populated from a flag.FlagSet, plus an
// optional --options-file TOML overlay for scripted invocations (§6).
package config

import (
	"flag"
	"fmt"
	"os"

	"github.com/BurntSushi/toml"
)

// Config is every knob a record invocation can be configured with.
type Config struct {
	// Args is the command and arguments of the tracee to record.
	Args []string
	// TraceDir is where the trace is written; empty selects a default
	// under the user's trace directory.
	TraceDir string
	// OptionsFile, if set, is a TOML file overlaying these fields,
	// applied after flags: flags parse first, then LoadOptionsFile
	// fills in only the fields the file sets, so a key present in the
	// file takes precedence over the matching command-line flag.
	OptionsFile string

	UseSyscallBuffer bool
	SyscallBufferSize uint
	EnableChaos      bool
	ChaosSeed        int64
	WaitForAll       bool
	MaxTicks         uint64

	// Logging, matching RD_LOG/RD_LOG_FILE/RD_LOG_BUFFER's scope so a
	// --options-file can pin a logging setup for a reproducible test
	// run without exporting shell environment variables.
	LogFile   string
	LogFormat string
	LogBuffer int
}

// tomlConfig mirrors the subset of Config that may be expressed as
// TOML keys; [Args] is intentionally excluded, since the options file
// configures how to record, not what.
type tomlConfig struct {
	TraceDir          *string `toml:"trace_dir"`
	UseSyscallBuffer  *bool   `toml:"use_syscall_buffer"`
	SyscallBufferSize *uint   `toml:"syscall_buffer_size"`
	EnableChaos       *bool   `toml:"enable_chaos"`
	ChaosSeed         *int64  `toml:"chaos_seed"`
	WaitForAll        *bool   `toml:"wait_for_all"`
	MaxTicks          *uint64 `toml:"max_ticks"`
	LogFile           *string `toml:"log_file"`
	LogFormat         *string `toml:"log_format"`
	LogBuffer         *int    `toml:"log_buffer"`
}

// Default returns a Config with the same defaults `rd record` uses
// when no flags or options file override them.
func Default() Config {
	return Config{
		UseSyscallBuffer:  true,
		SyscallBufferSize: 1 << 20,
		MaxTicks:          2000,
		LogFormat:         "text",
	}
}

// RegisterFlags registers fs's flags into c, following the shape of
// runsc/config.RegisterFlags: each flag's default is read from c so a
// caller can seed Default() or a previously-loaded options file before
// registering.
func (c *Config) RegisterFlags(fs *flag.FlagSet) {
	fs.StringVar(&c.TraceDir, "trace-dir", c.TraceDir, "directory to write the trace to; default picks one under the trace root.")
	fs.StringVar(&c.OptionsFile, "options-file", c.OptionsFile, "TOML file overlaying these flags for scripted invocations.")
	fs.BoolVar(&c.UseSyscallBuffer, "syscall-buffer", c.UseSyscallBuffer, "preload the syscall-buffering library into the tracee.")
	fs.UintVar(&c.SyscallBufferSize, "syscall-buffer-size", c.SyscallBufferSize, "size in bytes of the per-task syscall buffer.")
	fs.BoolVar(&c.EnableChaos, "chaos", c.EnableChaos, "perturb scheduling to surface more timing-dependent bugs.")
	fs.Int64Var(&c.ChaosSeed, "chaos-seed", c.ChaosSeed, "seed for chaos-mode scheduling perturbation; 0 picks one at record time.")
	fs.BoolVar(&c.WaitForAll, "wait-for-all", c.WaitForAll, "wait for every tracee to exit before finishing the recording.")
	fs.Uint64Var(&c.MaxTicks, "max-ticks", c.MaxTicks, "maximum ticks a task may run before the scheduler considers switching.")
	fs.StringVar(&c.LogFile, "log", c.LogFile, "file path where internal debug information is written, default is stderr.")
	fs.StringVar(&c.LogFormat, "log-format", c.LogFormat, "log format: text (default) or json.")
	fs.IntVar(&c.LogBuffer, "log-buffer", c.LogBuffer, "log write-buffer size in bytes; 0 disables buffering.")
}

// LoadOptionsFile overlays path's TOML keys onto c, leaving any field
// the file doesn't mention untouched. Call after flag.Parse so an
// --options-file still composes with any flags the caller also passed.
func (c *Config) LoadOptionsFile(path string) error {
	var t tomlConfig
	if _, err := toml.DecodeFile(path, &t); err != nil {
		return fmt.Errorf("decode options file %s: %w", path, err)
	}

	if t.TraceDir != nil {
		c.TraceDir = *t.TraceDir
	}
	if t.UseSyscallBuffer != nil {
		c.UseSyscallBuffer = *t.UseSyscallBuffer
	}
	if t.SyscallBufferSize != nil {
		c.SyscallBufferSize = *t.SyscallBufferSize
	}
	if t.EnableChaos != nil {
		c.EnableChaos = *t.EnableChaos
	}
	if t.ChaosSeed != nil {
		c.ChaosSeed = *t.ChaosSeed
	}
	if t.WaitForAll != nil {
		c.WaitForAll = *t.WaitForAll
	}
	if t.MaxTicks != nil {
		c.MaxTicks = *t.MaxTicks
	}
	if t.LogFile != nil {
		c.LogFile = *t.LogFile
	}
	if t.LogFormat != nil {
		c.LogFormat = *t.LogFormat
	}
	if t.LogBuffer != nil {
		c.LogBuffer = *t.LogBuffer
	}
	return nil
}

// ApplyEnv overlays the handful of environment variables the original
// tool honors that bear on Config, such as RD_LOG_FILE (onto LogFile)
// and RD_TRACE_DIR (onto TraceDir). RD_LOG and RD_LOG_BUFFER are read
// by pkg/log's Configure instead.
func (c *Config) ApplyEnv() {
	if v := os.Getenv("RD_LOG_FILE"); v != "" {
		c.LogFile = v
	}
	if v := os.Getenv("RD_TRACE_DIR"); v != "" {
		c.TraceDir = v
	}
}

// childEnv marks the tracee environment the same way RecordSession::create
// does: RUNNING_UNDER_RD lets libraries and test suites detect they are
// being recorded.
func childEnv(base []string) []string {
	return append(append([]string(nil), base...), "RUNNING_UNDER_RD=1")
}

// ResolveTraceDir fills in TraceDir with a fresh directory under the
// user's trace root if the caller (flags, options file, RD_TRACE_DIR)
// left it unset.
func (c *Config) ResolveTraceDir() error {
	if c.TraceDir != "" {
		return nil
	}
	root, err := os.UserCacheDir()
	if err != nil {
		root = os.TempDir()
	}
	root = root + "/rd-traces"
	if err := os.MkdirAll(root, 0755); err != nil {
		return fmt.Errorf("create trace root %s: %w", root, err)
	}
	dir, err := os.MkdirTemp(root, "")
	if err != nil {
		return fmt.Errorf("create trace dir under %s: %w", root, err)
	}
	c.TraceDir = dir
	return nil
}

// ChildEnviron returns the environment to launch the tracee with,
// starting from the tracer's own environment and layering on the
// record-time markers the original sets (§6, DIFF NOTE in
// record_session.rs's create()).
func ChildEnviron() []string {
	return childEnv(os.Environ())
}
