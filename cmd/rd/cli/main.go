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

// Package cli is the main entrypoint for rd, in the shape of
// runsc/cli: register every subcommand, parse flags into a Config, set
// up logging, then hand off to subcommands.Execute.
package cli

import (
	"context"
	"flag"
	"fmt"
	"io"
	"os"

	"github.com/google/subcommands"

	rdcmd "github.com/rdebug/rd/cmd/rd/cmd"
	"github.com/rdebug/rd/internal/config"
	"github.com/rdebug/rd/pkg/log"
)

// Main is rd's entrypoint, called from main() after MaybeRunHelper has
// had its chance to re-exec into a tracee.
func Main() {
	subcommands.Register(subcommands.HelpCommand(), "")
	subcommands.Register(subcommands.FlagsCommand(), "")
	subcommands.Register(subcommands.CommandsCommand(), "")

	subcommands.Register(new(rdcmd.Record), "")
	subcommands.Register(new(rdcmd.Replay), "")

	const debugGroup = "debug"
	subcommands.Register(new(rdcmd.DumpTrace), debugGroup)
	subcommands.Register(new(rdcmd.PS), debugGroup)

	conf := config.Default()
	conf.RegisterFlags(flag.CommandLine)
	flag.Parse()

	if conf.OptionsFile != "" {
		if err := conf.LoadOptionsFile(conf.OptionsFile); err != nil {
			fmt.Fprintf(os.Stderr, "rd: %v\n", err)
			os.Exit(int(subcommands.ExitFailure))
		}
	}
	conf.ApplyEnv()

	var target io.Writer = os.Stderr
	if conf.LogFile != "" {
		f, err := os.OpenFile(conf.LogFile, os.O_WRONLY|os.O_CREATE|os.O_APPEND, 0644)
		if err != nil {
			fmt.Fprintf(os.Stderr, "rd: open log file %q: %v\n", conf.LogFile, err)
			os.Exit(int(subcommands.ExitFailure))
		}
		target = f
	}
	w := &log.Writer{Next: target}
	if conf.LogBuffer > 0 {
		w.SetBufferSize(conf.LogBuffer)
	}
	log.SetTarget(newEmitter(conf.LogFormat, w))

	os.Exit(int(subcommands.Execute(context.Background(), &conf)))
}

func newEmitter(format string, w *log.Writer) log.Emitter {
	switch format {
	case "json":
		return log.JSONEmitter{w}
	case "text", "":
		return log.GoogleEmitter{w}
	default:
		fmt.Fprintf(os.Stderr, "rd: invalid log format %q, must be 'text' or 'json'\n", format)
		os.Exit(int(subcommands.ExitUsageError))
		panic("unreachable")
	}
}
