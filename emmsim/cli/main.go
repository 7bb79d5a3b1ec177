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

// Package cli is the main entrypoint for emmsim.
package cli

import (
	"context"
	"flag"
	"io"
	"os"

	"enclave.dev/emm/emmsim/cmd"
	"enclave.dev/emm/emmsim/config"
	"enclave.dev/emm/pkg/log"
	"github.com/google/subcommands"
	"github.com/sirupsen/logrus"
)

// Main is the main entrypoint.
func Main() {
	// Register all commands.
	forEachCmd(subcommands.Register)

	// Register with the main command line.
	config.RegisterFlags(flag.CommandLine)

	// All subcommands must be registered before flag parsing.
	flag.Parse()

	conf, err := config.NewFromFlags(flag.CommandLine)
	if err != nil {
		cmd.Fatalf("%v", err)
	}

	var logFile io.Writer = os.Stderr
	if conf.Log.File != "" {
		f, err := os.OpenFile(conf.Log.File, os.O_WRONLY|os.O_CREATE|os.O_APPEND, 0644)
		if err != nil {
			cmd.Fatalf("error opening log file %q: %v", conf.Log.File, err)
		}
		logFile = f
	}
	log.SetTarget(newEmitter(conf.Log.Format, logFile))
	level, err := log.ParseLevel(conf.Log.Level)
	if err != nil {
		cmd.Fatalf("%v", err)
	}
	log.SetLevel(level)

	log.Infof("Args: %v", os.Args)
	conf.Print()

	// Call the subcommand and pass in the configuration.
	status := subcommands.Execute(context.Background(), conf)
	if status != subcommands.ExitSuccess {
		log.Warningf("Failure to execute command, status: %v", status)
	}
	os.Exit(int(status))
}

// forEachCmd invokes the passed callback for each command supported by emmsim.
func forEachCmd(cb func(cmd subcommands.Command, group string)) {
	// Help and flags commands are generated automatically.
	cb(subcommands.HelpCommand(), "")
	cb(subcommands.FlagsCommand(), "")
	cb(subcommands.CommandsCommand(), "")

	cb(new(cmd.Layout), "")
	cb(new(cmd.Run), "")
	cb(new(cmd.Stats), "")
}

func newEmitter(format string, logFile io.Writer) log.Emitter {
	switch format {
	case "text":
		return log.GoogleEmitter{Writer: &log.Writer{Next: logFile}}
	case "json":
		return log.JSONEmitter{Writer: &log.Writer{Next: logFile}, Fields: map[string]string{"component": "emm"}}
	case "logrus":
		l := logrus.New()
		l.SetOutput(logFile)
		return log.LogrusEmitter{Logger: l, Fields: logrus.Fields{"component": "emm"}}
	}
	cmd.Fatalf("invalid log format %q, must be 'text', 'json', or 'logrus'", format)
	panic("unreachable")
}
