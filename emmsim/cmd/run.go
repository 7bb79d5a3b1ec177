// Copyright 2025 The gVisor Authors.
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

package cmd

import (
	"context"
	"flag"
	"io"
	"os"

	"enclave.dev/emm/emmsim/config"
	"github.com/google/subcommands"
)

// Run implements subcommands.Command for the "run" command.
type Run struct {
	quiet bool
	dump  bool
}

// Name implements subcommands.Command.Name.
func (*Run) Name() string {
	return "run"
}

// Synopsis implements subcommands.Command.Synopsis.
func (*Run) Synopsis() string {
	return "run a scenario against the simulated host"
}

// Usage implements subcommands.Command.Usage.
func (*Run) Usage() string {
	return `run [flags] <scenario.yaml> - run the steps of a scenario and check their expectations.
`
}

// SetFlags implements subcommands.Command.SetFlags.
func (r *Run) SetFlags(f *flag.FlagSet) {
	f.BoolVar(&r.quiet, "quiet", false, "do not print each step.")
	f.BoolVar(&r.dump, "dump", true, "print both area lists at the end.")
}

// Execute implements subcommands.Command.Execute.
func (r *Run) Execute(ctx context.Context, f *flag.FlagSet, args ...any) subcommands.ExitStatus {
	if f.NArg() != 1 {
		f.Usage()
		return subcommands.ExitUsageError
	}
	conf := args[0].(*config.Config)

	var out io.Writer = os.Stdout
	if r.quiet {
		out = io.Discard
	}
	runner, _, err := runScenario(ctx, conf, f.Arg(0), out)
	if runner != nil && r.dump {
		runner.Dump(ctx, os.Stdout)
	}
	if err != nil {
		Fatalf("%v", err)
	}
	return subcommands.ExitSuccess
}
