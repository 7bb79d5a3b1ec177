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
	"fmt"
	"os"

	"enclave.dev/emm/emmsim/config"
	"enclave.dev/emm/emmsim/scenario"
	"enclave.dev/emm/pkg/emm"
	"github.com/google/subcommands"
)

// Layout implements subcommands.Command for the "layout" command.
type Layout struct{}

// Name implements subcommands.Command.Name.
func (*Layout) Name() string {
	return "layout"
}

// Synopsis implements subcommands.Command.Synopsis.
func (*Layout) Synopsis() string {
	return "print the enclave layout and the areas present at start"
}

// Usage implements subcommands.Command.Usage.
func (*Layout) Usage() string {
	return `layout - print ELRANGE, its subranges and the arena areas.
`
}

// SetFlags implements subcommands.Command.SetFlags.
func (*Layout) SetFlags(*flag.FlagSet) {}

// Execute implements subcommands.Command.Execute.
func (*Layout) Execute(ctx context.Context, f *flag.FlagSet, args ...any) subcommands.ExitStatus {
	if f.NArg() != 0 {
		f.Usage()
		return subcommands.ExitUsageError
	}
	conf := args[0].(*config.Config)
	l := conf.Layout()
	fmt.Fprintf(os.Stdout, "ELRANGE %v (%d pages)\n", l.Enclave(), l.Enclave().NumPages())
	fmt.Fprintf(os.Stdout, "USER    %v (%d pages)\n", l.User(), l.User().NumPages())

	mm, _, err := scenario.NewSimulation(ctx, conf)
	if err != nil {
		Fatalf("creating memory manager: %v", err)
	}
	for _, typ := range []emm.RangeType{emm.Rts, emm.User} {
		for _, info := range mm.Snapshot(ctx, typ) {
			fmt.Fprintf(os.Stdout, "%-4v    %v\n", typ, info)
		}
	}
	return subcommands.ExitSuccess
}
