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

// Package cmd holds implementations of the emmsim commands.
package cmd

import (
	"context"
	"fmt"
	"io"
	"os"

	"enclave.dev/emm/emmsim/config"
	"enclave.dev/emm/emmsim/scenario"
	"enclave.dev/emm/pkg/emm"
	"enclave.dev/emm/pkg/log"
)

// Fatalf logs the same message to the log and to stderr, then exits.
func Fatalf(format string, args ...any) {
	log.Warningf("FATAL ERROR: "+format, args...)
	fmt.Fprintf(os.Stderr, format+"\n", args...)
	os.Exit(128)
}

// runScenario runs the scenario in path on a fresh simulation of conf,
// reporting each step to out.
func runScenario(ctx context.Context, conf *config.Config, path string, out io.Writer) (*scenario.Runner, *emm.Manager, error) {
	s, err := scenario.Load(path)
	if err != nil {
		return nil, nil, err
	}
	mm, host, err := scenario.NewSimulation(ctx, conf)
	if err != nil {
		return nil, nil, fmt.Errorf("creating memory manager: %w", err)
	}
	r := scenario.NewRunner(mm, host, out)
	if err := r.Run(ctx, s); err != nil {
		return r, mm, err
	}
	log.Infof("Scenario %q passed", s.Name)
	return r, mm, nil
}
