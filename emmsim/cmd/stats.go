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
	"enclave.dev/emm/pkg/emm"
	"enclave.dev/emm/pkg/emm/arena"
	"github.com/google/subcommands"
	dto "github.com/prometheus/client_model/go"
	"github.com/prometheus/common/expfmt"
	"google.golang.org/protobuf/proto"
)

// Stats implements subcommands.Command for the "stats" command.
type Stats struct{}

// Name implements subcommands.Command.Name.
func (*Stats) Name() string {
	return "stats"
}

// Synopsis implements subcommands.Command.Synopsis.
func (*Stats) Synopsis() string {
	return "run a scenario and print the memory manager counters"
}

// Usage implements subcommands.Command.Usage.
func (*Stats) Usage() string {
	return `stats <scenario.yaml> - run a scenario quietly, then print the counters in the
Prometheus text exposition format.
`
}

// SetFlags implements subcommands.Command.SetFlags.
func (*Stats) SetFlags(*flag.FlagSet) {}

// Execute implements subcommands.Command.Execute.
func (*Stats) Execute(ctx context.Context, f *flag.FlagSet, args ...any) subcommands.ExitStatus {
	if f.NArg() != 1 {
		f.Usage()
		return subcommands.ExitUsageError
	}
	conf := args[0].(*config.Config)
	_, mm, err := runScenario(ctx, conf, f.Arg(0), io.Discard)
	if mm == nil {
		Fatalf("%v", err)
	}
	if werr := writeStats(os.Stdout, mm.Stats(ctx)); werr != nil {
		Fatalf("writing stats: %v", werr)
	}
	if err != nil {
		Fatalf("%v", err)
	}
	return subcommands.ExitSuccess
}

const metricPrefix = "emm_"

func label(name, value string) *dto.LabelPair {
	return &dto.LabelPair{Name: proto.String(name), Value: proto.String(value)}
}

func counter(v uint64, labels ...*dto.LabelPair) *dto.Metric {
	return &dto.Metric{Label: labels, Counter: &dto.Counter{Value: proto.Float64(float64(v))}}
}

func gauge(v uint64, labels ...*dto.LabelPair) *dto.Metric {
	return &dto.Metric{Label: labels, Gauge: &dto.Gauge{Value: proto.Float64(float64(v))}}
}

func family(name, help string, typ dto.MetricType, metrics ...*dto.Metric) *dto.MetricFamily {
	return &dto.MetricFamily{
		Name:   proto.String(metricPrefix + name),
		Help:   proto.String(help),
		Type:   typ.Enum(),
		Metric: metrics,
	}
}

// statsFamilies converts s to metric families, in output order.
func statsFamilies(s emm.Stats) []*dto.MetricFamily {
	var calls, failures []*dto.Metric
	for _, op := range s.Ops {
		calls = append(calls, counter(op.Calls, label("op", op.Op.String())))
		failures = append(failures, counter(op.Failures, label("op", op.Op.String())))
	}
	arenas := []struct {
		name  string
		usage arena.Usage
	}{
		{"static", s.StaticArena},
		{"reserve", s.ReserveArena},
	}
	var arenaBytes, arenaGrows []*dto.Metric
	for _, a := range arenas {
		arenaBytes = append(arenaBytes,
			gauge(a.usage.InUse, label("arena", a.name), label("state", "in_use")),
			gauge(a.usage.Committed, label("arena", a.name), label("state", "committed")),
			gauge(a.usage.Capacity, label("arena", a.name), label("state", "capacity")))
		arenaGrows = append(arenaGrows, counter(a.usage.Grows, label("arena", a.name)))
	}
	return []*dto.MetricFamily{
		family("operations_total", "Memory manager calls by operation.", dto.MetricType_COUNTER, calls...),
		family("operation_failures_total", "Memory manager calls that returned an error.", dto.MetricType_COUNTER, failures...),
		family("page_faults_total", "Page faults by disposition.", dto.MetricType_COUNTER,
			counter(s.FaultsResolved, label("result", "resolved")),
			counter(s.FaultsForwarded, label("result", "forwarded")),
			counter(s.FaultsFailed, label("result", "failed"))),
		family("pages_accepted_total", "Pages accepted from the host.", dto.MetricType_COUNTER, counter(s.PagesAccepted)),
		family("pages_trimmed_total", "Pages trimmed and returned to the host.", dto.MetricType_COUNTER, counter(s.PagesTrimmed)),
		family("splits_total", "Area splits.", dto.MetricType_COUNTER, counter(s.Splits)),
		family("areas", "Live areas by subrange.", dto.MetricType_GAUGE,
			gauge(uint64(s.RtsAreas), label("range", emm.Rts.String())),
			gauge(uint64(s.UserAreas), label("range", emm.User.String()))),
		family("arena_bytes", "Metadata arena bytes by state.", dto.MetricType_GAUGE, arenaBytes...),
		family("arena_grows_total", "Reserve arena growth steps.", dto.MetricType_COUNTER, arenaGrows...),
	}
}

// writeStats writes s to w in the Prometheus text format.
func writeStats(w io.Writer, s emm.Stats) error {
	for _, mf := range statsFamilies(s) {
		if _, err := expfmt.MetricFamilyToText(w, mf); err != nil {
			return err
		}
	}
	return nil
}
