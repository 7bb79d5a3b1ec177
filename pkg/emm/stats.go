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

package emm

import (
	"context"
	"sync/atomic"

	"enclave.dev/emm/pkg/emm/arena"
)

// Op names a Manager operation for accounting.
type Op int

// Accounted operations.
const (
	OpAlloc Op = iota
	OpDealloc
	OpCommit
	OpUncommit
	OpModifyType
	OpModifyPerms

	numOps
)

var opNames = [numOps]string{
	OpAlloc:       "alloc",
	OpDealloc:     "dealloc",
	OpCommit:      "commit",
	OpUncommit:    "uncommit",
	OpModifyType:  "modify_type",
	OpModifyPerms: "modify_perms",
}

// String implements fmt.Stringer.String.
func (op Op) String() string {
	if op < 0 || op >= numOps {
		return "unknown"
	}
	return opNames[op]
}

type counters struct {
	calls    [numOps]atomic.Uint64
	failures [numOps]atomic.Uint64

	faultsResolved  atomic.Uint64
	faultsForwarded atomic.Uint64
	faultsFailed    atomic.Uint64

	pagesAccepted atomic.Uint64
	pagesTrimmed  atomic.Uint64
	splits        atomic.Uint64
}

func (c *counters) record(op Op, err error) {
	c.calls[op].Add(1)
	if err != nil {
		c.failures[op].Add(1)
	}
}

// OpStats counts the calls of one operation.
type OpStats struct {
	Op       Op
	Calls    uint64
	Failures uint64
}

// Stats is a point-in-time copy of the Manager's counters.
type Stats struct {
	Ops []OpStats

	FaultsResolved  uint64
	FaultsForwarded uint64
	FaultsFailed    uint64

	PagesAccepted uint64
	PagesTrimmed  uint64
	Splits        uint64

	RtsAreas  int
	UserAreas int

	StaticArena  arena.Usage
	ReserveArena arena.Usage
}

// Stats returns the current counters.
func (mm *Manager) Stats(ctx context.Context) Stats {
	_, unlock := mm.mu.Lock(ctx)
	defer unlock()
	s := Stats{
		FaultsResolved:  mm.stats.faultsResolved.Load(),
		FaultsForwarded: mm.stats.faultsForwarded.Load(),
		FaultsFailed:    mm.stats.faultsFailed.Load(),
		PagesAccepted:   mm.stats.pagesAccepted.Load(),
		PagesTrimmed:    mm.stats.pagesTrimmed.Load(),
		Splits:          mm.stats.splits.Load(),
		RtsAreas:        mm.rts.Len(),
		UserAreas:       mm.user.Len(),
		StaticArena:     mm.static.Usage(),
		ReserveArena:    mm.reserve.Usage(),
	}
	for op := Op(0); op < numOps; op++ {
		s.Ops = append(s.Ops, OpStats{
			Op:       op,
			Calls:    mm.stats.calls[op].Load(),
			Failures: mm.stats.failures[op].Load(),
		})
	}
	return s
}
