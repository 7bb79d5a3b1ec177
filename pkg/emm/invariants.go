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
	"fmt"

	"enclave.dev/emm/pkg/epc"
	"enclave.dev/emm/pkg/hostarch"
)

// CheckInvariants walks both EMA lists and returns an error describing the
// first structural violation found, or nil.
func (mm *Manager) CheckInvariants(ctx context.Context) error {
	_, unlock := mm.mu.Lock(ctx)
	defer unlock()
	for _, typ := range []RangeType{Rts, User} {
		if err := mm.checkListLocked(typ); err != nil {
			return fmt.Errorf("%v list: %w", typ, err)
		}
	}
	return nil
}

// Preconditions: mm.mu is held.
func (mm *Manager) checkListLocked(typ RangeType) error {
	var prev *EMA
	for e := mm.list(typ).Front(); e != nil; prev, e = e, e.Next() {
		ar := e.Range()
		if e.length == 0 || !ar.IsPageAligned() {
			return fmt.Errorf("EMA %v is empty or misaligned", ar)
		}
		if !mm.layout.IsWithin(ar, typ) {
			return fmt.Errorf("EMA %v outside its subrange", ar)
		}
		if prev != nil && prev.End() > e.Start() {
			return fmt.Errorf("EMA %v overlaps or precedes %v", ar, prev.Range())
		}
		if e.Prev() != prev {
			return fmt.Errorf("EMA %v has a broken back link", ar)
		}
		if e.info.Type == epc.Tcs && e.length != hostarch.PageSize {
			return fmt.Errorf("TCS EMA %v spans %d pages", ar, e.Pages())
		}
		if e.flags&Reserved != 0 {
			if e.eaccept != nil {
				return fmt.Errorf("reserved EMA %v has an accept map", ar)
			}
			continue
		}
		if e.eaccept == nil {
			return fmt.Errorf("EMA %v has no accept map", ar)
		}
		if e.eaccept.Pages() != e.Pages() {
			return fmt.Errorf("EMA %v has an accept map of %d pages, want %d", ar, e.eaccept.Pages(), e.Pages())
		}
		if e.flags&Committed != 0 && !e.eaccept.IsFull() {
			return fmt.Errorf("committed EMA %v has %d of %d pages accepted", ar, e.eaccept.Count(), e.Pages())
		}
	}
	return nil
}
