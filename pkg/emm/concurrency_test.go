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
	"testing"

	"enclave.dev/emm/pkg/epc"
	"golang.org/x/sync/errgroup"
)

// TestConcurrentOperations runs independent allocate, commit, protect and
// free cycles from several goroutines. Each uses its own context, so the
// Manager serializes them.
func TestConcurrentOperations(t *testing.T) {
	ctx, mm, _ := newTestManager(t)
	const (
		workers = 8
		rounds  = 20
	)
	var g errgroup.Group
	for w := 0; w < workers; w++ {
		w := w
		g.Go(func() error {
			for r := 0; r < rounds; r++ {
				addr, err := mm.AllocUser(context.Background(), userOpts(0, 2, 0))
				if err != nil {
					return fmt.Errorf("worker %d: AllocUser: %w", w, err)
				}
				if _, err := mm.HandlePageFault(context.Background(), &PfInfo{Addr: addr}); err != nil {
					return fmt.Errorf("worker %d: fault: %w", w, err)
				}
				if err := mm.Commit(context.Background(), addr, pg(2)); err != nil {
					return fmt.Errorf("worker %d: Commit: %w", w, err)
				}
				if err := mm.ModifyPerms(context.Background(), addr, pg(2), epc.ProtRead); err != nil {
					return fmt.Errorf("worker %d: ModifyPerms: %w", w, err)
				}
				if err := mm.Dealloc(context.Background(), addr, pg(2)); err != nil {
					return fmt.Errorf("worker %d: Dealloc: %w", w, err)
				}
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		t.Fatal(err)
	}
	if got := len(mm.Snapshot(ctx, User)); got != 0 {
		t.Errorf("%d EMAs left", got)
	}
	s := mm.Stats(ctx)
	if want := uint64(workers * rounds * 2); s.PagesAccepted != want || s.PagesTrimmed != want {
		t.Errorf("accepted %d, trimmed %d pages; want %d each", s.PagesAccepted, s.PagesTrimmed, want)
	}
}

// TestConcurrentFaults delivers faults on every page of one area at once.
func TestConcurrentFaults(t *testing.T) {
	ctx, mm, host := newTestManager(t)
	const pages = 16
	addr, err := mm.AllocUser(ctx, userOpts(0, pages, 0))
	if err != nil {
		t.Fatalf("AllocUser: %v", err)
	}
	g, gctx := errgroup.WithContext(ctx)
	for i := 0; i < pages*4; i++ {
		fault := &PfInfo{Addr: at(addr, uint64(i%pages))}
		g.Go(func() error {
			res, err := mm.HandlePageFault(gctx, fault)
			if err == nil && res != ContinueExecution {
				err = fmt.Errorf("fault at %v: %v", fault.Addr, res)
			}
			return err
		})
	}
	if err := g.Wait(); err != nil {
		t.Fatal(err)
	}
	if got := host.PresentPages(addr.MustToRange(pg(pages))); got != pages {
		t.Errorf("%d pages present, want %d", got, pages)
	}
	if info, _ := mm.Lookup(ctx, addr); info.AcceptedPages != pages {
		t.Errorf("%d pages accepted, want %d", info.AcceptedPages, pages)
	}
}
