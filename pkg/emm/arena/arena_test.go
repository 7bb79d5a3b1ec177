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

package arena

import (
	"context"
	"errors"
	"testing"

	"enclave.dev/emm/pkg/edmm"
	"enclave.dev/emm/pkg/edmm/simhost"
	"enclave.dev/emm/pkg/errors/linuxerr"
	"enclave.dev/emm/pkg/hostarch"
)

const regionStart = hostarch.Addr(0x100000)

func pages(n uint64) hostarch.AddrRange {
	return regionStart.MustToRange(n * hostarch.PageSize)
}

func TestStaticBump(t *testing.T) {
	ctx := context.Background()
	s, err := NewStatic(pages(1))
	if err != nil {
		t.Fatalf("NewStatic: %v", err)
	}
	a, err := s.Alloc(ctx, 10, 8)
	if err != nil || a != regionStart {
		t.Fatalf("first Alloc = %v, %v", a, err)
	}
	b, err := s.Alloc(ctx, 64, 64)
	if err != nil || b != regionStart+64 {
		t.Fatalf("aligned Alloc = %v, %v, want %v", b, err, regionStart+64)
	}
	s.Free(a, 10)
	c, err := s.Alloc(ctx, 16, 16)
	if err != nil || c == a {
		t.Errorf("Alloc after Free = %v, %v; static space must not be reused", c, err)
	}
	if _, err := s.Alloc(ctx, hostarch.PageSize, 16); !linuxerr.Equals(linuxerr.ENOMEM, err) {
		t.Errorf("Alloc past the region = %v, want ENOMEM", err)
	}
	if _, err := s.Alloc(ctx, 0, 16); !linuxerr.Equals(linuxerr.EINVAL, err) {
		t.Errorf("zero Alloc = %v, want EINVAL", err)
	}
	if u := s.Usage(); u.InUse != 64+16 || u.Committed != hostarch.PageSize {
		t.Errorf("Usage = %+v", u)
	}
}

func TestReserveGrowth(t *testing.T) {
	ctx := context.Background()
	host := simhost.New()
	r, err := NewReserve(host, ReserveOpts{Region: pages(8), Chunk: 2 * hostarch.PageSize})
	if err != nil {
		t.Fatalf("NewReserve: %v", err)
	}
	a, err := r.Alloc(ctx, 128, 8)
	if err != nil || a != regionStart {
		t.Fatalf("Alloc = %v, %v", a, err)
	}
	if got := host.CountCalls(edmm.OpAccept); got != 2 {
		t.Errorf("growth issued %d accepts, want 2", got)
	}
	if got := host.PresentPages(pages(8)); got != 2 {
		t.Errorf("%d pages present after growth, want 2", got)
	}

	// A request larger than the remaining chunk grows again.
	if _, err := r.Alloc(ctx, 3*hostarch.PageSize, 8); err != nil {
		t.Fatalf("large Alloc: %v", err)
	}
	if u := r.Usage(); u.Grows != 2 || u.Committed <= 3*hostarch.PageSize {
		t.Errorf("Usage after second growth = %+v", u)
	}

	// The cap is never exceeded.
	if _, err := r.Alloc(ctx, 8*hostarch.PageSize, 8); !linuxerr.Equals(linuxerr.ENOMEM, err) {
		t.Errorf("Alloc past the cap = %v, want ENOMEM", err)
	}
	if got := uint64(host.PresentPages(hostarch.AddrRange{Start: 0, End: regionStart + 0x100000})); got > 8 {
		t.Errorf("arena accepted %d pages beyond its region", got)
	}
}

func TestReserveCoalesce(t *testing.T) {
	ctx := context.Background()
	r, err := NewReserve(simhost.New(), ReserveOpts{Region: pages(4), Initial: hostarch.PageSize})
	if err != nil {
		t.Fatalf("NewReserve: %v", err)
	}
	var addrs []hostarch.Addr
	for i := 0; i < 3; i++ {
		a, err := r.Alloc(ctx, 256, 16)
		if err != nil {
			t.Fatalf("Alloc %d: %v", i, err)
		}
		addrs = append(addrs, a)
	}
	if got := r.FreeExtents(); got != 1 {
		t.Fatalf("FreeExtents = %d, want 1 tail extent", got)
	}
	r.Free(addrs[1], 256)
	if got := r.FreeExtents(); got != 2 {
		t.Errorf("FreeExtents after middle free = %d, want 2", got)
	}
	r.Free(addrs[0], 256)
	if got := r.FreeExtents(); got != 2 {
		t.Errorf("FreeExtents after merging with the hole = %d, want 2", got)
	}
	r.Free(addrs[2], 256)
	if got := r.FreeExtents(); got != 1 {
		t.Errorf("FreeExtents after freeing everything = %d, want 1", got)
	}
	if u := r.Usage(); u.InUse != 0 || u.Grows != 0 {
		t.Errorf("Usage = %+v, want nothing in use and no growth", u)
	}

	// First fit reuses the lowest address.
	if a, err := r.Alloc(ctx, 16, 16); err != nil || a != regionStart {
		t.Errorf("Alloc after coalescing = %v, %v, want %v", a, err, regionStart)
	}
}

func TestReserveDoubleFree(t *testing.T) {
	r, err := NewReserve(simhost.New(), ReserveOpts{Region: pages(1), Initial: hostarch.PageSize})
	if err != nil {
		t.Fatalf("NewReserve: %v", err)
	}
	a, err := r.Alloc(context.Background(), 32, 16)
	if err != nil {
		t.Fatalf("Alloc: %v", err)
	}
	r.Free(a, 32)
	defer func() {
		if recover() == nil {
			t.Errorf("double free did not panic")
		}
	}()
	r.Free(a, 32)
}

func TestReserveGrowthFailure(t *testing.T) {
	ctx := context.Background()
	host := simhost.New()
	host.Inject(simhost.Failure{Op: edmm.OpAccept, Addr: regionStart + hostarch.PageSize})
	r, err := NewReserve(host, ReserveOpts{Region: pages(4), Chunk: 2 * hostarch.PageSize})
	if err != nil {
		t.Fatalf("NewReserve: %v", err)
	}
	if _, err := r.Alloc(ctx, hostarch.PageSize, 16); !errors.Is(err, linuxerr.ENOMEM) {
		t.Fatalf("Alloc with refused growth = %v, want ENOMEM", err)
	}
	// The page accepted before the refusal is kept and usable.
	if u := r.Usage(); u.Committed != hostarch.PageSize {
		t.Errorf("Committed = %#x, want one page", u.Committed)
	}
	if _, err := r.Alloc(ctx, 64, 16); err != nil {
		t.Errorf("small Alloc from the kept page: %v", err)
	}
}
