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
	"fmt"

	"enclave.dev/emm/pkg/edmm"
	"enclave.dev/emm/pkg/epc"
	"enclave.dev/emm/pkg/errors/linuxerr"
	"enclave.dev/emm/pkg/hostarch"
	"enclave.dev/emm/pkg/log"
	"enclave.dev/emm/pkg/sync"
	"github.com/google/btree"
)

// freeBlock is a maximal free extent [start, end).
type freeBlock struct {
	start, end hostarch.Addr
}

func freeBlockLess(a, b freeBlock) bool {
	return a.start < b.start
}

// ReserveOpts configures a Reserve arena.
type ReserveOpts struct {
	// Region is the capped range the arena may ever occupy.
	Region hostarch.AddrRange

	// Initial bytes at the start of Region are already committed by the
	// loader.
	Initial uint64

	// Chunk is the minimum growth step. It is rounded up to a page.
	Chunk uint64
}

// Reserve is a first-fit free-list allocator. Free extents are kept in a
// B-tree ordered by address and coalesced with their neighbours on free.
// When no extent fits the arena grows by accepting fresh pages at the end of
// its committed prefix, calling the host directly.
type Reserve struct {
	region hostarch.AddrRange
	chunk  uint64
	host   edmm.Host

	mu sync.Mutex

	// free indexes the free extents. Protected by mu.
	free *btree.BTreeG[freeBlock]

	// committedEnd is the end of the accepted prefix of region. Protected
	// by mu.
	committedEnd hostarch.Addr

	inUse uint64
	grows uint64
}

// NewReserve returns a reserve arena that grows through host.
func NewReserve(host edmm.Host, opts ReserveOpts) (*Reserve, error) {
	region := opts.Region
	if !region.WellFormed() || region.Length() == 0 || !region.IsPageAligned() {
		return nil, fmt.Errorf("reserve arena region %v: %w", region, linuxerr.EINVAL)
	}
	if hostarch.PageRoundDown(opts.Initial) != opts.Initial || opts.Initial > region.Length() {
		return nil, fmt.Errorf("reserve arena initial size %#x: %w", opts.Initial, linuxerr.EINVAL)
	}
	chunk, ok := hostarch.PageRoundUp(opts.Chunk)
	if !ok {
		return nil, fmt.Errorf("reserve arena chunk %#x: %w", opts.Chunk, linuxerr.EINVAL)
	}
	if chunk == 0 {
		chunk = hostarch.PageSize
	}
	r := &Reserve{
		region:       region,
		chunk:        chunk,
		host:         host,
		free:         btree.NewG(8, freeBlockLess),
		committedEnd: region.Start + hostarch.Addr(opts.Initial),
	}
	if opts.Initial > 0 {
		r.free.ReplaceOrInsert(freeBlock{region.Start, r.committedEnd})
	}
	return r, nil
}

// Kind implements Allocator.Kind.
func (r *Reserve) Kind() Kind { return KindReserve }

// Region implements Allocator.Region.
func (r *Reserve) Region() hostarch.AddrRange { return r.region }

// Alloc implements Allocator.Alloc.
func (r *Reserve) Alloc(ctx context.Context, size, align uint64) (hostarch.Addr, error) {
	size, align, ok := roundSize(size, align)
	if !ok {
		return 0, linuxerr.EINVAL
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	for {
		if addr, ok := r.carveLocked(size, align); ok {
			r.inUse += size
			return addr, nil
		}
		if err := r.growLocked(ctx, size+align); err != nil {
			return 0, err
		}
	}
}

// carveLocked takes the first fitting piece of a free extent.
//
// Preconditions: r.mu is locked.
func (r *Reserve) carveLocked(size, align uint64) (hostarch.Addr, bool) {
	var (
		found bool
		blk   freeBlock
		start hostarch.Addr
	)
	r.free.Ascend(func(b freeBlock) bool {
		s, ok := b.start.AlignUp(align)
		if !ok || s >= b.end || uint64(b.end-s) < size {
			return true
		}
		found, blk, start = true, b, s
		return false
	})
	if !found {
		return 0, false
	}
	r.free.Delete(blk)
	if blk.start < start {
		r.free.ReplaceOrInsert(freeBlock{blk.start, start})
	}
	if end := start + hostarch.Addr(size); end < blk.end {
		r.free.ReplaceOrInsert(freeBlock{end, blk.end})
	}
	return start, true
}

// growLocked extends the committed prefix by at least need bytes. Pages the
// host accepted before a failure are kept.
//
// Preconditions: r.mu is locked.
func (r *Reserve) growLocked(ctx context.Context, need uint64) error {
	step, ok := hostarch.PageRoundUp(need)
	if !ok {
		return linuxerr.ENOMEM
	}
	if step < r.chunk {
		step = r.chunk
	}
	if avail := uint64(r.region.End - r.committedEnd); step > avail {
		if avail < need {
			return linuxerr.ENOMEM
		}
		step = hostarch.PageRoundDown(avail)
	}
	ar := r.committedEnd.MustToRange(step)
	info := epc.PageInfo{Type: epc.Reg, Prot: epc.ProtRW, State: epc.Pending}
	n, err := edmm.AcceptPages(ctx, r.host, ar, info, false)
	if n > 0 {
		grown := hostarch.AddrRange{Start: ar.Start, End: ar.Start + hostarch.Addr(n)*hostarch.PageSize}
		r.committedEnd = grown.End
		r.insertLocked(grown)
	}
	if err != nil {
		log.Warningf("Reserve arena growth over %v stopped after %d pages: %v", ar, n, err)
		return fmt.Errorf("grow reserve arena over %v: %w", ar, linuxerr.ENOMEM)
	}
	r.grows++
	log.Infof("Reserve arena grew to %v", hostarch.AddrRange{Start: r.region.Start, End: r.committedEnd})
	return nil
}

// Free implements Allocator.Free.
func (r *Reserve) Free(addr hostarch.Addr, size uint64) {
	size, _, ok := roundSize(size, MinAlign)
	if !ok {
		panic(fmt.Sprintf("reserve arena free of %v with zero size", addr))
	}
	ar := addr.MustToRange(size)
	r.mu.Lock()
	defer r.mu.Unlock()
	if ar.Start < r.region.Start || ar.End > r.committedEnd {
		panic(fmt.Sprintf("reserve arena free of %v outside committed %v", ar, hostarch.AddrRange{Start: r.region.Start, End: r.committedEnd}))
	}
	r.insertLocked(ar)
	r.inUse -= size
}

// insertLocked adds ar to the free index, merging with adjacent extents.
//
// Preconditions: r.mu is locked. ar does not overlap a free extent.
func (r *Reserve) insertLocked(ar hostarch.AddrRange) {
	blk := freeBlock{ar.Start, ar.End}
	var (
		prev, next       freeBlock
		hasPrev, hasNext bool
	)
	r.free.DescendLessOrEqual(freeBlock{start: ar.Start}, func(b freeBlock) bool {
		prev, hasPrev = b, true
		return false
	})
	r.free.AscendGreaterOrEqual(freeBlock{start: ar.Start}, func(b freeBlock) bool {
		next, hasNext = b, true
		return false
	})
	if hasPrev && prev.end > ar.Start {
		panic(fmt.Sprintf("reserve arena double free: %v overlaps free [%v, %v)", ar, prev.start, prev.end))
	}
	if hasNext && next.start < ar.End {
		panic(fmt.Sprintf("reserve arena double free: %v overlaps free [%v, %v)", ar, next.start, next.end))
	}
	if hasPrev && prev.end == ar.Start {
		r.free.Delete(prev)
		blk.start = prev.start
	}
	if hasNext && next.start == ar.End {
		r.free.Delete(next)
		blk.end = next.end
	}
	r.free.ReplaceOrInsert(blk)
}

// Usage implements Allocator.Usage.
func (r *Reserve) Usage() Usage {
	r.mu.Lock()
	defer r.mu.Unlock()
	return Usage{
		InUse:     r.inUse,
		Committed: uint64(r.committedEnd - r.region.Start),
		Capacity:  r.region.Length(),
		Grows:     r.grows,
	}
}

// FreeExtents returns the number of free extents, for tests.
func (r *Reserve) FreeExtents() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.free.Len()
}
