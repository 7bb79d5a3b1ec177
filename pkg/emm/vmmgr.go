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
	"time"

	"enclave.dev/emm/pkg/cleanup"
	"enclave.dev/emm/pkg/edmm"
	"enclave.dev/emm/pkg/emm/arena"
	"enclave.dev/emm/pkg/epc"
	"enclave.dev/emm/pkg/errors/linuxerr"
	"enclave.dev/emm/pkg/hostarch"
	"enclave.dev/emm/pkg/log"
	"enclave.dev/emm/pkg/sync"
)

// Config holds the placement of the manager's metadata arenas.
type Config struct {
	// StaticArena is the committed region backing the static arena. It
	// must lie in the RTS subrange.
	StaticArena hostarch.AddrRange

	// ReserveArena configures the reserve arena. Its region must lie in
	// the RTS subrange.
	ReserveArena arena.ReserveOpts

	// FaultLogInterval is the minimum interval between warnings about
	// faults that could not be resolved. Zero means one second.
	FaultLogInterval time.Duration
}

// Manager tracks every EMA of one enclave.
//
// Every exported method takes a context and holds mu for its whole
// duration, host calls included. The context returned by mu.Lock is passed to
// host calls and fault handlers, so code running on behalf of an operation
// may re-enter the Manager.
type Manager struct {
	layout Layout
	host   edmm.Host

	static  *arena.Static
	reserve *arena.Reserve

	faultLog log.Logger

	mu sync.ReentrantMutex

	// rts and user are the EMA lists, sorted by start address. Protected
	// by mu.
	rts  emaList
	user emaList

	stats counters
}

// New returns a Manager for the enclave described by layout. The arena regions
// are registered as System static regions: the static arena as committed, the
// reserve arena as reserved.
func New(ctx context.Context, layout Layout, host edmm.Host, cfg Config) (*Manager, error) {
	if err := layout.Validate(); err != nil {
		return nil, err
	}
	mm := &Manager{
		layout: layout,
		host:   host,
	}
	if !mm.layout.IsWithinRtsRange(cfg.StaticArena) || cfg.StaticArena.Length() == 0 {
		return nil, fmt.Errorf("static arena %v outside the RTS subrange: %w", cfg.StaticArena, linuxerr.EINVAL)
	}
	if !mm.layout.IsWithinRtsRange(cfg.ReserveArena.Region) || cfg.ReserveArena.Region.Length() == 0 {
		return nil, fmt.Errorf("reserve arena %v outside the RTS subrange: %w", cfg.ReserveArena.Region, linuxerr.EINVAL)
	}
	if cfg.StaticArena.Overlaps(cfg.ReserveArena.Region) {
		return nil, fmt.Errorf("arena regions %v and %v overlap: %w", cfg.StaticArena, cfg.ReserveArena.Region, linuxerr.EINVAL)
	}
	var err error
	if mm.static, err = arena.NewStatic(cfg.StaticArena); err != nil {
		return nil, err
	}
	if mm.reserve, err = arena.NewReserve(host, cfg.ReserveArena); err != nil {
		return nil, err
	}
	interval := cfg.FaultLogInterval
	if interval == 0 {
		interval = time.Second
	}
	mm.faultLog = log.BurstRateLimitedLogger(log.Log(), interval, 5)

	ctx, unlock := mm.mu.Lock(ctx)
	defer unlock()
	meta := epc.PageInfo{Type: epc.Reg, Prot: epc.ProtRW}
	for _, r := range []struct {
		region hostarch.AddrRange
		flags  AllocFlags
	}{
		{cfg.StaticArena, System | Committed},
		// The reserve arena commits its own pages.
		{cfg.ReserveArena.Region, System | Reserved},
	} {
		opts := EmaOptions{
			Addr:       r.region.Start,
			Length:     r.region.Length(),
			AllocFlags: r.flags,
			PageInfo:   meta,
			Allocator:  arena.KindStatic,
		}
		if err := mm.initStaticRegionLocked(ctx, &opts); err != nil {
			return nil, fmt.Errorf("registering arena region %v: %w", r.region, err)
		}
	}
	return mm, nil
}

// Layout returns the enclave layout.
func (mm *Manager) Layout() Layout {
	return mm.layout
}

func (mm *Manager) list(typ RangeType) *emaList {
	if typ == User {
		return &mm.user
	}
	return &mm.rts
}

func (mm *Manager) arena(kind arena.Kind) arena.Allocator {
	if kind == arena.KindStatic {
		return mm.static
	}
	return mm.reserve
}

// allocDescLocked charges a descriptor, and a bitmap for pages pages if
// withMap, to the arena kind.
//
// Preconditions: mm.mu is held.
func (mm *Manager) allocDescLocked(ctx context.Context, kind arena.Kind, pages uint64, withMap bool) (desc, mapDesc arena.Block, err error) {
	a := mm.arena(kind)
	addr, err := a.Alloc(ctx, emaDescriptorSize, 8)
	if err != nil {
		return desc, mapDesc, err
	}
	desc = arena.Block{Kind: kind, Addr: addr, Size: emaDescriptorSize}
	if !withMap {
		return desc, mapDesc, nil
	}
	size := eacceptMapBytes(pages)
	maddr, err := a.Alloc(ctx, size, 8)
	if err != nil {
		a.Free(desc.Addr, desc.Size)
		return arena.Block{}, mapDesc, err
	}
	return desc, arena.Block{Kind: kind, Addr: maddr, Size: size}, nil
}

// freeDescLocked returns e's arena slots.
//
// Preconditions: mm.mu is held. e is not in a list.
func (mm *Manager) freeDescLocked(e *EMA) {
	a := mm.arena(e.desc.Kind)
	a.Free(e.desc.Addr, e.desc.Size)
	if e.mapDesc.Size != 0 {
		a.Free(e.mapDesc.Addr, e.mapDesc.Size)
	}
}

// newEMALocked builds an EMA for ar from opts. It is not inserted.
//
// Preconditions: mm.mu is held. opts passed Check.
func (mm *Manager) newEMALocked(ctx context.Context, ar hostarch.AddrRange, opts *EmaOptions) (*EMA, error) {
	reserved := opts.AllocFlags&Reserved != 0
	desc, mapDesc, err := mm.allocDescLocked(ctx, opts.Allocator, ar.NumPages(), !reserved)
	if err != nil {
		return nil, err
	}
	e := &EMA{
		start:   ar.Start,
		length:  ar.Length(),
		info:    epc.PageInfo{Type: opts.PageInfo.Type, Prot: opts.PageInfo.Prot},
		flags:   opts.AllocFlags,
		handler: opts.Handler,
		priv:    opts.PrivData,
		desc:    desc,
		mapDesc: mapDesc,
	}
	if !reserved {
		e.eaccept = NewEAcceptMap(ar.NumPages())
	}
	return e, nil
}

// insertLocked links e into the list of typ at its sorted position.
//
// Preconditions: mm.mu is held. e overlaps no EMA of the list.
func (mm *Manager) insertLocked(e *EMA, typ RangeType) {
	l := mm.list(typ)
	next := l.Front()
	for next != nil && next.Start() < e.End() {
		next = next.Next()
	}
	l.InsertBefore(next, e)
}

// splitLocked splits e at at and links the new upper part after e.
//
// Preconditions: mm.mu is held.
func (mm *Manager) splitLocked(ctx context.Context, e *EMA, at hostarch.Addr, typ RangeType) (*EMA, error) {
	if err := e.splitCheck(at); err != nil {
		return nil, err
	}
	pages := uint64(e.End()-at) >> hostarch.PageShift
	desc, mapDesc, err := mm.allocDescLocked(ctx, e.desc.Kind, pages, e.eaccept != nil)
	if err != nil {
		return nil, err
	}
	right := e.split(at, desc, mapDesc)
	mm.list(typ).InsertAfter(e, right)
	mm.stats.splits.Add(1)
	return right, nil
}

// InitStaticRegion registers an area the loader created at a fixed address
// in the RTS subrange. Unless it is reserved, all of its pages are taken to
// be accepted already; no host call is made.
func (mm *Manager) InitStaticRegion(ctx context.Context, opts EmaOptions) error {
	ctx, unlock := mm.mu.Lock(ctx)
	defer unlock()
	return mm.initStaticRegionLocked(ctx, &opts)
}

// Preconditions: mm.mu is held.
func (mm *Manager) initStaticRegionLocked(ctx context.Context, opts *EmaOptions) error {
	if opts.Addr == 0 {
		return linuxerr.EINVAL
	}
	if err := opts.Check(&mm.layout); err != nil {
		return err
	}
	ar := opts.Addr.MustToRange(opts.Length)
	if !mm.layout.IsWithinRtsRange(ar) {
		return linuxerr.EINVAL
	}
	if _, n := mm.overlapLocked(ar, Rts); n != 0 {
		return linuxerr.EINVAL
	}
	e, err := mm.newEMALocked(ctx, ar, opts)
	if err != nil {
		return err
	}
	if e.eaccept != nil {
		e.eaccept.SetFull()
	}
	mm.insertLocked(e, Rts)
	log.Infof("Static region %v registered: %v %v", ar, e.info, e.flags)
	return nil
}

// AllocUser allocates an area in the USER subrange.
func (mm *Manager) AllocUser(ctx context.Context, opts EmaOptions) (hostarch.Addr, error) {
	return mm.Alloc(ctx, opts, User)
}

// AllocRts allocates an area in the RTS subrange.
func (mm *Manager) AllocRts(ctx context.Context, opts EmaOptions) (hostarch.Addr, error) {
	return mm.Alloc(ctx, opts, Rts)
}

// Alloc creates an area in the subrange typ and returns its start.
//
// A requested address is used if the range is free or covered only by
// reserved, non-system EMAs from the same arena, which are dropped. A Fixed
// request fails with EEXIST if the range is otherwise occupied and with EPERM
// if it is outside the subrange; other requests fall back to a free-gap
// search, which fails with ENOMEM.
func (mm *Manager) Alloc(ctx context.Context, opts EmaOptions, typ RangeType) (hostarch.Addr, error) {
	ctx, unlock := mm.mu.Lock(ctx)
	defer unlock()
	addr, err := mm.allocLocked(ctx, &opts, typ)
	mm.stats.record(OpAlloc, err)
	return addr, err
}

// Preconditions: mm.mu is held.
func (mm *Manager) allocLocked(ctx context.Context, opts *EmaOptions, typ RangeType) (hostarch.Addr, error) {
	if err := opts.Check(&mm.layout); err != nil {
		return 0, err
	}
	fixed := opts.AllocFlags&Fixed != 0

	var (
		addr     hostarch.Addr
		reclaim  *EMA
		reclaimN int
	)
	if opts.Addr != 0 {
		ar := opts.Addr.MustToRange(opts.Length)
		first, n := mm.overlapLocked(ar, typ)
		switch {
		case !mm.layout.IsWithin(ar, typ):
			if fixed {
				return 0, linuxerr.EPERM
			}
		case n == 0:
			addr = opts.Addr
		case reclaimable(first, n, opts.Allocator):
			addr = opts.Addr
			reclaim, reclaimN = first, n
		case fixed:
			return 0, linuxerr.EEXIST
		}
	}
	if addr == 0 {
		var err error
		if addr, err = mm.findFreeRegionLocked(opts.Length, opts.alignment(), typ); err != nil {
			return 0, err
		}
	}

	ar := addr.MustToRange(opts.Length)
	e, err := mm.newEMALocked(ctx, ar, opts)
	if err != nil {
		return 0, err
	}
	cu := cleanup.Make(func() { mm.freeDescLocked(e) })
	defer cu.Clean()
	if reclaim != nil {
		if err := mm.reclaimLocked(ctx, reclaim, reclaimN, ar, typ); err != nil {
			return 0, err
		}
	}
	cu.Release()
	mm.insertLocked(e, typ)

	if e.flags&Committed != 0 {
		accepted, err := e.commit(ctx, mm.host, ar)
		mm.stats.pagesAccepted.Add(accepted)
		if err != nil {
			e.flags &^= Committed
			e.markInconsistent("commit", err)
			return 0, err
		}
	}
	if log.IsLogging(log.Debug) {
		log.Debugf("Allocated %v in %v: %v %v", ar, typ, e.info, e.flags)
	}
	return addr, nil
}

// reclaimable returns true if the n EMAs from first may be dropped to make
// room for a new area whose descriptor comes from kind.
func reclaimable(first *EMA, n int, kind arena.Kind) bool {
	for e := first; n > 0; e, n = e.Next(), n-1 {
		if e.flags&Reserved == 0 || e.flags&System != 0 || e.desc.Kind != kind || e.inconsistent {
			return false
		}
	}
	return true
}

// reclaimLocked drops the parts of the n reserved EMAs from first that
// overlap ar.
//
// Preconditions: mm.mu is held. reclaimable(first, n, ...).
func (mm *Manager) reclaimLocked(ctx context.Context, first *EMA, n int, ar hostarch.AddrRange, typ RangeType) error {
	first, err := mm.splitRangeLocked(ctx, first, n, ar, typ)
	if err != nil {
		return err
	}
	l := mm.list(typ)
	for e := first; n > 0; n-- {
		next := e.Next()
		l.Remove(e)
		mm.freeDescLocked(e)
		e = next
	}
	return nil
}

// Dealloc removes every area within [addr, addr+length), trimming their
// accepted pages. EMAs straddling either end are split first. Gaps in the
// range are allowed, but the range must touch at least one EMA.
func (mm *Manager) Dealloc(ctx context.Context, addr hostarch.Addr, length uint64) error {
	ctx, unlock := mm.mu.Lock(ctx)
	defer unlock()
	err := mm.deallocLocked(ctx, addr, length)
	mm.stats.record(OpDealloc, err)
	return err
}

// Preconditions: mm.mu is held.
func (mm *Manager) deallocLocked(ctx context.Context, addr hostarch.Addr, length uint64) error {
	ar, typ, err := mm.layout.Classify(addr, length)
	if err != nil {
		return err
	}
	first, n := mm.overlapLocked(ar, typ)
	if n == 0 {
		return linuxerr.EINVAL
	}
	for e, i := first, 0; i < n; e, i = e.Next(), i+1 {
		if err := e.deallocCheck(); err != nil {
			return err
		}
	}
	if first, err = mm.splitRangeLocked(ctx, first, n, ar, typ); err != nil {
		return err
	}
	l := mm.list(typ)
	for e := first; n > 0; n-- {
		next := e.Next()
		trimmed, err := e.dealloc(ctx, mm.host)
		mm.stats.pagesTrimmed.Add(trimmed)
		if err != nil {
			// e stays in the list: its pages are in an unknown state
			// and must not be handed out again.
			return err
		}
		l.Remove(e)
		mm.freeDescLocked(e)
		e = next
	}
	if log.IsLogging(log.Debug) {
		log.Debugf("Deallocated %v in %v", ar, typ)
	}
	return nil
}

// Commit accepts every page of [addr, addr+length) that is not accepted yet.
// The range must be covered by EMAs without gaps, none of them reserved.
// Committing an already committed range is a no-op.
func (mm *Manager) Commit(ctx context.Context, addr hostarch.Addr, length uint64) error {
	ctx, unlock := mm.mu.Lock(ctx)
	defer unlock()
	err := mm.commitLocked(ctx, addr, length)
	mm.stats.record(OpCommit, err)
	return err
}

// Preconditions: mm.mu is held.
func (mm *Manager) commitLocked(ctx context.Context, addr hostarch.Addr, length uint64) error {
	ar, typ, err := mm.layout.Classify(addr, length)
	if err != nil {
		return err
	}
	first, n, err := mm.searchRangeLocked(ar, typ, true)
	if err != nil {
		return err
	}
	for e, i := first, 0; i < n; e, i = e.Next(), i+1 {
		if err := e.commitCheck(); err != nil {
			return err
		}
	}
	for e, i := first, 0; i < n; e, i = e.Next(), i+1 {
		accepted, err := e.commit(ctx, mm.host, ar.Intersect(e.Range()))
		mm.stats.pagesAccepted.Add(accepted)
		if err != nil {
			return err
		}
	}
	return nil
}

// Uncommit trims every accepted page of [addr, addr+length). The range must
// be covered by EMAs without gaps.
func (mm *Manager) Uncommit(ctx context.Context, addr hostarch.Addr, length uint64) error {
	ctx, unlock := mm.mu.Lock(ctx)
	defer unlock()
	err := mm.uncommitLocked(ctx, addr, length)
	mm.stats.record(OpUncommit, err)
	return err
}

// Preconditions: mm.mu is held.
func (mm *Manager) uncommitLocked(ctx context.Context, addr hostarch.Addr, length uint64) error {
	ar, typ, err := mm.layout.Classify(addr, length)
	if err != nil {
		return err
	}
	first, n, err := mm.searchRangeLocked(ar, typ, true)
	if err != nil {
		return err
	}
	for e, i := first, 0; i < n; e, i = e.Next(), i+1 {
		if err := e.uncommitCheck(); err != nil {
			return err
		}
	}
	for e, i := first, 0; i < n; e, i = e.Next(), i+1 {
		trimmed, err := e.uncommit(ctx, mm.host, ar.Intersect(e.Range()))
		mm.stats.pagesTrimmed.Add(trimmed)
		if err != nil {
			return err
		}
	}
	return nil
}

// ModifyType changes the type of one committed page. Only the conversion of
// a regular page to a TCS is supported: other types fail with EPERM, and
// ranges other than one page with EINVAL.
func (mm *Manager) ModifyType(ctx context.Context, addr hostarch.Addr, length uint64, typ epc.PageType) error {
	ctx, unlock := mm.mu.Lock(ctx)
	defer unlock()
	err := mm.modifyTypeLocked(ctx, addr, length, typ)
	mm.stats.record(OpModifyType, err)
	return err
}

// Preconditions: mm.mu is held.
func (mm *Manager) modifyTypeLocked(ctx context.Context, addr hostarch.Addr, length uint64, typ epc.PageType) error {
	ar, rt, err := mm.layout.Classify(addr, length)
	if err != nil {
		return err
	}
	if typ != epc.Tcs {
		return linuxerr.EPERM
	}
	if length != hostarch.PageSize {
		return linuxerr.EINVAL
	}
	e, n, err := mm.searchRangeLocked(ar, rt, true)
	if err != nil {
		return err
	}
	if n != 1 {
		panic(fmt.Sprintf("one page %v covered by %d EMAs", ar, n))
	}
	if err := e.changeToTcsCheck(ar); err != nil {
		return err
	}
	if e.info.Type == epc.Tcs {
		return nil
	}
	if e, err = mm.splitRangeLocked(ctx, e, 1, ar, rt); err != nil {
		return err
	}
	return e.changeToTcs(ctx, mm.host)
}

// ModifyPerms changes the permissions of every page of [addr, addr+length).
// Every page in the range must be committed. Setting the current permissions
// again is a no-op.
func (mm *Manager) ModifyPerms(ctx context.Context, addr hostarch.Addr, length uint64, prot epc.ProtFlags) error {
	ctx, unlock := mm.mu.Lock(ctx)
	defer unlock()
	err := mm.modifyPermsLocked(ctx, addr, length, prot)
	mm.stats.record(OpModifyPerms, err)
	return err
}

// Preconditions: mm.mu is held.
func (mm *Manager) modifyPermsLocked(ctx context.Context, addr hostarch.Addr, length uint64, prot epc.ProtFlags) error {
	ar, typ, err := mm.layout.Classify(addr, length)
	if err != nil {
		return err
	}
	if !prot.Valid() {
		return linuxerr.EINVAL
	}
	first, n, err := mm.searchRangeLocked(ar, typ, true)
	if err != nil {
		return err
	}
	unchanged := true
	for e, i := first, 0; i < n; e, i = e.Next(), i+1 {
		if err := e.modifyPermCheck(ar.Intersect(e.Range())); err != nil {
			return err
		}
		unchanged = unchanged && e.info.Prot == prot
	}
	if unchanged {
		return nil
	}
	if first, err = mm.splitRangeLocked(ctx, first, n, ar, typ); err != nil {
		return err
	}
	for e, i := first, 0; i < n; e, i = e.Next(), i+1 {
		if err := e.modifyPerm(ctx, mm.host, prot); err != nil {
			return err
		}
	}
	return nil
}

// Lookup returns a snapshot of the EMA containing addr.
func (mm *Manager) Lookup(ctx context.Context, addr hostarch.Addr) (EMAInfo, bool) {
	_, unlock := mm.mu.Lock(ctx)
	defer unlock()
	for _, typ := range []RangeType{Rts, User} {
		if e := mm.searchEmaLocked(addr, typ); e != nil {
			return e.snapshot(), true
		}
	}
	return EMAInfo{}, false
}

// Snapshot returns value copies of the EMAs of typ in address order.
func (mm *Manager) Snapshot(ctx context.Context, typ RangeType) []EMAInfo {
	_, unlock := mm.mu.Lock(ctx)
	defer unlock()
	var out []EMAInfo
	for e := mm.list(typ).Front(); e != nil; e = e.Next() {
		out = append(out, e.snapshot())
	}
	return out
}
