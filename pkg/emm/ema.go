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

	"enclave.dev/emm/pkg/edmm"
	"enclave.dev/emm/pkg/emm/arena"
	"enclave.dev/emm/pkg/epc"
	"enclave.dev/emm/pkg/errors/linuxerr"
	"enclave.dev/emm/pkg/hostarch"
	"enclave.dev/emm/pkg/log"
)

// emaDescriptorSize is the metadata charged to an arena for one EMA.
const emaDescriptorSize = 128

// EMA is an enclave memory area: a page-aligned run of addresses whose pages
// share a type, permissions and allocation policy.
//
// All fields are protected by Manager.mu.
type EMA struct {
	emaEntry

	start  hostarch.Addr
	length uint64

	info  epc.PageInfo
	flags AllocFlags

	// eaccept tracks accepted pages. It is nil for reserved areas, which
	// never hold accepted pages.
	eaccept *EAcceptMap

	handler Handler
	priv    any

	// desc and mapDesc are the arena slots holding this descriptor and its
	// bitmap. mapDesc.Size is zero when eaccept is nil.
	desc    arena.Block
	mapDesc arena.Block

	// inconsistent is set once the host state of some page can no longer
	// be reconciled without another host call.
	inconsistent bool
}

// Start returns the first address of e.
func (e *EMA) Start() hostarch.Addr { return e.start }

// End returns the address following e.
func (e *EMA) End() hostarch.Addr { return e.start + hostarch.Addr(e.length) }

// Len returns the length of e in bytes.
func (e *EMA) Len() uint64 { return e.length }

// Range returns [Start, End).
func (e *EMA) Range() hostarch.AddrRange {
	return hostarch.AddrRange{Start: e.start, End: e.End()}
}

// Pages returns the number of pages in e.
func (e *EMA) Pages() uint64 { return e.length >> hostarch.PageShift }

// Info returns the page type and permissions of e.
func (e *EMA) Info() epc.PageInfo { return e.info }

// Flags returns the allocation policy of e.
func (e *EMA) Flags() AllocFlags { return e.flags }

// Allocator returns the arena owning e's descriptor.
func (e *EMA) Allocator() arena.Kind { return e.desc.Kind }

// OverlapAddr returns true if addr lies within e.
func (e *EMA) OverlapAddr(addr hostarch.Addr) bool {
	return e.start <= addr && addr < e.End()
}

// LowerThanAddr returns true if e lies entirely below addr.
func (e *EMA) LowerThanAddr(addr hostarch.Addr) bool {
	return e.End() <= addr
}

// HigherThanAddr returns true if e lies entirely at or above addr.
func (e *EMA) HigherThanAddr(addr hostarch.Addr) bool {
	return e.start >= addr
}

// AlignedEnd returns End rounded up to align. An end that cannot be rounded
// saturates to the top of the address space.
func (e *EMA) AlignedEnd(align uint64) hostarch.Addr {
	end, ok := e.End().AlignUp(align)
	if !ok {
		return ^hostarch.Addr(0)
	}
	return end
}

// AcceptedPages returns the number of accepted pages.
func (e *EMA) AcceptedPages() uint64 {
	if e.eaccept == nil {
		return 0
	}
	return e.eaccept.Count()
}

// pageIndex returns the index within e of the page containing addr.
func (e *EMA) pageIndex(addr hostarch.Addr) uint64 {
	return uint64(addr-e.start) >> hostarch.PageShift
}

// pageAddr returns the address of page i of e.
func (e *EMA) pageAddr(i uint64) hostarch.Addr {
	return e.start + hostarch.Addr(i<<hostarch.PageShift)
}

// indices converts ar, a subrange of e, into page indices [lo, hi).
func (e *EMA) indices(ar hostarch.AddrRange) (uint64, uint64) {
	if !e.Range().IsSupersetOf(ar) {
		panic(fmt.Sprintf("range %v outside EMA %v", ar, e.Range()))
	}
	return e.pageIndex(ar.Start), e.pageIndex(ar.End)
}

// markInconsistent records that e's host state is unknown.
func (e *EMA) markInconsistent(op string, err error) {
	e.inconsistent = true
	log.Warningf("EMA %v marked inconsistent after failed %s: %v", e.Range(), op, err)
}

// hostFailure converts a host error into the EFAULT returned to callers.
func hostFailure(op string, ar hostarch.AddrRange, err error) error {
	return fmt.Errorf("%s %v: %v: %w", op, ar, err, linuxerr.EFAULT)
}

// splitCheck validates a split of e at addr.
func (e *EMA) splitCheck(at hostarch.Addr) error {
	if !at.IsPageAligned() || at <= e.start || at >= e.End() {
		return linuxerr.EINVAL
	}
	return nil
}

// split truncates e to [Start, at) and returns a new EMA for [at, End)
// carrying the same attributes and the suffix of the bitmap. desc and mapDesc
// are the arena slots for the new descriptor and its bitmap.
//
// Preconditions: e.splitCheck(at) == nil.
func (e *EMA) split(at hostarch.Addr, desc, mapDesc arena.Block) *EMA {
	if err := e.splitCheck(at); err != nil {
		panic(fmt.Sprintf("split of EMA %v at %v", e.Range(), at))
	}
	prefix := uint64(at - e.start)
	right := &EMA{
		start:        at,
		length:       e.length - prefix,
		info:         e.info,
		flags:        e.flags,
		handler:      e.handler,
		priv:         e.priv,
		desc:         desc,
		mapDesc:      mapDesc,
		inconsistent: e.inconsistent,
	}
	if e.eaccept != nil {
		right.eaccept = e.eaccept.Split(prefix >> hostarch.PageShift)
	}
	e.length = prefix
	return right
}

// commitCheck validates a commit of e. Pages that are already accepted are
// skipped by commit, so they are not an error. It never mutates.
func (e *EMA) commitCheck() error {
	if e.inconsistent {
		return linuxerr.EFAULT
	}
	if e.flags&Reserved != 0 {
		return linuxerr.EACCES
	}
	return nil
}

// commit accepts every page of ar that is not accepted yet, setting its bit
// as it goes. Growsdown areas are committed from the highest page down.
//
// Preconditions: e.commitCheck() == nil.
func (e *EMA) commit(ctx context.Context, host edmm.Host, ar hostarch.AddrRange) (uint64, error) {
	lo, hi := e.indices(ar)
	info := epc.PageInfo{Type: e.info.Type, Prot: e.info.Prot, State: epc.Pending}
	var accepted uint64
	for n := lo; n < hi; n++ {
		i := n
		if e.flags&Growsdown != 0 {
			i = hi - 1 - (n - lo)
		}
		if e.eaccept.Test(i) {
			continue
		}
		page := e.pageAddr(i).MustToRange(hostarch.PageSize)
		if err := host.Accept(ctx, page, info); err != nil {
			// The bitmap still describes exactly the pages the
			// enclave accepted.
			return accepted, hostFailure("accept", page, err)
		}
		e.eaccept.Set(i)
		accepted++
	}
	if log.IsLogging(log.Debug) {
		log.Debugf("Committed %d pages of %v in EMA %v", accepted, ar, e.Range())
	}
	return accepted, nil
}

// uncommitCheck validates an uncommit of e. It never mutates.
func (e *EMA) uncommitCheck() error {
	if e.inconsistent {
		return linuxerr.EFAULT
	}
	if e.flags&System != 0 {
		return linuxerr.EPERM
	}
	// Trimming needs read access.
	if e.info.Prot == epc.ProtNone {
		return linuxerr.EINVAL
	}
	return nil
}

// uncommit trims every accepted page of ar. Each maximal run of accepted
// pages is converted to TRIM by the host, accepted as such page by page, and
// then removed. It returns the number of pages trimmed.
//
// Preconditions: e.uncommitCheck() == nil.
func (e *EMA) uncommit(ctx context.Context, host edmm.Host, ar hostarch.AddrRange) (uint64, error) {
	if e.eaccept == nil {
		return 0, nil
	}
	lo, hi := e.indices(ar)
	trim := epc.PageInfo{Type: epc.Trim, Prot: epc.ProtNone, State: epc.Modified}
	var trimmed uint64
	for {
		start, end, ok := e.eaccept.NextRun(lo, hi)
		if !ok {
			break
		}
		e.flags &^= Committed
		run := hostarch.AddrRange{Start: e.pageAddr(start), End: e.pageAddr(end)}
		if err := host.ModifyType(ctx, run, epc.Trim); err != nil {
			e.markInconsistent("trim", err)
			return trimmed, hostFailure("modify type", run, err)
		}
		for i := start; i < end; i++ {
			page := e.pageAddr(i).MustToRange(hostarch.PageSize)
			if err := host.Accept(ctx, page, trim); err != nil {
				e.markInconsistent("trim accept", err)
				return trimmed, hostFailure("accept trim", page, err)
			}
			e.eaccept.Clear(i)
			trimmed++
		}
		if err := host.Remove(ctx, run); err != nil {
			e.markInconsistent("remove", err)
			return trimmed, hostFailure("remove", run, err)
		}
		lo = end
	}
	if log.IsLogging(log.Debug) && trimmed > 0 {
		log.Debugf("Trimmed %d pages of %v in EMA %v", trimmed, ar, e.Range())
	}
	return trimmed, nil
}

// modifyPermCheck validates a permission change of ar. It never mutates.
func (e *EMA) modifyPermCheck(ar hostarch.AddrRange) error {
	if e.inconsistent {
		return linuxerr.EFAULT
	}
	if e.flags&Reserved != 0 {
		return linuxerr.EPERM
	}
	if e.info.Type != epc.Reg {
		return linuxerr.EPERM
	}
	if lo, hi := e.indices(ar); !e.eaccept.AllInRange(lo, hi) {
		return linuxerr.EINVAL
	}
	return nil
}

// modifyPerm changes the permissions of every page of e to prot. The host
// applies the change and, unless prot is RWX, each page then accepts it. An
// unchanged protection is a no-op.
//
// Preconditions: e.modifyPermCheck(e.Range()) == nil.
func (e *EMA) modifyPerm(ctx context.Context, host edmm.Host, prot epc.ProtFlags) error {
	old := e.info.Prot
	if old == prot {
		return nil
	}
	if err := e.applyPerm(ctx, host, e.Range(), prot); err != nil {
		return err
	}
	e.info.Prot = prot
	if log.IsLogging(log.Debug) {
		log.Debugf("EMA %v permissions %v -> %v", e.Range(), old, prot)
	}
	return nil
}

// applyPerm sets the permissions of the committed pages ar to prot on the
// host. A change to RWX is complete once the host applies it. Any other
// change is accepted page by page with epc.PR.
func (e *EMA) applyPerm(ctx context.Context, host edmm.Host, ar hostarch.AddrRange, prot epc.ProtFlags) error {
	if err := host.ModifyPerm(ctx, ar, prot); err != nil {
		e.markInconsistent("modify perm", err)
		return hostFailure("modify perm", ar, err)
	}
	if prot == epc.ProtRWX {
		return nil
	}
	info := epc.PageInfo{Type: e.info.Type, Prot: prot, State: epc.PR}
	for addr := ar.Start; addr < ar.End; addr += hostarch.PageSize {
		page := addr.MustToRange(hostarch.PageSize)
		if err := host.Accept(ctx, page, info); err != nil {
			e.markInconsistent("permission accept", err)
			return hostFailure("accept permissions", page, err)
		}
	}
	return nil
}

// changeToTcsCheck validates the conversion of the single page ar to TCS.
func (e *EMA) changeToTcsCheck(ar hostarch.AddrRange) error {
	if e.inconsistent {
		return linuxerr.EFAULT
	}
	if e.info.Type == epc.Tcs {
		return nil
	}
	if e.info.Type != epc.Reg {
		return linuxerr.EPERM
	}
	if e.flags&Reserved != 0 {
		return linuxerr.EINVAL
	}
	if lo, _ := e.indices(ar); !e.eaccept.Test(lo) {
		return linuxerr.EINVAL
	}
	if !e.info.Prot.Contains(epc.ProtRW) {
		return linuxerr.EACCES
	}
	return nil
}

// changeToTcs converts e, a single committed page, to a TCS. A TCS area is
// left untouched.
//
// Preconditions: e.Pages() == 1 && e.changeToTcsCheck(e.Range()) == nil.
func (e *EMA) changeToTcs(ctx context.Context, host edmm.Host) error {
	if e.info.Type == epc.Tcs {
		return nil
	}
	if e.Pages() != 1 {
		panic(fmt.Sprintf("TCS conversion of %d-page EMA %v", e.Pages(), e.Range()))
	}
	ar := e.Range()
	if err := host.ModifyType(ctx, ar, epc.Tcs); err != nil {
		e.markInconsistent("modify type", err)
		return hostFailure("modify type", ar, err)
	}
	if err := host.Accept(ctx, ar, epc.PageInfo{Type: epc.Tcs, Prot: e.info.Prot, State: epc.Modified}); err != nil {
		e.markInconsistent("tcs accept", err)
		return hostFailure("accept tcs", ar, err)
	}
	e.info.Type = epc.Tcs
	return nil
}

// deallocCheck validates the removal of e.
func (e *EMA) deallocCheck() error {
	if e.inconsistent {
		return linuxerr.EFAULT
	}
	if e.flags&System != 0 {
		return linuxerr.EPERM
	}
	return nil
}

// dealloc trims every accepted page of e. Pages of a PROT_NONE area are made
// readable first. The descriptor itself is released by the caller.
func (e *EMA) dealloc(ctx context.Context, host edmm.Host) (uint64, error) {
	if e.flags&Reserved != 0 {
		return 0, nil
	}
	if e.info.Prot == epc.ProtNone && e.eaccept != nil {
		lo, hi := e.indices(e.Range())
		for {
			start, end, ok := e.eaccept.NextRun(lo, hi)
			if !ok {
				break
			}
			run := hostarch.AddrRange{Start: e.pageAddr(start), End: e.pageAddr(end)}
			if err := e.applyPerm(ctx, host, run, epc.ProtRead); err != nil {
				return 0, err
			}
			lo = end
		}
		e.info.Prot = epc.ProtRead
	}
	return e.uncommit(ctx, host, e.Range())
}

// EMAInfo is a value snapshot of an EMA.
type EMAInfo struct {
	Start     hostarch.Addr
	Length    uint64
	Info      epc.PageInfo
	Flags     AllocFlags
	Allocator arena.Kind

	// Accepted is the bitmap rendered one character per page, or empty
	// for reserved areas.
	Accepted string

	AcceptedPages uint64
	HasHandler    bool
	Inconsistent  bool
}

// Range returns [Start, Start+Length).
func (i EMAInfo) Range() hostarch.AddrRange {
	return i.Start.MustToRange(i.Length)
}

// String implements fmt.Stringer.String.
func (i EMAInfo) String() string {
	s := fmt.Sprintf("%v %v %v %s accepted=%d/%d", i.Range(), i.Info, i.Flags, i.Allocator, i.AcceptedPages, i.Length>>hostarch.PageShift)
	if i.Inconsistent {
		s += " INCONSISTENT"
	}
	return s
}

// snapshot returns a value copy of e.
func (e *EMA) snapshot() EMAInfo {
	info := EMAInfo{
		Start:         e.start,
		Length:        e.length,
		Info:          e.info,
		Flags:         e.flags,
		Allocator:     e.desc.Kind,
		AcceptedPages: e.AcceptedPages(),
		HasHandler:    e.handler != nil,
		Inconsistent:  e.inconsistent,
	}
	if e.eaccept != nil {
		info.Accepted = e.eaccept.String()
	}
	return info
}
