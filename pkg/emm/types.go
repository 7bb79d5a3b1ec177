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

// Package emm implements the enclave memory manager: the bookkeeping of every
// page of the enclave's linear address range (ELRANGE), and the sequences of
// host calls and EACCEPTs that move pages between reserved, committed and
// trimmed states.
//
// ELRANGE is split into a USER subrange for dynamic user allocations and the
// RTS subrange (everything else) for the runtime and the loader's static
// regions. Each subrange is tracked by a sorted list of EMAs (enclave memory
// areas), runs of pages with uniform attributes.
//
// Lock order:
//
//	Manager.mu
//		arena.Static.mu, arena.Reserve.mu
package emm

import (
	"context"
	"fmt"
	"strings"

	"enclave.dev/emm/pkg/emm/arena"
	"enclave.dev/emm/pkg/epc"
	"enclave.dev/emm/pkg/errors/linuxerr"
	"enclave.dev/emm/pkg/hostarch"
)

// AllocFlags are the policy bits of an EMA.
type AllocFlags uint32

// Allocation policy bits.
const (
	// Reserved accounts for the range without backing it. Faults on a
	// reserved EMA are not handled.
	Reserved AllocFlags = 1 << iota

	// Committed backs every page eagerly.
	Committed

	// Fixed makes the requested address mandatory.
	Fixed

	// System marks areas owned by the memory manager itself, such as the
	// metadata arenas. They are never reclaimed by a fixed allocation.
	//
	// A System|Reserved area is backed by its owner rather than by the
	// manager: the reserve arena accepts its own pages as it grows. The
	// manager never commits, faults or trims such an area, so host pages
	// may be present under it.
	System

	// Growsdown commits from the highest page down, as for stacks.
	Growsdown

	// Growsup commits from the lowest page up.
	Growsup
)

var allocFlagNames = []struct {
	flag AllocFlags
	name string
}{
	{Reserved, "reserved"},
	{Committed, "committed"},
	{Fixed, "fixed"},
	{System, "system"},
	{Growsdown, "growsdown"},
	{Growsup, "growsup"},
}

// String implements fmt.Stringer.String.
func (f AllocFlags) String() string {
	var parts []string
	for _, n := range allocFlagNames {
		if f&n.flag != 0 {
			parts = append(parts, n.name)
		}
	}
	if rest := f &^ (Reserved | Committed | Fixed | System | Growsdown | Growsup); rest != 0 {
		parts = append(parts, fmt.Sprintf("%#x", uint32(rest)))
	}
	if len(parts) == 0 {
		return "on-demand"
	}
	return strings.Join(parts, "|")
}

// ParseAllocFlags parses a "|"- or ","-separated list of flag names.
func ParseAllocFlags(s string) (AllocFlags, error) {
	var f AllocFlags
	for _, part := range strings.FieldsFunc(s, func(r rune) bool { return r == '|' || r == ',' || r == ' ' }) {
		found := false
		for _, n := range allocFlagNames {
			if strings.EqualFold(part, n.name) {
				f |= n.flag
				found = true
				break
			}
		}
		if !found && !strings.EqualFold(part, "on-demand") {
			return 0, fmt.Errorf("unknown alloc flag %q", part)
		}
	}
	return f, nil
}

// Contains returns true if every bit of g is set in f.
func (f AllocFlags) Contains(g AllocFlags) bool {
	return f&g == g
}

// RangeType selects one of the two EMA lists.
type RangeType uint8

// Range types.
const (
	Rts RangeType = iota
	User
)

// String implements fmt.Stringer.String.
func (t RangeType) String() string {
	switch t {
	case Rts:
		return "rts"
	case User:
		return "user"
	default:
		return fmt.Sprintf("RangeType(%d)", uint8(t))
	}
}

// HandleResult is the disposition of a page fault.
type HandleResult uint8

// Fault dispositions.
const (
	// ContinueSearch means the fault is not resolved here and must be
	// passed on, typically ending the enclave.
	ContinueSearch HandleResult = iota

	// ContinueExecution means the faulting instruction may be retried.
	ContinueExecution
)

// String implements fmt.Stringer.String.
func (r HandleResult) String() string {
	if r == ContinueExecution {
		return "continue-execution"
	}
	return "continue-search"
}

// PfInfo describes a page fault.
type PfInfo struct {
	// Addr is the faulting linear address.
	Addr hostarch.Addr

	// ErrorCode is the #PF error code reported by the platform.
	ErrorCode uint32
}

// Page fault error code bits.
const (
	PfPresent = 1 << 0
	PfWrite   = 1 << 1
	PfUser    = 1 << 2
	PfFetch   = 1 << 4
	PfSGX     = 1 << 15
)

// Handler is a per-EMA fault callback. ctx holds the manager lock, so the
// handler may call back into the manager with it.
type Handler func(ctx context.Context, info *PfInfo, priv any) HandleResult

// EmaOptions describes an area to create.
type EmaOptions struct {
	// Addr is the requested start, or 0 for no preference.
	Addr hostarch.Addr

	// Length is the size in bytes, a nonzero multiple of the page size.
	Length uint64

	AllocFlags AllocFlags
	PageInfo   epc.PageInfo

	// Alignment of the start address chosen by a free-gap search. Zero
	// means page alignment.
	Alignment uint64

	// Allocator selects the arena that owns the descriptor.
	Allocator arena.Kind

	Handler  Handler
	PrivData any
}

// alignment returns the effective start alignment.
func (o *EmaOptions) alignment() uint64 {
	if o.Alignment == 0 {
		return hostarch.PageSize
	}
	return o.Alignment
}

// Check validates o against the enclave layout. It does not look at the
// EMA lists.
func (o *EmaOptions) Check(l *Layout) error {
	if o.Length == 0 || hostarch.PageRoundDown(o.Length) != o.Length {
		return linuxerr.EINVAL
	}
	if a := o.Alignment; a != 0 && (!hostarch.IsPowerOfTwo(a) || a < hostarch.PageSize) {
		return linuxerr.EINVAL
	}
	if o.Addr == 0 && o.AllocFlags&Fixed != 0 {
		return linuxerr.EINVAL
	}
	if o.Addr != 0 {
		if !o.Addr.IsPageAligned() {
			return linuxerr.EINVAL
		}
		ar, ok := o.Addr.ToRange(o.Length)
		if !ok || !l.IsWithinEnclave(ar) {
			return linuxerr.EINVAL
		}
	}
	f := o.AllocFlags
	if f.Contains(Reserved|Committed) || f.Contains(Growsdown|Growsup) {
		return linuxerr.EINVAL
	}
	if !o.PageInfo.Prot.Valid() {
		return linuxerr.EINVAL
	}
	if !o.PageInfo.Type.Allocatable() {
		return linuxerr.EINVAL
	}
	if o.PageInfo.Type == epc.Tcs && o.Length != hostarch.PageSize {
		return linuxerr.EINVAL
	}
	if o.Allocator != arena.KindReserve && o.Allocator != arena.KindStatic {
		return linuxerr.EINVAL
	}
	return nil
}

// Layout is the static partition of ELRANGE.
type Layout struct {
	// Base and Size delimit ELRANGE.
	Base hostarch.Addr
	Size uint64

	// UserBase and UserSize delimit the USER subrange.
	UserBase hostarch.Addr
	UserSize uint64
}

// Validate checks that the layout is page aligned and that USER lies within
// ELRANGE.
func (l *Layout) Validate() error {
	if l.Base == 0 || !l.Base.IsPageAligned() || l.Size == 0 || hostarch.PageRoundDown(l.Size) != l.Size {
		return fmt.Errorf("ELRANGE base %v size %#x: %w", l.Base, l.Size, linuxerr.EINVAL)
	}
	if _, ok := l.Base.AddLength(l.Size); !ok {
		return fmt.Errorf("ELRANGE base %v size %#x overflows: %w", l.Base, l.Size, linuxerr.EINVAL)
	}
	user, ok := l.UserBase.ToRange(l.UserSize)
	if !ok || !user.IsPageAligned() || l.UserSize == 0 || !l.Enclave().IsSupersetOf(user) {
		return fmt.Errorf("USER base %v size %#x outside ELRANGE %v: %w", l.UserBase, l.UserSize, l.Enclave(), linuxerr.EINVAL)
	}
	return nil
}

// Enclave returns ELRANGE.
func (l *Layout) Enclave() hostarch.AddrRange {
	return hostarch.AddrRange{Start: l.Base, End: l.Base + hostarch.Addr(l.Size)}
}

// User returns the USER subrange.
func (l *Layout) User() hostarch.AddrRange {
	return hostarch.AddrRange{Start: l.UserBase, End: l.UserBase + hostarch.Addr(l.UserSize)}
}

// IsWithinEnclave returns true if ar lies within ELRANGE.
func (l *Layout) IsWithinEnclave(ar hostarch.AddrRange) bool {
	return ar.WellFormed() && l.Enclave().IsSupersetOf(ar)
}

// IsWithinUserRange returns true if ar lies within the USER subrange.
func (l *Layout) IsWithinUserRange(ar hostarch.AddrRange) bool {
	return ar.WellFormed() && l.User().IsSupersetOf(ar)
}

// IsWithinRtsRange returns true if ar lies within ELRANGE and does not touch
// the USER subrange.
func (l *Layout) IsWithinRtsRange(ar hostarch.AddrRange) bool {
	return l.IsWithinEnclave(ar) && !ar.Overlaps(l.User())
}

// IsWithin returns true if ar lies within the subrange of typ.
func (l *Layout) IsWithin(ar hostarch.AddrRange, typ RangeType) bool {
	if typ == User {
		return l.IsWithinUserRange(ar)
	}
	return l.IsWithinRtsRange(ar)
}

// Classify returns the subrange that wholly contains [addr, addr+length).
// Ranges that are misaligned, empty, or straddle a subrange boundary are
// rejected with EINVAL.
func (l *Layout) Classify(addr hostarch.Addr, length uint64) (hostarch.AddrRange, RangeType, error) {
	if addr == 0 || !addr.IsPageAligned() || length == 0 || hostarch.PageRoundDown(length) != length {
		return hostarch.AddrRange{}, 0, linuxerr.EINVAL
	}
	ar, ok := addr.ToRange(length)
	if !ok {
		return hostarch.AddrRange{}, 0, linuxerr.EINVAL
	}
	switch {
	case l.IsWithinRtsRange(ar):
		return ar, Rts, nil
	case l.IsWithinUserRange(ar):
		return ar, User, nil
	default:
		return hostarch.AddrRange{}, 0, linuxerr.EINVAL
	}
}
