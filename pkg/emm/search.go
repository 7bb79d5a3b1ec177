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

	"enclave.dev/emm/pkg/errors/linuxerr"
	"enclave.dev/emm/pkg/hostarch"
)

// searchEmaLocked returns the EMA of typ containing addr, or nil.
//
// Preconditions: mm.mu is held.
func (mm *Manager) searchEmaLocked(addr hostarch.Addr, typ RangeType) *EMA {
	for e := mm.list(typ).Front(); e != nil && !e.HigherThanAddr(addr+1); e = e.Next() {
		if e.OverlapAddr(addr) {
			return e
		}
	}
	return nil
}

// overlapLocked returns the first EMA of typ overlapping ar and the number
// of consecutive EMAs that do.
//
// Preconditions: mm.mu is held.
func (mm *Manager) overlapLocked(ar hostarch.AddrRange, typ RangeType) (*EMA, int) {
	e := mm.list(typ).Front()
	for e != nil && e.LowerThanAddr(ar.Start) {
		e = e.Next()
	}
	var first *EMA
	n := 0
	for ; e != nil && !e.HigherThanAddr(ar.End); e = e.Next() {
		if first == nil {
			first = e
		}
		n++
	}
	return first, n
}

// searchRangeLocked is overlapLocked failing with EINVAL when nothing
// overlaps ar. If continuous, the EMAs must also cover ar without gaps.
//
// Preconditions: mm.mu is held.
func (mm *Manager) searchRangeLocked(ar hostarch.AddrRange, typ RangeType, continuous bool) (*EMA, int, error) {
	first, n := mm.overlapLocked(ar, typ)
	if n == 0 {
		return nil, 0, linuxerr.EINVAL
	}
	if !continuous {
		return first, n, nil
	}
	if first.Start() > ar.Start {
		return nil, 0, linuxerr.EINVAL
	}
	last := first
	for i := 1; i < n; i++ {
		next := last.Next()
		if next.Start() != last.End() {
			return nil, 0, linuxerr.EINVAL
		}
		last = next
	}
	if last.End() < ar.End {
		return nil, 0, linuxerr.EINVAL
	}
	return first, n, nil
}

// splitRangeLocked splits the first and last of the n EMAs from first so that
// none of them extends past ar. It returns the new first EMA. On failure, the
// EMAs keep their attributes, possibly split.
//
// Preconditions: mm.mu is held. The n EMAs from first all overlap ar.
func (mm *Manager) splitRangeLocked(ctx context.Context, first *EMA, n int, ar hostarch.AddrRange, typ RangeType) (*EMA, error) {
	if first.Start() < ar.Start {
		right, err := mm.splitLocked(ctx, first, ar.Start, typ)
		if err != nil {
			return nil, err
		}
		first = right
	}
	last := first
	for i := 1; i < n; i++ {
		last = last.Next()
	}
	if last.End() > ar.End {
		if _, err := mm.splitLocked(ctx, last, ar.End, typ); err != nil {
			return nil, err
		}
	}
	return first, nil
}

// freeLocked returns true if [addr, addr+length) lies in the subrange of typ
// and overlaps no EMA.
//
// Preconditions: mm.mu is held.
func (mm *Manager) freeLocked(addr hostarch.Addr, length uint64, typ RangeType) bool {
	ar, ok := addr.ToRange(length)
	if !ok || !mm.layout.IsWithin(ar, typ) {
		return false
	}
	_, n := mm.overlapLocked(ar, typ)
	return n == 0
}

// findFreeRegionLocked returns an aligned start for a free range of length
// bytes in the subrange of typ.
//
// Candidates are tried in order: the aligned end of each EMA that has a
// successor, the aligned end of the last EMA, and the highest aligned start
// below the first EMA. RTS searches also try both sides of the USER
// subrange. It fails with ENOMEM if no candidate fits.
//
// Preconditions: mm.mu is held.
func (mm *Manager) findFreeRegionLocked(length, align uint64, typ RangeType) (hostarch.Addr, error) {
	l := mm.list(typ)
	var candidates []hostarch.Addr
	below := func(limit hostarch.Addr) {
		if uint64(limit) >= length {
			candidates = append(candidates, (limit - hostarch.Addr(length)).AlignDown(align))
		}
	}
	above := func(a hostarch.Addr) {
		if a, ok := a.AlignUp(align); ok {
			candidates = append(candidates, a)
		}
	}
	userBase, userEnd := mm.layout.User().Start, mm.layout.User().End

	if l.Empty() {
		if typ == User {
			above(userBase)
		} else {
			below(userBase)
			above(userEnd)
			below(mm.layout.Enclave().End)
		}
	} else {
		for e := l.Front(); e.Next() != nil; e = e.Next() {
			if a := e.AlignedEnd(align); a < e.Next().Start() {
				candidates = append(candidates, a)
			}
		}
		candidates = append(candidates, l.Back().AlignedEnd(align))
		if typ == Rts {
			above(userEnd)
		}
		below(l.Front().Start())
		if typ == Rts {
			below(userBase)
		}
	}

	for _, a := range candidates {
		if mm.freeLocked(a, length, typ) {
			return a, nil
		}
	}
	return 0, linuxerr.ENOMEM
}
