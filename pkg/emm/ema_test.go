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
	"errors"
	"testing"

	"enclave.dev/emm/pkg/edmm"
	"enclave.dev/emm/pkg/edmm/simhost"
	"enclave.dev/emm/pkg/emm/arena"
	"enclave.dev/emm/pkg/epc"
	"enclave.dev/emm/pkg/errors/linuxerr"
	"enclave.dev/emm/pkg/hostarch"
	"github.com/google/go-cmp/cmp"
)

const emaBase = hostarch.Addr(0x40000000)

func pg(n uint64) uint64 { return n * hostarch.PageSize }

func newTestEMA(pages uint64, flags AllocFlags, info epc.PageInfo) *EMA {
	e := &EMA{
		start:  emaBase,
		length: pg(pages),
		info:   info,
		flags:  flags,
	}
	if flags&Reserved == 0 {
		e.eaccept = NewEAcceptMap(pages)
	}
	return e
}

var rw = epc.PageInfo{Type: epc.Reg, Prot: epc.ProtRW}

func TestEMASplit(t *testing.T) {
	e := newTestEMA(8, 0, rw)
	e.eaccept.SetRange(2, 6)
	before := e.snapshot()

	if err := e.splitCheck(emaBase + 100); !linuxerr.Equals(linuxerr.EINVAL, err) {
		t.Errorf("unaligned splitCheck = %v, want EINVAL", err)
	}
	if err := e.splitCheck(emaBase); !linuxerr.Equals(linuxerr.EINVAL, err) {
		t.Errorf("splitCheck at start = %v, want EINVAL", err)
	}
	if err := e.splitCheck(e.End()); !linuxerr.Equals(linuxerr.EINVAL, err) {
		t.Errorf("splitCheck at end = %v, want EINVAL", err)
	}

	at := emaBase + hostarch.Addr(pg(3))
	right := e.split(at, arena.Block{}, arena.Block{})
	if e.Range() != emaBase.MustToRange(pg(3)) || right.Range() != at.MustToRange(pg(5)) {
		t.Fatalf("split ranges %v, %v", e.Range(), right.Range())
	}
	if got, want := e.eaccept.String()+right.eaccept.String(), before.Accepted; got != want {
		t.Errorf("joined bitmaps %s, want %s", got, want)
	}
	if e.Info() != right.Info() || e.Flags() != right.Flags() {
		t.Errorf("attributes differ after split: %v/%v vs %v/%v", e.Info(), e.Flags(), right.Info(), right.Flags())
	}
	if e.AcceptedPages()+right.AcceptedPages() != before.AcceptedPages {
		t.Errorf("accepted pages %d + %d, want %d", e.AcceptedPages(), right.AcceptedPages(), before.AcceptedPages)
	}
}

func TestEMAAddressPredicates(t *testing.T) {
	e := newTestEMA(2, 0, rw)
	for _, tc := range []struct {
		addr                    hostarch.Addr
		overlap, lower, greater bool
	}{
		{emaBase - 1, false, false, false},
		{emaBase, true, false, true},
		{emaBase + hostarch.Addr(pg(2)) - 1, true, false, false},
		{emaBase + hostarch.Addr(pg(2)), false, true, false},
	} {
		if got := e.OverlapAddr(tc.addr); got != tc.overlap {
			t.Errorf("OverlapAddr(%v) = %t", tc.addr, got)
		}
		if got := e.LowerThanAddr(tc.addr); got != tc.lower {
			t.Errorf("LowerThanAddr(%v) = %t", tc.addr, got)
		}
		if got := e.HigherThanAddr(tc.addr); got != tc.greater {
			t.Errorf("HigherThanAddr(%v) = %t", tc.addr, got)
		}
	}
	if got, want := e.AlignedEnd(pg(4)), emaBase+hostarch.Addr(pg(4)); got != want {
		t.Errorf("AlignedEnd = %v, want %v", got, want)
	}
}

func TestEMACommitUncommit(t *testing.T) {
	ctx := context.Background()
	host := simhost.New()
	e := newTestEMA(4, 0, rw)

	if err := e.commitCheck(); err != nil {
		t.Fatalf("commitCheck: %v", err)
	}
	mid := (emaBase + hostarch.Addr(pg(1))).MustToRange(pg(2))
	n, err := e.commit(ctx, host, mid)
	if err != nil || n != 2 {
		t.Fatalf("commit = %d, %v", n, err)
	}
	if got := e.eaccept.String(); got != "0110" {
		t.Errorf("bitmap after commit = %s", got)
	}
	// Already accepted pages are skipped.
	n, err = e.commit(ctx, host, e.Range())
	if err != nil || n != 2 {
		t.Fatalf("second commit = %d, %v", n, err)
	}
	if got := host.CountCalls(edmm.OpAccept); got != 4 {
		t.Errorf("%d accepts, want 4", got)
	}

	host.ResetCalls()
	n, err = e.uncommit(ctx, host, mid)
	if err != nil || n != 2 {
		t.Fatalf("uncommit = %d, %v", n, err)
	}
	want := []simhost.Call{
		{Op: edmm.OpModifyType, Range: mid, Info: epc.PageInfo{Type: epc.Trim}},
		{Op: edmm.OpAccept, Range: mid.Start.MustToRange(pg(1)), Info: epc.PageInfo{Type: epc.Trim, State: epc.Modified}},
		{Op: edmm.OpAccept, Range: (mid.Start + hostarch.Addr(pg(1))).MustToRange(pg(1)), Info: epc.PageInfo{Type: epc.Trim, State: epc.Modified}},
		{Op: edmm.OpRemove, Range: mid},
	}
	if diff := cmp.Diff(want, host.Calls()); diff != "" {
		t.Errorf("uncommit host calls (-want +got):\n%s", diff)
	}
	if got := e.eaccept.String(); got != "1001" {
		t.Errorf("bitmap after uncommit = %s", got)
	}
	if got := host.PresentPages(e.Range()); got != 2 {
		t.Errorf("%d pages present, want 2", got)
	}
}

func TestEMACommitGrowsdown(t *testing.T) {
	ctx := context.Background()
	host := simhost.New()
	e := newTestEMA(3, Growsdown, rw)
	if _, err := e.commit(ctx, host, e.Range()); err != nil {
		t.Fatalf("commit: %v", err)
	}
	calls := host.Calls()
	if len(calls) != 3 {
		t.Fatalf("%d calls, want 3", len(calls))
	}
	for i, c := range calls {
		if want := e.pageAddr(uint64(2 - i)); c.Range.Start != want {
			t.Errorf("accept %d at %v, want %v", i, c.Range.Start, want)
		}
	}
}

func TestEMACommitFailure(t *testing.T) {
	ctx := context.Background()
	host := simhost.New()
	e := newTestEMA(4, 0, rw)
	host.Inject(simhost.Failure{Op: edmm.OpAccept, Addr: e.pageAddr(2)})
	n, err := e.commit(ctx, host, e.Range())
	if !errors.Is(err, linuxerr.EFAULT) || n != 2 {
		t.Fatalf("commit = %d, %v; want 2, EFAULT", n, err)
	}
	if got := e.eaccept.String(); got != "1100" {
		t.Errorf("bitmap after failed commit = %s, want 1100", got)
	}
}

func TestEMAChecks(t *testing.T) {
	committed := func(info epc.PageInfo, flags AllocFlags) *EMA {
		e := newTestEMA(1, flags, info)
		e.eaccept.SetFull()
		return e
	}
	bad := newTestEMA(1, 0, rw)
	bad.inconsistent = true
	page := emaBase.MustToRange(pg(1))

	for _, tc := range []struct {
		name  string
		check func() error
		want  error
	}{
		{"commit reserved", newTestEMA(1, Reserved, rw).commitCheck, linuxerr.EACCES},
		{"commit inconsistent", bad.commitCheck, linuxerr.EFAULT},
		{"commit plain", newTestEMA(1, 0, rw).commitCheck, nil},
		{"uncommit system", newTestEMA(1, System, rw).uncommitCheck, linuxerr.EPERM},
		{"uncommit inconsistent", bad.uncommitCheck, linuxerr.EFAULT},
		{"uncommit prot none", newTestEMA(1, 0, epc.PageInfo{Type: epc.Reg, Prot: epc.ProtNone}).uncommitCheck, linuxerr.EINVAL},
		{"perm reserved", func() error { return newTestEMA(1, Reserved, rw).modifyPermCheck(page) }, linuxerr.EPERM},
		{"perm tcs", func() error {
			return committed(epc.PageInfo{Type: epc.Tcs, Prot: epc.ProtRW}, 0).modifyPermCheck(page)
		}, linuxerr.EPERM},
		{"perm uncommitted", func() error { return newTestEMA(1, 0, rw).modifyPermCheck(page) }, linuxerr.EINVAL},
		{"perm committed", func() error { return committed(rw, Committed).modifyPermCheck(page) }, nil},
		{"tcs from ss", func() error {
			return committed(epc.PageInfo{Type: epc.SsFirst, Prot: epc.ProtRW}, 0).changeToTcsCheck(page)
		}, linuxerr.EPERM},
		{"tcs reserved", func() error { return newTestEMA(1, Reserved, rw).changeToTcsCheck(page) }, linuxerr.EINVAL},
		{"tcs uncommitted", func() error { return newTestEMA(1, 0, rw).changeToTcsCheck(page) }, linuxerr.EINVAL},
		{"tcs read only", func() error {
			return committed(epc.PageInfo{Type: epc.Reg, Prot: epc.ProtRead}, 0).changeToTcsCheck(page)
		}, linuxerr.EACCES},
		{"tcs ok", func() error { return committed(rw, 0).changeToTcsCheck(page) }, nil},
		{"dealloc system", newTestEMA(1, System, rw).deallocCheck, linuxerr.EPERM},
		{"dealloc inconsistent", bad.deallocCheck, linuxerr.EFAULT},
	} {
		t.Run(tc.name, func(t *testing.T) {
			err := tc.check()
			if tc.want == nil {
				if err != nil {
					t.Errorf("got %v, want nil", err)
				}
				return
			}
			if !errors.Is(err, tc.want) {
				t.Errorf("got %v, want %v", err, tc.want)
			}
		})
	}
}

func TestEMAModifyPerm(t *testing.T) {
	ctx := context.Background()
	host := simhost.New()
	e := newTestEMA(2, 0, rw)
	if _, err := e.commit(ctx, host, e.Range()); err != nil {
		t.Fatalf("commit: %v", err)
	}

	host.ResetCalls()
	if err := e.modifyPerm(ctx, host, epc.ProtRWX); err != nil {
		t.Fatalf("extend: %v", err)
	}
	if got := host.CountCalls(edmm.OpAccept); got != 0 {
		t.Errorf("extension issued %d accepts, want 0", got)
	}

	host.ResetCalls()
	if err := e.modifyPerm(ctx, host, epc.ProtRead); err != nil {
		t.Fatalf("restrict: %v", err)
	}
	if got := host.CountCalls(edmm.OpAccept); got != 2 {
		t.Errorf("restriction issued %d accepts, want 2", got)
	}
	if p, _ := host.Page(emaBase); p.Prot != epc.ProtRead || p.PermChangePending {
		t.Errorf("host page after restriction = %+v", p)
	}

	host.ResetCalls()
	if err := e.modifyPerm(ctx, host, epc.ProtRead); err != nil || len(host.Calls()) != 0 {
		t.Errorf("unchanged modifyPerm = %v with %d calls", err, len(host.Calls()))
	}

	host.ResetCalls()
	if err := e.modifyPerm(ctx, host, epc.ProtRW); err != nil {
		t.Fatalf("widen: %v", err)
	}
	if got := host.CountCalls(edmm.OpAccept); got != 2 {
		t.Errorf("widening issued %d accepts, want 2", got)
	}
	if p, _ := host.Page(emaBase); p.Prot != epc.ProtRW || p.PermChangePending {
		t.Errorf("host page after widening = %+v", p)
	}
}

func TestEMAChangeToTcs(t *testing.T) {
	ctx := context.Background()
	host := simhost.New()
	e := newTestEMA(1, 0, rw)
	if _, err := e.commit(ctx, host, e.Range()); err != nil {
		t.Fatalf("commit: %v", err)
	}
	if err := e.changeToTcs(ctx, host); err != nil {
		t.Fatalf("changeToTcs: %v", err)
	}
	if e.Info().Type != epc.Tcs {
		t.Errorf("type = %v, want TCS", e.Info().Type)
	}
	if p, _ := host.Page(emaBase); p.Type != epc.Tcs || p.TypeChangePending {
		t.Errorf("host page = %+v", p)
	}
}

func TestEMAUncommitFailureMarksInconsistent(t *testing.T) {
	ctx := context.Background()
	host := simhost.New()
	e := newTestEMA(2, 0, rw)
	if _, err := e.commit(ctx, host, e.Range()); err != nil {
		t.Fatalf("commit: %v", err)
	}
	host.Inject(simhost.Failure{Op: edmm.OpRemove, Addr: emaBase})
	if _, err := e.uncommit(ctx, host, e.Range()); !errors.Is(err, linuxerr.EFAULT) {
		t.Fatalf("uncommit = %v, want EFAULT", err)
	}
	if !e.inconsistent {
		t.Errorf("EMA not marked inconsistent")
	}
	if err := e.commitCheck(); !errors.Is(err, linuxerr.EFAULT) {
		t.Errorf("commitCheck on inconsistent EMA = %v, want EFAULT", err)
	}
}
