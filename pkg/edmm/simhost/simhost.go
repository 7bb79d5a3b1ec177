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

// Package simhost provides an in-process stand-in for the untrusted host. It
// tracks the EPC state of every page it has handed to the enclave, records
// every call in order, and can be told to fail specific calls.
package simhost

import (
	"context"
	"fmt"

	"enclave.dev/emm/pkg/edmm"
	"enclave.dev/emm/pkg/epc"
	"enclave.dev/emm/pkg/errors/linuxerr"
	"enclave.dev/emm/pkg/hostarch"
	"enclave.dev/emm/pkg/sync"
)

// Page is the host's view of one EPC page.
type Page struct {
	Type epc.PageType
	Prot epc.ProtFlags

	// TypeChangePending is set between ModifyType and the matching
	// Accept with epc.Modified.
	TypeChangePending bool

	// PermChangePending is set between a ModifyPerm to anything but RWX
	// and the matching Accept with epc.PR.
	PermChangePending bool
}

// Call is one recorded host call.
type Call struct {
	Op    edmm.Op
	Range hostarch.AddrRange

	// Info is the argument of Accept. For ModifyPerm only Info.Prot is
	// meaningful and for ModifyType only Info.Type.
	Info epc.PageInfo
}

// String implements fmt.Stringer.String.
func (c Call) String() string {
	switch c.Op {
	case edmm.OpAccept:
		return fmt.Sprintf("%s %v %v", c.Op, c.Range, c.Info)
	case edmm.OpModifyPerm:
		return fmt.Sprintf("%s %v %v", c.Op, c.Range, c.Info.Prot)
	case edmm.OpModifyType:
		return fmt.Sprintf("%s %v %v", c.Op, c.Range, c.Info.Type)
	default:
		return fmt.Sprintf("%s %v", c.Op, c.Range)
	}
}

// Failure describes a call the host refuses. A failure matches a call of the
// same Op whose range contains Addr, and fires once.
type Failure struct {
	Op   edmm.Op
	Addr hostarch.Addr

	// Err is returned to the caller; EIO if nil.
	Err error
}

// Hook is invoked before Accept is carried out, without the host lock held.
// Tests use it to deliver a nested fault to the enclave while the memory
// manager is in the middle of an operation.
type Hook func(ctx context.Context, ar hostarch.AddrRange, info epc.PageInfo)

// Host is a simulated host. The zero value is not usable; call New.
//
// Host is safe for concurrent use.
type Host struct {
	mu sync.Mutex

	// pages is the set of EPC pages currently in the enclave.
	pages map[hostarch.Addr]*Page

	calls    []Call
	failures []Failure

	// beforeAccept, if set, is invoked by Accept.
	beforeAccept Hook
}

var _ edmm.Host = (*Host)(nil)

// New returns a host with no enclave pages.
func New() *Host {
	return &Host{pages: make(map[hostarch.Addr]*Page)}
}

// Preload marks the pages of ar as already present and accepted, as the
// enclave loader does for the image before any dynamic call. The call log is
// unaffected.
func (h *Host) Preload(ar hostarch.AddrRange, info epc.PageInfo) {
	h.mu.Lock()
	defer h.mu.Unlock()
	for addr := ar.Start; addr < ar.End; addr += hostarch.PageSize {
		h.pages[addr] = &Page{Type: info.Type, Prot: info.Prot}
	}
}

// Inject arms a one-shot failure.
func (h *Host) Inject(f Failure) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.failures = append(h.failures, f)
}

// SetBeforeAccept installs hook; nil removes it.
func (h *Host) SetBeforeAccept(hook Hook) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.beforeAccept = hook
}

// Calls returns a copy of the call log.
func (h *Host) Calls() []Call {
	h.mu.Lock()
	defer h.mu.Unlock()
	return append([]Call(nil), h.calls...)
}

// CountCalls returns the number of logged calls of op.
func (h *Host) CountCalls(op edmm.Op) int {
	h.mu.Lock()
	defer h.mu.Unlock()
	n := 0
	for _, c := range h.calls {
		if c.Op == op {
			n++
		}
	}
	return n
}

// ResetCalls empties the call log.
func (h *Host) ResetCalls() {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.calls = nil
}

// Page returns the state of the page containing addr.
func (h *Host) Page(addr hostarch.Addr) (Page, bool) {
	h.mu.Lock()
	defer h.mu.Unlock()
	p, ok := h.pages[addr.RoundDown()]
	if !ok {
		return Page{}, false
	}
	return *p, true
}

// PresentPages returns the number of present pages within ar.
func (h *Host) PresentPages(ar hostarch.AddrRange) int {
	h.mu.Lock()
	defer h.mu.Unlock()
	n := 0
	for addr := ar.Start.RoundDown(); addr < ar.End; addr += hostarch.PageSize {
		if _, ok := h.pages[addr]; ok {
			n++
		}
	}
	return n
}

// Accept implements edmm.Host.Accept.
func (h *Host) Accept(ctx context.Context, ar hostarch.AddrRange, info epc.PageInfo) error {
	h.mu.Lock()
	hook := h.beforeAccept
	h.mu.Unlock()
	if hook != nil {
		hook(ctx, ar, info)
	}

	h.mu.Lock()
	defer h.mu.Unlock()
	if err := h.beginLocked(edmm.OpAccept, ar, info); err != nil {
		return err
	}
	// Validate the whole range before touching it.
	for addr := ar.Start; addr < ar.End; addr += hostarch.PageSize {
		p, ok := h.pages[addr]
		switch {
		case info.State&epc.Pending != 0:
			if ok {
				return fmt.Errorf("accept %v: page %v already present: %w", ar, addr, linuxerr.EEXIST)
			}
		case !ok:
			return fmt.Errorf("accept %v: page %v not present: %w", ar, addr, linuxerr.EFAULT)
		case info.State&epc.Modified != 0:
			if !p.TypeChangePending || p.Type != info.Type {
				return fmt.Errorf("accept %v: no pending change to %v at %v: %w", ar, info.Type, addr, linuxerr.EINVAL)
			}
		case info.State&epc.PR != 0:
			if !p.PermChangePending || p.Prot != info.Prot {
				return fmt.Errorf("accept %v: no pending permission change to %v at %v: %w", ar, info.Prot, addr, linuxerr.EINVAL)
			}
		default:
			return fmt.Errorf("accept %v: no transition named: %w", ar, linuxerr.EINVAL)
		}
	}
	for addr := ar.Start; addr < ar.End; addr += hostarch.PageSize {
		switch {
		case info.State&epc.Pending != 0:
			h.pages[addr] = &Page{Type: info.Type, Prot: info.Prot}
		case info.State&epc.Modified != 0:
			h.pages[addr].TypeChangePending = false
		case info.State&epc.PR != 0:
			h.pages[addr].PermChangePending = false
		}
	}
	return nil
}

// ModifyPerm implements edmm.Host.ModifyPerm.
func (h *Host) ModifyPerm(ctx context.Context, ar hostarch.AddrRange, prot epc.ProtFlags) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	if err := h.beginLocked(edmm.OpModifyPerm, ar, epc.PageInfo{Prot: prot}); err != nil {
		return err
	}
	if err := h.presentLocked(ar); err != nil {
		return fmt.Errorf("modify perm %v: %w", ar, err)
	}
	for addr := ar.Start; addr < ar.End; addr += hostarch.PageSize {
		p := h.pages[addr]
		p.PermChangePending = prot != epc.ProtRWX
		p.Prot = prot
	}
	return nil
}

// ModifyType implements edmm.Host.ModifyType.
func (h *Host) ModifyType(ctx context.Context, ar hostarch.AddrRange, typ epc.PageType) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	if err := h.beginLocked(edmm.OpModifyType, ar, epc.PageInfo{Type: typ}); err != nil {
		return err
	}
	if err := h.presentLocked(ar); err != nil {
		return fmt.Errorf("modify type %v: %w", ar, err)
	}
	for addr := ar.Start; addr < ar.End; addr += hostarch.PageSize {
		p := h.pages[addr]
		p.Type = typ
		p.TypeChangePending = true
	}
	return nil
}

// Remove implements edmm.Host.Remove.
func (h *Host) Remove(ctx context.Context, ar hostarch.AddrRange) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	if err := h.beginLocked(edmm.OpRemove, ar, epc.PageInfo{}); err != nil {
		return err
	}
	if err := h.presentLocked(ar); err != nil {
		return fmt.Errorf("remove %v: %w", ar, err)
	}
	for addr := ar.Start; addr < ar.End; addr += hostarch.PageSize {
		if p := h.pages[addr]; p.Type != epc.Trim || p.TypeChangePending {
			return fmt.Errorf("remove %v: page %v not trimmed: %w", ar, addr, linuxerr.EINVAL)
		}
	}
	for addr := ar.Start; addr < ar.End; addr += hostarch.PageSize {
		delete(h.pages, addr)
	}
	return nil
}

// beginLocked validates and logs a call, and fires a matching failure.
//
// Preconditions: h.mu is locked.
func (h *Host) beginLocked(op edmm.Op, ar hostarch.AddrRange, info epc.PageInfo) error {
	if !ar.WellFormed() || ar.Length() == 0 || !ar.IsPageAligned() {
		return fmt.Errorf("%s: bad range %v: %w", op, ar, linuxerr.EINVAL)
	}
	h.calls = append(h.calls, Call{Op: op, Range: ar, Info: info})
	for i, f := range h.failures {
		if f.Op == op && ar.Contains(f.Addr) {
			h.failures = append(h.failures[:i], h.failures[i+1:]...)
			if f.Err != nil {
				return f.Err
			}
			return fmt.Errorf("%s %v: injected failure: %w", op, ar, linuxerr.EIO)
		}
	}
	return nil
}

// presentLocked returns an error unless every page of ar is present.
//
// Preconditions: h.mu is locked.
func (h *Host) presentLocked(ar hostarch.AddrRange) error {
	for addr := ar.Start; addr < ar.End; addr += hostarch.PageSize {
		if _, ok := h.pages[addr]; !ok {
			return fmt.Errorf("page %v not present: %w", addr, linuxerr.EFAULT)
		}
	}
	return nil
}
