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

// Package edmm defines the untrusted host services the memory manager relies
// on to change the enclave's EPC page state.
//
// Every call is an enclave exit: the host may deschedule the caller for an
// unbounded time, and it may lie. Callers must treat an error as "the host
// state of the named pages is unknown".
package edmm

import (
	"context"

	"enclave.dev/emm/pkg/epc"
	"enclave.dev/emm/pkg/hostarch"
)

// Host is the set of host calls used by the memory manager.
//
// Ranges are always page-aligned and non-empty.
type Host interface {
	// Accept makes the pages of ar part of the enclave with the given type
	// and permissions, and accepts the pending transition described by
	// info.State. For a fresh page (State == epc.Pending) this combines
	// the host's augment step and the enclave's EACCEPT.
	Accept(ctx context.Context, ar hostarch.AddrRange, info epc.PageInfo) error

	// ModifyPerm changes the permissions of accepted pages. Any change to
	// other than RWX must later be accepted with epc.PR.
	ModifyPerm(ctx context.Context, ar hostarch.AddrRange, prot epc.ProtFlags) error

	// ModifyType changes the type of accepted pages. The change must later
	// be accepted with epc.Modified.
	ModifyType(ctx context.Context, ar hostarch.AddrRange, typ epc.PageType) error

	// Remove releases pages that were trimmed and accepted as such.
	Remove(ctx context.Context, ar hostarch.AddrRange) error
}

// Op names a Host method.
type Op uint8

// Host operations.
const (
	OpAccept Op = iota
	OpModifyPerm
	OpModifyType
	OpRemove
)

// String implements fmt.Stringer.String.
func (op Op) String() string {
	switch op {
	case OpAccept:
		return "accept"
	case OpModifyPerm:
		return "modify_perm"
	case OpModifyType:
		return "modify_type"
	case OpRemove:
		return "remove"
	default:
		return "unknown"
	}
}

// Ops lists every Op, in declaration order.
var Ops = []Op{OpAccept, OpModifyPerm, OpModifyType, OpRemove}

// AcceptPages accepts the pages of ar one at a time with info, lowest first
// unless descending is set. It stops at the first failure and returns the
// number of pages accepted before it.
func AcceptPages(ctx context.Context, h Host, ar hostarch.AddrRange, info epc.PageInfo, descending bool) (int, error) {
	n := int(ar.NumPages())
	for i := 0; i < n; i++ {
		idx := i
		if descending {
			idx = n - 1 - i
		}
		page := ar.Start + hostarch.Addr(idx)*hostarch.PageSize
		if err := h.Accept(ctx, page.MustToRange(hostarch.PageSize), info); err != nil {
			return i, err
		}
	}
	return n, nil
}
