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

	"enclave.dev/emm/pkg/epc"
	"enclave.dev/emm/pkg/errors/linuxerr"
	"enclave.dev/emm/pkg/hostarch"
	"enclave.dev/emm/pkg/log"
)

// HandlePageFault resolves a page fault at info.Addr.
//
// Faults outside ELRANGE, outside any EMA, or on a reserved EMA are not
// handled and yield ContinueSearch. Otherwise the faulting page is accepted
// if it was not already, and the EMA's handler, if any, decides the
// disposition. A failed accept is reported as EFAULT.
func (mm *Manager) HandlePageFault(ctx context.Context, info *PfInfo) (HandleResult, error) {
	ctx, unlock := mm.mu.Lock(ctx)
	defer unlock()
	res, err := mm.handlePageFaultLocked(ctx, info)
	switch {
	case err != nil:
		mm.stats.faultsFailed.Add(1)
		mm.faultLog.Warningf("Page fault at %v (error code %#x) failed: %v", info.Addr, info.ErrorCode, err)
	case res == ContinueExecution:
		mm.stats.faultsResolved.Add(1)
	default:
		mm.stats.faultsForwarded.Add(1)
		if mm.faultLog.IsLogging(log.Debug) {
			mm.faultLog.Debugf("Page fault at %v (error code %#x) not handled", info.Addr, info.ErrorCode)
		}
	}
	return res, err
}

// Preconditions: mm.mu is held.
func (mm *Manager) handlePageFaultLocked(ctx context.Context, info *PfInfo) (HandleResult, error) {
	addr := info.Addr.RoundDown()
	ar, ok := addr.ToRange(hostarch.PageSize)
	if !ok || !mm.layout.IsWithinEnclave(ar) {
		return ContinueSearch, nil
	}
	typ := Rts
	if mm.layout.IsWithinUserRange(ar) {
		typ = User
	}
	e := mm.searchEmaLocked(addr, typ)
	if e == nil || e.flags&Reserved != 0 {
		return ContinueSearch, nil
	}
	if e.inconsistent {
		return ContinueSearch, linuxerr.EFAULT
	}
	if i := e.pageIndex(addr); !e.eaccept.Test(i) {
		pi := epc.PageInfo{Type: e.info.Type, Prot: e.info.Prot, State: epc.Pending}
		if err := mm.host.Accept(ctx, ar, pi); err != nil {
			return ContinueSearch, hostFailure("accept", ar, err)
		}
		e.eaccept.Set(i)
		mm.stats.pagesAccepted.Add(1)
	}
	if e.handler != nil {
		return e.handler(ctx, info, e.priv), nil
	}
	return ContinueExecution, nil
}
