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

	"enclave.dev/emm/pkg/edmm"
	"enclave.dev/emm/pkg/epc"
	"enclave.dev/emm/pkg/hostarch"
	"enclave.dev/emm/pkg/log"
	"enclave.dev/emm/pkg/sync"
)

// The process-wide Manager. The functions below forward to it and panic if
// Init has not succeeded.
var (
	globalOnce sync.Once
	global     *Manager
	globalErr  error
)

// Init creates the process-wide Manager. Only the first call has an effect;
// later calls return the first call's error, if any.
func Init(ctx context.Context, layout Layout, host edmm.Host, cfg Config) error {
	globalOnce.Do(func() {
		global, globalErr = New(ctx, layout, host, cfg)
		if globalErr != nil {
			log.Warningf("Memory manager initialization failed: %v", globalErr)
			return
		}
		log.Infof("Memory manager initialized: ELRANGE %v, USER %v", layout.Enclave(), layout.User())
	})
	return globalErr
}

// Global returns the process-wide Manager, or nil before Init.
func Global() *Manager {
	return global
}

func mustGlobal() *Manager {
	if global == nil {
		panic("emm: used before Init")
	}
	return global
}

// InitStaticRegion calls Manager.InitStaticRegion on the process-wide Manager.
func InitStaticRegion(ctx context.Context, opts EmaOptions) error {
	return mustGlobal().InitStaticRegion(ctx, opts)
}

// AllocUser calls Manager.AllocUser on the process-wide Manager.
func AllocUser(ctx context.Context, opts EmaOptions) (hostarch.Addr, error) {
	return mustGlobal().AllocUser(ctx, opts)
}

// AllocRts calls Manager.AllocRts on the process-wide Manager.
func AllocRts(ctx context.Context, opts EmaOptions) (hostarch.Addr, error) {
	return mustGlobal().AllocRts(ctx, opts)
}

// Dealloc calls Manager.Dealloc on the process-wide Manager.
func Dealloc(ctx context.Context, addr hostarch.Addr, length uint64) error {
	return mustGlobal().Dealloc(ctx, addr, length)
}

// Commit calls Manager.Commit on the process-wide Manager.
func Commit(ctx context.Context, addr hostarch.Addr, length uint64) error {
	return mustGlobal().Commit(ctx, addr, length)
}

// Uncommit calls Manager.Uncommit on the process-wide Manager.
func Uncommit(ctx context.Context, addr hostarch.Addr, length uint64) error {
	return mustGlobal().Uncommit(ctx, addr, length)
}

// ModifyType calls Manager.ModifyType on the process-wide Manager.
func ModifyType(ctx context.Context, addr hostarch.Addr, length uint64, typ epc.PageType) error {
	return mustGlobal().ModifyType(ctx, addr, length, typ)
}

// ModifyPerms calls Manager.ModifyPerms on the process-wide Manager.
func ModifyPerms(ctx context.Context, addr hostarch.Addr, length uint64, prot epc.ProtFlags) error {
	return mustGlobal().ModifyPerms(ctx, addr, length, prot)
}

// PfEntry is the platform's page fault entry point. Errors are logged by the
// Manager and reported as ContinueSearch.
func PfEntry(ctx context.Context, addr hostarch.Addr, errorCode uint32) HandleResult {
	res, err := mustGlobal().HandlePageFault(ctx, &PfInfo{Addr: addr, ErrorCode: errorCode})
	if err != nil {
		return ContinueSearch
	}
	return res
}
