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
	"testing"

	"enclave.dev/emm/pkg/edmm/simhost"
	"enclave.dev/emm/pkg/epc"
	"enclave.dev/emm/pkg/hostarch"
)

// TestGlobal is the only test touching the process-wide Manager.
func TestGlobal(t *testing.T) {
	ctx := context.Background()
	host := simhost.New()
	cfg := testConfig()
	host.Preload(cfg.StaticArena, rw)
	host.Preload(cfg.ReserveArena.Region.Start.MustToRange(cfg.ReserveArena.Initial), rw)
	if err := Init(ctx, testLayout(), host, cfg); err != nil {
		t.Fatalf("Init: %v", err)
	}
	first := Global()
	if err := Init(ctx, Layout{}, simhost.New(), Config{}); err != nil || Global() != first {
		t.Fatalf("second Init = %v and replaced the Manager: %t", err, Global() != first)
	}
	defer checkConsistent(t, first, host)

	addr, err := AllocUser(ctx, userOpts(0, 4, 0))
	if err != nil {
		t.Fatalf("AllocUser: %v", err)
	}
	if res := PfEntry(ctx, addr, 0); res != ContinueExecution {
		t.Errorf("PfEntry = %v", res)
	}
	if res := PfEntry(ctx, testBase-hostarch.Addr(pg(1)), 0); res != ContinueSearch {
		t.Errorf("PfEntry outside ELRANGE = %v", res)
	}
	if err := Commit(ctx, addr, pg(4)); err != nil {
		t.Fatalf("Commit: %v", err)
	}
	if err := ModifyPerms(ctx, addr, pg(4), epc.ProtRead); err != nil {
		t.Fatalf("ModifyPerms: %v", err)
	}
	if err := ModifyPerms(ctx, at(addr, 3), pg(1), epc.ProtRW); err != nil {
		t.Fatalf("ModifyPerms: %v", err)
	}
	if err := ModifyType(ctx, at(addr, 3), pg(1), epc.Tcs); err != nil {
		t.Fatalf("ModifyType: %v", err)
	}
	if err := Uncommit(ctx, addr, pg(2)); err != nil {
		t.Fatalf("Uncommit: %v", err)
	}
	if err := Dealloc(ctx, addr, pg(4)); err != nil {
		t.Fatalf("Dealloc: %v", err)
	}
	rts := userOpts(at(testBase, 60), 1, Reserved)
	if err := InitStaticRegion(ctx, rts); err != nil {
		t.Fatalf("InitStaticRegion: %v", err)
	}
	if _, err := AllocRts(ctx, userOpts(at(testBase, 60), 1, Fixed)); err != nil {
		t.Errorf("AllocRts over a reserved static region: %v", err)
	}
}
