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

package scenario

import (
	"context"

	"enclave.dev/emm/emmsim/config"
	"enclave.dev/emm/pkg/edmm/simhost"
	"enclave.dev/emm/pkg/emm"
	"enclave.dev/emm/pkg/epc"
)

// NewSimulation returns a manager for conf over a fresh simulated host. The
// host starts out holding the pages the loader would have added: all of the
// static arena and the initial part of the reserve arena.
func NewSimulation(ctx context.Context, conf *config.Config) (*emm.Manager, *simhost.Host, error) {
	host := simhost.New()
	mc := conf.ManagerConfig()
	meta := epc.PageInfo{Type: epc.Reg, Prot: epc.ProtRW}
	host.Preload(mc.StaticArena, meta)
	if mc.ReserveArena.Initial > 0 {
		host.Preload(mc.ReserveArena.Region.Start.MustToRange(mc.ReserveArena.Initial), meta)
	}
	mm, err := emm.New(ctx, conf.Layout(), host, mc)
	if err != nil {
		return nil, nil, err
	}
	return mm, host, nil
}
