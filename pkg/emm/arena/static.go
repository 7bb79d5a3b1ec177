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

package arena

import (
	"context"
	"fmt"

	"enclave.dev/emm/pkg/errors/linuxerr"
	"enclave.dev/emm/pkg/hostarch"
	"enclave.dev/emm/pkg/sync"
)

// Static is a bump allocator over a region that is part of the loaded image
// and therefore always committed. Free is a no-op: the arena lives as long as
// the enclave.
type Static struct {
	region hostarch.AddrRange

	mu sync.Mutex

	// next is the first unallocated address. Protected by mu.
	next hostarch.Addr

	// inUse counts bytes allocated and not nominally freed. Protected by mu.
	inUse uint64
}

// NewStatic returns a static arena over region.
func NewStatic(region hostarch.AddrRange) (*Static, error) {
	if !region.WellFormed() || region.Length() == 0 || !region.IsPageAligned() {
		return nil, fmt.Errorf("static arena region %v: %w", region, linuxerr.EINVAL)
	}
	return &Static{region: region, next: region.Start}, nil
}

// Kind implements Allocator.Kind.
func (s *Static) Kind() Kind { return KindStatic }

// Region implements Allocator.Region.
func (s *Static) Region() hostarch.AddrRange { return s.region }

// Alloc implements Allocator.Alloc.
func (s *Static) Alloc(_ context.Context, size, align uint64) (hostarch.Addr, error) {
	size, align, ok := roundSize(size, align)
	if !ok {
		return 0, linuxerr.EINVAL
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	start, ok := s.next.AlignUp(align)
	if !ok {
		return 0, linuxerr.ENOMEM
	}
	end, ok := start.AddLength(size)
	if !ok || end > s.region.End {
		return 0, linuxerr.ENOMEM
	}
	s.next = end
	s.inUse += size
	return start, nil
}

// Free implements Allocator.Free. The space is not reused.
func (s *Static) Free(addr hostarch.Addr, size uint64) {
	if !s.region.Contains(addr) {
		panic(fmt.Sprintf("static arena free of %v outside %v", addr, s.region))
	}
	size, _, _ = roundSize(size, MinAlign)
	s.mu.Lock()
	defer s.mu.Unlock()
	s.inUse -= size
}

// Usage implements Allocator.Usage.
func (s *Static) Usage() Usage {
	s.mu.Lock()
	defer s.mu.Unlock()
	return Usage{
		InUse:     s.inUse,
		Committed: s.region.Length(),
		Capacity:  s.region.Length(),
	}
}
