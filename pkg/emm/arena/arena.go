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

// Package arena provides the two metadata allocators that back the memory
// manager's own descriptors. Neither calls into the memory manager, which is
// what lets the manager allocate while it holds its lock.
//
// Allocations are modelled as address ranges within the arena's region: the
// manager charges every descriptor and bitmap it creates to an arena, so
// exhaustion is reported exactly where an enclave would run out of metadata
// memory.
package arena

import (
	"context"
	"fmt"

	"enclave.dev/emm/pkg/hostarch"
)

// Kind identifies the arena that owns a descriptor.
type Kind uint8

// Arena kinds.
const (
	// KindReserve is the growable free-list arena. It is the default for
	// dynamic allocations.
	KindReserve Kind = iota

	// KindStatic is the bump arena used during bring-up.
	KindStatic
)

// String implements fmt.Stringer.String.
func (k Kind) String() string {
	switch k {
	case KindReserve:
		return "reserve"
	case KindStatic:
		return "static"
	default:
		return fmt.Sprintf("Kind(%d)", uint8(k))
	}
}

// ParseKind parses the name printed by Kind.String.
func ParseKind(s string) (Kind, error) {
	switch s {
	case "reserve", "":
		return KindReserve, nil
	case "static":
		return KindStatic, nil
	default:
		return 0, fmt.Errorf("unknown arena %q", s)
	}
}

// MinAlign is the granularity of every allocation.
const MinAlign = 16

// Allocator is the surface shared by both arenas.
type Allocator interface {
	// Kind returns the arena's tag.
	Kind() Kind

	// Region returns the full address range reserved for the arena.
	Region() hostarch.AddrRange

	// Alloc returns the address of size fresh bytes aligned to align, a
	// power of two. It may issue host calls and so takes a context.
	Alloc(ctx context.Context, size, align uint64) (hostarch.Addr, error)

	// Free returns a block previously obtained from Alloc with the same
	// size.
	Free(addr hostarch.Addr, size uint64)

	// Usage reports current consumption.
	Usage() Usage
}

// Usage describes an arena's consumption.
type Usage struct {
	// InUse is the number of bytes handed out and not freed.
	InUse uint64

	// Committed is the number of bytes backed by accepted pages.
	Committed uint64

	// Capacity is the size of the arena's region.
	Capacity uint64

	// Grows counts successful growth steps.
	Grows uint64
}

// Block is an allocated metadata slot.
type Block struct {
	Kind Kind
	Addr hostarch.Addr
	Size uint64
}

// roundSize rounds a request up to MinAlign and rejects empty requests.
func roundSize(size, align uint64) (uint64, uint64, bool) {
	if size == 0 || !hostarch.IsPowerOfTwo(align) {
		return 0, 0, false
	}
	if align < MinAlign {
		align = MinAlign
	}
	size = (size + MinAlign - 1) &^ (MinAlign - 1)
	return size, align, true
}
