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
	"fmt"
	"math/bits"
)

// EAcceptMap records, one bit per page, which pages of an EMA have been
// accepted into the enclave.
//
// A full map is represented by a flag alone; the bit blocks are materialised
// on the first change that makes it non-full.
type EAcceptMap struct {
	// pages is the number of pages tracked.
	pages uint64

	// full is set when every page is accepted and bitBlock is not
	// materialised.
	full bool

	// numOnes is the number of set bits in bitBlock. It is meaningless
	// while full is set.
	numOnes uint64

	// bitBlock holds the bits, 64 pages per block.
	bitBlock []uint64
}

// NewEAcceptMap returns a map of pages pages with every bit clear.
func NewEAcceptMap(pages uint64) *EAcceptMap {
	return &EAcceptMap{
		pages:    pages,
		bitBlock: make([]uint64, blocksFor(pages)),
	}
}

func blocksFor(pages uint64) uint64 {
	return (pages + 63) / 64
}

// eacceptMapBytes returns the storage charged to an arena for a map of pages
// pages.
func eacceptMapBytes(pages uint64) uint64 {
	return blocksFor(pages) * 8
}

// Pages returns the number of pages tracked.
func (m *EAcceptMap) Pages() uint64 {
	return m.pages
}

// SetFull marks every page accepted in O(1).
func (m *EAcceptMap) SetFull() {
	m.full = true
	m.numOnes = 0
	m.bitBlock = nil
}

// Reset clears every bit.
func (m *EAcceptMap) Reset() {
	m.full = false
	m.numOnes = 0
	m.bitBlock = make([]uint64, blocksFor(m.pages))
}

// IsFull returns true if every page is accepted.
func (m *EAcceptMap) IsFull() bool {
	return m.full || m.numOnes == m.pages
}

// IsEmpty returns true if no page is accepted.
func (m *EAcceptMap) IsEmpty() bool {
	return !m.full && m.numOnes == 0 || m.pages == 0
}

// Count returns the number of accepted pages.
func (m *EAcceptMap) Count() uint64 {
	if m.full {
		return m.pages
	}
	return m.numOnes
}

func (m *EAcceptMap) checkIndex(i uint64) {
	if i >= m.pages {
		panic(fmt.Sprintf("EAcceptMap index %d out of range [0, %d)", i, m.pages))
	}
}

func (m *EAcceptMap) checkRange(lo, hi uint64) {
	if lo > hi || hi > m.pages {
		panic(fmt.Sprintf("EAcceptMap range [%d, %d) out of range [0, %d)", lo, hi, m.pages))
	}
}

// materialize expands a full map into explicit bit blocks.
func (m *EAcceptMap) materialize() {
	if !m.full {
		return
	}
	m.full = false
	m.bitBlock = make([]uint64, blocksFor(m.pages))
	for i := range m.bitBlock {
		m.bitBlock[i] = ^uint64(0)
	}
	if tail := m.pages % 64; tail != 0 {
		m.bitBlock[len(m.bitBlock)-1] = (uint64(1) << tail) - 1
	}
	m.numOnes = m.pages
}

// Test returns true if page i is accepted.
func (m *EAcceptMap) Test(i uint64) bool {
	m.checkIndex(i)
	if m.full {
		return true
	}
	return m.bitBlock[i/64]&(uint64(1)<<(i%64)) != 0
}

// Set marks page i accepted.
func (m *EAcceptMap) Set(i uint64) {
	m.checkIndex(i)
	if m.full {
		return
	}
	block, mask := i/64, uint64(1)<<(i%64)
	if m.bitBlock[block]&mask == 0 {
		m.bitBlock[block] |= mask
		m.numOnes++
	}
}

// Clear marks page i not accepted.
func (m *EAcceptMap) Clear(i uint64) {
	m.checkIndex(i)
	m.materialize()
	block, mask := i/64, uint64(1)<<(i%64)
	if m.bitBlock[block]&mask != 0 {
		m.bitBlock[block] &^= mask
		m.numOnes--
	}
}

// SetRange marks pages [lo, hi) accepted.
func (m *EAcceptMap) SetRange(lo, hi uint64) {
	m.checkRange(lo, hi)
	if lo == 0 && hi == m.pages {
		m.SetFull()
		return
	}
	for i := lo; i < hi; i++ {
		m.Set(i)
	}
}

// ClearRange marks pages [lo, hi) not accepted.
func (m *EAcceptMap) ClearRange(lo, hi uint64) {
	m.checkRange(lo, hi)
	if lo == 0 && hi == m.pages {
		m.Reset()
		return
	}
	for i := lo; i < hi; i++ {
		m.Clear(i)
	}
}

// countRange returns the number of accepted pages in [lo, hi).
func (m *EAcceptMap) countRange(lo, hi uint64) uint64 {
	m.checkRange(lo, hi)
	if m.full {
		return hi - lo
	}
	if m.numOnes == 0 || lo == hi {
		return 0
	}
	var n uint64
	for block := lo / 64; block <= (hi-1)/64; block++ {
		w := m.bitBlock[block]
		if block == lo/64 {
			w &= ^uint64(0) << (lo % 64)
		}
		if block == (hi-1)/64 {
			if end := hi % 64; end != 0 {
				w &= (uint64(1) << end) - 1
			}
		}
		n += uint64(bits.OnesCount64(w))
	}
	return n
}

// AnyInRange returns true if some page in [lo, hi) is accepted.
func (m *EAcceptMap) AnyInRange(lo, hi uint64) bool {
	return m.countRange(lo, hi) > 0
}

// AllInRange returns true if every page in [lo, hi) is accepted.
func (m *EAcceptMap) AllInRange(lo, hi uint64) bool {
	return m.countRange(lo, hi) == hi-lo
}

// NextRun returns the first maximal run [start, end) of accepted pages
// within [lo, hi). ok is false if there is none.
func (m *EAcceptMap) NextRun(lo, hi uint64) (start, end uint64, ok bool) {
	m.checkRange(lo, hi)
	start = lo
	for start < hi && !m.Test(start) {
		start++
	}
	if start == hi {
		return 0, 0, false
	}
	end = start + 1
	for end < hi && m.Test(end) {
		end++
	}
	return start, end, true
}

// Split truncates m to its first at pages and returns a map holding the
// remaining pages.
//
// Preconditions: 0 < at < m.Pages().
func (m *EAcceptMap) Split(at uint64) *EAcceptMap {
	if at == 0 || at >= m.pages {
		panic(fmt.Sprintf("EAcceptMap split at %d of %d pages", at, m.pages))
	}
	suffix := NewEAcceptMap(m.pages - at)
	if m.full {
		suffix.SetFull()
		m.pages = at
		return suffix
	}
	for i := at; i < m.pages; i++ {
		if m.Test(i) {
			suffix.Set(i - at)
		}
	}
	m.numOnes -= suffix.numOnes
	m.pages = at
	m.bitBlock = m.bitBlock[:blocksFor(at)]
	if tail := at % 64; tail != 0 {
		m.bitBlock[len(m.bitBlock)-1] &= (uint64(1) << tail) - 1
	}
	return suffix
}

// Clone returns a deep copy of m.
func (m *EAcceptMap) Clone() *EAcceptMap {
	c := *m
	if m.bitBlock != nil {
		c.bitBlock = append([]uint64(nil), m.bitBlock...)
	}
	return &c
}

// String implements fmt.Stringer.String as a page-ordered bit string.
func (m *EAcceptMap) String() string {
	b := make([]byte, m.pages)
	for i := uint64(0); i < m.pages; i++ {
		if m.Test(i) {
			b[i] = '1'
		} else {
			b[i] = '0'
		}
	}
	return string(b)
}
