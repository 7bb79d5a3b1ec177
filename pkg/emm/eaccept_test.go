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
	"testing"
)

func mapFrom(bits string) *EAcceptMap {
	m := NewEAcceptMap(uint64(len(bits)))
	for i, c := range bits {
		if c == '1' {
			m.Set(uint64(i))
		}
	}
	return m
}

func TestEAcceptMapSetClear(t *testing.T) {
	m := NewEAcceptMap(70)
	if !m.IsEmpty() || m.IsFull() || m.Count() != 0 {
		t.Fatalf("new map: empty=%t full=%t count=%d", m.IsEmpty(), m.IsFull(), m.Count())
	}
	for _, i := range []uint64{0, 63, 64, 69} {
		m.Set(i)
		m.Set(i)
	}
	if got := m.Count(); got != 4 {
		t.Errorf("Count = %d, want 4", got)
	}
	if !m.Test(64) || m.Test(65) {
		t.Errorf("Test(64) = %t, Test(65) = %t", m.Test(64), m.Test(65))
	}
	m.Clear(63)
	m.Clear(63)
	if got := m.Count(); got != 3 {
		t.Errorf("Count after Clear = %d, want 3", got)
	}
}

func TestEAcceptMapFull(t *testing.T) {
	m := NewEAcceptMap(130)
	m.SetFull()
	if !m.IsFull() || m.Count() != 130 || !m.Test(129) {
		t.Fatalf("full map: full=%t count=%d", m.IsFull(), m.Count())
	}
	m.Clear(128)
	if m.IsFull() || m.Count() != 129 || m.Test(128) || !m.Test(129) || !m.Test(0) {
		t.Errorf("after Clear(128): full=%t count=%d", m.IsFull(), m.Count())
	}
	m.Set(128)
	if !m.IsFull() {
		t.Errorf("map with every bit set is not full")
	}
	m.Reset()
	if !m.IsEmpty() {
		t.Errorf("Reset map is not empty")
	}
}

func TestEAcceptMapRanges(t *testing.T) {
	m := mapFrom("0111001100")
	for _, tc := range []struct {
		lo, hi   uint64
		any, all bool
	}{
		{0, 1, false, false},
		{1, 4, true, true},
		{0, 4, true, false},
		{4, 6, false, false},
		{3, 7, true, false},
		{6, 8, true, true},
		{5, 5, false, true},
	} {
		if got := m.AnyInRange(tc.lo, tc.hi); got != tc.any {
			t.Errorf("AnyInRange(%d, %d) = %t, want %t", tc.lo, tc.hi, got, tc.any)
		}
		if got := m.AllInRange(tc.lo, tc.hi); got != tc.all {
			t.Errorf("AllInRange(%d, %d) = %t, want %t", tc.lo, tc.hi, got, tc.all)
		}
	}
}

func TestEAcceptMapRangesAcrossBlocks(t *testing.T) {
	m := NewEAcceptMap(200)
	m.SetRange(60, 140)
	if got := m.Count(); got != 80 {
		t.Fatalf("Count = %d, want 80", got)
	}
	if !m.AllInRange(60, 140) || m.AnyInRange(0, 60) || m.AnyInRange(140, 200) {
		t.Errorf("range tests disagree with SetRange(60, 140)")
	}
	m.ClearRange(64, 128)
	if got := m.Count(); got != 16 {
		t.Errorf("Count after ClearRange = %d, want 16", got)
	}
	m.SetRange(0, 200)
	if !m.IsFull() {
		t.Errorf("whole-map SetRange is not full")
	}
}

func TestEAcceptMapNextRun(t *testing.T) {
	m := mapFrom("0110111001")
	type run struct{ start, end uint64 }
	var got []run
	for lo := uint64(0); ; {
		start, end, ok := m.NextRun(lo, m.Pages())
		if !ok {
			break
		}
		got = append(got, run{start, end})
		lo = end
	}
	want := []run{{1, 3}, {4, 7}, {9, 10}}
	if len(got) != len(want) {
		t.Fatalf("runs = %v, want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("run %d = %v, want %v", i, got[i], want[i])
		}
	}
	if _, _, ok := m.NextRun(7, 9); ok {
		t.Errorf("NextRun(7, 9) found a run in %q", m)
	}
}

func TestEAcceptMapSplit(t *testing.T) {
	for _, tc := range []struct {
		name   string
		bits   string
		at     uint64
		prefix string
		suffix string
	}{
		{"simple", "1100110", 3, "110", "0110"},
		{"all clear", "0000", 1, "0", "000"},
	} {
		t.Run(tc.name, func(t *testing.T) {
			m := mapFrom(tc.bits)
			s := m.Split(tc.at)
			if m.String() != tc.prefix || s.String() != tc.suffix {
				t.Errorf("Split(%d) of %s = %s, %s; want %s, %s", tc.at, tc.bits, m, s, tc.prefix, tc.suffix)
			}
			if m.Count()+s.Count() != mapFrom(tc.bits).Count() {
				t.Errorf("counts %d + %d do not add up", m.Count(), s.Count())
			}
		})
	}
}

func TestEAcceptMapSplitLarge(t *testing.T) {
	m := NewEAcceptMap(150)
	m.SetRange(0, 100)
	s := m.Split(70)
	if m.Pages() != 70 || m.Count() != 70 || !m.IsFull() {
		t.Errorf("prefix: pages=%d count=%d", m.Pages(), m.Count())
	}
	if s.Pages() != 80 || s.Count() != 30 || !s.AllInRange(0, 30) || s.AnyInRange(30, 80) {
		t.Errorf("suffix: pages=%d count=%d %s", s.Pages(), s.Count(), s)
	}
	// The prefix's last block must not keep bits past its end.
	m.Clear(69)
	if got := m.Count(); got != 69 {
		t.Errorf("prefix Count after Clear = %d, want 69", got)
	}
}

func TestEAcceptMapSplitFull(t *testing.T) {
	m := NewEAcceptMap(10)
	m.SetFull()
	s := m.Split(4)
	if !m.IsFull() || !s.IsFull() || m.Count() != 4 || s.Count() != 6 {
		t.Errorf("Split of full map = %s, %s", m, s)
	}
}

func TestEAcceptMapClone(t *testing.T) {
	m := mapFrom("1010")
	c := m.Clone()
	c.Set(1)
	if m.Test(1) {
		t.Errorf("Clone shares storage with the original")
	}
}

func TestEAcceptMapBounds(t *testing.T) {
	defer func() {
		if recover() == nil {
			t.Errorf("Test out of range did not panic")
		}
	}()
	NewEAcceptMap(4).Test(4)
}
