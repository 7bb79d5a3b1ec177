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

// Package epc defines the descriptors of enclave page cache pages: their
// type, their access permissions, and the SECINFO state bits that accompany
// an EACCEPT.
package epc

import (
	"fmt"
	"strings"
)

// PageType is the SECINFO page type of an EPC page.
type PageType uint8

// Page types, numbered as in the SECINFO.FLAGS.PAGE_TYPE field.
const (
	Secs PageType = iota
	Tcs
	Reg
	Va
	Trim
	SsFirst
	SsRest
)

var pageTypeNames = [...]string{
	Secs:    "SECS",
	Tcs:     "TCS",
	Reg:     "REG",
	Va:      "VA",
	Trim:    "TRIM",
	SsFirst: "SS_FIRST",
	SsRest:  "SS_REST",
}

// String implements fmt.Stringer.String.
func (t PageType) String() string {
	if int(t) < len(pageTypeNames) {
		return pageTypeNames[t]
	}
	return fmt.Sprintf("PageType(%d)", uint8(t))
}

// ParsePageType parses the name printed by PageType.String, case-insensitively.
func ParsePageType(s string) (PageType, error) {
	for t, name := range pageTypeNames {
		if strings.EqualFold(s, name) {
			return PageType(t), nil
		}
	}
	return 0, fmt.Errorf("unknown page type %q", s)
}

// Allocatable returns true if areas of this type may be created by the memory
// manager. SECS, VA and TRIM pages are owned by the platform.
func (t PageType) Allocatable() bool {
	switch t {
	case Tcs, Reg, SsFirst, SsRest:
		return true
	}
	return false
}

// ProtFlags is the set of access permissions of a page.
type ProtFlags uint8

// Permission bits, as in SECINFO.FLAGS.
const (
	ProtNone  ProtFlags = 0
	ProtRead  ProtFlags = 1 << 0
	ProtWrite ProtFlags = 1 << 1
	ProtExec  ProtFlags = 1 << 2

	ProtRW  = ProtRead | ProtWrite
	ProtRX  = ProtRead | ProtExec
	ProtRWX = ProtRead | ProtWrite | ProtExec
)

// Valid returns true if p uses only the R, W and X bits and X implies R.
func (p ProtFlags) Valid() bool {
	if p&^ProtRWX != 0 {
		return false
	}
	return p&ProtExec == 0 || p&ProtRead != 0
}

// Contains returns true if every bit of q is set in p.
func (p ProtFlags) Contains(q ProtFlags) bool {
	return p&q == q
}

// String implements fmt.Stringer.String in the familiar "rwx" form.
func (p ProtFlags) String() string {
	b := []byte("---")
	if p&ProtRead != 0 {
		b[0] = 'r'
	}
	if p&ProtWrite != 0 {
		b[1] = 'w'
	}
	if p&ProtExec != 0 {
		b[2] = 'x'
	}
	if p&^ProtRWX != 0 {
		return fmt.Sprintf("%s|%#x", b, uint8(p&^ProtRWX))
	}
	return string(b)
}

// ParseProt parses a permission string such as "rw", "r-x" or "none".
func ParseProt(s string) (ProtFlags, error) {
	if strings.EqualFold(s, "none") {
		return ProtNone, nil
	}
	var p ProtFlags
	for _, c := range strings.ToLower(s) {
		switch c {
		case 'r':
			p |= ProtRead
		case 'w':
			p |= ProtWrite
		case 'x':
			p |= ProtExec
		case '-':
		default:
			return 0, fmt.Errorf("invalid permission %q", s)
		}
	}
	return p, nil
}

// State holds the SECINFO state bits that qualify an EACCEPT.
type State uint8

// State bits.
const (
	// Pending marks a page freshly added by the host.
	Pending State = 1 << iota

	// Modified marks a page whose type was changed by the host.
	Modified

	// PR marks a page whose permissions were changed by the host.
	PR
)

// String implements fmt.Stringer.String.
func (s State) String() string {
	var parts []string
	if s&Pending != 0 {
		parts = append(parts, "PENDING")
	}
	if s&Modified != 0 {
		parts = append(parts, "MODIFIED")
	}
	if s&PR != 0 {
		parts = append(parts, "PR")
	}
	if len(parts) == 0 {
		return "0"
	}
	return strings.Join(parts, "|")
}

// PageInfo is the uniform type and permission of the pages of an area. When
// passed to an EACCEPT, State qualifies the transition being accepted.
type PageInfo struct {
	Type  PageType
	Prot  ProtFlags
	State State
}

// String implements fmt.Stringer.String.
func (i PageInfo) String() string {
	if i.State == 0 {
		return fmt.Sprintf("%s/%s", i.Type, i.Prot)
	}
	return fmt.Sprintf("%s/%s/%s", i.Type, i.Prot, i.State)
}

// WithState returns a copy of i carrying the given state bits.
func (i PageInfo) WithState(s State) PageInfo {
	i.State = s
	return i
}
