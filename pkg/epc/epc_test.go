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

package epc

import (
	"testing"
)

func TestProtValid(t *testing.T) {
	for _, test := range []struct {
		prot ProtFlags
		want bool
	}{
		{ProtNone, true},
		{ProtRead, true},
		{ProtRW, true},
		{ProtRX, true},
		{ProtRWX, true},
		{ProtWrite, true},
		{ProtExec, false},
		{ProtWrite | ProtExec, false},
		{ProtFlags(8), false},
	} {
		if got := test.prot.Valid(); got != test.want {
			t.Errorf("%v.Valid() = %t, want %t", test.prot, got, test.want)
		}
	}
}

func TestParseProt(t *testing.T) {
	for _, test := range []struct {
		in      string
		want    ProtFlags
		wantErr bool
	}{
		{in: "rw", want: ProtRW},
		{in: "r-x", want: ProtRX},
		{in: "RWX", want: ProtRWX},
		{in: "none", want: ProtNone},
		{in: "", want: ProtNone},
		{in: "rq", wantErr: true},
	} {
		got, err := ParseProt(test.in)
		if (err != nil) != test.wantErr {
			t.Errorf("ParseProt(%q) err = %v, wantErr %t", test.in, err, test.wantErr)
			continue
		}
		if err == nil && got != test.want {
			t.Errorf("ParseProt(%q) = %v, want %v", test.in, got, test.want)
		}
	}
	if got := ProtRX.String(); got != "r-x" {
		t.Errorf("ProtRX.String() = %q", got)
	}
}

func TestPageType(t *testing.T) {
	for typ := Secs; typ <= SsRest; typ++ {
		got, err := ParsePageType(typ.String())
		if err != nil || got != typ {
			t.Errorf("ParsePageType(%q) = %v, %v", typ.String(), got, err)
		}
	}
	if Trim.Allocatable() || Secs.Allocatable() || !Reg.Allocatable() || !Tcs.Allocatable() {
		t.Errorf("Allocatable misclassifies page types")
	}
	info := PageInfo{Type: Trim, Prot: ProtNone}.WithState(Modified)
	if got, want := info.String(), "TRIM/---/MODIFIED"; got != want {
		t.Errorf("String() = %q, want %q", got, want)
	}
}
