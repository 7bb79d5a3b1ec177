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

package linuxerr

import (
	goerrors "errors"
	"fmt"
	"testing"

	"golang.org/x/sys/unix"
)

func TestErrorFromUnix(t *testing.T) {
	for errno, want := range errorMap {
		got := ErrorFromUnix(errno)
		if got != want {
			t.Errorf("ErrorFromUnix(%d) = %v, want %v", int(errno), got, want)
		}
		if ToUnix(want) != errno {
			t.Errorf("ToUnix(%v) = %d, want %d", want, int(ToUnix(want)), int(errno))
		}
	}
	if ErrorFromUnix(0) != nil {
		t.Errorf("ErrorFromUnix(0) should be nil")
	}
}

func TestEquals(t *testing.T) {
	for _, test := range []struct {
		name string
		err  error
		want bool
	}{
		{name: "same", err: EINVAL, want: true},
		{name: "errno", err: unix.EINVAL, want: true},
		{name: "other", err: EPERM, want: false},
		{name: "nil", err: nil, want: false},
	} {
		t.Run(test.name, func(t *testing.T) {
			if got := Equals(EINVAL, test.err); got != test.want {
				t.Errorf("Equals(EINVAL, %v) = %t, want %t", test.err, got, test.want)
			}
		})
	}
	if !Equals(nil, nil) {
		t.Errorf("Equals(nil, nil) should hold")
	}
}

func TestWrapped(t *testing.T) {
	err := fmt.Errorf("commit [0x1000, 0x2000): %w", EACCES)
	if !goerrors.Is(err, EACCES) {
		t.Errorf("errors.Is(%v, EACCES) = false", err)
	}
	if !goerrors.Is(err, unix.EACCES) {
		t.Errorf("errors.Is(%v, unix.EACCES) = false", err)
	}
	if errno, ok := ErrnoOf(err); !ok || errno != unix.EACCES {
		t.Errorf("ErrnoOf(%v) = %d, %t", err, int(errno), ok)
	}
	if _, ok := ErrnoOf(goerrors.New("plain")); ok {
		t.Errorf("ErrnoOf on a plain error should fail")
	}
}
