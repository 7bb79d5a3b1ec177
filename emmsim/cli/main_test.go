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

package cli

import (
	"bytes"
	"strings"
	"testing"
	"time"

	"enclave.dev/emm/pkg/log"
	"github.com/google/subcommands"
)

func TestNewEmitter(t *testing.T) {
	for _, tc := range []struct {
		format string
		want   []string
	}{
		{"text", []string{"I", "] area 0x1000"}},
		{"json", []string{`"msg":"area 0x1000"`, `"level":"info"`, `"component":"emm"`}},
		{"logrus", []string{`msg="area 0x1000"`, "component=emm", "level=info"}},
	} {
		t.Run(tc.format, func(t *testing.T) {
			var buf bytes.Buffer
			e := newEmitter(tc.format, &buf)
			e.Emit(1, log.Info, time.Now(), "area %#x", 0x1000)
			for _, w := range tc.want {
				if !strings.Contains(buf.String(), w) {
					t.Errorf("output %q does not contain %q", buf.String(), w)
				}
			}
		})
	}
}

func TestForEachCmd(t *testing.T) {
	var names []string
	forEachCmd(func(c subcommands.Command, _ string) {
		names = append(names, c.Name())
	})
	want := "help flags commands layout run stats"
	if got := strings.Join(names, " "); got != want {
		t.Errorf("commands = %q, want %q", got, want)
	}
}
